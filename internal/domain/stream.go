package domain

import (
	"encoding/json"
	"fmt"
)

// TerminateSignal is the literal value written as the last line of a
// successful progress stream.
const TerminateSignal = "terminate"

// StreamEventKind tags a StreamEvent.
type StreamEventKind string

const (
	StreamEventMetadata  StreamEventKind = "metadata"
	StreamEventChunk     StreamEventKind = "chunk"
	StreamEventError     StreamEventKind = "error"
	StreamEventTerminate StreamEventKind = "terminate"
)

// TemplateSummary is the template part of the initial metadata event.
type TemplateSummary struct {
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

// StartMetadata is the first event of a generation stream.
type StartMetadata struct {
	Message       string          `json:"message"`
	AgentID       string          `json:"agentId"`
	WebSocketURL  string          `json:"websocketUrl"`
	HTTPStatusURL string          `json:"httpStatusUrl"`
	BehaviorType  AgentMode       `json:"behaviorType"`
	Template      TemplateSummary `json:"template"`
}

// StreamEvent is one unit of a newline-delimited progress stream.
type StreamEvent struct {
	Kind     StreamEventKind
	Metadata *StartMetadata
	Chunk    string
	Phase    string
	Error    string
}

// MetadataEvent builds the initial event.
func MetadataEvent(m StartMetadata) StreamEvent {
	return StreamEvent{Kind: StreamEventMetadata, Metadata: &m}
}

// ChunkEvent builds a progress chunk.
func ChunkEvent(phase, chunk string) StreamEvent {
	return StreamEvent{Kind: StreamEventChunk, Phase: phase, Chunk: chunk}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Kind: StreamEventError, Error: err.Error()}
}

// TerminateEvent builds the success sentinel.
func TerminateEvent() StreamEvent {
	return StreamEvent{Kind: StreamEventTerminate}
}

// Terminal reports whether the stream must close after this event.
func (e StreamEvent) Terminal() bool {
	return e.Kind == StreamEventError || e.Kind == StreamEventTerminate
}

// MarshalJSON encodes the event as the single JSON value written on its line.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case StreamEventMetadata:
		if e.Metadata == nil {
			return nil, fmt.Errorf("metadata event without payload")
		}
		return json.Marshal(e.Metadata)
	case StreamEventChunk:
		return json.Marshal(struct {
			Chunk string `json:"chunk"`
			Phase string `json:"phase,omitempty"`
		}{e.Chunk, e.Phase})
	case StreamEventError:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Error})
	case StreamEventTerminate:
		return json.Marshal(TerminateSignal)
	default:
		return nil, fmt.Errorf("unknown stream event kind %q", e.Kind)
	}
}

// ProgressSink receives progress events from a background task. Send reports
// false once the consumer is gone; producers keep running regardless.
type ProgressSink interface {
	Send(event StreamEvent) bool
}

// DiscardProgress is a ProgressSink that drops everything.
type DiscardProgress struct{}

// Send implements ProgressSink.
func (DiscardProgress) Send(StreamEvent) bool { return false }
