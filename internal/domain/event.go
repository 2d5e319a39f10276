package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentCreated      EventType = "agent.created"
	EventAgentCloned       EventType = "agent.cloned"
	EventAgentInitialized  EventType = "agent.initialized"
	EventAgentError        EventType = "agent.error"
	EventAgentHibernated   EventType = "agent.hibernated"
	EventTemplateSelected  EventType = "template.selected"
	EventSelectionFellBack EventType = "template.selection_fallback"
	EventSandboxDeployed   EventType = "sandbox.deployed"
	EventClientConnected   EventType = "client.connected"
	EventLLMCallCompleted  EventType = "llm.call.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus is a publish/subscribe channel for lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())
	SubscribeAll(handler EventHandler) (unsubscribe func())
	Close()
}

// NewEvent builds an event with a JSON payload. A payload that fails to
// marshal is dropped.
func NewEvent(t EventType, agentID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), AgentID: agentID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
