package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"forgeline/internal/domain"
)

const streamBuffer = 64

// Stream pipes progress events from a background task into one HTTP
// response, one JSON value per line. The producer side implements
// domain.ProgressSink; once the consumer detaches, sends are dropped.
type Stream struct {
	events chan domain.StreamEvent
	gone   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	finished bool
}

// NewStream creates a Stream buffering up to buffer events before the
// consumer starts reading. buffer <= 0 uses a default.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = streamBuffer
	}
	return &Stream{
		events: make(chan domain.StreamEvent, buffer),
		gone:   make(chan struct{}),
	}
}

// Send queues ev. It reports false when ev was dropped, either because the
// consumer is gone or a terminal event was already sent.
func (s *Stream) Send(ev domain.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	if ev.Terminal() {
		s.finished = true
	}
	select {
	case s.events <- ev:
		return true
	case <-s.gone:
		return false
	}
}

func (s *Stream) detach() { s.once.Do(func() { close(s.gone) }) }

// WriteTo writes the response headers and then every event until a terminal
// one, the client leaves, or ctx is done. It always detaches the consumer
// before returning, so producers never block on an abandoned stream.
func (s *Stream) WriteTo(ctx context.Context, w http.ResponseWriter) error {
	defer s.detach()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate, no-transform")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			line, err := json.Marshal(ev)
			if err != nil {
				ev = domain.ErrorEvent(err)
				line, _ = json.Marshal(ev)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		}
	}
}

var _ domain.ProgressSink = (*Stream)(nil)
