package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func lines(body string) []string {
	return strings.Split(strings.TrimSuffix(body, "\n"), "\n")
}

func TestStreamWritesNDJSON(t *testing.T) {
	s := NewStream(0)
	require.True(t, s.Send(domain.MetadataEvent(domain.StartMetadata{AgentID: "a1", Message: "Code generation started"})))

	go func() {
		s.Send(domain.ChunkEvent("blueprint", "# Plan"))
		s.Send(domain.TerminateEvent())
	}()

	w := httptest.NewRecorder()
	require.NoError(t, s.WriteTo(context.Background(), w))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate, no-transform", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.True(t, w.Flushed)

	got := lines(w.Body.String())
	require.Len(t, got, 3)
	assert.Contains(t, got[0], `"agentId":"a1"`)
	assert.JSONEq(t, `{"chunk":"# Plan","phase":"blueprint"}`, got[1])
	assert.Equal(t, `"terminate"`, got[2])
}

func TestStreamFailEndsWithErrorLine(t *testing.T) {
	s := NewStream(4)
	s.Send(domain.ChunkEvent("setup", "ready"))
	s.Send(domain.ErrorEvent(errors.New("sandbox exploded")))

	w := httptest.NewRecorder()
	require.NoError(t, s.WriteTo(context.Background(), w))
	got := lines(w.Body.String())
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"error":"sandbox exploded"}`, got[1])
}

func TestStreamDropsEventsAfterTerminal(t *testing.T) {
	s := NewStream(4)
	assert.True(t, s.Send(domain.TerminateEvent()))
	assert.False(t, s.Send(domain.ChunkEvent("setup", "late")))
	assert.False(t, s.Send(domain.ErrorEvent(errors.New("late"))))
}

func TestStreamProducerNeverBlocksAfterClientLeaves(t *testing.T) {
	s := NewStream(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WriteTo(ctx, httptest.NewRecorder())
	assert.ErrorIs(t, err, context.Canceled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s.Send(domain.ChunkEvent("blueprint", "x"))
		}
		s.Send(domain.TerminateEvent())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a detached stream")
	}
}
