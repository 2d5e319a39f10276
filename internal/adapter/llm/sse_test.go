package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func collect(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var deltas []domain.StreamDelta
	for d := range ch {
		deltas = append(deltas, d)
	}
	return deltas
}

func textParser(data []byte) (*domain.StreamDelta, error) {
	s := string(data)
	if !strings.HasPrefix(s, "{") {
		return nil, errors.New("not json")
	}
	return &domain.StreamDelta{Content: strings.Trim(s, "{}")}, nil
}

func TestParseSSEStreamBasic(t *testing.T) {
	raw := "data: {hello}\n\ndata: {world}\n\ndata: [DONE]\n\n"
	deltas := collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), textParser))

	require.Len(t, deltas, 3)
	assert.Equal(t, "hello", deltas[0].Content)
	assert.Equal(t, "world", deltas[1].Content)
	assert.True(t, deltas[2].Done)
	assert.NoError(t, deltas[2].Err)
}

func TestParseSSEStreamSkipsCommentsAndGarbage(t *testing.T) {
	raw := ": keep-alive\nevent: message\ndata: not-json\ndata:{ok}\n\ndata: [DONE]\n"
	deltas := collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), textParser))

	require.Len(t, deltas, 2)
	assert.Equal(t, "ok", deltas[0].Content)
	assert.True(t, deltas[1].Done)
}

func TestParseSSEStreamStopsOnDoneDelta(t *testing.T) {
	raw := "data: {a}\ndata: {b}\n"
	parser := func(data []byte) (*domain.StreamDelta, error) {
		return &domain.StreamDelta{Content: string(data), Done: true}, nil
	}
	deltas := collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), parser))
	require.Len(t, deltas, 1)
}

func TestParseSSEStreamTruncatedReportsError(t *testing.T) {
	raw := "data: {partial}\n"
	deltas := collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), textParser))

	require.Len(t, deltas, 2)
	last := deltas[1]
	assert.True(t, last.Done)
	assert.ErrorIs(t, last.Err, domain.ErrUpstreamFailure)
}

func TestParseSSEStreamContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	ch := parseSSEStream(ctx, pr, textParser)

	go func() {
		_, _ = pw.Write([]byte("data: {first}\n"))
	}()
	first := <-ch
	assert.Equal(t, "first", first.Content)

	cancel()
	_ = pw.Close()

	select {
	case _, ok := <-ch:
		if ok {
			// A final error delta may race with cancellation; the channel must still close.
			_, ok = <-ch
			assert.False(t, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
