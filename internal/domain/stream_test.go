package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEventMarshal(t *testing.T) {
	tests := []struct {
		name  string
		event StreamEvent
		want  string
	}{
		{"chunk", ChunkEvent("", "hello"), `{"chunk":"hello"}`},
		{"chunk with phase", ChunkEvent("blueprint", "x"), `{"chunk":"x","phase":"blueprint"}`},
		{"error", ErrorEvent(errors.New("boom")), `{"error":"boom"}`},
		{"terminate", TerminateEvent(), `"terminate"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestStreamEventMetadata(t *testing.T) {
	ev := MetadataEvent(StartMetadata{
		Message:  "Code generation started",
		AgentID:  "a1",
		Template: TemplateSummary{Name: "vue-blog", Files: []string{"index.html"}},
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "a1", got["agentId"])
	assert.Equal(t, "vue-blog", got["template"].(map[string]any)["name"])
}

func TestStreamEventTerminal(t *testing.T) {
	assert.True(t, TerminateEvent().Terminal())
	assert.True(t, ErrorEvent(errors.New("x")).Terminal())
	assert.False(t, ChunkEvent("", "x").Terminal())
	assert.False(t, MetadataEvent(StartMetadata{}).Terminal())
}

func TestStreamEventUnknownKind(t *testing.T) {
	_, err := json.Marshal(StreamEvent{Kind: "bogus"})
	assert.Error(t, err)
}
