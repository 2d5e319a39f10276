package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kaptinlin/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

type stubClient struct {
	reply json.RawMessage
	err   error
	calls int
	last  domain.InferRequest
}

func (c *stubClient) Infer(_ context.Context, req domain.InferRequest) (json.RawMessage, error) {
	c.calls++
	c.last = req
	return c.reply, c.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var puzzleCandidates = []domain.TemplateDescriptor{
	{Name: "react-dashboard", Language: "typescript", Frameworks: []string{"react", "recharts"}, Description: "Admin dashboard"},
	{Name: "react-game-starter", Language: "typescript", Frameworks: []string{"react", "canvas"}, Description: "2D game loop with scoring"},
	{Name: "vue-blog", Language: "typescript", Frameworks: []string{"vue"}, Description: "Markdown blog"},
}

func TestSelectEmptyCandidatesSkipsModel(t *testing.T) {
	client := &stubClient{}
	s := New(client, Options{}, testLogger())

	for _, candidates := range [][]domain.TemplateDescriptor{nil, {}} {
		res, err := s.Select(context.Background(), "anything", candidates, domain.InferenceContext{})
		require.NoError(t, err)
		assert.Nil(t, res.SelectedTemplateName)
		assert.NotEmpty(t, res.Reasoning)
	}
	assert.Zero(t, client.calls)
}

func TestSelectPuzzleGameScenario(t *testing.T) {
	client := &stubClient{reply: json.RawMessage(`{
		"selectedTemplateName": "react-game-starter",
		"reasoning": "Game loop and scoring already exist",
		"useCase": "General",
		"complexity": "moderate",
		"styleSelection": "Retro",
		"projectName": "puzzle-quest"
	}`)}
	s := New(client, Options{}, testLogger())

	res, err := s.Select(context.Background(), "Build a 2D puzzle game with scoring", puzzleCandidates,
		domain.InferenceContext{AgentID: "a1"})
	require.NoError(t, err)
	require.True(t, res.HasSelection())
	assert.Equal(t, "react-game-starter", res.Name())
	assert.Equal(t, "puzzle-quest", res.ProjectName)

	names := make([]string, 0, len(puzzleCandidates))
	for _, c := range puzzleCandidates {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, res.Name())

	req := client.last
	assert.Equal(t, domain.ActionTemplateSelection, req.Action)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.Equal(t, SchemaName, req.SchemaName)
	assert.JSONEq(t, string(Schema), string(req.Schema))
	assert.Equal(t, "a1", req.Context.AgentID)
	require.Len(t, req.Messages, 2)
	prompt := req.Messages[1].Content
	assert.Contains(t, prompt, "Build a 2D puzzle game with scoring")
	assert.Contains(t, prompt, "2. name: react-game-starter")
	assert.Contains(t, prompt, "frameworks: react, canvas")
	assert.Contains(t, prompt, "Minimal modification")
	assert.Contains(t, prompt, "Kid_Playful")
}

func TestSelectNullName(t *testing.T) {
	client := &stubClient{reply: json.RawMessage(`{"selectedTemplateName": null, "reasoning": "nothing fits",
		"useCase": "Other", "complexity": "complex", "styleSelection": "Custom", "projectName": "x"}`)}
	res, err := New(client, Options{}, testLogger()).Select(context.Background(), "q", puzzleCandidates, domain.InferenceContext{})
	require.NoError(t, err)
	assert.False(t, res.HasSelection())
	assert.Equal(t, "nothing fits", res.Reasoning)
}

func TestSelectDoesNotValidateNameAgainstCandidates(t *testing.T) {
	client := &stubClient{reply: json.RawMessage(`{"selectedTemplateName": "ghost", "reasoning": "r",
		"useCase": "Other", "complexity": "simple", "styleSelection": "Custom", "projectName": "x"}`)}
	res, err := New(client, Options{}, testLogger()).Select(context.Background(), "q", puzzleCandidates, domain.InferenceContext{})
	require.NoError(t, err)
	assert.Equal(t, "ghost", res.Name())
}

func TestSelectFailuresFallBack(t *testing.T) {
	empty, err := New(&stubClient{}, Options{}, testLogger()).Select(context.Background(), "q", nil, domain.InferenceContext{})
	require.NoError(t, err)

	failures := map[string]*stubClient{
		"timeout":          {err: context.DeadlineExceeded},
		"upstream":         {err: fmt.Errorf("openai: %w", domain.ErrUpstreamFailure)},
		"schema violation": {err: domain.ErrSchemaViolation},
		"auth":             {err: domain.ErrAuthInvalid},
		"malformed reply":  {reply: json.RawMessage(`not json`)},
		"wrong shape":      {reply: json.RawMessage(`{"selectedTemplateName": 42}`)},
	}
	for name, client := range failures {
		t.Run(name, func(t *testing.T) {
			res, err := New(client, Options{}, testLogger()).Select(context.Background(), "q", puzzleCandidates, domain.InferenceContext{})
			require.NoError(t, err)
			assert.Equal(t, empty, res)
			assert.Equal(t, 1, client.calls)
		})
	}
}

func TestSelectCallerVisibleErrorsPropagate(t *testing.T) {
	for _, sentinel := range []error{domain.ErrRateLimit, domain.ErrSecurityPolicy} {
		wrapped := fmt.Errorf("openai: %w", sentinel)
		res, err := New(&stubClient{err: wrapped}, Options{}, testLogger()).
			Select(context.Background(), "q", puzzleCandidates, domain.InferenceContext{})
		assert.Nil(t, res)
		assert.Same(t, wrapped, err, "returned unchanged")
		assert.True(t, errors.Is(err, sentinel))
	}
}

func TestSelectEntropyVariesPerCall(t *testing.T) {
	client := &stubClient{err: errors.New("x")}
	s := New(client, Options{}, testLogger())

	_, _ = s.Select(context.Background(), "q", puzzleCandidates, domain.InferenceContext{})
	first := client.last.Messages[1].Content
	_, _ = s.Select(context.Background(), "q", puzzleCandidates, domain.InferenceContext{})
	second := client.last.Messages[1].Content
	assert.NotEqual(t, first, second)
}

func TestPromptTruncatesDescriptions(t *testing.T) {
	long := strings.Repeat("é", 300)
	prompt := buildPrompt("q", []domain.TemplateDescriptor{{Name: "t", Description: long}}, "E")
	assert.Contains(t, prompt, strings.Repeat("é", 250)+"...")
	assert.NotContains(t, prompt, strings.Repeat("é", 251))
	assert.Contains(t, prompt, "Request id: E")
}

func TestSchemaAcceptsFallbackShape(t *testing.T) {
	schema, err := jsonschema.NewCompiler().Compile(Schema)
	require.NoError(t, err)

	data, err := json.Marshal(Fallback())
	require.NoError(t, err)
	var v any
	require.NoError(t, json.Unmarshal(data, &v))
	assert.True(t, schema.Validate(v).IsValid())

	assert.False(t, schema.Validate(map[string]any{"selectedTemplateName": "x"}).IsValid())
}
