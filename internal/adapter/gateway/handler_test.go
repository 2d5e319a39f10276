package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
	"forgeline/internal/usecase/orchestrator"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stubAgents is an AgentService whose StartGeneration streams a fixed script
// from a background goroutine.
type stubAgents struct {
	startErr error
	lastReq  orchestrator.StartRequest
	lastUser domain.User
	states   map[string]*domain.AgentState
}

func (s *stubAgents) StartGeneration(ctx context.Context, req orchestrator.StartRequest, progress domain.ProgressSink) (*orchestrator.StartResult, error) {
	s.lastReq = req
	s.lastUser = domain.UserFromContext(ctx)
	if s.startErr != nil {
		return nil, s.startErr
	}
	meta := domain.StartMetadata{Message: "Code generation started", AgentID: "a1", WebSocketURL: "ws://" + req.Hostname + "/api/agents/a1/ws"}
	progress.Send(domain.MetadataEvent(meta))
	go func() {
		progress.Send(domain.ChunkEvent("setup", "ready"))
		progress.Send(domain.TerminateEvent())
	}()
	return &orchestrator.StartResult{AgentID: "a1", Metadata: meta}, nil
}

func (s *stubAgents) CloneAgent(_ context.Context, src string) (string, domain.ActorHandle, error) {
	if _, ok := s.states[src]; !ok {
		return "", nil, domain.NewSubSystemError("agent", "Locator.LocateExisting", domain.ErrAgentNotFound, src)
	}
	return "clone-of-" + src, nil, nil
}

func (s *stubAgents) GetAgentState(_ context.Context, id string) (*domain.AgentState, error) {
	st, ok := s.states[id]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Locator.LocateExisting", domain.ErrAgentNotFound, id)
	}
	return st, nil
}

func (s *stubAgents) DeployPreview(_ context.Context, id string) (*domain.DeployResult, error) {
	if _, ok := s.states[id]; !ok {
		return nil, domain.ErrAgentNotFound
	}
	return &domain.DeployResult{SessionID: "sess", PreviewURL: "http://preview/sess/", Files: 3}, nil
}

func newTestServer(agents AgentService, auth Authenticator) http.Handler {
	return NewServer(ServerDeps{Agents: agents, Auth: auth}, "127.0.0.1:0", 0, testLogger()).Handler()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestStartAgentStreamsProgress(t *testing.T) {
	agents := &stubAgents{}
	w := do(newTestServer(agents, nil), http.MethodPost, "/api/agents",
		`{"query":"Build a 2D puzzle game with scoring","language":"typescript","frameworks":["react"],"agentMode":"smart"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", w.Header().Get("Content-Type"))

	got := lines(w.Body.String())
	require.Len(t, got, 3)
	var meta domain.StartMetadata
	require.NoError(t, json.Unmarshal([]byte(got[0]), &meta))
	assert.Equal(t, "a1", meta.AgentID)
	assert.Equal(t, "ws://example.com/api/agents/a1/ws", meta.WebSocketURL)
	assert.Equal(t, `"terminate"`, got[2])

	assert.Equal(t, "example.com", agents.lastReq.Hostname)
	assert.Equal(t, domain.AgentModeSmart, agents.lastReq.AgentMode)
	assert.Equal(t, []string{"react"}, agents.lastReq.Frameworks)
	assert.False(t, agents.lastReq.Secure)
}

func TestStartAgentErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		wantCode int
		wantBody string
	}{
		{
			name:     "missing query",
			body:     `{"language":"go"}`,
			startErr: domain.NewDomainError("Orchestrator.StartGeneration", domain.ErrInvalidInput, `Missing "query" field`),
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"Missing \"query\" field","code":"INVALID_INPUT"}`,
		},
		{
			name:     "malformed json",
			body:     `{"query":`,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"invalid JSON body","code":"INVALID_INPUT"}`,
		},
		{
			name:     "rate limited",
			body:     `{"query":"q"}`,
			startErr: domain.WrapOp("Orchestrator.StartGeneration", domain.NewDomainError("RateLimiter.Check", domain.ErrRateLimit, "5 app creations per hour")),
			wantCode: http.StatusTooManyRequests,
			wantBody: `{"error":"rate limit exceeded: 5 app creations per hour","code":"RATE_LIMIT"}`,
		},
		{
			name:     "template fetch failure keeps upstream text",
			body:     `{"query":"q"}`,
			startErr: domain.NewSubSystemError("template", "Orchestrator.ResolveTemplate", domain.ErrTemplateFetch, "bucket unreachable"),
			wantCode: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newTestServer(&stubAgents{startErr: tt.startErr}, nil), http.MethodPost, "/api/agents", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.NotEmpty(t, body.Code)
		})
	}
}

func TestStartAgentTemplateFailureMessage(t *testing.T) {
	err := domain.NewSubSystemError("template", "Orchestrator.ResolveTemplate", domain.ErrTemplateFetch, "bucket unreachable")
	w := do(newTestServer(&stubAgents{startErr: err}, nil), http.MethodPost, "/api/agents", `{"query":"q"}`)
	assert.Contains(t, w.Body.String(), "bucket unreachable")
	assert.NotContains(t, w.Body.String(), "Orchestrator.ResolveTemplate")
}

func TestStartAgentPassesAuthenticatedUser(t *testing.T) {
	agents := &stubAgents{}
	h := newTestServer(agents, testAuth())
	r := httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(`{"query":"q"}`))
	r.Header.Set("Authorization", "Bearer secret-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", agents.lastUser.ID)
}

func TestAgentStateEndpoints(t *testing.T) {
	agents := &stubAgents{states: map[string]*domain.AgentState{
		"a1": {SessionID: "a1", Query: "snake", Initialized: true},
	}}
	h := newTestServer(agents, nil)

	w := do(h, http.MethodGet, "/api/agents/a1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st domain.AgentState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "snake", st.Query)

	w = do(h, http.MethodGet, "/api/agents/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"agent not found: ghost","code":"AGENT_NOT_FOUND"}`, w.Body.String())

	w = do(h, http.MethodPost, "/api/agents/a1/clone", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"agentId":"clone-of-a1","sourceId":"a1"}`, w.Body.String())

	w = do(h, http.MethodPost, "/api/agents/ghost/clone", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodPost, "/api/agents/a1/preview", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"previewUrl":"http://preview/sess/"`)

	w = do(h, http.MethodDelete, "/api/agents/a1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "internal error", publicMessage(io.ErrUnexpectedEOF))
	assert.Equal(t, "agent not found", publicMessage(domain.ErrAgentNotFound))
	assert.Equal(t, "actor stopped", publicMessage(domain.WrapOp("Orchestrator.GetAgentState", domain.ErrActorStopped)))
}
