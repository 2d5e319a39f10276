package actor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"forgeline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu      sync.Mutex
	states  map[domain.ActorKey]*domain.AgentState
	loadErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[domain.ActorKey]*domain.AgentState)}
}

func (m *memStore) Load(_ context.Context, key domain.ActorKey) (*domain.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	st, ok := m.states[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return st.Clone(), nil
}

func (m *memStore) Save(_ context.Context, key domain.ActorKey, st *domain.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = st.Clone()
	m.saves++
	return nil
}

func (m *memStore) Delete(_ context.Context, key domain.ActorKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

func (m *memStore) get(key domain.ActorKey) *domain.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key].Clone()
}

type fakeSandbox struct {
	mu       sync.Mutex
	acquired []string
	deployed map[string][]domain.TemplateFile
	err      error
	delay    time.Duration
}

func (f *fakeSandbox) ListTemplates(context.Context) (*domain.TemplateListResponse, error) {
	return &domain.TemplateListResponse{Success: true}, nil
}

func (f *fakeSandbox) GetTemplateDetails(context.Context, string) (*domain.TemplateDetailsResponse, error) {
	return &domain.TemplateDetailsResponse{Success: false, Error: "unused"}, nil
}

func (f *fakeSandbox) AcquireSession(_ context.Context, id string) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, id)
	return f.err
}

func (f *fakeSandbox) DeployFiles(_ context.Context, id string, files []domain.TemplateFile) (*domain.DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.deployed == nil {
		f.deployed = make(map[string][]domain.TemplateFile)
	}
	f.deployed[id] = files
	return &domain.DeployResult{SessionID: id, PreviewURL: "http://preview/" + id + "/", Files: len(files)}, nil
}

// fakeBlueprint emits chunks and returns their concatenation. When gate is
// set it blocks until gate is closed.
type fakeBlueprint struct {
	chunks []string
	err    error
	gate   chan struct{}
}

func (f *fakeBlueprint) Generate(ctx context.Context, _ domain.BlueprintRequest, onChunk func(string)) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	out := ""
	for _, c := range f.chunks {
		onChunk(c)
		out += c
	}
	return out, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.StreamEvent
}

func (s *recordingSink) Send(ev domain.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) chunks(phase string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Kind == domain.StreamEventChunk && ev.Phase == phase {
			out = append(out, ev.Chunk)
		}
	}
	return out
}

type testEnv struct {
	platform  *Platform
	store     *memStore
	sandbox   *fakeSandbox
	blueprint *fakeBlueprint
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newMemStore(),
		sandbox:   &fakeSandbox{},
		blueprint: &fakeBlueprint{chunks: []string{"## Plan\n", "- build it\n"}},
	}
	env.platform = NewPlatform(Options{
		Namespace:  "CodeGenAgent",
		RPCTimeout: 2 * time.Second,
	}, Deps{
		Store:     env.store,
		Sandbox:   env.sandbox,
		Blueprint: env.blueprint,
	}, testLogger())
	t.Cleanup(env.platform.Shutdown)
	return env
}

func (e *testEnv) handle(t *testing.T, name string, j domain.Jurisdiction) *Agent {
	t.Helper()
	h, err := e.platform.Get(context.Background(), e.platform.IDFromName(name), domain.GetOptions{Jurisdiction: j})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return h.(*Agent)
}

func sampleParams(agentID string, sink domain.ProgressSink) domain.InitializeParams {
	name := "react-game-starter"
	return domain.InitializeParams{
		AgentID:    agentID,
		Query:      "build a snake game",
		Language:   "typescript",
		Frameworks: []string{"react"},
		Hostname:   "localhost:8787",
		InferenceContext: domain.InferenceContext{
			AgentID: agentID,
			UserID:  "u1",
		},
		TemplateDetails: &domain.TemplateDetails{
			TemplateDescriptor: domain.TemplateDescriptor{Name: name, Language: "typescript"},
			Files: []domain.TemplateFile{
				{Path: "src/App.tsx", Contents: "app"},
				{Path: ".env", Contents: "SECRET=1"},
			},
			RedactedFiles: []string{".env"},
		},
		Selection:        &domain.SelectionResult{SelectedTemplateName: &name, ProjectName: "snake"},
		SandboxSessionID: "sess-1",
		Progress:         sink,
	}
}

var errBoom = errors.New("boom")
