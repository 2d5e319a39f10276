package locator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

type stubHandle struct {
	key         domain.ActorKey
	initialized bool
	err         error
	calls       *int
}

func (h *stubHandle) Key() domain.ActorKey { return h.key }
func (h *stubHandle) IsInitialized(context.Context) (bool, error) {
	if h.calls != nil {
		*h.calls++
	}
	return h.initialized, h.err
}
func (h *stubHandle) GetFullState(context.Context) (*domain.AgentState, error) { return nil, nil }
func (h *stubHandle) SetState(context.Context, *domain.AgentState) error       { return nil }
func (h *stubHandle) Initialize(context.Context, domain.InitializeParams, domain.AgentMode) error {
	return nil
}
func (h *stubHandle) DeployToSandbox(context.Context) (*domain.DeployResult, error) { return nil, nil }
func (h *stubHandle) Fetch(http.ResponseWriter, *http.Request)                     {}

// stubPlatform hands out one stub handle per jurisdiction.
type stubPlatform struct {
	mu      sync.Mutex
	handles map[domain.Jurisdiction]*stubHandle
	getErr   map[domain.Jurisdiction]error
	gets     []domain.Jurisdiction
	released []domain.Jurisdiction
}

func (p *stubPlatform) IDFromName(name string) domain.ActorID { return domain.ActorID("id-" + name) }

func (p *stubPlatform) Get(_ context.Context, id domain.ActorID, opts domain.GetOptions) (domain.ActorHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets = append(p.gets, opts.Jurisdiction)
	if err := p.getErr[opts.Jurisdiction]; err != nil {
		return nil, err
	}
	h, ok := p.handles[opts.Jurisdiction]
	if !ok {
		h = &stubHandle{}
		p.handles[opts.Jurisdiction] = h
	}
	h.key = domain.ActorKey{ID: id, Jurisdiction: opts.Jurisdiction}
	return h, nil
}

func (p *stubPlatform) RouteRequest(http.ResponseWriter, *http.Request, string, string) bool {
	return false
}

func (p *stubPlatform) Release(_ context.Context, _ domain.ActorID, j domain.Jurisdiction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, j)
	return true
}

func newPlatform(initialized map[domain.Jurisdiction]bool) *stubPlatform {
	p := &stubPlatform{handles: make(map[domain.Jurisdiction]*stubHandle), getErr: make(map[domain.Jurisdiction]error)}
	for j, ok := range initialized {
		p.handles[j] = &stubHandle{initialized: ok}
	}
	return p
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLocateWithoutSearch(t *testing.T) {
	p := newPlatform(nil)
	l := New(p, testLogger())

	res, err := l.Locate(context.Background(), "agent-1", false)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, domain.JurisdictionDefault, res.Jurisdiction)
	assert.Equal(t, domain.ActorID("id-agent-1"), res.Handle.Key().ID)
	assert.Equal(t, []domain.Jurisdiction{domain.JurisdictionDefault}, p.gets, "no other jurisdiction is touched")
}

func TestLocateNamespaceUnavailable(t *testing.T) {
	l := New(nil, testLogger())
	for _, search := range []bool{false, true} {
		_, err := l.Locate(context.Background(), "agent-1", search)
		assert.ErrorIs(t, err, domain.ErrNamespaceUnavailable)
	}
}

func TestLocateEmptyID(t *testing.T) {
	l := New(newPlatform(nil), testLogger())
	_, err := l.Locate(context.Background(), "", false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLocateSearchOrder(t *testing.T) {
	tests := []struct {
		name        string
		initialized map[domain.Jurisdiction]bool
		wantFound   bool
		want        domain.Jurisdiction
	}{
		{"default only", map[domain.Jurisdiction]bool{domain.JurisdictionDefault: true}, true, domain.JurisdictionDefault},
		{"eu only", map[domain.Jurisdiction]bool{domain.JurisdictionEU: true}, true, domain.JurisdictionEU},
		{"both prefer default", map[domain.Jurisdiction]bool{
			domain.JurisdictionDefault: true,
			domain.JurisdictionEU:      true,
		}, true, domain.JurisdictionDefault},
		{"neither", map[domain.Jurisdiction]bool{}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(newPlatform(tt.initialized), testLogger())
			res, err := l.Locate(context.Background(), "agent-1", true)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, res.Found)
			if tt.wantFound {
				assert.Equal(t, tt.want, res.Jurisdiction)
				assert.Equal(t, tt.want, res.Handle.Key().Jurisdiction)
			} else {
				assert.Nil(t, res.Handle)
			}
		})
	}
}

func TestLocateSearchStopsAtFirstInitialized(t *testing.T) {
	p := newPlatform(map[domain.Jurisdiction]bool{domain.JurisdictionDefault: true, domain.JurisdictionEU: true})
	var euCalls int
	p.handles[domain.JurisdictionEU].calls = &euCalls

	_, err := New(p, testLogger()).Locate(context.Background(), "agent-1", true)
	require.NoError(t, err)
	assert.Zero(t, euCalls)
}

func TestLocateSearchSkipsFailingJurisdictions(t *testing.T) {
	t.Run("get error", func(t *testing.T) {
		p := newPlatform(map[domain.Jurisdiction]bool{domain.JurisdictionEU: true})
		p.getErr[domain.JurisdictionDefault] = errors.New("platform down")

		res, err := New(p, testLogger()).Locate(context.Background(), "agent-1", true)
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, domain.JurisdictionEU, res.Jurisdiction)
	})
	t.Run("rpc error", func(t *testing.T) {
		p := newPlatform(map[domain.Jurisdiction]bool{domain.JurisdictionEU: true})
		p.handles[domain.JurisdictionDefault] = &stubHandle{initialized: true, err: domain.ErrActorStopped}

		res, err := New(p, testLogger()).Locate(context.Background(), "agent-1", true)
		require.NoError(t, err)
		assert.Equal(t, domain.JurisdictionEU, res.Jurisdiction)
	})
}

func TestLocateExisting(t *testing.T) {
	l := New(newPlatform(map[domain.Jurisdiction]bool{}), testLogger())
	_, err := l.LocateExisting(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))

	l = New(newPlatform(map[domain.Jurisdiction]bool{domain.JurisdictionEU: true}), testLogger())
	res, err := l.LocateExisting(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JurisdictionEU, res.Jurisdiction)
}

func TestLocateSearchReleasesEmptyActors(t *testing.T) {
	p := newPlatform(map[domain.Jurisdiction]bool{domain.JurisdictionEU: true})
	res, err := New(p, testLogger()).Locate(context.Background(), "agent-1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.JurisdictionEU, res.Jurisdiction)
	assert.Equal(t, []domain.Jurisdiction{domain.JurisdictionDefault}, p.released, "the found actor is kept")

	p = newPlatform(map[domain.Jurisdiction]bool{})
	_, err = New(p, testLogger()).Locate(context.Background(), "ghost", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, domain.SearchOrder, p.released)

	p = newPlatform(nil)
	_, err = New(p, testLogger()).Locate(context.Background(), "agent-1", false)
	require.NoError(t, err)
	assert.Empty(t, p.released, "direct lookups keep the new actor")
}
