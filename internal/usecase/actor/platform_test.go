package actor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func TestIDFromName(t *testing.T) {
	p := NewPlatform(Options{Namespace: "A"}, Deps{Store: newMemStore()}, testLogger())
	q := NewPlatform(Options{Namespace: "B"}, Deps{Store: newMemStore()}, testLogger())

	assert.Equal(t, p.IDFromName("agent-1"), p.IDFromName("agent-1"))
	assert.NotEqual(t, p.IDFromName("agent-1"), p.IDFromName("agent-2"))
	assert.NotEqual(t, p.IDFromName("agent-1"), q.IDFromName("agent-1"), "namespaces partition ids")
	assert.Len(t, string(p.IDFromName("x")), 64)
}

func TestGetSingleInstancePerKey(t *testing.T) {
	env := newTestEnv(t)

	a1 := env.handle(t, "agent-1", domain.JurisdictionDefault)
	a2 := env.handle(t, "agent-1", domain.JurisdictionDefault)
	eu := env.handle(t, "agent-1", domain.JurisdictionEU)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, eu)
	assert.Equal(t, domain.JurisdictionEU, eu.Key().Jurisdiction)
	assert.Equal(t, 2, env.platform.Stats().LiveActors)
}

func TestGetRejectsEmptyID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.platform.Get(context.Background(), "", domain.GetOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGetAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	a := env.handle(t, "agent-1", domain.JurisdictionDefault)
	env.platform.Shutdown()

	_, err := env.platform.Get(context.Background(), env.platform.IDFromName("agent-1"), domain.GetOptions{})
	assert.ErrorIs(t, err, domain.ErrActorStopped)

	_, err = a.IsInitialized(context.Background())
	assert.ErrorIs(t, err, domain.ErrActorStopped)
}

func TestSweepIdleHibernatesAndReloads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.handle(t, "agent-1", domain.JurisdictionDefault)
	require.NoError(t, a.Initialize(ctx, sampleParams("agent-1", &recordingSink{}), domain.AgentModeDeterministic))

	assert.Zero(t, env.platform.SweepIdle(time.Hour), "recently active actors stay")
	assert.Equal(t, 1, env.platform.SweepIdle(0))
	assert.Zero(t, env.platform.Stats().LiveActors)

	_, err := a.IsInitialized(ctx)
	assert.ErrorIs(t, err, domain.ErrActorStopped, "stale handles fail")

	b := env.handle(t, "agent-1", domain.JurisdictionDefault)
	assert.NotSame(t, a, b)
	ok, err := b.IsInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "state is reloaded from the store")
	st, err := b.GetFullState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "## Plan\n- build it\n", st.Blueprint)
}

func TestSweepIdleSkipsGeneratingActors(t *testing.T) {
	env := newTestEnv(t)
	env.blueprint.gate = make(chan struct{})
	a := env.handle(t, "agent-1", domain.JurisdictionDefault)

	done := make(chan error, 1)
	go func() {
		done <- a.Initialize(context.Background(), sampleParams("agent-1", &recordingSink{}), domain.AgentModeSmart)
	}()
	require.Eventually(t, a.generating, time.Second, 5*time.Millisecond)

	assert.Zero(t, env.platform.SweepIdle(0))
	assert.Equal(t, 1, env.platform.Stats().Generating)

	close(env.blueprint.gate)
	require.NoError(t, <-done)
}

func TestRouteRequestDeclines(t *testing.T) {
	env := newTestEnv(t)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)

	assert.False(t, env.platform.RouteRequest(httptest.NewRecorder(), r, "Other", "agent-1"))
	assert.False(t, env.platform.RouteRequest(httptest.NewRecorder(), r, "CodeGenAgent", "agent-1"), "not live")

	env.handle(t, "agent-eu", domain.JurisdictionEU)
	assert.False(t, env.platform.RouteRequest(httptest.NewRecorder(), r, "CodeGenAgent", "agent-eu"),
		"only the default jurisdiction is routed")
}

func TestReleaseStopsOnlyEmptyActors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ghost := env.handle(t, "ghost", domain.JurisdictionEU)
	assert.True(t, env.platform.Release(ctx, env.platform.IDFromName("ghost"), domain.JurisdictionEU))
	assert.True(t, ghost.isStopped())
	assert.Zero(t, env.platform.Stats().LiveActors)
	assert.False(t, env.platform.Release(ctx, env.platform.IDFromName("ghost"), domain.JurisdictionEU), "already gone")

	a := env.handle(t, "agent-1", domain.JurisdictionDefault)
	require.NoError(t, a.Initialize(ctx, sampleParams("agent-1", nil), domain.AgentModeDeterministic))
	assert.False(t, env.platform.Release(ctx, env.platform.IDFromName("agent-1"), domain.JurisdictionDefault))
	assert.False(t, a.isStopped())

	again := env.handle(t, "ghost", domain.JurisdictionEU)
	assert.NotSame(t, ghost, again, "a released id respawns on the next Get")
}

func TestStoreLoadFailureSurfaces(t *testing.T) {
	env := newTestEnv(t)
	env.store.loadErr = domain.ErrStateStore

	a := env.handle(t, "agent-1", domain.JurisdictionDefault)
	_, err := a.IsInitialized(context.Background())
	assert.ErrorIs(t, err, domain.ErrStateStore)
}
