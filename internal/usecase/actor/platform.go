// Package actor is the in-process actor platform behind agent orchestration.
// Each (namespace, id, jurisdiction) maps to exactly one live Agent: a
// goroutine draining an inbox of closures, so all state mutations of one agent
// are serialized. State is persisted through a domain.StateStore after every
// mutation and reloaded when a hibernated agent is spawned again.
package actor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"forgeline/internal/domain"
)

// Options configures a Platform.
type Options struct {
	Namespace      string
	InboxSize      int
	RPCTimeout     time.Duration
	OriginPatterns []string // WebSocket origins accepted by Agent.Fetch
}

// Deps are the collaborators shared by every agent.
type Deps struct {
	Store     domain.StateStore
	Sandbox   domain.SandboxService
	Blueprint domain.BlueprintGenerator // nil skips blueprint generation
	Bus       domain.EventBus           // optional
}

// Platform owns the actor registry.
type Platform struct {
	opts   Options
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	actors map[domain.ActorKey]*Agent
	closed bool
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Namespace   string `json:"namespace"`
	LiveActors  int    `json:"live_actors"`
	Connections int    `json:"connections"`
	Generating  int    `json:"generating"`
}

// NewPlatform creates a Platform. Zero InboxSize and RPCTimeout get defaults.
func NewPlatform(opts Options, deps Deps, logger *slog.Logger) *Platform {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 30 * time.Second
	}
	return &Platform{
		opts:   opts,
		deps:   deps,
		logger: logger.With("component", "actor", "namespace", opts.Namespace),
		actors: make(map[domain.ActorKey]*Agent),
	}
}

// Namespace returns the namespace this platform serves.
func (p *Platform) Namespace() string { return p.opts.Namespace }

// IDFromName derives the stable actor ID for name within the namespace.
func (p *Platform) IDFromName(name string) domain.ActorID {
	sum := sha256.Sum256([]byte(p.opts.Namespace + ":" + name))
	return domain.ActorID(hex.EncodeToString(sum[:]))
}

// Get returns a handle to the actor for id in opts.Jurisdiction, spawning it
// if it is not live. Spawning never fails on missing state: a fresh actor is
// simply uninitialized.
func (p *Platform) Get(_ context.Context, id domain.ActorID, opts domain.GetOptions) (domain.ActorHandle, error) {
	if id == "" {
		return nil, domain.NewDomainError("Platform.Get", domain.ErrInvalidInput, "empty actor id")
	}
	key := domain.ActorKey{Namespace: p.opts.Namespace, ID: id, Jurisdiction: opts.Jurisdiction}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.ErrActorStopped
	}
	if a, ok := p.actors[key]; ok && !a.isStopped() {
		return a, nil
	}

	a := newAgent(p, key)
	p.actors[key] = a
	go a.run()
	p.logger.Debug("actor spawned",
		"actor_id", string(id),
		"jurisdiction", opts.Jurisdiction.String(),
		"location_hint", opts.LocationHint,
	)
	return a, nil
}

// RouteRequest serves r on the live, initialized default-jurisdiction actor
// named room. It declines (returns false) for other namespaces and for actors
// that are not live or hold no agent, leaving resolution to the caller.
func (p *Platform) RouteRequest(w http.ResponseWriter, r *http.Request, namespace, room string) bool {
	if namespace != p.opts.Namespace || room == "" {
		return false
	}
	key := domain.ActorKey{Namespace: namespace, ID: p.IDFromName(room), Jurisdiction: domain.JurisdictionDefault}

	p.mu.Lock()
	a, ok := p.actors[key]
	p.mu.Unlock()
	if !ok || a.isStopped() {
		return false
	}
	if initialized, err := a.IsInitialized(r.Context()); err != nil || !initialized {
		return false
	}
	a.Fetch(w, r)
	return true
}

// Release stops the live actor for id in jurisdiction j if it holds no
// initialized agent, has no connections and nothing queued or running.
// Searches that spawned an actor only to find it empty call this so a
// failed lookup leaves nothing behind.
func (p *Platform) Release(ctx context.Context, id domain.ActorID, j domain.Jurisdiction) bool {
	key := domain.ActorKey{Namespace: p.opts.Namespace, ID: id, Jurisdiction: j}

	p.mu.Lock()
	a, ok := p.actors[key]
	p.mu.Unlock()
	if !ok || a.isStopped() {
		return false
	}
	if !a.releaseIfEmpty(ctx) {
		return false
	}
	p.forget(a)
	p.logger.Debug("empty actor released", "actor_id", string(id), "jurisdiction", j.String())
	return true
}

// forget drops a from the registry unless the slot was already reused.
func (p *Platform) forget(a *Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.actors[a.key]; ok && cur == a {
		delete(p.actors, a.key)
	}
}

// SweepIdle stops actors that have been idle longer than ttl, have no open
// connections and no generation in flight. Their state stays in the store.
// It returns the number of actors stopped.
func (p *Platform) SweepIdle(ttl time.Duration) int {
	var victims []*Agent

	p.mu.Lock()
	for key, a := range p.actors {
		if a.isStopped() {
			delete(p.actors, key)
			continue
		}
		if a.idleFor() < ttl || a.connections() > 0 || a.generating() {
			continue
		}
		delete(p.actors, key)
		victims = append(victims, a)
	}
	p.mu.Unlock()

	for _, a := range victims {
		a.stop()
		a.publish(context.Background(), domain.EventAgentHibernated, "", map[string]string{"actor_id": string(a.key.ID)})
	}
	if len(victims) > 0 {
		p.logger.Info("idle actors hibernated", "count", len(victims))
	}
	return len(victims)
}

// Stats returns registry counters.
func (p *Platform) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Namespace: p.opts.Namespace}
	for _, a := range p.actors {
		if a.isStopped() {
			continue
		}
		s.LiveActors++
		s.Connections += a.connections()
		if a.generating() {
			s.Generating++
		}
	}
	return s
}

// Shutdown stops every actor and rejects further Get calls.
func (p *Platform) Shutdown() {
	p.mu.Lock()
	p.closed = true
	actors := p.actors
	p.actors = make(map[domain.ActorKey]*Agent)
	p.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	for _, a := range actors {
		<-a.stopped
	}
	p.logger.Info("actor platform stopped", "actors", len(actors))
}

var _ domain.ActorPlatform = (*Platform)(nil)
