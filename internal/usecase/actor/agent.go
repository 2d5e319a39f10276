package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"forgeline/internal/domain"
	"forgeline/internal/infra/tracer"
)

// Progress phases reported while an agent initializes.
const (
	PhaseSetup     = "setup"
	PhaseBlueprint = "blueprint"
)

// blueprintFile is where the blueprint lands in a sandbox deployment.
const blueprintFile = "BLUEPRINT.md"

// maxClientErrors bounds ClientReportedErrors; the oldest entries are dropped.
const maxClientErrors = 50

// Agent is one code generation actor. Its exported methods are the
// domain.ActorHandle RPC surface; each one is a message to the actor goroutine.
type Agent struct {
	p      *Platform
	key    domain.ActorKey
	logger *slog.Logger

	inbox    chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine.
	state   *domain.AgentState
	loadErr error

	lastActive atomic.Int64
	busy       atomic.Bool
	deployMu   sync.Mutex

	connsMu sync.Mutex
	conns   map[*clientConn]struct{}
}

func newAgent(p *Platform, key domain.ActorKey) *Agent {
	a := &Agent{
		p:       p,
		key:     key,
		logger:  p.logger.With("actor_id", string(key.ID), "jurisdiction", key.Jurisdiction.String()),
		inbox:   make(chan func(), p.opts.InboxSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		conns:   make(map[*clientConn]struct{}),
	}
	a.touch()
	return a
}

func (a *Agent) run() {
	defer close(a.stopped)

	ctx, cancel := context.WithTimeout(context.Background(), a.p.opts.RPCTimeout)
	st, err := a.p.deps.Store.Load(ctx, a.key)
	cancel()
	switch {
	case err == nil:
		a.state = st
	case errors.Is(err, domain.ErrNotFound):
	default:
		a.loadErr = err
		a.logger.Error("actor state load failed", "error", err)
	}

	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for its result. A call that
// gives up on ctx may still run later.
func (a *Agent) call(ctx context.Context, fn func() error) error {
	a.touch()
	ctx, cancel := context.WithTimeout(ctx, a.p.opts.RPCTimeout)
	defer cancel()

	reply := make(chan error, 1)
	msg := func() {
		if a.loadErr != nil {
			reply <- a.loadErr
			return
		}
		reply <- fn()
	}

	select {
	case a.inbox <- msg:
	case <-a.quit:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return domain.WrapOp("actor.call", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-a.stopped:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return domain.WrapOp("actor.call", ctx.Err())
	}
}

// persist saves the current state. Must run on the actor goroutine.
func (a *Agent) persist() error {
	a.state.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), a.p.opts.RPCTimeout)
	defer cancel()
	if err := a.p.deps.Store.Save(ctx, a.key, a.state); err != nil {
		a.logger.Error("actor state save failed", "error", err)
		return err
	}
	return nil
}

// releaseIfEmpty stops the actor when it holds no initialized agent and
// nothing else wants it. The decision runs on the actor goroutine so no
// message can slip in between the check and the stop.
func (a *Agent) releaseIfEmpty(ctx context.Context) bool {
	var released bool
	_ = a.call(ctx, func() error {
		if a.state != nil && a.state.Initialized {
			return nil
		}
		if a.connections() > 0 || a.generating() || len(a.inbox) > 0 {
			return nil
		}
		a.stop()
		released = true
		return nil
	})
	return released
}

func (a *Agent) touch() { a.lastActive.Store(time.Now().UnixNano()) }

func (a *Agent) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.lastActive.Load()))
}

func (a *Agent) generating() bool { return a.busy.Load() }

func (a *Agent) isStopped() bool {
	select {
	case <-a.quit:
		return true
	default:
		return false
	}
}

func (a *Agent) stop() {
	a.stopOnce.Do(func() {
		close(a.quit)
		a.closeConns()
	})
}

func (a *Agent) publish(ctx context.Context, t domain.EventType, agentID string, payload any) {
	if a.p.deps.Bus == nil {
		return
	}
	a.p.deps.Bus.Publish(ctx, domain.NewEvent(t, agentID, payload))
}

// Key implements domain.ActorHandle.
func (a *Agent) Key() domain.ActorKey { return a.key }

// IsInitialized implements domain.ActorHandle.
func (a *Agent) IsInitialized(ctx context.Context) (bool, error) {
	var ok bool
	err := a.call(ctx, func() error {
		ok = a.state != nil && a.state.Initialized
		return nil
	})
	return ok, err
}

// GetFullState implements domain.ActorHandle. The returned state is a copy.
func (a *Agent) GetFullState(ctx context.Context) (*domain.AgentState, error) {
	var st *domain.AgentState
	err := a.call(ctx, func() error {
		if a.state == nil {
			return domain.ErrAgentNotInitialized
		}
		st = a.state.Clone()
		return nil
	})
	return st, err
}

// SetState implements domain.ActorHandle. It replaces the whole state.
func (a *Agent) SetState(ctx context.Context, state *domain.AgentState) error {
	if state == nil {
		return domain.NewDomainError("Agent.SetState", domain.ErrInvalidInput, "nil state")
	}
	return a.call(ctx, func() error {
		a.state = state.Clone()
		if a.state.CreatedAt.IsZero() {
			a.state.CreatedAt = time.Now().UTC()
		}
		return a.persist()
	})
}

// Initialize implements domain.ActorHandle. It records params as the agent's
// state, then writes the project blueprint, reporting progress chunks to
// params.Progress and to connected WebSocket clients. Terminal stream events
// are left to the caller.
func (a *Agent) Initialize(ctx context.Context, params domain.InitializeParams, mode domain.AgentMode) (err error) {
	ctx, span := tracer.StartSpan(ctx, "actor.initialize",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", params.AgentID),
			tracer.StringAttr("agent.mode", string(mode)),
			tracer.StringAttr("template.name", params.Selection.Name()),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	if !a.busy.CompareAndSwap(false, true) {
		return domain.ErrAgentBusy
	}
	defer a.busy.Store(false)

	progress := params.Progress
	if progress == nil {
		progress = domain.DiscardProgress{}
	}

	started := time.Now().UTC()
	err = a.call(ctx, func() error {
		created := started
		if a.state != nil && !a.state.CreatedAt.IsZero() {
			created = a.state.CreatedAt
		}
		ic := params.InferenceContext.Clone()
		a.state = &domain.AgentState{
			SessionID:          params.AgentID,
			Query:              params.Query,
			Language:           params.Language,
			Frameworks:         append([]string(nil), params.Frameworks...),
			Hostname:           params.Hostname,
			AgentMode:          mode,
			TemplateName:       templateName(params),
			TemplateDetails:    params.TemplateDetails.Clone(),
			Selection:          params.Selection.Clone(),
			InferenceContext:   &ic,
			SandboxSessionID:   params.SandboxSessionID,
			ShouldBeGenerating: true,
			CurrentGeneration: &domain.GenerationHandle{
				ID:        ulid.Make().String(),
				Phase:     PhaseBlueprint,
				StartedAt: started,
			},
			Initialized: true,
			CreatedAt:   created,
		}
		return a.persist()
	})
	if err != nil {
		return err
	}

	a.report(progress, PhaseSetup, fmt.Sprintf("Template %q ready with %d files",
		templateName(params), len(params.TemplateDetails.FilePaths())))

	blueprint, genErr := a.writeBlueprint(ctx, params, progress)

	err = a.call(context.WithoutCancel(ctx), func() error {
		a.state.Blueprint = blueprint
		a.state.ShouldBeGenerating = false
		a.state.CurrentGeneration = nil
		return a.persist()
	})
	if genErr != nil {
		err = genErr
	}
	if err != nil {
		a.logger.Warn("agent initialization failed", "error", err)
		a.broadcast(domain.WSMessage{Type: domain.WSError, Error: err.Error()})
		a.publish(ctx, domain.EventAgentError, params.AgentID, map[string]string{"error": err.Error()})
		return err
	}

	a.logger.Info("agent initialized",
		"template", templateName(params),
		"blueprint_bytes", len(blueprint),
		"duration", time.Since(started),
	)
	if st, serr := a.GetFullState(ctx); serr == nil {
		a.broadcast(domain.WSMessage{Type: domain.WSGenerationComplete, State: st})
	}
	a.publish(ctx, domain.EventAgentInitialized, params.AgentID, map[string]string{"template": templateName(params)})
	return nil
}

func (a *Agent) writeBlueprint(ctx context.Context, params domain.InitializeParams, progress domain.ProgressSink) (string, error) {
	if a.p.deps.Blueprint == nil {
		return "", nil
	}
	return a.p.deps.Blueprint.Generate(ctx, domain.BlueprintRequest{
		Query:      params.Query,
		Language:   params.Language,
		Frameworks: params.Frameworks,
		Template:   params.TemplateDetails,
		Selection:  params.Selection,
		Context:    params.InferenceContext,
	}, func(chunk string) {
		a.report(progress, PhaseBlueprint, chunk)
	})
}

func (a *Agent) report(progress domain.ProgressSink, phase, chunk string) {
	progress.Send(domain.ChunkEvent(phase, chunk))
	a.broadcast(domain.WSMessage{Type: domain.WSGenerationProgress, Phase: phase, Chunk: chunk})
}

func templateName(params domain.InitializeParams) string {
	if params.TemplateDetails != nil && params.TemplateDetails.Name != "" {
		return params.TemplateDetails.Name
	}
	return params.Selection.Name()
}

// DeployToSandbox implements domain.ActorHandle. It writes the template files
// and the blueprint into the agent's sandbox session, acquiring a new session
// when the agent has none.
func (a *Agent) DeployToSandbox(ctx context.Context) (*domain.DeployResult, error) {
	const op = "Agent.DeployToSandbox"
	if a.p.deps.Sandbox == nil {
		return nil, domain.NewDomainError(op, domain.ErrSandbox, "no sandbox configured")
	}

	// One deployment at a time, so concurrent previews share one session.
	a.deployMu.Lock()
	defer a.deployMu.Unlock()

	snap, err := a.GetFullState(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if !snap.Initialized || snap.TemplateDetails == nil {
		return nil, domain.NewDomainError(op, domain.ErrAgentNotInitialized, "no template to deploy")
	}

	sessionID := snap.SandboxSessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
		if err := a.p.deps.Sandbox.AcquireSession(ctx, sessionID); err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}

	res, err := a.p.deps.Sandbox.DeployFiles(ctx, sessionID, deployFiles(snap))
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	err = a.call(ctx, func() error {
		a.state.SandboxSessionID = sessionID
		a.state.PreviewURL = res.PreviewURL
		return a.persist()
	})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	a.broadcast(domain.WSMessage{Type: domain.WSPreviewReady, PreviewURL: res.PreviewURL})
	a.publish(ctx, domain.EventSandboxDeployed, snap.SessionID, res)
	return res, nil
}

// deployFiles returns the template files minus redacted ones, plus the
// blueprint when there is one.
func deployFiles(st *domain.AgentState) []domain.TemplateFile {
	redacted := make(map[string]bool, len(st.TemplateDetails.RedactedFiles))
	for _, p := range st.TemplateDetails.RedactedFiles {
		redacted[p] = true
	}
	files := make([]domain.TemplateFile, 0, len(st.TemplateDetails.Files)+1)
	hasBlueprint := false
	for _, f := range st.TemplateDetails.Files {
		if redacted[f.Path] {
			continue
		}
		if f.Path == blueprintFile {
			hasBlueprint = true
		}
		files = append(files, f)
	}
	if st.Blueprint != "" && !hasBlueprint {
		files = append(files, domain.TemplateFile{Path: blueprintFile, Contents: st.Blueprint})
	}
	return files
}

// queueSuggestion appends a user suggestion for the next generation pass.
func (a *Agent) queueSuggestion(ctx context.Context, msg string) (int, error) {
	var n int
	err := a.call(ctx, func() error {
		if a.state == nil {
			return domain.ErrAgentNotInitialized
		}
		a.state.PendingUserInputs = append(a.state.PendingUserInputs, msg)
		n = len(a.state.PendingUserInputs)
		return a.persist()
	})
	return n, err
}

// recordClientError stores an error reported by the preview.
func (a *Agent) recordClientError(ctx context.Context, ce domain.ClientError) error {
	if ce.Timestamp.IsZero() {
		ce.Timestamp = time.Now().UTC()
	}
	return a.call(ctx, func() error {
		if a.state == nil {
			return domain.ErrAgentNotInitialized
		}
		errs := append(a.state.ClientReportedErrors, ce)
		if len(errs) > maxClientErrors {
			errs = errs[len(errs)-maxClientErrors:]
		}
		a.state.ClientReportedErrors = errs
		return a.persist()
	})
}

var _ domain.ActorHandle = (*Agent)(nil)
