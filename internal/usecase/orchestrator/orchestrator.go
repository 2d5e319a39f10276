// Package orchestrator creates, clones and starts code generation agents.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"forgeline/internal/domain"
	"forgeline/internal/infra/tracer"
)

// ActorLocator finds the actor owning an agent ID.
type ActorLocator interface {
	Locate(ctx context.Context, id string, search bool) (domain.ActorLookup, error)
	LocateExisting(ctx context.Context, id string) (domain.ActorLookup, error)
}

// TemplateSelector picks a template among candidates.
type TemplateSelector interface {
	Select(ctx context.Context, query string, candidates []domain.TemplateDescriptor, ic domain.InferenceContext) (*domain.SelectionResult, error)
}

// Deps are the orchestrator's collaborators. Limiter, ModelConfigs and Bus
// are optional.
type Deps struct {
	Locator      ActorLocator
	Selector     TemplateSelector
	Sandbox      domain.SandboxService
	Limiter      domain.RateLimiter
	ModelConfigs domain.ModelConfigStore
	Bus          domain.EventBus
}

// Options tunes the orchestrator.
type Options struct {
	// InitTimeout bounds background initialization. 0 means no bound.
	InitTimeout time.Duration
	// PublicScheme forces "http" or "https" in returned URLs.
	PublicScheme string
}

// Orchestrator coordinates agent lifecycle operations.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	newID  func() string
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
		newID:  func() string { return uuid.NewString() },
	}
}

// StartRequest is a request to start generating a new app.
type StartRequest struct {
	Query            string
	Language         string
	Frameworks       []string
	SelectedTemplate string // skips AI selection when set
	AgentMode        domain.AgentMode
	Hostname         string // host the client used, for returned URLs
	Secure           bool   // the client connected over TLS
}

// StartResult is returned as soon as generation has been handed off.
type StartResult struct {
	AgentID  string
	Metadata domain.StartMetadata
}

// TemplateResolution is the outcome of ResolveTemplate.
type TemplateResolution struct {
	SandboxSessionID string
	TemplateDetails  *domain.TemplateDetails
	Selection        *domain.SelectionResult
}

// CreateAgent returns the handle for a new agent. New agents always live in
// the default jurisdiction, so no search is done.
func (o *Orchestrator) CreateAgent(ctx context.Context, id string) (domain.ActorHandle, error) {
	res, err := o.deps.Locator.Locate(ctx, id, false)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.CreateAgent", err)
	}
	return res.Handle, nil
}

// CloneAgent copies the state of an existing agent into a new one and
// returns the new agent's ID and handle. Runtime state bound to the source's
// sandbox session is not carried over.
func (o *Orchestrator) CloneAgent(ctx context.Context, sourceID string) (string, domain.ActorHandle, error) {
	const op = "Orchestrator.CloneAgent"

	src, err := o.deps.Locator.LocateExisting(ctx, sourceID)
	if err != nil {
		return "", nil, domain.WrapOp(op, err)
	}
	st, err := src.Handle.GetFullState(ctx)
	if err != nil {
		return "", nil, domain.WrapOp(op, err)
	}

	newID := o.newID()
	h, err := o.CreateAgent(ctx, newID)
	if err != nil {
		return "", nil, domain.WrapOp(op, err)
	}
	if err := h.SetState(ctx, st.ForkAs(newID)); err != nil {
		return "", nil, domain.WrapOp(op, err)
	}

	o.logger.Info("agent cloned", "source_id", sourceID, "agent_id", newID, "jurisdiction", src.Jurisdiction.String())
	o.publish(ctx, domain.EventAgentCloned, newID, map[string]string{"source_id": sourceID})
	return newID, h, nil
}

// GetAgentState returns a snapshot of an existing agent's state.
func (o *Orchestrator) GetAgentState(ctx context.Context, id string) (*domain.AgentState, error) {
	res, err := o.deps.Locator.LocateExisting(ctx, id)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.GetAgentState", err)
	}
	st, err := res.Handle.GetFullState(ctx)
	return st, domain.WrapOp("Orchestrator.GetAgentState", err)
}

// DeployPreview deploys an existing agent's files to its sandbox session.
func (o *Orchestrator) DeployPreview(ctx context.Context, id string) (*domain.DeployResult, error) {
	res, err := o.deps.Locator.LocateExisting(ctx, id)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.DeployPreview", err)
	}
	out, err := res.Handle.DeployToSandbox(ctx)
	return out, domain.WrapOp("Orchestrator.DeployPreview", err)
}

// ResolveTemplate picks the template for query and fetches its files. The
// selection and the sandbox session acquisition run concurrently. A
// selection naming no template, or one that was not offered, is rejected
// with ErrInvalidSelection.
func (o *Orchestrator) ResolveTemplate(ctx context.Context, query string, ic domain.InferenceContext) (*TemplateResolution, error) {
	return o.resolveTemplate(ctx, query, "", ic)
}

func (o *Orchestrator) resolveTemplate(ctx context.Context, query, preselected string, ic domain.InferenceContext) (res *TemplateResolution, err error) {
	const op = "Orchestrator.ResolveTemplate"
	ctx, span := tracer.StartSpan(ctx, "orchestrator.resolve_template",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", ic.AgentID),
			tracer.BoolAttr("template.preselected", preselected != ""),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	list, err := o.deps.Sandbox.ListTemplates(ctx)
	if err != nil {
		return nil, domain.NewSubSystemError("template", op, domain.ErrTemplateFetch, err.Error())
	}
	if !list.Success {
		return nil, domain.NewSubSystemError("template", op, domain.ErrTemplateFetch, upstreamText(list.Error, "template list unavailable"))
	}

	sessionID := ulid.Make().String()
	var selection *domain.SelectionResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if preselected != "" {
			selection = &domain.SelectionResult{SelectedTemplateName: &preselected, Reasoning: "Selected by the user"}
			return nil
		}
		var err error
		selection, err = o.deps.Selector.Select(gctx, query, list.Templates, ic)
		return err
	})
	g.Go(func() error {
		if err := o.deps.Sandbox.AcquireSession(gctx, sessionID); err != nil {
			return domain.NewSubSystemError("sandbox", op, domain.ErrSandbox, err.Error())
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !selection.HasSelection() {
		o.publish(ctx, domain.EventSelectionFellBack, ic.AgentID, selection)
		return nil, domain.NewDomainError(op, domain.ErrInvalidSelection, "no template selected: "+selection.Reasoning)
	}
	name := selection.Name()
	if !offered(list.Templates, name) {
		return nil, domain.NewDomainError(op, domain.ErrInvalidSelection, fmt.Sprintf("template %q was not offered", name))
	}

	details, err := o.deps.Sandbox.GetTemplateDetails(ctx, name)
	if err != nil {
		return nil, domain.NewSubSystemError("template", op, domain.ErrTemplateFetch, err.Error())
	}
	if !details.Success || details.TemplateDetails == nil {
		return nil, domain.NewSubSystemError("template", op, domain.ErrTemplateFetch,
			upstreamText(details.Error, fmt.Sprintf("no details for template %q", name)))
	}

	o.logger.Info("template resolved", "agent_id", ic.AgentID, "template", name, "sandbox_session", sessionID)
	o.publish(ctx, domain.EventTemplateSelected, ic.AgentID, selection)
	return &TemplateResolution{
		SandboxSessionID: sessionID,
		TemplateDetails:  details.TemplateDetails,
		Selection:        selection,
	}, nil
}

func offered(candidates []domain.TemplateDescriptor, name string) bool {
	for _, c := range candidates {
		if c.Name == name {
			return true
		}
	}
	return false
}

func upstreamText(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

// StartGeneration creates an agent for req and hands its initialization to a
// background goroutine that outlives ctx. The metadata event is sent to
// progress before StartGeneration returns; the background task then sends
// progress chunks and finally a terminate or error event. Errors returned
// here happen before anything was sent.
func (o *Orchestrator) StartGeneration(ctx context.Context, req StartRequest, progress domain.ProgressSink) (res *StartResult, err error) {
	const op = "Orchestrator.StartGeneration"
	if strings.TrimSpace(req.Query) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, `Missing "query" field`)
	}
	if progress == nil {
		progress = domain.DiscardProgress{}
	}

	agentID := o.newID()
	user := domain.UserFromContext(ctx)
	mode := domain.ParseAgentMode(string(req.AgentMode))

	ctx, span := tracer.StartSpan(ctx, "orchestrator.start_generation",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", agentID),
			tracer.BoolAttr("user.authenticated", user.Authenticated()),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	if user.Authenticated() && o.deps.Limiter != nil {
		if err := o.deps.Limiter.Check(ctx, user.ID, domain.RateLimitAppCreation); err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}

	ic := domain.InferenceContext{AgentID: agentID, UserID: user.ID}
	if o.deps.ModelConfigs != nil {
		configs, err := o.deps.ModelConfigs.UserModelConfigs(ctx, user.ID)
		if err != nil {
			o.logger.Warn("model config lookup failed, using defaults", "user_id", user.ID, "error", err)
		} else {
			ic.UserModelConfigs = configs
		}
	}

	tmpl, err := o.resolveTemplate(ctx, req.Query, req.SelectedTemplate, ic)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	handle, err := o.CreateAgent(ctx, agentID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	meta := domain.StartMetadata{
		Message:       "Code generation started",
		AgentID:       agentID,
		WebSocketURL:  o.url(req, true, "/api/agents/"+agentID+"/ws"),
		HTTPStatusURL: o.url(req, false, "/api/agents/"+agentID),
		BehaviorType:  mode,
		Template: domain.TemplateSummary{
			Name:  tmpl.TemplateDetails.Name,
			Files: tmpl.TemplateDetails.FilePaths(),
		},
	}
	progress.Send(domain.MetadataEvent(meta))

	params := domain.InitializeParams{
		AgentID:          agentID,
		Query:            req.Query,
		Language:         req.Language,
		Frameworks:       req.Frameworks,
		Hostname:         req.Hostname,
		InferenceContext: ic,
		TemplateDetails:  tmpl.TemplateDetails,
		Selection:        tmpl.Selection,
		SandboxSessionID: tmpl.SandboxSessionID,
		Progress:         progress,
	}
	o.wg.Add(1)
	go o.initialize(context.WithoutCancel(ctx), handle, params, mode)

	o.logger.Info("generation started", "agent_id", agentID, "user_id", user.ID, "template", meta.Template.Name, "mode", string(mode))
	o.publish(ctx, domain.EventAgentCreated, agentID, meta)
	return &StartResult{AgentID: agentID, Metadata: meta}, nil
}

// initialize runs in the background; the client may already be gone.
func (o *Orchestrator) initialize(ctx context.Context, h domain.ActorHandle, params domain.InitializeParams, mode domain.AgentMode) {
	defer o.wg.Done()
	if o.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.InitTimeout)
		defer cancel()
	}

	if err := h.Initialize(ctx, params, mode); err != nil {
		o.logger.Error("agent initialization failed", "agent_id", params.AgentID, "error", err)
		params.Progress.Send(domain.ErrorEvent(err))
		return
	}
	params.Progress.Send(domain.TerminateEvent())
}

// Wait blocks until background initializations finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) url(req StartRequest, ws bool, path string) string {
	secure := req.Secure
	switch o.opts.PublicScheme {
	case "https":
		secure = true
	case "http":
		secure = false
	}
	scheme := "http"
	switch {
	case ws && secure:
		scheme = "wss"
	case ws:
		scheme = "ws"
	case secure:
		scheme = "https"
	}
	return scheme + "://" + req.Hostname + path
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, agentID string, payload any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.NewEvent(t, agentID, payload))
}
