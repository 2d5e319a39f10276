package main

import (
	"context"
	"fmt"
	"log/slog"

	"forgeline/internal/adapter/llm"
	"forgeline/internal/adapter/sandbox"
	"forgeline/internal/adapter/store"
	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
	"forgeline/internal/usecase/actor"
	"forgeline/internal/usecase/eventbus"
	"forgeline/internal/usecase/locator"
	"forgeline/internal/usecase/modelconfig"
	"forgeline/internal/usecase/orchestrator"
	"forgeline/internal/usecase/ratelimit"
	"forgeline/internal/usecase/scheduling"
	"forgeline/internal/usecase/selector"
)

// services is the wired service graph behind the gateway.
type services struct {
	Bus          *eventbus.Bus
	Platform     *actor.Platform
	Locator      *locator.Locator
	Limiter      *ratelimit.Limiter
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
	log     *slog.Logger
}

// Close releases everything in reverse construction order.
func (rt *services) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("shutdown step failed", "error", err)
		}
	}
}

func initRuntime(cfg *config.Config, router *llm.ModelRouter, log *slog.Logger) (_ *services, err error) {
	rt := &services{log: log}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	stateStore, err := initStore(cfg, log)
	if err != nil {
		return nil, err
	}
	if c, ok := stateStore.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	sb, err := initSandbox(cfg, log)
	if err != nil {
		return nil, err
	}

	rt.Bus = eventbus.New(log)
	rt.closers = append(rt.closers, func() error { rt.Bus.Close(); return nil })

	var blueprint domain.BlueprintGenerator
	if cfg.Blueprint.Enabled {
		blueprint = llm.NewBlueprintWriter(router, cfg.Blueprint.MaxTokens, log).
			WithTimeout(cfg.Blueprint.Timeout)
	}

	rt.Platform = actor.NewPlatform(actor.Options{
		Namespace:      cfg.Actors.Namespace,
		InboxSize:      cfg.Actors.InboxSize,
		RPCTimeout:     cfg.Actors.RPCTimeout,
		OriginPatterns: cfg.Server.AllowedOrigins,
	}, actor.Deps{
		Store:     stateStore,
		Sandbox:   sb,
		Blueprint: blueprint,
		Bus:       rt.Bus,
	}, log)
	rt.closers = append(rt.closers, func() error { rt.Platform.Shutdown(); return nil })

	rt.Locator = locator.New(rt.Platform, log)

	sel := selector.New(llm.NewStructuredClient(router, log), selector.Options{
		MaxTokens: cfg.Selection.MaxTokens,
		Timeout:   cfg.Selection.Timeout,
	}, log)

	var limiter domain.RateLimiter
	if cfg.RateLimit.Enabled {
		rt.Limiter = ratelimit.New(cfg.RateLimit, log)
		limiter = rt.Limiter
	}

	rt.Orchestrator = orchestrator.New(orchestrator.Deps{
		Locator:      rt.Locator,
		Selector:     sel,
		Sandbox:      sb,
		Limiter:      limiter,
		ModelConfigs: modelconfig.New(cfg.ModelOverrides),
		Bus:          rt.Bus,
	}, orchestrator.Options{
		InitTimeout:  cfg.Actors.InitTimeout,
		PublicScheme: cfg.Server.PublicScheme,
	}, log)

	return rt, nil
}

// initStore opens the sqlite state store, or an in-memory one when no path
// is configured.
func initStore(cfg *config.Config, log *slog.Logger) (domain.StateStore, error) {
	if cfg.Actors.StorePath == "" {
		log.Warn("actors.store_path is empty; agent state will not survive restarts")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(cfg.Actors.StorePath)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	log.Info("state store opened", "path", cfg.Actors.StorePath)
	return s, nil
}

func initSandbox(cfg *config.Config, log *slog.Logger) (domain.SandboxService, error) {
	switch cfg.Sandbox.Backend {
	case "http":
		return sandbox.NewClient(cfg.Sandbox, log), nil
	case "local", "":
		return sandbox.NewLocal(cfg.Sandbox.TemplatesDir, cfg.Sandbox.SessionsDir, cfg.Sandbox.PreviewBase, log), nil
	default:
		return nil, fmt.Errorf("sandbox backend %q is not supported", cfg.Sandbox.Backend)
	}
}

// initScheduler registers the maintenance sweeps: idle agents are hibernated
// on actors.sweep_schedule and stale per-user limiters are pruned every
// rate_limit.cleanup_interval.
func initScheduler(cfg *config.Config, rt *services, log *slog.Logger) (*scheduling.Scheduler, error) {
	s := scheduling.NewScheduler(cfg.Actors.RPCTimeout, log)

	if cfg.Actors.IdleTTL > 0 {
		ttl := cfg.Actors.IdleTTL
		s.RegisterAction(scheduling.ActionActorSweep, func(context.Context) error {
			if n := rt.Platform.SweepIdle(ttl); n > 0 {
				log.Info("hibernated idle agents", "count", n)
			}
			return nil
		})
		if err := s.AddTask(scheduling.Task{
			Name:     "actor-idle-sweep",
			Schedule: cfg.Actors.SweepSchedule,
			Action:   scheduling.ActionActorSweep,
		}); err != nil {
			return nil, err
		}
	}

	if rt.Limiter != nil && cfg.RateLimit.CleanupInterval > 0 {
		maxAge := cfg.RateLimit.MaxAge
		s.RegisterAction(scheduling.ActionRateLimitSweep, func(context.Context) error {
			rt.Limiter.Sweep(maxAge)
			return nil
		})
		if err := s.AddTask(scheduling.Task{
			Name:     "ratelimit-sweep",
			Schedule: cfg.RateLimit.CleanupInterval.String(),
			Action:   scheduling.ActionRateLimitSweep,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
