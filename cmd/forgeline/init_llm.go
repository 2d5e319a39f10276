package main

import (
	"fmt"
	"log/slog"

	"forgeline/internal/adapter/llm"
	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
)

// initLLM registers every configured provider (each behind its own circuit
// breaker when enabled), wraps the default in failover, and returns the router
// every inference call goes through.
func initLLM(cfg *config.Config, log *slog.Logger) (*llm.ModelRouter, error) {
	registry := llm.NewRegistry()

	cbCfg := cfg.LLM.CircuitBreaker
	for _, pc := range cfg.LLM.Providers {
		provider, err := createLLMProvider(pc, log)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		if cbCfg.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, cbCfg, log)
		}
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	log.Info("llm providers registered", "providers", registry.List(), "default", cfg.LLM.DefaultProvider)
	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}

	defaultLLM, err := registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}

	if cfg.LLM.Failover.Enabled && len(cfg.LLM.Failover.Fallbacks) > 0 {
		var fallbacks []domain.LLMProvider
		for _, name := range cfg.LLM.Failover.Fallbacks {
			fb, err := registry.Get(name)
			if err != nil {
				return nil, fmt.Errorf("failover provider %s: %w", name, err)
			}
			fallbacks = append(fallbacks, fb)
		}
		defaultLLM = llm.NewFailoverProvider(defaultLLM, fallbacks, log)
		log.Info("model failover enabled", "fallbacks", cfg.LLM.Failover.Fallbacks)
	}

	return llm.NewModelRouter(registry, defaultLLM), nil
}

func createLLMProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	if pc.Type == "bedrock" {
		return createBedrockProvider(pc, log)
	}
	return llm.NewProvider(pc, log)
}
