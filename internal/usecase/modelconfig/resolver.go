// Package modelconfig resolves per-user model overrides for AI call sites.
package modelconfig

import (
	"context"

	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
)

// Resolver serves overrides from static configuration. Users inherit the
// configured defaults; a user entry replaces only the fields it sets.
type Resolver struct {
	defaults map[domain.AgentAction]domain.ModelConfig
	users    map[string]map[domain.AgentAction]domain.ModelConfig
}

// New creates a Resolver from the model_overrides config section.
func New(cfg config.ModelOverridesConfig) *Resolver {
	return &Resolver{defaults: cfg.Defaults, users: cfg.Users}
}

// UserModelConfigs implements domain.ModelConfigStore. The returned map is
// never nil.
func (r *Resolver) UserModelConfigs(_ context.Context, userID string) (map[domain.AgentAction]domain.ModelConfig, error) {
	out := make(map[domain.AgentAction]domain.ModelConfig, len(r.defaults))
	for action, mc := range r.defaults {
		out[action] = mc
	}
	if userID == "" {
		return out, nil
	}
	for action, mc := range r.users[userID] {
		out[action] = merge(out[action], mc)
	}
	return out, nil
}

func merge(base, over domain.ModelConfig) domain.ModelConfig {
	if over.Provider != "" {
		base.Provider = over.Provider
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.MaxTokens > 0 {
		base.MaxTokens = over.MaxTokens
	}
	if over.Temperature != nil {
		t := *over.Temperature
		base.Temperature = &t
	}
	return base
}

var _ domain.ModelConfigStore = (*Resolver)(nil)
