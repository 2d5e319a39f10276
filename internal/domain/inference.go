package domain

import (
	"context"
	"encoding/json"
)

// AgentAction names an AI call site; per-user model overrides are keyed by it.
type AgentAction string

const (
	ActionTemplateSelection AgentAction = "templateSelection"
	ActionBlueprint         AgentAction = "blueprint"
)

// ModelConfig overrides provider/model settings for one action.
type ModelConfig struct {
	Provider    string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// InferenceContext bundles per-user model overrides and identifiers passed
// into every AI call.
type InferenceContext struct {
	AgentID               string                      `json:"agent_id"`
	UserID                string                      `json:"user_id,omitempty"`
	UserModelConfigs      map[AgentAction]ModelConfig `json:"user_model_configs,omitempty"`
	EnableRealtimeCodeFix bool                        `json:"enable_realtime_code_fix"`
}

// ConfigFor returns the override for action, if any.
func (ic InferenceContext) ConfigFor(action AgentAction) (ModelConfig, bool) {
	mc, ok := ic.UserModelConfigs[action]
	return mc, ok
}

// Clone returns a copy with its own override map.
func (ic InferenceContext) Clone() InferenceContext {
	cp := ic
	if ic.UserModelConfigs != nil {
		cp.UserModelConfigs = make(map[AgentAction]ModelConfig, len(ic.UserModelConfigs))
		for k, v := range ic.UserModelConfigs {
			cp.UserModelConfigs[k] = v
		}
	}
	return cp
}

// InferRequest is a structured-output AI call.
type InferRequest struct {
	Action     AgentAction
	Messages   []Message
	SchemaName string
	Schema     json.RawMessage
	MaxTokens  int
	Context    InferenceContext
}

// InferenceClient returns a JSON object conforming syntactically to
// req.Schema, or fails. Rate-limit and security-policy failures wrap
// ErrRateLimit and ErrSecurityPolicy.
type InferenceClient interface {
	Infer(ctx context.Context, req InferRequest) (json.RawMessage, error)
}

// BlueprintRequest carries what a blueprint writer needs to plan a project.
type BlueprintRequest struct {
	Query      string
	Language   string
	Frameworks []string
	Template   *TemplateDetails
	Selection  *SelectionResult
	Context    InferenceContext
}

// BlueprintGenerator writes a project blueprint, reporting text chunks as they
// are produced. It returns the complete blueprint.
type BlueprintGenerator interface {
	Generate(ctx context.Context, req BlueprintRequest, onChunk func(string)) (string, error)
}

// ModelConfigStore resolves a user's model-configuration overrides.
type ModelConfigStore interface {
	UserModelConfigs(ctx context.Context, userID string) (map[AgentAction]ModelConfig, error)
}

// RateLimitKind names a rate-limited operation.
type RateLimitKind string

const RateLimitAppCreation RateLimitKind = "app_creation"

// RateLimiter enforces per-user limits. Check returns an error wrapping
// ErrRateLimit when the user is over budget.
type RateLimiter interface {
	Check(ctx context.Context, userID string, kind RateLimitKind) error
}
