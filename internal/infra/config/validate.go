package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateAuth(cfg, ve)
	validateActors(cfg, ve)
	validateLLM(cfg, ve)
	validateSelection(cfg, ve)
	validateSandbox(cfg, ve)
	validateRateLimit(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
	switch cfg.Server.PublicScheme {
	case "", "http", "https":
	default:
		ve.Add("server.public_scheme %q is invalid (want: http, https)", cfg.Server.PublicScheme)
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	switch cfg.Auth.Type {
	case "":
		return
	case "static":
	default:
		ve.Add("auth.type %q is invalid (want: static or empty)", cfg.Auth.Type)
		return
	}
	if len(cfg.Auth.Tokens) == 0 {
		ve.Add("auth.tokens must not be empty when auth.type is static")
	}
	for i, tok := range cfg.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("auth.tokens[%d].token must not be empty", i)
		}
		if tok.UserID == "" {
			ve.Add("auth.tokens[%d].user_id must not be empty", i)
		}
	}
}

func validateActors(cfg *Config, ve *ValidationError) {
	a := cfg.Actors
	if a.Namespace == "" {
		ve.Add("actors.namespace must not be empty")
	}
	if a.InboxSize <= 0 {
		ve.Add("actors.inbox_size must be > 0")
	}
	if a.RPCTimeout <= 0 {
		ve.Add("actors.rpc_timeout must be > 0")
	}
	if a.InitTimeout <= 0 {
		ve.Add("actors.init_timeout must be > 0")
	}
	if a.IdleTTL < 0 {
		ve.Add("actors.idle_ttl must be >= 0")
	}
	if a.SweepSchedule != "" {
		if _, err := cron.ParseStandard(a.SweepSchedule); err != nil {
			ve.Add("actors.sweep_schedule %q is invalid: %v", a.SweepSchedule, err)
		}
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"ollama":     true,
	"bedrock":    true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if cfg.LLM.CircuitBreaker.Enabled && cfg.LLM.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, openrouter, ollama, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" && p.Type != "ollama" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via FORGELINE_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	for _, fb := range cfg.LLM.Failover.Fallbacks {
		if !seen[fb] {
			ve.Add("llm.failover.fallbacks: unknown provider %q", fb)
		}
	}
}

func validateSelection(cfg *Config, ve *ValidationError) {
	if cfg.Selection.MaxTokens <= 0 {
		ve.Add("selection.max_tokens must be > 0")
	}
	if cfg.Selection.Timeout <= 0 {
		ve.Add("selection.timeout must be > 0")
	}
	if cfg.Blueprint.Enabled && cfg.Blueprint.MaxTokens <= 0 {
		ve.Add("blueprint.max_tokens must be > 0 when blueprint is enabled")
	}
}

func validateSandbox(cfg *Config, ve *ValidationError) {
	s := cfg.Sandbox
	switch s.Backend {
	case "http":
		if s.BaseURL == "" {
			ve.Add("sandbox.base_url is required for the http backend")
		}
		if s.RetryMax < 0 {
			ve.Add("sandbox.retry_max must be >= 0")
		}
	case "local":
		if s.TemplatesDir == "" {
			ve.Add("sandbox.templates_dir is required for the local backend")
		}
		if s.SessionsDir == "" {
			ve.Add("sandbox.sessions_dir is required for the local backend")
		}
	default:
		ve.Add("sandbox.backend %q is invalid (want: http, local)", s.Backend)
	}
	if s.Timeout <= 0 {
		ve.Add("sandbox.timeout must be > 0")
	}
}

func validateRateLimit(cfg *Config, ve *ValidationError) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return
	}
	if rl.AppCreationPerHour <= 0 {
		ve.Add("rate_limit.app_creation_per_hour must be > 0 when rate limiting is enabled")
	}
	if rl.AppCreationBurst <= 0 {
		ve.Add("rate_limit.app_creation_burst must be > 0 when rate limiting is enabled")
	}
	if rl.HTTPRequestsPerSecond <= 0 {
		ve.Add("rate_limit.http_requests_per_second must be > 0 when rate limiting is enabled")
	}
	if rl.HTTPBurst <= 0 {
		ve.Add("rate_limit.http_burst must be > 0 when rate limiting is enabled")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}
