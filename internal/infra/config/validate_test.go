package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr must not be empty"},
		{"bad addr", func(c *Config) { c.Server.Addr = "nope" }, `server.addr "nope" is not a valid host:port`},
		{"bad scheme", func(c *Config) { c.Server.PublicScheme = "ftp" }, "server.public_scheme"},
		{"bad auth type", func(c *Config) { c.Auth.Type = "oauth" }, `auth.type "oauth" is invalid`},
		{"static auth without tokens", func(c *Config) { c.Auth.Type = "static" }, "auth.tokens must not be empty"},
		{"token without user", func(c *Config) {
			c.Auth.Type = "static"
			c.Auth.Tokens = []TokenConfig{{Token: "t"}}
		}, "auth.tokens[0].user_id must not be empty"},
		{"empty namespace", func(c *Config) { c.Actors.Namespace = "" }, "actors.namespace must not be empty"},
		{"zero inbox", func(c *Config) { c.Actors.InboxSize = 0 }, "actors.inbox_size must be > 0"},
		{"zero init timeout", func(c *Config) { c.Actors.InitTimeout = 0 }, "actors.init_timeout must be > 0"},
		{"bad sweep schedule", func(c *Config) { c.Actors.SweepSchedule = "every so often" }, "actors.sweep_schedule"},
		{"empty default provider", func(c *Config) { c.LLM.DefaultProvider = "" }, "llm.default_provider must not be empty"},
		{"breaker without failures", func(c *Config) { c.LLM.CircuitBreaker.MaxFailures = 0 }, "llm.circuit_breaker.max_failures"},
		{"duplicate provider", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "openai", APIKey: "k"}, {Name: "openai", APIKey: "k"}}
		}, `duplicate provider name "openai"`},
		{"invalid provider type", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "openai", Type: "gemini", APIKey: "k"}}
		}, `type "gemini" is invalid`},
		{"missing api key", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "openai"}}
		}, "FORGELINE_LLM_PROVIDER_OPENAI_API_KEY"},
		{"bedrock without region", func(c *Config) {
			c.LLM.DefaultProvider = "aws"
			c.LLM.Providers = []ProviderConfig{{Name: "aws", Type: "bedrock"}}
		}, "region is required for bedrock"},
		{"default not configured", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "groq", APIKey: "k"}}
		}, `llm.default_provider "openai" does not match`},
		{"unknown fallback", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "openai", APIKey: "k"}}
			c.LLM.Failover.Fallbacks = []string{"ghost"}
		}, `unknown provider "ghost"`},
		{"zero selection tokens", func(c *Config) { c.Selection.MaxTokens = 0 }, "selection.max_tokens must be > 0"},
		{"zero blueprint tokens", func(c *Config) { c.Blueprint.MaxTokens = 0 }, "blueprint.max_tokens must be > 0"},
		{"http sandbox without url", func(c *Config) { c.Sandbox.Backend = "http" }, "sandbox.base_url is required"},
		{"local sandbox without dir", func(c *Config) { c.Sandbox.TemplatesDir = "" }, "sandbox.templates_dir is required"},
		{"bad sandbox backend", func(c *Config) { c.Sandbox.Backend = "docker" }, `sandbox.backend "docker" is invalid`},
		{"zero app creation limit", func(c *Config) { c.RateLimit.AppCreationPerHour = 0 }, "rate_limit.app_creation_per_hour"},
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }, `logger.level "verbose" is invalid`},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, `logger.format "xml" is invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateRateLimitDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.AppCreationPerHour = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled rate limit should not be validated: %v", err)
	}
}

func TestValidateOllamaWithoutKey(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.DefaultProvider = "local"
	cfg.LLM.Providers = []ProviderConfig{{Name: "local", Type: "ollama", BaseURL: "http://localhost:11434/v1"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("ollama does not need an api key: %v", err)
	}
}

func TestValidationErrorAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Addr = ""
	cfg.Actors.Namespace = ""
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 2 {
		t.Errorf("expected at least 2 errors, got %v", ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
