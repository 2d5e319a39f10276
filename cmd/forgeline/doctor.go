package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forgeline/internal/adapter/sandbox"
	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorProbeTimeout = 10 * time.Second

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "State store", Fn: checkStateStore},
		{Name: "Sandbox templates", Fn: checkSandbox},
		{Name: "Authentication", Fn: checkAuth},
	}

	fmt.Println("forgeline doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn == 0 {
		fmt.Println("\nAll checks passed! forgeline is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile reports whether the config file exists and loaded. A
// missing file is a warning: defaults plus FORGELINE_* variables still work.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values named above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkLLMAPIKey verifies every configured provider that needs a key has one.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.APIKey != "", p.Type == "ollama", p.Type == "bedrock":
			withKey = append(withKey, p.Name)
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withKey) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set API keys via environment variables (e.g., FORGELINE_LLM_PROVIDER_OPENAI_API_KEY)",
		}
	}
	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("credentials configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkLLMConnectivity tests if the default LLM provider is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no probe endpoint for provider type %q, skipping", provider.Type),
		}
	}

	latency, err := probe(endpoint)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your network connection and llm.providers base_url",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

// providerEndpoint returns a cheap URL to probe for the given provider.
func providerEndpoint(p *config.ProviderConfig) string {
	base := strings.TrimRight(p.BaseURL, "/")
	switch p.Type {
	case "openai", "":
		if base != "" {
			return base + "/models"
		}
		return "https://api.openai.com/v1/models"
	case "openrouter":
		if base != "" {
			return base + "/models"
		}
		return "https://openrouter.ai/api/v1/models"
	case "ollama":
		if base == "" {
			base = "http://localhost:11434"
		}
		return strings.TrimSuffix(base, "/v1") + "/api/tags"
	default:
		return base
	}
}

// probe reports the round-trip time of a GET. Any HTTP status counts as
// reachable.
func probe(endpoint string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), doctorProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// checkStateStore verifies the sqlite state directory is writable.
func checkStateStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Actors.StorePath == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "in-memory state store; agents are lost on restart",
			Fix:     "Set actors.store_path to persist agent state",
		}
	}

	dir := filepath.Dir(cfg.Actors.StorePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Fix directory permissions or change actors.store_path",
		}
	}
	f.Close()
	os.Remove(f.Name())

	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("sqlite store at %s", cfg.Actors.StorePath)}
}

// checkSandbox lists templates through the configured sandbox backend.
func checkSandbox(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	var svc domain.SandboxService
	switch cfg.Sandbox.Backend {
	case "http":
		svc = sandbox.NewClient(cfg.Sandbox, quiet)
	default:
		svc = sandbox.NewLocal(cfg.Sandbox.TemplatesDir, cfg.Sandbox.SessionsDir, cfg.Sandbox.PreviewBase, quiet)
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorProbeTimeout)
	defer cancel()

	resp, err := svc.ListTemplates(ctx)
	if err == nil && !resp.Success {
		err = fmt.Errorf("%s", resp.Error)
	}
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot list templates (%s backend): %v", cfg.Sandbox.Backend, err),
			Fix:     "Check sandbox.templates_dir or sandbox.base_url",
		}
	}
	if len(resp.Templates) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no templates available; every generation will fail template selection",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d template(s) available via %s backend", len(resp.Templates), cfg.Sandbox.Backend),
	}
}

// checkAuth warns when the gateway accepts only anonymous callers.
func checkAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Auth.Type != "static" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "authentication disabled; all callers are anonymous and not rate limited",
			Fix:     "Set auth.type: static and add auth.tokens",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d static token(s) configured", len(cfg.Auth.Tokens))}
}
