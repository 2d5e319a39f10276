// Package sandbox provides domain.SandboxService implementations: an HTTP
// client for a remote build service and a filesystem-backed local backend.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/trace"

	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
	"forgeline/internal/infra/tracer"
)

const (
	apiKeyHeader    = "Authorization"
	applicationJSON = "application/json"
	maxResponseBody = 32 * 1024 * 1024
)

// Client talks to a remote sandbox service over HTTP. Transient failures are
// retried with backoff by go-retryablehttp.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	logger  *slog.Logger
}

// NewClient creates an HTTP sandbox client.
func NewClient(cfg config.SandboxConfig, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger.With("component", "sandbox-http")

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    rc,
		logger:  logger,
	}
}

// ListTemplates implements domain.SandboxService. A service-level failure is
// reported through the response's Success and Error fields.
func (c *Client) ListTemplates(ctx context.Context) (*domain.TemplateListResponse, error) {
	var out domain.TemplateListResponse
	if err := c.call(ctx, http.MethodGet, "/templates", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTemplateDetails implements domain.SandboxService.
func (c *Client) GetTemplateDetails(ctx context.Context, name string) (*domain.TemplateDetailsResponse, error) {
	var out domain.TemplateDetailsResponse
	if err := c.call(ctx, http.MethodGet, "/templates/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcquireSession implements domain.SandboxService.
func (c *Client) AcquireSession(ctx context.Context, sessionID string) error {
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: acquire session %s: %s", domain.ErrSandbox, sessionID, out.Error)
	}
	return nil
}

// DeployFiles implements domain.SandboxService.
func (c *Client) DeployFiles(ctx context.Context, sessionID string, files []domain.TemplateFile) (*domain.DeployResult, error) {
	var out struct {
		domain.DeployResult
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	body := struct {
		Files []domain.TemplateFile `json:"files"`
	}{files}
	if err := c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/files", body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: deploy to %s: %s", domain.ErrSandbox, sessionID, out.Error)
	}
	res := out.DeployResult
	if res.SessionID == "" {
		res.SessionID = sessionID
	}
	return &res, nil
}

// call performs one JSON request. Error responses that still carry a JSON
// envelope are decoded into out so callers see the service's own message.
func (c *Client) call(ctx context.Context, method, path string, body, out any) (err error) {
	ctx, span := tracer.StartSpan(ctx, "sandbox.call",
		trace.WithAttributes(
			tracer.StringAttr("http.method", method),
			tracer.StringAttr("sandbox.path", path),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrSandbox, err)
	}
	req.Header.Set("Content-Type", applicationJSON)
	req.Header.Set("Accept", applicationJSON)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrSandbox, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrSandbox, err)
	}

	decodeErr := json.Unmarshal(data, out)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
			c.logger.Debug("sandbox returned error envelope", "status", resp.StatusCode, "path", path)
			return nil
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrSandbox, method, path, resp.StatusCode, truncate(string(data), 512))
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrSandbox, path, decodeErr)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.SandboxService = (*Client)(nil)
