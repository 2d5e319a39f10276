// Package selector picks a starter template for a generation request with an
// AI call, falling back to "no selection" whenever the call fails.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"forgeline/internal/domain"
)

const (
	// DefaultMaxTokens bounds the selection reply.
	DefaultMaxTokens = 2000
	// descriptionLimit truncates candidate descriptions in the prompt, in runes.
	descriptionLimit = 250
)

// Options configures a Selector.
type Options struct {
	MaxTokens int
	Timeout   time.Duration // 0 means no selector-specific deadline
}

// Selector implements template selection over a domain.InferenceClient.
type Selector struct {
	client  domain.InferenceClient
	opts    Options
	entropy func() string
	logger  *slog.Logger
}

// New creates a Selector.
func New(client domain.InferenceClient, opts Options, logger *slog.Logger) *Selector {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Selector{
		client:  client,
		opts:    opts,
		entropy: func() string { return ulid.Make().String() },
		logger:  logger.With("component", "selector"),
	}
}

// Fallback is the deterministic "no selection" result.
func Fallback() *domain.SelectionResult {
	return &domain.SelectionResult{
		SelectedTemplateName: nil,
		Reasoning:            "No template could be selected for this request; continuing without one.",
		UseCase:              "General",
		Complexity:           "moderate",
		StyleSelection:       "Custom",
		ProjectName:          "my-app",
	}
}

// Select chooses among candidates for query. An empty candidate list returns
// Fallback without calling the model. Rate-limit and security-policy errors
// are returned unchanged; every other failure is logged and yields Fallback.
// The returned name is not checked against candidates.
func (s *Selector) Select(ctx context.Context, query string, candidates []domain.TemplateDescriptor, ic domain.InferenceContext) (*domain.SelectionResult, error) {
	if len(candidates) == 0 {
		s.logger.Info("no template candidates, using fallback", "agent_id", ic.AgentID)
		return Fallback(), nil
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := s.client.Infer(ctx, domain.InferRequest{
		Action: domain.ActionTemplateSelection,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: systemPrompt},
			{Role: domain.RoleUser, Content: buildPrompt(query, candidates, s.entropy())},
		},
		SchemaName: SchemaName,
		Schema:     Schema,
		MaxTokens:  s.opts.MaxTokens,
		Context:    ic,
	})
	if err != nil {
		if domain.IsCallerVisible(err) {
			return nil, err
		}
		s.logger.Warn("template selection failed, using fallback",
			"agent_id", ic.AgentID,
			"error", fmt.Errorf("%w: %w", domain.ErrSelectionFailed, err),
		)
		return Fallback(), nil
	}

	var res domain.SelectionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		s.logger.Warn("template selection reply undecodable, using fallback",
			"agent_id", ic.AgentID,
			"error", fmt.Errorf("%w: %w", domain.ErrSelectionFailed, err),
		)
		return Fallback(), nil
	}

	s.logger.Info("template selected",
		"agent_id", ic.AgentID,
		"template", res.Name(),
		"use_case", res.UseCase,
		"duration", time.Since(start),
	)
	return &res, nil
}

const systemPrompt = `You are an expert software architect. You choose the starter template that lets a code generation agent build the user's project with the least rework. Answer only with the requested JSON object.`

func buildPrompt(query string, candidates []domain.TemplateDescriptor, entropy string) string {
	var b strings.Builder
	b.WriteString("## User request\n")
	b.WriteString(query)
	b.WriteString("\n\n## Available templates\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. name: %s\n", i+1, c.Name)
		if c.Language != "" {
			fmt.Fprintf(&b, "   language: %s\n", c.Language)
		}
		if len(c.Frameworks) > 0 {
			fmt.Fprintf(&b, "   frameworks: %s\n", strings.Join(c.Frameworks, ", "))
		}
		if c.Description != "" {
			fmt.Fprintf(&b, "   description: %s\n", truncate(c.Description, descriptionLimit))
		}
	}
	b.WriteString(`
## How to choose
Score every template against the request and pick the best one:
- Feature alignment: does the template already provide the core features the user asked for?
- Tech stack match: do its language and frameworks fit what the user asked for or implied?
- Architectural fit: is its structure (SPA, dashboard, game loop, content site) right for the project?
- Minimal modification: prefer the template that needs the fewest changes.
If no template fits, set selectedTemplateName to null.
selectedTemplateName must be copied exactly from the list above.

## Style
Pick styleSelection from: `)
	b.WriteString(strings.Join(Styles, ", "))
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "Request id: %s\n", entropy)
	return b.String()
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
