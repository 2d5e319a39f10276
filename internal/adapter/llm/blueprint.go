package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forgeline/internal/domain"
	"forgeline/internal/infra/tracer"
)

const blueprintSystemPrompt = `You are a senior software architect planning a web application.
Write a concise implementation blueprint in Markdown with these sections:
## Overview
## Pages and Components
## Data Model
## Implementation Phases
Build on the starter template's existing files; do not propose rewriting files marked as protected.`

// BlueprintWriter implements domain.BlueprintGenerator. It streams when the
// routed provider supports streaming and falls back to a single Chat call.
type BlueprintWriter struct {
	router    *ModelRouter
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBlueprintWriter creates a blueprint generator.
func NewBlueprintWriter(router *ModelRouter, maxTokens int, logger *slog.Logger) *BlueprintWriter {
	return &BlueprintWriter{router: router, maxTokens: maxTokens, logger: logger}
}

// WithTimeout bounds each Generate call. d <= 0 leaves calls unbounded.
func (w *BlueprintWriter) WithTimeout(d time.Duration) *BlueprintWriter {
	w.timeout = d
	return w
}

// Generate implements domain.BlueprintGenerator.
func (w *BlueprintWriter) Generate(ctx context.Context, req domain.BlueprintRequest, onChunk func(string)) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.blueprint",
		trace.WithAttributes(tracer.StringAttr("agent.id", req.Context.AgentID)),
	)
	var err error
	defer func() { tracer.Finish(span, err) }()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	mc, _ := req.Context.ConfigFor(domain.ActionBlueprint)
	provider, err := w.router.Route(mc)
	if err != nil {
		return "", err
	}

	chatReq := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: blueprintSystemPrompt},
			{Role: domain.RoleUser, Content: blueprintPrompt(req)},
		},
		MaxTokens: w.maxTokens,
	}
	applyModelConfig(&chatReq, mc)

	var out string
	if sp, ok := provider.(domain.StreamingLLMProvider); ok {
		out, err = w.stream(ctx, sp, chatReq, onChunk)
	} else {
		out, err = w.chat(ctx, provider, chatReq, onChunk)
	}
	if err != nil {
		return "", err
	}
	span.SetAttributes(tracer.IntAttr("blueprint.length", len(out)))
	return out, nil
}

func (w *BlueprintWriter) stream(ctx context.Context, sp domain.StreamingLLMProvider, req domain.ChatRequest, onChunk func(string)) (string, error) {
	ch, err := sp.ChatStream(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for delta := range ch {
		if delta.Err != nil {
			return "", delta.Err
		}
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			if onChunk != nil {
				onChunk(delta.Content)
			}
		}
		if delta.Done {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("blueprint stream: %w", err)
	}
	w.logger.Debug("blueprint streamed", "provider", sp.Name(), "length", sb.Len())
	return sb.String(), nil
}

func (w *BlueprintWriter) chat(ctx context.Context, p domain.LLMProvider, req domain.ChatRequest, onChunk func(string)) (string, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	if onChunk != nil && resp.Message.Content != "" {
		onChunk(resp.Message.Content)
	}
	return resp.Message.Content, nil
}

func blueprintPrompt(req domain.BlueprintRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User request:\n%s\n", req.Query)
	if req.Language != "" {
		fmt.Fprintf(&sb, "\nPreferred language: %s\n", req.Language)
	}
	if len(req.Frameworks) > 0 {
		fmt.Fprintf(&sb, "Preferred frameworks: %s\n", strings.Join(req.Frameworks, ", "))
	}
	if sel := req.Selection; sel != nil {
		if sel.ProjectName != "" {
			fmt.Fprintf(&sb, "Project name: %s\n", sel.ProjectName)
		}
		if sel.UseCase != "" {
			fmt.Fprintf(&sb, "Use case: %s\n", sel.UseCase)
		}
		if sel.StyleSelection != "" {
			fmt.Fprintf(&sb, "Visual style: %s\n", sel.StyleSelection)
		}
	}
	if t := req.Template; t != nil {
		fmt.Fprintf(&sb, "\nStarter template: %s (%s)\n", t.Name, t.Language)
		sb.WriteString("Template files:\n")
		for _, p := range t.FilePaths() {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		if len(t.DontTouchFiles) > 0 {
			fmt.Fprintf(&sb, "Protected files: %s\n", strings.Join(t.DontTouchFiles, ", "))
		}
	}
	return sb.String()
}

var _ domain.BlueprintGenerator = (*BlueprintWriter)(nil)
