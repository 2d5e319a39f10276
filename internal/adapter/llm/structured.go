package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"forgeline/internal/domain"
	"forgeline/internal/infra/tracer"
)

// StructuredClient implements domain.InferenceClient on top of chat
// providers. It asks for schema-constrained JSON and validates the reply
// before returning it.
type StructuredClient struct {
	router *ModelRouter
	logger *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewStructuredClient creates an inference client that routes each call
// through router.
func NewStructuredClient(router *ModelRouter, logger *slog.Logger) *StructuredClient {
	return &StructuredClient{
		router:  router,
		logger:  logger,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Infer implements domain.InferenceClient.
func (c *StructuredClient) Infer(ctx context.Context, req domain.InferRequest) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.infer",
		trace.WithAttributes(
			tracer.StringAttr("llm.action", string(req.Action)),
			tracer.StringAttr("llm.schema", req.SchemaName),
			tracer.StringAttr("agent.id", req.Context.AgentID),
		),
	)
	var err error
	defer func() { tracer.Finish(span, err) }()

	schema, err := c.compile(req.SchemaName, req.Schema)
	if err != nil {
		return nil, err
	}

	mc, _ := req.Context.ConfigFor(req.Action)
	provider, err := c.router.Route(mc)
	if err != nil {
		return nil, err
	}

	chatReq := domain.ChatRequest{
		Messages:  withSchemaInstruction(req.Messages, req.Schema),
		MaxTokens: req.MaxTokens,
		ResponseFormat: &domain.ResponseFormat{
			Name:   req.SchemaName,
			Schema: req.Schema,
		},
	}
	applyModelConfig(&chatReq, mc)

	resp, err := provider.Chat(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	setUsageAttrs(span, resp.Usage)

	var out json.RawMessage
	out, err = decodeStructured(resp.Message.Content, schema)
	if err != nil {
		c.logger.Debug("structured output rejected",
			"action", req.Action,
			"provider", provider.Name(),
			"error", err,
		)
		return nil, err
	}
	return out, nil
}

// compile returns the compiled schema for name, caching by name.
func (c *StructuredClient) compile(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.schemas[name]; ok && name != "" {
		return s, nil
	}
	s, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema %q: %w", name, err)
	}
	if name != "" {
		c.schemas[name] = s
	}
	return s, nil
}

// withSchemaInstruction appends a JSON-only instruction to the system prompt
// so providers without response_format support still return JSON.
func withSchemaInstruction(msgs []domain.Message, schema json.RawMessage) []domain.Message {
	instruction := "Respond with a single JSON object that conforms to this JSON Schema. " +
		"Do not include any prose or code fences.\n" + string(schema)

	out := make([]domain.Message, 0, len(msgs)+1)
	injected := false
	for _, m := range msgs {
		if m.Role == domain.RoleSystem && !injected {
			m.Content = m.Content + "\n\n" + instruction
			injected = true
		}
		out = append(out, m)
	}
	if !injected {
		out = append([]domain.Message{{Role: domain.RoleSystem, Content: instruction}}, out...)
	}
	return out
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile("(?si)^```(?:json)?\\s*(.*?)\\s*```$")

// stripCodeFences removes markdown code fences if the model wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// decodeStructured parses content as JSON and validates it against schema.
func decodeStructured(content string, schema *jsonschema.Schema) (json.RawMessage, error) {
	text := stripCodeFences(content)
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", domain.ErrSchemaViolation, err)
	}
	result := schema.Validate(v)
	if !result.IsValid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSchemaViolation, result.Error())
	}
	return json.RawMessage(text), nil
}

var _ domain.InferenceClient = (*StructuredClient)(nil)
