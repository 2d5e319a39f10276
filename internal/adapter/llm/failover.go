package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"forgeline/internal/domain"
)

var (
	_ domain.LLMProvider          = (*FailoverProvider)(nil)
	_ domain.StreamingLLMProvider = (*FailoverProvider)(nil)
)

// FailoverProvider wraps a primary LLM provider with fallback providers.
// If the primary fails, it tries each fallback in order.
type FailoverProvider struct {
	primary   domain.LLMProvider
	fallbacks []domain.LLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.LLMProvider, fallbacks []domain.LLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// terminal reports whether err should stop failover. A request refused on
// policy grounds would be refused by every provider.
func terminal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, domain.ErrSecurityPolicy)
}

// Chat tries the primary provider first, then each fallback on failure. The
// returned error joins every provider's failure so sentinels stay matchable.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := f.primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if terminal(ctx, err) {
		return nil, err
	}
	f.logger.Warn("primary LLM failed, trying fallbacks",
		"primary", f.primary.Name(), "error", err)

	errs := []error{fmt.Errorf("%s: %w", f.primary.Name(), err)}
	for _, fb := range f.fallbacks {
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "provider", fb.Name())
			return resp, nil
		}
		f.logger.Warn("fallback LLM failed", "provider", fb.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", fb.Name(), err))
		if terminal(ctx, err) {
			break
		}
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// ChatStream tries streaming from the primary, then each fallback that
// implements StreamingLLMProvider.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	for _, p := range append([]domain.LLMProvider{f.primary}, f.fallbacks...) {
		sp, ok := p.(domain.StreamingLLMProvider)
		if !ok {
			continue
		}
		ch, err := sp.ChatStream(ctx, req)
		if err == nil {
			if len(errs) > 0 {
				f.logger.Info("streaming failover succeeded", "provider", p.Name())
			}
			return ch, nil
		}
		f.logger.Warn("streaming LLM failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if terminal(ctx, err) {
			break
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("all streaming providers failed: %w", errors.Join(errs...))
	}
	return nil, fmt.Errorf("no streaming-capable providers available")
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
