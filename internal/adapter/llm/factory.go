package llm

import (
	"fmt"
	"log/slog"

	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
)

// NewProvider builds an HTTP provider for cfg.Type. Bedrock needs the AWS SDK
// and is constructed by the binary when built with the bedrock tag.
func NewProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch cfg.Type {
	case "", "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "openrouter":
		return NewOpenRouterProvider(cfg, logger), nil
	case "ollama":
		return NewOllamaProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported type %q", cfg.Name, cfg.Type)
	}
}
