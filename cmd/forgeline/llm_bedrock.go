//go:build bedrock

package main

import (
	"log/slog"

	"forgeline/internal/adapter/llm"
	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
)

func createBedrockProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	return llm.NewBedrockProvider(pc, log)
}
