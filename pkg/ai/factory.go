package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config holds AI provider configuration
type Config struct {
	Provider ProviderType // "gemini", "openai", "ollama" or "auto"

	GeminiAPIKey string
	GeminiModel  string

	OpenAIAPIKey string
	OpenAIModel  string

	// Ollama endpoint and model are read on every call so they can be
	// changed at runtime
	GetOllamaBaseURL func() string
	GetOllamaModel   func() string

	Options Options
}

// NewGenerator creates a Generator based on the config. Switch AI provider
// by changing cfg.Provider. "auto" prefers a hosted provider and falls back
// to Ollama.
func NewGenerator(ctx context.Context, cfg Config, logger *zap.Logger) (Generator, error) {
	ollama := func() *OllamaService {
		getBaseURL, getModel := cfg.GetOllamaBaseURL, cfg.GetOllamaModel
		if getBaseURL == nil || getModel == nil {
			return NewOllamaService("", "", cfg.Options)
		}
		return NewOllamaServiceWithGetters(getBaseURL, getModel, cfg.Options)
	}

	switch cfg.Provider {
	case ProviderGemini:
		return NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Options)

	case ProviderOpenAI:
		return NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.Options)

	case ProviderOllama:
		return ollama(), nil

	case ProviderAuto, "":
		var primary Generator
		switch {
		case cfg.GeminiAPIKey != "":
			g, err := NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Options)
			if err != nil {
				return nil, err
			}
			primary = g
		case cfg.OpenAIAPIKey != "":
			g, err := NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.Options)
			if err != nil {
				return nil, err
			}
			primary = g
		default:
			return ollama(), nil
		}
		return NewFallbackGenerator(primary, ollama(), logger), nil

	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}
