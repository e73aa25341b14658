package ai

import (
	"context"
)

// Generator turns a prompt into model text. Implement this interface to add
// new AI providers (Gemini, Ollama, OpenAI, etc.)
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// ProviderType represents the AI provider type
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
	ProviderAuto   ProviderType = "auto"
)

// Options tune generation for every provider.
type Options struct {
	Temperature float32
	MaxTokens   int
}

func (o Options) withDefaults() Options {
	if o.Temperature <= 0 {
		o.Temperature = 0.2
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	return o
}
