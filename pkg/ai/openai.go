package ai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIGenerator calls the chat completion API of OpenAI or any
// compatible server.
type OpenAIGenerator struct {
	client    *openai.Client
	modelName string
	opts      Options
}

func NewOpenAIGenerator(apiKey, modelName string, opts Options) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for OpenAI provider")
	}
	return NewOpenAIGeneratorWithConfig(openai.DefaultConfig(apiKey), modelName, opts), nil
}

// NewOpenAIGeneratorWithConfig allows a custom base URL or HTTP client.
func NewOpenAIGeneratorWithConfig(cfg openai.ClientConfig, modelName string, opts Options) *OpenAIGenerator {
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	return &OpenAIGenerator{
		client:    openai.NewClientWithConfig(cfg),
		modelName: modelName,
		opts:      opts.withDefaults(),
	}
}

func (g *OpenAIGenerator) Name() string { return "openai:" + g.modelName }

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: g.modelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You extract structured data from email. Respond only with JSON.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   g.opts.MaxTokens,
		Temperature: g.opts.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from OpenAI")
	}
	return resp.Choices[0].Message.Content, nil
}
