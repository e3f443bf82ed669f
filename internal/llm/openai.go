package llm

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	meter
	client      *openai.Client
	temperature float32
}

func newOpenAI(cfg Config, apiKey string, m meter) (*openAIClient, error) {
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key not set")
	}
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if m.model == "" {
		m.model = "gpt-4o-mini"
	}
	return &openAIClient{
		meter:       m,
		client:      openai.NewClientWithConfig(oc),
		temperature: float32(cfg.Temperature),
	}, nil
}

func (c *openAIClient) Complete(ctx context.Context, prompt string) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
	}
	if c.maxOut > 0 {
		req.MaxCompletionTokens = c.maxOut
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, callError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, callError("openai", errors.New("no choices returned"))
	}
	return c.complete(prompt, resp.Choices[0].Message.Content, resp.Usage.PromptTokens, resp.Usage.CompletionTokens), nil
}
