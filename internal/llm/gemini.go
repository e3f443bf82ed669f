package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	meter
	client *genai.Client
	gen    *genai.GenerateContentConfig
}

func newGemini(ctx context.Context, cfg Config, apiKey string, m meter) (*geminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}
	if m.model == "" {
		m.model = "gemini-2.5-flash"
	}
	gen := &genai.GenerateContentConfig{}
	if cfg.Temperature > 0 {
		temp := float32(cfg.Temperature)
		gen.Temperature = &temp
	}
	if cfg.MaxOutputTokens > 0 {
		gen.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}
	return &geminiClient{meter: m, client: client, gen: gen}, nil
}

func (c *geminiClient) Complete(ctx context.Context, prompt string) (Completion, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), c.gen)
	if err != nil {
		return Completion{}, callError("gemini", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "no candidates returned"
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return Completion{}, callError("gemini", errors.New(reason))
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	in, out := 0, 0
	if u := resp.UsageMetadata; u != nil {
		in, out = int(u.PromptTokenCount), int(u.CandidatesTokenCount)
	}
	return c.complete(prompt, b.String(), in, out), nil
}
