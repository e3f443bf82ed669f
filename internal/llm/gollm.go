package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"
)

// gollmClient reaches any provider gollm supports. gollm does not report
// usage, so tokens are always counted locally.
type gollmClient struct {
	meter
	llm gollm.LLM
}

func newGollm(cfg Config, apiKey string, m meter) (*gollmClient, error) {
	provider, model, ok := strings.Cut(cfg.Model, "/")
	if !ok || provider == "" || model == "" {
		return nil, fmt.Errorf("gollm: model must be <provider>/<model>, got %q", cfg.Model)
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetTemperature(cfg.Temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.MaxOutputTokens > 0 {
		opts = append(opts, gollm.SetMaxTokens(cfg.MaxOutputTokens))
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}
	l, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}
	return &gollmClient{meter: m, llm: l}, nil
}

func (c *gollmClient) Complete(ctx context.Context, prompt string) (Completion, error) {
	text, err := c.llm.Generate(ctx, gollm.NewPrompt(prompt))
	if err != nil {
		return Completion{}, callError("gollm", err)
	}
	return c.complete(prompt, text, 0, 0), nil
}
