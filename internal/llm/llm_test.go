package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommandClient(t *testing.T, cfg Config) Client {
	t.Helper()
	cfg.Provider = ProviderCommand
	c, err := New(context.Background(), cfg, WithTokenCounter(HeuristicTokens))
	require.NoError(t, err)
	return c
}

func TestCommand_ReturnsStdoutWithUsage(t *testing.T) {
	c := newCommandClient(t, Config{
		Command: []string{"/bin/sh", "-c", "cat >/dev/null; printf NO_CHANGES"},
		Pricing: &Pricing{InputPerMillion: 1, OutputPerMillion: 2},
	})
	got, err := c.Complete(context.Background(), "abcdefgh")
	require.NoError(t, err)

	assert.Equal(t, "NO_CHANGES", got.Text)
	assert.Equal(t, 2, got.TokensIn)
	assert.Equal(t, 3, got.TokensOut)
	assert.InDelta(t, 8e-6, got.Cost, 1e-12)
	assert.Equal(t, "command", got.Model)
}

func TestCommand_ReceivesPromptOnStdin(t *testing.T) {
	c := newCommandClient(t, Config{Command: []string{"cat"}})
	got, err := c.Complete(context.Background(), "User Request:\nadd hello_world\n")
	require.NoError(t, err)
	assert.Equal(t, "User Request:\nadd hello_world\n", got.Text)
	assert.Zero(t, got.Cost)
}

func TestCommand_FailureIsCallError(t *testing.T) {
	c := newCommandClient(t, Config{Command: []string{"/bin/sh", "-c", "echo boom >&2; exit 2"}})
	_, err := c.Complete(context.Background(), "x")
	require.ErrorIs(t, err, ErrCall)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommand_TimeoutIsCallError(t *testing.T) {
	c := newCommandClient(t, Config{Command: []string{"sleep", "5"}, Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := c.Complete(context.Background(), "x")
	require.ErrorIs(t, err, ErrCall)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRateLimit(t *testing.T) {
	c := newCommandClient(t, Config{Command: []string{"true"}, RequestsPerMinute: 600})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), "x")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestEstimateCost(t *testing.T) {
	c := newCommandClient(t, Config{
		Command:         []string{"true"},
		MaxOutputTokens: 100,
		Pricing:         &Pricing{InputPerMillion: 1, OutputPerMillion: 2},
	})
	e, ok := c.(Estimator)
	require.True(t, ok)
	assert.InDelta(t, 2e-6+200e-6, e.EstimateCost("abcdefgh"), 1e-12)
}

func TestNew_Errors(t *testing.T) {
	noEnv := WithGetenv(func(string) string { return "" })
	ctx := context.Background()

	_, err := New(ctx, Config{Provider: "carrier-pigeon"}, noEnv)
	assert.ErrorContains(t, err, "unknown llm provider")

	_, err = New(ctx, Config{Provider: ProviderOpenAI, Model: "gpt-4o"}, noEnv)
	assert.ErrorContains(t, err, "API key not set")

	_, err = New(ctx, Config{Provider: ProviderGemini}, noEnv)
	assert.ErrorContains(t, err, "API key not set")

	_, err = New(ctx, Config{Provider: ProviderGollm, Model: "gpt-4o"}, noEnv)
	assert.ErrorContains(t, err, "<provider>/<model>")

	_, err = New(ctx, Config{Provider: ProviderCommand}, noEnv)
	assert.Error(t, err)
}

func TestNew_OpenAIUsesConfiguredKeyEnv(t *testing.T) {
	var asked []string
	getenv := func(k string) string {
		asked = append(asked, k)
		return "sk-test"
	}
	c, err := New(context.Background(), Config{Provider: ProviderOpenAI, Model: "gpt-4o", APIKeyEnv: "MY_KEY"}, WithGetenv(getenv))
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, []string{"MY_KEY"}, asked)
}

func TestPricingFor(t *testing.T) {
	assert.Equal(t, Pricing{0.15, 0.60}, PricingFor("gpt-4o-mini-2024-07-18"))
	assert.Equal(t, Pricing{2.50, 10.0}, PricingFor("openai/gpt-4o"))
	assert.Equal(t, Pricing{0.30, 2.50}, PricingFor("gemini-2.5-flash"))
	assert.Equal(t, fallbackPricing, PricingFor("some-new-model"))
	assert.InDelta(t, 1.0+2.0, Pricing{1, 2}.Cost(1_000_000, 1_000_000), 1e-9)
}

func TestHeuristicTokens(t *testing.T) {
	assert.Equal(t, 0, HeuristicTokens("", ""))
	assert.Equal(t, 1, HeuristicTokens("", "abc"))
	assert.Equal(t, 2, HeuristicTokens("", "héllo"))
	assert.Equal(t, 0, CountTokens("gpt-4o", ""))
}

func TestCallErrorWrapsBoth(t *testing.T) {
	inner := errors.New("503")
	err := callError("openai", inner)
	assert.ErrorIs(t, err, ErrCall)
	assert.ErrorIs(t, err, inner)
}
