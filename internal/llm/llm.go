// Package llm provides the model client used to turn a prompt into a
// proposed diff. Each provider is a separate variant chosen by name; all of
// them report token usage and cost for the budget guardrail.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ErrCall wraps every failed model call. It is fatal to a task.
var ErrCall = errors.New("llm call failed")

// Completion is one model response with its usage.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	Cost      float64
	Model     string
}

// Client sends a prompt and returns the model's reply.
type Client interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// Estimator is implemented by clients that can price a prompt before it is
// sent, assuming the full output token allowance is used.
type Estimator interface {
	EstimateCost(prompt string) float64
}

// Provider names accepted by New.
const (
	ProviderOpenAI  = "openai"
	ProviderGemini  = "gemini"
	ProviderGollm   = "gollm"
	ProviderCommand = "command"
)

// Config selects and tunes a client variant.
type Config struct {
	Provider string
	// Model is the provider model id. For gollm it is "<provider>/<model>".
	Model string
	// APIKeyEnv names the environment variable holding the key. Empty means
	// the provider's conventional variable.
	APIKeyEnv         string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
	MaxOutputTokens   int
	Temperature       float64
	// Command is the argv of the local executable for the command provider.
	Command []string
	// Pricing overrides the catalog when set.
	Pricing *Pricing
}

type Option func(*options)

type options struct {
	log    *slog.Logger
	getenv func(string) string
	count  func(model, text string) int
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithGetenv replaces os.Getenv for API key lookup.
func WithGetenv(f func(string) string) Option {
	return func(o *options) { o.getenv = f }
}

// WithTokenCounter replaces the tokenizer used when a provider does not
// report usage.
func WithTokenCounter(f func(model, text string) int) Option {
	return func(o *options) { o.count = f }
}

// New builds the client variant named by cfg.Provider, wrapped with the
// request timeout and rate limit.
func New(ctx context.Context, cfg Config, opts ...Option) (Client, error) {
	o := options{log: slog.Default(), getenv: os.Getenv, count: CountTokens}
	for _, fn := range opts {
		fn(&o)
	}

	m := newMeter(cfg, o.count)
	var (
		c   Client
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		c, err = newOpenAI(cfg, o.getenv(keyEnv(cfg, "OPENAI_API_KEY")), m)
	case ProviderGemini:
		key := o.getenv(keyEnv(cfg, "GEMINI_API_KEY"))
		if key == "" && cfg.APIKeyEnv == "" {
			key = o.getenv("GOOGLE_API_KEY")
		}
		c, err = newGemini(ctx, cfg, key, m)
	case ProviderGollm:
		key := ""
		if cfg.APIKeyEnv != "" {
			key = o.getenv(cfg.APIKeyEnv)
		}
		c, err = newGollm(cfg, key, m)
	case ProviderCommand:
		c, err = newCommand(cfg, m)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	o.log.Debug("llm client ready", "provider", cfg.Provider, "model", cfg.Model)
	return withLimits(c, cfg.Timeout, cfg.RequestsPerMinute), nil
}

func keyEnv(cfg Config, def string) string {
	if cfg.APIKeyEnv != "" {
		return cfg.APIKeyEnv
	}
	return def
}

// meter turns raw text and optional provider usage into a Completion.
type meter struct {
	model   string
	pricing Pricing
	maxOut  int
	count   func(model, text string) int
}

func newMeter(cfg Config, count func(model, text string) int) meter {
	p := PricingFor(cfg.Model)
	if cfg.Pricing != nil {
		p = *cfg.Pricing
	}
	return meter{model: cfg.Model, pricing: p, maxOut: cfg.MaxOutputTokens, count: count}
}

// complete fills in missing token counts by counting locally.
func (m meter) complete(prompt, text string, in, out int) Completion {
	if in <= 0 {
		in = m.count(m.model, prompt)
	}
	if out <= 0 {
		out = m.count(m.model, text)
	}
	return Completion{
		Text:      text,
		TokensIn:  in,
		TokensOut: out,
		Cost:      m.pricing.Cost(in, out),
		Model:     m.model,
	}
}

func (m meter) EstimateCost(prompt string) float64 {
	out := m.maxOut
	if out <= 0 {
		out = defaultMaxOutput
	}
	return m.pricing.Cost(m.count(m.model, prompt), out)
}

const defaultMaxOutput = 4096

func callError(provider string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCall, provider, err)
}
