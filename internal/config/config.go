package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/reactor/internal/paths"
)

type Config struct {
	Loop      LoopConfig      `toml:"loop"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Tests     TestsConfig     `toml:"tests"`
	Budget    BudgetConfig    `toml:"budget"`
	LLM       LLMConfig       `toml:"llm"`
	Prompt    PromptConfig    `toml:"prompt"`
	Session   SessionConfig   `toml:"session"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

type LoopConfig struct {
	MaxIterations int  `toml:"max_iterations"`
	SkipTests     bool `toml:"skip_tests"`
	DryRun        bool `toml:"dry_run"`
	KeepSandbox   bool `toml:"keep_sandbox"`
}

type SandboxConfig struct {
	Mode string `toml:"mode"`
	// Root is where sandboxes are created; relative paths resolve against the repo.
	Root string `toml:"root"`
}

type TestsConfig struct {
	Command    string `toml:"command"`
	TimeoutSec int    `toml:"timeout_sec"`
	// TimeoutMS takes precedence over TimeoutSec when set.
	TimeoutMS              int    `toml:"timeout_ms"`
	MaxConsecutiveTimeouts int    `toml:"max_consecutive_timeouts"`
	KillGraceMS            int    `toml:"kill_grace_ms"`
}

type BudgetConfig struct {
	MonthlyCapUSD  float64 `toml:"monthly_cap_usd"`
	TaskCapUSD     float64 `toml:"task_cap_usd"`
	MaxRequests    int     `toml:"max_requests"`
	MaxPromptChars int     `toml:"max_prompt_chars"`
	ReadOnlyRatio  float64 `toml:"read_only_ratio"`
	Scope          string  `toml:"scope"`
}

type LLMConfig struct {
	Provider             string   `toml:"provider"`
	Model                string   `toml:"model"`
	APIKeyEnv            string   `toml:"api_key_env"`
	BaseURL              string   `toml:"base_url"`
	RequestTimeoutSec    int      `toml:"request_timeout_sec"`
	RequestsPerMinute    int      `toml:"requests_per_minute"`
	MaxOutputTokens      int      `toml:"max_output_tokens"`
	Temperature          float64  `toml:"temperature"`
	Command              []string `toml:"command"`
	InputCostPerMillion  float64  `toml:"input_cost_per_million"`
	OutputCostPerMillion float64  `toml:"output_cost_per_million"`
}

type PromptConfig struct {
	MaxFiles     int `toml:"max_files"`
	MaxFileBytes int `toml:"max_file_bytes"`
}

type SessionConfig struct {
	MaxParallel int `toml:"max_parallel"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	MetricsFile  string `toml:"metrics_file"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Loop:    LoopConfig{MaxIterations: 3},
		Sandbox: SandboxConfig{Mode: "copy", Root: paths.SandboxesDir()},
		Tests:   TestsConfig{Command: "go test ./...", TimeoutSec: 300, MaxConsecutiveTimeouts: 3, KillGraceMS: 2000},
		Budget:  BudgetConfig{MonthlyCapUSD: 10, MaxRequests: 100, MaxPromptChars: 200000, ReadOnlyRatio: 0.9, Scope: "global"},
		LLM:     LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", RequestTimeoutSec: 120, MaxOutputTokens: 8192, Temperature: 0.2},
		Prompt:  PromptConfig{MaxFiles: 10, MaxFileBytes: 50 * 1024},
		Session: SessionConfig{MaxParallel: 2},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

func Load(repoRoot string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(repoRoot, filepath.FromSlash(paths.ConfigFile()))
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	if err := res.Config.Validate(); err != nil {
		res.ParseError = err
	}
	return res
}

// ApplyEnv overlays REACTOR_* environment variables on top of c.
func (c Config) ApplyEnv(getenv func(string) string) Config {
	if v := getenv("REACTOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("REACTOR_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := getenv("REACTOR_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := getenv("REACTOR_TEST_CMD"); v != "" {
		c.Tests.Command = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = v
	}
	return c
}

func (c Config) Validate() error {
	switch c.Sandbox.Mode {
	case "copy", "worktree", "none":
	default:
		return fmt.Errorf("%w: sandbox.mode %q", ErrInvalid, c.Sandbox.Mode)
	}
	switch c.Budget.Scope {
	case "global", "task":
	default:
		return fmt.Errorf("%w: budget.scope %q", ErrInvalid, c.Budget.Scope)
	}
	if c.Budget.ReadOnlyRatio <= 0 || c.Budget.ReadOnlyRatio > 1 {
		return fmt.Errorf("%w: budget.read_only_ratio must be in (0,1]", ErrInvalid)
	}
	if c.Budget.MonthlyCapUSD < 0 {
		return fmt.Errorf("%w: budget.monthly_cap_usd must not be negative", ErrInvalid)
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("%w: loop.max_iterations must be >= 1", ErrInvalid)
	}
	if c.Loop.DryRun && c.Sandbox.Mode == "none" {
		return fmt.Errorf("%w: dry run requires an isolated sandbox", ErrInvalid)
	}
	if c.Tests.Timeout() <= 0 {
		return fmt.Errorf("%w: tests timeout must be positive", ErrInvalid)
	}
	if strings.TrimSpace(c.Tests.Command) == "" && !c.Loop.SkipTests {
		return fmt.Errorf("%w: tests.command is empty", ErrInvalid)
	}
	if c.LLM.Provider == "command" && len(c.LLM.Command) == 0 {
		return fmt.Errorf("%w: llm.command required for the command provider", ErrInvalid)
	}
	return nil
}

func (c TestsConfig) Timeout() time.Duration {
	if c.TimeoutMS > 0 {
		return time.Duration(c.TimeoutMS) * time.Millisecond
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c TestsConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceMS) * time.Millisecond
}

func (c LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// SandboxRoot resolves the configured sandbox root against repoRoot.
func (c Config) SandboxRoot(repoRoot string) string {
	if filepath.IsAbs(c.Sandbox.Root) {
		return c.Sandbox.Root
	}
	return filepath.Join(repoRoot, filepath.FromSlash(c.Sandbox.Root))
}

func merge(def Config, cfg Config) Config {
	// Loop
	if cfg.Loop.MaxIterations != 0 {
		def.Loop.MaxIterations = cfg.Loop.MaxIterations
	}
	def.Loop.SkipTests = def.Loop.SkipTests || cfg.Loop.SkipTests
	def.Loop.DryRun = def.Loop.DryRun || cfg.Loop.DryRun
	def.Loop.KeepSandbox = def.Loop.KeepSandbox || cfg.Loop.KeepSandbox
	// Sandbox
	if cfg.Sandbox.Mode != "" {
		def.Sandbox.Mode = cfg.Sandbox.Mode
	}
	if cfg.Sandbox.Root != "" {
		def.Sandbox.Root = cfg.Sandbox.Root
	}
	// Tests
	if cfg.Tests.Command != "" {
		def.Tests.Command = cfg.Tests.Command
	}
	if cfg.Tests.TimeoutSec != 0 {
		def.Tests.TimeoutSec = cfg.Tests.TimeoutSec
	}
	if cfg.Tests.TimeoutMS != 0 {
		def.Tests.TimeoutMS = cfg.Tests.TimeoutMS
	}
	if cfg.Tests.MaxConsecutiveTimeouts != 0 {
		def.Tests.MaxConsecutiveTimeouts = cfg.Tests.MaxConsecutiveTimeouts
	}
	if cfg.Tests.KillGraceMS != 0 {
		def.Tests.KillGraceMS = cfg.Tests.KillGraceMS
	}
	// Budget
	if cfg.Budget.MonthlyCapUSD != 0 {
		def.Budget.MonthlyCapUSD = cfg.Budget.MonthlyCapUSD
	}
	if cfg.Budget.TaskCapUSD != 0 {
		def.Budget.TaskCapUSD = cfg.Budget.TaskCapUSD
	}
	if cfg.Budget.MaxRequests != 0 {
		def.Budget.MaxRequests = cfg.Budget.MaxRequests
	}
	if cfg.Budget.MaxPromptChars != 0 {
		def.Budget.MaxPromptChars = cfg.Budget.MaxPromptChars
	}
	if cfg.Budget.ReadOnlyRatio != 0 {
		def.Budget.ReadOnlyRatio = cfg.Budget.ReadOnlyRatio
	}
	if cfg.Budget.Scope != "" {
		def.Budget.Scope = cfg.Budget.Scope
	}
	// LLM
	if cfg.LLM.Provider != "" {
		def.LLM.Provider = cfg.LLM.Provider
	}
	if cfg.LLM.Model != "" {
		def.LLM.Model = cfg.LLM.Model
	}
	if cfg.LLM.APIKeyEnv != "" {
		def.LLM.APIKeyEnv = cfg.LLM.APIKeyEnv
	}
	if cfg.LLM.BaseURL != "" {
		def.LLM.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.RequestTimeoutSec != 0 {
		def.LLM.RequestTimeoutSec = cfg.LLM.RequestTimeoutSec
	}
	if cfg.LLM.RequestsPerMinute != 0 {
		def.LLM.RequestsPerMinute = cfg.LLM.RequestsPerMinute
	}
	if cfg.LLM.MaxOutputTokens != 0 {
		def.LLM.MaxOutputTokens = cfg.LLM.MaxOutputTokens
	}
	if cfg.LLM.Temperature != 0 {
		def.LLM.Temperature = cfg.LLM.Temperature
	}
	if len(cfg.LLM.Command) != 0 {
		def.LLM.Command = cfg.LLM.Command
	}
	if cfg.LLM.InputCostPerMillion != 0 {
		def.LLM.InputCostPerMillion = cfg.LLM.InputCostPerMillion
	}
	if cfg.LLM.OutputCostPerMillion != 0 {
		def.LLM.OutputCostPerMillion = cfg.LLM.OutputCostPerMillion
	}
	// Prompt
	if cfg.Prompt.MaxFiles != 0 {
		def.Prompt.MaxFiles = cfg.Prompt.MaxFiles
	}
	if cfg.Prompt.MaxFileBytes != 0 {
		def.Prompt.MaxFileBytes = cfg.Prompt.MaxFileBytes
	}
	// Session
	if cfg.Session.MaxParallel != 0 {
		def.Session.MaxParallel = cfg.Session.MaxParallel
	}
	// Telemetry
	def.Telemetry.Enabled = def.Telemetry.Enabled || cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.MetricsFile != "" {
		def.Telemetry.MetricsFile = cfg.Telemetry.MetricsFile
	}
	// Logging
	if cfg.Logging.Level != "" {
		def.Logging.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		def.Logging.Format = cfg.Logging.Format
	}
	return def
}
