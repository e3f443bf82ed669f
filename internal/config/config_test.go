package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	d, err := os.MkdirTemp("", "reactor-config-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(d) })
	rr := filepath.Join(d, ".reactor")
	if err := os.Mkdir(rr, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rr, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestLoad_Missing(t *testing.T) {
	d, err := os.MkdirTemp("", "reactor-config-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(d)

	res := Load(d)
	if res.Found {
		t.Fatalf("expected not found")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	def := Default()
	if res.Config.Loop.MaxIterations != def.Loop.MaxIterations {
		t.Fatalf("unexpected default max iterations: %d", res.Config.Loop.MaxIterations)
	}
	if res.Config.Budget.ReadOnlyRatio != 0.9 {
		t.Fatalf("unexpected default read-only ratio: %v", res.Config.Budget.ReadOnlyRatio)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_ValidOverrides(t *testing.T) {
	d := writeConfig(t, `
[loop]
max_iterations = 5
skip_tests = true

[budget]
monthly_cap_usd = 2.5
scope = "task"

[tests]
command = "make test"
timeout_sec = 30

[llm]
provider = "command"
command = ["./fake-llm.sh"]
`)
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	c := res.Config
	if c.Loop.MaxIterations != 5 || !c.Loop.SkipTests {
		t.Fatalf("loop overrides not applied: %+v", c.Loop)
	}
	if c.Budget.MonthlyCapUSD != 2.5 || c.Budget.Scope != "task" {
		t.Fatalf("budget overrides not applied: %+v", c.Budget)
	}
	// untouched fields keep defaults
	if c.Budget.ReadOnlyRatio != 0.9 || c.Budget.MaxRequests != 100 {
		t.Fatalf("budget defaults lost: %+v", c.Budget)
	}
	if c.Tests.Command != "make test" || c.Tests.TimeoutSec != 30 || c.Tests.MaxConsecutiveTimeouts != 3 {
		t.Fatalf("tests overrides not applied: %+v", c.Tests)
	}
	if c.LLM.Provider != "command" || len(c.LLM.Command) != 1 {
		t.Fatalf("llm overrides not applied: %+v", c.LLM)
	}
}

func TestLoad_InvalidToml(t *testing.T) {
	d := writeConfig(t, "x = [1,\n")
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	d := writeConfig(t, `
[sandbox]
mode = "chroot"
`)
	res := Load(d)
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown sandbox mode, got %v", res.ParseError)
	}
}

func TestValidate_DryRunNeedsIsolation(t *testing.T) {
	c := Default()
	c.Loop.DryRun = true
	c.Sandbox.Mode = "none"
	if err := c.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"REACTOR_LLM_PROVIDER": "openai",
		"REACTOR_TEST_CMD":     "pytest -q",
	}
	c := Default().ApplyEnv(func(k string) string { return env[k] })
	if c.LLM.Provider != "openai" {
		t.Fatalf("provider not overridden: %q", c.LLM.Provider)
	}
	if c.Tests.Command != "pytest -q" {
		t.Fatalf("test command not overridden: %q", c.Tests.Command)
	}
	if c.LLM.Model != Default().LLM.Model {
		t.Fatalf("model should be unchanged")
	}
}

func TestSandboxRoot(t *testing.T) {
	c := Default()
	if got := c.SandboxRoot("/repo"); got != filepath.Join("/repo", ".reactor", "sandboxes") {
		t.Fatalf("unexpected sandbox root %q", got)
	}
	c.Sandbox.Root = "/tmp/boxes"
	if got := c.SandboxRoot("/repo"); got != "/tmp/boxes" {
		t.Fatalf("absolute root should be kept, got %q", got)
	}
}

func TestTestsTimeout(t *testing.T) {
	c := Default()
	if got := c.Tests.Timeout(); got != 300*time.Second {
		t.Fatalf("default timeout = %v", got)
	}
	c.Tests.TimeoutMS = 500
	if got := c.Tests.Timeout(); got != 500*time.Millisecond {
		t.Fatalf("timeout_ms not preferred: %v", got)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("sub-second timeout rejected: %v", err)
	}
	c.Tests.TimeoutMS = 0
	c.Tests.TimeoutSec = 0
	if err := c.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for zero timeout, got %v", err)
	}
}
