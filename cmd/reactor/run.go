package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/config"
	"github.com/throw-if-null/reactor/internal/logging"
	"github.com/throw-if-null/reactor/internal/report"
	"github.com/throw-if-null/reactor/internal/session"
	"github.com/throw-if-null/reactor/internal/telemetry"
	"github.com/throw-if-null/reactor/internal/version"
)

type runFlags struct {
	prompts     []string
	tasksFile   string
	repo        string
	sandbox     string
	dryRun      bool
	keepSandbox bool
	skipTests   bool
	testCmd     string
	testTimeout time.Duration
	maxIter     int
	session     string
	json        bool
	metricsFile string
	logLevel    string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more tasks against a repository",
		Example: `  reactor run --prompt "Add hello_world() to lib"
  reactor run --tasks batch.yaml --sandbox worktree --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringArrayVarP(&f.prompts, "prompt", "p", nil, "task prompt (repeatable, one task each)")
	fl.StringVar(&f.tasksFile, "tasks", "", "YAML file listing tasks")
	fl.StringVar(&f.repo, "repo", "", "repository root (default: current directory)")
	fl.StringVar(&f.sandbox, "sandbox", "", "sandbox mode: copy, worktree or none")
	fl.BoolVar(&f.dryRun, "dry-run", false, "never modify the repository")
	fl.BoolVar(&f.keepSandbox, "keep-sandbox", false, "keep sandboxes after the run")
	fl.BoolVar(&f.skipTests, "skip-tests", false, "accept any applied patch without running tests")
	fl.StringVar(&f.testCmd, "test-cmd", "", "test command run in the sandbox")
	fl.DurationVar(&f.testTimeout, "test-timeout", 0, "wall-clock limit per test run")
	fl.IntVar(&f.maxIter, "max-iterations", 0, "maximum iterations per task")
	fl.StringVar(&f.session, "session", "", "resume the budget counters of this session")
	fl.BoolVar(&f.json, "json", false, "print reports as JSON")
	fl.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// loadConfig resolves the repository and layers .env, the config file,
// REACTOR_* variables and flags, in that order.
func loadConfig(repoFlag string) (string, config.Config, error) {
	repo := repoFlag
	if repo == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", config.Config{}, err
		}
		repo = wd
	}
	repo, err := filepath.Abs(repo)
	if err != nil {
		return "", config.Config{}, err
	}
	if fi, err := os.Stat(repo); err != nil || !fi.IsDir() {
		return "", config.Config{}, fmt.Errorf("repository %s is not a directory", repo)
	}

	envFile := filepath.Join(repo, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return "", config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	res := config.Load(repo)
	if res.ParseError != nil {
		return "", config.Config{}, fmt.Errorf("%s: %w", res.Path, res.ParseError)
	}
	return repo, res.Config.ApplyEnv(os.Getenv), nil
}

func (f *runFlags) apply(cmd *cobra.Command, cfg config.Config) config.Config {
	changed := cmd.Flags().Changed
	if changed("sandbox") {
		cfg.Sandbox.Mode = f.sandbox
	}
	if changed("dry-run") {
		cfg.Loop.DryRun = f.dryRun
	}
	if changed("keep-sandbox") {
		cfg.Loop.KeepSandbox = f.keepSandbox
	}
	if changed("skip-tests") {
		cfg.Loop.SkipTests = f.skipTests
	}
	if changed("test-cmd") {
		cfg.Tests.Command = f.testCmd
	}
	if changed("test-timeout") {
		cfg.Tests.TimeoutMS = int(f.testTimeout / time.Millisecond)
	}
	if changed("max-iterations") {
		cfg.Loop.MaxIterations = f.maxIter
	}
	if changed("metrics-file") {
		cfg.Telemetry.MetricsFile = f.metricsFile
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	return cfg
}

func runTasks(cmd *cobra.Command, f *runFlags) error {
	if len(f.prompts) == 0 && f.tasksFile == "" {
		return errors.New("nothing to do: pass --prompt or --tasks")
	}
	repo, cfg, err := loadConfig(f.repo)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("test-timeout") && f.testTimeout < time.Millisecond {
		return fmt.Errorf("%w: --test-timeout must be at least 1ms", config.ErrInvalid)
	}
	cfg = f.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}

	var tasks []api.Task
	if f.tasksFile != "" {
		loaded, err := session.LoadTasks(f.tasksFile)
		if err != nil {
			return err
		}
		tasks = append(tasks, loaded...)
	}
	for _, p := range f.prompts {
		tasks = append(tasks, api.Task{Prompt: p})
	}
	tasks, err = session.Prepare(tasks, repo, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "reactor",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	sess, err := session.Open(ctx, repo, cfg, session.WithSessionID(f.session), session.WithLogger(log))
	if err != nil {
		return err
	}
	defer sess.Close()

	stop := onInterrupt(log, sess, cancel)
	defer stop()

	reps := sess.Run(ctx, tasks)

	out := cmd.OutOrStdout()
	if f.json || !isTerminal(out) {
		err = report.WriteJSON(out, reps...)
	} else {
		err = report.WriteText(out, reps...)
	}
	if err != nil {
		return err
	}
	if code := session.ExitCode(reps); code != session.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// onInterrupt cancels every running task on SIGINT or SIGTERM. Tasks stop at
// their next state boundary and tear down their sandboxes.
func onInterrupt(log *slog.Logger, sess *session.Session, cancel context.CancelFunc) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				n := sess.Cancellers().CancelAll()
				log.Warn("signal received, stopping tasks", "signal", sig.String(), "running", n)
				cancel()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
