// Package session runs a batch of tasks against one repository: it owns the
// ledger database, the shared budget guardrail, and the cancellation
// registry, and runs tasks concurrently up to the configured limit.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/budget"
	"github.com/throw-if-null/reactor/internal/config"
	"github.com/throw-if-null/reactor/internal/llm"
	"github.com/throw-if-null/reactor/internal/loop"
	"github.com/throw-if-null/reactor/internal/patch"
	"github.com/throw-if-null/reactor/internal/paths"
	"github.com/throw-if-null/reactor/internal/prompt"
	"github.com/throw-if-null/reactor/internal/report"
	"github.com/throw-if-null/reactor/internal/sandbox"
	"github.com/throw-if-null/reactor/internal/store"
	"github.com/throw-if-null/reactor/internal/telemetry"
	"github.com/throw-if-null/reactor/internal/testrunner"

	_ "modernc.org/sqlite"
)

type Option func(*options)

type options struct {
	sessionID string
	log       *slog.Logger
	client    llm.Client
	tests     loop.TestRunner
	now       func() time.Time
}

// WithSessionID resumes an existing session instead of starting a new one.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClient replaces the client built from the llm config.
func WithClient(c llm.Client) Option {
	return func(o *options) { o.client = c }
}

// WithTestRunner replaces the process-group test runner.
func WithTestRunner(r loop.TestRunner) Option {
	return func(o *options) { o.tests = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type Session struct {
	ID string

	cfg       config.Config
	repo      string
	db        *sql.DB
	store     *store.Store
	guard     *budget.Guardrail
	sandboxes *sandbox.Manager
	client    llm.Client
	tests     loop.TestRunner
	metrics   *telemetry.Metrics
	cancels   *Cancellers
	log       *slog.Logger
	now       func() time.Time
}

// Open prepares a session for repoRoot: it opens the ledger under the state
// directory, marks tasks interrupted by a previous crash as aborted, and
// rebuilds the budget from the ledger.
func Open(ctx context.Context, repoRoot string, cfg config.Config, opts ...Option) (*Session, error) {
	o := options{log: slog.Default(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	repo, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, err
	}

	db, st, err := OpenStore(repo)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		repo:    repo,
		db:      db,
		store:   st,
		client:  o.client,
		tests:   o.tests,
		metrics: telemetry.NewMetrics(),
		cancels: NewCancellers(),
		log:     o.log,
		now:     o.now,
	}
	fail := func(err error) (*Session, error) {
		_ = db.Close()
		return nil, err
	}

	if ids, err := st.ReconcileInFlightTasks(); err != nil {
		return fail(fmt.Errorf("reconcile tasks: %w", err))
	} else if len(ids) > 0 {
		s.log.Warn("marked interrupted tasks as aborted", "tasks", ids)
	}

	s.ID = o.sessionID
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	s.log = s.log.With("session_id", s.ID)

	s.guard, err = budget.Open(st, BudgetConfig(cfg.Budget), s.ID, budget.WithLogger(s.log), budget.WithClock(o.now))
	if err != nil {
		return fail(err)
	}

	s.sandboxes, err = sandbox.New(sandbox.Config{
		Root: cfg.SandboxRoot(repo),
		Mode: api.SandboxMode(cfg.Sandbox.Mode),
	}, sandbox.WithLogger(s.log), sandbox.WithClock(o.now))
	if err != nil {
		return fail(err)
	}

	if s.client == nil {
		s.client, err = llm.New(ctx, LLMConfig(cfg.LLM), llm.WithLogger(s.log))
		if err != nil {
			return fail(err)
		}
	}
	if s.tests == nil {
		s.tests = testrunner.New(testrunner.WithKillGrace(cfg.Tests.KillGrace()), testrunner.WithLogger(s.log))
	}
	s.log.Info("session opened", "repo", repo, "sandbox", cfg.Sandbox.Mode, "budget", s.guard.Snapshot().Mode)
	return s, nil
}

// OpenStore opens and migrates the ledger database under repo's state
// directory.
func OpenStore(repo string) (*sql.DB, *store.Store, error) {
	dbPath, err := paths.SafeJoin(repo, paths.DBFile())
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer; concurrent tasks queue on the pool instead of failing busy
	db.SetMaxOpenConns(1)
	st := store.New(db)
	if err := st.Init(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	return db, st, nil
}

// BudgetConfig maps the [budget] section to guardrail settings.
func BudgetConfig(c config.BudgetConfig) budget.Config {
	return budget.Config{
		MonthlyCap:     c.MonthlyCapUSD,
		TaskCap:        c.TaskCapUSD,
		MaxRequests:    c.MaxRequests,
		MaxPromptChars: c.MaxPromptChars,
		ReadOnlyRatio:  c.ReadOnlyRatio,
		Scope:          budget.Scope(c.Scope),
	}
}

// LLMConfig maps the [llm] section to client settings.
func LLMConfig(c config.LLMConfig) llm.Config {
	out := llm.Config{
		Provider:          c.Provider,
		Model:             c.Model,
		APIKeyEnv:         c.APIKeyEnv,
		BaseURL:           c.BaseURL,
		Timeout:           c.RequestTimeout(),
		RequestsPerMinute: c.RequestsPerMinute,
		MaxOutputTokens:   c.MaxOutputTokens,
		Temperature:       c.Temperature,
		Command:           c.Command,
	}
	if c.InputCostPerMillion > 0 || c.OutputCostPerMillion > 0 {
		out.Pricing = &llm.Pricing{InputPerMillion: c.InputCostPerMillion, OutputPerMillion: c.OutputCostPerMillion}
	}
	return out
}

func (s *Session) Repo() string { return s.repo }

func (s *Session) Budget() *budget.Guardrail { return s.guard }

func (s *Session) Metrics() *telemetry.Metrics { return s.metrics }

func (s *Session) Cancellers() *Cancellers { return s.cancels }

// Run runs tasks concurrently, at most session.max_parallel at a time, and
// returns their reports in input order. Each report is also written to the
// task's runs directory.
func (s *Session) Run(ctx context.Context, tasks []api.Task) []*api.Report {
	ctx, span := telemetry.Tracer().Start(ctx, "reactor.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int("session.tasks", len(tasks)),
	))
	defer span.End()

	reports := make([]*api.Report, len(tasks))
	var g errgroup.Group
	g.SetLimit(max(1, s.cfg.Session.MaxParallel))
	for i, t := range tasks {
		g.Go(func() error {
			reports[i] = s.runTask(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	if path := s.cfg.Telemetry.MetricsFile; path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			s.log.Warn("write metrics file failed", "path", path, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("session.exit_code", ExitCode(reports)))
	return reports
}

func (s *Session) runTask(ctx context.Context, task api.Task) *api.Report {
	log := s.log.With("task_id", task.TaskID)

	if _, existed, err := s.store.CreateTaskOrGetExisting(task, s.ID); err != nil {
		return s.rejected(task, fmt.Sprintf("record task: %v", err))
	} else if existed {
		return s.rejected(task, fmt.Sprintf("task id %q was already used", task.TaskID))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancels.Register(task.TaskID, cancel)
	defer func() {
		s.cancels.Unregister(task.TaskID)
		cancel()
	}()

	ctrl, err := loop.New(loop.Options{
		MaxIterations:          s.cfg.Loop.MaxIterations,
		SkipTests:              s.cfg.Loop.SkipTests,
		DryRun:                 s.cfg.Loop.DryRun,
		KeepSandbox:            s.cfg.Loop.KeepSandbox,
		TestCommand:            s.cfg.Tests.Command,
		TestTimeout:            s.cfg.Tests.Timeout(),
		MaxConsecutiveTimeouts: s.cfg.Tests.MaxConsecutiveTimeouts,
		ArtifactsRoot:          s.repo,
	}, loop.Deps{
		Budget:    s.guard.ForTask(task.TaskID),
		Sandboxes: s.sandboxes,
		Builder:   prompt.FileContext{MaxFiles: s.cfg.Prompt.MaxFiles, MaxFileBytes: s.cfg.Prompt.MaxFileBytes},
		Client:    s.client,
		Patcher:   patch.New(patch.WithLogger(log)),
		Tests:     s.tests,
		Store:     s.store,
		Metrics:   s.metrics,
		Logger:    log,
		Clock:     s.now,
	})
	if err != nil {
		return s.rejected(task, err.Error())
	}

	rep := ctrl.Run(ctx, task)
	if path, err := report.WriteFile(s.repo, rep); err != nil {
		log.Warn("write report failed", "error", err)
	} else {
		log.Debug("report written", "path", path)
	}
	return rep
}

// rejected is the report for a task that never reached the loop.
func (s *Session) rejected(task api.Task, reason string) *api.Report {
	s.log.Error("task rejected", "task_id", task.TaskID, "reason", reason)
	now := s.now().UTC()
	return &api.Report{
		TaskID:      task.TaskID,
		Prompt:      task.Prompt,
		FinalState:  api.StateAborted,
		AbortReason: reason,
		SandboxMode: s.sandboxes.Mode(),
		DryRun:      s.cfg.Loop.DryRun,
		StartedAt:   now,
		FinishedAt:  now,
	}
}

// Cancel stops one running task at its next state boundary.
func (s *Session) Cancel(taskID string) bool {
	return s.cancels.Cancel(taskID)
}

// Close denies further budget use and closes the ledger.
func (s *Session) Close() error {
	_ = s.guard.Close()
	return s.db.Close()
}
