// Package loop drives one task through the propose, apply, test and retry
// cycle until it succeeds, runs out of iterations, or is aborted.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/budget"
	"github.com/throw-if-null/reactor/internal/llm"
	"github.com/throw-if-null/reactor/internal/prompt"
	"github.com/throw-if-null/reactor/internal/telemetry"
)

// Budget is the guardrail view a single task uses.
type Budget interface {
	CheckBeforeCall() api.BudgetMode
	Reserve(estimate float64) (*budget.Reservation, api.BudgetMode)
	MaxPromptChars() int
}

type Sandboxes interface {
	Create(ctx context.Context, task api.Task) (*api.Sandbox, error)
	Teardown(ctx context.Context, sb *api.Sandbox, keep bool) error
}

type Patcher interface {
	Apply(root, text string) api.PatchResult
}

type TestRunner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration) api.TestResult
}

// Recorder persists task progress. Failures are logged, never fatal.
type Recorder interface {
	UpdateTaskState(taskID string, state api.State, abortReason, sandboxPath string) error
	RecordIteration(taskID string, it api.Iteration) error
}

// Options are the per-run policy knobs.
type Options struct {
	MaxIterations          int
	SkipTests              bool
	DryRun                 bool
	KeepSandbox            bool
	TestCommand            string
	TestTimeout            time.Duration
	MaxConsecutiveTimeouts int
	// ArtifactsRoot is the repository whose state directory receives
	// per-iteration artifacts. Empty disables them.
	ArtifactsRoot string
}

// Deps are the collaborators a controller drives. Store and Metrics are
// optional.
type Deps struct {
	Budget    Budget
	Sandboxes Sandboxes
	Builder   prompt.Builder
	Client    llm.Client
	Patcher   Patcher
	Tests     TestRunner
	Store     Recorder
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Controller struct {
	opts Options
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

func New(opts Options, deps Deps) (*Controller, error) {
	switch {
	case deps.Budget == nil:
		return nil, errors.New("loop: budget is required")
	case deps.Sandboxes == nil:
		return nil, errors.New("loop: sandbox manager is required")
	case deps.Builder == nil:
		return nil, errors.New("loop: prompt builder is required")
	case deps.Client == nil:
		return nil, errors.New("loop: llm client is required")
	case deps.Patcher == nil:
		return nil, errors.New("loop: patcher is required")
	case deps.Tests == nil && !opts.SkipTests:
		return nil, errors.New("loop: test runner is required unless tests are skipped")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 3
	}
	if opts.MaxConsecutiveTimeouts <= 0 {
		opts.MaxConsecutiveTimeouts = 3
	}
	c := &Controller{opts: opts, deps: deps, log: deps.Logger, now: deps.Clock}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Run drives task to a terminal state and returns its report. It never
// returns nil; failures are reported through FinalState and AbortReason.
func (c *Controller) Run(ctx context.Context, task api.Task) *api.Report {
	r := newRun(ctx, c, task)
	defer r.span.End()

	for !r.state.Terminal() {
		if err := ctx.Err(); err != nil {
			r.transition(r.abort(fatal(r.state, err)))
			continue
		}
		var next api.State
		switch r.state {
		case api.StateInit:
			next = r.init()
		case api.StateBuildContext:
			next = r.buildContext()
		case api.StateCallLLM:
			next = r.callLLM()
		case api.StateApplyPatch:
			next = r.applyPatch()
		case api.StateRunTests:
			next = r.runTests()
		case api.StateEvaluate:
			next = r.evaluate()
		case api.StateRetry:
			next = api.StateBuildContext
		default:
			next = r.abort(fatal(r.state, errors.New("unknown state")))
		}
		r.transition(next)
	}
	r.finish()
	return r.report
}
