package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/budget"
	"github.com/throw-if-null/reactor/internal/llm"
	"github.com/throw-if-null/reactor/internal/prompt"
	"github.com/throw-if-null/reactor/internal/sandbox"
	"github.com/throw-if-null/reactor/internal/telemetry"
	"github.com/throw-if-null/reactor/internal/testrunner"
)

// run is the mutable state of one Controller.Run call.
type run struct {
	c    *Controller
	ctx  context.Context
	task api.Task
	log  *slog.Logger
	span trace.Span

	state    api.State
	report   *api.Report
	sb       *api.Sandbox
	breaker  *testrunner.Breaker
	touched  map[string]bool
	feedback string

	// current iteration
	cur      *api.Iteration
	iterSpan trace.Span
	prompt   string
	readOnly bool
}

func newRun(ctx context.Context, c *Controller, task api.Task) *run {
	ctx, span := telemetry.Tracer().Start(ctx, "reactor.task",
		trace.WithAttributes(attribute.String("task.id", task.TaskID)))
	span.AddEvent("task.started")
	return &run{
		c:       c,
		ctx:     ctx,
		task:    task,
		log:     c.log.With("task_id", task.TaskID),
		span:    span,
		state:   api.StateInit,
		breaker: testrunner.NewBreaker(c.opts.MaxConsecutiveTimeouts),
		touched: map[string]bool{},
		report: &api.Report{
			TaskID:    task.TaskID,
			Prompt:    task.Prompt,
			DryRun:    c.opts.DryRun,
			StartedAt: c.now().UTC(),
		},
	}
}

func (r *run) transition(to api.State) {
	from := r.state
	r.state = to
	r.report.Transitions = append(r.report.Transitions, api.Transition{From: from, To: to, At: r.c.now().UTC()})
	r.log.Debug("state transition", "from", from, "to", to)
	r.span.AddEvent("state."+string(to))
	if m := r.c.deps.Metrics; m != nil {
		m.Transitions.WithLabelValues(string(to)).Inc()
	}
	if !to.Terminal() {
		r.persistState("")
	}
}

func (r *run) persistState(reason string) {
	st := r.c.deps.Store
	if st == nil {
		return
	}
	path := ""
	if r.sb != nil {
		path = r.sb.Root
	}
	if err := st.UpdateTaskState(r.task.TaskID, r.state, reason, path); err != nil {
		r.log.Warn("persist task state failed", "state", r.state, "error", err)
	}
}

// abort records err as the reason the task stops and closes any open
// iteration. It returns the state to move to.
func (r *run) abort(err error) api.State {
	r.report.AbortReason = err.Error()
	r.log.Error("task aborted", "state", r.state, "error", err)
	r.span.RecordError(err)
	if r.cur != nil {
		r.cur.Feedback = err.Error()
		r.finishIteration(api.IterationAborted)
	}
	return api.StateAborted
}

func (r *run) init() api.State {
	b := r.c.deps.Budget
	if mode := b.CheckBeforeCall(); mode == api.BudgetDenied {
		return r.abort(fatal(api.StateInit, budget.ErrDenied))
	}
	sb, err := r.c.deps.Sandboxes.Create(r.ctx, r.task)
	if err != nil {
		return r.abort(fatal(api.StateInit, err))
	}
	if r.c.opts.DryRun && !sb.Isolated() {
		r.sb = sb
		return r.abort(fatal(api.StateInit, errors.New("dry run needs an isolated sandbox")))
	}
	r.sb = sb
	r.report.SandboxMode = sb.Mode
	r.log.Info("sandbox ready", "mode", sb.Mode, "root", sb.Root)
	return api.StateBuildContext
}

func (r *run) buildContext() api.State {
	mode := r.c.deps.Budget.CheckBeforeCall()
	if mode == api.BudgetDenied {
		return r.abort(fatal(api.StateBuildContext, budget.ErrDenied))
	}
	r.readOnly = mode == api.BudgetReadOnly

	seq := len(r.report.Iterations) + 1
	r.cur = &api.Iteration{Seq: seq, StartedAt: r.c.now().UTC()}
	_, r.iterSpan = telemetry.Tracer().Start(r.ctx, "reactor.iteration",
		trace.WithAttributes(
			attribute.String("task.id", r.task.TaskID),
			attribute.Int("iteration.seq", seq),
			attribute.Bool("iteration.read_only", r.readOnly),
		))

	text, err := r.c.deps.Builder.Build(r.ctx, prompt.Request{
		TaskPrompt:   r.task.Prompt,
		PriorFailure: r.feedback,
		Root:         r.sb.Root,
		ExplainOnly:  r.readOnly,
	})
	if err != nil {
		return r.abort(fatal(api.StateBuildContext, err))
	}
	if limit := r.c.deps.Budget.MaxPromptChars(); limit > 0 {
		if cut, ok := prompt.TruncateHeadTail(text, limit); ok {
			r.log.Warn("prompt truncated", "chars", utf8.RuneCountInString(text), "max", limit)
			text = cut
		}
	}
	r.prompt = text
	r.log.Info("iteration started", "seq", seq, "read_only", r.readOnly, "prompt_chars", utf8.RuneCountInString(text))
	return api.StateCallLLM
}

func (r *run) callLLM() api.State {
	var estimate float64
	if e, ok := r.c.deps.Client.(llm.Estimator); ok {
		estimate = e.EstimateCost(r.prompt)
	}
	res, mode := r.c.deps.Budget.Reserve(estimate)
	if mode == api.BudgetDenied {
		return r.abort(fatal(api.StateCallLLM, budget.ErrDenied))
	}
	if mode == api.BudgetReadOnly && !r.readOnly {
		// The prompt asked for a diff; whatever comes back is not applied.
		r.log.Warn("budget became read-only before the call, response will not be applied")
		r.readOnly = true
	}

	comp, err := r.c.deps.Client.Complete(r.ctx, r.prompt)
	if err != nil {
		res.Release()
		if !errors.Is(err, llm.ErrCall) {
			err = fmt.Errorf("%w: %w", llm.ErrCall, err)
		}
		return r.abort(fatal(api.StateCallLLM, err))
	}
	if err := res.Commit(comp.TokensIn, comp.TokensOut, comp.Cost); err != nil {
		return r.abort(fatal(api.StateCallLLM, err))
	}

	r.cur.TokensIn, r.cur.TokensOut, r.cur.Cost = comp.TokensIn, comp.TokensOut, comp.Cost
	r.report.TokensIn += comp.TokensIn
	r.report.TokensOut += comp.TokensOut
	r.report.Cost += comp.Cost
	if m := r.c.deps.Metrics; m != nil {
		m.LLMTokens.WithLabelValues("in").Add(float64(comp.TokensIn))
		m.LLMTokens.WithLabelValues("out").Add(float64(comp.TokensOut))
		m.LLMCost.Add(comp.Cost)
	}
	r.iterSpan.AddEvent("llm.completed", trace.WithAttributes(
		attribute.Int("tokens.in", comp.TokensIn),
		attribute.Int("tokens.out", comp.TokensOut),
	))

	if r.readOnly {
		r.cur.Explanation = comp.Text
		r.finishIteration(api.IterationReadOnly)
		return api.StateEvaluate
	}
	r.cur.Diff = comp.Text
	return api.StateApplyPatch
}

func (r *run) applyPatch() api.State {
	res := r.c.deps.Patcher.Apply(r.sb.Root, r.cur.Diff)
	r.cur.Patch = &res
	if m := r.c.deps.Metrics; m != nil {
		m.PatchResults.WithLabelValues(string(res.Outcome)).Inc()
	}
	r.iterSpan.AddEvent("patch."+string(res.Outcome))
	if res.Outcome.Failed() {
		r.log.Warn("patch rejected", "outcome", res.Outcome, "error", res.Error)
		r.feedback = fmt.Sprintf("The previous diff could not be applied (%s): %s\nProduce a diff against the current file contents shown above.", res.Outcome, res.Error)
		r.cur.Feedback = r.feedback
		r.finishIteration(api.IterationPatchFailed)
		return api.StateEvaluate
	}
	for _, p := range res.Touched {
		r.touched[p] = true
	}
	r.log.Info("patch applied", "outcome", res.Outcome, "files", len(res.Touched))
	return api.StateRunTests
}

func (r *run) runTests() api.State {
	if r.c.opts.SkipTests {
		r.finishIteration(api.IterationPassed)
		return r.succeed()
	}

	// The test command runs to completion or timeout even when the task is
	// cancelled; cancellation is honoured at the next state boundary.
	res := r.c.deps.Tests.Run(context.WithoutCancel(r.ctx), r.sb.Root, r.c.opts.TestCommand, r.c.opts.TestTimeout)
	r.cur.Test = &res
	if m := r.c.deps.Metrics; m != nil {
		m.TestDuration.Observe(res.Duration.Seconds())
		if res.TimedOut {
			m.TestTimeouts.Inc()
		}
	}
	r.iterSpan.AddEvent("tests.finished", trace.WithAttributes(
		attribute.Int("exit_code", res.ExitCode),
		attribute.Bool("timed_out", res.TimedOut),
	))

	if res.Passed() {
		r.log.Info("tests passed", "duration", res.Duration)
		_ = r.breaker.Observe(res)
		r.finishIteration(api.IterationPassed)
		return r.succeed()
	}

	r.feedback = testrunner.Summarize(res).String()
	r.cur.Feedback = r.feedback
	r.log.Warn("tests failed", "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	if err := r.breaker.Observe(res); errors.Is(err, testrunner.ErrCircuitOpen) {
		r.finishIteration(api.IterationFailed)
		return r.abort(fatal(api.StateRunTests, err))
	}
	r.finishIteration(api.IterationFailed)
	return api.StateEvaluate
}

func (r *run) evaluate() api.State {
	n := len(r.report.Iterations)
	if n >= r.c.opts.MaxIterations {
		r.log.Warn("iterations exhausted", "iterations", n)
		return api.StateExhausted
	}
	return api.StateRetry
}

// succeed copies the touched files back to the origin when the sandbox is
// isolated and this is not a dry run.
func (r *run) succeed() api.State {
	rels := make([]string, 0, len(r.touched))
	for p := range r.touched {
		rels = append(rels, p)
	}
	sort.Strings(rels)

	switch {
	case len(rels) == 0:
	case !r.sb.Isolated():
		r.report.OriginalModified = true
	case r.c.opts.DryRun:
		r.log.Info("dry run, leaving origin untouched", "files", len(rels))
	default:
		written, err := sandbox.WriteBack(r.sb, rels)
		r.report.WrittenBack = written
		r.report.OriginalModified = len(written) > 0
		if err != nil {
			return r.abort(fatal(api.StateRunTests, err))
		}
		r.log.Info("changes written back", "files", len(written))
	}
	return api.StateSuccess
}

func (r *run) finishIteration(outcome api.IterationOutcome) {
	it := r.cur
	if it == nil {
		return
	}
	r.cur = nil
	it.Outcome = outcome
	it.FinishedAt = r.c.now().UTC()
	r.report.Iterations = append(r.report.Iterations, *it)

	if st := r.c.deps.Store; st != nil {
		if err := st.RecordIteration(r.task.TaskID, *it); err != nil {
			r.log.Warn("persist iteration failed", "seq", it.Seq, "error", err)
		}
	}
	if err := r.writeArtifacts(*it); err != nil {
		r.log.Warn("write iteration artifacts failed", "seq", it.Seq, "error", err)
	}
	if m := r.c.deps.Metrics; m != nil {
		m.Iterations.WithLabelValues(string(outcome)).Inc()
	}
	if r.iterSpan != nil {
		r.iterSpan.SetAttributes(attribute.String("iteration.outcome", string(outcome)))
		if outcome == api.IterationPassed || outcome == api.IterationReadOnly {
			r.iterSpan.SetStatus(codes.Ok, "")
		} else {
			r.iterSpan.SetStatus(codes.Error, string(outcome))
		}
		r.iterSpan.End()
		r.iterSpan = nil
	}
	r.log.Info("iteration finished", "seq", it.Seq, "outcome", outcome)
}

func (r *run) finish() {
	rep := r.report
	rep.FinalState = r.state
	rep.IterationCount = len(rep.Iterations)

	if r.sb != nil && r.sb.Isolated() {
		keep := r.c.opts.KeepSandbox
		if err := r.c.deps.Sandboxes.Teardown(context.WithoutCancel(r.ctx), r.sb, keep); err != nil {
			r.log.Warn("sandbox teardown failed", "root", r.sb.Root, "error", err)
			keep = true
		}
		if keep {
			rep.SandboxPath = r.sb.Root
		}
	}
	rep.FinishedAt = r.c.now().UTC()

	r.persistState(rep.AbortReason)
	if m := r.c.deps.Metrics; m != nil {
		m.Tasks.WithLabelValues(string(r.state)).Inc()
	}
	r.span.SetAttributes(
		attribute.String("task.final_state", string(r.state)),
		attribute.Int("task.iterations", rep.IterationCount),
	)
	if r.state == api.StateSuccess {
		r.span.AddEvent("task.completed")
		r.span.SetStatus(codes.Ok, "")
	} else {
		r.span.SetStatus(codes.Error, string(r.state))
	}
	r.log.Info("task finished", "state", r.state, "iterations", rep.IterationCount, "cost", rep.Cost)
}
