package api

import "time"

// NoChanges is the literal a model returns when it believes no edit is needed.
const NoChanges = "NO_CHANGES"

type State string

const (
	StateInit         State = "init"
	StateBuildContext State = "build_context"
	StateCallLLM      State = "call_llm"
	StateApplyPatch   State = "apply_patch"
	StateRunTests     State = "run_tests"
	StateEvaluate     State = "evaluate"
	StateRetry        State = "retry"
	StateSuccess      State = "success"
	StateExhausted    State = "exhausted"
	StateAborted      State = "aborted"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateExhausted || s == StateAborted
}

type SandboxMode string

const (
	SandboxCopy     SandboxMode = "copy"
	SandboxWorktree SandboxMode = "worktree"
	SandboxNone     SandboxMode = "none"
)

type BudgetMode string

const (
	BudgetNormal   BudgetMode = "normal"
	BudgetReadOnly BudgetMode = "read_only"
	BudgetDenied   BudgetMode = "denied"
)

type PatchOutcome string

const (
	PatchApplied           PatchOutcome = "applied"
	PatchNoOp              PatchOutcome = "noop"
	PatchParseError        PatchOutcome = "parse_error"
	PatchApplyError        PatchOutcome = "apply_error"
	PatchSecurityViolation PatchOutcome = "security_violation"
)

// Failed reports whether the outcome should be treated like a failing test run.
func (o PatchOutcome) Failed() bool {
	return o == PatchParseError || o == PatchApplyError || o == PatchSecurityViolation
}

type IterationOutcome string

const (
	IterationPassed      IterationOutcome = "passed"
	IterationFailed      IterationOutcome = "failed"
	IterationPatchFailed IterationOutcome = "patch_failed"
	IterationReadOnly    IterationOutcome = "read_only"
	IterationAborted     IterationOutcome = "aborted"
)

type Task struct {
	TaskID    string    `json:"task_id"`
	Prompt    string    `json:"prompt"`
	RepoPath  string    `json:"repo_path"`
	CreatedAt time.Time `json:"created_at"`
}

type Sandbox struct {
	Root      string      `json:"root"`
	Origin    string      `json:"origin"`
	Mode      SandboxMode `json:"mode"`
	CreatedAt time.Time   `json:"created_at"`
}

// Isolated reports whether edits in the sandbox leave Origin untouched.
func (s *Sandbox) Isolated() bool {
	return s != nil && s.Mode != SandboxNone
}

type PatchResult struct {
	Outcome  PatchOutcome `json:"outcome"`
	Touched  []string     `json:"touched,omitempty"`
	Snapshot string       `json:"snapshot,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type TestResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration_ns"`
	TimedOut bool          `json:"timed_out"`
}

// Passed reports a zero exit code from a run that finished in time.
func (r *TestResult) Passed() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

type Iteration struct {
	Seq         int              `json:"seq"`
	Diff        string           `json:"diff,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
	Patch       *PatchResult     `json:"patch,omitempty"`
	Test        *TestResult      `json:"test,omitempty"`
	TokensIn    int              `json:"tokens_in"`
	TokensOut   int              `json:"tokens_out"`
	Cost        float64          `json:"cost"`
	Outcome     IterationOutcome `json:"outcome"`
	Feedback    string           `json:"feedback,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}

type BudgetState struct {
	TokensUsed   int        `json:"tokens_used"`
	DollarsSpent float64    `json:"dollars_spent"`
	Reserved     float64    `json:"reserved"`
	Cap          float64    `json:"cap"`
	Requests     int        `json:"requests"`
	MaxRequests  int        `json:"max_requests"`
	Mode         BudgetMode `json:"mode"`
}

type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

type Report struct {
	TaskID           string       `json:"task_id"`
	Prompt           string       `json:"prompt"`
	FinalState       State        `json:"final_state"`
	AbortReason      string       `json:"abort_reason,omitempty"`
	Iterations       []Iteration  `json:"iterations"`
	IterationCount   int          `json:"iteration_count"`
	TokensIn         int          `json:"tokens_in"`
	TokensOut        int          `json:"tokens_out"`
	Cost             float64      `json:"cost"`
	SandboxPath      string       `json:"sandbox_path,omitempty"`
	SandboxMode      SandboxMode  `json:"sandbox_mode"`
	DryRun           bool         `json:"dry_run"`
	OriginalModified bool         `json:"original_modified"`
	WrittenBack      []string     `json:"written_back,omitempty"`
	Transitions      []Transition `json:"transitions,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
}

// LedgerEntry is one append-only budget log record.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	SessionID    string    `json:"session_id"`
	TaskID       string    `json:"task_id"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	Cost         float64   `json:"cost"`
	RunningTotal float64   `json:"running_total"`
}
