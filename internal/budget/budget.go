// Package budget enforces the monetary and request limits shared by every
// task in a session.
//
// A Guardrail is created once per session and handed to each task loop. All
// mutation goes through a single mutex, so concurrent tasks observe a
// consistent mode. Callers that make an external call should Reserve an
// estimate first and Commit the actual usage afterwards; the held estimate
// counts towards the cap while the call is in flight.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/throw-if-null/reactor/internal/api"
)

var (
	// ErrReadOnly is returned when a patch-producing call is attempted in read-only mode.
	ErrReadOnly = errors.New("budget read-only")
	// ErrDenied is returned once the cap or the request limit has been reached.
	ErrDenied = errors.New("budget denied")
	// ErrPromptTooLong is returned by CheckPrompt for prompts over the limit.
	ErrPromptTooLong = errors.New("prompt exceeds maximum length")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("budget guardrail closed")
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTask   Scope = "task"
)

type Config struct {
	// MonthlyCap is the hard dollar cap for the calendar month. Zero disables it.
	MonthlyCap float64
	// TaskCap is the per-task dollar cap used when Scope is ScopeTask.
	// Defaults to MonthlyCap.
	TaskCap        float64
	MaxRequests    int
	MaxPromptChars int
	ReadOnlyRatio  float64
	Scope          Scope
}

// Ledger persists every recorded call and reconstructs totals on restart.
type Ledger interface {
	AppendLedger(e api.LedgerEntry) (int64, error)
	SpendSince(t time.Time) (float64, error)
	SessionUsage(sessionID string) (tokens int, requests int, cost float64, err error)
}

type Option func(*Guardrail)

func WithLogger(l *slog.Logger) Option {
	return func(g *Guardrail) { g.log = l }
}

// WithClock replaces time.Now; used by tests crossing month boundaries.
func WithClock(now func() time.Time) Option {
	return func(g *Guardrail) { g.now = now }
}

type usage struct {
	spent    float64
	reserved float64
	tokens   int
	requests int
	lastMode api.BudgetMode
}

type Guardrail struct {
	mu sync.Mutex

	cfg       Config
	ledger    Ledger
	sessionID string
	log       *slog.Logger
	now       func() time.Time

	monthStart   time.Time
	monthSpent   float64
	sessionSpent float64
	reserved     float64
	inFlight     int
	tokens       int
	requests     int
	lastMode     api.BudgetMode
	closed       bool

	tasks map[string]*usage
}

// New returns a guardrail with zeroed counters and no ledger.
func New(cfg Config, opts ...Option) *Guardrail {
	if cfg.ReadOnlyRatio <= 0 || cfg.ReadOnlyRatio > 1 {
		cfg.ReadOnlyRatio = 0.9
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}
	if cfg.TaskCap <= 0 {
		cfg.TaskCap = cfg.MonthlyCap
	}
	g := &Guardrail{
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		tasks:    map[string]*usage{},
		lastMode: api.BudgetNormal,
	}
	for _, o := range opts {
		o(g)
	}
	g.monthStart = startOfMonth(g.now())
	return g
}

// Open returns a guardrail whose counters are rebuilt from ledger: dollars for
// the current calendar month across all sessions, tokens and request counts
// for sessionID.
func Open(ledger Ledger, cfg Config, sessionID string, opts ...Option) (*Guardrail, error) {
	g := New(cfg, opts...)
	g.ledger = ledger
	g.sessionID = sessionID
	if ledger == nil {
		return g, nil
	}
	spent, err := ledger.SpendSince(g.monthStart)
	if err != nil {
		return nil, fmt.Errorf("reconstruct month spend: %w", err)
	}
	tokens, requests, cost, err := ledger.SessionUsage(sessionID)
	if err != nil {
		return nil, fmt.Errorf("reconstruct session usage: %w", err)
	}
	g.monthSpent = spent
	g.tokens = tokens
	g.requests = requests
	g.sessionSpent = cost
	g.lastMode = g.globalModeLocked()
	if g.lastMode != api.BudgetNormal {
		g.log.Warn("budget restored in degraded mode", "mode", g.lastMode, "spent", spent, "cap", cfg.MonthlyCap)
	}
	return g, nil
}

func (g *Guardrail) SessionID() string { return g.sessionID }

func (g *Guardrail) Scope() Scope { return g.cfg.Scope }

// MaxPromptChars returns the configured prompt limit, zero meaning unlimited.
func (g *Guardrail) MaxPromptChars() int { return g.cfg.MaxPromptChars }

// CheckBeforeCall reports the session-wide mode.
func (g *Guardrail) CheckBeforeCall() api.BudgetMode {
	return g.check("")
}

// Record adds usage for a call that was not reserved.
func (g *Guardrail) Record(tokensIn, tokensOut int, cost float64) error {
	return g.record("", tokensIn, tokensOut, cost)
}

// Reserve checks the mode and, unless denied, holds estimate against the cap
// until the returned reservation is committed or released.
func (g *Guardrail) Reserve(estimate float64) (*Reservation, api.BudgetMode) {
	return g.reserve("", estimate)
}

// CheckPrompt returns ErrPromptTooLong when p is longer than the limit.
func (g *Guardrail) CheckPrompt(p string) error {
	if g.cfg.MaxPromptChars <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(p); n > g.cfg.MaxPromptChars {
		return fmt.Errorf("%d > %d chars: %w", n, g.cfg.MaxPromptChars, ErrPromptTooLong)
	}
	return nil
}

// ForTask returns the view a single task loop uses. With ScopeGlobal every
// view shares the session counters; with ScopeTask the read-only threshold is
// evaluated per task while the monthly cap still applies to the sum.
func (g *Guardrail) ForTask(taskID string) *TaskBudget {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[taskID]; !ok {
		g.tasks[taskID] = &usage{lastMode: api.BudgetNormal}
	}
	return &TaskBudget{g: g, taskID: taskID}
}

// Snapshot returns the current session-wide state.
func (g *Guardrail) Snapshot() api.BudgetState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollMonthLocked()
	return api.BudgetState{
		TokensUsed:   g.tokens,
		DollarsSpent: g.monthSpent,
		Reserved:     g.reserved,
		Cap:          g.cfg.MonthlyCap,
		Requests:     g.requests,
		MaxRequests:  g.cfg.MaxRequests,
		Mode:         g.globalModeLocked(),
	}
}

// Reset starts a new session with zeroed session counters. The month spend
// is re-read from the ledger when there is one, so a reset never frees cap
// that was already spent this month.
func (g *Guardrail) Reset(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	monthStart := startOfMonth(g.now())
	var spent float64
	if g.ledger != nil {
		var err error
		if spent, err = g.ledger.SpendSince(monthStart); err != nil {
			return fmt.Errorf("reconstruct month spend: %w", err)
		}
	}
	g.sessionID = sessionID
	g.monthStart = monthStart
	g.monthSpent = spent
	g.sessionSpent = 0
	g.reserved = 0
	g.inFlight = 0
	g.tokens = 0
	g.requests = 0
	g.closed = false
	for id := range g.tasks {
		g.tasks[id] = &usage{lastMode: api.BudgetNormal}
	}
	g.lastMode = g.globalModeLocked()
	g.log.Info("budget reset", "session_id", sessionID, "month_spent", spent, "mode", g.lastMode)
	return nil
}

// Close denies every later call.
func (g *Guardrail) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *Guardrail) check(taskID string) api.BudgetMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollMonthLocked()
	mode := g.modeLocked(taskID)
	g.noteModeLocked(taskID, mode)
	return mode
}

func (g *Guardrail) reserve(taskID string, estimate float64) (*Reservation, api.BudgetMode) {
	if estimate < 0 {
		estimate = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollMonthLocked()
	mode := g.modeLocked(taskID)
	g.noteModeLocked(taskID, mode)
	if mode == api.BudgetDenied {
		return nil, mode
	}
	g.reserved += estimate
	g.inFlight++
	if u := g.tasks[taskID]; u != nil {
		u.reserved += estimate
	}
	return &Reservation{g: g, taskID: taskID, amount: estimate}, mode
}

func (g *Guardrail) record(taskID string, tokensIn, tokensOut int, cost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recordLocked(taskID, tokensIn, tokensOut, cost)
}

func (g *Guardrail) recordLocked(taskID string, tokensIn, tokensOut int, cost float64) error {
	if g.closed {
		return ErrClosed
	}
	if cost < 0 {
		cost = 0
	}
	g.rollMonthLocked()
	g.monthSpent += cost
	g.sessionSpent += cost
	g.tokens += tokensIn + tokensOut
	g.requests++
	if u := g.tasks[taskID]; u != nil {
		u.spent += cost
		u.tokens += tokensIn + tokensOut
		u.requests++
	}
	g.noteModeLocked(taskID, g.modeLocked(taskID))

	if g.ledger == nil {
		return nil
	}
	_, err := g.ledger.AppendLedger(api.LedgerEntry{
		At:           g.now(),
		SessionID:    g.sessionID,
		TaskID:       taskID,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		Cost:         cost,
		RunningTotal: g.monthSpent,
	})
	if err != nil {
		return fmt.Errorf("append budget ledger: %w", err)
	}
	return nil
}

func (g *Guardrail) modeLocked(taskID string) api.BudgetMode {
	if g.closed {
		return api.BudgetDenied
	}
	global := g.globalModeLocked()
	if g.cfg.Scope != ScopeTask || taskID == "" {
		return global
	}
	// Per-task scope: only the hard limits are shared.
	if global == api.BudgetDenied {
		return global
	}
	u := g.tasks[taskID]
	if u == nil {
		return api.BudgetNormal
	}
	return modeFor(u.spent+u.reserved, g.cfg.TaskCap, g.cfg.ReadOnlyRatio)
}

func (g *Guardrail) globalModeLocked() api.BudgetMode {
	if g.closed {
		return api.BudgetDenied
	}
	if g.cfg.MaxRequests > 0 && g.requests+g.inFlight >= g.cfg.MaxRequests {
		return api.BudgetDenied
	}
	mode := modeFor(g.monthSpent+g.reserved, g.cfg.MonthlyCap, g.cfg.ReadOnlyRatio)
	if g.cfg.Scope == ScopeTask && mode == api.BudgetReadOnly {
		return api.BudgetNormal
	}
	return mode
}

func (g *Guardrail) noteModeLocked(taskID string, mode api.BudgetMode) {
	last := &g.lastMode
	if u := g.tasks[taskID]; u != nil && g.cfg.Scope == ScopeTask {
		last = &u.lastMode
	}
	if *last == mode {
		return
	}
	switch mode {
	case api.BudgetReadOnly:
		g.log.Warn("budget entered read-only mode", "task_id", taskID, "spent", g.monthSpent, "cap", g.cfg.MonthlyCap)
	case api.BudgetDenied:
		g.log.Error("budget exhausted", "task_id", taskID, "spent", g.monthSpent, "cap", g.cfg.MonthlyCap, "requests", g.requests)
	}
	*last = mode
}

// rollMonthLocked drops the month spend once the calendar month changes.
func (g *Guardrail) rollMonthLocked() {
	ms := startOfMonth(g.now())
	if ms.After(g.monthStart) {
		g.log.Info("budget month rolled over", "previous_spend", g.monthSpent)
		g.monthStart = ms
		g.monthSpent = 0
	}
}

func modeFor(spent, cap, ratio float64) api.BudgetMode {
	if cap <= 0 {
		return api.BudgetNormal
	}
	frac := spent / cap
	switch {
	case frac >= 1:
		return api.BudgetDenied
	case frac >= ratio:
		return api.BudgetReadOnly
	default:
		return api.BudgetNormal
	}
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// TaskBudget is a task's handle on the shared guardrail.
type TaskBudget struct {
	g      *Guardrail
	taskID string
}

func (t *TaskBudget) TaskID() string { return t.taskID }

func (t *TaskBudget) CheckBeforeCall() api.BudgetMode { return t.g.check(t.taskID) }

func (t *TaskBudget) Record(tokensIn, tokensOut int, cost float64) error {
	return t.g.record(t.taskID, tokensIn, tokensOut, cost)
}

func (t *TaskBudget) Reserve(estimate float64) (*Reservation, api.BudgetMode) {
	return t.g.reserve(t.taskID, estimate)
}

func (t *TaskBudget) CheckPrompt(p string) error { return t.g.CheckPrompt(p) }

func (t *TaskBudget) MaxPromptChars() int { return t.g.MaxPromptChars() }

// Reservation is an in-flight hold against the cap.
type Reservation struct {
	g      *Guardrail
	taskID string
	amount float64
	done   bool
}

// Commit records the actual usage and drops the hold. Calling Commit or
// Release a second time is a no-op.
func (r *Reservation) Commit(tokensIn, tokensOut int, cost float64) error {
	if r == nil {
		return nil
	}
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if r.done {
		return nil
	}
	r.releaseLocked()
	return r.g.recordLocked(r.taskID, tokensIn, tokensOut, cost)
}

// Release drops the hold without recording usage.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if r.done {
		return
	}
	r.releaseLocked()
}

func (r *Reservation) releaseLocked() {
	r.done = true
	r.g.reserved -= r.amount
	if r.g.reserved < 0 {
		r.g.reserved = 0
	}
	r.g.inFlight--
	if u := r.g.tasks[r.taskID]; u != nil {
		u.reserved -= r.amount
		if u.reserved < 0 {
			u.reserved = 0
		}
	}
}
