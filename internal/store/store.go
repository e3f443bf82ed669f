package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/paths"
)

type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

// tsLayout is fixed width so that text comparison in SQL orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS budget_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  session_id TEXT NOT NULL,
  task_id TEXT NOT NULL DEFAULT '',
  tokens_in INTEGER NOT NULL,
  tokens_out INTEGER NOT NULL,
  cost REAL NOT NULL,
  running_total REAL NOT NULL
);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS budget_log_ts ON budget_log(ts)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS budget_log_session ON budget_log(session_id)`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  repo_path TEXT NOT NULL,
  state TEXT NOT NULL,
  abort_reason TEXT NOT NULL DEFAULT '',
  sandbox_path TEXT NOT NULL DEFAULT '',
  artifacts_root TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS iterations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
  seq INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  patch_outcome TEXT NOT NULL DEFAULT '',
  exit_code INTEGER,
  timed_out INTEGER NOT NULL DEFAULT 0,
  tokens_in INTEGER NOT NULL DEFAULT 0,
  tokens_out INTEGER NOT NULL DEFAULT 0,
  cost REAL NOT NULL DEFAULT 0,
  payload TEXT NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  UNIQUE(task_id, seq)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// withBusyRetry retries fn on SQLITE_BUSY with a small exponential backoff.
func withBusyRetry(op string, fn func() error) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isSqliteBusy(err) {
			return err
		}
		log.Printf("%s: database busy, retry %d: %v", op, i, err)
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return lastErr
}

// AppendLedger appends one budget_log row and returns its id.
func (s *Store) AppendLedger(e api.LedgerEntry) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var id int64
	err := withBusyRetry("AppendLedger", func() error {
		res, err := s.db.Exec(
			`INSERT INTO budget_log (ts, session_id, task_id, tokens_in, tokens_out, cost, running_total) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			formatTS(e.At), e.SessionID, e.TaskID, e.TokensIn, e.TokensOut, e.Cost, e.RunningTotal,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// SpendSince sums ledger costs recorded at or after t across all sessions.
func (s *Store) SpendSince(t time.Time) (float64, error) {
	var total sql.NullFloat64
	if err := s.db.QueryRow(`SELECT SUM(cost) FROM budget_log WHERE ts >= ?`, formatTS(t)).Scan(&total); err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// SessionUsage returns total tokens, request count and cost recorded for a session.
func (s *Store) SessionUsage(sessionID string) (tokens int, requests int, cost float64, err error) {
	var tIn, tOut sql.NullInt64
	var c sql.NullFloat64
	row := s.db.QueryRow(`SELECT COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost) FROM budget_log WHERE session_id = ?`, sessionID)
	if err := row.Scan(&requests, &tIn, &tOut, &c); err != nil {
		return 0, 0, 0, err
	}
	return int(tIn.Int64 + tOut.Int64), requests, c.Float64, nil
}

// ListLedger returns ledger rows newest first. An empty sessionID lists all
// sessions. If limit <= 0, return all.
func (s *Store) ListLedger(sessionID string, limit int) ([]api.LedgerEntry, error) {
	q := `SELECT id, ts, session_id, task_id, tokens_in, tokens_out, cost, running_total FROM budget_log`
	var args []any
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.LedgerEntry
	for rows.Next() {
		var e api.LedgerEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.SessionID, &e.TaskID, &e.TokensIn, &e.TokensOut, &e.Cost, &e.RunningTotal); err != nil {
			return nil, err
		}
		e.At = parseTS(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSession returns the session id of the most recent ledger row.
func (s *Store) LatestSession() (string, error) {
	var id string
	if err := s.db.QueryRow(`SELECT session_id FROM budget_log ORDER BY id DESC LIMIT 1`).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// TaskRecord is the persisted view of a task run.
type TaskRecord struct {
	Task          api.Task
	SessionID     string
	State         api.State
	AbortReason   string
	SandboxPath   string
	ArtifactsRoot string
	UpdatedAt     time.Time
}

// CreateTaskOrGetExisting inserts a task row in state init. It returns the
// stored record and whether it already existed.
func (s *Store) CreateTaskOrGetExisting(t api.Task, sessionID string) (*TaskRecord, bool, error) {
	artifactsRoot, err := paths.RunsDir(t.TaskID)
	if err != nil {
		return nil, false, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	createdAt := formatTS(t.CreatedAt)

	_, err = s.db.Exec(
		`INSERT INTO tasks (task_id, session_id, prompt, repo_path, state, artifacts_root, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, sessionID, t.Prompt, t.RepoPath, string(api.StateInit), artifactsRoot, createdAt, createdAt,
	)
	if err == nil {
		rec, err := s.GetTask(t.TaskID)
		return rec, false, err
	}
	if !isUniqueConstraintError(err) {
		return nil, false, err
	}
	rec, getErr := s.GetTask(t.TaskID)
	return rec, true, getErr
}

func (s *Store) GetTask(taskID string) (*TaskRecord, error) {
	row := s.db.QueryRow(`SELECT task_id, session_id, prompt, repo_path, state, abort_reason, sandbox_path, artifacts_root, created_at, updated_at FROM tasks WHERE task_id = ?`, taskID)
	var rec TaskRecord
	var state, createdAt, updatedAt string
	if err := row.Scan(&rec.Task.TaskID, &rec.SessionID, &rec.Task.Prompt, &rec.Task.RepoPath, &state, &rec.AbortReason, &rec.SandboxPath, &rec.ArtifactsRoot, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.State = api.State(state)
	rec.Task.CreatedAt = parseTS(createdAt)
	rec.UpdatedAt = parseTS(updatedAt)
	return &rec, nil
}

// UpdateTaskState records the task's current state machine position.
func (s *Store) UpdateTaskState(taskID string, state api.State, abortReason, sandboxPath string) error {
	return withBusyRetry("UpdateTaskState", func() error {
		res, err := s.db.Exec(`UPDATE tasks SET state = ?, abort_reason = ?, sandbox_path = ?, updated_at = ? WHERE task_id = ?`,
			string(state), abortReason, sandboxPath, formatTS(time.Now()), taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordIteration stores a finished iteration. The full iteration is kept as
// JSON next to the columns used for querying.
func (s *Store) RecordIteration(taskID string, it api.Iteration) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return err
	}
	var patchOutcome string
	if it.Patch != nil {
		patchOutcome = string(it.Patch.Outcome)
	}
	var exitCode sql.NullInt64
	timedOut := 0
	if it.Test != nil {
		exitCode = sql.NullInt64{Int64: int64(it.Test.ExitCode), Valid: true}
		if it.Test.TimedOut {
			timedOut = 1
		}
	}
	return withBusyRetry("RecordIteration", func() error {
		_, err := s.db.Exec(
			`INSERT INTO iterations (task_id, seq, outcome, patch_outcome, exit_code, timed_out, tokens_in, tokens_out, cost, payload, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskID, it.Seq, string(it.Outcome), patchOutcome, exitCode, timedOut, it.TokensIn, it.TokensOut, it.Cost, string(payload), formatTS(it.StartedAt), formatTS(it.FinishedAt),
		)
		return err
	})
}

func (s *Store) ListIterations(taskID string) ([]api.Iteration, error) {
	rows, err := s.db.Query(`SELECT payload FROM iterations WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.Iteration
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var it api.Iteration
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			return nil, fmt.Errorf("decode iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ReconcileInFlightTasks marks tasks left in a non-terminal state by a crashed
// process as aborted and returns their ids. It is safe to run multiple times.
func (s *Store) ReconcileInFlightTasks() ([]string, error) {
	const crashMsg = "crash recovery: process exited mid-task"
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT task_id FROM tasks WHERE state NOT IN (?, ?, ?)`,
		string(api.StateSuccess), string(api.StateExhausted), string(api.StateAborted))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	now := formatTS(time.Now())
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE tasks SET state = ?, abort_reason = ?, updated_at = ? WHERE task_id = ?`, string(api.StateAborted), crashMsg, now, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%p)", s)
}
