package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/throw-if-null/reactor/internal/api"
	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	td, err := os.MkdirTemp("", "reactor-test-")
	if err != nil {
		t.Fatalf("tmpdir: %v", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(td, "reactor.db"))
	if err != nil {
		os.RemoveAll(td)
		t.Fatalf("open db: %v", err)
	}
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000`)
	s := New(db)
	if err := s.Init(); err != nil {
		db.Close()
		os.RemoveAll(td)
		t.Fatalf("init: %v", err)
	}
	return s, func() { db.Close(); os.RemoveAll(td) }
}

func TestInitIsIdempotent(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	if err := s.Init(); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestLedgerAppendAndAggregate(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	lastMonth := time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC)
	thisMonth := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	entries := []api.LedgerEntry{
		{At: lastMonth, SessionID: "s-old", TokensIn: 10, TokensOut: 5, Cost: 4, RunningTotal: 4},
		{At: thisMonth, SessionID: "s-1", TaskID: "t1", TokensIn: 100, TokensOut: 50, Cost: 0.5, RunningTotal: 0.5},
		{At: thisMonth.Add(time.Minute), SessionID: "s-1", TaskID: "t2", TokensIn: 200, TokensOut: 20, Cost: 0.25, RunningTotal: 0.75},
	}
	for _, e := range entries {
		if _, err := s.AppendLedger(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	spent, err := s.SpendSince(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("spend since: %v", err)
	}
	if spent != 0.75 {
		t.Fatalf("expected 0.75 for june, got %v", spent)
	}

	tokens, requests, cost, err := s.SessionUsage("s-1")
	if err != nil {
		t.Fatalf("session usage: %v", err)
	}
	if tokens != 370 || requests != 2 || cost != 0.75 {
		t.Fatalf("unexpected usage tokens=%d requests=%d cost=%v", tokens, requests, cost)
	}

	tokens, requests, cost, err = s.SessionUsage("missing")
	if err != nil || tokens != 0 || requests != 0 || cost != 0 {
		t.Fatalf("expected zero usage for unknown session, got %d %d %v %v", tokens, requests, cost, err)
	}

	rows, err := s.ListLedger("s-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].TaskID != "t2" {
		t.Fatalf("expected newest first, got %+v", rows)
	}
	if !rows[0].At.Equal(thisMonth.Add(time.Minute)) {
		t.Fatalf("timestamp did not round trip: %v", rows[0].At)
	}

	latest, err := s.LatestSession()
	if err != nil || latest != "s-1" {
		t.Fatalf("latest session: %q %v", latest, err)
	}
}

func TestLatestSession_Empty(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	if _, err := s.LatestSession(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTaskAndIterations(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	task := api.Task{TaskID: "task-1", Prompt: "do something", RepoPath: "/repo"}
	rec, existed, err := s.CreateTaskOrGetExisting(task, "s-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if existed {
		t.Fatalf("expected new task, got existed")
	}
	if rec.State != api.StateInit || rec.ArtifactsRoot != ".reactor/runs/task-1" {
		t.Fatalf("unexpected record %+v", rec)
	}

	// Idempotent: second create returns existing
	if _, existed, err := s.CreateTaskOrGetExisting(task, "s-1"); err != nil || !existed {
		t.Fatalf("expected existed on second create, err=%v", err)
	}

	if _, _, err := s.CreateTaskOrGetExisting(api.Task{TaskID: "../bad"}, "s-1"); err == nil {
		t.Fatalf("expected invalid task id error")
	}

	now := time.Now()
	it := api.Iteration{
		Seq:        1,
		Diff:       "--- a/x\n+++ b/x\n",
		Patch:      &api.PatchResult{Outcome: api.PatchApplied, Touched: []string{"x"}},
		Test:       &api.TestResult{ExitCode: 1, Stderr: "boom"},
		Outcome:    api.IterationFailed,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := s.RecordIteration("task-1", it); err != nil {
		t.Fatalf("record iteration: %v", err)
	}
	its, err := s.ListIterations("task-1")
	if err != nil {
		t.Fatalf("list iterations: %v", err)
	}
	if len(its) != 1 || its[0].Test.Stderr != "boom" || its[0].Patch.Outcome != api.PatchApplied {
		t.Fatalf("unexpected iterations %+v", its)
	}

	if err := s.UpdateTaskState("task-1", api.StateExhausted, "", "/sb"); err != nil {
		t.Fatalf("update state: %v", err)
	}
	rec, err = s.GetTask("task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != api.StateExhausted || rec.SandboxPath != "/sb" {
		t.Fatalf("state not updated: %+v", rec)
	}

	if err := s.UpdateTaskState("nope", api.StateAborted, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcileInFlightTasks(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	for _, id := range []string{"running", "done"} {
		if _, _, err := s.CreateTaskOrGetExisting(api.Task{TaskID: id, Prompt: "p"}, "s"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.UpdateTaskState("running", api.StateRunTests, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskState("done", api.StateSuccess, "", ""); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ReconcileInFlightTasks()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ids) != 1 || ids[0] != "running" {
		t.Fatalf("unexpected reconciled ids %v", ids)
	}
	rec, _ := s.GetTask("running")
	if rec.State != api.StateAborted || rec.AbortReason == "" {
		t.Fatalf("expected aborted with reason, got %+v", rec)
	}

	// second pass is a no-op
	ids, err = s.ReconcileInFlightTasks()
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected idempotent reconcile, got %v %v", ids, err)
	}
}
