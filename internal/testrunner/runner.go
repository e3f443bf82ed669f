// Package testrunner runs a project's test command inside a sandbox with a
// hard wall-clock limit, killing the command's whole process group on
// timeout.
package testrunner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/throw-if-null/reactor/internal/api"
)

var (
	ErrTimedOut    = errors.New("test command timed out")
	ErrCircuitOpen = errors.New("test circuit open: too many consecutive timeouts")
)

// TimeoutExitCode is reported for runs that hit the timeout, matching
// timeout(1).
const TimeoutExitCode = 124

const (
	defaultShell     = "/bin/sh"
	defaultKillGrace = 2 * time.Second
	defaultReapLimit = 10 * time.Second
)

type Option func(*Runner)

// WithKillGrace sets the time between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

func WithShell(path string) Option {
	return func(r *Runner) { r.shell = path }
}

// WithEnv appends KEY=VALUE entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// Runner executes shell commands. It is safe for concurrent use.
type Runner struct {
	shell string
	grace time.Duration
	// upper bound on waiting for a killed group to disappear
	reap  time.Duration
	env   []string
	log   *slog.Logger
}

func New(opts ...Option) *Runner {
	r := &Runner{shell: defaultShell, grace: defaultKillGrace, reap: defaultReapLimit, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes command with `sh -c` in dir and returns once the command and
// every process it started are gone. Cancelling ctx does not stop a running
// command; only the timeout does.
func (r *Runner) Run(ctx context.Context, dir, command string, timeout time.Duration) api.TestResult {
	start := time.Now()
	var stdout, stderr bytes.Buffer

	cmd := exec.Command(r.shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// stragglers holding the output pipes must not block Wait forever
	cmd.WaitDelay = r.grace
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return api.TestResult{ExitCode: -1, Stderr: err.Error(), Duration: time.Since(start)}
	}
	pgid := cmd.Process.Pid
	r.log.DebugContext(ctx, "test command started", "pid", pgid, "dir", dir, "command", command)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	timedOut := false
	select {
	case <-done:
	case <-timer:
		timedOut = true
		r.log.WarnContext(ctx, "test command timed out, terminating process group", "pid", pgid, "timeout", timeout)
		r.terminate(pgid, done)
	}
	// background children may outlive a shell that exited normally
	if groupAlive(pgid) {
		_ = signalGroup(pgid, sigKill)
	}
	if !waitGroupGone(pgid, r.reap) {
		r.log.ErrorContext(ctx, "process group still alive after SIGKILL", "pid", pgid)
	}

	res := api.TestResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if timedOut {
		res.ExitCode = TimeoutExitCode
	}
	return res
}

// terminate sends SIGTERM to the group, waits up to the grace period for the
// leader, then sends SIGKILL. It returns once the leader has been reaped.
func (r *Runner) terminate(pgid int, done <-chan error) {
	_ = signalGroup(pgid, sigTerm)
	grace := time.NewTimer(r.grace)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-grace.C:
	}
	_ = signalGroup(pgid, sigKill)
	<-done
}

func waitGroupGone(pgid int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for groupAlive(pgid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
