package sandbox

import (
	"bytes"
	"context"
	"os/exec"
)

// ExecRunner abstracts execution of external commands for testability.
type ExecRunner interface {
	// Run executes command with args in given dir. It should return stdout+stderr and error.
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// RealExecRunner runs actual commands.
type RealExecRunner struct{}

func (r *RealExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b
	err := cmd.Run()
	return b.String(), err
}
