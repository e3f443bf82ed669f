//go:build !unix

package testrunner

import (
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = 15
	sigKill signal = 9
)

// Without process groups only the direct child can be killed.
func configureProcessGroup(cmd *exec.Cmd) {}

func signalGroup(pid int, sig signal) error {
	if sig == 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func groupAlive(pid int) bool { return false }
