//go:build unix

package testrunner

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

// configureProcessGroup puts the command in a new process group led by
// itself, so the group id equals its pid.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(pgid int, sig unix.Signal) error {
	if pgid <= 0 {
		return errors.New("invalid process group")
	}
	return unix.Kill(-pgid, sig)
}

// groupAlive probes the group with signal 0. EPERM still means a member
// exists.
func groupAlive(pgid int) bool {
	err := signalGroup(pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
