//go:build !windows

package command

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the child in its own process group so signals
// reach shell-spawned descendants too.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM (or SIGKILL when kill is true) to the child's
// process group, falling back to the single process if the group signal
// fails.
func signalGroup(cmd *exec.Cmd, kill bool) {
	if cmd.Process == nil {
		return
	}
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// recordAlive checks a recorded pid with signal 0.
func recordAlive(rec ProcessRecord) bool {
	if rec.PID <= 0 {
		return false
	}
	return syscall.Kill(rec.PID, 0) == nil
}

// killRecorded terminates a recorded process group, escalating SIGTERM to
// SIGKILL after grace.
func killRecorded(rec ProcessRecord, grace time.Duration) error {
	if err := syscall.Kill(-rec.PID, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(rec.PID, syscall.SIGTERM)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !recordAlive(rec) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := syscall.Kill(-rec.PID, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(rec.PID, syscall.SIGKILL)
	}
	return nil
}
