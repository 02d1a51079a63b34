//go:build windows

package command

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd) {}

// signalGroup has no SIGTERM equivalent on Windows; both phases hard-kill.
func signalGroup(cmd *exec.Cmd, kill bool) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func recordAlive(rec ProcessRecord) bool {
	if rec.PID <= 0 {
		return false
	}
	_, err := os.FindProcess(rec.PID)
	return err == nil
}

func killRecorded(rec ProcessRecord, _ time.Duration) error {
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", rec.PID, err)
	}
	return proc.Kill()
}
