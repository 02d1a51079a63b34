// Package command executes OS commands: foreground runs bounded by a hard
// timeout, and long-lived background processes tracked by a registry.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"otto/internal/logging"
)

// RunOptions bounds a foreground run.
type RunOptions struct {
	Timeout time.Duration
	Dir     string
	Env     map[string]string

	// GracePeriod is how long to wait between SIGTERM and SIGKILL when the
	// timeout expires. Zero means 5 seconds.
	GracePeriod time.Duration
}

// Result captures the outcome of a foreground run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner executes single commands in the foreground.
type Runner struct {
	logger logging.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger logging.Logger) *Runner {
	return &Runner{logger: logging.OrNop(logger)}
}

// Run spawns the command through the platform shell, buffers its output, and
// enforces the timeout by escalating SIGTERM to SIGKILL against the process
// group. Cancellation of ctx behaves like a timeout expiry.
func (r *Runner) Run(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := shellCommand(command)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = true
		r.logger.Warn("command timed out, terminating: %s", command)
		signalGroup(cmd, false)
		select {
		case waitErr = <-done:
		case <-time.After(grace):
			signalGroup(cmd, true)
			waitErr = <-done
		}
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	result.ExitCode = exitCode(cmd, waitErr)

	if timedOut {
		return result, fmt.Errorf("command timed out after %s: %s", opts.Timeout, command)
	}
	if waitErr != nil {
		return result, fmt.Errorf("command failed with exit code %d: %w", result.ExitCode, waitErr)
	}
	return result, nil
}

// shellCommand builds the platform shell invocation.
func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("sh", "-c", command)
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
