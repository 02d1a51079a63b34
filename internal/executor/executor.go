// Package executor runs one detailed task: step approval, safety checks,
// command execution, snapshots, and best-effort rollback.
package executor

import (
	"context"
	"fmt"
	"os"
	"time"

	"otto/internal/approval"
	"otto/internal/command"
	"otto/internal/errors"
	"otto/internal/logging"
	"otto/internal/safety"
	"otto/internal/snapshot"
	"otto/internal/task"
)

// Options tunes executor behavior.
type Options struct {
	// StepApprovalTimeout bounds the wait for a step approval; expiry
	// denies. Zero means 30 seconds.
	StepApprovalTimeout time.Duration
	// CommandTimeout bounds each foreground shell command. Zero means
	// 2 minutes.
	CommandTimeout time.Duration
	// KillGracePeriod is the SIGTERM to SIGKILL escalation delay.
	KillGracePeriod time.Duration
	// SafeMode forces approval for every step at caution or above,
	// regardless of the step's own requiresApproval flag.
	SafeMode bool
	// WorkDir is the working directory for shell commands.
	WorkDir string
}

// Executor runs detailed tasks step by step.
type Executor struct {
	runner     *command.Runner
	background *command.Registry
	classifier *safety.Classifier
	snapshots  *snapshot.Store
	broker     *approval.Broker
	approver   approval.Approver
	opts       Options
	logger     logging.Logger
}

// New creates an Executor. classifier, snapshots, broker, approver, and
// background may each be nil; the corresponding behavior is skipped.
func New(runner *command.Runner, background *command.Registry, classifier *safety.Classifier,
	snapshots *snapshot.Store, broker *approval.Broker, approver approval.Approver,
	opts Options, logger logging.Logger) *Executor {

	if opts.StepApprovalTimeout <= 0 {
		opts.StepApprovalTimeout = 30 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	if opts.KillGracePeriod <= 0 {
		opts.KillGracePeriod = 5 * time.Second
	}
	return &Executor{
		runner:     runner,
		background: background,
		classifier: classifier,
		snapshots:  snapshots,
		broker:     broker,
		approver:   approver,
		opts:       opts,
		logger:     logging.OrNop(logger),
	}
}

// stepRun carries the mutable state of one ExecuteTask call.
type stepRun struct {
	taskID string
	output map[string]any
	logs   []task.LogEntry
}

func (r *stepRun) log(level, format string, args ...any) {
	r.logs = append(r.logs, task.LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

// ExecuteTask runs every step of a detailed task in order. Steps denied
// approval are skipped, not fatal. Any other step failure fails the task;
// if the task declares an automatic rollback strategy, its rollback
// commands run best-effort before the failure is reported.
func (e *Executor) ExecuteTask(ctx context.Context, detailed *task.DetailedTask) (*task.ExecutionResult, error) {
	start := time.Now()
	run := &stepRun{taskID: detailed.ID, output: make(map[string]any)}
	result := &task.ExecutionResult{
		TaskID:     detailed.ID,
		ExecutedAt: start,
	}

	finish := func(status task.ResultStatus, err error) (*task.ExecutionResult, error) {
		result.Status = status
		result.Duration = time.Since(start)
		result.Output = run.output
		result.Logs = run.logs
		if err != nil {
			result.Error = err.Error()
		}
		return result, err
	}

	skipped := 0
	for _, step := range detailed.Steps {
		if err := ctx.Err(); err != nil {
			abortErr := &errors.AbortError{TaskID: detailed.ID}
			run.log("error", "task aborted before step %s", step.ID)
			return finish(task.ResultFailure, abortErr)
		}

		proceed, err := e.gateStep(ctx, detailed, &step, run)
		if err != nil {
			// An abort while waiting at the gate does not trigger the
			// rollback strategy.
			if errors.IsAbort(err) {
				return finish(task.ResultFailure, err)
			}
			return e.failWithRollback(ctx, detailed, run, finish, err)
		}
		if !proceed {
			skipped++
			continue
		}

		if err := e.runStep(ctx, detailed, &step, run); err != nil {
			if errors.IsAbort(err) {
				return finish(task.ResultFailure, err)
			}
			return e.failWithRollback(ctx, detailed, run, finish, err)
		}
	}

	// Approval skips never demote the result: the task succeeds as long as
	// no step hard-fails.
	if skipped > 0 {
		run.output["skippedSteps"] = skipped
		if skipped == len(detailed.Steps) {
			run.output["allStepsSkipped"] = true
		}
	}
	return finish(task.ResultSuccess, nil)
}

// gateStep resolves the approval requirement for a step. Returns false when
// the step should be skipped (denied or timed out), which is not fatal.
func (e *Executor) gateStep(ctx context.Context, detailed *task.DetailedTask, step *task.ExecutionStep, run *stepRun) (bool, error) {
	needsApproval := step.RequiresApproval
	if e.opts.SafeMode && step.SafetyLevel.StricterThan(task.SafetySafe) {
		needsApproval = true
	}
	if !needsApproval || e.broker == nil {
		return true, nil
	}

	summary := step.Description
	cmdLine := ""
	if step.Command != nil {
		cmdLine = step.Command.String()
	}
	req := e.broker.Submit(step.ID, detailed.ID, summary, cmdLine, "")
	_, err := e.broker.Ask(ctx, e.approver, req, e.opts.StepApprovalTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false, &errors.AbortError{TaskID: detailed.ID}
		}
		// Denial and timeout skip the step, they do not fail the task.
		run.log("warn", "step %s skipped: %v", step.ID, err)
		e.logger.Warn("step %s skipped: %v", step.ID, err)
		return false, nil
	}
	run.log("info", "step %s approved", step.ID)
	return true, nil
}

// runStep dispatches on the command kind. A step without a command is a
// documentation-only step and succeeds immediately.
func (e *Executor) runStep(ctx context.Context, detailed *task.DetailedTask, step *task.ExecutionStep, run *stepRun) error {
	if step.Command == nil {
		run.log("info", "step %s has no command", step.ID)
		return nil
	}

	switch step.Command.Kind {
	case task.CommandShell:
		return e.runShellStep(ctx, detailed, step, run)
	case task.CommandFile:
		return e.runFileStep(detailed, step, run)
	case task.CommandInternal:
		run.log("info", "internal action %s recorded", step.Command.Action)
		run.output[step.ID] = map[string]any{"internal": step.Command.Action}
		return nil
	default:
		return errors.NewPermanentError(fmt.Errorf("unknown command kind %q", step.Command.Kind), "invalid step command")
	}
}

func (e *Executor) runShellStep(ctx context.Context, detailed *task.DetailedTask, step *task.ExecutionStep, run *stepRun) error {
	line := step.Command.Line

	if e.classifier != nil {
		if _, err := e.classifier.CheckSafety(ctx, line, step.SafetyLevel); err != nil {
			run.log("error", "step %s rejected by safety check: %v", step.ID, err)
			return err
		}
	}

	if e.background != nil && command.IsServerCommand(line) {
		launch, err := e.background.LaunchBackground(ctx, line, e.opts.WorkDir)
		if err != nil {
			return errors.NewTransientError(err, "launch background process")
		}
		entry := map[string]any{"backgroundProcessId": launch.Process.ID}
		if launch.Ready {
			entry["port"] = launch.Port
			run.log("info", "server ready on port %s (process %s)", launch.Port, launch.Process.ID)
		} else {
			run.log("warn", "no readiness signal from %s within window", launch.Process.ID)
		}
		run.output[step.ID] = entry
		return nil
	}

	res, err := e.runner.Run(ctx, line, command.RunOptions{
		Timeout:     e.opts.CommandTimeout,
		Dir:         e.opts.WorkDir,
		GracePeriod: e.opts.KillGracePeriod,
	})
	if res != nil {
		run.output[step.ID] = map[string]any{
			"stdout":   res.Stdout,
			"stderr":   res.Stderr,
			"exitCode": res.ExitCode,
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			run.log("error", "step %s aborted", step.ID)
			return &errors.AbortError{TaskID: detailed.ID}
		}
		run.log("error", "step %s command failed: %v", step.ID, err)
		if res != nil && res.TimedOut {
			return errors.NewTransientError(err, "command timed out")
		}
		return err
	}
	run.log("info", "step %s completed (exit 0)", step.ID)
	return nil
}

func (e *Executor) runFileStep(detailed *task.DetailedTask, step *task.ExecutionStep, run *stepRun) error {
	cmd := step.Command

	// Mutating file operations snapshot the target first so rollback can
	// restore it.
	if e.snapshots != nil && cmd.Category().Mutating() {
		snap, err := e.snapshots.Capture(cmd.Path, detailed.ID, step.ID)
		if err != nil {
			return fmt.Errorf("snapshot before %s of %s: %w", cmd.Op, cmd.Path, err)
		}
		run.output[step.ID+".snapshot"] = snap.ID
		run.log("info", "snapshot %s captured for %s", snap.ID, cmd.Path)
	}

	switch cmd.Op {
	case task.FileRead:
		content, err := os.ReadFile(cmd.Path)
		if err != nil {
			return errors.NewPermanentError(err, "read "+cmd.Path)
		}
		run.output[step.ID] = map[string]any{"content": string(content)}
	case task.FileWrite:
		if err := os.WriteFile(cmd.Path, []byte(cmd.Content), 0o644); err != nil {
			return errors.NewPermanentError(err, "write "+cmd.Path)
		}
		run.output[step.ID] = map[string]any{"written": len(cmd.Content)}
	case task.FileDelete:
		if err := os.Remove(cmd.Path); err != nil && !os.IsNotExist(err) {
			return errors.NewPermanentError(err, "delete "+cmd.Path)
		}
		run.output[step.ID] = map[string]any{"deleted": cmd.Path}
	case task.FileExists:
		_, err := os.Stat(cmd.Path)
		run.output[step.ID] = map[string]any{"exists": err == nil}
	default:
		return errors.NewPermanentError(fmt.Errorf("unknown file op %q", cmd.Op), "invalid file step")
	}
	run.log("info", "file %s %s ok", cmd.Op, cmd.Path)
	return nil
}

// failWithRollback runs the task's rollback strategy (when automatic)
// best-effort, then reports the original failure.
func (e *Executor) failWithRollback(ctx context.Context, detailed *task.DetailedTask, run *stepRun,
	finish func(task.ResultStatus, error) (*task.ExecutionResult, error), cause error) (*task.ExecutionResult, error) {

	if detailed.RollbackStrategy != nil && detailed.RollbackStrategy.Automatic {
		e.rollback(ctx, detailed, run)
	}
	return finish(task.ResultFailure, cause)
}

// rollback runs each rollback command, logging failures without stopping.
func (e *Executor) rollback(ctx context.Context, detailed *task.DetailedTask, run *stepRun) {
	run.log("warn", "running automatic rollback (%d steps)", len(detailed.RollbackStrategy.Steps))
	for i, line := range detailed.RollbackStrategy.Steps {
		// Rollback runs under its own context: an abort of the task must
		// not strand half-rolled-back state.
		_, err := e.runner.Run(context.WithoutCancel(ctx), line, command.RunOptions{
			Timeout:     e.opts.CommandTimeout,
			Dir:         e.opts.WorkDir,
			GracePeriod: e.opts.KillGracePeriod,
		})
		if err != nil {
			run.log("error", "rollback step %d failed: %v", i, err)
			e.logger.Warn("rollback step %d of task %s failed: %v", i, detailed.ID, err)
		}
	}

	// Restore any file snapshots taken during this task.
	if e.snapshots != nil {
		if err := e.snapshots.RollbackTask(detailed.ID); err != nil {
			run.log("error", "snapshot rollback failed: %v", err)
			e.logger.Warn("snapshot rollback of task %s failed: %v", detailed.ID, err)
		}
	}
}
