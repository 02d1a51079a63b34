//go:build !windows

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/approval"
	"otto/internal/command"
	"otto/internal/llm"
	"otto/internal/safety"
	"otto/internal/snapshot"
	"otto/internal/task"
)

func safeClassifier(t *testing.T) *safety.Classifier {
	t.Helper()
	client := llm.NewMockClient(`{"purpose": "test", "category": "execute", "estimatedRisk": "safe"}`)
	c, err := safety.NewClassifier(client, 8, nil)
	require.NoError(t, err)
	return c
}

func newExecutor(t *testing.T, approver approval.Approver, opts Options) *Executor {
	t.Helper()
	store, err := snapshot.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return New(command.NewRunner(nil), nil, safeClassifier(t), store,
		approval.NewBroker(nil), approver, opts, nil)
}

func shellTask(id string, lines ...string) *task.DetailedTask {
	d := &task.DetailedTask{SubTask: task.SubTask{Task: task.Task{ID: id, Name: id, Description: "test task"}}}
	for i, line := range lines {
		d.Steps = append(d.Steps, task.ExecutionStep{
			ID:          id + "-step-" + string(rune('a'+i)),
			Description: "run " + line,
			Command:     task.NewShellCommand(line),
			SafetyLevel: task.SafetySafe,
		})
	}
	return d
}

func TestExecuteTaskRunsStepsInOrder(t *testing.T) {
	e := newExecutor(t, approval.AutoApprover{}, Options{})
	marker := filepath.Join(t.TempDir(), "order.txt")

	d := shellTask("t1",
		"echo one >> "+marker,
		"echo two >> "+marker,
	)
	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, task.ResultSuccess, result.Status)

	content, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(content))
}

func TestExecuteTaskDeniedStepIsSkippedNotFatal(t *testing.T) {
	e := newExecutor(t, approval.DenyApprover{Reason: "no"}, Options{StepApprovalTimeout: time.Second})
	dir := t.TempDir()

	d := shellTask("t1", "touch "+filepath.Join(dir, "a"), "touch "+filepath.Join(dir, "b"))
	d.Steps[0].RequiresApproval = true

	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, task.ResultSuccess, result.Status)
	assert.Equal(t, 1, result.Output["skippedSteps"])

	_, errA := os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(errA), "denied step did not run")
	_, errB := os.Stat(filepath.Join(dir, "b"))
	assert.NoError(t, errB, "later step still ran")
}

func TestDeniedStepTaskCompletesInManager(t *testing.T) {
	e := newExecutor(t, approval.DenyApprover{Reason: "no"}, Options{StepApprovalTimeout: time.Second})
	dir := t.TempDir()

	d := shellTask("t1", "touch "+filepath.Join(dir, "gated"), "echo fine")
	d.Steps[0].RequiresApproval = true

	m := task.NewManager(nil)
	tsk := d.Task
	tsk.Status = task.StatusPending
	plan := &task.Plan{ID: "p1", UserRequest: "r", Tasks: []task.Task{tsk}}
	require.NoError(t, m.RegisterPlan(plan))
	require.NoError(t, m.UpdateTaskStatus("t1", task.StatusExecuting))

	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, task.ResultSuccess, result.Status)

	require.NoError(t, m.RecordResult(result))
	stored := plan.TaskByID("t1")
	require.NotNil(t, stored)
	assert.Equal(t, task.StatusCompleted, stored.Status)
}

func TestExecuteTaskApprovalTimeoutDefaultsToSkip(t *testing.T) {
	// No approver attached: the request can only time out.
	store, err := snapshot.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	e := New(command.NewRunner(nil), nil, safeClassifier(t), store,
		approval.NewBroker(nil), nil, Options{StepApprovalTimeout: 50 * time.Millisecond}, nil)

	d := shellTask("t1", "echo hi")
	d.Steps[0].RequiresApproval = true

	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, task.ResultSuccess, result.Status)
	assert.Equal(t, true, result.Output["allStepsSkipped"])
}

func TestSafeModeForcesApprovalForCautionSteps(t *testing.T) {
	e := newExecutor(t, approval.DenyApprover{}, Options{SafeMode: true, StepApprovalTimeout: time.Second})

	d := shellTask("t1", "echo hi")
	d.Steps[0].SafetyLevel = task.SafetyCaution
	d.Steps[0].RequiresApproval = false

	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["allStepsSkipped"])
}

func TestExecuteTaskFailingCommandFailsTask(t *testing.T) {
	e := newExecutor(t, approval.AutoApprover{}, Options{})

	d := shellTask("t1", "exit 7")
	result, err := e.ExecuteTask(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, task.ResultFailure, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestExecuteTaskAbortMentionsAborted(t *testing.T) {
	e := newExecutor(t, approval.AutoApprover{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := shellTask("t1", "echo hi")
	result, err := e.ExecuteTask(ctx, d)
	require.Error(t, err)
	assert.Equal(t, task.ResultFailure, result.Status)
	assert.Contains(t, result.Error, "aborted")
}

func TestSafetyViolationRejectsStep(t *testing.T) {
	client := llm.NewMockClient(`{"purpose": "destroys data", "category": "delete", "estimatedRisk": "danger"}`)
	classifier, err := safety.NewClassifier(client, 8, nil)
	require.NoError(t, err)
	e := New(command.NewRunner(nil), nil, classifier, nil,
		approval.NewBroker(nil), approval.AutoApprover{}, Options{}, nil)

	d := shellTask("t1", "definitely-dangerous-tool --wipe")
	d.Steps[0].SafetyLevel = task.SafetySafe

	result, err := e.ExecuteTask(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, task.ResultFailure, result.Status)
}

func TestFileStepsSnapshotBeforeMutation(t *testing.T) {
	snapDir := t.TempDir()
	store, err := snapshot.NewStore(snapDir, nil)
	require.NoError(t, err)
	e := New(command.NewRunner(nil), nil, nil, store,
		approval.NewBroker(nil), approval.AutoApprover{}, Options{}, nil)

	target := filepath.Join(t.TempDir(), "conf.txt")
	require.NoError(t, os.WriteFile(target, []byte("before"), 0o644))

	d := &task.DetailedTask{SubTask: task.SubTask{Task: task.Task{ID: "t1", Name: "t", Description: "d"}}}
	d.Steps = []task.ExecutionStep{{
		ID:          "s1",
		Description: "overwrite",
		Command:     task.NewFileCommand(task.FileWrite, target, "after"),
		SafetyLevel: task.SafetyCaution,
	}}

	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, task.ResultSuccess, result.Status)

	content, _ := os.ReadFile(target)
	assert.Equal(t, "after", string(content))

	snaps, err := store.ListForTask("t1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.NoError(t, store.Rollback(snaps[0].ID))
	content, _ = os.ReadFile(target)
	assert.Equal(t, "before", string(content))
}

func TestFileReadAndExists(t *testing.T) {
	e := newExecutor(t, approval.AutoApprover{}, Options{})
	target := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(target, []byte("payload"), 0o644))

	d := &task.DetailedTask{SubTask: task.SubTask{Task: task.Task{ID: "t1", Name: "t", Description: "d"}}}
	d.Steps = []task.ExecutionStep{
		{ID: "s1", Description: "read", Command: task.NewFileCommand(task.FileRead, target, ""), SafetyLevel: task.SafetySafe},
		{ID: "s2", Description: "exists", Command: task.NewFileCommand(task.FileExists, target, ""), SafetyLevel: task.SafetySafe},
	}

	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)

	read := result.Output["s1"].(map[string]any)
	assert.Equal(t, "payload", read["content"])
	exists := result.Output["s2"].(map[string]any)
	assert.Equal(t, true, exists["exists"])
}

func TestAutomaticRollbackRunsOnFailure(t *testing.T) {
	e := newExecutor(t, approval.AutoApprover{}, Options{})
	dir := t.TempDir()
	rollbackMarker := filepath.Join(dir, "rolled-back")

	d := shellTask("t1", "exit 1")
	d.RollbackStrategy = &task.RollbackStrategy{
		Steps:     []string{"touch " + rollbackMarker},
		Automatic: true,
	}

	result, err := e.ExecuteTask(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, task.ResultFailure, result.Status)

	_, statErr := os.Stat(rollbackMarker)
	assert.NoError(t, statErr, "rollback command ran")
}

// cancelingApprover aborts the run instead of answering the prompt.
type cancelingApprover struct {
	cancel context.CancelFunc
}

func (c cancelingApprover) Prompt(req *approval.Request) {
	c.cancel()
}

func TestAbortDuringApprovalWaitSkipsRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newExecutor(t, cancelingApprover{cancel: cancel}, Options{StepApprovalTimeout: 5 * time.Second})
	rollbackMarker := filepath.Join(t.TempDir(), "rolled-back")

	d := shellTask("t1", "echo hi")
	d.Steps[0].RequiresApproval = true
	d.RollbackStrategy = &task.RollbackStrategy{
		Steps:     []string{"touch " + rollbackMarker},
		Automatic: true,
	}

	result, err := e.ExecuteTask(ctx, d)
	require.Error(t, err)
	assert.Contains(t, result.Error, "aborted")

	_, statErr := os.Stat(rollbackMarker)
	assert.True(t, os.IsNotExist(statErr), "abort must not trigger rollback")
}

func TestRollbackFailureDoesNotMaskOriginalError(t *testing.T) {
	e := newExecutor(t, approval.AutoApprover{}, Options{})

	d := shellTask("t1", "exit 42")
	d.RollbackStrategy = &task.RollbackStrategy{
		Steps:     []string{"exit 99"},
		Automatic: true,
	}

	result, err := e.ExecuteTask(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, result.Error, "42")

	found := false
	for _, entry := range result.Logs {
		if strings.Contains(entry.Message, "rollback step 0 failed") {
			found = true
		}
	}
	assert.True(t, found, "rollback failure is logged")
}

func TestInternalStepsAreNoOps(t *testing.T) {
	e := newExecutor(t, approval.AutoApprover{}, Options{})

	d := &task.DetailedTask{SubTask: task.SubTask{Task: task.Task{ID: "t1", Name: "t", Description: "d"}}}
	d.Steps = []task.ExecutionStep{{
		ID: "s1", Description: "mark", Command: task.NewInternalCommand("checkpoint"), SafetyLevel: task.SafetySafe,
	}}

	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, task.ResultSuccess, result.Status)
	entry := result.Output["s1"].(map[string]any)
	assert.Equal(t, "checkpoint", entry["internal"])
}

func TestServerCommandLaunchesBackground(t *testing.T) {
	registry := command.NewRegistry(nil, command.WithReadinessWindow(2*time.Second))
	defer func() { _ = registry.Close() }()

	e := New(command.NewRunner(nil), registry, nil, nil,
		approval.NewBroker(nil), approval.AutoApprover{}, Options{}, nil)

	// Shaped like a dev-server invocation but harmless.
	d := shellTask("t1", "npm run dev")
	// npm may not exist in the test environment; stub via sh function is
	// not possible, so only assert the step routed to the registry.
	result, err := e.ExecuteTask(context.Background(), d)
	require.NoError(t, err)

	entry, ok := result.Output[d.Steps[0].ID].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, entry["backgroundProcessId"])
}
