package progress

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"otto/internal/task"
)

func fourTaskPlan() *task.Plan {
	return &task.Plan{
		ID:          "p1",
		UserRequest: "deploy the service",
		Tasks: []task.Task{
			{ID: "t1", Name: "build", Priority: task.PriorityCritical},
			{ID: "t2", Name: "test", Priority: task.PriorityHigh, Dependencies: []string{"t1"}},
			{ID: "t3", Name: "lint", Priority: task.PriorityHigh, Parallelizable: true},
			{ID: "t4", Name: "announce", Priority: task.PriorityLow},
		},
		EstimatedTotalDuration: 10 * time.Minute,
	}
}

func TestPercentageAndBar(t *testing.T) {
	tr := NewTracker(fourTaskPlan(), false)
	assert.Equal(t, 0, tr.Percentage())
	assert.Equal(t, "[--------------------] 0%", tr.Bar())

	tr.Observe(task.StatusEvent{TaskID: "t1", To: task.StatusCompleted})
	tr.Observe(task.StatusEvent{TaskID: "t2", To: task.StatusFailed})
	assert.Equal(t, 50, tr.Percentage())
	assert.Equal(t, "[##########----------] 50%", tr.Bar())

	tr.Observe(task.StatusEvent{TaskID: "t3", To: task.StatusCompleted})
	tr.Observe(task.StatusEvent{TaskID: "t4", To: task.StatusSkipped})
	assert.Equal(t, 100, tr.Percentage())
}

func TestNonTerminalEventsDoNotMoveCounters(t *testing.T) {
	tr := NewTracker(fourTaskPlan(), false)
	tr.Observe(task.StatusEvent{TaskID: "t1", To: task.StatusExecuting})
	tr.Observe(task.StatusEvent{TaskID: "t1", To: task.StatusPlanning})
	assert.Equal(t, 0, tr.Percentage())
}

func TestStatusLineMentionsFailures(t *testing.T) {
	tr := NewTracker(fourTaskPlan(), false)
	tr.Observe(task.StatusEvent{TaskID: "t1", To: task.StatusFailed})

	line := tr.StatusLine()
	assert.Contains(t, line, "1/4 tasks")
	assert.Contains(t, line, "1 failed")
}

func TestPlanSummaryGroupsByPriority(t *testing.T) {
	out := PlanSummary(fourTaskPlan())

	assert.Contains(t, out, "4 tasks")
	assert.Contains(t, out, "t2: test (after t1)")
	assert.Contains(t, out, "t3: lint [parallel]")

	// critical section appears before low
	assert.Less(t, strings.Index(out, "critical"), strings.Index(out, "low"))
}

func TestSummariesIncludeCriticalPath(t *testing.T) {
	plan := fourTaskPlan()
	plan.CriticalPath = 90 * time.Second

	assert.Contains(t, PlanSummary(plan), "Critical path: 1m30s")
	out := CompletionSummary(plan, nil, nil, time.Minute)
	assert.Contains(t, out, "Critical path estimate was 1m30s")
}

func TestCompletionSummary(t *testing.T) {
	plan := fourTaskPlan()
	results := []*task.ExecutionResult{
		{TaskID: "t1", Status: task.ResultSuccess, Duration: 2 * time.Second},
		{TaskID: "t2", Status: task.ResultFailure, Duration: 90 * time.Second},
	}
	blocked := []task.Task{{ID: "t4"}}

	out := CompletionSummary(plan, results, blocked, 3*time.Minute)
	assert.Contains(t, out, "Success rate: 1/2 (50%)")
	assert.Contains(t, out, "Failed: t2")
	assert.Contains(t, out, "Blocked by failed dependencies: t4")
	assert.Contains(t, out, "Slow tasks: t2 (1m30s)")
}
