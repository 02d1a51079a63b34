package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/task"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestSaveAndListPlans(t *testing.T) {
	h := openTestHistory(t)

	plan := &task.Plan{
		ID:          "plan-1",
		UserRequest: "deploy service",
		Tasks:       []task.Task{{ID: "t1"}, {ID: "t2"}},
		EstimatedTotalDuration: 5 * time.Minute,
		Approved:    true,
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.SavePlan(plan))
	require.NoError(t, h.SaveResult("plan-1", &task.ExecutionResult{
		TaskID: "t1", Status: task.ResultSuccess, Duration: 2 * time.Second, ExecutedAt: time.Now(),
	}))
	require.NoError(t, h.SaveResult("plan-1", &task.ExecutionResult{
		TaskID: "t2", Status: task.ResultFailure, Error: "boom", Duration: time.Second, ExecutedAt: time.Now(),
	}))

	plans, err := h.RecentPlans(10)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "deploy service", plans[0].UserRequest)
	assert.Equal(t, 2, plans[0].TaskCount)
	assert.Equal(t, 1, plans[0].Succeeded)
	assert.Equal(t, 1, plans[0].Failed)
	assert.Equal(t, 5*time.Minute, plans[0].Estimated)
}

func TestResultsOrderedByExecution(t *testing.T) {
	h := openTestHistory(t)
	require.NoError(t, h.SavePlan(&task.Plan{ID: "p", UserRequest: "r", CreatedAt: time.Now()}))

	base := time.Now()
	require.NoError(t, h.SaveResult("p", &task.ExecutionResult{TaskID: "b", Status: task.ResultSuccess, ExecutedAt: base.Add(time.Minute)}))
	require.NoError(t, h.SaveResult("p", &task.ExecutionResult{TaskID: "a", Status: task.ResultSuccess, ExecutedAt: base}))

	results, err := h.Results("p")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].TaskID)
	assert.Equal(t, "b", results[1].TaskID)
}

func TestNilHistoryIsNoOp(t *testing.T) {
	var h *History
	assert.NoError(t, h.SavePlan(&task.Plan{ID: "p"}))
	assert.NoError(t, h.SaveResult("p", &task.ExecutionResult{TaskID: "t"}))
	plans, err := h.RecentPlans(5)
	assert.NoError(t, err)
	assert.Nil(t, plans)
	assert.NoError(t, h.Close())
}

func TestRecentPlansNewestFirst(t *testing.T) {
	h := openTestHistory(t)
	now := time.Now()
	require.NoError(t, h.SavePlan(&task.Plan{ID: "old", UserRequest: "old", CreatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, h.SavePlan(&task.Plan{ID: "new", UserRequest: "new", CreatedAt: now}))

	plans, err := h.RecentPlans(10)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "new", plans[0].ID)
}
