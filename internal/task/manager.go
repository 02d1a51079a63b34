package task

import (
	"fmt"
	"sync"
	"time"

	"otto/internal/logging"
)

// StatusEvent notifies a listener of one task status transition.
type StatusEvent struct {
	TaskID string
	From   Status
	To     Status
	At     time.Time
}

// StatusListener receives status-change events. Called synchronously while
// the manager lock is NOT held.
type StatusListener func(StatusEvent)

// Manager is the in-memory registry of plans, detailed tasks, and results.
// It owns status transitions and enforces the execution mutual-exclusion
// invariant: in sequential mode at most one task may be executing at a time,
// regardless of what the dependency graph would permit.
type Manager struct {
	mu              sync.RWMutex
	plans           map[string]*Plan
	tasks           map[string]*DetailedTask
	results         map[string]*ExecutionResult
	activeTasks     map[string]struct{}
	allowConcurrent bool
	listener        StatusListener
	logger          logging.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStatusListener registers a status-change listener.
func WithStatusListener(listener StatusListener) ManagerOption {
	return func(m *Manager) { m.listener = listener }
}

// WithConcurrentExecution relaxes the one-active-task invariant so the
// bounded-concurrency dispatcher can mark several tasks executing at once.
func WithConcurrentExecution() ManagerOption {
	return func(m *Manager) { m.allowConcurrent = true }
}

// NewManager creates an empty Manager.
func NewManager(logger logging.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		plans:       make(map[string]*Plan),
		tasks:       make(map[string]*DetailedTask),
		results:     make(map[string]*ExecutionResult),
		activeTasks: make(map[string]struct{}),
		logger:      logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterPlan takes ownership of a plan. After registration no other
// component mutates plan.Tasks directly.
func (m *Manager) RegisterPlan(plan *Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("plan must have an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plans[plan.ID]; exists {
		return fmt.Errorf("plan %s already registered", plan.ID)
	}
	m.plans[plan.ID] = plan
	m.logger.Info("registered plan %s with %d tasks", plan.ID, len(plan.Tasks))
	return nil
}

// Plan returns a registered plan by id.
func (m *Manager) Plan(planID string) (*Plan, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	return plan, ok
}

// AddTask registers a detailed task produced by the detailing phase.
func (m *Manager) AddTask(detailed *DetailedTask) error {
	if detailed == nil || detailed.ID == "" {
		return fmt.Errorf("task must have an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[detailed.ID]; exists {
		return fmt.Errorf("task %s already registered", detailed.ID)
	}
	m.tasks[detailed.ID] = detailed
	return nil
}

// Task returns a registered detailed task by id.
func (m *Manager) Task(id string) (*DetailedTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// UpdateTaskStatus transitions a task's status, maintaining the active-task
// bookkeeping and emitting a status-change event.
func (m *Manager) UpdateTaskStatus(id string, status Status) error {
	if err := validateStatusValue(status); err != nil {
		return err
	}

	m.mu.Lock()
	t := m.findTaskLocked(id)
	if t == nil {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}

	from := t.Status
	if status == StatusExecuting {
		if !m.allowConcurrent && len(m.activeTasks) > 0 {
			if _, already := m.activeTasks[id]; !already {
				m.mu.Unlock()
				return fmt.Errorf("task %s cannot start: another task is executing", id)
			}
		}
		m.activeTasks[id] = struct{}{}
	}
	if status.Terminal() {
		delete(m.activeTasks, id)
	}

	now := time.Now()
	t.Status = status
	t.UpdatedAt = now
	if detailed, ok := m.tasks[id]; ok {
		detailed.Status = status
		detailed.UpdatedAt = now
	}
	listener := m.listener
	m.mu.Unlock()

	m.logger.Debug("task %s: %s -> %s", id, from, status)
	if listener != nil {
		listener(StatusEvent{TaskID: id, From: from, To: status, At: now})
	}
	return nil
}

// findTaskLocked locates the authoritative plan Task entry for id.
func (m *Manager) findTaskLocked(id string) *Task {
	for _, plan := range m.plans {
		if t := plan.TaskByID(id); t != nil {
			return t
		}
	}
	if detailed, ok := m.tasks[id]; ok {
		return &detailed.Task
	}
	return nil
}

// ActiveTaskID returns the id of the executing task, if exactly one is
// active.
func (m *Manager) ActiveTaskID() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.activeTasks) != 1 {
		return "", false
	}
	for id := range m.activeTasks {
		return id, true
	}
	return "", false
}

// RecordResult stores the result for a task and transitions its status to
// completed (success) or failed (anything else). Exactly one result is ever
// stored per task; a second call is rejected.
func (m *Manager) RecordResult(result *ExecutionResult) error {
	if result == nil || result.TaskID == "" {
		return fmt.Errorf("result must reference a task")
	}

	m.mu.Lock()
	if _, exists := m.results[result.TaskID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("result for task %s already recorded", result.TaskID)
	}
	m.results[result.TaskID] = result
	m.mu.Unlock()

	status := StatusFailed
	if result.Status == ResultSuccess {
		status = StatusCompleted
	}
	return m.UpdateTaskStatus(result.TaskID, status)
}

// Result returns the recorded result for a task.
func (m *Manager) Result(taskID string) (*ExecutionResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[taskID]
	return r, ok
}

// Results returns all recorded results for a plan, in plan task order.
func (m *Manager) Results(planID string) []*ExecutionResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil
	}
	out := make([]*ExecutionResult, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if r, ok := m.results[t.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// SkipTask marks a task skipped and records a synthetic success-classified
// result with output.skipped=true. This is the only path that stores a
// result without going through RecordResult's completed/failed branching.
func (m *Manager) SkipTask(id, reason string) error {
	m.mu.Lock()
	if m.findTaskLocked(id) == nil {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if _, exists := m.results[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("task %s already has a result", id)
	}
	m.results[id] = &ExecutionResult{
		TaskID:     id,
		Status:     ResultSuccess,
		Output:     map[string]any{"skipped": true, "reason": reason},
		ExecutedAt: time.Now(),
	}
	m.mu.Unlock()

	return m.UpdateTaskStatus(id, StatusSkipped)
}

// dependenciesSatisfiedLocked reports whether every dependency of t is in a
// terminal-successful state (completed or skipped).
func (m *Manager) dependenciesSatisfiedLocked(plan *Plan, t *Task) bool {
	for _, depID := range t.Dependencies {
		dep := plan.TaskByID(depID)
		if dep == nil {
			return false
		}
		if dep.Status != StatusCompleted && dep.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// GetNextPendingTask returns the first task in plan order whose status is
// pending and whose every dependency is completed or skipped. A task whose
// dependency failed stays pending indefinitely; see BlockedTasks.
func (m *Manager) GetNextPendingTask(planID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil, false
	}
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.Status != StatusPending {
			continue
		}
		if m.dependenciesSatisfiedLocked(plan, t) {
			copied := *t
			return &copied, true
		}
	}
	return nil, false
}

// ReadyTasks returns every pending task whose dependencies are satisfied,
// in plan order. Feeds the bounded-concurrency dispatcher.
func (m *Manager) ReadyTasks(planID string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil
	}
	var ready []Task
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.Status == StatusPending && m.dependenciesSatisfiedLocked(plan, t) {
			ready = append(ready, *t)
		}
	}
	return ready
}

// BlockedTasks returns pending tasks that can never run because a dependency
// (direct or transitive) failed. The engine deliberately does not cascade
// failure onto these tasks; callers surface the condition instead.
func (m *Manager) BlockedTasks(planID string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil
	}

	failed := make(map[string]bool)
	for _, t := range plan.Tasks {
		if t.Status == StatusFailed {
			failed[t.ID] = true
		}
	}
	if len(failed) == 0 {
		return nil
	}

	// Propagate through the dependency graph until a fixed point.
	blocked := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, t := range plan.Tasks {
			if blocked[t.ID] || t.Status != StatusPending {
				continue
			}
			for _, dep := range t.Dependencies {
				if failed[dep] || blocked[dep] {
					blocked[t.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var out []Task
	for _, t := range plan.Tasks {
		if blocked[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// PendingCount returns the number of pending tasks in a plan.
func (m *Manager) PendingCount(planID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[planID]
	if !ok {
		return 0
	}
	n := 0
	for _, t := range plan.Tasks {
		if t.Status == StatusPending {
			n++
		}
	}
	return n
}
