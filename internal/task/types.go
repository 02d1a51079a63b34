// Package task defines the plan/task data model and the in-memory task
// registry that owns status transitions and dependency-aware scheduling.
package task

import (
	"fmt"
	"time"
)

// Priority orders tasks by importance. Priority never changes execution
// order among independent tasks; ties break by plan order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ValidPriority reports whether p is a known priority, defaulting unknown
// values to medium via Normalize.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Normalize maps unknown priorities to medium.
func (p Priority) Normalize() Priority {
	if p.Valid() {
		return p
	}
	return PriorityMedium
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// SafetyLevel is the four-point risk classification attached to a command
// or step.
type SafetyLevel string

const (
	SafetySafe      SafetyLevel = "safe"
	SafetyCaution   SafetyLevel = "caution"
	SafetyDanger    SafetyLevel = "danger"
	SafetyForbidden SafetyLevel = "forbidden"
)

// rank orders safety levels from least to most restrictive.
func (l SafetyLevel) rank() int {
	switch l {
	case SafetySafe:
		return 0
	case SafetyCaution:
		return 1
	case SafetyDanger:
		return 2
	case SafetyForbidden:
		return 3
	}
	return 1 // unknown levels count as caution
}

// StricterThan reports whether l is more restrictive than other.
func (l SafetyLevel) StricterThan(other SafetyLevel) bool {
	return l.rank() > other.rank()
}

// Task is one coarse unit of work inside a Plan.
type Task struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	Priority          Priority      `json:"priority"`
	Status            Status        `json:"status"`
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	Parallelizable    bool          `json:"parallelizable,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// SubTask refines a Task during decomposition. Order is a sequencing hint
// for display, not an execution-order guarantee.
type SubTask struct {
	Task
	ParentID string `json:"parentId"`
	Order    int    `json:"order"`
}

// ExecutionStep is one executable unit inside a DetailedTask. Immutable
// after creation.
type ExecutionStep struct {
	ID               string      `json:"id"`
	Description      string      `json:"description"`
	Command          *Command    `json:"command,omitempty"`
	RequiresApproval bool        `json:"requiresApproval"`
	SafetyLevel      SafetyLevel `json:"safetyLevel"`
}

// ResourceRequirement names something a task needs before it can run.
type ResourceRequirement struct {
	Type        string `json:"type"` // "tool", "file", "network", "service"
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Risk describes a hazard identified during detailing.
type Risk struct {
	Description string `json:"description"`
	Severity    string `json:"severity"` // "low", "medium", "high"
	Mitigation  string `json:"mitigation,omitempty"`
}

// RollbackStrategy lists compensating commands for a failed task.
type RollbackStrategy struct {
	Steps     []string `json:"steps"`
	Automatic bool     `json:"automatic"`
}

// DetailedTask extends SubTask with executable steps. Created once during
// the detailing phase; only Status mutates afterwards.
type DetailedTask struct {
	SubTask
	Steps            []ExecutionStep       `json:"steps"`
	Resources        []ResourceRequirement `json:"resources,omitempty"`
	Risks            []Risk                `json:"risks,omitempty"`
	RollbackStrategy *RollbackStrategy     `json:"rollbackStrategy,omitempty"`
}

// Plan is the top-level dependency graph of tasks derived from one request.
// After registration the TaskManager owns it exclusively.
type Plan struct {
	ID                     string        `json:"id"`
	UserRequest            string        `json:"userRequest"`
	Tasks                  []Task        `json:"tasks"`
	EstimatedTotalDuration time.Duration `json:"estimatedTotalDuration"`
	// CriticalPath is the longest dependency chain by estimated duration,
	// the floor on wall time no matter how many tasks run in parallel.
	CriticalPath time.Duration `json:"criticalPath"`
	CreatedAt              time.Time     `json:"createdAt"`
	Approved               bool          `json:"approved"`
	ApprovedAt             *time.Time    `json:"approvedAt,omitempty"`
}

// TaskByID returns the plan task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// ResultStatus classifies one execution attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultPartial ResultStatus = "partial"
)

// LogEntry is one line captured during task execution.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ExecutionResult records the outcome of one task execution attempt.
// Exactly one result is stored per task.
type ExecutionResult struct {
	TaskID     string         `json:"taskId"`
	Status     ResultStatus   `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	ExecutedAt time.Time      `json:"executedAt"`
	Logs       []LogEntry     `json:"logs,omitempty"`
}

// CommandIntent is the LLM-assisted classification of one command.
// Ephemeral: produced per command, never persisted.
type CommandIntent struct {
	Purpose         string          `json:"purpose"`
	Category        CommandCategory `json:"category"`
	TargetResources []string        `json:"targetResources,omitempty"`
	EstimatedRisk   SafetyLevel     `json:"estimatedRisk"`
	Alternatives    []string        `json:"alternatives,omitempty"`
}

// CommandCategory is the broad effect class of a command.
type CommandCategory string

const (
	CategoryRead    CommandCategory = "read"
	CategoryWrite   CommandCategory = "write"
	CategoryExecute CommandCategory = "execute"
	CategoryDelete  CommandCategory = "delete"
	CategoryNetwork CommandCategory = "network"
)

// Mutating reports whether commands of this category change state that a
// snapshot should capture first.
func (c CommandCategory) Mutating() bool {
	return c == CategoryWrite || c == CategoryDelete
}

func validateStatusValue(s Status) error {
	switch s {
	case StatusPending, StatusPlanning, StatusExecuting, StatusCompleted, StatusFailed, StatusSkipped:
		return nil
	}
	return fmt.Errorf("unknown task status %q", s)
}
