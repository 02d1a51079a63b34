// Package planner turns a user request into a validated, ordered plan of
// tasks, with LLM-assisted decomposition and detailing.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"otto/internal/errors"
	"otto/internal/llm"
	"otto/internal/logging"
	"otto/internal/parser"
	"otto/internal/task"
)

// Planner drives plan analysis, decomposition, validation, and ordering.
type Planner struct {
	client      llm.Client
	logger      logging.Logger
	tokenBudget int
	encoding    *tiktoken.Tiktoken
}

// Option configures a Planner.
type Option func(*Planner)

// WithTokenBudget sets the prompt token budget above which the planner logs
// a warning. Zero disables the check.
func WithTokenBudget(budget int) Option {
	return func(p *Planner) { p.tokenBudget = budget }
}

// NewPlanner creates a Planner backed by an LLM collaborator.
func NewPlanner(client llm.Client, logger logging.Logger, opts ...Option) *Planner {
	p := &Planner{
		client:      client,
		logger:      logging.OrNop(logger),
		tokenBudget: 8000,
	}
	for _, opt := range opts {
		opt(p)
	}
	// Token counting is best-effort; without the encoding the budget check
	// is skipped.
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		p.encoding = enc
	} else {
		p.logger.Warn("token encoding unavailable, prompt budget check disabled: %v", err)
	}
	return p
}

// checkTokenBudget warns when a prompt exceeds the configured budget.
func (p *Planner) checkTokenBudget(prompt string) {
	if p.encoding == nil || p.tokenBudget <= 0 {
		return
	}
	if n := len(p.encoding.Encode(prompt, nil, nil)); n > p.tokenBudget {
		p.logger.Warn("prompt uses %d tokens, over the %d budget", n, p.tokenBudget)
	}
}

const analyzeSystemPrompt = `You are a task planning assistant. Break the user's request into discrete tasks. Respond with ONLY a JSON object of this shape:
{
  "tasks": [
    {
      "name": "short task name",
      "description": "what to do and how to tell it is done",
      "priority": "critical|high|medium|low",
      "estimatedDurationSeconds": 120,
      "dependencies": [0, 1]
    }
  ],
  "estimatedTotalDurationSeconds": 600
}
Dependencies are zero-based indexes into the tasks array. A task must not depend on itself or on a later task forming a cycle. Keep plans minimal: only tasks the request actually needs.`

// planResponse is the wire shape of the analysis response.
type planResponse struct {
	Tasks []struct {
		Name                     string `json:"name"`
		Description              string `json:"description"`
		Priority                 string `json:"priority"`
		EstimatedDurationSeconds int    `json:"estimatedDurationSeconds"`
		Dependencies             []int  `json:"dependencies"`
	} `json:"tasks"`
	EstimatedTotalDurationSeconds int `json:"estimatedTotalDurationSeconds"`
}

// AnalyzeRequest produces a Plan from a free-form user request. A response
// that cannot be parsed into the plan shape returns a PlanParseError; callers
// must branch on that explicitly instead of receiving a silently empty plan.
func (p *Planner) AnalyzeRequest(ctx context.Context, request string) (*task.Plan, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("empty request")
	}
	p.checkTokenBudget(analyzeSystemPrompt + request)

	resp, err := p.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.SystemMessage(analyzeSystemPrompt),
			llm.UserMessage(request),
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}

	var parsed planResponse
	if err := parser.DecodeInto(resp.Content, &parsed); err != nil {
		return nil, &errors.PlanParseError{Raw: resp.Content, Err: err}
	}
	if len(parsed.Tasks) == 0 {
		return nil, &errors.PlanParseError{Raw: resp.Content, Err: fmt.Errorf("response contains no tasks")}
	}

	planID := "plan-" + uuid.NewString()[:8]
	now := time.Now()
	plan := &task.Plan{
		ID:                     planID,
		UserRequest:            request,
		EstimatedTotalDuration: time.Duration(parsed.EstimatedTotalDurationSeconds) * time.Second,
		CreatedAt:              now,
	}

	for i, raw := range parsed.Tasks {
		t := task.Task{
			ID:                fmt.Sprintf("task-%s-%d", planID, i),
			Name:              raw.Name,
			Description:       raw.Description,
			Priority:          task.Priority(raw.Priority).Normalize(),
			Status:            task.StatusPending,
			EstimatedDuration: time.Duration(raw.EstimatedDurationSeconds) * time.Second,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		for _, dep := range raw.Dependencies {
			if dep < 0 || dep >= len(parsed.Tasks) || dep == i {
				p.logger.Warn("task %s references invalid dependency index %d, dropping", t.ID, dep)
				continue
			}
			t.Dependencies = append(t.Dependencies, fmt.Sprintf("task-%s-%d", planID, dep))
		}
		plan.Tasks = append(plan.Tasks, t)
	}

	plan.CriticalPath = p.AnnotateParallelizable(plan)
	p.logger.Info("analyzed request into plan %s with %d tasks", planID, len(plan.Tasks))
	return plan, nil
}

const decomposeSystemPrompt = `You are a task planning assistant. Break the given task into ordered subtasks. Respond with ONLY a JSON object:
{
  "subtasks": [
    {"name": "subtask name", "description": "what to do", "estimatedDurationSeconds": 60}
  ]
}`

// DecomposeTask splits one task into ordered subtask stubs. Decomposition is
// advisory: any LLM or parse failure logs and yields an empty slice so the
// caller proceeds with the task as a single unit.
func (p *Planner) DecomposeTask(ctx context.Context, t *task.Task) []task.SubTask {
	resp, err := p.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.SystemMessage(decomposeSystemPrompt),
			llm.UserMessage(fmt.Sprintf("Task: %s\n%s", t.Name, t.Description)),
		},
		Temperature: 0.2,
	})
	if err != nil {
		p.logger.Warn("decompose %s failed: %v", t.ID, err)
		return nil
	}

	var parsed struct {
		Subtasks []struct {
			Name                     string `json:"name"`
			Description              string `json:"description"`
			EstimatedDurationSeconds int    `json:"estimatedDurationSeconds"`
		} `json:"subtasks"`
	}
	if err := parser.DecodeInto(resp.Content, &parsed); err != nil {
		p.logger.Warn("decompose %s response unparseable: %v", t.ID, err)
		return nil
	}

	now := time.Now()
	subtasks := make([]task.SubTask, 0, len(parsed.Subtasks))
	for i, raw := range parsed.Subtasks {
		subtasks = append(subtasks, task.SubTask{
			Task: task.Task{
				ID:                fmt.Sprintf("%s-sub-%d", t.ID, i),
				Name:              raw.Name,
				Description:       raw.Description,
				Priority:          t.Priority,
				Status:            task.StatusPending,
				EstimatedDuration: time.Duration(raw.EstimatedDurationSeconds) * time.Second,
				CreatedAt:         now,
				UpdatedAt:         now,
			},
			ParentID: t.ID,
			Order:    i,
		})
	}
	return subtasks
}

const detailSystemPrompt = `You are a task planning assistant. Produce concrete execution steps for the given task. Respond with ONLY a JSON object:
{
  "steps": [
    {
      "description": "what this step does",
      "command": "shell command, or file:read:<path>, file:write:<path>:<content>, file:delete:<path>, file:exists:<path>, or internal:<action>",
      "requiresApproval": false,
      "safetyLevel": "safe|caution|danger"
    }
  ],
  "resources": [{"type": "tool|file|network|service", "name": "resource name", "description": "why it is needed"}],
  "risks": [{"description": "what could go wrong", "severity": "low|medium|high", "mitigation": "how to reduce it"}],
  "rollback": {"steps": ["commands to undo the task"], "automatic": false}
}
Steps that modify files or system state outside the working directory must set requiresApproval true. Never emit steps with safetyLevel "forbidden".`

// DetailTask asks the collaborator for the executable steps of one task.
// Command strings are parsed into typed commands here, at construction
// time; a step whose command fails to parse is dropped with a warning.
// Detailing failures are never fatal: the caller receives a DetailedTask
// with empty steps.
func (p *Planner) DetailTask(ctx context.Context, t *task.Task) *task.DetailedTask {
	detailed := &task.DetailedTask{
		SubTask: task.SubTask{Task: *t, ParentID: t.ID},
	}

	resp, err := p.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.SystemMessage(detailSystemPrompt),
			llm.UserMessage(fmt.Sprintf("Task: %s\n%s", t.Name, t.Description)),
		},
		Temperature: 0.2,
	})
	if err != nil {
		p.logger.Warn("detailing %s failed, proceeding with empty steps: %v", t.ID, err)
		return detailed
	}

	var parsed struct {
		Steps []struct {
			Description      string `json:"description"`
			Command          string `json:"command"`
			RequiresApproval bool   `json:"requiresApproval"`
			SafetyLevel      string `json:"safetyLevel"`
		} `json:"steps"`
		Resources []task.ResourceRequirement `json:"resources"`
		Risks     []task.Risk                `json:"risks"`
		Rollback  *task.RollbackStrategy     `json:"rollback"`
	}
	if err := parser.DecodeInto(resp.Content, &parsed); err != nil {
		p.logger.Warn("detailing %s response unparseable, proceeding with empty steps: %v", t.ID, err)
		return detailed
	}

	for i, raw := range parsed.Steps {
		step := task.ExecutionStep{
			ID:               fmt.Sprintf("%s-step-%d", t.ID, i),
			Description:      raw.Description,
			RequiresApproval: raw.RequiresApproval,
			SafetyLevel:      task.SafetyLevel(raw.SafetyLevel),
		}
		if step.SafetyLevel == "" {
			step.SafetyLevel = task.SafetyCaution
		}
		if raw.Command != "" {
			cmd, err := task.ParseCommandSpec(raw.Command)
			if err != nil {
				p.logger.Warn("dropping step with unparseable command %q: %v", raw.Command, err)
				continue
			}
			step.Command = cmd
		}
		detailed.Steps = append(detailed.Steps, step)
	}
	detailed.Resources = parsed.Resources
	detailed.Risks = parsed.Risks
	detailed.RollbackStrategy = parsed.Rollback
	return detailed
}
