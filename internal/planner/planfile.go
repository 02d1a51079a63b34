package planner

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"otto/internal/task"
)

// planFile is the on-disk YAML shape for hand-written plans that bypass
// the LLM planning phase.
type planFile struct {
	Request string `yaml:"request"`
	Tasks   []struct {
		ID                       string   `yaml:"id"`
		Name                     string   `yaml:"name"`
		Description              string   `yaml:"description"`
		Priority                 string   `yaml:"priority"`
		EstimatedDurationSeconds int      `yaml:"estimatedDurationSeconds"`
		Dependencies             []string `yaml:"dependencies"`
	} `yaml:"tasks"`
	EstimatedTotalDurationSeconds int `yaml:"estimatedTotalDurationSeconds"`
}

// LoadPlanFile reads a YAML plan from disk. Tasks without an explicit id
// get the same deterministic task-{planID}-{index} ids the analyzer
// assigns; the result still goes through ValidatePlan before execution.
func (p *Planner) LoadPlanFile(path string) (*task.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", path, err)
	}
	if len(pf.Tasks) == 0 {
		return nil, fmt.Errorf("plan file %s contains no tasks", path)
	}

	planID := "plan-" + uuid.NewString()[:8]
	now := time.Now()
	plan := &task.Plan{
		ID:                     planID,
		UserRequest:            pf.Request,
		EstimatedTotalDuration: time.Duration(pf.EstimatedTotalDurationSeconds) * time.Second,
		CreatedAt:              now,
	}

	// First pass assigns ids so dependency names can refer to either the
	// explicit id or a generated one.
	assigned := make(map[string]string, len(pf.Tasks))
	for i, raw := range pf.Tasks {
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("task-%s-%d", planID, i)
		}
		assigned[raw.Name] = id
		if raw.ID != "" {
			assigned[raw.ID] = id
		}
	}

	for i, raw := range pf.Tasks {
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("task-%s-%d", planID, i)
		}
		t := task.Task{
			ID:                id,
			Name:              raw.Name,
			Description:       raw.Description,
			Priority:          task.Priority(raw.Priority).Normalize(),
			Status:            task.StatusPending,
			EstimatedDuration: time.Duration(raw.EstimatedDurationSeconds) * time.Second,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		for _, dep := range raw.Dependencies {
			if resolved, ok := assigned[dep]; ok {
				t.Dependencies = append(t.Dependencies, resolved)
			} else {
				t.Dependencies = append(t.Dependencies, dep)
			}
		}
		plan.Tasks = append(plan.Tasks, t)
	}

	plan.CriticalPath = p.AnnotateParallelizable(plan)
	return plan, nil
}
