package planner

import (
	"fmt"
	"time"

	"otto/internal/task"
)

// ValidationResult reports everything ValidatePlan found. Errors make the
// plan invalid; warnings and suggestions are advisory.
type ValidationResult struct {
	Valid       bool
	Errors      []string
	Warnings    []string
	Suggestions []string
}

// longTaskThreshold is the estimated duration above which validation
// suggests decomposing a task further.
const longTaskThreshold = 3600 * time.Second

// ValidatePlan checks a plan for structural soundness: non-empty, named
// tasks, dependency references that resolve, and an acyclic dependency
// graph.
func (p *Planner) ValidatePlan(plan *task.Plan) ValidationResult {
	result := ValidationResult{Valid: true}
	fail := func(format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if plan == nil || len(plan.Tasks) == 0 {
		fail("plan has no tasks")
		return result
	}

	ids := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if ids[t.ID] {
			fail("duplicate task id %s", t.ID)
		}
		ids[t.ID] = true
	}

	for _, t := range plan.Tasks {
		if t.Name == "" || t.Description == "" {
			fail("task %s must have a name and description", t.ID)
		}
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				fail("task %s depends on unknown task %s", t.ID, dep)
			}
		}
		if t.EstimatedDuration == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("task %s has no duration estimate", t.ID))
		}
		if t.EstimatedDuration > longTaskThreshold {
			result.Warnings = append(result.Warnings, fmt.Sprintf("task %s is estimated over an hour", t.ID))
			result.Suggestions = append(result.Suggestions, fmt.Sprintf("consider decomposing task %s into smaller tasks", t.ID))
		}
	}

	if cycle := findCycle(plan.Tasks); cycle != "" {
		fail("plan contains circular dependencies involving task %s", cycle)
	}
	return result
}

// dfs colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the recursion stack
	black        // fully explored
)

// findCycle runs a white/gray/black DFS over the dependency edges and
// returns the id of a task on a cycle, or empty.
func findCycle(tasks []task.Task) string {
	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	colors := make(map[string]int, len(tasks))

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = gray
		if t, ok := byID[id]; ok {
			for _, dep := range t.Dependencies {
				switch colors[dep] {
				case gray:
					return dep
				case white:
					if hit := visit(dep); hit != "" {
						return hit
					}
				}
			}
		}
		colors[id] = black
		return ""
	}

	for _, t := range tasks {
		if colors[t.ID] == white {
			if hit := visit(t.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// GetExecutionOrder topologically sorts tasks by DFS postorder: each task's
// dependencies are visited (and appended) before the task itself. Ties
// among independent tasks follow the input order; that is the defined
// tie-break, not priority. The visited guard makes cyclic input terminate,
// though its output is only a valid topological order for acyclic input.
func (p *Planner) GetExecutionOrder(tasks []task.Task) []task.Task {
	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	visited := make(map[string]bool, len(tasks))
	ordered := make([]task.Task, 0, len(tasks))

	var visit func(t *task.Task)
	visit = func(t *task.Task) {
		if visited[t.ID] {
			return
		}
		visited[t.ID] = true
		for _, dep := range t.Dependencies {
			if depTask, ok := byID[dep]; ok {
				visit(depTask)
			}
		}
		ordered = append(ordered, *t)
	}

	for i := range tasks {
		visit(&tasks[i])
	}
	return ordered
}

// AnnotateParallelizable marks each task that has at least one peer with
// which it shares no ancestry, meaning the two could run concurrently, and
// returns the critical-path duration. The bounded-concurrency dispatcher
// consumes the flag.
func (p *Planner) AnnotateParallelizable(plan *task.Plan) time.Duration {
	n := len(plan.Tasks)
	index := make(map[string]int, n)
	for i, t := range plan.Tasks {
		index[t.ID] = i
	}

	// reaches[i][j] = true when j is a transitive dependency of i.
	reaches := make([][]bool, n)
	var fill func(i int)
	fill = func(i int) {
		if reaches[i] != nil {
			return
		}
		reaches[i] = make([]bool, n)
		for _, dep := range plan.Tasks[i].Dependencies {
			j, ok := index[dep]
			if !ok {
				continue
			}
			reaches[i][j] = true
			fill(j)
			for k, v := range reaches[j] {
				if v {
					reaches[i][k] = true
				}
			}
		}
	}
	for i := 0; i < n; i++ {
		fill(i)
	}

	for i := range plan.Tasks {
		parallel := false
		for j := 0; j < n && !parallel; j++ {
			if j != i && !reaches[i][j] && !reaches[j][i] {
				parallel = true
			}
		}
		plan.Tasks[i].Parallelizable = parallel
	}

	return criticalPath(plan.Tasks, index)
}

// criticalPath returns the longest dependency chain by estimated duration.
func criticalPath(tasks []task.Task, index map[string]int) time.Duration {
	memo := make([]time.Duration, len(tasks))
	seen := make([]bool, len(tasks))

	var longest func(i int) time.Duration
	longest = func(i int) time.Duration {
		if seen[i] {
			return memo[i]
		}
		seen[i] = true // guards cyclic input
		var deepest time.Duration
		for _, dep := range tasks[i].Dependencies {
			if j, ok := index[dep]; ok {
				if d := longest(j); d > deepest {
					deepest = d
				}
			}
		}
		memo[i] = deepest + tasks[i].EstimatedDuration
		return memo[i]
	}

	var max time.Duration
	for i := range tasks {
		if d := longest(i); d > max {
			max = d
		}
	}
	return max
}
