// Package progress renders human-readable execution progress for plans.
package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"otto/internal/task"
)

// Tracker accumulates per-task completion against a plan and renders
// progress lines for the CLI.
type Tracker struct {
	mu        sync.RWMutex
	plan      *task.Plan
	startedAt time.Time
	done      int
	failed    int
	skipped   int
	colorized bool
}

// NewTracker starts tracking a plan from now.
func NewTracker(plan *task.Plan, colorized bool) *Tracker {
	return &Tracker{
		plan:      plan,
		startedAt: time.Now(),
		colorized: colorized,
	}
}

// Observe feeds one task status transition into the tracker. Only terminal
// transitions move the counters.
func (t *Tracker) Observe(event task.StatusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch event.To {
	case task.StatusCompleted:
		t.done++
	case task.StatusFailed:
		t.failed++
	case task.StatusSkipped:
		t.skipped++
	}
}

// Elapsed returns time since tracking started.
func (t *Tracker) Elapsed() time.Duration {
	return time.Since(t.startedAt)
}

// Percentage returns completion as 0..100, counting failed and skipped
// tasks as settled.
func (t *Tracker) Percentage() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := len(t.plan.Tasks)
	if total == 0 {
		return 100
	}
	settled := t.done + t.failed + t.skipped
	return settled * 100 / total
}

// Bar renders a 20-unit progress bar like [##########----------] 50%.
func (t *Tracker) Bar() string {
	pct := t.Percentage()
	filled := pct / 5
	return fmt.Sprintf("[%s%s] %d%%",
		strings.Repeat("#", filled),
		strings.Repeat("-", 20-filled),
		pct)
}

// StatusLine renders one line of live progress.
func (t *Tracker) StatusLine() string {
	t.mu.RLock()
	done, failed, skipped := t.done, t.failed, t.skipped
	total := len(t.plan.Tasks)
	t.mu.RUnlock()

	line := fmt.Sprintf("%s  %d/%d tasks  elapsed %s",
		t.Bar(), done+failed+skipped, total, t.Elapsed().Truncate(time.Second))
	if failed > 0 {
		line += t.paint(fmt.Sprintf("  %d failed", failed), color.FgRed)
	}
	if skipped > 0 {
		line += fmt.Sprintf("  %d skipped", skipped)
	}
	return line
}

func (t *Tracker) paint(s string, attr color.Attribute) string {
	if !t.colorized {
		return s
	}
	return color.New(attr).Sprint(s)
}

// PlanSummary renders the proposed plan grouped by priority, for the
// approval prompt.
func PlanSummary(plan *task.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s: %s\n", plan.ID, plan.UserRequest)
	fmt.Fprintf(&b, "%d tasks, estimated %s\n", len(plan.Tasks), plan.EstimatedTotalDuration)
	if plan.CriticalPath > 0 {
		fmt.Fprintf(&b, "Critical path: %s\n", plan.CriticalPath)
	}

	for _, prio := range []task.Priority{task.PriorityCritical, task.PriorityHigh, task.PriorityMedium, task.PriorityLow} {
		var lines []string
		for _, tk := range plan.Tasks {
			if tk.Priority != prio {
				continue
			}
			line := fmt.Sprintf("  - %s: %s", tk.ID, tk.Name)
			if len(tk.Dependencies) > 0 {
				line += fmt.Sprintf(" (after %s)", strings.Join(tk.Dependencies, ", "))
			}
			if tk.Parallelizable {
				line += " [parallel]"
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n%s\n", prio, strings.Join(lines, "\n"))
	}
	return b.String()
}

// CompletionSummary renders the final report line set after execution.
func CompletionSummary(plan *task.Plan, results []*task.ExecutionResult, blocked []task.Task, elapsed time.Duration) string {
	succeeded := 0
	var failedIDs, slow []string
	for _, r := range results {
		if r.Status == task.ResultSuccess {
			succeeded++
		} else {
			failedIDs = append(failedIDs, r.TaskID)
		}
		if r.Duration > time.Minute {
			slow = append(slow, fmt.Sprintf("%s (%s)", r.TaskID, r.Duration.Truncate(time.Second)))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s finished in %s\n", plan.ID, elapsed.Truncate(time.Second))
	if plan.CriticalPath > 0 {
		fmt.Fprintf(&b, "Critical path estimate was %s\n", plan.CriticalPath)
	}
	if len(results) > 0 {
		fmt.Fprintf(&b, "Success rate: %d/%d (%d%%)\n", succeeded, len(results), succeeded*100/len(results))
	}
	if len(failedIDs) > 0 {
		fmt.Fprintf(&b, "Failed: %s\n", strings.Join(failedIDs, ", "))
	}
	if len(blocked) > 0 {
		ids := make([]string, len(blocked))
		for i, tk := range blocked {
			ids[i] = tk.ID
		}
		fmt.Fprintf(&b, "Blocked by failed dependencies: %s\n", strings.Join(ids, ", "))
	}
	if len(slow) > 0 {
		fmt.Fprintf(&b, "Slow tasks: %s\n", strings.Join(slow, ", "))
	}
	return b.String()
}
