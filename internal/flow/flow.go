// Package flow orchestrates the four-phase lifecycle of one plan run:
// planning, detailing, execution, completion.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"otto/internal/approval"
	"otto/internal/errors"
	"otto/internal/executor"
	"otto/internal/logging"
	"otto/internal/planner"
	"otto/internal/progress"
	"otto/internal/store"
	"otto/internal/task"
	"otto/internal/telemetry"
)

// PhaseName names one lifecycle stage.
type PhaseName string

const (
	PhasePlanning   PhaseName = "planning"
	PhaseDetailing  PhaseName = "detailing"
	PhaseExecution  PhaseName = "execution"
	PhaseCompletion PhaseName = "completion"
)

var phaseOrder = []PhaseName{PhasePlanning, PhaseDetailing, PhaseExecution, PhaseCompletion}

// PhaseStatus is the state of one phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

// Phase carries the lifecycle record of one stage.
type Phase struct {
	Status      PhaseStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// Config tunes a flow run.
type Config struct {
	// AutoApprove skips the plan approval gate.
	AutoApprove bool
	// PlanApprovalTimeout bounds the approval gate; expiry denies. Zero
	// means 5 minutes.
	PlanApprovalTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt of a
	// failed task. Zero means 3.
	MaxRetries int
	// RetryBaseDelay scales the linear backoff (delay = base * attempt).
	// Zero means 1 second.
	RetryBaseDelay time.Duration
	// DryRun substitutes simulated results for real execution.
	DryRun bool
	// Concurrency is the bounded parallelism of the execution phase. At 1
	// (or 0) execution is strictly sequential.
	Concurrency int
}

func (c *Config) withDefaults() {
	if c.PlanApprovalTimeout <= 0 {
		c.PlanApprovalTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
}

// Deps are the collaborators a Flow drives. History, Metrics, and Tracer
// may be nil.
type Deps struct {
	Planner  *planner.Planner
	Manager  *task.Manager
	Executor *executor.Executor
	Broker   *approval.Broker
	Approver approval.Approver
	History  *store.History
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
	Logger   logging.Logger
}

// Flow is one plan run. Create one per request; a Flow is not reusable.
type Flow struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	phases  map[PhaseName]*Phase
	plan    *task.Plan
	tracker *progress.Tracker
	report  string

	planApproval *approval.Request

	paused   bool
	resumeCh chan struct{}

	abortCtx  context.Context
	abortFunc context.CancelFunc
}

// New creates a Flow.
func New(deps Deps, cfg Config) *Flow {
	cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("otto")
	}
	phases := make(map[PhaseName]*Phase, len(phaseOrder))
	for _, name := range phaseOrder {
		phases[name] = &Phase{Status: PhasePending}
	}
	return &Flow{
		deps:     deps,
		cfg:      cfg,
		phases:   phases,
		resumeCh: make(chan struct{}),
	}
}

// Phases returns a copy of the phase records.
func (f *Flow) Phases() map[PhaseName]Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[PhaseName]Phase, len(f.phases))
	for name, p := range f.phases {
		out[name] = *p
	}
	return out
}

// Plan returns the plan once the planning phase produced one.
func (f *Flow) Plan() *task.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plan
}

// Report returns the completion report; empty until the run finishes.
func (f *Flow) Report() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *Flow) enterPhase(name PhaseName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	p := f.phases[name]
	p.Status = PhaseInProgress
	p.StartedAt = &now
	f.deps.Logger.Info("phase %s started", name)
}

func (f *Flow) finishPhase(name PhaseName, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	p := f.phases[name]
	p.CompletedAt = &now
	if err != nil {
		p.Status = PhaseFailed
		p.Error = err.Error()
		f.deps.Logger.Error("phase %s failed: %v", name, err)
		return
	}
	p.Status = PhaseCompleted
	f.deps.Logger.Info("phase %s completed", name)
}

// Run drives all four phases for a user request. The returned report is
// also available via Report().
func (f *Flow) Run(ctx context.Context, request string) (string, error) {
	return f.run(ctx, func(planCtx context.Context) (*task.Plan, error) {
		return f.deps.Planner.AnalyzeRequest(planCtx, request)
	})
}

// RunPlan drives the flow over an already-built plan (for example one
// loaded from a plan file), skipping the LLM analysis but not validation
// or the approval gate.
func (f *Flow) RunPlan(ctx context.Context, plan *task.Plan) (string, error) {
	return f.run(ctx, func(context.Context) (*task.Plan, error) {
		return plan, nil
	})
}

func (f *Flow) run(ctx context.Context, producePlan func(context.Context) (*task.Plan, error)) (string, error) {
	runCtx, abort := context.WithCancel(ctx)
	f.mu.Lock()
	f.abortCtx = runCtx
	f.abortFunc = abort
	f.mu.Unlock()
	defer abort()

	runCtx, span := f.deps.Tracer.Start(runCtx, "flow.run")
	defer span.End()

	start := time.Now()
	if err := f.planningPhase(runCtx, producePlan); err != nil {
		return "", err
	}
	if err := f.detailingPhase(runCtx); err != nil {
		return "", err
	}
	if err := f.executionPhase(runCtx); err != nil {
		return "", err
	}
	return f.completionPhase(time.Since(start))
}

// planningPhase produces and validates the plan, then blocks on the
// approval gate unless autoApprove is set.
func (f *Flow) planningPhase(ctx context.Context, producePlan func(context.Context) (*task.Plan, error)) error {
	f.enterPhase(PhasePlanning)
	ctx, span := f.deps.Tracer.Start(ctx, "flow.planning")
	defer span.End()

	err := func() error {
		plan, err := producePlan(ctx)
		if err != nil {
			return err
		}

		validation := f.deps.Planner.ValidatePlan(plan)
		for _, w := range validation.Warnings {
			f.deps.Logger.Warn("plan validation: %s", w)
		}
		if !validation.Valid {
			return fmt.Errorf("plan validation failed: %v", validation.Errors)
		}
		if f.deps.Metrics != nil {
			f.deps.Metrics.PlansCreated.Inc()
		}

		if err := f.deps.Manager.RegisterPlan(plan); err != nil {
			return err
		}

		f.mu.Lock()
		f.plan = plan
		f.tracker = progress.NewTracker(plan, false)
		f.mu.Unlock()

		if !f.cfg.AutoApprove {
			if err := f.awaitPlanApproval(ctx, plan); err != nil {
				return err
			}
		}

		now := time.Now()
		plan.Approved = true
		plan.ApprovedAt = &now
		if err := f.deps.History.SavePlan(plan); err != nil {
			f.deps.Logger.Warn("archiving plan failed: %v", err)
		}
		return nil
	}()

	f.finishPhase(PhasePlanning, err)
	return err
}

func (f *Flow) awaitPlanApproval(ctx context.Context, plan *task.Plan) error {
	req := f.deps.Broker.Submit("plan", plan.ID, progress.PlanSummary(plan), "", "")
	f.mu.Lock()
	f.planApproval = req
	f.mu.Unlock()

	_, err := f.deps.Broker.Ask(ctx, f.deps.Approver, req, f.cfg.PlanApprovalTimeout)
	if f.deps.Metrics != nil {
		outcome := "approved"
		if err != nil {
			outcome = "denied"
		}
		f.deps.Metrics.Approvals.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		return fmt.Errorf("plan not approved: %w", err)
	}
	return nil
}

// detailingPhase decomposes every task into executable steps. Detailing
// failures degrade to empty steps; only an abort fails the phase.
func (f *Flow) detailingPhase(ctx context.Context) error {
	f.enterPhase(PhaseDetailing)
	ctx, span := f.deps.Tracer.Start(ctx, "flow.detailing")
	defer span.End()

	plan := f.Plan()
	err := func() error {
		for i := range plan.Tasks {
			if ctx.Err() != nil {
				return &errors.AbortError{TaskID: plan.Tasks[i].ID}
			}
			detailed := f.deps.Planner.DetailTask(ctx, &plan.Tasks[i])
			if err := f.deps.Manager.AddTask(detailed); err != nil {
				return err
			}
		}
		return nil
	}()

	f.finishPhase(PhaseDetailing, err)
	return err
}

// executionPhase runs the plan's tasks, sequentially or through the
// bounded-concurrency dispatcher.
func (f *Flow) executionPhase(ctx context.Context) error {
	f.enterPhase(PhaseExecution)
	ctx, span := f.deps.Tracer.Start(ctx, "flow.execution")
	defer span.End()

	var err error
	if f.cfg.Concurrency > 1 {
		err = f.dispatchParallel(ctx)
	} else {
		err = f.dispatchSequential(ctx)
	}
	f.finishPhase(PhaseExecution, err)
	return err
}

// dispatchSequential walks the topological order one task at a time. Tasks
// whose dependencies failed stay pending; the completion report surfaces
// them as blocked.
func (f *Flow) dispatchSequential(ctx context.Context) error {
	plan := f.Plan()
	ordered := f.deps.Planner.GetExecutionOrder(plan.Tasks)

	for i := range ordered {
		if ctx.Err() != nil {
			return &errors.AbortError{TaskID: ordered[i].ID}
		}
		if err := f.waitWhilePaused(ctx); err != nil {
			return err
		}

		next, ok := f.deps.Manager.GetNextPendingTask(plan.ID)
		if !ok {
			// Remaining pending tasks are blocked on failed dependencies.
			return nil
		}
		if err := f.executeOne(ctx, next.ID); err != nil {
			if errors.IsAbort(err) {
				return err
			}
			// The failure is recorded on the task; the plan keeps going so
			// independent tasks still run.
		}
	}
	return nil
}

// executeOne runs a single task through the retry loop and records its
// result.
func (f *Flow) executeOne(ctx context.Context, taskID string) error {
	detailed, ok := f.deps.Manager.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s was never detailed", taskID)
	}
	if err := f.deps.Manager.UpdateTaskStatus(taskID, task.StatusExecuting); err != nil {
		return err
	}

	result, execErr := f.executeWithRetry(ctx, detailed)
	if err := f.deps.Manager.RecordResult(result); err != nil {
		f.deps.Logger.Error("recording result for %s failed: %v", taskID, err)
	}

	plan := f.Plan()
	if err := f.deps.History.SaveResult(plan.ID, result); err != nil {
		f.deps.Logger.Warn("archiving result for %s failed: %v", taskID, err)
	}
	if f.deps.Metrics != nil {
		f.deps.Metrics.ObserveTask(string(result.Status), result.Duration)
		if errors.IsSafetyViolation(execErr) {
			f.deps.Metrics.SafetyRejections.Inc()
		}
	}
	f.mu.Lock()
	if f.tracker != nil {
		to := task.StatusCompleted
		if result.Status != task.ResultSuccess {
			to = task.StatusFailed
		}
		f.tracker.Observe(task.StatusEvent{TaskID: taskID, To: to})
		f.deps.Logger.Info("%s", f.tracker.StatusLine())
	}
	f.mu.Unlock()
	return execErr
}

// executeWithRetry retries transient failures with linear backoff
// (base * attempt). Aborts, safety violations, and other permanent errors
// stop immediately.
func (f *Flow) executeWithRetry(ctx context.Context, detailed *task.DetailedTask) (*task.ExecutionResult, error) {
	if f.cfg.DryRun {
		return f.simulate(detailed), nil
	}

	var result *task.ExecutionResult
	var err error
	for attempt := 1; ; attempt++ {
		result, err = f.deps.Executor.ExecuteTask(ctx, detailed)
		if err == nil || errors.IsAbort(err) || errors.GetErrorType(err) == errors.ErrorTypePermanent {
			return result, err
		}
		if attempt > f.cfg.MaxRetries {
			return result, err
		}

		delay := f.cfg.RetryBaseDelay * time.Duration(attempt)
		f.deps.Logger.Warn("task %s attempt %d failed (%v), retrying in %s", detailed.ID, attempt, err, delay)
		if f.deps.Metrics != nil {
			f.deps.Metrics.RetryAttempts.Inc()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, &errors.AbortError{TaskID: detailed.ID}
		}
	}
}

// simulate produces the dry-run stand-in result.
func (f *Flow) simulate(detailed *task.DetailedTask) *task.ExecutionResult {
	steps := make([]string, 0, len(detailed.Steps))
	for _, s := range detailed.Steps {
		if s.Command != nil {
			steps = append(steps, s.Command.String())
		}
	}
	return &task.ExecutionResult{
		TaskID:     detailed.ID,
		Status:     task.ResultSuccess,
		Output:     map[string]any{"dryRun": true, "wouldRun": steps},
		ExecutedAt: time.Now(),
	}
}

// completionPhase aggregates results into the final report.
func (f *Flow) completionPhase(elapsed time.Duration) (string, error) {
	f.enterPhase(PhaseCompletion)

	plan := f.Plan()
	results := f.deps.Manager.Results(plan.ID)
	blocked := f.deps.Manager.BlockedTasks(plan.ID)
	report := progress.CompletionSummary(plan, results, blocked, elapsed)

	f.mu.Lock()
	f.report = report
	f.mu.Unlock()

	f.finishPhase(PhaseCompletion, nil)
	return report, nil
}

// waitWhilePaused blocks until Resume or abort while the flow is paused.
func (f *Flow) waitWhilePaused(ctx context.Context) error {
	f.mu.Lock()
	if !f.paused {
		f.mu.Unlock()
		return nil
	}
	ch := f.resumeCh
	f.mu.Unlock()

	f.deps.Logger.Info("execution paused")
	select {
	case <-ch:
		f.deps.Logger.Info("execution resumed")
		return nil
	case <-ctx.Done():
		return &errors.AbortError{}
	}
}

// Approve resolves the pending plan approval.
func (f *Flow) Approve() error {
	return f.resolvePlanApproval(true, "approved")
}

// Deny resolves the pending plan approval negatively.
func (f *Flow) Deny(reason string) error {
	if reason == "" {
		reason = "denied"
	}
	return f.resolvePlanApproval(false, reason)
}

func (f *Flow) resolvePlanApproval(approved bool, reason string) error {
	f.mu.Lock()
	req := f.planApproval
	f.mu.Unlock()
	if req == nil {
		return fmt.Errorf("no plan approval is pending")
	}
	if !req.Resolve(approved, reason) {
		return fmt.Errorf("plan approval already decided")
	}
	return nil
}

// Pause suspends execution at the next task boundary.
func (f *Flow) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused {
		f.paused = true
		f.resumeCh = make(chan struct{})
	}
}

// Resume releases a paused flow.
func (f *Flow) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		f.paused = false
		close(f.resumeCh)
	}
}

// Abort cancels the run cooperatively: checked at phase and task
// boundaries, and propagated to child processes via context.
func (f *Flow) Abort() {
	f.mu.Lock()
	abort := f.abortFunc
	f.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// SkipTask marks a task skipped before it runs.
func (f *Flow) SkipTask(id, reason string) error {
	return f.deps.Manager.SkipTask(id, reason)
}
