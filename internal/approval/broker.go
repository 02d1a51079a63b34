// Package approval gates execution steps on a human decision. Each request
// is a one-shot object with its own completion handle: the first Resolve
// wins, later ones report that they lost the race.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"otto/internal/errors"
	"otto/internal/logging"
)

// Decision is the outcome of one approval request.
type Decision struct {
	Approved  bool
	Reason    string
	DecidedAt time.Time
}

// Request is a single pending approval. It completes exactly once, via
// Resolve or via Await's timeout/cancellation default.
type Request struct {
	ID        string
	StepID    string
	TaskID    string
	Summary   string
	Command   string
	Diff      string
	CreatedAt time.Time

	once     sync.Once
	decision chan Decision
}

func newRequest(stepID, taskID, summary, command, diff string) *Request {
	return &Request{
		ID:        uuid.NewString(),
		StepID:    stepID,
		TaskID:    taskID,
		Summary:   summary,
		Command:   command,
		Diff:      diff,
		CreatedAt: time.Now(),
		decision:  make(chan Decision, 1),
	}
}

// Resolve completes the request. Returns true if this call decided the
// request, false if it was already decided.
func (r *Request) Resolve(approved bool, reason string) bool {
	won := false
	r.once.Do(func() {
		r.decision <- Decision{Approved: approved, Reason: reason, DecidedAt: time.Now()}
		won = true
	})
	return won
}

// Await blocks until the request is resolved, the timeout elapses, or ctx
// is cancelled. Timeout resolves the request as denied and returns an
// ApprovalTimeoutError; an unresolved deny returns ApprovalDeniedError.
func (r *Request) Await(ctx context.Context, timeout time.Duration) (Decision, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case d := <-r.decision:
		if !d.Approved {
			return d, &errors.ApprovalDeniedError{StepID: r.StepID, Reason: d.Reason}
		}
		return d, nil
	case <-timer:
		r.Resolve(false, "timed out")
		return Decision{Reason: "timed out"}, &errors.ApprovalTimeoutError{StepID: r.StepID, Timeout: timeout}
	case <-ctx.Done():
		r.Resolve(false, "cancelled")
		return Decision{Reason: "cancelled"}, ctx.Err()
	}
}

// Broker mints approval requests and lets external callers (CLI commands,
// HTTP handlers) resolve them by id.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*Request
	logger  logging.Logger
}

// NewBroker creates an empty Broker.
func NewBroker(logger logging.Logger) *Broker {
	return &Broker{
		pending: make(map[string]*Request),
		logger:  logging.OrNop(logger),
	}
}

// Submit mints a pending request. The caller holds the returned handle and
// Awaits it; anyone else resolves it through the broker.
func (b *Broker) Submit(stepID, taskID, summary, command, diff string) *Request {
	req := newRequest(stepID, taskID, summary, command, diff)
	b.mu.Lock()
	b.pending[req.ID] = req
	b.mu.Unlock()
	b.logger.Info("approval requested for step %s: %s", stepID, summary)
	return req
}

// Resolve decides a pending request by id.
func (b *Broker) Resolve(id string, approved bool, reason string) error {
	b.mu.Lock()
	req, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval request %s not found", id)
	}
	if !req.Resolve(approved, reason) {
		return fmt.Errorf("approval request %s already decided", id)
	}
	b.logger.Info("approval %s resolved: approved=%v (%s)", id, approved, reason)
	return nil
}

// Pending returns a copy of the undecided requests, oldest first.
func (b *Broker) Pending() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Request, 0, len(b.pending))
	for _, req := range b.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// remove drops a request from the pending map after it has completed, so
// resolved handles do not accumulate.
func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Ask is the common path for executors: submit, hand to the approver if one
// is attached, and await the decision.
func (b *Broker) Ask(ctx context.Context, approver Approver, req *Request, timeout time.Duration) (Decision, error) {
	defer b.remove(req.ID)
	if approver != nil {
		go approver.Prompt(req)
	}
	return req.Await(ctx, timeout)
}

// Approver presents a pending request to whoever decides it. Prompt must
// eventually call req.Resolve; a Prompt that never resolves leaves the
// request to the Await timeout's default deny.
type Approver interface {
	Prompt(req *Request)
}
