package approval

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/errors"
)

func TestResolveIsExactlyOnce(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "run migration", "migrate up", "")

	assert.True(t, req.Resolve(true, "first"))
	assert.False(t, req.Resolve(false, "second"))

	d, err := req.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "first", d.Reason)
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "risky step", "", "")

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		approved := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			if req.Resolve(approved, "racer") {
				wins <- approved
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []bool
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	d, _ := req.Await(context.Background(), time.Second)
	assert.Equal(t, winners[0], d.Approved)
}

func TestAwaitTimeoutDefaultsToDeny(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "dangerous step", "", "")

	d, err := req.Await(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.False(t, d.Approved)

	var timeoutErr *errors.ApprovalTimeoutError
	assert.True(t, stderrors.As(err, &timeoutErr))
	assert.Equal(t, "step-1", timeoutErr.StepID)

	// Timed-out request is sealed; late Resolve loses.
	assert.False(t, req.Resolve(true, "too late"))
}

func TestDenialReturnsApprovalDeniedError(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "write file", "", "")
	req.Resolve(false, "not today")

	_, err := req.Await(context.Background(), time.Second)
	require.Error(t, err)

	var denied *errors.ApprovalDeniedError
	require.True(t, stderrors.As(err, &denied))
	assert.Equal(t, "not today", denied.Reason)
}

func TestBrokerResolveByID(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "step", "", "")

	require.Len(t, b.Pending(), 1)
	require.NoError(t, b.Resolve(req.ID, true, "cli approve"))
	assert.Empty(t, b.Pending())

	assert.Error(t, b.Resolve(req.ID, true, "again"))
	assert.Error(t, b.Resolve("unknown", true, ""))

	d, err := req.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestPendingReturnsOldestFirst(t *testing.T) {
	b := NewBroker(nil)
	base := time.Now()
	r1 := b.Submit("step-1", "task-1", "first", "", "")
	r2 := b.Submit("step-2", "task-1", "second", "", "")
	r3 := b.Submit("step-3", "task-1", "third", "", "")
	r1.CreatedAt = base
	r2.CreatedAt = base.Add(time.Second)
	r3.CreatedAt = base.Add(-time.Second)

	got := b.Pending()
	require.Len(t, got, 3)
	assert.Equal(t, []string{r3.ID, r1.ID, r2.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestAskWithAutoApprover(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "step", "", "")

	d, err := b.Ask(context.Background(), AutoApprover{}, req, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Empty(t, b.Pending())
}

func TestAskWithDenyApprover(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "step", "", "")

	_, err := b.Ask(context.Background(), DenyApprover{Reason: "safe mode"}, req, time.Second)
	require.Error(t, err)

	var denied *errors.ApprovalDeniedError
	require.True(t, stderrors.As(err, &denied))
	assert.Equal(t, "safe mode", denied.Reason)
}

func TestAwaitHonorsContextCancellation(t *testing.T) {
	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "step", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := req.Await(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNonTerminalPromptLeavesRequestPending(t *testing.T) {
	a := NewInteractiveApprover(false, nil)
	a.isTerminal = func() bool { return false }

	b := NewBroker(nil)
	req := b.Submit("step-1", "task-1", "step", "", "")
	a.Prompt(req)

	// Not resolved: Await falls through to the timeout deny.
	_, err := req.Await(context.Background(), 30*time.Millisecond)
	var timeoutErr *errors.ApprovalTimeoutError
	assert.True(t, stderrors.As(err, &timeoutErr))
}
