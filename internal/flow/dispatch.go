package flow

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"otto/internal/errors"
)

// dispatchParallel is the ready-queue dispatcher: every pending task whose
// dependencies are satisfied is launched, up to the concurrency bound. The
// task manager must have been built with WithConcurrentExecution, otherwise
// the one-active-task invariant rejects the second launch.
func (f *Flow) dispatchParallel(ctx context.Context) error {
	plan := f.Plan()
	sem := semaphore.NewWeighted(int64(f.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	inFlight := make(map[string]bool)
	completed := make(chan string, len(plan.Tasks))

	for {
		if gctx.Err() != nil {
			break
		}
		if err := f.waitWhilePaused(gctx); err != nil {
			break
		}

		for _, t := range f.deps.Manager.ReadyTasks(plan.ID) {
			if inFlight[t.ID] {
				continue
			}
			if !sem.TryAcquire(1) {
				break
			}
			inFlight[t.ID] = true
			id := t.ID
			g.Go(func() error {
				defer sem.Release(1)
				err := f.executeOne(gctx, id)
				completed <- id
				if errors.IsAbort(err) {
					return err
				}
				// Ordinary task failure does not cancel the group; tasks
				// not depending on the failure keep running.
				return nil
			})
		}

		if len(inFlight) == 0 {
			// Nothing running and nothing ready: the plan is done, or every
			// remaining pending task is blocked on a failed dependency.
			break
		}

		select {
		case id := <-completed:
			delete(inFlight, id)
		case <-gctx.Done():
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return &errors.AbortError{}
	}
	return nil
}
