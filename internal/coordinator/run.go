package coordinator

import "context"

// callState is the per-call state machine's current step. Run loops over
// these rather than recursing, so neither a long run of RefreshDependency
// retries nor a long queue of parked waiters grows the goroutine's stack.
type callState int

const (
	stateDispatch callState = iota
	stateParked
)

type dispatchStep int

const (
	stepParked dispatchStep = iota
	stepRetry
)

type dispatchOutcome struct {
	step   dispatchStep
	waiter *waiter
}

// Run submits one task and blocks until a final verdict is reached: the
// task's own result, a refresh failure/cancellation inherited from a
// shared refresh, or cancellation of ctx. It is the only way callers
// obtain results from the coordinator.
func (c *Coordinator[D, S]) Run(ctx context.Context, task TaskFunc[D, S]) FinalOutcome[S] {
	state := stateDispatch
	var pendingWaiter *waiter

	for {
		switch state {
		case stateParked:
			select {
			case r := <-pendingWaiter.ch:
				switch r.kind {
				case resumeRetry:
					state = stateDispatch
					continue
				case resumeFailure:
					return finalFailure[S](r.err, false)
				case resumeCancelled:
					return finalCancelled[S](false)
				}

			case <-ctx.Done():
				// The waiter stays queued; a future resolve() still
				// succeeds, it is just never observed by this call. Per
				// §5, cancellation while parked does not dequeue it.
				return finalCancelled[S](true)
			}

		case stateDispatch:
			outcome, done := c.dispatch(ctx, task)
			if done != nil {
				return *done
			}
			switch outcome.step {
			case stepParked:
				pendingWaiter = outcome.waiter
				state = stateParked
			case stepRetry:
				state = stateDispatch
			}
		}
	}
}

// dispatch runs one iteration of Dispatch -> (task attempt -> Classify) |
// Parked | TriggerRefresh. It returns either a final verdict (done != nil)
// or an instruction for the Run loop to park or retry.
func (c *Coordinator[D, S]) dispatch(ctx context.Context, task TaskFunc[D, S]) (dispatchOutcome, *FinalOutcome[S]) {
	c.mu.Lock()

	if ctx.Err() != nil {
		c.mu.Unlock()
		out := finalCancelled[S](true)
		return dispatchOutcome{}, &out
	}

	if c.isRefreshing {
		w := newWaiter()
		c.waiters.push(w)
		c.mu.Unlock()
		return dispatchOutcome{step: stepParked, waiter: w}, nil
	}

	if c.dependency == nil {
		out := c.triggerRefresh(ctx, RefreshContext[D]{Reason: ReasonMissingDependency})
		return dispatchOutcome{step: stepRetry}, out
	}

	depSnapshot := *c.dependency
	versionSnapshot := c.version
	c.mu.Unlock()

	result := task(ctx, depSnapshot)

	c.mu.Lock()
	switch result.kind {
	case taskSuccess:
		c.refreshAttempt = 0
		c.mu.Unlock()
		if ctx.Err() != nil {
			out := finalCancelled[S](true)
			return dispatchOutcome{}, &out
		}
		out := finalSuccess(result.value)
		return dispatchOutcome{}, &out

	case taskFailure:
		c.refreshAttempt = 0
		c.mu.Unlock()
		out := finalFailure[S](result.err, true)
		return dispatchOutcome{}, &out

	case taskCancelled:
		c.refreshAttempt = 0
		c.mu.Unlock()
		out := finalCancelled[S](true)
		return dispatchOutcome{}, &out

	case taskRefreshDependency:
		if c.isRefreshing || versionSnapshot < c.version {
			// Another refresh beat us to it, or already completed;
			// park or re-attempt against the newer dependency. Do not
			// start a second refresh.
			c.mu.Unlock()
			return dispatchOutcome{step: stepRetry}, nil
		}
		out := c.triggerRefresh(ctx, RefreshContext[D]{
			Reason: ReasonTaskRequiredUpdate,
			Prior:  &depSnapshot,
		})
		return dispatchOutcome{step: stepRetry}, out

	default:
		panic("coordinator: unreachable task outcome kind")
	}
}
