package coordinator

import "context"

// triggerRefresh implements the global refresh state machine. Preconditions:
// c.mu held, c.isRefreshing == false. It always releases c.mu before
// returning. A non-nil return means the Run loop should return that
// FinalOutcome immediately instead of looping back to Dispatch; a nil
// return means the originator should loop back to Dispatch and re-attempt
// the task against the dependency the refresh just produced.
func (c *Coordinator[D, S]) triggerRefresh(ctx context.Context, rc RefreshContext[D]) *FinalOutcome[S] {
	if c.isRefreshing {
		panic("coordinator: triggerRefresh called while a refresh is already in flight")
	}

	c.isRefreshing = true
	c.refreshAttempt++
	rc.Attempt = c.refreshAttempt
	c.mu.Unlock()

	// The refresh runs under the originating caller's context: the
	// refresh is "owned" by whoever triggered it, and its cancellation
	// is the originator's cancellation.
	result := c.refresh(ctx, rc)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch result.kind {
	case refreshSuccess:
		c.dependency = &result.dep
		c.version++
		c.refreshAttempt = 0
		c.isRefreshing = false
		c.fanOutLocked(resumption{kind: resumeRetry})
		return nil

	case refreshFailure:
		c.refreshAttempt = 0
		c.isRefreshing = false
		c.fanOutLocked(resumption{kind: resumeFailure, err: result.err})
		out := finalFailure[S](result.err, true)
		return &out

	case refreshCancelled:
		c.refreshAttempt = 0
		c.isRefreshing = false
		c.fanOutLocked(resumption{kind: resumeCancelled})
		out := finalCancelled[S](true)
		return &out

	default:
		panic("coordinator: unreachable refresh outcome kind")
	}
}

// fanOutLocked resumes every parked waiter in arrival order. Resumption is
// fire-and-forget: each send happens in its own goroutine so that waiters
// never block the originator's own continuation, but every goroutine is
// launched (while c.mu is still held by the caller) before fanOutLocked
// returns, which is what keeps the originator's retry from racing ahead of
// the waiter drain.
func (c *Coordinator[D, S]) fanOutLocked(r resumption) {
	for _, w := range c.waiters.drain() {
		w := w
		go w.resolve(r)
	}
}
