// Package coordinator implements a dependency-gated task coordinator: a
// concurrency primitive that runs arbitrary asynchronous tasks against a
// shared, refreshable dependency (the canonical instance in this repo is an
// OAuth access token, see internal/oauth), guaranteeing that at most one
// refresh is ever in flight and that callers who observe a stale dependency
// are transparently retried against the refreshed one.
//
// # Usage
//
//	c := coordinator.New[oauth.Token, map[string]interface{}](nil, refreshToken)
//	out := c.Run(ctx, func(ctx context.Context, tok oauth.Token) coordinator.TaskOutcome[map[string]interface{}] {
//	    result, err := callUpstream(ctx, tok)
//	    if isUnauthorized(err) {
//	        return coordinator.RefreshRequired[map[string]interface{}]()
//	    }
//	    if err != nil {
//	        return coordinator.TaskFailure[map[string]interface{}](err)
//	    }
//	    return coordinator.TaskSuccess(result)
//	})
//
// # Reentrancy
//
// The refresh function passed to New must not call Run on the same
// Coordinator. Doing so deadlocks: the refresh goroutine would park behind
// its own in-flight refresh.
//
// # Generics and per-call result types
//
// A single Coordinator is parameterized by one result type S shared by
// every Run call against it. Go's method type parameters cannot introduce a
// type parameter independent from the receiver's in a way that would let
// one Coordinator[D, S] serve arbitrarily-typed calls with a different S
// each time. Callers needing heterogeneous result shapes either build one
// Coordinator per shape or standardize on a single S (this repo uses
// map[string]interface{}, matching internal/task.Task's result field).
package coordinator
