package coordinator

import "context"

type taskOutcomeKind int

const (
	taskSuccess taskOutcomeKind = iota
	taskFailure
	taskCancelled
	taskRefreshDependency
)

// TaskOutcome is returned by a TaskFunc to report how it resolved.
type TaskOutcome[S any] struct {
	kind  taskOutcomeKind
	value S
	err   error
}

// TaskSuccess reports that the task completed with value v.
func TaskSuccess[S any](v S) TaskOutcome[S] {
	return TaskOutcome[S]{kind: taskSuccess, value: v}
}

// TaskFailure reports that the task failed for a reason unrelated to the
// dependency's freshness.
func TaskFailure[S any](err error) TaskOutcome[S] {
	return TaskOutcome[S]{kind: taskFailure, err: err}
}

// TaskCancelled reports that the task observed its own cancellation.
func TaskCancelled[S any]() TaskOutcome[S] {
	return TaskOutcome[S]{kind: taskCancelled}
}

// RefreshRequired reports that the dependency the task just consumed is
// stale and a refresh should be triggered before retrying.
func RefreshRequired[S any]() TaskOutcome[S] {
	return TaskOutcome[S]{kind: taskRefreshDependency}
}

type refreshOutcomeKind int

const (
	refreshSuccess refreshOutcomeKind = iota
	refreshFailure
	refreshCancelled
)

// RefreshOutcome is returned by a RefreshFunc to report how the refresh
// attempt resolved.
type RefreshOutcome[D any] struct {
	kind refreshOutcomeKind
	dep  D
	err  error
}

// RefreshSuccess reports that the refresh produced a new dependency value.
func RefreshSuccess[D any](d D) RefreshOutcome[D] {
	return RefreshOutcome[D]{kind: refreshSuccess, dep: d}
}

// RefreshFailure reports that the refresh failed.
func RefreshFailure[D any](err error) RefreshOutcome[D] {
	return RefreshOutcome[D]{kind: refreshFailure, err: err}
}

// RefreshCancelled reports that the refresh observed its own cancellation.
func RefreshCancelled[D any]() RefreshOutcome[D] {
	return RefreshOutcome[D]{kind: refreshCancelled}
}

// FinalKind discriminates the terminal shape of a FinalOutcome.
type FinalKind int

const (
	// FinalSuccess means the task produced a value.
	FinalSuccess FinalKind = iota
	// FinalFailure means the task or the refresh it depended on failed.
	FinalFailure
	// FinalCancelled means the call or the refresh it depended on was
	// cancelled before a value could be produced.
	FinalCancelled
)

// FinalOutcome is the verdict Run returns to its caller: a value, an error,
// or a cancellation, each carrying an Origin flag distinguishing results
// produced on the caller's own path from results inherited from a shared
// refresh that this caller merely waited on.
type FinalOutcome[S any] struct {
	Kind   FinalKind
	Value  S
	Err    error
	Origin bool
}

func finalSuccess[S any](v S) FinalOutcome[S] {
	return FinalOutcome[S]{Kind: FinalSuccess, Value: v, Origin: true}
}

func finalFailure[S any](err error, origin bool) FinalOutcome[S] {
	return FinalOutcome[S]{Kind: FinalFailure, Err: err, Origin: origin}
}

func finalCancelled[S any](origin bool) FinalOutcome[S] {
	return FinalOutcome[S]{Kind: FinalCancelled, Origin: origin}
}

// RefreshReason discriminates why a refresh is being triggered.
type RefreshReason int

const (
	// ReasonMissingDependency means no dependency has ever been produced.
	ReasonMissingDependency RefreshReason = iota
	// ReasonTaskRequiredUpdate means a task observed the current
	// dependency and declared it stale.
	ReasonTaskRequiredUpdate
)

func (r RefreshReason) String() string {
	switch r {
	case ReasonMissingDependency:
		return "missing_dependency"
	case ReasonTaskRequiredUpdate:
		return "task_required_update"
	default:
		return "unknown"
	}
}

// RefreshContext carries the information a RefreshFunc needs to produce a
// new dependency value.
type RefreshContext[D any] struct {
	Attempt uint32
	Reason  RefreshReason
	// Prior is the dependency value a task observed as stale. Only set
	// when Reason is ReasonTaskRequiredUpdate.
	Prior *D
}

// RefreshFunc produces a fresh dependency value. It must terminate (success,
// failure, or cancellation) and must not call Run on the same Coordinator —
// reentrancy is not supported and will deadlock.
type RefreshFunc[D any] func(ctx context.Context, rc RefreshContext[D]) RefreshOutcome[D]

// TaskFunc is the caller's unit of work. It may suspend on ctx but must not
// mutate Coordinator state directly.
type TaskFunc[D, S any] func(ctx context.Context, dep D) TaskOutcome[S]
