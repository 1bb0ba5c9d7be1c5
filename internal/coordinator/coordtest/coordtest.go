// Package coordtest provides small, deterministic test doubles for
// exercising internal/coordinator: a scripted refresh function that plays
// back a queued sequence of outcomes, and a call log for asserting FIFO
// ordering across goroutines. It plays the role the core specification
// reserves for an external test harness — the coordinator package itself
// never depends on it.
package coordtest

import (
	"context"
	"sync"
	"time"

	"github.com/maumercado/credqueue/internal/coordinator"
)

// ScriptedRefresh returns a coordinator.RefreshFunc that plays back a fixed
// sequence of outcomes, one per call, optionally after a fixed delay. It
// also counts concurrent entries so tests can assert single-flight
// (entries never exceeds 1) and records total invocations.
type ScriptedRefresh[D any] struct {
	mu      sync.Mutex
	script  []coordinator.RefreshOutcome[D]
	index   int
	delay   time.Duration
	entries int32
	calls   int32
	maxSeen int32
}

// NewScriptedRefresh builds a ScriptedRefresh that yields outcomes in
// order. If more calls happen than outcomes were scripted, the last
// outcome is repeated.
func NewScriptedRefresh[D any](delay time.Duration, outcomes ...coordinator.RefreshOutcome[D]) *ScriptedRefresh[D] {
	return &ScriptedRefresh[D]{script: outcomes, delay: delay}
}

// Func returns the RefreshFunc to pass to coordinator.New.
func (s *ScriptedRefresh[D]) Func() coordinator.RefreshFunc[D] {
	return func(ctx context.Context, rc coordinator.RefreshContext[D]) coordinator.RefreshOutcome[D] {
		s.mu.Lock()
		s.entries++
		s.calls++
		if s.entries > s.maxSeen {
			s.maxSeen = s.entries
		}
		idx := s.index
		if idx >= len(s.script) {
			idx = len(s.script) - 1
		}
		out := s.script[idx]
		if s.index < len(s.script)-1 {
			s.index++
		}
		s.mu.Unlock()

		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				s.mu.Lock()
				s.entries--
				s.mu.Unlock()
				return coordinator.RefreshCancelled[D]()
			}
		}

		s.mu.Lock()
		s.entries--
		s.mu.Unlock()

		return out
	}
}

// Calls returns the total number of times the refresh function was entered.
func (s *ScriptedRefresh[D]) Calls() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// MaxConcurrentEntries returns the highest number of simultaneous
// invocations observed, which single-flight correctness requires to be 1.
func (s *ScriptedRefresh[D]) MaxConcurrentEntries() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

// CallLog records event names in the order they are observed,
// for asserting FIFO delivery across concurrently running goroutines.
type CallLog struct {
	mu      sync.Mutex
	entries []string
}

// Record appends name to the log. Safe for concurrent use.
func (l *CallLog) Record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, name)
}

// Entries returns a snapshot of the recorded order.
func (l *CallLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}
