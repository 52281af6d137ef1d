package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Committee is the read-only view of the authorities being queried.
// Implementations must be safe for concurrent reads.
type Committee[K comparable] interface {
	// Weight returns the stake of the given authority.
	Weight(id K) uint64

	// ShuffleByStake returns every member exactly once. Members of preferred
	// come first; the rest follow in a stake-weighted random order.
	ShuffleByStake(preferred map[K]struct{}) []K
}

// Preferences enable the prefetch phase of an aggregation.
type Preferences[K comparable] struct {
	OrderingPref    map[K]struct{} // OrderingPref lists authorities placed first in the fold order
	PrefetchTimeout time.Duration  // PrefetchTimeout is how long early responses are collected before folding
}

// MapFunc performs the call to a single authority.
// It is invoked exactly once per client, concurrently with all others.
type MapFunc[K comparable, C, V any] func(ctx context.Context, id K, client C) (V, error)

// ReduceFunc folds one authority response into the accumulated state.
// It is never invoked concurrently with itself, so it may mutate captured
// variables freely.
type ReduceFunc[K comparable, V, S, R any] func(state S, id K, weight uint64, value V, err error) ReduceOutput[S, R]

// Response is the outcome of one authority call.
type Response[K comparable, V any] struct {
	Authority K     // Authority is the queried authority
	Value     V     // Value is the call result when Err is nil
	Err       error // Err is the call error, routed to the reducer untouched
}

// verdict discriminates ReduceOutput.
type verdict uint8

const (
	verdictContinue verdict = iota
	verdictFailed
	verdictSuccess
)

// ReduceOutput is the verdict of one fold step.
// Build it with Continue, Failed or Success.
type ReduceOutput[S, R any] struct {
	verdict verdict
	state   S
	result  R
}

// Continue keeps folding with the given state.
func Continue[S, R any](state S) ReduceOutput[S, R] {
	return ReduceOutput[S, R]{verdict: verdictContinue, state: state}
}

// Failed aborts the aggregation, returning state to the caller.
func Failed[S, R any](state S) ReduceOutput[S, R] {
	return ReduceOutput[S, R]{verdict: verdictFailed, state: state}
}

// Success ends the aggregation with result.
func Success[S, R any](result R) ReduceOutput[S, R] {
	return ReduceOutput[S, R]{verdict: verdictSuccess, result: result}
}

// Failure is returned when no Success verdict was reached, either because the
// reducer returned Failed or because the total timeout elapsed first.
// State is the last accumulated state.
type Failure[S any] struct {
	State   S             // State is the accumulator at the moment aggregation stopped
	Folded  int           // Folded is the number of responses passed to the reducer
	Elapsed time.Duration // Elapsed is the time spent in the aggregation
}

// Error implements error.
func (f *Failure[S]) Error() string {
	return fmt.Sprintf("quorum not reached: %d responses folded in %v", f.Folded, f.Elapsed)
}

// StateOf extracts the accumulated state from an aggregation error.
func StateOf[S any](err error) (S, bool) {
	var f *Failure[S]
	if errors.As(err, &f) {
		return f.State, true
	}

	var zero S

	return zero, false
}
