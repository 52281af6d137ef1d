package quorum

import (
	"context"
	"time"

	"StakeQuorum/internal/logger"
)

// Fold phases, used in logs.
const (
	phasePrefetch = "prefetch"
	phaseArrival  = "arrival"
)

// Aggregate queries every client concurrently and folds the responses in
// arrival order until reduceFn returns Success or Failed, every call has been
// folded, or totalTimeout elapses.
//
// On Success the result is returned together with the calls that were not
// folded. Otherwise the error is a *Failure carrying the last state.
func Aggregate[K comparable, C, V, S, R any](
	ctx context.Context,
	committee Committee[K],
	clients map[K]C,
	initial S,
	mapFn MapFunc[K, C, V],
	reduceFn ReduceFunc[K, V, S, R],
	totalTimeout time.Duration,
) (R, *Pending[K, V], error) {
	return AggregateWithPrefs(ctx, committee, clients, nil, initial, mapFn, reduceFn, totalTimeout)
}

// AggregateWithPrefs is Aggregate with an optional prefetch phase.
//
// When prefs is set, responses arriving within prefs.PrefetchTimeout are
// captured first and folded in the committee's shuffle order (preferred
// authorities first). Everything arriving later is folded in arrival order.
// totalTimeout bounds the whole call, prefetch included.
func AggregateWithPrefs[K comparable, C, V, S, R any](
	ctx context.Context,
	committee Committee[K],
	clients map[K]C,
	prefs *Preferences[K],
	initial S,
	mapFn MapFunc[K, C, V],
	reduceFn ReduceFunc[K, V, S, R],
	totalTimeout time.Duration,
) (R, *Pending[K, V], error) {
	a := &aggregation[K, V, S, R]{
		start:     time.Now(),
		committee: committee,
		reduceFn:  reduceFn,
		state:     initial,
		waiting:   make(map[K]struct{}, len(clients)),
	}
	a.deadline = a.start.Add(totalTimeout)

	var preferred map[K]struct{}
	if prefs != nil {
		preferred = prefs.OrderingPref
	}

	// The order only affects prefetch folding; every call starts now.
	order := committee.ShuffleByStake(preferred)

	a.responses = spawn(ctx, clients, mapFn)
	for id := range clients {
		a.waiting[id] = struct{}{}
	}

	if prefs != nil && prefs.PrefetchTimeout > 0 {
		if done := a.prefetch(ctx, order, prefs.PrefetchTimeout); done {
			return a.result, a.pending, a.err
		}
	}

	a.arrivalOrder(ctx)

	return a.result, a.pending, a.err
}

// spawn starts one goroutine per client. The channel is sized so that no
// goroutine blocks once the aggregation stops reading.
func spawn[K comparable, C, V any](ctx context.Context, clients map[K]C, mapFn MapFunc[K, C, V]) <-chan Response[K, V] {
	responses := make(chan Response[K, V], len(clients))

	for id, client := range clients {
		go func(id K, client C) {
			value, err := mapFn(ctx, id, client)
			responses <- Response[K, V]{Authority: id, Value: value, Err: err}
		}(id, client)
	}

	return responses
}

// aggregation is the state of a single Aggregate call. Only the calling
// goroutine touches it.
type aggregation[K comparable, V, S, R any] struct {
	start     time.Time
	deadline  time.Time
	committee Committee[K]
	reduceFn  ReduceFunc[K, V, S, R]

	responses <-chan Response[K, V]
	waiting   map[K]struct{} // waiting are authorities with a call still running
	state     S              // state is the accumulator, owned by the fold loop
	folded    int

	// outcome
	result  R
	pending *Pending[K, V]
	err     error
}

// receive records a completed call.
func (a *aggregation[K, V, S, R]) receive(r Response[K, V]) {
	delete(a.waiting, r.Authority)
}

// prefetch captures responses until the window closes or all calls completed,
// then folds them in shuffle order. Returns true if a verdict ended the call.
func (a *aggregation[K, V, S, R]) prefetch(ctx context.Context, order []K, window time.Duration) bool {
	if remaining := time.Until(a.deadline); window > remaining {
		window = remaining
	}

	var captured []Response[K, V]

	timer := time.NewTimer(window)
	defer timer.Stop()

collect:
	for len(a.waiting) > 0 {
		select {
		case r := <-a.responses:
			a.receive(r)
			captured = append(captured, r)
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	logger.Debug("prefetch window closed",
		"captured", len(captured),
		"outstanding", len(a.waiting),
		logger.Timed(a.start),
	)

	index := make(map[K]int, len(captured))
	for i, r := range captured {
		index[r.Authority] = i
	}

	folded := make([]bool, len(captured))

	fold := func(i int) bool {
		folded[i] = true
		if !a.fold(captured[i], phasePrefetch) {
			return false
		}

		// A verdict was reached: unfolded captures join the pending set.
		var rest []Response[K, V]
		for j, r := range captured {
			if !folded[j] {
				rest = append(rest, r)
			}
		}

		if a.pending != nil {
			a.pending.buffered = rest
		}

		return true
	}

	for _, id := range order {
		i, ok := index[id]
		if !ok || folded[i] {
			continue
		}

		if fold(i) {
			return true
		}
	}

	// Clients missing from the shuffle are folded in arrival order.
	for i := range captured {
		if folded[i] {
			continue
		}

		if fold(i) {
			return true
		}
	}

	return false
}

// arrivalOrder folds responses as they complete until a verdict, the
// deadline, or exhaustion.
func (a *aggregation[K, V, S, R]) arrivalOrder(ctx context.Context) {
	timer := time.NewTimer(time.Until(a.deadline))
	defer timer.Stop()

	for len(a.waiting) > 0 {
		var r Response[K, V]

		// Completed calls are folded even when the budget is already spent.
		select {
		case r = <-a.responses:
		default:
			select {
			case r = <-a.responses:
			case <-timer.C:
				a.fail("total timeout elapsed")
				return
			case <-ctx.Done():
				a.fail("context done")
				return
			}
		}

		a.receive(r)

		if a.fold(r, phaseArrival) {
			return
		}
	}

	a.fail("no calls outstanding")
}

// fold hands one response to the reducer. Returns true if the reducer ended
// the aggregation, in which case the outcome fields are set.
func (a *aggregation[K, V, S, R]) fold(r Response[K, V], phase string) bool {
	weight := a.committee.Weight(r.Authority)

	logger.Debug("folding response",
		"authority", r.Authority,
		"weight", weight,
		"phase", phase,
		"ok", r.Err == nil,
	)

	out := a.reduceFn(a.state, r.Authority, weight, r.Value, r.Err)
	a.folded++

	switch out.verdict {
	case verdictSuccess:
		var zero S
		a.state = zero
		a.result = out.result
		a.pending = &Pending[K, V]{
			responses: a.responses,
			waiting:   a.waiting,
		}

		logger.Debug("quorum reached",
			"folded", a.folded,
			"pending", len(a.waiting),
			logger.Timed(a.start),
		)

		return true

	case verdictFailed:
		a.state = out.state
		a.fail("reducer failed")

		return true

	default:
		a.state = out.state
		return false
	}
}

// fail sets the outcome to a Failure carrying the current state.
func (a *aggregation[K, V, S, R]) fail(reason string) {
	elapsed := time.Since(a.start)

	logger.Debug("aggregation stopped",
		"reason", reason,
		"folded", a.folded,
		"outstanding", len(a.waiting),
		logger.Timed(a.start),
	)

	a.err = &Failure[S]{
		State:   a.state,
		Folded:  a.folded,
		Elapsed: elapsed,
	}
}
