package quorum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAuthorityTimeout is recorded for an authority that did not answer within
// its per-authority timeout.
var ErrAuthorityTimeout = errors.New("authority timed out")

// AuthorityError is the failure of one authority in Once.
type AuthorityError[K comparable] struct {
	Authority K     // Authority is the failed authority
	Err       error // Err is the call error or ErrAuthorityTimeout
}

// OnceError is returned by Once when no authority succeeded.
type OnceError[K comparable] struct {
	Errors []AuthorityError[K] // Errors lists failures in the order authorities were tried
}

// Error implements error.
func (e *OnceError[K]) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "no authority succeeded (%d tried)", len(e.Errors))

	for _, ae := range e.Errors {
		fmt.Fprintf(&b, "\n  %v: %v", ae.Authority, ae.Err)
	}

	return b.String()
}

// Once asks authorities one at a time, in stake-shuffled order, and returns
// the first successful answer. It suits requests where a single honest
// response suffices because the answer can be checked, such as fetching an
// object by digest. Each call is bounded by timeoutEach.
func Once[K comparable, C, V any](
	ctx context.Context,
	committee Committee[K],
	clients map[K]C,
	mapFn MapFunc[K, C, V],
	timeoutEach time.Duration,
) (V, error) {
	var zero V

	failures := &OnceError[K]{}

	for _, id := range committee.ShuffleByStake(nil) {
		client, ok := clients[id]
		if !ok {
			continue
		}

		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("once:\n%w", err)
		}

		value, err := callWithTimeout(ctx, id, client, mapFn, timeoutEach)
		if err == nil {
			return value, nil
		}

		failures.Errors = append(failures.Errors, AuthorityError[K]{Authority: id, Err: err})
	}

	return zero, failures
}

// callWithTimeout runs mapFn and stops waiting after timeout even if the call
// ignores its context.
func callWithTimeout[K comparable, C, V any](
	ctx context.Context,
	id K,
	client C,
	mapFn MapFunc[K, C, V],
	timeout time.Duration,
) (V, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Response[K, V], 1)

	go func() {
		value, err := mapFn(callCtx, id, client)
		done <- Response[K, V]{Authority: id, Value: value, Err: err}
	}()

	select {
	case r := <-done:
		return r.Value, r.Err
	case <-callCtx.Done():
		var zero V
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		return zero, ErrAuthorityTimeout
	}
}
