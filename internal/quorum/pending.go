package quorum

import "context"

// Pending holds the authority calls not yet folded when an aggregation
// succeeded. Responses already received but not folded come first, followed
// by the still running calls in arrival order. Reading from Pending never
// re-invokes a map function. A Pending must not be used concurrently.
type Pending[K comparable, V any] struct {
	buffered  []Response[K, V]      // buffered are received but unfolded responses
	responses <-chan Response[K, V] // responses delivers the running calls
	waiting   map[K]struct{}        // waiting are authorities whose call has not completed
}

// Len returns the number of responses still obtainable.
func (p *Pending[K, V]) Len() int {
	return len(p.buffered) + len(p.waiting)
}

// Authorities returns the set of authorities whose response was not folded.
func (p *Pending[K, V]) Authorities() map[K]struct{} {
	out := make(map[K]struct{}, p.Len())

	for _, r := range p.buffered {
		out[r.Authority] = struct{}{}
	}

	for id := range p.waiting {
		out[id] = struct{}{}
	}

	return out
}

// Next returns the next response. It returns false once every response has
// been consumed or ctx is done.
func (p *Pending[K, V]) Next(ctx context.Context) (Response[K, V], bool) {
	if len(p.buffered) > 0 {
		r := p.buffered[0]
		p.buffered = p.buffered[1:]

		return r, true
	}

	if len(p.waiting) == 0 {
		return Response[K, V]{}, false
	}

	select {
	case r := <-p.responses:
		delete(p.waiting, r.Authority)
		return r, true
	case <-ctx.Done():
		return Response[K, V]{}, false
	}
}

// Drain collects responses until all calls completed or ctx is done.
func (p *Pending[K, V]) Drain(ctx context.Context) []Response[K, V] {
	var out []Response[K, V]

	for {
		r, ok := p.Next(ctx)
		if !ok {
			return out
		}

		out = append(out, r)
	}
}
