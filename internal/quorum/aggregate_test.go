package quorum

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// never marks an authority that does not answer until the test ends.
const never = time.Duration(-1)

// testCommittee is a committee with a fixed, non-random shuffle.
type testCommittee struct {
	weights map[string]uint64
	order   []string
}

// newTestCommittee creates a committee where every member has weight 1.
func newTestCommittee(ids ...string) *testCommittee {
	c := &testCommittee{weights: make(map[string]uint64), order: ids}
	for _, id := range ids {
		c.weights[id] = 1
	}

	return c
}

func (c *testCommittee) Weight(id string) uint64 {
	return c.weights[id]
}

func (c *testCommittee) ShuffleByStake(preferred map[string]struct{}) []string {
	out := make([]string, 0, len(c.order))

	for _, id := range c.order {
		if _, ok := preferred[id]; ok {
			out = append(out, id)
		}
	}

	for _, id := range c.order {
		if _, ok := preferred[id]; !ok {
			out = append(out, id)
		}
	}

	return out
}

func (c *testCommittee) total() uint64 {
	var sum uint64
	for _, w := range c.weights {
		sum += w
	}

	return sum
}

// testClient answers after delay with its name, or fails with err.
type testClient struct {
	delay time.Duration
	err   error
}

// harness tracks map invocations and releases blocked calls at cleanup.
type harness struct {
	calls   sync.Map // calls counts map invocations per authority
	release chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{release: make(chan struct{})}
	t.Cleanup(func() { close(h.release) })

	return h
}

func (h *harness) mapFn(ctx context.Context, id string, c testClient) (string, error) {
	n, _ := h.calls.LoadOrStore(id, new(atomic.Int32))
	n.(*atomic.Int32).Add(1)

	if c.delay == never {
		<-h.release
		return "", errors.New("released")
	}

	time.Sleep(c.delay)

	if c.err != nil {
		return "", c.err
	}

	return id, nil
}

func (h *harness) callCount(id string) int32 {
	n, ok := h.calls.Load(id)
	if !ok {
		return 0
	}

	return n.(*atomic.Int32).Load()
}

// tally is the accumulator used by the tests.
type tally struct {
	stake  uint64
	folded []string
	errs   int
}

// quorumReducer succeeds once stake is above two thirds of total.
func quorumReducer(total uint64) ReduceFunc[string, string, tally, []string] {
	return func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, []string] {
		s.folded = append(s.folded, id)

		if err != nil {
			s.errs++
			return Continue[tally, []string](s)
		}

		s.stake += weight
		if 3*s.stake > 2*total {
			return Success[tally](s.folded)
		}

		return Continue[tally, []string](s)
	}
}

// TestQuorumTermination verifies success right after the third of four equal votes.
func TestQuorumTermination(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "d")
	clients := map[string]testClient{
		"a": {delay: 10 * time.Millisecond},
		"b": {delay: 20 * time.Millisecond},
		"c": {delay: 30 * time.Millisecond},
		"d": {delay: never},
	}

	start := time.Now()
	folded, pending, err := Aggregate(context.Background(), committee, clients, tally{}, h.mapFn, quorumReducer(committee.total()), 5*time.Second)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if len(folded) != 3 {
		t.Errorf("folded %d responses, want 3", len(folded))
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("success should not wait for the silent authority, took %v", elapsed)
	}

	if pending.Len() != 1 {
		t.Errorf("pending = %d, want 1", pending.Len())
	}

	if _, ok := pending.Authorities()["d"]; !ok {
		t.Error("silent authority should be pending")
	}
}

// TestTimeout verifies the total timeout with one silent authority.
func TestTimeout(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "d")
	clients := map[string]testClient{
		"a": {delay: 5 * time.Millisecond},
		"b": {delay: 5 * time.Millisecond},
		"c": {delay: 5 * time.Millisecond},
		"d": {delay: never},
	}

	// Never succeeds: requires all four.
	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		s.folded = append(s.folded, id)
		return Continue[tally, string](s)
	}

	start := time.Now()
	_, pending, err := Aggregate(context.Background(), committee, clients, tally{}, h.mapFn, reduce, 200*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}

	if pending != nil {
		t.Error("pending should be nil on failure")
	}

	state, ok := StateOf[tally](err)
	if !ok {
		t.Fatalf("error does not carry state: %v", err)
	}

	if len(state.folded) != 3 {
		t.Errorf("folded %d responses, want 3", len(state.folded))
	}

	if elapsed < 200*time.Millisecond || elapsed > time.Second {
		t.Errorf("elapsed %v, want about 200ms", elapsed)
	}
}

// TestExplicitFailure verifies Failed aborts without waiting for pending calls.
func TestExplicitFailure(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "d")
	decodeErr := errors.New("decode error")
	clients := map[string]testClient{
		"a": {delay: 0, err: decodeErr},
		"b": {delay: 300 * time.Millisecond},
		"c": {delay: 300 * time.Millisecond},
		"d": {delay: never},
	}

	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		s.folded = append(s.folded, id)
		if errors.Is(err, decodeErr) {
			return Failed[tally, string](s)
		}

		return Continue[tally, string](s)
	}

	start := time.Now()
	_, _, err := Aggregate(context.Background(), committee, clients, tally{}, h.mapFn, reduce, 5*time.Second)

	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("failure should be immediate, took %v", elapsed)
	}

	var failure *Failure[tally]
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}

	if failure.Folded != 1 || len(failure.State.folded) != 1 {
		t.Errorf("folded %d responses, want 1", failure.Folded)
	}
}

// TestEmptyClients verifies an empty client map fails at once with the initial state.
func TestEmptyClients(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a")

	initial := tally{stake: 42}

	start := time.Now()
	_, _, err := Aggregate(context.Background(), committee, map[string]testClient{}, initial, h.mapFn, quorumReducer(1), time.Second)

	if time.Since(start) > 100*time.Millisecond {
		t.Error("empty aggregation should return immediately")
	}

	state, ok := StateOf[tally](err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}

	if state.stake != 42 || len(state.folded) != 0 {
		t.Errorf("state = %+v, want initial", state)
	}
}

// TestExhaustion verifies failure once every authority was folded without a verdict.
func TestExhaustion(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "d")
	clients := map[string]testClient{
		"a": {err: errors.New("down")},
		"b": {err: errors.New("down")},
		"c": {},
		"d": {},
	}

	start := time.Now()
	_, _, err := Aggregate(context.Background(), committee, clients, tally{}, h.mapFn, quorumReducer(committee.total()), 5*time.Second)

	if time.Since(start) > time.Second {
		t.Error("exhaustion should not wait for the timeout")
	}

	state, ok := StateOf[tally](err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}

	if len(state.folded) != 4 || state.errs != 2 || state.stake != 2 {
		t.Errorf("state = %+v", state)
	}
}

// TestSingleInvocation verifies each map function runs exactly once.
func TestSingleInvocation(t *testing.T) {
	h := newHarness(t)
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	committee := newTestCommittee(ids...)

	clients := make(map[string]testClient, len(ids))
	for i, id := range ids {
		clients[id] = testClient{delay: time.Duration(i) * 5 * time.Millisecond}
	}

	prefs := &Preferences[string]{PrefetchTimeout: 12 * time.Millisecond}

	_, pending, err := AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, quorumReducer(committee.total()), 5*time.Second)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending.Drain(ctx)

	for _, id := range ids {
		if n := h.callCount(id); n != 1 {
			t.Errorf("authority %s called %d times", id, n)
		}
	}
}

// TestSequentialReduction verifies the reducer never runs concurrently with itself.
func TestSequentialReduction(t *testing.T) {
	h := newHarness(t)

	ids := make([]string, 32)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}

	committee := newTestCommittee(ids...)
	clients := make(map[string]testClient, len(ids))
	for _, id := range ids {
		clients[id] = testClient{}
	}

	var inside atomic.Int32
	var overlaps atomic.Int32

	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		if inside.Add(1) != 1 {
			overlaps.Add(1)
		}
		defer inside.Add(-1)

		time.Sleep(time.Millisecond)
		s.folded = append(s.folded, id)

		return Continue[tally, string](s)
	}

	prefs := &Preferences[string]{PrefetchTimeout: 5 * time.Millisecond}

	_, _, err := AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, reduce, 5*time.Second)

	state, ok := StateOf[tally](err)
	if !ok {
		t.Fatalf("expected exhaustion failure, got %v", err)
	}

	if overlaps.Load() != 0 {
		t.Errorf("reducer overlapped %d times", overlaps.Load())
	}

	if len(state.folded) != len(ids) {
		t.Errorf("folded %d, want %d", len(state.folded), len(ids))
	}
}

// TestAtMostOnceFold verifies no authority is folded twice across the phase boundary.
func TestAtMostOnceFold(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "d", "e", "f")
	clients := map[string]testClient{
		"a": {delay: 1 * time.Millisecond},
		"b": {delay: 5 * time.Millisecond},
		"c": {delay: 10 * time.Millisecond},
		"d": {delay: 60 * time.Millisecond},
		"e": {delay: 80 * time.Millisecond},
		"f": {delay: 100 * time.Millisecond},
	}

	seen := make(map[string]int)
	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		seen[id]++
		return Continue[tally, string](s)
	}

	prefs := &Preferences[string]{PrefetchTimeout: 30 * time.Millisecond}

	_, _, err := AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, reduce, 5*time.Second)
	if err == nil {
		t.Fatal("expected exhaustion failure")
	}

	for id := range clients {
		if seen[id] != 1 {
			t.Errorf("authority %s folded %d times", id, seen[id])
		}
	}
}

// TestFoldOrderSplit verifies shuffle order inside the window and arrival order after it.
func TestFoldOrderSplit(t *testing.T) {
	h := newHarness(t)

	// Shuffle order a..f; arrival order inside the window is reversed.
	committee := newTestCommittee("a", "b", "c", "d", "e", "f")
	clients := map[string]testClient{
		"a": {delay: 30 * time.Millisecond},
		"b": {delay: 20 * time.Millisecond},
		"c": {delay: 5 * time.Millisecond},
		"d": {delay: 150 * time.Millisecond},
		"e": {delay: 110 * time.Millisecond},
		"f": {delay: 80 * time.Millisecond},
	}

	var order []string
	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		order = append(order, id)
		return Continue[tally, string](s)
	}

	prefs := &Preferences[string]{PrefetchTimeout: 55 * time.Millisecond}

	_, _, _ = AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, reduce, 5*time.Second)

	want := []string{"a", "b", "c", "f", "e", "d"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// TestPrefetchPreference verifies a preferred authority is folded first even
// though others completed earlier inside the window.
func TestPrefetchPreference(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "x")
	clients := map[string]testClient{
		"a": {delay: 5 * time.Millisecond},
		"b": {delay: 10 * time.Millisecond},
		"c": {delay: 15 * time.Millisecond},
		"x": {delay: 40 * time.Millisecond},
	}

	var order []string
	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		order = append(order, id)
		return Continue[tally, string](s)
	}

	prefs := &Preferences[string]{
		OrderingPref:    map[string]struct{}{"x": {}},
		PrefetchTimeout: 50 * time.Millisecond,
	}

	_, _, _ = AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, reduce, 5*time.Second)

	if len(order) != 4 {
		t.Fatalf("folded %v, want 4 authorities", order)
	}

	if order[0] != "x" {
		t.Errorf("first folded = %s, want x (order %v)", order[0], order)
	}
}

// TestPendingAfterSuccess verifies the pending set and that draining it does
// not invoke map functions again.
func TestPendingAfterSuccess(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "d", "e", "f")
	clients := map[string]testClient{
		"a": {delay: 1 * time.Millisecond},
		"b": {delay: 2 * time.Millisecond},
		"c": {delay: 3 * time.Millisecond},
		"d": {delay: 4 * time.Millisecond},
		"e": {delay: 5 * time.Millisecond},
		"f": {delay: 150 * time.Millisecond},
	}

	// Prefetch captures a..e. Four of six is not above two thirds, so the
	// fold succeeds on e and f stays pending.
	prefs := &Preferences[string]{PrefetchTimeout: 60 * time.Millisecond}

	folded, pending, err := AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, quorumReducer(committee.total()), 5*time.Second)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if len(folded) != 5 {
		t.Fatalf("folded %v, want 5", folded)
	}

	foldedSet := make(map[string]bool)
	for _, id := range folded {
		foldedSet[id] = true
	}

	remaining := pending.Authorities()
	if len(remaining)+len(folded) != len(clients) {
		t.Errorf("pending %d + folded %d != %d", len(remaining), len(folded), len(clients))
	}

	for id := range remaining {
		if foldedSet[id] {
			t.Errorf("authority %s is both folded and pending", id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	late := pending.Drain(ctx)
	if len(late) != 1 || late[0].Authority != "f" || late[0].Value != "f" {
		t.Errorf("drained %+v, want the response of f", late)
	}

	if pending.Len() != 0 {
		t.Errorf("pending should be empty after drain, got %d", pending.Len())
	}

	if n := h.callCount("f"); n != 1 {
		t.Errorf("f called %d times", n)
	}
}

// TestPendingKeepsPrefetchedResponses verifies responses captured in the
// window but not folded are handed back.
func TestPendingKeepsPrefetchedResponses(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c", "d")
	clients := map[string]testClient{
		"a": {delay: 1 * time.Millisecond},
		"b": {delay: 1 * time.Millisecond},
		"c": {delay: 1 * time.Millisecond},
		"d": {delay: 1 * time.Millisecond},
	}

	prefs := &Preferences[string]{PrefetchTimeout: 100 * time.Millisecond}

	folded, pending, err := AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, quorumReducer(committee.total()), 5*time.Second)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	want := []string{"a", "b", "c"}
	for i := range want {
		if folded[i] != want[i] {
			t.Fatalf("folded = %v, want %v", folded, want)
		}
	}

	r, ok := pending.Next(context.Background())
	if !ok || r.Authority != "d" {
		t.Errorf("pending next = %+v %v, want d", r, ok)
	}

	if _, ok := pending.Next(context.Background()); ok {
		t.Error("pending should be exhausted")
	}
}

// TestContextCancel verifies a cancelled context stops the control loop.
func TestContextCancel(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b")
	clients := map[string]testClient{
		"a": {delay: never},
		"b": {delay: never},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := Aggregate(ctx, committee, clients, tally{}, h.mapFn, quorumReducer(2), 5*time.Second)

	if _, ok := StateOf[tally](err); !ok {
		t.Fatalf("expected failure, got %v", err)
	}

	if time.Since(start) > time.Second {
		t.Error("cancelled aggregation kept waiting")
	}
}

// TestContextCancelDuringPrefetch verifies a cancelled context closes the
// prefetch window and stops the aggregation like a timeout.
func TestContextCancelDuringPrefetch(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b")
	clients := map[string]testClient{
		"a": {delay: 5 * time.Millisecond},
		"b": {delay: never},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	prefs := &Preferences[string]{PrefetchTimeout: 5 * time.Second}

	start := time.Now()
	_, pending, err := AggregateWithPrefs(ctx, committee, clients, prefs, tally{}, h.mapFn, quorumReducer(2), 5*time.Second)
	elapsed := time.Since(start)

	state, ok := StateOf[tally](err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}

	if pending != nil {
		t.Error("a failed aggregation should not return pending calls")
	}

	if len(state.folded) != 1 || state.folded[0] != "a" {
		t.Errorf("folded %v, want the response captured before cancellation", state.folded)
	}

	if elapsed > time.Second {
		t.Errorf("cancelled prefetch kept waiting: %v", elapsed)
	}
}

// TestPrefetchFoldsUnknownClientsLast verifies clients missing from the
// committee shuffle are folded after its members, with weight 0, even when
// they answered first.
func TestPrefetchFoldsUnknownClientsLast(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b")
	clients := map[string]testClient{
		"z": {delay: 1 * time.Millisecond},
		"a": {delay: 10 * time.Millisecond},
		"b": {delay: 20 * time.Millisecond},
	}

	var order []string
	weights := make(map[string]uint64)

	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		order = append(order, id)
		weights[id] = weight
		return Continue[tally, string](s)
	}

	prefs := &Preferences[string]{PrefetchTimeout: 500 * time.Millisecond}

	_, _, _ = AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, reduce, 5*time.Second)

	want := []string{"a", "b", "z"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if weights["a"] != 1 || weights["b"] != 1 || weights["z"] != 0 {
		t.Errorf("weights = %v, want a=1 b=1 z=0", weights)
	}
}

// TestPrefetchBoundedByTotalTimeout verifies the window never exceeds the total budget.
func TestPrefetchBoundedByTotalTimeout(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b")
	clients := map[string]testClient{
		"a": {delay: 5 * time.Millisecond},
		"b": {delay: never},
	}

	prefs := &Preferences[string]{PrefetchTimeout: 5 * time.Second}

	start := time.Now()
	_, _, err := AggregateWithPrefs(context.Background(), committee, clients, prefs, tally{}, h.mapFn, quorumReducer(2), 100*time.Millisecond)
	elapsed := time.Since(start)

	state, ok := StateOf[tally](err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}

	if len(state.folded) != 1 {
		t.Errorf("folded %v, want only a", state.folded)
	}

	if elapsed > time.Second {
		t.Errorf("prefetch ignored the total timeout: %v", elapsed)
	}
}

// TestWeightPassedToReducer verifies the reducer receives committee weights.
func TestWeightPassedToReducer(t *testing.T) {
	h := newHarness(t)
	committee := newTestCommittee("a", "b", "c")
	committee.weights["a"] = 5000
	committee.weights["b"] = 3000
	committee.weights["c"] = 2000

	clients := map[string]testClient{
		"a": {},
		"b": {},
		"c": {},
	}

	got := make(map[string]uint64)
	reduce := func(s tally, id string, weight uint64, value string, err error) ReduceOutput[tally, string] {
		got[id] = weight
		return Continue[tally, string](s)
	}

	_, _, _ = Aggregate(context.Background(), committee, clients, tally{}, h.mapFn, reduce, time.Second)

	for id, w := range committee.weights {
		if got[id] != w {
			t.Errorf("weight for %s = %d, want %d", id, got[id], w)
		}
	}
}
