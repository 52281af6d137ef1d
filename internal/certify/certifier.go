package certify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"StakeQuorum/internal/authority"
	"StakeQuorum/internal/committee"
	"StakeQuorum/internal/logger"
	"StakeQuorum/internal/quorum"
)

// SignatureRequester obtains one authority's signature over a payload.
// *authority.Client satisfies it.
type SignatureRequester interface {
	RequestSignature(ctx context.Context, payload []byte) (*authority.SignedDigest, error)
}

// Config tunes signature collection.
type Config struct {
	TotalTimeout    time.Duration // TotalTimeout bounds one Certify call
	PrefetchTimeout time.Duration // PrefetchTimeout enables the prefetch phase when positive
	RetryInterval   time.Duration // RetryInterval is the pause before asking a not-ready authority again
	PreferHighStake bool          // PreferHighStake folds the heaviest members first during prefetch
}

// DefaultConfig returns the settings used by the node binary.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:    10 * time.Second,
		PrefetchTimeout: 0,
		RetryInterval:   500 * time.Millisecond,
	}
}

// Certifier collects committee signatures into certificates.
type Certifier struct {
	committee *committee.Committee
	clients   map[committee.AuthorityName]SignatureRequester
	cfg       Config

	// onLate observes signatures that arrive after a certificate was formed.
	onLate func(name committee.AuthorityName, err error)
}

// New creates a Certifier. clients may cover a subset of the committee.
func New(com *committee.Committee, clients map[committee.AuthorityName]SignatureRequester, cfg Config) *Certifier {
	return &Certifier{
		committee: com,
		clients:   clients,
		cfg:       cfg,
	}
}

// AggregationError reports a failed certification.
type AggregationError struct {
	Digest           [32]byte                          // Digest is the digest that was being signed
	OkStake          uint64                            // OkStake is the stake of valid signatures collected
	BadStake         uint64                            // BadStake is the stake of authorities that failed or misbehaved
	BlocklistedStake uint64                            // BlocklistedStake is the stake that never counts
	Threshold        uint64                            // Threshold is the quorum threshold
	Disputed         bool                              // Disputed is set when BadStake reaches the validity threshold, so an honest authority rejected or failed
	Errors           map[committee.AuthorityName]error // Errors holds the per-authority failures
	Err              error                             // Err is the underlying aggregation error
}

// Error implements error.
func (e *AggregationError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "certify %x: %d stake signed of %d needed, %d bad, %d blocklisted",
		e.Digest[:8], e.OkStake, e.Threshold, e.BadStake, e.BlocklistedStake)

	if e.Disputed {
		b.WriteString(" (disputed)")
	}

	names := make([]committee.AuthorityName, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })

	for _, name := range names {
		fmt.Fprintf(&b, "\n  %s: %v", name, e.Errors[name])
	}

	return b.String()
}

// Unwrap returns the underlying aggregation error.
func (e *AggregationError) Unwrap() error {
	return e.Err
}

// Certify collects signatures over message until a quorum of stake signed,
// the quorum became unreachable, or the total timeout elapsed. A failure is
// returned as *AggregationError.
func (c *Certifier) Certify(ctx context.Context, message []byte) (*Certificate, error) {
	start := time.Now()
	deadline := start.Add(c.cfg.TotalTimeout)
	digest := authority.Digest(message)

	state := &signatureState{
		digest:  digest,
		signers: make(map[committee.AuthorityName]struct{}),
		errors:  make(map[committee.AuthorityName]error),
	}

	var mapFn quorum.MapFunc[committee.AuthorityName, SignatureRequester, *authority.SignedDigest] = func(
		ctx context.Context, name committee.AuthorityName, client SignatureRequester,
	) (*authority.SignedDigest, error) {
		return c.request(ctx, client, message, deadline)
	}

	var reduceFn quorum.ReduceFunc[committee.AuthorityName, *authority.SignedDigest, *signatureState, *Certificate] = func(
		s *signatureState, name committee.AuthorityName, weight uint64, resp *authority.SignedDigest, err error,
	) quorum.ReduceOutput[*signatureState, *Certificate] {
		return c.reduce(s, name, weight, resp, err, message)
	}

	cert, pending, err := quorum.AggregateWithPrefs(ctx, c.committee, c.clients, c.preferences(),
		state, mapFn, reduceFn, c.cfg.TotalTimeout)
	if err != nil {
		return nil, c.aggregationError(digest, state, err)
	}

	log := logger.With("digest", fmt.Sprintf("%x", digest[:8]))

	log.Info("certificate formed",
		"stake", cert.Stake,
		"threshold", c.committee.QuorumThreshold(),
		"pending", pending.Len(),
		logger.Timed(start),
	)

	if pending.Len() > 0 {
		go c.drainLate(log, pending, deadline)
	}

	return cert, nil
}

// CertifyAll certifies messages concurrently. The first failure cancels the
// remaining calls and is returned.
func (c *Certifier) CertifyAll(ctx context.Context, messages [][]byte) ([]*Certificate, error) {
	certs := make([]*Certificate, len(messages))

	g, ctx := errgroup.WithContext(ctx)

	for i, msg := range messages {
		g.Go(func() error {
			cert, err := c.Certify(ctx, msg)
			if err != nil {
				return fmt.Errorf("message %d:\n%w", i, err)
			}

			certs[i] = cert
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return certs, nil
}

// preferences builds the prefetch settings, or nil when prefetch is off.
func (c *Certifier) preferences() *quorum.Preferences[committee.AuthorityName] {
	if c.cfg.PrefetchTimeout <= 0 {
		return nil
	}

	prefs := &quorum.Preferences[committee.AuthorityName]{
		PrefetchTimeout: c.cfg.PrefetchTimeout,
	}

	if c.cfg.PreferHighStake {
		prefs.OrderingPref = heaviestQuorum(c.committee)
	}

	return prefs
}

// heaviestQuorum returns the fewest active members, by descending stake, whose
// combined stake reaches the quorum threshold.
func heaviestQuorum(com *committee.Committee) map[committee.AuthorityName]struct{} {
	members := com.Members()
	sort.SliceStable(members, func(i, j int) bool { return members[i].Stake > members[j].Stake })

	out := make(map[committee.AuthorityName]struct{})
	threshold := com.QuorumThreshold()

	var stake uint64

	for _, m := range members {
		if stake >= threshold {
			break
		}

		if !com.IsActive(m.Name) {
			continue
		}

		out[m.Name] = struct{}{}
		stake += m.Stake
	}

	return out
}

// request asks one authority for its signature, retrying while it reports
// ErrNotReady and the deadline allows another attempt.
func (c *Certifier) request(ctx context.Context, client SignatureRequester, message []byte, deadline time.Time) (*authority.SignedDigest, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		resp, err := client.RequestSignature(ctx, message)
		if !errors.Is(err, authority.ErrNotReady) {
			return resp, err
		}

		if time.Until(deadline) < c.cfg.RetryInterval {
			return nil, err
		}

		t := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, err
		}
	}
}

// signatureState accumulates verified signatures. It is only touched by the
// reducer, which is never called concurrently.
type signatureState struct {
	digest   [32]byte
	okStake  uint64
	badStake uint64
	signers  map[committee.AuthorityName]struct{}
	sigs     []indexedSignature
	errors   map[committee.AuthorityName]error
}

// indexedSignature is a verified signature with its signer's committee index.
type indexedSignature struct {
	index     int
	signature [authority.SignatureSize]byte
}

// reduce folds one authority reply.
func (c *Certifier) reduce(
	s *signatureState, name committee.AuthorityName, weight uint64, resp *authority.SignedDigest, err error, message []byte,
) quorum.ReduceOutput[*signatureState, *Certificate] {
	member, ok := c.committee.Member(name)
	if !ok || weight == 0 {
		// Blocklisted members are queried but never counted.
		return quorum.Continue[*signatureState, *Certificate](s)
	}

	if err == nil {
		err = s.check(member, resp)
	}

	if err != nil {
		logger.Debug("signature rejected", "authority", name, "stake", weight, "error", err)
		s.badStake += weight
		s.errors[name] = err
	} else {
		s.okStake += weight
		s.signers[name] = struct{}{}
		s.sigs = append(s.sigs, indexedSignature{index: c.committee.Index(name), signature: resp.Signature})
	}

	threshold := c.committee.QuorumThreshold()

	if s.okStake >= threshold {
		cert, err := s.certificate(c.committee.Len(), message)
		if err != nil {
			s.errors[name] = err
			return quorum.Failed[*signatureState, *Certificate](s)
		}

		return quorum.Success[*signatureState](cert)
	}

	if c.tooManyErrors(s) {
		return quorum.Failed[*signatureState, *Certificate](s)
	}

	return quorum.Continue[*signatureState, *Certificate](s)
}

// tooManyErrors reports whether the stake that can still sign is below the
// quorum threshold.
func (c *Certifier) tooManyErrors(s *signatureState) bool {
	excluded := s.badStake + c.committee.TotalBlocklistedStake()
	total := c.committee.TotalStake()

	return excluded > total || total-excluded < c.committee.QuorumThreshold()
}

// check validates a reply from member.
func (s *signatureState) check(member committee.Member, resp *authority.SignedDigest) error {
	if resp == nil {
		return fmt.Errorf("empty reply")
	}

	if resp.Digest != s.digest {
		return fmt.Errorf("signed digest %x, want %x", resp.Digest[:8], s.digest[:8])
	}

	if _, dup := s.signers[member.Name]; dup {
		return fmt.Errorf("duplicate signature")
	}

	if !authority.Verify(resp.Signature, s.digest[:], member.BLSPubkey) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

// certificate aggregates the collected signatures.
func (s *signatureState) certificate(members int, message []byte) (*Certificate, error) {
	sort.Slice(s.sigs, func(i, j int) bool { return s.sigs[i].index < s.sigs[j].index })

	sigs := make([][authority.SignatureSize]byte, len(s.sigs))
	indices := make([]int, len(s.sigs))

	for i, is := range s.sigs {
		sigs[i] = is.signature
		indices[i] = is.index
	}

	agg, err := authority.AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures:\n%w", err)
	}

	return &Certificate{
		Digest:    s.digest,
		Message:   append([]byte(nil), message...),
		Signature: agg,
		Signers:   signerBitmap(indices, members),
		Stake:     s.okStake,
	}, nil
}

// aggregationError converts a quorum failure into an *AggregationError.
func (c *Certifier) aggregationError(digest [32]byte, initial *signatureState, err error) error {
	s, ok := quorum.StateOf[*signatureState](err)
	if !ok {
		s = initial
	}

	aggErr := &AggregationError{
		Digest:           digest,
		OkStake:          s.okStake,
		BadStake:         s.badStake,
		BlocklistedStake: c.committee.TotalBlocklistedStake(),
		Threshold:        c.committee.QuorumThreshold(),
		Disputed:         s.badStake >= c.committee.ValidityThreshold(),
		Errors:           s.errors,
		Err:              err,
	}

	logger.Warn("certification failed",
		"digest", fmt.Sprintf("%x", digest[:8]),
		"ok", aggErr.OkStake,
		"bad", aggErr.BadStake,
		"threshold", aggErr.Threshold,
		"disputed", aggErr.Disputed,
	)

	return aggErr
}

// drainLate reads the replies that arrived after the certificate was formed.
// They are only logged; the certificate is final.
func (c *Certifier) drainLate(log *slog.Logger, pending *quorum.Pending[committee.AuthorityName, *authority.SignedDigest], deadline time.Time) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for {
		r, ok := pending.Next(ctx)
		if !ok {
			break
		}

		log.Debug("late signature", "authority", r.Authority, "error", r.Err)

		if c.onLate != nil {
			c.onLate(r.Authority, r.Err)
		}
	}

	if n := pending.Len(); n > 0 {
		log.Debug("authorities never answered", "count", n)
	}
}
