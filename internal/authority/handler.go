package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StakeQuorum/internal/logger"
	"StakeQuorum/internal/network"
)

// Signer decides whether a payload may be signed.
// Returning ErrNotReady tells the requester to retry later; any other error
// is a final refusal.
type Signer interface {
	Approve(payload []byte) error
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(payload []byte) error

// Approve calls f.
func (f SignerFunc) Approve(payload []byte) error {
	return f(payload)
}

// ApproveAll signs every well-formed request.
var ApproveAll Signer = SignerFunc(func([]byte) error { return nil })

// ReadyAt approves every request from t on and answers ErrNotReady before.
func ReadyAt(t time.Time) Signer {
	return SignerFunc(func([]byte) error {
		if wait := time.Until(t); wait > 0 {
			return fmt.Errorf("ready in %v:\n%w", wait.Round(time.Millisecond), ErrNotReady)
		}

		return nil
	})
}

// Handler answers signing requests on behalf of one authority.
type Handler struct {
	key    *BLSKeyPair // key signs approved digests
	signer Signer      // signer is the approval policy
}

// NewHandler creates a Handler. A nil signer approves everything.
func NewHandler(key *BLSKeyPair, signer Signer) *Handler {
	if signer == nil {
		signer = ApproveAll
	}

	return &Handler{key: key, signer: signer}
}

// HandleRequest processes a sign request.
// Designed to be used as network.Node.OnRequest handler.
func (h *Handler) HandleRequest(peer *network.Peer, data []byte) ([]byte, error) {
	req, err := DecodeSignRequest(data)
	if err != nil {
		return nil, fmt.Errorf("decode request:\n%w", err)
	}

	return h.process(peer.Address(), req)
}

// Local returns a Requester that answers in-process, for an authority that
// certifies messages itself.
func (h *Handler) Local() Requester {
	return localRequester{h: h}
}

// localRequester feeds encoded requests straight to a Handler.
type localRequester struct {
	h *Handler
}

// Request implements Requester.
func (l localRequester) Request(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req, err := DecodeSignRequest(data)
	if err != nil {
		return nil, fmt.Errorf("decode request:\n%w", err)
	}

	return l.h.process("local", req)
}

// process signs req if the policy approves it.
func (h *Handler) process(from string, req *SignRequest) ([]byte, error) {
	if Digest(req.Payload) != req.Digest {
		return nil, fmt.Errorf("digest does not match payload")
	}

	if err := h.signer.Approve(req.Payload); err != nil {
		if errors.Is(err, ErrNotReady) {
			logger.Debug("sign request deferred", "from", from, "digest", shortHex(req.Digest))
			return encodeRejected(reasonNotReady), nil
		}

		logger.Debug("sign request refused", "from", from, "digest", shortHex(req.Digest), "reason", err)
		return encodeRejected(reasonRefused), nil
	}

	resp := &SignedDigest{
		Digest:    req.Digest,
		Signature: h.key.Sign(req.Digest[:]),
	}

	return EncodeSigned(resp), nil
}
