package authority

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Requester sends one request and returns the reply.
// *network.Peer satisfies it.
type Requester interface {
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// Client requests signatures from a single authority.
type Client struct {
	peer Requester
}

// NewClient creates a Client that talks to peer.
func NewClient(peer Requester) *Client {
	return &Client{peer: peer}
}

// RequestSignature asks the authority to sign payload.
// It returns ErrNotReady or ErrRefused when the authority rejects the request.
// The signature itself is not verified here; the caller knows the authority's
// public key.
func (c *Client) RequestSignature(ctx context.Context, payload []byte) (*SignedDigest, error) {
	req := &SignRequest{
		Digest:  Digest(payload),
		Payload: payload,
	}

	data, err := c.peer.Request(ctx, EncodeSignRequest(req))
	if err != nil {
		return nil, fmt.Errorf("send sign request:\n%w", err)
	}

	resp, err := DecodeResponse(data)
	if err != nil {
		return nil, err
	}

	if resp.Digest != req.Digest {
		return nil, fmt.Errorf("authority signed digest %s, want %s", shortHex(resp.Digest), shortHex(req.Digest))
	}

	return resp, nil
}

// shortHex returns the first 8 bytes of d in hex.
func shortHex(d [32]byte) string {
	return hex.EncodeToString(d[:8])
}
