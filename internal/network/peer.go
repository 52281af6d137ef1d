package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"StakeQuorum/internal/logger"
)

// Peer is an authenticated connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey
	key       [32]byte // key is publicKey as a map key
	address   string
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data on a new bidirectional stream and waits for the reply.
// The context deadline, or the node's request timeout, bounds the exchange.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.node.requestTimeout)
	}
	stream.SetDeadline(deadline)

	// A cancelled context unblocks the read without waiting for the deadline.
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read response:\n%w", ctx.Err())
		}

		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// serve answers incoming requests until the connection ends.
func (p *Peer) serve(ctx context.Context) {
	defer p.node.removePeer(p)

	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer stopped serving", "peer", p.address, "error", err)
			p.closed.Store(true)
			return
		}

		p.node.wg.Add(1)
		go func() {
			defer p.node.wg.Done()
			p.handleStream(stream)
		}()
	}
}

// handleStream reads one request and writes the handler's reply.
func (p *Peer) handleStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("read request failed", "peer", p.address, "error", err)
		return
	}

	response, err := p.node.handle(p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("write response failed", "peer", p.address, "error", err)
	}
}
