package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"StakeQuorum/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "stakequorum/1"

	// defaultRequestTimeout bounds a Request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// RequestHandler answers an incoming request from peer.
type RequestHandler func(peer *Peer, data []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's identity key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	RequestTimeout time.Duration      // RequestTimeout bounds requests without a context deadline
}

// Node accepts and initiates QUIC connections authenticated by ed25519 keys.
type Node struct {
	privateKey     ed25519.PrivateKey
	publicKey      ed25519.PublicKey
	listenAddr     string
	requestTimeout time.Duration
	tlsConfig      *tls.Config
	quicConfig     *quic.Config

	listener *quic.Listener

	peers    map[[32]byte]*Peer // peers maps public key to connected peer
	loopback []*Peer            // loopback are connections to the node's own key
	peersMu  sync.RWMutex

	onRequest RequestHandler
	handlerMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a node. It does not listen until Start is called.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		requestTimeout: requestTimeout,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // identity is the ed25519 key, checked in setupPeer
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		peers:  make(map[[32]byte]*Peer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials addr and registers the remote node as a peer.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns all connected remote peers. Connections to the node's own
// key are not included.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the connected peer with the given key, or nil.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	if len(pubkey) != ed25519.PublicKeySize {
		return nil
	}

	var key [32]byte
	copy(key[:], pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[key]
}

// OnRequest sets the handler for incoming requests.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlerMu.Lock()
	n.onRequest = fn
	n.handlerMu.Unlock()
}

// Close stops the node and closes every connection.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[[32]byte]*Peer)
	for _, p := range n.loopback {
		p.Close()
	}
	n.loopback = nil
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()

			if _, err := n.setupPeer(conn, conn.RemoteAddr().String()); err != nil {
				logger.Debug("rejected connection", "remote", conn.RemoteAddr(), "error", err)
				conn.CloseWithError(1, "setup failed")
			}
		}()
	}
}

// setupPeer authenticates conn and starts serving its requests.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}
	copy(peer.key[:], pubKey)

	n.peersMu.Lock()
	if bytes.Equal(pubKey, n.publicKey) {
		// Both ends of a self-dial carry our key; neither may evict the other.
		n.loopback = append(n.loopback, peer)
	} else {
		if old, ok := n.peers[peer.key]; ok {
			old.Close()
		}
		n.peers[peer.key] = peer
	}
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serve(n.ctx)
	}()

	return peer, nil
}

// removePeer forgets p if it is still the registered peer for its key.
func (n *Node) removePeer(p *Peer) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if n.peers[p.key] == p {
		delete(n.peers, p.key)
		return
	}

	for i, lp := range n.loopback {
		if lp == p {
			n.loopback = append(n.loopback[:i], n.loopback[i+1:]...)
			return
		}
	}
}

// handle dispatches a request to the registered handler.
func (n *Node) handle(p *Peer, data []byte) ([]byte, error) {
	n.handlerMu.RLock()
	fn := n.onRequest
	n.handlerMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
