package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"StakeQuorum/internal/authority"
	"StakeQuorum/internal/certify"
	"StakeQuorum/internal/committee"
	"StakeQuorum/internal/logger"
	"StakeQuorum/internal/network"
	"StakeQuorum/internal/storage"
)

// dialTimeout bounds the connection to one committee member.
const dialTimeout = 5 * time.Second

// Node is a running quorumd process.
type Node struct {
	cfg       *Config
	blsKey    *authority.BLSKeyPair
	handler   *authority.Handler
	storage   *storage.Storage
	certs     *certify.Store
	network   *network.Node
	committee *committee.Committee
}

// NewNode opens storage, loads the committee and starts the network.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	blsKey, err := authority.DeriveFromED25519(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive bls key:\n%w", err)
	}
	n.blsKey = blsKey

	var policy authority.Signer
	if cfg.ReadyAfter > 0 {
		policy = authority.ReadyAt(time.Now().Add(cfg.ReadyAfter))
	}
	n.handler = authority.NewHandler(blsKey, policy)

	if cfg.CommitteePath != "" {
		n.committee, err = committee.Load(cfg.CommitteePath)
		if err != nil {
			return nil, err
		}
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the certificate database.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	certs, err := certify.NewStore(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("init certificate store:\n%w", err)
	}

	n.storage = db
	n.certs = certs

	return nil
}

// initNetwork starts the QUIC node.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.ListenAddr,
	})
	if err != nil {
		return fmt.Errorf("create network node:\n%w", err)
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("start network node:\n%w", err)
	}

	n.network = node

	return nil
}

// Run performs the configured work. In sign mode it blocks until SIGINT or
// SIGTERM; otherwise it returns once the certification is done.
func (n *Node) Run() error {
	if n.cfg.Sign {
		n.serve()
	}

	if len(n.cfg.Certify) > 0 {
		messages := make([][]byte, len(n.cfg.Certify))
		for i, m := range n.cfg.Certify {
			messages[i] = []byte(m)
		}

		if err := n.certifyMessages(messages); err != nil {
			n.Close()
			return err
		}
	}

	if !n.cfg.Sign {
		return n.Close()
	}

	return n.waitForShutdown()
}

// serve answers signing requests with the node's BLS key.
func (n *Node) serve() {
	n.network.OnRequest(n.handler.HandleRequest)
	logger.Info("serving signing requests", "addr", n.network.Addr(), "ready_after", n.cfg.ReadyAfter)
}

// certifyMessages collects a certificate for every message not certified
// yet and stores them together.
func (n *Node) certifyMessages(messages [][]byte) error {
	var todo [][]byte

	for _, msg := range messages {
		digest := authority.Digest(msg)

		stored, err := n.certs.Has(digest)
		if err != nil {
			return err
		}

		if stored {
			logger.Info("already certified", "digest", hex.EncodeToString(digest[:]))
			continue
		}

		todo = append(todo, msg)
	}

	if len(todo) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Certifier.TotalTimeout+dialTimeout)
	defer cancel()

	clients := n.connectCommittee(ctx)

	certs, err := certify.New(n.committee, clients, n.cfg.Certifier).CertifyAll(ctx, todo)
	if err != nil {
		return fmt.Errorf("certify:\n%w", err)
	}

	for _, cert := range certs {
		if err := cert.Verify(n.committee); err != nil {
			return fmt.Errorf("verify certificate %x:\n%w", cert.Digest[:8], err)
		}
	}

	if err := n.certs.PutAll(certs); err != nil {
		return err
	}

	for _, cert := range certs {
		logger.Info("certificate stored",
			"digest", hex.EncodeToString(cert.Digest[:]),
			"stake", cert.Stake,
			"total", n.committee.TotalStake(),
		)
	}

	return nil
}

// connectCommittee returns a client for every reachable active member. The
// node's own entry is served in-process when it signs; other members are
// dialed concurrently, reusing open connections. Members that cannot be
// reached, or answer with another identity, are left out.
func (n *Node) connectCommittee(ctx context.Context) map[committee.AuthorityName]certify.SignatureRequester {
	var mu sync.Mutex
	clients := make(map[committee.AuthorityName]certify.SignatureRequester)

	var g errgroup.Group

	for _, m := range n.committee.Members() {
		if !n.committee.IsActive(m.Name) {
			continue
		}

		if bytes.Equal(m.Name[:], n.network.PublicKey()) {
			if n.cfg.Sign {
				clients[m.Name] = authority.NewClient(n.handler.Local())
			}
			continue
		}

		if m.Address == "" {
			continue
		}

		g.Go(func() error {
			peer := n.network.GetPeer(m.Name[:])

			if peer == nil {
				dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
				defer cancel()

				var err error
				peer, err = n.network.Connect(dialCtx, m.Address)
				if err != nil {
					logger.Warn("authority unreachable", "authority", m.Name, "addr", m.Address, "error", err)
					return nil
				}
			}

			if !bytes.Equal(peer.PublicKey(), m.Name[:]) {
				logger.Error("authority identity mismatch",
					"authority", m.Name,
					"addr", m.Address,
					"got", hex.EncodeToString(peer.PublicKey()[:8]),
				)
				peer.Close()
				return nil
			}

			mu.Lock()
			clients[m.Name] = authority.NewClient(peer)
			mu.Unlock()

			return nil
		})
	}

	g.Wait()

	logger.Info("committee connected", "reachable", len(clients), "members", n.committee.Len())

	return clients
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components.
func (n *Node) Close() error {
	if n.network != nil {
		logger.Debug("closing network", "peers", len(n.network.Peers()))
		n.network.Close()
	}

	if n.certs != nil {
		n.certs.Close()
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}
