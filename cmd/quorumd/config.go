package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"StakeQuorum/internal/certify"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for the certificate database.
	DataPath string

	// ListenAddr is the QUIC listen address.
	ListenAddr string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// CommitteePath is the JSON committee file used to certify messages.
	CommitteePath string

	// Sign makes the node answer signing requests until interrupted.
	Sign bool

	// ReadyAfter defers signing for this long after startup; requests
	// before then are answered as not ready.
	ReadyAfter time.Duration

	// Certify lists the messages to certify against the committee.
	Certify []string

	// Certifier tunes signature collection.
	Certifier certify.Config

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{Certifier: certify.DefaultConfig()}

	fs := flag.NewFlagSet("quorumd", flag.ContinueOnError)

	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.ListenAddr, "listen", ":9000", "QUIC listen address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.CommitteePath, "committee", "", "Committee JSON file")
	fs.BoolVar(&cfg.Sign, "sign", false, "Serve signing requests as a committee authority")
	fs.DurationVar(&cfg.ReadyAfter, "ready-after", 0, "Answer signing requests as not ready for this long after startup")
	fs.Func("certify", "Message to certify against the committee (repeatable)", func(msg string) error {
		if msg == "" {
			return fmt.Errorf("empty message")
		}

		cfg.Certify = append(cfg.Certify, msg)
		return nil
	})
	fs.DurationVar(&cfg.Certifier.TotalTimeout, "total-timeout", cfg.Certifier.TotalTimeout, "Time limit for one certification")
	fs.DurationVar(&cfg.Certifier.PrefetchTimeout, "prefetch-timeout", cfg.Certifier.PrefetchTimeout, "Prefetch window (0 disables prefetch)")
	fs.DurationVar(&cfg.Certifier.RetryInterval, "retry-interval", cfg.Certifier.RetryInterval, "Pause before asking a not-ready authority again")
	fs.BoolVar(&cfg.Certifier.PreferHighStake, "prefer-stake", false, "Fold the heaviest authorities first during prefetch")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if !cfg.Sign && len(cfg.Certify) == 0 {
		return nil, fmt.Errorf("nothing to do: pass -sign, -certify or both")
	}

	if len(cfg.Certify) > 0 && cfg.CommitteePath == "" {
		return nil, fmt.Errorf("-certify requires -committee")
	}

	if cfg.Certifier.TotalTimeout <= 0 {
		return nil, fmt.Errorf("-total-timeout must be positive")
	}

	if cfg.ReadyAfter < 0 {
		return nil, fmt.Errorf("-ready-after must not be negative")
	}

	return cfg, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		priv, err := generateKey()
		if err != nil {
			return nil, err
		}

		if err := os.WriteFile(keyPath, priv, 0600); err != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", keyPath, err)
		}

		return priv, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateKey creates a new Ed25519 private key.
func generateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}
