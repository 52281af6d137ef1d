package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"StakeQuorum/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(node)

	return node.Run()
}

// printStartupInfo logs the identity an operator needs for the committee file.
func printStartupInfo(n *Node) {
	blsPub := n.blsKey.PublicKey()

	logger.Info("starting quorumd",
		"pubkey", hex.EncodeToString(n.network.PublicKey()),
		"bls_pubkey", hex.EncodeToString(blsPub[:]),
		"listen", n.network.Addr(),
		"data", n.cfg.DataPath,
		"sign", n.cfg.Sign,
	)
}
