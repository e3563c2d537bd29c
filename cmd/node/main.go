package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"Provenance/client"
	"Provenance/internal/logger"
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
	cfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	priv, created, err := client.LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if created {
		logger.Info("generated node key", "path", cfg.KeyPath)
	}

	cfg.PrivateKey = priv

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	role := "leader"
	if cfg.Follower() {
		role = "follower"
	}

	logger.Info("starting provenance node",
		"role", role,
		"pubkey", nodeAccount(cfg.PrivateKey).String(),
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
	)

	if cfg.Follower() {
		logger.Info("following", "leader", cfg.FollowAddress, "leader_key", cfg.LeaderKey)
		return
	}

	logger.Info("feed configuration", "feed", cfg.FeedAddress, "bootstrap", cfg.Bootstrap, "faucet", cfg.Faucet)
}
