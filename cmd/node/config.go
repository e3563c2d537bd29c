package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"Provenance/internal/logger"
	"Provenance/internal/registry"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// FeedAddress is the QUIC event feed listen address. Leaders only.
	FeedAddress string

	// FollowAddress is the leader's feed address. Setting it makes the node a follower.
	FollowAddress string

	// LeaderKey is the expected leader public key in hex. Empty accepts any.
	LeaderKey string

	// SyncHTTP is the leader's HTTP address used to seed an empty follower from a snapshot.
	SyncHTTP string

	// KeyPath is the path to the hex-encoded ed25519 seed (generated if missing).
	KeyPath string

	// PrivateKey is the node's ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// Bootstrap mints InitialMint to the node key on first start.
	Bootstrap bool

	// InitialMint is the amount credited at genesis.
	InitialMint uint64

	// Faucet enables POST /faucet.
	Faucet bool

	// FaucetAmount caps a single faucet credit. Zero means no cap.
	FaucetAmount uint64

	// RestorePath is a compressed snapshot file applied before startup.
	RestorePath string

	// PollInterval is how often a follower checks the leader for missed events.
	PollInterval time.Duration

	// LogLevel is the minimum log level.
	LogLevel slog.Level
}

// parseFlags parses command-line arguments into a Config.
func parseFlags(args []string, errOut io.Writer) (*Config, error) {
	cfg := &Config{}
	var level string

	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.SetOutput(errOut)

	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	fs.StringVar(&cfg.FeedAddress, "feed", ":9000", "QUIC event feed address (leader)")
	fs.StringVar(&cfg.FollowAddress, "follow", "", "Leader feed address (runs as follower)")
	fs.StringVar(&cfg.LeaderKey, "leader-key", "", "Expected leader public key in hex")
	fs.StringVar(&cfg.SyncHTTP, "sync-http", "", "Leader HTTP address to fetch a snapshot from when empty")
	fs.StringVar(&cfg.KeyPath, "key", "./data/node.key", "Ed25519 key path (generated if missing)")
	fs.BoolVar(&cfg.Bootstrap, "bootstrap", false, "Mint the initial supply to the node key")
	fs.Uint64Var(&cfg.InitialMint, "initial-mint", 1_000_000_000, "Initial token mint amount")
	fs.BoolVar(&cfg.Faucet, "faucet", false, "Enable the faucet endpoint")
	fs.Uint64Var(&cfg.FaucetAmount, "faucet-amount", 100_000, "Maximum credit per faucet call")
	fs.StringVar(&cfg.RestorePath, "restore", "", "Snapshot file to restore before starting")
	fs.DurationVar(&cfg.PollInterval, "poll", 5*time.Second, "Follower backlog poll interval")
	fs.StringVar(&level, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	cfg.LogLevel, err = logger.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Follower reports whether the node mirrors a leader.
func (c *Config) Follower() bool {
	return c.FollowAddress != ""
}

// validate rejects flag combinations that cannot run.
func (c *Config) validate() error {
	if c.Follower() {
		if c.Bootstrap {
			return fmt.Errorf("-bootstrap cannot be combined with -follow")
		}

		if c.Faucet {
			return fmt.Errorf("-faucet requires a leader node")
		}

		if c.LeaderKey != "" {
			if _, err := registry.ParseAccountID(c.LeaderKey); err != nil {
				return fmt.Errorf("-leader-key:\n%w", err)
			}
		}

		return nil
	}

	if c.SyncHTTP != "" {
		return fmt.Errorf("-sync-http requires -follow")
	}

	if c.Bootstrap && c.RestorePath != "" {
		return fmt.Errorf("-bootstrap cannot be combined with -restore")
	}

	if c.FeedAddress == "" {
		return fmt.Errorf("-feed is required on a leader")
	}

	return nil
}
