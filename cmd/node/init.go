package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Provenance/client"
	"Provenance/internal/api"
	"Provenance/internal/dispatch"
	"Provenance/internal/events"
	"Provenance/internal/logger"
	"Provenance/internal/network"
	"Provenance/internal/registry"
	"Provenance/internal/snapshot"
	"Provenance/internal/storage"
)

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// restoreSnapshot replaces local state with the configured snapshot file.
func (n *Node) restoreSnapshot() error {
	if n.cfg.RestorePath == "" {
		return nil
	}

	data, err := os.ReadFile(n.cfg.RestorePath)
	if err != nil {
		return fmt.Errorf("read snapshot:\n%w", err)
	}

	return n.applySnapshot(data, n.cfg.RestorePath)
}

// syncFromLeader seeds an empty follower from the leader's HTTP snapshot,
// so the feed only has to replay what happened after it was taken.
func (n *Node) syncFromLeader() error {
	if !n.cfg.Follower() || n.cfg.SyncHTTP == "" {
		return nil
	}

	seq, err := events.NewLog(n.storage).LastSeq()
	if err != nil {
		return fmt.Errorf("read event seq:\n%w", err)
	}

	if seq > 0 {
		logger.Debug("local state present, skipping snapshot sync", "seq", seq)
		return nil
	}

	data, err := client.NewClient(n.cfg.SyncHTTP).Snapshot()
	if err != nil {
		return fmt.Errorf("fetch snapshot:\n%w", err)
	}

	return n.applySnapshot(data, n.cfg.SyncHTTP)
}

// applySnapshot decompresses and applies a snapshot from source.
func (n *Node) applySnapshot(data []byte, source string) error {
	raw, err := snapshot.Decompress(data)
	if err != nil {
		return fmt.Errorf("decompress snapshot:\n%w", err)
	}

	st, err := snapshot.Apply(n.storage, raw)
	if err != nil {
		return fmt.Errorf("apply snapshot:\n%w", err)
	}

	logger.Info("snapshot applied",
		"source", source,
		"seq", st.LastSeq,
		"claims", len(st.Claims),
		"accounts", len(st.Balances),
	)

	return nil
}

// initDispatcher creates the transaction dispatcher. Followers are read-only.
// The clock resumes after the newest persisted timestamp, so a wall clock
// that stepped back across a restart cannot date new claims before old ones.
func (n *Node) initDispatcher() error {
	latest, err := dispatch.LatestTimestamp(n.storage)
	if err != nil {
		return fmt.Errorf("read latest timestamp:\n%w", err)
	}

	opts := []dispatch.Option{dispatch.WithClock(dispatch.NewClockAt(latest, time.Now))}

	if n.cfg.Follower() {
		opts = append(opts, dispatch.ReadOnly())
	} else {
		opts = append(opts, dispatch.WithPublisher(n))
	}

	n.dispatcher = dispatch.New(n.storage, opts...)

	logger.Debug("dispatcher ready", "clock_after", latest)

	return nil
}

// mintGenesis credits the initial supply to the node key once.
func (n *Node) mintGenesis() error {
	if !n.cfg.Bootstrap {
		return nil
	}

	id := nodeAccount(n.cfg.PrivateKey)

	bal, minted, err := n.dispatcher.MintGenesis(id, n.cfg.InitialMint)
	if err != nil {
		return fmt.Errorf("genesis mint:\n%w", err)
	}

	if !minted {
		return nil
	}

	logger.Info("genesis mint", "account", id.Short(), "amount", n.cfg.InitialMint, "free", bal.Free)

	return nil
}

// initNetwork creates the QUIC endpoint with a feed (leader) or a follower.
func (n *Node) initNetwork() error {
	netCfg := network.Config{PrivateKey: n.cfg.PrivateKey}
	if !n.cfg.Follower() {
		netCfg.ListenAddr = n.cfg.FeedAddress
	}

	endpoint, err := network.NewEndpoint(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.endpoint = endpoint

	if !n.cfg.Follower() {
		n.feed = network.NewFeed(endpoint, n.dispatcher, 0)
		return nil
	}

	var leader registry.AccountID
	if n.cfg.LeaderKey != "" {
		leader, err = registry.ParseAccountID(n.cfg.LeaderKey)
		if err != nil {
			return fmt.Errorf("parse leader key:\n%w", err)
		}
	}

	n.follower = network.NewFollower(endpoint, n.dispatcher, network.FollowerConfig{
		LeaderAddr:   n.cfg.FollowAddress,
		Leader:       leader,
		PollInterval: n.cfg.PollInterval,
	})

	return nil
}

// initAPI creates the HTTP server.
func (n *Node) initAPI() error {
	opts := api.Options{
		Faucet:       n.cfg.Faucet,
		FaucetAmount: n.cfg.FaucetAmount,
	}

	if n.feed != nil {
		opts.Feed = n.feed
	}

	n.api = api.New(n.cfg.HTTPAddress, n.dispatcher, opts)

	return nil
}

// nodeAccount returns the account id of the node key.
func nodeAccount(priv ed25519.PrivateKey) registry.AccountID {
	id, _ := registry.AccountFromBytes(priv.Public().(ed25519.PublicKey))
	return id
}
