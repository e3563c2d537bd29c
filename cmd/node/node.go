package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"Provenance/internal/api"
	"Provenance/internal/dispatch"
	"Provenance/internal/events"
	"Provenance/internal/logger"
	"Provenance/internal/network"
	"Provenance/internal/storage"
)

// Node represents a running registry node, either the leader that executes
// transactions or a follower that mirrors the leader's feed.
type Node struct {
	cfg        *Config
	storage    *storage.Storage
	dispatcher *dispatch.Dispatcher
	endpoint   *network.Endpoint
	feed       *network.Feed     // feed is set on leaders
	follower   *network.Follower // follower is set on followers
	api        *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode opens storage and wires every component without starting listeners.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	steps := []func() error{
		n.restoreSnapshot,
		n.syncFromLeader,
		n.initDispatcher,
		n.mintGenesis,
		n.initNetwork,
		n.initAPI,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// Publish forwards committed records to the feed. It satisfies
// dispatch.Publisher so the dispatcher can exist before the feed does.
func (n *Node) Publish(rec events.Record) {
	if n.feed != nil {
		n.feed.Publish(rec)
	}
}

// Start starts the feed listener or follower loop and the HTTP API.
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if n.follower != nil {
		n.wg.Add(1)

		go func() {
			defer n.wg.Done()

			err := n.follower.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("follower stopped", "error", err)
			}
		}()
	} else {
		if err := n.endpoint.Start(); err != nil {
			return fmt.Errorf("start feed:\n%w", err)
		}
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return nil
}

// Run starts the node and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components. Storage is closed last so in-flight
// requests finish against an open database.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.cancel != nil {
		n.cancel()
	}

	if n.feed != nil {
		n.feed.Close()
	}

	if n.endpoint != nil {
		n.endpoint.Close()
	}

	n.wg.Wait()

	if n.storage == nil {
		return nil
	}

	err := n.storage.Close()
	n.storage = nil

	return err
}
