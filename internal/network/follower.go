package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Provenance/internal/events"
	"Provenance/internal/logger"
	"Provenance/internal/registry"
)

const (
	// defaultRetryDelay is the initial delay between connection attempts.
	defaultRetryDelay = time.Second

	// maxRetryDelay is the maximum delay between connection attempts.
	maxRetryDelay = 60 * time.Second

	// defaultPollInterval is how often a connected follower checks for missed events.
	defaultPollInterval = 5 * time.Second
)

// Mirror applies leader events to local state.
type Mirror interface {
	// Mirror applies rec if it directly follows the last applied seq.
	Mirror(rec events.Record) (bool, error)
	// LastSeq returns the last applied seq.
	LastSeq() (uint64, error)
}

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	LeaderAddr   string             // LeaderAddr is the leader's feed address
	Leader       registry.AccountID // Leader is the expected leader key; zero accepts any
	RetryDelay   time.Duration      // RetryDelay is the initial reconnection delay
	PollInterval time.Duration      // PollInterval is the period of backlog checks
}

// Follower keeps a local mirror in sync with a leader's feed.
type Follower struct {
	endpoint *Endpoint
	mirror   Mirror
	cfg      FollowerConfig
	mu       sync.Mutex // mu serializes event application
}

// NewFollower creates a follower that mirrors events received on endpoint.
func NewFollower(endpoint *Endpoint, mirror Mirror, cfg FollowerConfig) *Follower {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	f := &Follower{
		endpoint: endpoint,
		mirror:   mirror,
		cfg:      cfg,
	}

	endpoint.OnMessage(f.handleMessage)

	return f
}

// Run connects to the leader and follows its feed until ctx is cancelled,
// reconnecting with exponential backoff.
func (f *Follower) Run(ctx context.Context) error {
	delay := f.cfg.RetryDelay

	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			delay = f.cfg.RetryDelay
		}

		logger.Warn("feed session ended", "leader", f.cfg.LeaderAddr, "error", err, "retry", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// session runs one connection to the leader. It returns nil when an
// established connection ends.
func (f *Follower) session(ctx context.Context) error {
	peer, err := f.endpoint.Connect(ctx, f.cfg.LeaderAddr)
	if err != nil {
		return err
	}
	defer peer.Close()

	var zero registry.AccountID
	if f.cfg.Leader != zero && peer.ID() != f.cfg.Leader {
		return fmt.Errorf("unexpected leader key %s", peer.ID().Short())
	}

	logger.Info("following leader", "leader", peer.ID().Short(), "addr", f.cfg.LeaderAddr)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.CatchUp(ctx, peer); err != nil {
			logger.Warn("catch up failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-peer.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CatchUp requests and applies every record after the last applied seq.
func (f *Follower) CatchUp(ctx context.Context, peer *Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.catchUp(ctx, peer)
}

// catchUp pages through the leader's backlog. f.mu must be held.
func (f *Follower) catchUp(ctx context.Context, peer *Peer) error {
	for {
		last, err := f.mirror.LastSeq()
		if err != nil {
			return err
		}

		resp, err := peer.Request(ctx, encodeBacklogRequest(last+1, maxBacklogBatch))
		if err != nil {
			return fmt.Errorf("backlog request:\n%w", err)
		}

		records, err := decodeBacklogResponse(resp)
		if err != nil {
			return err
		}

		for _, rec := range records {
			if _, err := f.mirror.Mirror(rec); err != nil {
				return fmt.Errorf("mirror seq %d:\n%w", rec.Seq, err)
			}
		}

		if len(records) < maxBacklogBatch {
			if len(records) > 0 {
				logger.Debug("caught up", "from", last+1, "count", len(records))
			}

			return nil
		}
	}
}

// handleMessage applies a live record, filling any gap from the backlog first.
func (f *Follower) handleMessage(p *Peer, data []byte) {
	rec, err := decodeEventMessage(data)
	if err != nil {
		logger.Debug("drop feed message", "peer", p.ID().Short(), "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	last, err := f.mirror.LastSeq()
	if err != nil {
		logger.Error("read last seq", "error", err)
		return
	}

	switch {
	case rec.Seq <= last:
		return

	case rec.Seq > last+1:
		logger.Debug("feed gap", "have", last, "got", rec.Seq)

		if err := f.catchUp(context.Background(), p); err != nil {
			logger.Warn("gap recovery failed", "error", err)
		}

	default:
		if _, err := f.mirror.Mirror(rec); err != nil {
			logger.Error("mirror event", "seq", rec.Seq, "error", err)
		}
	}
}
