package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is the default time-to-live for seen message hashes.
	defaultDedupTTL = 30 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup drops feed messages seen within the TTL window, keyed by their
// blake3 hash. Expired entries are purged in the background.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps message hash to timestamp (unix nano)
	mu   sync.Mutex         // mu protects the seen map
	ttl  int64              // ttl in nanoseconds
	stop chan struct{}      // stop signals the cleanup goroutine to stop
	wg   sync.WaitGroup     // wg waits for the cleanup goroutine
}

// NewDedup creates a message deduplication tracker remembering hashes for ttl.
// A zero ttl uses defaultDedupTTL.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true if the message is new (not seen before).
// If new, the message hash is recorded for future deduplication.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, exists := d.seen[hash]; exists && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine and releases resources.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries from the seen map.
func (d *Dedup) cleanup() {
	now := time.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
