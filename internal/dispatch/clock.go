package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"Provenance/internal/events"
	"Provenance/internal/registry"
	"Provenance/internal/storage"
)

// timestampScanBatch is the page size used when scanning the event log.
const timestampScanBatch = 1024

// Clock stamps transactions with unix milliseconds. It never returns the
// same value twice and never goes backwards, even if the wall clock does.
type Clock struct {
	last atomic.Uint64
	wall func() time.Time
}

// NewClock creates a clock backed by the system time.
func NewClock() *Clock {
	return &Clock{wall: time.Now}
}

// NewClockAt creates a clock that issues values strictly after start.
// Used on restart to resume after the newest persisted timestamp.
func NewClockAt(start registry.Timestamp, wall func() time.Time) *Clock {
	c := &Clock{wall: wall}
	c.last.Store(uint64(start))

	return c
}

// Now returns the next timestamp.
func (c *Clock) Now() registry.Timestamp {
	ms := uint64(c.wall().UnixMilli())

	for {
		last := c.last.Load()

		next := ms
		if next <= last {
			next = last + 1
		}

		if c.last.CompareAndSwap(last, next) {
			return registry.Timestamp(next)
		}
	}
}

// LatestTimestamp returns the newest timestamp persisted in kv: the largest
// createdAt among live claims and logged creations. It is 0 for a fresh store.
func LatestTimestamp(kv storage.KV) (registry.Timestamp, error) {
	var latest registry.Timestamp

	claims, err := registry.NewClaimStore(kv).Export()
	if err != nil {
		return 0, fmt.Errorf("export claims:\n%w", err)
	}

	for _, e := range claims {
		latest = max(latest, e.Claim.CreatedAt)
	}

	// Revoked claims only survive in the log
	log := events.NewLog(kv)

	for from := uint64(1); ; {
		page, err := log.Range(from, timestampScanBatch)
		if err != nil {
			return 0, err
		}

		for _, rec := range page {
			if rec.Event.Kind == registry.EventClaimCreated {
				latest = max(latest, rec.Event.Timestamp)
			}
		}

		if len(page) < timestampScanBatch {
			return latest, nil
		}

		from = page[len(page)-1].Seq + 1
	}
}
