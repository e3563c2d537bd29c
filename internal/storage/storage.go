package storage

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Reader is the read side of an ordered key-value store.
type Reader interface {
	// Get returns the value for key, or nil if the key does not exist.
	Get(key []byte) ([]byte, error)
	// IteratePrefix visits every pair whose key starts with prefix, in key order.
	// Key and value slices are only valid for the duration of fn.
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	// IterateFrom is IteratePrefix starting at the first key >= start.
	IterateFrom(prefix, start []byte, fn func(key, value []byte) error) error
}

// KV is an ordered key-value store. It is implemented by Storage for
// direct writes and by Batch for writes that commit atomically.
type KV interface {
	Reader
	// Set stores a key-value pair, overwriting any previous value.
	Set(key, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error
}

// Storage provides a simple key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New creates a new Storage instance at the given path.
// It starts a background goroutine that syncs the WAL periodically.
func New(path string) (*Storage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	return getCopy(s.db, key)
}

// Set stores a key-value pair.
// The write is buffered and synced periodically by the background goroutine.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// Uses Pebble's iterator bounds for efficient prefix scanning.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.IterateFrom(prefix, prefix, fn)
}

// IterateFrom calls fn for each pair with the given prefix whose key is >= start.
func (s *Storage) IterateFrom(prefix, start []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(rangeOptions(prefix, start))
	if err != nil {
		return err
	}

	return iterate(iter, fn)
}

// NewBatch opens an indexed batch. Reads through the batch observe its own
// pending writes layered over the committed database.
func (s *Storage) NewBatch() *Batch {
	return &Batch{b: s.db.NewIndexedBatch()}
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// Batch is a set of writes that becomes visible only on Commit.
// A Batch must be closed whether or not it was committed.
type Batch struct {
	b      *pebble.Batch
	closed bool
}

// Get reads key through the batch.
func (b *Batch) Get(key []byte) ([]byte, error) {
	return getCopy(b.b, key)
}

// Set stages a key-value pair.
func (b *Batch) Set(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

// Delete stages a deletion.
func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key, nil)
}

// IteratePrefix iterates the merged view of the batch and the database.
func (b *Batch) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return b.IterateFrom(prefix, prefix, fn)
}

// IterateFrom iterates the merged view starting at the first key >= start.
func (b *Batch) IterateFrom(prefix, start []byte, fn func(key, value []byte) error) error {
	iter, err := b.b.NewIter(rangeOptions(prefix, start))
	if err != nil {
		return err
	}

	return iterate(iter, fn)
}

// Empty reports whether the batch holds no staged writes.
func (b *Batch) Empty() bool {
	return b.b.Empty()
}

// Commit applies every staged write atomically.
func (b *Batch) Commit() error {
	if b.closed {
		return errors.New("batch already closed")
	}

	return b.b.Commit(pebble.NoSync)
}

// Close releases the batch. Uncommitted writes are discarded.
func (b *Batch) Close() error {
	if b.closed {
		return nil
	}

	b.closed = true

	return b.b.Close()
}

// getCopy reads key from r and copies the value out of Pebble's buffer.
func getCopy(r pebble.Reader, key []byte) ([]byte, error) {
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// iterate walks iter from first to last and closes it.
func iterate(iter *pebble.Iterator, fn func(key, value []byte) error) error {
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// rangeOptions bounds an iterator to keys starting with prefix that are >= start.
func rangeOptions(prefix, start []byte) *pebble.IterOptions {
	if len(prefix) == 0 && len(start) == 0 {
		return nil
	}

	lower := start
	if bytes.Compare(lower, prefix) < 0 {
		lower = prefix
	}

	return &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	}
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil // all 0xFF -> unbounded
}

// DeletePrefix removes every key starting with prefix from kv.
func DeletePrefix(kv KV, prefix []byte) error {
	var keys [][]byte

	err := kv.IteratePrefix(prefix, func(key, _ []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)

		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := kv.Delete(k); err != nil {
			return err
		}
	}

	return nil
}
