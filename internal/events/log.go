package events

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Provenance/internal/registry"
	"Provenance/internal/storage"
)

// Key prefixes for the event log.
var (
	prefixEvent = []byte("e:")          // e:<seq> -> ClaimEvent bytes
	keyLastSeq  = []byte("m:eventSeq") // m:eventSeq -> u64
)

// errStop ends an iteration early without reporting an error.
var errStop = errors.New("stop iteration")

// Log is an append-only, persistent sequence of registry events.
type Log struct {
	kv storage.KV
}

// NewLog creates an event log over kv.
func NewLog(kv storage.KV) *Log {
	return &Log{kv: kv}
}

// LastSeq returns the sequence number of the newest event, or 0 when empty.
func (l *Log) LastSeq() (uint64, error) {
	data, err := l.kv.Get(keyLastSeq)
	if err != nil {
		return 0, fmt.Errorf("read last seq:\n%w", err)
	}

	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// Append assigns consecutive sequence numbers to evs and stores them.
func (l *Log) Append(evs []registry.Event) ([]Record, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	seq, err := l.LastSeq()
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(evs))

	for i, ev := range evs {
		seq++
		records[i] = Record{Seq: seq, Event: ev}

		if err := l.kv.Set(makeEventKey(seq), Encode(records[i])); err != nil {
			return nil, fmt.Errorf("write event %d:\n%w", seq, err)
		}
	}

	if err := l.setLastSeq(seq); err != nil {
		return nil, err
	}

	return records, nil
}

// Put stores a record at its own sequence number, used by followers that
// mirror a leader's log. Records must arrive in order.
func (l *Log) Put(rec Record) error {
	if err := l.kv.Set(makeEventKey(rec.Seq), Encode(rec)); err != nil {
		return fmt.Errorf("write event %d:\n%w", rec.Seq, err)
	}

	return l.setLastSeq(rec.Seq)
}

// Reset drops every stored event and restarts numbering after seq.
// It is used when state is restored from a snapshot taken at seq.
func (l *Log) Reset(seq uint64) error {
	if err := storage.DeletePrefix(l.kv, prefixEvent); err != nil {
		return fmt.Errorf("clear events:\n%w", err)
	}

	return l.setLastSeq(seq)
}

// Range returns up to limit records starting at seq from. A limit <= 0 means no limit.
func (l *Log) Range(from uint64, limit int) ([]Record, error) {
	var records []Record

	err := l.kv.IterateFrom(prefixEvent, makeEventKey(from), func(_, value []byte) error {
		rec, err := Decode(value)
		if err != nil {
			return err
		}

		records = append(records, rec)

		if limit > 0 && len(records) >= limit {
			return errStop
		}

		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("iterate events:\n%w", err)
	}

	return records, nil
}

// setLastSeq persists the newest sequence number.
func (l *Log) setLastSeq(seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	return l.kv.Set(keyLastSeq, buf[:])
}

// makeEventKey creates a storage key for an event. Big-endian keeps keys in seq order.
func makeEventKey(seq uint64) []byte {
	key := make([]byte, len(prefixEvent)+8)
	copy(key, prefixEvent)
	binary.BigEndian.PutUint64(key[len(prefixEvent):], seq)

	return key
}
