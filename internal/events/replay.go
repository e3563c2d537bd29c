package events

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"Provenance/internal/registry"
	"Provenance/internal/storage"
)

// ErrInvalidHistory is returned when an event cannot follow the current state.
var ErrInvalidHistory = errors.New("invalid event history")

// Apply replays a single event onto store, enforcing the per-digest state
// machine: created only when unclaimed, revoked only by the current owner.
func Apply(store registry.Store, ev registry.Event) error {
	switch ev.Kind {
	case registry.EventClaimCreated:
		if len(ev.Digest) > registry.MaxDigestBytes {
			return fmt.Errorf("%w: digest of %d bytes", ErrInvalidHistory, len(ev.Digest))
		}

		if store.Exists(ev.Digest) {
			return fmt.Errorf("%w: %x created twice", ErrInvalidHistory, ev.Digest)
		}

		store.Insert(ev.Digest, registry.Claim{Owner: ev.Owner, CreatedAt: ev.Timestamp})

	case registry.EventClaimRevoked:
		claim, found := store.Get(ev.Digest)
		if !found {
			return fmt.Errorf("%w: %x revoked while unclaimed", ErrInvalidHistory, ev.Digest)
		}

		if claim.Owner != ev.Owner {
			return fmt.Errorf("%w: %x revoked by non-owner %s", ErrInvalidHistory, ev.Digest, ev.Owner.Short())
		}

		store.Remove(ev.Digest)

	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidHistory, ev.Kind)
	}

	return nil
}

// Replay applies records in order onto store. Sequence numbers must be
// contiguous. It stops at the first invalid record.
func Replay(store registry.Store, records []Record) error {
	for i, rec := range records {
		if i > 0 && rec.Seq != records[i-1].Seq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrInvalidHistory, rec.Seq, records[i-1].Seq)
		}

		if err := Apply(store, rec.Event); err != nil {
			return fmt.Errorf("replay seq %d:\n%w", rec.Seq, err)
		}
	}

	return nil
}

// VerifyClaims replays the whole event log of db into a batch that is never
// committed and returns the digests whose replayed claim differs from the
// stored one, in digest order. complete is false when the log does not start
// at seq 1, as after a snapshot restore; nothing is compared then.
func VerifyClaims(db *storage.Storage) (mismatched [][]byte, complete bool, err error) {
	log := NewLog(db)

	last, err := log.LastSeq()
	if err != nil {
		return nil, false, err
	}

	records, err := log.Range(1, 0)
	if err != nil {
		return nil, false, err
	}

	if last > 0 && (len(records) == 0 || records[0].Seq != 1) {
		return nil, false, nil
	}

	stored, err := registry.NewClaimStore(db).Export()
	if err != nil {
		return nil, false, fmt.Errorf("export stored claims:\n%w", err)
	}

	batch := db.NewBatch()
	defer batch.Close()

	store := registry.NewClaimStore(batch)
	for _, e := range stored {
		store.Remove(e.Digest)
	}

	if err := Replay(store, records); err != nil {
		return nil, true, err
	}

	replayed, err := store.Export()
	if err != nil {
		return nil, true, fmt.Errorf("export replayed claims:\n%w", err)
	}

	if err := store.Err(); err != nil {
		return nil, true, err
	}

	want := make(map[string]registry.Claim, len(replayed))
	for _, e := range replayed {
		want[string(e.Digest)] = e.Claim
	}

	for _, e := range stored {
		claim, ok := want[string(e.Digest)]
		if !ok || claim != e.Claim {
			mismatched = append(mismatched, e.Digest)
		}
		delete(want, string(e.Digest))
	}

	for digest := range want {
		mismatched = append(mismatched, []byte(digest))
	}

	sort.Slice(mismatched, func(i, j int) bool {
		return bytes.Compare(mismatched[i], mismatched[j]) < 0
	})

	return mismatched, true, nil
}
