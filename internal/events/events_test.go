package events

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"Provenance/internal/registry"
	"Provenance/internal/storage"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	dir, err := os.MkdirTemp("", "events_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	db, err := storage.New(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

var (
	alice = registry.AccountID{0xA1}
	bob   = registry.AccountID{0xB0}
)

func created(owner registry.AccountID, digest string, ts registry.Timestamp) registry.Event {
	return registry.Event{Kind: registry.EventClaimCreated, Owner: owner, Timestamp: ts, Digest: []byte(digest)}
}

func revoked(owner registry.AccountID, digest string) registry.Event {
	return registry.Event{Kind: registry.EventClaimRevoked, Owner: owner, Digest: []byte(digest)}
}

func TestCodecRoundTrip(t *testing.T) {
	rec := Record{Seq: 7, Event: created(alice, "doc", 1234)}

	got, err := Decode(Encode(rec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Seq != 7 || got.Event.Kind != registry.EventClaimCreated || got.Event.Owner != alice ||
		got.Event.Timestamp != 1234 || !bytes.Equal(got.Event.Digest, []byte("doc")) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x01, 0x02},
		bytes.Repeat([]byte{0xFF}, 32),
	}

	for i, in := range inputs {
		if _, err := Decode(in); err == nil {
			t.Errorf("input %d: expected error", i)
		}
	}
}

func TestLogAppendRange(t *testing.T) {
	log := NewLog(newTestStorage(t))

	if seq, err := log.LastSeq(); err != nil || seq != 0 {
		t.Fatalf("empty log: seq=%d err=%v", seq, err)
	}

	recs, err := log.Append([]registry.Event{created(alice, "a", 1), created(bob, "b", 2)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if len(recs) != 2 || recs[0].Seq != 1 || recs[1].Seq != 2 {
		t.Fatalf("unexpected seqs: %+v", recs)
	}

	if _, err := log.Append([]registry.Event{revoked(alice, "a")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if seq, _ := log.LastSeq(); seq != 3 {
		t.Errorf("last seq = %d, want 3", seq)
	}

	all, err := log.Range(1, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}

	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}

	for i, rec := range all {
		if rec.Seq != uint64(i+1) {
			t.Errorf("record %d has seq %d", i, rec.Seq)
		}
	}

	page, err := log.Range(2, 1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}

	if len(page) != 1 || page[0].Seq != 2 || page[0].Event.Owner != bob {
		t.Errorf("unexpected page: %+v", page)
	}

	tail, _ := log.Range(10, 0)
	if len(tail) != 0 {
		t.Errorf("range past end returned %d records", len(tail))
	}
}

func TestLogAppendEmpty(t *testing.T) {
	log := NewLog(newTestStorage(t))

	recs, err := log.Append(nil)
	if err != nil || recs != nil {
		t.Errorf("append nil: %v %v", recs, err)
	}

	if seq, _ := log.LastSeq(); seq != 0 {
		t.Errorf("seq advanced on empty append: %d", seq)
	}
}

// TestLogOrderAcrossByteBoundary verifies seq 256 sorts after seq 255.
func TestLogOrderAcrossByteBoundary(t *testing.T) {
	log := NewLog(newTestStorage(t))

	evs := make([]registry.Event, 300)
	for i := range evs {
		evs[i] = created(alice, "d", registry.Timestamp(i))
	}

	if _, err := log.Append(evs); err != nil {
		t.Fatalf("append: %v", err)
	}

	recs, err := log.Range(250, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}

	for i, rec := range recs {
		if rec.Seq != uint64(250+i) {
			t.Fatalf("record %d has seq %d", i, rec.Seq)
		}
	}
}

func TestLogPut(t *testing.T) {
	log := NewLog(newTestStorage(t))

	if err := log.Put(Record{Seq: 5, Event: created(alice, "x", 9)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if seq, _ := log.LastSeq(); seq != 5 {
		t.Errorf("last seq = %d, want 5", seq)
	}

	recs, _ := log.Append([]registry.Event{revoked(alice, "x")})
	if recs[0].Seq != 6 {
		t.Errorf("append after put got seq %d, want 6", recs[0].Seq)
	}
}

func TestBuffer(t *testing.T) {
	var buf Buffer

	buf.Emit(created(alice, "a", 1))
	buf.Emit(revoked(alice, "a"))

	if len(buf.Events()) != 2 || buf.Events()[1].Kind != registry.EventClaimRevoked {
		t.Errorf("unexpected events: %+v", buf.Events())
	}

	buf.Reset()

	if len(buf.Events()) != 0 {
		t.Errorf("reset left %d events", len(buf.Events()))
	}
}

func TestReplay(t *testing.T) {
	store := registry.NewClaimStore(newTestStorage(t))

	records := []Record{
		{Seq: 1, Event: created(alice, "doc", 10)},
		{Seq: 2, Event: revoked(alice, "doc")},
		{Seq: 3, Event: created(bob, "doc", 30)},
	}

	if err := Replay(store, records); err != nil {
		t.Fatalf("replay: %v", err)
	}

	claim, found := store.Get([]byte("doc"))
	if !found || claim.Owner != bob || claim.CreatedAt != 30 {
		t.Errorf("unexpected claim: %+v found=%v", claim, found)
	}
}

func TestReplayRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
	}{
		{"double create", []Record{
			{Seq: 1, Event: created(alice, "doc", 1)},
			{Seq: 2, Event: created(bob, "doc", 2)},
		}},
		{"revoke unclaimed", []Record{
			{Seq: 1, Event: revoked(alice, "doc")},
		}},
		{"revoke by non-owner", []Record{
			{Seq: 1, Event: created(alice, "doc", 1)},
			{Seq: 2, Event: revoked(bob, "doc")},
		}},
		{"seq gap", []Record{
			{Seq: 1, Event: created(alice, "a", 1)},
			{Seq: 3, Event: created(alice, "b", 2)},
		}},
		{"oversized digest", []Record{
			{Seq: 1, Event: registry.Event{
				Kind:   registry.EventClaimCreated,
				Owner:  alice,
				Digest: bytes.Repeat([]byte{1}, registry.MaxDigestBytes+1),
			}},
		}},
		{"unknown kind", []Record{
			{Seq: 1, Event: registry.Event{Kind: 9, Owner: alice, Digest: []byte("x")}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := registry.NewClaimStore(newTestStorage(t))

			if err := Replay(store, tt.records); !errors.Is(err, ErrInvalidHistory) {
				t.Errorf("expected ErrInvalidHistory, got %v", err)
			}
		})
	}
}

func TestLogReset(t *testing.T) {
	log := NewLog(newTestStorage(t))

	log.Append([]registry.Event{created(alice, "a", 1), created(alice, "b", 2)})

	if err := log.Reset(40); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if recs, _ := log.Range(1, 0); len(recs) != 0 {
		t.Errorf("reset left %d records", len(recs))
	}

	recs, _ := log.Append([]registry.Event{created(bob, "c", 3)})
	if recs[0].Seq != 41 {
		t.Errorf("seq after reset = %d, want 41", recs[0].Seq)
	}
}

func TestVerifyClaims(t *testing.T) {
	db := newTestStorage(t)
	log := NewLog(db)
	store := registry.NewClaimStore(db)

	history := []registry.Event{
		created(alice, "a", 100),
		created(bob, "b", 200),
		revoked(bob, "b"),
	}
	if _, err := log.Append(history); err != nil {
		t.Fatalf("append: %v", err)
	}
	store.Insert([]byte("a"), registry.Claim{Owner: alice, CreatedAt: 100})

	mismatched, complete, err := VerifyClaims(db)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !complete || len(mismatched) != 0 {
		t.Fatalf("consistent state: complete=%v mismatched=%x", complete, mismatched)
	}

	// Stored claims are untouched by the replay.
	if claim, ok := store.Get([]byte("a")); !ok || claim.Owner != alice {
		t.Fatalf("stored claim changed: %+v %v", claim, ok)
	}

	tests := []struct {
		name   string
		mutate func()
		want   string
	}{
		{"owner rewritten", func() { store.Insert([]byte("a"), registry.Claim{Owner: bob, CreatedAt: 100}) }, "a"},
		{"revoked claim resurrected", func() { store.Insert([]byte("b"), registry.Claim{Owner: bob, CreatedAt: 200}) }, "b"},
		{"claim lost", func() { store.Remove([]byte("a")) }, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.Insert([]byte("a"), registry.Claim{Owner: alice, CreatedAt: 100})
			store.Remove([]byte("b"))
			tt.mutate()

			mismatched, complete, err := VerifyClaims(db)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if !complete || len(mismatched) != 1 || string(mismatched[0]) != tt.want {
				t.Fatalf("complete=%v mismatched=%q, want [%q]", complete, mismatched, tt.want)
			}
		})
	}

	if err := store.Err(); err != nil {
		t.Fatalf("store error: %v", err)
	}
}

func TestVerifyClaims_AfterSnapshotReset(t *testing.T) {
	db := newTestStorage(t)
	log := NewLog(db)

	if err := log.Reset(5); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := log.Append([]registry.Event{revoked(alice, "a")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	mismatched, complete, err := VerifyClaims(db)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if complete || mismatched != nil {
		t.Fatalf("truncated log: complete=%v mismatched=%x", complete, mismatched)
	}
}
