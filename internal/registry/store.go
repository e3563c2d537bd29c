package registry

import (
	"encoding/binary"
	"fmt"

	"Provenance/internal/logger"
	"Provenance/internal/storage"
)

// claimKeyPrefix is the Pebble key prefix for claim entries.
var claimKeyPrefix = []byte("c:")

// claimValueSize is the encoded claim size: 32-byte owner + u64 createdAt.
const claimValueSize = accountSize + 8

// ClaimStore maps digests to claims in an ordered key-value store.
// It holds no rules of its own; every check lives in Registry.
//
// Get, Insert and Remove cannot fail from the registry's point of view. A
// storage error is recorded instead and reported by Err; the host must check
// Err before committing anything written through the store.
type ClaimStore struct {
	kv  storage.KV
	err error // err is the first storage error, sticky
}

// NewClaimStore creates a claim store over kv. kv is usually a batch
// scoped to one transaction, or the database for read-only access.
func NewClaimStore(kv storage.KV) *ClaimStore {
	return &ClaimStore{kv: kv}
}

// Exists returns true if digest has a live claim.
func (s *ClaimStore) Exists(digest []byte) bool {
	_, found := s.Get(digest)
	return found
}

// Get returns the claim for digest. Returns false if there is none.
func (s *ClaimStore) Get(digest []byte) (Claim, bool) {
	value, err := s.kv.Get(makeClaimKey(digest))
	if err != nil {
		s.fail("read claim", digest, err)
		return Claim{}, false
	}

	return decodeClaim(value)
}

// Insert stores claim under digest, overwriting any previous entry.
func (s *ClaimStore) Insert(digest []byte, claim Claim) {
	if err := s.kv.Set(makeClaimKey(digest), encodeClaim(claim)); err != nil {
		s.fail("write claim", digest, err)
	}
}

// Remove deletes the claim for digest.
func (s *ClaimStore) Remove(digest []byte) {
	if err := s.kv.Delete(makeClaimKey(digest)); err != nil {
		s.fail("delete claim", digest, err)
	}
}

// Err returns the first storage error hit by Get, Insert or Remove, or nil.
func (s *ClaimStore) Err() error {
	return s.err
}

// fail logs a storage error and keeps the first one for Err.
func (s *ClaimStore) fail(op string, digest []byte, err error) {
	logger.Error(op, "digest", fmt.Sprintf("%x", digest), "error", err)

	if s.err == nil {
		s.err = fmt.Errorf("%s %x:\n%w", op, digest, err)
	}
}

// Export returns all claims in digest order.
func (s *ClaimStore) Export() ([]Entry, error) {
	var entries []Entry

	err := s.kv.IteratePrefix(claimKeyPrefix, func(key, value []byte) error {
		claim, ok := decodeClaim(value)
		if !ok {
			return nil
		}

		entries = append(entries, Entry{
			Digest: cloneBytes(key[len(claimKeyPrefix):]),
			Claim:  claim,
		})

		return nil
	})

	return entries, err
}

// Count returns the number of live claims.
func (s *ClaimStore) Count() (int, error) {
	n := 0

	err := s.kv.IteratePrefix(claimKeyPrefix, func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}

// ImportBatch writes entries, typically loaded from a snapshot.
func (s *ClaimStore) ImportBatch(entries []Entry) error {
	for _, e := range entries {
		if err := s.kv.Set(makeClaimKey(e.Digest), encodeClaim(e.Claim)); err != nil {
			return err
		}
	}

	return nil
}

// makeClaimKey builds the Pebble key for a claim: "c:" + digest bytes.
func makeClaimKey(digest []byte) []byte {
	key := make([]byte, len(claimKeyPrefix)+len(digest))
	copy(key, claimKeyPrefix)
	copy(key[len(claimKeyPrefix):], digest)

	return key
}

// encodeClaim serializes a claim: owner (32 bytes) + createdAt (u64 big-endian).
func encodeClaim(c Claim) []byte {
	buf := make([]byte, claimValueSize)
	copy(buf, c.Owner[:])
	binary.BigEndian.PutUint64(buf[accountSize:], uint64(c.CreatedAt))

	return buf
}

// decodeClaim parses an encoded claim. Returns false for missing or malformed values.
func decodeClaim(value []byte) (Claim, bool) {
	if len(value) != claimValueSize {
		return Claim{}, false
	}

	var c Claim
	copy(c.Owner[:], value[:accountSize])
	c.CreatedAt = Timestamp(binary.BigEndian.Uint64(value[accountSize:]))

	return c, true
}
