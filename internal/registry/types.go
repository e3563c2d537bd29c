package registry

import (
	"encoding/hex"
	"fmt"
)

const (
	// MaxDigestBytes is the largest digest accepted by the registry.
	MaxDigestBytes = 100

	// Fee is the stake reserved for every live claim.
	Fee uint64 = 1000

	// accountSize is the size of an account identifier (ed25519 public key).
	accountSize = 32
)

// AccountID identifies an authenticated principal by its ed25519 public key.
type AccountID [accountSize]byte

// String returns the hex encoding of the account.
func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (a AccountID) Short() string {
	return hex.EncodeToString(a[:8])
}

// ParseAccountID decodes a hex-encoded account identifier.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode account:\n%w", err)
	}

	if len(raw) != accountSize {
		return id, fmt.Errorf("invalid account length: got %d, want %d", len(raw), accountSize)
	}

	copy(id[:], raw)

	return id, nil
}

// AccountFromBytes copies b into an AccountID. Returns false if b has the wrong length.
func AccountFromBytes(b []byte) (AccountID, bool) {
	var id AccountID
	if len(b) != accountSize {
		return id, false
	}

	copy(id[:], b)

	return id, true
}

// Timestamp is a point in time in unix milliseconds, as read from the host clock.
type Timestamp uint64

// Claim binds a digest to its owner.
type Claim struct {
	Owner     AccountID // Owner is the account that created the claim
	CreatedAt Timestamp // CreatedAt is the host time of the creating transaction
}

// Entry is a digest together with its claim.
type Entry struct {
	Digest []byte
	Claim  Claim
}

// cloneBytes returns a copy of b so callers cannot alias stored keys.
func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)

	return out
}
