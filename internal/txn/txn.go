package txn

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"Provenance/internal/registry"
	"Provenance/internal/types"
)

const (
	// hashSize is the expected size of a transaction hash.
	hashSize = 32

	// senderSize is the expected size of an Ed25519 public key.
	senderSize = 32

	// signatureSize is the expected size of an Ed25519 signature.
	signatureSize = 64

	// maxDigestSize bounds the digest carried on the wire. The registry applies
	// its own, tighter limit so oversized digests are reported as DigestTooLong.
	maxDigestSize = 4096
)

// ErrInvalidTx is returned for transactions that fail structural,
// hash or signature checks.
var ErrInvalidTx = errors.New("invalid transaction")

// Action selects the registry operation a transaction invokes.
type Action uint8

const (
	// ActionCreate calls CreateClaim.
	ActionCreate Action = 1
	// ActionRevoke calls RevokeClaim.
	ActionRevoke Action = 2
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionRevoke:
		return "revoke"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Tx is a decoded and verified claim transaction.
type Tx struct {
	Hash      [32]byte           // Hash is the signed transaction hash
	Action    Action             // Action is the requested operation
	Digest    []byte             // Digest is the claim key
	Sender    registry.AccountID // Sender is the authenticated caller
	Nonce     uint64             // Nonce orders the sender's transactions
	Signature []byte             // Signature is the ed25519 signature over Hash
}

// SigningHash computes the hash a sender signs.
// Format: blake3(action (1 byte) || nonce (u64 big-endian) || sender (32 bytes) || digest)
func SigningHash(action Action, nonce uint64, sender registry.AccountID, digest []byte) [32]byte {
	hasher := blake3.New()

	var buf [9]byte
	buf[0] = byte(action)
	binary.BigEndian.PutUint64(buf[1:], nonce)
	hasher.Write(buf[:])
	hasher.Write(sender[:])
	hasher.Write(digest)

	var out [32]byte
	hasher.Sum(out[:0])

	return out
}

// Build creates a signed ClaimTx and returns its bytes and hash.
func Build(priv ed25519.PrivateKey, action Action, digest []byte, nonce uint64) ([]byte, [32]byte) {
	var sender registry.AccountID
	copy(sender[:], priv.Public().(ed25519.PublicKey))

	hash := SigningHash(action, nonce, sender, digest)
	sig := ed25519.Sign(priv, hash[:])

	return encode(hash, action, digest, sender, nonce, sig), hash
}

// encode serializes the transaction fields into a FlatBuffers ClaimTx.
func encode(hash [32]byte, action Action, digest []byte, sender registry.AccountID, nonce uint64, sig []byte) []byte {
	builder := flatbuffers.NewBuilder(256 + len(digest))

	hashVec := builder.CreateByteVector(hash[:])
	digestVec := builder.CreateByteVector(digest)
	senderVec := builder.CreateByteVector(sender[:])
	sigVec := builder.CreateByteVector(sig)

	types.ClaimTxStart(builder)
	types.ClaimTxAddHash(builder, hashVec)
	types.ClaimTxAddAction(builder, byte(action))
	types.ClaimTxAddDigest(builder, digestVec)
	types.ClaimTxAddSender(builder, senderVec)
	types.ClaimTxAddNonce(builder, nonce)
	types.ClaimTxAddSignature(builder, sigVec)
	offset := types.ClaimTxEnd(builder)

	types.FinishClaimTxBuffer(builder, offset)

	return builder.FinishedBytes()
}

// Decode parses and verifies a ClaimTx.
// Checks structural integrity, hash correctness and the Ed25519 signature.
func Decode(data []byte) (tx *Tx, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			tx = nil
			retErr = fmt.Errorf("%w: malformed transaction data", ErrInvalidTx)
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: transaction data too short", ErrInvalidTx)
	}

	raw := types.GetRootAsClaimTx(data, 0)

	if err := validateFieldSizes(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTx, err)
	}

	tx = &Tx{
		Action:    Action(raw.Action()),
		Digest:    copyBytes(raw.DigestBytes()),
		Nonce:     raw.Nonce(),
		Signature: copyBytes(raw.SignatureBytes()),
	}
	copy(tx.Hash[:], raw.HashBytes())
	copy(tx.Sender[:], raw.SenderBytes())

	if tx.Action != ActionCreate && tx.Action != ActionRevoke {
		return nil, fmt.Errorf("%w: unknown action %d", ErrInvalidTx, tx.Action)
	}

	if err := verify(tx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTx, err)
	}

	return tx, nil
}

// validateFieldSizes checks that all fixed-size fields have the correct length.
func validateFieldSizes(tx *types.ClaimTx) error {
	if n := tx.HashLength(); n != hashSize {
		return fmt.Errorf("invalid hash size: got %d, want %d", n, hashSize)
	}

	if n := tx.SenderLength(); n != senderSize {
		return fmt.Errorf("invalid sender size: got %d, want %d", n, senderSize)
	}

	if n := tx.SignatureLength(); n != signatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", n, signatureSize)
	}

	if n := tx.DigestLength(); n > maxDigestSize {
		return fmt.Errorf("digest exceeds wire limit: %d > %d", n, maxDigestSize)
	}

	return nil
}

// verify recomputes the hash and checks the signature over it.
func verify(tx *Tx) error {
	expected := SigningHash(tx.Action, tx.Nonce, tx.Sender, tx.Digest)
	if expected != tx.Hash {
		return errors.New("hash mismatch")
	}

	if !ed25519.Verify(tx.Sender[:], tx.Hash[:], tx.Signature) {
		return errors.New("invalid signature")
	}

	return nil
}

// copyBytes copies b out of the FlatBuffers buffer.
func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)

	return out
}
