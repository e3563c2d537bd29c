package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Provenance/internal/events"
	"Provenance/internal/ledger"
	"Provenance/internal/registry"
	"Provenance/internal/storage"
	"Provenance/internal/types"
)

const (
	// snapshotVersion is the current snapshot format version.
	snapshotVersion = 1

	// balanceRecordSize is account (32) + free (8) + reserved (8).
	balanceRecordSize = 48

	// nonceRecordSize is account (32) + nonce (8).
	nonceRecordSize = 40

	// claimFixedSize is digest length (2) + owner (32) + createdAt (8).
	claimFixedSize = 42
)

var (
	// ErrChecksum is returned when a snapshot's content does not match its checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")
	// ErrVersion is returned for snapshots written by an unknown format version.
	ErrVersion = errors.New("unsupported snapshot version")
)

// Prefixes of the state replaced by Apply.
var (
	prefixClaim   = []byte("c:")
	prefixBalance = []byte("b:")
	prefixNonce   = []byte("n:")
)

// State is the decoded content of a snapshot.
type State struct {
	Version  uint32                // Version is the format version
	LastSeq  uint64                // LastSeq is the last event seq reflected in the state
	Claims   []registry.Entry      // Claims are sorted by digest
	Balances []ledger.BalanceEntry // Balances are sorted by account
	Nonces   []ledger.NonceEntry   // Nonces are sorted by account
}

// Create builds an uncompressed snapshot of the committed state in kv.
// The caller must keep kv stable while Create runs.
func Create(kv storage.KV) ([]byte, error) {
	claims, err := registry.NewClaimStore(kv).Export()
	if err != nil {
		return nil, fmt.Errorf("export claims:\n%w", err)
	}

	balances, nonces, err := ledger.New(kv).Export()
	if err != nil {
		return nil, fmt.Errorf("export ledger:\n%w", err)
	}

	lastSeq, err := events.NewLog(kv).LastSeq()
	if err != nil {
		return nil, err
	}

	return Build(&State{
		Version:  snapshotVersion,
		LastSeq:  lastSeq,
		Claims:   claims,
		Balances: balances,
		Nonces:   nonces,
	}), nil
}

// Build encodes st as a FlatBuffers snapshot with checksum.
// Entries are sorted in place for a deterministic checksum.
func Build(st *State) []byte {
	sortState(st)

	claims := encodeClaims(st.Claims)
	balances := encodeBalances(st.Balances)
	nonces := encodeNonces(st.Nonces)

	checksum := computeChecksum(st.Version, st.LastSeq, claims, balances, nonces)

	builder := flatbuffers.NewBuilder(256 + len(claims) + len(balances) + len(nonces))

	claimsOffset := builder.CreateByteVector(claims)
	balancesOffset := builder.CreateByteVector(balances)
	noncesOffset := builder.CreateByteVector(nonces)
	checksumOffset := builder.CreateByteVector(checksum[:])

	types.SnapshotStart(builder)
	types.SnapshotAddVersion(builder, st.Version)
	types.SnapshotAddLastSeq(builder, st.LastSeq)
	types.SnapshotAddClaims(builder, claimsOffset)
	types.SnapshotAddBalances(builder, balancesOffset)
	types.SnapshotAddNonces(builder, noncesOffset)
	types.SnapshotAddChecksum(builder, checksumOffset)
	offset := types.SnapshotEnd(builder)
	builder.Finish(offset)

	return builder.FinishedBytes()
}

// Decode parses an uncompressed snapshot and verifies its checksum.
func Decode(data []byte) (st *State, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			st = nil
			retErr = fmt.Errorf("malformed snapshot data")
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("snapshot data too short")
	}

	snap := types.GetRootAsSnapshot(data, 0)

	if snap.Version() != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, snap.Version())
	}

	stored := snap.ChecksumBytes()
	if len(stored) != 32 {
		return nil, fmt.Errorf("invalid checksum length: %d", len(stored))
	}

	computed := computeChecksum(snap.Version(), snap.LastSeq(), snap.ClaimsBytes(), snap.BalancesBytes(), snap.NoncesBytes())
	if !bytes.Equal(computed[:], stored) {
		return nil, ErrChecksum
	}

	claims, err := decodeClaims(snap.ClaimsBytes())
	if err != nil {
		return nil, err
	}

	balances, err := decodeBalances(snap.BalancesBytes())
	if err != nil {
		return nil, err
	}

	nonces, err := decodeNonces(snap.NoncesBytes())
	if err != nil {
		return nil, err
	}

	return &State{
		Version:  snap.Version(),
		LastSeq:  snap.LastSeq(),
		Claims:   claims,
		Balances: balances,
		Nonces:   nonces,
	}, nil
}

// Apply verifies an uncompressed snapshot and replaces the claim, ledger and
// event log state in db with its content, in one atomic batch.
func Apply(db *storage.Storage, data []byte) (*State, error) {
	st, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot:\n%w", err)
	}

	batch := db.NewBatch()
	defer batch.Close()

	for _, prefix := range [][]byte{prefixClaim, prefixBalance, prefixNonce} {
		if err := storage.DeletePrefix(batch, prefix); err != nil {
			return nil, fmt.Errorf("clear %q:\n%w", prefix, err)
		}
	}

	if err := registry.NewClaimStore(batch).ImportBatch(st.Claims); err != nil {
		return nil, fmt.Errorf("write claims:\n%w", err)
	}

	if err := ledger.New(batch).Import(st.Balances, st.Nonces); err != nil {
		return nil, fmt.Errorf("write ledger:\n%w", err)
	}

	if err := events.NewLog(batch).Reset(st.LastSeq); err != nil {
		return nil, err
	}

	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot:\n%w", err)
	}

	return st, nil
}

// Compress compresses snapshot data using zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd-compressed snapshot data.
func Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

// sortState orders every section for a canonical encoding.
func sortState(st *State) {
	sort.Slice(st.Claims, func(i, j int) bool {
		return bytes.Compare(st.Claims[i].Digest, st.Claims[j].Digest) < 0
	})

	sort.Slice(st.Balances, func(i, j int) bool {
		return bytes.Compare(st.Balances[i].Account[:], st.Balances[j].Account[:]) < 0
	})

	sort.Slice(st.Nonces, func(i, j int) bool {
		return bytes.Compare(st.Nonces[i].Account[:], st.Nonces[j].Account[:]) < 0
	})
}

// computeChecksum computes a blake3 checksum over canonical snapshot data.
// Format: version (4 bytes) + lastSeq (8 bytes) + each section as u32 length + bytes
func computeChecksum(version uint32, lastSeq uint64, sections ...[]byte) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], version)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], lastSeq)
	hasher.Write(buf[:])

	for _, section := range sections {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(section)))
		hasher.Write(buf[:4])
		hasher.Write(section)
	}

	var checksum [32]byte
	hasher.Sum(checksum[:0])

	return checksum
}

// encodeClaims encodes claims.
// Format: for each claim: u16 digest_len + digest + 32-byte owner + u64 createdAt
func encodeClaims(claims []registry.Entry) []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	for _, c := range claims {
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(c.Digest)))
		buf.Write(scratch[:2])
		buf.Write(c.Digest)
		buf.Write(c.Claim.Owner[:])
		binary.BigEndian.PutUint64(scratch[:], uint64(c.Claim.CreatedAt))
		buf.Write(scratch[:])
	}

	return buf.Bytes()
}

// decodeClaims decodes the claims section.
func decodeClaims(data []byte) ([]registry.Entry, error) {
	var claims []registry.Entry

	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("truncated claim header")
		}

		n := int(binary.BigEndian.Uint16(data[:2]))
		if n > registry.MaxDigestBytes || len(data) < claimFixedSize+n {
			return nil, fmt.Errorf("invalid claim record: digest length %d", n)
		}
		data = data[2:]

		e := registry.Entry{Digest: append([]byte(nil), data[:n]...)}
		data = data[n:]

		copy(e.Claim.Owner[:], data[:32])
		e.Claim.CreatedAt = registry.Timestamp(binary.BigEndian.Uint64(data[32:40]))
		data = data[40:]

		claims = append(claims, e)
	}

	return claims, nil
}

// encodeBalances encodes balances as fixed 48-byte records.
func encodeBalances(balances []ledger.BalanceEntry) []byte {
	buf := make([]byte, 0, len(balances)*balanceRecordSize)

	for _, b := range balances {
		buf = append(buf, b.Account[:]...)
		buf = binary.BigEndian.AppendUint64(buf, b.Balance.Free)
		buf = binary.BigEndian.AppendUint64(buf, b.Balance.Reserved)
	}

	return buf
}

// decodeBalances decodes the balances section.
func decodeBalances(data []byte) ([]ledger.BalanceEntry, error) {
	if len(data)%balanceRecordSize != 0 {
		return nil, fmt.Errorf("invalid balances length: %d", len(data))
	}

	balances := make([]ledger.BalanceEntry, 0, len(data)/balanceRecordSize)

	for ; len(data) > 0; data = data[balanceRecordSize:] {
		var e ledger.BalanceEntry
		copy(e.Account[:], data[:32])
		e.Balance.Free = binary.BigEndian.Uint64(data[32:40])
		e.Balance.Reserved = binary.BigEndian.Uint64(data[40:48])

		balances = append(balances, e)
	}

	return balances, nil
}

// encodeNonces encodes nonces as fixed 40-byte records.
func encodeNonces(nonces []ledger.NonceEntry) []byte {
	buf := make([]byte, 0, len(nonces)*nonceRecordSize)

	for _, n := range nonces {
		buf = append(buf, n.Account[:]...)
		buf = binary.BigEndian.AppendUint64(buf, n.Nonce)
	}

	return buf
}

// decodeNonces decodes the nonces section.
func decodeNonces(data []byte) ([]ledger.NonceEntry, error) {
	if len(data)%nonceRecordSize != 0 {
		return nil, fmt.Errorf("invalid nonces length: %d", len(data))
	}

	nonces := make([]ledger.NonceEntry, 0, len(data)/nonceRecordSize)

	for ; len(data) > 0; data = data[nonceRecordSize:] {
		var e ledger.NonceEntry
		copy(e.Account[:], data[:32])
		e.Nonce = binary.BigEndian.Uint64(data[32:40])

		nonces = append(nonces, e)
	}

	return nonces, nil
}
