package txn

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	flatbuffers "github.com/google/flatbuffers/go"

	"Provenance/internal/types"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

func TestBuildDecode(t *testing.T) {
	priv := newKey(t)
	digest := []byte("hello world")

	data, hash := Build(priv, ActionCreate, digest, 7)

	tx, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if tx.Hash != hash {
		t.Errorf("hash = %x, want %x", tx.Hash, hash)
	}

	if tx.Action != ActionCreate || tx.Nonce != 7 || !bytes.Equal(tx.Digest, digest) {
		t.Errorf("unexpected fields: %+v", tx)
	}

	if !bytes.Equal(tx.Sender[:], priv.Public().(ed25519.PublicKey)) {
		t.Error("sender does not match signing key")
	}
}

func TestDecode_EmptyDigest(t *testing.T) {
	data, _ := Build(newKey(t), ActionRevoke, nil, 1)

	tx, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(tx.Digest) != 0 || tx.Action != ActionRevoke {
		t.Errorf("unexpected fields: %+v", tx)
	}
}

func TestDecode_TamperedDigest(t *testing.T) {
	priv := newKey(t)
	data, _ := Build(priv, ActionCreate, []byte("abc"), 1)

	// Flip a byte of the digest inside the buffer
	raw := types.GetRootAsClaimTx(data, 0)
	digest := raw.DigestBytes()
	digest[0] ^= 0xFF

	if _, err := Decode(data); !errors.Is(err, ErrInvalidTx) {
		t.Fatalf("expected ErrInvalidTx, got %v", err)
	}
}

func TestDecode_TamperedNonce(t *testing.T) {
	data, _ := Build(newKey(t), ActionCreate, []byte("abc"), 5)

	raw := types.GetRootAsClaimTx(data, 0)
	if !raw.MutateNonce(6) {
		t.Fatal("nonce field not present")
	}

	if _, err := Decode(data); !errors.Is(err, ErrInvalidTx) {
		t.Fatalf("expected ErrInvalidTx, got %v", err)
	}
}

func TestDecode_WrongSigner(t *testing.T) {
	signer := newKey(t)
	other := newKey(t)

	var sender [32]byte
	copy(sender[:], other.Public().(ed25519.PublicKey))

	hash := SigningHash(ActionCreate, 1, sender, []byte("doc"))
	sig := ed25519.Sign(signer, hash[:])

	data := encode(hash, ActionCreate, []byte("doc"), sender, 1, sig)

	if _, err := Decode(data); !errors.Is(err, ErrInvalidTx) {
		t.Fatalf("expected ErrInvalidTx, got %v", err)
	}
}

func TestDecode_UnknownAction(t *testing.T) {
	priv := newKey(t)

	var sender [32]byte
	copy(sender[:], priv.Public().(ed25519.PublicKey))

	hash := SigningHash(Action(9), 1, sender, []byte("doc"))
	sig := ed25519.Sign(priv, hash[:])

	data := encode(hash, Action(9), []byte("doc"), sender, 1, sig)

	if _, err := Decode(data); !errors.Is(err, ErrInvalidTx) {
		t.Fatalf("expected ErrInvalidTx, got %v", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x01, 0x02},
		bytes.Repeat([]byte{0xFF}, 64),
	}

	for _, in := range inputs {
		if _, err := Decode(in); !errors.Is(err, ErrInvalidTx) {
			t.Errorf("Decode(%x): expected ErrInvalidTx, got %v", in, err)
		}
	}
}

func TestDecode_MissingSignature(t *testing.T) {
	builder := flatbuffers.NewBuilder(64)
	hashVec := builder.CreateByteVector(make([]byte, 32))
	senderVec := builder.CreateByteVector(make([]byte, 32))

	types.ClaimTxStart(builder)
	types.ClaimTxAddHash(builder, hashVec)
	types.ClaimTxAddSender(builder, senderVec)
	types.ClaimTxAddAction(builder, byte(ActionCreate))
	types.FinishClaimTxBuffer(builder, types.ClaimTxEnd(builder))

	if _, err := Decode(builder.FinishedBytes()); !errors.Is(err, ErrInvalidTx) {
		t.Fatalf("expected ErrInvalidTx, got %v", err)
	}
}

func TestSigningHash_BindsEveryField(t *testing.T) {
	sender := [32]byte{0x01}
	base := SigningHash(ActionCreate, 1, sender, []byte("d"))

	variants := [][32]byte{
		SigningHash(ActionRevoke, 1, sender, []byte("d")),
		SigningHash(ActionCreate, 2, sender, []byte("d")),
		SigningHash(ActionCreate, 1, [32]byte{0x02}, []byte("d")),
		SigningHash(ActionCreate, 1, sender, []byte("e")),
	}

	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d hashes equal to base", i)
		}
	}
}
