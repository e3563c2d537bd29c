package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"Provenance/internal/registry"
	"Provenance/internal/txn"
)

// Wallet holds a keypair and signs claim transactions.
type Wallet struct {
	privKey ed25519.PrivateKey // privKey is the Ed25519 private key
	id      registry.AccountID // id is the public key as an account ID
}

// NewWallet creates a new wallet with a random Ed25519 keypair.
func NewWallet() *Wallet {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	return WalletFromKey(priv)
}

// WalletFromKey wraps an existing private key.
func WalletFromKey(priv ed25519.PrivateKey) *Wallet {
	w := &Wallet{privKey: priv}
	copy(w.id[:], priv.Public().(ed25519.PublicKey))

	return w
}

// ID returns the wallet's account ID.
func (w *Wallet) ID() registry.AccountID {
	return w.id
}

// PrivateKey returns the wallet's private key.
func (w *Wallet) PrivateKey() ed25519.PrivateKey {
	return w.privKey
}

// CreateClaim claims digest for the wallet, using the node's current nonce.
func (w *Wallet) CreateClaim(c *Client, digest []byte) (*SubmitResult, error) {
	return w.send(c, txn.ActionCreate, digest)
}

// RevokeClaim revokes the wallet's claim on digest.
func (w *Wallet) RevokeClaim(c *Client, digest []byte) (*SubmitResult, error) {
	return w.send(c, txn.ActionRevoke, digest)
}

// send signs and submits a transaction with the next nonce.
func (w *Wallet) send(c *Client, action txn.Action, digest []byte) (*SubmitResult, error) {
	acct, err := c.Account(w.id)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce:\n%w", err)
	}

	data, _ := txn.Build(w.privKey, action, digest, acct.Nonce+1)

	res, err := c.Submit(data)
	if err != nil {
		return nil, fmt.Errorf("%s claim:\n%w", action, err)
	}

	return res, nil
}

// LoadKey reads a hex-encoded ed25519 seed from path.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key %s:\n%w", path, err)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key %s: want %d-byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

// SaveKey writes priv's seed to path as hex, readable only by the owner.
func SaveKey(path string, priv ed25519.PrivateKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	return os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600)
}

// LoadOrCreateKey loads the key at path, generating and saving one if the file does not exist.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, bool, error) {
	priv, err := LoadKey(path)
	if err == nil {
		return priv, false, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	_, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, err
	}

	if err := SaveKey(path, priv); err != nil {
		return nil, false, fmt.Errorf("save key:\n%w", err)
	}

	return priv, true, nil
}
