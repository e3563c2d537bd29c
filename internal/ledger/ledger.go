package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"Provenance/internal/registry"
	"Provenance/internal/storage"
)

// Key prefixes for ledger state.
var (
	balanceKeyPrefix = []byte("b:") // b:<account> -> free (u64) + reserved (u64)
	nonceKeyPrefix   = []byte("n:") // n:<account> -> last accepted nonce (u64)
)

// balanceValueSize is the encoded balance size.
const balanceValueSize = 16

var (
	// ErrInsufficientBalance is returned when free balance cannot cover a reservation.
	ErrInsufficientBalance = errors.New("insufficient free balance")
	// ErrInsufficientReserved is returned when reserved balance cannot cover a release.
	ErrInsufficientReserved = errors.New("insufficient reserved balance")
	// ErrOverflow is returned when a credit would wrap the balance.
	ErrOverflow = errors.New("balance overflow")
)

// Balance is an account's split between spendable and escrowed funds.
type Balance struct {
	Free     uint64 // Free is the spendable balance
	Reserved uint64 // Reserved is the balance held in escrow
}

// BalanceEntry pairs an account with its balance, for snapshots.
type BalanceEntry struct {
	Account registry.AccountID
	Balance Balance
}

// NonceEntry pairs an account with its last accepted nonce, for snapshots.
type NonceEntry struct {
	Account registry.AccountID
	Nonce   uint64
}

// Ledger tracks balances and nonces in a key-value store.
// It implements registry.Escrow.
type Ledger struct {
	kv storage.KV
}

// New creates a ledger over kv.
func New(kv storage.KV) *Ledger {
	return &Ledger{kv: kv}
}

// Balance returns the balance of account. Unknown accounts have a zero balance.
func (l *Ledger) Balance(account registry.AccountID) (Balance, error) {
	data, err := l.kv.Get(makeKey(balanceKeyPrefix, account))
	if err != nil {
		return Balance{}, fmt.Errorf("read balance:\n%w", err)
	}

	if data == nil {
		return Balance{}, nil
	}

	if len(data) != balanceValueSize {
		return Balance{}, fmt.Errorf("corrupt balance for %s: %d bytes", account.Short(), len(data))
	}

	return decodeBalance(data), nil
}

// Credit adds amount to the free balance of account.
func (l *Ledger) Credit(account registry.AccountID, amount uint64) error {
	if amount == 0 {
		return nil
	}

	b, err := l.Balance(account)
	if err != nil {
		return err
	}

	// Overflow check: free + reserved + amount must not wrap
	newFree := b.Free + amount
	if newFree < b.Free || newFree+b.Reserved < newFree {
		return fmt.Errorf("%w: balance=%d + amount=%d wraps", ErrOverflow, b.Free, amount)
	}

	b.Free = newFree

	return l.setBalance(account, b)
}

// Reserve moves amount from free to reserved balance.
func (l *Ledger) Reserve(account registry.AccountID, amount uint64) error {
	b, err := l.Balance(account)
	if err != nil {
		return err
	}

	if b.Free < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, b.Free, amount)
	}

	b.Free -= amount
	b.Reserved += amount

	return l.setBalance(account, b)
}

// Unreserve moves amount from reserved back to free balance.
func (l *Ledger) Unreserve(account registry.AccountID, amount uint64) error {
	b, err := l.Balance(account)
	if err != nil {
		return err
	}

	if b.Reserved < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientReserved, b.Reserved, amount)
	}

	b.Reserved -= amount
	b.Free += amount

	return l.setBalance(account, b)
}

// Nonce returns the last nonce accepted from account, or 0 if none.
func (l *Ledger) Nonce(account registry.AccountID) (uint64, error) {
	data, err := l.kv.Get(makeKey(nonceKeyPrefix, account))
	if err != nil {
		return 0, fmt.Errorf("read nonce:\n%w", err)
	}

	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// SetNonce records nonce as the last accepted nonce of account.
func (l *Ledger) SetNonce(account registry.AccountID, nonce uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)

	return l.kv.Set(makeKey(nonceKeyPrefix, account), buf[:])
}

// Export returns every balance and nonce in account order.
func (l *Ledger) Export() ([]BalanceEntry, []NonceEntry, error) {
	var balances []BalanceEntry

	err := l.kv.IteratePrefix(balanceKeyPrefix, func(key, value []byte) error {
		account, ok := registry.AccountFromBytes(key[len(balanceKeyPrefix):])
		if !ok || len(value) != balanceValueSize {
			return nil
		}

		balances = append(balances, BalanceEntry{Account: account, Balance: decodeBalance(value)})

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("iterate balances:\n%w", err)
	}

	var nonces []NonceEntry

	err = l.kv.IteratePrefix(nonceKeyPrefix, func(key, value []byte) error {
		account, ok := registry.AccountFromBytes(key[len(nonceKeyPrefix):])
		if !ok || len(value) != 8 {
			return nil
		}

		nonces = append(nonces, NonceEntry{Account: account, Nonce: binary.BigEndian.Uint64(value)})

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("iterate nonces:\n%w", err)
	}

	return balances, nonces, nil
}

// Import writes balances and nonces, typically loaded from a snapshot.
func (l *Ledger) Import(balances []BalanceEntry, nonces []NonceEntry) error {
	for _, e := range balances {
		if err := l.setBalance(e.Account, e.Balance); err != nil {
			return err
		}
	}

	for _, e := range nonces {
		if err := l.SetNonce(e.Account, e.Nonce); err != nil {
			return err
		}
	}

	return nil
}

// setBalance persists b for account.
func (l *Ledger) setBalance(account registry.AccountID, b Balance) error {
	return l.kv.Set(makeKey(balanceKeyPrefix, account), encodeBalance(b))
}

// makeKey builds prefix + account bytes.
func makeKey(prefix []byte, account registry.AccountID) []byte {
	key := make([]byte, len(prefix)+len(account))
	copy(key, prefix)
	copy(key[len(prefix):], account[:])

	return key
}

// encodeBalance serializes a balance: free (u64 BE) + reserved (u64 BE).
func encodeBalance(b Balance) []byte {
	buf := make([]byte, balanceValueSize)
	binary.BigEndian.PutUint64(buf[0:8], b.Free)
	binary.BigEndian.PutUint64(buf[8:16], b.Reserved)

	return buf
}

// decodeBalance parses an encoded balance. data must be balanceValueSize long.
func decodeBalance(data []byte) Balance {
	return Balance{
		Free:     binary.BigEndian.Uint64(data[0:8]),
		Reserved: binary.BigEndian.Uint64(data[8:16]),
	}
}
