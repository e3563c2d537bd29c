package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"Provenance/internal/events"
	"Provenance/internal/ledger"
	"Provenance/internal/logger"
	"Provenance/internal/registry"
	"Provenance/internal/snapshot"
	"Provenance/internal/storage"
	"Provenance/internal/txn"
)

var (
	// ErrBadNonce is returned when a transaction's nonce is not the sender's next nonce.
	ErrBadNonce = errors.New("bad nonce")
	// ErrReadOnly is returned when a follower is asked to execute writes.
	ErrReadOnly = errors.New("node is a read-only follower")
	// ErrSeqGap is returned when a mirrored event does not follow the last applied one.
	ErrSeqGap = errors.New("event sequence gap")
)

// genesisKey marks that the genesis mint has been credited.
var genesisKey = []byte("m:genesis")

// Publisher receives committed events, in order.
type Publisher interface {
	Publish(rec events.Record)
}

// Result describes a committed transaction.
type Result struct {
	Hash   [32]byte        // Hash is the transaction hash
	Events []events.Record // Events are the records appended to the log
}

// Stats are counters exposed by the status endpoint.
type Stats struct {
	Applied  uint64 // Applied is the number of committed transactions or mirrored events
	Rejected uint64 // Rejected is the number of rejected transactions
	LastSeq  uint64 // LastSeq is the newest event seq
	ReadOnly bool   // ReadOnly is true on followers
}

// Dispatcher is the single writer over the node's database. Every
// transaction runs to completion under one mutex, inside one batch that
// is committed only when the registry call succeeds.
type Dispatcher struct {
	mu       sync.Mutex
	db       *storage.Storage
	clock    registry.Clock
	pub      Publisher
	readOnly bool

	applied  uint64
	rejected uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher sends committed events to pub.
func WithPublisher(pub Publisher) Option {
	return func(d *Dispatcher) { d.pub = pub }
}

// WithClock replaces the default wall clock.
func WithClock(clock registry.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// ReadOnly makes the dispatcher a follower that only mirrors events.
func ReadOnly() Option {
	return func(d *Dispatcher) { d.readOnly = true }
}

// New creates a dispatcher over db.
func New(db *storage.Storage, opts ...Option) *Dispatcher {
	d := &Dispatcher{db: db, clock: NewClock()}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Submit authenticates a ClaimTx, checks its nonce and applies it.
func (d *Dispatcher) Submit(data []byte) (*Result, error) {
	tx, err := txn.Decode(data)
	if err != nil {
		d.countRejected()
		return nil, err
	}

	if d.readOnly {
		return nil, ErrReadOnly
	}

	return d.apply(tx)
}

// apply executes tx in a fresh batch and commits it only on success.
func (d *Dispatcher) apply(tx *txn.Tx) (*Result, error) {
	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.db.NewBatch()
	defer batch.Close()

	records, err := d.execute(batch, tx)
	if err != nil {
		d.rejected++
		logger.Debug("tx rejected",
			"action", tx.Action,
			"sender", tx.Sender.Short(),
			"nonce", tx.Nonce,
			"error", err,
		)

		return nil, err
	}

	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx:\n%w", err)
	}

	d.applied++

	logger.Debug("tx applied",
		"action", tx.Action,
		"sender", tx.Sender.Short(),
		"nonce", tx.Nonce,
		"digest", fmt.Sprintf("%x", tx.Digest),
		logger.Timed(start),
	)

	d.publish(records)

	return &Result{Hash: tx.Hash, Events: records}, nil
}

// execute checks the nonce, runs the registry call and stages the nonce and
// events in kv. Nothing in kv may be committed when it returns an error.
func (d *Dispatcher) execute(kv storage.KV, tx *txn.Tx) ([]events.Record, error) {
	led := ledger.New(kv)

	last, err := led.Nonce(tx.Sender)
	if err != nil {
		return nil, err
	}

	if tx.Nonce != last+1 {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadNonce, tx.Nonce, last+1)
	}

	var buf events.Buffer
	store := registry.NewClaimStore(kv)
	reg := registry.New(store, led, &buf, d.clock)

	switch tx.Action {
	case txn.ActionCreate:
		err = reg.CreateClaim(tx.Sender, tx.Digest)
	case txn.ActionRevoke:
		err = reg.RevokeClaim(tx.Sender, tx.Digest)
	default:
		err = fmt.Errorf("%w: unknown action %d", txn.ErrInvalidTx, tx.Action)
	}

	// A storage fault may have hidden a live claim or lost a write, so it
	// outranks whatever the registry decided.
	if storeErr := store.Err(); storeErr != nil {
		return nil, fmt.Errorf("claim store:\n%w", storeErr)
	}

	if err != nil {
		return nil, err
	}

	if err := led.SetNonce(tx.Sender, tx.Nonce); err != nil {
		return nil, fmt.Errorf("store nonce:\n%w", err)
	}

	return events.NewLog(kv).Append(buf.Events())
}

// Credit adds amount to account's free balance. Used by the faucet.
func (d *Dispatcher) Credit(account registry.AccountID, amount uint64) (ledger.Balance, error) {
	bal, _, err := d.credit(account, amount, nil)
	return bal, err
}

// MintGenesis credits the initial supply to account, at most once per
// database. The genesis marker is written in the same batch as the credit.
// Returns false if the mint already happened.
func (d *Dispatcher) MintGenesis(account registry.AccountID, amount uint64) (ledger.Balance, bool, error) {
	return d.credit(account, amount, genesisKey)
}

// credit adds amount to account in one batch. A non-nil marker makes the
// credit happen only if marker is absent, and sets it alongside.
func (d *Dispatcher) credit(account registry.AccountID, amount uint64, marker []byte) (ledger.Balance, bool, error) {
	if d.readOnly {
		return ledger.Balance{}, false, ErrReadOnly
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.db.NewBatch()
	defer batch.Close()

	led := ledger.New(batch)

	if marker != nil {
		done, err := batch.Get(marker)
		if err != nil {
			return ledger.Balance{}, false, fmt.Errorf("read %s:\n%w", marker, err)
		}

		if done != nil {
			bal, err := led.Balance(account)
			return bal, false, err
		}

		if err := batch.Set(marker, []byte{1}); err != nil {
			return ledger.Balance{}, false, fmt.Errorf("write %s:\n%w", marker, err)
		}
	}

	if err := led.Credit(account, amount); err != nil {
		return ledger.Balance{}, false, err
	}

	bal, err := led.Balance(account)
	if err != nil {
		return ledger.Balance{}, false, err
	}

	if err := batch.Commit(); err != nil {
		return ledger.Balance{}, false, fmt.Errorf("commit credit:\n%w", err)
	}

	logger.Debug("account credited", "account", account.Short(), "amount", amount)

	return bal, true, nil
}

// Mirror applies an event received from a leader. Records at or below the
// last applied seq are ignored and reported as not applied. A record that
// skips ahead returns ErrSeqGap.
func (d *Dispatcher) Mirror(rec events.Record) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.db.NewBatch()
	defer batch.Close()

	log := events.NewLog(batch)

	last, err := log.LastSeq()
	if err != nil {
		return false, err
	}

	if rec.Seq <= last {
		return false, nil
	}

	if rec.Seq != last+1 {
		return false, fmt.Errorf("%w: got %d, want %d", ErrSeqGap, rec.Seq, last+1)
	}

	store := registry.NewClaimStore(batch)

	if err := events.Apply(store, rec.Event); err != nil {
		return false, err
	}

	if err := store.Err(); err != nil {
		return false, fmt.Errorf("claim store:\n%w", err)
	}

	if err := log.Put(rec); err != nil {
		return false, err
	}

	if err := batch.Commit(); err != nil {
		return false, fmt.Errorf("commit event:\n%w", err)
	}

	d.applied++

	return true, nil
}

// LastSeq returns the newest committed event seq.
func (d *Dispatcher) LastSeq() (uint64, error) {
	return events.NewLog(d.db).LastSeq()
}

// Claim returns the committed claim on digest.
func (d *Dispatcher) Claim(digest []byte) (registry.Claim, bool) {
	return registry.NewClaimStore(d.db).Get(digest)
}

// Account returns the committed balance and last nonce of account.
func (d *Dispatcher) Account(account registry.AccountID) (ledger.Balance, uint64, error) {
	led := ledger.New(d.db)

	bal, err := led.Balance(account)
	if err != nil {
		return ledger.Balance{}, 0, err
	}

	nonce, err := led.Nonce(account)
	if err != nil {
		return ledger.Balance{}, 0, err
	}

	return bal, nonce, nil
}

// Events returns up to limit committed events starting at seq from.
func (d *Dispatcher) Events(from uint64, limit int) ([]events.Record, error) {
	return events.NewLog(d.db).Range(from, limit)
}

// Snapshot returns a compressed snapshot of the committed state.
// Writes are paused while the state is read.
func (d *Dispatcher) Snapshot() ([]byte, error) {
	d.mu.Lock()
	data, err := snapshot.Create(d.db)
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return snapshot.Compress(data)
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq, err := events.NewLog(d.db).LastSeq()
	if err != nil {
		logger.Warn("read event seq for stats", "error", err)
	}

	return Stats{
		Applied:  d.applied,
		Rejected: d.rejected,
		LastSeq:  seq,
		ReadOnly: d.readOnly,
	}
}

// publish forwards records to the publisher, if any.
func (d *Dispatcher) publish(records []events.Record) {
	if d.pub == nil {
		return
	}

	for _, rec := range records {
		d.pub.Publish(rec)
	}
}

// countRejected counts a transaction rejected before it reached the mutex.
func (d *Dispatcher) countRejected() {
	d.mu.Lock()
	d.rejected++
	d.mu.Unlock()
}
