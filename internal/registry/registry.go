package registry

import (
	"fmt"

	"Provenance/internal/logger"
)

// Store is the claim map the registry reads and mutates.
// Get is only meaningful when Exists holds for the same digest.
type Store interface {
	Exists(digest []byte) bool
	Get(digest []byte) (Claim, bool)
	Insert(digest []byte, claim Claim)
	Remove(digest []byte)
}

// Escrow holds claim stakes against account balances.
type Escrow interface {
	// Reserve moves amount from free to reserved balance, atomically.
	Reserve(account AccountID, amount uint64) error
	// Unreserve moves amount from reserved back to free balance.
	Unreserve(account AccountID, amount uint64) error
}

// Clock supplies the timestamp of the transaction being executed.
type Clock interface {
	Now() Timestamp
}

// Registry applies claim state transitions.
// It is not safe for concurrent use: the host must run one call at a time
// against a given Store.
type Registry struct {
	store  Store
	escrow Escrow
	sink   EventSink
	clock  Clock
}

// New creates a registry over the given collaborators.
func New(store Store, escrow Escrow, sink EventSink, clock Clock) *Registry {
	return &Registry{
		store:  store,
		escrow: escrow,
		sink:   sink,
		clock:  clock,
	}
}

// CreateClaim registers caller as the owner of digest and reserves Fee.
// The escrow is charged before the store is touched, so every rejection
// leaves both unchanged.
func (r *Registry) CreateClaim(caller AccountID, digest []byte) error {
	if len(digest) > MaxDigestBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrDigestTooLong, len(digest), MaxDigestBytes)
	}

	if r.store.Exists(digest) {
		return ErrAlreadyClaimed
	}

	now := r.clock.Now()

	if err := r.escrow.Reserve(caller, Fee); err != nil {
		return fmt.Errorf("%w:\n%w", ErrInsufficientBalance, err)
	}

	digest = cloneBytes(digest)

	r.store.Insert(digest, Claim{Owner: caller, CreatedAt: now})

	r.sink.Emit(Event{
		Kind:      EventClaimCreated,
		Owner:     caller,
		Timestamp: now,
		Digest:    digest,
	})

	return nil
}

// RevokeClaim removes caller's claim on digest and releases its Fee.
func (r *Registry) RevokeClaim(caller AccountID, digest []byte) error {
	if len(digest) > MaxDigestBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrDigestTooLong, len(digest), MaxDigestBytes)
	}

	if !r.store.Exists(digest) {
		return ErrNotClaimed
	}

	claim, _ := r.store.Get(digest)
	if claim.Owner != caller {
		return ErrNotOwner
	}

	digest = cloneBytes(digest)

	r.store.Remove(digest)

	// The same amount was reserved at create time. A failure here is a
	// defect, and the host must discard the transaction.
	if err := r.escrow.Unreserve(caller, Fee); err != nil {
		logger.Error("unreserve claim fee",
			"owner", caller.Short(),
			"digest", fmt.Sprintf("%x", digest),
			"error", err,
		)

		return fmt.Errorf("%w:\n%w", ErrEscrowInconsistency, err)
	}

	r.sink.Emit(Event{
		Kind:   EventClaimRevoked,
		Owner:  caller,
		Digest: digest,
	})

	return nil
}
