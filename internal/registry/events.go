package registry

// EventKind distinguishes registry events.
type EventKind uint8

const (
	// EventClaimCreated is emitted after a successful CreateClaim.
	EventClaimCreated EventKind = 1
	// EventClaimRevoked is emitted after a successful RevokeClaim.
	EventClaimRevoked EventKind = 2
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventClaimCreated:
		return "ClaimCreated"
	case EventClaimRevoked:
		return "ClaimRevoked"
	default:
		return "Unknown"
	}
}

// Event is a registry domain event. Timestamp is zero for revocations.
type Event struct {
	Kind      EventKind
	Owner     AccountID
	Timestamp Timestamp
	Digest    []byte
}

// EventSink records domain events for downstream observers.
type EventSink interface {
	Emit(ev Event)
}
