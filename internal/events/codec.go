package events

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Provenance/internal/registry"
	"Provenance/internal/types"
)

// Record is an event with its position in the log.
type Record struct {
	Seq   uint64         // Seq is the 1-based log position
	Event registry.Event // Event is the registry event
}

// Encode serializes a record as a FlatBuffers ClaimEvent.
func Encode(r Record) []byte {
	builder := flatbuffers.NewBuilder(96 + len(r.Event.Digest))

	ownerVec := builder.CreateByteVector(r.Event.Owner[:])
	digestVec := builder.CreateByteVector(r.Event.Digest)

	types.ClaimEventStart(builder)
	types.ClaimEventAddSeq(builder, r.Seq)
	types.ClaimEventAddKind(builder, byte(r.Event.Kind))
	types.ClaimEventAddOwner(builder, ownerVec)
	types.ClaimEventAddTimestamp(builder, uint64(r.Event.Timestamp))
	types.ClaimEventAddDigest(builder, digestVec)
	offset := types.ClaimEventEnd(builder)

	builder.Finish(offset)

	return builder.FinishedBytes()
}

// Decode parses a FlatBuffers ClaimEvent.
func Decode(data []byte) (rec Record, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			rec = Record{}
			retErr = fmt.Errorf("malformed event data")
		}
	}()

	if len(data) < 8 {
		return Record{}, fmt.Errorf("event data too short")
	}

	ev := types.GetRootAsClaimEvent(data, 0)

	owner, ok := registry.AccountFromBytes(ev.OwnerBytes())
	if !ok {
		return Record{}, fmt.Errorf("invalid owner length: %d", ev.OwnerLength())
	}

	kind := registry.EventKind(ev.Kind())
	if kind != registry.EventClaimCreated && kind != registry.EventClaimRevoked {
		return Record{}, fmt.Errorf("unknown event kind: %d", kind)
	}

	digest := make([]byte, ev.DigestLength())
	copy(digest, ev.DigestBytes())

	return Record{
		Seq: ev.Seq(),
		Event: registry.Event{
			Kind:      kind,
			Owner:     owner,
			Timestamp: registry.Timestamp(ev.Timestamp()),
			Digest:    digest,
		},
	}, nil
}
