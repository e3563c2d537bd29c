package events

import "Provenance/internal/registry"

// Buffer is an EventSink that holds events in memory until the
// surrounding transaction commits.
type Buffer struct {
	events []registry.Event
}

// Emit appends ev to the buffer.
func (b *Buffer) Emit(ev registry.Event) {
	b.events = append(b.events, ev)
}

// Events returns the buffered events in emission order.
func (b *Buffer) Events() []registry.Event {
	return b.events
}

// Reset drops all buffered events.
func (b *Buffer) Reset() {
	b.events = b.events[:0]
}
