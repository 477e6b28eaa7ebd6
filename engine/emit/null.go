package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it when observability is not needed, such as benchmarks or tests
// that only assert on persisted state.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
