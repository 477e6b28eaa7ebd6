package emit

// Emitter receives log events from workflow execution.
//
// Implementations must be safe for concurrent use and must not block or
// panic: a slow or failing backend may drop events but never stalls the
// execution that produced them.
type Emitter interface {
	// Emit delivers one event. Errors are handled internally.
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
type Multi []Emitter

// Emit delivers the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

// Func adapts a plain function to the Emitter interface.
type Func func(Event)

// Emit implements Emitter.
func (f Func) Emit(event Event) { f(event) }
