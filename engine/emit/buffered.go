package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are grouped by execution ID and can be queried afterwards, which
// makes this emitter the workhorse of tests and local debugging. It keeps
// everything it sees: long-lived processes should prefer a persistent
// backend and use Clear to bound memory.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events in emit order
}

// HistoryFilter selects a subset of an execution's events. Zero fields do
// not filter; set fields combine with AND.
type HistoryFilter struct {
	NodeID string
	Level  Level
	Msg    string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// History returns a copy of all events recorded for an execution, in the
// order they were emitted.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the recorded events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[executionID] {
		if filter.NodeID != "" && event.NodeID != filter.NodeID {
			continue
		}
		if filter.Level != "" && event.Level != filter.Level {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	if result == nil {
		return []Event{}
	}
	return result
}

// Clear drops stored events. With an execution ID it clears that execution
// only; with an empty string it clears everything.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
