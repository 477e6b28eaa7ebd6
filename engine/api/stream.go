package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/emit"
)

// heartbeatInterval spaces the comment lines that keep idle SSE
// connections from being reaped by proxies.
const heartbeatInterval = 15 * time.Second

// subscriptionBuffer is the per-client event backlog. A client that falls
// further behind loses events rather than stalling the engine.
const subscriptionBuffer = 64

// Stream fans live execution events out to connected SSE clients.
//
// It implements emit.Emitter so it can sit alongside the other emitters
// on the coordinator's fan-out. Emit never blocks: events for slow
// subscribers are dropped and counted, mirroring the async emitter's
// contract that logging never stalls execution.
type Stream struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	dropped atomic.Int64
}

var _ emit.Emitter = (*Stream)(nil)

// NewStream returns an empty hub with no subscribers.
func NewStream() *Stream {
	return &Stream{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription is one client's view of an execution's event feed.
type Subscription struct {
	events chan emit.Event
}

// Events is the channel live events arrive on.
func (s *Subscription) Events() <-chan emit.Event { return s.events }

// Subscribe registers a client for one execution's events.
func (s *Stream) Subscribe(executionID string) *Subscription {
	sub := &Subscription{events: make(chan emit.Event, subscriptionBuffer)}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[executionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.subs[executionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the client. Safe to call with a subscription that
// was already removed.
func (s *Stream) Unsubscribe(executionID string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[executionID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, executionID)
	}
}

// Emit delivers the event to every subscriber of its execution.
func (s *Stream) Emit(event emit.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs[event.ExecutionID] {
		select {
		case sub.events <- event:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// handleStream serves GET /executions/{id}/stream as server-sent events.
//
// The stream carries every log event of the execution plus its status
// transitions, in emission order, with heartbeat comments while idle. A
// reconnecting client sends Last-Event-ID and missed events are replayed
// from the gateway; an event arriving during the replay may be delivered
// twice, so clients dedupe by event id. The stream ends once a terminal
// status transition has been sent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.respondError(w, http.StatusServiceUnavailable, "streaming is not enabled")
		return
	}
	ctx := r.Context()
	executionID := chi.URLParam(r, "executionID")
	if _, err := s.gw.GetExecution(ctx, executionID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.stream.Subscribe(executionID)
	defer s.stream.Unsubscribe(executionID, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		events, err := s.gw.ListExecutionLogs(ctx, executionID, 0)
		if err != nil {
			s.log.Warn().Err(err).Str("executionId", executionID).Msg("failed to replay stream history")
		}
		for _, event := range eventsAfter(events, lastID) {
			if writeSSE(w, event) {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.Events():
			terminal := writeSSE(w, event)
			flusher.Flush()
			if terminal {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// eventsAfter returns the suffix of events strictly after the one with
// the given id. An unknown id replays the full history.
func eventsAfter(events []emit.Event, lastID string) []emit.Event {
	for i, event := range events {
		if event.ID == lastID {
			return events[i+1:]
		}
	}
	return events
}

// writeSSE frames one event and reports whether it was a terminal status
// transition. Execution-level events carrying a status field are named
// "status"; everything else is "log".
func writeSSE(w io.Writer, event emit.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	name := "log"
	terminal := false
	if st, ok := event.Fields["status"].(string); ok && event.NodeID == "" {
		name = "status"
		terminal = engine.ExecutionStatus(st).Terminal()
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, name, data)
	return terminal
}
