package emit

import (
	"fmt"
	"sync"
	"testing"
)

func testEvent(executionID, nodeID, msg string, level Level) Event {
	return Event{
		ID:          fmt.Sprintf("ev-%s-%s", nodeID, msg),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Msg:         msg,
	}
}

func TestBufferedEmitterHistoryKeepsOrder(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(testEvent("exec-1", "a", "node started", LevelInfo))
	b.Emit(testEvent("exec-1", "a", "node finished", LevelInfo))
	b.Emit(testEvent("exec-2", "x", "node started", LevelInfo))

	got := b.History("exec-1")
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Msg != "node started" || got[1].Msg != "node finished" {
		t.Errorf("Expected emit order preserved, got %q then %q", got[0].Msg, got[1].Msg)
	}
	if other := b.History("exec-2"); len(other) != 1 {
		t.Errorf("Expected executions isolated, got %d events", len(other))
	}
	if none := b.History("exec-3"); len(none) != 0 {
		t.Errorf("Expected no events for unknown execution, got %d", len(none))
	}
}

func TestBufferedEmitterHistoryReturnsCopy(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(testEvent("exec-1", "a", "node started", LevelInfo))

	got := b.History("exec-1")
	got[0].Msg = "mutated"

	if again := b.History("exec-1"); again[0].Msg != "node started" {
		t.Errorf("Expected stored events untouched, got %q", again[0].Msg)
	}
}

func TestBufferedEmitterHistoryWithFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(testEvent("exec-1", "a", "node started", LevelInfo))
	b.Emit(testEvent("exec-1", "a", "retrying node", LevelWarn))
	b.Emit(testEvent("exec-1", "b", "node started", LevelInfo))
	b.Emit(testEvent("exec-1", "b", "node failed", LevelError))

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"by node", HistoryFilter{NodeID: "a"}, 2},
		{"by level", HistoryFilter{Level: LevelError}, 1},
		{"by message", HistoryFilter{Msg: "node started"}, 2},
		{"node and level", HistoryFilter{NodeID: "b", Level: LevelInfo}, 1},
		{"no match", HistoryFilter{NodeID: "c"}, 0},
		{"empty filter", HistoryFilter{}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.HistoryWithFilter("exec-1", tt.filter)
			if got == nil {
				t.Fatal("Expected non-nil slice")
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d events, got %d", tt.want, len(got))
			}
		})
	}
}

func TestBufferedEmitterClear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(testEvent("exec-1", "a", "node started", LevelInfo))
	b.Emit(testEvent("exec-2", "x", "node started", LevelInfo))

	b.Clear("exec-1")
	if got := b.History("exec-1"); len(got) != 0 {
		t.Errorf("Expected exec-1 cleared, got %d events", len(got))
	}
	if got := b.History("exec-2"); len(got) != 1 {
		t.Errorf("Expected exec-2 untouched, got %d events", len(got))
	}

	b.Clear("")
	if got := b.History("exec-2"); len(got) != 0 {
		t.Errorf("Expected everything cleared, got %d events", len(got))
	}
}

func TestBufferedEmitterConcurrentEmit(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(testEvent("exec-1", fmt.Sprintf("n%d", n), "tick", LevelDebug))
			}
		}(i)
	}
	wg.Wait()

	if got := b.History("exec-1"); len(got) != 400 {
		t.Errorf("Expected 400 events, got %d", len(got))
	}
}
