package emit

import (
	"reflect"
	"sync"
	"testing"
)

// collector is a thread-safe downstream emitter for async tests.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, event.Msg)
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestAsyncEmitterDeliversAll(t *testing.T) {
	down := &collector{}
	a := NewAsyncEmitter(down, 16)

	for i := 0; i < 10; i++ {
		a.Emit(Event{ExecutionID: "exec-1", Msg: "tick"})
	}
	a.Close()

	if got := down.messages(); len(got) != 10 {
		t.Errorf("Expected 10 events flushed by Close, got %d", len(got))
	}
	if a.Dropped() != 0 {
		t.Errorf("Expected no drops, got %d", a.Dropped())
	}
}

func TestAsyncEmitterDropsWhenFull(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	down := &collector{}
	slow := Func(func(event Event) {
		entered <- struct{}{}
		<-release
		down.Emit(event)
	})

	a := NewAsyncEmitter(slow, 1)
	a.Emit(Event{Msg: "first"})
	<-entered // worker is now stuck inside the downstream emitter

	a.Emit(Event{Msg: "second"}) // fills the buffer
	a.Emit(Event{Msg: "third"})  // no room left

	if got := a.Dropped(); got != 1 {
		t.Fatalf("Expected 1 dropped event, got %d", got)
	}

	close(release)
	a.Close()

	want := []string{"first", "second"}
	if got := down.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v delivered, got %v", want, got)
	}
}

func TestAsyncEmitterEmitAfterClose(t *testing.T) {
	down := &collector{}
	a := NewAsyncEmitter(down, 4)

	a.Emit(Event{Msg: "before"})
	a.Close()
	a.Emit(Event{Msg: "after"})

	if got := down.messages(); !reflect.DeepEqual(got, []string{"before"}) {
		t.Errorf("Expected only pre-close events, got %v", got)
	}
	if a.Dropped() != 1 {
		t.Errorf("Expected post-close emit counted as drop, got %d", a.Dropped())
	}
}

func TestAsyncEmitterCloseIsIdempotent(t *testing.T) {
	a := NewAsyncEmitter(&collector{}, 4)
	a.Close()
	a.Close()
}

func TestAsyncEmitterDefaultCapacity(t *testing.T) {
	a := NewAsyncEmitter(&collector{}, 0)
	if got := cap(a.ch); got != 256 {
		t.Errorf("Expected default capacity 256, got %d", got)
	}
	a.Close()
}
