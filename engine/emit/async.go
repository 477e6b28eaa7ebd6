package emit

import (
	"sync"
	"sync/atomic"
)

// AsyncEmitter decouples event producers from a slow downstream emitter.
//
// Events are handed to a background goroutine through a bounded channel.
// When the channel is full the event is dropped and counted instead of
// blocking the producer, honoring the Emitter contract that logging never
// stalls execution.
type AsyncEmitter struct {
	next    Emitter
	ch      chan Event
	quit    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// NewAsyncEmitter wraps next with an asynchronous buffer of the given
// capacity. A capacity below 1 defaults to 256.
func NewAsyncEmitter(next Emitter, capacity int) *AsyncEmitter {
	if capacity < 1 {
		capacity = 256
	}
	a := &AsyncEmitter{
		next: next,
		ch:   make(chan Event, capacity),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.drain()
	return a
}

// Emit enqueues the event, dropping it if the buffer is full or the
// emitter is closed.
func (a *AsyncEmitter) Emit(event Event) {
	select {
	case <-a.quit:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.ch <- event:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to a full buffer or
// a closed emitter.
func (a *AsyncEmitter) Dropped() int64 {
	return a.dropped.Load()
}

// Close flushes buffered events to the downstream emitter and stops the
// worker. Emit calls after Close drop their events.
func (a *AsyncEmitter) Close() {
	a.once.Do(func() {
		close(a.quit)
		<-a.done
	})
}

func (a *AsyncEmitter) drain() {
	defer close(a.done)
	for {
		select {
		case event := <-a.ch:
			a.next.Emit(event)
		case <-a.quit:
			// Flush whatever producers managed to enqueue, then stop.
			for {
				select {
				case event := <-a.ch:
					a.next.Emit(event)
				default:
					return
				}
			}
		}
	}
}
