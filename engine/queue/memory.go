package queue

import (
	"context"
	"sync"
)

// Memory is an in-process queue. Deliveries are handed out in FIFO order;
// a nacked delivery goes to the back of the line immediately.
type Memory struct {
	metrics DepthReporter

	mu     sync.Mutex
	items  []string
	queued map[string]bool
	notify chan struct{}
	closed bool
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-process queue. metrics may be nil.
func NewMemory(metrics DepthReporter) *Memory {
	return &Memory{
		metrics: metrics,
		queued:  make(map[string]bool),
		notify:  make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, executionID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.queued[executionID] {
		m.mu.Unlock()
		return nil
	}
	m.queued[executionID] = true
	m.items = append(m.items, executionID)
	m.wake()
	depth := len(m.items)
	m.mu.Unlock()

	m.reportDepth(depth)
	return nil
}

func (m *Memory) Receive(ctx context.Context) (Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.items) > 0 {
			id := m.items[0]
			m.items = m.items[1:]
			depth := len(m.items)
			m.mu.Unlock()
			m.reportDepth(depth)
			return &memoryDelivery{queue: m, executionID: id}, nil
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Close wakes all blocked receivers. Closing twice is a no-op.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.wake()
	return nil
}

// Depth returns how many executions are waiting to be claimed.
func (m *Memory) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// wake broadcasts to blocked receivers. Caller holds mu.
func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Memory) reportDepth(depth int) {
	if m.metrics != nil {
		m.metrics.SetQueueDepth(depth)
	}
}

type memoryDelivery struct {
	queue       *Memory
	executionID string
}

func (d *memoryDelivery) ExecutionID() string { return d.executionID }

// Ack releases the dedup claim so the execution may be enqueued again.
func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.queue.mu.Lock()
	delete(d.queue.queued, d.executionID)
	d.queue.mu.Unlock()
	return nil
}

// Nack puts the execution at the back of the queue.
func (d *memoryDelivery) Nack(ctx context.Context) error {
	d.queue.mu.Lock()
	if d.queue.closed {
		d.queue.mu.Unlock()
		return ErrClosed
	}
	d.queue.items = append(d.queue.items, d.executionID)
	d.queue.wake()
	depth := len(d.queue.items)
	d.queue.mu.Unlock()

	d.queue.reportDepth(depth)
	return nil
}
