package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerPhase is the state of one circuit.
type BreakerPhase string

const (
	BreakerClosed   BreakerPhase = "closed"
	BreakerOpen     BreakerPhase = "open"
	BreakerHalfOpen BreakerPhase = "halfOpen"
)

// BreakerState is the persisted shape of one circuit, keyed by
// (scope, operation). It survives restarts through the Gateway.
type BreakerState struct {
	Scope               string       `json:"scope"`
	Operation           string       `json:"operation"`
	Phase               BreakerPhase `json:"phase"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	OpenedAt            *time.Time   `json:"openedAt,omitempty"`
	LastSuccessAt       *time.Time   `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time   `json:"lastFailureAt,omitempty"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// BreakerSet manages the circuit breakers of a process.
//
// Each (scope, operation) pair owns an independent circuit:
//
//	closed --threshold consecutive failures--> open
//	open --cooldown elapsed--> halfOpen (one probe admitted)
//	halfOpen --probe succeeds--> closed
//	halfOpen --probe fails--> open (cooldown restarts)
//
// Any success resets the consecutive failure count. Transitions are
// serialized per key, so concurrent calls cannot race a circuit into two
// probes or skip the open window. State is loaded from the Gateway on
// first use of a key and written back on every change; a failed write is
// logged by the gateway layer and does not block the calling node.
type BreakerSet struct {
	gw        Gateway
	threshold int
	cooldown  time.Duration
	metrics   *Metrics
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	mu      sync.Mutex
	state   BreakerState
	probing bool
	probeAt time.Time
}

// NewBreakerSet creates a BreakerSet persisting through gw. A nil gateway
// keeps state in memory only.
func NewBreakerSet(gw Gateway, threshold int, cooldown time.Duration, metrics *Metrics) *BreakerSet {
	if threshold < 1 {
		threshold = DefaultOptions().BreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultOptions().BreakerCooldown
	}
	return &BreakerSet{
		gw:        gw,
		threshold: threshold,
		cooldown:  cooldown,
		metrics:   metrics,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// Allow decides whether a call guarded by (scope, operation) may proceed.
//
// Returns nil when the circuit is closed or a half-open probe slot was
// granted, and a CIRCUIT_OPEN error otherwise. CIRCUIT_OPEN failures are
// never retried by the executor; the execution fails immediately.
func (bs *BreakerSet) Allow(ctx context.Context, scope, operation, nodeID string) *Error {
	if bs == nil {
		return nil
	}
	c := bs.circuit(ctx, scope, operation)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := bs.now().UTC()
	switch c.state.Phase {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if c.state.OpenedAt != nil && now.Sub(*c.state.OpenedAt) >= bs.cooldown {
			bs.transition(ctx, c, BreakerHalfOpen, now)
			c.probing = true
			c.probeAt = now
			return nil
		}
		return bs.openError(scope, operation, nodeID)

	case BreakerHalfOpen:
		// One probe at a time. A probe older than the cooldown is
		// considered lost and its slot is handed out again.
		if !c.probing || now.Sub(c.probeAt) >= bs.cooldown {
			c.probing = true
			c.probeAt = now
			return nil
		}
		return bs.openError(scope, operation, nodeID)
	}
	return nil
}

// RecordSuccess reports a successful guarded call. In half-open state it
// closes the circuit; in any state it clears the failure streak.
func (bs *BreakerSet) RecordSuccess(ctx context.Context, scope, operation string) {
	if bs == nil {
		return
	}
	c := bs.circuit(ctx, scope, operation)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := bs.now().UTC()
	c.probing = false
	c.state.ConsecutiveFailures = 0
	c.state.LastSuccessAt = &now
	if c.state.Phase != BreakerClosed {
		bs.transition(ctx, c, BreakerClosed, now)
		return
	}
	bs.save(ctx, c)
}

// RecordFailure reports a failed guarded call. In closed state it counts
// toward the threshold; in half-open state it reopens the circuit and the
// cooldown starts over.
func (bs *BreakerSet) RecordFailure(ctx context.Context, scope, operation string) {
	if bs == nil {
		return
	}
	c := bs.circuit(ctx, scope, operation)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := bs.now().UTC()
	c.probing = false
	c.state.ConsecutiveFailures++
	c.state.LastFailureAt = &now

	switch c.state.Phase {
	case BreakerClosed:
		if c.state.ConsecutiveFailures >= bs.threshold {
			bs.transition(ctx, c, BreakerOpen, now)
			return
		}
	case BreakerHalfOpen:
		bs.transition(ctx, c, BreakerOpen, now)
		return
	}
	bs.save(ctx, c)
}

// State returns a copy of the current state for a key, for inspection.
func (bs *BreakerSet) State(ctx context.Context, scope, operation string) BreakerState {
	c := bs.circuit(ctx, scope, operation)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// circuit returns the circuit for a key, loading persisted state on first
// use.
func (bs *BreakerSet) circuit(ctx context.Context, scope, operation string) *circuit {
	key := scope + "\x00" + operation
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if c, ok := bs.circuits[key]; ok {
		return c
	}
	c := &circuit{state: BreakerState{
		Scope:     scope,
		Operation: operation,
		Phase:     BreakerClosed,
	}}
	if bs.gw != nil {
		if saved, err := bs.gw.LoadBreakerState(ctx, scope, operation); err == nil && saved != nil {
			c.state = *saved
		}
	}
	bs.circuits[key] = c
	return c
}

// transition moves a circuit to a new phase, stamping OpenedAt and
// persisting. Caller holds the circuit lock.
func (bs *BreakerSet) transition(ctx context.Context, c *circuit, to BreakerPhase, now time.Time) {
	c.state.Phase = to
	if to == BreakerOpen {
		c.state.OpenedAt = &now
	}
	bs.metrics.IncBreakerTransition(c.state.Scope, to)
	bs.save(ctx, c)
}

func (bs *BreakerSet) save(ctx context.Context, c *circuit) {
	if bs.gw == nil {
		return
	}
	c.state.UpdatedAt = bs.now().UTC()
	state := c.state
	_ = bs.gw.SaveBreakerState(context.WithoutCancel(ctx), &state)
}

func (bs *BreakerSet) openError(scope, operation, nodeID string) *Error {
	return &Error{
		Kind:    FailCircuitOpen,
		NodeID:  nodeID,
		Message: fmt.Sprintf("circuit open for %s/%s", scope, operation),
	}
}
