// Package queue hands accepted executions from the API to workers.
//
// The queue carries execution IDs only; all state lives in the store. Two
// implementations are provided: Memory for tests and single-process runs,
// and Redis, a Redis Streams consumer group with acks, prefetch and
// crash redelivery. Both deduplicate by execution ID so the startup sweep
// can requeue pending rows without producing duplicate work, and both pair
// with the coordinator's idempotent Run for at-least-once delivery.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Enqueue and Receive after Close.
var ErrClosed = errors.New("queue is closed")

// Delivery is one claimed execution. Exactly one of Ack or Nack should be
// called; an unacked delivery is eventually redelivered.
type Delivery interface {
	// ExecutionID names the execution to run.
	ExecutionID() string

	// Ack marks the execution as handled and releases its claim.
	Ack(ctx context.Context) error

	// Nack returns the execution to the queue for redelivery.
	Nack(ctx context.Context) error
}

// Queue is the transport between accepting an execution and running it.
type Queue interface {
	// Enqueue adds an execution. Enqueueing an ID that is already queued
	// is a no-op.
	Enqueue(ctx context.Context, executionID string) error

	// Receive blocks until a delivery is available, the context is
	// cancelled, or the queue is closed.
	Receive(ctx context.Context) (Delivery, error)

	// Close stops the queue. Blocked Receive calls return ErrClosed.
	Close() error
}

// Runner drives one queued execution to its next stable state. A nil
// return acks the delivery; an error leaves it for redelivery.
// Implemented by engine.Coordinator.
type Runner interface {
	Run(ctx context.Context, executionID string) error
}

// DepthReporter receives queue backlog updates. Implemented by
// engine.Metrics.
type DepthReporter interface {
	SetQueueDepth(depth int)
}
