package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/relayforge/relay/engine/emit"
	"github.com/relayforge/relay/engine/template"
)

// NodeOutcome is the executor's verdict on one node run.
type NodeOutcome struct {
	NodeID   string
	Status   NodeStatus
	Attempts int
	Output   map[string]any
	Failure  *Error
}

// Abandoned reports whether the run must stop finalizing and leave the
// queue message unacked, because persistence itself is failing.
func (o NodeOutcome) Abandoned() bool {
	return o.Failure != nil && o.Failure.Kind == FailPersistence
}

// Executor runs a single node through its full lifecycle: pause check,
// template materialization, config and input validation, dispatch with a
// per-attempt timeout, bounded retries with exponential backoff, output
// validation and persistence.
//
// The executor owns retry policy; handlers stay oblivious to attempts.
// Every attempt gets the full node timeout.
type Executor struct {
	registry *Registry
	gw       Gateway
	metrics  *Metrics
	opts     Options

	// Injected for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewExecutor wires an executor over the registry and gateway.
func NewExecutor(registry *Registry, gw Gateway, metrics *Metrics, opts Options) *Executor {
	opts = opts.Normalize()
	return &Executor{
		registry: registry,
		gw:       gw,
		metrics:  metrics,
		opts:     opts,
		sleep:    sleepContext,
		jitter:   rand.Float64,
	}
}

// Run executes one node and returns its outcome. The node execution row
// identified by nodeExecID must already exist in pending state.
//
// Failed lifecycle writes short-circuit with a PERSISTENCE outcome; the
// caller abandons the execution so the queue redelivers it.
func (e *Executor) Run(ctx context.Context, ec *ExecutionContext, node Node, nodeExecID string, inputs map[string]any) NodeOutcome {
	pause, err := e.gw.GetPause(ctx, ec.ExecutionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return persistenceOutcome(node.ID, 0, "reading pause state", err)
	}
	if pause != nil && pause.Covers(node.ID) {
		if perr := e.gw.UpdateNodeExecutionStatus(ctx, nodeExecID, NodePaused, 0, nil); perr != nil {
			return persistenceOutcome(node.ID, 0, "marking node paused", perr)
		}
		ec.LogNode(ctx, emit.LevelInfo, node.ID, nodeExecID, "node paused", nil)
		return NodeOutcome{NodeID: node.ID, Status: NodePaused}
	}

	if perr := e.gw.SetNodeExecutionInput(ctx, nodeExecID, inputs); perr != nil {
		return persistenceOutcome(node.ID, 0, "persisting node input", perr)
	}
	if perr := e.gw.UpdateNodeExecutionStatus(ctx, nodeExecID, NodeRunning, 1, nil); perr != nil {
		return persistenceOutcome(node.ID, 1, "marking node running", perr)
	}
	ec.LogNode(ctx, emit.LevelInfo, node.ID, nodeExecID, "node started", map[string]any{
		"blockType": string(node.Type),
	})

	spec := SpecFor(node.Type)
	cfg := template.Map(node.Config, inputs)
	if ferr := checkInputs(node.ID, spec.Config, cfg); ferr != nil {
		return e.finishFailed(ctx, ec, node, nodeExecID, 1, ferr)
	}
	if ferr := checkInputs(node.ID, spec.Inputs, inputs); ferr != nil {
		return e.finishFailed(ctx, ec, node, nodeExecID, 1, ferr)
	}

	h := e.registry.Handler(node.Type)
	req := Request{
		ExecutionID:     ec.ExecutionID,
		NodeExecutionID: nodeExecID,
		Node:            node,
		Config:          cfg,
		Inputs:          inputs,
		Context:         ec,
	}

	var failure *Error
	attempts := 0
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		attempts = attempt
		req.Attempt = attempt
		if attempt > 1 {
			if perr := e.gw.UpdateNodeExecutionStatus(ctx, nodeExecID, NodeRunning, attempt, nil); perr != nil {
				return persistenceOutcome(node.ID, attempt, "recording retry attempt", perr)
			}
		}

		res := e.dispatch(ctx, h, req)
		if res.Err == nil {
			if verr := checkOutputs(node.ID, spec.Outputs, res.Output); verr != nil {
				failure = verr
				break
			}
			return e.finishSucceeded(ctx, ec, node, nodeExecID, attempt, res.Output)
		}

		failure = res.Err
		if failure.NodeID == "" {
			failure.NodeID = node.ID
		}
		if !failure.CanRetry() || attempt == e.opts.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		e.metrics.IncRetry(node.Type, failure.Kind)
		ec.LogNode(ctx, emit.LevelWarn, node.ID, nodeExecID, "attempt failed, retrying", map[string]any{
			"attempt":     attempt,
			"error":       failure.Error(),
			"retry_in_ms": delay.Milliseconds(),
		})
		if serr := e.sleep(ctx, delay); serr != nil {
			failure = &Error{Kind: FailCancelled, NodeID: node.ID, Message: "cancelled while waiting to retry", Cause: serr}
			break
		}
	}
	return e.finishFailed(ctx, ec, node, nodeExecID, attempts, failure)
}

// dispatch runs one attempt under the per-node timeout. Handler panics
// become EXECUTION failures; a blown attempt deadline becomes TIMEOUT
// unless the whole execution was cancelled.
func (e *Executor) dispatch(ctx context.Context, h Handler, req Request) (res Result) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.NodeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = Fail(&Error{
				Kind:    FailExecution,
				NodeID:  req.Node.ID,
				Message: fmt.Sprintf("handler panic: %v", r),
			})
		}
	}()

	res = h.Execute(attemptCtx, req)
	if res.Err == nil {
		return res
	}
	if ctx.Err() != nil {
		return Fail(&Error{
			Kind:    FailCancelled,
			NodeID:  req.Node.ID,
			Message: "execution cancelled",
			Cause:   context.Cause(ctx),
		})
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return Fail(&Error{
			Kind:      FailTimeout,
			NodeID:    req.Node.ID,
			Message:   fmt.Sprintf("attempt exceeded %s", e.opts.NodeTimeout),
			Retryable: true,
			Cause:     res.Err,
		})
	}
	return res
}

// backoff returns the delay before the attempt after a failed one.
// The delay doubles from the base, is capped at the max, and carries a
// ±20% jitter so parallel retries spread out.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.RetryBaseDelay << uint(attempt-1)
	if d <= 0 || d > e.opts.RetryMaxDelay {
		d = e.opts.RetryMaxDelay
	}
	factor := 0.8 + 0.4*e.jitter()
	return time.Duration(float64(d) * factor)
}

func (e *Executor) finishSucceeded(ctx context.Context, ec *ExecutionContext, node Node, nodeExecID string, attempts int, output map[string]any) NodeOutcome {
	if perr := e.gw.SetNodeExecutionOutput(ctx, nodeExecID, output); perr != nil {
		return persistenceOutcome(node.ID, attempts, "persisting node output", perr)
	}
	if perr := e.gw.UpdateNodeExecutionStatus(ctx, nodeExecID, NodeSucceeded, attempts, nil); perr != nil {
		return persistenceOutcome(node.ID, attempts, "marking node succeeded", perr)
	}
	_ = e.gw.RecordBlockExecution(ctx, node.Type, true)
	ec.SetOutput(node.ID, output)
	ec.LogNode(ctx, emit.LevelInfo, node.ID, nodeExecID, "node succeeded", map[string]any{
		"attempts": attempts,
	})
	return NodeOutcome{NodeID: node.ID, Status: NodeSucceeded, Attempts: attempts, Output: output}
}

func (e *Executor) finishFailed(ctx context.Context, ec *ExecutionContext, node Node, nodeExecID string, attempts int, failure *Error) NodeOutcome {
	if perr := e.gw.UpdateNodeExecutionStatus(ctx, nodeExecID, NodeFailed, attempts, failure); perr != nil {
		return persistenceOutcome(node.ID, attempts, "marking node failed", perr)
	}
	_ = e.gw.RecordBlockExecution(ctx, node.Type, false)
	ec.LogNode(ctx, emit.LevelError, node.ID, nodeExecID, "node failed", map[string]any{
		"attempts": attempts,
		"kind":     string(failure.Kind),
		"error":    failure.Error(),
	})
	return NodeOutcome{NodeID: node.ID, Status: NodeFailed, Attempts: attempts, Failure: failure}
}

func persistenceOutcome(nodeID string, attempts int, op string, err error) NodeOutcome {
	return NodeOutcome{
		NodeID:   nodeID,
		Status:   NodeFailed,
		Attempts: attempts,
		Failure: &Error{
			Kind:    FailPersistence,
			NodeID:  nodeID,
			Message: op + ": " + err.Error(),
			Cause:   err,
		},
	}
}

// sleepContext blocks for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
