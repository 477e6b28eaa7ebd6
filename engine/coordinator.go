package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayforge/relay/engine/emit"
)

// Enqueuer hands accepted executions to the work queue. Implemented by
// the queue package; tests substitute fakes.
type Enqueuer interface {
	Enqueue(ctx context.Context, executionID string) error
}

// Coordinator owns the execution lifecycle: it validates and accepts new
// executions, runs queued ones to a terminal state, and serves the
// cancel, pause, resume and retry operations.
//
// Accepting and running are separate steps joined by the durable queue,
// so a crash between them loses nothing: accepted executions are pending
// rows, and RequeuePending sweeps them back into the queue at startup.
type Coordinator struct {
	gw      Gateway
	queue   Enqueuer
	sched   *Scheduler
	logger  *Logger
	metrics *Metrics
	opts    Options

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewCoordinator wires the full execution pipeline over the given
// gateway, queue and handler registry. Log events are persisted through
// the gateway, mirrored to emitter, and written to local.
func NewCoordinator(gw Gateway, q Enqueuer, reg *Registry, metrics *Metrics, emitter emit.Emitter, local zerolog.Logger, opts Options) *Coordinator {
	opts = opts.Normalize()
	exec := NewExecutor(reg, gw, metrics, opts)
	return &Coordinator{
		gw:      gw,
		queue:   q,
		sched:   NewScheduler(exec, gw, metrics, opts),
		logger:  NewLogger(gw, emitter, &local),
		metrics: metrics,
		opts:    opts,
		running: make(map[string]context.CancelCauseFunc),
	}
}

// SaveWorkflow stores a workflow definition, assigning an ID and
// timestamps where missing. It does not validate; invalid workflows may
// be stored and fail at Execute time.
func (c *Coordinator) SaveWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	return c.gw.SaveWorkflow(ctx, w)
}

// Execute accepts a new execution of the workflow.
//
// The workflow is validated first; any violations reject the request
// without creating state. On acceptance the execution is persisted in
// pending state and enqueued. If enqueueing fails the pending row
// remains and the startup sweep requeues it.
func (c *Coordinator) Execute(ctx context.Context, workflowID string, trigger map[string]any) (string, []Violation, error) {
	w, err := c.gw.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return "", nil, err
	}
	if violations := Validate(w); len(violations) > 0 {
		return "", violations, ErrWorkflowInvalid
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     ExecutionPending,
		Trigger:    trigger,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.gw.CreateExecution(ctx, exec); err != nil {
		return "", nil, err
	}
	if err := c.queue.Enqueue(ctx, exec.ID); err != nil {
		return exec.ID, nil, err
	}
	return exec.ID, nil, nil
}

// Run drives one queued execution to its next stable state. Workers call
// it once per delivered message.
//
// A nil return means the message may be acked: the execution reached a
// stable state or was recognized as not runnable. A non-nil return means
// persistence failed and the message must stay unacked for redelivery.
func (c *Coordinator) Run(ctx context.Context, executionID string) error {
	exec, err := c.gw.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	switch exec.Status {
	case ExecutionPending, ExecutionRunning:
		// Running here means a worker crashed mid-run and the message
		// was redelivered; node rows tell us where it left off.
	default:
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	c.track(executionID, cancel)
	defer c.untrack(executionID)
	defer cancel(nil)

	w, err := c.gw.LoadWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			fail := &Error{Kind: FailConfig, Message: "workflow " + exec.WorkflowID + " not found"}
			if uerr := c.gw.UpdateExecutionStatus(ctx, executionID, ExecutionFailed, fail); uerr != nil {
				return uerr
			}
			c.metrics.IncExecution(ExecutionFailed)
			return nil
		}
		return err
	}

	if err := c.gw.UpdateExecutionStatus(ctx, executionID, ExecutionRunning, nil); err != nil {
		return err
	}
	ec := NewExecutionContext(executionID, exec.WorkflowID, exec.Trigger, c.logger)
	ec.LogExecution(runCtx, emit.LevelInfo, "execution started", map[string]any{
		"workflowId": exec.WorkflowID,
	})

	prior, err := c.gw.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return err
	}

	res, err := c.sched.Run(runCtx, ec, w, prior)
	if err != nil {
		ec.LogExecution(context.WithoutCancel(runCtx), emit.LevelError, "execution abandoned", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	return c.finalize(context.WithoutCancel(ctx), ec, executionID, res)
}

// finalize records the stable state the scheduler drained to. Runs on an
// uncancellable context: a cancelled execution still needs its final
// status written.
func (c *Coordinator) finalize(ctx context.Context, ec *ExecutionContext, executionID string, res ScheduleResult) error {
	switch res.Status {
	case ExecutionCompleted:
		if err := c.gw.SetExecutionResult(ctx, executionID, res.Result); err != nil {
			return err
		}
	case ExecutionPaused:
		// Keep the pause markers; Resume clears them.
	}
	if err := c.gw.UpdateExecutionStatus(ctx, executionID, res.Status, res.Failure); err != nil {
		return err
	}
	if res.Status.Terminal() {
		_ = c.gw.ClearPause(ctx, executionID, nil)
	}
	c.metrics.IncExecution(res.Status)
	ec.LogExecution(ctx, emit.LevelInfo, "execution finished", map[string]any{
		"status": string(res.Status),
	})
	return nil
}

// Cancel stops an execution. Pending executions are cancelled directly;
// running ones are signalled through their context and finalize as
// cancelled once in-flight nodes drain. A running execution without a
// live run in this process is treated as orphaned by a crash and
// cancelled directly.
func (c *Coordinator) Cancel(ctx context.Context, executionID string) error {
	exec, err := c.gw.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	fail := &Error{Kind: FailCancelled, Message: "execution cancelled"}
	switch exec.Status {
	case ExecutionPending:
		if err := c.gw.UpdateExecutionStatus(ctx, executionID, ExecutionCancelled, fail); err != nil {
			return err
		}
		c.metrics.IncExecution(ExecutionCancelled)
		return nil
	case ExecutionRunning:
		if c.signalCancel(executionID) {
			return nil
		}
		if err := c.gw.UpdateExecutionStatus(ctx, executionID, ExecutionCancelled, fail); err != nil {
			return err
		}
		c.metrics.IncExecution(ExecutionCancelled)
		return nil
	case ExecutionPaused:
		if err := c.gw.UpdateExecutionStatus(ctx, executionID, ExecutionCancelled, fail); err != nil {
			return err
		}
		_ = c.gw.ClearPause(ctx, executionID, nil)
		c.metrics.IncExecution(ExecutionCancelled)
		return nil
	}
	return ErrExecutionNotRunnable
}

// Pause records a pause for the execution. With no node IDs the whole
// execution pauses; otherwise only the named nodes hold. In-flight nodes
// finish their current attempt; the pause takes effect at the next node
// start.
func (c *Coordinator) Pause(ctx context.Context, executionID string, nodeIDs []string) error {
	exec, err := c.gw.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case ExecutionPending, ExecutionRunning:
		return c.gw.SetPause(ctx, executionID, nodeIDs)
	}
	return ErrExecutionNotRunnable
}

// Resume requeues a paused execution. Pause markers are cleared and the
// execution goes back to pending; succeeded nodes keep their outputs and
// only the remaining frontier runs.
func (c *Coordinator) Resume(ctx context.Context, executionID string) error {
	exec, err := c.gw.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != ExecutionPaused {
		return ErrExecutionNotRunnable
	}
	if err := c.gw.ClearPause(ctx, executionID, nil); err != nil {
		return err
	}
	if err := c.gw.UpdateExecutionStatus(ctx, executionID, ExecutionPending, nil); err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, executionID)
}

// Retry requeues a failed or cancelled execution. Failed, paused and
// interrupted node rows reset to pending with a fresh attempt budget;
// succeeded and skipped rows are reused as-is.
func (c *Coordinator) Retry(ctx context.Context, executionID string) error {
	exec, err := c.gw.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != ExecutionFailed && exec.Status != ExecutionCancelled {
		return ErrExecutionNotRunnable
	}
	prior, err := c.gw.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return err
	}
	for _, ne := range prior {
		switch ne.Status {
		case NodeFailed, NodeRunning, NodePaused:
			if err := c.gw.UpdateNodeExecutionStatus(ctx, ne.ID, NodePending, 0, nil); err != nil {
				return err
			}
		}
	}
	if err := c.gw.UpdateExecutionStatus(ctx, executionID, ExecutionPending, nil); err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, executionID)
}

// RequeuePending sweeps executions that were accepted but never reached a
// terminal state back into the queue. Called once at startup; the queue
// deduplicates, so sweeping an already-queued execution is harmless.
func (c *Coordinator) RequeuePending(ctx context.Context) (int, error) {
	ids, err := c.gw.ListReadyExecutions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := c.queue.Enqueue(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Coordinator) track(id string, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[id] = cancel
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}

// signalCancel cancels a run live in this process. Reports whether one
// was found.
func (c *Coordinator) signalCancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.running[id]; ok {
		cancel(errors.New("cancelled by request"))
		return true
	}
	return false
}
