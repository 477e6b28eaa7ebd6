package engine

import (
	"context"

	"github.com/relayforge/relay/engine/emit"
)

// Gateway is the persistence boundary of the runtime.
//
// Every durable effect of workflow execution flows through this interface:
// workflow definitions, execution and node lifecycle rows, log events,
// pause markers and circuit breaker state. Implementations live in the
// store package; tests substitute lightweight fakes.
//
// Write-ordering contract: within one node execution the lifecycle row is
// written before its log events. A failed lifecycle write is fatal to the
// run (the execution is abandoned for queue redelivery), while a failed
// log write is reported locally and otherwise ignored.
type Gateway interface {
	// SaveWorkflow inserts or replaces a workflow definition.
	SaveWorkflow(ctx context.Context, w *Workflow) error

	// LoadWorkflow returns the workflow or ErrNotFound.
	LoadWorkflow(ctx context.Context, id string) (*Workflow, error)

	// ListWorkflows returns all stored workflows ordered by creation time.
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// DeleteWorkflow removes a workflow definition. Executions and their
	// history remain.
	DeleteWorkflow(ctx context.Context, id string) error

	// CreateExecution inserts a new execution row in pending state.
	CreateExecution(ctx context.Context, e *Execution) error

	// GetExecution returns the execution or ErrNotFound.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecutionStatus transitions an execution. StartedAt is stamped
	// on the first transition to running and CompletedAt on any terminal
	// status. The failure, if any, is recorded alongside.
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, failure *Error) error

	// SetExecutionResult stores the merged terminal outputs.
	SetExecutionResult(ctx context.Context, id string, result map[string]any) error

	// ListReadyExecutions returns IDs of executions still in pending
	// state, oldest first. Used at startup to requeue work that was
	// accepted but never finished.
	ListReadyExecutions(ctx context.Context) ([]string, error)

	// CreateNodeExecution inserts a node execution row.
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error

	// GetNodeExecution returns the node execution or ErrNotFound.
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)

	// ListNodeExecutions returns all node executions of one execution.
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// UpdateNodeExecutionStatus transitions a node execution and records
	// the attempt count. StartedAt and CompletedAt are stamped the same
	// way as for executions. The failure, if any, is stored with it.
	UpdateNodeExecutionStatus(ctx context.Context, id string, status NodeStatus, attempts int, failure *Error) error

	// SetNodeExecutionInput stores the materialized input a node was
	// dispatched with.
	SetNodeExecutionInput(ctx context.Context, id string, input map[string]any) error

	// SetNodeExecutionOutput stores the validated output of a succeeded
	// node.
	SetNodeExecutionOutput(ctx context.Context, id string, output map[string]any) error

	// AppendLogEvent appends one log event. Best effort: callers treat
	// failures as non-fatal.
	AppendLogEvent(ctx context.Context, event emit.Event) error

	// ListExecutionLogs returns up to limit most recent events of an
	// execution in append order. limit <= 0 means no limit.
	ListExecutionLogs(ctx context.Context, executionID string, limit int) ([]emit.Event, error)

	// ListNodeLogs returns the events of one node execution in append order.
	ListNodeLogs(ctx context.Context, nodeExecutionID string) ([]emit.Event, error)

	// SetPause records a pause for the execution. Empty nodeIDs pauses the
	// whole execution; otherwise only the named nodes are paused.
	SetPause(ctx context.Context, executionID string, nodeIDs []string) error

	// GetPause returns the active pause or nil when none is set.
	GetPause(ctx context.Context, executionID string) (*Pause, error)

	// ClearPause removes pause markers. Empty nodeIDs clears every marker
	// of the execution.
	ClearPause(ctx context.Context, executionID string, nodeIDs []string) error

	// LoadBreakerState returns the persisted breaker state for a key or
	// ErrNotFound when the breaker has never tripped.
	LoadBreakerState(ctx context.Context, scope, operation string) (*BreakerState, error)

	// SaveBreakerState upserts breaker state so it survives restarts.
	SaveBreakerState(ctx context.Context, state *BreakerState) error

	// RecordBlockExecution bumps the per-day rollup counters for a block
	// type. Best effort.
	RecordBlockExecution(ctx context.Context, blockType BlockType, succeeded bool) error
}
