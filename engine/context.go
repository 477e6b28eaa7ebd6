package engine

import (
	"sync"
)

// ExecutionContext carries the shared state of one workflow execution
// through the scheduler, the executor and the handlers.
//
// It is passed explicitly rather than smuggled through context values:
// handlers receive it as part of their input, the scheduler owns the
// output map behind it. Cancellation still travels through the standard
// context.Context alongside.
type ExecutionContext struct {
	// ExecutionID identifies the run.
	ExecutionID string

	// WorkflowID identifies the definition being run.
	WorkflowID string

	// Trigger is the payload the execution was started with.
	Trigger map[string]any

	// Log receives execution log events. Never nil.
	Log *Logger

	mu      sync.RWMutex
	outputs map[string]map[string]any // nodeID -> validated output
}

// NewExecutionContext builds the shared context for one run.
func NewExecutionContext(executionID, workflowID string, trigger map[string]any, log *Logger) *ExecutionContext {
	if log == nil {
		log = NewLogger(nil, nil, nil)
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Trigger:     trigger,
		Log:         log,
		outputs:     make(map[string]map[string]any),
	}
}

// Output returns the stored output of a finished node.
func (ec *ExecutionContext) Output(nodeID string) (map[string]any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[nodeID]
	return out, ok
}

// SetOutput records a node's validated output. Called by the scheduler
// when a node succeeds, and during resume for nodes that succeeded in a
// previous run.
func (ec *ExecutionContext) SetOutput(nodeID string, output map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[nodeID] = output
}

// Outputs returns a shallow copy of all recorded outputs keyed by node ID.
func (ec *ExecutionContext) Outputs() map[string]map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]map[string]any, len(ec.outputs))
	for k, v := range ec.outputs {
		out[k] = v
	}
	return out
}
