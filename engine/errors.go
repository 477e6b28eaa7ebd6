package engine

import "errors"

// ErrNotFound is returned by the Gateway when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrExecutionNotRunnable indicates an execution was picked up in a state
// that does not allow (re)starting it, such as completed or cancelled.
var ErrExecutionNotRunnable = errors.New("execution is not in a runnable state")

// ErrWorkflowInvalid indicates a workflow failed validation. The violations
// accompany the error on the Execute path.
var ErrWorkflowInvalid = errors.New("workflow failed validation")

// FailureKind classifies node and execution failures.
//
// The kind determines retry eligibility and how the failure is reported:
//   - FailValidation: output or shape violations, never retried
//   - FailConfig: bad or missing configuration and inputs, never retried
//   - FailTimeout: an attempt exceeded its per-node timeout
//   - FailExecution: the handler itself failed
//   - FailCancelled: execution was cancelled while the node was pending or running
//   - FailCircuitOpen: the circuit breaker rejected the call, never retried
//   - FailPersistence: a lifecycle write failed, the execution is abandoned
//     for queue redelivery
type FailureKind string

const (
	FailValidation  FailureKind = "VALIDATION"
	FailConfig      FailureKind = "CONFIG"
	FailTimeout     FailureKind = "TIMEOUT"
	FailExecution   FailureKind = "EXECUTION"
	FailCancelled   FailureKind = "CANCELLED"
	FailCircuitOpen FailureKind = "CIRCUIT_OPEN"
	FailPersistence FailureKind = "PERSISTENCE"
)

// Error is a classified failure from workflow execution.
//
// It is the one error shape that crosses component boundaries: handlers
// return it inside Result, the executor persists it on NodeExecution, and
// the coordinator records the first fatal one on the Execution.
type Error struct {
	// Kind classifies the failure.
	Kind FailureKind `json:"kind"`

	// NodeID identifies the node the failure belongs to. Empty for
	// execution-level failures.
	NodeID string `json:"nodeId,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Retryable reports whether the executor may retry the attempt.
	// CIRCUIT_OPEN, CONFIG, VALIDATION and CANCELLED failures are never
	// retryable regardless of this flag.
	Retryable bool `json:"retryable,omitempty"`

	// Cause is the underlying error, if any. Not serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return string(e.Kind) + ": node " + e.NodeID + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the underlying cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CanRetry reports whether the failure is eligible for another attempt.
func (e *Error) CanRetry() bool {
	switch e.Kind {
	case FailConfig, FailValidation, FailCancelled, FailCircuitOpen, FailPersistence:
		return false
	}
	return e.Retryable
}

// NewError builds an Error of the given kind from an underlying error.
// Retryability is derived from the cause's text via IsRecoverable.
func NewError(kind FailureKind, nodeID string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Kind:      kind,
		NodeID:    nodeID,
		Message:   msg,
		Retryable: kind == FailExecution && IsRecoverable(cause) || kind == FailTimeout,
		Cause:     cause,
	}
}

// ConfigError builds a non-retryable CONFIG failure.
func ConfigError(nodeID, message string) *Error {
	return &Error{Kind: FailConfig, NodeID: nodeID, Message: message}
}

// AsError extracts an *Error from err, wrapping plain errors as EXECUTION
// failures so every failure crossing the executor boundary is classified.
func AsError(nodeID string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.NodeID == "" {
			e.NodeID = nodeID
		}
		return e
	}
	return NewError(FailExecution, nodeID, err)
}
