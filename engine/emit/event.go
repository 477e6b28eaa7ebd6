package emit

import "time"

// Level grades the severity of a log event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one log entry produced during workflow execution.
//
// Events carry both node-scoped messages (handler output, retry notices)
// and execution-scoped lifecycle transitions. They are persisted to the
// execution_logs table and fanned out to any configured observability
// backend: structured logs, traces, live streams.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// ExecutionID is the workflow execution the event belongs to.
	ExecutionID string `json:"executionId"`

	// NodeExecutionID scopes the event to one node execution.
	// Empty for execution-level events such as status transitions.
	NodeExecutionID string `json:"nodeExecutionId,omitempty"`

	// NodeID is the workflow node the event concerns, if any.
	NodeID string `json:"nodeId,omitempty"`

	// Level grades the event.
	Level Level `json:"level"`

	// Msg is the human-readable message.
	Msg string `json:"message"`

	// Fields holds structured payload specific to this event.
	// Common keys: "status", "attempt", "duration_ms", "error", "kind".
	Fields map[string]any `json:"fields,omitempty"`

	// At is the event timestamp in UTC.
	At time.Time `json:"at"`
}
