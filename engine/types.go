// Package engine provides the core workflow execution runtime for Relay.
package engine

import (
	"time"
)

// BlockType identifies the behavior of a workflow node.
//
// Every node carries exactly one block type. The type selects the handler
// that executes the node, the schema its config and inputs are validated
// against, and whether the node may appear as a workflow terminal.
type BlockType string

// Block types understood by the runtime. Unrecognized values decode as
// BlockUnknown and fail execution with a CONFIG error.
const (
	BlockHTTP                  BlockType = "HTTP"
	BlockEmail                 BlockType = "EMAIL"
	BlockDatabase              BlockType = "DATABASE"
	BlockWebhook               BlockType = "WEBHOOK"
	BlockNotification          BlockType = "NOTIFICATION"
	BlockDiscord               BlockType = "DISCORD"
	BlockSchedule              BlockType = "SCHEDULE"
	BlockDelay                 BlockType = "DELAY"
	BlockCondition             BlockType = "CONDITION"
	BlockTransform             BlockType = "TRANSFORM"
	BlockLLMPrompt             BlockType = "LLM_PROMPT"
	BlockPriceMonitor          BlockType = "PRICE_MONITOR"
	BlockBlockchainRead        BlockType = "BLOCKCHAIN_READ"
	BlockBlockchainTransaction BlockType = "BLOCKCHAIN_TRANSACTION"
	BlockCalculator            BlockType = "CALCULATOR"
	BlockCustom                BlockType = "CUSTOM"
	BlockUnknown               BlockType = "UNKNOWN"
)

// actionBlocks are the block types with external side effects. Only these
// may appear as workflow terminals.
var actionBlocks = map[BlockType]bool{
	BlockEmail:                 true,
	BlockNotification:          true,
	BlockDatabase:              true,
	BlockDiscord:               true,
	BlockWebhook:               true,
	BlockBlockchainTransaction: true,
}

// IsAction reports whether the block type performs an external side effect
// and is therefore allowed as a workflow terminal.
func (t BlockType) IsAction() bool {
	return actionBlocks[t]
}

// Known reports whether the block type is part of the built-in catalog.
func (t BlockType) Known() bool {
	switch t {
	case BlockHTTP, BlockEmail, BlockDatabase, BlockWebhook, BlockNotification,
		BlockDiscord, BlockSchedule, BlockDelay, BlockCondition, BlockTransform,
		BlockLLMPrompt, BlockPriceMonitor, BlockBlockchainRead,
		BlockBlockchainTransaction, BlockCalculator, BlockCustom:
		return true
	}
	return false
}

// Node is a single step in a workflow graph.
type Node struct {
	// ID uniquely identifies the node within its workflow.
	ID string `json:"id"`

	// Type selects the handler and schemas for this node.
	Type BlockType `json:"type"`

	// Name is a human-readable label. Optional.
	Name string `json:"name,omitempty"`

	// Config holds the per-node settings validated against the block's
	// config schema. String values may contain {{path}} template
	// expressions resolved against the node's inputs at execution time.
	Config map[string]any `json:"config,omitempty"`
}

// Edge is a directed dependency between two nodes.
//
// The target node runs only after the source node has finished. Handles
// refine how data flows across the edge:
//   - SourceHandle selects a route on multi-output blocks. An edge whose
//     SourceHandle does not match the route emitted by the source is not
//     taken and its target may be skipped.
//   - TargetHandle namespaces the source's output under a key in the
//     target's input instead of merging it at the top level.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Workflow is a directed acyclic graph of typed nodes.
//
// A workflow is valid when it has at least one node, node IDs are unique,
// every edge references existing nodes, the graph is acyclic with exactly
// one entry node, every node is reachable from the entry, terminal nodes
// are action blocks, and each node's config satisfies its block schema.
// Validate reports every violation; Execute refuses invalid workflows.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NodeByID returns the node with the given ID, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// ExecutionStatus is the lifecycle state of a workflow execution.
//
// Transitions: pending -> running -> {completed, failed, cancelled},
// with running <-> paused. Terminal states never transition again.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one run of a workflow.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Status     ExecutionStatus `json:"status"`

	// Trigger is the payload the execution was started with. It becomes
	// the input of the entry node.
	Trigger map[string]any `json:"trigger,omitempty"`

	// Result holds the outputs of terminal nodes once the execution
	// completes, keyed by node ID.
	Result map[string]any `json:"result,omitempty"`

	// Failure records the first fatal error for failed executions.
	Failure *Error `json:"failure,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NodeStatus is the lifecycle state of a single node execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodePaused    NodeStatus = "paused"
)

// Terminal reports whether the node status is final for the current run.
// Paused nodes resume in a later run and are not terminal.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// NodeExecution is the persisted record of one node within an execution.
//
// There is exactly one NodeExecution per (execution, node). Retries update
// Attempts on the same record rather than creating new rows.
type NodeExecution struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"executionId"`
	NodeID      string     `json:"nodeId"`
	BlockType   BlockType  `json:"blockType"`
	Status      NodeStatus `json:"status"`

	// Attempts counts dispatches of this node, including the first.
	Attempts int `json:"attempts"`

	// Input is the materialized input the node was dispatched with.
	Input map[string]any `json:"input,omitempty"`

	// Output is the validated output of a succeeded node.
	Output map[string]any `json:"output,omitempty"`

	// Failure records the final error of a failed node.
	Failure *Error `json:"failure,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Pause marks an execution, or specific nodes within it, as suspended.
//
// A pause with no node IDs suspends every not-yet-dispatched node. A pause
// naming nodes suspends only those nodes; the rest of the graph continues
// until it depends on a paused node's output.
type Pause struct {
	ExecutionID string    `json:"executionId"`
	NodeIDs     []string  `json:"nodeIds,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// All reports whether the pause applies to the whole execution.
func (p *Pause) All() bool { return p != nil && len(p.NodeIDs) == 0 }

// Covers reports whether the pause applies to the given node.
func (p *Pause) Covers(nodeID string) bool {
	if p == nil {
		return false
	}
	if len(p.NodeIDs) == 0 {
		return true
	}
	for _, id := range p.NodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Result is the outcome of a handler invocation.
//
// Exactly one of Output or Err is meaningful: a handler either produces an
// output map or fails with a classified error. Failure is a value here, not
// a panic; the executor inspects Err to decide on retries.
type Result struct {
	// Output holds the block's outputs. The executor validates it against
	// the block's output schema before accepting it.
	Output map[string]any

	// Err is the classified failure, nil on success.
	Err *Error
}

// OK returns a successful Result carrying the given output.
func OK(output map[string]any) Result {
	return Result{Output: output}
}

// Fail returns a failed Result carrying the given error.
func Fail(err *Error) Result {
	return Result{Err: err}
}

// Route extracts the route selector from a node output, if present.
// Condition-style blocks emit a "route" output that edge source handles
// match against.
func Route(output map[string]any) string {
	if output == nil {
		return ""
	}
	if r, ok := output["route"].(string); ok {
		return r
	}
	return ""
}
