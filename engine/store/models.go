package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/emit"
)

// Row models mirror the engine types column for column. Structured payloads
// (node lists, trigger data, failures) are stored as JSON text so the same
// schema works on every dialect.

type workflowRow struct {
	bun.BaseModel `bun:"table:workflows,alias:w"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Nodes     string    `bun:"nodes,type:text,notnull"`
	Edges     string    `bun:"edges,type:text,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func newWorkflowRow(w *engine.Workflow) (*workflowRow, error) {
	nodes, err := json.Marshal(w.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode nodes: %w", err)
	}
	edges, err := json.Marshal(w.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to encode edges: %w", err)
	}
	return &workflowRow{
		ID:        w.ID,
		Name:      w.Name,
		Nodes:     string(nodes),
		Edges:     string(edges),
		CreatedAt: w.CreatedAt.UTC(),
		UpdatedAt: w.UpdatedAt.UTC(),
	}, nil
}

func (r *workflowRow) workflow() (*engine.Workflow, error) {
	w := &engine.Workflow{
		ID:        r.ID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Nodes), &w.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Edges), &w.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges: %w", err)
	}
	return w, nil
}

type executionRow struct {
	bun.BaseModel `bun:"table:executions,alias:e"`

	ID          string     `bun:"id,pk"`
	WorkflowID  string     `bun:"workflow_id,notnull"`
	Status      string     `bun:"status,notnull"`
	Trigger     string     `bun:"trigger_payload,type:text"`
	Result      string     `bun:"result,type:text"`
	Failure     string     `bun:"failure,type:text"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	StartedAt   *time.Time `bun:"started_at"`
	CompletedAt *time.Time `bun:"completed_at"`
}

func newExecutionRow(e *engine.Execution) (*executionRow, error) {
	trigger, err := encodeMap(e.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trigger: %w", err)
	}
	result, err := encodeMap(e.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	failure, err := encodeError(e.Failure)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure: %w", err)
	}
	return &executionRow{
		ID:          e.ID,
		WorkflowID:  e.WorkflowID,
		Status:      string(e.Status),
		Trigger:     trigger,
		Result:      result,
		Failure:     failure,
		CreatedAt:   e.CreatedAt.UTC(),
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}, nil
}

func (r *executionRow) execution() (*engine.Execution, error) {
	trigger, err := decodeMap(r.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trigger: %w", err)
	}
	result, err := decodeMap(r.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	failure, err := decodeError(r.Failure)
	if err != nil {
		return nil, fmt.Errorf("failed to decode failure: %w", err)
	}
	return &engine.Execution{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Status:      engine.ExecutionStatus(r.Status),
		Trigger:     trigger,
		Result:      result,
		Failure:     failure,
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}

type nodeExecutionRow struct {
	bun.BaseModel `bun:"table:node_executions,alias:ne"`

	ID          string     `bun:"id,pk"`
	ExecutionID string     `bun:"execution_id,notnull"`
	NodeID      string     `bun:"node_id,notnull"`
	BlockType   string     `bun:"block_type,notnull"`
	Status      string     `bun:"status,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	Input       string     `bun:"input,type:text"`
	Output      string     `bun:"output,type:text"`
	Failure     string     `bun:"failure,type:text"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	StartedAt   *time.Time `bun:"started_at"`
	CompletedAt *time.Time `bun:"completed_at"`
}

func newNodeExecutionRow(ne *engine.NodeExecution, createdAt time.Time) (*nodeExecutionRow, error) {
	input, err := encodeMap(ne.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}
	output, err := encodeMap(ne.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	failure, err := encodeError(ne.Failure)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure: %w", err)
	}
	return &nodeExecutionRow{
		ID:          ne.ID,
		ExecutionID: ne.ExecutionID,
		NodeID:      ne.NodeID,
		BlockType:   string(ne.BlockType),
		Status:      string(ne.Status),
		Attempts:    ne.Attempts,
		Input:       input,
		Output:      output,
		Failure:     failure,
		CreatedAt:   createdAt.UTC(),
		StartedAt:   ne.StartedAt,
		CompletedAt: ne.CompletedAt,
	}, nil
}

func (r *nodeExecutionRow) nodeExecution() (*engine.NodeExecution, error) {
	input, err := decodeMap(r.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	output, err := decodeMap(r.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	failure, err := decodeError(r.Failure)
	if err != nil {
		return nil, fmt.Errorf("failed to decode failure: %w", err)
	}
	return &engine.NodeExecution{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		NodeID:      r.NodeID,
		BlockType:   engine.BlockType(r.BlockType),
		Status:      engine.NodeStatus(r.Status),
		Attempts:    r.Attempts,
		Input:       input,
		Output:      output,
		Failure:     failure,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}

// logEventRow keeps a monotonic seq so "append order" survives identical
// timestamps.
type logEventRow struct {
	bun.BaseModel `bun:"table:execution_logs,alias:l"`

	Seq             int64     `bun:"seq,pk,autoincrement"`
	EventID         string    `bun:"event_id,notnull"`
	ExecutionID     string    `bun:"execution_id,notnull"`
	NodeExecutionID string    `bun:"node_execution_id"`
	NodeID          string    `bun:"node_id"`
	Level           string    `bun:"level,notnull"`
	Message         string    `bun:"message,notnull"`
	Fields          string    `bun:"fields,type:text"`
	At              time.Time `bun:"at,notnull"`
}

func newLogEventRow(event emit.Event) (*logEventRow, error) {
	fields, err := encodeMap(event.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return &logEventRow{
		EventID:         event.ID,
		ExecutionID:     event.ExecutionID,
		NodeExecutionID: event.NodeExecutionID,
		NodeID:          event.NodeID,
		Level:           string(event.Level),
		Message:         event.Msg,
		Fields:          fields,
		At:              event.At.UTC(),
	}, nil
}

func (r *logEventRow) event() (emit.Event, error) {
	fields, err := decodeMap(r.Fields)
	if err != nil {
		return emit.Event{}, fmt.Errorf("failed to decode fields: %w", err)
	}
	return emit.Event{
		ID:              r.EventID,
		ExecutionID:     r.ExecutionID,
		NodeExecutionID: r.NodeExecutionID,
		NodeID:          r.NodeID,
		Level:           emit.Level(r.Level),
		Msg:             r.Message,
		Fields:          fields,
		At:              r.At.UTC(),
	}, nil
}

// pauseRow holds at most one row per execution. An empty node_ids list
// means the whole execution is paused.
type pauseRow struct {
	bun.BaseModel `bun:"table:pauses,alias:p"`

	ExecutionID string    `bun:"execution_id,pk"`
	NodeIDs     string    `bun:"node_ids,type:text"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func (r *pauseRow) pause() (*engine.Pause, error) {
	p := &engine.Pause{ExecutionID: r.ExecutionID, CreatedAt: r.CreatedAt.UTC()}
	if r.NodeIDs != "" {
		if err := json.Unmarshal([]byte(r.NodeIDs), &p.NodeIDs); err != nil {
			return nil, fmt.Errorf("failed to decode node ids: %w", err)
		}
	}
	return p, nil
}

func encodeNodeIDs(nodeIDs []string) (string, error) {
	if len(nodeIDs) == 0 {
		return "", nil
	}
	b, err := json.Marshal(nodeIDs)
	if err != nil {
		return "", fmt.Errorf("failed to encode node ids: %w", err)
	}
	return string(b), nil
}

type breakerStateRow struct {
	bun.BaseModel `bun:"table:breaker_states,alias:b"`

	Scope               string     `bun:"scope,pk"`
	Operation           string     `bun:"operation,pk"`
	Phase               string     `bun:"phase,notnull"`
	ConsecutiveFailures int        `bun:"consecutive_failures,notnull"`
	OpenedAt            *time.Time `bun:"opened_at"`
	LastSuccessAt       *time.Time `bun:"last_success_at"`
	LastFailureAt       *time.Time `bun:"last_failure_at"`
	UpdatedAt           time.Time  `bun:"updated_at,notnull"`
}

func newBreakerStateRow(st *engine.BreakerState) *breakerStateRow {
	return &breakerStateRow{
		Scope:               st.Scope,
		Operation:           st.Operation,
		Phase:               string(st.Phase),
		ConsecutiveFailures: st.ConsecutiveFailures,
		OpenedAt:            st.OpenedAt,
		LastSuccessAt:       st.LastSuccessAt,
		LastFailureAt:       st.LastFailureAt,
		UpdatedAt:           st.UpdatedAt.UTC(),
	}
}

func (r *breakerStateRow) state() *engine.BreakerState {
	return &engine.BreakerState{
		Scope:               r.Scope,
		Operation:           r.Operation,
		Phase:               engine.BreakerPhase(r.Phase),
		ConsecutiveFailures: r.ConsecutiveFailures,
		OpenedAt:            r.OpenedAt,
		LastSuccessAt:       r.LastSuccessAt,
		LastFailureAt:       r.LastFailureAt,
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

// blockStatRow accumulates per-day usage counters per block type.
type blockStatRow struct {
	bun.BaseModel `bun:"table:block_executions,alias:s"`

	Day       string `bun:"day,pk"`
	BlockType string `bun:"block_type,pk"`
	Succeeded int64  `bun:"succeeded,notnull,default:0"`
	Failed    int64  `bun:"failed,notnull,default:0"`
}

// BlockStat is one day of usage counters for a block type.
type BlockStat struct {
	Day       string           `json:"day"`
	BlockType engine.BlockType `json:"blockType"`
	Succeeded int64            `json:"succeeded"`
	Failed    int64            `json:"failed"`
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeError(e *engine.Error) (string, error) {
	if e == nil {
		return "", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeError(s string) (*engine.Error, error) {
	if s == "" {
		return nil, nil
	}
	var e engine.Error
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
