package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/emit"
)

// DB is a SQL-backed Gateway. It holds no state beyond the connection pool,
// so one instance is shared by every worker.
type DB struct {
	db *bun.DB

	mu     sync.Mutex
	closed bool
}

var _ engine.Gateway = (*DB)(nil)

// NewDB wraps an already configured bun handle. Most callers use Open.
func NewDB(db *bun.DB) *DB {
	return &DB{db: db}
}

// Init creates missing tables and indexes. Safe to call on every start.
func (d *DB) Init(ctx context.Context) error {
	models := []any{
		(*workflowRow)(nil),
		(*executionRow)(nil),
		(*nodeExecutionRow)(nil),
		(*logEventRow)(nil),
		(*pauseRow)(nil),
		(*breakerStateRow)(nil),
		(*blockStatRow)(nil),
	}
	for _, m := range models {
		if _, err := d.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []struct {
		name    string
		model   any
		columns []string
	}{
		{"idx_executions_status", (*executionRow)(nil), []string{"status"}},
		{"idx_executions_workflow", (*executionRow)(nil), []string{"workflow_id"}},
		{"idx_node_executions_execution", (*nodeExecutionRow)(nil), []string{"execution_id"}},
		{"idx_execution_logs_execution", (*logEventRow)(nil), []string{"execution_id"}},
		{"idx_execution_logs_node", (*logEventRow)(nil), []string{"node_execution_id"}},
	}
	for _, ix := range indexes {
		q := d.db.NewCreateIndex().Model(ix.model).Index(ix.name).Column(ix.columns...)
		// MySQL has no CREATE INDEX IF NOT EXISTS; a duplicate name on
		// restart is expected there and ignored.
		if d.db.Dialect().Name() != dialect.MySQL {
			q = q.IfNotExists()
		}
		if _, err := q.Exec(ctx); err != nil {
			if d.db.Dialect().Name() == dialect.MySQL && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("failed to create index %s: %w", ix.name, err)
		}
	}
	return nil
}

// Ping verifies the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the connection pool. Closing twice is a no-op.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

func (d *DB) SaveWorkflow(ctx context.Context, w *engine.Workflow) error {
	row, err := newWorkflowRow(w)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", w.ID, err)
	}
	exists, err := d.rowExists(ctx, (*workflowRow)(nil), w.ID)
	if err != nil {
		return fmt.Errorf("failed to check workflow %s: %w", w.ID, err)
	}
	if exists {
		_, err = d.db.NewUpdate().Model(row).
			Column("name", "nodes", "edges", "created_at", "updated_at").
			WherePK().
			Exec(ctx)
	} else {
		_, err = d.db.NewInsert().Model(row).Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", w.ID, err)
	}
	return nil
}

func (d *DB) LoadWorkflow(ctx context.Context, id string) (*engine.Workflow, error) {
	row := new(workflowRow)
	err := d.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return row.workflow()
}

func (d *DB) ListWorkflows(ctx context.Context) ([]*engine.Workflow, error) {
	var rows []workflowRow
	err := d.db.NewSelect().Model(&rows).Order("created_at ASC", "id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]*engine.Workflow, 0, len(rows))
	for i := range rows {
		w, err := rows[i].workflow()
		if err != nil {
			return nil, fmt.Errorf("failed to decode workflow %s: %w", rows[i].ID, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func (d *DB) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := d.db.NewDelete().Model((*workflowRow)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	return nil
}

func (d *DB) CreateExecution(ctx context.Context, e *engine.Execution) error {
	row, err := newExecutionRow(e)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", e.ID, err)
	}
	if _, err := d.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	return nil
}

func (d *DB) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	row := new(executionRow)
	err := d.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return row.execution()
}

func (d *DB) UpdateExecutionStatus(ctx context.Context, id string, status engine.ExecutionStatus, failure *engine.Error) error {
	enc, err := encodeError(failure)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	now := time.Now().UTC()
	q := d.db.NewUpdate().Model((*executionRow)(nil)).
		Set("status = ?", string(status)).
		Set("failure = ?", enc).
		Where("id = ?", id)
	if status == engine.ExecutionRunning {
		q = q.Set("started_at = COALESCE(started_at, ?)", now)
	}
	if status.Terminal() {
		q = q.Set("completed_at = ?", now)
	} else {
		q = q.Set("completed_at = NULL")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", id, err)
	}
	return d.confirmUpdated(ctx, res, (*executionRow)(nil), id)
}

func (d *DB) SetExecutionResult(ctx context.Context, id string, result map[string]any) error {
	enc, err := encodeMap(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	res, err := d.db.NewUpdate().Model((*executionRow)(nil)).
		Set("result = ?", enc).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set execution result %s: %w", id, err)
	}
	return d.confirmUpdated(ctx, res, (*executionRow)(nil), id)
}

func (d *DB) ListReadyExecutions(ctx context.Context) ([]string, error) {
	var ids []string
	err := d.db.NewSelect().Model((*executionRow)(nil)).
		Column("id").
		Where("status = ?", string(engine.ExecutionPending)).
		Order("created_at ASC", "id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready executions: %w", err)
	}
	return ids, nil
}

func (d *DB) CreateNodeExecution(ctx context.Context, ne *engine.NodeExecution) error {
	row, err := newNodeExecutionRow(ne, time.Now())
	if err != nil {
		return fmt.Errorf("failed to encode node execution %s: %w", ne.ID, err)
	}
	if _, err := d.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create node execution %s: %w", ne.ID, err)
	}
	return nil
}

func (d *DB) GetNodeExecution(ctx context.Context, id string) (*engine.NodeExecution, error) {
	row := new(nodeExecutionRow)
	err := d.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node execution %s: %w", id, err)
	}
	return row.nodeExecution()
}

func (d *DB) ListNodeExecutions(ctx context.Context, executionID string) ([]*engine.NodeExecution, error) {
	var rows []nodeExecutionRow
	err := d.db.NewSelect().Model(&rows).
		Where("execution_id = ?", executionID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions for %s: %w", executionID, err)
	}
	out := make([]*engine.NodeExecution, 0, len(rows))
	for i := range rows {
		ne, err := rows[i].nodeExecution()
		if err != nil {
			return nil, fmt.Errorf("failed to decode node execution %s: %w", rows[i].ID, err)
		}
		out = append(out, ne)
	}
	return out, nil
}

func (d *DB) UpdateNodeExecutionStatus(ctx context.Context, id string, status engine.NodeStatus, attempts int, failure *engine.Error) error {
	enc, err := encodeError(failure)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	now := time.Now().UTC()
	q := d.db.NewUpdate().Model((*nodeExecutionRow)(nil)).
		Set("status = ?", string(status)).
		Set("attempts = ?", attempts).
		Set("failure = ?", enc).
		Where("id = ?", id)
	if status == engine.NodeRunning {
		q = q.Set("started_at = COALESCE(started_at, ?)", now)
	}
	if status.Terminal() {
		q = q.Set("completed_at = ?", now)
	} else {
		q = q.Set("completed_at = NULL")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update node execution %s: %w", id, err)
	}
	return d.confirmUpdated(ctx, res, (*nodeExecutionRow)(nil), id)
}

func (d *DB) SetNodeExecutionInput(ctx context.Context, id string, input map[string]any) error {
	enc, err := encodeMap(input)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}
	res, err := d.db.NewUpdate().Model((*nodeExecutionRow)(nil)).
		Set("input = ?", enc).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set node execution input %s: %w", id, err)
	}
	return d.confirmUpdated(ctx, res, (*nodeExecutionRow)(nil), id)
}

func (d *DB) SetNodeExecutionOutput(ctx context.Context, id string, output map[string]any) error {
	enc, err := encodeMap(output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	res, err := d.db.NewUpdate().Model((*nodeExecutionRow)(nil)).
		Set("output = ?", enc).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set node execution output %s: %w", id, err)
	}
	return d.confirmUpdated(ctx, res, (*nodeExecutionRow)(nil), id)
}

func (d *DB) AppendLogEvent(ctx context.Context, event emit.Event) error {
	row, err := newLogEventRow(event)
	if err != nil {
		return fmt.Errorf("failed to encode log event: %w", err)
	}
	if _, err := d.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("failed to append log event: %w", err)
	}
	return nil
}

func (d *DB) ListExecutionLogs(ctx context.Context, executionID string, limit int) ([]emit.Event, error) {
	var rows []logEventRow
	q := d.db.NewSelect().Model(&rows).Where("execution_id = ?", executionID)
	if limit > 0 {
		q = q.Order("seq DESC").Limit(limit)
	} else {
		q = q.Order("seq ASC")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list execution logs for %s: %w", executionID, err)
	}
	if limit > 0 {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return eventRows(rows)
}

func (d *DB) ListNodeLogs(ctx context.Context, nodeExecutionID string) ([]emit.Event, error) {
	var rows []logEventRow
	err := d.db.NewSelect().Model(&rows).
		Where("node_execution_id = ?", nodeExecutionID).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list node logs for %s: %w", nodeExecutionID, err)
	}
	return eventRows(rows)
}

func eventRows(rows []logEventRow) ([]emit.Event, error) {
	out := make([]emit.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].event()
		if err != nil {
			return nil, fmt.Errorf("failed to decode log event %s: %w", rows[i].EventID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (d *DB) SetPause(ctx context.Context, executionID string, nodeIDs []string) error {
	enc, err := encodeNodeIDs(nodeIDs)
	if err != nil {
		return err
	}
	row := &pauseRow{ExecutionID: executionID, NodeIDs: enc, CreatedAt: time.Now().UTC()}
	exists, err := d.db.NewSelect().Model((*pauseRow)(nil)).Where("execution_id = ?", executionID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check pause for %s: %w", executionID, err)
	}
	if exists {
		_, err = d.db.NewUpdate().Model(row).Column("node_ids", "created_at").WherePK().Exec(ctx)
	} else {
		_, err = d.db.NewInsert().Model(row).Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to set pause for %s: %w", executionID, err)
	}
	return nil
}

func (d *DB) GetPause(ctx context.Context, executionID string) (*engine.Pause, error) {
	row := new(pauseRow)
	err := d.db.NewSelect().Model(row).Where("execution_id = ?", executionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pause for %s: %w", executionID, err)
	}
	return row.pause()
}

func (d *DB) ClearPause(ctx context.Context, executionID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		_, err := d.db.NewDelete().Model((*pauseRow)(nil)).Where("execution_id = ?", executionID).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear pause for %s: %w", executionID, err)
		}
		return nil
	}

	row := new(pauseRow)
	err := d.db.NewSelect().Model(row).Where("execution_id = ?", executionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get pause for %s: %w", executionID, err)
	}
	p, err := row.pause()
	if err != nil {
		return err
	}
	keep := p.NodeIDs[:0]
	for _, id := range p.NodeIDs {
		drop := false
		for _, rm := range nodeIDs {
			if id == rm {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, id)
		}
	}
	if len(keep) == 0 {
		_, err := d.db.NewDelete().Model((*pauseRow)(nil)).Where("execution_id = ?", executionID).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear pause for %s: %w", executionID, err)
		}
		return nil
	}
	enc, err := encodeNodeIDs(keep)
	if err != nil {
		return err
	}
	_, err = d.db.NewUpdate().Model((*pauseRow)(nil)).
		Set("node_ids = ?", enc).
		Where("execution_id = ?", executionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update pause for %s: %w", executionID, err)
	}
	return nil
}

func (d *DB) LoadBreakerState(ctx context.Context, scope, operation string) (*engine.BreakerState, error) {
	row := new(breakerStateRow)
	err := d.db.NewSelect().Model(row).
		Where("scope = ?", scope).
		Where("operation = ?", operation).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker state %s/%s: %w", scope, operation, err)
	}
	return row.state(), nil
}

func (d *DB) SaveBreakerState(ctx context.Context, state *engine.BreakerState) error {
	row := newBreakerStateRow(state)
	exists, err := d.db.NewSelect().Model((*breakerStateRow)(nil)).
		Where("scope = ?", state.Scope).
		Where("operation = ?", state.Operation).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check breaker state %s/%s: %w", state.Scope, state.Operation, err)
	}
	if exists {
		_, err = d.db.NewUpdate().Model(row).
			Column("phase", "consecutive_failures", "opened_at", "last_success_at", "last_failure_at", "updated_at").
			WherePK().
			Exec(ctx)
	} else {
		_, err = d.db.NewInsert().Model(row).Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to save breaker state %s/%s: %w", state.Scope, state.Operation, err)
	}
	return nil
}

func (d *DB) RecordBlockExecution(ctx context.Context, blockType engine.BlockType, succeeded bool) error {
	day := dayKey(time.Now())
	col := "failed"
	if succeeded {
		col = "succeeded"
	}
	bump := func() (sql.Result, error) {
		return d.db.NewUpdate().Model((*blockStatRow)(nil)).
			Set(col+" = "+col+" + 1").
			Where("day = ?", day).
			Where("block_type = ?", string(blockType)).
			Exec(ctx)
	}
	res, err := bump()
	if err != nil {
		return fmt.Errorf("failed to record block execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	row := &blockStatRow{Day: day, BlockType: string(blockType)}
	if succeeded {
		row.Succeeded = 1
	} else {
		row.Failed = 1
	}
	if _, err := d.db.NewInsert().Model(row).Exec(ctx); err != nil {
		// The row appeared concurrently; fold the count into it.
		if _, err := bump(); err != nil {
			return fmt.Errorf("failed to record block execution: %w", err)
		}
	}
	return nil
}

// BlockStats returns the usage counters recorded for one day, ordered by
// block type.
func (d *DB) BlockStats(ctx context.Context, day time.Time) ([]BlockStat, error) {
	var rows []blockStatRow
	err := d.db.NewSelect().Model(&rows).
		Where("day = ?", dayKey(day)).
		Order("block_type ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load block stats: %w", err)
	}
	out := make([]BlockStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, BlockStat{
			Day:       r.Day,
			BlockType: engine.BlockType(r.BlockType),
			Succeeded: r.Succeeded,
			Failed:    r.Failed,
		})
	}
	return out, nil
}

func (d *DB) rowExists(ctx context.Context, model any, id string) (bool, error) {
	return d.db.NewSelect().Model(model).Where("id = ?", id).Exists(ctx)
}

// confirmUpdated distinguishes a missing row from a no-change update.
// MySQL reports zero affected rows when an update leaves values untouched,
// so absence has to be confirmed with a separate lookup.
func (d *DB) confirmUpdated(ctx context.Context, res sql.Result, model any, id string) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	exists, err := d.rowExists(ctx, model, id)
	if err != nil {
		return fmt.Errorf("failed to check row %s: %w", id, err)
	}
	if !exists {
		return engine.ErrNotFound
	}
	return nil
}
