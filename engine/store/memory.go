package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/emit"
)

// Memory is a process-local Gateway. It backs tests and development runs
// where durability across restarts does not matter. All methods copy on
// the way in and out so callers never share state with the store.
type Memory struct {
	mu            sync.RWMutex
	workflows     map[string]*engine.Workflow
	workflowOrder []string
	executions    map[string]*engine.Execution
	nodeExecs     map[string]*engine.NodeExecution
	nodeOrder     map[string][]string
	logs          map[string][]emit.Event
	nodeLogs      map[string][]emit.Event
	pauses        map[string]*engine.Pause
	breakers      map[string]*engine.BreakerState
	stats         map[string]*BlockStat
}

var _ engine.Gateway = (*Memory)(nil)

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		workflows:  make(map[string]*engine.Workflow),
		executions: make(map[string]*engine.Execution),
		nodeExecs:  make(map[string]*engine.NodeExecution),
		nodeOrder:  make(map[string][]string),
		logs:       make(map[string][]emit.Event),
		nodeLogs:   make(map[string][]emit.Event),
		pauses:     make(map[string]*engine.Pause),
		breakers:   make(map[string]*engine.BreakerState),
		stats:      make(map[string]*BlockStat),
	}
}

// Close exists so callers can treat Memory like any other backend.
func (m *Memory) Close() error { return nil }

func (m *Memory) SaveWorkflow(ctx context.Context, w *engine.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; !ok {
		m.workflowOrder = append(m.workflowOrder, w.ID)
	}
	m.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (m *Memory) LoadWorkflow(ctx context.Context, id string) (*engine.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneWorkflow(w), nil
}

func (m *Memory) ListWorkflows(ctx context.Context) ([]*engine.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.Workflow, 0, len(m.workflows))
	for _, id := range m.workflowOrder {
		if w, ok := m.workflows[id]; ok {
			out = append(out, cloneWorkflow(w))
		}
	}
	return out, nil
}

func (m *Memory) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	for i, wid := range m.workflowOrder {
		if wid == id {
			m.workflowOrder = append(m.workflowOrder[:i], m.workflowOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) CreateExecution(ctx context.Context, e *engine.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = cloneExecution(e)
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneExecution(e), nil
}

func (m *Memory) UpdateExecutionStatus(ctx context.Context, id string, status engine.ExecutionStatus, failure *engine.Error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	e.Status = status
	e.Failure = cloneError(failure)
	now := time.Now().UTC()
	if status == engine.ExecutionRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if status.Terminal() {
		e.CompletedAt = &now
	} else {
		e.CompletedAt = nil
	}
	return nil
}

func (m *Memory) SetExecutionResult(ctx context.Context, id string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	e.Result = cloneMap(result)
	return nil
}

func (m *Memory) ListReadyExecutions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type ready struct {
		id string
		at time.Time
	}
	var pending []ready
	for id, e := range m.executions {
		if e.Status == engine.ExecutionPending {
			pending = append(pending, ready{id: id, at: e.CreatedAt})
		}
	}
	// Oldest first; IDs break ties so the order is stable.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].at.Equal(pending[j].at) {
			return pending[i].id < pending[j].id
		}
		return pending[i].at.Before(pending[j].at)
	})
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.id)
	}
	return ids, nil
}

func (m *Memory) CreateNodeExecution(ctx context.Context, ne *engine.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodeExecs[ne.ID]; !ok {
		m.nodeOrder[ne.ExecutionID] = append(m.nodeOrder[ne.ExecutionID], ne.ID)
	}
	m.nodeExecs[ne.ID] = cloneNodeExecution(ne)
	return nil
}

func (m *Memory) GetNodeExecution(ctx context.Context, id string) (*engine.NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ne, ok := m.nodeExecs[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneNodeExecution(ne), nil
}

func (m *Memory) ListNodeExecutions(ctx context.Context, executionID string) ([]*engine.NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.nodeOrder[executionID]
	out := make([]*engine.NodeExecution, 0, len(ids))
	for _, id := range ids {
		if ne, ok := m.nodeExecs[id]; ok {
			out = append(out, cloneNodeExecution(ne))
		}
	}
	return out, nil
}

func (m *Memory) UpdateNodeExecutionStatus(ctx context.Context, id string, status engine.NodeStatus, attempts int, failure *engine.Error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ne, ok := m.nodeExecs[id]
	if !ok {
		return engine.ErrNotFound
	}
	ne.Status = status
	ne.Attempts = attempts
	ne.Failure = cloneError(failure)
	now := time.Now().UTC()
	if status == engine.NodeRunning && ne.StartedAt == nil {
		ne.StartedAt = &now
	}
	if status.Terminal() {
		ne.CompletedAt = &now
	} else {
		ne.CompletedAt = nil
	}
	return nil
}

func (m *Memory) SetNodeExecutionInput(ctx context.Context, id string, input map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ne, ok := m.nodeExecs[id]
	if !ok {
		return engine.ErrNotFound
	}
	ne.Input = cloneMap(input)
	return nil
}

func (m *Memory) SetNodeExecutionOutput(ctx context.Context, id string, output map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ne, ok := m.nodeExecs[id]
	if !ok {
		return engine.ErrNotFound
	}
	ne.Output = cloneMap(output)
	return nil
}

func (m *Memory) AppendLogEvent(ctx context.Context, event emit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Fields = cloneMap(event.Fields)
	m.logs[event.ExecutionID] = append(m.logs[event.ExecutionID], event)
	if event.NodeExecutionID != "" {
		m.nodeLogs[event.NodeExecutionID] = append(m.nodeLogs[event.NodeExecutionID], event)
	}
	return nil
}

func (m *Memory) ListExecutionLogs(ctx context.Context, executionID string, limit int) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.logs[executionID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return cloneEvents(events), nil
}

func (m *Memory) ListNodeLogs(ctx context.Context, nodeExecutionID string) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneEvents(m.nodeLogs[nodeExecutionID]), nil
}

func (m *Memory) SetPause(ctx context.Context, executionID string, nodeIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses[executionID] = &engine.Pause{
		ExecutionID: executionID,
		NodeIDs:     append([]string(nil), nodeIDs...),
		CreatedAt:   time.Now().UTC(),
	}
	return nil
}

func (m *Memory) GetPause(ctx context.Context, executionID string) (*engine.Pause, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pauses[executionID]
	if !ok {
		return nil, nil
	}
	return clonePause(p), nil
}

func (m *Memory) ClearPause(ctx context.Context, executionID string, nodeIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(nodeIDs) == 0 {
		delete(m.pauses, executionID)
		return nil
	}
	p, ok := m.pauses[executionID]
	if !ok {
		return nil
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
		delete(m.pauses, executionID)
		return nil
	}
	p.NodeIDs = keep
	return nil
}

func (m *Memory) LoadBreakerState(ctx context.Context, scope, operation string) (*engine.BreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.breakers[scope+"\x00"+operation]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneBreakerState(st), nil
}

func (m *Memory) SaveBreakerState(ctx context.Context, state *engine.BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[state.Scope+"\x00"+state.Operation] = cloneBreakerState(state)
	return nil
}

func (m *Memory) RecordBlockExecution(ctx context.Context, blockType engine.BlockType, succeeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := dayKey(time.Now())
	key := day + "\x00" + string(blockType)
	st, ok := m.stats[key]
	if !ok {
		st = &BlockStat{Day: day, BlockType: blockType}
		m.stats[key] = st
	}
	if succeeded {
		st.Succeeded++
	} else {
		st.Failed++
	}
	return nil
}

// BlockStats returns the usage counters recorded for one day, ordered by
// block type.
func (m *Memory) BlockStats(ctx context.Context, day time.Time) ([]BlockStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := dayKey(day)
	var out []BlockStat
	for _, st := range m.stats {
		if st.Day == want {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockType < out[j].BlockType })
	return out, nil
}

func cloneWorkflow(w *engine.Workflow) *engine.Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Nodes = make([]engine.Node, len(w.Nodes))
	copy(cp.Nodes, w.Nodes)
	for i := range cp.Nodes {
		cp.Nodes[i].Config = cloneMap(cp.Nodes[i].Config)
	}
	cp.Edges = append([]engine.Edge(nil), w.Edges...)
	return &cp
}

func cloneExecution(e *engine.Execution) *engine.Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Trigger = cloneMap(e.Trigger)
	cp.Result = cloneMap(e.Result)
	cp.Failure = cloneError(e.Failure)
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

func cloneNodeExecution(ne *engine.NodeExecution) *engine.NodeExecution {
	if ne == nil {
		return nil
	}
	cp := *ne
	cp.Input = cloneMap(ne.Input)
	cp.Output = cloneMap(ne.Output)
	cp.Failure = cloneError(ne.Failure)
	cp.StartedAt = cloneTime(ne.StartedAt)
	cp.CompletedAt = cloneTime(ne.CompletedAt)
	return &cp
}

func clonePause(p *engine.Pause) *engine.Pause {
	if p == nil {
		return nil
	}
	cp := *p
	cp.NodeIDs = append([]string(nil), p.NodeIDs...)
	return &cp
}

func cloneBreakerState(st *engine.BreakerState) *engine.BreakerState {
	if st == nil {
		return nil
	}
	cp := *st
	cp.OpenedAt = cloneTime(st.OpenedAt)
	cp.LastSuccessAt = cloneTime(st.LastSuccessAt)
	cp.LastFailureAt = cloneTime(st.LastFailureAt)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneEvents(events []emit.Event) []emit.Event {
	out := make([]emit.Event, len(events))
	copy(out, events)
	for i := range out {
		out[i].Fields = cloneMap(out[i].Fields)
	}
	return out
}

func cloneError(e *engine.Error) *engine.Error {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
