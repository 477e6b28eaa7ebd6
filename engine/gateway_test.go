package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relayforge/relay/engine/emit"
)

// fakeGateway is an in-memory Gateway for exercising the runtime without
// a database. Tests inject errors per method name to simulate outages.
type fakeGateway struct {
	mu          sync.Mutex
	workflows   map[string]*Workflow
	executions  map[string]*Execution
	nodeExecs   map[string]*NodeExecution
	logs        []emit.Event
	pauses      map[string]*Pause
	breakers    map[string]*BreakerState
	blockCounts map[string]int
	failures    map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		workflows:   make(map[string]*Workflow),
		executions:  make(map[string]*Execution),
		nodeExecs:   make(map[string]*NodeExecution),
		pauses:      make(map[string]*Pause),
		breakers:    make(map[string]*BreakerState),
		blockCounts: make(map[string]int),
		failures:    make(map[string]error),
	}
}

func (g *fakeGateway) failOn(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[method] = err
}

func (g *fakeGateway) check(method string) error {
	return g.failures[method]
}

func (g *fakeGateway) SaveWorkflow(ctx context.Context, w *Workflow) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("SaveWorkflow"); err != nil {
		return err
	}
	cp := *w
	g.workflows[w.ID] = &cp
	return nil
}

func (g *fakeGateway) LoadWorkflow(ctx context.Context, id string) (*Workflow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("LoadWorkflow"); err != nil {
		return nil, err
	}
	w, ok := g.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (g *fakeGateway) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Workflow, 0, len(g.workflows))
	for _, w := range g.workflows {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGateway) DeleteWorkflow(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workflows, id)
	return nil
}

func (g *fakeGateway) CreateExecution(ctx context.Context, e *Execution) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("CreateExecution"); err != nil {
		return err
	}
	cp := *e
	g.executions[e.ID] = &cp
	return nil
}

func (g *fakeGateway) GetExecution(ctx context.Context, id string) (*Execution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("GetExecution"); err != nil {
		return nil, err
	}
	e, ok := g.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (g *fakeGateway) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, failure *Error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("UpdateExecutionStatus"); err != nil {
		return err
	}
	e, ok := g.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.Failure = failure
	now := time.Now().UTC()
	if status == ExecutionRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if status.Terminal() {
		e.CompletedAt = &now
	} else {
		e.CompletedAt = nil
	}
	return nil
}

func (g *fakeGateway) SetExecutionResult(ctx context.Context, id string, result map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("SetExecutionResult"); err != nil {
		return err
	}
	e, ok := g.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Result = result
	return nil
}

func (g *fakeGateway) ListReadyExecutions(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, e := range g.executions {
		if e.Status == ExecutionPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (g *fakeGateway) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("CreateNodeExecution"); err != nil {
		return err
	}
	cp := *ne
	g.nodeExecs[ne.ID] = &cp
	return nil
}

func (g *fakeGateway) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ne, ok := g.nodeExecs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ne
	return &cp, nil
}

func (g *fakeGateway) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("ListNodeExecutions"); err != nil {
		return nil, err
	}
	var out []*NodeExecution
	for _, ne := range g.nodeExecs {
		if ne.ExecutionID == executionID {
			cp := *ne
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (g *fakeGateway) UpdateNodeExecutionStatus(ctx context.Context, id string, status NodeStatus, attempts int, failure *Error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("UpdateNodeExecutionStatus"); err != nil {
		return err
	}
	ne, ok := g.nodeExecs[id]
	if !ok {
		return ErrNotFound
	}
	ne.Status = status
	ne.Attempts = attempts
	ne.Failure = failure
	now := time.Now().UTC()
	if status == NodeRunning && ne.StartedAt == nil {
		ne.StartedAt = &now
	}
	if status.Terminal() {
		ne.CompletedAt = &now
	} else {
		ne.CompletedAt = nil
	}
	return nil
}

func (g *fakeGateway) SetNodeExecutionInput(ctx context.Context, id string, input map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("SetNodeExecutionInput"); err != nil {
		return err
	}
	ne, ok := g.nodeExecs[id]
	if !ok {
		return ErrNotFound
	}
	ne.Input = input
	return nil
}

func (g *fakeGateway) SetNodeExecutionOutput(ctx context.Context, id string, output map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("SetNodeExecutionOutput"); err != nil {
		return err
	}
	ne, ok := g.nodeExecs[id]
	if !ok {
		return ErrNotFound
	}
	ne.Output = output
	return nil
}

func (g *fakeGateway) AppendLogEvent(ctx context.Context, event emit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("AppendLogEvent"); err != nil {
		return err
	}
	g.logs = append(g.logs, event)
	return nil
}

func (g *fakeGateway) ListExecutionLogs(ctx context.Context, executionID string, limit int) ([]emit.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []emit.Event
	for _, ev := range g.logs {
		if ev.ExecutionID == executionID {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (g *fakeGateway) ListNodeLogs(ctx context.Context, nodeExecutionID string) ([]emit.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []emit.Event
	for _, ev := range g.logs {
		if ev.NodeExecutionID == nodeExecutionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (g *fakeGateway) SetPause(ctx context.Context, executionID string, nodeIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("SetPause"); err != nil {
		return err
	}
	g.pauses[executionID] = &Pause{ExecutionID: executionID, NodeIDs: nodeIDs, CreatedAt: time.Now().UTC()}
	return nil
}

func (g *fakeGateway) GetPause(ctx context.Context, executionID string) (*Pause, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("GetPause"); err != nil {
		return nil, err
	}
	p, ok := g.pauses[executionID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) ClearPause(ctx context.Context, executionID string, nodeIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(nodeIDs) == 0 {
		delete(g.pauses, executionID)
		return nil
	}
	p, ok := g.pauses[executionID]
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
		delete(g.pauses, executionID)
	} else {
		p.NodeIDs = keep
	}
	return nil
}

func (g *fakeGateway) LoadBreakerState(ctx context.Context, scope, operation string) (*BreakerState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.breakers[scope+"\x00"+operation]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (g *fakeGateway) SaveBreakerState(ctx context.Context, state *BreakerState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check("SaveBreakerState"); err != nil {
		return err
	}
	cp := *state
	g.breakers[state.Scope+"\x00"+state.Operation] = &cp
	return nil
}

func (g *fakeGateway) RecordBlockExecution(ctx context.Context, blockType BlockType, succeeded bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := string(blockType) + ":failed"
	if succeeded {
		key = string(blockType) + ":succeeded"
	}
	g.blockCounts[key]++
	return nil
}

// nodeExecByNode returns the row for a workflow node, for assertions.
func (g *fakeGateway) nodeExecByNode(nodeID string) *NodeExecution {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ne := range g.nodeExecs {
		if ne.NodeID == nodeID {
			cp := *ne
			return &cp
		}
	}
	return nil
}

func (g *fakeGateway) execution(id string) *Execution {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.executions[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// fakeQueue records enqueued execution IDs.
type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(ctx context.Context, executionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, executionID)
	return nil
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}
