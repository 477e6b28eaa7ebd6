package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/relayforge/relay/engine/emit"
)

// ScheduleResult is the drained outcome of one scheduling pass over a
// workflow.
type ScheduleResult struct {
	Status  ExecutionStatus
	Failure *Error

	// Result holds the outputs of succeeded terminal nodes keyed by node
	// ID. Set only for completed runs.
	Result map[string]any
}

// Scheduler walks a validated workflow, dispatching nodes whose parents
// have all finished and capping concurrency at MaxInFlight.
//
// Dispatch order is deterministic: the ready set is kept sorted and ties
// always resolve to the lowest node ID. On the first fatal node failure
// the scheduler stops dispatching, lets in-flight nodes drain, and
// reports that failure; later failures from draining nodes are dropped.
// Nodes never dispatched keep their pending rows.
//
// Routing: a succeeded node whose output carries a "route" string selects
// only the outgoing edges whose source handle matches it (edges with an
// empty handle always fire). A node none of whose parents selected it is
// marked skipped, and skips cascade until a selected path resumes.
type Scheduler struct {
	exec    *Executor
	gw      Gateway
	metrics *Metrics
	opts    Options
}

// NewScheduler wires a scheduler over the executor and gateway.
func NewScheduler(exec *Executor, gw Gateway, metrics *Metrics, opts Options) *Scheduler {
	opts = opts.Normalize()
	return &Scheduler{exec: exec, gw: gw, metrics: metrics, opts: opts}
}

// Run schedules the workflow until it drains and returns the terminal
// outcome. prior carries node execution rows from an earlier pass over
// the same execution; succeeded and skipped rows are reused instead of
// re-running their nodes, which is what makes resume and retry cheap.
//
// A non-nil error means persistence failed mid-run and the execution was
// abandoned without a final status; the caller must leave the queue
// message unacked so the execution is redelivered.
func (s *Scheduler) Run(ctx context.Context, ec *ExecutionContext, w *Workflow, prior []*NodeExecution) (ScheduleResult, error) {
	r := &schedRun{s: s, ec: ec, nodes: make(map[string]*schedNode, len(w.Nodes))}
	if err := r.build(ctx, w, prior); err != nil {
		return ScheduleResult{}, err
	}
	r.seed(ctx)

	results := make(chan NodeOutcome)
	inflight := 0
	for {
		if r.abandon != nil || ctx.Err() != nil {
			r.halt = true
		}
		for !r.halt && inflight < s.opts.MaxInFlight && len(r.ready) > 0 {
			id := r.ready[0]
			r.ready = r.ready[1:]
			n := r.nodes[id]
			n.status = NodeRunning
			inputs := r.composeInputs(n)
			inflight++
			s.metrics.AddInFlight(1)
			go func(node Node, rowID string, inputs map[string]any) {
				results <- s.exec.Run(ctx, ec, node, rowID, inputs)
			}(n.node, n.rowID, inputs)
		}
		if inflight == 0 {
			break
		}
		out := <-results
		inflight--
		s.metrics.AddInFlight(-1)
		r.observe(ctx, out)
	}

	if r.abandon != nil {
		return ScheduleResult{}, r.abandon
	}
	switch {
	case r.firstFailure != nil:
		return ScheduleResult{Status: ExecutionFailed, Failure: r.firstFailure}, nil
	case ctx.Err() != nil:
		return ScheduleResult{
			Status:  ExecutionCancelled,
			Failure: &Error{Kind: FailCancelled, Message: "execution cancelled", Cause: context.Cause(ctx)},
		}, nil
	case r.paused:
		return ScheduleResult{Status: ExecutionPaused}, nil
	default:
		return ScheduleResult{Status: ExecutionCompleted, Result: r.terminalOutputs()}, nil
	}
}

type schedNode struct {
	node   Node
	rowID  string
	status NodeStatus
	output map[string]any

	remaining int      // parents not yet finished
	contrib   int      // parents that finished succeeded and selected this node
	inEdges   []Edge
	children  []string // distinct child IDs, ascending
	done      bool
}

type schedRun struct {
	s  *Scheduler
	ec *ExecutionContext

	nodes        map[string]*schedNode
	ready        []string // sorted ascending
	halt         bool
	paused       bool
	firstFailure *Error
	abandon      *Error
}

// build indexes the workflow, adopts prior node execution rows and
// creates pending rows for nodes that have none yet.
func (r *schedRun) build(ctx context.Context, w *Workflow, prior []*NodeExecution) error {
	rows := make(map[string]*NodeExecution, len(prior))
	for _, ne := range prior {
		rows[ne.NodeID] = ne
	}

	for _, n := range w.Nodes {
		r.nodes[n.ID] = &schedNode{node: n, status: NodePending}
	}
	parents := make(map[string]map[string]bool)
	children := make(map[string]map[string]bool)
	for _, e := range w.Edges {
		tgt, ok := r.nodes[e.Target]
		if !ok || r.nodes[e.Source] == nil {
			continue
		}
		tgt.inEdges = append(tgt.inEdges, e)
		if parents[e.Target] == nil {
			parents[e.Target] = make(map[string]bool)
		}
		parents[e.Target][e.Source] = true
		if children[e.Source] == nil {
			children[e.Source] = make(map[string]bool)
		}
		children[e.Source][e.Target] = true
	}
	for id, n := range r.nodes {
		n.remaining = len(parents[id])
		if n.remaining == 0 {
			// Entry nodes are trivially selected.
			n.contrib = 1
		}
		n.children = sortedKeys(children[id])
	}

	for _, id := range sortedKeys(r.nodes) {
		n := r.nodes[id]
		if row, ok := rows[id]; ok {
			n.rowID = row.ID
			n.status = row.Status
			n.output = row.Output
			continue
		}
		row := &NodeExecution{
			ID:          uuid.NewString(),
			ExecutionID: r.ec.ExecutionID,
			NodeID:      id,
			BlockType:   n.node.Type,
			Status:      NodePending,
		}
		if err := r.s.gw.CreateNodeExecution(ctx, row); err != nil {
			return &Error{Kind: FailPersistence, NodeID: id, Message: "creating node execution: " + err.Error(), Cause: err}
		}
		n.rowID = row.ID
	}
	return nil
}

// seed replays prior terminal rows so the run starts at the frontier, then
// enqueues entry nodes that still need to run. Rows in any other state are
// treated as runnable again; redelivered work may run a node twice, which
// the at-least-once contract allows.
func (r *schedRun) seed(ctx context.Context) {
	for _, id := range sortedKeys(r.nodes) {
		n := r.nodes[id]
		switch n.status {
		case NodeSucceeded:
			r.ec.SetOutput(id, n.output)
			r.finish(ctx, id)
		case NodeSkipped:
			r.finish(ctx, id)
		default:
			n.status = NodePending
		}
	}
	for _, id := range sortedKeys(r.nodes) {
		n := r.nodes[id]
		if !n.done && len(n.inEdges) == 0 {
			r.ready = insertSorted(r.ready, id)
		}
	}
}

// finish marks a node done and propagates to its children. A child whose
// parents have all finished becomes ready when at least one selected it,
// and is skipped otherwise.
func (r *schedRun) finish(ctx context.Context, id string) {
	n := r.nodes[id]
	n.done = true
	route := ""
	if n.status == NodeSucceeded {
		route = Route(n.output)
	}
	for _, childID := range n.children {
		c := r.nodes[childID]
		if c.done {
			continue
		}
		fired := false
		if n.status == NodeSucceeded {
			for _, e := range c.inEdges {
				if e.Source == id && edgeFires(e, route) {
					fired = true
					break
				}
			}
		}
		c.remaining--
		if fired {
			c.contrib++
		}
		if c.remaining <= 0 {
			if c.contrib > 0 {
				r.ready = insertSorted(r.ready, childID)
			} else {
				r.skip(ctx, childID)
			}
		}
	}
}

// skip marks a node skipped, persists the row and cascades.
func (r *schedRun) skip(ctx context.Context, id string) {
	n := r.nodes[id]
	n.status = NodeSkipped
	if err := r.s.gw.UpdateNodeExecutionStatus(ctx, n.rowID, NodeSkipped, 0, nil); err != nil {
		r.abandon = &Error{Kind: FailPersistence, NodeID: id, Message: "marking node skipped: " + err.Error(), Cause: err}
		return
	}
	r.ec.LogNode(ctx, emit.LevelInfo, id, n.rowID, "node skipped", nil)
	r.finish(ctx, id)
}

// observe folds one executor outcome into the run state.
func (r *schedRun) observe(ctx context.Context, out NodeOutcome) {
	n := r.nodes[out.NodeID]
	n.status = out.Status
	switch {
	case out.Abandoned():
		r.abandon = out.Failure
		r.halt = true
	case out.Status == NodeSucceeded:
		n.output = out.Output
		r.finish(ctx, out.NodeID)
	case out.Status == NodePaused:
		r.paused = true
		r.halt = true
	default:
		r.halt = true
		if r.firstFailure == nil && out.Failure != nil && out.Failure.Kind != FailCancelled {
			r.firstFailure = out.Failure
		}
	}
}

// composeInputs merges the outputs of the parents that selected this node.
// Entry nodes receive the trigger payload. Edges apply in (source, edge)
// order; a target handle nests the parent output under that key, otherwise
// the output merges at the top level with later edges winning.
func (r *schedRun) composeInputs(n *schedNode) map[string]any {
	inputs := make(map[string]any)
	if len(n.inEdges) == 0 {
		for k, v := range r.ec.Trigger {
			inputs[k] = v
		}
		return inputs
	}
	edges := make([]Edge, len(n.inEdges))
	copy(edges, n.inEdges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].ID < edges[j].ID
	})
	for _, e := range edges {
		p := r.nodes[e.Source]
		if p.status != NodeSucceeded || !edgeFires(e, Route(p.output)) {
			continue
		}
		if e.TargetHandle != "" {
			inputs[e.TargetHandle] = p.output
			continue
		}
		for k, v := range p.output {
			inputs[k] = v
		}
	}
	return inputs
}

func (r *schedRun) terminalOutputs() map[string]any {
	result := make(map[string]any)
	for id, n := range r.nodes {
		if len(n.children) == 0 && n.status == NodeSucceeded {
			result[id] = n.output
		}
	}
	return result
}

// edgeFires reports whether an edge carries the parent's route. Edges
// with no source handle always fire, and a node that emits no route fires
// all of its edges.
func edgeFires(e Edge, route string) bool {
	return e.SourceHandle == "" || route == "" || e.SourceHandle == route
}
