package engine

import (
	"sort"

	"github.com/samber/lo"
)

// ViolationKind tags a structural or schema problem found in a workflow.
type ViolationKind string

const (
	ViolationEmpty             ViolationKind = "EMPTY"
	ViolationCycle             ViolationKind = "CYCLE"
	ViolationOrphan            ViolationKind = "ORPHAN"
	ViolationMultipleEntries   ViolationKind = "MULTIPLE_ENTRIES"
	ViolationNoEntry           ViolationKind = "NO_ENTRY"
	ViolationTerminalNotAction ViolationKind = "TERMINAL_NOT_ACTION"
	ViolationConfigInvalid     ViolationKind = "CONFIG_INVALID"
	ViolationMissingConfig     ViolationKind = "MISSING_CONFIG"
	ViolationUnknownReference  ViolationKind = "UNKNOWN_REFERENCE"
)

// Violation describes one reason a workflow cannot execute.
//
// Which fields are set depends on Kind: CYCLE, ORPHAN and
// TERMINAL_NOT_ACTION carry NodeID; CONFIG_INVALID and MISSING_CONFIG add
// Field (and Reason); UNKNOWN_REFERENCE carries EdgeID and Endpoint;
// MULTIPLE_ENTRIES lists the competing entry nodes in NodeIDs.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	NodeID   string        `json:"nodeId,omitempty"`
	NodeIDs  []string      `json:"nodeIds,omitempty"`
	EdgeID   string        `json:"edgeId,omitempty"`
	Endpoint string        `json:"endpoint,omitempty"`
	Field    string        `json:"field,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Validate checks a workflow against every structural invariant and block
// schema and returns all violations found, not just the first.
//
// An empty result means the workflow is executable. Violations are
// reported in a deterministic order: duplicate IDs first, then edge
// reference errors, entry analysis, cycles, orphans, terminal checks and
// finally per-node config problems in node order.
func Validate(w *Workflow) []Violation {
	if w == nil || len(w.Nodes) == 0 {
		return []Violation{{Kind: ViolationEmpty}}
	}

	var out []Violation

	// Index nodes, flagging duplicates. The first occurrence of an ID
	// takes part in the graph analysis below.
	nodes := make(map[string]*Node, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			out = append(out, Violation{
				Kind:   ViolationConfigInvalid,
				NodeID: n.ID,
				Field:  "id",
				Reason: "duplicate node id",
			})
			continue
		}
		nodes[n.ID] = n
	}

	// Edges must reference existing nodes. Broken edges are excluded from
	// the shape analysis so one bad reference does not cascade.
	var edges []Edge
	for _, e := range w.Edges {
		ok := true
		if _, exists := nodes[e.Source]; !exists {
			out = append(out, Violation{Kind: ViolationUnknownReference, EdgeID: e.ID, Endpoint: "source"})
			ok = false
		}
		if _, exists := nodes[e.Target]; !exists {
			out = append(out, Violation{Kind: ViolationUnknownReference, EdgeID: e.ID, Endpoint: "target"})
			ok = false
		}
		if ok {
			edges = append(edges, e)
		}
	}

	adj := make(map[string][]string, len(nodes))
	indeg := make(map[string]int, len(nodes))
	outdeg := make(map[string]int, len(nodes))
	for id := range nodes {
		indeg[id] = 0
	}
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		indeg[e.Target]++
		outdeg[e.Source]++
	}
	ids := sortedKeys(nodes)
	for _, id := range ids {
		sort.Strings(adj[id])
	}

	// Exactly one entry node.
	entries := lo.Filter(ids, func(id string, _ int) bool { return indeg[id] == 0 })
	switch {
	case len(entries) == 0:
		out = append(out, Violation{Kind: ViolationNoEntry})
	case len(entries) > 1:
		out = append(out, Violation{Kind: ViolationMultipleEntries, NodeIDs: entries})
	}

	out = append(out, findCycles(ids, adj)...)

	// Reachability only makes sense with an unambiguous entry.
	if len(entries) == 1 {
		reachable := bfs(entries[0], adj)
		for _, id := range ids {
			if !reachable[id] {
				out = append(out, Violation{Kind: ViolationOrphan, NodeID: id})
			}
		}
	}

	for _, id := range ids {
		if outdeg[id] == 0 && !nodes[id].Type.IsAction() {
			out = append(out, Violation{Kind: ViolationTerminalNotAction, NodeID: id})
		}
	}

	for _, n := range w.Nodes {
		if !n.Type.Known() {
			out = append(out, Violation{
				Kind:   ViolationConfigInvalid,
				NodeID: n.ID,
				Field:  "type",
				Reason: "unknown block type " + string(n.Type),
			})
			continue
		}
		out = checkConfig(n, out)
	}

	return out
}

// TopologicalOrder returns the node IDs of a valid workflow in dependency
// order using Kahn's algorithm. Whenever several nodes are ready at once
// the smallest ID is taken first, so the order is total and deterministic.
//
// Returns ErrWorkflowInvalid if the graph contains a cycle.
func TopologicalOrder(w *Workflow) ([]string, error) {
	indeg := make(map[string]int, len(w.Nodes))
	adj := make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range w.Edges {
		if _, ok := indeg[e.Source]; !ok {
			continue
		}
		if _, ok := indeg[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		indeg[e.Target]++
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indeg))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, child := range adj[id] {
			indeg[child]--
			if indeg[child] == 0 {
				ready = insertSorted(ready, child)
			}
		}
	}

	if len(order) != len(indeg) {
		return nil, ErrWorkflowInvalid
	}
	return order, nil
}

// findCycles walks the graph with an iterative depth-first search and
// reports one CYCLE violation per back edge target. Roots are visited in
// ascending ID order so the named node is stable across runs.
func findCycles(ids []string, adj map[string][]string) []Violation {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(ids))

	type frame struct {
		id   string
		next int
	}

	var out []Violation
	seen := make(map[string]bool)

	for _, root := range ids {
		if color[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := adj[top.id]
			if top.next < len(children) {
				child := children[top.next]
				top.next++
				switch color[child] {
				case white:
					color[child] = gray
					stack = append(stack, frame{id: child})
				case gray:
					// Back edge: child is on the current path.
					if !seen[child] {
						seen[child] = true
						out = append(out, Violation{Kind: ViolationCycle, NodeID: child})
					}
				}
				continue
			}
			color[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}
	return out
}

// bfs returns the set of nodes reachable from start.
func bfs(start string, adj map[string][]string) map[string]bool {
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range adj[id] {
			if !reachable[child] {
				reachable[child] = true
				queue = append(queue, child)
			}
		}
	}
	return reachable
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// insertSorted inserts id into an ascending-sorted slice, keeping it sorted.
func insertSorted(s []string, id string) []string {
	i := sort.SearchStrings(s, id)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = id
	return s
}
