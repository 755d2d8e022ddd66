package taskflow

import (
	"context"
	"fmt"
)

// EdgeDepth names how far a decider rejection cascades. GraphFlow.Run does
// not read it, so DepthDefault and DepthFlow behave the same: a rejected
// edge skips its target and every node downstream of that target, and
// sibling branches elsewhere in the graph still run — the
// healthcheck-with-reallocation graph relies on this to keep a skipped
// reallocation branch from affecting unrelated work.
type EdgeDepth int

const (
	DepthDefault EdgeDepth = iota
	DepthFlow
)

// Decider gates whether an edge's target node runs. It may read prior
// results out of the Runtime.
type Decider func(ctx context.Context, rt *Runtime) bool

// Edge connects two named nodes in a GraphFlow.
type Edge struct {
	From    string
	To      string
	Decider Decider
	Depth   EdgeDepth
}

// GraphFlow executes nodes in topological order, honoring explicit edges:
// a node runs only after all of its predecessors have run, and a decider
// on an incoming edge can suppress the target node (and, depending on
// Depth, its descendants).
type GraphFlow struct {
	name  string
	nodes map[string]Node
	order []string // insertion order, for deterministic AddNode iteration
	edges []Edge
}

// NewGraphFlow builds an empty GraphFlow.
func NewGraphFlow(name string) *GraphFlow {
	return &GraphFlow{name: name, nodes: make(map[string]Node)}
}

func (g *GraphFlow) Name() string { return g.name }

// AddNode registers a node under its own Name(). Panics on duplicate
// names, which indicates a Flow Builder bug rather than a runtime
// condition.
func (g *GraphFlow) AddNode(n Node) *GraphFlow {
	if _, exists := g.nodes[n.Name()]; exists {
		panic(fmt.Sprintf("taskflow: duplicate node name %q in graph %q", n.Name(), g.name))
	}
	g.nodes[n.Name()] = n
	g.order = append(g.order, n.Name())
	return g
}

// AddEdge declares that To depends on From, optionally gated by a
// decider.
func (g *GraphFlow) AddEdge(from, to string, decider Decider, depth EdgeDepth) *GraphFlow {
	g.edges = append(g.edges, Edge{From: from, To: to, Decider: decider, Depth: depth})
	return g
}

// topoOrder runs Kahn's algorithm over the declared edges; a leftover
// node with nonzero in-degree means a cycle.
func (g *GraphFlow) topoOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	successors := make(map[string][]string)
	for name := range g.nodes {
		inDegree[name] = 0
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("graph %s: edge references unknown node %q", g.name, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("graph %s: edge references unknown node %q", g.name, e.To)
		}
		inDegree[e.To]++
		successors[e.From] = append(successors[e.From], e.To)
	}

	var queue []string
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, succ := range successors[cur] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("graph %s: contains a cycle", g.name)
	}
	return order, nil
}

func (g *GraphFlow) edgesTo(name string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.To == name {
			out = append(out, e)
		}
	}
	return out
}

func (g *GraphFlow) Run(ctx context.Context, rt *Runtime) error {
	order, err := g.topoOrder()
	if err != nil {
		return err
	}

	skipped := make(map[string]bool, len(order))

	for _, name := range order {
		preds := g.edgesTo(name)

		if len(preds) > 0 {
			anyPredSkipped := false
			anyDeciderRejected := false
			for _, e := range preds {
				if skipped[e.From] {
					anyPredSkipped = true
					continue
				}
				if e.Decider != nil && !e.Decider(ctx, rt) {
					anyDeciderRejected = true
				}
			}
			if anyPredSkipped || anyDeciderRejected {
				skipped[name] = true
				continue
			}
		}

		n := g.nodes[name]
		if err := n.Run(ctx, rt); err != nil {
			return fmt.Errorf("graph flow %s: node %s: %w", g.name, name, err)
		}
	}
	return nil
}
