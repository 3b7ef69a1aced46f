// Package workflow implements a typed DAG of agents executed with
// frontier-level parallelism and per-node retry, timeout and fallback
// policies.
package workflow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/loopkit/loopkit/pkg/llm"
)

// NodeID identifies a node within a plan.
type NodeID string

// Agent is the unit of work a node runs.
type Agent[I, O any] func(ctx context.Context, input I) (O, error)

// Node is a type-erased plan node. Build one with NewNode; the concrete
// input and output types are retained for edge validation.
type Node interface {
	ID() NodeID
	inputType() reflect.Type
	outputType() reflect.Type
	invoke(ctx context.Context, input any) (any, error)
}

type node[I, O any] struct {
	id    NodeID
	agent Agent[I, O]
}

// NewNode wraps a typed agent as a plan node.
func NewNode[I, O any](id string, agent Agent[I, O]) Node {
	return &node[I, O]{id: NodeID(id), agent: agent}
}

func (n *node[I, O]) ID() NodeID { return n.id }

func (n *node[I, O]) inputType() reflect.Type {
	return reflect.TypeOf((*I)(nil)).Elem()
}

func (n *node[I, O]) outputType() reflect.Type {
	return reflect.TypeOf((*O)(nil)).Elem()
}

func (n *node[I, O]) invoke(ctx context.Context, input any) (any, error) {
	typed, ok := input.(I)
	if !ok {
		return nil, llm.NewValidationError(string(n.id),
			fmt.Sprintf("input type %T does not satisfy %s", input, n.inputType()))
	}
	return n.agent(ctx, typed)
}

// Edge is a dependency: To runs after From and receives From's output.
type Edge struct {
	From NodeID
	To   NodeID
}

// Plan is a validated DAG. Construct with NewPlan; a Plan is immutable and
// reusable across executions.
type Plan struct {
	nodes map[NodeID]Node
	order []NodeID
	preds map[NodeID]NodeID
	succs map[NodeID][]NodeID
}

// NewPlan validates nodes and edges: ids are unique, edges reference known
// nodes, the graph is acyclic, fan-in is at most one predecessor per node,
// and every edge's output type is assignable to its successor's input type.
// Multi-input merges require an explicit aggregator node.
func NewPlan(nodes []Node, edges []Edge) (*Plan, error) {
	p := &Plan{
		nodes: make(map[NodeID]Node, len(nodes)),
		preds: make(map[NodeID]NodeID),
		succs: make(map[NodeID][]NodeID),
	}
	for _, n := range nodes {
		if _, ok := p.nodes[n.ID()]; ok {
			return nil, llm.NewValidationError("plan", fmt.Sprintf("duplicate node id %q", n.ID()))
		}
		p.nodes[n.ID()] = n
		p.order = append(p.order, n.ID())
	}

	for _, e := range edges {
		from, ok := p.nodes[e.From]
		if !ok {
			return nil, llm.NewValidationError("plan", fmt.Sprintf("edge references unknown node %q", e.From))
		}
		to, ok := p.nodes[e.To]
		if !ok {
			return nil, llm.NewValidationError("plan", fmt.Sprintf("edge references unknown node %q", e.To))
		}
		if prev, ok := p.preds[e.To]; ok {
			return nil, llm.NewValidationError("plan",
				fmt.Sprintf("node %q has predecessors %q and %q; merges need an aggregator node", e.To, prev, e.From))
		}
		if !from.outputType().AssignableTo(to.inputType()) {
			return nil, llm.NewValidationError("plan",
				fmt.Sprintf("edge %q -> %q: output type %s is not assignable to input type %s",
					e.From, e.To, from.outputType(), to.inputType()))
		}
		p.preds[e.To] = e.From
		p.succs[e.From] = append(p.succs[e.From], e.To)
	}

	if err := p.checkAcyclic(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkAcyclic runs Kahn's algorithm over the edge set.
func (p *Plan) checkAcyclic() error {
	indegree := make(map[NodeID]int, len(p.nodes))
	for id := range p.nodes {
		indegree[id] = 0
	}
	for to := range p.preds {
		indegree[to]++
	}

	queue := make([]NodeID, 0, len(p.nodes))
	for _, id := range p.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range p.succs[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited != len(p.nodes) {
		return llm.NewValidationError("plan", "graph contains a cycle")
	}
	return nil
}

// Roots returns the nodes with no predecessor, in declaration order.
func (p *Plan) Roots() []NodeID {
	var roots []NodeID
	for _, id := range p.order {
		if _, ok := p.preds[id]; !ok {
			roots = append(roots, id)
		}
	}
	return roots
}

// Size returns the number of nodes.
func (p *Plan) Size() int {
	return len(p.nodes)
}
