package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

var ErrCyclicGraph = errors.New("graph contains a cycle")

// CyclicGraphError names the nodes that could not be ordered.
type CyclicGraphError struct {
	Nodes []string
}

func (e *CyclicGraphError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Nodes) == 0 {
		return ErrCyclicGraph.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCyclicGraph.Error(), strings.Join(e.Nodes, ", "))
}

func (e *CyclicGraphError) Unwrap() error { return ErrCyclicGraph }

// Plan is a validated graph with its execution order. It is read-only once
// built.
type Plan struct {
	Nodes    []domain.Node
	Edges    []domain.Edge
	Order    []string
	NodeByID map[string]domain.Node

	incoming map[string][]domain.Edge
	outgoing map[string][]string
}

// Compile validates nodes and edges and orders them with Kahn's algorithm.
// The ready queue is FIFO and seeded with zero in-degree nodes in input order,
// so the same input always yields the same order.
func Compile(g domain.Graph) (*Plan, error) {
	if len(g.Nodes) == 0 {
		return nil, domain.Invalidf("graph_empty", "graph requires at least one node")
	}

	p := &Plan{
		Nodes:    make([]domain.Node, 0, len(g.Nodes)),
		Edges:    make([]domain.Edge, 0, len(g.Edges)),
		NodeByID: make(map[string]domain.Node, len(g.Nodes)),
		incoming: map[string][]domain.Edge{},
		outgoing: map[string][]string{},
	}

	for _, raw := range g.Nodes {
		node := raw
		node.ID = strings.TrimSpace(node.ID)
		node.Type = strings.ToLower(strings.TrimSpace(node.Type))
		if node.ID == "" {
			return nil, domain.Invalidf("node_id_required", "graph node id is required")
		}
		if _, exists := p.NodeByID[node.ID]; exists {
			return nil, domain.Invalidf("node_id_duplicated", "graph node id duplicated: %s", node.ID)
		}
		if node.Type == "" {
			return nil, domain.Invalidf("node_type_required", "graph node %s requires a type", node.ID)
		}
		p.NodeByID[node.ID] = node
		p.Nodes = append(p.Nodes, node)
	}

	inDegree := make(map[string]int, len(p.Nodes))
	for _, raw := range g.Edges {
		edge := raw
		edge.From.Node = strings.TrimSpace(edge.From.Node)
		edge.To.Node = strings.TrimSpace(edge.To.Node)
		if edge.From.Node == "" || edge.To.Node == "" {
			return nil, domain.Invalidf("edge_invalid", "graph edge %s requires source and target", edge.ID)
		}
		if edge.From.Node == edge.To.Node {
			return nil, domain.Invalidf("edge_invalid", "graph edge cannot link node %s to itself", edge.From.Node)
		}
		if _, ok := p.NodeByID[edge.From.Node]; !ok {
			return nil, domain.Invalidf("edge_invalid", "graph edge source not found: %s", edge.From.Node)
		}
		if _, ok := p.NodeByID[edge.To.Node]; !ok {
			return nil, domain.Invalidf("edge_invalid", "graph edge target not found: %s", edge.To.Node)
		}
		inDegree[edge.To.Node]++
		p.outgoing[edge.From.Node] = append(p.outgoing[edge.From.Node], edge.To.Node)
		p.incoming[edge.To.Node] = append(p.incoming[edge.To.Node], edge)
		p.Edges = append(p.Edges, edge)
	}

	ready := make([]string, 0, len(p.Nodes))
	for _, node := range p.Nodes {
		if inDegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	order := make([]string, 0, len(p.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, to := range p.outgoing[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	if len(order) != len(p.Nodes) {
		emitted := make(map[string]bool, len(order))
		for _, id := range order {
			emitted[id] = true
		}
		stuck := make([]string, 0, len(p.Nodes)-len(order))
		for _, node := range p.Nodes {
			if !emitted[node.ID] {
				stuck = append(stuck, node.ID)
			}
		}
		return nil, &CyclicGraphError{Nodes: stuck}
	}
	p.Order = order
	return p, nil
}

// EntryNodes returns nodes without incoming edges, in input order.
func (p *Plan) EntryNodes() []string {
	out := make([]string, 0, 1)
	for _, node := range p.Nodes {
		if len(p.incoming[node.ID]) == 0 {
			out = append(out, node.ID)
		}
	}
	return out
}

// Upstream returns the edges feeding nodeID, in edge input order.
func (p *Plan) Upstream(nodeID string) []domain.Edge {
	return p.incoming[nodeID]
}

// Reachable returns entryID and every node downstream of it, in plan order.
func (p *Plan) Reachable(entryID string) []string {
	if _, ok := p.NodeByID[entryID]; !ok {
		return nil
	}
	seen := map[string]bool{entryID: true}
	stack := []string{entryID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, to := range p.outgoing[id] {
			if !seen[to] {
				seen[to] = true
				stack = append(stack, to)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, id := range p.Order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Graph returns the normalized graph the plan was compiled from.
func (p *Plan) Graph() domain.Graph {
	return domain.Graph{Nodes: p.Nodes, Edges: p.Edges}
}
