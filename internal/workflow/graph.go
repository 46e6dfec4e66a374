// Package workflow compiles workflow definitions into executable DAGs
// and runs them with per-node checkpointing.
package workflow

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies what a node does when executed.
type NodeType string

const (
	NodeInput     NodeType = "input"
	NodeAgent     NodeType = "agent"
	NodeCondition NodeType = "condition"
	NodeTool      NodeType = "tool"
	NodeOutput    NodeType = "output"
)

// Node is one step of a workflow definition.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge directs execution from Source to Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Definition is a workflow as submitted by a caller.
type Definition struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// GraphValidationError names the node or edge that makes a definition
// unexecutable.
type GraphValidationError struct {
	Reason string
	NodeID string
	Edge   *Edge
}

func (e *GraphValidationError) Error() string {
	switch {
	case e.Edge != nil:
		return fmt.Sprintf("invalid workflow graph: %s (edge %s → %s)", e.Reason, e.Edge.Source, e.Edge.Target)
	case e.NodeID != "":
		return fmt.Sprintf("invalid workflow graph: %s (node %s)", e.Reason, e.NodeID)
	}
	return fmt.Sprintf("invalid workflow graph: %s", e.Reason)
}

// NoEntryPointError reports a definition where every node has an
// incoming edge.
type NoEntryPointError struct {
	WorkflowID string
}

func (e *NoEntryPointError) Error() string {
	return fmt.Sprintf("workflow %s has no entry point", e.WorkflowID)
}

// CompiledGraph is an immutable, validated form of a definition ready
// for execution.
type CompiledGraph struct {
	Definition Definition
	Entry      string
	nodes      map[string]Node
	successors map[string][]string
}

// Node looks up a node by id.
func (g *CompiledGraph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Successors returns the targets of a node's outgoing edges in
// definition order.
func (g *CompiledGraph) Successors(id string) []string {
	return g.successors[id]
}

// Compile validates a definition and returns its executable form.
// Every edge must reference declared nodes, the graph must be acyclic,
// and exactly the first node without incoming edges becomes the entry.
func Compile(def Definition) (*CompiledGraph, error) {
	if len(def.Nodes) == 0 {
		return nil, &GraphValidationError{Reason: "workflow has no nodes"}
	}

	nodes := make(map[string]Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, &GraphValidationError{Reason: "node id is empty"}
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, &GraphValidationError{Reason: "duplicate node id", NodeID: n.ID}
		}
		switch n.Type {
		case NodeInput, NodeAgent, NodeCondition, NodeTool, NodeOutput:
		default:
			return nil, &GraphValidationError{Reason: fmt.Sprintf("unknown node type %q", n.Type), NodeID: n.ID}
		}
		nodes[n.ID] = n
	}

	successors := make(map[string][]string)
	indegree := make(map[string]int, len(nodes))
	for _, e := range def.Edges {
		e := e
		if _, ok := nodes[e.Source]; !ok {
			return nil, &GraphValidationError{Reason: "edge source is not a declared node", Edge: &e}
		}
		if _, ok := nodes[e.Target]; !ok {
			return nil, &GraphValidationError{Reason: "edge target is not a declared node", Edge: &e}
		}
		successors[e.Source] = append(successors[e.Source], e.Target)
		indegree[e.Target]++
	}

	entry := ""
	for _, n := range def.Nodes {
		if indegree[n.ID] == 0 {
			entry = n.ID
			break
		}
	}
	if entry == "" {
		return nil, &NoEntryPointError{WorkflowID: def.ID}
	}

	// Kahn's algorithm; anything left unprocessed sits on a cycle.
	queue := make([]string, 0, len(nodes))
	remaining := make(map[string]int, len(nodes))
	for _, n := range def.Nodes {
		remaining[n.ID] = indegree[n.ID]
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range successors[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(nodes) {
		for _, n := range def.Nodes {
			if remaining[n.ID] > 0 {
				return nil, &GraphValidationError{Reason: "workflow contains a cycle", NodeID: n.ID}
			}
		}
	}

	return &CompiledGraph{
		Definition: def,
		Entry:      entry,
		nodes:      nodes,
		successors: successors,
	}, nil
}
