package workflow

import (
	"errors"
	"testing"
)

func linear(ids ...string) Definition {
	def := Definition{ID: "wf", Name: "wf"}
	for i, id := range ids {
		typ := NodeTool
		if i == 0 {
			typ = NodeInput
		}
		if i == len(ids)-1 {
			typ = NodeOutput
		}
		def.Nodes = append(def.Nodes, Node{ID: id, Type: typ})
		if i > 0 {
			def.Edges = append(def.Edges, Edge{Source: ids[i-1], Target: id})
		}
	}
	return def
}

func TestCompileLinearGraph(t *testing.T) {
	g, err := Compile(linear("a", "b", "c"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if g.Entry != "a" {
		t.Fatalf("entry %s, want a", g.Entry)
	}
	if succ := g.Successors("a"); len(succ) != 1 || succ[0] != "b" {
		t.Fatalf("successors of a: %v", succ)
	}
	if succ := g.Successors("c"); len(succ) != 0 {
		t.Fatalf("successors of c: %v", succ)
	}
}

func TestCompileEmptyDefinition(t *testing.T) {
	_, err := Compile(Definition{ID: "wf"})
	var gv *GraphValidationError
	if !errors.As(err, &gv) {
		t.Fatalf("got %v, want GraphValidationError", err)
	}
}

func TestCompileDanglingEdge(t *testing.T) {
	def := Definition{
		ID:    "wf",
		Nodes: []Node{{ID: "a", Type: NodeInput}},
		Edges: []Edge{{Source: "a", Target: "ghost"}},
	}
	_, err := Compile(def)
	var gv *GraphValidationError
	if !errors.As(err, &gv) {
		t.Fatalf("got %v, want GraphValidationError", err)
	}
	if gv.Edge == nil || gv.Edge.Target != "ghost" {
		t.Fatalf("error does not name the offending edge: %+v", gv)
	}
}

func TestCompileCycle(t *testing.T) {
	def := Definition{
		ID: "wf",
		Nodes: []Node{
			{ID: "start", Type: NodeInput},
			{ID: "a", Type: NodeTool},
			{ID: "b", Type: NodeTool},
		},
		Edges: []Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	_, err := Compile(def)
	var gv *GraphValidationError
	if !errors.As(err, &gv) {
		t.Fatalf("got %v, want GraphValidationError", err)
	}
	if gv.NodeID == "" {
		t.Fatalf("cycle error does not name a node: %+v", gv)
	}
}

func TestCompileNoEntryPoint(t *testing.T) {
	def := Definition{
		ID: "wf",
		Nodes: []Node{
			{ID: "a", Type: NodeTool},
			{ID: "b", Type: NodeTool},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	_, err := Compile(def)
	var ne *NoEntryPointError
	if !errors.As(err, &ne) {
		t.Fatalf("got %v, want NoEntryPointError", err)
	}
	if ne.WorkflowID != "wf" {
		t.Fatalf("error names workflow %q, want wf", ne.WorkflowID)
	}
}

func TestCompileDuplicateNodeID(t *testing.T) {
	def := Definition{
		ID: "wf",
		Nodes: []Node{
			{ID: "a", Type: NodeInput},
			{ID: "a", Type: NodeOutput},
		},
	}
	_, err := Compile(def)
	var gv *GraphValidationError
	if !errors.As(err, &gv) {
		t.Fatalf("got %v, want GraphValidationError", err)
	}
	if gv.NodeID != "a" {
		t.Fatalf("error names node %q, want a", gv.NodeID)
	}
}

func TestCompileUnknownNodeType(t *testing.T) {
	def := Definition{
		ID:    "wf",
		Nodes: []Node{{ID: "a", Type: "teleport"}},
	}
	_, err := Compile(def)
	var gv *GraphValidationError
	if !errors.As(err, &gv) {
		t.Fatalf("got %v, want GraphValidationError", err)
	}
}

func TestCompileEntryIsFirstDefinedRootNode(t *testing.T) {
	def := Definition{
		ID: "wf",
		Nodes: []Node{
			{ID: "second-root", Type: NodeInput},
			{ID: "first-root", Type: NodeInput},
			{ID: "sink", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "second-root", Target: "sink"},
			{Source: "first-root", Target: "sink"},
		},
	}
	g, err := Compile(def)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if g.Entry != "second-root" {
		t.Fatalf("entry %s, want the first node in definition order", g.Entry)
	}
}
