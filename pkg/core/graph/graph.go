// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the computation graph: a directed acyclic graph of typed Nodes, each
// producing one or more shaped Outputs, consumed by the Inputs of other nodes.
//
// The graph is owned by an arena (Graph) that hands out stable NodeIDs. Nodes are built with the
// package functions (Add, Transpose, Split, NewLoop, ...), which infer the output shapes at
// construction. The passes rewrite the graph with the surgery methods (ReplaceOutput,
// ReplaceNode, SetInput), and a node left with no consumers by a rewrite is garbage collected
// right away, releasing its own inputs.
//
// Construction errors (a malformed binding table, mismatched shapes, arity mismatch on
// replacement) are programming errors and panic with an error, following the exceptions
// convention. Boundaries that return errors (passes.Manager.Run, execution) catch them with
// exceptions.TryCatch.
//
// A Graph is not safe for concurrent mutation.
package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/google/uuid"
)

// NodeID is the stable index of a node in its Graph.
type NodeID int

// InvalidNodeID is returned for nodes that don't belong to a graph.
const InvalidNodeID NodeID = -1

// Graph is the arena owning a set of nodes, with ordered parameters and results.
type Graph struct {
	name string
	id   uuid.UUID

	// nodes indexed by NodeID. Removed nodes are kept as tombstones (Node.removed).
	nodes      []*Node
	parameters []*Node
	results    []*Node

	// parent is the Loop/TensorIterator node owning this graph as its body, if any.
	parent *Node

	// version is bumped on every mutation.
	version uint64

	// Mutations of nodes with id < watermark increment touched, see Checkpoint.
	watermark NodeID
	touched   uint64
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{name: name, id: uuid.New()}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// ID is a unique identifier of the graph instance, used in dump file names and logs.
func (g *Graph) ID() uuid.UUID { return g.id }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, %d nodes)", g.name, g.NumLiveNodes())
}

// Parent returns the Loop/TensorIterator node that owns this graph as a body, or nil.
func (g *Graph) Parent() *Node { return g.parent }

// Version is increased on every mutation of the graph.
func (g *Graph) Version() uint64 { return g.version }

// Parameters returns the parameter nodes, in declaration order.
func (g *Graph) Parameters() []*Node { return g.parameters }

// Results returns the result nodes, in declaration order.
func (g *Graph) Results() []*Node { return g.results }

// Node returns the node with the given id, or nil if the id is out of range.
// Removed nodes are still returned; check Node.IsRemoved.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// NumNodes returns the size of the arena, including removed nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumLiveNodes returns the number of nodes not removed.
func (g *Graph) NumLiveNodes() int {
	count := 0
	for _, n := range g.nodes {
		if !n.removed {
			count++
		}
	}
	return count
}

// LiveNodes returns the nodes not removed, in id order.
func (g *Graph) LiveNodes() []*Node {
	live := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if !n.removed {
			live = append(live, n)
		}
	}
	return live
}

// SubGraphs returns the bodies of the live Loop/TensorIterator nodes, in id order.
func (g *Graph) SubGraphs() []*Graph {
	var bodies []*Graph
	for _, n := range g.nodes {
		if !n.removed && n.body != nil {
			bodies = append(bodies, n.body)
		}
	}
	return bodies
}

// touch records a mutation of n.
func (g *Graph) touch(n *Node) {
	g.version++
	if n != nil && n.id < g.watermark {
		g.touched++
	}
}

func (g *Graph) checkOwns(n *Node) {
	if n == nil {
		exceptions.Panicf("graph %q: nil node", g.name)
	}
	if n.graph != g {
		exceptions.Panicf("graph %q: node %s belongs to graph %q", g.name, n, n.graph.name)
	}
	if n.removed {
		exceptions.Panicf("graph %q: node %s was removed", g.name, n)
	}
}

// Checkpoint marks the current state of the graph for a transaction.
type Checkpoint struct {
	numNodes NodeID
	touched  uint64
}

// Checkpoint starts a transaction: nodes created afterwards can be discarded with Rollback, and
// TouchedSince reports whether any node that existed before was mutated.
// Only one checkpoint is tracked at a time.
func (g *Graph) Checkpoint() Checkpoint {
	g.watermark = NodeID(len(g.nodes))
	return Checkpoint{numNodes: g.watermark, touched: g.touched}
}

// TouchedSince returns whether nodes that existed at the checkpoint were mutated since then.
func (g *Graph) TouchedSince(cp Checkpoint) bool {
	return g.touched != cp.touched
}

// NewNodesSince returns the nodes created after the checkpoint that were not removed.
func (g *Graph) NewNodesSince(cp Checkpoint) []*Node {
	var created []*Node
	for _, n := range g.nodes[min(int(cp.numNodes), len(g.nodes)):] {
		if !n.removed {
			created = append(created, n)
		}
	}
	return created
}

// Rollback discards all nodes created after the checkpoint.
// Mutations of pre-existing nodes are not undone: callers must check TouchedSince first.
func (g *Graph) Rollback(cp Checkpoint) {
	for id := NodeID(len(g.nodes)) - 1; id >= cp.numNodes; id-- {
		n := g.nodes[id]
		if !n.removed {
			n.detachInputs()
			n.removed = true
		}
	}
	g.nodes = g.nodes[:cp.numNodes]
	g.parameters = dropCreatedAfter(g.parameters, cp.numNodes)
	g.results = dropCreatedAfter(g.results, cp.numNodes)
	g.watermark = 0
	g.version++
}

// CollectGarbageSince removes the nodes created after the checkpoint that ended up with no consumers.
func (g *Graph) CollectGarbageSince(cp Checkpoint) {
	for id := NodeID(len(g.nodes)) - 1; id >= cp.numNodes; id-- {
		g.collect(g.nodes[id])
	}
	g.watermark = 0
}

func dropCreatedAfter(nodes []*Node, limit NodeID) []*Node {
	kept := nodes[:0]
	for _, n := range nodes {
		if n.id < limit {
			kept = append(kept, n)
		}
	}
	return kept
}

// RemoveResult removes a result node from the graph.
func (g *Graph) RemoveResult(result *Node) {
	g.checkOwns(result)
	if result.opType != ops.OpTypeResult {
		exceptions.Panicf("RemoveResult(%s): node is not a Result", result)
	}
	idx := -1
	for i, r := range g.results {
		if r == result {
			idx = i
		}
	}
	g.results = append(g.results[:idx], g.results[idx+1:]...)
	g.touch(result)
	result.detachInputs()
	result.removed = true
}
