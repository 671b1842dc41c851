// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/emirpasic/gods/v2/stacks/arraystack"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/pkg/errors"
)

// dfsFrame is a node being visited and the next input to visit.
type dfsFrame struct {
	node      *Node
	nextInput int
}

// TopologicalOrder returns the live nodes such that every node comes after its producers.
//
// The order is deterministic: parameters first, in declaration order, then a depth-first
// post-order starting from the results in declaration order (inputs visited by slot), and
// finally the live nodes not reachable from any result, by id.
//
// It panics if the graph has a cycle.
func (g *Graph) TopologicalOrder() []*Node {
	order, err := g.topologicalOrder()
	if err != nil {
		panic(err)
	}
	return order
}

const (
	unvisited = iota
	visiting
	visited
)

func (g *Graph) topologicalOrder() ([]*Node, error) {
	state := make([]int8, len(g.nodes))
	order := make([]*Node, 0, len(g.nodes))
	for _, p := range g.parameters {
		state[p.id] = visited
		order = append(order, p)
	}
	stack := arraystack.New[dfsFrame]()
	visit := func(root *Node) error {
		if state[root.id] != unvisited {
			return nil
		}
		state[root.id] = visiting
		stack.Push(dfsFrame{node: root})
		for !stack.Empty() {
			frame, _ := stack.Pop()
			if frame.nextInput == len(frame.node.inputs) {
				state[frame.node.id] = visited
				order = append(order, frame.node)
				continue
			}
			input := frame.node.inputs[frame.nextInput].Node
			frame.nextInput++
			stack.Push(frame)
			switch state[input.id] {
			case visiting:
				return errors.Errorf("graph %q has a cycle through %s", g.name, input)
			case unvisited:
				state[input.id] = visiting
				stack.Push(dfsFrame{node: input})
			}
		}
		return nil
	}
	for _, r := range g.results {
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	for _, n := range g.nodes {
		if n.removed {
			continue
		}
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Validate checks the consistency of the graph and of its sub-graphs: the graph is acyclic, the
// consumer lists match the inputs, no live node refers to a removed one, and every output shape
// is what shape inference computes from the node's inputs.
//
// The returned error names the offending node.
func (g *Graph) Validate() error {
	var validateErr error
	if err := exceptions.TryCatch[error](func() { validateErr = g.validate() }); err != nil {
		return err
	}
	return validateErr
}

func (g *Graph) validate() error {
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	for _, n := range order {
		for slot, in := range n.inputs {
			if in.Node.removed {
				return errors.Errorf("graph %q: node %s input #%d refers to removed node %s", g.name, n, slot, in.Node)
			}
			if in.Node.graph != g {
				return errors.Errorf("graph %q: node %s input #%d refers to node %s of graph %q", g.name, n, slot, in.Node, in.Node.graph.name)
			}
			found := false
			for _, c := range in.Node.outputs[in.Index].consumers {
				if c.Node == n && c.Slot == slot {
					found = true
					break
				}
			}
			if !found {
				return errors.Errorf("graph %q: node %s is not registered as consumer of %s", g.name, n, in)
			}
		}
		for outIdx, out := range n.outputs {
			for _, c := range out.consumers {
				if c.Node.removed || c.Slot >= len(c.Node.inputs) || c.Node.inputs[c.Slot] != (Output{Node: n, Index: outIdx}) {
					return errors.Errorf("graph %q: node %s has stale consumer %s (slot %d)", g.name, n, c.Node, c.Slot)
				}
			}
		}
		if n.opType == ops.OpTypeParameter {
			continue
		}
		inferred, err := n.inferShapes()
		if err != nil {
			return errors.WithMessagef(err, "graph %q: node %s", g.name, n)
		}
		if len(inferred) != len(n.outputs) {
			return errors.Errorf("graph %q: node %s has %d outputs, shape inference returned %d", g.name, n, len(n.outputs), len(inferred))
		}
		for i, s := range inferred {
			if !s.Equal(n.outputs[i].shape) {
				return errors.Errorf("graph %q: node %s output #%d has shape %s, inferred %s", g.name, n, i, n.outputs[i].shape, s)
			}
		}
	}
	return nil
}

// Walk calls fn for every live node of g in topological order, descending into the body of each
// Loop/TensorIterator node right after visiting it. Returning false stops the walk.
func (g *Graph) Walk(fn func(n *Node) bool) bool {
	for _, n := range g.TopologicalOrder() {
		if n.removed {
			// Removed by fn while walking.
			continue
		}
		if !fn(n) {
			return false
		}
		if n.body != nil && !n.body.Walk(fn) {
			return false
		}
	}
	return true
}
