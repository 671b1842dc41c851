// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapeinference"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/support/sets"
	"github.com/pkg/errors"
)

// ReplaceOutput moves all consumers of old to replacement.
//
// Consumers that belong to replacement's own node are kept on old, so a node inserted after old
// (e.g. a Convert of old) can take its place without creating a cycle.
// If old's node is left without consumers, it is removed from the graph, together with any
// producer left without consumers.
func ReplaceOutput(old, replacement Output) {
	g := old.Graph()
	g.checkOwns(old.Node)
	g.checkOwns(replacement.Node)
	if old == replacement {
		return
	}
	g.touch(old.Node)
	var moved []*Node
	for _, consumer := range old.Consumers() {
		if consumer.Node == replacement.Node {
			continue
		}
		g.touch(consumer.Node)
		old.Node.removeConsumer(old.Index, consumer)
		consumer.Node.inputs[consumer.Slot] = replacement
		replacement.Node.addConsumer(replacement.Index, consumer)
		moved = append(moved, consumer.Node)
	}
	g.collect(old.Node)
	g.propagateFrom(moved...)
}

// ReplaceOutputUpdateName replaces old by replacement, and if old is an output of the graph (it
// feeds a Result), the friendly name of old's node is moved to replacement's node, so the graph
// outputs keep their names.
//
// It returns false, without changing anything, if the name cannot be transferred because
// replacement is a Parameter: parameters keep their own names.
func ReplaceOutputUpdateName(old, replacement Output) bool {
	feedsResult := false
	for _, c := range old.Consumers() {
		if c.Node.opType == ops.OpTypeResult {
			feedsResult = true
			break
		}
	}
	if feedsResult {
		if replacement.Node.opType == ops.OpTypeParameter {
			return false
		}
		replacement.Node.SetName(old.Node.Name())
		CopyRuntimeInfo([]*Node{old.Node}, replacement.Node)
	}
	ReplaceOutput(old, replacement)
	return true
}

// ReplaceNode replaces every output of old by the corresponding output of replacement.
// It panics if they have a different number of outputs.
func ReplaceNode(old, replacement *Node) {
	if old.NumOutputs() != replacement.NumOutputs() {
		exceptions.Panicf("ReplaceNode(%s, %s): number of outputs differ (%d != %d)",
			old, replacement, old.NumOutputs(), replacement.NumOutputs())
	}
	// ReplaceOutput may collect old once its last output is replaced.
	for i := range old.NumOutputs() {
		ReplaceOutput(old.Output(i), replacement.Output(i))
	}
}

// SetInput changes the value feeding the given input slot of consumer, and re-infers shapes
// downstream. The previous producer is removed if left without consumers.
func SetInput(consumer *Node, slot int, value Output) {
	g := consumer.graph
	g.checkOwns(consumer)
	g.checkOwns(value.Node)
	if slot < 0 || slot >= len(consumer.inputs) {
		exceptions.Panicf("SetInput(%s, %d): slot out of range", consumer, slot)
	}
	previous := consumer.inputs[slot]
	if previous == value {
		return
	}
	g.touch(consumer)
	g.touch(previous.Node)
	previous.Node.removeConsumer(previous.Index, Input{Node: consumer, Slot: slot})
	consumer.inputs[slot] = value
	value.Node.addConsumer(value.Index, Input{Node: consumer, Slot: slot})
	g.collect(previous.Node)
	g.propagateFrom(consumer)
}

// SetParameterShape changes the shape of a Parameter node and re-infers shapes downstream.
func SetParameterShape(param *Node, shape shapes.Shape) {
	if param.opType != ops.OpTypeParameter {
		exceptions.Panicf("SetParameterShape(%s): not a Parameter", param)
	}
	param.graph.checkOwns(param)
	if param.outputs[0].shape.Identical(shape) {
		return
	}
	param.graph.touch(param)
	param.outputs[0].shape = shape.Clone()
	var consumers []*Node
	for _, c := range param.outputs[0].consumers {
		consumers = append(consumers, c.Node)
	}
	param.graph.propagateFrom(consumers...)
}

// collect removes n if it has no consumers left, and recursively its producers.
// Parameters and Results are never collected.
func (g *Graph) collect(n *Node) {
	if n.removed || n.NumConsumers() > 0 || n.opType == ops.OpTypeParameter || n.opType == ops.OpTypeResult {
		return
	}
	g.touch(n)
	n.removed = true
	inputs := n.inputs
	n.detachInputs()
	for _, in := range inputs {
		g.collect(in.Node)
	}
}

// RemoveNode removes a node that has no consumers (and recursively its unused producers).
func RemoveNode(n *Node) {
	if n.NumConsumers() > 0 {
		exceptions.Panicf("RemoveNode(%s): node still has %d consumers", n, n.NumConsumers())
	}
	n.graph.collect(n)
}

// inferShapes computes the output shapes of n from its current inputs.
func (n *Node) inferShapes() ([]shapes.Shape, error) {
	switch n.opType {
	case ops.OpTypeParameter:
		return []shapes.Shape{n.outputs[0].shape}, nil
	case ops.OpTypeConstant:
		return []shapes.Shape{n.value.Shape()}, nil
	case ops.OpTypeLoop, ops.OpTypeTensorIterator:
		return inferLoopShapes(n)
	}
	return shapeinference.Infer(n.opType, n.attrs, n.graph.inferenceInputs(n.inputs))
}

// reinfer recomputes the shapes of n. It returns whether any output shape changed.
func (n *Node) reinfer() (bool, error) {
	outputShapes, err := n.inferShapes()
	if err != nil {
		return false, errors.WithMessagef(err, "node %s", n)
	}
	if len(outputShapes) != len(n.outputs) {
		return false, errors.Errorf("node %s: inferred %d outputs, node has %d", n, len(outputShapes), len(n.outputs))
	}
	changed := false
	for i, s := range outputShapes {
		if !n.outputs[i].shape.Identical(s) {
			changed = true
			n.outputs[i].shape = s
		}
	}
	if changed {
		n.graph.touch(n)
	}
	return changed, nil
}

// propagateFrom re-infers the given nodes and, transitively, the consumers of those whose shapes
// or shape values changed. Nodes are re-inferred in topological order, so a node is only re-inferred after all of
// its affected producers.
// It panics if a shape can no longer be inferred, since that means the graph was left inconsistent.
func (g *Graph) propagateFrom(nodes ...*Node) {
	if len(nodes) == 0 {
		return
	}
	// Collect the nodes downstream of the seeds.
	downstream := sets.Make[*Node]()
	pending := slices.Clone(nodes)
	for len(pending) > 0 {
		n := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if n.removed || downstream.Has(n) {
			continue
		}
		downstream.Insert(n)
		for _, out := range n.outputs {
			for _, c := range out.consumers {
				pending = append(pending, c.Node)
			}
		}
	}

	// Post-order over the inputs within downstream gives a topological order.
	var order []*Node
	visited := sets.Make[*Node](len(downstream))
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited.Has(n) || !downstream.Has(n) {
			return
		}
		visited.Insert(n)
		for _, in := range n.inputs {
			visit(in.Node)
		}
		order = append(order, n)
	}
	for _, n := range nodes {
		visit(n)
	}
	for n := range downstream {
		visit(n)
	}

	seeds := sets.MakeWith(nodes...)
	changedNodes := sets.Make[*Node]()
	for _, n := range order {
		needed := seeds.Has(n)
		for _, in := range n.inputs {
			if changedNodes.Has(in.Node) {
				needed = true
				break
			}
		}
		if !needed {
			continue
		}
		changed, err := n.reinfer()
		if err != nil {
			panic(err)
		}
		if changed || carriesShapeValue(n) {
			changedNodes.Insert(n)
		}
	}
}

// carriesShapeValue returns whether a re-inferred node may have changed the compile-time value of
// one of its outputs (see ConstantValue) while keeping its shape. E.g. ShapeOf keeps its shape
// [rank] when its input changes, but the consumers reading its value (Broadcast, Reshape) must be
// re-inferred too.
func carriesShapeValue(n *Node) bool {
	if n.opType == ops.OpTypeConstant {
		return false
	}
	for _, out := range n.outputs {
		s := out.shape
		if s.DType.IsInt() && s.IsStatic() && s.Rank() <= 1 && s.Size() <= maxShapeValueSize {
			return true
		}
	}
	return false
}

// Prune removes every node that doesn't contribute to a Result. Parameters are kept.
// It returns the number of nodes removed.
func (g *Graph) Prune() int {
	live := g.reachableFromResults()
	removed := 0
	for id := len(g.nodes) - 1; id >= 0; id-- {
		n := g.nodes[id]
		if n.removed || live.Has(n) || n.opType == ops.OpTypeParameter {
			continue
		}
		g.touch(n)
		n.detachInputs()
		n.removed = true
		removed++
	}
	return removed
}

// IsScalarBoolTrue returns whether out is a constant boolean true (any shape with a single element).
func IsScalarBoolTrue(out Output) bool {
	t, ok := ConstantValue(out)
	if !ok || t.DType() != dtypes.Bool || t.Size() != 1 {
		return false
	}
	return t.Flat().([]bool)[0]
}
