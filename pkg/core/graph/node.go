// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
)

// Node is one operation in the graph.
type Node struct {
	graph  *Graph
	id     NodeID
	opType ops.OpType
	inputs []Output

	// outputs has a fixed length, set at construction.
	outputs []outputData

	attrs  any
	name   string
	rtInfo RTInfo

	// value of Constant nodes.
	value *tensors.Tensor

	// body of Loop/TensorIterator nodes.
	body *Graph

	removed bool
}

type outputData struct {
	shape     shapes.Shape
	consumers []Input
}

// Output is a value: output Index of Node.
type Output struct {
	Node  *Node
	Index int
}

// Input is a consumer edge: input Slot of Node.
type Input struct {
	Node *Node
	Slot int
}

// RTInfo holds runtime information attached to a node: provenance and backend hints.
type RTInfo map[string]any

const (
	// RTInfoFusedNames holds a []string with the names of the original nodes a node was derived from.
	RTInfoFusedNames = "fused_names"

	// RTInfoPreferredLayout holds a shapes.Layout requested for the node by the frontend or a pass.
	RTInfoPreferredLayout = "preferred_layout"
)

// ID of the node in its graph.
func (n *Node) ID() NodeID {
	if n == nil {
		return InvalidNodeID
	}
	return n.id
}

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// Type returns the operation kind.
func (n *Node) Type() ops.OpType { return n.opType }

// IsRemoved returns whether the node was removed from the graph.
func (n *Node) IsRemoved() bool { return n.removed }

// Name returns the friendly name of the node. If not set, a name is derived from the kind and id.
func (n *Node) Name() string {
	if n.name != "" {
		return n.name
	}
	if n.opType == ops.OpTypeCustom {
		if a, ok := n.attrs.(ops.CustomAttrs); ok {
			return fmt.Sprintf("%s_%d", a.Kind, n.id)
		}
	}
	return fmt.Sprintf("%s_%d", n.opType, n.id)
}

// HasName returns whether a friendly name was explicitly set.
func (n *Node) HasName() bool { return n.name != "" }

// SetName sets the friendly name of the node.
func (n *Node) SetName(name string) {
	n.graph.touch(n)
	n.name = name
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d(%q)", n.opType, n.id, n.Name())
}

// Attrs returns the attributes of the node, see the types in package ops, and LoopAttrs.
func (n *Node) Attrs() any { return n.attrs }

// SetAttrs replaces the attributes and re-infers the node's shapes.
func (n *Node) SetAttrs(attrs any) {
	n.graph.touch(n)
	n.attrs = attrs
	n.graph.propagateFrom(n)
}

// NumInputs returns the number of inputs.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the value feeding the given input slot.
func (n *Node) Input(slot int) Output { return n.inputs[slot] }

// Inputs returns a copy of the values feeding the node.
func (n *Node) Inputs() []Output { return slices.Clone(n.inputs) }

// NumOutputs returns the number of outputs.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns the given output value of the node.
func (n *Node) Output(i int) Output {
	if i < 0 || i >= len(n.outputs) {
		exceptions.Panicf("%s has %d outputs, output #%d requested", n, len(n.outputs), i)
	}
	return Output{Node: n, Index: i}
}

// Outputs returns all output values of the node.
func (n *Node) Outputs() []Output {
	outs := make([]Output, len(n.outputs))
	for i := range outs {
		outs[i] = Output{Node: n, Index: i}
	}
	return outs
}

// Shape of the first output. Convenient for single-output nodes.
func (n *Node) Shape() shapes.Shape { return n.outputs[0].shape }

// Value returns the tensor of a Constant node, or nil.
func (n *Node) Value() *tensors.Tensor { return n.value }

// Body returns the body graph of a Loop/TensorIterator node, or nil.
func (n *Node) Body() *Graph { return n.body }

// LoopAttrs returns the binding tables of a Loop/TensorIterator node, or nil.
func (n *Node) LoopAttrs() *LoopAttrs {
	attrs, _ := n.attrs.(*LoopAttrs)
	return attrs
}

// ParameterIndex returns the position of a Parameter node in the graph's parameters, or -1.
func (n *Node) ParameterIndex() int {
	return slices.Index(n.graph.parameters, n)
}

// ResultIndex returns the position of a Result node in the graph's results, or -1.
func (n *Node) ResultIndex() int {
	return slices.Index(n.graph.results, n)
}

// NumConsumers returns the total number of consumers of all outputs.
func (n *Node) NumConsumers() int {
	count := 0
	for _, out := range n.outputs {
		count += len(out.consumers)
	}
	return count
}

// RTInfo returns the runtime information of the node. It must not be modified, use SetRTInfo.
func (n *Node) RTInfo() RTInfo { return n.rtInfo }

// SetRTInfo sets one runtime information entry.
func (n *Node) SetRTInfo(key string, value any) {
	n.graph.touch(n)
	if n.rtInfo == nil {
		n.rtInfo = make(RTInfo)
	}
	n.rtInfo[key] = value
}

// FusedNames returns the provenance names of the node. A node not derived from others returns its own name.
func (n *Node) FusedNames() []string {
	if names, ok := n.rtInfo[RTInfoFusedNames].([]string); ok {
		return names
	}
	return []string{n.Name()}
}

// PreferredLayout returns the layout requested in the runtime information, or shapes.LayoutAny.
func (n *Node) PreferredLayout() shapes.Layout {
	if layout, ok := n.rtInfo[RTInfoPreferredLayout].(shapes.Layout); ok {
		return layout
	}
	return shapes.LayoutAny
}

// Shape of the value.
func (o Output) Shape() shapes.Shape { return o.Node.outputs[o.Index].shape }

// Consumers returns a copy of the consumers of the value.
func (o Output) Consumers() []Input { return slices.Clone(o.Node.outputs[o.Index].consumers) }

// NumConsumers returns the number of consumers of the value.
func (o Output) NumConsumers() int { return len(o.Node.outputs[o.Index].consumers) }

// Graph owning the value.
func (o Output) Graph() *Graph { return o.Node.graph }

// IsValid returns whether the value refers to a node.
func (o Output) IsValid() bool { return o.Node != nil }

// String implements fmt.Stringer.
func (o Output) String() string {
	if o.Node == nil {
		return "<nil>"
	}
	if len(o.Node.outputs) == 1 {
		return o.Node.String()
	}
	return fmt.Sprintf("%s.%d", o.Node, o.Index)
}

// Source returns the value feeding the input.
func (in Input) Source() Output { return in.Node.inputs[in.Slot] }

func (n *Node) addConsumer(outIdx int, consumer Input) {
	n.outputs[outIdx].consumers = append(n.outputs[outIdx].consumers, consumer)
}

func (n *Node) removeConsumer(outIdx int, consumer Input) {
	consumers := n.outputs[outIdx].consumers
	if idx := slices.Index(consumers, consumer); idx >= 0 {
		n.outputs[outIdx].consumers = slices.Delete(consumers, idx, idx+1)
	}
}

// detachInputs removes n from the consumer lists of its inputs.
func (n *Node) detachInputs() {
	for slot, in := range n.inputs {
		in.Node.removeConsumer(in.Index, Input{Node: n, Slot: slot})
	}
}

// CopyRuntimeInfo merges the runtime information of all from nodes into each of the to nodes.
// The fused names are concatenated (without repetitions), other keys are copied if not set.
func CopyRuntimeInfo(from []*Node, to ...*Node) {
	var fused []string
	for _, f := range from {
		for _, name := range f.FusedNames() {
			if !slices.Contains(fused, name) {
				fused = append(fused, name)
			}
		}
	}
	for _, t := range to {
		t.graph.touch(t)
		if t.rtInfo == nil {
			t.rtInfo = make(RTInfo)
		}
		for _, f := range from {
			for key, value := range f.rtInfo {
				if _, found := t.rtInfo[key]; !found && key != RTInfoFusedNames {
					t.rtInfo[key] = value
				}
			}
		}
		t.rtInfo[RTInfoFusedNames] = slices.Clone(fused)
	}
}

func cloneRTInfo(info RTInfo) RTInfo {
	if info == nil {
		return nil
	}
	c := maps.Clone(info)
	if names, ok := c[RTInfoFusedNames].([]string); ok {
		c[RTInfoFusedNames] = slices.Clone(names)
	}
	return c
}
