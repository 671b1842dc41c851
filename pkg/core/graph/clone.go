// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/support/sets"
)

// Clone returns a deep copy of the graph, including the bodies of its sub-graph nodes.
// Constant values are shared, they are immutable. Nodes not contributing to a result are not copied.
func (g *Graph) Clone() *Graph {
	c := New(g.name)
	mapping := make(map[*Node]Output, len(g.parameters))
	for _, p := range g.parameters {
		newParam := c.Parameter(p.name, p.Shape())
		newParam.Node.rtInfo = cloneRTInfo(p.rtInfo)
		mapping[p] = newParam
	}
	outputs := CopyInto(c, g, mapping, nil)
	for i, r := range g.results {
		newResult := c.Result(outputs[i])
		newResult.name = r.name
		newResult.rtInfo = cloneRTInfo(r.rtInfo)
	}
	return c
}

// CopyInto copies the nodes of src into dst, and returns the values of dst corresponding to the
// inputs of src's results.
//
// The parameters of src are not copied: params maps each of them to the dst value to use in their place.
// Only nodes that contribute to src's results are copied.
// If rename is not nil, it gives the name of each copy; otherwise the names are kept.
func CopyInto(dst, src *Graph, params map[*Node]Output, rename func(original *Node) string) []Output {
	for _, p := range src.parameters {
		if _, found := params[p]; !found {
			exceptions.Panicf("CopyInto(%q -> %q): parameter %s not mapped", src.name, dst.name, p)
		}
	}
	mapped := make(map[Output]Output)
	for p, v := range params {
		mapped[p.Output(0)] = v
	}
	live := src.reachableFromResults()
	for _, n := range src.TopologicalOrder() {
		if !live.Has(n) || n.opType == ops.OpTypeParameter || n.opType == ops.OpTypeResult {
			continue
		}
		inputs := make([]Output, len(n.inputs))
		for i, in := range n.inputs {
			inputs[i] = mapped[in]
		}
		var copied *Node
		switch n.opType {
		case ops.OpTypeConstant:
			copied = dst.Constant(n.value).Node
		case ops.OpTypeLoop:
			copied = NewLoop(inputs[0], inputs[1], n.body.Clone(), n.LoopAttrs(), inputs[2:]...)
		case ops.OpTypeTensorIterator:
			copied = NewTensorIterator(n.body.Clone(), n.LoopAttrs(), inputs...)
		default:
			copied = NewNode(dst, n.opType, n.attrs, inputs...)
		}
		if rename != nil {
			copied.name = rename(n)
		} else {
			copied.name = n.name
		}
		copied.rtInfo = cloneRTInfo(n.rtInfo)
		for i := range n.outputs {
			mapped[n.Output(i)] = copied.Output(i)
		}
	}
	results := make([]Output, len(src.results))
	for i, r := range src.results {
		results[i] = mapped[r.inputs[0]]
	}
	return results
}

// reachableFromResults returns the set of nodes contributing to the results.
func (g *Graph) reachableFromResults() sets.Set[*Node] {
	live := sets.Make[*Node](len(g.nodes))
	var visit func(n *Node)
	visit = func(n *Node) {
		if live.Has(n) {
			return
		}
		live.Insert(n)
		for _, in := range n.inputs {
			visit(in.Node)
		}
	}
	for _, r := range g.results {
		visit(r)
	}
	return live
}
