// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"k8s.io/klog/v2"
)

// LoopStatesBroadcast makes the initial states of recurrent cells follow the batch size of their
// input, so a model exported with batch 1 can be re-shaped to any batch size.
//
// A state initialized with a constant whose first dimension is 1 is replaced by the broadcast of
// the constant to [batch, ...], where batch is read at run time from the value carrying the batch
// dimension. For cells in the body of a Loop/TensorIterator, that value is located by tagging the
// dimensions of the body parameters with fresh labels and following them to the cell input.
func LoopStatesBroadcast() *FunctionPass {
	return NewFunctionPass("LoopStatesBroadcast", func(_ *RunContext, g *graph.Graph) (bool, error) {
		changed := false
		for _, n := range g.TopologicalOrder() {
			if n.IsRemoved() {
				continue
			}
			switch {
			case isCell(n):
				changed = broadcastCellStates(n) || changed
			case n.Type() == ops.OpTypeLoop || n.Type() == ops.OpTypeTensorIterator:
				changed = broadcastLoopStates(n) || changed
			}
		}
		return changed, nil
	})
}

func isCell(n *graph.Node) bool {
	switch n.Type() {
	case ops.OpTypeRNNCell, ops.OpTypeGRUCell, ops.OpTypeLSTMCell:
		return true
	}
	return false
}

// stateSlots returns the input slots holding the recurrent states of a cell.
func stateSlots(cell *graph.Node) []int {
	if cell.Type() == ops.OpTypeLSTMCell {
		return []int{1, 2}
	}
	return []int{1}
}

// isBatchOneConstant returns whether state is a constant of static shape [1, ...].
func isBatchOneConstant(state graph.Output) bool {
	s := state.Shape()
	return state.Node.Type() == ops.OpTypeConstant && s.IsStatic() && s.Rank() >= 1 && s.Dimensions[0] == 1
}

// broadcastBatch returns state broadcast to [batchSource.Dim(axis), state.Dim(1), ...].
func broadcastBatch(state, batchSource graph.Output, axis int) graph.Output {
	g := state.Graph()
	batch := graph.Gather(graph.ShapeOf(batchSource), g.ConstInts(axis), g.ConstInts(0))
	target := graph.Concat(0, batch, g.ConstInts(state.Shape().Dimensions[1:]...))
	return graph.Broadcast(state, target)
}

// broadcastCellStates handles cells outside of loops: the batch comes from the cell input X.
func broadcastCellStates(cell *graph.Node) bool {
	x := cell.Input(0)
	if graph.IsConstant(x) || !x.Shape().HasStaticRank() {
		return false
	}
	changed := false
	for _, slot := range stateSlots(cell) {
		state := cell.Input(slot)
		if !isBatchOneConstant(state) {
			continue
		}
		graph.SetInput(cell, slot, broadcastBatch(state, x, 0))
		changed = true
	}
	return changed
}

// parameterAxis identifies an axis of a body parameter.
type parameterAxis struct {
	param, axis int
}

// traceBatch returns the body parameter axis that becomes the batch axis of the cell input X,
// by labeling every axis of the body parameters and reading the label reaching the cell.
// The parameter shapes are restored before returning.
func traceBatch(body *graph.Graph, cell *graph.Node) (parameterAxis, bool) {
	params := body.Parameters()
	originals := make([]shapes.Shape, len(params))
	for i, p := range params {
		originals[i] = p.Shape()
	}
	defer func() {
		for i, p := range params {
			graph.SetParameterShape(p, originals[i])
		}
	}()

	owners := make(map[shapes.Label]parameterAxis)
	var label shapes.Label
	err := exceptions.TryCatch[error](func() {
		for i, p := range params {
			s := p.Shape()
			if !s.HasStaticRank() {
				continue
			}
			for axis := range s.Rank() {
				l := shapes.NewLabel()
				s = s.WithLabel(axis, l)
				owners[l] = parameterAxis{param: i, axis: axis}
			}
			graph.SetParameterShape(p, s)
		}
		if x := cell.Input(0).Shape(); x.HasStaticRank() && x.Rank() > 0 {
			label = x.Label(0)
		}
	})
	if err != nil {
		klog.V(1).Infof("LoopStatesBroadcast: can't trace the batch of %s: %v", cell, err)
		return parameterAxis{}, false
	}
	owner, found := owners[label]
	return owner, found
}

// broadcastLoopStates handles the cells in the body of a Loop/TensorIterator node n, whose states
// are body parameters initialized from outside the loop.
func broadcastLoopStates(n *graph.Node) bool {
	body := n.Body()
	attrs := n.LoopAttrs()
	changed := false
	for _, cell := range body.TopologicalOrder() {
		if cell.IsRemoved() || !isCell(cell) {
			continue
		}
		owner, found := traceBatch(body, cell)
		if !found {
			klog.V(2).Infof("LoopStatesBroadcast: batch of %s is not tracked, skipping", cell)
			continue
		}
		batchDesc := attrs.InputFor(owner.param)
		if batchDesc == nil || (batchDesc.Kind == graph.InputSliced && batchDesc.Slice.Axis == owner.axis) {
			continue
		}
		for _, slot := range stateSlots(cell) {
			state := cell.Input(slot).Node
			if state.Type() != ops.OpTypeParameter {
				continue
			}
			stateDesc := attrs.InputFor(state.ParameterIndex())
			if stateDesc == nil || stateDesc.Kind == graph.InputSliced {
				continue
			}
			initial := n.Input(stateDesc.Input)
			if !isBatchOneConstant(initial) {
				continue
			}
			batchSource := n.Input(batchDesc.Input)
			graph.SetInput(n, stateDesc.Input, broadcastBatch(initial, batchSource, owner.axis))
			klog.V(1).Infof("LoopStatesBroadcast: broadcasting initial state #%d of %s to the batch of %s",
				slot, n, batchSource)
			changed = true
		}
	}
	return changed
}
