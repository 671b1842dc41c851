// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/graphc/pkg/core/kernels"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// maxShapeValueSize limits the size of the integer values evaluated by ConstantValue through
// non-constant nodes: it is meant for shape-like values (axes, target shapes), not for data.
const maxShapeValueSize = 64

// ConstantValue returns the value of out if it can be computed at compile time.
//
// Constant nodes return their value directly. ShapeOf of a static shape returns the dimensions.
// Other small integer values (e.g. Gather or Concat of shapes) are evaluated through the host kernels
// when all their inputs can be computed.
func ConstantValue(out Output) (*tensors.Tensor, bool) {
	return constantValue(out, make(map[Output]*tensors.Tensor))
}

func constantValue(out Output, memo map[Output]*tensors.Tensor) (*tensors.Tensor, bool) {
	if t, found := memo[out]; found {
		return t, t != nil
	}
	memo[out] = nil
	n := out.Node
	switch n.opType {
	case ops.OpTypeConstant:
		memo[out] = n.value
		return n.value, true
	case ops.OpTypeShapeOf:
		inShape := n.inputs[0].Shape()
		if inShape.IsStatic() {
			t := tensors.FromInts(inShape.Dimensions...)
			memo[out] = t
			return t, true
		}
		return nil, false
	case ops.OpTypeParameter, ops.OpTypeResult, ops.OpTypeLoop, ops.OpTypeTensorIterator:
		return nil, false
	}
	s := out.Shape()
	if !s.IsStatic() || !s.DType.IsInt() || s.Size() > maxShapeValueSize || !kernels.IsSupported(n.opType, n.attrs) {
		return nil, false
	}
	inputs := make([]*tensors.Tensor, len(n.inputs))
	for i, in := range n.inputs {
		t, ok := constantValue(in, memo)
		if !ok {
			return nil, false
		}
		inputs[i] = t
	}
	outputs, err := kernels.Eval(n.opType, n.attrs, inputs)
	if err != nil {
		klog.V(2).Infof("ConstantValue(%s): evaluation failed: %v", out, err)
		return nil, false
	}
	for i, t := range outputs {
		memo[Output{Node: n, Index: i}] = t
	}
	return outputs[out.Index], true
}

// ConstantInts returns the value of out as []int, if out is a compile-time integer scalar or vector.
// It returns nil otherwise.
func ConstantInts(out Output) []int {
	s := out.Shape()
	if !s.DType.IsInt() || !s.HasStaticRank() || s.Rank() > 1 {
		return nil
	}
	t, ok := ConstantValue(out)
	if !ok {
		return nil
	}
	values, err := t.ToInts()
	if err != nil {
		return nil
	}
	return values
}

// IsConstant returns whether out is produced by a Constant node.
func IsConstant(out Output) bool {
	return out.Node.opType == ops.OpTypeConstant
}
