// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import "github.com/gomlx/graphc/pkg/support/sets"

var (
	// BinaryElementwise ops take two inputs with numpy-style broadcasting.
	BinaryElementwise = sets.MakeWith(
		OpTypeAdd, OpTypeSubtract, OpTypeMultiply, OpTypeDivide, OpTypePower,
		OpTypeMaximum, OpTypeMinimum)

	// UnaryElementwise ops preserve the shape of their single input.
	UnaryElementwise = sets.MakeWith(
		OpTypeNegative, OpTypeExp, OpTypeLog, OpTypeSigmoid, OpTypeTanh,
		OpTypeRelu, OpTypeSwish, OpTypeSqrt)

	// Commutative binary ops: a pattern may try their operands in swapped order.
	Commutative = sets.MakeWith(OpTypeAdd, OpTypeMultiply, OpTypeMaximum, OpTypeMinimum)

	// Reductions take (data, axes) and have a KeepDims attribute.
	Reductions = sets.MakeWith(OpTypeReduceSum, OpTypeReduceMax, OpTypeReduceMean)

	// RecurrentCells are the single-step recurrent cells.
	RecurrentCells = sets.MakeWith(OpTypeRNNCell, OpTypeGRUCell, OpTypeLSTMCell)

	// SubGraphOps own a body graph.
	SubGraphOps = sets.MakeWith(OpTypeLoop, OpTypeTensorIterator)

	// ShapeOnly ops only move or reinterpret data, without arithmetic.
	ShapeOnly = sets.MakeWith(
		OpTypeTranspose, OpTypeReshape, OpTypeSqueeze, OpTypeUnsqueeze,
		OpTypeConcat, OpTypeSplit, OpTypeBroadcast, OpTypeGather)
)

// IsSource returns whether the op kind has no inputs.
func (i OpType) IsSource() bool {
	return i == OpTypeParameter || i == OpTypeConstant
}
