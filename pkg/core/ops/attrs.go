// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// Attribute values stored by nodes, one type per op kind that has attributes.
// Shape inference, kernels and the serializer type-assert them by op kind.
//
// Data-dependent parameters (permutations, axes, target shapes) are not attributes: they are
// inputs of the node, usually constants, so they can be folded and matched by patterns.

// ConcatAttrs for OpTypeConcat.
type ConcatAttrs struct {
	Axis int
}

// SplitAttrs for OpTypeSplit(data, axis): splits data in NumSplits equal parts.
type SplitAttrs struct {
	NumSplits int
}

// ReduceAttrs for OpTypeReduceSum, OpTypeReduceMax and OpTypeReduceMean: (data, axes).
type ReduceAttrs struct {
	KeepDims bool
}

// ReshapeAttrs for OpTypeReshape(data, targetShape).
type ReshapeAttrs struct {
	// SpecialZero makes a 0 in the target shape copy the corresponding input dimension.
	SpecialZero bool
}

// ConvertAttrs for OpTypeConvert.
type ConvertAttrs struct {
	DType dtypes.DType
}

// LogSoftmaxAttrs for OpTypeLogSoftmax.
type LogSoftmaxAttrs struct {
	Axis int
}

// MatMulAttrs for OpTypeMatMul.
type MatMulAttrs struct {
	TransposeA, TransposeB bool
}

// FakeQuantizeAttrs for OpTypeFakeQuantize(data, inLow, inHigh, outLow, outHigh).
type FakeQuantizeAttrs struct {
	Levels int
}

// CellAttrs for the recurrent cells.
//
// Inputs are (X[batch, in], H[batch, hidden], W[gates*hidden, in], R[gates*hidden, hidden], B[gates*hidden])
// and for the LSTMCell, the cell state C[batch, hidden] comes after H.
type CellAttrs struct {
	HiddenSize int

	// Clip, if > 0, clips the gate pre-activations to [-Clip, Clip].
	Clip float32

	// LinearBeforeReset is used by GRUCell only.
	LinearBeforeReset bool
}

// CustomAttrs for OpTypeCustom nodes: Kind names a registered KindDescriptor.
type CustomAttrs struct {
	Kind   string
	Params map[string]any
}

// NumGates returns the number of gates of a recurrent cell kind.
func NumGates(opType OpType) int {
	switch opType {
	case OpTypeGRUCell:
		return 3
	case OpTypeLSTMCell:
		return 4
	default:
		return 1
	}
}

// AttrsString returns a compact representation of attributes, used in graph dumps.
func AttrsString(attrs any) string {
	switch a := attrs.(type) {
	case nil:
		return ""
	case ConcatAttrs:
		return fmt.Sprintf("axis=%d", a.Axis)
	case SplitAttrs:
		return fmt.Sprintf("num_splits=%d", a.NumSplits)
	case ReduceAttrs:
		return fmt.Sprintf("keep_dims=%t", a.KeepDims)
	case ReshapeAttrs:
		return fmt.Sprintf("special_zero=%t", a.SpecialZero)
	case ConvertAttrs:
		return fmt.Sprintf("dtype=%s", a.DType)
	case LogSoftmaxAttrs:
		return fmt.Sprintf("axis=%d", a.Axis)
	case MatMulAttrs:
		return fmt.Sprintf("transpose_a=%t transpose_b=%t", a.TransposeA, a.TransposeB)
	case FakeQuantizeAttrs:
		return fmt.Sprintf("levels=%d", a.Levels)
	case CellAttrs:
		return fmt.Sprintf("hidden_size=%d clip=%g linear_before_reset=%t", a.HiddenSize, a.Clip, a.LinearBeforeReset)
	case CustomAttrs:
		return fmt.Sprintf("kind=%s params=%v", a.Kind, a.Params)
	case fmt.Stringer:
		return a.String()
	default:
		return fmt.Sprintf("%v", a)
	}
}
