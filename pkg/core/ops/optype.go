// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops enumerates the operation kinds understood by the graph, the passes and the backends.
//
// Built-in kinds form a closed enum (OpType). Backend specific or user defined operations use
// OpTypeCustom, with the concrete kind name resolved through the open registry in this package
// (see Register and Lookup).
package ops

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

// OpType is an enum of all built-in operations.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant
	OpTypeResult

	OpTypeAdd
	OpTypeSubtract
	OpTypeMultiply
	OpTypeDivide
	OpTypePower
	OpTypeMaximum
	OpTypeMinimum

	OpTypeNegative
	OpTypeExp
	OpTypeLog
	OpTypeSigmoid
	OpTypeTanh
	OpTypeRelu
	OpTypeSwish
	OpTypeSqrt
	OpTypeConvert

	OpTypeTranspose
	OpTypeReshape
	OpTypeSqueeze
	OpTypeUnsqueeze
	OpTypeConcat
	OpTypeSplit
	OpTypeBroadcast
	OpTypeShapeOf
	OpTypeGather

	OpTypeReduceSum
	OpTypeReduceMax
	OpTypeReduceMean
	OpTypeLogSoftmax
	OpTypeMatMul
	OpTypeFakeQuantize

	OpTypeRNNCell
	OpTypeGRUCell
	OpTypeLSTMCell

	OpTypeLoop
	OpTypeTensorIterator

	OpTypeCustom

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)
