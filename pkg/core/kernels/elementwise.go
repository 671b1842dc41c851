// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

func binaryOp(opType ops.OpType, lhs, rhs *tensors.Tensor, output shapes.Shape) (*tensors.Tensor, error) {
	lIdx := broadcastIndices(lhs.Shape(), output)
	rIdx := broadcastIndices(rhs.Shape(), output)
	var flat any
	var err error
	switch l := lhs.Flat().(type) {
	case []float32:
		flat, err = binaryFloat(opType, l, rhs.Flat().([]float32), lIdx, rIdx)
	case []float64:
		flat, err = binaryFloat(opType, l, rhs.Flat().([]float64), lIdx, rIdx)
	case []int32:
		flat, err = binaryInt(opType, l, rhs.Flat().([]int32), lIdx, rIdx)
	case []int64:
		flat, err = binaryInt(opType, l, rhs.Flat().([]int64), lIdx, rIdx)
	default:
		return nil, errors.Errorf("%s not supported for dtype %s", opType, lhs.DType())
	}
	if err != nil {
		return nil, err
	}
	return tensors.FromFlat(shapes.Make(output.DType, output.Dimensions...), flat)
}

func binaryCommon[T numeric](opType ops.OpType, lhs, rhs []T, lIdx, rIdx []int) ([]T, bool) {
	out := make([]T, len(lIdx))
	switch opType {
	case ops.OpTypeAdd:
		for i := range out {
			out[i] = lhs[lIdx[i]] + rhs[rIdx[i]]
		}
	case ops.OpTypeSubtract:
		for i := range out {
			out[i] = lhs[lIdx[i]] - rhs[rIdx[i]]
		}
	case ops.OpTypeMultiply:
		for i := range out {
			out[i] = lhs[lIdx[i]] * rhs[rIdx[i]]
		}
	case ops.OpTypeMaximum:
		for i := range out {
			out[i] = max(lhs[lIdx[i]], rhs[rIdx[i]])
		}
	case ops.OpTypeMinimum:
		for i := range out {
			out[i] = min(lhs[lIdx[i]], rhs[rIdx[i]])
		}
	case ops.OpTypePower:
		for i := range out {
			out[i] = T(math.Pow(float64(lhs[lIdx[i]]), float64(rhs[rIdx[i]])))
		}
	default:
		return nil, false
	}
	return out, true
}

func binaryFloat[T constraints.Float](opType ops.OpType, lhs, rhs []T, lIdx, rIdx []int) ([]T, error) {
	if out, ok := binaryCommon(opType, lhs, rhs, lIdx, rIdx); ok {
		return out, nil
	}
	if opType != ops.OpTypeDivide {
		return nil, errors.Errorf("binary op %s not implemented", opType)
	}
	out := make([]T, len(lIdx))
	for i := range out {
		out[i] = lhs[lIdx[i]] / rhs[rIdx[i]]
	}
	return out, nil
}

func binaryInt[T constraints.Integer](opType ops.OpType, lhs, rhs []T, lIdx, rIdx []int) ([]T, error) {
	if out, ok := binaryCommon(opType, lhs, rhs, lIdx, rIdx); ok {
		return out, nil
	}
	if opType != ops.OpTypeDivide {
		return nil, errors.Errorf("binary op %s not implemented", opType)
	}
	out := make([]T, len(lIdx))
	for i := range out {
		divisor := rhs[rIdx[i]]
		if divisor == 0 {
			return nil, errors.Errorf("integer division by zero")
		}
		out[i] = lhs[lIdx[i]] / divisor
	}
	return out, nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func unaryFloatFn(opType ops.OpType) func(float64) float64 {
	switch opType {
	case ops.OpTypeNegative:
		return func(x float64) float64 { return -x }
	case ops.OpTypeExp:
		return math.Exp
	case ops.OpTypeLog:
		return math.Log
	case ops.OpTypeSigmoid:
		return sigmoid
	case ops.OpTypeTanh:
		return math.Tanh
	case ops.OpTypeRelu:
		return func(x float64) float64 { return max(x, 0) }
	case ops.OpTypeSwish:
		return func(x float64) float64 { return x * sigmoid(x) }
	case ops.OpTypeSqrt:
		return math.Sqrt
	}
	return nil
}

func unaryFloat[T constraints.Float](fn func(float64) float64, flat []T) []T {
	out := make([]T, len(flat))
	for i, x := range flat {
		out[i] = T(fn(float64(x)))
	}
	return out
}

func unaryInt[T constraints.Signed](opType ops.OpType, flat []T) ([]T, error) {
	out := make([]T, len(flat))
	switch opType {
	case ops.OpTypeNegative:
		for i, x := range flat {
			out[i] = -x
		}
	case ops.OpTypeRelu:
		for i, x := range flat {
			out[i] = max(x, 0)
		}
	default:
		return nil, errors.Errorf("%s not supported for integers", opType)
	}
	return out, nil
}

func unaryOp(opType ops.OpType, operand *tensors.Tensor) (*tensors.Tensor, error) {
	fn := unaryFloatFn(opType)
	if fn == nil {
		return nil, errors.Errorf("unary op %s not implemented", opType)
	}
	var flat any
	var err error
	switch f := operand.Flat().(type) {
	case []float32:
		flat = unaryFloat(fn, f)
	case []float64:
		flat = unaryFloat(fn, f)
	case []int32:
		flat, err = unaryInt(opType, f)
	case []int64:
		flat, err = unaryInt(opType, f)
	default:
		return nil, errors.Errorf("%s not supported for dtype %s", opType, operand.DType())
	}
	if err != nil {
		return nil, err
	}
	return tensors.FromFlat(operand.Shape(), flat)
}

// toFloat64 returns the values of any supported tensor as float64.
func toFloat64(t *tensors.Tensor) ([]float64, error) {
	switch f := t.Flat().(type) {
	case []float16.Float16:
		values := make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v.Float32())
		}
		return values, nil
	case []bfloat16.BFloat16:
		values := make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v.Float32())
		}
		return values, nil
	case []bool:
		values := make([]float64, len(f))
		for i, v := range f {
			if v {
				values[i] = 1
			}
		}
		return values, nil
	}
	return t.ToFloat64s()
}

func fromFloat64[T numeric](values []float64) []T {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

// Convert returns a copy of t converted to dtype.
// Float to integer conversions truncate toward zero.
func Convert(t *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if t.DType() == dtype {
		return t.Clone(), nil
	}
	output := shapes.Make(dtype, t.Shape().Dimensions...)
	if ints, ok := t.Flat().([]int64); ok && dtype == dtypes.Int32 {
		out := make([]int32, len(ints))
		for i, v := range ints {
			out[i] = int32(v)
		}
		return tensors.FromFlat(output, out)
	}
	values, err := toFloat64(t)
	if err != nil {
		return nil, err
	}
	var flat any
	switch dtype {
	case dtypes.Float32:
		flat = fromFloat64[float32](values)
	case dtypes.Float64:
		flat = values
	case dtypes.Int32:
		flat = fromFloat64[int32](values)
	case dtypes.Int64:
		flat = fromFloat64[int64](values)
	case dtypes.Uint8:
		flat = fromFloat64[uint8](values)
	case dtypes.Int8:
		flat = fromFloat64[int8](values)
	case dtypes.Bool:
		out := make([]bool, len(values))
		for i, v := range values {
			out[i] = v != 0
		}
		flat = out
	case dtypes.Float16:
		out := make([]float16.Float16, len(values))
		for i, v := range values {
			out[i] = float16.Fromfloat32(float32(v))
		}
		flat = out
	case dtypes.BFloat16:
		out := make([]bfloat16.BFloat16, len(values))
		for i, v := range values {
			out[i] = bfloat16.FromFloat32(float32(v))
		}
		flat = out
	default:
		return nil, errors.Errorf("Convert to %s not supported", dtype)
	}
	return tensors.FromFlat(output, flat)
}

// fakeQuantizeOp quantizes x to levels values in [inLow, inHigh], mapped to [outLow, outHigh].
func fakeQuantizeOp(inputs []*tensors.Tensor, levels int, output shapes.Shape) (*tensors.Tensor, error) {
	values := make([][]float64, len(inputs))
	idx := make([][]int, len(inputs))
	for i, in := range inputs {
		var err error
		if values[i], err = toFloat64(in); err != nil {
			return nil, err
		}
		idx[i] = broadcastIndices(in.Shape(), output)
	}
	out := make([]float64, output.Size())
	steps := float64(levels - 1)
	for i := range out {
		x := values[0][idx[0][i]]
		inLow, inHigh := values[1][idx[1][i]], values[2][idx[2][i]]
		outLow, outHigh := values[3][idx[3][i]], values[4][idx[4][i]]
		switch {
		case x <= min(inLow, inHigh):
			out[i] = outLow
		case x > max(inLow, inHigh):
			out[i] = outHigh
		default:
			out[i] = math.Round((x-inLow)/(inHigh-inLow)*steps)/steps*(outHigh-outLow) + outLow
		}
	}
	t, err := tensors.FromFlat(shapes.Make(dtypes.Float64, output.Dimensions...), out)
	if err != nil {
		return nil, err
	}
	return Convert(t, output.DType)
}
