// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func evalOne(t *testing.T, opType ops.OpType, attrs any, inputs ...*tensors.Tensor) *tensors.Tensor {
	outputs, err := Eval(opType, attrs, inputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return outputs[0]
}

func TestBinary(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := tensors.FromFlatDataAndDimensions([]float32{10, 20, 30}, 3)
	got := evalOne(t, ops.OpTypeAdd, nil, x, y)
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, tensors.FlatAs[float32](got))

	col := tensors.FromFlatDataAndDimensions([]float32{2, 3}, 2, 1)
	got = evalOne(t, ops.OpTypeMultiply, nil, x, col)
	assert.Equal(t, []float32{2, 4, 6, 12, 15, 18}, tensors.FlatAs[float32](got))

	got = evalOne(t, ops.OpTypeMaximum, nil, tensors.FromFlatDataAndDimensions([]int64{1, 5}, 2), tensors.FromScalar(int64(3)))
	assert.Equal(t, []int64{3, 5}, tensors.FlatAs[int64](got))

	_, err := Eval(ops.OpTypeDivide, nil, []*tensors.Tensor{tensors.FromScalar(int32(1)), tensors.FromScalar(int32(0))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestUnaryAndConvert(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float64{-1, 0, 2}, 3)
	got := evalOne(t, ops.OpTypeRelu, nil, x)
	assert.Equal(t, []float64{0, 0, 2}, tensors.FlatAs[float64](got))
	got = evalOne(t, ops.OpTypeSwish, nil, x)
	assert.InDelta(t, 2/(1+math.Exp(-2)), tensors.FlatAs[float64](got)[2], 1e-9)

	half := must.M1(Convert(x, dtypes.Float16))
	assert.Equal(t, float16.Fromfloat32(2), tensors.FlatAs[float16.Float16](half)[2])
	bf := must.M1(Convert(half, dtypes.BFloat16))
	assert.Equal(t, float32(-1), tensors.FlatAs[bfloat16.BFloat16](bf)[0].Float32())
	ints := evalOne(t, ops.OpTypeConvert, ops.ConvertAttrs{DType: dtypes.Int32}, tensors.FromFlatDataAndDimensions([]float32{1.7, -1.7}, 2))
	assert.Equal(t, []int32{1, -1}, tensors.FlatAs[int32](ints))
}

func TestMovement(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := evalOne(t, ops.OpTypeTranspose, nil, x, tensors.FromInts(1, 0))
	assert.Equal(t, []int{3, 2}, got.Shape().Dimensions)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, tensors.FlatAs[float32](got))

	got = evalOne(t, ops.OpTypeConcat, ops.ConcatAttrs{Axis: 1}, x, x)
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3, 4, 5, 6, 4, 5, 6}, tensors.FlatAs[float32](got))

	parts, err := Eval(ops.OpTypeSplit, ops.SplitAttrs{NumSplits: 2}, []*tensors.Tensor{x, tensors.FromInts(0)})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []float32{4, 5, 6}, tensors.FlatAs[float32](parts[1]))

	got = evalOne(t, ops.OpTypeGather, nil, x, tensors.FromInts(2, 0), tensors.FromScalar(int64(1)))
	assert.Equal(t, []float32{3, 1, 6, 4}, tensors.FlatAs[float32](got))

	got = evalOne(t, ops.OpTypeBroadcast, nil, tensors.FromFlatDataAndDimensions([]float32{7, 8}, 1, 2), tensors.FromInts(3, 2))
	assert.Equal(t, []float32{7, 8, 7, 8, 7, 8}, tensors.FlatAs[float32](got))

	got = evalOne(t, ops.OpTypeShapeOf, nil, x)
	assert.Equal(t, []int64{2, 3}, tensors.FlatAs[int64](got))

	got = evalOne(t, ops.OpTypeUnsqueeze, nil, x, tensors.FromInts(0))
	assert.Equal(t, []int{1, 2, 3}, got.Shape().Dimensions)
}

func TestSliceAndWriteAxis(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	s := must.M1(SliceAxis(x, 0, 1, 2))
	assert.Equal(t, []float32{3, 4, 5, 6}, tensors.FlatAs[float32](s))
	dst := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 2))
	require.NoError(t, WriteAxis(dst, 0, 1, s))
	assert.Equal(t, []float32{0, 0, 3, 4, 5, 6}, tensors.FlatAs[float32](dst))
	_, err := SliceAxis(x, 0, 2, 2)
	require.Error(t, err)
}

func TestReduce(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := evalOne(t, ops.OpTypeReduceSum, ops.ReduceAttrs{}, x, tensors.FromInts(1))
	assert.Equal(t, []float32{6, 15}, tensors.FlatAs[float32](got))
	got = evalOne(t, ops.OpTypeReduceMax, ops.ReduceAttrs{KeepDims: true}, x, tensors.FromInts(0))
	assert.Equal(t, []int{1, 3}, got.Shape().Dimensions)
	assert.Equal(t, []float32{4, 5, 6}, tensors.FlatAs[float32](got))
	got = evalOne(t, ops.OpTypeReduceMean, ops.ReduceAttrs{}, x, tensors.FromInts(0, 1))
	assert.Equal(t, []float32{3.5}, tensors.FlatAs[float32](got))

	got = evalOne(t, ops.OpTypeLogSoftmax, ops.LogSoftmaxAttrs{Axis: -1}, tensors.FromFlatDataAndDimensions([]float64{0, 0}, 1, 2))
	assert.InDelta(t, math.Log(0.5), tensors.FlatAs[float64](got)[0], 1e-9)
}

func TestMatMul(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1, 1, 1}, 3, 2)
	got := evalOne(t, ops.OpTypeMatMul, ops.MatMulAttrs{}, a, b)
	assert.Equal(t, []float32{4, 5, 10, 11}, tensors.FlatAs[float32](got))
	got = evalOne(t, ops.OpTypeMatMul, ops.MatMulAttrs{TransposeB: true}, a, a)
	assert.Equal(t, []float32{14, 32, 32, 77}, tensors.FlatAs[float32](got))

	ai := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	gotInt := evalOne(t, ops.OpTypeMatMul, ops.MatMulAttrs{TransposeA: true}, ai, ai)
	assert.Equal(t, []int{3, 3}, gotInt.Shape().Dimensions)
	assert.Equal(t, []int32{17, 22, 27, 22, 29, 36, 27, 36, 45}, tensors.FlatAs[int32](gotInt))
}

func TestRNNCell(t *testing.T) {
	// With zero recurrent weights and bias, H' = tanh(X W^T).
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)
	h := tensors.FromFlatDataAndDimensions([]float32{0.5}, 1, 1)
	w := tensors.FromFlatDataAndDimensions([]float32{0.1, 0.2}, 1, 2)
	r := tensors.FromFlatDataAndDimensions([]float32{0}, 1, 1)
	bias := tensors.FromFlatDataAndDimensions([]float32{0}, 1)
	got := evalOne(t, ops.OpTypeRNNCell, ops.CellAttrs{HiddenSize: 1}, x, h, w, r, bias)
	assert.InDelta(t, math.Tanh(0.5), float64(tensors.FlatAs[float32](got)[0]), 1e-6)

	c := tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1)
	w4 := tensors.FromFlatDataAndDimensions(make([]float32, 8), 4, 2)
	r4 := tensors.FromFlatDataAndDimensions(make([]float32, 4), 4, 1)
	b4 := tensors.FromFlatDataAndDimensions(make([]float32, 4), 4)
	outputs, err := Eval(ops.OpTypeLSTMCell, ops.CellAttrs{HiddenSize: 1}, []*tensors.Tensor{x, h, c, w4, r4, b4})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	// All gates at sigmoid(0)=0.5 and c~=0: C' = 0.5*C, H' = 0.5*tanh(C').
	assert.InDelta(t, 0.5, float64(tensors.FlatAs[float32](outputs[1])[0]), 1e-6)
	assert.InDelta(t, 0.5*math.Tanh(0.5), float64(tensors.FlatAs[float32](outputs[0])[0]), 1e-6)
}

func TestFakeQuantize(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{-1, 0.26, 0.74, 2}, 4)
	lo, hi := tensors.FromScalar(float32(0)), tensors.FromScalar(float32(1))
	got := evalOne(t, ops.OpTypeFakeQuantize, ops.FakeQuantizeAttrs{Levels: 3}, x, lo, hi, lo, hi)
	assert.Equal(t, []float32{0, 0.5, 0.5, 1}, tensors.FlatAs[float32](got))
}

func TestUnsupported(t *testing.T) {
	assert.False(t, IsSupported(ops.OpTypeLoop, nil))
	_, err := Eval(ops.OpTypeLoop, nil, nil)
	require.Error(t, err)
	_, err = Eval(ops.OpTypeCustom, ops.CustomAttrs{Kind: "not.registered"}, nil)
	require.Error(t, err)
}
