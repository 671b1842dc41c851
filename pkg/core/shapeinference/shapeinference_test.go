// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	F32 = dtypes.Float32
	U   = shapes.UnknownDim
)

func TestBinaryOp(t *testing.T) {
	testCases := []struct {
		name     string
		lhs, rhs shapes.Shape
		want     string
	}{
		{"same", shapes.Make(F32, 2, 3), shapes.Make(F32, 2, 3), "(Float32)[2 3]"},
		{"scalar", shapes.Make(F32), shapes.Make(F32, 2, 3), "(Float32)[2 3]"},
		{"rank-broadcast", shapes.Make(F32, 4, 1, 3), shapes.Make(F32, 5, 1), "(Float32)[4 5 3]"},
		{"unknown", shapes.MakeDynamic(F32, U, 3), shapes.Make(F32, 7, 1), "(Float32)[7 3]"},
		{"unknown-one", shapes.MakeDynamic(F32, U, 3), shapes.Make(F32, 1, 3), "(Float32)[? 3]"},
		{"unknown-rank", shapes.UnknownRank(F32), shapes.Make(F32, 1, 3), "(Float32)[...]"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BinaryOp(ops.OpTypeAdd, tc.lhs, tc.rhs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}

	_, err := BinaryOp(ops.OpTypeAdd, shapes.Make(F32, 2, 3), shapes.Make(F32, 4, 3))
	require.Error(t, err)
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 0, mismatch.Axis)
	assert.Equal(t, []int{2, 4}, mismatch.Dims)

	_, err = BinaryOp(ops.OpTypeAdd, shapes.Make(F32, 2), shapes.Make(dtypes.Int32, 2))
	require.Error(t, err)
}

func TestLabelPropagation(t *testing.T) {
	batch := shapes.NewLabel()
	x := shapes.MakeDynamic(F32, U, 16).WithLabel(0, batch)
	y, err := BinaryOp(ops.OpTypeMultiply, x, shapes.Make(F32, 1, 16))
	require.NoError(t, err)
	assert.Equal(t, batch, y.Label(0))

	tr, err := TransposeOp(x, []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, batch, tr.Label(1))
	assert.Equal(t, []int{16, U}, tr.Dimensions)

	unsq, err := UnsqueezeOp(x, Input{Shape: shapes.Make(dtypes.Int64, 1), Value: []int{0}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, U, 16}, unsq.Dimensions)
	assert.Equal(t, batch, unsq.Label(1))

	sq, err := SqueezeOp(unsq, []int{0}, true)
	require.NoError(t, err)
	assert.True(t, sq.Identical(x))
}

func TestTransposeOp(t *testing.T) {
	x := shapes.Make(F32, 2, 3, 4)
	got, err := TransposeOp(x, []int{2, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 3}, got.Dimensions)
	got, err = TransposeOp(x, []int{})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 2}, got.Dimensions)
	got, err = TransposeOp(x, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{U, U, U}, got.Dimensions)
	_, err = TransposeOp(x, []int{0, 0, 1})
	require.Error(t, err)
}

func TestReshapeOp(t *testing.T) {
	x := shapes.Make(F32, 2, 3, 4)
	target := func(values ...int) Input {
		return Input{Shape: shapes.Make(dtypes.Int64, len(values)), Value: values}
	}
	got, err := ReshapeOp(x, target(6, -1), false)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, got.Dimensions)
	got, err = ReshapeOp(x, target(0, -1), true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, got.Dimensions)
	_, err = ReshapeOp(x, target(5, -1), false)
	require.Error(t, err)
	got, err = ReshapeOp(x, Input{Shape: shapes.Make(dtypes.Int64, 3)}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Rank())
}

func TestReduceAndConcat(t *testing.T) {
	x := shapes.Make(F32, 2, 3, 4)
	axes := Input{Shape: shapes.Make(dtypes.Int64, 2), Value: []int{0, -1}}
	got, err := ReduceOp(ops.OpTypeReduceSum, x, axes, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, got.Dimensions)
	got, err = ReduceOp(ops.OpTypeReduceSum, x, axes, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1}, got.Dimensions)

	got, err = ConcatOp([]shapes.Shape{shapes.Make(F32, 1, 8), shapes.Make(F32, 3, 8)}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8}, got.Dimensions)
	_, err = ConcatOp([]shapes.Shape{shapes.Make(F32, 1, 8), shapes.Make(F32, 3, 7)}, 0)
	require.Error(t, err)

	splits, err := SplitOp(shapes.Make(F32, 4, 8), []int{0}, 2)
	require.NoError(t, err)
	require.Len(t, splits, 2)
	assert.Equal(t, []int{2, 8}, splits[1].Dimensions)
}

func TestCellOp(t *testing.T) {
	batch := shapes.NewLabel()
	x := shapes.MakeDynamic(F32, U, 16).WithLabel(0, batch)
	h := shapes.Make(F32, 1, 128)
	w := shapes.Make(F32, 128, 16)
	r := shapes.Make(F32, 128, 128)
	b := shapes.Make(F32, 128)
	outputs, err := Infer(ops.OpTypeRNNCell, ops.CellAttrs{HiddenSize: 128}, Shapes(x, h, w, r, b))
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{1, 128}, outputs[0].Dimensions)
	assert.Equal(t, batch, outputs[0].Label(0))

	c := shapes.Make(F32, 1, 128)
	w4 := shapes.Make(F32, 4*128, 16)
	r4 := shapes.Make(F32, 4*128, 128)
	outputs, err = Infer(ops.OpTypeLSTMCell, ops.CellAttrs{HiddenSize: 128}, Shapes(x, h, c, w4, r4, shapes.Make(F32, 4*128)))
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	_, err = Infer(ops.OpTypeRNNCell, ops.CellAttrs{HiddenSize: 128}, Shapes(shapes.Make(F32, 2, 16), shapes.Make(F32, 3, 128), w, r, b))
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
}

func TestInferIsIdempotent(t *testing.T) {
	inputs := []Input{
		{Shape: shapes.MakeDynamic(F32, U, 3, 4)},
		{Shape: shapes.Make(dtypes.Int64, 3), Value: []int{2, 0, 1}},
	}
	first, err := Infer(ops.OpTypeTranspose, nil, inputs)
	require.NoError(t, err)
	second, err := Infer(ops.OpTypeTranspose, nil, inputs)
	require.NoError(t, err)
	assert.True(t, first[0].Identical(second[0]))
	assert.Equal(t, []int{U, 3, 4}, inputs[0].Shape.Dimensions, "inputs must not be modified")
}

func TestGatherAndShapeOf(t *testing.T) {
	got, err := GatherOp(shapes.Make(dtypes.Int64, 3), shapes.Make(dtypes.Int64, 2), []int{0})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got.Dimensions)
	got, err = ShapeOfOp(shapes.MakeDynamic(F32, U, 2))
	require.NoError(t, err)
	assert.Equal(t, "(Int64)[2]", got.String())
}
