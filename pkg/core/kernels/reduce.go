// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"
	"slices"

	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// reduceIndices maps each input element to its output element, for the given reduced axes.
func reduceIndices(input shapes.Shape, axes []int) (idx []int, outSize int) {
	reduced := make([]bool, input.Rank())
	for _, axis := range axes {
		reduced[input.AdjustAxis(axis)] = true
	}
	outDims := make([]int, 0, input.Rank())
	for axis, dim := range input.Dimensions {
		if !reduced[axis] {
			outDims = append(outDims, dim)
		}
	}
	outStrides := shapes.Make(input.DType, outDims...).Strides()
	idx = make([]int, input.Size())
	forEachIndex(input.Dimensions, func(flatIdx int, indices []int) {
		outIdx, outAxis := 0, 0
		for axis, i := range indices {
			if reduced[axis] {
				continue
			}
			outIdx += i * outStrides[outAxis]
			outAxis++
		}
		idx[flatIdx] = outIdx
	})
	outSize = 1
	for _, dim := range outDims {
		outSize *= dim
	}
	return
}

func reduce[T numeric](opType ops.OpType, flat []T, idx []int, outSize int) []T {
	out := make([]T, outSize)
	counts := make([]int, outSize)
	for i, o := range idx {
		switch opType {
		case ops.OpTypeReduceMax:
			if counts[o] == 0 {
				out[o] = flat[i]
			} else {
				out[o] = max(out[o], flat[i])
			}
		default:
			out[o] += flat[i]
		}
		counts[o]++
	}
	if opType == ops.OpTypeReduceMean {
		for o := range out {
			if counts[o] > 0 {
				out[o] /= T(counts[o])
			}
		}
	}
	return out
}

func reduceOp(opType ops.OpType, operand, axesTensor *tensors.Tensor, output shapes.Shape) (*tensors.Tensor, error) {
	axes, err := axesTensor.ToInts()
	if err != nil {
		return nil, err
	}
	idx, outSize := reduceIndices(operand.Shape(), axes)
	var flat any
	switch f := operand.Flat().(type) {
	case []float32:
		flat = reduce(opType, f, idx, outSize)
	case []float64:
		flat = reduce(opType, f, idx, outSize)
	case []int32:
		flat = reduce(opType, f, idx, outSize)
	case []int64:
		flat = reduce(opType, f, idx, outSize)
	default:
		return nil, errors.Errorf("%s not supported for dtype %s", opType, operand.DType())
	}
	return tensors.FromFlat(shapes.Make(output.DType, output.Dimensions...), flat)
}

func logSoftmax[T constraints.Float](flat []T, outer, dim, inner int) []T {
	out := make([]T, len(flat))
	for o := range outer {
		for in := range inner {
			base := o*dim*inner + in
			maxValue := math.Inf(-1)
			for d := range dim {
				maxValue = max(maxValue, float64(flat[base+d*inner]))
			}
			var sum float64
			for d := range dim {
				sum += math.Exp(float64(flat[base+d*inner]) - maxValue)
			}
			logSum := math.Log(sum) + maxValue
			for d := range dim {
				out[base+d*inner] = T(float64(flat[base+d*inner]) - logSum)
			}
		}
	}
	return out
}

func logSoftmaxOp(operand *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	shape := operand.Shape()
	outer, dim, inner := splitAxis(shape.Dimensions, shape.AdjustAxis(axis))
	var flat any
	switch f := operand.Flat().(type) {
	case []float32:
		flat = logSoftmax(f, outer, dim, inner)
	case []float64:
		flat = logSoftmax(f, outer, dim, inner)
	default:
		return nil, errors.Errorf("LogSoftmax not supported for dtype %s", operand.DType())
	}
	return tensors.FromFlat(shapes.Make(shape.DType, slices.Clone(shape.Dimensions)...), flat)
}
