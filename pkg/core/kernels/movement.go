// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
)

func transposeOp(operand, permTensor *tensors.Tensor, output shapes.Shape) (*tensors.Tensor, error) {
	perm, err := permTensor.ToInts()
	if err != nil {
		return nil, err
	}
	rank := operand.Rank()
	if len(perm) == 0 {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	srcStrides := operand.Shape().Strides()
	idx := make([]int, output.Size())
	forEachIndex(output.Dimensions, func(flatIdx int, indices []int) {
		srcIdx := 0
		for axis, i := range indices {
			srcIdx += i * srcStrides[perm[axis]]
		}
		idx[flatIdx] = srcIdx
	})
	return gatherTensor(operand, idx, output), nil
}

// splitAxis returns the sizes of the axes before, at and after axis.
func splitAxis(dims []int, axis int) (outer, dim, inner int) {
	outer, inner = 1, 1
	for a, d := range dims {
		switch {
		case a < axis:
			outer *= d
		case a > axis:
			inner *= d
		}
	}
	return outer, dims[axis], inner
}

func concatOp(inputs []*tensors.Tensor, axis int, output shapes.Shape) (*tensors.Tensor, error) {
	if axis < 0 {
		axis += output.Rank()
	}
	// Index map over a virtual "stacked" flat slice: input i starts at offsets[i].
	offsets := make([]int, len(inputs))
	total := 0
	for i, in := range inputs {
		offsets[i] = total
		total += in.Size()
	}
	outer, _, inner := splitAxis(output.Dimensions, axis)
	idx := make([]int, 0, output.Size())
	for o := range outer {
		for i, in := range inputs {
			block := in.Shape().Dimensions[axis] * inner
			start := offsets[i] + o*block
			for j := range block {
				idx = append(idx, start+j)
			}
		}
	}
	stacked, err := stackFlat(inputs)
	if err != nil {
		return nil, err
	}
	return gatherTensor(stacked, idx, output), nil
}

// stackFlat concatenates the flat values of all inputs in a rank-1 tensor.
func stackFlat(inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	total := 0
	for _, in := range inputs {
		total += in.Size()
	}
	out := tensors.FromShape(shapes.Make(inputs[0].DType(), total))
	pos := 0
	for _, in := range inputs {
		if err := copyFlat(out.Flat(), pos, in.Flat()); err != nil {
			return nil, err
		}
		pos += in.Size()
	}
	return out, nil
}

func splitOp(operand, axisTensor *tensors.Tensor, outputShapes []shapes.Shape) ([]*tensors.Tensor, error) {
	axisValues, err := axisTensor.ToInts()
	if err != nil {
		return nil, err
	}
	if len(axisValues) != 1 {
		return nil, errors.Errorf("Split axis must be a single value, got %v", axisValues)
	}
	axis := operand.Shape().AdjustAxis(axisValues[0])
	outer, dim, inner := splitAxis(operand.Shape().Dimensions, axis)
	part := dim / len(outputShapes)
	outputs := make([]*tensors.Tensor, len(outputShapes))
	for p, output := range outputShapes {
		idx := make([]int, 0, output.Size())
		for o := range outer {
			start := o*dim*inner + p*part*inner
			for j := range part * inner {
				idx = append(idx, start+j)
			}
		}
		outputs[p] = gatherTensor(operand, idx, output)
	}
	return outputs, nil
}

func gatherOp(data, indicesTensor, axisTensor *tensors.Tensor, output shapes.Shape) (*tensors.Tensor, error) {
	axisValues, err := axisTensor.ToInts()
	if err != nil {
		return nil, err
	}
	indices, err := indicesTensor.ToInts()
	if err != nil {
		return nil, err
	}
	axis := data.Shape().AdjustAxis(axisValues[0])
	outer, dim, inner := splitAxis(data.Shape().Dimensions, axis)
	idx := make([]int, 0, output.Size())
	for o := range outer {
		for _, i := range indices {
			if i < 0 {
				i += dim
			}
			if i < 0 || i >= dim {
				return nil, errors.Errorf("Gather index %d out of range for dimension %d", i, dim)
			}
			start := (o*dim + i) * inner
			for j := range inner {
				idx = append(idx, start+j)
			}
		}
	}
	return gatherTensor(data, idx, output), nil
}
