// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/x448/float16"
)

// forEachIndex calls fn for every multi-index of dims, in row-major order.
// The indices slice is reused between calls.
func forEachIndex(dims []int, fn func(flatIdx int, indices []int)) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if size == 0 {
		return
	}
	indices := make([]int, len(dims))
	for flatIdx := 0; flatIdx < size; flatIdx++ {
		fn(flatIdx, indices)
		for axis := len(dims) - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < dims[axis] {
				break
			}
			indices[axis] = 0
		}
	}
}

// broadcastIndices returns, for each element of output, the flat index into src under
// numpy (right aligned) broadcasting.
func broadcastIndices(src, output shapes.Shape) []int {
	checkStatic(src)
	offset := output.Rank() - src.Rank()
	strides := src.Strides()
	bStrides := make([]int, output.Rank())
	for axis := range src.Rank() {
		if src.Dimensions[axis] != 1 {
			bStrides[axis+offset] = strides[axis]
		}
	}
	idx := make([]int, output.Size())
	forEachIndex(output.Dimensions, func(flatIdx int, indices []int) {
		srcIdx := 0
		for axis, i := range indices {
			srcIdx += i * bStrides[axis]
		}
		idx[flatIdx] = srcIdx
	})
	return idx
}

func take[T any](flat []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = flat[j]
	}
	return out
}

// takeFlat returns a new flat slice with flat[idx[i]] for each i, for any supported dtype.
func takeFlat(flat any, idx []int) any {
	switch f := flat.(type) {
	case []float32:
		return take(f, idx)
	case []float64:
		return take(f, idx)
	case []int32:
		return take(f, idx)
	case []int64:
		return take(f, idx)
	case []bool:
		return take(f, idx)
	case []float16.Float16:
		return take(f, idx)
	case []bfloat16.BFloat16:
		return take(f, idx)
	case []uint8:
		return take(f, idx)
	case []int8:
		return take(f, idx)
	}
	exceptions.Panicf("unsupported flat type %T", flat)
	return nil
}

func gatherTensor(t *tensors.Tensor, idx []int, output shapes.Shape) *tensors.Tensor {
	out, err := tensors.FromFlat(shapes.Make(output.DType, output.Dimensions...), takeFlat(t.Flat(), idx))
	if err != nil {
		panic(err)
	}
	return out
}

func broadcastTo(t *tensors.Tensor, output shapes.Shape) *tensors.Tensor {
	if t.Shape().EqualDimensions(output) {
		return t.Clone()
	}
	return gatherTensor(t, broadcastIndices(t.Shape(), output), output)
}
