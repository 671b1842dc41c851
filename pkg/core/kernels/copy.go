// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"reflect"

	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
)

// copyFlat copies src into dst starting at position pos. Both must be slices of the same type.
func copyFlat(dst any, pos int, src any) error {
	dv, sv := reflect.ValueOf(dst), reflect.ValueOf(src)
	if dv.Type() != sv.Type() {
		return errors.Errorf("copyFlat: type mismatch %T and %T", dst, src)
	}
	if pos+sv.Len() > dv.Len() {
		return errors.Errorf("copyFlat: %d elements at position %d overflow destination of %d elements", sv.Len(), pos, dv.Len())
	}
	reflect.Copy(dv.Slice(pos, dv.Len()), sv)
	return nil
}

// CopyInto copies the values of src into dst, starting at element offset.
// It's used by the loop engine to write concatenated outputs in place.
func CopyInto(dst *tensors.Tensor, offset int, src *tensors.Tensor) error {
	return copyFlat(dst.Flat(), offset, src.Flat())
}

// SliceAxis returns a copy of the elements [start, start+length) of axis of t.
func SliceAxis(t *tensors.Tensor, axis, start, length int) (*tensors.Tensor, error) {
	shape := t.Shape()
	axis = shape.AdjustAxis(axis)
	if start < 0 || length < 0 || start+length > shape.Dimensions[axis] {
		return nil, errors.Errorf("SliceAxis: range [%d, %d) out of bounds for axis %d of %s", start, start+length, axis, shape)
	}
	outer, dim, inner := splitAxis(shape.Dimensions, axis)
	idx := make([]int, 0, outer*length*inner)
	for o := range outer {
		base := (o*dim + start) * inner
		for j := range length * inner {
			idx = append(idx, base+j)
		}
	}
	output := shape.Clone()
	output.Dimensions[axis] = length
	output.Labels = nil
	return gatherTensor(t, idx, output), nil
}

// WriteAxis writes src into dst at [start, start+src.Dim(axis)) along axis. Other axes must match.
func WriteAxis(dst *tensors.Tensor, axis, start int, src *tensors.Tensor) error {
	dShape, sShape := dst.Shape(), src.Shape()
	axis = dShape.AdjustAxis(axis)
	if dShape.Rank() != sShape.Rank() {
		return errors.Errorf("WriteAxis: rank mismatch %s and %s", dShape, sShape)
	}
	length := sShape.Dimensions[axis]
	if start < 0 || start+length > dShape.Dimensions[axis] {
		return errors.Errorf("WriteAxis: range [%d, %d) out of bounds for axis %d of %s", start, start+length, axis, dShape)
	}
	outer, dim, inner := splitAxis(dShape.Dimensions, axis)
	dv, sv := reflect.ValueOf(dst.Flat()), reflect.ValueOf(src.Flat())
	if dv.Type() != sv.Type() {
		return errors.Errorf("WriteAxis: dtype mismatch %s and %s", dShape.DType, sShape.DType)
	}
	block := length * inner
	for o := range outer {
		dBase := (o*dim + start) * inner
		reflect.Copy(dv.Slice(dBase, dBase+block), sv.Slice(o*block, (o+1)*block))
	}
	return nil
}
