// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the host Tensor: a static shape plus a flat Go slice with
// the values in row-major order.
//
// Tensors are used for Constant nodes, as the values folded by the constant folding pass and
// as the buffers of the Go backend.
package tensors

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor is a value with a static shape, stored on the host.
type Tensor struct {
	shape shapes.Shape

	// flat holds a slice of the Go type corresponding to shape.DType.
	flat any
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, using flat as its storage.
// The slice is not copied. It panics if the size doesn't match.
func FromFlatDataAndDimensions[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: shape %s has %d elements, flat data has %d", shape, shape.Size(), len(flat))
	}
	return &Tensor{shape: shape, flat: flat}
}

// FromScalar creates a rank-0 tensor.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{shape: shapes.Make(dtypes.FromGenericsType[T]()), flat: []T{value}}
}

// FromFlat creates a tensor from a flat slice (of any supported type) and a static shape.
func FromFlat(shape shapes.Shape, flat any) (*Tensor, error) {
	if !shape.IsStatic() {
		return nil, errors.Errorf("tensors.FromFlat: shape %s is not static", shape)
	}
	v := reflect.ValueOf(flat)
	if v.Kind() != reflect.Slice {
		return nil, errors.Errorf("tensors.FromFlat: flat must be a slice, got %T", flat)
	}
	if dtype := dtypes.FromGoType(v.Type().Elem()); dtype != shape.DType {
		return nil, errors.Errorf("tensors.FromFlat: flat of type %T doesn't match dtype %s", flat, shape.DType)
	}
	if v.Len() != shape.Size() {
		return nil, errors.Errorf("tensors.FromFlat: shape %s has %d elements, flat data has %d", shape, shape.Size(), v.Len())
	}
	return &Tensor{shape: shape, flat: flat}, nil
}

// FromShape creates a zero-initialized tensor with the given static shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.IsStatic() {
		exceptions.Panicf("tensors.FromShape: shape %s is not static", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape: dtype %s not supported", shape.DType)
	}
	size := shape.Size()
	return &Tensor{shape: shape, flat: reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface()}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's values.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the number of bytes used by the values.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the underlying flat slice (not a copy).
func (t *Tensor) Flat() any { return t.flat }

// Reshape returns a tensor sharing the same storage with new dimensions.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(t.shape.DType, dimensions...)
	if shape.Size() != t.shape.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): incompatible with shape %s", dimensions, t.shape)
	}
	shape.Layout = t.shape.Layout
	return &Tensor{shape: shape, flat: t.flat}
}

// WithLayout returns a tensor sharing the same storage, tagged with the given layout.
func (t *Tensor) WithLayout(layout shapes.Layout) *Tensor {
	return &Tensor{shape: t.shape.WithLayout(layout), flat: t.flat}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	v := reflect.ValueOf(t.flat)
	c := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(c, v)
	return &Tensor{shape: t.shape.Clone(), flat: c.Interface()}
}

// FlatAs returns the flat values as []T. It panics if T doesn't match the dtype.
func FlatAs[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.FlatAs[%T]: tensor has dtype %s", *new(T), t.shape.DType)
	}
	return flat
}

// ToInts converts an integer tensor (Int32 or Int64) to []int.
// It's used to read axes, permutations and target shapes given as constants.
func (t *Tensor) ToInts() ([]int, error) {
	switch flat := t.flat.(type) {
	case []int64:
		ints := make([]int, len(flat))
		for i, v := range flat {
			ints[i] = int(v)
		}
		return ints, nil
	case []int32:
		ints := make([]int, len(flat))
		for i, v := range flat {
			ints[i] = int(v)
		}
		return ints, nil
	default:
		return nil, errors.Errorf("tensor of dtype %s is not an integer tensor", t.shape.DType)
	}
}

// ToFloat64s converts a numeric tensor to []float64.
func (t *Tensor) ToFloat64s() ([]float64, error) {
	v := reflect.ValueOf(t.flat)
	values := make([]float64, v.Len())
	for i := range values {
		elem := v.Index(i)
		switch {
		case elem.CanFloat():
			values[i] = elem.Float()
		case elem.CanInt():
			values[i] = float64(elem.Int())
		case elem.CanUint():
			values[i] = float64(elem.Uint())
		default:
			return nil, errors.Errorf("tensor of dtype %s cannot be converted to float64", t.shape.DType)
		}
	}
	return values, nil
}

// FromInts creates an Int64 tensor of rank 1 from ints.
func FromInts(values ...int) *Tensor {
	flat := make([]int64, len(values))
	for i, v := range values {
		flat[i] = int64(v)
	}
	return FromFlatDataAndDimensions(flat, len(flat))
}

// Equal compares shape (labels and layout ignored) and values.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if t == t2 {
		return true
	}
	if t == nil || t2 == nil {
		return false
	}
	if !t.shape.EqualDimensions(t2.shape) || t.shape.DType != t2.shape.DType {
		return false
	}
	return reflect.DeepEqual(t.flat, t2.flat)
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	const maxValues = 16
	v := reflect.ValueOf(t.flat)
	if v.Len() <= maxValues {
		return fmt.Sprintf("%s%v", t.shape, t.flat)
	}
	head := v.Slice(0, maxValues).Interface()
	return fmt.Sprintf("%s%v...", t.shape, head)
}

// SameValues returns whether all values of t equal values, after converting both to float64.
// values is broadcast if it has a single element.
func (t *Tensor) SameValues(values []float64) bool {
	got, err := t.ToFloat64s()
	if err != nil {
		return false
	}
	if len(values) == 1 {
		for _, v := range got {
			if v != values[0] {
				return false
			}
		}
		return true
	}
	return slices.Equal(got, values)
}
