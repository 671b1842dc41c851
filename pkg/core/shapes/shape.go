// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines the (possibly partial) Shape of a value in a graph.
//
// A Shape carries the DType, the dimensions of each axis (static or UnknownDim), an optional
// symbolic Label per axis and a Layout tag. The rank itself may be unknown, see UnknownRank.
//
// ## Glossary
//
//   - Rank: number of axes of a value.
//   - Axis: index of a dimension. Negative axes count from the end.
//   - Dimension: size of an axis. UnknownDim (-1) if it is only known at run time.
//   - Label: a symbolic tag attached to a dimension, used to track that two dimensions in
//     different parts of a graph are the same quantity (e.g. the batch size).
//   - Layout: the memory arrangement a backend should use for the value. It is metadata: host
//     tensors are always row-major.
//
// Example: `shapes.Make(dtypes.Float32, 2, 3)` is printed as `(Float32)[2 3]`, and
// `shapes.MakeDynamic(dtypes.Float32, shapes.UnknownDim, 16)` as `(Float32)[? 16]`.
package shapes

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// UnknownDim marks a dimension only known at run time.
const UnknownDim = -1

// Label is a symbolic tag for a dimension. NoLabel (0) means the dimension is untracked.
type Label int

// NoLabel is the zero Label.
const NoLabel Label = 0

var labelCounter atomic.Int64

// NewLabel returns a fresh Label, never returned before in the process.
func NewLabel() Label {
	return Label(labelCounter.Add(1))
}

// Shape of a value: dtype, dimensions, per-axis labels and layout.
//
// Use Make, MakeDynamic or UnknownRank to create new shapes.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Labels, if not nil, has one entry per axis.
	Labels []Label

	Layout Layout

	// RankUnknown is set for shapes whose number of axes is not known.
	RankUnknown bool
}

// Make returns a static Shape. It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a static shape with negative dimension, use MakeDynamic", s)
		}
	}
	return s
}

// MakeDynamic returns a Shape where dimensions may be UnknownDim.
func MakeDynamic(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < UnknownDim {
			exceptions.Panicf("shapes.MakeDynamic(%v): invalid dimension %d", dimensions, dim)
		}
	}
	return s
}

// UnknownRank returns a shape where not even the rank is known.
func UnknownRank(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, RankUnknown: true}
}

// Scalar returns a scalar Shape for the given type.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape. It returns -1 if the rank is unknown.
func (s Shape) Rank() int {
	if s.RankUnknown {
		return -1
	}
	return len(s.Dimensions)
}

// HasStaticRank returns whether the number of axes is known.
func (s Shape) HasStaticRank() bool { return !s.RankUnknown }

// IsStatic returns whether the rank and all dimensions are known.
func (s Shape) IsStatic() bool {
	if s.RankUnknown {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim == UnknownDim {
			return false
		}
	}
	return true
}

// IsScalar returns whether the shape is a known rank 0 shape.
func (s Shape) IsScalar() bool { return s.Ok() && !s.RankUnknown && len(s.Dimensions) == 0 }

// AdjustAxis converts a negative axis to its positive counterpart. It panics if the axis is out of range.
func (s Shape) AdjustAxis(axis int) int {
	rank := s.Rank()
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, rank, s)
	}
	return adjusted
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.AdjustAxis(axis)]
}

// Label returns the label of the given axis, or NoLabel.
func (s Shape) Label(axis int) Label {
	axis = s.AdjustAxis(axis)
	if s.Labels == nil {
		return NoLabel
	}
	return s.Labels[axis]
}

// WithLabel returns a copy of the shape with the label of axis set.
func (s Shape) WithLabel(axis int, label Label) Shape {
	s2 := s.Clone()
	axis = s2.AdjustAxis(axis)
	if s2.Labels == nil {
		s2.Labels = make([]Label, len(s2.Dimensions))
	}
	s2.Labels[axis] = label
	return s2
}

// WithLayout returns a copy of the shape with the given layout.
func (s Shape) WithLayout(layout Layout) Shape {
	s2 := s.Clone()
	s2.Layout = layout
	return s2
}

// HasLabels returns whether any axis is labeled.
func (s Shape) HasLabels() bool {
	for _, l := range s.Labels {
		if l != NoLabel {
			return true
		}
	}
	return false
}

// Size returns the number of elements of a static shape. It panics for dynamic shapes.
func (s Shape) Size() (size int) {
	if !s.IsStatic() {
		exceptions.Panicf("Shape.Size() of dynamic shape %s", s)
	}
	size = 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return
}

// Memory returns the number of bytes for a static shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Strides returns the row-major strides (in elements, not bytes) of a static shape.
func (s Shape) Strides() []int {
	rank := s.Rank()
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Equal compares dtype, rank, dimensions and layout. Labels are ignored, see Identical.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.RankUnknown != s2.RankUnknown || s.Layout != s2.Layout {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares only rank and dimensions.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return s.RankUnknown == s2.RankUnknown && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Identical is like Equal, but it also requires the same labels.
func (s Shape) Identical(s2 Shape) bool {
	if !s.Equal(s2) {
		return false
	}
	for axis := range s.Dimensions {
		var l1, l2 Label
		if s.Labels != nil {
			l1 = s.Labels[axis]
		}
		if s2.Labels != nil {
			l2 = s2.Labels[axis]
		}
		if l1 != l2 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	s2 := s
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.Labels = slices.Clone(s.Labels)
	return s2
}

// String implements fmt.Stringer, pretty-prints the shape, e.g. `(Float32)[2 ? 16]`.
// Labeled axes are printed with the label, e.g. `?<3>`, and a non-default layout is appended.
func (s Shape) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%s)", s.DType)
	if s.RankUnknown {
		sb.WriteString("[...]")
	} else if len(s.Dimensions) > 0 {
		parts := make([]string, len(s.Dimensions))
		for axis, dim := range s.Dimensions {
			if dim == UnknownDim {
				parts[axis] = "?"
			} else {
				parts[axis] = fmt.Sprintf("%d", dim)
			}
			if s.Labels != nil && s.Labels[axis] != NoLabel {
				parts[axis] += fmt.Sprintf("<%d>", s.Labels[axis])
			}
		}
		fmt.Fprintf(&sb, "[%s]", strings.Join(parts, " "))
	}
	if s.Layout != LayoutAny {
		fmt.Fprintf(&sb, "{%s}", s.Layout)
	}
	return sb.String()
}

// MergeDim merges two dimensions known to refer to the same quantity. It returns false if both
// are static and different.
func MergeDim(d1, d2 int) (int, bool) {
	switch {
	case d1 == UnknownDim:
		return d2, true
	case d2 == UnknownDim:
		return d1, true
	case d1 == d2:
		return d1, true
	default:
		return 0, false
	}
}

// MergeLabel returns the first non-empty label.
func MergeLabel(l1, l2 Label) Label {
	if l1 != NoLabel {
		return l1
	}
	return l2
}
