// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shapes resulting from operations and validates their inputs.
//
// Shapes may be partial: unknown dimensions (shapes.UnknownDim) propagate conservatively, and
// dimension labels are carried over wherever a dimension passes through an operation unchanged.
// That is what allows the passes to track, for instance, the batch dimension across a loop body.
//
// Parameters given as inputs (permutations, axes, target shapes) are passed as Input.Value
// when they are known at compile time (constants), and nil otherwise.
//
// All functions are pure: the same inputs always yield the same outputs.
package shapeinference

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Input to the shape inference of a node.
type Input struct {
	Shape shapes.Shape

	// Value holds the integer values of the input, if it is a known rank-1 (or scalar) constant.
	Value []int
}

// CustomInferFn is the type of ops.KindDescriptor.Infer.
type CustomInferFn func(attrs ops.CustomAttrs, inputs []Input) ([]shapes.Shape, error)

// MismatchError is returned when the static dimensions of inputs are incompatible.
type MismatchError struct {
	Op   ops.OpType
	Axis int
	Dims []int
}

// Error implements error.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: axis %d has incompatible dimensions %v", e.Op, e.Axis, e.Dims)
}

// Shapes is a convenience to build []Input from shapes with no known values.
func Shapes(inputShapes ...shapes.Shape) []Input {
	inputs := make([]Input, len(inputShapes))
	for i, s := range inputShapes {
		inputs[i] = Input{Shape: s}
	}
	return inputs
}

func checkNumInputs(opType ops.OpType, inputs []Input, want ...int) error {
	if slices.Contains(want, len(inputs)) {
		return nil
	}
	return errors.Errorf("%s takes %v inputs, got %d", opType, want, len(inputs))
}

// Infer returns the output shapes of a node of the given kind.
// Sub-graph ops (Loop, TensorIterator), Parameter and Constant are handled by the graph itself.
func Infer(opType ops.OpType, attrs any, inputs []Input) ([]shapes.Shape, error) {
	one := func(s shapes.Shape, err error) ([]shapes.Shape, error) {
		if err != nil {
			return nil, err
		}
		return []shapes.Shape{s}, nil
	}
	switch {
	case ops.BinaryElementwise.Has(opType):
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		return one(BinaryOp(opType, inputs[0].Shape, inputs[1].Shape))
	case ops.UnaryElementwise.Has(opType):
		if err := checkNumInputs(opType, inputs, 1); err != nil {
			return nil, err
		}
		return one(UnaryOp(opType, inputs[0].Shape))
	case ops.Reductions.Has(opType):
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		a, _ := attrs.(ops.ReduceAttrs)
		return one(ReduceOp(opType, inputs[0].Shape, inputs[1], a.KeepDims))
	case ops.RecurrentCells.Has(opType):
		a, ok := attrs.(ops.CellAttrs)
		if !ok {
			return nil, errors.Errorf("%s requires ops.CellAttrs, got %T", opType, attrs)
		}
		return CellOp(opType, a, inputs)
	}

	switch opType {
	case ops.OpTypeResult:
		if err := checkNumInputs(opType, inputs, 1); err != nil {
			return nil, err
		}
		return []shapes.Shape{inputs[0].Shape.Clone()}, nil
	case ops.OpTypeConvert:
		if err := checkNumInputs(opType, inputs, 1); err != nil {
			return nil, err
		}
		a, _ := attrs.(ops.ConvertAttrs)
		return one(ConvertOp(inputs[0].Shape, a.DType))
	case ops.OpTypeTranspose:
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		return one(TransposeOp(inputs[0].Shape, inputs[1].Value))
	case ops.OpTypeReshape:
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		a, _ := attrs.(ops.ReshapeAttrs)
		return one(ReshapeOp(inputs[0].Shape, inputs[1], a.SpecialZero))
	case ops.OpTypeSqueeze:
		if err := checkNumInputs(opType, inputs, 1, 2); err != nil {
			return nil, err
		}
		if len(inputs) == 1 {
			return one(SqueezeOp(inputs[0].Shape, nil, false))
		}
		if inputs[1].Value == nil {
			return one(shapes.UnknownRank(inputs[0].Shape.DType), nil)
		}
		return one(SqueezeOp(inputs[0].Shape, inputs[1].Value, true))
	case ops.OpTypeUnsqueeze:
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		return one(UnsqueezeOp(inputs[0].Shape, inputs[1]))
	case ops.OpTypeConcat:
		a, _ := attrs.(ops.ConcatAttrs)
		inputShapes := make([]shapes.Shape, len(inputs))
		for i, in := range inputs {
			inputShapes[i] = in.Shape
		}
		return one(ConcatOp(inputShapes, a.Axis))
	case ops.OpTypeSplit:
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		a, _ := attrs.(ops.SplitAttrs)
		return SplitOp(inputs[0].Shape, inputs[1].Value, a.NumSplits)
	case ops.OpTypeBroadcast:
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		return one(BroadcastOp(inputs[0].Shape, inputs[1]))
	case ops.OpTypeShapeOf:
		if err := checkNumInputs(opType, inputs, 1); err != nil {
			return nil, err
		}
		return one(ShapeOfOp(inputs[0].Shape))
	case ops.OpTypeGather:
		if err := checkNumInputs(opType, inputs, 3); err != nil {
			return nil, err
		}
		return one(GatherOp(inputs[0].Shape, inputs[1].Shape, inputs[2].Value))
	case ops.OpTypeLogSoftmax:
		if err := checkNumInputs(opType, inputs, 1); err != nil {
			return nil, err
		}
		a, _ := attrs.(ops.LogSoftmaxAttrs)
		return one(LogSoftmaxOp(inputs[0].Shape, a.Axis))
	case ops.OpTypeMatMul:
		if err := checkNumInputs(opType, inputs, 2); err != nil {
			return nil, err
		}
		a, _ := attrs.(ops.MatMulAttrs)
		return one(MatMulOp(inputs[0].Shape, inputs[1].Shape, a.TransposeA, a.TransposeB))
	case ops.OpTypeFakeQuantize:
		if err := checkNumInputs(opType, inputs, 5); err != nil {
			return nil, err
		}
		a, _ := attrs.(ops.FakeQuantizeAttrs)
		return one(FakeQuantizeOp(inputs, a.Levels))
	case ops.OpTypeCustom:
		a, ok := attrs.(ops.CustomAttrs)
		if !ok {
			return nil, errors.Errorf("custom op requires ops.CustomAttrs, got %T", attrs)
		}
		desc, found := ops.Lookup(a.Kind)
		if !found {
			return nil, errors.Errorf("custom op kind %q not registered", a.Kind)
		}
		inferFn, ok := desc.Infer.(CustomInferFn)
		if !ok {
			if fn, isFn := desc.Infer.(func(ops.CustomAttrs, []Input) ([]shapes.Shape, error)); isFn {
				inferFn = fn
			} else {
				return nil, errors.Errorf("custom op kind %q has no valid Infer function (%T)", a.Kind, desc.Infer)
			}
		}
		outputs, err := inferFn(a, inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "custom op kind %q", a.Kind)
		}
		if len(outputs) != desc.NumOutputs {
			return nil, errors.Errorf("custom op kind %q inferred %d outputs, descriptor says %d", a.Kind, len(outputs), desc.NumOutputs)
		}
		return outputs, nil
	}
	return nil, errors.Errorf("shape inference for %s not supported", opType)
}

// broadcastDims merges two dimensions under numpy broadcasting rules.
func broadcastDims(d1, d2 int, l1, l2 shapes.Label) (int, shapes.Label, bool) {
	switch {
	case d1 == d2:
		return d1, shapes.MergeLabel(l1, l2), true
	case d1 == 1:
		return d2, l2, true
	case d2 == 1:
		return d1, l1, true
	case d1 == shapes.UnknownDim:
		// The unknown side is either 1 or d2.
		return d2, shapes.MergeLabel(l2, l1), true
	case d2 == shapes.UnknownDim:
		return d1, shapes.MergeLabel(l1, l2), true
	default:
		return 0, shapes.NoLabel, false
	}
}

// broadcastShapes aligns both shapes to the right (numpy style) and broadcasts each axis.
func broadcastShapes(opType ops.OpType, dtype dtypes.DType, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if !lhs.HasStaticRank() || !rhs.HasStaticRank() {
		return shapes.UnknownRank(dtype), nil
	}
	rank := max(lhs.Rank(), rhs.Rank())
	output := shapes.Shape{DType: dtype, Dimensions: make([]int, rank)}
	labels := make([]shapes.Label, rank)
	for axis := range rank {
		lAxis := axis - (rank - lhs.Rank())
		rAxis := axis - (rank - rhs.Rank())
		lDim, rDim := 1, 1
		var lLabel, rLabel shapes.Label
		if lAxis >= 0 {
			lDim, lLabel = lhs.Dimensions[lAxis], lhs.Label(lAxis)
		}
		if rAxis >= 0 {
			rDim, rLabel = rhs.Dimensions[rAxis], rhs.Label(rAxis)
		}
		dim, label, ok := broadcastDims(lDim, rDim, lLabel, rLabel)
		if !ok {
			return shapes.Invalid(), &MismatchError{Op: opType, Axis: axis, Dims: []int{lDim, rDim}}
		}
		output.Dimensions[axis] = dim
		labels[axis] = label
	}
	if slices.ContainsFunc(labels, func(l shapes.Label) bool { return l != shapes.NoLabel }) {
		output.Labels = labels
	}
	output.Layout = lhs.Layout
	if output.Layout == shapes.LayoutAny {
		output.Layout = rhs.Layout
	}
	return output, nil
}

// BinaryOp infers the shape of a binary elementwise op, using numpy broadcasting rules.
func BinaryOp(opType ops.OpType, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if !ops.BinaryElementwise.Has(opType) {
		return shapes.Invalid(), errors.Errorf("operation %s is not a binary elementwise operation", opType)
	}
	if lhs.DType == dtypes.InvalidDType || rhs.DType == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("invalid shape for %s or %s for BinaryOp %s", lhs, rhs, opType)
	}
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("data types (DType) for BinaryOp %s must match, got %s and %s", opType, lhs, rhs)
	}
	if lhs.DType == dtypes.Bool {
		return shapes.Invalid(), errors.Errorf("BinaryOp %s requires numeric inputs, got %s", opType, lhs)
	}
	return broadcastShapes(opType, lhs.DType, lhs, rhs)
}

// UnaryOp infers the shape of a unary elementwise op: the same as its input.
func UnaryOp(opType ops.OpType, operand shapes.Shape) (shapes.Shape, error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("invalid input shape for %s", opType)
	}
	if opType != ops.OpTypeNegative && opType != ops.OpTypeRelu && !operand.DType.IsFloat() {
		return shapes.Invalid(), errors.Errorf("%s requires a float input, got %s", opType, operand)
	}
	return operand.Clone(), nil
}

// ConvertOp changes the dtype only.
func ConvertOp(operand shapes.Shape, dtype dtypes.DType) (shapes.Shape, error) {
	if dtype == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("Convert to invalid dtype")
	}
	output := operand.Clone()
	output.DType = dtype
	return output, nil
}

// IsPermutation returns whether perm is a permutation of 0..len(perm)-1.
func IsPermutation(perm []int) bool {
	seen := make([]bool, len(perm))
	for _, axis := range perm {
		if axis < 0 || axis >= len(perm) || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}

// TransposeOp permutes the axes: output axis i is input axis perm[i].
// An empty perm reverses the axes. A nil perm means the permutation is not known at compile time.
func TransposeOp(operand shapes.Shape, perm []int) (shapes.Shape, error) {
	if !operand.HasStaticRank() {
		return operand.Clone(), nil
	}
	rank := operand.Rank()
	if perm == nil {
		dims := make([]int, rank)
		for i := range dims {
			dims[i] = shapes.UnknownDim
		}
		return shapes.MakeDynamic(operand.DType, dims...), nil
	}
	if len(perm) == 0 {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	if len(perm) != rank || !IsPermutation(perm) {
		return shapes.Invalid(), errors.Errorf("Transpose: invalid permutation %v for shape %s", perm, operand)
	}
	output := shapes.Shape{DType: operand.DType, Dimensions: make([]int, rank)}
	if operand.Labels != nil {
		output.Labels = make([]shapes.Label, rank)
	}
	for i, axis := range perm {
		output.Dimensions[i] = operand.Dimensions[axis]
		if operand.Labels != nil {
			output.Labels[i] = operand.Labels[axis]
		}
	}
	return output, nil
}

// ReshapeOp infers the shape of a reshape to target. Target may contain one -1 (inferred
// dimension), and 0s copy the input dimension if specialZero is set.
func ReshapeOp(operand shapes.Shape, target Input, specialZero bool) (shapes.Shape, error) {
	if target.Value == nil {
		if target.Shape.HasStaticRank() && target.Shape.Rank() == 1 && target.Shape.Dimensions[0] != shapes.UnknownDim {
			dims := make([]int, target.Shape.Dimensions[0])
			for i := range dims {
				dims[i] = shapes.UnknownDim
			}
			return shapes.MakeDynamic(operand.DType, dims...), nil
		}
		return shapes.UnknownRank(operand.DType), nil
	}
	dims := slices.Clone(target.Value)
	var labels []shapes.Label
	inferAxis := -1
	for axis, dim := range dims {
		switch {
		case dim == 0 && specialZero:
			if !operand.HasStaticRank() || axis >= operand.Rank() {
				return shapes.Invalid(), errors.Errorf("Reshape: special zero at axis %d has no corresponding input axis in %s", axis, operand)
			}
			dims[axis] = operand.Dimensions[axis]
			if l := operand.Label(axis); l != shapes.NoLabel {
				if labels == nil {
					labels = make([]shapes.Label, len(dims))
				}
				labels[axis] = l
			}
		case dim == -1:
			if inferAxis >= 0 {
				return shapes.Invalid(), errors.Errorf("Reshape: more than one -1 in target %v", target.Value)
			}
			inferAxis = axis
		case dim < 0:
			return shapes.Invalid(), errors.Errorf("Reshape: invalid target dimension %d in %v", dim, target.Value)
		}
	}
	if inferAxis >= 0 {
		dims[inferAxis] = shapes.UnknownDim
		if operand.IsStatic() {
			known := 1
			for axis, dim := range dims {
				if axis != inferAxis {
					known *= dim
				}
			}
			if known == 0 || operand.Size()%known != 0 {
				return shapes.Invalid(), errors.Errorf("Reshape: cannot reshape %s to %v", operand, target.Value)
			}
			dims[inferAxis] = operand.Size() / known
		}
	}
	output := shapes.MakeDynamic(operand.DType, dims...)
	output.Labels = labels
	if operand.IsStatic() && output.IsStatic() && operand.Size() != output.Size() {
		return shapes.Invalid(), errors.Errorf("Reshape: cannot reshape %s (%d elements) to %v", operand, operand.Size(), dims)
	}
	return output, nil
}

func normalizeAxes(axes []int, rank int) ([]int, error) {
	normalized := make([]int, len(axes))
	for i, axis := range axes {
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			return nil, errors.Errorf("axis %d out of range for rank %d", axes[i], rank)
		}
		normalized[i] = axis
	}
	return normalized, nil
}

// SqueezeOp removes the given axes, which must have dimension 1 (or unknown).
// If hasAxes is false, all axes with static dimension 1 are removed.
func SqueezeOp(operand shapes.Shape, axes []int, hasAxes bool) (shapes.Shape, error) {
	if !operand.HasStaticRank() {
		return operand.Clone(), nil
	}
	remove := make([]bool, operand.Rank())
	if hasAxes {
		normalized, err := normalizeAxes(axes, operand.Rank())
		if err != nil {
			return shapes.Invalid(), errors.WithMessage(err, "Squeeze")
		}
		for _, axis := range normalized {
			if dim := operand.Dimensions[axis]; dim != 1 && dim != shapes.UnknownDim {
				return shapes.Invalid(), errors.Errorf("Squeeze: axis %d of %s has dimension %d != 1", axis, operand, dim)
			}
			remove[axis] = true
		}
	} else {
		for axis, dim := range operand.Dimensions {
			remove[axis] = dim == 1
		}
	}
	output := shapes.Shape{DType: operand.DType, Dimensions: []int{}}
	var labels []shapes.Label
	for axis, dim := range operand.Dimensions {
		if remove[axis] {
			continue
		}
		output.Dimensions = append(output.Dimensions, dim)
		labels = append(labels, operand.Label(axis))
	}
	if slices.ContainsFunc(labels, func(l shapes.Label) bool { return l != shapes.NoLabel }) {
		output.Labels = labels
	}
	return output, nil
}

// UnsqueezeOp inserts axes of dimension 1, at the given positions of the output.
func UnsqueezeOp(operand shapes.Shape, axes Input) (shapes.Shape, error) {
	if !operand.HasStaticRank() {
		return operand.Clone(), nil
	}
	if axes.Value == nil {
		if axes.Shape.IsStatic() {
			n := 1
			if axes.Shape.Rank() == 1 {
				n = axes.Shape.Dimensions[0]
			}
			dims := make([]int, operand.Rank()+n)
			for i := range dims {
				dims[i] = shapes.UnknownDim
			}
			return shapes.MakeDynamic(operand.DType, dims...), nil
		}
		return shapes.UnknownRank(operand.DType), nil
	}
	outRank := operand.Rank() + len(axes.Value)
	normalized, err := normalizeAxes(axes.Value, outRank)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "Unsqueeze")
	}
	inserted := make([]bool, outRank)
	for _, axis := range normalized {
		if inserted[axis] {
			return shapes.Invalid(), errors.Errorf("Unsqueeze: repeated axis %d", axis)
		}
		inserted[axis] = true
	}
	output := shapes.Shape{DType: operand.DType, Dimensions: make([]int, outRank)}
	labels := make([]shapes.Label, outRank)
	inAxis := 0
	for axis := range outRank {
		if inserted[axis] {
			output.Dimensions[axis] = 1
			continue
		}
		output.Dimensions[axis] = operand.Dimensions[inAxis]
		labels[axis] = operand.Label(inAxis)
		inAxis++
	}
	if operand.HasLabels() {
		output.Labels = labels
	}
	return output, nil
}

// ConcatOp concatenates the inputs along axis. All other axes must match.
func ConcatOp(inputs []shapes.Shape, axis int) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("Concat requires at least one input")
	}
	dtype := inputs[0].DType
	var ranked *shapes.Shape
	for i := range inputs {
		if inputs[i].DType != dtype {
			return shapes.Invalid(), errors.Errorf("Concat: all inputs must have the same dtype, got %s and %s", inputs[0], inputs[i])
		}
		if inputs[i].HasStaticRank() && ranked == nil {
			ranked = &inputs[i]
		}
	}
	if ranked == nil {
		return shapes.UnknownRank(dtype), nil
	}
	rank := ranked.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return shapes.Invalid(), errors.Errorf("Concat: axis out of range for rank %d", rank)
	}
	output := ranked.Clone()
	output.Dimensions[axis] = 0
	if output.Labels != nil {
		output.Labels[axis] = shapes.NoLabel
	}
	for _, in := range inputs {
		if !in.HasStaticRank() {
			output.Dimensions[axis] = shapes.UnknownDim
			continue
		}
		if in.Rank() != rank {
			return shapes.Invalid(), errors.Errorf("Concat: all inputs must have the same rank, got %s and %s", ranked, in)
		}
		for a, dim := range in.Dimensions {
			if a == axis {
				if output.Dimensions[axis] != shapes.UnknownDim {
					if dim == shapes.UnknownDim {
						output.Dimensions[axis] = shapes.UnknownDim
					} else {
						output.Dimensions[axis] += dim
					}
				}
				continue
			}
			merged, ok := shapes.MergeDim(output.Dimensions[a], dim)
			if !ok {
				return shapes.Invalid(), &MismatchError{Op: ops.OpTypeConcat, Axis: a, Dims: []int{output.Dimensions[a], dim}}
			}
			output.Dimensions[a] = merged
		}
	}
	return output, nil
}

// SplitOp splits operand in numSplits equal parts along axis. A nil axis means the axis is not
// known at compile time.
func SplitOp(operand shapes.Shape, axisValue []int, numSplits int) ([]shapes.Shape, error) {
	if numSplits <= 0 {
		return nil, errors.Errorf("Split: num_splits must be > 0, got %d", numSplits)
	}
	outputs := make([]shapes.Shape, numSplits)
	if !operand.HasStaticRank() {
		for i := range outputs {
			outputs[i] = operand.Clone()
		}
		return outputs, nil
	}
	if len(axisValue) != 1 {
		for i := range outputs {
			dims := make([]int, operand.Rank())
			for a := range dims {
				dims[a] = shapes.UnknownDim
			}
			outputs[i] = shapes.MakeDynamic(operand.DType, dims...)
		}
		return outputs, nil
	}
	axis := axisValue[0]
	if axis < 0 {
		axis += operand.Rank()
	}
	if axis < 0 || axis >= operand.Rank() {
		return nil, errors.Errorf("Split: axis %d out of range for %s", axisValue[0], operand)
	}
	dim := operand.Dimensions[axis]
	if dim != shapes.UnknownDim && dim%numSplits != 0 {
		return nil, errors.Errorf("Split: dimension %d of axis %d is not divisible by %d", dim, axis, numSplits)
	}
	for i := range outputs {
		outputs[i] = operand.Clone()
		if dim != shapes.UnknownDim {
			outputs[i].Dimensions[axis] = dim / numSplits
		}
		if outputs[i].Labels != nil {
			outputs[i].Labels[axis] = shapes.NoLabel
		}
	}
	return outputs, nil
}

// BroadcastOp broadcasts operand to target (bidirectional numpy rules: the output is the
// broadcast of both).
func BroadcastOp(operand shapes.Shape, target Input) (shapes.Shape, error) {
	if target.Value == nil {
		if target.Shape.HasStaticRank() && target.Shape.Rank() == 1 && target.Shape.Dimensions[0] != shapes.UnknownDim && operand.HasStaticRank() {
			rank := max(target.Shape.Dimensions[0], operand.Rank())
			dims := make([]int, rank)
			for i := range dims {
				dims[i] = shapes.UnknownDim
			}
			return shapes.MakeDynamic(operand.DType, dims...), nil
		}
		return shapes.UnknownRank(operand.DType), nil
	}
	for _, dim := range target.Value {
		if dim < 0 {
			return shapes.Invalid(), errors.Errorf("Broadcast: invalid target shape %v", target.Value)
		}
	}
	return broadcastShapes(ops.OpTypeBroadcast, operand.DType, operand, shapes.Make(operand.DType, target.Value...))
}

// ShapeOfOp returns a rank-1 Int64 shape with one element per axis of operand.
func ShapeOfOp(operand shapes.Shape) (shapes.Shape, error) {
	if !operand.HasStaticRank() {
		return shapes.MakeDynamic(dtypes.Int64, shapes.UnknownDim), nil
	}
	return shapes.Make(dtypes.Int64, operand.Rank()), nil
}

// GatherOp takes slices of data along axis: output is data[:axis] + indices + data[axis+1:].
func GatherOp(data, indices shapes.Shape, axisValue []int) (shapes.Shape, error) {
	if !indices.DType.IsInt() {
		return shapes.Invalid(), errors.Errorf("Gather: indices must be integers, got %s", indices)
	}
	if !data.HasStaticRank() || !indices.HasStaticRank() || len(axisValue) != 1 {
		return shapes.UnknownRank(data.DType), nil
	}
	axis := axisValue[0]
	if axis < 0 {
		axis += data.Rank()
	}
	if axis < 0 || axis >= data.Rank() {
		return shapes.Invalid(), errors.Errorf("Gather: axis %d out of range for %s", axisValue[0], data)
	}
	dims := slices.Concat(data.Dimensions[:axis], indices.Dimensions, data.Dimensions[axis+1:])
	output := shapes.MakeDynamic(data.DType, dims...)
	if data.HasLabels() || indices.HasLabels() {
		output.Labels = make([]shapes.Label, len(dims))
		for a := range dims {
			switch {
			case a < axis:
				output.Labels[a] = data.Label(a)
			case a < axis+indices.Rank():
				output.Labels[a] = indices.Label(a - axis)
			default:
				output.Labels[a] = data.Label(a - indices.Rank() + 1)
			}
		}
	}
	return output, nil
}

// ReduceOp reduces the given axes.
func ReduceOp(opType ops.OpType, operand shapes.Shape, axes Input, keepDims bool) (shapes.Shape, error) {
	if !operand.DType.IsFloat() && !operand.DType.IsInt() {
		return shapes.Invalid(), errors.Errorf("%s requires a numeric input, got %s", opType, operand)
	}
	if !operand.HasStaticRank() {
		return operand.Clone(), nil
	}
	if axes.Value == nil {
		if keepDims {
			dims := slices.Repeat([]int{shapes.UnknownDim}, operand.Rank())
			return shapes.MakeDynamic(operand.DType, dims...), nil
		}
		return shapes.UnknownRank(operand.DType), nil
	}
	normalized, err := normalizeAxes(axes.Value, operand.Rank())
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "%s", opType)
	}
	output := shapes.Shape{DType: operand.DType, Dimensions: []int{}}
	var labels []shapes.Label
	for axis, dim := range operand.Dimensions {
		if slices.Contains(normalized, axis) {
			if keepDims {
				output.Dimensions = append(output.Dimensions, 1)
				labels = append(labels, shapes.NoLabel)
			}
			continue
		}
		output.Dimensions = append(output.Dimensions, dim)
		labels = append(labels, operand.Label(axis))
	}
	if slices.ContainsFunc(labels, func(l shapes.Label) bool { return l != shapes.NoLabel }) {
		output.Labels = labels
	}
	return output, nil
}

// LogSoftmaxOp keeps the shape; it only validates the axis.
func LogSoftmaxOp(operand shapes.Shape, axis int) (shapes.Shape, error) {
	if !operand.DType.IsFloat() {
		return shapes.Invalid(), errors.Errorf("LogSoftmax requires a float input, got %s", operand)
	}
	if operand.HasStaticRank() {
		if _, err := normalizeAxes([]int{axis}, operand.Rank()); err != nil {
			return shapes.Invalid(), errors.WithMessage(err, "LogSoftmax")
		}
	}
	return operand.Clone(), nil
}

// MatMulOp multiplies the two last axes of a and b, broadcasting the leading (batch) axes.
func MatMulOp(a, b shapes.Shape, transposeA, transposeB bool) (shapes.Shape, error) {
	if a.DType != b.DType {
		return shapes.Invalid(), errors.Errorf("MatMul: dtypes must match, got %s and %s", a, b)
	}
	if !a.HasStaticRank() || !b.HasStaticRank() {
		return shapes.UnknownRank(a.DType), nil
	}
	if a.Rank() < 2 || b.Rank() < 2 {
		return shapes.Invalid(), errors.Errorf("MatMul: inputs must have rank >= 2, got %s and %s", a, b)
	}
	rowsAxis, innerA := a.Rank()-2, a.Rank()-1
	if transposeA {
		rowsAxis, innerA = innerA, rowsAxis
	}
	innerB, colsAxis := b.Rank()-2, b.Rank()-1
	if transposeB {
		innerB, colsAxis = colsAxis, innerB
	}
	if _, ok := shapes.MergeDim(a.Dimensions[innerA], b.Dimensions[innerB]); !ok {
		return shapes.Invalid(), &MismatchError{Op: ops.OpTypeMatMul, Axis: innerA, Dims: []int{a.Dimensions[innerA], b.Dimensions[innerB]}}
	}
	batchA := shapes.Shape{DType: a.DType, Dimensions: a.Dimensions[:a.Rank()-2]}
	batchB := shapes.Shape{DType: b.DType, Dimensions: b.Dimensions[:b.Rank()-2]}
	if a.Labels != nil {
		batchA.Labels = a.Labels[:a.Rank()-2]
	}
	if b.Labels != nil {
		batchB.Labels = b.Labels[:b.Rank()-2]
	}
	batch, err := broadcastShapes(ops.OpTypeMatMul, a.DType, batchA, batchB)
	if err != nil {
		return shapes.Invalid(), err
	}
	output := shapes.MakeDynamic(a.DType, append(batch.Dimensions, a.Dimensions[rowsAxis], b.Dimensions[colsAxis])...)
	if batch.Labels != nil || a.Label(rowsAxis) != shapes.NoLabel || b.Label(colsAxis) != shapes.NoLabel {
		output.Labels = make([]shapes.Label, output.Rank())
		copy(output.Labels, batch.Labels)
		output.Labels[output.Rank()-2] = a.Label(rowsAxis)
		output.Labels[output.Rank()-1] = b.Label(colsAxis)
	}
	return output, nil
}

// FakeQuantizeOp: the output is the broadcast of the data and the four range inputs.
func FakeQuantizeOp(inputs []Input, levels int) (shapes.Shape, error) {
	if levels < 2 {
		return shapes.Invalid(), errors.Errorf("FakeQuantize: levels must be >= 2, got %d", levels)
	}
	output := inputs[0].Shape
	for _, in := range inputs[1:] {
		var err error
		output, err = broadcastShapes(ops.OpTypeFakeQuantize, output.DType, output, in.Shape)
		if err != nil {
			return shapes.Invalid(), err
		}
	}
	return output, nil
}

// CellOp infers the outputs of a recurrent cell: one [batch, hidden] output (two for the LSTMCell).
// The batch dimension is merged from X, H (and C), and it carries their label.
func CellOp(opType ops.OpType, attrs ops.CellAttrs, inputs []Input) ([]shapes.Shape, error) {
	numInputs, numOutputs := 5, 1
	if opType == ops.OpTypeLSTMCell {
		numInputs, numOutputs = 6, 2
	}
	if err := checkNumInputs(opType, inputs, numInputs); err != nil {
		return nil, err
	}
	if attrs.HiddenSize <= 0 {
		return nil, errors.Errorf("%s: hidden_size must be > 0, got %d", opType, attrs.HiddenSize)
	}
	x := inputs[0].Shape
	if !x.DType.IsFloat() {
		return nil, errors.Errorf("%s requires float inputs, got %s", opType, x)
	}
	gates := ops.NumGates(opType) * attrs.HiddenSize
	batch, label := shapes.UnknownDim, shapes.NoLabel
	numStates := numOutputs
	for i := range 1 + numStates {
		s := inputs[i].Shape
		if s.DType != x.DType {
			return nil, errors.Errorf("%s: input #%d dtype %s doesn't match X dtype %s", opType, i, s.DType, x.DType)
		}
		if !s.HasStaticRank() {
			continue
		}
		if s.Rank() != 2 {
			return nil, errors.Errorf("%s: input #%d must have rank 2, got %s", opType, i, s)
		}
		var ok bool
		prevBatch := batch
		batch, ok = shapes.MergeDim(batch, s.Dimensions[0])
		if !ok {
			return nil, &MismatchError{Op: opType, Axis: 0, Dims: []int{prevBatch, s.Dimensions[0]}}
		}
		label = shapes.MergeLabel(label, s.Label(0))
		if i > 0 {
			if _, ok := shapes.MergeDim(s.Dimensions[1], attrs.HiddenSize); !ok {
				return nil, &MismatchError{Op: opType, Axis: 1, Dims: []int{s.Dimensions[1], attrs.HiddenSize}}
			}
		}
	}
	weights := inputs[1+numStates:]
	for i, s := range []shapes.Shape{weights[0].Shape, weights[1].Shape} {
		if !s.HasStaticRank() {
			continue
		}
		if s.Rank() != 2 {
			return nil, errors.Errorf("%s: weights #%d must have rank 2, got %s", opType, i, s)
		}
		if _, ok := shapes.MergeDim(s.Dimensions[0], gates); !ok {
			return nil, &MismatchError{Op: opType, Axis: 0, Dims: []int{s.Dimensions[0], gates}}
		}
	}
	if s := weights[1].Shape; s.HasStaticRank() {
		if _, ok := shapes.MergeDim(s.Dimensions[1], attrs.HiddenSize); !ok {
			return nil, &MismatchError{Op: opType, Axis: 1, Dims: []int{s.Dimensions[1], attrs.HiddenSize}}
		}
	}
	if x.HasStaticRank() && weights[0].Shape.HasStaticRank() {
		if _, ok := shapes.MergeDim(x.Dimensions[1], weights[0].Shape.Dimensions[1]); !ok {
			return nil, &MismatchError{Op: opType, Axis: 1, Dims: []int{x.Dimensions[1], weights[0].Shape.Dimensions[1]}}
		}
	}
	output := shapes.MakeDynamic(x.DType, batch, attrs.HiddenSize)
	if label != shapes.NoLabel {
		output = output.WithLabel(0, label)
	}
	outputs := make([]shapes.Shape, numOutputs)
	for i := range outputs {
		outputs[i] = output.Clone()
	}
	return outputs, nil
}
