// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/pkg/errors"
)

// InputKind is the kind of binding between an outer input of a Loop/TensorIterator and a body parameter.
type InputKind int

const (
	// InputInvariant feeds the same outer value in every iteration.
	InputInvariant InputKind = iota

	// InputSliced feeds one slice of the outer value per iteration.
	InputSliced

	// InputMerged is a back-edge: the outer value seeds the first iteration, afterwards the
	// body parameter receives the body result BodyResult of the previous iteration.
	InputMerged
)

// OutputKind is the kind of binding between a body result and an outer output.
type OutputKind int

const (
	// OutputIterValue exposes the body result of one iteration (the last one by default).
	OutputIterValue OutputKind = iota

	// OutputConcatenated concatenates the body result of every iteration along an axis.
	OutputConcatenated
)

var (
	inputKindNames  = []string{"invariant", "sliced", "merged"}
	outputKindNames = []string{"iter_value", "concatenated"}
)

func (k InputKind) String() string  { return inputKindNames[k] }
func (k OutputKind) String() string { return outputKindNames[k] }

// SliceSpec describes how an axis is traversed across iterations: PartSize elements per
// iteration, forward if Stride > 0, backward if Stride < 0. |Stride| must equal PartSize.
//
// Start and End delimit the traversed range, with negative values counting from the end:
// -1 is the end of the axis. The range is [min(Start, End), max(Start, End)).
// If PartSize doesn't divide the range, the last slice takes the remainder.
type SliceSpec struct {
	Axis     int
	Start    int
	End      int
	Stride   int
	PartSize int
}

// InputDescription binds the outer input at slot Input to the body parameter BodyParameter.
type InputDescription struct {
	Kind          InputKind
	Input         int
	BodyParameter int

	// Slice is used by InputSliced.
	Slice SliceSpec

	// BodyResult is the back-edge source, used by InputMerged.
	BodyResult int
}

// OutputDescription binds the body result BodyResult to the outer output Output.
type OutputDescription struct {
	Kind       OutputKind
	BodyResult int
	Output     int

	// Slice is used by OutputConcatenated: only Axis, Stride and PartSize are relevant.
	Slice SliceSpec
}

// LoopAttrs holds the binding tables and special ports of a Loop/TensorIterator node.
type LoopAttrs struct {
	Inputs  []InputDescription
	Outputs []OutputDescription

	// CurrentIterationParameter is the index of the body parameter receiving the iteration
	// number (Int64 scalar), or -1.
	CurrentIterationParameter int

	// ConditionResult is the index of the body result (Bool scalar) deciding whether to run
	// another iteration, or -1.
	ConditionResult int

	// MaxIterations bounds loops with an unbounded (negative) trip count. 0 means the backend default.
	MaxIterations int

	// ActualIterationsOutput is the outer output receiving the number of iterations executed
	// (Int64 scalar), or -1.
	ActualIterationsOutput int
}

// NewLoopAttrs returns empty binding tables with no special ports.
func NewLoopAttrs() *LoopAttrs {
	return &LoopAttrs{CurrentIterationParameter: -1, ConditionResult: -1, ActualIterationsOutput: -1}
}

// Clone returns a deep copy.
func (a *LoopAttrs) Clone() *LoopAttrs {
	c := *a
	c.Inputs = slices.Clone(a.Inputs)
	c.Outputs = slices.Clone(a.Outputs)
	return &c
}

// String implements fmt.Stringer.
func (a *LoopAttrs) String() string {
	return fmt.Sprintf("inputs=%v outputs=%v current_iteration=%d condition=%d max_iterations=%d actual_iterations=%d",
		a.Inputs, a.Outputs, a.CurrentIterationParameter, a.ConditionResult, a.MaxIterations, a.ActualIterationsOutput)
}

// NumOutputs returns the number of outer outputs described.
func (a *LoopAttrs) NumOutputs() int {
	num := a.ActualIterationsOutput + 1
	for _, desc := range a.Outputs {
		num = max(num, desc.Output+1)
	}
	return num
}

// InputFor returns the description bound to the given body parameter, or nil.
func (a *LoopAttrs) InputFor(bodyParameter int) *InputDescription {
	for i := range a.Inputs {
		if a.Inputs[i].BodyParameter == bodyParameter {
			return &a.Inputs[i]
		}
	}
	return nil
}

// Range returns the traversed range [lo, hi) for an axis of dimension dim.
func (s SliceSpec) Range(dim int) (lo, hi int) {
	start, end := s.Start, s.End
	if start < 0 {
		start += dim + 1
	}
	if end < 0 {
		end += dim + 1
	}
	return min(start, end), max(start, end)
}

// NumIterations returns the number of slices of an axis of dimension dim.
func (s SliceSpec) NumIterations(dim int) int {
	lo, hi := s.Range(dim)
	return (hi - lo + s.PartSize - 1) / s.PartSize
}

// Chunk returns the [start, start+length) range of the slice for the given iteration.
func (s SliceSpec) Chunk(dim, iteration int) (start, length int) {
	lo, hi := s.Range(dim)
	if s.Stride > 0 {
		start = lo + iteration*s.PartSize
		return start, min(s.PartSize, hi-start)
	}
	end := hi - iteration*s.PartSize
	start = max(end-s.PartSize, lo)
	return start, end - start
}

// NewLoop creates a Loop node. Its inputs are tripCount (Int64 scalar, negative for unbounded),
// condition (Bool scalar, the initial execution condition) followed by inputs; the descriptions'
// Input fields refer to slots of this full list, so data inputs start at slot 2.
//
// The body is owned by the new node. Malformed binding tables panic.
func NewLoop(tripCount, condition Output, body *Graph, attrs *LoopAttrs, inputs ...Output) *Node {
	allInputs := append([]Output{tripCount, condition}, inputs...)
	return newSubGraphNode(ops.OpTypeLoop, body, attrs, allInputs)
}

// NewTensorIterator creates a TensorIterator node: a loop whose trip count is given by its sliced inputs.
func NewTensorIterator(body *Graph, attrs *LoopAttrs, inputs ...Output) *Node {
	return newSubGraphNode(ops.OpTypeTensorIterator, body, attrs, inputs)
}

func newSubGraphNode(opType ops.OpType, body *Graph, attrs *LoopAttrs, inputs []Output) *Node {
	if len(inputs) == 0 {
		exceptions.Panicf("%s requires inputs", opType)
	}
	if body == nil {
		exceptions.Panicf("%s requires a body", opType)
	}
	if body.parent != nil {
		exceptions.Panicf("%s: body %q is already owned by %s", opType, body.name, body.parent)
	}
	attrs = attrs.Clone()
	if err := validateLoopAttrs(opType, body, attrs, inputs); err != nil {
		panic(err)
	}
	g := inputs[0].Graph()
	placeholder := make([]shapes.Shape, attrs.NumOutputs())
	n := g.newNode(opType, attrs, inputs, placeholder)
	n.body = body
	body.parent = n
	outputShapes, err := inferLoopShapes(n)
	if err != nil {
		n.detachInputs()
		n.removed = true
		body.parent = nil
		panic(errors.WithMessagef(err, "building %s", opType))
	}
	for i, s := range outputShapes {
		n.outputs[i].shape = s
	}
	return n
}

func validateLoopAttrs(opType ops.OpType, body *Graph, attrs *LoopAttrs, inputs []Output) error {
	firstDataInput := 0
	if opType == ops.OpTypeLoop {
		firstDataInput = 2
		if s := inputs[0].Shape(); !s.DType.IsInt() || s.Rank() > 1 {
			return errors.Errorf("Loop: trip count must be an integer scalar, got %s", s)
		}
		if s := inputs[1].Shape(); s.DType != dtypes.Bool {
			return errors.Errorf("Loop: execution condition must be a Bool scalar, got %s", s)
		}
	} else if attrs.ConditionResult >= 0 || attrs.CurrentIterationParameter >= 0 {
		return errors.Errorf("TensorIterator: condition and current iteration ports are only supported by Loop")
	}
	numParams, numResults := len(body.parameters), len(body.results)
	bound := make([]bool, numParams)
	if p := attrs.CurrentIterationParameter; p >= 0 {
		if p >= numParams {
			return errors.Errorf("%s: current iteration parameter %d out of range (%d body parameters)", opType, p, numParams)
		}
		bound[p] = true
	}
	usedSlots := make([]bool, len(inputs))
	hasSliced := false
	for i, desc := range attrs.Inputs {
		if desc.Input < firstDataInput || desc.Input >= len(inputs) {
			return errors.Errorf("%s: input description #%d refers to input slot %d, valid data slots are [%d, %d)", opType, i, desc.Input, firstDataInput, len(inputs))
		}
		if usedSlots[desc.Input] {
			return errors.Errorf("%s: input slot %d bound twice", opType, desc.Input)
		}
		usedSlots[desc.Input] = true
		if desc.BodyParameter < 0 || desc.BodyParameter >= numParams {
			return errors.Errorf("%s: input description #%d refers to body parameter %d, body has %d", opType, i, desc.BodyParameter, numParams)
		}
		if bound[desc.BodyParameter] {
			return errors.Errorf("%s: body parameter %d bound twice", opType, desc.BodyParameter)
		}
		bound[desc.BodyParameter] = true
		switch desc.Kind {
		case InputSliced:
			hasSliced = true
			if err := validateSlice(desc.Slice, inputs[desc.Input].Shape()); err != nil {
				return errors.WithMessagef(err, "%s: sliced input #%d", opType, i)
			}
		case InputMerged:
			if desc.BodyResult < 0 || desc.BodyResult >= numResults {
				return errors.Errorf("%s: back-edge of input #%d refers to body result %d, but the body has %d results", opType, i, desc.BodyResult, numResults)
			}
		}
	}
	for p, ok := range bound {
		if !ok {
			return errors.Errorf("%s: body parameter %d (%s) is not bound to any input", opType, p, body.parameters[p].Name())
		}
	}
	if opType == ops.OpTypeTensorIterator && !hasSliced {
		return errors.Errorf("TensorIterator requires at least one sliced input to define its trip count")
	}
	numOutputs := attrs.NumOutputs()
	outputBound := make([]bool, numOutputs)
	if attrs.ActualIterationsOutput >= 0 {
		outputBound[attrs.ActualIterationsOutput] = true
	}
	for i, desc := range attrs.Outputs {
		if desc.BodyResult < 0 || desc.BodyResult >= numResults {
			return errors.Errorf("%s: output description #%d refers to body result %d, body has %d", opType, i, desc.BodyResult, numResults)
		}
		if desc.Output < 0 || outputBound[desc.Output] {
			return errors.Errorf("%s: output %d bound twice or invalid", opType, desc.Output)
		}
		outputBound[desc.Output] = true
		if desc.Kind == OutputConcatenated && (desc.Slice.PartSize <= 0 || desc.Slice.Stride == 0) {
			return errors.Errorf("%s: concatenated output #%d requires part size > 0 and stride != 0", opType, i)
		}
	}
	for o, ok := range outputBound {
		if !ok {
			return errors.Errorf("%s: output %d is not bound", opType, o)
		}
	}
	if r := attrs.ConditionResult; r >= numResults {
		return errors.Errorf("%s: condition result %d out of range (%d body results)", opType, r, numResults)
	}
	return nil
}

func validateSlice(spec SliceSpec, s shapes.Shape) error {
	if spec.PartSize <= 0 {
		return errors.Errorf("part size must be > 0, got %d", spec.PartSize)
	}
	if spec.Stride != spec.PartSize && spec.Stride != -spec.PartSize {
		return errors.Errorf("|stride| must equal the part size, got stride=%d part size=%d", spec.Stride, spec.PartSize)
	}
	if s.HasStaticRank() && (spec.Axis < 0 || spec.Axis >= s.Rank()) {
		return errors.Errorf("axis %d out of range for %s", spec.Axis, s)
	}
	return nil
}

// StaticTripCount returns the number of iterations of a Loop/TensorIterator node, if it is known
// at compile time.
func StaticTripCount(n *Node) (int, bool) {
	attrs := n.LoopAttrs()
	if attrs == nil {
		return 0, false
	}
	count, known := -1, true
	for _, desc := range attrs.Inputs {
		if desc.Kind != InputSliced {
			continue
		}
		s := n.inputs[desc.Input].Shape()
		if !s.HasStaticRank() || s.Dimensions[desc.Slice.Axis] == shapes.UnknownDim {
			known = false
			continue
		}
		iterations := desc.Slice.NumIterations(s.Dimensions[desc.Slice.Axis])
		if count < 0 || iterations < count {
			count = iterations
		}
	}
	if n.opType == ops.OpTypeTensorIterator {
		return count, known && count >= 0
	}
	// Loop: the trip count input and the conditions must be static too.
	if attrs.ConditionResult >= 0 && !IsScalarBoolTrue(n.body.results[attrs.ConditionResult].inputs[0]) {
		return 0, false
	}
	if !IsScalarBoolTrue(n.inputs[1]) {
		if values := ConstantValueBool(n.inputs[1]); values != nil && !values[0] {
			return 0, true
		}
		return 0, false
	}
	tc := ConstantInts(n.inputs[0])
	if len(tc) != 1 || tc[0] < 0 || !known {
		return 0, false
	}
	if count >= 0 {
		return min(count, tc[0]), true
	}
	return tc[0], true
}

// ConstantValueBool returns the values of a compile-time Bool value, or nil.
func ConstantValueBool(out Output) []bool {
	t, ok := ConstantValue(out)
	if !ok || t.DType() != dtypes.Bool {
		return nil
	}
	return t.Flat().([]bool)
}

// bodyParameterShape returns the shape a body parameter takes from its outer input.
func bodyParameterShape(desc InputDescription, outer shapes.Shape) shapes.Shape {
	switch desc.Kind {
	case InputSliced:
		s := outer.Clone()
		if s.HasStaticRank() {
			s.Dimensions[desc.Slice.Axis] = desc.Slice.PartSize
			if s.Labels != nil {
				s.Labels[desc.Slice.Axis] = shapes.NoLabel
			}
		}
		return s
	default:
		return outer.Clone()
	}
}

// relaxShape returns a shape compatible with both s1 and s2: dimensions that differ become unknown.
func relaxShape(s1, s2 shapes.Shape) shapes.Shape {
	if s1.DType != s2.DType || s1.Rank() != s2.Rank() || !s1.HasStaticRank() {
		return shapes.UnknownRank(s1.DType)
	}
	relaxed := s1.Clone()
	for axis, dim := range s2.Dimensions {
		if relaxed.Dimensions[axis] != dim {
			relaxed.Dimensions[axis] = shapes.UnknownDim
		}
	}
	return relaxed
}

// inferLoopShapes updates the body parameter shapes from the outer inputs, re-validates the body,
// and derives the outer output shapes.
//
// For back-edges, if the shape produced by the body differs from the initial shape, the body
// parameter is relaxed (differing dimensions become unknown) and the body re-validated.
func inferLoopShapes(n *Node) (outputShapes []shapes.Shape, err error) {
	// Parameter shape changes propagate through the body and panic on inconsistencies.
	var inferErr error
	err = exceptions.TryCatch[error](func() { outputShapes, inferErr = inferLoopShapesOrPanic(n) })
	if err == nil {
		err = inferErr
	}
	return
}

func inferLoopShapesOrPanic(n *Node) ([]shapes.Shape, error) {
	attrs := n.LoopAttrs()
	body := n.body
	if p := attrs.CurrentIterationParameter; p >= 0 {
		SetParameterShape(body.parameters[p], shapes.Scalar(dtypes.Int64))
	}
	for _, desc := range attrs.Inputs {
		SetParameterShape(body.parameters[desc.BodyParameter], bodyParameterShape(desc, n.inputs[desc.Input].Shape()))
	}
	if err := body.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "body of %s", n)
	}
	for _, desc := range attrs.Inputs {
		if desc.Kind != InputMerged {
			continue
		}
		param := body.parameters[desc.BodyParameter]
		produced := body.results[desc.BodyResult].Shape()
		if current := param.Shape(); !current.EqualDimensions(produced) || current.DType != produced.DType {
			if current.DType != produced.DType {
				return nil, errors.Errorf("%s: back-edge result %d has dtype %s, parameter %s expects %s",
					n, desc.BodyResult, produced.DType, param, current.DType)
			}
			SetParameterShape(param, relaxShape(current, produced))
			if err := body.Validate(); err != nil {
				return nil, errors.WithMessagef(err, "body of %s", n)
			}
		}
	}
	if r := attrs.ConditionResult; r >= 0 {
		if s := body.results[r].Shape(); s.DType != dtypes.Bool {
			return nil, errors.Errorf("%s: condition result must be Bool, got %s", n, s)
		}
	}

	tripCount, static := StaticTripCount(n)
	outputShapes := make([]shapes.Shape, attrs.NumOutputs())
	for _, desc := range attrs.Outputs {
		s := body.results[desc.BodyResult].Shape().Clone()
		if desc.Kind == OutputConcatenated && s.HasStaticRank() {
			axis := desc.Slice.Axis
			if axis < 0 || axis >= s.Rank() {
				return nil, errors.Errorf("%s: concatenated output axis %d out of range for %s", n, axis, s)
			}
			if static && s.Dimensions[axis] != shapes.UnknownDim {
				s.Dimensions[axis] = tripCount * s.Dimensions[axis]
				if remainder := slicedRemainder(n, tripCount); remainder > 0 {
					s.Dimensions[axis] -= desc.Slice.PartSize - remainder
				}
			} else {
				s.Dimensions[axis] = shapes.UnknownDim
			}
			if s.Labels != nil {
				s.Labels[axis] = shapes.NoLabel
			}
		}
		outputShapes[desc.Output] = s
	}
	if attrs.ActualIterationsOutput >= 0 {
		outputShapes[attrs.ActualIterationsOutput] = shapes.Scalar(dtypes.Int64)
	}
	return outputShapes, nil
}

// slicedRemainder returns the size of the last (partial) slice of the first sliced input, or 0
// if the slices are even or the loop stops (tripCount) before reaching the last slice.
func slicedRemainder(n *Node, tripCount int) int {
	for _, desc := range n.LoopAttrs().Inputs {
		if desc.Kind != InputSliced {
			continue
		}
		s := n.inputs[desc.Input].Shape()
		if !s.HasStaticRank() || s.Dimensions[desc.Slice.Axis] == shapes.UnknownDim {
			return 0
		}
		dim := s.Dimensions[desc.Slice.Axis]
		if tripCount < desc.Slice.NumIterations(dim) {
			return 0
		}
		lo, hi := desc.Slice.Range(dim)
		return (hi - lo) % desc.Slice.PartSize
	}
	return 0
}
