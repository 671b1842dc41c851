// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/kernels"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapeinference"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
)

// newNode adds a node to the arena and registers it as a consumer of its inputs.
func (g *Graph) newNode(opType ops.OpType, attrs any, inputs []Output, outputShapes []shapes.Shape) *Node {
	for i, in := range inputs {
		if in.Node == nil {
			exceptions.Panicf("building %s: input #%d is nil", opType, i)
		}
		if in.Node.graph != g {
			exceptions.Panicf("building %s: input #%d (%s) belongs to graph %q, not %q", opType, i, in, in.Node.graph.name, g.name)
		}
		if in.Node.removed {
			exceptions.Panicf("building %s: input #%d (%s) was removed from the graph", opType, i, in)
		}
		if in.Index < 0 || in.Index >= len(in.Node.outputs) {
			exceptions.Panicf("building %s: input #%d refers to output %d of %s", opType, i, in.Index, in.Node)
		}
	}
	n := &Node{
		graph:   g,
		id:      NodeID(len(g.nodes)),
		opType:  opType,
		inputs:  slices.Clone(inputs),
		outputs: make([]outputData, len(outputShapes)),
		attrs:   attrs,
	}
	for i, s := range outputShapes {
		n.outputs[i].shape = s
	}
	for slot, in := range inputs {
		in.Node.addConsumer(in.Index, Input{Node: n, Slot: slot})
	}
	g.nodes = append(g.nodes, n)
	g.version++
	return n
}

// NewNode creates a node of any kind (except Parameter, Constant and sub-graph ops), inferring
// its output shapes. It panics if the inputs are invalid for the kind.
func NewNode(g *Graph, opType ops.OpType, attrs any, inputs ...Output) *Node {
	switch opType {
	case ops.OpTypeParameter, ops.OpTypeConstant, ops.OpTypeLoop, ops.OpTypeTensorIterator:
		exceptions.Panicf("NewNode(%s): use the specific constructor", opType)
	}
	outputShapes, err := shapeinference.Infer(opType, attrs, g.inferenceInputs(inputs))
	if err != nil {
		panic(errors.WithMessagef(err, "building %s node with inputs %v", opType, inputs))
	}
	return g.newNode(opType, attrs, inputs, outputShapes)
}

func build(opType ops.OpType, attrs any, inputs ...Output) Output {
	if len(inputs) == 0 || inputs[0].Node == nil {
		exceptions.Panicf("building %s: missing inputs", opType)
	}
	return NewNode(inputs[0].Node.graph, opType, attrs, inputs...).Output(0)
}

// inferenceInputs collects the shapes and known integer values of inputs.
func (g *Graph) inferenceInputs(inputs []Output) []shapeinference.Input {
	infInputs := make([]shapeinference.Input, len(inputs))
	for i, in := range inputs {
		infInputs[i].Shape = in.Shape()
		infInputs[i].Value = ConstantInts(in)
	}
	return infInputs
}

// Parameter adds a new parameter (input) to the graph.
func (g *Graph) Parameter(name string, shape shapes.Shape) Output {
	n := g.newNode(ops.OpTypeParameter, nil, nil, []shapes.Shape{shape.Clone()})
	n.name = name
	g.parameters = append(g.parameters, n)
	return n.Output(0)
}

// Constant adds a constant node with the given value.
func (g *Graph) Constant(value *tensors.Tensor) Output {
	if value == nil {
		exceptions.Panicf("graph %q: nil constant", g.name)
	}
	n := g.newNode(ops.OpTypeConstant, nil, nil, []shapes.Shape{value.Shape()})
	n.value = value
	return n.Output(0)
}

// ConstInts adds a rank-1 Int64 constant, typically used for axes, permutations and target shapes.
func (g *Graph) ConstInts(values ...int) Output {
	return g.Constant(tensors.FromInts(values...))
}

// Scalar adds a scalar constant of the given dtype.
func (g *Graph) Scalar(dtype dtypes.DType, value float64) Output {
	t := tensors.FromScalar(value)
	if dtype != dtypes.Float64 {
		var err error
		if t, err = kernels.Convert(t, dtype); err != nil {
			panic(err)
		}
	}
	return g.Constant(t)
}

// Result adds x as an output of the graph.
func (g *Graph) Result(x Output) *Node {
	n := NewNode(g, ops.OpTypeResult, nil, x)
	g.results = append(g.results, n)
	return n
}

// Add returns x + y.
func Add(x, y Output) Output { return build(ops.OpTypeAdd, nil, x, y) }

// Subtract returns x - y.
func Subtract(x, y Output) Output { return build(ops.OpTypeSubtract, nil, x, y) }

// Multiply returns x * y.
func Multiply(x, y Output) Output { return build(ops.OpTypeMultiply, nil, x, y) }

// Divide returns x / y.
func Divide(x, y Output) Output { return build(ops.OpTypeDivide, nil, x, y) }

// Power returns x^y.
func Power(x, y Output) Output { return build(ops.OpTypePower, nil, x, y) }

// Maximum returns the elementwise maximum.
func Maximum(x, y Output) Output { return build(ops.OpTypeMaximum, nil, x, y) }

// Minimum returns the elementwise minimum.
func Minimum(x, y Output) Output { return build(ops.OpTypeMinimum, nil, x, y) }

// Negative returns -x.
func Negative(x Output) Output { return build(ops.OpTypeNegative, nil, x) }

// Exp returns e^x.
func Exp(x Output) Output { return build(ops.OpTypeExp, nil, x) }

// Log returns the natural logarithm.
func Log(x Output) Output { return build(ops.OpTypeLog, nil, x) }

// Sigmoid returns 1/(1+e^-x).
func Sigmoid(x Output) Output { return build(ops.OpTypeSigmoid, nil, x) }

// Tanh returns the hyperbolic tangent.
func Tanh(x Output) Output { return build(ops.OpTypeTanh, nil, x) }

// Relu returns max(x, 0).
func Relu(x Output) Output { return build(ops.OpTypeRelu, nil, x) }

// Swish returns x*sigmoid(x).
func Swish(x Output) Output { return build(ops.OpTypeSwish, nil, x) }

// Sqrt returns the square root.
func Sqrt(x Output) Output { return build(ops.OpTypeSqrt, nil, x) }

// Convert x to dtype.
func Convert(x Output, dtype dtypes.DType) Output {
	return build(ops.OpTypeConvert, ops.ConvertAttrs{DType: dtype}, x)
}

// Transpose permutes the axes of x: output axis i is the axis perm[i] of x.
func Transpose(x, perm Output) Output { return build(ops.OpTypeTranspose, nil, x, perm) }

// TransposeAxes is Transpose with a constant permutation.
func TransposeAxes(x Output, perm ...int) Output {
	return Transpose(x, x.Graph().ConstInts(perm...))
}

// Reshape x to target, which may hold one -1 and, with specialZero, zeros to copy input dimensions.
func Reshape(x, target Output, specialZero bool) Output {
	return build(ops.OpTypeReshape, ops.ReshapeAttrs{SpecialZero: specialZero}, x, target)
}

// Squeeze removes the given axes of dimension 1.
func Squeeze(x, axes Output) Output { return build(ops.OpTypeSqueeze, nil, x, axes) }

// Unsqueeze inserts axes of dimension 1.
func Unsqueeze(x, axes Output) Output { return build(ops.OpTypeUnsqueeze, nil, x, axes) }

// Concat concatenates the inputs along axis.
func Concat(axis int, inputs ...Output) Output {
	return build(ops.OpTypeConcat, ops.ConcatAttrs{Axis: axis}, inputs...)
}

// Split x in numSplits equal parts along axis.
func Split(x, axis Output, numSplits int) []Output {
	return NewNode(x.Graph(), ops.OpTypeSplit, ops.SplitAttrs{NumSplits: numSplits}, x, axis).Outputs()
}

// Broadcast x to the target shape (bidirectional numpy rules).
func Broadcast(x, target Output) Output { return build(ops.OpTypeBroadcast, nil, x, target) }

// ShapeOf returns the dimensions of x as an Int64 vector.
func ShapeOf(x Output) Output { return build(ops.OpTypeShapeOf, nil, x) }

// Gather takes the slices indices of data along axis.
func Gather(data, indices, axis Output) Output {
	return build(ops.OpTypeGather, nil, data, indices, axis)
}

// ReduceSum sums over axes.
func ReduceSum(x, axes Output, keepDims bool) Output {
	return build(ops.OpTypeReduceSum, ops.ReduceAttrs{KeepDims: keepDims}, x, axes)
}

// ReduceMax takes the maximum over axes.
func ReduceMax(x, axes Output, keepDims bool) Output {
	return build(ops.OpTypeReduceMax, ops.ReduceAttrs{KeepDims: keepDims}, x, axes)
}

// ReduceMean averages over axes.
func ReduceMean(x, axes Output, keepDims bool) Output {
	return build(ops.OpTypeReduceMean, ops.ReduceAttrs{KeepDims: keepDims}, x, axes)
}

// LogSoftmax along axis.
func LogSoftmax(x Output, axis int) Output {
	return build(ops.OpTypeLogSoftmax, ops.LogSoftmaxAttrs{Axis: axis}, x)
}

// MatMul multiplies the two last axes of a and b, with batch broadcasting.
func MatMul(a, b Output, transposeA, transposeB bool) Output {
	return build(ops.OpTypeMatMul, ops.MatMulAttrs{TransposeA: transposeA, TransposeB: transposeB}, a, b)
}

// FakeQuantize x to levels values.
func FakeQuantize(x, inLow, inHigh, outLow, outHigh Output, levels int) Output {
	return build(ops.OpTypeFakeQuantize, ops.FakeQuantizeAttrs{Levels: levels}, x, inLow, inHigh, outLow, outHigh)
}

// RNNCell computes one step of a vanilla recurrent cell: tanh(X W^T + H R^T + B).
func RNNCell(x, h, w, r, b Output, attrs ops.CellAttrs) Output {
	return build(ops.OpTypeRNNCell, attrs, x, h, w, r, b)
}

// GRUCell computes one step of a GRU cell.
func GRUCell(x, h, w, r, b Output, attrs ops.CellAttrs) Output {
	return build(ops.OpTypeGRUCell, attrs, x, h, w, r, b)
}

// LSTMCell computes one step of an LSTM cell, returning the new hidden and cell states.
func LSTMCell(x, h, c, w, r, b Output, attrs ops.CellAttrs) (hOut, cOut Output) {
	n := NewNode(x.Graph(), ops.OpTypeLSTMCell, attrs, x, h, c, w, r, b)
	return n.Output(0), n.Output(1)
}

// Custom creates a node of a registered custom kind.
func Custom(g *Graph, kind string, params map[string]any, inputs ...Output) []Output {
	if _, found := ops.Lookup(kind); !found {
		exceptions.Panicf("Custom(%q): kind not registered", kind)
	}
	return NewNode(g, ops.OpTypeCustom, ops.CustomAttrs{Kind: kind, Params: params}, inputs...).Outputs()
}
