// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransposeFuse(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		g := graph.New("test")
		x := g.Parameter("x", shapes.Make(f32, 2, 3, 4))
		inner := graph.TransposeAxes(x, 1, 2, 0)
		r := g.Result(graph.TransposeAxes(inner, 2, 0, 1))
		runPasses(t, g, NewGraphRewrite("Fusions", TransposeFuse()))
		assert.Equal(t, x, r.Input(0))
		assert.Zero(t, countOps(g, ops.OpTypeTranspose))
	})

	t.Run("composed", func(t *testing.T) {
		g := graph.New("test")
		x := graph.Relu(g.Parameter("x", shapes.Make(f32, 2, 3, 4)))
		inner := graph.TransposeAxes(x, 1, 2, 0)
		r := g.Result(graph.TransposeAxes(inner, 1, 0, 2))
		before := g.Clone()
		stats := runPasses(t, g, NewGraphRewrite("Fusions", TransposeFuse()))
		assert.Equal(t, 1, stats.Lookup("TransposeFuse").Rewrites)
		assert.Equal(t, 1, countOps(g, ops.OpTypeTranspose))
		assert.Equal(t, []int{2, 1, 0}, graph.ConstantInts(r.Input(0).Node.Input(1)))
		assert.True(t, r.Shape().Equal(shapes.Make(f32, 4, 3, 2)))
		requireSameValues(t, before, g, rampTensor(2, 3, 4))
	})

	t.Run("shared inner transpose", func(t *testing.T) {
		g := graph.New("test")
		x := g.Parameter("x", shapes.Make(f32, 2, 3))
		inner := graph.TransposeAxes(x, 1, 0)
		g.Result(graph.TransposeAxes(inner, 1, 0))
		g.Result(inner)
		before := g.Signature()
		stats := runPasses(t, g, NewGraphRewrite("Fusions", TransposeFuse()))
		assert.Zero(t, stats.Lookup("TransposeFuse").Rewrites)
		requireSignature(t, before, g)
	})
}

func TestReshapeSequenceFusion(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 2, 3, 4))
	flat := graph.Reshape(x, g.ConstInts(6, 4), false)
	r0 := g.Result(graph.Reshape(flat, g.ConstInts(4, 6), false))
	expanded := graph.Unsqueeze(graph.Relu(x), g.ConstInts(0))
	r1 := g.Result(graph.Reshape(expanded, g.ConstInts(2, 3, 4), false))
	before := g.Clone()

	stats := runPasses(t, g, NewGraphRewrite("Fusions", ReshapeSequenceFusion()))
	assert.Equal(t, 2, stats.Lookup("ReshapeSequenceFusion").Rewrites)
	assert.Equal(t, 1, countOps(g, ops.OpTypeReshape))
	assert.Zero(t, countOps(g, ops.OpTypeUnsqueeze))
	assert.Equal(t, x, r0.Input(0).Node.Input(0))
	assert.Equal(t, ops.OpTypeRelu, r1.Input(0).Node.Type())
	requireSameValues(t, before, g, rampTensor(2, 3, 4))
}

func TestTransposeConvert(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 2, 3))
	r := g.Result(graph.Convert(graph.TransposeAxes(x, 1, 0), dtypes.Float64))
	before := g.Clone()
	runPasses(t, g, NewGraphRewrite("Fusions", TransposeConvert()))
	transpose := r.Input(0).Node
	require.Equal(t, ops.OpTypeTranspose, transpose.Type())
	assert.Equal(t, ops.OpTypeConvert, transpose.Input(0).Node.Type())
	assert.True(t, r.Shape().Equal(shapes.Make(dtypes.Float64, 3, 2)))
	requireSameValues(t, before, g, rampTensor(2, 3))
}

func TestMultiplyMultiplyFusion(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 2, 3))
	c1 := g.Constant(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3))
	c2 := g.Scalar(f32, 0.5)
	r := g.Result(graph.Multiply(c2, graph.Multiply(x, c1)))
	before := g.Clone()

	stats := runPasses(t, g, NewGraphRewrite("Fusions", MultiplyMultiplyFusion()))
	assert.Equal(t, 1, stats.Lookup("MultiplyMultiplyFusion").Rewrites)
	assert.Equal(t, 1, countOps(g, ops.OpTypeMultiply))
	folded, ok := graph.ConstantValue(r.Input(0).Node.Input(1))
	require.True(t, ok)
	assert.True(t, folded.SameValues([]float64{0.5, 1, 1.5}))
	requireSameValues(t, before, g, rampTensor(2, 3))
}

func TestSwishFusion(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 3, 4))
	sigmoid := graph.Sigmoid(x)
	sigmoid.Node.SetName("gate")
	mul := graph.Multiply(sigmoid, x)
	mul.Node.SetName("activation")
	r := g.Result(mul)
	before := g.Clone()

	runPasses(t, g, InitNodeInfo(), Fusions())
	swish := r.Input(0).Node
	require.Equal(t, ops.OpTypeSwish, swish.Type())
	assert.Equal(t, "activation", swish.Name())
	assert.ElementsMatch(t, []string{"activation", "gate"}, swish.FusedNames())
	assert.Zero(t, countOps(g, ops.OpTypeSigmoid))
	requireSameValues(t, before, g, rampTensor(3, 4))
}

func TestTransposeReduction(t *testing.T) {
	for _, keepDims := range []bool{false, true} {
		g := graph.New("test")
		x := g.Parameter("x", shapes.Make(f32, 2, 3, 4))
		transposed := graph.TransposeAxes(x, 2, 0, 1)
		r := g.Result(graph.ReduceSum(transposed, g.ConstInts(1), keepDims))
		wantShape := r.Shape()
		before := g.Clone()

		stats := runPasses(t, g, NewGraphRewrite("Fusions", TransposeReduction()))
		assert.Equal(t, 1, stats.Lookup("TransposeReduction").Rewrites)
		assert.True(t, r.Shape().Equal(wantShape), "keepDims=%v: got %s, want %s", keepDims, r.Shape(), wantShape)
		reduction := g.LiveNodes()[0]
		for _, n := range g.LiveNodes() {
			if n.Type() == ops.OpTypeReduceSum {
				reduction = n
			}
		}
		assert.Equal(t, x, reduction.Input(0), "keepDims=%v", keepDims)
		assert.Equal(t, []int{0}, graph.ConstantInts(reduction.Input(1)))
		requireSameValues(t, before, g, rampTensor(2, 3, 4))
	}
}

func TestTransposeFQReduction(t *testing.T) {
	build := func(inHigh *tensors.Tensor) (*graph.Graph, graph.Output) {
		g := graph.New("test")
		x := g.Parameter("x", shapes.Make(f32, 2, 3, 4))
		transposed := graph.TransposeAxes(x, 2, 0, 1)
		fq := graph.FakeQuantize(transposed, g.Scalar(f32, -1), g.Constant(inHigh), g.Scalar(f32, -1), g.Scalar(f32, 1), 16)
		g.Result(graph.ReduceMean(fq, g.ConstInts(1), false))
		return g, x
	}
	rewrite := func() *GraphRewrite {
		return NewGraphRewrite("Fusions", TransposeFQReduction(), TransposeReduction())
	}

	t.Run("full rank limits", func(t *testing.T) {
		g, x := build(tensors.FromFlatDataAndDimensions([]float32{1, 1.5, 2, 2.5}, 4, 1, 1))
		before := g.Clone()
		stats := runPasses(t, g, rewrite())
		probe := stats.Lookup("TransposeFQReduction")
		assert.Equal(t, 1, probe.Callbacks)
		assert.Zero(t, probe.Rewrites)
		assert.Equal(t, 1, stats.Lookup("TransposeReduction").Rewrites)
		var fq *graph.Node
		for _, n := range g.LiveNodes() {
			if n.Type() == ops.OpTypeFakeQuantize {
				fq = n
			}
		}
		require.NotNil(t, fq)
		assert.Equal(t, x, fq.Input(0))
		assert.True(t, fq.Input(2).Shape().Equal(shapes.Make(f32, 1, 1, 4)))
		requireSameValues(t, before, g, rampTensor(2, 3, 4))
	})

	t.Run("limits not movable", func(t *testing.T) {
		g, _ := build(tensors.FromFlatDataAndDimensions([]float32{1, 1.5, 2}, 3))
		before := g.Signature()
		stats := runPasses(t, g, rewrite())
		assert.Zero(t, stats.Lookup("TransposeReduction").Rewrites)
		requireSignature(t, before, g)
	})
}

func TestNopElimination(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 2, 3))
	same := graph.Convert(x, f32)
	same = graph.Reshape(same, g.ConstInts(2, 3), false)
	same = graph.TransposeAxes(same, 0, 1)
	same = graph.Concat(0, same)
	relu := graph.Relu(same)
	g.Result(relu)
	tanh := graph.Tanh(graph.Broadcast(x, g.ConstInts(2, 3)))
	g.Result(tanh)

	stats := runPasses(t, g, NopElimination())
	assert.Equal(t, x, relu.Node.Input(0))
	assert.Equal(t, x, tanh.Node.Input(0))
	assert.Equal(t, 5, stats.TotalRewrites())
	assert.Equal(t, 5, g.NumLiveNodes(), "parameter, 2 activations and 2 results")
}

func TestDecompositions(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 2, 5))
	g.Result(graph.LogSoftmax(x, -1))
	g.Result(graph.Divide(x, g.Scalar(f32, 4)))
	before := g.Clone()

	runPasses(t, g, Decompositions())
	assert.Zero(t, countOps(g, ops.OpTypeLogSoftmax))
	assert.Zero(t, countOps(g, ops.OpTypeSubtract))
	assert.Zero(t, countOps(g, ops.OpTypeDivide))
	assert.Equal(t, 1, countOps(g, ops.OpTypePower))
	requireSameValues(t, before, g, rampTensor(2, 5))

	// Integer division is kept.
	g = graph.New("int")
	i := g.Parameter("i", shapes.Make(dtypes.Int32, 3))
	g.Result(graph.Divide(i, g.Constant(tensors.FromFlatDataAndDimensions([]int32{2, 2, 2}, 3))))
	runPasses(t, g, Decompositions())
	assert.Equal(t, 1, countOps(g, ops.OpTypeDivide))
}

func TestConstantFolding(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Int64, 3))
	y := g.Parameter("y", shapes.Make(f32, 2, 7))
	sum := graph.Add(g.ConstInts(1, 2, 3), g.ConstInts(10, 20, 30))
	sum.Node.SetName("offsets")
	r0 := g.Result(graph.Add(x, sum))
	r1 := g.Result(graph.ShapeOf(y))

	stats := runPasses(t, g, ConstantFolding())
	assert.Equal(t, 1, stats.Lookup("ConstantFolding").Rewrites)
	folded := r0.Input(0).Node.Input(1)
	require.True(t, graph.IsConstant(folded))
	assert.Equal(t, "offsets", folded.Node.Name())
	assert.Equal(t, []int{11, 22, 33}, graph.ConstantInts(folded))
	assert.Equal(t, []int{2, 7}, graph.ConstantInts(r1.Input(0)))
	assert.True(t, graph.IsConstant(r1.Input(0)))
	assert.Equal(t, 1, countOps(g, ops.OpTypeAdd))
}

func TestNodeDedup(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 4))
	g.Result(graph.Add(graph.Tanh(x), graph.Tanh(x)))
	g.Result(graph.Add(graph.Multiply(x, g.Scalar(f32, 2)), graph.Multiply(x, g.Scalar(f32, 2))))
	g.Result(graph.Add(graph.Multiply(x, g.Scalar(f32, 3)), x))
	before := g.Clone()

	runPasses(t, g, NodeDedup())
	assert.Equal(t, 1, countOps(g, ops.OpTypeTanh))
	assert.Equal(t, 2, countOps(g, ops.OpTypeMultiply), "x*2 merged, x*3 kept")
	assert.Equal(t, 2, countOps(g, ops.OpTypeConstant))
	requireSameValues(t, before, g, rampTensor(4))
}
