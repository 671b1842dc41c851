// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndShapes(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 3))
	y := g.Parameter("y", shapes.Make(dtypes.Float32, 3))
	sum := Add(x, y)
	tr := TransposeAxes(sum, 1, 0)
	r := g.Result(tr)

	assert.True(t, sum.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.True(t, tr.Shape().Equal(shapes.Make(dtypes.Float32, 3, 2)))
	assert.Equal(t, 0, r.ResultIndex())
	assert.Equal(t, 1, y.Node.ParameterIndex())
	require.NoError(t, g.Validate())

	order := g.TopologicalOrder()
	require.Len(t, order, g.NumLiveNodes())
	position := make(map[*Node]int)
	for i, n := range order {
		position[n] = i
	}
	for _, n := range order {
		for _, in := range n.Inputs() {
			assert.Less(t, position[in.Node], position[n], "%s must come after its input %s", n, in)
		}
	}
	assert.Equal(t, x.Node, order[0])
	assert.Equal(t, y.Node, order[1])

	require.Panics(t, func() { Add(x, g.Parameter("z", shapes.Make(dtypes.Float32, 4))) })
	require.Panics(t, func() { Add(x, New("other").Parameter("w", shapes.Make(dtypes.Float32, 3))) })
}

func TestReplaceOutputCollectsGarbage(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	tanh := Tanh(x)
	relu := Relu(tanh)
	r := g.Result(relu)
	require.Equal(t, 4, g.NumLiveNodes())

	ReplaceOutput(relu, x)
	assert.True(t, relu.Node.IsRemoved())
	assert.True(t, tanh.Node.IsRemoved(), "producer left without consumers must be collected")
	assert.Equal(t, x, r.Input(0))
	assert.Equal(t, 1, x.NumConsumers())
	assert.Equal(t, 2, g.NumLiveNodes())
	require.NoError(t, g.Validate())
}

func TestReplaceOutputKeepsReplacementInput(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	relu := Relu(x)
	r := g.Result(relu)
	converted := Convert(relu, dtypes.Float64)
	ReplaceOutput(relu, converted)
	assert.False(t, relu.Node.IsRemoved())
	assert.Equal(t, converted, r.Input(0))
	assert.Equal(t, relu, converted.Node.Input(0))
	assert.Equal(t, dtypes.Float64, r.Shape().DType, "shape must be propagated to the consumers")
	require.NoError(t, g.Validate())
}

func TestReplaceOutputUpdateName(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	relu := Relu(x)
	relu.Node.SetName("activation")
	g.Result(relu)
	exp := Exp(x)
	require.True(t, ReplaceOutputUpdateName(relu, exp))
	assert.Equal(t, "activation", exp.Node.Name())
	assert.Equal(t, []string{"activation"}, exp.Node.FusedNames())

	// Replacing by a parameter can't transfer the name.
	assert.False(t, ReplaceOutputUpdateName(exp, x))
	assert.False(t, exp.Node.IsRemoved())
}

func TestReplaceNodeArity(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4, 2))
	parts := Split(x, g.ConstInts(1), 2)
	g.Result(parts[0])
	g.Result(parts[1])
	require.Panics(t, func() { ReplaceNode(parts[0].Node, Relu(x).Node) })

	other := Split(Relu(x), g.ConstInts(1), 2)
	ReplaceNode(parts[0].Node, other[0].Node)
	assert.True(t, parts[0].Node.IsRemoved())
	assert.Equal(t, other[1], g.Results()[1].Input(0))
	require.NoError(t, g.Validate())
}

func TestCheckpointRollback(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	relu := Relu(x)
	g.Result(relu)
	before := g.Signature()

	cp := g.Checkpoint()
	e := Exp(x)
	_ = Add(e, relu)
	assert.False(t, g.TouchedSince(cp), "creating nodes doesn't touch existing ones")
	assert.Len(t, g.NewNodesSince(cp), 2)
	g.Rollback(cp)
	assert.Equal(t, before, g.Signature())
	assert.Equal(t, 1, x.NumConsumers())
	assert.Equal(t, 1, relu.NumConsumers())
	require.NoError(t, g.Validate())

	cp = g.Checkpoint()
	ReplaceOutput(relu, Exp(x))
	assert.True(t, g.TouchedSince(cp))
}

func TestCollectGarbageSince(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	g.Result(Relu(x))
	cp := g.Checkpoint()
	dangling := Exp(Tanh(x))
	g.CollectGarbageSince(cp)
	assert.True(t, dangling.Node.IsRemoved())
	assert.Equal(t, 3, g.NumLiveNodes())
}

func TestShapePropagation(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.MakeDynamic(dtypes.Float32, shapes.UnknownDim, 16))
	y := Relu(Add(x, g.Scalar(dtypes.Float32, 1)))
	r := g.Result(y)
	assert.Equal(t, shapes.UnknownDim, r.Shape().Dim(0))

	SetParameterShape(x.Node, shapes.Make(dtypes.Float32, 8, 16))
	assert.True(t, r.Shape().Equal(shapes.Make(dtypes.Float32, 8, 16)))
	require.NoError(t, g.Validate())

	// Incompatible inputs can't be set.
	bad := g.Parameter("bad", shapes.Make(dtypes.Int32, 8, 16))
	require.Panics(t, func() { SetInput(y.Node.Input(0).Node, 1, bad) })
}

func TestShapeValuePropagation(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16))
	state := g.Constant(tensors.FromShape(shapes.Make(dtypes.Float32, 1, 16)))
	direct := Broadcast(state, ShapeOf(x))
	g.Result(direct)

	// The target reaches the Broadcast through a Gather: the values change, the shapes don't.
	x3 := g.Parameter("x3", shapes.Make(dtypes.Float32, 1, 7, 16))
	target := Gather(ShapeOf(x3), g.ConstInts(0, 2), g.ConstInts(0))
	gathered := Broadcast(state, target)
	g.Result(gathered)
	assert.True(t, direct.Shape().Equal(shapes.Make(dtypes.Float32, 1, 16)))
	assert.True(t, gathered.Shape().Equal(shapes.Make(dtypes.Float32, 1, 16)))

	SetParameterShape(x.Node, shapes.Make(dtypes.Float32, 5, 16))
	assert.True(t, direct.Shape().Equal(shapes.Make(dtypes.Float32, 5, 16)), "got %s", direct.Shape())
	SetParameterShape(x3.Node, shapes.Make(dtypes.Float32, 4, 7, 16))
	assert.True(t, gathered.Shape().Equal(shapes.Make(dtypes.Float32, 4, 16)), "got %s", gathered.Shape())
	assert.True(t, target.Shape().Equal(shapes.Make(dtypes.Int64, 2)))
	require.NoError(t, g.Validate())

	// Unknown dimensions make the target value unknown.
	SetParameterShape(x.Node, shapes.MakeDynamic(dtypes.Float32, shapes.UnknownDim, 16))
	assert.Equal(t, shapes.UnknownDim, direct.Shape().Dim(0))
	require.NoError(t, g.Validate())
}

func TestSetInput(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	tanh := Tanh(x)
	relu := Relu(tanh)
	g.Result(relu)
	SetInput(relu.Node, 0, x)
	assert.True(t, tanh.Node.IsRemoved())
	assert.Equal(t, x, relu.Node.Input(0))
	require.NoError(t, g.Validate())
}

func TestPrune(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	unused := g.Parameter("unused", shapes.Make(dtypes.Float32, 4))
	g.Result(Relu(x))
	_ = Exp(x)
	_ = Tanh(unused)
	assert.Equal(t, 2, g.Prune())
	assert.False(t, unused.Node.IsRemoved())
	assert.Equal(t, 4, g.NumLiveNodes())
}

func TestConstantValue(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 5, 7))
	shape := ShapeOf(x)
	assert.Equal(t, []int{2, 5, 7}, ConstantInts(shape))
	tail := Gather(shape, g.ConstInts(1, 2), g.ConstInts(0))
	assert.Equal(t, []int{5, 7}, ConstantInts(tail))
	reshaped := Reshape(x, Concat(0, g.ConstInts(-1), tail), false)
	assert.True(t, reshaped.Shape().Equal(shapes.Make(dtypes.Float32, 2, 5, 7)))

	dynamic := g.Parameter("d", shapes.MakeDynamic(dtypes.Float32, shapes.UnknownDim, 3))
	assert.Nil(t, ConstantInts(ShapeOf(dynamic)))
	assert.True(t, IsScalarBoolTrue(g.Constant(tensors.FromScalar(true))))
	assert.False(t, IsScalarBoolTrue(g.Constant(tensors.FromScalar(false))))
}

func TestRTInfo(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	a, b := Relu(x), Exp(x)
	a.Node.SetName("a")
	b.Node.SetName("b")
	a.Node.SetRTInfo(RTInfoPreferredLayout, shapes.LayoutChannelsLast)
	fused := Add(a, b)
	CopyRuntimeInfo([]*Node{a.Node, b.Node}, fused.Node)
	assert.Equal(t, []string{"a", "b"}, fused.Node.FusedNames())
	assert.Equal(t, shapes.LayoutChannelsLast, fused.Node.PreferredLayout())
	assert.Equal(t, shapes.LayoutAny, b.Node.PreferredLayout())
}

// buildRNNBody returns a body computing h' = RNNCell(squeeze(x), h), with parameters
// [x slice (1,1,16), h (1,16)] and results [h' unsqueezed (1,1,16), h' (1,16)].
func buildRNNBody(hidden int) *Graph {
	body := New("body")
	xs := body.Parameter("x_slice", shapes.Make(dtypes.Float32, 1, 1, 16))
	h := body.Parameter("h", shapes.Make(dtypes.Float32, 1, hidden))
	x := Squeeze(xs, body.ConstInts(0))
	w := body.Constant(tensors.FromShape(shapes.Make(dtypes.Float32, hidden, 16)))
	r := body.Constant(tensors.FromShape(shapes.Make(dtypes.Float32, hidden, hidden)))
	b := body.Constant(tensors.FromShape(shapes.Make(dtypes.Float32, hidden)))
	hNext := RNNCell(x, h, w, r, b, ops.CellAttrs{HiddenSize: hidden})
	body.Result(Unsqueeze(hNext, body.ConstInts(0)))
	body.Result(hNext)
	return body
}

func rnnIteratorAttrs() *LoopAttrs {
	attrs := NewLoopAttrs()
	attrs.Inputs = []InputDescription{
		{Kind: InputSliced, Input: 0, BodyParameter: 0, Slice: SliceSpec{Axis: 0, Start: 0, End: -1, Stride: 1, PartSize: 1}},
		{Kind: InputMerged, Input: 1, BodyParameter: 1, BodyResult: 1},
	}
	attrs.Outputs = []OutputDescription{
		{Kind: OutputConcatenated, BodyResult: 0, Output: 0, Slice: SliceSpec{Axis: 0, Stride: 1, PartSize: 1}},
		{Kind: OutputIterValue, BodyResult: 1, Output: 1},
	}
	return attrs
}

func TestTensorIterator(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 1, 16))
	h0 := g.Parameter("h0", shapes.Make(dtypes.Float32, 1, 8))
	body := buildRNNBody(8)
	ti := NewTensorIterator(body, rnnIteratorAttrs(), x, h0)
	g.Result(ti.Output(0))
	g.Result(ti.Output(1))

	assert.Same(t, ti, body.Parent())
	assert.True(t, ti.Output(0).Shape().Equal(shapes.Make(dtypes.Float32, 2, 1, 8)))
	assert.True(t, ti.Output(1).Shape().Equal(shapes.Make(dtypes.Float32, 1, 8)))
	count, static := StaticTripCount(ti)
	assert.True(t, static)
	assert.Equal(t, 2, count)
	require.NoError(t, g.Validate())
	assert.Equal(t, []*Graph{body}, g.SubGraphs())

	// Dynamic sequence length propagates into the body and the concatenated output.
	SetParameterShape(x.Node, shapes.MakeDynamic(dtypes.Float32, shapes.UnknownDim, 1, 16))
	assert.Equal(t, shapes.UnknownDim, ti.Output(0).Shape().Dim(0))
	_, static = StaticTripCount(ti)
	assert.False(t, static)
	require.NoError(t, g.Validate())

	// Text dumps nest the body.
	text := g.Text()
	assert.Contains(t, text, "TensorIterator")
	assert.Contains(t, text, "    %")
}

func TestLoopValidation(t *testing.T) {
	newGraph := func() (*Graph, Output, Output) {
		g := New("test")
		return g, g.Parameter("x", shapes.Make(dtypes.Float32, 2, 1, 16)), g.Parameter("h0", shapes.Make(dtypes.Float32, 1, 8))
	}

	t.Run("back-edge source out of range", func(t *testing.T) {
		_, x, h0 := newGraph()
		attrs := rnnIteratorAttrs()
		attrs.Inputs[1].BodyResult = 5
		require.Panics(t, func() { NewTensorIterator(buildRNNBody(8), attrs, x, h0) })
	})
	t.Run("unbound body parameter", func(t *testing.T) {
		_, x, h0 := newGraph()
		attrs := rnnIteratorAttrs()
		attrs.Inputs = attrs.Inputs[:1]
		require.Panics(t, func() { NewTensorIterator(buildRNNBody(8), attrs, x, h0) })
	})
	t.Run("stride differs from part size", func(t *testing.T) {
		_, x, h0 := newGraph()
		attrs := rnnIteratorAttrs()
		attrs.Inputs[0].Slice.Stride = 2
		require.Panics(t, func() { NewTensorIterator(buildRNNBody(8), attrs, x, h0) })
	})
	t.Run("body shape mismatch", func(t *testing.T) {
		_, x, _ := newGraph()
		g := x.Graph()
		h0 := g.Parameter("h_bad", shapes.Make(dtypes.Float32, 1, 3))
		require.Panics(t, func() { NewTensorIterator(buildRNNBody(8), rnnIteratorAttrs(), x, h0) })
	})
	t.Run("body already owned", func(t *testing.T) {
		_, x, h0 := newGraph()
		body := buildRNNBody(8)
		NewTensorIterator(body, rnnIteratorAttrs(), x, h0)
		require.Panics(t, func() { NewTensorIterator(body, rnnIteratorAttrs(), x, h0) })
	})
}

func TestLoopTripCount(t *testing.T) {
	g := New("test")
	h0 := g.Parameter("h0", shapes.Make(dtypes.Float32, 1, 8))
	body := New("body")
	iter := body.Parameter("i", shapes.Scalar(dtypes.Int64))
	h := body.Parameter("h", shapes.Make(dtypes.Float32, 1, 8))
	body.Result(Add(h, Convert(iter, dtypes.Float32)))
	body.Result(body.Constant(tensors.FromScalar(true)))
	attrs := NewLoopAttrs()
	attrs.CurrentIterationParameter = 0
	attrs.ConditionResult = 1
	attrs.ActualIterationsOutput = 1
	attrs.Inputs = []InputDescription{{Kind: InputMerged, Input: 2, BodyParameter: 1, BodyResult: 0}}
	attrs.Outputs = []OutputDescription{{Kind: OutputIterValue, BodyResult: 0, Output: 0}}
	trip := g.Constant(tensors.FromScalar(int64(3)))
	cond := g.Constant(tensors.FromScalar(true))
	loop := NewLoop(trip, cond, body, attrs, h0)
	g.Result(loop.Output(0))
	g.Result(loop.Output(1))

	count, static := StaticTripCount(loop)
	require.True(t, static)
	assert.Equal(t, 3, count)
	assert.True(t, loop.Output(1).Shape().Equal(shapes.Scalar(dtypes.Int64)))
	require.NoError(t, g.Validate())

	unbounded := g.Constant(tensors.FromScalar(int64(-1)))
	SetInput(loop, 0, unbounded)
	_, static = StaticTripCount(loop)
	assert.False(t, static)
}

func TestSliceSpec(t *testing.T) {
	forward := SliceSpec{Axis: 0, Start: 0, End: -1, Stride: 2, PartSize: 2}
	assert.Equal(t, 3, forward.NumIterations(5))
	start, length := forward.Chunk(5, 2)
	assert.Equal(t, []int{4, 1}, []int{start, length})

	reverse := SliceSpec{Axis: 0, Start: -1, End: 0, Stride: -2, PartSize: 2}
	var chunks [][2]int
	for i := range reverse.NumIterations(5) {
		start, length := reverse.Chunk(5, i)
		chunks = append(chunks, [2]int{start, length})
	}
	assert.Equal(t, [][2]int{{3, 2}, {1, 2}, {0, 1}}, chunks)
}

func TestCloneAndSignature(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 1, 16))
	h0 := g.Parameter("h0", shapes.Make(dtypes.Float32, 1, 8))
	ti := NewTensorIterator(buildRNNBody(8), rnnIteratorAttrs(), x, h0)
	g.Result(ti.Output(0)).SetName("sequence")
	g.Result(ti.Output(1))

	c := g.Clone()
	require.NoError(t, c.Validate())
	assert.Equal(t, g.Signature(), c.Signature())
	assert.Equal(t, g.Text(), c.Text())
	assert.Equal(t, "sequence", c.Results()[0].Name())
	assert.NotEqual(t, g.ID(), c.ID())
	assert.NotSame(t, g.SubGraphs()[0], c.SubGraphs()[0])

	// Changing names doesn't change the signature.
	c.Parameters()[0].SetName("renamed")
	assert.Equal(t, g.Signature(), c.Signature())
	assert.NotEqual(t, g.Text(), c.Text())
}

func TestWriteJSON(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4))
	g.Result(Relu(x))
	var buf bytes.Buffer
	require.NoError(t, g.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "test", decoded["name"])
	assert.Len(t, decoded["nodes"], 3)
}
