// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var f32 = dtypes.Float32

func testCapabilities() Capabilities {
	return NewCapabilities().
		Add([]ops.OpType{ops.OpTypeAdd, ops.OpTypeMultiply, ops.OpTypeTanh},
			Variant{Layout: shapes.LayoutAny, DType: dtypes.Float32}).
		Add([]ops.OpType{ops.OpTypeRelu},
			Variant{Layout: shapes.LayoutPlanar, DType: dtypes.Float32},
			Variant{Layout: shapes.LayoutChannelsLast, DType: dtypes.Float32}).
		Add([]ops.OpType{ops.OpTypeTensorIterator, ops.OpTypeSqueeze, ops.OpTypeUnsqueeze},
			Variant{Layout: shapes.LayoutAny, DType: AnyDType})
}

func lower(t *testing.T, g *graph.Graph, caps Capabilities) *Plan {
	plan, err := Lower(context.Background(), g, caps, DefaultProperties())
	require.NoError(t, err)
	return plan
}

func TestLowerExactDType(t *testing.T) {
	g := graph.New("f64")
	x := g.Parameter("x", shapes.Make(dtypes.Float64, 3))
	sum := graph.Add(x, x)
	sum.Node.SetName("sum")
	g.Result(sum)

	// Only a Float32 Add is available: it must not be used for a Float64 value.
	_, err := Lower(context.Background(), g, testCapabilities(), DefaultProperties())
	require.Error(t, err)
	var unsupported *UnsupportedError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "sum", unsupported.Node)
	assert.Equal(t, ops.OpTypeAdd, unsupported.OpType)
	assert.Equal(t, dtypes.Float64, unsupported.DType)
	assert.Contains(t, err.Error(), "unsupported operation/layout/type combination")
	assert.Contains(t, err.Error(), `"sum"`)

	// Unknown op kind.
	g = graph.New("unknown")
	x = g.Parameter("x", shapes.Make(f32, 3))
	g.Result(graph.Exp(x))
	_, err = Lower(context.Background(), g, testCapabilities(), DefaultProperties())
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, ops.OpTypeExp, unsupported.OpType)
}

func TestLowerLayouts(t *testing.T) {
	t.Run("follows neighbors", func(t *testing.T) {
		g := graph.New("neighbors")
		x := g.Parameter("x", shapes.Make(f32, 1, 4).WithLayout(shapes.LayoutChannelsLast))
		y := graph.Relu(x)
		z := graph.Tanh(y)
		g.Result(z)
		plan := lower(t, g, testCapabilities())
		relu := plan.UnitFor(y.Node)
		assert.Equal(t, shapes.LayoutChannelsLast, relu.Variant.Layout)
		assert.Empty(t, relu.Relayouts)
		// Layout agnostic units inherit the layout of their inputs.
		tanh := plan.UnitFor(z.Node)
		assert.Equal(t, shapes.LayoutAny, tanh.Variant.Layout)
		assert.Equal(t, shapes.LayoutChannelsLast, tanh.Layout)
		assert.Zero(t, plan.NumRelayouts())
	})

	t.Run("preferred layout forces relayout", func(t *testing.T) {
		g := graph.New("preferred")
		x := g.Parameter("x", shapes.Make(f32, 1, 4).WithLayout(shapes.LayoutChannelsLast))
		y := graph.Relu(x)
		y.Node.SetRTInfo(graph.RTInfoPreferredLayout, shapes.LayoutPlanar)
		g.Result(y)
		plan := lower(t, g, testCapabilities())
		relu := plan.UnitFor(y.Node)
		assert.Equal(t, shapes.LayoutPlanar, relu.Variant.Layout)
		assert.Equal(t, []int{0}, relu.Relayouts)
		assert.Equal(t, 1, plan.NumRelayouts())
		assert.Contains(t, plan.String(), "relayout(x)")
	})

	t.Run("preferred layout not available", func(t *testing.T) {
		g := graph.New("blocked")
		x := g.Parameter("x", shapes.Make(f32, 1, 4))
		y := graph.Relu(x)
		y.Node.SetRTInfo(graph.RTInfoPreferredLayout, shapes.LayoutBlocked16)
		g.Result(y)
		_, err := Lower(context.Background(), g, testCapabilities(), DefaultProperties())
		var unsupported *UnsupportedError
		require.True(t, errors.As(err, &unsupported))
		assert.Equal(t, shapes.LayoutBlocked16, unsupported.Layout)
		assert.Len(t, unsupported.Available, 2)
	})
}

// iteratorGraph builds a TensorIterator accumulating tanh(x_i + h) over the first axis of x.
func iteratorGraph(bodyOp func(x, h graph.Output) graph.Output) *graph.Graph {
	g := graph.New("outer")
	x := g.Parameter("x", shapes.Make(f32, 3, 4))
	h0 := g.Parameter("h0", shapes.Make(f32, 4))

	body := graph.New("body")
	xs := body.Parameter("x_slice", shapes.Make(f32, 1, 4))
	h := body.Parameter("h", shapes.Make(f32, 4))
	next := bodyOp(graph.Squeeze(xs, body.ConstInts(0)), h)
	body.Result(next)
	body.Result(graph.Unsqueeze(next, body.ConstInts(0)))

	attrs := graph.NewLoopAttrs()
	attrs.Inputs = []graph.InputDescription{
		{Kind: graph.InputSliced, Input: 0, BodyParameter: 0,
			Slice: graph.SliceSpec{Axis: 0, Start: 0, End: -1, Stride: 1, PartSize: 1}},
		{Kind: graph.InputMerged, Input: 1, BodyParameter: 1, BodyResult: 0},
	}
	attrs.Outputs = []graph.OutputDescription{
		{Kind: graph.OutputIterValue, BodyResult: 0, Output: 0},
		{Kind: graph.OutputConcatenated, BodyResult: 1, Output: 1, Slice: graph.SliceSpec{Axis: 0, Stride: 1, PartSize: 1}},
	}
	ti := graph.NewTensorIterator(body, attrs, x, h0)
	ti.SetName("iterator")
	g.Result(ti.Output(0))
	g.Result(ti.Output(1))
	return g
}

func TestLowerBodies(t *testing.T) {
	g := iteratorGraph(func(x, h graph.Output) graph.Output { return graph.Tanh(graph.Add(x, h)) })
	plan := lower(t, g, testCapabilities())
	var iterator *Unit
	for _, u := range plan.Units {
		if u.Node.Type() == ops.OpTypeTensorIterator {
			iterator = u
		}
	}
	require.NotNil(t, iterator)
	require.NotNil(t, iterator.Body)
	assert.Equal(t, "body", iterator.Body.Graph.Name())
	assert.Greater(t, plan.NumUnits(), len(plan.Units))

	// Body failures name the loop node.
	g = iteratorGraph(func(x, h graph.Output) graph.Output { return graph.Exp(graph.Add(x, h)) })
	_, err := Lower(context.Background(), g, testCapabilities(), DefaultProperties())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lowering body of")
	assert.Contains(t, err.Error(), "iterator")
	var unsupported *UnsupportedError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, ops.OpTypeExp, unsupported.OpType)
}

func TestLowerCancelled(t *testing.T) {
	g := iteratorGraph(func(x, h graph.Output) graph.Output { return graph.Add(x, h) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Lower(ctx, g, testCapabilities(), DefaultProperties())
	require.ErrorIs(t, err, context.Canceled)
}
