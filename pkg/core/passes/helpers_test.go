// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"context"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/kernels"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// evaluate runs a graph without sub-graphs on the host kernels.
func evaluate(t *testing.T, g *graph.Graph, inputs ...*tensors.Tensor) []*tensors.Tensor {
	t.Helper()
	require.Len(t, inputs, len(g.Parameters()))
	values := make(map[graph.Output]*tensors.Tensor)
	for _, n := range g.TopologicalOrder() {
		switch n.Type() {
		case ops.OpTypeParameter:
			values[n.Output(0)] = inputs[n.ParameterIndex()]
			continue
		case ops.OpTypeConstant:
			values[n.Output(0)] = n.Value()
			continue
		case ops.OpTypeResult:
			continue
		}
		nodeInputs := make([]*tensors.Tensor, n.NumInputs())
		for i, in := range n.Inputs() {
			nodeInputs[i] = values[in]
		}
		outputs, err := kernels.Eval(n.Type(), n.Attrs(), nodeInputs)
		require.NoError(t, err, "evaluating %s", n)
		for i, out := range outputs {
			values[n.Output(i)] = out
		}
	}
	results := make([]*tensors.Tensor, len(g.Results()))
	for i, r := range g.Results() {
		results[i] = values[r.Input(0)]
	}
	return results
}

// requireSameValues compares the results of two graphs on the same inputs.
func requireSameValues(t *testing.T, want, got *graph.Graph, inputs ...*tensors.Tensor) {
	t.Helper()
	wantValues := evaluate(t, want, inputs...)
	gotValues := evaluate(t, got, inputs...)
	require.Len(t, gotValues, len(wantValues))
	for i := range wantValues {
		require.True(t, wantValues[i].Shape().EqualDimensions(gotValues[i].Shape()),
			"result #%d: shape %s, wanted %s", i, gotValues[i].Shape(), wantValues[i].Shape())
		require.InDeltaSlice(t, must.M1(wantValues[i].ToFloat64s()), must.M1(gotValues[i].ToFloat64s()), 1e-5,
			"result #%d", i)
	}
}

// requireSignature fails with a line diff if the signature of g is not want.
func requireSignature(t *testing.T, want string, g *graph.Graph) {
	t.Helper()
	if diff := cmp.Diff(strings.Split(want, "\n"), strings.Split(g.Signature(), "\n")); diff != "" {
		t.Fatalf("graph %q changed (-want +got):\n%s", g.Name(), diff)
	}
}

// rampTensor returns a Float32 tensor with varied values, both positive and negative.
func rampTensor(dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = float32(i%7)*0.25 - 0.6
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// countOps returns the number of live nodes of the given kind in g.
func countOps(g *graph.Graph, opType ops.OpType) int {
	count := 0
	for _, n := range g.LiveNodes() {
		if n.Type() == opType {
			count++
		}
	}
	return count
}

// runPasses applies the passes with a fresh Manager and returns the stats.
func runPasses(t *testing.T, g *graph.Graph, passes ...Pass) *Stats {
	t.Helper()
	stats, err := NewManager("test", nil).Register(passes...).Run(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	return stats
}

var f32 = dtypes.Float32

// buildRNNIterator builds a TensorIterator running a vanilla RNN cell over the axis 0 of
// x [seq, batch, 16], with the initial state h0 [batch, hidden]. Results: all hidden states
// [seq, batch, hidden] and the last one.
func buildRNNIterator(g *graph.Graph, x, h0 graph.Output, hidden int) *graph.Node {
	batch := x.Shape().Dim(1)
	body := graph.New("rnn_body")
	xs := body.Parameter("x_slice", shapes.Make(f32, 1, batch, 16))
	h := body.Parameter("h", shapes.Make(f32, batch, hidden))
	it := graph.Squeeze(xs, body.ConstInts(0))
	w := body.Constant(rampTensor(hidden, 16))
	r := body.Constant(rampTensor(hidden, hidden))
	b := body.Constant(rampTensor(hidden))
	hNext := graph.RNNCell(it, h, w, r, b, ops.CellAttrs{HiddenSize: hidden})
	hNext.Node.SetName("cell")
	body.Result(graph.Unsqueeze(hNext, body.ConstInts(0)))
	body.Result(hNext)

	attrs := graph.NewLoopAttrs()
	attrs.Inputs = []graph.InputDescription{
		{Kind: graph.InputSliced, Input: 0, BodyParameter: 0,
			Slice: graph.SliceSpec{Axis: 0, Start: 0, End: -1, Stride: 1, PartSize: 1}},
		{Kind: graph.InputMerged, Input: 1, BodyParameter: 1, BodyResult: 1},
	}
	attrs.Outputs = []graph.OutputDescription{
		{Kind: graph.OutputConcatenated, BodyResult: 0, Output: 0, Slice: graph.SliceSpec{Axis: 0, Stride: 1, PartSize: 1}},
		{Kind: graph.OutputIterValue, BodyResult: 1, Output: 1},
	}
	ti := graph.NewTensorIterator(body, attrs, x, h0)
	ti.SetName("rnn")
	return ti
}
