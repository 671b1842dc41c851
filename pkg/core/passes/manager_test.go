// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"context"
	"testing"

	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/pattern"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tanhGraph() *graph.Graph {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 4))
	g.Result(graph.Tanh(x))
	return g
}

func TestMatcherRejectionIsNoOp(t *testing.T) {
	g := tanhGraph()
	before := g.Signature()
	x := pattern.Any()
	reject := NewMatcherPass("Reject", pattern.Op(ops.OpTypeTanh, x), func(m *pattern.Match) bool {
		_ = graph.Exp(graph.Relu(m.Value(x)))
		return false
	})
	stats := runPasses(t, g, reject)
	requireSignature(t, before, g)
	ps := stats.Lookup("Reject")
	require.NotNil(t, ps)
	assert.Equal(t, 1, ps.Invocations)
	assert.Equal(t, 1, ps.Callbacks)
	assert.Zero(t, ps.Rewrites)
	assert.Zero(t, countOps(g, ops.OpTypeExp))
}

func TestMatcherMutationRequiresProbe(t *testing.T) {
	x := pattern.Any()
	mutate := func(m *pattern.Match) bool {
		graph.ReplaceOutput(m.Root(), graph.Relu(m.Value(x)))
		return false
	}

	g := tanhGraph()
	sneaky := NewMatcherPass("Sneaky", pattern.Op(ops.OpTypeTanh, x), mutate)
	_, err := NewManager("test", nil).Register(sneaky).Run(context.Background(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pass "Sneaky"`)
	assert.Contains(t, err.Error(), "only probe passes")

	g = tanhGraph()
	probe := NewMatcherPass("Probe", pattern.Op(ops.OpTypeTanh, x), mutate)
	probe.Probe = true
	rc := NewRunContext(context.Background(), nil)
	changed, err := probe.Apply(rc, g)
	require.NoError(t, err)
	assert.True(t, changed, "probe mutations count as a change of the graph")
	assert.Zero(t, rc.Stats().Lookup("Probe").Rewrites)
	assert.Equal(t, 1, countOps(g, ops.OpTypeRelu))
	assert.Zero(t, countOps(g, ops.OpTypeTanh))
	require.NoError(t, g.Validate())
}

func swishGraph() *graph.Graph {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 3, 4))
	g.Result(graph.Multiply(x, graph.Sigmoid(x)))
	return g
}

func TestConfigDisableAndEnable(t *testing.T) {
	ctx := context.Background()
	config := NewConfig()
	require.NoError(t, config.Disable("SwishFusion"))
	m := NewManager("test", config).Register(Fusions())

	g := swishGraph()
	before := g.Signature()
	stats, err := m.Run(ctx, g)
	require.NoError(t, err)
	ps := stats.Lookup("SwishFusion")
	require.NotNil(t, ps)
	assert.True(t, ps.Skipped)
	assert.Zero(t, ps.Callbacks)
	requireSignature(t, before, g)

	require.NoError(t, config.Reset("SwishFusion"))
	g = swishGraph()
	stats, err = m.Run(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Lookup("SwishFusion").Rewrites)
	assert.Equal(t, 1, countOps(g, ops.OpTypeSwish))

	// Disabling the group disables all its matchers.
	require.NoError(t, config.Disable("Fusions"))
	g = swishGraph()
	stats, err = m.Run(ctx, g)
	require.NoError(t, err)
	assert.True(t, stats.Lookup("Fusions").Skipped)
	assert.Nil(t, stats.Lookup("SwishFusion"))
	assert.Equal(t, []Override{{Name: "Fusions", Enabled: false}}, config.Overrides())
}

func TestConfigIsFrozenWhileRunning(t *testing.T) {
	config := NewConfig()
	var setErr error
	meddler := NewFunctionPass("Meddler", func(_ *RunContext, _ *graph.Graph) (bool, error) {
		setErr = config.Disable("SwishFusion")
		return false, nil
	})
	_, err := NewManager("test", config).Register(meddler).Run(context.Background(), swishGraph())
	require.NoError(t, err)
	require.Error(t, setErr)
	assert.True(t, config.IsEnabled("SwishFusion", true))

	require.NoError(t, config.Disable("SwishFusion"))
	assert.False(t, config.IsEnabled("SwishFusion", true))
}

func TestManagerErrors(t *testing.T) {
	ctx := context.Background()
	broken := NewFunctionPass("Broken", func(_ *RunContext, _ *graph.Graph) (bool, error) {
		return false, errors.New("boom")
	})
	_, err := NewManager("pipeline", nil).Register(InitNodeInfo(), broken).Run(ctx, tanhGraph())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pipeline "pipeline"`)
	assert.Contains(t, err.Error(), `pass "Broken"`)
	assert.Contains(t, err.Error(), "boom")

	panicky := NewFunctionPass("Panicky", func(_ *RunContext, _ *graph.Graph) (bool, error) {
		panic(errors.New("kaput"))
	})
	_, err = NewManager("pipeline", nil).Register(panicky).Run(ctx, tanhGraph())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pass "Panicky"`)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewManager("pipeline", nil).Register(InitNodeInfo()).Run(cancelled, tanhGraph())
	require.ErrorIs(t, err, context.Canceled)
}

func TestManagerRunsBodiesFirst(t *testing.T) {
	g := graph.New("test")
	x := g.Parameter("x", shapes.Make(f32, 2, 1, 16))
	h0 := g.Parameter("h0", shapes.Make(f32, 1, 8))
	ti := buildRNNIterator(g, x, h0, 8)
	g.Result(ti.Output(0))

	var visited []string
	record := NewFunctionPass("Record", func(_ *RunContext, g *graph.Graph) (bool, error) {
		visited = append(visited, g.Name())
		return false, nil
	})
	stats := runPasses(t, g, record)
	assert.Equal(t, []string{"rnn_body", "test"}, visited)
	assert.Equal(t, 2, stats.Lookup("Record").Invocations)
	assert.Zero(t, stats.Lookup("Record").Rewrites)
}

func TestStatsOrder(t *testing.T) {
	g := swishGraph()
	stats := runPasses(t, g, InitNodeInfo(), Fusions(), Validate())
	var names []string
	for _, ps := range stats.All() {
		names = append(names, ps.Name)
	}
	require.NotEmpty(t, names)
	assert.Equal(t, "InitNodeInfo", names[0])
	assert.Equal(t, "Validate", names[len(names)-1])
	assert.Contains(t, names, "SwishFusion")
	assert.Equal(t, 2, stats.TotalRewrites(), "InitNodeInfo and SwishFusion")
}
