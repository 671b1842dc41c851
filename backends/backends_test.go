// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	config   string
	compiled []*Plan
}

func (b *fakeBackend) Name() string               { return "fake" }
func (b *fakeBackend) Description() string        { return "fake backend: " + b.config }
func (b *fakeBackend) Properties() Properties     { return DefaultProperties() }
func (b *fakeBackend) Capabilities() Capabilities { return testCapabilities() }
func (b *fakeBackend) Finalize()                  {}

func (b *fakeBackend) Compile(plan *Plan) (Executable, error) {
	b.compiled = append(b.compiled, plan)
	return nil, nil
}

func init() {
	Register("fake", func(config string) (Backend, error) {
		if config == "fail" {
			return nil, errors.New("bad config")
		}
		return &fakeBackend{config: config}, nil
	})
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, List(), "fake")

	b, err := NewWithConfig("fake:some config")
	require.NoError(t, err)
	assert.Equal(t, "some config", b.(*fakeBackend).config)

	b, err = NewWithConfig("fake")
	require.NoError(t, err)
	assert.Empty(t, b.(*fakeBackend).config, "a bare backend name gets an empty configuration")

	_, err = NewWithConfig("unknown:x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"unknown"`)

	_, err = NewWithConfig("fake:fail")
	require.ErrorContains(t, err, "bad config")

	t.Setenv(GRAPHC_BACKEND, "fake:from env")
	b, err = New()
	require.NoError(t, err)
	assert.Equal(t, "from env", b.(*fakeBackend).config)
}

func TestCompile(t *testing.T) {
	b := &fakeBackend{}
	g := graph.New("add")
	x := g.Parameter("x", shapes.Make(f32, 2))
	g.Result(graph.Add(x, g.Constant(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))))
	_, err := Compile(context.Background(), b, g)
	require.NoError(t, err)
	require.Len(t, b.compiled, 1)
	assert.Len(t, b.compiled[0].Units, 4)
}

func TestProperties(t *testing.T) {
	props, err := PropertiesFromMap(map[string]any{
		KeyPerformanceMode:    PerformanceLatency,
		KeyNumStreams:         3,
		KeyInferencePrecision: dtypes.Float16,
		KeyQueueSyncMethod:    SyncBarriers,
		KeyCacheDir:           "/tmp/cache",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, props.Streams())
	assert.Equal(t, dtypes.Float16, props.InferencePrecision)
	assert.Equal(t, SyncBarriers, props.SyncMethod())
	assert.Equal(t, DefaultMaxLoopIterations, props.MaxLoopIterations)

	// Profiling needs events.
	props.EnableProfiling = true
	assert.Equal(t, SyncEvents, props.SyncMethod())

	props.NumStreams = 0
	assert.Equal(t, 1, props.Streams())
	props.PerformanceMode = PerformanceThroughput
	assert.GreaterOrEqual(t, props.Streams(), 1)

	_, err = PropertiesFromMap(map[string]any{KeyNumStreams: "4"})
	require.ErrorContains(t, err, "invalid value type")
	_, err = PropertiesFromMap(map[string]any{"no_such_property": 1})
	require.ErrorContains(t, err, "unknown device property")
	_, err = PropertiesFromMap(map[string]any{KeyMaxLoopIterations: 0})
	require.Error(t, err)
	_, err = PropertiesFromMap(map[string]any{KeyInferencePrecision: dtypes.Int32})
	require.Error(t, err)

	mode, err := ParsePerformanceMode("balanced_throughput")
	require.NoError(t, err)
	assert.Equal(t, PerformanceBalancedThroughput, mode)
	_, err = ParseSyncMethod("spin")
	require.Error(t, err)
}
