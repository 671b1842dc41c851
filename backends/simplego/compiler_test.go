// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"testing"

	"github.com/gomlx/graphc/backends/kernelcache"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCompiler(t *testing.T) {
	var compiler goCompiler
	concat := must.M1(newKernelSource("concat_0_3", ops.OpTypeConcat, ops.ConcatAttrs{Axis: 1}))
	add := must.M1(newKernelSource("add_0_4", ops.OpTypeAdd, nil))
	assert.NotContains(t, add, "attrs")

	program, log, err := compiler.Compile("-dtype=Float32 -layout=any", []string{concat, add})
	require.NoError(t, err, log)
	k, found := program.Kernel("concat_0_3")
	require.True(t, found)
	assert.Equal(t, "concat_0_3", k.EntryPoint())
	outputs := must.M1(k.Run([]*tensors.Tensor{
		tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2, 1),
		tensors.FromFlatDataAndDimensions([]float32{3, 4}, 2, 1),
	}))
	require.Len(t, outputs, 1)
	assert.Equal(t, []float32{1, 3, 2, 4}, tensors.FlatAs[float32](outputs[0]))
	_, found = program.Kernel("missing")
	assert.False(t, found)

	// Binaries are loaded back into equivalent programs.
	binary := must.M1(program.Binary())
	loaded := must.M1(compiler.Load("-dtype=Float32", binary))
	k, found = loaded.Kernel("add_0_4")
	require.True(t, found)
	outputs = must.M1(k.Run([]*tensors.Tensor{tensors.FromScalar(float32(1)), tensors.FromScalar(float32(2))}))
	assert.Equal(t, []float32{3}, tensors.FlatAs[float32](outputs[0]))

	_, err = compiler.Load("", []byte("not a binary"))
	require.Error(t, err)
}

func TestGoCompilerErrors(t *testing.T) {
	var compiler goCompiler
	add := must.M1(newKernelSource("add", ops.OpTypeAdd, nil))
	_, log, err := compiler.Compile("-fast-math", []string{add})
	require.Error(t, err)
	assert.Contains(t, log, `unknown option "-fast-math"`)

	_, log, err = compiler.Compile("", []string{add, `{"entry":"bad","op":"NoSuchOp"}`, "{"})
	require.Error(t, err)
	assert.Contains(t, log, "kernel #1")
	assert.Contains(t, log, "kernel #2")
	assert.NotContains(t, log, "kernel #0")

	loop := must.M1(newKernelSource("loop", ops.OpTypeLoop, nil))
	_, log, err = compiler.Compile("", []string{loop})
	require.Error(t, err)
	assert.Contains(t, log, "not supported")

	device := compiler.Device()
	assert.Contains(t, device.DeviceName, BackendName+"/")
	assert.NotEmpty(t, device.DriverVersion)
}

func TestGoCompilerWithCache(t *testing.T) {
	dir := t.TempDir()
	cache := must.M1(kernelcache.New(goCompiler{}, dir, 2))
	reduce := must.M1(newKernelSource("sum", ops.OpTypeReduceSum, ops.ReduceAttrs{KeepDims: true}))
	id := cache.Add(kernelcache.Source{EntryPoint: "sum", Code: reduce, Options: "-dtype=Float32", Batchable: true})
	require.NoError(t, cache.Build(t.Context()))
	k := must.M1(cache.Kernel(id))
	outputs := must.M1(k.Run([]*tensors.Tensor{
		tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2),
		tensors.FromInts(1),
	}))
	assert.Equal(t, []int{2, 1}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []float32{3, 7}, tensors.FlatAs[float32](outputs[0]))
	_, misses := cache.Stats()
	assert.Equal(t, 1, misses)

	// A new cache over the same directory loads the program.
	cache = must.M1(kernelcache.New(goCompiler{}, dir, 2))
	id = cache.Add(kernelcache.Source{EntryPoint: "sum", Code: reduce, Options: "-dtype=Float32", Batchable: true})
	require.NoError(t, cache.Build(t.Context()))
	hits, _ := cache.Stats()
	assert.Equal(t, 1, hits)
	_ = must.M1(cache.Kernel(id))
}
