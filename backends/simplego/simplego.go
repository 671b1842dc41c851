// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend for graphc.
//
// Its kernels are the host kernels of package kernels, "compiled" and cached through
// package kernelcache. Execution is asynchronous: each unit of the plan is a task in an
// execution Stream, and Loop/TensorIterator nodes are run by a loop engine that pipelines
// the iterations of their bodies.
//
// The configuration string is a comma separated list of "key=value" device properties, see
// backends.Properties. E.g.: "go:num_streams=4,queue_sync_method=barriers,cache_dir=~/.cache/graphc".
package simplego

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/backends"
	"github.com/gomlx/graphc/backends/kernelcache"
	"github.com/gomlx/graphc/pkg/support/xsync"
	"github.com/pkg/errors"
)

// BackendName to be used in GRAPHC_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend from a configuration string.
func New(config string) (backends.Backend, error) {
	props, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithProperties(props)
}

// NewWithProperties constructs a new SimpleGo Backend with the given device properties.
func NewWithProperties(props backends.Properties) (*Backend, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	return &Backend{
		props:    props,
		compiler: goCompiler{},
		workers:  newWorkersPool(props.Streams()),
	}, nil
}

// parseConfig parses "key=value" pairs, separated by commas, into typed device properties.
func parseConfig(config string) (backends.Properties, error) {
	values := make(map[string]any)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return backends.Properties{}, errors.Errorf("invalid configuration %q for backend %q: expected key=value", part, BackendName)
		}
		var err error
		switch key {
		case backends.KeyPerformanceMode:
			values[key], err = backends.ParsePerformanceMode(value)
		case backends.KeyNumStreams, backends.KeyMaxLoopIterations:
			values[key], err = strconv.Atoi(value)
		case backends.KeyInferencePrecision:
			values[key], err = dtypes.DTypeString(value)
		case backends.KeyEnableProfiling:
			values[key], err = strconv.ParseBool(value)
		case backends.KeyQueueSyncMethod:
			values[key], err = backends.ParseSyncMethod(value)
		default:
			values[key] = value
		}
		if err != nil {
			return backends.Properties{}, errors.WithMessagef(err, "invalid value for %q in backend %q configuration", key, BackendName)
		}
	}
	return backends.PropertiesFromMap(values)
}

// Backend implements the backends.Backend interface.
type Backend struct {
	props    backends.Properties
	compiler kernelcache.Compiler
	workers  *workersPool

	// bufferPools are a map to pools of buffers that can be reused.
	bufferPools  xsync.SyncMap[bufferPoolKey, *sync.Pool]
	buffersInUse atomic.Int64

	finalized atomic.Bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "SimpleGo (go)"
}

// String implement fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable Backend: " + b.props.String()
}

// Properties implements backends.Backend.
func (b *Backend) Properties() backends.Properties {
	return b.props
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities()
}

// Compile implements backends.Backend: it compiles the kernels of the plan, using the
// kernel cache, and prepares the loop engines.
func (b *Backend) Compile(plan *backends.Plan) (backends.Executable, error) {
	if b.finalized.Load() {
		return nil, errors.Errorf("backend %q already finalized", BackendName)
	}
	return newExecutable(b, plan)
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
	b.bufferPools.Clear()
}
