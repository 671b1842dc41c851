// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a backend implements to execute optimized graphs, and the
// lowering of a graph to a backend's execution units.
//
// Lowering (see Lower) is a selection problem: for each node it picks one of the (layout, dtype)
// variants the backend declares in its Capabilities. It never changes the numerical semantics of
// the graph, so a node whose exact dtype is not supported fails with an UnsupportedError.
//
// Backends register themselves with Register, usually in an init function, and are created with
// New or NewWithConfig.
package backends

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend is the API that needs to be implemented by a graphc backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the portable Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Properties the backend was configured with.
	Properties() Properties

	// Capabilities returns the execution unit variants supported by the backend.
	Capabilities() Capabilities

	// Compile a lowered plan into an Executable.
	Compile(plan *Plan) (Executable, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Executable is a compiled graph, ready to execute.
type Executable interface {
	// Execute runs the graph with the given inputs (one per graph parameter) and returns one
	// tensor per graph result.
	//
	// Run-time errors abort the whole execution and are not retried.
	Execute(ctx context.Context, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error)

	// Finalize releases the resources associated with the executable.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GRAPHC_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
const GRAPHC_BACKEND = "GRAPHC_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GRAPHC_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(GRAPHC_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
// If there is no ":", config is either the name of a registered backend, used with an empty
// configuration, or the configuration passed to the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.Errorf(`no registered backends for graphc -- maybe import the Go one with import _ "github.com/gomlx/graphc/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, isName := registeredConstructors[config]; isName {
		backendName, backendConfig = config, ""
	}
	constructor, found := registeredConstructors[backendName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q", backendName)
	}
	klog.V(1).Infof("backend %q created: %s", backend.Name(), backend.Description())
	return backend, nil
}

// Compile lowers the graph for the backend, using its capabilities and properties, and compiles
// the resulting plan.
func Compile(ctx context.Context, backend Backend, g *graph.Graph) (Executable, error) {
	plan, err := Lower(ctx, g, backend.Capabilities(), backend.Properties())
	if err != nil {
		return nil, err
	}
	exec, err := backend.Compile(plan)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q compiling graph %q", backend.Name(), g.Name())
	}
	return exec, nil
}
