// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
)

// KindDescriptor describes a custom (non built-in) operation kind.
//
// Custom nodes use OpTypeCustom and carry the kind Name in their attributes.
// Infer and Eval are typed as `any` here to keep this package free of dependencies on
// the shape and tensor packages: Infer must be a shapeinference.CustomInferFn and Eval a
// kernels.CustomEvalFn. They are asserted (and panic on mismatch) when used.
type KindDescriptor struct {
	// Name of the kind, must be unique.
	Name string

	// NumOutputs produced by nodes of this kind.
	NumOutputs int

	// Infer computes the output shapes from the input shapes.
	Infer any

	// Eval is optional: if set, the kind can be constant-folded and run by the Go backend.
	Eval any
}

var (
	muRegistry sync.RWMutex
	registry   = make(map[string]*KindDescriptor)
)

// Register a custom kind. It panics if the name is empty or already registered.
func Register(desc KindDescriptor) {
	if desc.Name == "" {
		exceptions.Panicf("ops.Register: custom kind must have a name")
	}
	if desc.NumOutputs <= 0 {
		exceptions.Panicf("ops.Register(%q): NumOutputs must be > 0, got %d", desc.Name, desc.NumOutputs)
	}
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[desc.Name]; found {
		exceptions.Panicf("ops.Register(%q): custom kind already registered", desc.Name)
	}
	registry[desc.Name] = &desc
}

// Lookup returns the descriptor of a registered custom kind.
func Lookup(name string) (*KindDescriptor, bool) {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	desc, found := registry[name]
	return desc, found
}

// RegisteredKinds returns the names of all custom kinds, sorted.
func RegisteredKinds() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
