// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

// DefaultMaxUnrollTripCount is the largest trip count unrolled by CommonOptimizations, when
// UnrollLoop is enabled.
const DefaultMaxUnrollTripCount = 16

// CommonOptimizations returns the standard backend-independent pipeline.
//
// UnrollLoop is registered disabled: enable it in config to unroll loops with a static trip
// count of at most DefaultMaxUnrollTripCount.
func CommonOptimizations(config *Config) *Manager {
	m := NewManager("CommonOptimizations", config)
	m.Register(
		InitNodeInfo(),
		Decompositions(),
		ConstantFolding(),
		NopElimination(),
		Fusions(),
		ConstantFolding(),
		LoopStatesBroadcast())
	m.RegisterDisabled(UnrollLoop(DefaultMaxUnrollTripCount))
	m.Register(
		NopElimination(),
		NodeDedup(),
		EliminateDeadNodes(),
		Validate())
	return m
}
