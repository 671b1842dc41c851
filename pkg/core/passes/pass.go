// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements graph transformations and the Manager that runs them in order.
//
// Every transformation implements Pass: Apply(rc, g) reports whether the graph changed.
// Whole-graph passes (ConstantFolding, Validate, UnrollLoop, ...) are FunctionPass values.
// Local rewrites are MatcherPass values: a pattern plus a callback that rewrites a match.
// Several MatcherPass can be grouped in a GraphRewrite, executed together in a single traversal
// of the graph.
//
// The callback of a MatcherPass runs in a transaction: if it returns false, the nodes it created
// are discarded and the graph is left exactly as before. A callback returning false after
// mutating pre-existing nodes is an error, unless the MatcherPass is a probe (see MatcherPass.Probe).
//
// Passes are enabled or disabled by name with a Config, given to the Manager.
package passes

import (
	"context"
	"time"

	"github.com/gomlx/graphc/pkg/core/graph"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Pass is a graph transformation.
type Pass interface {
	// Name identifies the pass in the Config, errors and stats.
	Name() string

	// Apply transforms g, and returns whether it was changed.
	Apply(rc *RunContext, g *graph.Graph) (changed bool, err error)
}

// RunContext is the state of one Manager.Run, handed to every pass.
type RunContext struct {
	// Context of the run, checked between passes.
	Context context.Context

	config *Config
	stats  *Stats
}

// NewRunContext creates a RunContext to apply passes outside a Manager, typically in tests.
// If config is nil, all passes are enabled.
func NewRunContext(ctx context.Context, config *Config) *RunContext {
	if config == nil {
		config = NewConfig()
	}
	return &RunContext{Context: ctx, config: config, stats: newStats()}
}

// Enabled returns whether the pass with the given name should run, given its default.
func (rc *RunContext) Enabled(name string, defaultEnabled bool) bool {
	return rc.config.IsEnabled(name, defaultEnabled)
}

// Stats collected so far in the run.
func (rc *RunContext) Stats() *Stats { return rc.stats }

// FunctionPass is a pass implemented by a function over the whole graph.
type FunctionPass struct {
	name string
	fn   func(rc *RunContext, g *graph.Graph) (bool, error)
}

// NewFunctionPass creates a named whole-graph pass.
func NewFunctionPass(name string, fn func(rc *RunContext, g *graph.Graph) (bool, error)) *FunctionPass {
	return &FunctionPass{name: name, fn: fn}
}

// Name implements Pass.
func (p *FunctionPass) Name() string { return p.name }

// Apply implements Pass.
func (p *FunctionPass) Apply(rc *RunContext, g *graph.Graph) (bool, error) {
	changed, err := p.fn(rc, g)
	rc.stats.Pass(p.name).Rewrites += boolToInt(changed)
	return changed, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PassStats are the statistics of one pass in a run.
type PassStats struct {
	Name string

	// Invocations of Apply, one per graph (bodies included).
	Invocations int

	// Callbacks is the number of times a MatcherPass callback was invoked.
	Callbacks int

	// Rewrites is the number of successful rewrites (or whole-graph passes that changed the graph).
	Rewrites int

	// Skipped is set if the pass was disabled.
	Skipped bool

	Elapsed time.Duration
}

// Stats of a run, per pass name, in the order the passes first ran.
type Stats struct {
	passes *orderedmap.OrderedMap[string, *PassStats]
}

func newStats() *Stats {
	return &Stats{passes: orderedmap.New[string, *PassStats]()}
}

// Pass returns the stats of the named pass, creating them if needed.
func (s *Stats) Pass(name string) *PassStats {
	ps, found := s.passes.Get(name)
	if !found {
		ps = &PassStats{Name: name}
		s.passes.Set(name, ps)
	}
	return ps
}

// Lookup returns the stats of the named pass, or nil if it never ran.
func (s *Stats) Lookup(name string) *PassStats {
	ps, _ := s.passes.Get(name)
	return ps
}

// All returns the stats of all passes, in order.
func (s *Stats) All() []*PassStats {
	all := make([]*PassStats, 0, s.passes.Len())
	for pair := s.passes.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value)
	}
	return all
}

// TotalRewrites sums the rewrites of all passes.
func (s *Stats) TotalRewrites() int {
	total := 0
	for pair := s.passes.Oldest(); pair != nil; pair = pair.Next() {
		total += pair.Value.Rewrites
	}
	return total
}
