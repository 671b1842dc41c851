// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/pattern"
	"github.com/gomlx/graphc/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Callback rewrites a match. It returns true iff it changed the graph.
//
// On success it must have replaced the matched root (graph.ReplaceOutput and friends), keeping
// the friendly name of the primary original node and copying the runtime info of all consumed
// nodes onto the new ones (graph.CopyRuntimeInfo).
//
// Returning false must leave the graph untouched: nodes created by the callback are discarded
// automatically, but pre-existing nodes must not have been mutated.
type Callback func(m *pattern.Match) bool

// MatcherPass is a local rewrite: a pattern and a callback applied to every match.
type MatcherPass struct {
	name     string
	pattern  *pattern.Pattern
	callback Callback

	// Probe declares a side-effecting probe pass: its callback may mutate the graph around the
	// matched root (e.g. move a node) and still return false, so that the following passes get a
	// chance to match the same root. The mutations are kept, and reported as a change of the graph,
	// but not counted as a rewrite.
	Probe bool
}

// NewMatcherPass creates a MatcherPass.
func NewMatcherPass(name string, p *pattern.Pattern, callback Callback) *MatcherPass {
	if p == nil || callback == nil {
		exceptions.Panicf("NewMatcherPass(%q): pattern and callback are required", name)
	}
	return &MatcherPass{name: name, pattern: p, callback: callback}
}

// Name implements Pass.
func (mp *MatcherPass) Name() string { return mp.name }

// Pattern returns the pattern matched by the pass.
func (mp *MatcherPass) Pattern() *pattern.Pattern { return mp.pattern }

// Apply implements Pass: it runs the single matcher over the graph, see GraphRewrite.
func (mp *MatcherPass) Apply(rc *RunContext, g *graph.Graph) (bool, error) {
	return runMatchers(rc, g, []*MatcherPass{mp}, defaultMaxRounds)
}

// rewriteResult is the outcome of one match attempt.
type rewriteResult int

const (
	noMatch rewriteResult = iota
	rejected
	probed
	rewritten
)

// tryRewrite matches mp at n and runs the callback in a transaction.
func (mp *MatcherPass) tryRewrite(rc *RunContext, g *graph.Graph, n *graph.Node) (rewriteResult, graph.Checkpoint, error) {
	m, ok := mp.pattern.Match(n)
	if !ok {
		return noMatch, graph.Checkpoint{}, nil
	}
	nodeName := n.String()
	cp := g.Checkpoint()
	rc.stats.Pass(mp.name).Callbacks++
	var applied bool
	if err := exceptions.TryCatch[error](func() { applied = mp.callback(m) }); err != nil {
		return noMatch, cp, errors.WithMessagef(err, "pass %q rewriting %s", mp.name, nodeName)
	}
	if applied {
		g.CollectGarbageSince(cp)
		copyProvenance(m.MatchedNodes(), g.NewNodesSince(cp))
		rc.stats.Pass(mp.name).Rewrites++
		klog.V(2).Infof("pass %q: rewrote %s", mp.name, nodeName)
		return rewritten, cp, nil
	}
	if !g.TouchedSince(cp) {
		g.Rollback(cp)
		return rejected, cp, nil
	}
	if !mp.Probe {
		return noMatch, cp, errors.Errorf("pass %q returned false at %s after modifying the graph: "+
			"only probe passes may do that", mp.name, nodeName)
	}
	g.CollectGarbageSince(cp)
	klog.V(2).Infof("probe pass %q: modified the graph around %s", mp.name, nodeName)
	return probed, cp, nil
}

// copyProvenance copies the runtime info of the consumed nodes onto the created ones.
// Constants are neither sources nor targets of provenance.
func copyProvenance(consumed, created []*graph.Node) {
	notConstant := func(n *graph.Node) bool { return n.Type() != ops.OpTypeConstant }
	consumed = xslices.Filter(consumed, notConstant)
	created = xslices.Filter(created, notConstant)
	if len(consumed) > 0 && len(created) > 0 {
		graph.CopyRuntimeInfo(consumed, created...)
	}
}

// defaultMaxRounds bounds the number of traversals of a GraphRewrite looking for a fixpoint.
const defaultMaxRounds = 10

// GraphRewrite runs a group of matcher passes in a single traversal of the graph: for each node,
// the matchers are tried in order until one rewrites it. Nodes created by a rewrite are visited
// in the same traversal. The traversal is repeated until no rewrite happens, at most MaxRounds times.
//
// Each matcher can be disabled individually in the Config, by its own name.
type GraphRewrite struct {
	name     string
	matchers []*MatcherPass

	// MaxRounds bounds the number of traversals.
	MaxRounds int
}

// NewGraphRewrite creates a named group of matcher passes.
func NewGraphRewrite(name string, matchers ...*MatcherPass) *GraphRewrite {
	return &GraphRewrite{name: name, matchers: matchers, MaxRounds: defaultMaxRounds}
}

// Add appends matchers to the group, and returns the group.
func (gr *GraphRewrite) Add(matchers ...*MatcherPass) *GraphRewrite {
	gr.matchers = append(gr.matchers, matchers...)
	return gr
}

// Name implements Pass.
func (gr *GraphRewrite) Name() string { return gr.name }

// Matchers returns the matcher passes of the group.
func (gr *GraphRewrite) Matchers() []*MatcherPass { return gr.matchers }

// Apply implements Pass.
func (gr *GraphRewrite) Apply(rc *RunContext, g *graph.Graph) (bool, error) {
	var enabled []*MatcherPass
	for _, mp := range gr.matchers {
		if rc.Enabled(mp.name, true) {
			enabled = append(enabled, mp)
		} else {
			rc.stats.Pass(mp.name).Skipped = true
		}
	}
	if len(enabled) == 0 {
		return false, nil
	}
	return runMatchers(rc, g, enabled, gr.MaxRounds)
}

func runMatchers(rc *RunContext, g *graph.Graph, matchers []*MatcherPass, maxRounds int) (bool, error) {
	for _, mp := range matchers {
		rc.stats.Pass(mp.name).Invocations++
	}
	changed := false
	for round := range maxRounds {
		roundChanged := false
		queue := linkedlistqueue.New[*graph.Node]()
		for _, n := range g.TopologicalOrder() {
			queue.Enqueue(n)
		}
		for !queue.Empty() {
			n, _ := queue.Dequeue()
			for _, mp := range matchers {
				if n.IsRemoved() {
					break
				}
				result, cp, err := mp.tryRewrite(rc, g, n)
				if err != nil {
					return changed || roundChanged, err
				}
				if result == rewritten || result == probed {
					roundChanged = true
					for _, created := range g.NewNodesSince(cp) {
						queue.Enqueue(created)
					}
				}
				if result == rewritten {
					break
				}
			}
		}
		if !roundChanged {
			break
		}
		changed = true
		klog.V(1).Infof("graph %q: round %d of %d matchers changed the graph", g.Name(), round, len(matchers))
	}
	return changed, nil
}
