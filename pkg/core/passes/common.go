// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"k8s.io/klog/v2"
)

// InitNodeInfo records, for every node without provenance, its own name as provenance, so later
// rewrites can track which original nodes a fused node was derived from.
func InitNodeInfo() *FunctionPass {
	return NewFunctionPass("InitNodeInfo", func(_ *RunContext, g *graph.Graph) (bool, error) {
		changed := false
		for _, n := range g.LiveNodes() {
			if _, found := n.RTInfo()[graph.RTInfoFusedNames]; found {
				continue
			}
			n.SetRTInfo(graph.RTInfoFusedNames, []string{n.Name()})
			changed = true
		}
		return changed, nil
	})
}

// Validate checks the consistency of the graph, see graph.Graph.Validate. It never changes the graph.
func Validate() *FunctionPass {
	return NewFunctionPass("Validate", func(_ *RunContext, g *graph.Graph) (bool, error) {
		return false, g.Validate()
	})
}

// EliminateDeadNodes removes the nodes that don't contribute to any result.
func EliminateDeadNodes() *FunctionPass {
	return NewFunctionPass("EliminateDeadNodes", func(_ *RunContext, g *graph.Graph) (bool, error) {
		removed := g.Prune()
		if removed > 0 {
			klog.V(1).Infof("EliminateDeadNodes: removed %d nodes from %q", removed, g.Name())
		}
		return removed > 0, nil
	})
}

// dedupKey indexes candidates for deduplication: same kind, number of inputs, first input and
// output shape.
type dedupKey struct {
	opType     ops.OpType
	inputCount int
	firstInput graph.Output
	shape      string
}

// NodeDedup merges nodes computing the same value (common sub-expression elimination): same kind,
// same inputs and equal attributes. Constants with equal values are merged too.
// Parameters, results and sub-graph nodes are never merged.
func NodeDedup() *FunctionPass {
	return NewFunctionPass("NodeDedup", func(_ *RunContext, g *graph.Graph) (bool, error) {
		candidates := make(map[dedupKey][]*graph.Node)
		merged := 0
		for _, n := range g.TopologicalOrder() {
			switch n.Type() {
			case ops.OpTypeParameter, ops.OpTypeResult, ops.OpTypeLoop, ops.OpTypeTensorIterator:
				continue
			}
			if n.IsRemoved() {
				continue
			}
			key := dedupKey{opType: n.Type(), inputCount: n.NumInputs(), shape: n.Shape().String()}
			if n.NumInputs() > 0 {
				key.firstInput = n.Input(0)
			}
			var found *graph.Node
			for _, candidate := range candidates[key] {
				if sameComputation(candidate, n) {
					found = candidate
					break
				}
			}
			if found == nil {
				candidates[key] = append(candidates[key], n)
				continue
			}
			graph.CopyRuntimeInfo([]*graph.Node{found, n}, found)
			graph.ReplaceNode(n, found)
			merged++
		}
		if merged > 0 {
			klog.V(1).Infof("NodeDedup: merged %d nodes in %q", merged, g.Name())
		}
		return merged > 0, nil
	})
}

func sameComputation(a, b *graph.Node) bool {
	if !slices.Equal(a.Inputs(), b.Inputs()) {
		return false
	}
	if a.Type() == ops.OpTypeConstant {
		return a.Value().Equal(b.Value())
	}
	return attrsEqual(a.Attrs(), b.Attrs())
}

// attrsEqual compares the attributes of two nodes of the same kind.
func attrsEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if reflect.TypeOf(a).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// elide replaces old by an existing value, transferring the friendly name of old if possible.
func elide(old, existing graph.Output) bool {
	if !graph.ReplaceOutputUpdateName(old, existing) {
		// Parameters keep their names.
		graph.ReplaceOutput(old, existing)
	}
	return true
}

// replaceNamed replaces old by a newly created value, which takes the friendly name of old.
func replaceNamed(old, replacement graph.Output) bool {
	name := old.Node.Name()
	if old.Node.NumOutputs() > 1 {
		name = fmt.Sprintf("%s.%d", name, old.Index)
	}
	replacement.Node.SetName(name)
	graph.ReplaceOutput(old, replacement)
	return true
}
