// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"slices"

	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/pattern"
)

var reductionOps = []ops.OpType{ops.OpTypeReduceSum, ops.OpTypeReduceMax, ops.OpTypeReduceMean}

// reduce builds a reduction of the given kind.
func reduce(opType ops.OpType, x, axes graph.Output, keepDims bool) graph.Output {
	return graph.NewNode(x.Graph(), opType, ops.ReduceAttrs{KeepDims: keepDims}, x, axes).Output(0)
}

// normalizedAxes returns the constant axes of a reduction, adjusted to non-negative values.
func normalizedAxes(axes graph.Output, rank int) ([]int, bool) {
	values := graph.ConstantInts(axes)
	if values == nil && axes.Shape().Size() != 0 {
		return nil, false
	}
	out := make([]int, len(values))
	for i, axis := range values {
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			return nil, false
		}
		out[i] = axis
	}
	return out, true
}

// TransposeReduction moves a Transpose after a reduction: Reduce(Transpose(x, perm), axes) becomes
// Reduce(x, perm[axes]) followed by the transposition of the remaining axes. With keepDims the
// permutation is kept as is; otherwise it is compressed to the remaining axes, and dropped if it
// becomes the identity.
func TransposeReduction() *MatcherPass {
	x, perm := pattern.Any(pattern.HasStaticRank()), pattern.Any(pattern.IsCompileTimeValue())
	transpose := pattern.Op(ops.OpTypeTranspose, x, perm).With(pattern.ConsumersCount(1))
	axesPattern := pattern.Any(pattern.IsCompileTimeValue())
	reduction := pattern.OpOneOf(reductionOps, []*pattern.Pattern{transpose, axesPattern})
	return NewMatcherPass("TransposeReduction", reduction, func(m *pattern.Match) bool {
		root := m.Root()
		g := root.Graph()
		xv := m.Value(x)
		permutation := graph.ConstantInts(m.Value(perm))
		axes, ok := normalizedAxes(m.Value(axesPattern), len(permutation))
		if !ok || len(permutation) != xv.Shape().Rank() {
			return false
		}
		newAxes := make([]int, len(axes))
		for i, axis := range axes {
			newAxes[i] = permutation[axis]
		}
		keepDims := root.Node.Attrs().(ops.ReduceAttrs).KeepDims
		reduced := reduce(root.Node.Type(), xv, g.ConstInts(newAxes...), keepDims)
		if keepDims {
			return replaceNamed(root, graph.TransposeAxes(reduced, permutation...))
		}

		// Remaining axes of x, in the order the reduction leaves them.
		var remaining []int
		for axis := range xv.Shape().Rank() {
			if !slices.Contains(newAxes, axis) {
				remaining = append(remaining, axis)
			}
		}
		compressed := make([]int, 0, len(remaining))
		for _, axis := range permutation {
			if !slices.Contains(newAxes, axis) {
				compressed = append(compressed, slices.Index(remaining, axis))
			}
		}
		if isIdentityPermutation(compressed) {
			return replaceNamed(root, reduced)
		}
		return replaceNamed(root, graph.TransposeAxes(reduced, compressed...))
	})
}

// TransposeFQReduction prepares TransposeReduction when a FakeQuantize sits between the Transpose
// and the reduction: Reduce(FakeQuantize(Transpose(x, perm), limits...)) is changed into
// Reduce(Transpose(FakeQuantize(x, limits'...), perm)), where the limits are transposed back with the
// inverse permutation when they have full rank.
//
// It is a probe pass: it always returns false, leaving the match of the reduction to
// TransposeReduction, which must run after it.
func TransposeFQReduction() *MatcherPass {
	x, perm := pattern.Any(pattern.HasStaticRank()), pattern.Any(pattern.IsCompileTimeValue())
	transpose := pattern.Op(ops.OpTypeTranspose, x, perm).With(pattern.ConsumersCount(1))
	limits := make([]*pattern.Pattern, 4)
	for i := range limits {
		limits[i] = pattern.Any(pattern.HasStaticShape())
	}
	fq := pattern.Op(ops.OpTypeFakeQuantize, append([]*pattern.Pattern{transpose}, limits...)...).
		With(pattern.ConsumersCount(1))
	reduction := pattern.OpOneOf(reductionOps, []*pattern.Pattern{fq, pattern.Any(pattern.IsCompileTimeValue())})
	mp := NewMatcherPass("TransposeFQReduction", reduction, func(m *pattern.Match) bool {
		xv := m.Value(x)
		permutation := graph.ConstantInts(m.Value(perm))
		rank := xv.Shape().Rank()
		if len(permutation) != rank {
			return false
		}
		inverse := inversePermutation(permutation)
		newLimits := make([]graph.Output, len(limits))
		for i, limit := range limits {
			lv := m.Value(limit)
			switch {
			case allOnes(lv.Shape().Dimensions):
				newLimits[i] = lv
			case lv.Shape().Rank() == rank:
				newLimits[i] = graph.TransposeAxes(lv, inverse...)
			default:
				// Can't be moved without an explicit broadcast: leave the graph untouched.
				return false
			}
		}
		oldFQ := m.Value(fq)
		levels := oldFQ.Node.Attrs().(ops.FakeQuantizeAttrs).Levels
		newFQ := graph.FakeQuantize(xv, newLimits[0], newLimits[1], newLimits[2], newLimits[3], levels)
		newFQ.Node.SetName(oldFQ.Node.Name())
		graph.ReplaceOutput(oldFQ, graph.Transpose(newFQ, m.Value(perm)))
		return false
	})
	mp.Probe = true
	return mp
}

// allOnes returns whether all dimensions are 1, which is the case of scalars.
func allOnes(dims []int) bool {
	for _, dim := range dims {
		if dim != 1 {
			return false
		}
	}
	return true
}
