// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/pattern"
)

var floatDTypes = []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64}

// Decompositions groups the passes replacing composite operations by simpler ones.
func Decompositions() *GraphRewrite {
	return NewGraphRewrite("Decompositions",
		LogSoftmaxDecomposition(),
		ConvertSubtract(),
		ConvertDivide())
}

// ConvertSubtract rewrites a - b as a + (-b).
func ConvertSubtract() *MatcherPass {
	a, b := pattern.Any(), pattern.Any()
	sub := pattern.Op(ops.OpTypeSubtract, a, b)
	return NewMatcherPass("ConvertSubtract", sub, func(m *pattern.Match) bool {
		neg := graph.Negative(m.Value(b))
		return replaceNamed(m.Root(), graph.Add(m.Value(a), neg))
	})
}

// ConvertDivide rewrites a / b as a * b^-1, for float types only: integer division is kept.
func ConvertDivide() *MatcherPass {
	a, b := pattern.Any(), pattern.Any()
	div := pattern.Op(ops.OpTypeDivide, a, b).With(pattern.DTypeIn(floatDTypes...))
	return NewMatcherPass("ConvertDivide", div, func(m *pattern.Match) bool {
		g := m.Root().Graph()
		bv := m.Value(b)
		reciprocal := graph.Power(bv, g.Scalar(bv.Shape().DType, -1))
		return replaceNamed(m.Root(), graph.Multiply(m.Value(a), reciprocal))
	})
}

// LogSoftmaxDecomposition rewrites LogSoftmax(x) as (x - max) - log(sum(exp(x - max))), with the
// max and sum taken over the LogSoftmax axis.
func LogSoftmaxDecomposition() *MatcherPass {
	x := pattern.Any(pattern.HasStaticRank())
	logSoftmax := pattern.Op(ops.OpTypeLogSoftmax, x)
	return NewMatcherPass("LogSoftmaxDecomposition", logSoftmax, func(m *pattern.Match) bool {
		root := m.Root()
		g := root.Graph()
		xv := m.Value(x)
		axis := root.Node.Attrs().(ops.LogSoftmaxAttrs).Axis
		axes := g.ConstInts(xv.Shape().AdjustAxis(axis))
		shifted := graph.Subtract(xv, graph.ReduceMax(xv, axes, true))
		logSum := graph.Log(graph.ReduceSum(graph.Exp(shifted), axes, true))
		return replaceNamed(root, graph.Subtract(shifted, logSum))
	})
}
