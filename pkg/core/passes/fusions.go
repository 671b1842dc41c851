// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/kernels"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/pattern"
	"github.com/gomlx/graphc/pkg/core/tensors"
)

// Fusions groups the passes combining adjacent operations.
// TransposeFQReduction comes right before TransposeReduction: it is a probe preparing the match
// of the latter on the same root.
func Fusions() *GraphRewrite {
	return NewGraphRewrite("Fusions",
		TransposeFuse(),
		ReshapeSequenceFusion(),
		TransposeConvert(),
		MultiplyMultiplyFusion(),
		SwishFusion(),
		TransposeFQReduction(),
		TransposeReduction())
}

// NopElimination groups the passes removing operations that don't change their input.
func NopElimination() *GraphRewrite {
	return NewGraphRewrite("NopElimination",
		EliminateConvert(),
		EliminateReshape(),
		EliminateTranspose(),
		EliminateBroadcast(),
		EliminateConcat())
}

// isIdentityPermutation returns whether perm is 0, 1, ..., n-1.
func isIdentityPermutation(perm []int) bool {
	for i, axis := range perm {
		if axis != i {
			return false
		}
	}
	return true
}

// inversePermutation returns inv such that inv[perm[i]] = i.
func inversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, axis := range perm {
		inv[axis] = i
	}
	return inv
}

// TransposeFuse composes two consecutive transpositions: Transpose(Transpose(x, p1), p2) becomes
// Transpose(x, c) with c[i] = p1[p2[i]], or just x if c is the identity.
func TransposeFuse() *MatcherPass {
	x := pattern.Any()
	p1, p2 := pattern.Any(pattern.IsCompileTimeValue()), pattern.Any(pattern.IsCompileTimeValue())
	inner := pattern.Op(ops.OpTypeTranspose, x, p1).With(pattern.ConsumersCount(1))
	outer := pattern.Op(ops.OpTypeTranspose, inner, p2)
	return NewMatcherPass("TransposeFuse", outer, func(m *pattern.Match) bool {
		perm1, perm2 := graph.ConstantInts(m.Value(p1)), graph.ConstantInts(m.Value(p2))
		if len(perm1) != len(perm2) {
			return false
		}
		composed := make([]int, len(perm2))
		for i, axis := range perm2 {
			composed[i] = perm1[axis]
		}
		if isIdentityPermutation(composed) {
			return elide(m.Root(), m.Value(x))
		}
		return replaceNamed(m.Root(), graph.TransposeAxes(m.Value(x), composed...))
	})
}

// ReshapeSequenceFusion replaces a chain of reshapes (Reshape, Squeeze or Unsqueeze followed by a
// Reshape with a static output shape) by a single Reshape, or by nothing if the chain is a no-op.
func ReshapeSequenceFusion() *MatcherPass {
	inner := pattern.OpOneOf([]ops.OpType{ops.OpTypeReshape, ops.OpTypeSqueeze, ops.OpTypeUnsqueeze}, nil,
		pattern.ConsumersCount(1))
	outer := pattern.OpOneOf([]ops.OpType{ops.OpTypeReshape}, []*pattern.Pattern{inner, pattern.Any()},
		pattern.HasStaticShape())
	return NewMatcherPass("ReshapeSequenceFusion", outer, func(m *pattern.Match) bool {
		root := m.Root()
		x := m.Node(inner).Input(0)
		if x.Shape().Equal(root.Shape()) {
			return elide(root, x)
		}
		target := root.Graph().ConstInts(root.Shape().Dimensions...)
		return replaceNamed(root, graph.Reshape(x, target, false))
	})
}

// TransposeConvert moves a Convert before a Transpose: Convert(Transpose(x, p)) becomes
// Transpose(Convert(x), p), so the transposition can be fused with its producers.
func TransposeConvert() *MatcherPass {
	x, perm := pattern.Any(), pattern.Any()
	transpose := pattern.Op(ops.OpTypeTranspose, x, perm).With(pattern.ConsumersCount(1))
	convert := pattern.Op(ops.OpTypeConvert, transpose)
	return NewMatcherPass("TransposeConvert", convert, func(m *pattern.Match) bool {
		dtype := m.Root().Node.Attrs().(ops.ConvertAttrs).DType
		converted := graph.Convert(m.Value(x), dtype)
		return replaceNamed(m.Root(), graph.Transpose(converted, m.Value(perm)))
	})
}

// MultiplyMultiplyFusion folds two multiplications by constants: (x * c1) * c2 becomes x * (c1*c2).
// Operands are matched in any order.
func MultiplyMultiplyFusion() *MatcherPass {
	x, c1, c2 := pattern.Any(), pattern.Constant(), pattern.Constant()
	inner := pattern.Op(ops.OpTypeMultiply, x, c1).Commutative().With(pattern.ConsumersCount(1))
	outer := pattern.Op(ops.OpTypeMultiply, inner, c2).Commutative()
	return NewMatcherPass("MultiplyMultiplyFusion", outer, func(m *pattern.Match) bool {
		folded, err := kernels.Eval(ops.OpTypeMultiply, nil,
			[]*tensors.Tensor{m.Node(c1).Value(), m.Node(c2).Value()})
		if err != nil {
			return false
		}
		root := m.Root()
		fused := graph.Multiply(m.Value(x), root.Graph().Constant(folded[0]))
		if !fused.Shape().Equal(root.Shape()) {
			// The folded constant broadcasts x to a different shape.
			return false
		}
		return replaceNamed(root, fused)
	})
}

// SwishFusion replaces x * Sigmoid(x) (operands in any order) by Swish(x).
func SwishFusion() *MatcherPass {
	x := pattern.Any()
	sigmoid := pattern.Op(ops.OpTypeSigmoid, x).With(pattern.ConsumersCount(1))
	mul := pattern.Op(ops.OpTypeMultiply, x, sigmoid).Commutative()
	return NewMatcherPass("SwishFusion", mul, func(m *pattern.Match) bool {
		return replaceNamed(m.Root(), graph.Swish(m.Value(x)))
	})
}

// EliminateConvert removes conversions to the dtype the value already has.
func EliminateConvert() *MatcherPass {
	x := pattern.Any()
	convert := pattern.Op(ops.OpTypeConvert, x)
	return NewMatcherPass("EliminateConvert", convert, func(m *pattern.Match) bool {
		if m.Value(x).Shape().DType != m.Root().Shape().DType {
			return false
		}
		return elide(m.Root(), m.Value(x))
	})
}

// EliminateReshape removes Reshape, Squeeze and Unsqueeze that keep the static shape of their input.
func EliminateReshape() *MatcherPass {
	reshape := pattern.OpOneOf([]ops.OpType{ops.OpTypeReshape, ops.OpTypeSqueeze, ops.OpTypeUnsqueeze}, nil,
		pattern.HasStaticShape())
	return NewMatcherPass("EliminateReshape", reshape, func(m *pattern.Match) bool {
		x := m.Root().Node.Input(0)
		if !x.Shape().Equal(m.Root().Shape()) {
			return false
		}
		return elide(m.Root(), x)
	})
}

// EliminateTranspose removes transpositions with the identity permutation.
func EliminateTranspose() *MatcherPass {
	x, perm := pattern.Any(), pattern.Any(pattern.IsCompileTimeValue())
	transpose := pattern.Op(ops.OpTypeTranspose, x, perm)
	return NewMatcherPass("EliminateTranspose", transpose, func(m *pattern.Match) bool {
		if !isIdentityPermutation(graph.ConstantInts(m.Value(perm))) {
			return false
		}
		return elide(m.Root(), m.Value(x))
	})
}

// EliminateBroadcast removes broadcasts to the static shape the value already has.
func EliminateBroadcast() *MatcherPass {
	x := pattern.Any(pattern.HasStaticShape())
	broadcast := pattern.Op(ops.OpTypeBroadcast, x, pattern.Any())
	return NewMatcherPass("EliminateBroadcast", broadcast, func(m *pattern.Match) bool {
		if !m.Value(x).Shape().Equal(m.Root().Shape()) {
			return false
		}
		return elide(m.Root(), m.Value(x))
	})
}

// EliminateConcat removes concatenations of a single value.
func EliminateConcat() *MatcherPass {
	x := pattern.Any()
	concat := pattern.Op(ops.OpTypeConcat, x)
	return NewMatcherPass("EliminateConcat", concat, func(m *pattern.Match) bool {
		return elide(m.Root(), m.Value(x))
	})
}
