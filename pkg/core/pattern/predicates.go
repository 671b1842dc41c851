// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
)

// Predicate is a structural constraint on the value bound to a placeholder.
// Predicates must be pure functions of the graph state.
type Predicate func(out graph.Output) bool

// ConsumersCount requires the value to have exactly count consumers.
func ConsumersCount(count int) Predicate {
	return func(out graph.Output) bool { return out.NumConsumers() == count }
}

// HasStaticRank requires the rank of the value to be known.
func HasStaticRank() Predicate {
	return func(out graph.Output) bool { return out.Shape().HasStaticRank() }
}

// HasStaticShape requires all dimensions of the value to be known.
func HasStaticShape() Predicate {
	return func(out graph.Output) bool { return out.Shape().IsStatic() }
}

// RankEquals requires the value to have the given (known) rank.
func RankEquals(rank int) Predicate {
	return func(out graph.Output) bool {
		s := out.Shape()
		return s.HasStaticRank() && s.Rank() == rank
	}
}

// DTypeIn requires the value to have one of the given dtypes.
func DTypeIn(dtypeList ...dtypes.DType) Predicate {
	return func(out graph.Output) bool { return slices.Contains(dtypeList, out.Shape().DType) }
}

// IsCompileTimeValue requires the value to be computable at compile time, see graph.ConstantValue.
func IsCompileTimeValue() Predicate {
	return func(out graph.Output) bool {
		_, ok := graph.ConstantValue(out)
		return ok
	}
}

// ConstantWithValue requires the value to be computable at compile time and to hold the given
// values (compared as float64). A single value matches tensors where every element equals it.
func ConstantWithValue(values ...float64) Predicate {
	return func(out graph.Output) bool {
		t, ok := graph.ConstantValue(out)
		return ok && t.SameValues(values)
	}
}

// And requires all predicates.
func And(predicates ...Predicate) Predicate {
	return func(out graph.Output) bool {
		for _, pred := range predicates {
			if !pred(out) {
				return false
			}
		}
		return true
	}
}

// Or requires at least one of the predicates.
func Or(predicates ...Predicate) Predicate {
	return func(out graph.Output) bool {
		for _, pred := range predicates {
			if pred(out) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not(pred Predicate) Predicate {
	return func(out graph.Output) bool { return !pred(out) }
}
