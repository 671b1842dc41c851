// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
)

// AnyDType in a Variant matches values of every dtype.
// It's meant for data agnostic kinds (ShapeOf, Loop), never for arithmetic.
const AnyDType = dtypes.InvalidDType

// Variant is one execution unit implementation of an op kind.
type Variant struct {
	// Layout the unit reads its inputs and writes its outputs in.
	// shapes.LayoutAny means the unit is layout agnostic (e.g. element-wise ops) and follows
	// the layout of its inputs.
	Layout shapes.Layout

	// DType of the (first) output computed by the unit, or AnyDType.
	DType dtypes.DType
}

// String implements fmt.Stringer.
func (v Variant) String() string {
	dtype := "any"
	if v.DType != AnyDType {
		dtype = v.DType.String()
	}
	return fmt.Sprintf("%s/%s", v.Layout, dtype)
}

// Capabilities holds mappings of what is supported by a backend.
//
// Variants are listed in order of preference: lowering picks the first that satisfies the
// constraints of a node.
type Capabilities struct {
	// Variants of the built-in op kinds.
	// If not listed, the op kind is not supported.
	Variants map[ops.OpType][]Variant

	// Custom variants, keyed by the registered custom kind name.
	Custom map[string][]Variant
}

// NewCapabilities returns empty capabilities.
func NewCapabilities() Capabilities {
	return Capabilities{
		Variants: make(map[ops.OpType][]Variant),
		Custom:   make(map[string][]Variant),
	}
}

// Add variants for all the given op kinds.
func (c Capabilities) Add(opTypes []ops.OpType, variants ...Variant) Capabilities {
	for _, opType := range opTypes {
		c.Variants[opType] = append(c.Variants[opType], variants...)
	}
	return c
}

// VariantsFor returns the variants for an op kind, with the custom kind name used for ops.OpTypeCustom.
func (c Capabilities) VariantsFor(opType ops.OpType, attrs any) []Variant {
	if opType == ops.OpTypeCustom {
		if a, ok := attrs.(ops.CustomAttrs); ok {
			return c.Custom[a.Kind]
		}
		return nil
	}
	return c.Variants[opType]
}

// Supports returns whether any variant of the op kind computes the given dtype.
func (c Capabilities) Supports(opType ops.OpType, dtype dtypes.DType) bool {
	return slices.ContainsFunc(c.Variants[opType], func(v Variant) bool {
		return v.DType == dtype || v.DType == AnyDType
	})
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := NewCapabilities()
	for opType, variants := range c.Variants {
		c2.Variants[opType] = slices.Clone(variants)
	}
	maps.Copy(c2.Custom, c.Custom)
	for kind, variants := range c2.Custom {
		c2.Custom[kind] = slices.Clone(variants)
	}
	return c2
}
