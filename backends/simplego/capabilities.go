// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/backends"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
)

var (
	// numericDTypes are the dtypes the arithmetic host kernels support.
	numericDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64}

	// movementDTypes are additionally supported by ops that only move data.
	movementDTypes = []dtypes.DType{dtypes.Bool, dtypes.Float16, dtypes.BFloat16}

	floatDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64}
)

// anyLayout returns the layout agnostic variants for the dtypes.
func anyLayout(dts ...[]dtypes.DType) []backends.Variant {
	var variants []backends.Variant
	for _, list := range dts {
		for _, dtype := range list {
			variants = append(variants, backends.Variant{Layout: shapes.LayoutAny, DType: dtype})
		}
	}
	return variants
}

func setToSlice(set interface{ Has(ops.OpType) bool }) []ops.OpType {
	var opTypes []ops.OpType
	for opType := ops.OpTypeInvalid; opType < ops.OpTypeLast; opType++ {
		if set.Has(opType) {
			opTypes = append(opTypes, opType)
		}
	}
	return opTypes
}

// builtinCapabilities lists the built-in op kinds run by the host kernels. Host tensors are
// always row-major, so all variants are layout agnostic.
var builtinCapabilities = func() backends.Capabilities {
	caps := backends.NewCapabilities()
	caps.Add(setToSlice(ops.BinaryElementwise), anyLayout(numericDTypes)...)
	caps.Add(setToSlice(ops.UnaryElementwise), anyLayout(numericDTypes)...)
	caps.Add(setToSlice(ops.Reductions), anyLayout(numericDTypes)...)
	caps.Add(setToSlice(ops.ShapeOnly), anyLayout(numericDTypes, movementDTypes)...)
	caps.Add([]ops.OpType{ops.OpTypeConvert}, anyLayout(numericDTypes, movementDTypes)...)
	caps.Add([]ops.OpType{ops.OpTypeMatMul, ops.OpTypeLogSoftmax}, anyLayout(numericDTypes)...)
	caps.Add([]ops.OpType{ops.OpTypeFakeQuantize}, anyLayout(floatDTypes)...)
	caps.Add(setToSlice(ops.RecurrentCells), anyLayout(floatDTypes)...)
	caps.Add([]ops.OpType{ops.OpTypeShapeOf, ops.OpTypeLoop, ops.OpTypeTensorIterator},
		backends.Variant{Layout: shapes.LayoutAny, DType: backends.AnyDType})
	return caps
}()

// Capabilities returns what is supported by the SimpleGo backend: the built-in op kinds and
// the registered custom kinds that have a host evaluation function.
func Capabilities() backends.Capabilities {
	caps := builtinCapabilities.Clone()
	for _, kind := range ops.RegisteredKinds() {
		if desc, _ := ops.Lookup(kind); desc.Eval != nil {
			caps.Custom[kind] = []backends.Variant{{Layout: shapes.LayoutAny, DType: backends.AnyDType}}
		}
	}
	return caps
}
