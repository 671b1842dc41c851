// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the reference host evaluation of every built-in operation.
//
// It is used by the constant folding pass and by the portable Go backend (backends/simplego).
// Tensors are always row-major: layouts are only metadata at this level.
//
// Arithmetic is supported for Float32, Float64, Int32 and Int64. Data movement ops work on any
// supported dtype, including Bool, Float16 and BFloat16, and Convert handles all of them.
package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapeinference"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// CustomEvalFn is the type of ops.KindDescriptor.Eval.
type CustomEvalFn func(attrs ops.CustomAttrs, inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

type numeric interface {
	constraints.Integer | constraints.Float
}

// InferenceInputs converts tensors to shape inference inputs, with the values of small
// integer tensors filled in.
func InferenceInputs(inputs []*tensors.Tensor) []shapeinference.Input {
	infInputs := make([]shapeinference.Input, len(inputs))
	for i, t := range inputs {
		infInputs[i].Shape = t.Shape()
		if t.Rank() <= 1 && t.DType().IsInt() {
			infInputs[i].Value, _ = t.ToInts()
		}
	}
	return infInputs
}

// IsSupported returns whether Eval can evaluate the op kind.
func IsSupported(opType ops.OpType, attrs any) bool {
	switch opType {
	case ops.OpTypeInvalid, ops.OpTypeParameter, ops.OpTypeConstant, ops.OpTypeLoop, ops.OpTypeTensorIterator, ops.OpTypeLast:
		return false
	case ops.OpTypeCustom:
		a, ok := attrs.(ops.CustomAttrs)
		if !ok {
			return false
		}
		desc, found := ops.Lookup(a.Kind)
		return found && desc.Eval != nil
	}
	return true
}

// Eval evaluates one operation on host tensors.
//
// Errors (including panics raised by the kernels) are returned with the op kind in the message.
func Eval(opType ops.OpType, attrs any, inputs []*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	var evalErr error
	err = exceptions.TryCatch[error](func() {
		outputs, evalErr = eval(opType, attrs, inputs)
	})
	if err == nil {
		err = evalErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating %s", opType)
	}
	return
}

func eval(opType ops.OpType, attrs any, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if opType == ops.OpTypeCustom {
		return evalCustom(attrs, inputs)
	}
	if !IsSupported(opType, attrs) {
		return nil, errors.Errorf("no host kernel for %s", opType)
	}
	outputShapes, err := shapeinference.Infer(opType, attrs, InferenceInputs(inputs))
	if err != nil {
		return nil, err
	}
	for _, s := range outputShapes {
		if !s.IsStatic() {
			return nil, errors.Errorf("output shape %s is not static", s)
		}
	}
	one := func(t *tensors.Tensor, err error) ([]*tensors.Tensor, error) {
		if err != nil {
			return nil, err
		}
		return []*tensors.Tensor{t}, nil
	}
	output := outputShapes[0]
	switch {
	case ops.BinaryElementwise.Has(opType):
		return one(binaryOp(opType, inputs[0], inputs[1], output))
	case ops.UnaryElementwise.Has(opType):
		return one(unaryOp(opType, inputs[0]))
	case ops.Reductions.Has(opType):
		// KeepDims only changes the output shape, not the order of the values.
		return one(reduceOp(opType, inputs[0], inputs[1], output))
	case ops.RecurrentCells.Has(opType):
		return cellOp(opType, attrs.(ops.CellAttrs), inputs)
	}
	switch opType {
	case ops.OpTypeResult:
		return []*tensors.Tensor{inputs[0]}, nil
	case ops.OpTypeConvert:
		return one(Convert(inputs[0], output.DType))
	case ops.OpTypeTranspose:
		return one(transposeOp(inputs[0], inputs[1], output))
	case ops.OpTypeReshape, ops.OpTypeSqueeze, ops.OpTypeUnsqueeze:
		return one(inputs[0].Clone().Reshape(output.Dimensions...), nil)
	case ops.OpTypeConcat:
		return one(concatOp(inputs, attrs.(ops.ConcatAttrs).Axis, output))
	case ops.OpTypeSplit:
		return splitOp(inputs[0], inputs[1], outputShapes)
	case ops.OpTypeBroadcast:
		return one(broadcastTo(inputs[0], output), nil)
	case ops.OpTypeShapeOf:
		return one(tensors.FromInts(inputs[0].Shape().Dimensions...), nil)
	case ops.OpTypeGather:
		return one(gatherOp(inputs[0], inputs[1], inputs[2], output))
	case ops.OpTypeLogSoftmax:
		return one(logSoftmaxOp(inputs[0], attrs.(ops.LogSoftmaxAttrs).Axis))
	case ops.OpTypeMatMul:
		a, _ := attrs.(ops.MatMulAttrs)
		return one(matMulOp(inputs[0], inputs[1], a.TransposeA, a.TransposeB, output))
	case ops.OpTypeFakeQuantize:
		return one(fakeQuantizeOp(inputs, attrs.(ops.FakeQuantizeAttrs).Levels, output))
	}
	return nil, errors.Errorf("no host kernel for %s", opType)
}

func evalCustom(attrs any, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	a, ok := attrs.(ops.CustomAttrs)
	if !ok {
		return nil, errors.Errorf("custom op requires ops.CustomAttrs, got %T", attrs)
	}
	desc, found := ops.Lookup(a.Kind)
	if !found {
		return nil, errors.Errorf("custom op kind %q not registered", a.Kind)
	}
	var evalFn CustomEvalFn
	switch fn := desc.Eval.(type) {
	case CustomEvalFn:
		evalFn = fn
	case func(ops.CustomAttrs, []*tensors.Tensor) ([]*tensors.Tensor, error):
		evalFn = fn
	default:
		return nil, errors.Errorf("custom op kind %q has no host kernel", a.Kind)
	}
	return evalFn(a, inputs)
}

// checkStatic panics if the shape is not static: kernels only run on fully known shapes.
func checkStatic(s shapes.Shape) {
	if !s.IsStatic() {
		exceptions.Panicf("kernel requires static shapes, got %s", s)
	}
}
