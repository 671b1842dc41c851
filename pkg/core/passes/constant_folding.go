// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"

	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/kernels"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// ConstantFolding evaluates, with the host kernels, the nodes whose inputs are all constants and
// replaces them by constants. ShapeOf of a static shape is folded too.
//
// Nodes whose evaluation fails (e.g. an integer division by zero) are left in place: the error
// will surface at execution.
func ConstantFolding() *FunctionPass {
	return NewFunctionPass("ConstantFolding", func(_ *RunContext, g *graph.Graph) (bool, error) {
		folded := 0
		for _, n := range g.TopologicalOrder() {
			if n.IsRemoved() || n.NumConsumers() == 0 || !foldable(n) {
				continue
			}
			values := evaluateConstantNode(n)
			if values == nil {
				continue
			}
			for i, value := range values {
				out := n.Output(i)
				if out.NumConsumers() == 0 {
					continue
				}
				c := g.Constant(value)
				name := n.Name()
				if n.NumOutputs() > 1 {
					name = fmt.Sprintf("%s.%d", name, i)
				}
				c.Node.SetName(name)
				graph.CopyRuntimeInfo([]*graph.Node{n}, c.Node)
				graph.ReplaceOutput(out, c)
			}
			folded++
		}
		return folded > 0, nil
	})
}

func foldable(n *graph.Node) bool {
	switch n.Type() {
	case ops.OpTypeParameter, ops.OpTypeConstant, ops.OpTypeResult:
		return false
	case ops.OpTypeShapeOf:
		return n.Input(0).Shape().IsStatic()
	}
	if !kernels.IsSupported(n.Type(), n.Attrs()) {
		return false
	}
	for _, out := range n.Outputs() {
		if !out.Shape().IsStatic() {
			return false
		}
	}
	for _, in := range n.Inputs() {
		if !graph.IsConstant(in) {
			return false
		}
	}
	return true
}

// evaluateConstantNode returns the values of the outputs of n, or nil if they can't be evaluated.
func evaluateConstantNode(n *graph.Node) []*tensors.Tensor {
	if n.Type() == ops.OpTypeShapeOf {
		return []*tensors.Tensor{tensors.FromInts(n.Input(0).Shape().Dimensions...)}
	}
	inputs := make([]*tensors.Tensor, n.NumInputs())
	for i, in := range n.Inputs() {
		inputs[i] = in.Node.Value()
	}
	outputs, err := kernels.Eval(n.Type(), n.Attrs(), inputs)
	if err != nil {
		klog.V(2).Infof("ConstantFolding: can't fold %s: %v", n, err)
		return nil
	}
	return outputs
}
