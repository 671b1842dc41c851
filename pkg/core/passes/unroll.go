// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/gomlx/graphc/pkg/support/sets"
	"github.com/gomlx/graphc/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// UnrollLoop replaces Loop and TensorIterator nodes with a static trip count of at most
// maxTripCount by copies of their body, one per iteration.
//
// Loops whose sliced inputs don't split evenly, or with a trip count of 0, are left untouched.
// Unrolling a loop is all or nothing: if anything fails, the graph is restored and the loop kept.
func UnrollLoop(maxTripCount int) *FunctionPass {
	return NewFunctionPass("UnrollLoop", func(_ *RunContext, g *graph.Graph) (bool, error) {
		changed := false
		for _, n := range g.TopologicalOrder() {
			if n.IsRemoved() || (n.Type() != ops.OpTypeLoop && n.Type() != ops.OpTypeTensorIterator) {
				continue
			}
			tripCount, static := graph.StaticTripCount(n)
			if !static || tripCount == 0 || tripCount > maxTripCount || !evenlySliced(n) {
				klog.V(2).Infof("UnrollLoop: skipping %s (trip count %d, static=%v)", n, tripCount, static)
				continue
			}
			if unrollLoop(n, tripCount) {
				changed = true
			}
		}
		return changed, nil
	})
}

// dataInput returns the outer input bound by desc.
func dataInput(n *graph.Node, desc graph.InputDescription) graph.Output {
	return n.Input(desc.Input)
}

// evenlySliced returns whether all sliced inputs of n are split in equal parts.
func evenlySliced(n *graph.Node) bool {
	for _, desc := range n.LoopAttrs().Inputs {
		if desc.Kind != graph.InputSliced {
			continue
		}
		s := dataInput(n, desc).Shape()
		lo, hi := desc.Slice.Range(s.Dim(desc.Slice.Axis))
		if (hi-lo)%desc.Slice.PartSize != 0 {
			return false
		}
	}
	return true
}

// unrollLoop unrolls n in a transaction, and returns whether it succeeded.
func unrollLoop(n *graph.Node, tripCount int) bool {
	g := n.Graph()
	cp := g.Checkpoint()
	var replacements []graph.Output
	err := exceptions.TryCatch[error](func() { replacements = buildUnrolled(n, tripCount) })
	if err == nil {
		for i, replacement := range replacements {
			if replacement.IsValid() && !refines(n.Output(i).Shape(), replacement.Shape()) {
				err = errors.Errorf("output #%d: unrolled shape %s incompatible with %s",
					i, replacement.Shape(), n.Output(i).Shape())
				break
			}
		}
	}
	if err != nil {
		klog.Warningf("UnrollLoop: failed to unroll %s, keeping the loop: %v", n, err)
		g.Rollback(cp)
		return false
	}

	created := sets.MakeWith(g.NewNodesSince(cp)...)
	name := n.Name()
	for i, replacement := range replacements {
		old := n.Output(i)
		if !replacement.IsValid() || old.NumConsumers() == 0 {
			continue
		}
		if created.Has(replacement.Node) && replacement.Node.Type() != ops.OpTypeConstant {
			replacement.Node.SetName(fmt.Sprintf("%s.%d", name, i))
		}
		graph.ReplaceOutput(old, replacement)
	}
	g.CollectGarbageSince(cp)
	klog.V(1).Infof("UnrollLoop: unrolled %q into %d iterations", name, tripCount)
	return true
}

// buildUnrolled creates the copies of the body of n and returns the values replacing each of
// its outputs. It panics on failure.
func buildUnrolled(n *graph.Node, tripCount int) []graph.Output {
	g := n.Graph()
	attrs := n.LoopAttrs()
	body := n.Body()
	params := body.Parameters()

	// Values of the sliced inputs, per iteration.
	sliced := make(map[int][]graph.Output)
	for _, desc := range attrs.Inputs {
		if desc.Kind == graph.InputSliced {
			sliced[desc.BodyParameter] = slicedValues(dataInput(n, desc), desc.Slice, tripCount)
		}
	}

	var previous []graph.Output
	iterations := make([][]graph.Output, tripCount)
	for i := range tripCount {
		mapping := make(map[*graph.Node]graph.Output, len(params))
		for _, desc := range attrs.Inputs {
			param := params[desc.BodyParameter]
			switch desc.Kind {
			case graph.InputInvariant:
				mapping[param] = dataInput(n, desc)
			case graph.InputSliced:
				mapping[param] = sliced[desc.BodyParameter][i]
			case graph.InputMerged:
				if i == 0 {
					mapping[param] = dataInput(n, desc)
				} else {
					mapping[param] = previous[desc.BodyResult]
				}
			}
		}
		if p := attrs.CurrentIterationParameter; p >= 0 {
			mapping[params[p]] = g.Constant(tensors.FromScalar(int64(i)))
		}
		rename := func(original *graph.Node) string {
			return fmt.Sprintf("%s/iter_%d/%s", n.Name(), i, original.Name())
		}
		previous = graph.CopyInto(g, body, mapping, rename)
		iterations[i] = previous
	}

	replacements := make([]graph.Output, n.NumOutputs())
	for _, desc := range attrs.Outputs {
		if desc.Kind == graph.OutputIterValue {
			replacements[desc.Output] = previous[desc.BodyResult]
			continue
		}
		parts := make([]graph.Output, tripCount)
		for i, results := range iterations {
			parts[i] = results[desc.BodyResult]
		}
		if desc.Slice.Stride < 0 {
			parts = xslices.Reversed(parts)
		}
		if len(parts) == 1 {
			replacements[desc.Output] = parts[0]
		} else {
			replacements[desc.Output] = graph.Concat(desc.Slice.Axis, parts...)
		}
	}
	if o := attrs.ActualIterationsOutput; o >= 0 {
		replacements[o] = g.Constant(tensors.FromScalar(int64(tripCount)))
	}
	return replacements
}

// slicedValues returns the slice of x fed to each iteration.
func slicedValues(x graph.Output, spec graph.SliceSpec, tripCount int) []graph.Output {
	g := x.Graph()
	dim := x.Shape().Dim(spec.Axis)
	lo, hi := spec.Range(dim)
	wholeAxis := lo == 0 && hi == dim && spec.NumIterations(dim) == tripCount
	switch {
	case wholeAxis && tripCount == 1:
		return []graph.Output{x}
	case wholeAxis:
		parts := graph.Split(x, g.ConstInts(spec.Axis), tripCount)
		if spec.Stride < 0 {
			parts = xslices.Reversed(parts)
		}
		return parts
	}
	values := make([]graph.Output, tripCount)
	for i := range tripCount {
		start, length := spec.Chunk(dim, i)
		indices := g.ConstInts(xslices.Iota(start, length)...)
		values[i] = graph.Gather(x, indices, g.ConstInts(spec.Axis))
	}
	return values
}

// refines returns whether s is the same as, or a more specific version of, general.
func refines(general, s shapes.Shape) bool {
	if general.DType != s.DType {
		return false
	}
	if !general.HasStaticRank() {
		return true
	}
	if !s.HasStaticRank() || s.Rank() != general.Rank() {
		return false
	}
	for axis, dim := range general.Dimensions {
		if dim != shapes.UnknownDim && dim != s.Dimensions[axis] {
			return false
		}
	}
	return true
}
