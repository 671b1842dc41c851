// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"context"
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/shapes"
	"github.com/gomlx/graphc/pkg/support/xslices"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// UnsupportedError is returned by Lower when a node has no supported execution unit variant.
type UnsupportedError struct {
	// Node is the name of the node that failed.
	Node string

	OpType ops.OpType

	// Kind is the custom kind name, for ops.OpTypeCustom nodes.
	Kind string

	// Layout and DType are the combination that was attempted.
	Layout shapes.Layout
	DType  dtypes.DType

	// Available variants of the op kind.
	Available []Variant
}

// Error implements error.
func (e *UnsupportedError) Error() string {
	kind := e.OpType.String()
	if e.Kind != "" {
		kind = fmt.Sprintf("%s(%s)", kind, e.Kind)
	}
	return fmt.Sprintf("unsupported operation/layout/type combination: node %q of kind %s with layout %s and dtype %s (available variants: %v)",
		e.Node, kind, e.Layout, e.DType, e.Available)
}

// Unit is the selected execution unit of a node.
type Unit struct {
	Node    *graph.Node
	Variant Variant

	// Layout of the values produced: the variant's layout or, for layout agnostic variants, the
	// layout inherited from the inputs.
	Layout shapes.Layout

	// Relayouts lists the input slots whose producer layout differs from Layout, and need to be
	// converted before the unit runs.
	Relayouts []int

	// Body is the plan of the sub-graph of Loop/TensorIterator nodes.
	Body *Plan
}

// String implements fmt.Stringer.
func (u *Unit) String() string {
	return fmt.Sprintf("%s: %s [%s]", u.Node.Name(), u.Node.Type(), u.Variant)
}

// Plan is the result of lowering a graph: one Unit per live node, in execution order.
type Plan struct {
	Graph      *graph.Graph
	Properties Properties
	Units      []*Unit

	units map[*graph.Node]*Unit
}

// UnitFor returns the unit of a node of the plan's graph, or nil.
func (p *Plan) UnitFor(n *graph.Node) *Unit { return p.units[n] }

// NumUnits returns the number of units, including the ones in sub-graphs.
func (p *Plan) NumUnits() int {
	count := len(p.Units)
	for _, u := range p.Units {
		if u.Body != nil {
			count += u.Body.NumUnits()
		}
	}
	return count
}

// NumRelayouts returns the number of relayouts needed, including the ones in sub-graphs.
func (p *Plan) NumRelayouts() int {
	count := 0
	for _, u := range p.Units {
		count += len(u.Relayouts)
		if u.Body != nil {
			count += u.Body.NumRelayouts()
		}
	}
	return count
}

// String returns a multi-line description of the plan.
func (p *Plan) String() string {
	var sb strings.Builder
	p.write(&sb, "")
	return sb.String()
}

func (p *Plan) write(sb *strings.Builder, indent string) {
	fmt.Fprintf(sb, "%splan %q: %d units, %d relayouts\n", indent, p.Graph.Name(), len(p.Units), p.NumRelayouts())
	for _, u := range p.Units {
		fmt.Fprintf(sb, "%s  %s", indent, u)
		if u.Layout != shapes.LayoutAny && u.Layout != u.Variant.Layout {
			fmt.Fprintf(sb, " as %s", u.Layout)
		}
		if len(u.Relayouts) > 0 {
			sources := xslices.Map(u.Relayouts, func(slot int) string { return u.Node.Input(slot).Node.Name() })
			fmt.Fprintf(sb, " relayout(%s)", strings.Join(sources, ", "))
		}
		sb.WriteString("\n")
		if u.Body != nil {
			u.Body.write(sb, indent+"    ")
		}
	}
}

// Lower selects an execution unit variant for every live node of the graph.
//
// For each node, the candidates are the variants computing exactly the node's dtype: lowering
// never changes the precision of a value. If the node declares a preferred layout (see
// graph.Node.PreferredLayout), only variants with that layout (or layout agnostic ones) are
// acceptable. Among the candidates, the one matching the layout of most inputs is picked, in
// order of preference of the backend, and the inputs left in a different layout are recorded
// as relayouts.
//
// The bodies of Loop/TensorIterator nodes are lowered as independent partitions, in parallel.
// If some node has no acceptable variant, it returns an *UnsupportedError.
func Lower(ctx context.Context, g *graph.Graph, caps Capabilities, props Properties) (*Plan, error) {
	plan, err := lowerGraph(ctx, g, caps, props)
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering graph %q", g.Name())
	}
	klog.V(1).Infof("lowered graph %q: %d units, %d relayouts", g.Name(), plan.NumUnits(), plan.NumRelayouts())
	return plan, nil
}

func lowerGraph(ctx context.Context, g *graph.Graph, caps Capabilities, props Properties) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan := &Plan{
		Graph:      g,
		Properties: props,
		units:      make(map[*graph.Node]*Unit),
	}
	bodiesGroup, bodiesCtx := errgroup.WithContext(ctx)
	for _, n := range g.TopologicalOrder() {
		unit, err := plan.selectUnit(n, caps)
		if err != nil {
			_ = bodiesGroup.Wait()
			return nil, err
		}
		plan.Units = append(plan.Units, unit)
		plan.units[n] = unit
		if body := n.Body(); body != nil {
			bodiesGroup.Go(func() error {
				bodyPlan, err := lowerGraph(bodiesCtx, body, caps, props)
				if err != nil {
					return errors.WithMessagef(err, "lowering body of %s", n)
				}
				unit.Body = bodyPlan
				return nil
			})
		}
	}
	if err := bodiesGroup.Wait(); err != nil {
		return nil, err
	}
	return plan, nil
}

// inputLayout returns the layout of the value feeding the input slot.
func (p *Plan) inputLayout(n *graph.Node, slot int) shapes.Layout {
	if producer := p.units[n.Input(slot).Node]; producer != nil {
		return producer.Layout
	}
	return shapes.LayoutAny
}

func (p *Plan) selectUnit(n *graph.Node, caps Capabilities) (*Unit, error) {
	unit := &Unit{Node: n}
	dtype := AnyDType
	if n.NumOutputs() > 0 {
		dtype = n.Output(0).Shape().DType
	}
	switch n.Type() {
	case ops.OpTypeParameter, ops.OpTypeConstant:
		layout := n.Shape().Layout
		unit.Variant = Variant{Layout: layout, DType: dtype}
		unit.Layout = layout
		return unit, nil
	case ops.OpTypeResult:
		unit.Variant = Variant{Layout: shapes.LayoutAny, DType: dtype}
		unit.Layout = p.inputLayout(n, 0)
		return unit, nil
	}

	preferred := n.PreferredLayout()
	available := caps.VariantsFor(n.Type(), n.Attrs())
	candidates := xslices.Filter(available, func(v Variant) bool {
		return v.DType == dtype || v.DType == AnyDType
	})
	if preferred != shapes.LayoutAny {
		candidates = xslices.Filter(candidates, func(v Variant) bool {
			return v.Layout == preferred || v.Layout == shapes.LayoutAny
		})
	}
	if len(candidates) == 0 {
		unsupported := &UnsupportedError{
			Node:      n.Name(),
			OpType:    n.Type(),
			Layout:    preferred,
			DType:     dtype,
			Available: available,
		}
		if a, ok := n.Attrs().(ops.CustomAttrs); ok {
			unsupported.Kind = a.Kind
		}
		return nil, errors.WithStack(unsupported)
	}

	inputLayouts := make([]shapes.Layout, n.NumInputs())
	inherited := preferred
	for slot := range inputLayouts {
		inputLayouts[slot] = p.inputLayout(n, slot)
		if inherited == shapes.LayoutAny {
			inherited = inputLayouts[slot]
		}
	}
	bestScore := -1
	for _, v := range candidates {
		effective := v.Layout
		if effective == shapes.LayoutAny {
			effective = inherited
		}
		score := 0
		for _, l := range inputLayouts {
			if l == shapes.LayoutAny || l == effective {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			unit.Variant = v
			unit.Layout = effective
		}
	}
	for slot, l := range inputLayouts {
		if l != shapes.LayoutAny && unit.Layout != shapes.LayoutAny && l != unit.Layout {
			unit.Relayouts = append(unit.Relayouts, slot)
		}
	}
	if len(unit.Relayouts) > 0 {
		klog.V(2).Infof("lowering %s: %s needs %d relayouts", n, unit.Variant, len(unit.Relayouts))
	}
	return unit, nil
}
