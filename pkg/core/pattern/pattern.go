// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pattern implements matching of template sub-graphs against a live graph.
//
// A Pattern is a tree of placeholders: Any matches any value, Constant matches the output of a
// Constant node, and Op matches the output of a node of one of the given kinds whose inputs match
// the input patterns. Each placeholder can carry predicates on the value it binds to.
//
// Matching is top-down from the root, deterministic, and read-only: it never mutates the graph.
// A placeholder used more than once in a pattern must bind to the same value everywhere.
// Operand order is significant, unless the pattern node is marked with Pattern.Commutative, in
// which case the swapped order is tried when the canonical one fails.
//
// Example, matching x * Sigmoid(x):
//
//	x := pattern.Any()
//	swish := pattern.Op(ops.OpTypeMultiply, x, pattern.Op(ops.OpTypeSigmoid, x)).Commutative()
//	if m, ok := swish.Match(node); ok {
//		input := m.Value(x)
//		...
//	}
package pattern

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/support/sets"
)

type patternKind int

const (
	kindAny patternKind = iota
	kindConstant
	kindOp
)

// Pattern is a placeholder in a template sub-graph. Create it with Any, Constant, Op or OpOneOf.
type Pattern struct {
	kind        patternKind
	opTypes     sets.Set[ops.OpType]
	inputs      []*Pattern
	predicates  []Predicate
	commutative bool
	name        string
}

// Any returns a placeholder matching any value satisfying the predicates.
func Any(predicates ...Predicate) *Pattern {
	return &Pattern{kind: kindAny, predicates: predicates}
}

// Constant returns a placeholder matching the output of a Constant node satisfying the predicates.
func Constant(predicates ...Predicate) *Pattern {
	return &Pattern{kind: kindConstant, predicates: predicates}
}

// Op returns a placeholder matching an output of a node of the given kind, whose inputs match inputs.
// If no inputs are given, the inputs of the node are not checked.
func Op(opType ops.OpType, inputs ...*Pattern) *Pattern {
	return OpOneOf([]ops.OpType{opType}, inputs)
}

// OpOneOf returns a placeholder matching an output of a node of any of the given kinds, whose
// inputs match inputs, and satisfying the predicates.
func OpOneOf(opTypes []ops.OpType, inputs []*Pattern, predicates ...Predicate) *Pattern {
	if len(opTypes) == 0 {
		exceptions.Panicf("pattern.OpOneOf: no op kinds given")
	}
	for i, in := range inputs {
		if in == nil {
			exceptions.Panicf("pattern.OpOneOf(%v): input pattern #%d is nil", opTypes, i)
		}
	}
	return &Pattern{kind: kindOp, opTypes: sets.MakeWith(opTypes...), inputs: inputs, predicates: predicates}
}

// With adds predicates to the pattern, and returns it.
func (p *Pattern) With(predicates ...Predicate) *Pattern {
	p.predicates = append(p.predicates, predicates...)
	return p
}

// Commutative marks an op pattern with two inputs as order-independent: if matching the inputs in
// the given order fails, the swapped order is tried.
func (p *Pattern) Commutative() *Pattern {
	if p.kind != kindOp || len(p.inputs) != 2 {
		exceptions.Panicf("pattern %s: only op patterns with 2 inputs can be commutative", p)
	}
	p.commutative = true
	return p
}

// Named sets a name used in String, for debugging.
func (p *Pattern) Named(name string) *Pattern {
	p.name = name
	return p
}

// String implements fmt.Stringer.
func (p *Pattern) String() string {
	var sb strings.Builder
	if p.name != "" {
		fmt.Fprintf(&sb, "%s:", p.name)
	}
	switch p.kind {
	case kindAny:
		sb.WriteString("Any")
	case kindConstant:
		sb.WriteString("Constant")
	case kindOp:
		var names []string
		for _, opType := range ops.OpTypeValues() {
			if p.opTypes.Has(opType) {
				names = append(names, opType.String())
			}
		}
		sb.WriteString(strings.Join(names, "|"))
		if p.commutative {
			sb.WriteString("~")
		}
		if len(p.inputs) > 0 {
			sb.WriteString("(")
			for i, in := range p.inputs {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(in.String())
			}
			sb.WriteString(")")
		}
	}
	return sb.String()
}

// Match is the binding of the placeholders of a pattern to values of the graph, produced by one
// successful match. It is only valid until the graph is mutated.
type Match struct {
	bindings map[*Pattern]graph.Output
	order    []*Pattern
	root     graph.Output
}

// Root returns the value bound to the root of the pattern.
func (m *Match) Root() graph.Output { return m.root }

// Value returns the value bound to p. It panics if p is not part of the match.
func (m *Match) Value(p *Pattern) graph.Output {
	out, found := m.bindings[p]
	if !found {
		exceptions.Panicf("pattern %s not bound in this match", p)
	}
	return out
}

// Node returns the node of the value bound to p.
func (m *Match) Node(p *Pattern) *graph.Node { return m.Value(p).Node }

// Has returns whether p was bound in this match.
func (m *Match) Has(p *Pattern) bool {
	_, found := m.bindings[p]
	return found
}

// MatchedNodes returns the distinct nodes bound to op and constant placeholders, in binding order.
// These are the nodes a rewrite of the match consumes, e.g. for CopyRuntimeInfo.
func (m *Match) MatchedNodes() []*graph.Node {
	var nodes []*graph.Node
	seen := sets.Make[*graph.Node]()
	for _, p := range m.order {
		if p.kind == kindAny {
			continue
		}
		n := m.bindings[p].Node
		if !seen.Has(n) {
			seen.Insert(n)
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Match tries to match the pattern against the first output of node.
func (p *Pattern) Match(node *graph.Node) (*Match, bool) {
	if node == nil || node.IsRemoved() || node.NumOutputs() == 0 {
		return nil, false
	}
	return p.MatchOutput(node.Output(0))
}

// MatchOutput tries to match the pattern against the given value.
func (p *Pattern) MatchOutput(out graph.Output) (*Match, bool) {
	m := &Match{bindings: make(map[*Pattern]graph.Output), root: out}
	if !m.match(p, out) {
		return nil, false
	}
	return m, true
}

func (m *Match) bind(p *Pattern, out graph.Output) {
	m.bindings[p] = out
	m.order = append(m.order, p)
}

// undo removes the bindings made after the given mark.
func (m *Match) undo(mark int) {
	for _, p := range m.order[mark:] {
		delete(m.bindings, p)
	}
	m.order = m.order[:mark]
}

func (m *Match) match(p *Pattern, out graph.Output) bool {
	if bound, found := m.bindings[p]; found {
		return bound == out
	}
	n := out.Node
	switch p.kind {
	case kindConstant:
		if n.Type() != ops.OpTypeConstant {
			return false
		}
	case kindOp:
		if !p.opTypes.Has(n.Type()) {
			return false
		}
		if len(p.inputs) > 0 && n.NumInputs() != len(p.inputs) {
			return false
		}
	}
	for _, pred := range p.predicates {
		if !pred(out) {
			return false
		}
	}
	mark := len(m.order)
	m.bind(p, out)
	if m.matchInputs(p.inputs, n, false) {
		return true
	}
	if p.commutative {
		m.undo(mark + 1)
		if m.matchInputs(p.inputs, n, true) {
			return true
		}
	}
	m.undo(mark)
	return false
}

func (m *Match) matchInputs(inputs []*Pattern, n *graph.Node, swapped bool) bool {
	for i, in := range inputs {
		slot := i
		if swapped {
			slot = len(inputs) - 1 - i
		}
		if !m.match(in, n.Input(slot)) {
			return false
		}
	}
	return true
}
