// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/pkg/errors"
)

// textOptions controls what WriteText prints.
type textOptions struct {
	names bool
}

// WriteText writes a human-readable listing of the graph, one node per line in topological order,
// with the bodies of sub-graph nodes indented after them:
//
//	%3 = Transpose(%0, %2) -> (Float32)[16 2]  "transpose_3"
//
// Values are numbered by their position in the topological order.
func (g *Graph) WriteText(w io.Writer) error {
	return g.writeText(w, textOptions{names: true}, "")
}

// Text returns the output of WriteText as a string.
func (g *Graph) Text() string {
	var sb strings.Builder
	_ = g.WriteText(&sb)
	return sb.String()
}

// Signature returns a canonical structural description of the graph: like Text, but without the
// friendly names, so two graphs with the same structure, attributes, shapes and constant values
// have the same signature regardless of node ids and names.
func (g *Graph) Signature() string {
	var sb strings.Builder
	_ = g.writeText(&sb, textOptions{}, "")
	return sb.String()
}

func (g *Graph) writeText(w io.Writer, opts textOptions, indent string) error {
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	position := make(map[*Node]int, len(order))
	for i, n := range order {
		position[n] = i
	}
	for _, n := range order {
		var sb strings.Builder
		sb.WriteString(indent)
		fmt.Fprintf(&sb, "%%%d = %s", position[n], n.opType)
		if n.opType == ops.OpTypeParameter {
			fmt.Fprintf(&sb, "[%d]", n.ParameterIndex())
		}
		if attrs := ops.AttrsString(n.attrs); attrs != "" {
			fmt.Fprintf(&sb, "{%s}", attrs)
		}
		sb.WriteString("(")
		for i, in := range n.inputs {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%%%d", position[in.Node])
			if len(in.Node.outputs) > 1 {
				fmt.Fprintf(&sb, ".%d", in.Index)
			}
		}
		sb.WriteString(") ->")
		for _, out := range n.outputs {
			fmt.Fprintf(&sb, " %s", out.shape)
		}
		if n.value != nil {
			fmt.Fprintf(&sb, " = %s", n.value)
		}
		if opts.names {
			fmt.Fprintf(&sb, "  %q", n.Name())
		}
		sb.WriteString("\n")
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return errors.Wrapf(err, "writing graph %q", g.name)
		}
		if n.body != nil {
			if err := n.body.writeText(w, opts, indent+"    "); err != nil {
				return err
			}
		}
	}
	return nil
}

// jsonNode is the serialized form of a node, see WriteJSON.
type jsonNode struct {
	ID         int        `json:"id"`
	Op         string     `json:"op"`
	Name       string     `json:"name"`
	Inputs     [][2]int   `json:"inputs,omitempty"`
	Shapes     []string   `json:"shapes"`
	Attrs      string     `json:"attrs,omitempty"`
	FusedNames []string   `json:"fused_names,omitempty"`
	Body       *jsonGraph `json:"body,omitempty"`
}

type jsonGraph struct {
	Name       string     `json:"name"`
	Parameters []int      `json:"parameters"`
	Results    []int      `json:"results"`
	Nodes      []jsonNode `json:"nodes"`
}

// WriteJSON writes the graph in JSON, for consumption by external visualization tools.
// Inputs are given as pairs [node id, output index], ids are the topological positions.
func (g *Graph) WriteJSON(w io.Writer) error {
	jg, err := g.toJSON()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrapf(enc.Encode(jg), "encoding graph %q", g.name)
}

func (g *Graph) toJSON() (*jsonGraph, error) {
	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	position := make(map[*Node]int, len(order))
	for i, n := range order {
		position[n] = i
	}
	jg := &jsonGraph{Name: g.name}
	for _, p := range g.parameters {
		jg.Parameters = append(jg.Parameters, position[p])
	}
	for _, r := range g.results {
		jg.Results = append(jg.Results, position[r])
	}
	for _, n := range order {
		jn := jsonNode{
			ID:    position[n],
			Op:    n.opType.String(),
			Name:  n.Name(),
			Attrs: ops.AttrsString(n.attrs),
		}
		for _, in := range n.inputs {
			jn.Inputs = append(jn.Inputs, [2]int{position[in.Node], in.Index})
		}
		for _, out := range n.outputs {
			jn.Shapes = append(jn.Shapes, out.shape.String())
		}
		if _, ok := n.rtInfo[RTInfoFusedNames]; ok {
			jn.FusedNames = n.FusedNames()
		}
		if n.body != nil {
			if jn.Body, err = n.body.toJSON(); err != nil {
				return nil, err
			}
		}
		jg.Nodes = append(jg.Nodes, jn)
	}
	return jg, nil
}
