// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphc/backends"
	"github.com/gomlx/graphc/backends/simplego"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
	"github.com/gomlx/graphc/pkg/core/passes"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/olekukonko/tablewriter"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 2)
	// sectionStyle is used for the headers of each stage.
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFFF")).MarginTop(1)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#999"))
)

// profiledExecutable is implemented by executables that collect per-unit timings.
type profiledExecutable interface {
	Profile() []simplego.ProfileEntry
}

// report writes the demo results. The first write error is kept in err.
type report struct {
	w   io.Writer
	err error
}

func newReport(w io.Writer) *report {
	return &report{w: w}
}

func (r *report) println(s string) {
	if r.err != nil {
		return
	}
	_, r.err = fmt.Fprintln(r.w, s)
}

func (r *report) title(s string)   { r.println(titleStyle.Render(s)) }
func (r *report) section(s string) { r.println(sectionStyle.Render(s)) }
func (r *report) text(s string)    { r.println(dimStyle.Render(s)) }

func (r *report) table(header []string, rows [][]string) {
	if r.err != nil {
		return
	}
	table := tablewriter.NewWriter(r.w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
}

func (r *report) graphSummary(g *graph.Graph) {
	counts := make(map[ops.OpType]int)
	var numNodes, numSubGraphs int
	g.Walk(func(n *graph.Node) bool {
		numNodes++
		counts[n.Type()]++
		if n.Body() != nil {
			numSubGraphs++
		}
		return true
	})
	r.println(fmt.Sprintf("%s: %d nodes (bodies included), %d sub-graphs", g.Name(), numNodes, numSubGraphs))
	rows := make([][]string, 0, len(counts))
	for _, opType := range ops.OpTypeValues() {
		if counts[opType] > 0 {
			rows = append(rows, []string{opType.String(), strconv.Itoa(counts[opType])})
		}
	}
	r.table([]string{"Op", "Count"}, rows)
}

func (r *report) overrides(config *passes.Config) {
	for _, o := range config.Overrides() {
		state := "disabled"
		if o.Enabled {
			state = "enabled"
		}
		r.text(fmt.Sprintf("override: %s %s", o.Name, state))
	}
}

func (r *report) passStats(stats *passes.Stats) {
	var rows [][]string
	for _, ps := range stats.All() {
		if ps.Skipped {
			rows = append(rows, []string{ps.Name, "-", "-", "skipped"})
			continue
		}
		rows = append(rows, []string{ps.Name, strconv.Itoa(ps.Invocations), strconv.Itoa(ps.Rewrites),
			ps.Elapsed.Round(time.Microsecond).String()})
	}
	r.table([]string{"Pass", "Invocations", "Rewrites", "Elapsed"}, rows)
	r.println(fmt.Sprintf("total rewrites: %s", humanize.Comma(int64(stats.TotalRewrites()))))
}

func (r *report) planSummary(plan *backends.Plan) {
	r.println(fmt.Sprintf("%d units, %d relayouts", plan.NumUnits(), plan.NumRelayouts()))
}

func (r *report) tensors(kind string, values []*tensors.Tensor) {
	rows := make([][]string, len(values))
	var total uint64
	for i, t := range values {
		total += uint64(t.Memory())
		rows[i] = []string{fmt.Sprintf("%s #%d", kind, i), t.Shape().String(), humanize.Bytes(uint64(t.Memory()))}
	}
	r.table([]string{"Value", "Shape", "Memory"}, rows)
	r.println(fmt.Sprintf("%s total: %s", kind, humanize.Bytes(total)))
}

func (r *report) profile(exec profiledExecutable) {
	entries := exec.Profile()
	if len(entries) == 0 {
		r.text("profiling disabled, use --backend=go:enable_profiling=true")
		return
	}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		avg := e.Total / time.Duration(max(e.Calls, 1))
		rows[i] = []string{e.Node, e.OpType.String(), humanize.Comma(int64(e.Calls)),
			e.Total.Round(time.Microsecond).String(), avg.Round(time.Microsecond).String()}
	}
	r.table([]string{"Node", "Op", "Calls", "Total", "Average"}, rows)
}
