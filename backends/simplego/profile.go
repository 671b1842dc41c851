// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/gomlx/graphc/pkg/core/ops"
)

// ProfileEntry holds the accumulated execution time of one unit.
type ProfileEntry struct {
	Node   string
	OpType ops.OpType
	Calls  int
	Total  time.Duration
}

// profiler accumulates the execution times of the units of an executable, including the ones in
// loop bodies. A nil profiler records nothing.
type profiler struct {
	mu    sync.Mutex
	units map[*graph.Node]*ProfileEntry
}

func newProfiler() *profiler {
	return &profiler{units: make(map[*graph.Node]*ProfileEntry)}
}

func (p *profiler) record(n *graph.Node, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, found := p.units[n]
	if !found {
		entry = &ProfileEntry{Node: n.Name(), OpType: n.Type()}
		p.units[n] = entry
	}
	entry.Calls++
	entry.Total += elapsed
}

// entries returns a copy of the entries, sorted by decreasing total time.
func (p *profiler) entries() []ProfileEntry {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	list := make([]ProfileEntry, 0, len(p.units))
	for _, entry := range p.units {
		list = append(list, *entry)
	}
	slices.SortFunc(list, func(a, b ProfileEntry) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Node, b.Node)
	})
	return list
}
