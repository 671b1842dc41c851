// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"context"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphc/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Manager runs an ordered list of passes over a graph.
//
// Each Run is a complete, from-scratch optimization of the given graph: no state is kept
// between runs other than the registered passes and the Config.
type Manager struct {
	name              string
	config            *Config
	entries           []managerEntry
	perPassValidation bool
}

type managerEntry struct {
	pass           Pass
	defaultEnabled bool
}

// NewManager creates a Manager using config for the enable/disable overrides.
// If config is nil, an empty one is created.
func NewManager(name string, config *Config) *Manager {
	if config == nil {
		config = NewConfig()
	}
	return &Manager{name: name, config: config}
}

// Name of the pipeline.
func (m *Manager) Name() string { return m.name }

// Config used by the Manager.
func (m *Manager) Config() *Config { return m.config }

// Register appends passes enabled by default to the pipeline.
func (m *Manager) Register(passes ...Pass) *Manager {
	for _, p := range passes {
		m.entries = append(m.entries, managerEntry{pass: p, defaultEnabled: true})
	}
	return m
}

// RegisterDisabled appends a pass that only runs if enabled in the Config.
func (m *Manager) RegisterDisabled(p Pass) *Manager {
	m.entries = append(m.entries, managerEntry{pass: p, defaultEnabled: false})
	return m
}

// SetPerPassValidation makes the Manager validate the graph after every pass that changed it,
// so an inconsistency is reported with the name of the pass that introduced it.
func (m *Manager) SetPerPassValidation(validate bool) *Manager {
	m.perPassValidation = validate
	return m
}

// Passes returns the registered passes, in order.
func (m *Manager) Passes() []Pass {
	passes := make([]Pass, len(m.entries))
	for i, e := range m.entries {
		passes[i] = e.pass
	}
	return passes
}

// Run applies the enabled passes, in order, to g and recursively to the bodies of its
// Loop/TensorIterator nodes (bodies are optimized first).
//
// Any error aborts the run: the graph is left partially transformed and must be discarded.
// The returned error names the pass that failed.
func (m *Manager) Run(ctx context.Context, g *graph.Graph) (*Stats, error) {
	m.config.acquire()
	defer m.config.release()
	rc := &RunContext{Context: ctx, config: m.config, stats: newStats()}
	start := time.Now()
	var runErr error
	err := exceptions.TryCatch[error](func() { runErr = m.runGraph(rc, g, 0) })
	if err == nil {
		err = runErr
	}
	if err != nil {
		return rc.stats, errors.WithMessagef(err, "pipeline %q on graph %q", m.name, g.Name())
	}
	klog.V(1).Infof("pipeline %q on graph %q: %d rewrites in %s", m.name, g.Name(), rc.stats.TotalRewrites(), time.Since(start))
	return rc.stats, nil
}

func (m *Manager) runGraph(rc *RunContext, g *graph.Graph, depth int) error {
	for _, body := range g.SubGraphs() {
		if err := m.runGraph(rc, body, depth+1); err != nil {
			return errors.WithMessagef(err, "body %q of %s", body.Name(), body.Parent())
		}
	}
	for _, e := range m.entries {
		name := e.pass.Name()
		if !rc.Enabled(name, e.defaultEnabled) {
			rc.stats.Pass(name).Skipped = true
			continue
		}
		if err := rc.Context.Err(); err != nil {
			return errors.Wrapf(err, "pipeline interrupted before pass %q", name)
		}
		if err := m.runPass(rc, e.pass, g, depth); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) runPass(rc *RunContext, p Pass, g *graph.Graph, depth int) error {
	name := p.Name()
	stats := rc.stats.Pass(name)
	if _, isGroup := p.(*GraphRewrite); !isGroup {
		if _, isMatcher := p.(*MatcherPass); !isMatcher {
			stats.Invocations++
		}
	}
	start := time.Now()
	var changed bool
	var applyErr error
	err := exceptions.TryCatch[error](func() { changed, applyErr = p.Apply(rc, g) })
	if err == nil {
		err = applyErr
	}
	stats.Elapsed += time.Since(start)
	if err != nil {
		return errors.WithMessagef(err, "pass %q", name)
	}
	klog.V(1).Infof("pass %q on graph %q (depth %d): changed=%v", name, g.Name(), depth, changed)
	if changed && m.perPassValidation {
		if err := g.Validate(); err != nil {
			return errors.WithMessagef(err, "validation after pass %q", name)
		}
	}
	return nil
}
