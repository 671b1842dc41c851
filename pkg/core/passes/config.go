// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"sync"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Config holds the name-keyed enable/disable overrides of the passes.
//
// Names that don't match any pass are ignored, so one Config can be used with different versions
// of a pipeline. A Config can't be modified while a Manager is running with it.
type Config struct {
	mu        sync.Mutex
	overrides *orderedmap.OrderedMap[string, bool]
	running   int
}

// Override is one entry of the Config.
type Override struct {
	Name    string
	Enabled bool
}

// NewConfig returns a Config without overrides: every pass runs with its default.
func NewConfig() *Config {
	return &Config{overrides: orderedmap.New[string, bool]()}
}

// Set overrides whether the named pass is enabled.
// It returns an error if a Manager is currently running with this Config.
func (c *Config) Set(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running > 0 {
		return errors.Errorf("can't change pass %q: configuration in use by a running pipeline", name)
	}
	c.overrides.Set(name, enabled)
	return nil
}

// Enable is a shortcut to Set(name, true) for several passes.
func (c *Config) Enable(names ...string) error {
	for _, name := range names {
		if err := c.Set(name, true); err != nil {
			return err
		}
	}
	return nil
}

// Disable is a shortcut to Set(name, false) for several passes.
func (c *Config) Disable(names ...string) error {
	for _, name := range names {
		if err := c.Set(name, false); err != nil {
			return err
		}
	}
	return nil
}

// Reset removes the override of the named pass.
func (c *Config) Reset(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running > 0 {
		return errors.Errorf("can't reset pass %q: configuration in use by a running pipeline", name)
	}
	c.overrides.Delete(name)
	return nil
}

// IsEnabled returns whether the named pass is enabled, given its default.
func (c *Config) IsEnabled(name string, defaultEnabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled, found := c.overrides.Get(name); found {
		return enabled
	}
	return defaultEnabled
}

// Overrides returns the overrides in the order they were first set.
func (c *Config) Overrides() []Override {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]Override, 0, c.overrides.Len())
	for pair := c.overrides.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, Override{Name: pair.Key, Enabled: pair.Value})
	}
	return list
}

// acquire marks the Config as in use by a running pipeline.
func (c *Config) acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running++
}

func (c *Config) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running--
}
