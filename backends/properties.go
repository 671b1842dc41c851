// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"runtime"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// PerformanceMode is the optimization target of a device.
type PerformanceMode int

const (
	PerformanceUnset PerformanceMode = iota
	PerformanceLatency
	PerformanceThroughput
	PerformanceBalancedThroughput
)

var performanceModeNames = []string{"unset", "latency", "throughput", "balanced_throughput"}

// String implements fmt.Stringer.
func (m PerformanceMode) String() string {
	if m < 0 || int(m) >= len(performanceModeNames) {
		return fmt.Sprintf("PerformanceMode(%d)", int(m))
	}
	return performanceModeNames[m]
}

// ParsePerformanceMode parses the value returned by PerformanceMode.String.
func ParsePerformanceMode(s string) (PerformanceMode, error) {
	for i, name := range performanceModeNames {
		if name == s {
			return PerformanceMode(i), nil
		}
	}
	return PerformanceUnset, errors.Errorf("unknown performance mode %q, valid values are %q", s, performanceModeNames)
}

// SyncMethod is how completion of work enqueued in an execution stream is observed.
type SyncMethod int

const (
	// SyncEvents gives each enqueued task its own completion event, and dependencies are
	// tracked per task.
	SyncEvents SyncMethod = iota

	// SyncBarriers only tracks completion at barriers: a task whose dependencies are not
	// covered by the last barrier inserts a new one, waiting for everything enqueued before.
	SyncBarriers
)

var syncMethodNames = []string{"events", "barriers"}

// String implements fmt.Stringer.
func (m SyncMethod) String() string {
	if m < 0 || int(m) >= len(syncMethodNames) {
		return fmt.Sprintf("SyncMethod(%d)", int(m))
	}
	return syncMethodNames[m]
}

// ParseSyncMethod parses the value returned by SyncMethod.String.
func ParseSyncMethod(s string) (SyncMethod, error) {
	for i, name := range syncMethodNames {
		if name == s {
			return SyncMethod(i), nil
		}
	}
	return SyncEvents, errors.Errorf("unknown queue sync method %q, valid values are %q", s, syncMethodNames)
}

// Keys of the property map accepted by PropertiesFromMap, and the type of their values.
const (
	KeyPerformanceMode    = "performance_mode"    // PerformanceMode
	KeyNumStreams         = "num_streams"         // int
	KeyInferencePrecision = "inference_precision" // dtypes.DType
	KeyEnableProfiling    = "enable_profiling"    // bool
	KeyCacheDir           = "cache_dir"           // string
	KeyQueueSyncMethod    = "queue_sync_method"   // SyncMethod
	KeyMaxLoopIterations  = "max_loop_iterations" // int
)

// DefaultMaxLoopIterations bounds loops whose trip count is unbounded, if not configured otherwise.
const DefaultMaxLoopIterations = 1024

// Properties of a device, used by lowering and by the execution engine.
type Properties struct {
	PerformanceMode PerformanceMode

	// NumStreams is the number of parallel execution streams. 0 derives it from PerformanceMode.
	NumStreams int

	// InferencePrecision is a hint of the floating point precision to use in kernels.
	// dtypes.InvalidDType means no hint. It never changes the dtype of a graph value.
	InferencePrecision dtypes.DType

	// EnableProfiling records per-unit execution times. It forces SyncEvents.
	EnableProfiling bool

	// CacheDir for compiled kernel binaries. Empty disables the cache.
	CacheDir string

	QueueSyncMethod SyncMethod

	// MaxLoopIterations bounds loops with an unbounded trip count.
	MaxLoopIterations int
}

// DefaultProperties returns the properties used when none are given.
func DefaultProperties() Properties {
	return Properties{
		QueueSyncMethod:   SyncEvents,
		MaxLoopIterations: DefaultMaxLoopIterations,
	}
}

// PropertiesFromMap builds Properties from a key/value map of already typed values, starting
// from DefaultProperties. Unknown keys and values of the wrong type are errors.
func PropertiesFromMap(values map[string]any) (Properties, error) {
	props := DefaultProperties()
	for key, value := range values {
		var ok bool
		switch key {
		case KeyPerformanceMode:
			props.PerformanceMode, ok = value.(PerformanceMode)
		case KeyNumStreams:
			props.NumStreams, ok = value.(int)
		case KeyInferencePrecision:
			props.InferencePrecision, ok = value.(dtypes.DType)
		case KeyEnableProfiling:
			props.EnableProfiling, ok = value.(bool)
		case KeyCacheDir:
			props.CacheDir, ok = value.(string)
		case KeyQueueSyncMethod:
			props.QueueSyncMethod, ok = value.(SyncMethod)
		case KeyMaxLoopIterations:
			props.MaxLoopIterations, ok = value.(int)
		default:
			return props, errors.Errorf("unknown device property %q", key)
		}
		if !ok {
			return props, errors.Errorf("device property %q: invalid value type %T", key, value)
		}
	}
	if err := props.Validate(); err != nil {
		return props, err
	}
	return props, nil
}

// Validate checks the ranges of the values.
func (p Properties) Validate() error {
	if p.NumStreams < 0 {
		return errors.Errorf("device property %q must be >= 0, got %d", KeyNumStreams, p.NumStreams)
	}
	if p.MaxLoopIterations <= 0 {
		return errors.Errorf("device property %q must be > 0, got %d", KeyMaxLoopIterations, p.MaxLoopIterations)
	}
	if p.InferencePrecision != dtypes.InvalidDType && !p.InferencePrecision.IsFloat() {
		return errors.Errorf("device property %q must be a float dtype, got %s", KeyInferencePrecision, p.InferencePrecision)
	}
	return nil
}

// Streams returns the number of execution streams to use.
func (p Properties) Streams() int {
	if p.NumStreams > 0 {
		return p.NumStreams
	}
	switch p.PerformanceMode {
	case PerformanceThroughput:
		return runtime.NumCPU()
	case PerformanceBalancedThroughput:
		return max(1, runtime.NumCPU()/2)
	default:
		return 1
	}
}

// SyncMethod returns the queue synchronization method to use: profiling needs per-task events.
func (p Properties) SyncMethod() SyncMethod {
	if p.EnableProfiling {
		return SyncEvents
	}
	return p.QueueSyncMethod
}

// String implements fmt.Stringer.
func (p Properties) String() string {
	precision := "unset"
	if p.InferencePrecision != dtypes.InvalidDType {
		precision = p.InferencePrecision.String()
	}
	return fmt.Sprintf("performance_mode=%s streams=%d inference_precision=%s profiling=%t cache_dir=%q sync=%s max_loop_iterations=%d",
		p.PerformanceMode, p.Streams(), precision, p.EnableProfiling, p.CacheDir, p.SyncMethod(), p.MaxLoopIterations)
}
