// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernelcache compiles the kernels of a program in batches and keeps the compiled
// binaries in an on-disk cache.
//
// Kernel sources are grouped in buckets of kernels sharing the same compilation options, and
// each bucket is split in batches of at most MaxKernelsPerBatch kernels. Each batch is compiled
// as one program, identified by a hash of its options, the device identity and its sources.
// The compiled binary of a batch is stored in the cache directory as "<hash>.cl_cache", and
// loaded instead of compiled on later runs.
//
// The compilation itself is done by a Compiler, provided by the backend.
package kernelcache

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphc/pkg/core/tensors"
	"github.com/gomlx/graphc/pkg/support/fsutil"
	"github.com/gomlx/graphc/pkg/support/xslices"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// MaxKernelsPerBatch is the maximum number of kernels compiled together as one program.
const MaxKernelsPerBatch = 8

// FileExtension of the cached binaries.
const FileExtension = ".cl_cache"

// GRAPHC_DISABLE_KERNEL_CACHE set to "1" disables reading and writing cached binaries.
const GRAPHC_DISABLE_KERNEL_CACHE = "GRAPHC_DISABLE_KERNEL_CACHE"

// Source of one kernel.
type Source struct {
	// EntryPoint is the name of the kernel within its program.
	EntryPoint string

	// Code of the kernel, in whatever language the Compiler understands.
	Code string

	// Options passed to the compiler: a space separated list.
	Options string

	// Batchable kernels are compiled together with other kernels with the same options.
	// The others are compiled as a program of their own.
	Batchable bool
}

// Kernel is a compiled kernel, ready to run.
type Kernel interface {
	EntryPoint() string
	Run(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// Program is a compiled batch of kernels.
type Program interface {
	// Kernel returns the kernel with the given entry point.
	Kernel(entryPoint string) (Kernel, bool)

	// Binary returns the serialized program, as accepted by Compiler.Load.
	Binary() ([]byte, error)
}

// DeviceInfo identifies the device (and driver) the kernels are compiled for.
// Binaries compiled for a different device are never reused.
type DeviceInfo struct {
	DriverVersion string
	DeviceName    string
}

// Compiler builds and loads programs.
type Compiler interface {
	// Device the programs are compiled for.
	Device() DeviceInfo

	// Compile the sources into a program. The build log is returned also on failure.
	Compile(options string, sources []string) (program Program, log string, err error)

	// Load a program from a binary previously returned by Program.Binary.
	Load(options string, binary []byte) (Program, error)
}

// KernelID identifies a kernel added to a Cache.
type KernelID string

// BuildError is returned when a batch fails to compile. It holds the build log of all the
// kernels of the batch.
type BuildError struct {
	Bucket, Batch int
	EntryPoints   []string
	Log           string
}

// Error implements error.
func (e *BuildError) Error() string {
	return fmt.Sprintf("kernel batch %d_part_%d (%s) failed to build:\n%s",
		e.Bucket, e.Batch, strings.Join(e.EntryPoints, ", "), e.Log)
}

// ReorderOptions sorts and de-duplicates a space separated list of options.
func ReorderOptions(options string) string {
	set := make(map[string]bool)
	for _, o := range strings.Fields(options) {
		set[o] = true
	}
	return strings.Join(xslices.SortedKeys(set), " ")
}

// BatchHash returns the cache key of a batch of sources: a 64-bit FNV-1a hash of
// options + " " + driver version + device name + the concatenated sources.
func BatchHash(options string, device DeviceInfo, sources []string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(options + " " + device.DriverVersion))
	_, _ = h.Write([]byte(device.DeviceName))
	for _, src := range sources {
		_, _ = h.Write([]byte(src))
	}
	return h.Sum64()
}

// CachePath returns the path of the cached binary with the given hash.
func CachePath(dir string, hash uint64) string {
	return filepath.Join(dir, strconv.FormatUint(hash, 10)+FileExtension)
}

// cacheAccessMu serializes all reads and writes of cached binaries, across all caches.
var cacheAccessMu sync.Mutex

// Cache of the kernels of a program.
//
// Kernels are added with Add, compiled with Build and then retrieved with Kernel.
// It is safe for concurrent use.
type Cache struct {
	compiler    Compiler
	dir         string
	parallelism int

	mu      sync.Mutex
	pending *orderedmap.OrderedMap[KernelID, Source]
	kernels map[KernelID]Kernel
	nextID  int

	hits, misses atomic.Int64
}

// New creates a cache using the given compiler.
//
// dir is the directory of cached binaries: if empty, or if the environment variable
// GRAPHC_DISABLE_KERNEL_CACHE is set to "1", binaries are not cached. A leading "~" is
// replaced by the home directory.
//
// parallelism is the maximum number of batches compiled concurrently; 0 means no limit.
func New(compiler Compiler, dir string, parallelism int) (*Cache, error) {
	if dir != "" {
		var err error
		dir, err = fsutil.ReplaceTildeInDir(dir)
		if err != nil {
			return nil, errors.WithMessagef(err, "kernel cache directory %q", dir)
		}
	}
	return &Cache{
		compiler:    compiler,
		dir:         dir,
		parallelism: parallelism,
		pending:     orderedmap.New[KernelID, Source](),
		kernels:     make(map[KernelID]Kernel),
	}, nil
}

// Enabled returns whether compiled binaries are read from and written to disk.
func (c *Cache) Enabled() bool {
	if os.Getenv(GRAPHC_DISABLE_KERNEL_CACHE) == "1" {
		return false
	}
	return c.dir != ""
}

// Dir returns the directory of cached binaries.
func (c *Cache) Dir() string { return c.dir }

// Stats returns the number of batches loaded from the cache and compiled so far.
func (c *Cache) Stats() (hits, misses int) {
	return int(c.hits.Load()), int(c.misses.Load())
}

// Add a kernel source to be compiled by the next Build. It returns the id used to retrieve the kernel.
func (c *Cache) Add(src Source) KernelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := KernelID(fmt.Sprintf("%s_%d", src.EntryPoint, c.nextID))
	c.nextID++
	c.pending.Set(id, src)
	return id
}

// Kernel returns a compiled kernel.
func (c *Cache) Kernel(id KernelID) (Kernel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending.Len() > 0 {
		return nil, errors.Errorf("kernel cache is not compiled, call Build() first")
	}
	k, found := c.kernels[id]
	if !found {
		return nil, errors.Errorf("kernel %q not found in the kernel cache", id)
	}
	return k, nil
}

// batch is a group of kernels compiled as one program.
type batch struct {
	bucket, id  int
	options     string
	hash        uint64
	sources     []string
	entryPoints *orderedmap.OrderedMap[string, KernelID]
}

func (b *batch) String() string { return fmt.Sprintf("%d_part_%d", b.bucket, b.id) }

// batches groups the pending sources: buckets are keyed by options (reordered for batchable
// kernels), non-batchable kernels get a bucket each.
func (c *Cache) batches() []*batch {
	type bucket struct {
		id      int
		batches []*batch
	}
	buckets := make(map[string]*bucket)
	for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
		src := pair.Value
		options := src.Options
		key := options
		if src.Batchable {
			options = ReorderOptions(options)
			key = options
		} else {
			key += " __PROGRAM__" + strconv.Itoa(len(buckets))
		}
		bk := buckets[key]
		if bk == nil {
			bk = &bucket{id: len(buckets)}
			buckets[key] = bk
		}
		newBatch := len(bk.batches) == 0
		if !newBatch {
			current := xslices.Last(bk.batches).entryPoints
			_, duplicate := current.Get(src.EntryPoint)
			newBatch = duplicate || current.Len() >= MaxKernelsPerBatch
		}
		if newBatch {
			bk.batches = append(bk.batches, &batch{
				bucket:      bk.id,
				id:          len(bk.batches),
				options:     options,
				entryPoints: orderedmap.New[string, KernelID](),
			})
		}
		b := xslices.Last(bk.batches)
		b.entryPoints.Set(src.EntryPoint, pair.Key)
		b.sources = append(b.sources, src.Code)
	}

	device := c.compiler.Device()
	var all []*batch
	for _, key := range xslices.SortedKeys(buckets) {
		for _, b := range buckets[key].batches {
			b.hash = BatchHash(b.options, device, b.sources)
			all = append(all, b)
		}
	}
	return all
}

// Build compiles all pending kernels.
//
// Batches are compiled concurrently. Batches whose binary is in the cache directory are loaded
// instead, and newly compiled ones are saved there.
// A failing batch returns a *BuildError, and no kernel of the batch becomes available.
func (c *Cache) Build(ctx context.Context) error {
	c.mu.Lock()
	if c.pending.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	all := c.batches()
	c.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	if c.parallelism > 0 {
		group.SetLimit(c.parallelism)
	}
	for _, b := range all {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return c.buildBatch(b)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range all {
		for pair := b.entryPoints.Oldest(); pair != nil; pair = pair.Next() {
			c.pending.Delete(pair.Value)
		}
	}
	return nil
}

// loadCached returns the cached binary of the batch, or nil.
func (c *Cache) loadCached(path string) []byte {
	cacheAccessMu.Lock()
	defer cacheAccessMu.Unlock()
	binary, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("kernel cache: failed to read %q, compiling instead: %v", path, err)
		}
		return nil
	}
	return binary
}

func (c *Cache) saveCached(path string, program Program) {
	binary, err := program.Binary()
	if err != nil {
		klog.Warningf("kernel cache: failed to serialize program for %q: %v", path, err)
		return
	}
	cacheAccessMu.Lock()
	defer cacheAccessMu.Unlock()
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		err = os.WriteFile(path, binary, 0o644)
	}
	if err != nil {
		klog.Warningf("kernel cache: failed to write %q: %v", path, err)
		return
	}
	klog.V(2).Infof("kernel cache: saved %s to %q", humanize.Bytes(uint64(len(binary))), path)
}

func (c *Cache) buildBatch(b *batch) error {
	enabled := c.Enabled()
	path := CachePath(c.dir, b.hash)
	var program Program
	if enabled {
		if binary := c.loadCached(path); len(binary) > 0 {
			var err error
			program, err = c.compiler.Load(b.options, binary)
			if err != nil {
				klog.Warningf("kernel cache: invalid binary %q for batch %s, compiling instead: %v", path, b, err)
				program = nil
			} else {
				c.hits.Add(1)
				klog.V(2).Infof("kernel cache: batch %s loaded from %q", b, path)
			}
		}
	}
	if program == nil {
		var (
			buildLog string
			err      error
		)
		program, buildLog, err = c.compiler.Compile(b.options, b.sources)
		if err != nil {
			if buildLog == "" {
				buildLog = err.Error()
			}
			return errors.WithStack(&BuildError{
				Bucket:      b.bucket,
				Batch:       b.id,
				EntryPoints: c.entryPointNames(b),
				Log:         buildLog,
			})
		}
		c.misses.Add(1)
		klog.V(2).Infof("kernel cache: batch %s compiled (%d kernels)", b, len(b.sources))
		if enabled {
			c.saveCached(path, program)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kernels := make(map[KernelID]Kernel, b.entryPoints.Len())
	for pair := b.entryPoints.Oldest(); pair != nil; pair = pair.Next() {
		k, found := program.Kernel(pair.Key)
		if !found {
			return errors.WithStack(&BuildError{
				Bucket:      b.bucket,
				Batch:       b.id,
				EntryPoints: c.entryPointNames(b),
				Log:         fmt.Sprintf("could not find entry point %q in the program", pair.Key),
			})
		}
		kernels[pair.Value] = k
	}
	for id, k := range kernels {
		c.kernels[id] = k
	}
	return nil
}

func (c *Cache) entryPointNames(b *batch) []string {
	names := make([]string, 0, b.entryPoints.Len())
	for pair := b.entryPoints.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}
