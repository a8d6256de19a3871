// Package lifecycle is the Kernel's shutdown hook registry: a small
// ordered list of cleanup funcs run once at Shutdown.
//
// It is adapted from the teacher's internal/runtime.Runtime, which
// paired the same cleanup-list idea with a byte-buffer memory store
// shared between the WASM host and the in-memory DB (so both could
// register teardown hooks without an import cycle between them). The
// memory-buffer half of that type is dropped here: internal/memspace
// is already this module's bounds-checked, atomically-counted byte
// store, so keeping a second one under a different name would just be
// two ways to do the same thing. What carries over is the registry
// itself, repurposed for the allocator stack's own teardown — running
// final coherence checks against Buddy and Heap when a Kernel shuts
// down.
package lifecycle

import "sync"

// Registry is an ordered list of cleanup funcs, run once by Shutdown.
// The zero value is ready to use.
type Registry struct {
	mu      sync.Mutex
	cleanup []func() error
}

// AddCleanup registers f to run when Shutdown is called, in
// registration order.
func (r *Registry) AddCleanup(f func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup = append(r.cleanup, f)
}

// Shutdown runs every registered cleanup func and clears the registry,
// returning the last error encountered (if any) after running them
// all.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last error
	for _, f := range r.cleanup {
		if err := f(); err != nil {
			last = err
		}
	}
	r.cleanup = nil
	return last
}
