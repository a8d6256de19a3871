// Package kmem holds the one small piece of ambient plumbing shared
// across the allocator stack that isn't an error type or a config
// struct: a debug trace helper. It mirrors the teacher's
// internal/wasm.wasm.go debug listener, which wraps bare log.Printf
// behind an explicitly-configured debug hook rather than pulling in a
// structured logging library — nothing in the retrieved pack reaches
// for one, so neither does this module (see DESIGN.md).
package kmem

import "log"

// Tracef logs via log.Printf, tagged with op, but only when enabled is
// true. Buddy and Heap each carry a Debug bool (set with SetDebug) and
// pass it here unchanged, so tracing add_region, split_allocation, and
// heap commit events costs nothing when off.
func Tracef(enabled bool, op, format string, args ...interface{}) {
	if !enabled {
		return
	}
	log.Printf("[memcore %s] "+format, append([]interface{}{op}, args...)...)
}
