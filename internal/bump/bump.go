// Package bump implements the monotonic bump allocator of spec.md §4.1:
// a metadata-bootstrap allocator with no free, resize, or remap. It
// exists to hand the Buddy allocator the bytes for its bitmap and
// order table before any of the "real" allocators are up.
package bump

import (
	"github.com/gopher-kernel/memcore/internal/align"
	"github.com/gopher-kernel/memcore/internal/kerrors"
)

// Allocator owns [start, end) and advances a monotonic cursor.
// Its zero value is not ready for use; construct with New.
type Allocator struct {
	start, end uint64
	cursor     uint64
}

// New creates a bump allocator over [start, end). end must be > start.
func New(start, end uint64) *Allocator {
	if end <= start {
		kerrors.Panic("bump.New", start, end-start, "end must be greater than start")
	}
	return &Allocator{start: start, end: end, cursor: start}
}

// Alloc reserves size bytes aligned to alignment, advancing the
// cursor. It returns (0, false) if the range is exhausted; it never
// zeroes memory.
func (a *Allocator) Alloc(size, alignment uint64) (uint64, bool) {
	if alignment == 0 {
		alignment = 1
	}
	aligned := align.Up(a.cursor, alignment)
	if aligned < a.cursor || aligned > a.end || size > a.end-aligned {
		return 0, false
	}
	a.cursor = aligned + size
	return aligned, true
}

// Free is unsupported: bump allocators never reclaim memory.
// Calling it is a contract violation.
func (a *Allocator) Free(addr uint64) {
	kerrors.Panic("bump.Free", addr, 0, "bump allocator does not support free")
}

// Resize is unsupported.
func (a *Allocator) Resize(addr uint64, newSize uint64) {
	kerrors.Panic("bump.Resize", addr, newSize, "bump allocator does not support resize")
}

// Remap is unsupported.
func (a *Allocator) Remap(addr uint64, newSize uint64) {
	kerrors.Panic("bump.Remap", addr, newSize, "bump allocator does not support remap")
}

// Used returns the number of bytes handed out so far, including
// alignment padding.
func (a *Allocator) Used() uint64 { return a.cursor - a.start }

// Remaining returns the number of bytes left before the range is
// exhausted (ignoring future alignment padding).
func (a *Allocator) Remaining() uint64 { return a.end - a.cursor }

// Start returns the allocator's base address.
func (a *Allocator) Start() uint64 { return a.start }

// End returns the allocator's exclusive upper bound.
func (a *Allocator) End() uint64 { return a.end }
