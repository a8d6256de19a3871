// Package memcore is the top-level wiring package: it boots the full
// allocator stack in dependency order and exposes it as one Kernel,
// mirroring the teacher's pkg/spacetimedb/spacetimedb.go top-level
// client wiring (one constructor, one struct holding every subsystem,
// thin pass-through methods for the common operations).
package memcore

import (
	"fmt"

	"github.com/gopher-kernel/memcore/internal/align"
	"github.com/gopher-kernel/memcore/internal/bump"
	"github.com/gopher-kernel/memcore/internal/buddy"
	"github.com/gopher-kernel/memcore/internal/heap"
	"github.com/gopher-kernel/memcore/internal/kerrors"
	"github.com/gopher-kernel/memcore/internal/lifecycle"
	"github.com/gopher-kernel/memcore/internal/memspace"
	"github.com/gopher-kernel/memcore/internal/pmm"
	"github.com/gopher-kernel/memcore/internal/vmm"
)

// Config configures a Kernel's boot, in the style of the teacher's
// MemoryConfig/DefaultMemoryConfig().
type Config struct {
	// PhysBase/PhysSize describe the physical range the buddy
	// allocator manages. Its bitmap/order-table metadata is not carved
	// out of this range; Boot places it in a separate space sized by
	// buddy.RequiredMemory.
	PhysBase, PhysSize uint64
	// VirtBase/VirtSize describe the virtual address window the VMM
	// hands reservations out of. The heap's own range is one such
	// reservation.
	VirtBase, VirtSize uint64
	// HeapSize is how much of the virtual window the heap reserves for
	// itself at boot.
	HeapSize uint64
	// NumCores and CacheMaxPages configure the PMM's per-core page
	// cache.
	NumCores      int
	CacheMaxPages int
	// MaxVMMReservations bounds the VMM's reservation table.
	MaxVMMReservations int
	// Debug enables kmem.Tracef tracing of Buddy's add_region /
	// split_allocation and the heap's commit events.
	Debug bool
}

// DefaultConfig returns a Config sized for a small single-core kernel:
// 64 MiB of physical memory at physBase, a 256 MiB virtual window at
// virtBase, and a 16 MiB initial heap reservation.
func DefaultConfig(physBase, virtBase uint64) Config {
	return Config{
		PhysBase:           physBase,
		PhysSize:           64 << 20,
		VirtBase:           virtBase,
		VirtSize:           256 << 20,
		HeapSize:           16 << 20,
		NumCores:           1,
		CacheMaxPages:      64,
		MaxVMMReservations: 64,
	}
}

// Kernel wires the full allocator stack: a Bump allocator reserves
// Buddy's bitmap/order-table metadata; Buddy backs PMM's per-core page
// cache; a VMM window reserves the heap's virtual range and backs its
// Mapper, so the heap never commits into address space the VMM did not
// hand out.
type Kernel struct {
	metaSpace *memspace.Space
	dataSpace *memspace.Space
	heapSpace *memspace.Space

	meta *bump.Allocator

	Buddy *buddy.Buddy
	PMM   *pmm.Manager
	VMM   *vmm.Manager
	Heap  *heap.Heap

	lifecycle lifecycle.Registry
}

// Boot constructs a Kernel per cfg, following spec.md §2's dependency
// order: Bump before Buddy, Buddy before PMM, VMM before Heap.
func Boot(cfg Config) (*Kernel, error) {
	if cfg.PhysSize == 0 || cfg.VirtSize == 0 || cfg.HeapSize == 0 {
		return nil, &kerrors.ValidationError{Op: "memcore.Boot", Message: "PhysSize, VirtSize and HeapSize must all be nonzero"}
	}
	if cfg.HeapSize > cfg.VirtSize {
		return nil, &kerrors.ValidationError{Op: "memcore.Boot", Message: "HeapSize cannot exceed VirtSize"}
	}

	physStart := align.Up(cfg.PhysBase, buddy.PageSize)
	physEnd := align.Down(cfg.PhysBase+cfg.PhysSize, buddy.PageSize)
	if physEnd <= physStart {
		return nil, &kerrors.ValidationError{Op: "memcore.Boot", Message: "PhysSize leaves no whole page after alignment"}
	}

	metaBytes := buddy.RequiredMemory(physStart, physEnd)
	metaSpace := memspace.New(0, metaBytes)
	meta := bump.New(0, metaBytes)

	dataSpace := memspace.New(physStart, physEnd-physStart)
	b, err := buddy.Init(dataSpace, physStart, physEnd, metaSpace, meta)
	if err != nil {
		return nil, err
	}
	b.SetDebug(cfg.Debug)
	b.AddRegion(b.Start(), b.End())

	numCores := cfg.NumCores
	if numCores <= 0 {
		numCores = 1
	}
	cacheMax := cfg.CacheMaxPages
	if cacheMax <= 0 {
		cacheMax = 1
	}
	p := pmm.NewManager(b, numCores, cacheMax)

	v, err := vmm.NewManager(cfg.VirtBase, cfg.VirtBase+cfg.VirtSize, cfg.MaxVMMReservations)
	if err != nil {
		return nil, err
	}
	heapStart, err := v.Reserve(cfg.HeapSize, heap.BaseAlign)
	if err != nil {
		return nil, err
	}

	heapSpace := memspace.New(heapStart, cfg.HeapSize)
	h, err := heap.New(heapSpace, heapStart, heapStart+cfg.HeapSize, spaceMapper{heapSpace})
	if err != nil {
		return nil, err
	}
	h.SetDebug(cfg.Debug)

	k := &Kernel{
		metaSpace: metaSpace,
		dataSpace: dataSpace,
		heapSpace: heapSpace,
		meta:      meta,
		Buddy:     b,
		PMM:       p,
		VMM:       v,
		Heap:      h,
	}
	k.AddCleanup(func() error { return k.Buddy.Validate(nil) })
	k.AddCleanup(func() error { return k.Heap.Validate() })
	return k, nil
}

// AddCleanup registers f to run when Shutdown is called, in
// registration order. Callers can use this to tear down anything they
// layer on top of the Kernel alongside the stack's own final
// validation passes.
func (k *Kernel) AddCleanup(f func() error) { k.lifecycle.AddCleanup(f) }

// Shutdown runs every registered cleanup func, including the final
// Buddy/Heap coherence checks Boot registers, returning the last error
// encountered (if any).
func (k *Kernel) Shutdown() error { return k.lifecycle.Shutdown() }

// spaceMapper implements heap.Mapper over a fixed-size memspace.Space.
// A hosted Go module has no page tables to walk, so "ensure mapped"
// collapses to a bounds check against the space the heap already
// writes through; a freestanding kernel would map fresh physical pages
// here instead.
type spaceMapper struct {
	space *memspace.Space
}

func (m spaceMapper) EnsureMapped(addr uint64, n int) error {
	if !m.space.Contains(addr, uint64(n)) {
		return fmt.Errorf("memcore: heap range [0x%x,0x%x) is outside its backing space", addr, addr+uint64(n))
	}
	return nil
}

// AllocPage requests one physical page for core, via the PMM.
func (k *Kernel) AllocPage(core int) (uint64, error) { return k.PMM.AllocPage(core) }

// FreePage returns a page (previously returned by AllocPage) to core's
// cache.
func (k *Kernel) FreePage(core int, addr uint64) { k.PMM.FreePage(core, addr) }

// Alloc requests size bytes from the heap, aligned to alignment.
func (k *Kernel) Alloc(size, alignment uint64) (uint64, error) { return k.Heap.Alloc(size, alignment) }

// Free returns a block (previously returned by Alloc) to the heap.
func (k *Kernel) Free(addr uint64) { k.Heap.Free(addr) }

func (k *Kernel) spaceFor(addr uint64) *memspace.Space {
	if k.heapSpace.Contains(addr, 1) {
		return k.heapSpace
	}
	return k.dataSpace
}

// WriteU64/ReadU64 access memory through whichever backing space
// currently owns addr (the buddy-managed physical range or the heap's
// committed virtual range), for callers that just want to exercise the
// stack end to end without picking a space themselves.
func (k *Kernel) WriteU64(addr, v uint64) { k.spaceFor(addr).WriteU64(addr, v) }
func (k *Kernel) ReadU64(addr uint64) uint64 { return k.spaceFor(addr).ReadU64(addr) }

// ValidateBuddy checks the buddy allocator's internal coherence; see
// buddy.Validate.
func (k *Kernel) ValidateBuddy(expectedAllocated map[uint64]int) error {
	return k.Buddy.Validate(expectedAllocated)
}

// ValidateHeap checks the heap's internal coherence; see heap.Validate.
func (k *Kernel) ValidateHeap() error { return k.Heap.Validate() }
