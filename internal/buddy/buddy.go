// Package buddy implements the buddy allocator of spec.md §4.4: a
// page-granular allocator over NumOrders power-of-two block sizes,
// backed by a compact free bitmap (one bit per page, 1 = free base of
// its current order) plus a packed order table (one nibble per page)
// recording which order each currently-tracked page belongs to.
//
// The per-order freelist-of-offsets shape, and the math/bits-based
// order arithmetic used throughout, is the technique
// other_examples' cloudwego-gopkg unsafex/malloc buddy allocator uses;
// achilleasa/gopher-os's physical allocator (one bitmap per order) is
// the alternative this package deliberately does not take, in favor
// of the single compact bitmap + order table spec.md specifies.
package buddy

import (
	"fmt"
	"math/bits"

	"github.com/gopher-kernel/memcore/internal/align"
	"github.com/gopher-kernel/memcore/internal/bitmap"
	"github.com/gopher-kernel/memcore/internal/freelist"
	"github.com/gopher-kernel/memcore/internal/kerrors"
	"github.com/gopher-kernel/memcore/internal/kmem"
	"github.com/gopher-kernel/memcore/internal/memspace"
)

// NumOrders is the number of power-of-two size classes: order 0 is one
// page (PageSize bytes), order NumOrders-1 is PageSize<<(NumOrders-1).
const NumOrders = 11

// PageSize is the base block size managed by this allocator.
const PageSize = 4096

// MetadataAllocator is the shape required to bootstrap a Buddy's
// bitmap and order table (spec.md's "allocated once, at boot"). A
// *bump.Allocator satisfies this directly.
type MetadataAllocator interface {
	Alloc(size, alignment uint64) (uint64, bool)
}

// Buddy is a page-granular buddy allocator over [start, end).
type Buddy struct {
	space *memspace.Space

	start, end uint64
	numPages   uint64

	bm         *bitmap.Bitmap
	pageOrders []byte // one nibble per page: order currently assigned

	freelists [NumOrders]*freelist.List

	// Debug gates kmem.Tracef calls around add_region and
	// split_allocation, the teacher's before/after-listener style
	// applied to this allocator's two bulk-mutation entry points.
	Debug bool
}

// SetDebug toggles kmem.Tracef tracing of add_region/split_allocation.
func (b *Buddy) SetDebug(enabled bool) { b.Debug = enabled }

// metadataLayout returns the bitmap-words byte count and the packed
// order-table byte count a Buddy over nPages pages needs, in that
// order (the layout Init lays them out in within metaSpace: bitmap
// first, order table immediately after).
func metadataLayout(nPages uint64) (bitmapBytes, orderBytes uint64) {
	return bitmap.RequiredBytes(nPages), (nPages + 1) / 2
}

// RequiredMemory computes the bytes of metadata (bitmap words + packed
// order table) a Buddy over [start, end) needs. This metadata is
// reserved out of a separate metaSpace rather than carved out of
// [start, end) itself (the freelist nodes live in the managed range;
// the bitmap and order table do not), so it is sized directly off the
// full page count with no reduction round.
func RequiredMemory(start, end uint64) uint64 {
	if end <= start || (end-start)%PageSize != 0 {
		kerrors.Panic("buddy.RequiredMemory", start, end-start, "range must be a nonempty, page-aligned span")
	}
	nPages := (end - start) / PageSize
	bitmapBytes, orderBytes := metadataLayout(nPages)
	return align.Up(bitmapBytes+orderBytes, PageSize)
}

// Init rounds [start, end) down to whole pages, reserves its metadata
// out of metaSpace via metaAlloc, and returns an empty Buddy (no free
// pages yet — call AddRegion to make pages available). space must back
// the full resulting [start, end) span; free pages overlay freelist
// link nodes onto it, the same way real buddy allocators thread free
// lists through the free pages themselves. metaSpace must back the
// range metaAlloc hands out: the bitmap's words and the packed order
// table are placed directly in that reservation rather than on the Go
// heap, so the A-depends-on-D bootstrap (spec.md §2) actually ties the
// two allocators' memory together instead of metaAlloc just gating
// capacity.
func Init(space *memspace.Space, start, end uint64, metaSpace *memspace.Space, metaAlloc MetadataAllocator) (*Buddy, error) {
	start = align.Up(start, PageSize)
	end = align.Down(end, PageSize)
	if end <= start {
		return nil, &kerrors.ValidationError{Op: "buddy.Init", Message: "range contains no whole page after alignment"}
	}

	nPages := (end - start) / PageSize
	bitmapBytes, orderBytes := metadataLayout(nPages)
	metaBytes := align.Up(bitmapBytes+orderBytes, PageSize)

	metaAddr, ok := metaAlloc.Alloc(metaBytes, PageSize)
	if !ok {
		return nil, &kerrors.ValidationError{Op: "buddy.Init", Message: "backing allocator could not satisfy the metadata reservation"}
	}
	if !metaSpace.Contains(metaAddr, bitmapBytes+orderBytes) {
		return nil, &kerrors.ValidationError{Op: "buddy.Init", Message: "metadata space does not back the bump-allocated metadata range"}
	}

	b := &Buddy{
		space:      space,
		start:      start,
		end:        end,
		numPages:   nPages,
		bm:         bitmap.NewOverBuffer(start, PageSize, nPages, metaSpace.Bytes(metaAddr, bitmapBytes), bitmap.Options{}),
		pageOrders: metaSpace.Bytes(metaAddr+bitmapBytes, orderBytes),
	}
	for k := range b.freelists {
		b.freelists[k] = freelist.New(space, freelist.Options{BackLink: true})
	}
	return b, nil
}

// Start returns the first managed address.
func (b *Buddy) Start() uint64 { return b.start }

// End returns the address one past the last managed byte.
func (b *Buddy) End() uint64 { return b.end }

func (b *Buddy) pageIndex(addr uint64) uint64 { return (addr - b.start) / PageSize }

func (b *Buddy) getOrder(addr uint64) int {
	idx := b.pageIndex(addr)
	by := b.pageOrders[idx/2]
	if idx%2 == 0 {
		return int(by & 0x0F)
	}
	return int(by >> 4)
}

func (b *Buddy) setOrder(addr uint64, order int) {
	idx := b.pageIndex(addr)
	i := idx / 2
	if idx%2 == 0 {
		b.pageOrders[i] = (b.pageOrders[i] & 0xF0) | byte(order&0x0F)
	} else {
		b.pageOrders[i] = (b.pageOrders[i] & 0x0F) | byte((order&0x0F)<<4)
	}
}

func (b *Buddy) buddyOf(addr uint64, order int) uint64 {
	blockBytes := uint64(PageSize) << uint(order)
	return b.start + ((addr - b.start) ^ blockBytes)
}

func (b *Buddy) pushFree(addr uint64, order int) {
	b.setOrder(addr, order)
	b.bm.SetBit(addr, true)
	b.freelists[order].Push(addr)
}

// AddRegion marks [regionStart, regionEnd) available for allocation.
// The region must lie within [start, end) and be page-aligned; it is
// greedily carved into the largest, correctly-aligned power-of-two
// blocks that fit, scanning from the highest order down, matching
// spec.md's S1 scenario (a region spanning more than one order yields
// one maximal block per descending order, not a run of order-0 pages).
func (b *Buddy) AddRegion(regionStart, regionEnd uint64) {
	kmem.Tracef(b.Debug, "add_region", "region=[0x%x,0x%x)", regionStart, regionEnd)
	if regionStart < b.start || regionEnd > b.end || regionEnd <= regionStart {
		kerrors.Panic("buddy.AddRegion", regionStart, regionEnd-regionStart, "region is not within the managed range")
	}
	if regionStart%PageSize != 0 || regionEnd%PageSize != 0 {
		kerrors.Panic("buddy.AddRegion", regionStart, regionEnd-regionStart, "region is not page-aligned")
	}

	cur := regionStart
	for cur < regionEnd {
		placed := false
		for order := NumOrders - 1; order >= 0; order-- {
			blockBytes := uint64(PageSize) << uint(order)
			if cur+blockBytes > regionEnd {
				continue
			}
			if (cur-b.start)%blockBytes != 0 {
				continue
			}
			b.pushFree(cur, order)
			cur += blockBytes
			placed = true
			break
		}
		if !placed {
			kerrors.Panic("buddy.AddRegion", cur, regionEnd-cur, "could not place even an order-0 block; region is not page-aligned")
		}
	}
}

func (b *Buddy) recursiveSplit(order int) (uint64, bool) {
	if addr, ok := b.freelists[order].Pop(); ok {
		return addr, true
	}
	if order == NumOrders-1 {
		return 0, false
	}
	parent, ok := b.recursiveSplit(order + 1)
	if !ok {
		return 0, false
	}
	buddyAddr := b.buddyOf(parent, order)
	b.pushFree(buddyAddr, order)
	b.setOrder(parent, order)
	return parent, true
}

// Alloc returns the base address of a free block of the requested
// length, which must be a nonzero power-of-two multiple of PageSize.
// It fails with *kerrors.OutOfMemoryError when no block of that order
// is available (including when the size exceeds the largest order),
// and with *kerrors.ValidationError when length is not a valid block
// size.
func (b *Buddy) Alloc(length uint64) (uint64, error) {
	if length == 0 || length%PageSize != 0 {
		return 0, &kerrors.ValidationError{Op: "buddy.Alloc", Message: "length must be a nonzero multiple of PageSize"}
	}
	pages := length / PageSize
	if !align.IsPowerOfTwo(pages) {
		return 0, &kerrors.ValidationError{Op: "buddy.Alloc", Message: "length must be a power-of-two number of pages"}
	}
	order := bits.TrailingZeros64(pages)
	if order >= NumOrders {
		return 0, &kerrors.OutOfMemoryError{Op: "buddy.Alloc", Size: length, Message: "requested size exceeds the largest managed order"}
	}

	addr, ok := b.recursiveSplit(order)
	if !ok {
		return 0, &kerrors.OutOfMemoryError{Op: "buddy.Alloc", Size: length, Message: "no free block of the requested order, and nothing larger to split"}
	}
	b.bm.SetBit(addr, false)
	return addr, nil
}

func (b *Buddy) finalizeFree(addr uint64, order int) {
	b.setOrder(addr, order)
	b.bm.SetBit(addr, true)
	b.freelists[order].Push(addr)
}

func (b *Buddy) recursiveMerge(addr uint64) {
	order := b.getOrder(addr)
	buddyAddr := b.buddyOf(addr, order)

	if buddyAddr < b.start || buddyAddr >= b.end {
		if order+1 < NumOrders {
			higherBytes := uint64(PageSize) << uint(order+1)
			higherBase := b.start + align.Down(addr-b.start, higherBytes)
			if higherBase == addr && higherBase+higherBytes <= b.end {
				b.setOrder(addr, order+1)
				b.recursiveMerge(addr)
				return
			}
		}
		b.finalizeFree(addr, order)
		return
	}

	if b.bm.IsFree(buddyAddr) && b.getOrder(buddyAddr) == order {
		b.freelists[order].PopSpecific(buddyAddr)
		lower := addr
		if buddyAddr < lower {
			lower = buddyAddr
		}
		b.bm.SetBit(addr, false)
		b.bm.SetBit(buddyAddr, false)
		b.setOrder(lower, order+1)
		b.recursiveMerge(lower)
		return
	}

	b.finalizeFree(addr, order)
}

// Free returns the block at addr (previously returned by Alloc) to
// the allocator, coalescing with its buddy — and recursively with
// ancestors — whenever the buddy is free at the same order. A block
// whose buddy would lie outside the managed range is never merged
// across the boundary: it is promoted only when the next order's
// aligned block starts at addr and fits inside the range, and
// otherwise stays at its current order, so a free at the edge of an
// irregularly sized range climbs as high as the range geometry allows
// and no higher (spec.md's S3 scenario).
func (b *Buddy) Free(addr uint64) {
	b.recursiveMerge(addr)
}

// SplitAllocation breaks a single currently-allocated block at addr
// into sub-blocks at targetOrder, covering the same byte range. It
// only rewrites order-table entries: the bitmap is untouched (the
// whole range stays marked allocated) and nothing is pushed to any
// freelist. This is the primitive PMM's per-core page cache uses to
// carve one buddy allocation into many cache-sized pages; each
// resulting page is recorded at targetOrder and still marked
// allocated, so it can later be returned on its own with Buddy.Free.
func (b *Buddy) SplitAllocation(addr uint64, targetOrder int) ([]uint64, error) {
	kmem.Tracef(b.Debug, "split_allocation", "addr=0x%x targetOrder=%d", addr, targetOrder)
	order := b.getOrder(addr)
	if targetOrder < 0 || targetOrder > order {
		return nil, &kerrors.ValidationError{Op: "buddy.SplitAllocation", Message: "targetOrder must be between 0 and the block's current order"}
	}

	var addrs []uint64
	var rec func(a uint64, o int)
	rec = func(a uint64, o int) {
		if o == targetOrder {
			b.setOrder(a, o)
			addrs = append(addrs, a)
			return
		}
		half := uint64(PageSize) << uint(o-1)
		b.setOrder(a, o-1)
		b.setOrder(a+half, o-1)
		rec(a, o-1)
		rec(a+half, o-1)
	}
	rec(addr, order)
	return addrs, nil
}

// Validate checks the allocator's internal coherence: every freelist
// entry is in range, page-aligned, marked free, recorded at the order
// its own list holds it under, and not duplicated across lists; every
// address in expectedAllocated is marked allocated at the given order;
// and no two free buddies at the same order have gone uncoalesced.
// It performs no mutation and can be called at any quiescent point.
func (b *Buddy) Validate(expectedAllocated map[uint64]int) error {
	seen := map[uint64]int{}
	for k := 0; k < NumOrders; k++ {
		var walkErr error
		b.freelists[k].Walk(func(addr uint64) bool {
			if addr < b.start || addr >= b.end {
				walkErr = fmt.Errorf("buddy: freelist[%d] base 0x%x out of range", k, addr)
				return false
			}
			if addr%PageSize != 0 {
				walkErr = fmt.Errorf("buddy: freelist[%d] base 0x%x not page-aligned", k, addr)
				return false
			}
			if !b.bm.IsFree(addr) {
				walkErr = fmt.Errorf("buddy: freelist[%d] base 0x%x bit is not marked free", k, addr)
				return false
			}
			if got := b.getOrder(addr); got != k {
				walkErr = fmt.Errorf("buddy: freelist[%d] base 0x%x is recorded at order %d", k, addr, got)
				return false
			}
			if prevOrder, dup := seen[addr]; dup {
				walkErr = fmt.Errorf("buddy: base 0x%x present in both order %d and order %d freelists", addr, prevOrder, k)
				return false
			}
			seen[addr] = k
			return true
		})
		if walkErr != nil {
			return walkErr
		}
	}

	for idx := uint64(0); idx < b.numPages; idx++ {
		addr := b.start + idx*PageSize
		if order, ok := expectedAllocated[addr]; ok {
			if b.bm.IsFree(addr) {
				return fmt.Errorf("buddy: expected-allocated page 0x%x is marked free", addr)
			}
			if got := b.getOrder(addr); got != order {
				return fmt.Errorf("buddy: expected-allocated page 0x%x has order %d, want %d", addr, got, order)
			}
			continue
		}
		if k, isFreeBase := seen[addr]; isFreeBase {
			buddyAddr := b.buddyOf(addr, k)
			if buddyAddr >= b.start && buddyAddr < b.end && b.bm.IsFree(buddyAddr) && b.getOrder(buddyAddr) == k {
				return fmt.Errorf("buddy: uncoalesced buddies at order %d: 0x%x and 0x%x", k, addr, buddyAddr)
			}
		}
	}
	return nil
}
