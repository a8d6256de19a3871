// Package heap implements the boundary-tag heap allocator of spec.md
// §4.7: a best-fit allocator over a reserved virtual range, using
// header/footer size-and-free tags for O(1) neighbor lookup during
// coalesce, and a red-black tree of size buckets (internal/rbtree,
// keyed by exact block size) for the free-block search.
//
// It generalizes internal/wasm/allocator.go's CustomAllocator —
// coalesce, insertIntoFreeList, AllocationBlock{Address,Size,Free} —
// from a single external doubly-linked block list into a real
// boundary-tag layout, moving the free-block index off a linear list
// and onto internal/rbtree.
//
// Every free block overlays an internal/freelist node (BackLink only)
// starting right after its header — the same freed-memory-as-node-
// storage trick Buddy uses for its own freelists. Coalescing a
// neighbor out of its bucket in O(1) does not need the freelist's
// owner-tag feature: the neighbor's own header already carries its
// exact size, and sizeIndex below maps that size straight to its tree
// node, which is the lookup the owner tag would otherwise have
// provided. This is a deliberate simplification over a literal
// pointer-carrying owner tag (which would need an unsafe.Pointer round
// trip with no clear Go-native lifetime story).
//
// The size-bucket tree's own Node[bucket] storage comes from an
// internal/slab.Pool seeded with a bootstrap array embedded in Heap
// itself, not a bare Go allocation: indexing a free block must never
// depend on the heap being far enough along to serve its own
// allocation, which is exactly the cyclic dependency the bootstrap
// array exists to break.
package heap

import (
	"fmt"

	"github.com/gopher-kernel/memcore/internal/align"
	"github.com/gopher-kernel/memcore/internal/freelist"
	"github.com/gopher-kernel/memcore/internal/kerrors"
	"github.com/gopher-kernel/memcore/internal/kmem"
	"github.com/gopher-kernel/memcore/internal/memspace"
	"github.com/gopher-kernel/memcore/internal/rbtree"
	"github.com/gopher-kernel/memcore/internal/slab"
)

// bucketNodeChunk is how many rbtree.Node[bucket] a size-index chunk
// holds once the bootstrap array is exhausted.
const bucketNodeChunk = 16

// bootstrapBucketNodes is how many size-bucket nodes a Heap can index
// before its own node pool needs to grow a chunk. Plenty of headroom
// for the handful of distinct block sizes a fresh heap sees early on.
const bootstrapBucketNodes = 8

const (
	// HeaderSize is the header's width: an encoded size|free word.
	HeaderSize = 8
	// FooterSize mirrors HeaderSize at the tail of every block.
	FooterSize = 8
	// BackOffsetSize is the width of the "distance back to the block
	// header" field stored immediately before every user pointer.
	BackOffsetSize = 8
	// BaseAlign is the alignment every block base address and size is
	// held to, regardless of what a caller requests.
	BaseAlign = 16
	// MinUserSize is the smallest payload a block can hold, set so a
	// free block always has room for its overlaid freelist node
	// (BackLink only: next + prev = 16 bytes, rounded up for headroom).
	MinUserSize = 24
	// MinBlockSize is the smallest legal total block size.
	MinBlockSize = 48 // align.Up(HeaderSize+MinUserSize+FooterSize, BaseAlign)

	freeFlag = uint64(1)
	sizeMask = ^uint64(0xF)
)

// Mapper ensures [addr, addr+n) is backed by real storage before the
// heap extends its committed range into it. A VMM-backed heap maps
// fresh pages here; a test harness can back it directly with the
// memspace.Space the heap already writes through.
type Mapper interface {
	EnsureMapped(addr uint64, n int) error
}

type bucket struct {
	size uint64
	list *freelist.List
}

func cmpBucket(a, b bucket) int {
	switch {
	case a.size < b.size:
		return -1
	case a.size > b.size:
		return 1
	default:
		return 0
	}
}

// Heap is a best-fit boundary-tag allocator over [reserveStart, reserveEnd).
type Heap struct {
	space  *memspace.Space
	mapper Mapper

	reserveStart, reserveEnd uint64
	commitEnd                uint64

	tree      *rbtree.Tree[bucket]
	sizeIndex map[uint64]*rbtree.Node[bucket]

	// nodePool backs tree's own Node[bucket] storage: the heap's
	// size-bucket index must never allocate its own nodes by calling
	// back into h.Alloc, so they come from a dedicated slab.Pool
	// instead, seeded by bootstrapNodes so indexing never depends on
	// any allocator — including this one — being usable yet.
	nodePool       *slab.Pool[rbtree.Node[bucket]]
	bootstrapNodes [bootstrapBucketNodes]rbtree.Node[bucket]

	// Debug gates kmem.Tracef tracing of heap commit events (the range
	// growing to back a fresh best-fit miss).
	Debug bool
}

// SetDebug toggles kmem.Tracef tracing of heap commit events.
func (h *Heap) SetDebug(enabled bool) { h.Debug = enabled }

// New creates an empty heap over the reserved, BaseAlign-aligned range
// [reserveStart, reserveEnd). space must back at least that range;
// nothing is committed (or written) until the first Alloc.
func New(space *memspace.Space, reserveStart, reserveEnd uint64, mapper Mapper) (*Heap, error) {
	if reserveEnd <= reserveStart || reserveStart%BaseAlign != 0 || (reserveEnd-reserveStart)%BaseAlign != 0 {
		return nil, &kerrors.ValidationError{Op: "heap.New", Message: "reserved range must be nonempty and BaseAlign-aligned"}
	}
	h := &Heap{
		space:        space,
		mapper:       mapper,
		reserveStart: reserveStart,
		reserveEnd:   reserveEnd,
		commitEnd:    reserveStart,
		sizeIndex:    map[uint64]*rbtree.Node[bucket]{},
	}
	h.nodePool = slab.New(slab.Options[rbtree.Node[bucket]]{
		PerChunk:  bucketNodeChunk,
		Bootstrap: h.bootstrapNodes[:],
	})
	h.tree = rbtree.NewWithNodeSource(cmpBucket, rbtree.RejectDuplicate, h.nodePool.Alloc, h.nodePool.Free)
	return h, nil
}

func encode(size uint64, free bool) uint64 {
	if free {
		return size | freeFlag
	}
	return size
}
func decodeSize(v uint64) uint64 { return v & sizeMask }
func decodeFree(v uint64) bool   { return v&freeFlag != 0 }

func (h *Heap) readHeader(blockAddr uint64) (size uint64, free bool) {
	v := h.space.ReadU64(blockAddr)
	return decodeSize(v), decodeFree(v)
}

func (h *Heap) footerAddr(blockAddr, size uint64) uint64 { return blockAddr + size - FooterSize }

func (h *Heap) readFooterAt(footerAddr uint64) (size uint64, free bool) {
	v := h.space.ReadU64(footerAddr)
	return decodeSize(v), decodeFree(v)
}

func (h *Heap) writeBlock(blockAddr, size uint64, free bool) {
	v := encode(size, free)
	h.space.WriteU64(blockAddr, v)
	h.space.WriteU64(h.footerAddr(blockAddr, size), v)
}

func (h *Heap) pushFreeBlock(blockAddr, size uint64) {
	h.writeBlock(blockAddr, size, true)

	node, ok := h.sizeIndex[size]
	if !ok {
		found, parent, dir := h.tree.SearchInsertPosition(bucket{size: size})
		if found != nil {
			node = found
		} else {
			node = h.tree.InsertAt(parent, dir, bucket{size: size, list: freelist.New(h.space, freelist.Options{BackLink: true})})
		}
		h.sizeIndex[size] = node
	}
	node.Value.list.Push(blockAddr + HeaderSize)
}

func (h *Heap) popAnyFromBucket(node *rbtree.Node[bucket]) (blockAddr uint64, ok bool) {
	addr, ok := node.Value.list.Pop()
	if !ok {
		return 0, false
	}
	if node.Value.list.Empty() {
		delete(h.sizeIndex, node.Value.size)
		h.tree.RemoveNode(node)
	}
	return addr - HeaderSize, true
}

func (h *Heap) removeSpecificFromBucket(size, blockAddr uint64) {
	node, ok := h.sizeIndex[size]
	if !ok {
		kerrors.Panic("heap.removeSpecificFromBucket", blockAddr, size, "free neighbor's size has no bucket")
	}
	node.Value.list.PopSpecific(blockAddr + HeaderSize)
	if node.Value.list.Empty() {
		delete(h.sizeIndex, size)
		h.tree.RemoveNode(node)
	}
}

func (h *Heap) commitBlock(size uint64) (uint64, error) {
	if h.commitEnd+size > h.reserveEnd {
		return 0, &kerrors.OutOfMemoryError{Op: "heap.Alloc", Size: size, Message: "reserved virtual range is exhausted"}
	}
	addr := h.commitEnd
	if err := h.mapper.EnsureMapped(addr, int(size)); err != nil {
		return 0, &kerrors.ValidationError{Op: "heap.Alloc", Message: fmt.Sprintf("failed to map new heap pages: %v", err)}
	}
	h.commitEnd += size
	kmem.Tracef(h.Debug, "commit", "addr=0x%x size=%d commitEnd=0x%x", addr, size, h.commitEnd)
	return addr, nil
}

// Alloc returns a user pointer to at least size bytes, aligned to
// alignment (a power of two; 0 means the heap's own BaseAlign). It
// best-fits from the size-bucket tree first, falling back to
// committing fresh pages from the reserved range, and is returned as
// *kerrors.OutOfMemoryError (not fatal) when the range is exhausted.
func (h *Heap) Alloc(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, &kerrors.ValidationError{Op: "heap.Alloc", Message: "size must be nonzero"}
	}
	if alignment == 0 {
		alignment = BaseAlign
	}
	if !align.IsPowerOfTwo(alignment) {
		return 0, &kerrors.ValidationError{Op: "heap.Alloc", Message: "alignment must be a power of two"}
	}

	extra := uint64(0)
	if alignment > BaseAlign {
		extra = alignment - BaseAlign
	}
	needed := align.Up(HeaderSize+BackOffsetSize+extra+size+FooterSize, BaseAlign)
	if needed < MinBlockSize {
		needed = MinBlockSize
	}

	var blockAddr, blockSize uint64
	if node := h.tree.LowerBound(bucket{size: needed}); node != nil {
		blockSize = node.Value.size
		addr, ok := h.popAnyFromBucket(node)
		if !ok {
			return 0, &kerrors.ValidationError{Op: "heap.Alloc", Message: "size bucket was unexpectedly empty"}
		}
		blockAddr = addr
	} else {
		addr, err := h.commitBlock(needed)
		if err != nil {
			return 0, err
		}
		blockAddr, blockSize = addr, needed
	}

	if rem := blockSize - needed; rem >= MinBlockSize {
		h.pushFreeBlock(blockAddr+needed, rem)
		blockSize = needed
	}
	h.writeBlock(blockAddr, blockSize, false)

	userAddr := align.Up(blockAddr+HeaderSize+BackOffsetSize, alignment)
	h.space.WriteU64(userAddr-BackOffsetSize, userAddr-blockAddr)
	return userAddr, nil
}

// Free returns a block previously returned by Alloc, coalescing with
// either neighbor that is currently free. Freeing an address this
// heap did not hand out, or double-freeing, is a contract violation.
func (h *Heap) Free(userAddr uint64) {
	backOff := h.space.ReadU64(userAddr - BackOffsetSize)
	blockAddr := userAddr - backOff
	size, free := h.readHeader(blockAddr)
	if free {
		kerrors.Panic("heap.Free", userAddr, 0, "double free")
	}

	if rightAddr := blockAddr + size; rightAddr < h.commitEnd {
		rsize, rfree := h.readHeader(rightAddr)
		if rfree {
			h.removeSpecificFromBucket(rsize, rightAddr)
			size += rsize
		}
	}
	if blockAddr > h.reserveStart {
		lsize, lfree := h.readFooterAt(blockAddr - FooterSize)
		if lfree {
			leftAddr := blockAddr - lsize
			h.removeSpecificFromBucket(lsize, leftAddr)
			blockAddr = leftAddr
			size += lsize
		}
	}
	h.pushFreeBlock(blockAddr, size)
}

// Validate walks every committed block checking header/footer
// agreement, that no two adjacent free blocks went uncoalesced, and
// that the size-bucket tree and index agree with each other. It
// performs no mutation.
func (h *Heap) Validate() error {
	addr := h.reserveStart
	prevFree := false
	for addr < h.commitEnd {
		size, free := h.readHeader(addr)
		if size < MinBlockSize {
			return fmt.Errorf("heap: block at 0x%x has size %d below MinBlockSize", addr, size)
		}
		fsize, ffree := h.readFooterAt(h.footerAddr(addr, size))
		if fsize != size || ffree != free {
			return fmt.Errorf("heap: header/footer mismatch at 0x%x", addr)
		}
		if free && prevFree {
			return fmt.Errorf("heap: adjacent free blocks were not coalesced at 0x%x", addr)
		}
		prevFree = free
		addr += size
	}
	if addr != h.commitEnd {
		return fmt.Errorf("heap: block walk overran the committed range")
	}

	seen := map[uint64]bool{}
	var terr error
	h.tree.InOrder(func(b bucket) bool {
		if seen[b.size] {
			terr = fmt.Errorf("heap: duplicate bucket size %d in tree", b.size)
			return false
		}
		seen[b.size] = true
		if b.list.Empty() {
			terr = fmt.Errorf("heap: bucket size %d is empty but still in the tree", b.size)
			return false
		}
		if h.sizeIndex[b.size] == nil {
			terr = fmt.Errorf("heap: bucket size %d missing from sizeIndex", b.size)
			return false
		}
		return true
	})
	if terr != nil {
		return terr
	}
	if len(seen) != len(h.sizeIndex) {
		return fmt.Errorf("heap: sizeIndex has entries not present in the tree")
	}
	return nil
}

// CommitEnd returns the current end of the committed range, for tests
// and introspection.
func (h *Heap) CommitEnd() uint64 { return h.commitEnd }
