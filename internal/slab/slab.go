// Package slab implements the fixed-size object pool of spec.md §4.6:
// a freelist of *T drawn from chunks of backing storage, grown one
// chunk at a time as the pool is exhausted.
//
// It generalizes internal/wasm/allocator.go's AllocationPool (a pool
// of fixed-size blocks backed by a stack of free addresses) to a
// single concrete Go type T, and adds spec.md's bootstrap array: a
// caller-supplied, pre-reserved []T served before any chunk is grown,
// which exists to break the cyclic dependency between the heap
// allocator and the slab of tree nodes it allocates its own free-block
// index out of (spec.md §9, "cyclic allocator dependency"). The first
// len(Options.Bootstrap) objects the heap's rbtree needs come from that
// static array; only once it is exhausted does growing a chunk need to
// go through a real backing allocator.
package slab

import "github.com/gopher-kernel/memcore/internal/kerrors"

type chunk[T any] struct {
	objs []T
	next *chunk[T]
}

// Options configures a Pool at construction.
type Options[T any] struct {
	// PerChunk is how many objects each grown chunk holds. Required.
	PerChunk int
	// Bootstrap, if non-nil, is served before any chunk is grown —
	// typically backed by a fixed-size array embedded in the owning
	// struct rather than heap-allocated, so the very first allocations
	// from this pool cannot recurse into whatever allocator would
	// otherwise back chunk growth.
	Bootstrap []T
	// NewChunk allocates the backing storage for one chunk of n
	// objects. Defaults to make([]T, n) — a caller wiring the slab
	// pool's chunk growth through Buddy/PMM pages instead supplies its
	// own.
	NewChunk func(n int) []T
}

// Pool is a fixed-size-object allocator for one concrete type T.
type Pool[T any] struct {
	perChunk int
	newChunk func(n int) []T

	bootstrap    []T
	bootstrapIdx int

	head        *chunk[T]
	free        []*T
	outstanding int
}

// New creates an empty pool per opts.
func New[T any](opts Options[T]) *Pool[T] {
	if opts.PerChunk <= 0 {
		kerrors.Panic("slab.New", 0, 0, "PerChunk must be positive")
	}
	newChunk := opts.NewChunk
	if newChunk == nil {
		newChunk = func(n int) []T { return make([]T, n) }
	}
	return &Pool[T]{
		perChunk:  opts.PerChunk,
		newChunk:  newChunk,
		bootstrap: opts.Bootstrap,
	}
}

func (p *Pool[T]) growChunk() {
	objs := p.newChunk(p.perChunk)
	if len(objs) == 0 {
		return
	}
	c := &chunk[T]{objs: objs, next: p.head}
	p.head = c
	for i := range objs {
		p.free = append(p.free, &objs[i])
	}
}

// Alloc returns a pointer to a zero-valued T, or nil if growing a
// chunk produced no storage (the backing allocator is exhausted).
func (p *Pool[T]) Alloc() *T {
	if p.bootstrapIdx < len(p.bootstrap) {
		obj := &p.bootstrap[p.bootstrapIdx]
		p.bootstrapIdx++
		p.outstanding++
		return obj
	}
	if len(p.free) == 0 {
		p.growChunk()
	}
	if len(p.free) == 0 {
		return nil
	}
	n := len(p.free) - 1
	obj := p.free[n]
	p.free = p.free[:n]
	p.outstanding++
	return obj
}

// Free returns obj to the pool. Calling it more times than Alloc has
// succeeded is a contract violation.
func (p *Pool[T]) Free(obj *T) {
	if p.outstanding == 0 {
		kerrors.Panic("slab.Free", 0, 0, "free called with no outstanding allocations (double free?)")
	}
	var zero T
	*obj = zero
	p.free = append(p.free, obj)
	p.outstanding--
}

// Outstanding returns the number of objects currently allocated.
func (p *Pool[T]) Outstanding() int { return p.outstanding }

// Chunks returns the number of chunks grown so far, not counting the
// bootstrap array.
func (p *Pool[T]) Chunks() int {
	n := 0
	for c := p.head; c != nil; c = c.next {
		n++
	}
	return n
}

// Deinit asserts every allocated object has been freed first. Calling
// it with outstanding allocations is a contract violation, matching
// the teacher's AllocatorManager shutdown discipline.
func (p *Pool[T]) Deinit() {
	if p.outstanding != 0 {
		kerrors.Panic("slab.Deinit", 0, uint64(p.outstanding), "pool deinitialized with %d outstanding allocations", p.outstanding)
	}
}
