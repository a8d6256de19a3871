// Package freelist implements the intrusive freelist of spec.md §4.3:
// a LIFO list of addresses whose link node is overlaid onto the first
// bytes of each freed object, the way _examples/cznic-memory's
// node{prev, next *node} overlays a link node onto freed arena slots.
//
// Because this module models "memory" as addresses into a
// memspace.Space rather than native Go pointers (spec.md's "pointer
// type T" — see spec.md §9, "aliasing raw memory as freelist nodes"),
// the list operates on uint64 addresses. Buddy overlays nodes onto free
// pages; Heap overlays nodes onto free boundary-tag blocks. Three
// orthogonal options are selected at construction, not via separate
// monomorphized types (see DESIGN.md's note on generics vs. runtime
// flags): with-back-link (O(1) PopSpecific), with-owner-tag (carries an
// opaque uint64 identifying the owning bucket, letting a caller like
// Heap skip a size-index lookup during coalesce), and a debug canary
// that catches write-after-free.
package freelist

import (
	"github.com/gopher-kernel/memcore/internal/kerrors"
	"github.com/gopher-kernel/memcore/internal/memspace"
)

// NullAddr marks the absence of a link; no real allocation may use it.
const NullAddr = ^uint64(0)

const canaryMagic = 0xF23EE1157C0DE000

// Options selects the freelist's optional features.
type Options struct {
	// BackLink stores a prev link in each node, enabling PopSpecific.
	BackLink bool
	// OwnerTag stores an opaque uint64 per node, settable with
	// SetOwner and readable with Owner, independent of list mechanics.
	OwnerTag bool
	// Canary writes a magic value into each pushed node and asserts it
	// on every removal, catching write-after-free corruption.
	Canary bool
}

// HeaderSize returns the number of bytes of node header this
// configuration occupies at the front of every pushed object.
// Callers must only Push addresses backed by at least this much
// storage.
func (o Options) HeaderSize() uint64 {
	n := uint64(8) // next
	if o.BackLink {
		n += 8
	}
	if o.OwnerTag {
		n += 8
	}
	if o.Canary {
		n += 8
	}
	return n
}

// List is a LIFO intrusive freelist over addresses in a memspace.Space.
type List struct {
	space *memspace.Space
	opts  Options
	head  uint64
}

// New creates an empty list backed by space, with the given options.
func New(space *memspace.Space, opts Options) *List {
	return &List{space: space, opts: opts, head: NullAddr}
}

func (l *List) offNext() uint64 { return 0 }

func (l *List) offPrev() uint64 {
	if !l.opts.BackLink {
		kerrors.Panic("freelist.offPrev", 0, 0, "list was not constructed with a back link")
	}
	return 8
}

func (l *List) offOwner() uint64 {
	if !l.opts.OwnerTag {
		kerrors.Panic("freelist.offOwner", 0, 0, "list was not constructed with an owner tag")
	}
	off := uint64(8)
	if l.opts.BackLink {
		off += 8
	}
	return off
}

func (l *List) offCanary() uint64 {
	off := uint64(8)
	if l.opts.BackLink {
		off += 8
	}
	if l.opts.OwnerTag {
		off += 8
	}
	return off
}

func (l *List) checkCanary(op string, addr uint64) {
	if !l.opts.Canary {
		return
	}
	if got := l.space.ReadU64(addr + l.offCanary()); got != canaryMagic {
		kerrors.Panic(op, addr, 0, "freelist node canary mismatch (write-after-free or corruption): got 0x%x", got)
	}
}

// Push zeroes the node region, links addr in at the head, and (if
// enabled) stamps the canary. It does not preserve any owner tag
// previously set at addr — callers that use OwnerTag call SetOwner
// again after Push.
func (l *List) Push(addr uint64) {
	l.space.Memset(addr, 0, l.opts.HeaderSize())
	l.space.WriteU64(addr+l.offNext(), l.head)

	if l.opts.BackLink {
		l.space.WriteU64(addr+l.offPrev(), NullAddr)
		if l.head != NullAddr {
			l.space.WriteU64(l.head+l.offPrev(), addr)
		}
	}
	if l.opts.Canary {
		l.space.WriteU64(addr+l.offCanary(), canaryMagic)
	}
	l.head = addr
}

// Pop removes and returns the head of the list, LIFO order.
func (l *List) Pop() (uint64, bool) {
	if l.head == NullAddr {
		return 0, false
	}
	addr := l.head
	l.checkCanary("freelist.Pop", addr)

	next := l.space.ReadU64(addr + l.offNext())
	l.head = next
	if l.opts.BackLink && next != NullAddr {
		l.space.WriteU64(next+l.offPrev(), NullAddr)
	}
	return addr, true
}

// PopSpecific removes addr from the list in O(1), given that addr is
// known to currently be a member of this list. Requires BackLink.
func (l *List) PopSpecific(addr uint64) {
	_ = l.offPrev() // panics if BackLink is not enabled
	l.checkCanary("freelist.PopSpecific", addr)

	prev := l.space.ReadU64(addr + l.offPrev())
	next := l.space.ReadU64(addr + l.offNext())

	if prev == NullAddr {
		l.head = next
	} else {
		l.space.WriteU64(prev+l.offNext(), next)
	}
	if next != NullAddr {
		l.space.WriteU64(next+l.offPrev(), prev)
	}
}

// Walk calls fn with every address currently in the list, head first,
// without mutating anything. fn returning false stops the walk early.
// Intended for validators, not the allocation hot path.
func (l *List) Walk(fn func(addr uint64) bool) {
	for cur := l.head; cur != NullAddr; cur = l.space.ReadU64(cur + l.offNext()) {
		if !fn(cur) {
			return
		}
	}
}

// Empty reports whether the list currently holds no nodes.
func (l *List) Empty() bool { return l.head == NullAddr }

// Head returns the current head address, or NullAddr if empty.
func (l *List) Head() uint64 { return l.head }

// SetOwner stamps addr's owner tag. Requires OwnerTag.
func (l *List) SetOwner(addr uint64, owner uint64) {
	l.space.WriteU64(addr+l.offOwner(), owner)
}

// Owner reads addr's owner tag. Requires OwnerTag.
func (l *List) Owner(addr uint64) uint64 {
	return l.space.ReadU64(addr + l.offOwner())
}
