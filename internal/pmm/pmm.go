// Package pmm implements the physical memory manager facade of
// spec.md §4.8: a thin wrapper over internal/buddy that adds a
// per-core single-page cache, so the common case (one core repeatedly
// allocating and freeing single pages) never takes the shared buddy
// lock.
//
// It generalizes internal/wasm/allocator.go's AllocatorManager — a
// named-allocator registry with global atomic stats — into a
// fixed-per-core-cache facade in front of one shared Buddy instance.
// A cache miss refills 2^RefillOrder pages at once via Buddy.Alloc +
// Buddy.SplitAllocation (the split leaves the bitmap untouched; every
// cached page is still, from Buddy's point of view, an independent
// order-0 allocation, so handing one back with Buddy.Free later is
// exactly as safe as freeing any other single-page allocation), which
// amortizes the shared lock's cost across many single-page requests
// instead of taking it on every one.
package pmm

import (
	"sync"

	"github.com/gopher-kernel/memcore/internal/buddy"
	"github.com/gopher-kernel/memcore/internal/kerrors"
)

// RefillOrder is the buddy order drained into a core's cache on a
// miss: 2^RefillOrder pages at once.
const RefillOrder = 2

// Manager is a PMM facade over a shared Buddy instance.
type Manager struct {
	mu    sync.Mutex
	buddy *buddy.Buddy

	cacheMax int
	caches   [][]uint64
}

// NewManager creates a facade over b with numCores independent
// per-core caches, each holding at most cacheMax pages.
func NewManager(b *buddy.Buddy, numCores, cacheMax int) *Manager {
	if numCores <= 0 || cacheMax <= 0 {
		kerrors.Panic("pmm.NewManager", 0, 0, "numCores and cacheMax must both be positive")
	}
	return &Manager{
		buddy:    b,
		cacheMax: cacheMax,
		caches:   make([][]uint64, numCores),
	}
}

func (m *Manager) refill(core int) error {
	m.mu.Lock()
	addr, err := m.buddy.Alloc(buddy.PageSize << RefillOrder)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	pages, serr := m.buddy.SplitAllocation(addr, 0)
	m.mu.Unlock()
	if serr != nil {
		return serr
	}
	m.caches[core] = append(m.caches[core], pages...)
	return nil
}

// AllocPage returns one free page, preferring core's own cache over
// the shared buddy lock. core must be in [0, numCores).
func (m *Manager) AllocPage(core int) (uint64, error) {
	c := m.caches[core]
	if len(c) == 0 {
		if err := m.refill(core); err != nil {
			return 0, err
		}
		c = m.caches[core]
	}
	n := len(c) - 1
	addr := c[n]
	m.caches[core] = c[:n]
	return addr, nil
}

// FreePage returns addr (previously returned by AllocPage, on any
// core) to core's cache. If the cache is already at capacity, it first
// drains half the cache back to the shared buddy allocator in one
// locked section, then pushes addr onto the now half-empty cache,
// so a page freed while the cache is full is still cached rather than
// sent straight back to the buddy.
func (m *Manager) FreePage(core int, addr uint64) {
	c := m.caches[core]
	if len(c) >= m.cacheMax {
		half := len(c) / 2
		if half == 0 {
			half = len(c)
		}
		drain := c[:half]
		m.mu.Lock()
		for _, a := range drain {
			m.buddy.Free(a)
		}
		m.mu.Unlock()
		c = c[half:]
	}
	m.caches[core] = append(c, addr)
}

// CachedPages reports how many pages core's cache currently holds,
// for tests and introspection.
func (m *Manager) CachedPages(core int) int { return len(m.caches[core]) }

// Buddy exposes the shared allocator, for validation and for wiring
// additional regions into it at boot.
func (m *Manager) Buddy() *buddy.Buddy { return m.buddy }
