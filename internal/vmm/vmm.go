// Package vmm implements the virtual memory manager of spec.md §4.9:
// an append-only table of address-space reservations over a single
// managed window [base, limit). It never tracks individual pages or
// mappings — that is the Mapper's job wherever internal/heap commits
// into a reservation — only which spans of the address space have
// been handed out at all.
//
// Guarded by a plain sync.Mutex standing in for the interrupt-safe
// spinlock a freestanding kernel would use here: no blocking operation
// ever happens while held, so a mutex has the same observable
// semantics.
package vmm

import (
	"fmt"
	"sync"

	"github.com/gopher-kernel/memcore/internal/align"
)

// InvalidSizeError is returned when Reserve's size or alignment
// arguments are not usable (zero size, non-power-of-two alignment).
type InvalidSizeError struct {
	Size      uint64
	Alignment uint64
}

func (e *InvalidSizeError) Error() string {
	return fmt.Sprintf("vmm: invalid reservation request (size=%d alignment=%d)", e.Size, e.Alignment)
}

// OutOfAddressSpaceError is returned when the managed window has no
// room left for a reservation of the requested size.
type OutOfAddressSpaceError struct {
	Requested uint64
	Available uint64
}

func (e *OutOfAddressSpaceError) Error() string {
	return fmt.Sprintf("vmm: out of address space (requested=%d available=%d)", e.Requested, e.Available)
}

// TooManyReservationsError is returned when the reservation table is
// already at its configured capacity.
type TooManyReservationsError struct {
	Max int
}

func (e *TooManyReservationsError) Error() string {
	return fmt.Sprintf("vmm: reservation table is at capacity (%d)", e.Max)
}

type reservation struct {
	vaddr uint64
	size  uint64
}

// Manager owns one contiguous virtual address window and hands out
// non-overlapping reservations from it, bump-style, in address order.
// Reservations are never released individually: spec.md's model is a
// kernel address space that only grows.
type Manager struct {
	mu sync.Mutex

	base, limit, cursor uint64
	maxReservations     int
	reservations        []reservation
}

// NewManager creates a manager over [base, limit), accepting at most
// maxReservations reservations over its lifetime.
func NewManager(base, limit uint64, maxReservations int) (*Manager, error) {
	if limit <= base {
		return nil, &InvalidSizeError{Size: limit - base}
	}
	if maxReservations <= 0 {
		return nil, &InvalidSizeError{}
	}
	return &Manager{
		base:            base,
		limit:           limit,
		cursor:          base,
		maxReservations: maxReservations,
	}, nil
}

// Reserve carves out size bytes aligned to alignment (0 means no
// extra alignment beyond natural placement) and returns its base
// address.
func (m *Manager) Reserve(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, &InvalidSizeError{Size: size, Alignment: alignment}
	}
	if alignment == 0 {
		alignment = 1
	}
	if !align.IsPowerOfTwo(alignment) {
		return 0, &InvalidSizeError{Size: size, Alignment: alignment}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reservations) >= m.maxReservations {
		return 0, &TooManyReservationsError{Max: m.maxReservations}
	}

	start := align.Up(m.cursor, alignment)
	if start < m.cursor || start > m.limit || size > m.limit-start {
		avail := uint64(0)
		if m.limit > m.cursor {
			avail = m.limit - m.cursor
		}
		return 0, &OutOfAddressSpaceError{Requested: size, Available: avail}
	}

	m.cursor = start + size
	m.reservations = append(m.reservations, reservation{vaddr: start, size: size})
	return start, nil
}

// IsValid reports whether vaddr falls within some reservation this
// manager has handed out.
func (m *Manager) IsValid(vaddr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reservations {
		if vaddr >= r.vaddr && vaddr < r.vaddr+r.size {
			return true
		}
	}
	return false
}

// NumReservations returns how many reservations have been made.
func (m *Manager) NumReservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}

// Remaining returns the number of unreserved bytes left in the window.
func (m *Manager) Remaining() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit <= m.cursor {
		return 0
	}
	return m.limit - m.cursor
}
