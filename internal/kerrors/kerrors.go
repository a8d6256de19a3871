// Package kerrors defines the small family of typed errors the core
// allocator stack returns. Contract violations (misaligned address, a
// free of something this allocator never handed out, a resize/remap
// call) are never returned as values here — they panic, matching the
// allocator shape's fatal semantics (spec §7).
package kerrors

import "fmt"

// OutOfMemoryError is returned when an allocator's own backing range is
// exhausted. It is never fatal: callers may retry, fall back, or
// propagate it.
type OutOfMemoryError struct {
	Op      string
	Size    uint64
	Align   uint64
	Message string
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("memcore: out of memory [%s]: %s (size=%d align=%d)", e.Op, e.Message, e.Size, e.Align)
}

// ValidationError is returned when a caller-supplied configuration or
// argument is unusable in a way that is not, by itself, a contract
// violation (e.g. metadata OOM or a range with no whole page at Init,
// a zero or non-power-of-two length passed to Alloc). The VMM's own
// reservation failures and the Validate methods' coherence failures
// use their own error values, not this type.
type ValidationError struct {
	Op      string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("memcore: validation failed [%s]: %s", e.Op, e.Message)
}

// ContractError describes a fatal contract violation: a misaligned
// address, a free of an address this allocator did not allocate, or an
// unsupported resize/remap call. Code in this module never returns a
// ContractError as a value — instead it panics with one, via Panic.
// The type exists so the panic payload carries structured context that
// a recover()-based supervisor (outside this module's scope) can log.
type ContractError struct {
	Op      string
	Addr    uint64
	Size    uint64
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("memcore: contract violation [%s]: %s (addr=0x%x size=%d)", e.Op, e.Message, e.Addr, e.Size)
}

// Panic raises a ContractError. Every fatal path in this module goes
// through here so the panic payload is always a *ContractError rather
// than a bare string.
func Panic(op string, addr, size uint64, format string, args ...interface{}) {
	panic(&ContractError{Op: op, Addr: addr, Size: size, Message: fmt.Sprintf(format, args...)})
}
