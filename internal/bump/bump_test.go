package bump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocMonotonic(t *testing.T) {
	a := New(0x1000, 0x2000)

	a1, ok := a.Alloc(16, 8)
	require.True(t, ok)

	a2, ok := a.Alloc(16, 8)
	require.True(t, ok)

	assert.Greater(t, a2, a1, "successive allocations must strictly increase")
}

func TestAllocAlignment(t *testing.T) {
	a := New(0x1001, 0x2000)

	addr, ok := a.Alloc(8, 16)
	require.True(t, ok)
	assert.Equal(t, uint64(0), addr%16)
}

func TestAllocOutOfSpace(t *testing.T) {
	a := New(0, 32)

	_, ok := a.Alloc(16, 1)
	require.True(t, ok)

	_, ok = a.Alloc(32, 1)
	assert.False(t, ok, "request exceeding remaining space must fail")
}

func TestAllocExactFit(t *testing.T) {
	a := New(0, 16)

	addr, ok := a.Alloc(16, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(0), addr)
	assert.Equal(t, uint64(0), a.Remaining())
}

func TestFreeIsFatal(t *testing.T) {
	a := New(0, 16)
	assert.Panics(t, func() { a.Free(0) })
}

func TestResizeAndRemapAreFatal(t *testing.T) {
	a := New(0, 16)
	assert.Panics(t, func() { a.Resize(0, 8) })
	assert.Panics(t, func() { a.Remap(0, 8) })
}

func TestNewRejectsEmptyRange(t *testing.T) {
	assert.Panics(t, func() { New(10, 10) })
	assert.Panics(t, func() { New(10, 5) })
}
