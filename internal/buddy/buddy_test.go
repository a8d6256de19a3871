package buddy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopher-kernel/memcore/internal/bump"
	"github.com/gopher-kernel/memcore/internal/kerrors"
	"github.com/gopher-kernel/memcore/internal/memspace"
)

func newBuddy(t *testing.T, pages uint64) (*Buddy, uint64) {
	t.Helper()
	metaSpace := memspace.New(0, 1<<20)
	meta := bump.New(0, 1<<20)
	start := uint64(0x10_0000)
	end := start + pages*PageSize
	sp := memspace.New(start, pages*PageSize)
	b, err := Init(sp, start, end, metaSpace, meta)
	require.NoError(t, err)
	return b, start
}

func TestRequiredMemoryIsNonzeroPageMultiple(t *testing.T) {
	n := RequiredMemory(0, 4096*4096)
	assert.Greater(t, n, uint64(0))
	assert.Equal(t, uint64(0), n%PageSize)
}

// S1: a region spanning an order-10 block plus an order-6 tail must be
// carved into exactly those two maximal blocks, not a run of order-0
// pages.
func TestAddRegionProducesMaximalBlocks(t *testing.T) {
	b, start := newBuddy(t, 1024+64)
	b.AddRegion(start, start+(1024+64)*PageSize)

	require.NoError(t, b.Validate(nil))

	var order10, order6 []uint64
	b.freelists[10].Walk(func(a uint64) bool { order10 = append(order10, a); return true })
	b.freelists[6].Walk(func(a uint64) bool { order6 = append(order6, a); return true })
	assert.Len(t, order10, 1)
	assert.Len(t, order6, 1)
	for k := 0; k < NumOrders; k++ {
		if k == 10 || k == 6 {
			continue
		}
		assert.True(t, b.freelists[k].Empty(), "order %d should be empty", k)
	}
}

// S2: allocating the single order-10 block exhausts it; freeing it
// makes it available again.
func TestAllocFreeSingleMaxOrderBlock(t *testing.T) {
	b, start := newBuddy(t, 1024)
	b.AddRegion(start, start+1024*PageSize)

	addr, err := b.Alloc(PageSize << 10)
	require.NoError(t, err)
	assert.Equal(t, start, addr)
	require.NoError(t, b.Validate(map[uint64]int{addr: 10}))

	_, err = b.Alloc(PageSize << 10)
	assert.Error(t, err)
	var oom *kerrors.OutOfMemoryError
	assert.ErrorAs(t, err, &oom)

	b.Free(addr)
	require.NoError(t, b.Validate(nil))

	addr2, err := b.Alloc(PageSize << 10)
	require.NoError(t, err)
	assert.Equal(t, start, addr2)
}

// S3: freeing a block whose buddy lies outside the managed range must
// coalesce as high as the range geometry allows (order 6 here), never
// merge across the boundary into a nonexistent order-10 buddy.
func TestFreeCoalescesUpToRangeBoundaryNotBeyond(t *testing.T) {
	b, start := newBuddy(t, 1024+64)
	b.AddRegion(start, start+(1024+64)*PageSize)

	big, err := b.Alloc(PageSize << 10)
	require.NoError(t, err)
	assert.Equal(t, start, big)

	small, err := b.Alloc(PageSize << 4)
	require.NoError(t, err)
	assert.Equal(t, start+1024*PageSize, small)
	require.NoError(t, b.Validate(map[uint64]int{big: 10, small: 4}))

	b.Free(small)

	// The freed order-4 block must have coalesced all the way back up
	// to a single order-6 free block (the whole tail), not attempted
	// to merge into the order-10 region.
	var order6 []uint64
	b.freelists[6].Walk(func(a uint64) bool { order6 = append(order6, a); return true })
	require.Len(t, order6, 1)
	assert.Equal(t, start+1024*PageSize, order6[0])
	for k := 0; k < 6; k++ {
		assert.True(t, b.freelists[k].Empty(), "order %d should be empty after full coalesce", k)
	}
	require.NoError(t, b.Validate(map[uint64]int{big: 10}))
}

func TestAllocRejectsNonPowerOfTwoLength(t *testing.T) {
	b, start := newBuddy(t, 8)
	b.AddRegion(start, start+8*PageSize)

	_, err := b.Alloc(PageSize * 3)
	require.Error(t, err)
	var verr *kerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAllocRejectsOrderBeyondMax(t *testing.T) {
	b, start := newBuddy(t, 1)
	b.AddRegion(start, start+PageSize)

	_, err := b.Alloc(PageSize << NumOrders)
	require.Error(t, err)
	var oom *kerrors.OutOfMemoryError
	assert.ErrorAs(t, err, &oom)
}

func TestSplitAllocationPreservesBitmapAndFreelists(t *testing.T) {
	b, start := newBuddy(t, 16)
	b.AddRegion(start, start+16*PageSize)

	addr, err := b.Alloc(PageSize << 4)
	require.NoError(t, err)

	subs, err := b.SplitAllocation(addr, 0)
	require.NoError(t, err)
	assert.Len(t, subs, 16)

	for _, s := range subs {
		assert.False(t, b.bm.IsFree(s), "split sub-blocks stay marked allocated")
		assert.Equal(t, 0, b.getOrder(s))
	}
	for k := 0; k < NumOrders; k++ {
		assert.True(t, b.freelists[k].Empty(), "SplitAllocation must not touch any freelist")
	}
}

func TestValidateCatchesExpectedAllocatedMismatch(t *testing.T) {
	b, start := newBuddy(t, 4)
	b.AddRegion(start, start+4*PageSize)

	addr, err := b.Alloc(PageSize)
	require.NoError(t, err)

	assert.Error(t, b.Validate(map[uint64]int{addr: 5}))
	assert.Error(t, b.Validate(map[uint64]int{addr + PageSize: 0}))
}

func TestAddRegionRejectsMisalignedOrOutOfRange(t *testing.T) {
	b, start := newBuddy(t, 4)
	assert.Panics(t, func() { b.AddRegion(start+1, start+4*PageSize) })
	assert.Panics(t, func() { b.AddRegion(start, start+5*PageSize) })
}
