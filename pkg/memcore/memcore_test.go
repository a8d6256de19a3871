package memcore

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopher-kernel/memcore/internal/buddy"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := DefaultConfig(0x1000_0000, 0x8000_0000)
	cfg.PhysSize = 8 << 20
	cfg.VirtSize = 64 << 20
	cfg.HeapSize = 4 << 20
	k, err := Boot(cfg)
	require.NoError(t, err)
	return k
}

func TestBootWiresEveryComponent(t *testing.T) {
	k := newTestKernel(t)
	assert.NotNil(t, k.Buddy)
	assert.NotNil(t, k.PMM)
	assert.NotNil(t, k.VMM)
	assert.NotNil(t, k.Heap)
	assert.Equal(t, 1, k.VMM.NumReservations())
}

func TestShutdownRunsFinalValidation(t *testing.T) {
	k := newTestKernel(t)
	addr, err := k.Alloc(64, 0)
	require.NoError(t, err)
	k.Free(addr)

	require.NoError(t, k.Shutdown())
}

func TestBootRejectsHeapLargerThanVirtualWindow(t *testing.T) {
	cfg := DefaultConfig(0, 0x1000_0000)
	cfg.VirtSize = 1 << 20
	cfg.HeapSize = 2 << 20
	_, err := Boot(cfg)
	assert.Error(t, err)
}

func TestAllocPageThenWriteReadThroughKernel(t *testing.T) {
	k := newTestKernel(t)
	addr, err := k.AllocPage(0)
	require.NoError(t, err)

	k.WriteU64(addr, 0xDEADBEEF)
	assert.Equal(t, uint64(0xDEADBEEF), k.ReadU64(addr))

	k.FreePage(0, addr)
}

func TestHeapAllocThenWriteReadThroughKernel(t *testing.T) {
	k := newTestKernel(t)
	addr, err := k.Alloc(128, 0)
	require.NoError(t, err)

	k.WriteU64(addr, 0xCAFEF00D)
	assert.Equal(t, uint64(0xCAFEF00D), k.ReadU64(addr))

	k.Free(addr)
	require.NoError(t, k.ValidateHeap())
}

func TestPagesAndHeapBlocksShareTheStackWithoutInterference(t *testing.T) {
	k := newTestKernel(t)

	page, err := k.AllocPage(0)
	require.NoError(t, err)
	block, err := k.Alloc(64, 0)
	require.NoError(t, err)

	k.WriteU64(page, 1)
	k.WriteU64(block, 2)
	assert.Equal(t, uint64(1), k.ReadU64(page))
	assert.Equal(t, uint64(2), k.ReadU64(block))

	k.FreePage(0, page)
	k.Free(block)
}

// TestFuzzLoopKeepsBuddyCoherent is a scaled-down rendition of spec.md
// §8's S7: a long uniformly random sequence of page alloc/free
// operations over a small buddy range, capped at a fixed number of
// outstanding allocations, validated periodically rather than after
// every single operation (an after-every-op validation pass over 10^6
// operations would dominate the test suite's running time without
// exercising anything a periodic check does not already catch).
func TestFuzzLoopKeepsBuddyCoherent(t *testing.T) {
	const iterations = 20000
	const maxOutstanding = 512
	const validateEvery = 200

	k := newTestKernel(t)
	rng := rand.New(rand.NewSource(1))

	outstanding := map[uint64]int{}
	var live []uint64

	for i := 0; i < iterations; i++ {
		doFree := len(live) > 0 && (len(live) >= maxOutstanding || rng.Intn(2) == 0)
		if doFree {
			idx := rng.Intn(len(live))
			addr := live[idx]
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			k.Buddy.Free(addr)
			delete(outstanding, addr)
			continue
		}

		order := rng.Intn(4) // keep within the small test range's headroom
		size := uint64(buddy.PageSize) << uint(order)
		addr, err := k.Buddy.Alloc(size)
		if err != nil {
			continue
		}
		live = append(live, addr)
		outstanding[addr] = order

		if i%validateEvery == 0 {
			require.NoError(t, k.Buddy.Validate(outstanding))
		}
	}
	require.NoError(t, k.Buddy.Validate(outstanding))

	for _, addr := range live {
		k.Buddy.Free(addr)
	}
	require.NoError(t, k.Buddy.Validate(map[uint64]int{}))
}

func TestManyHeapAllocFreeCyclesStayValid(t *testing.T) {
	k := newTestKernel(t)
	rng := rand.New(rand.NewSource(2))
	sizes := []uint64{16, 32, 64, 128, 256, 512}

	for round := 0; round < 50; round++ {
		var live []uint64
		for j := 0; j < 10; j++ {
			size := sizes[rng.Intn(len(sizes))]
			addr, err := k.Alloc(size, 0)
			if err != nil {
				continue
			}
			live = append(live, addr)
		}
		for _, addr := range live {
			k.Free(addr)
		}
		require.NoError(t, k.ValidateHeap())
	}
}
