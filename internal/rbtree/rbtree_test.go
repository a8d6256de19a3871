package rbtree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmpInt(a, b int) int { return a - b }

func collect(t *Tree[int]) []int {
	var out []int
	t.InOrder(func(v int) bool {
		out = append(out, v)
		return true
	})
	return out
}

func TestInsertKeepsSortedOrderAndInvariants(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	values := []int{50, 20, 70, 10, 30, 60, 80, 5, 15, 25, 35}
	for _, v := range values {
		_, ok := tr.Insert(v)
		require.True(t, ok)
	}
	require.NoError(t, tr.Validate())

	want := append([]int(nil), values...)
	sort.Ints(want)
	assert.Equal(t, want, collect(tr))
	assert.Equal(t, len(values), tr.Len())
}

func TestRejectDuplicatePolicy(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	n1, ok := tr.Insert(10)
	require.True(t, ok)
	n2, ok := tr.Insert(10)
	assert.False(t, ok)
	assert.Same(t, n1, n2)
	assert.Equal(t, 1, tr.Len())
}

func TestInsertLeftOfDuplicatePolicyKeepsBothNodes(t *testing.T) {
	tr := New(cmpInt, InsertLeftOfDuplicate)
	_, ok := tr.Insert(10)
	require.True(t, ok)
	_, ok = tr.Insert(10)
	require.True(t, ok)
	require.NoError(t, tr.Validate())
	assert.Equal(t, []int{10, 10}, collect(tr))
}

func TestSearchInsertPositionThenInsertAt(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	for _, v := range []int{50, 20, 70} {
		tr.Insert(v)
	}

	found, parent, dir := tr.SearchInsertPosition(60)
	require.Nil(t, found)
	n := tr.InsertAt(parent, dir, 60)
	require.NoError(t, tr.Validate())
	assert.Equal(t, 60, n.Value)
	assert.Equal(t, []int{20, 50, 60, 70}, collect(tr))
}

func TestLowerBound(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	for _, v := range []int{16, 32, 64, 128} {
		tr.Insert(v)
	}
	n := tr.LowerBound(40)
	require.NotNil(t, n)
	assert.Equal(t, 64, n.Value)

	n = tr.LowerBound(128)
	require.NotNil(t, n)
	assert.Equal(t, 128, n.Value)

	assert.Nil(t, tr.LowerBound(200))
}

func TestFindNeighbors(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	for _, v := range []int{10, 20, 30} {
		tr.Insert(v)
	}
	lower, upper, okL, okU := tr.FindNeighbors(25)
	assert.True(t, okL)
	assert.True(t, okU)
	assert.Equal(t, 20, lower)
	assert.Equal(t, 30, upper)

	_, _, okL, _ = tr.FindNeighbors(5)
	assert.False(t, okL)

	_, _, _, okU = tr.FindNeighbors(35)
	assert.False(t, okU)
}

func TestSuccessor(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	for _, v := range []int{10, 20, 30, 40} {
		tr.Insert(v)
	}
	n := tr.Find(20)
	require.NotNil(t, n)
	succ := tr.Successor(n)
	require.NotNil(t, succ)
	assert.Equal(t, 30, succ.Value)

	last := tr.Find(40)
	assert.Nil(t, tr.Successor(last))
}

func TestRemoveLeafRootAndTwoChildNode(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	for _, v := range []int{50, 20, 70, 10, 30, 60, 80} {
		tr.Insert(v)
	}

	v, ok := tr.Remove(10) // leaf
	require.True(t, ok)
	assert.Equal(t, 10, v)
	require.NoError(t, tr.Validate())

	_, ok = tr.Remove(20) // one child (30), now that 10 is gone
	require.True(t, ok)
	require.NoError(t, tr.Validate())

	_, ok = tr.Remove(50) // root, two children
	require.True(t, ok)
	require.NoError(t, tr.Validate())

	assert.Equal(t, []int{30, 60, 70, 80}, collect(tr))

	_, ok = tr.Remove(9999)
	assert.False(t, ok)
}

func TestRandomizedInsertRemoveMaintainsInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tr := New(cmpInt, RejectDuplicate)
	present := map[int]bool{}

	for i := 0; i < 2000; i++ {
		v := rng.Intn(300)
		if rng.Intn(3) == 0 && len(present) > 0 {
			// remove some present value
			for k := range present {
				v = k
				break
			}
			_, ok := tr.Remove(v)
			require.True(t, ok)
			delete(present, v)
		} else {
			_, ok := tr.Insert(v)
			if !present[v] {
				require.True(t, ok)
			}
			present[v] = true
		}
		require.NoError(t, tr.Validate())
	}

	want := make([]int, 0, len(present))
	for k := range present {
		want = append(want, k)
	}
	sort.Ints(want)
	assert.Equal(t, want, collect(tr))
}

func TestEmptyTree(t *testing.T) {
	tr := New(cmpInt, RejectDuplicate)
	assert.True(t, tr.Empty())
	_, ok := tr.Min()
	assert.False(t, ok)
	assert.Nil(t, tr.LowerBound(1))
	assert.Nil(t, tr.Find(1))
	require.NoError(t, tr.Validate())
}
