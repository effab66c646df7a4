package btreclaim

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btreclaim/internal/base"
)

func TestExecuteMergeScenario(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	nLeft := itemsForUsagePct(20)
	nRight := itemsForUsagePct(25)
	ids := buildChain(t, idx, []testLeaf{
		{items: leafItems('a', nLeft)},
		{items: leafItems('b', nRight)},
	})

	entriesBefore := countLiveEntries(t, idx)

	result, err := idx.Execute(50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PagesMerged)
	assert.Equal(t, base.PageSize-(nLeft+nRight)*8, result.SpaceReclaimedBytes)

	// The right page absorbed everything and sits at ~45% usage.
	right, err := idx.store.ReadPage(ids[1])
	require.NoError(t, err)
	assert.Equal(t, nLeft+nRight, right.LiveItemCount())
	assert.InDelta(t, 45, float64(right.UsedBytes())/float64(base.UsableCapacity)*100, 1)
	assert.LessOrEqual(t, right.UsedBytes(), base.UsableCapacity)

	// The left page is half-dead with zero live entries and a zero-width
	// placeholder high key.
	left, err := idx.store.ReadPage(ids[0])
	require.NoError(t, err)
	assert.True(t, left.IsHalfDead())
	assert.Equal(t, 0, left.LiveItemCount())
	assert.Equal(t, 0, left.ItemSize(0))
	assert.Equal(t, uint16(0), left.Header().CycleID)

	// Entry conservation and a chain one page shorter.
	assert.Equal(t, entriesBefore, countLiveEntries(t, idx))
	assert.Equal(t, []base.PageID{ids[1]}, walkChain(t, idx))
}

func TestExecuteRelinksNeighbors(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	// Four leaves; only the middle pair is sparse, so the merge happens
	// in the interior of the chain and both neighbors get relinked.
	ids := buildChain(t, idx, []testLeaf{
		{items: heavyLeafItems('a', heavyItemsForUsagePct(90))},
		{items: leafItems('b', itemsForUsagePct(15))},
		{items: leafItems('c', itemsForUsagePct(15))},
		{items: heavyLeafItems('d', heavyItemsForUsagePct(90))},
	})

	result, err := idx.Execute(50)
	require.NoError(t, err)
	require.Equal(t, 1, result.PagesMerged)

	assert.Equal(t, []base.PageID{ids[0], ids[2], ids[3]}, walkChain(t, idx))

	// Walking next then prev across the merge point returns to origin.
	first, err := idx.store.ReadPage(ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[2], first.Header().NextSib)

	merged, err := idx.store.ReadPage(ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids[0], merged.Header().PrevSib)
	assert.Equal(t, ids[3], merged.Header().NextSib)

	last, err := idx.store.ReadPage(ids[3])
	require.NoError(t, err)
	assert.Equal(t, ids[2], last.Header().PrevSib)
}

func TestExecuteRightHighKeyUnchanged(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	ids := buildChain(t, idx, []testLeaf{
		{items: leafItems('a', itemsForUsagePct(15))},
		{items: leafItems('b', itemsForUsagePct(15))},
		{items: heavyLeafItems('c', heavyItemsForUsagePct(90))},
	})

	rightBefore, err := idx.store.ReadPage(ids[1])
	require.NoError(t, err)
	hkBefore, err := rightBefore.Item(0)
	require.NoError(t, err)
	wantHighKey := append([]byte(nil), hkBefore...)

	result, err := idx.Execute(50)
	require.NoError(t, err)
	require.Equal(t, 1, result.PagesMerged)

	rightAfter, err := idx.store.ReadPage(ids[1])
	require.NoError(t, err)
	hkAfter, err := rightAfter.Item(0)
	require.NoError(t, err)
	assert.Equal(t, wantHighKey, hkAfter)
}

func TestExecuteMergedOrderPreserved(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	leftItems := leafItems('a', 5)
	rightItems := leafItems('b', 5)
	ids := buildChain(t, idx, []testLeaf{
		{items: leftItems},
		{items: rightItems},
	})

	result, err := idx.Execute(50)
	require.NoError(t, err)
	require.Equal(t, 1, result.PagesMerged)

	// The moved entries land after the right page's originals, each
	// group keeping its original order.
	right, err := idx.store.ReadPage(ids[1])
	require.NoError(t, err)

	var gotKeys [][]byte
	for i := right.FirstDataItem(); i < int(right.Header().NumItems); i++ {
		item, err := right.Item(i)
		require.NoError(t, err)
		gotKeys = append(gotKeys, base.LeafItemKey(item))
	}

	require.Len(t, gotKeys, 10)
	for i, item := range rightItems {
		assert.Equal(t, item[0], gotKeys[i])
	}
	for i, item := range leftItems {
		assert.Equal(t, item[0], gotKeys[len(rightItems)+i])
	}
}

func TestExecuteStaleSiblingAborts(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	ids := buildChain(t, idx, []testLeaf{
		{items: leafItems('a', itemsForUsagePct(20))},
		{items: leafItems('b', itemsForUsagePct(20))},
		{items: leafItems('c', itemsForUsagePct(20))},
	})

	snapshot := func(id base.PageID) [base.PageSize]byte {
		page, err := idx.store.ReadPage(id)
		require.NoError(t, err)
		return page.Data
	}
	left := snapshot(ids[0])
	far := snapshot(ids[2])

	// A candidate recorded against a right page that is no longer the
	// left page's sibling aborts with nothing merged or mutated.
	merged, err := idx.executeMerge(ids[0], ids[2])
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Equal(t, left, snapshot(ids[0]))
	assert.Equal(t, far, snapshot(ids[2]))
}

func TestExecuteMergeRejectsBadPages(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	ids := buildChain(t, idx, []testLeaf{
		{items: leafItems('a', 10)},
		{halfDead: true},
		{items: leafItems('c', 10)},
	})

	// Half-dead participant on either side: soft abort.
	merged, err := idx.executeMerge(ids[0], ids[1])
	require.NoError(t, err)
	assert.False(t, merged)

	merged, err = idx.executeMerge(ids[1], ids[2])
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestExecuteCapacityRecheck(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	nLeft := itemsForUsagePct(20)
	ids := buildChain(t, idx, []testLeaf{
		{items: leafItems('a', nLeft)},
		{items: leafItems('b', itemsForUsagePct(20))},
	})

	// Stuff the right page after "analysis" so the pair no longer fits.
	right, err := idx.store.ReadPage(ids[1])
	require.NoError(t, err)
	for _, item := range heavyLeafItems('c', 30) {
		require.True(t, right.AddItem(base.EncodeLeafItem(item[0], item[1])))
	}
	require.NoError(t, idx.store.WritePage(ids[1], right))

	merged, err := idx.executeMerge(ids[0], ids[1])
	require.NoError(t, err)
	assert.False(t, merged)

	// Capacity safety held: nothing moved.
	left, err := idx.store.ReadPage(ids[0])
	require.NoError(t, err)
	assert.Equal(t, nLeft, left.LiveItemCount())
}

func TestExecuteDenseRightAborts(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	// A very sparse left next to a right above half full. The analysis
	// estimate accepts the pair, but the combined live bytes exceed the
	// right page's actual free space, so the executor must not merge.
	ids := buildChain(t, idx, []testLeaf{
		{items: heavyLeafItems('a', heavyItemsForUsagePct(5))},
		{items: heavyLeafItems('b', heavyItemsForUsagePct(60))},
	})

	candidates, err := idx.Analyze(50)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.True(t, candidates[0].CanMerge)

	snapshot := func(id base.PageID) [base.PageSize]byte {
		page, err := idx.store.ReadPage(id)
		require.NoError(t, err)
		return page.Data
	}
	left := snapshot(ids[0])
	right := snapshot(ids[1])

	result, err := idx.Execute(50)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PagesMerged)
	assert.Equal(t, left, snapshot(ids[0]))
	assert.Equal(t, right, snapshot(ids[1]))
	require.Len(t, walkChain(t, idx), 2)
}

func TestExecuteEmptyLeftAborts(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	// A left page with no live entries has nothing to move; the merge is
	// not performed and the page stays in the chain as-is.
	ids := buildChain(t, idx, []testLeaf{
		{},
		{items: leafItems('b', itemsForUsagePct(20))},
	})

	result, err := idx.Execute(50)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PagesMerged)

	left, err := idx.store.ReadPage(ids[0])
	require.NoError(t, err)
	assert.False(t, left.IsHalfDead())
	assert.Equal(t, []base.PageID{ids[0], ids[1]}, walkChain(t, idx))
}

func TestExecuteDropsMergedPageLatch(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	ids := buildChain(t, idx, []testLeaf{
		{items: leafItems('a', itemsForUsagePct(20))},
		{items: leafItems('b', itemsForUsagePct(25))},
	})

	result, err := idx.Execute(50)
	require.NoError(t, err)
	require.Equal(t, 1, result.PagesMerged)

	// The merged-away page's latch table entry is released with it.
	idx.latchMu.Lock()
	_, ok := idx.latches[ids[0]]
	idx.latchMu.Unlock()
	assert.False(t, ok)
}

func TestExecuteOneMergePerCall(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	// Three sparse leaves: two mergeable pairs, but each call merges at
	// most one.
	buildChain(t, idx, []testLeaf{
		{items: leafItems('a', itemsForUsagePct(10))},
		{items: leafItems('b', itemsForUsagePct(10))},
		{items: leafItems('c', itemsForUsagePct(10))},
	})

	result, err := idx.Execute(50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PagesMerged)
	require.Len(t, walkChain(t, idx), 2)

	result, err = idx.Execute(50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PagesMerged)
	require.Len(t, walkChain(t, idx), 1)

	// Nothing left to merge.
	result, err = idx.Execute(50)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PagesMerged)
	assert.Equal(t, 0, result.SpaceReclaimedBytes)
}

func TestExecuteLookupAfterMerges(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	// Sparse bulk load, then merge until fixpoint; every key must stay
	// findable, including the ones that moved between pages.
	loader, err := idx.NewBulkLoader(25)
	require.NoError(t, err)

	keys := make([][]byte, 0, 400)
	for i := 0; i < 400; i++ {
		key := []byte(fmt.Sprintf("key%06d", i))
		keys = append(keys, key)
		require.NoError(t, loader.Set(key, []byte(fmt.Sprintf("val%06d", i))))
	}
	require.NoError(t, loader.Finalize())

	leavesBefore := len(walkChain(t, idx))

	totalMerged := 0
	for {
		result, err := idx.Execute(60)
		require.NoError(t, err)
		if result.PagesMerged == 0 {
			break
		}
		totalMerged += result.PagesMerged
	}
	require.Greater(t, totalMerged, 0)
	assert.Equal(t, leavesBefore-totalMerged, len(walkChain(t, idx)))

	for i, key := range keys {
		val, err := idx.Get(key)
		require.NoError(t, err, "key %s lost after merges", key)
		assert.Equal(t, []byte(fmt.Sprintf("val%06d", i)), val)
	}
}
