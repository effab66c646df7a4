package btreclaim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btreclaim/internal/base"
)

func TestLeftmostLeafEmptyIndex(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	id, stop := idx.leftmostLeaf()
	assert.Equal(t, base.InvalidPageID, id)
	assert.Equal(t, stopEmptyTree, stop)
}

func TestLeftmostLeafSingleLevel(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	ids := buildChain(t, idx, []testLeaf{
		{items: leafItems('a', 10)},
		{items: leafItems('b', 10)},
	})

	id, stop := idx.leftmostLeaf()
	require.Equal(t, stopNone, stop)
	assert.Equal(t, ids[0], id)
}

func TestLeftmostLeafMultiLevel(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	loader, err := idx.NewBulkLoader(50)
	require.NoError(t, err)
	// Enough entries for several leaves and at least one branch level.
	for _, item := range leafItems('a', 600) {
		require.NoError(t, loader.Set(item[0], []byte("payload-padding-payload")))
	}
	require.NoError(t, loader.Finalize())

	id, stop := idx.leftmostLeaf()
	require.Equal(t, stopNone, stop)

	page, err := idx.store.ReadPage(id)
	require.NoError(t, err)
	assert.True(t, page.IsLeaf())
	assert.Equal(t, base.InvalidPageID, page.Header().PrevSib)

	// It really is the leftmost: the chain's first key lives here.
	first, err := page.Item(page.FirstDataItem())
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'a', 'a'}, base.LeafItemKey(first))
}

func TestLeftmostLeafDeletedRoot(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	id, err := idx.store.AllocatePage()
	require.NoError(t, err)
	page := &base.Page{}
	page.Init(id, 1, base.DeletedFlag)
	require.NoError(t, idx.store.WritePage(id, page))

	meta := idx.store.GetMeta()
	meta.RootPageID = id
	require.NoError(t, idx.store.PutMeta(meta))

	got, stop := idx.leftmostLeaf()
	assert.Equal(t, base.InvalidPageID, got)
	assert.Equal(t, stopDeletedPage, stop)
}

func TestLeftmostLeafEmptyInternalPage(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	id, err := idx.store.AllocatePage()
	require.NoError(t, err)
	page := &base.Page{}
	page.Init(id, 1, 0)
	require.NoError(t, idx.store.WritePage(id, page))

	meta := idx.store.GetMeta()
	meta.RootPageID = id
	require.NoError(t, idx.store.PutMeta(meta))

	got, stop := idx.leftmostLeaf()
	assert.Equal(t, base.InvalidPageID, got)
	assert.Equal(t, stopNoEntries, stop)
}

func TestLeftmostLeafDownlinkCycle(t *testing.T) {
	t.Parallel()

	idx := OpenMem()
	defer idx.Close()

	// Internal page whose first downlink points at itself.
	id, err := idx.store.AllocatePage()
	require.NoError(t, err)
	page := &base.Page{}
	page.Init(id, 1, 0)
	require.True(t, page.AddItem(base.EncodeBranchItem(id, nil)))
	require.NoError(t, idx.store.WritePage(id, page))

	meta := idx.store.GetMeta()
	meta.RootPageID = id
	require.NoError(t, idx.store.PutMeta(meta))

	got, stop := idx.leftmostLeaf()
	assert.Equal(t, base.InvalidPageID, got)
	assert.Equal(t, stopBadDownlink, stop)
}
