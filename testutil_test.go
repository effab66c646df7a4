package btreclaim

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"btreclaim/internal/base"
)

// testLeaf describes one leaf in a hand-built chain. Keys must be
// globally sorted across the whole chain.
type testLeaf struct {
	items    [][2][]byte // key, payload pairs in order
	halfDead bool
	deleted  bool
}

// leafItems generates n sorted 3-byte keys under a one-byte prefix, with
// empty payloads. Each encoded item occupies exactly 8 aligned bytes, so
// n items put a leaf at n*8 used bytes.
func leafItems(prefix byte, n int) [][2][]byte {
	items := make([][2][]byte, n)
	for i := 0; i < n; i++ {
		key := []byte{prefix, byte('a' + i/26), byte('a' + i%26)}
		items[i] = [2][]byte{key, nil}
	}
	return items
}

// itemsForUsagePct returns the item count that puts a leaf of 8-byte
// items at the given utilization percentage (rounded down). Element
// overhead caps 8-byte items at roughly 66% utilization; use the heavy
// variants beyond that.
func itemsForUsagePct(pct int) int {
	return base.UsableCapacity * pct / 100 / 8
}

// heavyLeafItems is leafItems with 56-byte payloads: each encoded item
// occupies 64 aligned bytes, allowing utilization up to ~93%.
func heavyLeafItems(prefix byte, n int) [][2][]byte {
	items := leafItems(prefix, n)
	for i := range items {
		items[i][1] = make([]byte, 56)
	}
	return items
}

func heavyItemsForUsagePct(pct int) int {
	return base.UsableCapacity * pct / 100 / 64
}

// buildChain writes a leaf chain plus a single root branch page directly
// through the store, bypassing the bulk loader, so tests control each
// page's exact utilization and flags.
func buildChain(t *testing.T, idx *Index, leaves []testLeaf) []base.PageID {
	t.Helper()
	require.NotEmpty(t, leaves)

	ids := make([]base.PageID, len(leaves))
	for i := range leaves {
		id, err := idx.store.AllocatePage()
		require.NoError(t, err)
		ids[i] = id
	}

	firstKey := func(i int) []byte {
		if len(leaves[i].items) > 0 {
			return leaves[i].items[0][0]
		}
		return []byte(fmt.Sprintf("~%03d", i)) // sorts after letters
	}

	for i, leaf := range leaves {
		page := &base.Page{}
		flags := base.LeafFlag
		if i == len(leaves)-1 {
			flags |= base.RightmostFlag
		}
		page.Init(ids[i], 0, flags)

		if i > 0 {
			page.Header().PrevSib = ids[i-1]
		}
		if i < len(leaves)-1 {
			page.Header().NextSib = ids[i+1]
		}

		for _, item := range leaf.items {
			require.True(t, page.AddItem(base.EncodeLeafItem(item[0], item[1])))
		}
		if i < len(leaves)-1 {
			require.True(t, page.InsertHighKey(base.EncodeLeafItem(firstKey(i+1), nil)))
		}

		if leaf.halfDead {
			page.Header().Flags |= base.HalfDeadFlag
			page.TruncateHighKey()
		}
		if leaf.deleted {
			page.Header().Flags |= base.DeletedFlag
		}

		require.NoError(t, idx.store.WritePage(ids[i], page))
	}

	rootID, err := idx.store.AllocatePage()
	require.NoError(t, err)
	root := &base.Page{}
	root.Init(rootID, 1, 0)
	require.True(t, root.AddItem(base.EncodeBranchItem(ids[0], nil)))
	for i := 1; i < len(ids); i++ {
		require.True(t, root.AddItem(base.EncodeBranchItem(ids[i], firstKey(i))))
	}
	require.NoError(t, idx.store.WritePage(rootID, root))

	meta := idx.store.GetMeta()
	meta.RootPageID = rootID
	require.NoError(t, idx.store.PutMeta(meta))

	return ids
}

// walkChain returns the ids of all live (not deleted, not half-dead)
// leaves reachable from the leftmost leaf via next links.
func walkChain(t *testing.T, idx *Index) []base.PageID {
	t.Helper()

	start, stop := idx.leftmostLeaf()
	require.Equal(t, stopNone, stop)

	var live []base.PageID
	for id := start; id != base.InvalidPageID; {
		page, err := idx.store.ReadPage(id)
		require.NoError(t, err)
		require.True(t, page.IsLeaf())

		if !page.IsDeleted() && !page.IsHalfDead() {
			live = append(live, id)
		}
		id = page.Header().NextSib
	}

	return live
}

// countLiveEntries sums live item counts across all live leaves.
func countLiveEntries(t *testing.T, idx *Index) int {
	t.Helper()

	total := 0
	for _, id := range walkChain(t, idx) {
		page, err := idx.store.ReadPage(id)
		require.NoError(t, err)
		total += page.LiveItemCount()
	}
	return total
}
