package btreclaim

import (
	"bytes"

	"btreclaim/internal/base"
)

// Get returns the payload stored under key, or ErrKeyNotFound.
//
// The descent holds a shared latch on one page at a time. A leaf may have
// been merged away between releasing the parent and latching the leaf, so
// the search moves right past half-dead pages and past pages whose high
// key no longer covers the search key (Lehman-Yao style).
func (idx *Index) Get(key []byte) ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, ErrIndexClosed
	}

	meta := idx.store.GetMeta()
	if meta.RootPageID == base.InvalidPageID {
		return nil, ErrKeyNotFound
	}

	id := meta.RootPageID

	// Descent plus move-right is bounded by the page count; anything
	// longer means a corrupted chain.
	for step := uint64(0); step < 2*meta.NumPages; step++ {
		page, err := idx.readPageShared(id)
		if err != nil {
			return nil, err
		}
		if page.IsNew() {
			return nil, ErrKeyNotFound
		}

		if !page.IsLeaf() {
			child, err := branchDescend(page, key)
			if err != nil {
				return nil, err
			}
			if child == base.InvalidPageID {
				return nil, ErrKeyNotFound
			}
			id = child
			continue
		}

		// A merged-away leaf keeps its right link; follow it.
		if page.IsDeleted() || page.IsHalfDead() {
			next := page.Header().NextSib
			if next == base.InvalidPageID {
				return nil, ErrKeyNotFound
			}
			id = next
			continue
		}

		if !page.IsRightmost() {
			hk, err := page.Item(0)
			if err != nil {
				return nil, err
			}
			// key at or past the high key lives on a right sibling.
			if len(hk) > 0 && bytes.Compare(key, base.LeafItemKey(hk)) >= 0 {
				next := page.Header().NextSib
				if next == base.InvalidPageID {
					return nil, ErrKeyNotFound
				}
				id = next
				continue
			}
		}

		return leafSearch(page, key)
	}

	return nil, ErrKeyNotFound
}

// branchDescend picks the downlink covering key: the last child whose
// separator is <= key. The first item carries the leftmost downlink with
// an empty separator.
func branchDescend(page *base.Page, key []byte) (base.PageID, error) {
	n := int(page.Header().NumItems)
	if n == 0 {
		return base.InvalidPageID, nil
	}

	first, err := page.Item(0)
	if err != nil {
		return base.InvalidPageID, err
	}
	child := base.BranchItemChild(first)

	for i := 1; i < n; i++ {
		item, err := page.Item(i)
		if err != nil {
			return base.InvalidPageID, err
		}
		if bytes.Compare(key, base.BranchItemKey(item)) < 0 {
			break
		}
		child = base.BranchItemChild(item)
	}

	return child, nil
}

// leafSearch scans a leaf's live items for an exact key match.
func leafSearch(page *base.Page, key []byte) ([]byte, error) {
	for i := page.FirstDataItem(); i < int(page.Header().NumItems); i++ {
		item, err := page.Item(i)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(base.LeafItemKey(item), key) {
			payload := base.LeafItemPayload(item)
			out := make([]byte, len(payload))
			copy(out, payload)
			return out, nil
		}
	}
	return nil, ErrKeyNotFound
}
