package btreclaim

import (
	"bytes"
	"fmt"

	"btreclaim/internal/base"
)

// DefaultFillPercent is how full the bulk loader packs each page when no
// explicit fill percentage is given.
const DefaultFillPercent = 90

type leafRef struct {
	pageID   base.PageID
	firstKey []byte
}

// BulkLoader builds a b-tree bottom-up from keys supplied in ascending
// order, packing each leaf to the configured fill percentage and wiring
// the sibling chain and high keys as it goes. Loading leaves below 100%
// is what gives later inserts room; loading them sparse is also how the
// maintenance tests build fragmented trees.
type BulkLoader struct {
	idx     *Index
	fillPct int
	txnID   uint64

	current  *base.Page // leaf being filled
	firstKey []byte     // first key of current
	lastKey  []byte     // sorted-order enforcement

	leafRefs     []leafRef
	keysInserted int
	finalized    bool
}

// NewBulkLoader starts a bulk load into an empty index. fillPct is the
// target page utilization in percent; zero selects DefaultFillPercent.
func (idx *Index) NewBulkLoader(fillPct int) (*BulkLoader, error) {
	if fillPct == 0 {
		fillPct = DefaultFillPercent
	}
	if fillPct < 1 || fillPct > 100 {
		return nil, fmt.Errorf("fill percent %d out of range [1,100]", fillPct)
	}
	if err := idx.checkOpen(); err != nil {
		return nil, err
	}
	if idx.store.GetMeta().RootPageID != base.InvalidPageID {
		return nil, fmt.Errorf("index is not empty")
	}

	return &BulkLoader{
		idx:     idx,
		fillPct: fillPct,
		txnID:   idx.store.GetMeta().TxnID + 1,
	}, nil
}

// Set adds a key-payload pair. Keys MUST arrive in strictly ascending
// order.
func (l *BulkLoader) Set(key, payload []byte) error {
	if l.finalized {
		return ErrBulkLoaderFinalized
	}
	if l.lastKey != nil && bytes.Compare(key, l.lastKey) <= 0 {
		return ErrKeysUnsorted
	}

	item := base.EncodeLeafItem(key, payload)
	cost := base.ItemElementSize + base.Align8(len(item))
	if cost > l.leafBudget() {
		return ErrPageOverflow
	}

	if l.current != nil && l.leafUsed()+cost > l.leafBudget() {
		// Current leaf reached its fill target; this key opens the next
		// leaf and doubles as the closed leaf's high key.
		if err := l.closeLeaf(key); err != nil {
			return err
		}
	}

	if l.current == nil {
		if err := l.startLeaf(key); err != nil {
			return err
		}
	}

	if !l.current.AddItem(item) {
		return ErrPageOverflow
	}
	l.keysInserted++

	l.lastKey = make([]byte, len(key))
	copy(l.lastKey, key)

	return nil
}

// leafBudget is the per-leaf byte budget: the fill target, less a reserve
// for the high key the leaf receives when it is closed.
func (l *BulkLoader) leafBudget() int {
	budget := base.UsableCapacity * l.fillPct / 100

	highKeyReserve := 0
	if l.lastKey != nil {
		highKeyReserve = base.ItemElementSize + base.Align8(2+len(l.lastKey))
	}

	if budget > base.UsableCapacity-highKeyReserve {
		budget = base.UsableCapacity - highKeyReserve
	}
	return budget
}

func (l *BulkLoader) leafUsed() int {
	return base.UsableCapacity - l.current.FreeSpace()
}

// startLeaf allocates the next leaf and links it after the previous one.
func (l *BulkLoader) startLeaf(firstKey []byte) error {
	id, err := l.idx.store.AllocatePage()
	if err != nil {
		return err
	}

	page := &base.Page{}
	page.Init(id, 0, base.LeafFlag)
	page.Header().TxnID = l.txnID

	if n := len(l.leafRefs); n > 0 {
		page.Header().PrevSib = l.leafRefs[n-1].pageID
	}

	l.current = page
	l.firstKey = make([]byte, len(firstKey))
	copy(l.firstKey, firstKey)
	return nil
}

// closeLeaf finishes the current leaf: its high key is the first key of
// the leaf that follows.
func (l *BulkLoader) closeLeaf(nextFirstKey []byte) error {
	page := l.current
	l.current = nil

	if !page.InsertHighKey(base.EncodeLeafItem(nextFirstKey, nil)) {
		return ErrPageOverflow
	}

	return l.writeLeaf(page)
}

// closeRightmostLeaf finishes the final leaf of the load: rightmost, no
// high key, end of chain.
func (l *BulkLoader) closeRightmostLeaf() error {
	page := l.current
	l.current = nil

	page.Header().Flags |= base.RightmostFlag
	return l.writeLeaf(page)
}

func (l *BulkLoader) writeLeaf(page *base.Page) error {
	id := page.Header().PageID

	// The previous leaf was written before this one existed; patch its
	// forward link now that the id is known.
	if n := len(l.leafRefs); n > 0 {
		prevID := l.leafRefs[n-1].pageID
		prev, err := l.idx.store.ReadPage(prevID)
		if err != nil {
			return err
		}
		prev.Header().NextSib = id
		if err := l.idx.store.WritePage(prevID, prev); err != nil {
			return err
		}
	}

	if err := l.idx.store.WritePage(id, page); err != nil {
		return err
	}

	l.leafRefs = append(l.leafRefs, leafRef{pageID: id, firstKey: l.firstKey})
	return nil
}

// Finalize closes the last leaf, builds the branch levels bottom-up, and
// publishes the root.
func (l *BulkLoader) Finalize() error {
	if l.finalized {
		return nil
	}
	l.finalized = true

	if l.current == nil {
		return ErrBulkLoaderEmpty
	}
	if err := l.closeRightmostLeaf(); err != nil {
		return err
	}

	refs := l.leafRefs
	level := uint16(1)
	for len(refs) > 1 {
		next, err := l.buildBranchLevel(refs, level)
		if err != nil {
			return err
		}
		refs = next
		level++
	}
	if len(refs) == 0 {
		return ErrBulkLoaderEmpty
	}

	meta := l.idx.store.GetMeta()
	meta.RootPageID = refs[0].pageID
	meta.TxnID = l.txnID
	meta.CheckpointTxnID = l.txnID

	if err := l.idx.store.Sync(); err != nil {
		return err
	}
	return l.idx.store.PutMeta(meta)
}

// buildBranchLevel groups child refs into branch pages and returns the
// refs of the new level.
func (l *BulkLoader) buildBranchLevel(children []leafRef, level uint16) ([]leafRef, error) {
	budget := base.UsableCapacity * l.fillPct / 100

	var refs []leafRef
	var page *base.Page
	var pageFirstKey []byte

	flush := func() error {
		if page == nil {
			return nil
		}
		if err := l.idx.store.WritePage(page.Header().PageID, page); err != nil {
			return err
		}
		refs = append(refs, leafRef{pageID: page.Header().PageID, firstKey: pageFirstKey})
		page = nil
		return nil
	}

	for _, child := range children {
		// The first downlink of each branch carries no separator key.
		var item []byte
		if page == nil || page.Header().NumItems == 0 {
			item = base.EncodeBranchItem(child.pageID, nil)
		} else {
			item = base.EncodeBranchItem(child.pageID, child.firstKey)
		}
		cost := base.ItemElementSize + base.Align8(len(item))

		if page != nil && base.UsableCapacity-page.FreeSpace()+cost > budget {
			if err := flush(); err != nil {
				return nil, err
			}
			item = base.EncodeBranchItem(child.pageID, nil)
			cost = base.ItemElementSize + base.Align8(len(item))
		}

		if page == nil {
			id, err := l.idx.store.AllocatePage()
			if err != nil {
				return nil, err
			}
			page = &base.Page{}
			page.Init(id, level, 0)
			page.Header().TxnID = l.txnID
			pageFirstKey = child.firstKey
		}

		if !page.AddItem(item) {
			return nil, ErrPageOverflow
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("branch level %d produced no pages", level)
	}
	return refs, nil
}

// BulkLoaderStats contains progress information about a bulk load.
type BulkLoaderStats struct {
	KeysInserted           int
	LeavesCreated          int
	CurrentLeafUtilization float64 // current leaf fullness (0.0 to 1.0)
}

// Stats returns current progress statistics for this bulk load.
func (l *BulkLoader) Stats() BulkLoaderStats {
	utilization := 0.0
	if l.current != nil {
		utilization = float64(l.leafUsed()) / float64(base.UsableCapacity)
	}

	return BulkLoaderStats{
		KeysInserted:           l.keysInserted,
		LeavesCreated:          len(l.leafRefs),
		CurrentLeafUtilization: utilization,
	}
}
