package btreclaim

import (
	"btreclaim/internal/base"
)

// stopReason explains why a traversal ended without producing a page.
// Callers decide whether a reason is benign (empty tree, end of chain)
// or worth surfacing.
type stopReason int

const (
	stopNone stopReason = iota
	stopEmptyTree
	stopReadFailed
	stopUninitialized
	stopDeletedPage
	stopNoEntries
	stopBadDownlink
)

func (r stopReason) String() string {
	switch r {
	case stopNone:
		return "none"
	case stopEmptyTree:
		return "empty tree"
	case stopReadFailed:
		return "page read failed"
	case stopUninitialized:
		return "uninitialized page"
	case stopDeletedPage:
		return "deleted page"
	case stopNoEntries:
		return "no live entries"
	case stopBadDownlink:
		return "invalid downlink"
	}
	return "unknown"
}

// leftmostLeaf descends from the root to the leftmost leaf page.
//
// Each page is inspected under a briefly-held shared latch and released
// before the next step, so the structure may change mid-descent; callers
// that mutate re-validate under exclusive latches. Structural problems are
// logged and reported as a stop reason, never as a hard error.
func (idx *Index) leftmostLeaf() (base.PageID, stopReason) {
	meta := idx.store.GetMeta()
	if meta.RootPageID == base.InvalidPageID {
		return base.InvalidPageID, stopEmptyTree
	}

	id := meta.RootPageID

	// Bounded by the page count so a corrupted downlink cycle terminates.
	for step := uint64(0); step < meta.NumPages; step++ {
		page, err := idx.readPageShared(id)
		if err != nil {
			idx.logger.Warn("leftmost leaf descent: read failed", "page", id, "error", err)
			return base.InvalidPageID, stopReadFailed
		}

		switch {
		case page.IsNew():
			idx.logger.Warn("leftmost leaf descent: uninitialized page", "page", id)
			return base.InvalidPageID, stopUninitialized
		case page.IsDeleted():
			idx.logger.Warn("leftmost leaf descent: deleted page", "page", id)
			return base.InvalidPageID, stopDeletedPage
		}

		if page.IsLeaf() {
			return id, stopNone
		}

		if page.Header().NumItems == 0 {
			idx.logger.Warn("leftmost leaf descent: internal page with no entries", "page", id)
			return base.InvalidPageID, stopNoEntries
		}

		item, err := page.Item(0)
		if err != nil {
			idx.logger.Warn("leftmost leaf descent: unreadable downlink", "page", id, "error", err)
			return base.InvalidPageID, stopBadDownlink
		}
		child := base.BranchItemChild(item)
		if child == base.InvalidPageID {
			idx.logger.Warn("leftmost leaf descent: invalid downlink", "page", id)
			return base.InvalidPageID, stopBadDownlink
		}
		id = child
	}

	idx.logger.Warn("leftmost leaf descent: exceeded page count, possible downlink cycle", "root", meta.RootPageID)
	return base.InvalidPageID, stopBadDownlink
}
