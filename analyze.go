package btreclaim

import (
	"btreclaim/internal/base"
)

// PageStat is a per-leaf utilization snapshot from one analysis pass.
// It is never persisted and may be stale by the time it is consumed; the
// merge executor re-validates everything under exclusive latches.
type PageStat struct {
	PageID    base.PageID
	Rightmost bool
	ItemCount int
	UsedBytes int
	FreeBytes int
	UsagePct  float64
}

// MergeCandidate is an advisory pairing of two adjacent leaves. CanMerge
// is a conservative estimate; the executor decides independently.
type MergeCandidate struct {
	LeftPage                base.PageID
	RightPage               base.PageID
	LeftUsagePct            float64
	RightUsagePct           float64
	TotalItems              int
	EstimatedUsedBytes      int
	EstimatedSpaceReclaimed int
	CanMerge                bool
}

// mergeHeadroom is the fraction of estimated available space a candidate
// pair may fill and still be considered feasible. The margin absorbs
// estimation error and alignment padding.
const mergeHeadroom = 0.9

// Analyze walks the leaf level and returns merge candidates for adjacent
// page pairs where at least one side is at or below maxPctToMerge percent
// utilization. Read-only; takes only brief shared page latches.
func (idx *Index) Analyze(maxPctToMerge int) ([]MergeCandidate, error) {
	if maxPctToMerge < 1 || maxPctToMerge > 100 {
		return nil, ErrInvalidThreshold
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, ErrIndexClosed
	}
	if err := idx.checkKind(); err != nil {
		return nil, err
	}

	return idx.analyze(maxPctToMerge)
}

// analyze runs locator, analyzer and selector. Caller holds idx.mu.
func (idx *Index) analyze(maxPctToMerge int) ([]MergeCandidate, error) {
	start, stop := idx.leftmostLeaf()
	if stop != stopNone {
		// Stop reasons are benign here: an empty or broken tree simply
		// has nothing to merge. Warnings were already logged.
		return nil, nil
	}

	stats := idx.analyzeLeafPages(start)
	return idx.selectCandidates(stats, maxPctToMerge), nil
}

// analyzeLeafPages walks the sibling chain from start, capturing a stat
// per live leaf. Deleted and half-dead pages are skipped but the walk
// continues past them. The walk is capped at the page count observed at
// scan start, guarding against a chain corrupted into a cycle.
func (idx *Index) analyzeLeafPages(start base.PageID) []PageStat {
	pageCap := idx.store.GetMeta().NumPages

	var stats []PageStat
	id := start

	for step := uint64(0); id != base.InvalidPageID && step < pageCap; step++ {
		page, err := idx.readPageShared(id)
		if err != nil {
			idx.logger.Warn("leaf scan: read failed", "page", id, "error", err)
			break
		}

		if page.IsNew() {
			idx.logger.Warn("leaf scan: uninitialized page", "page", id)
			break
		}
		if !page.IsLeaf() {
			idx.logger.Warn("leaf scan: non-leaf page in sibling chain", "page", id)
			break
		}

		next := page.Header().NextSib

		if page.IsDeleted() || page.IsHalfDead() {
			id = next
			continue
		}

		used := page.UsedBytes()
		stats = append(stats, PageStat{
			PageID:    id,
			Rightmost: page.IsRightmost(),
			ItemCount: page.LiveItemCount(),
			UsedBytes: used,
			FreeBytes: page.FreeSpace(),
			UsagePct:  float64(used) / float64(base.UsableCapacity) * 100,
		})

		id = next
	}

	return stats
}

// selectCandidates pairs each non-rightmost leaf with its current right
// sibling. Greedy single pass in scan order; no deduplication or global
// optimization.
func (idx *Index) selectCandidates(stats []PageStat, maxPctToMerge int) []MergeCandidate {
	byID := make(map[base.PageID]*PageStat, len(stats))
	for i := range stats {
		byID[stats[i].PageID] = &stats[i]
	}

	var candidates []MergeCandidate

	for i := range stats {
		left := &stats[i]
		if left.Rightmost {
			continue
		}

		// Re-read the true sibling link; the stat's view may be stale.
		page, err := idx.readPageShared(left.PageID)
		if err != nil {
			idx.logger.Warn("candidate selection: read failed", "page", left.PageID, "error", err)
			continue
		}
		if page.IsDeleted() || page.IsHalfDead() {
			continue
		}

		rightID := page.Header().NextSib
		if rightID == base.InvalidPageID {
			continue
		}

		right, ok := byID[rightID]
		if !ok {
			// Right sibling was not part of the scan; concurrently
			// modified or skipped. Not pairable.
			continue
		}

		// At least one side must be sparse.
		if left.UsagePct > float64(maxPctToMerge) && right.UsagePct > float64(maxPctToMerge) {
			continue
		}

		estimatedUsed := left.UsedBytes + right.UsedBytes

		// A non-rightmost merged page keeps a high key; budget for it
		// with the right page's average entry size.
		available := base.UsableCapacity
		if !right.Rightmost && right.ItemCount > 0 {
			available -= base.Align8(right.UsedBytes / right.ItemCount)
		}

		candidates = append(candidates, MergeCandidate{
			LeftPage:                left.PageID,
			RightPage:               rightID,
			LeftUsagePct:            left.UsagePct,
			RightUsagePct:           right.UsagePct,
			TotalItems:              left.ItemCount + right.ItemCount,
			EstimatedUsedBytes:      estimatedUsed,
			EstimatedSpaceReclaimed: base.PageSize - estimatedUsed,
			CanMerge:                float64(estimatedUsed) <= float64(available)*mergeHeadroom,
		})
	}

	return candidates
}
