package btreclaim

import (
	"fmt"
	"sync"

	"btreclaim/internal/base"
)

// ExecuteResult reports the outcome of one maintenance pass.
type ExecuteResult struct {
	PagesMerged         int
	SpaceReclaimedBytes int
}

// Execute analyzes the leaf level and merges at most one feasible
// candidate pair (the first in scan order). Concurrent lookups keep
// running; only the pages being rewritten are latched exclusively.
//
// A candidate whose preconditions no longer hold at execution time is a
// soft failure: zero pages merged, no error. Errors are only returned for
// configuration problems and for failures while persisting the merge.
func (idx *Index) Execute(maxPctToMerge int) (ExecuteResult, error) {
	if maxPctToMerge < 1 || maxPctToMerge > 100 {
		return ExecuteResult{}, ErrInvalidThreshold
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return ExecuteResult{}, ErrIndexClosed
	}
	if err := idx.checkKind(); err != nil {
		return ExecuteResult{}, err
	}

	// One structural maintenance operation at a time per index.
	idx.maintMu.Lock()
	defer idx.maintMu.Unlock()

	candidates, err := idx.analyze(maxPctToMerge)
	if err != nil {
		return ExecuteResult{}, err
	}

	for _, cand := range candidates {
		if !cand.CanMerge {
			continue
		}

		merged, err := idx.executeMerge(cand.LeftPage, cand.RightPage)
		if err != nil {
			return ExecuteResult{}, err
		}
		if !merged {
			// Stale candidate; aborted cleanly. Do not retry or move on
			// to other candidates within this invocation.
			return ExecuteResult{}, nil
		}

		idx.logger.Info("merged leaf pages",
			"left", cand.LeftPage, "right", cand.RightPage,
			"items", cand.TotalItems, "reclaimed", cand.EstimatedSpaceReclaimed)

		return ExecuteResult{
			PagesMerged:         1,
			SpaceReclaimedBytes: cand.EstimatedSpaceReclaimed,
		}, nil
	}

	return ExecuteResult{}, nil
}

// executeMerge merges the left leaf into its right sibling.
//
// Latches are taken in left → right → right-of-right → left-of-left
// order, the same order every merge uses, so two concurrent merges cannot
// deadlock. All validation, capacity checking, and allocation happens
// before the atomic region; the region itself performs only pre-sized,
// infallible page mutations, then the commit phase makes them durable.
//
// Returns (false, nil) when a precondition no longer holds: the merge is
// simply not performed. An error from the commit phase is fatal to the
// caller; the atomic region guarantees no partially-merged state is ever
// persisted without its WAL record.
func (idx *Index) executeMerge(leftID, rightID base.PageID) (bool, error) {
	var held []*sync.RWMutex
	defer func() {
		// Release in reverse acquisition order.
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()
	latch := func(id base.PageID) {
		l := idx.pageLatch(id)
		l.Lock()
		held = append(held, l)
	}

	abort := func(reason string, args ...any) (bool, error) {
		idx.logger.Warn("merge aborted: "+reason, args...)
		return false, nil
	}

	// Stage 1: acquire and validate the pair, left always first.
	latch(leftID)
	left, err := idx.store.ReadPage(leftID)
	if err != nil {
		return abort("left page read failed", "page", leftID, "error", err)
	}
	if !mergeable(left) {
		return abort("left page not mergeable", "page", leftID)
	}
	if left.IsRightmost() {
		return abort("left page became rightmost", "page", leftID)
	}

	latch(rightID)
	right, err := idx.store.ReadPage(rightID)
	if err != nil {
		return abort("right page read failed", "page", rightID, "error", err)
	}
	if !mergeable(right) {
		return abort("right page not mergeable", "page", rightID)
	}
	if right.Header().PrevSib != leftID {
		// The candidate is stale; the chain moved since analysis.
		return abort("sibling link mismatch",
			"left", leftID, "right", rightID, "rightPrev", right.Header().PrevSib)
	}

	// Stage 2: acquire the outer neighbors that the relink touches.
	var rightSib *base.Page
	rightSibID := right.Header().NextSib
	if !right.IsRightmost() && rightSibID != base.InvalidPageID {
		latch(rightSibID)
		rightSib, err = idx.store.ReadPage(rightSibID)
		if err != nil {
			return abort("right neighbor read failed", "page", rightSibID, "error", err)
		}
		if rightSib.Header().PrevSib != rightID {
			return abort("right neighbor link mismatch",
				"page", rightSibID, "prev", rightSib.Header().PrevSib, "right", rightID)
		}
	}

	var leftSib *base.Page
	leftSibID := left.Header().PrevSib
	if leftSibID != base.InvalidPageID {
		latch(leftSibID)
		leftSib, err = idx.store.ReadPage(leftSibID)
		if err != nil {
			return abort("left neighbor read failed", "page", leftSibID, "error", err)
		}
		if leftSib.Header().NextSib != leftID {
			return abort("left neighbor link mismatch",
				"page", leftSibID, "next", leftSib.Header().NextSib, "left", leftID)
		}
	}

	// Stage 3: capacity re-check against current page contents, not the
	// analysis-time estimate. The combined live-entry bytes of both pages
	// must fit in the right page's free space, and so must the exact
	// append cost of the entries moving over (one item element plus the
	// aligned item length each).
	combined := left.UsedBytes() + right.UsedBytes()
	if combined > right.FreeSpace() {
		return abort("combined entries no longer fit",
			"left", leftID, "right", rightID, "combined", combined, "free", right.FreeSpace())
	}

	liveStart := left.FirstDataItem()
	need := 0
	for i := liveStart; i < int(left.Header().NumItems); i++ {
		need += base.ItemElementSize + base.Align8(left.ItemSize(i))
	}
	if need > right.FreeSpace() {
		return abort("moved entries no longer fit",
			"left", leftID, "right", rightID, "need", need, "free", right.FreeSpace())
	}

	liveCount := int(left.Header().NumItems) - liveStart
	if liveCount == 0 {
		return abort("left page has no entries to move", "left", leftID)
	}

	// Stage 4: pre-allocate everything the atomic region will consume.
	moveIdx := make([]int, 0, liveCount)
	for i := liveStart; i < int(left.Header().NumItems); i++ {
		moveIdx = append(moveIdx, i)
	}
	if idx.wal != nil {
		idx.wal.Reserve(3)
	}

	txnID := idx.store.GetMeta().TxnID + 1

	idx.dumpPage("merge: left before", left)
	idx.dumpPage("merge: right before", right)

	// Atomic region. Nothing below allocates or fails; the capacity
	// re-check above guarantees every AddItem succeeds.
	for _, i := range moveIdx {
		item, _ := left.Item(i)
		if !right.AddItem(item) {
			// Cannot happen after the stage-3 check; keep the page
			// internally consistent and continue.
			idx.logger.Warn("merge: item append failed after capacity check",
				"left", leftID, "right", rightID, "slot", i)
		}
	}

	right.Header().PrevSib = left.Header().PrevSib
	if leftSib != nil {
		leftSib.Header().NextSib = rightID
	}
	// The right neighbor's prev link already points at the right page;
	// merging does not move it.

	left.MultiDelete(moveIdx)
	left.Header().Flags |= base.HalfDeadFlag
	left.TruncateHighKey()
	left.Header().CycleID = 0

	left.Header().TxnID = txnID
	right.Header().TxnID = txnID
	if leftSib != nil {
		leftSib.Header().TxnID = txnID
	}

	if idx.wal != nil {
		idx.wal.Stage(txnID, leftID, left)
		idx.wal.Stage(txnID, rightID, right)
		if leftSib != nil {
			idx.wal.Stage(txnID, leftSibID, leftSib)
		}
	}

	idx.dumpPage("merge: left after", left)
	idx.dumpPage("merge: right after", right)

	// Commit phase: WAL first, then write-through, then checkpoint.
	// Failures here are fatal to the invocation; the latches are still
	// held, so no reader observes a torn in-store state, and recovery
	// replays the WAL images if the write-through was interrupted.
	if idx.wal != nil {
		if err := idx.wal.Commit(txnID); err != nil {
			return false, fmt.Errorf("merge commit: wal append: %w", err)
		}
	}

	if err := idx.store.WritePage(leftID, left); err != nil {
		return false, fmt.Errorf("merge commit: left page write: %w", err)
	}
	if err := idx.store.WritePage(rightID, right); err != nil {
		return false, fmt.Errorf("merge commit: right page write: %w", err)
	}
	if leftSib != nil {
		if err := idx.store.WritePage(leftSibID, leftSib); err != nil {
			return false, fmt.Errorf("merge commit: left neighbor write: %w", err)
		}
	}
	if err := idx.store.Sync(); err != nil {
		return false, fmt.Errorf("merge commit: sync: %w", err)
	}

	meta := idx.store.GetMeta()
	meta.TxnID = txnID
	meta.CheckpointTxnID = txnID
	if err := idx.store.PutMeta(meta); err != nil {
		return false, fmt.Errorf("merge commit: meta write: %w", err)
	}

	if idx.wal != nil {
		if err := idx.wal.Truncate(txnID); err != nil {
			return false, fmt.Errorf("merge commit: wal truncate: %w", err)
		}
	}

	// The left page is out of service; its latch table entry goes with it.
	idx.dropPageLatch(leftID)

	return true, nil
}

// mergeable rejects pages that can never participate in a merge.
func mergeable(p *base.Page) bool {
	return !p.IsNew() && p.IsLeaf() && !p.IsDeleted() && !p.IsHalfDead()
}
