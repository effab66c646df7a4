package btreclaim

import (
	"fmt"
	"sync"

	"btreclaim/internal/base"
	"btreclaim/internal/wal"
)

// Index is an on-disk b-tree index opened for online maintenance.
//
// Read operations take shared page latches; the merge executor takes
// exclusive latches on the handful of pages it rewrites, so lookups keep
// running while maintenance is in progress.
type Index struct {
	mu     sync.RWMutex // guards closed state
	store  PageStore
	wal    *wal.WAL // nil when the index does not require durability logging
	opts   Options
	logger Logger

	// maintMu serializes maintenance operations on this index.
	maintMu sync.Mutex

	// Per-page latch table. Latches outlive individual page reads, so a
	// page being rewritten by the executor blocks concurrent readers of
	// that page only.
	latchMu sync.Mutex
	latches map[base.PageID]*sync.RWMutex

	closed bool
}

// Open opens or creates an index file at path, replaying any committed
// WAL records the last shutdown left behind.
func Open(path string, options ...Option) (*Index, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	store, err := NewDiskPageStore(path, base.KindBTree, opts.cachePages)
	if err != nil {
		return nil, err
	}

	var walSyncMode wal.SyncMode
	switch opts.syncMode {
	case SyncEveryCommit:
		walSyncMode = wal.SyncEveryCommit
	case SyncBytes:
		walSyncMode = wal.SyncBytes
	case SyncOff:
		walSyncMode = wal.SyncOff
	default:
		store.Close()
		return nil, fmt.Errorf("unknown sync mode: %d", opts.syncMode)
	}

	w, err := wal.Open(path+".wal", walSyncMode, int(opts.syncBytes))
	if err != nil {
		store.Close()
		return nil, err
	}

	idx := &Index{
		store:   store,
		wal:     w,
		opts:    opts,
		logger:  opts.logger,
		latches: make(map[base.PageID]*sync.RWMutex),
	}

	if err := idx.recover(); err != nil {
		w.Close()
		store.Close()
		return nil, err
	}

	return idx, nil
}

// OpenMem creates an in-memory index. It has no WAL: an index that never
// touches disk does not require durability logging.
func OpenMem(options ...Option) *Index {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	return &Index{
		store:   NewMemPageStore(base.KindBTree),
		opts:    opts,
		logger:  opts.logger,
		latches: make(map[base.PageID]*sync.RWMutex),
	}
}

// newIndex wraps an existing store, for tests that need a specific store
// or index kind.
func newIndex(store PageStore, options ...Option) *Index {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	return &Index{
		store:   store,
		opts:    opts,
		logger:  opts.logger,
		latches: make(map[base.PageID]*sync.RWMutex),
	}
}

// recover reapplies committed WAL records newer than the last checkpoint
// and advances the checkpoint past them.
func (idx *Index) recover() error {
	meta := idx.store.GetMeta()

	maxTxn := meta.TxnID
	err := idx.wal.Replay(meta.CheckpointTxnID, func(id base.PageID, page *base.Page) error {
		h := page.Header()
		if h.TxnID > maxTxn {
			maxTxn = h.TxnID
		}
		return idx.store.WritePage(id, page)
	})
	if err != nil {
		return err
	}

	if maxTxn == meta.TxnID && meta.CheckpointTxnID == meta.TxnID {
		return nil
	}

	if err := idx.store.Sync(); err != nil {
		return err
	}

	meta.TxnID = maxTxn
	meta.CheckpointTxnID = maxTxn
	if err := idx.store.PutMeta(meta); err != nil {
		return err
	}

	return idx.wal.Truncate(maxTxn)
}

// Close flushes and closes the index.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	idx.closed = true

	if err := idx.store.Sync(); err != nil {
		return err
	}
	if idx.wal != nil {
		if err := idx.wal.ForceSync(); err != nil {
			return err
		}
		if err := idx.wal.Close(); err != nil {
			return err
		}
	}
	return idx.store.Close()
}

// checkOpen returns ErrIndexClosed once Close has run.
func (idx *Index) checkOpen() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return ErrIndexClosed
	}
	return nil
}

// checkKind rejects indexes of the wrong access method.
func (idx *Index) checkKind() error {
	if idx.store.GetMeta().Kind != base.KindBTree {
		return ErrNotBTreeIndex
	}
	return nil
}

// pageLatch returns the latch for a page, creating it on first use.
func (idx *Index) pageLatch(id base.PageID) *sync.RWMutex {
	idx.latchMu.Lock()
	defer idx.latchMu.Unlock()

	l, ok := idx.latches[id]
	if !ok {
		l = &sync.RWMutex{}
		idx.latches[id] = l
	}
	return l
}

// dropPageLatch removes a page's latch table entry. Without this the
// table would keep an entry for every page ever merged away. Waiters
// already holding the old latch pointer proceed normally; a later reader
// of the same page creates a fresh latch.
func (idx *Index) dropPageLatch(id base.PageID) {
	idx.latchMu.Lock()
	defer idx.latchMu.Unlock()

	delete(idx.latches, id)
}

// readPageShared reads a page under its shared latch.
func (idx *Index) readPageShared(id base.PageID) (*base.Page, error) {
	l := idx.pageLatch(id)
	l.RLock()
	defer l.RUnlock()

	return idx.store.ReadPage(id)
}
