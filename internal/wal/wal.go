package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"btreclaim/internal/base"
	"btreclaim/internal/directio"
)

// SyncMode controls when the WAL is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every commit (BoltDB-style).
	// Guarantees zero data loss on power failure at fsync latency cost.
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when bytesPerSync bytes have been written
	// (RocksDB-style). Data loss window: up to bytesPerSync bytes.
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	SyncOff
)

// Record types
const (
	RecordPage   uint8 = 1 // full page image
	RecordCommit uint8 = 2 // commit marker
)

// RecordHeaderSize Record format: [Type:1][TxnID:8][PageID:8][DataLen:4][Data:N]
const RecordHeaderSize = 1 + 8 + 8 + 4

// Page records are padded to BlockSize*2 and commit markers to BlockSize
// for direct I/O alignment.
const (
	pageRecordSize   = directio.BlockSize * 2
	commitRecordSize = directio.BlockSize
)

// WAL implements write-ahead logging of full page images.
//
// Multi-page atomic updates go through the staging API: Reserve allocates
// record buffers up front, Stage copies page images into them without any
// failure path, and Commit writes everything followed by a commit marker.
// Replay only applies transactions whose commit marker made it to disk, so
// a crash mid-Commit leaves the staged pages invisible.
type WAL struct {
	file   *os.File
	mu     sync.Mutex
	offset int64 // current write position

	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int

	// Direct I/O buffer pool
	bufPool *sync.Pool

	// Reserved record buffers, filled by Stage, flushed by Commit.
	staged     [][]byte
	nextStaged int
}

// Record represents a single WAL record during replay.
type Record struct {
	Type   uint8
	TxnID  uint64
	PageID base.PageID
	Page   *base.Page
}

// Open opens or creates a WAL file with the specified sync mode.
func Open(path string, syncMode SyncMode, bytesPerSync int) (*WAL, error) {
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		// Some filesystems (tmpfs, older NFS) reject O_DIRECT.
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:   file,
		offset: info.Size(),
		bufPool: &sync.Pool{
			New: func() interface{} {
				return directio.AlignedBlock(pageRecordSize)
			},
		},
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
	}, nil
}

// Reserve allocates n page-record buffers ahead of a multi-page update.
// All allocation happens here so the Stage calls that follow cannot fail.
// Any previously staged records are discarded.
func (w *WAL) Reserve(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.discardStagedUnsafe()
	for i := 0; i < n; i++ {
		w.staged = append(w.staged, w.bufPool.Get().([]byte))
	}
}

// Stage copies a page image into the next reserved record buffer.
// Format: [RecordPage:1][TxnID:8][PageID:8][PageSize:4][Page.Data][Padding]
// Stage performs no I/O and, within the reservation, no allocation.
func (w *WAL) Stage(txnID uint64, pageID base.PageID, page *base.Page) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nextStaged >= len(w.staged) {
		// Under-reservation is a caller bug; degrade to allocating here
		// rather than losing the record.
		w.staged = append(w.staged, w.bufPool.Get().([]byte))
	}
	buf := w.staged[w.nextStaged]
	w.nextStaged++

	buf[0] = RecordPage
	binary.LittleEndian.PutUint64(buf[1:9], txnID)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(pageID))
	binary.LittleEndian.PutUint32(buf[17:21], base.PageSize)
	copy(buf[RecordHeaderSize:RecordHeaderSize+base.PageSize], page.Data[:])
}

// Commit writes all staged page records followed by a commit marker and
// fsyncs per the sync mode. The staged buffers are returned to the pool
// whether or not the write succeeds.
func (w *WAL) Commit(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	defer w.discardStagedUnsafe()

	for i := 0; i < w.nextStaged; i++ {
		if _, err := w.file.Write(w.staged[i][:pageRecordSize]); err != nil {
			return err
		}
		w.offset += pageRecordSize
		w.bytesSinceSync += pageRecordSize
	}

	if err := w.appendCommitUnsafe(txnID); err != nil {
		return err
	}

	switch w.syncMode {
	case SyncEveryCommit:
		return w.syncUnsafe()
	case SyncBytes:
		if w.bytesSinceSync >= w.bytesPerSync {
			return w.syncUnsafe()
		}
		return nil
	case SyncOff:
		return nil
	default:
		return fmt.Errorf("unknown wal sync mode: %d", w.syncMode)
	}
}

// DiscardStaged drops any staged records without writing them.
func (w *WAL) DiscardStaged() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.discardStagedUnsafe()
}

// discardStagedUnsafe returns staged buffers to the pool.
// Caller must hold w.mu.
func (w *WAL) discardStagedUnsafe() {
	for _, buf := range w.staged {
		w.bufPool.Put(buf)
	}
	w.staged = w.staged[:0]
	w.nextStaged = 0
}

// appendCommitUnsafe writes a commit marker.
// Format: [RecordCommit:1][TxnID:8][0:8][0:4][Padding]
// Caller must hold w.mu.
func (w *WAL) appendCommitUnsafe(txnID uint64) error {
	buf := w.bufPool.Get().([]byte)
	defer w.bufPool.Put(buf)

	buf[0] = RecordCommit
	binary.LittleEndian.PutUint64(buf[1:9], txnID)
	binary.LittleEndian.PutUint64(buf[9:17], 0)
	binary.LittleEndian.PutUint32(buf[17:21], 0)

	if _, err := w.file.Write(buf[:commitRecordSize]); err != nil {
		return err
	}

	w.offset += commitRecordSize
	w.bytesSinceSync += commitRecordSize
	return nil
}

// ForceSync unconditionally fsyncs the WAL regardless of sync mode.
// Used during Close and checkpoint.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.syncUnsafe()
}

// syncUnsafe performs fsync and resets the byte counter.
// Caller must hold w.mu.
func (w *WAL) syncUnsafe() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.bytesSinceSync = 0
	return nil
}

// Replay reads the WAL and applies all committed transactions after
// fromTxnID. Pages belonging to transactions without a commit marker
// are dropped.
func (w *WAL) Replay(fromTxnID uint64, applyFn func(base.PageID, *base.Page) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	// TxnID -> page records to apply if a commit marker is found.
	uncommitted := make(map[uint64][]Record)

	// Records are block-padded, so reads stay aligned for direct I/O.
	buf := directio.AlignedBlock(pageRecordSize)

	for {
		_, err := io.ReadFull(w.file, buf[:commitRecordSize])
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("wal replay read error: %w", err)
		}

		recordType := buf[0]
		txnID := binary.LittleEndian.Uint64(buf[1:9])
		pageID := base.PageID(binary.LittleEndian.Uint64(buf[9:17]))
		dataLen := binary.LittleEndian.Uint32(buf[17:21])

		switch recordType {
		case RecordPage:
			if dataLen != base.PageSize {
				return fmt.Errorf("wal replay: invalid page size: %d", dataLen)
			}

			// Page records span two blocks; pull in the second half.
			if _, err := io.ReadFull(w.file, buf[commitRecordSize:pageRecordSize]); err != nil {
				return fmt.Errorf("wal replay: failed to read page data: %w", err)
			}

			page := &base.Page{}
			copy(page.Data[:], buf[RecordHeaderSize:RecordHeaderSize+base.PageSize])

			uncommitted[txnID] = append(uncommitted[txnID], Record{
				Type:   RecordPage,
				TxnID:  txnID,
				PageID: pageID,
				Page:   page,
			})

		case RecordCommit:
			if txnID > fromTxnID {
				for _, record := range uncommitted[txnID] {
					if err := applyFn(record.PageID, record.Page); err != nil {
						return fmt.Errorf("wal replay: failed to apply page %d: %w", record.PageID, err)
					}
				}
			}

			delete(uncommitted, txnID)

		default:
			return fmt.Errorf("wal replay: unknown record type: %d", recordType)
		}
	}

	// Seek back to end for future appends.
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	return nil
}

// Truncate removes all WAL records up to and including the given TxnID.
// SAFETY: only call after meta.CheckpointTxnID has been advanced to
// upToTxnID, otherwise uncheckpointed data is lost.
func (w *WAL) Truncate(upToTxnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Find the first commit record with TxnID > upToTxnID and cut there.
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	buf := directio.AlignedBlock(commitRecordSize)
	truncateOffset := int64(0)

	for {
		currentOffset, _ := w.file.Seek(0, io.SeekCurrent)

		_, err := io.ReadFull(w.file, buf)
		if err == io.EOF {
			truncateOffset = 0
			break
		}
		if err != nil {
			return fmt.Errorf("wal truncate read error: %w", err)
		}

		recordType := buf[0]
		txnID := binary.LittleEndian.Uint64(buf[1:9])

		// Page records occupy a second block beyond the one just read.
		if recordType == RecordPage {
			if _, err := w.file.Seek(int64(pageRecordSize-commitRecordSize), io.SeekCurrent); err != nil {
				return err
			}
		}

		if recordType == RecordCommit && txnID > upToTxnID {
			truncateOffset = currentOffset
			break
		}
	}

	if err := w.file.Truncate(truncateOffset); err != nil {
		return err
	}

	newSize, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	w.offset = newSize

	return nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Close()
}
