package btreclaim

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"btreclaim/internal/base"
)

// PageStore handles page I/O for an index file.
type PageStore interface {
	ReadPage(id base.PageID) (*base.Page, error)
	WritePage(id base.PageID, page *base.Page) error
	AllocatePage() (base.PageID, error)
	GetMeta() *base.MetaPage
	PutMeta(meta *base.MetaPage) error
	Sync() error
	Close() error
}

var _ PageStore = (*DiskPageStore)(nil)

// DiskPageStore implements PageStore against a single index file with an
// LRU read cache of clean page images. Pages 0 and 1 hold the dual meta
// copies; data pages start at 2.
type DiskPageStore struct {
	mu   sync.Mutex // protects meta and file growth
	file *os.File
	meta base.MetaPage

	// Read cache. Writes go through it, so a cached image is never
	// older than the on-disk page.
	cache *freelru.SyncedLRU[base.PageID, *base.Page]
}

func hashPageID(id base.PageID) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return uint32(xxhash.Sum64(buf[:]))
}

// NewDiskPageStore opens or creates an index file. A new file is
// initialized with the given index kind; an existing file keeps its own.
// cachePages sets the read cache capacity, zero disables it.
func NewDiskPageStore(path string, kind uint16, cachePages int) (*DiskPageStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	ps := &DiskPageStore{file: file}

	if cachePages > 0 {
		cache, err := freelru.NewSynced[base.PageID, *base.Page](uint32(cachePages), hashPageID)
		if err != nil {
			file.Close()
			return nil, err
		}
		ps.cache = cache
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() == 0 {
		err = ps.initializeNew(kind)
	} else {
		err = ps.loadExisting()
	}
	if err != nil {
		file.Close()
		return nil, err
	}

	return ps, nil
}

// initializeNew writes fresh dual meta pages for an empty file.
func (ps *DiskPageStore) initializeNew(kind uint16) error {
	ps.meta = base.MetaPage{
		Magic:    base.MagicNumber,
		Version:  base.FormatVersion,
		PageSize: base.PageSize,
		Kind:     kind,
		NumPages: 2, // pages 0-1 reserved for meta
	}
	ps.meta.Checksum = ps.meta.CalculateChecksum()

	metaPage := &base.Page{}
	ps.meta.Serialize(metaPage)

	if err := ps.writePageUnsafe(0, metaPage); err != nil {
		return err
	}
	if err := ps.writePageUnsafe(1, metaPage); err != nil {
		return err
	}

	return ps.file.Sync()
}

// loadExisting validates both meta copies and keeps the newest valid one.
func (ps *DiskPageStore) loadExisting() error {
	page0, err := ps.readPageUnsafe(0)
	if err != nil {
		return err
	}
	page1, err := ps.readPageUnsafe(1)
	if err != nil {
		return err
	}

	meta0 := base.DeserializeMetaPage(page0)
	meta1 := base.DeserializeMetaPage(page1)

	err0 := meta0.Validate()
	err1 := meta1.Validate()

	if err0 != nil && err1 != nil {
		return fmt.Errorf("both meta pages corrupted: %v, %v", err0, err1)
	}

	switch {
	case err0 != nil:
		ps.meta = *meta1
	case err1 != nil:
		ps.meta = *meta0
	case meta0.TxnID > meta1.TxnID:
		ps.meta = *meta0
	default:
		ps.meta = *meta1
	}

	return nil
}

// ReadPage returns a private copy of the page, from cache when possible.
func (ps *DiskPageStore) ReadPage(id base.PageID) (*base.Page, error) {
	if ps.cache != nil {
		if cached, ok := ps.cache.Get(id); ok {
			pageCopy := &base.Page{}
			pageCopy.Data = cached.Data
			return pageCopy, nil
		}
	}

	page, err := ps.readPageUnsafe(id)
	if err != nil {
		return nil, err
	}

	if ps.cache != nil {
		cached := &base.Page{}
		cached.Data = page.Data
		ps.cache.Add(id, cached)
	}

	return page, nil
}

// WritePage writes the page to disk and refreshes the cached image.
func (ps *DiskPageStore) WritePage(id base.PageID, page *base.Page) error {
	if err := ps.writePageUnsafe(id, page); err != nil {
		// Drop any stale cached image.
		if ps.cache != nil {
			ps.cache.Remove(id)
		}
		return err
	}

	if ps.cache != nil {
		cached := &base.Page{}
		cached.Data = page.Data
		ps.cache.Add(id, cached)
	}

	return nil
}

// AllocatePage grows the file by one zeroed page.
func (ps *DiskPageStore) AllocatePage() (base.PageID, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	id := base.PageID(ps.meta.NumPages)
	ps.meta.NumPages++

	if err := ps.writePageUnsafe(id, &base.Page{}); err != nil {
		ps.meta.NumPages--
		return base.InvalidPageID, err
	}

	return id, nil
}

// GetMeta returns a copy of the current metadata.
func (ps *DiskPageStore) GetMeta() *base.MetaPage {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	metaCopy := ps.meta
	return &metaCopy
}

// PutMeta persists new metadata. The write alternates between meta pages
// 0 and 1 by TxnID parity, so a torn write leaves the previous copy valid.
func (ps *DiskPageStore) PutMeta(meta *base.MetaPage) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta.Checksum = meta.CalculateChecksum()

	metaPage := &base.Page{}
	meta.Serialize(metaPage)
	metaPageID := base.PageID(meta.TxnID % 2)

	if err := ps.writePageUnsafe(metaPageID, metaPage); err != nil {
		return err
	}

	// Only update in-memory meta after a successful disk write.
	ps.meta = *meta

	return nil
}

// Sync fsyncs the index file.
func (ps *DiskPageStore) Sync() error {
	return ps.file.Sync()
}

// Close closes the index file. Callers persist meta themselves first.
func (ps *DiskPageStore) Close() error {
	return ps.file.Close()
}

func (ps *DiskPageStore) readPageUnsafe(id base.PageID) (*base.Page, error) {
	offset := int64(id) * base.PageSize
	page := &base.Page{}
	n, err := ps.file.ReadAt(page.Data[:], offset)
	if err != nil {
		return nil, err
	}
	if n != base.PageSize {
		return nil, fmt.Errorf("short read: got %d bytes, expected %d", n, base.PageSize)
	}
	return page, nil
}

func (ps *DiskPageStore) writePageUnsafe(id base.PageID, page *base.Page) error {
	offset := int64(id) * base.PageSize
	n, err := ps.file.WriteAt(page.Data[:], offset)
	if err != nil {
		return err
	}
	if n != base.PageSize {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, base.PageSize)
	}
	return nil
}

var _ PageStore = (*MemPageStore)(nil)

// MemPageStore implements PageStore with in-memory storage. Used for
// indexes that do not require durability logging, and in tests.
type MemPageStore struct {
	mu         sync.RWMutex
	pages      map[base.PageID]*base.Page
	nextPageID base.PageID
	meta       base.MetaPage
}

// NewMemPageStore creates an empty in-memory store with the given kind.
func NewMemPageStore(kind uint16) *MemPageStore {
	meta := base.MetaPage{
		Magic:    base.MagicNumber,
		Version:  base.FormatVersion,
		PageSize: base.PageSize,
		Kind:     kind,
		NumPages: 2, // same numbering as disk: data pages start at 2
	}
	meta.Checksum = meta.CalculateChecksum()

	return &MemPageStore{
		pages:      make(map[base.PageID]*base.Page),
		nextPageID: 2,
		meta:       meta,
	}
}

// ReadPage returns a copy of the stored page.
func (m *MemPageStore) ReadPage(id base.PageID) (*base.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page, exists := m.pages[id]
	if !exists {
		return nil, fmt.Errorf("page %d not found", id)
	}

	pageCopy := &base.Page{}
	pageCopy.Data = page.Data
	return pageCopy, nil
}

// WritePage stores a copy of the page.
func (m *MemPageStore) WritePage(id base.PageID, page *base.Page) error {
	if page == nil {
		return fmt.Errorf("cannot write nil page")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pageCopy := &base.Page{}
	pageCopy.Data = page.Data
	m.pages[id] = pageCopy
	return nil
}

// AllocatePage allocates a new zeroed page.
func (m *MemPageStore) AllocatePage() (base.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextPageID
	m.nextPageID++
	m.meta.NumPages++
	m.pages[id] = &base.Page{}
	return id, nil
}

// GetMeta returns a copy of the current metadata.
func (m *MemPageStore) GetMeta() *base.MetaPage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metaCopy := m.meta
	return &metaCopy
}

// PutMeta updates the metadata.
func (m *MemPageStore) PutMeta(meta *base.MetaPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta = *meta
	m.meta.Checksum = m.meta.CalculateChecksum()
	return nil
}

// Sync is a no-op for in-memory storage.
func (m *MemPageStore) Sync() error {
	return nil
}

// Close is a no-op for in-memory storage.
func (m *MemPageStore) Close() error {
	return nil
}
