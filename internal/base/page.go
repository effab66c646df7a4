package base

import (
	"unsafe"
)

const (
	PageSize = 4096

	LeafFlag      uint16 = 0x01 // level-0 page holding key/payload items
	RightmostFlag uint16 = 0x02 // no right sibling, no high key
	DeletedFlag   uint16 = 0x04 // fully deleted, awaiting reuse
	HalfDeadFlag  uint16 = 0x08 // emptied by a merge, awaiting the maintenance sweep

	PageHeaderSize  = 48
	ItemElementSize = 4

	// UsableCapacity is the page byte budget available to items:
	// everything past the fixed header.
	UsableCapacity = PageSize - PageHeaderSize

	// MagicNumber for file format identification ("btrc" in hex)
	MagicNumber uint32 = 0x62747263

	FormatVersion uint16 = 1
)

type PageID uint64

// InvalidPageID doubles as the "no sibling" chain terminator.
const InvalidPageID PageID = 0

// Page is a raw 4096-byte index page.
//
// PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (48 bytes)                                                   │
// │ PageID, PrevSib, NextSib, TxnID, Flags, Level, NumItems,            │
// │ Lower, Upper, CycleID                                               │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ItemElement[0] (4 bytes)  Offset, Size                              │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ...                                                                 │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ItemElement[N-1] (4 bytes)                                          │
// ├── Lower ────────────────────────────────────────────────────────────┤
// │ free space                                                          │
// ├── Upper ────────────────────────────────────────────────────────────┤
// │ Item data (packed from the page end backward, 8-byte aligned):      │
// │   ← item[N-1] | ... | item[1] | item[0]                             │
// └─────────────────────────────────────────────────────────────────────┘
//
// On a non-rightmost leaf, item slot 0 is the high key: the upper bound of
// the page's key range. Data items start at slot 1 on such pages.
//
// Leaf item encoding:   [KeySize:2][key][payload]
// Branch item encoding: [ChildID:8][separator key]
// The first branch item carries the leftmost downlink with an empty key.
type Page struct {
	Data [PageSize]byte
}

// PageHeader is the fixed-size header at the start of each Page.
// Lower and Upper bound the free-space hole between the item index
// (growing forward) and the item data area (growing backward).
type PageHeader struct {
	PageID   PageID // 8 bytes
	PrevSib  PageID // 8 bytes: left sibling in the leaf chain (InvalidPageID if none)
	NextSib  PageID // 8 bytes: right sibling in the leaf chain (InvalidPageID if none)
	TxnID    uint64 // 8 bytes: transaction that committed this page version
	Flags    uint16 // 2 bytes: leaf/rightmost/deleted/half-dead
	Level    uint16 // 2 bytes: 0 for leaf, >0 for internal
	NumItems uint16 // 2 bytes
	Lower    uint16 // 2 bytes: end of the item index
	Upper    uint16 // 2 bytes: start of the item data area
	CycleID  uint16 // 2 bytes: scan cycle marker, cleared when a page goes half-dead
	Reserved uint32 // 4 bytes
}

// ItemElement locates one item in the data area.
// Layout: [Offset: 2][Size: 2]
type ItemElement struct {
	Offset uint16
	Size   uint16
}

// Align8 rounds n up to the next multiple of 8, the on-page item alignment.
func Align8(n int) int {
	return (n + 7) &^ 7
}

// Header returns the page header decoded from the page data.
func (p *Page) Header() *PageHeader {
	return (*PageHeader)(unsafe.Pointer(&p.Data[0]))
}

// Items returns the item index array starting after the header.
func (p *Page) Items() []ItemElement {
	h := p.Header()
	if h.NumItems == 0 {
		return nil
	}
	ptr := unsafe.Pointer(&p.Data[PageHeaderSize])
	return unsafe.Slice((*ItemElement)(ptr), h.NumItems)
}

// Init formats p as an empty page with the given identity.
func (p *Page) Init(id PageID, level uint16, flags uint16) {
	p.Data = [PageSize]byte{}
	h := p.Header()
	h.PageID = id
	h.Level = level
	h.Flags = flags
	h.Lower = PageHeaderSize
	h.Upper = PageSize
}

// IsNew reports whether the page was never initialized. A zeroed page has
// Upper == 0, which no initialized page can have.
func (p *Page) IsNew() bool {
	return p.Header().Upper == 0
}

func (p *Page) IsLeaf() bool      { return p.Header().Flags&LeafFlag != 0 }
func (p *Page) IsRightmost() bool { return p.Header().Flags&RightmostFlag != 0 }
func (p *Page) IsDeleted() bool   { return p.Header().Flags&DeletedFlag != 0 }
func (p *Page) IsHalfDead() bool  { return p.Header().Flags&HalfDeadFlag != 0 }

// HasHighKey reports whether item slot 0 is the page's high key.
// Only non-rightmost leaf pages carry one.
func (p *Page) HasHighKey() bool {
	return p.IsLeaf() && !p.IsRightmost()
}

// FirstDataItem returns the slot index of the first data item,
// skipping the high key when present.
func (p *Page) FirstDataItem() int {
	if p.HasHighKey() {
		return 1
	}
	return 0
}

// Item returns the raw bytes of item i.
func (p *Page) Item(i int) ([]byte, error) {
	h := p.Header()
	if i < 0 || i >= int(h.NumItems) {
		return nil, ErrInvalidOffset
	}
	e := p.Items()[i]
	start := int(e.Offset)
	end := start + int(e.Size)
	if start < PageHeaderSize || end > PageSize {
		return nil, ErrInvalidOffset
	}
	return p.Data[start:end], nil
}

// ItemSize returns the stored byte length of item i.
func (p *Page) ItemSize(i int) int {
	return int(p.Items()[i].Size)
}

// LiveItemCount returns the number of data items, excluding the high key.
func (p *Page) LiveItemCount() int {
	return int(p.Header().NumItems) - p.FirstDataItem()
}

// FreeSpace returns the bytes available between the item index and the
// data area. Adding an item consumes ItemElementSize plus its aligned length.
func (p *Page) FreeSpace() int {
	h := p.Header()
	if h.Upper < h.Lower {
		return 0
	}
	return int(h.Upper) - int(h.Lower)
}

// UsedBytes returns the aligned byte total of all data items,
// excluding the high key.
func (p *Page) UsedBytes() int {
	used := 0
	items := p.Items()
	for i := p.FirstDataItem(); i < len(items); i++ {
		used += Align8(int(items[i].Size))
	}
	return used
}

// FitsItem reports whether an item of the given length can be added.
func (p *Page) FitsItem(size int) bool {
	return ItemElementSize+Align8(size) <= p.FreeSpace()
}

// AddItem appends an item at the end of the item list. Returns false if
// the item does not fit; the page is unchanged in that case.
func (p *Page) AddItem(data []byte) bool {
	if !p.FitsItem(len(data)) {
		return false
	}
	h := p.Header()
	upper := int(h.Upper) - Align8(len(data))
	copy(p.Data[upper:], data)

	e := (*ItemElement)(unsafe.Pointer(&p.Data[h.Lower]))
	e.Offset = uint16(upper)
	e.Size = uint16(len(data))

	h.Lower += ItemElementSize
	h.Upper = uint16(upper)
	h.NumItems++
	return true
}

// InsertHighKey inserts data as item slot 0, shifting the item index right.
// Used by the loader when closing a non-rightmost leaf. Returns false if
// the key does not fit.
func (p *Page) InsertHighKey(data []byte) bool {
	if !p.FitsItem(len(data)) {
		return false
	}
	h := p.Header()
	upper := int(h.Upper) - Align8(len(data))
	copy(p.Data[upper:], data)

	// Shift the element array one slot right to open slot 0.
	copy(p.Data[PageHeaderSize+ItemElementSize:h.Lower+ItemElementSize], p.Data[PageHeaderSize:h.Lower])
	e := (*ItemElement)(unsafe.Pointer(&p.Data[PageHeaderSize]))
	e.Offset = uint16(upper)
	e.Size = uint16(len(data))

	h.Lower += ItemElementSize
	h.Upper = uint16(upper)
	h.NumItems++
	return true
}

// TruncateHighKey overwrites the high key slot with a zero-width placeholder.
// The slot keeps its offset but carries no key content. No-op without a
// high key slot.
func (p *Page) TruncateHighKey() {
	if !p.HasHighKey() || p.Header().NumItems == 0 {
		return
	}
	p.Items()[0].Size = 0
}

// MultiDelete removes the items at the given slot indexes, which must be
// sorted ascending, and compacts the data area. It cannot fail: the rebuilt
// page is staged in a stack-local scratch page, never the heap.
func (p *Page) MultiDelete(idxs []int) {
	if len(idxs) == 0 {
		return
	}
	var tmp Page
	h := p.Header()
	tmp.Init(h.PageID, h.Level, h.Flags)
	th := tmp.Header()
	th.PrevSib = h.PrevSib
	th.NextSib = h.NextSib
	th.TxnID = h.TxnID
	th.CycleID = h.CycleID

	next := 0
	for i := 0; i < int(h.NumItems); i++ {
		if next < len(idxs) && idxs[next] == i {
			next++
			continue
		}
		e := p.Items()[i]
		tmp.AddItem(p.Data[e.Offset : int(e.Offset)+int(e.Size)])
	}
	p.Data = tmp.Data
}

// EncodeLeafItem builds a leaf item: [KeySize:2][key][payload].
func EncodeLeafItem(key, payload []byte) []byte {
	item := make([]byte, 2+len(key)+len(payload))
	item[0] = byte(len(key))
	item[1] = byte(len(key) >> 8)
	copy(item[2:], key)
	copy(item[2+len(key):], payload)
	return item
}

// LeafItemKey returns the key of an encoded leaf item.
// A zero-width placeholder yields nil.
func LeafItemKey(item []byte) []byte {
	if len(item) < 2 {
		return nil
	}
	klen := int(item[0]) | int(item[1])<<8
	if 2+klen > len(item) {
		return nil
	}
	return item[2 : 2+klen]
}

// LeafItemPayload returns the payload of an encoded leaf item.
func LeafItemPayload(item []byte) []byte {
	if len(item) < 2 {
		return nil
	}
	klen := int(item[0]) | int(item[1])<<8
	if 2+klen > len(item) {
		return nil
	}
	return item[2+klen:]
}

// EncodeBranchItem builds a branch item: [ChildID:8][separator key].
func EncodeBranchItem(child PageID, key []byte) []byte {
	item := make([]byte, 8+len(key))
	for i := 0; i < 8; i++ {
		item[i] = byte(uint64(child) >> (i * 8))
	}
	copy(item[8:], key)
	return item
}

// BranchItemChild returns the downlink of an encoded branch item.
func BranchItemChild(item []byte) PageID {
	if len(item) < 8 {
		return InvalidPageID
	}
	var id uint64
	for i := 0; i < 8; i++ {
		id |= uint64(item[i]) << (i * 8)
	}
	return PageID(id)
}

// BranchItemKey returns the separator key of an encoded branch item.
func BranchItemKey(item []byte) []byte {
	if len(item) < 8 {
		return nil
	}
	return item[8:]
}
