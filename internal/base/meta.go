package base

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Index kinds recorded in the metadata page. Maintenance operations
// only run against b-tree indexes.
const (
	KindBTree uint16 = 1
	KindHash  uint16 = 2
)

const (
	// MetaPageSize is the serialized size of MetaPage.
	MetaPageSize = 64

	// MetaChecksumSize is the byte range covered by the checksum
	// (everything before the Checksum field).
	MetaChecksumSize = MetaPageSize - 8
)

// MetaPage is the index metadata, stored twice at pages 0 and 1.
// Writes alternate between the two slots by TxnID parity, so a torn
// meta write always leaves the previous committed copy intact.
// Data pages start at page 2.
//
// Layout (64 bytes):
//
//	Magic          uint32  // file format identification
//	Version        uint16  // format version
//	PageSize       uint16  // must match PageSize
//	Kind           uint16  // KindBTree or KindHash
//	_              [7]uint16
//	RootPageID     PageID  // tree root
//	TxnID          uint64  // last committed transaction
//	CheckpointTxnID uint64 // all txns <= this are on disk, WAL before it is dead
//	NumPages       uint64  // total pages in the file, metas included
//	Checksum       uint64  // xxhash64 of the first 56 bytes
type MetaPage struct {
	Magic           uint32
	Version         uint16
	PageSize        uint16
	Kind            uint16
	Reserved        [7]uint16
	RootPageID      PageID
	TxnID           uint64
	CheckpointTxnID uint64
	NumPages        uint64
	Checksum        uint64
}

// CalculateChecksum computes the xxhash64 of the meta fields before
// the Checksum field.
func (m *MetaPage) CalculateChecksum() uint64 {
	data := unsafe.Slice((*byte)(unsafe.Pointer(m)), MetaChecksumSize)
	return xxhash.Sum64(data)
}

// Validate checks the meta page invariants and its checksum.
func (m *MetaPage) Validate() error {
	if m.Magic != MagicNumber {
		return ErrInvalidMagicNumber
	}
	if m.Version != FormatVersion {
		return ErrInvalidVersion
	}
	if m.PageSize != PageSize {
		return ErrInvalidPageSize
	}
	if m.Checksum != m.CalculateChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}

// Serialize writes the meta into the first MetaPageSize bytes of a page.
func (m *MetaPage) Serialize(p *Page) {
	p.Data = [PageSize]byte{}
	dst := (*MetaPage)(unsafe.Pointer(&p.Data[0]))
	*dst = *m
}

// DeserializeMetaPage reads a MetaPage back out of a raw page.
func DeserializeMetaPage(p *Page) *MetaPage {
	src := (*MetaPage)(unsafe.Pointer(&p.Data[0]))
	m := *src
	return &m
}
