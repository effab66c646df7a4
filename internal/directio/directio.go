// Package directio provides file open functions that bypass the OS page
// cache where the platform supports it. Alignment handling is adapted from
// https://github.com/ncw/directio.
package directio

import (
	"log"
	"unsafe"
)

// IsAligned reports whether the byte slice satisfies AlignSize.
func IsAligned(block []byte) bool {
	return alignment(block, AlignSize) == 0
}

// AlignedBlock returns a []byte of the given size whose backing memory is
// aligned to AlignSize (a power of two, or zero for no constraint).
func AlignedBlock(size int) []byte {
	block := make([]byte, size+AlignSize)
	if AlignSize == 0 {
		return block
	}
	a := alignment(block, AlignSize)
	offset := 0
	if a != 0 {
		offset = AlignSize - a
	}
	block = block[offset : offset+size]
	// Can't check alignment of a zero sized block.
	if size != 0 {
		if !IsAligned(block) {
			log.Fatal("failed to align block")
		}
	}
	return block
}

// alignment returns the misalignment of block relative to alignSize.
// Undefined for a zero sized block as &block[0] is invalid.
func alignment(block []byte, alignSize int) int {
	return int(uintptr(unsafe.Pointer(&block[0])) & uintptr(alignSize-1))
}
