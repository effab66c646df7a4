package base

import "errors"

var (
	ErrInvalidOffset      = errors.New("item offset out of page bounds")
	ErrPageOverflow       = errors.New("page overflow")
	ErrInvalidMagicNumber = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("invalid format version")
	ErrInvalidPageSize    = errors.New("invalid page size")
	ErrInvalidChecksum    = errors.New("invalid meta checksum")
)
