package btreclaim

import (
	"errors"

	"btreclaim/internal/base"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrIndexClosed      = errors.New("index is closed")
	ErrInvalidThreshold = errors.New("merge threshold must be between 1 and 100")
	ErrNotBTreeIndex    = errors.New("not a b-tree index")

	ErrKeysUnsorted           = errors.New("keys must be inserted in strictly ascending order")
	ErrBulkLoaderEmpty        = errors.New("bulk loader is empty")
	ErrBulkLoaderFinalized    = errors.New("bulk loader is already finalized")

	ErrPageOverflow       = base.ErrPageOverflow
	ErrInvalidOffset      = base.ErrInvalidOffset
	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
)
