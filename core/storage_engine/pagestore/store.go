// Package pagestore provides fixed-size page storage with pluggable backends:
// memory, a single file on disk, an LRU cache over another store, and BLOB
// rows in a relational table.
package pagestore

import (
	"fmt"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

// PageID identifies a page inside a store.
type PageID uint64

// InvalidPageID is never handed out by a store.
const InvalidPageID PageID = 0

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 4096

// MinPageSize is the smallest page size any backend accepts.
const MinPageSize = 128

var (
	// ErrStoreFull is returned by AllocatePage when the store already holds
	// its maximum number of live pages and no freed id can be recycled.
	ErrStoreFull = fmt.Errorf("%w: page store is full", dberrors.ErrCapacityViolation)
	// ErrPageNotFound is returned for unknown or freed page ids.
	ErrPageNotFound = fmt.Errorf("%w: page", dberrors.ErrNotFound)
	// ErrChecksumMismatch is returned when a page read back from disk does not
	// match the checksum stored with it.
	ErrChecksumMismatch = fmt.Errorf("%w: page checksum mismatch", dberrors.ErrIO)
	// ErrClosed is returned by any operation on a closed store.
	ErrClosed = fmt.Errorf("%w: page store is closed", dberrors.ErrIO)
)

// PageStore is the storage SPI consumed by the spatial index. Implementations
// are safe for concurrent use.
type PageStore interface {
	// AllocatePage reserves a page id, recycling freed ids first.
	AllocatePage() (PageID, error)
	// ReadPage returns a copy of the page contents.
	ReadPage(id PageID) ([]byte, error)
	// WritePage replaces the page contents. len(data) must equal PageSize.
	WritePage(id PageID, data []byte) error
	// FreePage releases the page; its id may be handed out again.
	FreePage(id PageID) error
	// Flush is a durability barrier.
	Flush() error
	// PageSize is fixed when the store is created.
	PageSize() int
	// Close flushes and releases backend resources.
	Close() error
}

func checkPageSize(pageSize int) error {
	if pageSize < MinPageSize {
		return fmt.Errorf("%w: page size %d below minimum %d", dberrors.ErrInvalidConfig, pageSize, MinPageSize)
	}
	return nil
}

func checkPageData(id PageID, data []byte, pageSize int) error {
	if len(data) != pageSize {
		return fmt.Errorf("%w: page %d buffer is %d bytes, page size is %d", dberrors.ErrCapacityViolation, id, len(data), pageSize)
	}
	return nil
}

func notFound(id PageID) error {
	return fmt.Errorf("%w: id %d", ErrPageNotFound, id)
}
