package pagestore

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// MemoryStore keeps pages in process memory. Flush is a no-op.
type MemoryStore struct {
	mu       sync.Mutex
	pageSize int
	maxPages int
	pages    map[PageID][]byte
	live     *bitset.BitSet
	free     []PageID
	next     PageID
	closed   bool
}

// NewMemoryStore creates an empty store. maxPages bounds the number of live
// pages; zero means unbounded.
func NewMemoryStore(pageSize, maxPages int) (*MemoryStore, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	return &MemoryStore{
		pageSize: pageSize,
		maxPages: maxPages,
		pages:    make(map[PageID][]byte),
		live:     bitset.New(64),
		next:     1,
	}, nil
}

func (ms *MemoryStore) PageSize() int { return ms.pageSize }

// LivePages returns the number of allocated, not freed, pages.
func (ms *MemoryStore) LivePages() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return int(ms.live.Count())
}

func (ms *MemoryStore) AllocatePage() (PageID, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return InvalidPageID, ErrClosed
	}

	var id PageID
	if n := len(ms.free); n > 0 {
		id = ms.free[n-1]
		ms.free = ms.free[:n-1]
	} else {
		if ms.maxPages > 0 && int(ms.live.Count()) >= ms.maxPages {
			return InvalidPageID, ErrStoreFull
		}
		id = ms.next
		ms.next++
	}
	ms.pages[id] = make([]byte, ms.pageSize)
	ms.live.Set(uint(id))
	return id, nil
}

func (ms *MemoryStore) ReadPage(id PageID) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	if !ms.live.Test(uint(id)) {
		return nil, notFound(id)
	}
	out := make([]byte, ms.pageSize)
	copy(out, ms.pages[id])
	return out, nil
}

func (ms *MemoryStore) WritePage(id PageID, data []byte) error {
	if err := checkPageData(id, data, ms.pageSize); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	if !ms.live.Test(uint(id)) {
		return notFound(id)
	}
	copy(ms.pages[id], data)
	return nil
}

func (ms *MemoryStore) FreePage(id PageID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	if !ms.live.Test(uint(id)) {
		return notFound(id)
	}
	ms.live.Clear(uint(id))
	delete(ms.pages, id)
	ms.free = append(ms.free, id)
	return nil
}

func (ms *MemoryStore) Flush() error { return nil }

func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	ms.pages = nil
	return nil
}
