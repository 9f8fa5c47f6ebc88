package pagestore

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

// frame is a cached copy of a page.
type frame struct {
	data  []byte
	dirty bool
}

// CacheStats counts cache activity since the store was created.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
	Resident   int
	Dirty      int
}

// CachedStore is a bounded LRU read cache with deferred writes over another
// store. A write updates the cached frame and marks it dirty; dirty frames go
// to the backend on eviction or Flush. A dirty frame is never dropped: if its
// write-back fails it stays cached and the error goes to the caller whose
// operation needed the room.
type CachedStore struct {
	mu       sync.Mutex
	backend  PageStore
	capacity int
	frames   *simplelru.LRU[PageID, *frame]
	stats    CacheStats
	logger   *zap.Logger
}

// NewCachedStore wraps backend with a cache of capacity pages.
func NewCachedStore(backend PageStore, capacity int, logger *zap.Logger) (*CachedStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: cached store needs a backend", dberrors.ErrInvalidConfig)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w: cache capacity must be positive, got %d", dberrors.ErrInvalidConfig, capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Eviction is driven by makeRoom so a failed write-back can be reported,
	// the LRU itself is sized one larger and never evicts on its own.
	frames, err := simplelru.NewLRU[PageID, *frame](capacity+1, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrInvalidConfig, err)
	}
	return &CachedStore{
		backend:  backend,
		capacity: capacity,
		frames:   frames,
		logger:   logger.Named("cached_store"),
	}, nil
}

func (cs *CachedStore) PageSize() int { return cs.backend.PageSize() }

// Stats returns a snapshot of the cache counters.
func (cs *CachedStore) Stats() CacheStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	st := cs.stats
	st.Resident = cs.frames.Len()
	for _, id := range cs.frames.Keys() {
		if f, ok := cs.frames.Peek(id); ok && f.dirty {
			st.Dirty++
		}
	}
	return st
}

// makeRoom evicts least recently used frames until one more fits.
// Must be called with cs.mu held.
func (cs *CachedStore) makeRoom() error {
	for cs.frames.Len() >= cs.capacity {
		id, victim, ok := cs.frames.GetOldest()
		if !ok {
			return nil
		}
		if victim.dirty {
			if err := cs.backend.WritePage(id, victim.data); err != nil {
				cs.logger.Error("Write-back of evicted page failed", zap.Uint64("page_id", uint64(id)), zap.Error(err))
				return fmt.Errorf("evicting dirty page %d: %w", id, err)
			}
			victim.dirty = false
			cs.stats.WriteBacks++
		}
		cs.frames.RemoveOldest()
		cs.stats.Evictions++
		cs.logger.Debug("Evicted page", zap.Uint64("page_id", uint64(id)))
	}
	return nil
}

func (cs *CachedStore) AllocatePage() (PageID, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	id, err := cs.backend.AllocatePage()
	if err != nil {
		return InvalidPageID, err
	}
	if err := cs.makeRoom(); err != nil {
		if freeErr := cs.backend.FreePage(id); freeErr != nil {
			cs.logger.Warn("Could not release page after failed allocation", zap.Uint64("page_id", uint64(id)), zap.Error(freeErr))
		}
		return InvalidPageID, err
	}
	cs.frames.Add(id, &frame{data: make([]byte, cs.backend.PageSize())})
	return id, nil
}

func (cs *CachedStore) ReadPage(id PageID) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if f, ok := cs.frames.Get(id); ok {
		cs.stats.Hits++
		out := make([]byte, len(f.data))
		copy(out, f.data)
		return out, nil
	}
	cs.stats.Misses++
	data, err := cs.backend.ReadPage(id)
	if err != nil {
		return nil, err
	}
	if err := cs.makeRoom(); err != nil {
		return nil, err
	}
	cached := make([]byte, len(data))
	copy(cached, data)
	cs.frames.Add(id, &frame{data: cached})
	return data, nil
}

func (cs *CachedStore) WritePage(id PageID, data []byte) error {
	if err := checkPageData(id, data, cs.backend.PageSize()); err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if f, ok := cs.frames.Get(id); ok {
		copy(f.data, data)
		f.dirty = true
		return nil
	}
	// A write miss still has to name a live page.
	if _, err := cs.backend.ReadPage(id); err != nil {
		return err
	}
	if err := cs.makeRoom(); err != nil {
		return err
	}
	cached := make([]byte, len(data))
	copy(cached, data)
	cs.frames.Add(id, &frame{data: cached, dirty: true})
	return nil
}

func (cs *CachedStore) FreePage(id PageID) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.frames.Remove(id)
	return cs.backend.FreePage(id)
}

func (cs *CachedStore) Flush() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.flushLocked()
}

func (cs *CachedStore) flushLocked() error {
	for _, id := range cs.frames.Keys() {
		f, ok := cs.frames.Peek(id)
		if !ok || !f.dirty {
			continue
		}
		if err := cs.backend.WritePage(id, f.data); err != nil {
			return fmt.Errorf("flushing page %d: %w", id, err)
		}
		f.dirty = false
		cs.stats.WriteBacks++
	}
	return cs.backend.Flush()
}

func (cs *CachedStore) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.flushLocked(); err != nil {
		return err
	}
	cs.frames.Purge()
	return cs.backend.Close()
}
