package spatial

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// IndexManager guards an RTree with a readers/writer lock so that it can be
// shared between goroutines: mutations are exclusive, searches run together.
type IndexManager struct {
	rtree  *RTree
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewIndexManager takes ownership of tree; callers must not use it directly
// afterwards.
func NewIndexManager(tree *RTree, logger *zap.Logger) *IndexManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexManager{rtree: tree, logger: logger.Named("spatial_index_manager")}
}

// Insert adds a data entry.
func (im *IndexManager) Insert(r Region, id DataID) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.rtree.Insert(r, id); err != nil {
		im.logger.Warn("Insert failed", zap.Uint64("id", id), zap.Stringer("region", r), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes the entry with exactly this region and id.
func (im *IndexManager) Delete(r Region, id DataID) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.rtree.Delete(r, id); err != nil {
		im.logger.Debug("Delete failed", zap.Uint64("id", id), zap.Stringer("region", r), zap.Error(err))
		return err
	}
	return nil
}

// Search returns all entries matching pred against r, collected under the
// read lock.
func (im *IndexManager) Search(r Region, pred Predicate) ([]Entry, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	var out []Entry
	for e, err := range im.rtree.Search(r, pred) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Replace removes every entry intersecting r and inserts entries, in one
// critical section. It returns the entries removed.
func (im *IndexManager) Replace(r Region, entries []Entry) ([]Entry, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.rtree.checkRegion(r); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := im.rtree.checkRegion(e.Region); err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.ID, err)
		}
	}
	var stale []Entry
	for e, err := range im.rtree.Search(r, Intersects) {
		if err != nil {
			return nil, err
		}
		stale = append(stale, e)
	}
	for i, e := range stale {
		if err := im.rtree.Delete(e.Region, e.ID); err != nil {
			return stale[:i], err
		}
	}
	for _, e := range entries {
		if err := im.rtree.Insert(e.Region, e.ID); err != nil {
			return stale, err
		}
	}
	im.logger.Debug("Replaced region",
		zap.Stringer("region", r), zap.Int("removed", len(stale)), zap.Int("inserted", len(entries)))
	return stale, nil
}

// Stats returns a structural summary of the tree.
func (im *IndexManager) Stats() (Stats, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.rtree.Stats()
}

// Verify checks the tree invariants.
func (im *IndexManager) Verify() error {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.rtree.Verify()
}

// Count returns the number of data entries.
func (im *IndexManager) Count() uint64 {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.rtree.Count()
}

// ModCount returns the tree's modification counter.
func (im *IndexManager) ModCount() uint64 {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.rtree.ModCount()
}

// Meta returns a copy of the tree metadata.
func (im *IndexManager) Meta() Meta {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.rtree.Meta()
}

// Flush writes the tree metadata and flushes the store.
func (im *IndexManager) Flush() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.rtree.Flush()
}

// Close flushes the tree. The page store is left open.
func (im *IndexManager) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.rtree.Close()
}
