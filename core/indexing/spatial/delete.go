package spatial

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
)

// ErrEntryNotFound is returned by Delete when no entry matches.
var ErrEntryNotFound = fmt.Errorf("%w: entry", dberrors.ErrNotFound)

// orphan is an entry cut loose from an underflowing node, waiting to be
// reinserted at the level it came from.
type orphan struct {
	entry Entry
	level int
}

// Delete removes the entry with exactly this region and id. Nodes left below
// the minimum fill are dissolved and their entries reinserted from the root.
func (t *RTree) Delete(r Region, id DataID) (err error) {
	start := time.Now()
	defer func() { t.metrics.RecordOp(context.Background(), "delete", start, err) }()

	if err := t.checkRegion(r); err != nil {
		return err
	}
	root, err := t.readNode(t.meta.Root)
	if err != nil {
		return err
	}
	path, slots, found, err := t.findLeaf(root, r, id, nil, nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: id %d at %s", ErrEntryNotFound, id, r)
	}

	leaf := path[len(path)-1]
	leaf.Entries = slices.Delete(leaf.Entries, slots[len(slots)-1], slots[len(slots)-1]+1)
	orphans, err := t.condense(path, slots[:len(slots)-1])
	if err != nil {
		return err
	}

	// Higher levels first, so subtrees are back in place before loose data.
	slices.SortStableFunc(orphans, func(a, b orphan) int { return b.level - a.level })
	for _, o := range orphans {
		if err := t.insertEntry(o.entry, o.level); err != nil {
			return fmt.Errorf("failed to reinsert orphaned entry: %w", err)
		}
	}
	t.metrics.AddReinsertions(context.Background(), len(orphans))
	if len(orphans) > 0 {
		t.logger.Debug("Reinserted orphaned entries", zap.Int("count", len(orphans)))
	}

	if err := t.shortenRoot(); err != nil {
		return err
	}
	t.meta.Count--
	t.meta.ModCount++
	return t.writeMeta()
}

// findLeaf searches every subtree whose region contains r for the exact
// entry. On success path runs from n to the leaf and slots[i] is the entry
// index followed in path[i]; the last slot is the matching leaf entry.
func (t *RTree) findLeaf(n *Node, r Region, id DataID, path []*Node, slots []int) ([]*Node, []int, bool, error) {
	path = append(path, n)
	if n.IsLeaf() {
		for i, e := range n.Entries {
			if e.ID == id && e.Region.Equal(r) {
				return path, append(slots, i), true, nil
			}
		}
		return nil, nil, false, nil
	}
	for i, e := range n.Entries {
		if !e.Region.Contains(r) {
			continue
		}
		child, err := t.readNode(pagestore.PageID(e.ID))
		if err != nil {
			return nil, nil, false, err
		}
		p, s, found, err := t.findLeaf(child, r, id, path, append(slots, i))
		if err != nil || found {
			return p, s, found, err
		}
	}
	return nil, nil, false, nil
}

// condense walks from the modified leaf to the root. Underflowing non-root
// nodes are unlinked and freed and their entries collected; every other node
// on the path is written with its parent entry shrunk to fit.
func (t *RTree) condense(path []*Node, slots []int) ([]orphan, error) {
	var orphans []orphan
	for i := len(path) - 1; i > 0; i-- {
		n, parent := path[i], path[i-1]
		if len(n.Entries) < t.meta.MinEntries {
			parent.Entries = slices.Delete(parent.Entries, slots[i-1], slots[i-1]+1)
			for _, e := range n.Entries {
				orphans = append(orphans, orphan{entry: e, level: n.Level})
			}
			if err := t.store.FreePage(n.ID); err != nil {
				return nil, fmt.Errorf("failed to free underflowed node %d: %w", n.ID, err)
			}
			t.logger.Debug("Dissolved underflowed node",
				zap.Uint64("node", uint64(n.ID)), zap.Int("level", n.Level), zap.Int("entries", len(n.Entries)))
			continue
		}
		parent.Entries[slots[i-1]].Region = n.Bounds()
		if err := t.writeNode(n); err != nil {
			return nil, err
		}
	}
	if err := t.writeNode(path[0]); err != nil {
		return nil, err
	}
	return orphans, nil
}

// shortenRoot replaces an internal root that has a single child by that child.
func (t *RTree) shortenRoot() error {
	for {
		root, err := t.readNode(t.meta.Root)
		if err != nil {
			return err
		}
		if root.IsLeaf() || len(root.Entries) > 1 {
			return nil
		}
		if len(root.Entries) == 0 {
			// Only reachable through a corrupt tree; fall back to an empty leaf.
			root.Level = 0
			t.meta.Height = 1
			return t.writeNode(root)
		}
		child := pagestore.PageID(root.Entries[0].ID)
		if err := t.store.FreePage(root.ID); err != nil {
			return fmt.Errorf("failed to free old root %d: %w", root.ID, err)
		}
		t.meta.Root = child
		t.meta.Height--
		t.logger.Debug("Root shrank", zap.Uint64("root", uint64(child)), zap.Int("height", t.meta.Height))
	}
}
