package spatial

import (
	"fmt"

	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
)

// VerifyError describes the first structural violation found by Verify.
type VerifyError struct {
	PageID pagestore.PageID
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("rtree: node %d: %s", e.PageID, e.Reason)
}

// Verify checks the tree invariants: all leaves at level 0, every parent
// entry equal to the bounds of its child, node fill within [MinEntries,
// MaxEntries] outside the root, an internal root with at least two children,
// and a leaf entry total matching the stored count. Storage failures are
// returned as they are; violations as *VerifyError.
func (t *RTree) Verify() error {
	root, err := t.readNode(t.meta.Root)
	if err != nil {
		return err
	}
	if root.Level != t.meta.Height-1 {
		return &VerifyError{PageID: root.ID, Reason: fmt.Sprintf("root level %d does not match height %d", root.Level, t.meta.Height)}
	}
	if !root.IsLeaf() && len(root.Entries) < 2 {
		return &VerifyError{PageID: root.ID, Reason: fmt.Sprintf("internal root has %d entries", len(root.Entries))}
	}
	var leafEntries uint64
	if err := t.verifyNode(root, true, &leafEntries); err != nil {
		return err
	}
	if leafEntries != t.meta.Count {
		return &VerifyError{PageID: root.ID, Reason: fmt.Sprintf("found %d entries, metadata records %d", leafEntries, t.meta.Count)}
	}
	return nil
}

func (t *RTree) verifyNode(n *Node, isRoot bool, leafEntries *uint64) error {
	if len(n.Entries) > t.meta.MaxEntries {
		return &VerifyError{PageID: n.ID, Reason: fmt.Sprintf("%d entries exceeds capacity %d", len(n.Entries), t.meta.MaxEntries)}
	}
	if !isRoot && len(n.Entries) < t.meta.MinEntries {
		return &VerifyError{PageID: n.ID, Reason: fmt.Sprintf("%d entries is below the minimum %d", len(n.Entries), t.meta.MinEntries)}
	}
	if n.IsLeaf() {
		*leafEntries += uint64(len(n.Entries))
		return nil
	}
	for _, e := range n.Entries {
		child, err := t.readNode(pagestore.PageID(e.ID))
		if err != nil {
			return err
		}
		if child.Level != n.Level-1 {
			return &VerifyError{PageID: child.ID, Reason: fmt.Sprintf("level %d under a node at level %d", child.Level, n.Level)}
		}
		if !e.Region.Equal(child.Bounds()) {
			return &VerifyError{PageID: child.ID, Reason: fmt.Sprintf("parent entry %s differs from bounds %s", e.Region, child.Bounds())}
		}
		if err := t.verifyNode(child, false, leafEntries); err != nil {
			return err
		}
	}
	return nil
}
