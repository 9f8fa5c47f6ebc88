package spatial

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/sushant-115/gojodb-spatial/core/indexing/traverse"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
)

// Predicate selects which entries a search reports.
type Predicate uint8

const (
	// Intersects matches entries sharing at least one point with the query.
	Intersects Predicate = iota
	// Contains matches entries that contain the query.
	Contains
	// Within matches entries that lie inside the query.
	Within
)

func (p Predicate) String() string {
	switch p {
	case Intersects:
		return "intersects"
	case Contains:
		return "contains"
	case Within:
		return "within"
	default:
		return fmt.Sprintf("predicate(%d)", uint8(p))
	}
}

// ParsePredicate is the inverse of Predicate.String.
func ParsePredicate(s string) (Predicate, error) {
	for _, p := range []Predicate{Intersects, Contains, Within} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown predicate %q", s)
}

// descend reports whether a subtree bounded by b can hold a match for q.
func (p Predicate) descend(b, q Region) bool {
	if p == Contains {
		return b.Contains(q)
	}
	return b.Intersects(q)
}

func (p Predicate) match(e, q Region) bool {
	switch p {
	case Contains:
		return e.Contains(q)
	case Within:
		return q.Contains(e)
	default:
		return e.Intersects(q)
	}
}

// NodeRef is what a tree walk hands to Visitor.Node: the node's page, level
// and the bounds recorded for it in its parent (the node's own bounds for the
// root).
type NodeRef struct {
	ID     pagestore.PageID
	Level  int
	Bounds Region

	node *Node
}

// treeSource exposes an RTree to traverse.Walk.
type treeSource struct {
	t *RTree
}

func (s treeSource) Root() (NodeRef, bool, error) {
	root, err := s.t.readNode(s.t.meta.Root)
	if err != nil {
		return NodeRef{}, false, err
	}
	if len(root.Entries) == 0 {
		return NodeRef{}, false, nil
	}
	return NodeRef{ID: root.ID, Level: root.Level, Bounds: root.Bounds(), node: root}, true, nil
}

func (s treeSource) Expand(ref NodeRef) ([]NodeRef, []Entry, error) {
	n := ref.node
	if n == nil {
		var err error
		if n, err = s.t.readNode(ref.ID); err != nil {
			return nil, nil, err
		}
	}
	if n.IsLeaf() {
		return nil, n.Entries, nil
	}
	children := make([]NodeRef, 0, len(n.Entries))
	for _, e := range n.Entries {
		// Children are loaded lazily so pruned subtrees cost no reads.
		children = append(children, NodeRef{ID: pagestore.PageID(e.ID), Level: n.Level - 1, Bounds: e.Region})
	}
	return children, nil, nil
}

// Walk runs v over the tree in pre-order. An empty tree visits nothing.
func (t *RTree) Walk(v traverse.Visitor[NodeRef, Entry]) error {
	return traverse.Walk[NodeRef, Entry](treeSource{t: t}, v)
}

// Search returns the entries matching pred against r. The sequence is lazy
// and each range over it starts a fresh traversal. An invalid query or a
// storage failure is yielded as the final error.
func (t *RTree) Search(r Region, pred Predicate) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		start := time.Now()
		var err error
		defer func() { t.metrics.RecordOp(context.Background(), "search", start, err) }()

		if err = t.checkRegion(r); err != nil {
			yield(Entry{}, err)
			return
		}
		stopped := false
		err = t.Walk(traverse.Visitor[NodeRef, Entry]{
			Node: func(n NodeRef) traverse.Action {
				if !pred.descend(n.Bounds, r) {
					return traverse.Prune
				}
				return traverse.Continue
			},
			Data: func(e Entry) traverse.Action {
				if !pred.match(e.Region, r) {
					return traverse.Continue
				}
				if !yield(e, nil) {
					stopped = true
					return traverse.Stop
				}
				return traverse.Continue
			},
		})
		if err != nil && !stopped {
			yield(Entry{}, err)
		}
	}
}

// SearchIDs collects the ids of all entries matching pred against r.
func (t *RTree) SearchIDs(r Region, pred Predicate) ([]DataID, error) {
	var ids []DataID
	for e, err := range t.Search(r, pred) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}
