package spatial

import (
	"github.com/sushant-115/gojodb-spatial/core/indexing/traverse"
)

// LevelStats describes one level of the tree; level 0 holds the leaves.
type LevelStats struct {
	Level   int
	Nodes   int
	Entries int
	// Fill is Entries / (Nodes * MaxEntries).
	Fill float64
}

// Stats is a structural summary of the tree.
type Stats struct {
	Height  int
	Count   uint64
	Nodes   int
	Entries int
	// Levels is ordered from the root down to the leaves.
	Levels []LevelStats
}

// Stats walks the whole tree and counts nodes and entries per level.
func (t *RTree) Stats() (Stats, error) {
	nodes := make([]int, t.meta.Height)
	entries := make([]int, t.meta.Height)
	err := t.Walk(traverse.Visitor[NodeRef, Entry]{
		Node: func(n NodeRef) traverse.Action {
			if n.Level < len(nodes) {
				nodes[n.Level]++
				// A node below the root is one entry of its parent.
				if n.Level+1 < len(entries) {
					entries[n.Level+1]++
				}
			}
			return traverse.Continue
		},
		Data: func(Entry) traverse.Action {
			entries[0]++
			return traverse.Continue
		},
	})
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Height: t.meta.Height, Count: t.meta.Count}
	for level := t.meta.Height - 1; level >= 0; level-- {
		ls := LevelStats{Level: level, Nodes: nodes[level], Entries: entries[level]}
		if ls.Nodes > 0 {
			ls.Fill = float64(ls.Entries) / float64(ls.Nodes*t.meta.MaxEntries)
		}
		st.Nodes += ls.Nodes
		st.Entries += ls.Entries
		st.Levels = append(st.Levels, ls)
	}
	return st, nil
}
