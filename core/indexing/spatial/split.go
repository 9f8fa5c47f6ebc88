package spatial

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// split moves part of an overflowing node into a new sibling using Guttman's
// quadratic split. Both nodes are written; the caller attaches the sibling.
func (t *RTree) split(n *Node) (*Node, error) {
	left, right := quadraticSplit(n.Entries, t.meta.MinEntries)
	siblingID, err := t.store.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate page for split of node %d: %w", n.ID, err)
	}
	n.Entries = left
	sibling := &Node{ID: siblingID, Level: n.Level, Entries: right}
	if err := t.writeNode(n); err != nil {
		return nil, err
	}
	if err := t.writeNode(sibling); err != nil {
		return nil, err
	}
	t.logger.Debug("Split node",
		zap.Uint64("node", uint64(n.ID)),
		zap.Uint64("sibling", uint64(siblingID)),
		zap.Int("level", n.Level),
		zap.Int("left", len(left)),
		zap.Int("right", len(right)))
	return sibling, nil
}

// quadraticSplit partitions entries into two non-empty groups, each with at
// least minEntries members, trying to keep the total area small. Every entry
// ends up in exactly one group.
func quadraticSplit(entries []Entry, minEntries int) ([]Entry, []Entry) {
	minEntries = max(1, min(minEntries, len(entries)/2))
	s1, s2 := pickSeeds(entries)

	left := []Entry{entries[s1]}
	right := []Entry{entries[s2]}
	leftBounds := entries[s1].Region.Clone()
	rightBounds := entries[s2].Region.Clone()

	remaining := make([]Entry, 0, len(entries)-2)
	for i, e := range entries {
		if i != s1 && i != s2 {
			remaining = append(remaining, e)
		}
	}

	for len(remaining) > 0 {
		// A group that needs every remaining entry to reach the minimum gets them.
		if len(left)+len(remaining) <= minEntries {
			left = append(left, remaining...)
			break
		}
		if len(right)+len(remaining) <= minEntries {
			right = append(right, remaining...)
			break
		}

		next, d1, d2 := pickNext(remaining, leftBounds, rightBounds)
		e := remaining[next]
		remaining = append(remaining[:next], remaining[next+1:]...)

		toLeft := d1 < d2
		if d1 == d2 {
			la, ra := leftBounds.Area(), rightBounds.Area()
			toLeft = la < ra || (la == ra && len(left) <= len(right))
		}
		if toLeft {
			left = append(left, e)
			leftBounds.extend(e.Region)
		} else {
			right = append(right, e)
			rightBounds.extend(e.Region)
		}
	}
	return left, right
}

// pickSeeds returns the pair that would waste the most area if grouped.
func pickSeeds(entries []Entry) (int, int) {
	s1, s2 := 0, 1
	worst := math.Inf(-1)
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i].Region, entries[j].Region
			waste := a.Union(b).Area() - a.Area() - b.Area()
			if waste > worst {
				worst, s1, s2 = waste, i, j
			}
		}
	}
	return s1, s2
}

// pickNext returns the entry with the strongest preference for one group,
// along with its enlargement of each group.
func pickNext(remaining []Entry, leftBounds, rightBounds Region) (int, float64, float64) {
	best, bestD1, bestD2 := 0, 0.0, 0.0
	bestDiff := math.Inf(-1)
	for i, e := range remaining {
		d1 := leftBounds.Enlargement(e.Region)
		d2 := rightBounds.Enlargement(e.Region)
		if diff := math.Abs(d1 - d2); diff > bestDiff {
			best, bestD1, bestD2, bestDiff = i, d1, d2, diff
		}
	}
	return best, bestD1, bestD2
}
