// Package validity tracks which parts of a world region hold complete data
// in a local spatial index and uses that to serve the index as a
// read-through cache in front of a slower Source.
package validity

import (
	"fmt"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/indexing/spatial"
	"github.com/sushant-115/gojodb-spatial/core/indexing/traverse"
)

const (
	// DefaultMaxDepth bounds the quadtree when CacheOptions.MaxDepth is zero.
	DefaultMaxDepth = 8
	// maxOverlayDims keeps the fan-out (2^dims) of a split reasonable.
	maxOverlayDims = 8
)

// cell is one quadtree node. Only leaves carry meaning for validity: a valid
// leaf is fully covered by cached data, an invalid one is not, except for the
// marks of an invalid leaf at the maximum depth, which record the exact parts
// of it that are covered.
type cell struct {
	region   spatial.Region
	depth    int
	valid    bool
	hits     uint64
	marks    []spatial.Region
	children []*cell
}

func (c *cell) isLeaf() bool { return len(c.children) == 0 }

// split creates the 2^dims children of c, each inheriting its validity.
func (c *cell) split() {
	dims := c.region.Dims()
	c.children = make([]*cell, 0, 1<<dims)
	for mask := 0; mask < 1<<dims; mask++ {
		low := make([]float64, dims)
		high := make([]float64, dims)
		for d := 0; d < dims; d++ {
			mid := c.region.Low[d] + (c.region.High[d]-c.region.Low[d])/2
			if mask&(1<<d) == 0 {
				low[d], high[d] = c.region.Low[d], mid
			} else {
				low[d], high[d] = mid, c.region.High[d]
			}
		}
		c.children = append(c.children, &cell{
			region: spatial.Region{Low: low, High: high},
			depth:  c.depth + 1,
			valid:  c.valid,
		})
	}
}

// collapse merges the children of c back into it when they are leaves that
// all agree on validity.
func (c *cell) collapse() {
	if c.isLeaf() {
		return
	}
	valid := c.children[0].valid
	var hits uint64
	for _, child := range c.children {
		if !child.isLeaf() || child.valid != valid || len(child.marks) > 0 {
			return
		}
		hits += child.hits
	}
	c.valid = valid
	c.hits += hits
	c.children = nil
}

// mark records that the part of r inside c is valid. c is a leaf at the
// maximum depth that r covers only in part. Once the marks cover the whole
// cell it becomes an ordinary valid leaf.
func (c *cell) mark(r spatial.Region) {
	piece := intersect(c.region, r)
	for _, m := range c.marks {
		if m.Contains(piece) {
			return
		}
	}
	kept := c.marks[:0]
	for _, m := range c.marks {
		if !piece.Contains(m) {
			kept = append(kept, m)
		}
	}
	c.marks = append(kept, piece)
	if covers(c.region, c.marks) {
		c.valid = true
		c.marks = nil
	}
}

// covers reports whether the union of marks contains q. Each mark that
// meets q splits off the slabs of q on either side of it, which must then be
// covered by the remaining marks.
func covers(q spatial.Region, marks []spatial.Region) bool {
	for i, m := range marks {
		if !m.Intersects(q) {
			continue
		}
		if m.Contains(q) {
			return true
		}
		rest := marks[i+1:]
		q = q.Clone()
		for d := range q.Low {
			if q.Low[d] < m.Low[d] {
				slab := q.Clone()
				slab.High[d] = m.Low[d]
				if !covers(slab, rest) {
					return false
				}
				q.Low[d] = m.Low[d]
			}
			if q.High[d] > m.High[d] {
				slab := q.Clone()
				slab.Low[d] = m.High[d]
				if !covers(slab, rest) {
					return false
				}
				q.High[d] = m.High[d]
			}
		}
		// What is left of q lies inside m.
		return true
	}
	return false
}

// intersect returns the common part of a and b, which must intersect.
func intersect(a, b spatial.Region) spatial.Region {
	out := spatial.Region{Low: make([]float64, a.Dims()), High: make([]float64, a.Dims())}
	for d := range a.Low {
		out.Low[d] = max(a.Low[d], b.Low[d])
		out.High[d] = min(a.High[d], b.High[d])
	}
	return out
}

// cellSource exposes the subtree under root to traverse.Walk.
type cellSource struct {
	root *cell
}

func (s cellSource) Root() (*cell, bool, error) { return s.root, s.root != nil, nil }

func (s cellSource) Expand(c *cell) ([]*cell, []struct{}, error) { return c.children, nil, nil }

func walkCells(root *cell, v traverse.Visitor[*cell, struct{}]) {
	// Cell sources never fail.
	_ = traverse.Walk[*cell, struct{}](cellSource{root: root}, v)
}

// overlaps reports whether r shares volume with the cell region c. A
// dimension where r is degenerate counts when the coordinate lies inside c,
// so cells that only touch a box along an edge are not considered.
func overlaps(c, r spatial.Region) bool {
	for d := range c.Low {
		if r.Low[d] == r.High[d] {
			if r.Low[d] < c.Low[d] || r.Low[d] > c.High[d] {
				return false
			}
			continue
		}
		if r.Low[d] >= c.High[d] || r.High[d] <= c.Low[d] {
			return false
		}
	}
	return true
}

// OverlayStats summarises the quadtree.
type OverlayStats struct {
	Cells       int
	Leaves      int
	ValidLeaves int
	// PartialLeaves are invalid leaves at the maximum depth holding marks.
	PartialLeaves int
	Depth         int
	// ValidFraction is the share of the world volume marked valid.
	ValidFraction float64
}

// Overlay is a quadtree over a fixed world region recording which parts are
// valid. It is not safe for concurrent use; Cache serialises access.
type Overlay struct {
	world    spatial.Region
	maxDepth int
	root     *cell
}

// NewOverlay returns an overlay over world with everything invalid. world
// needs a positive extent in every dimension.
func NewOverlay(world spatial.Region, maxDepth int) (*Overlay, error) {
	if err := world.Validate(); err != nil {
		return nil, fmt.Errorf("invalid world: %w", err)
	}
	if world.Dims() > maxOverlayDims {
		return nil, fmt.Errorf("%w: overlay supports at most %d dimensions, world has %d",
			dberrors.ErrInvalidConfig, maxOverlayDims, world.Dims())
	}
	for d := range world.Low {
		if world.Low[d] == world.High[d] {
			return nil, fmt.Errorf("%w: world has no extent in dimension %d", dberrors.ErrInvalidConfig, d)
		}
	}
	if maxDepth < 0 {
		return nil, fmt.Errorf("%w: negative overlay depth %d", dberrors.ErrInvalidConfig, maxDepth)
	}
	o := &Overlay{world: world.Clone(), maxDepth: maxDepth}
	o.Reset()
	return o, nil
}

// World returns the region the overlay covers.
func (o *Overlay) World() spatial.Region { return o.world.Clone() }

// Reset marks everything invalid and drops the usage counters.
func (o *Overlay) Reset() {
	o.root = &cell{region: o.world}
}

// IsCovered reports whether r lies inside the union of the regions marked
// valid. Regions reaching outside the world are never covered. Cells that
// answer are counted as hits.
func (o *Overlay) IsCovered(r spatial.Region) bool {
	if r.Validate() != nil || !o.world.Contains(r) {
		return false
	}
	var answered []*cell
	covered := true
	walkCells(o.root, traverse.Visitor[*cell, struct{}]{
		Node: func(c *cell) traverse.Action {
			if !overlaps(c.region, r) {
				return traverse.Prune
			}
			if c.valid && c.isLeaf() {
				answered = append(answered, c)
				return traverse.Prune
			}
			if c.isLeaf() {
				if len(c.marks) > 0 && covers(intersect(c.region, r), c.marks) {
					answered = append(answered, c)
					return traverse.Prune
				}
				covered = false
				return traverse.Stop
			}
			return traverse.Continue
		},
	})
	if covered {
		for _, c := range answered {
			c.hits++
		}
	}
	return covered
}

// locate returns the path from the root to the deepest cell containing r.
func (o *Overlay) locate(r spatial.Region) []*cell {
	var path []*cell
	walkCells(o.root, traverse.Visitor[*cell, struct{}]{
		Node: func(c *cell) traverse.Action {
			if len(path) > 0 && c.depth <= path[len(path)-1].depth {
				// Moved past the containing chain.
				return traverse.Stop
			}
			if !c.region.Contains(r) {
				return traverse.Prune
			}
			path = append(path, c)
			if c.isLeaf() {
				return traverse.Stop
			}
			return traverse.Continue
		},
	})
	return path
}

// MarkValid records that all data inside r is present. The part of r outside
// the world is ignored. Cells at the maximum depth that r covers only in part
// keep the covered part as a mark, so IsCovered(r) holds afterwards.
func (o *Overlay) MarkValid(r spatial.Region) {
	r, ok := o.clip(r)
	if !ok {
		return
	}
	path := o.locate(r)
	if len(path) == 0 {
		return
	}
	walkCells(path[len(path)-1], traverse.Visitor[*cell, struct{}]{
		Node: func(c *cell) traverse.Action {
			if (c.valid && c.isLeaf()) || !overlaps(c.region, r) {
				return traverse.Prune
			}
			if r.Contains(c.region) {
				c.valid = true
				c.marks = nil
				for _, child := range c.children {
					c.hits += child.hits
				}
				c.children = nil
				return traverse.Prune
			}
			if c.depth >= o.maxDepth {
				c.mark(r)
				return traverse.Prune
			}
			if c.isLeaf() {
				c.split()
			}
			return traverse.Continue
		},
		Leave: (*cell).collapse,
	})
	for i := len(path) - 2; i >= 0; i-- {
		path[i].collapse()
	}
}

// Invalidate marks every cell intersecting r invalid, cells that only touch
// r along a boundary included. A valid cell that r meets only in part is
// split so the rest stays valid; at the maximum depth the whole cell is
// invalidated and its marks are dropped.
func (o *Overlay) Invalidate(r spatial.Region) {
	r, ok := o.clip(r)
	if !ok {
		return
	}
	walkCells(o.root, traverse.Visitor[*cell, struct{}]{
		Node: func(c *cell) traverse.Action {
			if !c.region.Intersects(r) {
				return traverse.Prune
			}
			if !c.isLeaf() {
				return traverse.Continue
			}
			if !c.valid {
				c.marks = nil
				return traverse.Prune
			}
			if r.Contains(c.region) || c.depth >= o.maxDepth {
				c.valid = false
				return traverse.Prune
			}
			c.split()
			c.valid = false
			return traverse.Continue
		},
		Leave: (*cell).collapse,
	})
}

// Hits returns the usage count summed over the cells overlapping r.
func (o *Overlay) Hits(r spatial.Region) uint64 {
	if r.Validate() != nil || r.Dims() != o.world.Dims() {
		return 0
	}
	var hits uint64
	walkCells(o.root, traverse.Visitor[*cell, struct{}]{
		Node: func(c *cell) traverse.Action {
			if !overlaps(c.region, r) {
				return traverse.Prune
			}
			hits += c.hits
			return traverse.Continue
		},
	})
	return hits
}

// Stats walks the quadtree.
func (o *Overlay) Stats() OverlayStats {
	var st OverlayStats
	worldArea := o.world.Area()
	walkCells(o.root, traverse.Visitor[*cell, struct{}]{
		Node: func(c *cell) traverse.Action {
			st.Cells++
			st.Depth = max(st.Depth, c.depth)
			if c.isLeaf() {
				st.Leaves++
				if c.valid {
					st.ValidLeaves++
					if worldArea > 0 {
						st.ValidFraction += c.region.Area() / worldArea
					}
				} else if len(c.marks) > 0 {
					st.PartialLeaves++
				}
			}
			return traverse.Continue
		},
	})
	return st
}

// clip intersects r with the world.
func (o *Overlay) clip(r spatial.Region) (spatial.Region, bool) {
	if r.Validate() != nil || r.Dims() != o.world.Dims() || !o.world.Intersects(r) {
		return spatial.Region{}, false
	}
	return intersect(o.world, r), true
}

// Align grows r, clipped to the world, to the boundaries of the deepest
// cells so that MarkValid on the result leaves no marks behind. ok is
// false when r does not touch the world.
func (o *Overlay) Align(r spatial.Region) (spatial.Region, bool) {
	r, ok := o.clip(r)
	if !ok {
		return spatial.Region{}, false
	}
	for d := range r.Low {
		lowCell, _ := o.bisect(d, r.Low[d], false)
		_, highCell := o.bisect(d, r.High[d], true)
		if lowCell == highCell {
			// r sits on a grid line; take the cell above it.
			_, highCell = o.bisect(d, r.Low[d], false)
		}
		r.Low[d], r.High[d] = lowCell, highCell
	}
	return r, true
}

// bisect returns the deepest cell interval in dimension d holding x,
// computed with the same midpoints split uses. On a grid line the interval
// above x is chosen, or the one below when upper is set.
func (o *Overlay) bisect(d int, x float64, upper bool) (float64, float64) {
	lo, hi := o.world.Low[d], o.world.High[d]
	for depth := 0; depth < o.maxDepth; depth++ {
		mid := lo + (hi-lo)/2
		if x > mid || (x == mid && !upper) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, hi
}
