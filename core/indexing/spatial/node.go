package spatial

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
)

// Node page layout (little endian):
//
//	kind u8 | dims u8 | level u16 | count u16 | reserved u16
//	count x ( low[dims] f64 | high[dims] f64 | id u64 )
//
// The rest of the page is zero.
const (
	nodeHeaderSize = 8
	maxDims        = 255

	kindLeaf     uint8 = 1
	kindInternal uint8 = 2
)

// ErrCorruptPage is returned when page bytes do not decode into a node.
var ErrCorruptPage = fmt.Errorf("%w: corrupt node page", dberrors.ErrIO)

// Entry pairs a region with an id. In a leaf the id is a DataID, in an
// internal node it is the PageID of the child.
type Entry struct {
	Region Region
	ID     uint64
}

// DataID identifies an external record indexed by a leaf entry.
type DataID = uint64

// Node is the in-memory form of one page of the tree. Level 0 is a leaf.
// Parents are not stored; callers ascend through the page ids recorded on
// the way down.
type Node struct {
	ID      pagestore.PageID
	Level   int
	Entries []Entry
}

// IsLeaf reports whether the node holds data entries.
func (n *Node) IsLeaf() bool { return n.Level == 0 }

// Bounds returns the union of the node's entry regions.
func (n *Node) Bounds() Region { return BoundsOf(n.Entries) }

func entrySize(dims int) int { return 16*dims + 8 }

// NodeCapacity is the maximum number of entries a page of pageSize bytes can
// hold for the given dimensionality.
func NodeCapacity(pageSize, dims int) int {
	if dims < 1 || pageSize <= nodeHeaderSize {
		return 0
	}
	return min((pageSize-nodeHeaderSize)/entrySize(dims), math.MaxUint16)
}

// EncodeNode serializes n into a page of pageSize bytes. A node that does not
// fit, or whose entries do not have dims dimensions, is a programming error
// reported as ErrCapacityViolation; nothing is truncated.
func EncodeNode(n *Node, dims, pageSize int) ([]byte, error) {
	if dims < 1 || dims > maxDims {
		return nil, fmt.Errorf("%w: %d dimensions", dberrors.ErrCapacityViolation, dims)
	}
	if n.Level < 0 || n.Level > math.MaxUint16 {
		return nil, fmt.Errorf("%w: node %d has level %d", dberrors.ErrCapacityViolation, n.ID, n.Level)
	}
	if capacity := NodeCapacity(pageSize, dims); len(n.Entries) > capacity {
		return nil, fmt.Errorf("%w: node %d has %d entries, a %d byte page holds %d",
			dberrors.ErrCapacityViolation, n.ID, len(n.Entries), pageSize, capacity)
	}

	page := make([]byte, pageSize)
	kind := kindInternal
	if n.IsLeaf() {
		kind = kindLeaf
	}
	page[0] = kind
	page[1] = uint8(dims)
	binary.LittleEndian.PutUint16(page[2:4], uint16(n.Level))
	binary.LittleEndian.PutUint16(page[4:6], uint16(len(n.Entries)))

	off := nodeHeaderSize
	for i, e := range n.Entries {
		if e.Region.Dims() != dims || len(e.Region.High) != dims {
			return nil, fmt.Errorf("%w: entry %d of node %d has %d dimensions, want %d",
				dberrors.ErrCapacityViolation, i, n.ID, e.Region.Dims(), dims)
		}
		for _, v := range e.Region.Low {
			binary.LittleEndian.PutUint64(page[off:], math.Float64bits(v))
			off += 8
		}
		for _, v := range e.Region.High {
			binary.LittleEndian.PutUint64(page[off:], math.Float64bits(v))
			off += 8
		}
		binary.LittleEndian.PutUint64(page[off:], e.ID)
		off += 8
	}
	return page, nil
}

// DecodeNode rebuilds the node stored in page. id is the page the bytes came
// from.
func DecodeNode(id pagestore.PageID, page []byte) (*Node, error) {
	if len(page) < nodeHeaderSize {
		return nil, fmt.Errorf("%w: page %d is %d bytes", ErrCorruptPage, id, len(page))
	}
	kind := page[0]
	dims := int(page[1])
	level := int(binary.LittleEndian.Uint16(page[2:4]))
	count := int(binary.LittleEndian.Uint16(page[4:6]))

	switch {
	case kind != kindLeaf && kind != kindInternal:
		return nil, fmt.Errorf("%w: page %d has kind tag %d", ErrCorruptPage, id, kind)
	case (kind == kindLeaf) != (level == 0):
		return nil, fmt.Errorf("%w: page %d has kind %d at level %d", ErrCorruptPage, id, kind, level)
	case dims < 1:
		return nil, fmt.Errorf("%w: page %d has no dimensions", ErrCorruptPage, id)
	case count > NodeCapacity(len(page), dims):
		return nil, fmt.Errorf("%w: page %d claims %d entries", ErrCorruptPage, id, count)
	}

	n := &Node{ID: id, Level: level, Entries: make([]Entry, count)}
	off := nodeHeaderSize
	for i := range n.Entries {
		coords := make([]float64, 2*dims)
		for j := range coords {
			coords[j] = math.Float64frombits(binary.LittleEndian.Uint64(page[off:]))
			off += 8
		}
		n.Entries[i] = Entry{
			Region: Region{Low: coords[:dims:dims], High: coords[dims:]},
			ID:     binary.LittleEndian.Uint64(page[off:]),
		}
		off += 8
	}
	return n, nil
}
