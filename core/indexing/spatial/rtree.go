package spatial

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
	internaltelemetry "github.com/sushant-115/gojodb-spatial/internal/telemetry"
)

const (
	// DefaultDims is the geographic case.
	DefaultDims = 2
	// DefaultMinFillFactor is used when Config.MinFillFactor is zero.
	DefaultMinFillFactor = 0.4
)

// Config holds the construction parameters of a new tree.
type Config struct {
	// Dims is the dimensionality of every region; defaults to 2.
	Dims int
	// MaxEntries is the node capacity; defaults to what fits in one page.
	MaxEntries int
	// MinFillFactor is the fraction of MaxEntries below which a node
	// underflows after a delete. Must be in (0, 0.5].
	MinFillFactor float64
}

// Option customises a tree at Create or Open time.
type Option func(*RTree)

// WithLogger sets the logger; the default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(t *RTree) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records operation metrics on m.
func WithMetrics(m *internaltelemetry.IndexMetrics) Option {
	return func(t *RTree) { t.metrics = m }
}

// RTree is a paged R-tree. It is not safe for concurrent use; IndexManager
// adds the locking.
type RTree struct {
	store   pagestore.PageStore
	meta    Meta
	logger  *zap.Logger
	metrics *internaltelemetry.IndexMetrics
}

func newRTree(store pagestore.PageStore, opts []Option) *RTree {
	t := &RTree{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("rtree")
	return t
}

// Create initialises a new tree in an empty store.
func Create(store pagestore.PageStore, cfg Config, opts ...Option) (*RTree, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil page store", dberrors.ErrInvalidConfig)
	}
	pageSize := store.PageSize()
	if cfg.Dims == 0 {
		cfg.Dims = DefaultDims
	}
	if cfg.Dims < 1 || cfg.Dims > maxDims {
		return nil, fmt.Errorf("%w: %d dimensions", dberrors.ErrInvalidConfig, cfg.Dims)
	}
	pageCapacity := NodeCapacity(pageSize, cfg.Dims)
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = pageCapacity
	}
	if cfg.MaxEntries > pageCapacity {
		return nil, fmt.Errorf("%w: %d entries per node, a %d byte page holds %d",
			dberrors.ErrCapacityViolation, cfg.MaxEntries, pageSize, pageCapacity)
	}
	if cfg.MaxEntries < 2 {
		return nil, fmt.Errorf("%w: node capacity %d is below 2", dberrors.ErrInvalidConfig, cfg.MaxEntries)
	}
	if cfg.MinFillFactor == 0 {
		cfg.MinFillFactor = DefaultMinFillFactor
	}
	if cfg.MinFillFactor <= 0 || cfg.MinFillFactor > 0.5 || math.IsNaN(cfg.MinFillFactor) {
		return nil, fmt.Errorf("%w: min fill factor %g outside (0, 0.5]", dberrors.ErrInvalidConfig, cfg.MinFillFactor)
	}

	t := newRTree(store, opts)
	metaID, err := store.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate metadata page: %w", err)
	}
	if metaID != MetaPageID {
		return nil, fmt.Errorf("%w: store is not empty (first page is %d)", dberrors.ErrInvalidConfig, metaID)
	}
	rootID, err := store.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate root page: %w", err)
	}
	t.meta = Meta{
		IndexID:       uuid.New(),
		PageSize:      pageSize,
		Dims:          cfg.Dims,
		MaxEntries:    cfg.MaxEntries,
		MinEntries:    max(1, int(math.Floor(float64(cfg.MaxEntries)*cfg.MinFillFactor))),
		MinFillFactor: cfg.MinFillFactor,
		Root:          rootID,
		Height:        1,
	}
	if err := t.writeNode(&Node{ID: rootID}); err != nil {
		return nil, err
	}
	if err := t.writeMeta(); err != nil {
		return nil, err
	}
	t.logger.Info("Created R-tree",
		zap.String("index_id", t.meta.IndexID.String()),
		zap.Int("page_size", pageSize),
		zap.Int("dims", cfg.Dims),
		zap.Int("max_entries", t.meta.MaxEntries),
		zap.Int("min_entries", t.meta.MinEntries))
	return t, nil
}

// Open loads an existing tree from store.
func Open(store pagestore.PageStore, opts ...Option) (*RTree, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil page store", dberrors.ErrInvalidConfig)
	}
	t := newRTree(store, opts)
	page, err := store.ReadPage(MetaPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree metadata: %w", err)
	}
	meta, err := decodeMeta(page)
	if err != nil {
		return nil, err
	}
	if meta.PageSize != store.PageSize() {
		return nil, fmt.Errorf("%w: tree was built with %d byte pages, store has %d",
			dberrors.ErrInvalidConfig, meta.PageSize, store.PageSize())
	}
	t.meta = meta
	t.logger.Info("Opened R-tree",
		zap.String("index_id", meta.IndexID.String()),
		zap.Uint64("root", uint64(meta.Root)),
		zap.Int("height", meta.Height),
		zap.Uint64("count", meta.Count))
	return t, nil
}

// Meta returns a copy of the tree metadata.
func (t *RTree) Meta() Meta { return t.meta }

// Count returns the number of data entries.
func (t *RTree) Count() uint64 { return t.meta.Count }

// Height returns the number of levels, 1 for a tree whose root is a leaf.
func (t *RTree) Height() int { return t.meta.Height }

// ModCount returns the modification counter.
func (t *RTree) ModCount() uint64 { return t.meta.ModCount }

// Dims returns the dimensionality of the tree.
func (t *RTree) Dims() int { return t.meta.Dims }

// Bounds returns the region covered by all entries, the zero Region when the
// tree is empty.
func (t *RTree) Bounds() (Region, error) {
	root, err := t.readNode(t.meta.Root)
	if err != nil {
		return Region{}, err
	}
	return root.Bounds(), nil
}

// Flush writes the metadata and asks the store for a durability barrier.
func (t *RTree) Flush() error {
	if err := t.writeMeta(); err != nil {
		return err
	}
	return t.store.Flush()
}

// Close flushes the tree. The store stays open; its owner closes it.
func (t *RTree) Close() error {
	return t.Flush()
}

func (t *RTree) readNode(id pagestore.PageID) (*Node, error) {
	page, err := t.store.ReadPage(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read node %d: %w", id, err)
	}
	n, err := DecodeNode(id, page)
	if err != nil {
		return nil, err
	}
	if len(n.Entries) > 0 && n.Entries[0].Region.Dims() != t.meta.Dims {
		return nil, fmt.Errorf("%w: node %d has %d dimensions, tree has %d",
			ErrCorruptPage, id, n.Entries[0].Region.Dims(), t.meta.Dims)
	}
	return n, nil
}

func (t *RTree) writeNode(n *Node) error {
	page, err := EncodeNode(n, t.meta.Dims, t.meta.PageSize)
	if err != nil {
		return err
	}
	if err := t.store.WritePage(n.ID, page); err != nil {
		return fmt.Errorf("failed to write node %d: %w", n.ID, err)
	}
	return nil
}

func (t *RTree) writeMeta() error {
	page, err := encodeMeta(t.meta, t.meta.PageSize)
	if err != nil {
		return err
	}
	if err := t.store.WritePage(MetaPageID, page); err != nil {
		return fmt.Errorf("failed to write tree metadata: %w", err)
	}
	return nil
}

func (t *RTree) checkRegion(r Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Dims() != t.meta.Dims {
		return fmt.Errorf("%w: region has %d dimensions, tree has %d", dberrors.ErrInvalidRegion, r.Dims(), t.meta.Dims)
	}
	return nil
}

// Insert adds a data entry. The region is validated before anything changes.
func (t *RTree) Insert(r Region, id DataID) (err error) {
	start := time.Now()
	defer func() { t.metrics.RecordOp(context.Background(), "insert", start, err) }()

	if err := t.checkRegion(r); err != nil {
		return err
	}
	if err := t.insertEntry(Entry{Region: r.Clone(), ID: id}, 0); err != nil {
		return err
	}
	t.meta.Count++
	t.meta.ModCount++
	return t.writeMeta()
}

// insertEntry places e in a node at the given level, splitting upwards as
// needed. Level 0 inserts data; higher levels reattach orphaned subtrees.
func (t *RTree) insertEntry(e Entry, level int) error {
	path, slots, err := t.choosePath(e.Region, level)
	if err != nil {
		return err
	}
	target := path[len(path)-1]
	target.Entries = append(target.Entries, e)
	return t.propagate(path, slots)
}

// choosePath descends from the root to a node at level, at each step taking
// the child that needs the least enlargement, then the smaller area, then the
// lower index. slots[i] is the entry of path[i] that leads to path[i+1].
func (t *RTree) choosePath(r Region, level int) ([]*Node, []int, error) {
	node, err := t.readNode(t.meta.Root)
	if err != nil {
		return nil, nil, err
	}
	if node.Level < level {
		return nil, nil, fmt.Errorf("cannot insert at level %d into a tree of height %d", level, t.meta.Height)
	}
	path := []*Node{node}
	var slots []int
	for node.Level > level {
		best := chooseSubtree(node.Entries, r)
		if best < 0 {
			return nil, nil, fmt.Errorf("%w: internal node %d has no entries", ErrCorruptPage, node.ID)
		}
		slots = append(slots, best)
		child, err := t.readNode(pagestore.PageID(node.Entries[best].ID))
		if err != nil {
			return nil, nil, err
		}
		if child.Level != node.Level-1 {
			return nil, nil, fmt.Errorf("%w: node %d at level %d has child %d at level %d",
				ErrCorruptPage, node.ID, node.Level, child.ID, child.Level)
		}
		path = append(path, child)
		node = child
	}
	return path, slots, nil
}

func chooseSubtree(entries []Entry, r Region) int {
	best := -1
	bestEnlargement, bestArea := math.Inf(1), math.Inf(1)
	for i, e := range entries {
		area := e.Region.Area()
		enlargement := e.Region.Union(r).Area() - area
		// Overflowing volumes compare as the largest possible.
		if math.IsNaN(area) {
			area = math.Inf(1)
		}
		if math.IsNaN(enlargement) {
			enlargement = math.Inf(1)
		}
		if best < 0 || enlargement < bestEnlargement || (enlargement == bestEnlargement && area < bestArea) {
			best, bestEnlargement, bestArea = i, enlargement, area
		}
	}
	return best
}

// propagate writes the modified bottom node of path and fixes its ancestors:
// overflowing nodes are split, the new sibling is added to the parent and
// parent entries are resized. A split of the root grows the tree by a level.
func (t *RTree) propagate(path []*Node, slots []int) error {
	var sibling *Node
	splits := 0
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		if i < len(path)-1 {
			childBounds := path[i+1].Bounds()
			if sibling == nil && n.Entries[slots[i]].Region.Equal(childBounds) {
				// Nothing above this point changes.
				break
			}
			n.Entries[slots[i]].Region = childBounds
			if sibling != nil {
				n.Entries = append(n.Entries, Entry{Region: sibling.Bounds(), ID: uint64(sibling.ID)})
				sibling = nil
			}
		}
		if len(n.Entries) > t.meta.MaxEntries {
			var err error
			if sibling, err = t.split(n); err != nil {
				return err
			}
			splits++
			continue
		}
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	t.metrics.AddSplits(context.Background(), splits)

	if sibling == nil {
		return nil
	}
	oldRoot := path[0]
	rootID, err := t.store.AllocatePage()
	if err != nil {
		return fmt.Errorf("failed to allocate new root: %w", err)
	}
	root := &Node{
		ID:    rootID,
		Level: oldRoot.Level + 1,
		Entries: []Entry{
			{Region: oldRoot.Bounds(), ID: uint64(oldRoot.ID)},
			{Region: sibling.Bounds(), ID: uint64(sibling.ID)},
		},
	}
	if err := t.writeNode(root); err != nil {
		return err
	}
	t.meta.Root = rootID
	t.meta.Height++
	t.logger.Debug("Root split, tree grew",
		zap.Uint64("root", uint64(rootID)), zap.Int("height", t.meta.Height))
	return nil
}
