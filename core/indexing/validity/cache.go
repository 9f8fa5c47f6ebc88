package validity

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/indexing/spatial"
	internaltelemetry "github.com/sushant-115/gojodb-spatial/internal/telemetry"
)

const tracerName = "github.com/sushant-115/gojodb-spatial/core/indexing/validity"

// CacheOptions configures a Cache.
type CacheOptions struct {
	// World is the region the cache can ever cover.
	World spatial.Region
	// MaxDepth bounds the validity quadtree; DefaultMaxDepth when zero.
	MaxDepth int
	// FetchRate limits upstream fetches per second; zero means unlimited.
	FetchRate rate.Limit
	// FetchBurst defaults to 1.
	FetchBurst int
	Logger     *zap.Logger
	Metrics    *internaltelemetry.IndexMetrics
	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
}

// CacheStats counts cache activity since creation.
type CacheStats struct {
	Lookups        uint64
	Hits           uint64
	Misses         uint64
	Refills        uint64
	FetchErrors    uint64
	FetchedRecords uint64
	Resets         uint64
	Payloads       int
	Overlay        OverlayStats
}

// Cache answers region queries from a spatial index, fetching from a Source
// whatever the validity overlay does not cover yet.
type Cache struct {
	index   *spatial.IndexManager
	src     Source
	limiter *rate.Limiter
	group   singleflight.Group
	logger  *zap.Logger
	metrics *internaltelemetry.IndexMetrics
	tracer  trace.Tracer

	// mu guards everything below and orders refills against each other.
	mu       sync.Mutex
	overlay  *Overlay
	payloads map[spatial.DataID][]byte
	modCount uint64
	stats    CacheStats
}

// NewCache builds a cache over index. The index is expected to hold only
// what this cache put there; changes made behind its back reset the overlay.
func NewCache(index *spatial.IndexManager, src Source, opts CacheOptions) (*Cache, error) {
	if index == nil || src == nil {
		return nil, fmt.Errorf("%w: cache needs an index and a source", dberrors.ErrInvalidConfig)
	}
	if opts.World.Dims() != index.Meta().Dims {
		return nil, fmt.Errorf("%w: world has %d dimensions, index has %d",
			dberrors.ErrInvalidConfig, opts.World.Dims(), index.Meta().Dims)
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	overlay, err := NewOverlay(opts.World, opts.MaxDepth)
	if err != nil {
		return nil, err
	}
	if opts.FetchRate == 0 {
		opts.FetchRate = rate.Inf
	}
	if opts.FetchBurst <= 0 {
		opts.FetchBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Cache{
		index:    index,
		src:      src,
		limiter:  rate.NewLimiter(opts.FetchRate, opts.FetchBurst),
		logger:   opts.Logger.Named("validity_cache"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		overlay:  overlay,
		payloads: make(map[spatial.DataID][]byte),
		modCount: index.ModCount(),
	}, nil
}

// Query returns every record intersecting r, fetching from the source first
// when r is not fully covered.
func (c *Cache) Query(ctx context.Context, r spatial.Region) ([]Record, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !c.overlay.world.Contains(r) {
		c.mu.Unlock()
		return c.passThrough(ctx, r)
	}
	c.syncLocked()
	covered := c.overlay.IsCovered(r)
	c.stats.Lookups++
	if covered {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
	c.metrics.RecordLookup(ctx, covered)

	if !covered {
		if err := c.refill(ctx, r); err != nil {
			return nil, err
		}
	}

	entries, err := c.index.Search(r, spatial.Intersects)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, Record{Region: e.Region, ID: e.ID, Payload: c.payloads[e.ID]})
	}
	return records, nil
}

// refill loads the grid-aligned cover of r from the source. Concurrent
// refills of the same region share one fetch.
func (c *Cache) refill(ctx context.Context, r spatial.Region) error {
	c.mu.Lock()
	aligned, ok := c.overlay.Align(r)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is outside the cache world", dberrors.ErrInvalidRegion, r)
	}
	_, err, shared := c.group.Do(aligned.String(), func() (any, error) {
		return nil, c.fetch(ctx, aligned)
	})
	if shared {
		c.logger.Debug("Joined in-flight fetch", zap.Stringer("region", aligned))
	}
	return err
}

func (c *Cache) fetch(ctx context.Context, r spatial.Region) (err error) {
	ctx, span := c.tracer.Start(ctx, "validity.fetch", trace.WithAttributes(
		attribute.String("region", r.String()),
	))
	var records []Record
	defer func() {
		c.metrics.RecordRefill(ctx, len(records), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err = c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("fetch throttled: %w", err)
	}
	records, err = c.src.Fetch(ctx, r)
	if err != nil {
		c.mu.Lock()
		c.stats.FetchErrors++
		c.mu.Unlock()
		c.logger.Warn("Source fetch failed", zap.Stringer("region", r), zap.Error(err))
		return fmt.Errorf("failed to fetch %s: %w", r, err)
	}
	span.SetAttributes(attribute.Int("records", len(records)))

	entries := make([]spatial.Entry, 0, len(records))
	for _, rec := range records {
		if rec.Region.Validate() != nil || !rec.Region.Intersects(r) {
			continue
		}
		entries = append(entries, spatial.Entry{Region: rec.Region, ID: rec.ID})
	}
	if skipped := len(records) - len(entries); skipped > 0 {
		c.logger.Warn("Ignored records outside the fetched region", zap.Int("count", skipped))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
	removed, err := c.index.Replace(r, entries)
	for _, e := range removed {
		delete(c.payloads, e.ID)
	}
	if err != nil {
		// The index may be partly refilled; make sure nothing claims coverage.
		c.overlay.Invalidate(r)
		c.modCount = c.index.ModCount()
		return err
	}
	for _, rec := range records {
		if rec.Payload != nil && rec.Region.Validate() == nil && rec.Region.Intersects(r) {
			c.payloads[rec.ID] = rec.Payload
		}
	}
	c.overlay.MarkValid(r)
	c.modCount = c.index.ModCount()
	c.stats.Refills++
	c.stats.FetchedRecords += uint64(len(entries))
	c.logger.Debug("Refilled region",
		zap.Stringer("region", r), zap.Int("records", len(entries)), zap.Int("evicted", len(removed)))
	return nil
}

// passThrough serves a region reaching outside the world straight from the
// source, leaving the index alone.
func (c *Cache) passThrough(ctx context.Context, r spatial.Region) ([]Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch throttled: %w", err)
	}
	records, err := c.src.Fetch(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", r, err)
	}
	out := records[:0:0]
	for _, rec := range records {
		if rec.Region.Intersects(r) {
			out = append(out, rec)
		}
	}
	c.logger.Debug("Served region outside the world from the source",
		zap.Stringer("region", r), zap.Int("records", len(out)))
	return out, nil
}

// syncLocked resets the overlay when the index changed without the cache.
func (c *Cache) syncLocked() {
	mc := c.index.ModCount()
	if mc == c.modCount {
		return
	}
	c.logger.Info("Index modified outside the cache, resetting validity",
		zap.Uint64("expected_mod_count", c.modCount), zap.Uint64("mod_count", mc))
	c.overlay.Reset()
	c.modCount = mc
	c.stats.Resets++
}

// Invalidate forgets that r is complete; the next query touching it refetches.
func (c *Cache) Invalidate(r spatial.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overlay.Invalidate(r)
}

// Covered reports whether r would be answered without a fetch.
func (c *Cache) Covered(r spatial.Region) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
	return c.overlay.IsCovered(r)
}

// Hits returns the overlay usage count for r.
func (c *Cache) Hits(r spatial.Region) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlay.Hits(r)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Payloads = len(c.payloads)
	st.Overlay = c.overlay.Stats()
	return st
}
