package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// IndexMetrics holds the metric instruments for the spatial index and its
// validity cache. A nil *IndexMetrics records nothing.
type IndexMetrics struct {
	OpsCounter            metric.Int64Counter
	OpLatencyHistogram    metric.Float64Histogram
	SplitsCounter         metric.Int64Counter
	ReinsertionsCounter   metric.Int64Counter
	CacheLookupsCounter   metric.Int64Counter
	CacheRefillsCounter   metric.Int64Counter
	FetchedRecordsCounter metric.Int64Counter
}

// NewIndexMetrics creates and registers all the index instruments on meter.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	opsCounter, err := meter.Int64Counter(
		"gojodb.spatial.operations_total",
		metric.WithDescription("Total number of index operations by kind and outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Float64Histogram(
		"gojodb.spatial.operation.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	splitsCounter, err := meter.Int64Counter(
		"gojodb.spatial.node_splits_total",
		metric.WithDescription("Total number of node splits, root splits included."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reinsertionsCounter, err := meter.Int64Counter(
		"gojodb.spatial.reinsertions_total",
		metric.WithDescription("Entries reinserted after a node underflow."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookupsCounter, err := meter.Int64Counter(
		"gojodb.validity.lookups_total",
		metric.WithDescription("Cache queries by whether the region was already covered."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheRefillsCounter, err := meter.Int64Counter(
		"gojodb.validity.refills_total",
		metric.WithDescription("Upstream fetches performed to refill the cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fetchedRecordsCounter, err := meter.Int64Counter(
		"gojodb.validity.fetched_records_total",
		metric.WithDescription("Records received from the upstream source."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		OpsCounter:            opsCounter,
		OpLatencyHistogram:    opLatencyHistogram,
		SplitsCounter:         splitsCounter,
		ReinsertionsCounter:   reinsertionsCounter,
		CacheLookupsCounter:   cacheLookupsCounter,
		CacheRefillsCounter:   cacheRefillsCounter,
		FetchedRecordsCounter: fetchedRecordsCounter,
	}, nil
}

// RecordOp counts one operation and its latency since start.
func (m *IndexMetrics) RecordOp(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	)
	m.OpsCounter.Add(ctx, 1, attrs)
	m.OpLatencyHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
}

// AddSplits counts node splits.
func (m *IndexMetrics) AddSplits(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SplitsCounter.Add(ctx, int64(n))
}

// AddReinsertions counts entries reinserted after an underflow.
func (m *IndexMetrics) AddReinsertions(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReinsertionsCounter.Add(ctx, int64(n))
}

// RecordLookup counts a cache query and whether it was served without a refill.
func (m *IndexMetrics) RecordLookup(ctx context.Context, covered bool) {
	if m == nil {
		return
	}
	m.CacheLookupsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("covered", covered)))
}

// RecordRefill counts an upstream fetch and the records it returned.
func (m *IndexMetrics) RecordRefill(ctx context.Context, records int, err error) {
	if m == nil {
		return
	}
	m.CacheRefillsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
	if records > 0 {
		m.FetchedRecordsCounter.Add(ctx, int64(records))
	}
}
