package internaltelemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(data metricdata.Aggregation) int64 {
	var total int64
	for _, dp := range data.(metricdata.Sum[int64]).DataPoints {
		total += dp.Value
	}
	return total
}

func TestIndexMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewIndexMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordOp(ctx, "insert", time.Now(), nil)
	m.RecordOp(ctx, "insert", time.Now(), errors.New("boom"))
	m.AddSplits(ctx, 2)
	m.AddSplits(ctx, 0)
	m.AddReinsertions(ctx, 5)
	m.RecordLookup(ctx, true)
	m.RecordLookup(ctx, false)
	m.RecordRefill(ctx, 4, nil)

	got := collect(t, reader)
	require.EqualValues(t, 2, sum(got["gojodb.spatial.operations_total"]))
	require.Len(t, got["gojodb.spatial.operations_total"].(metricdata.Sum[int64]).DataPoints, 2, "split by outcome")
	require.EqualValues(t, 2, sum(got["gojodb.spatial.node_splits_total"]))
	require.EqualValues(t, 5, sum(got["gojodb.spatial.reinsertions_total"]))
	require.EqualValues(t, 2, sum(got["gojodb.validity.lookups_total"]))
	require.EqualValues(t, 1, sum(got["gojodb.validity.refills_total"]))
	require.EqualValues(t, 4, sum(got["gojodb.validity.fetched_records_total"]))

	hist := got["gojodb.spatial.operation.duration"].(metricdata.Histogram[float64])
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	require.EqualValues(t, 2, count)
}

func TestNilIndexMetricsIsSafe(t *testing.T) {
	var m *IndexMetrics
	ctx := context.Background()
	require.NotPanics(t, func() {
		m.RecordOp(ctx, "search", time.Now(), nil)
		m.AddSplits(ctx, 1)
		m.AddReinsertions(ctx, 1)
		m.RecordLookup(ctx, true)
		m.RecordRefill(ctx, 1, nil)
	})
}
