package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testRecorder(t *testing.T) (*PrometheusMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	requestDuration, err := meter.Float64Histogram("relator_request_duration_seconds")
	require.NoError(t, err)
	requests, err := meter.Int64Counter("relator_requests_total")
	require.NoError(t, err)
	requestErrors, err := meter.Int64Counter("relator_request_errors_total")
	require.NoError(t, err)

	return &PrometheusMetrics{
		requestDuration: requestDuration,
		requestsTotal:   requests,
		requestErrors:   requestErrors,
	}, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordRequestRecordsDurationAndCount(t *testing.T) {
	m, reader := testRecorder(t)

	m.RecordRequest(context.Background(), 250*time.Millisecond, nil)
	m.RecordRequest(context.Background(), 750*time.Millisecond, errors.New("upstream down"))

	metrics := collect(t, reader)

	hist, ok := metrics["relator_request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.InDelta(t, 1.0, hist.DataPoints[0].Sum, 1e-9)

	total, ok := metrics["relator_requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, total.DataPoints, 1)
	assert.Equal(t, int64(2), total.DataPoints[0].Value)

	errs, ok := metrics["relator_request_errors_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errs.DataPoints, 1)
	assert.Equal(t, int64(1), errs.DataPoints[0].Value)
}

func TestRecordRequestNoopWithoutInstruments(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordRequest(context.Background(), time.Second, nil)

	zero := &PrometheusMetrics{}
	zero.RecordRequest(context.Background(), time.Second, errors.New("ignored"))
}
