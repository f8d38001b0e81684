package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = &PrometheusMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics is the recording surface the pipeline uses. A zero
// PrometheusMetrics satisfies it as a noop.
type Metrics interface {
	RecordRequest(ctx context.Context, duration time.Duration, err error)
	RecordStage(ctx context.Context, stage string, duration time.Duration)
	RecordRetriever(ctx context.Context, retriever string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordGate(ctx context.Context, evidence string)
	RecordCorrective(ctx context.Context, strategy string)
	RecordDetector(ctx context.Context, detector string, duration time.Duration, signals int)
}

// PrometheusMetrics implements Metrics over OTel instruments. Nil
// instruments make every method a noop, which is the disabled mode.
type PrometheusMetrics struct {
	stageDuration   metric.Float64Histogram
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	requestErrors   metric.Int64Counter

	retrieverDuration metric.Float64Histogram
	retrieverErrors   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	gateResults     metric.Int64Counter
	correctiveTotal metric.Int64Counter

	detectorDuration metric.Float64Histogram
	detectorSignals  metric.Int64Counter
}

func (m *PrometheusMetrics) RecordRequest(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.requestsTotal == nil {
		return
	}
	m.requestsTotal.Add(ctx, 1)
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, duration.Seconds())
	}
	if err != nil && m.requestErrors != nil {
		m.requestErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *PrometheusMetrics) RecordRetriever(ctx context.Context, retriever string, duration time.Duration, err error) {
	if m == nil || m.retrieverDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("retriever", retriever))
	m.retrieverDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil && m.retrieverErrors != nil {
		m.retrieverErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if m.llmInputTokens != nil {
		m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	}
	if m.llmOutputTokens != nil {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordGate(ctx context.Context, evidence string) {
	if m == nil || m.gateResults == nil {
		return
	}
	m.gateResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("evidence", evidence)))
}

func (m *PrometheusMetrics) RecordCorrective(ctx context.Context, strategy string) {
	if m == nil || m.correctiveTotal == nil {
		return
	}
	m.correctiveTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *PrometheusMetrics) RecordDetector(ctx context.Context, detector string, duration time.Duration, signals int) {
	if m == nil || m.detectorDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("detector", detector))
	m.detectorDuration.Record(ctx, duration.Seconds(), attrs)
	if m.detectorSignals != nil {
		m.detectorSignals.Add(ctx, int64(signals), attrs)
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
