package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/iurislab/relator/pkg/config"
)

// InitMetrics builds the Prometheus-backed meter and, when an address is
// configured, serves /metrics on it.
func InitMetrics(_ context.Context, cfg config.MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("relator")

	stageDuration, err := meter.Float64Histogram(
		"relator_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"relator_request_duration_seconds",
		metric.WithDescription("End-to-end pipeline request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requests, err := meter.Int64Counter(
		"relator_requests_total",
		metric.WithDescription("Total pipeline requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	requestErrors, err := meter.Int64Counter(
		"relator_request_errors_total",
		metric.WithDescription("Total pipeline request errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request errors counter: %w", err)
	}

	retrieverDuration, err := meter.Float64Histogram(
		"relator_retriever_duration_seconds",
		metric.WithDescription("Retriever call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever duration histogram: %w", err)
	}

	retrieverErrors, err := meter.Int64Counter(
		"relator_retriever_errors_total",
		metric.WithDescription("Total retriever errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"relator_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"relator_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLMs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"relator_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLMs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"relator_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	gateResults, err := meter.Int64Counter(
		"relator_gate_results_total",
		metric.WithDescription("CRAG gate classifications by evidence level"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate results counter: %w", err)
	}

	corrective, err := meter.Int64Counter(
		"relator_corrective_actions_total",
		metric.WithDescription("Corrective strategies executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create corrective actions counter: %w", err)
	}

	detectorDuration, err := meter.Float64Histogram(
		"relator_detector_duration_seconds",
		metric.WithDescription("Risk detector run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector duration histogram: %w", err)
	}

	detectorSignals, err := meter.Int64Counter(
		"relator_detector_signals_total",
		metric.WithDescription("Risk signals emitted by detectors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector signals counter: %w", err)
	}

	if cfg.Addr != "" {
		go serveMetrics(cfg.Addr)
	}

	return &PrometheusMetrics{
		stageDuration:     stageDuration,
		requestDuration:   requestDuration,
		requestsTotal:     requests,
		requestErrors:     requestErrors,
		retrieverDuration: retrieverDuration,
		retrieverErrors:   retrieverErrors,
		llmDuration:       llmDuration,
		llmInputTokens:    llmInputTokens,
		llmOutputTokens:   llmOutputTokens,
		llmErrorsTotal:    llmErrors,
		gateResults:       gateResults,
		correctiveTotal:   corrective,
		detectorDuration:  detectorDuration,
		detectorSignals:   detectorSignals,
	}, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	_ = server.ListenAndServe()
}
