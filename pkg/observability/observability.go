// Package observability wires tracing and metrics for the pipeline. With
// both disabled every hook is a noop; the request path never branches on
// instrumentation.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/iurislab/relator/pkg/config"
)

// Manager owns the tracer provider and metrics for the process.
type Manager struct {
	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        Metrics
	config         config.ObservabilityConfig
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{config: cfg}
}

// Initialize builds the exporters. Must run before the first request.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	SetGlobalMetrics(m.metrics)

	return nil
}

func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}
