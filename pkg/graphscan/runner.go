package graphscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/graphstore"
	"github.com/iurislab/relator/pkg/observability"
	"github.com/iurislab/relator/pkg/retrieval"
)

// sharedDocSample caps the jointly-mentioning documents attached to each
// two-entity signal.
const sharedDocSample = 5

// Runner executes the detector suite sequentially in canonical order, so
// two scans over the same graph produce the same report modulo id and
// timing. Detector failures and unsupported algorithms degrade to
// per-detector status records instead of failing the scan.
type Runner struct {
	graph     graphstore.Analytics
	cfg       *config.GraphScanConfig
	detectors []Detector
	logger    *slog.Logger
}

func NewRunner(graph graphstore.Analytics, cfg *config.GraphScanConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		graph:     graph,
		cfg:       cfg,
		detectors: selectDetectors(cfg, logger),
		logger:    logger,
	}
}

// selectDetectors honors the config subset, preserving suite order. Unknown
// names are logged and dropped.
func selectDetectors(cfg *config.GraphScanConfig, logger *slog.Logger) []Detector {
	all := Detectors(cfg)
	if len(cfg.Detectors) == 0 {
		return all
	}
	known := make(map[string]bool, len(all))
	for _, d := range all {
		known[d.Name] = true
	}
	wanted := make(map[string]bool, len(cfg.Detectors))
	for _, name := range cfg.Detectors {
		if !known[name] {
			logger.Warn("unknown detector in scan config", "detector", name)
			continue
		}
		wanted[name] = true
	}
	selected := make([]Detector, 0, len(wanted))
	for _, d := range all {
		if wanted[d.Name] {
			selected = append(selected, d)
		}
	}
	return selected
}

// Scan runs every selected detector, attaches shared-document evidence to
// pair signals, and returns the sorted, capped report.
func (r *Runner) Scan(ctx context.Context, tenantID string) (*Report, error) {
	if len(r.detectors) == 0 {
		return nil, fmt.Errorf("no detectors selected")
	}
	started := time.Now()
	report := &Report{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		StartedAt: started.UTC(),
	}
	timeout := time.Duration(r.cfg.DetectorTimeoutSeconds) * time.Second
	tracer := observability.GetTracer("relator.graphscan")

	for _, d := range r.detectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, signals := r.runDetector(ctx, tracer, d, timeout)
		report.Detectors = append(report.Detectors, rec)
		report.Signals = append(report.Signals, signals...)
	}

	r.attachSharedDocs(ctx, report.Signals)
	sortSignals(report.Signals)
	if r.cfg.GlobalCap > 0 && len(report.Signals) > r.cfg.GlobalCap {
		report.Signals = report.Signals[:r.cfg.GlobalCap]
	}
	report.ElapsedMS = time.Since(started).Milliseconds()
	return report, nil
}

func (r *Runner) runDetector(ctx context.Context, tracer trace.Tracer, d Detector, timeout time.Duration) (DetectorRun, []Signal) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dctx, span := tracer.Start(dctx, observability.SpanDetector,
		trace.WithAttributes(attribute.String(observability.AttrDetectorName, d.Name)))
	defer span.End()

	started := time.Now()
	signals, err := d.Run(dctx, r.graph)
	elapsed := time.Since(started)
	observability.GetGlobalMetrics().RecordDetector(ctx, d.Name, elapsed, len(signals))

	rec := DetectorRun{Name: d.Name, ElapsedMS: elapsed.Milliseconds()}
	switch {
	case err == nil:
		rec.Status = RunOK
		rec.Signals = len(signals)
		return rec, signals
	case errors.Is(err, retrieval.ErrUnsupported):
		rec.Status = RunUnsupported
		r.logger.Info("detector skipped", "detector", d.Name, "reason", "backend lacks algorithm support")
		return rec, nil
	default:
		span.RecordError(err)
		rec.Status = RunFailed
		rec.Error = err.Error()
		r.logger.Warn("detector failed", "detector", d.Name, "error", err)
		return rec, nil
	}
}

// attachSharedDocs samples the documents that mention both entities of a
// pair signal, so an auditor can follow the chain without re-querying the
// graph. Lookup failures leave the signal without samples.
func (r *Runner) attachSharedDocs(ctx context.Context, signals []Signal) {
	for i := range signals {
		if len(signals[i].Entities) != 2 {
			continue
		}
		docs, err := r.graph.SharedDocuments(ctx, signals[i].Entities[0].ID, signals[i].Entities[1].ID, sharedDocSample)
		if err != nil {
			r.logger.Warn("shared document lookup failed",
				"detector", signals[i].Detector, "error", err)
			continue
		}
		signals[i].SharedDocs = docs
	}
}

func sortSignals(signals []Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Score != signals[j].Score {
			return signals[i].Score > signals[j].Score
		}
		if signals[i].Detector != signals[j].Detector {
			return signals[i].Detector < signals[j].Detector
		}
		return firstEntityID(signals[i]) < firstEntityID(signals[j])
	})
}

func firstEntityID(s Signal) string {
	if len(s.Entities) == 0 {
		return ""
	}
	return s.Entities[0].ID
}
