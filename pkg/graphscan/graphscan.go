// Package graphscan runs deterministic risk detectors over the legal
// knowledge graph for audit workflows. Each detector is an independent rule
// bounded by its own timeout; a scan aggregates their signals into a
// tenant-owned report that can be persisted with a retention window.
//
// Scans read the full graph with auditor privileges. The report carries the
// requesting tenant so access to stored reports stays tenant-scoped even
// though the topology the detectors measure is global.
package graphscan

import (
	"context"
	"time"

	"github.com/iurislab/relator/pkg/graphstore"
)

// Detector is one deterministic scan rule. Run returns scored signals;
// backends that lack the required algorithm support return
// retrieval.ErrUnsupported and the runner skips the detector.
type Detector struct {
	Name string
	Run  func(ctx context.Context, g graphstore.Analytics) ([]Signal, error)
}

// Signal is one detector finding. Score is normalized within the detector
// batch so signals from different detectors share one ordering; Value keeps
// the raw metric (document count, degree, centrality, cluster size).
type Signal struct {
	Detector string              `json:"detector"`
	Score    float64             `json:"score"`
	Value    float64             `json:"value"`
	Summary  string              `json:"summary"`
	Entities []graphstore.Entity `json:"entities,omitempty"`

	// SharedDocs samples the documents that jointly mention a two-entity
	// signal's pair, capped at five.
	SharedDocs []string `json:"shared_docs,omitempty"`
}

// RunStatus is the per-detector outcome inside a report.
type RunStatus string

const (
	RunOK          RunStatus = "ok"
	RunUnsupported RunStatus = "unsupported"
	RunFailed      RunStatus = "failed"
)

// DetectorRun records one detector execution.
type DetectorRun struct {
	Name      string    `json:"name"`
	Status    RunStatus `json:"status"`
	Signals   int       `json:"signals"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
}

// Report is the aggregate outcome of one scan: every detector's status plus
// the globally sorted, capped signal list.
type Report struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	StartedAt time.Time     `json:"started_at"`
	ElapsedMS int64         `json:"elapsed_ms"`
	Detectors []DetectorRun `json:"detectors"`
	Signals   []Signal      `json:"signals"`
}

// normalizeScores rescales a batch so its strongest signal scores 1.0. Raw
// metrics are incomparable across detectors (counts, weights, centralities);
// batch-relative scores make the global ordering meaningful.
func normalizeScores(signals []Signal) []Signal {
	var max float64
	for _, s := range signals {
		if s.Value > max {
			max = s.Value
		}
	}
	if max <= 0 {
		return signals
	}
	for i := range signals {
		signals[i].Score = signals[i].Value / max
	}
	return signals
}

// maxSignalEntities bounds the member sample attached to cluster and
// community signals; Value keeps the real size.
const maxSignalEntities = 10

func sampleEntities(members []graphstore.Entity) []graphstore.Entity {
	if len(members) <= maxSignalEntities {
		return members
	}
	return members[:maxSignalEntities]
}
