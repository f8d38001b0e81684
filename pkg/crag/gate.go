// Package crag implements the corrective retrieval gate: evidence
// classification over fused scores, an ordered strategy plan per evidence
// level, and the bounded retry loop that runs strategies until the evidence
// is strong or the retry budget is spent.
package crag

import (
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
)

// Assessment is one gate verdict over a fused result set. Scores are
// normalized to [0,1] against the maximum attainable fused mass so the
// configured thresholds mean the same thing regardless of retriever count
// and weights.
type Assessment struct {
	Evidence  retrieval.EvidenceLevel
	BestScore float64
	AvgTop3   float64
	Count     int
}

// evidenceRank orders levels for best-attempt comparison.
func evidenceRank(e retrieval.EvidenceLevel) int {
	switch e {
	case retrieval.EvidenceStrong:
		return 3
	case retrieval.EvidenceModerate:
		return 2
	case retrieval.EvidenceLow:
		return 1
	default:
		return 0
	}
}

// Better reports whether a is a stronger outcome than b: evidence level
// first, best score as the tie-break.
func (a Assessment) Better(b Assessment) bool {
	ra, rb := evidenceRank(a.Evidence), evidenceRank(b.Evidence)
	if ra != rb {
		return ra > rb
	}
	return a.BestScore > b.BestScore
}

// Gate classifies fused result sets against the configured threshold pairs.
type Gate struct {
	cfg config.CRAGConfig
}

// NewGate returns a gate over the given thresholds.
func NewGate(cfg config.CRAGConfig) *Gate {
	return &Gate{cfg: cfg}
}

// MaxAttainable is the fused score a chunk ranked first by every retriever
// would receive: Σ w_r/(k+1). Dividing by it maps fused scores onto [0,1].
func MaxAttainable(k int, weights ...float64) float64 {
	if k <= 0 {
		k = 60
	}
	var sum float64
	for _, w := range weights {
		if w == 0 {
			w = 1.0
		}
		sum += w / float64(k+1)
	}
	return sum
}

// Assess classifies the fused set. Both metrics of a threshold pair must
// pass for the tier; an empty set is insufficient.
func (g *Gate) Assess(results []retrieval.Result, maxFused float64) Assessment {
	if len(results) == 0 {
		return Assessment{Evidence: retrieval.EvidenceInsufficient}
	}
	if maxFused <= 0 {
		maxFused = 1.0
	}

	best := results[0].FusedScore / maxFused
	var sum float64
	n := len(results)
	if n > 3 {
		n = 3
	}
	for i := 0; i < n; i++ {
		sum += results[i].FusedScore / maxFused
	}
	avg := sum / float64(n)

	a := Assessment{BestScore: best, AvgTop3: avg, Count: len(results)}
	switch {
	case best >= g.cfg.StrongBest && avg >= g.cfg.StrongAvg:
		a.Evidence = retrieval.EvidenceStrong
	case best >= g.cfg.ModerateBest && avg >= g.cfg.ModerateAvg:
		a.Evidence = retrieval.EvidenceModerate
	default:
		a.Evidence = retrieval.EvidenceLow
	}
	return a
}
