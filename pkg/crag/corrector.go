package crag

import (
	"context"
	"log/slog"
	"time"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/observability"
	"github.com/iurislab/relator/pkg/retrieval"
)

// RetryFunc re-runs retrieval and fusion with the strategy's knobs applied.
// It returns the fused results of the attempt and the maximum attainable
// fused mass for that attempt's weight set.
type RetryFunc func(ctx context.Context, strategy Strategy, p Params) ([]retrieval.Result, float64, error)

// Corrector runs the gate-and-retry loop above the pipeline's fusion step.
type Corrector struct {
	cfg    config.CRAGConfig
	gate   *Gate
	logger *slog.Logger
}

// NewCorrector wires a corrector over the given thresholds.
func NewCorrector(cfg config.CRAGConfig, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{cfg: cfg, gate: NewGate(cfg), logger: logger}
}

// Gate exposes the underlying classifier for callers that only assess.
func (c *Corrector) Gate() *Gate { return c.gate }

// Outcome is what the corrective loop settled on: the winning result set,
// its assessment, and the corrective actions taken along the way.
type Outcome struct {
	Results     []retrieval.Result
	Assessment  Assessment
	Corrections []retrieval.CorrectiveAction
}

// Run assesses the initial fused set and, while evidence is below strong and
// retries remain, picks the next unused strategy for the current evidence
// level and re-runs retrieval through retry. Every attempt is recorded in
// the trace; the best attempt wins even when all of them miss strong.
//
// Fatal errors (budget, cancellation) abort immediately. Recoverable retry
// failures are recorded and the loop moves to the next strategy.
func (c *Corrector) Run(
	ctx context.Context,
	trace *audit.Trace,
	initial []retrieval.Result,
	maxFused float64,
	retry RetryFunc,
) (Outcome, error) {
	assessment := c.gate.Assess(initial, maxFused)
	c.recordGate(ctx, trace, assessment, 0)

	out := Outcome{Results: initial, Assessment: assessment}
	if assessment.Evidence == retrieval.EvidenceStrong || c.cfg.MaxRetries == 0 || retry == nil {
		return out, nil
	}

	current := assessment
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, retrieval.NewStageError("crag", "retry", "context done", retrieval.ErrCancelled)
		}

		plan := Plan(current.Evidence, trace.UsedStrategies())
		if len(plan) == 0 {
			break
		}
		strategy := plan[0]
		params := paramsFor(strategy, c.cfg)

		c.logger.Debug("corrective retry",
			"attempt", attempt,
			"evidence", string(current.Evidence),
			"strategy", string(strategy))
		observability.GetGlobalMetrics().RecordCorrective(ctx, string(strategy))

		start := time.Now()
		results, attemptMax, err := retry(ctx, strategy, params)
		elapsed := time.Since(start)

		rec := &audit.CorrectiveRecord{
			Strategy:  string(strategy),
			Params:    params.String(),
			ElapsedMS: elapsed.Milliseconds(),
		}
		if err != nil {
			rec.Error = err.Error()
		} else {
			rec.ResultCount = len(results)
			if len(results) > 0 {
				rec.BestScore = results[0].FusedScore
			}
		}
		trace.Record(audit.StageEvent{
			Kind:       audit.EventCorrective,
			Stage:      "crag",
			Corrective: rec,
		})

		if err != nil {
			if retrieval.Fatal(err) {
				return out, err
			}
			c.logger.Warn("corrective strategy failed",
				"strategy", string(strategy), "error", err)
			continue
		}

		attemptAssessment := c.gate.Assess(results, attemptMax)
		c.recordGate(ctx, trace, attemptAssessment, attempt)

		action := retrieval.CorrectiveAction{
			Strategy: string(strategy),
			Detail:   params.String(),
			Before:   current.Evidence,
			After:    attemptAssessment.Evidence,
			Gained:   len(results) - current.Count,
		}
		out.Corrections = append(out.Corrections, action)

		if attemptAssessment.Better(out.Assessment) {
			out.Results = results
			out.Assessment = attemptAssessment
		}
		current = attemptAssessment

		if out.Assessment.Evidence == retrieval.EvidenceStrong {
			break
		}
	}

	return out, nil
}

func (c *Corrector) recordGate(ctx context.Context, trace *audit.Trace, a Assessment, attempt int) {
	trace.Record(audit.StageEvent{
		Kind:  audit.EventGateResult,
		Stage: "crag",
		Gate: &audit.GateRecord{
			BestScore: a.BestScore,
			AvgTop3:   a.AvgTop3,
			Evidence:  string(a.Evidence),
			Attempt:   attempt,
		},
	})
	observability.GetGlobalMetrics().RecordGate(ctx, string(a.Evidence))
}
