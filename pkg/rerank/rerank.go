// Package rerank reorders fused candidates by deeper relevance signals than
// rank fusion can see: LLM cross-scoring, late-interaction token similarity
// or a remote reranking API. Reranking is recoverable: any failure leaves
// the fused order standing.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/embedders"
	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/retrieval"
)

// Reranker reorders candidates by relevance to the query. Implementations
// set RerankScore on every result they return.
type Reranker interface {
	Rerank(ctx context.Context, meter *budget.Meter, query string, candidates []retrieval.Result, topK int) ([]retrieval.Result, error)
	Name() string
}

// New builds the configured reranker. "auto" picks the remote provider when
// its API key is present and the local LLM reranker otherwise, so dev
// environments never need the remote account.
func New(cfg config.RerankConfig, provider llms.Provider, embedder embedders.Embedder, logger *slog.Logger) (Reranker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	selected := cfg.Provider
	if selected == "auto" {
		if cohereKey(cfg) != "" {
			selected = "cohere"
		} else {
			selected = "llm"
		}
	}

	switch selected {
	case "llm":
		if provider == nil {
			return nil, fmt.Errorf("rerank: llm provider not configured")
		}
		return NewLLMReranker(cfg, provider, logger), nil
	case "colbert":
		if embedder == nil {
			return nil, fmt.Errorf("rerank: colbert needs an embedder")
		}
		return NewColBERTReranker(cfg, embedder, logger), nil
	case "cohere":
		var fallback Reranker
		if cfg.FallbackLocal && provider != nil {
			fallback = NewLLMReranker(cfg, provider, logger)
		}
		return NewCohereReranker(cfg, fallback, logger), nil
	}
	return nil, fmt.Errorf("rerank: unknown provider %q", cfg.Provider)
}

func cohereKey(cfg config.RerankConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	return os.Getenv("COHERE_API_KEY")
}

// Runner wraps a reranker with the pipeline's failure semantics: candidate
// capping, per-stage timeout, legal-domain boost and degrade-to-fused.
type Runner struct {
	reranker Reranker
	cfg      config.RerankConfig
	logger   *slog.Logger
}

// NewRunner builds the stage wrapper. reranker may be nil, which makes Run
// the identity on the fused head.
func NewRunner(reranker Reranker, cfg config.RerankConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{reranker: reranker, cfg: cfg, logger: logger}
}

// Run reranks the top MaxCandidates of fused and returns the new head
// followed by the untouched tail. On any reranker error the fused order is
// returned and the fallback is recorded in the trace.
func (r *Runner) Run(ctx context.Context, meter *budget.Meter, trace *audit.Trace, query string, fused []retrieval.Result) []retrieval.Result {
	if r.reranker == nil || len(fused) == 0 {
		return fused
	}

	head := fused
	var tail []retrieval.Result
	if len(head) > r.cfg.MaxCandidates {
		tail = head[r.cfg.MaxCandidates:]
		head = head[:r.cfg.MaxCandidates]
	}

	if r.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	reranked, err := r.reranker.Rerank(ctx, meter, query, head, len(head))
	if err != nil {
		r.logger.Warn("rerank failed, keeping fused order",
			"provider", r.reranker.Name(), "error", err)
		if trace != nil {
			trace.Record(audit.StageEvent{
				Kind:  audit.EventRerankFallback,
				Stage: "rerank",
				Note:  r.reranker.Name() + ": " + err.Error(),
			})
		}
		return fused
	}

	reranked = ApplyLegalBoost(reranked, r.cfg.LegalBoost)
	return append(reranked, tail...)
}

// ApplyLegalBoost adds boost to the rerank score of statute and case-law
// chunks, then restores descending order. Results without a rerank score
// are left alone.
func ApplyLegalBoost(results []retrieval.Result, boost float64) []retrieval.Result {
	if boost == 0 {
		return results
	}
	for i := range results {
		if results[i].RerankScore == nil {
			continue
		}
		switch results[i].Chunk.Dataset {
		case retrieval.SourceStatute, retrieval.SourceCaseLaw:
			boosted := *results[i].RerankScore + boost
			results[i].RerankScore = &boosted
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		si, sj := results[i].RerankScore, results[j].RerankScore
		switch {
		case si == nil && sj == nil:
			return false
		case sj == nil:
			return true
		case si == nil:
			return false
		}
		return *si > *sj
	})
	return results
}

// positionScore maps a rank position to the score reranked results carry:
// 1.0 for first place, 0.05 less per position, floored at 0.1.
func positionScore(position int) float64 {
	s := 1.0 - float64(position)*0.05
	if s < 0.1 {
		return 0.1
	}
	return s
}
