package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
)

// CohereReranker calls the hosted /v1/rerank endpoint. When a fallback is
// configured, remote failures degrade to it instead of failing the stage.
type CohereReranker struct {
	cfg      config.RerankConfig
	apiKey   string
	client   *httpclient.Client
	fallback Reranker
	logger   *slog.Logger
}

// NewCohereReranker builds the remote reranker. fallback may be nil.
func NewCohereReranker(cfg config.RerankConfig, fallback Reranker, logger *slog.Logger) *CohereReranker {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("COHERE_API_KEY")
	}
	return &CohereReranker{
		cfg:    cfg,
		apiKey: apiKey,
		client: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second),
			httpclient.WithMaxRetries(2),
			httpclient.WithLogger(logger),
		),
		fallback: fallback,
		logger:   logger,
	}
}

func (r *CohereReranker) Name() string { return "cohere" }

type cohereRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank posts the candidate texts and maps returned (index, score) pairs
// back onto results. Remote failure falls back to the local reranker when
// one is wired, else surfaces the error for the runner to degrade on.
func (r *CohereReranker) Rerank(ctx context.Context, meter *budget.Meter, query string, candidates []retrieval.Result, topK int) ([]retrieval.Result, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	if r.apiKey == "" {
		return r.degrade(ctx, meter, query, candidates, topK, fmt.Errorf("cohere api key not configured"))
	}

	docs := make([]string, len(candidates))
	for i, res := range candidates {
		text := res.EffectiveText()
		if len(text) > 2000 {
			text = text[:2000]
		}
		docs[i] = text
	}

	var resp cohereRerankResponse
	err := r.client.DoJSON(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/rerank",
		map[string]string{"Authorization": "Bearer " + r.apiKey},
		cohereRerankRequest{
			Model:     r.cfg.Model,
			Query:     query,
			Documents: docs,
			TopN:      topK,
		}, &resp)
	if err != nil {
		return r.degrade(ctx, meter, query, candidates, topK, err)
	}
	if len(resp.Results) == 0 {
		return r.degrade(ctx, meter, query, candidates, topK, fmt.Errorf("cohere returned no results"))
	}

	out := make([]retrieval.Result, 0, len(resp.Results))
	for _, item := range resp.Results {
		if item.Index < 0 || item.Index >= len(candidates) {
			continue
		}
		res := candidates[item.Index].Clone()
		score := item.RelevanceScore
		res.RerankScore = &score
		res.Provenance = append(res.Provenance, "rerank")
		out = append(out, res)
		if len(out) == topK {
			break
		}
	}
	if len(out) == 0 {
		return r.degrade(ctx, meter, query, candidates, topK, fmt.Errorf("cohere indices out of range"))
	}
	return out, nil
}

func (r *CohereReranker) degrade(ctx context.Context, meter *budget.Meter, query string, candidates []retrieval.Result, topK int, cause error) ([]retrieval.Result, error) {
	if r.fallback == nil {
		return nil, cause
	}
	r.logger.Warn("cohere rerank failed, using local fallback", "error", cause)
	return r.fallback.Rerank(ctx, meter, query, candidates, topK)
}
