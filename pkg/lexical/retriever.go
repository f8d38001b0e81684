package lexical

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// Name is the retriever identity used in fusion weights and traces.
const Name = "lexical"

// datasetConcurrency caps parallel per-dataset index queries per request.
const datasetConcurrency = 4

// Retriever fans one query out across the requested dataset indices and
// returns the union, best score first.
type Retriever struct {
	client  *Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewRetriever(client *Client, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		client:  client,
		timeout: time.Duration(client.cfg.TimeoutSeconds) * time.Second,
		logger:  logger,
	}
}

func (r *Retriever) Name() string { return Name }

func (r *Retriever) Timeout() time.Duration { return r.timeout }

func (r *Retriever) Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", retrieval.ErrInvalidRequest, err)
	}
	datasets := q.Datasets
	if len(datasets) == 0 {
		datasets = retrieval.AllSources()
	}

	perDataset := make([][]Hit, len(datasets))
	errs := make([]error, len(datasets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(datasetConcurrency)
	for i, dataset := range datasets {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()

			body := SearchBody(q.Text, q.TopK, r.client.cfg.Operator, q.Scope)
			hits, err := r.client.Search(dctx, r.client.IndexFor(dataset), body)
			if err != nil {
				// A missing or failing dataset index degrades this source,
				// it does not fail the whole lexical stage.
				errs[i] = err
				return nil
			}
			perDataset[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var failed int
	for i, err := range errs {
		if err != nil {
			failed++
			r.logger.Warn("lexical dataset query failed", "dataset", datasets[i], "error", err)
		}
	}
	if failed == len(datasets) {
		return nil, fmt.Errorf("%w: all %d lexical dataset queries failed: %v",
			retrieval.ErrUpstreamUnavailable, failed, errs[0])
	}

	now := time.Now()
	results := make([]retrieval.Result, 0, q.TopK)
	for _, hits := range perDataset {
		for _, h := range hits {
			// Server filter mirrors Admits; re-check the returned page so a
			// stale index cannot leak an inadmissible chunk.
			if !q.Scope.AdmitsAt(h.Chunk.Visibility, now) {
				continue
			}
			results = append(results, retrieval.Result{
				Chunk:      h.Chunk,
				Score:      h.Score,
				Scores:     map[string]float64{Name: h.Score},
				Retrievers: []string{Name},
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

// TopScore runs a cheap one-hit probe used by lexical-first gating.
func (r *Retriever) TopScore(ctx context.Context, q retrieval.Query) (float64, error) {
	probe := q
	probe.TopK = 1
	results, err := r.Search(ctx, probe)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Score, nil
}

// Siblings fetches the ordinal window around a chunk for the expansion
// stage, ordered by position and filtered by the same scope.
func (r *Retriever) Siblings(ctx context.Context, dataset retrieval.SourceType, documentID string, ordinal, window int, scope visibility.QueryScope) ([]retrieval.Chunk, error) {
	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body := SiblingsBody(documentID, ordinal, window, scope)
	hits, err := r.client.Search(dctx, r.client.IndexFor(dataset), body)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	chunks := make([]retrieval.Chunk, 0, len(hits))
	for _, h := range hits {
		if !scope.AdmitsAt(h.Chunk.Visibility, now) {
			continue
		}
		chunks = append(chunks, h.Chunk)
	}
	return chunks, nil
}
