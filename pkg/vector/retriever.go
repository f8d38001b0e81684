package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/embedders"
	"github.com/iurislab/relator/pkg/retrieval"
)

// Name is the retriever identity used in fusion weights and traces.
const Name = "vector"

// Retriever embeds the query once and fans it out across the requested
// dataset collections. It reports the store's native similarity untouched;
// cross-retriever fusion happens upstream.
type Retriever struct {
	store    Store
	embedder embedders.Embedder
	cfg      *config.VectorConfig
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRetriever(store Store, embedder embedders.Embedder, cfg *config.VectorConfig, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:   logger,
	}
}

func (r *Retriever) Name() string { return Name }

func (r *Retriever) Timeout() time.Duration { return r.timeout }

// Store exposes the backend for seeding and admin surfaces.
func (r *Retriever) Store() Store { return r.store }

func (r *Retriever) Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", retrieval.ErrInvalidRequest, err)
	}
	datasets := q.Datasets
	if len(datasets) == 0 {
		datasets = retrieval.AllSources()
	}

	// A hypothetical document rides along with the query text: one embedding
	// carries both, so the dense side sees the query's intent and the HyDE
	// draft's vocabulary together.
	text := q.Text
	if q.Hypothetical != "" {
		text = q.Text + "\n\n" + q.Hypothetical
	}
	dense, err := r.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %s", retrieval.ErrUpstreamUnavailable, err)
	}

	// The sparse side stays on the literal query: hypothetical text would
	// shift its term statistics away from what the user asked.
	var sparse *SparseVector
	if r.cfg.EnableSparse {
		sparse = EncodeSparse(q.Text)
	}

	perDataset := make([][]Match, len(datasets))
	errs := make([]error, len(datasets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency())
	for i, dataset := range datasets {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()

			matches, err := r.store.Query(dctx, Request{
				Collection: CollectionFor(r.cfg, dataset),
				Dense:      dense,
				Sparse:     sparse,
				TopK:       q.TopK,
				Scope:      q.Scope,
			})
			if err != nil {
				// One collection failing degrades this source, it does not
				// fail the whole vector stage.
				errs[i] = err
				return nil
			}
			perDataset[i] = matches
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
			r.logger.Warn("vector dataset query failed", "dataset", datasets[i], "error", err)
		}
	}
	if failed == len(datasets) {
		return nil, fmt.Errorf("%w: all %d vector collection queries failed: %v",
			retrieval.ErrUpstreamUnavailable, failed, errs[0])
	}

	now := time.Now()
	results := make([]retrieval.Result, 0, q.TopK)
	seen := make(map[string]bool)
	for _, matches := range perDataset {
		for _, m := range matches {
			// Native filters mirror Admits; re-check the returned page so a
			// lagging backend cannot leak an inadmissible chunk.
			if !q.Scope.AdmitsAt(m.Chunk.Visibility, now) {
				continue
			}
			if seen[m.Chunk.ID] {
				continue
			}
			seen[m.Chunk.ID] = true
			results = append(results, retrieval.Result{
				Chunk:      m.Chunk,
				Score:      m.Score,
				Scores:     map[string]float64{Name: m.Score},
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

func (r *Retriever) concurrency() int {
	if r.cfg.QueryMaxConcurrency > 0 {
		return r.cfg.QueryMaxConcurrency
	}
	return 4
}
