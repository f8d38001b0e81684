package graphrag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/graphstore"
	"github.com/iurislab/relator/pkg/retrieval"
)

// Name is the retriever identity used in fusion weights and traces.
const Name = "graph"

// chunkFetchFactor over-fetches before the dataset filter and the
// admissibility re-check trim the page.
const chunkFetchFactor = 3

// Retriever surfaces chunks reachable through entity mentions. It matches
// entities extracted from the query against the graph and follows MENTIONS
// edges back to chunk text, so citation-shaped queries hit even when neither
// lexical nor vector scoring ranks the chunk.
type Retriever struct {
	store   graphstore.Store
	timeout time.Duration
	logger  *slog.Logger
}

func NewRetriever(store graphstore.Store, cfg *config.GraphConfig, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:   store,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:  logger,
	}
}

func (r *Retriever) Name() string { return Name }

func (r *Retriever) Timeout() time.Duration { return r.timeout }

// Search tolerates empty query text: graph-only requests carry no text and
// extraction of nothing yields nothing.
func (r *Retriever) Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	if q.TopK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", retrieval.ErrInvalidRequest, q.TopK)
	}
	if err := q.Scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", retrieval.ErrInvalidRequest, err)
	}

	seeds := Extract(q.Text)
	if len(seeds) == 0 {
		// Nothing entity-shaped in the query. The graph has no opinion;
		// the other retrievers carry the request.
		return nil, nil
	}
	names := make([]string, len(seeds))
	for i, s := range seeds {
		names[i] = s.Norm
	}

	entities, err := r.store.SeedsByName(ctx, names, q.Scope, maxSeeds)
	if err != nil {
		return nil, fmt.Errorf("%w: graph seed lookup: %s", retrieval.ErrUpstreamUnavailable, err)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	ids := make([]string, len(entities))
	for i, ent := range entities {
		ids[i] = ent.ID
	}

	scored, err := r.store.ChunksForEntities(ctx, ids, q.Scope, q.TopK*chunkFetchFactor)
	if err != nil {
		return nil, fmt.Errorf("%w: graph chunk lookup: %s", retrieval.ErrUpstreamUnavailable, err)
	}

	wanted := datasetSet(q.Datasets)
	now := time.Now()
	results := make([]retrieval.Result, 0, q.TopK)
	for _, sc := range scored {
		if wanted != nil {
			if _, ok := wanted[sc.Chunk.Dataset]; !ok {
				continue
			}
		}
		// Server filter mirrors Admits; re-check the returned page so a
		// stale graph cannot leak an inadmissible chunk.
		if !q.Scope.AdmitsAt(sc.Chunk.Visibility, now) {
			continue
		}
		results = append(results, retrieval.Result{
			Chunk:      sc.Chunk,
			Score:      sc.Score,
			Scores:     map[string]float64{Name: sc.Score},
			Retrievers: []string{Name},
		})
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

func datasetSet(datasets []retrieval.SourceType) map[retrieval.SourceType]struct{} {
	if len(datasets) == 0 {
		return nil
	}
	set := make(map[retrieval.SourceType]struct{}, len(datasets))
	for _, ds := range datasets {
		set[ds] = struct{}{}
	}
	return set
}
