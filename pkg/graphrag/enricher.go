package graphrag

import (
	"context"
	"log/slog"
	"time"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/graphstore"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// topExtract is how many of the best results contribute pattern seeds on
// top of the query itself.
const topExtract = 5

// Enricher expands query and result entities into graph evidence: rendered
// paths with stable identifiers plus flat triples.
type Enricher struct {
	store  graphstore.Store
	cfg    *config.GraphConfig
	logger *slog.Logger
}

func NewEnricher(store graphstore.Store, cfg *config.GraphConfig, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{store: store, cfg: cfg, logger: logger}
}

// Enrich extracts seeds from the query and the top results, resolves them
// against the graph, and walks their neighborhood within the configured
// bounds. Candidate edges join only when the request opts in. Enrichment is
// best-effort: a failing store degrades to empty evidence, never to a
// pipeline error.
func (e *Enricher) Enrich(ctx context.Context, trace *audit.Trace, query string, results []retrieval.Result, scope visibility.QueryScope, includeCandidates bool) retrieval.GraphEvidence {
	evidence := retrieval.GraphEvidence{}
	if e.store == nil {
		return evidence
	}
	start := time.Now()

	seeds := e.seedNames(query, results)
	if len(seeds) == 0 {
		return evidence
	}

	entities, err := e.store.SeedsByName(ctx, seeds, scope, maxSeeds)
	if err != nil {
		e.degrade(trace, "seed resolution", err)
		return evidence
	}
	if len(entities) == 0 {
		return evidence
	}

	ids := make([]string, len(entities))
	for i, ent := range entities {
		ids[i] = ent.ID
	}
	paths, err := e.store.Neighborhood(ctx, ids, graphstore.Traversal{
		Hops:              e.cfg.Hops,
		MaxNodes:          e.cfg.MaxNodes,
		MaxPaths:          e.cfg.MaxPaths,
		IncludeCandidates: includeCandidates,
		Scope:             scope,
	})
	if err != nil {
		e.degrade(trace, "neighborhood", err)
		return evidence
	}

	evidence = renderEvidence(paths, e.cfg.MaxPaths, e.cfg.MaxTriples)
	if trace != nil {
		trace.Record(audit.StageEvent{
			Kind:      audit.EventGraphEnrich,
			Stage:     "graph_enrich",
			ElapsedMS: time.Since(start).Milliseconds(),
			Counts: &audit.CountRecord{
				In:    len(seeds),
				Out:   len(evidence.Paths),
				Added: len(evidence.Triples),
			},
		})
	}
	return evidence
}

// seedNames merges query seeds with pattern seeds from the top results.
// Name guessing runs only on the query; chunk text yields pattern matches
// alone.
func (e *Enricher) seedNames(query string, results []retrieval.Result) []string {
	seeds := Extract(query)
	for i, r := range results {
		if i >= topExtract || len(seeds) >= maxSeeds {
			break
		}
		seeds = append(seeds, ExtractPatterns(r.EffectiveText())...)
	}

	seen := make(map[string]struct{}, len(seeds))
	names := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := seen[s.Norm]; ok {
			continue
		}
		seen[s.Norm] = struct{}{}
		names = append(names, s.Norm)
		if len(names) >= maxSeeds {
			break
		}
	}
	return names
}

func (e *Enricher) degrade(trace *audit.Trace, op string, err error) {
	e.logger.Warn("graph enrichment degraded", "op", op, "error", err)
	if trace != nil {
		trace.Failure("graph_enrich", "graph", err)
	}
}

// renderEvidence turns traversal paths into the two evidence blocks. Paths
// keep traversal order; triples are deduplicated across paths.
func renderEvidence(paths []graphstore.Path, maxPaths, maxTriples int) retrieval.GraphEvidence {
	evidence := retrieval.GraphEvidence{}
	seenTriples := make(map[string]struct{})

	for _, p := range paths {
		if maxPaths > 0 && len(evidence.Paths) >= maxPaths {
			break
		}
		nodeIDs := make([]string, len(p.Nodes))
		for i, n := range p.Nodes {
			nodeIDs[i] = n.ID
		}
		evidence.Paths = append(evidence.Paths, retrieval.GraphPath{
			UID:     p.UID(),
			Text:    p.Render(),
			NodeIDs: nodeIDs,
			Length:  len(p.Edges),
		})
		for _, triple := range p.Triples() {
			if maxTriples > 0 && len(evidence.Triples) >= maxTriples {
				break
			}
			if _, ok := seenTriples[triple]; ok {
				continue
			}
			seenTriples[triple] = struct{}{}
			evidence.Triples = append(evidence.Triples, triple)
		}
	}
	return evidence
}
