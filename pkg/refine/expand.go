// Package refine post-processes the reranked result list: widening chunks to
// their document siblings so answers keep local context, and compressing
// chunk text around query keywords so the bundle fits a prompt budget.
package refine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// SiblingFetcher returns the chunks within window positions of (documentID,
// ordinal) in its document, the anchor included when the store has it. The
// lexical retriever implements this over the chunk index.
type SiblingFetcher interface {
	Siblings(ctx context.Context, dataset retrieval.SourceType, documentID string, ordinal, window int, scope visibility.QueryScope) ([]retrieval.Chunk, error)
}

// Refiner applies sibling expansion and keyword compression.
type Refiner struct {
	cfg      config.RefineConfig
	fetcher  SiblingFetcher
	stopword map[string]bool
	logger   *slog.Logger
}

// New builds a refiner. fetcher may be nil, which disables expansion.
func New(cfg config.RefineConfig, fetcher SiblingFetcher, logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	stop := make(map[string]bool, len(defaultStopwords)+len(cfg.Stopwords))
	for _, w := range defaultStopwords {
		stop[w] = true
	}
	for _, w := range cfg.Stopwords {
		stop[strings.ToLower(w)] = true
	}
	return &Refiner{cfg: cfg, fetcher: fetcher, stopword: stop, logger: logger}
}

// Expand widens each result with its document siblings, spending at most
// ExpansionMaxExtra sibling fetches across the whole set. Results keep their
// order; adjacent siblings merge into the anchor text when MergeAdjacent is
// set. Fetch failures skip the result and never fail the stage.
func (r *Refiner) Expand(ctx context.Context, results []retrieval.Result, scope visibility.QueryScope) []retrieval.Result {
	if r.fetcher == nil || r.cfg.ExpansionWindow <= 0 || len(results) == 0 {
		return results
	}

	out := make([]retrieval.Result, len(results))
	copy(out, results)

	budget := r.cfg.ExpansionMaxExtra
	for i := range out {
		if budget <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}

		anchor := out[i].Chunk
		siblings, err := r.fetcher.Siblings(ctx, anchor.Dataset, anchor.DocumentID, anchor.Ordinal, r.cfg.ExpansionWindow, scope)
		if err != nil {
			r.logger.Warn("sibling fetch failed",
				"document_id", anchor.DocumentID, "error", err)
			continue
		}

		extras := make([]retrieval.Chunk, 0, len(siblings))
		for _, s := range siblings {
			if s.Ordinal == anchor.Ordinal {
				continue
			}
			extras = append(extras, s)
			budget--
			if budget <= 0 {
				break
			}
		}
		if len(extras) == 0 {
			continue
		}

		if r.cfg.MergeAdjacent {
			out[i] = mergeSiblings(out[i], extras)
		} else {
			out[i] = attachSiblings(out[i], extras)
		}
	}
	return out
}

// attachSiblings carries the siblings alongside the anchor in ordinal
// order, leaving the anchor text as retrieved. The bundle renders them as
// surrounding context.
func attachSiblings(res retrieval.Result, extras []retrieval.Chunk) retrieval.Result {
	sort.Slice(extras, func(i, j int) bool { return extras[i].Ordinal < extras[j].Ordinal })

	annotated := res.Clone()
	annotated.Siblings = extras
	annotated.Expanded = true
	annotated.Provenance = append(annotated.Provenance, "expand")
	return annotated
}

// mergeSiblings splices sibling texts around the anchor in ordinal order.
func mergeSiblings(res retrieval.Result, extras []retrieval.Chunk) retrieval.Result {
	all := append([]retrieval.Chunk{res.Chunk}, extras...)
	sort.Slice(all, func(i, j int) bool { return all[i].Ordinal < all[j].Ordinal })

	parts := make([]string, 0, len(all))
	for _, c := range all {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}

	merged := res.Clone()
	merged.Chunk.Text = strings.Join(parts, "\n")
	merged.Expanded = true
	merged.Provenance = append(merged.Provenance, "expand")
	if merged.Chunk.Meta.Extra == nil {
		merged.Chunk.Meta.Extra = map[string]string{}
	}
	merged.Chunk.Meta.Extra["expanded_span"] = fmt.Sprintf("%d-%d", all[0].Ordinal, all[len(all)-1].Ordinal)
	return merged
}
