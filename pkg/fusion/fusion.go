// Package fusion merges ranked lists from heterogeneous retrievers into a
// single ordering using Reciprocal Rank Fusion. The merge is deterministic:
// for a frozen set of input lists and weights, the output ordering is a pure
// function of (chunk, rank) pairs, so reruns and tests see identical results.
package fusion

import (
	"sort"

	"github.com/iurislab/relator/pkg/retrieval"
)

// DefaultK is the reciprocal-rank constant used when none is configured.
// 60 is the value from the original RRF paper and works well unmodified.
const DefaultK = 60

// RankedList is one retriever's contribution: its name, the weight its ranks
// carry in the fused score, and its results in rank order (best first).
type RankedList struct {
	Retriever string
	Weight    float64
	Results   []retrieval.Result
}

// Fuser computes weighted RRF over any number of ranked lists.
type Fuser struct {
	k int
}

// New returns a Fuser with the given rank constant. Non-positive k falls
// back to DefaultK.
func New(k int) *Fuser {
	if k <= 0 {
		k = DefaultK
	}
	return &Fuser{k: k}
}

// fusedEntry accumulates the per-chunk state while lists are folded in.
type fusedEntry struct {
	result   retrieval.Result
	fused    float64
	bestRank int
	order    int
}

// Fuse merges the lists. fused_score(chunk) = Σ over lists l of
// weight(l) · 1/(k + rank_l(chunk)), rank counted from 1.
//
// The first list occurrence of a chunk id wins the canonical text and
// metadata slot; later occurrences only contribute their score and extend
// the retriever set. Ties on fused score break on the better individual
// rank any list assigned, then on chunk id ordering.
func (f *Fuser) Fuse(lists ...RankedList) []retrieval.Result {
	return f.fuse(true, lists...)
}

// fuse folds the lists. mark controls the "fusion" provenance stamp; the
// inner multi-query merge leaves stamping to the final cross-retriever pass
// so results carry the entry once.
func (f *Fuser) fuse(mark bool, lists ...RankedList) []retrieval.Result {
	entries := make(map[string]*fusedEntry)
	seen := 0

	for _, list := range lists {
		weight := list.Weight
		if weight == 0 {
			weight = 1.0
		}
		for rank, res := range list.Results {
			contribution := weight / float64(f.k+rank+1)
			id := res.Chunk.ID

			entry, ok := entries[id]
			if !ok {
				canonical := res.Clone()
				if canonical.Scores == nil {
					canonical.Scores = make(map[string]float64, 2)
				}
				entry = &fusedEntry{
					result:   canonical,
					bestRank: rank + 1,
					order:    seen,
				}
				entries[id] = entry
				seen++
			}

			entry.fused += contribution
			if rank+1 < entry.bestRank {
				entry.bestRank = rank + 1
			}
			if list.Retriever != "" {
				entry.result.Scores[list.Retriever] = res.Score
				if !contains(entry.result.Retrievers, list.Retriever) {
					entry.result.Retrievers = append(entry.result.Retrievers, list.Retriever)
				}
			}
			if res.Score > entry.result.Score {
				entry.result.Score = res.Score
			}
		}
	}

	out := make([]*fusedEntry, 0, len(entries))
	for _, e := range entries {
		e.result.FusedScore = e.fused
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].fused != out[j].fused {
			return out[i].fused > out[j].fused
		}
		if out[i].bestRank != out[j].bestRank {
			return out[i].bestRank < out[j].bestRank
		}
		return out[i].result.Chunk.ID < out[j].result.Chunk.ID
	})

	results := make([]retrieval.Result, len(out))
	for i, e := range out {
		if mark {
			e.result.Provenance = append(e.result.Provenance, "fusion")
		}
		results[i] = e.result
	}
	return results
}

// FuseVariants merges per-variant result lists that all came from the same
// retriever (multi-query). Every variant carries equal weight; the chunk id
// keyed merge removes duplicates across variants.
func (f *Fuser) FuseVariants(retriever string, weight float64, variants ...[]retrieval.Result) []retrieval.Result {
	lists := make([]RankedList, len(variants))
	for i, v := range variants {
		lists[i] = RankedList{Retriever: retriever, Weight: weight, Results: v}
	}
	return f.fuse(false, lists...)
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
