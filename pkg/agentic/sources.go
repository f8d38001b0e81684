package agentic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iurislab/relator/pkg/research"
)

// collector accumulates the sources a run discovers, deduplicated by
// research.Source.Key. Tools run sequentially inside the run goroutine, so
// no locking is needed.
type collector struct {
	seen map[string]int
	list []research.Source
}

func newCollector() *collector {
	return &collector{seen: make(map[string]int)}
}

// add merges s into the run set. Duplicates keep the first record, raising
// its score and filling an empty title; the return reports whether the
// source is new.
func (c *collector) add(s research.Source) bool {
	key := s.Key()
	if i, ok := c.seen[key]; ok {
		if s.Score > c.list[i].Score {
			c.list[i].Score = s.Score
		}
		if c.list[i].Title == "" {
			c.list[i].Title = s.Title
		}
		return false
	}
	c.seen[key] = len(c.list)
	c.list = append(c.list, s)
	return true
}

func (c *collector) count() int { return len(c.list) }

// snapshot returns a copy of the collected sources in arrival order.
func (c *collector) snapshot() []research.Source {
	return append([]research.Source(nil), c.list...)
}

// hasChunk reports whether a RAG-born source with this chunk id was
// collected.
func (c *collector) hasChunk(id string) bool {
	for _, s := range c.list {
		if s.ChunkID == id {
			return true
		}
	}
	return false
}

// hasKey reports whether a source with this dedup key was collected.
func (c *collector) hasKey(key string) bool {
	_, ok := c.seen[key]
	return ok
}

// countByType tallies sources per source type, with the types in sorted
// order for deterministic rendering.
func (c *collector) countByType() ([]string, map[string]int) {
	counts := make(map[string]int)
	for _, s := range c.list {
		counts[s.Type]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, counts
}

// rankSources orders sources by score plus the per-type boost, ties broken
// on the dedup key so the ordering is reproducible.
func rankSources(sources []research.Source, boosts map[string]float64) []research.Source {
	out := append([]research.Source(nil), sources...)
	boosted := func(s research.Source) float64 {
		return s.Score + boosts[s.Type]
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := boosted(out[i]), boosted(out[j])
		if bi != bj {
			return bi > bj
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// sourceLabel renders the identity a prompt or digest shows for a source:
// the citation marker for internal chunks, the URL for web pages.
func sourceLabel(s research.Source) string {
	if s.ChunkID != "" {
		return fmt.Sprintf("[ref:%s]", s.ChunkID)
	}
	if s.URL != "" {
		return s.URL
	}
	return "(fonte sem identificador)"
}

// sourceLine renders one digest line for a source, marker first so the
// planner can reuse it as a citation.
func sourceLine(rank int, s research.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d. (%s) %s", rank, s.Type, sourceLabel(s))
	if s.Title != "" {
		b.WriteString(" ")
		b.WriteString(s.Title)
	}
	return b.String()
}
