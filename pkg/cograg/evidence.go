package cograg

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/graphrag"
	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/retrieval"
)

// gather runs one orchestrator search per leaf, bounded by the reasoning
// concurrency limit. Leaf failures degrade to empty evidence; fatal errors
// abort the run.
func (r *Reasoner) gather(ctx context.Context, tr *audit.Trace, req Request, leaves []*Node) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LLMMaxConcurrency)

	for _, leaf := range leaves {
		g.Go(func() error {
			res, err := r.searcher.Search(gctx, pipeline.Request{
				Query:    leaf.Question,
				TopK:     r.cfg.PerLeafTopK,
				Datasets: req.Datasets,
				Scope:    req.Scope,
				Options:  r.leafOptions(req.Options),
			})
			if err != nil {
				if retrieval.Fatal(err) {
					return err
				}
				tr.Failure("gather", "searcher", err)
				leaf.Issues = append(leaf.Issues, "recuperação de evidência falhou: "+err.Error())
				return nil
			}

			leaf.Evidence = make([]EvidenceItem, len(res.Results))
			for i, item := range res.Results {
				leaf.Evidence[i] = EvidenceItem{Result: item}
			}
			leaf.Graph = truncateGraph(res.Graph, r.cfg.GraphEvidenceLimit)
			return nil
		})
	}
	return g.Wait()
}

// leafOptions forwards the caller's toggles, forcing graph enrichment on
// when the run wants graph evidence. A nil overlay stays nil so the
// orchestrator's configured defaults apply.
func (r *Reasoner) leafOptions(opts *config.OptionsConfig) *config.OptionsConfig {
	if opts == nil {
		return nil
	}
	forwarded := *opts
	if r.cfg.GraphEvidenceLimit > 0 {
		forwarded.EnableGraphEnrich = true
	}
	return &forwarded
}

func truncateGraph(g retrieval.GraphEvidence, limit int) retrieval.GraphEvidence {
	if limit <= 0 {
		return retrieval.GraphEvidence{}
	}
	if len(g.Paths) > limit {
		g.Paths = g.Paths[:limit]
	}
	if len(g.Triples) > limit {
		g.Triples = g.Triples[:limit]
	}
	return g
}

// refine deduplicates evidence by content hash across the whole tree,
// scores quality per item and applies the consult-memory penalty. Returns
// the number of merged duplicates for the trace counter.
func (r *Reasoner) refine(root *Node, question string) int {
	canonical := make(map[string]retrieval.Result)
	merged := 0
	var hashes []string

	root.Walk(func(n *Node) {
		seen := make(map[string]bool, len(n.Evidence))
		kept := n.Evidence[:0]
		for i, item := range n.Evidence {
			h := contentHash(item.Result.Chunk.Text)
			if seen[h] {
				merged++
				continue
			}
			seen[h] = true

			if first, ok := canonical[h]; ok {
				if first.Chunk.ID != item.Result.Chunk.ID {
					// Same text under another id elsewhere in the
					// tree: converge citations on one chunk.
					item.Result = first.Clone()
					merged++
				}
			} else {
				canonical[h] = item.Result
				hashes = append(hashes, h)
			}

			item.Hash = h
			item.Quality = evidenceQuality(i, item.Result.Chunk.Text)
			if r.memory != nil && r.memory.penalize(h, question) {
				item.Quality *= 1 - r.cfg.MemoryPenalty
				item.Penalized = true
			}
			kept = append(kept, item)
		}
		n.Evidence = kept
	})

	if r.memory != nil {
		r.memory.record(question, hashes)
	}
	return merged
}

// evidenceQuality decays with fused rank and penalizes fragments too short
// to ground an assertion.
func evidenceQuality(rank int, text string) float64 {
	q := 1.0 / (1.0 + 0.2*float64(rank))
	if len(text) < 80 {
		q *= 0.7
	}
	return q
}

func contentHash(text string) string {
	sum := sha1.Sum([]byte(graphrag.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// consultMemory remembers which evidence hashes past runs consulted and
// under which question, so near-duplicate consultations can penalize
// repeated references. Bounded FIFO.
type consultMemory struct {
	mu      sync.Mutex
	cap     int
	entries map[string]string
	order   []string
}

func newConsultMemory(capacity int) *consultMemory {
	if capacity <= 0 {
		capacity = 100
	}
	return &consultMemory{cap: capacity, entries: make(map[string]string)}
}

// penalize reports whether the hash was consulted before under a
// near-duplicate question.
func (m *consultMemory) penalize(hash, question string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[hash]
	if !ok {
		return false
	}
	return nearDuplicate(prev, graphrag.Normalize(question))
}

func (m *consultMemory) record(question string, hashes []string) {
	norm := graphrag.Normalize(question)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		if _, ok := m.entries[h]; ok {
			m.entries[h] = norm
			continue
		}
		for len(m.order) >= m.cap {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
		m.entries[h] = norm
		m.order = append(m.order, h)
	}
}

// nearDuplicate compares normalized questions by word-set Jaccard overlap.
func nearDuplicate(a, b string) bool {
	if a == b {
		return true
	}
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return false
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter)/float64(union) >= 0.8
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		out[w] = true
	}
	return out
}

// negationMarkers flag a denying stance in Brazilian legal prose.
var negationMarkers = []string{
	"não ", "nao ", "vedad", "proibid", "inaplicável", "inaplicavel",
	"revogad", "indevid", "improcedente", "incabível", "incabivel",
	"afastad", "ilegítim", "ilegitim",
}

// detectConflicts marks evidence pairs that share enough significant terms
// while taking opposite stances. Same-node pairs are intra conflicts,
// pairs across nodes are cross conflicts. The list is capped so prompt
// warnings stay readable.
func detectConflicts(root *Node) []Conflict {
	type excerpt struct {
		nodeID  string
		chunkID string
		hash    string
		negated bool
		words   map[string]bool
	}

	var all []excerpt
	root.Walk(func(n *Node) {
		for _, item := range n.Evidence {
			lower := strings.ToLower(item.Result.Chunk.Text)
			all = append(all, excerpt{
				nodeID:  n.ID,
				chunkID: item.Result.Chunk.ID,
				hash:    item.Hash,
				negated: hasNegation(lower),
				words:   significantWords(lower),
			})
		}
	})

	const maxConflicts = 12
	var out []Conflict
	for i := 0; i < len(all) && len(out) < maxConflicts; i++ {
		for j := i + 1; j < len(all) && len(out) < maxConflicts; j++ {
			a, b := all[i], all[j]
			if a.hash == b.hash || a.negated == b.negated {
				continue
			}
			if sharedWords(a.words, b.words) < 3 {
				continue
			}
			kind := conflictCross
			if a.nodeID == b.nodeID {
				kind = conflictIntra
			}
			out = append(out, Conflict{
				Kind:  kind,
				NodeA: a.nodeID,
				NodeB: b.nodeID,
				RefA:  a.chunkID,
				RefB:  b.chunkID,
				Note:  "trechos com termos em comum e posições opostas",
			})
		}
	}
	return out
}

func hasNegation(lower string) bool {
	for _, m := range negationMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// significantWords keeps terms long enough to carry legal meaning.
func significantWords(lower string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(lower) {
		w = strings.Trim(w, ".,;:()[]\"'")
		if len([]rune(w)) >= 5 {
			out[w] = true
		}
	}
	return out
}

func sharedWords(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// conflictsTouching counts conflicts involving the node, for confidence
// penalties and prompt warnings.
func conflictsTouching(nodeID string, conflicts []Conflict) []Conflict {
	var out []Conflict
	for _, c := range conflicts {
		if c.NodeA == nodeID || c.NodeB == nodeID {
			out = append(out, c)
		}
	}
	return out
}
