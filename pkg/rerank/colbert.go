package rerank

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/cache"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/embedders"
	"github.com/iurislab/relator/pkg/retrieval"
)

// colbertMaxTokens bounds how many tokens per side enter the interaction
// matrix. Legal chunks run long; 48 tokens cover the discriminative part.
const colbertMaxTokens = 48

// ColBERTReranker scores candidates by late interaction: every query token
// is embedded separately, every document token likewise, and the score is
// the sum over query tokens of the best document-token match (MaxSim).
// Document token embeddings are cached by content hash with TTL so repeated
// candidates across a session embed once.
type ColBERTReranker struct {
	cfg      config.RerankConfig
	embedder embedders.Embedder
	cache    *cache.TTLCache[[][]float32]
	logger   *slog.Logger
}

// NewColBERTReranker builds the late-interaction reranker.
func NewColBERTReranker(cfg config.RerankConfig, embedder embedders.Embedder, logger *slog.Logger) *ColBERTReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ColBERTReranker{
		cfg:      cfg,
		embedder: embedder,
		cache:    cache.New[[][]float32](time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheSize),
		logger:   logger,
	}
}

func (r *ColBERTReranker) Name() string { return "colbert" }

// Rerank computes MaxSim for every candidate and orders descending. The
// budget meter is untouched: embedding calls are not chat completions.
func (r *ColBERTReranker) Rerank(ctx context.Context, _ *budget.Meter, query string, candidates []retrieval.Result, topK int) ([]retrieval.Result, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, fmt.Errorf("colbert: no scorable tokens in query")
	}
	queryVecs, err := r.embedder.EmbedDocuments(ctx, queryTokens)
	if err != nil {
		return nil, fmt.Errorf("colbert: query token embedding: %w", err)
	}

	type scored struct {
		res   retrieval.Result
		score float64
	}
	out := make([]scored, 0, len(candidates))
	for _, res := range candidates {
		docVecs, err := r.documentVectors(ctx, res.EffectiveText())
		if err != nil {
			return nil, fmt.Errorf("colbert: chunk %s: %w", res.Chunk.ID, err)
		}
		out = append(out, scored{res: res, score: maxSim(queryVecs, docVecs)})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	results := make([]retrieval.Result, 0, len(out))
	for _, s := range out {
		res := s.res.Clone()
		score := s.score
		res.RerankScore = &score
		res.Provenance = append(res.Provenance, "rerank")
		results = append(results, res)
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// documentVectors returns the token embeddings for text, from cache when the
// content hash matches.
func (r *ColBERTReranker) documentVectors(ctx context.Context, text string) ([][]float32, error) {
	key := contentHash(text)
	if vecs, ok := r.cache.Get(key); ok {
		return vecs, nil
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no scorable tokens")
	}
	vecs, err := r.embedder.EmbedDocuments(ctx, tokens)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, vecs)
	return vecs, nil
}

// maxSim sums, over query tokens, the maximum cosine similarity against any
// document token.
func maxSim(queryVecs, docVecs [][]float32) float64 {
	var total float64
	for _, q := range queryVecs {
		best := math.Inf(-1)
		for _, d := range docVecs {
			if sim := cosine(q, d); sim > best {
				best = sim
			}
		}
		if !math.IsInf(best, -1) {
			total += best
		}
	}
	return total
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// tokenize lowercases and keeps word tokens of length >= 2, capped at
// colbertMaxTokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsNumber(c)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		out = append(out, f)
		if len(out) == colbertMaxTokens {
			break
		}
	}
	return out
}

func contentHash(text string) string {
	h := sha1.Sum([]byte(text))
	return hex.EncodeToString(h[:])
}
