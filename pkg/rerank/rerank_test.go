package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/retrieval"
)

func rerankConfig() config.RerankConfig {
	cfg := config.RerankConfig{}
	cfg.SetDefaults()
	return cfg
}

func candidate(id string, dataset retrieval.SourceType, text string, fusedScore float64) retrieval.Result {
	return retrieval.Result{
		Chunk: retrieval.Chunk{
			ID:      id,
			Dataset: dataset,
			Text:    text,
		},
		FusedScore: fusedScore,
	}
}

type scriptedProvider struct {
	responses []string
	calls     int
	err       error
}

func (f *scriptedProvider) Generate(ctx context.Context, req llms.Request) (*llms.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	text := "[]"
	if len(f.responses) > 0 {
		text = f.responses[0]
		f.responses = f.responses[1:]
	}
	return &llms.Completion{Text: text, InputTokens: 80, OutputTokens: 20}, nil
}

func (f *scriptedProvider) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *scriptedProvider) ModelName() string { return "scripted" }
func (f *scriptedProvider) Close() error      { return nil }

type tokenEmbedder struct {
	// relevant tokens map to a distinct direction so MaxSim separates
	// matching chunks from noise.
	relevant map[string]bool
	calls    int
}

func (e *tokenEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *tokenEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.relevant[strings.ToLower(t)] {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (e *tokenEmbedder) Dimension() int    { return 2 }
func (e *tokenEmbedder) ModelName() string { return "token-fake" }
func (e *tokenEmbedder) Close() error      { return nil }

func TestLLMRerankerOrdersByModelRanking(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`["c", "a", "b"]`}}
	r := NewLLMReranker(rerankConfig(), provider, nil)

	candidates := []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "acórdão sobre juros", 0.03),
		candidate("b", retrieval.SourceDoctrine, "doutrina sobre juros", 0.02),
		candidate("c", retrieval.SourceStatute, "Art. 406 do CC sobre juros legais", 0.01),
	}

	out, err := r.Rerank(context.Background(), nil, "taxa de juros legais", candidates, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].Chunk.ID)
	assert.Equal(t, "a", out[1].Chunk.ID)
	require.NotNil(t, out[0].RerankScore)
	assert.InDelta(t, 1.0, *out[0].RerankScore, 1e-9)
	assert.InDelta(t, 0.95, *out[1].RerankScore, 1e-9)
	assert.InDelta(t, 0.90, *out[2].RerankScore, 1e-9)
	assert.Contains(t, out[0].Provenance, "rerank")
}

func TestLLMRerankerKeepsOmittedAndDropsInvented(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`["b", "fantasma"]`}}
	r := NewLLMReranker(rerankConfig(), provider, nil)

	candidates := []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.02),
		candidate("b", retrieval.SourceCaseLaw, "dois", 0.01),
	}

	out, err := r.Rerank(context.Background(), nil, "q", candidates, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Chunk.ID)
	assert.Equal(t, "a", out[1].Chunk.ID)
}

func TestLLMRerankerBatchesAndCharges(t *testing.T) {
	cfg := rerankConfig()
	cfg.BatchSize = 2
	provider := &scriptedProvider{responses: []string{`["b", "a"]`, `["d", "c"]`}}
	r := NewLLMReranker(cfg, provider, nil)

	limits := budget.Limits{}
	limits.SetDefaults()
	meter := budget.NewMeter(limits, nil)

	candidates := []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.04),
		candidate("b", retrieval.SourceCaseLaw, "dois", 0.03),
		candidate("c", retrieval.SourceCaseLaw, "três", 0.02),
		candidate("d", retrieval.SourceCaseLaw, "quatro", 0.01),
	}

	out, err := r.Rerank(context.Background(), meter, "q", candidates, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
	// Batch 1 reordered to [b a], batch 2 to [d c]; concatenation preserves
	// cross-batch fused precedence.
	ids := []string{out[0].Chunk.ID, out[1].Chunk.ID, out[2].Chunk.ID, out[3].Chunk.ID}
	assert.Equal(t, []string{"b", "a", "d", "c"}, ids)
	assert.Equal(t, 2, meter.Snapshot().LLMCalls)
	assert.Equal(t, 200, meter.Snapshot().Tokens)
}

func TestLLMRerankerBudgetRefusalFails(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`["a","b"]`}}
	r := NewLLMReranker(rerankConfig(), provider, nil)

	limits := budget.Limits{MaxLLMCalls: 1, MaxTokens: 1 << 20, MaxWallTime: 0, WarnPercent: 80}
	meter := budget.NewMeter(limits, nil)
	require.NoError(t, meter.ChargeCall())

	_, err := r.Rerank(context.Background(), meter, "q", []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.02),
		candidate("b", retrieval.SourceCaseLaw, "dois", 0.01),
	}, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, retrieval.ErrBudgetExceeded))
}

func TestLLMRerankerUnparseableKeepsBatchOrder(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"não sei ordenar"}}
	r := NewLLMReranker(rerankConfig(), provider, nil)

	candidates := []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.02),
		candidate("b", retrieval.SourceCaseLaw, "dois", 0.01),
	}
	out, err := r.Rerank(context.Background(), nil, "q", candidates, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", out[0].Chunk.ID)
	assert.Equal(t, "b", out[1].Chunk.ID)
}

func TestColBERTRerankerScoresByTokenOverlap(t *testing.T) {
	embedder := &tokenEmbedder{relevant: map[string]bool{
		"dano": true, "moral": true, "indenização": true,
	}}
	r := NewColBERTReranker(rerankConfig(), embedder, nil)

	candidates := []retrieval.Result{
		candidate("off", retrieval.SourceCaseLaw, "penhora de veículo em execução fiscal", 0.03),
		candidate("on", retrieval.SourceCaseLaw, "indenização por dano moral configurado", 0.02),
	}

	out, err := r.Rerank(context.Background(), nil, "dano moral indenização", candidates, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "on", out[0].Chunk.ID)
	require.NotNil(t, out[0].RerankScore)
	assert.Greater(t, *out[0].RerankScore, *out[1].RerankScore)
}

func TestColBERTRerankerCachesDocumentEmbeddings(t *testing.T) {
	embedder := &tokenEmbedder{relevant: map[string]bool{"dano": true}}
	r := NewColBERTReranker(rerankConfig(), embedder, nil)

	candidates := []retrieval.Result{
		candidate("x", retrieval.SourceCaseLaw, "dano moral puro", 0.01),
	}

	_, err := r.Rerank(context.Background(), nil, "dano", candidates, 1)
	require.NoError(t, err)
	firstCalls := embedder.calls

	_, err = r.Rerank(context.Background(), nil, "dano", candidates, 1)
	require.NoError(t, err)

	// Second pass embeds only the query tokens; the document came from cache.
	assert.Equal(t, firstCalls+1, embedder.calls)
}

func TestCohereReranker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rerank", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req cohereRerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rerank-multilingual-v3.0", req.Model)
		require.Len(t, req.Documents, 2)

		fmt.Fprint(w, `{"results": [
			{"index": 1, "relevance_score": 0.98},
			{"index": 0, "relevance_score": 0.42}
		]}`)
	}))
	defer server.Close()

	cfg := rerankConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = server.URL
	r := NewCohereReranker(cfg, nil, nil)

	out, err := r.Rerank(context.Background(), nil, "dano moral", []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "primeiro", 0.02),
		candidate("b", retrieval.SourceCaseLaw, "segundo", 0.01),
	}, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Chunk.ID)
	assert.InDelta(t, 0.98, *out[0].RerankScore, 1e-9)
}

func TestCohereRerankerFallsBackToLocal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := &scriptedProvider{responses: []string{`["b", "a"]`}}
	cfg := rerankConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = server.URL
	r := NewCohereReranker(cfg, NewLLMReranker(cfg, provider, nil), nil)

	out, err := r.Rerank(context.Background(), nil, "q", []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.02),
		candidate("b", retrieval.SourceCaseLaw, "dois", 0.01),
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", out[0].Chunk.ID)
	assert.Equal(t, 1, provider.calls)
}

func TestCohereRerankerNoFallbackSurfacesError(t *testing.T) {
	t.Setenv("COHERE_API_KEY", "")
	cfg := rerankConfig()
	cfg.APIKey = ""
	r := NewCohereReranker(cfg, nil, nil)

	_, err := r.Rerank(context.Background(), nil, "q", []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.01),
	}, 1)
	require.Error(t, err)
}

func TestApplyLegalBoost(t *testing.T) {
	s1, s2 := 0.80, 0.78
	results := []retrieval.Result{
		{Chunk: retrieval.Chunk{ID: "doutrina", Dataset: retrieval.SourceDoctrine}, RerankScore: &s1},
		{Chunk: retrieval.Chunk{ID: "sumula", Dataset: retrieval.SourceCaseLaw}, RerankScore: &s2},
	}

	out := ApplyLegalBoost(results, 0.05)
	// 0.78 + 0.05 = 0.83 beats 0.80.
	assert.Equal(t, "sumula", out[0].Chunk.ID)
	assert.InDelta(t, 0.83, *out[0].RerankScore, 1e-9)
	assert.InDelta(t, 0.80, *out[1].RerankScore, 1e-9)
}

func TestRunnerDegradesToFusedOrderOnFailure(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("model down")}
	cfg := rerankConfig()
	runner := NewRunner(NewLLMReranker(cfg, provider, nil), cfg, nil)
	trace := audit.NewTrace("req-1", "tenant-a", "dano moral")

	fusedList := []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.05),
		candidate("b", retrieval.SourceCaseLaw, "dois", 0.04),
	}

	out := runner.Run(context.Background(), nil, trace, "dano moral", fusedList)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Chunk.ID)
	assert.Nil(t, out[0].RerankScore)

	var fallbacks int
	for _, ev := range trace.Events() {
		if ev.Kind == audit.EventRerankFallback {
			fallbacks++
		}
	}
	assert.Equal(t, 1, fallbacks)
}

func TestRunnerCapsCandidatesAndKeepsTail(t *testing.T) {
	cfg := rerankConfig()
	cfg.MaxCandidates = 2
	cfg.LegalBoost = 0 // keep ordering purely positional for the test
	provider := &scriptedProvider{responses: []string{`["b", "a"]`}}
	runner := NewRunner(NewLLMReranker(cfg, provider, nil), cfg, nil)

	fusedList := []retrieval.Result{
		candidate("a", retrieval.SourceCaseLaw, "um", 0.05),
		candidate("b", retrieval.SourceCaseLaw, "dois", 0.04),
		candidate("tail", retrieval.SourceCaseLaw, "três", 0.03),
	}

	out := runner.Run(context.Background(), nil, nil, "q", fusedList)
	require.Len(t, out, 3)
	assert.Equal(t, "b", out[0].Chunk.ID)
	assert.Equal(t, "a", out[1].Chunk.ID)
	assert.Equal(t, "tail", out[2].Chunk.ID)
	assert.Nil(t, out[2].RerankScore)
}

func TestNewSelectsProvider(t *testing.T) {
	provider := &scriptedProvider{}
	embedder := &tokenEmbedder{}

	cfg := rerankConfig()
	cfg.Provider = "llm"
	r, err := New(cfg, provider, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "llm", r.Name())

	cfg.Provider = "colbert"
	r, err = New(cfg, nil, embedder, nil)
	require.NoError(t, err)
	assert.Equal(t, "colbert", r.Name())

	cfg.Provider = "cohere"
	cfg.APIKey = "k"
	r, err = New(cfg, provider, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cohere", r.Name())

	// auto without a key picks the local reranker.
	t.Setenv("COHERE_API_KEY", "")
	cfg.Provider = "auto"
	cfg.APIKey = ""
	r, err = New(cfg, provider, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "llm", r.Name())

	// auto with a key goes remote.
	cfg.APIKey = "prod-key"
	r, err = New(cfg, provider, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cohere", r.Name())

	cfg.Provider = "llm"
	_, err = New(cfg, nil, nil, nil)
	require.Error(t, err)
}
