package refine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

func testScope() visibility.QueryScope {
	return visibility.QueryScope{TenantID: "tenant-a", AllowGlobal: true}
}

func refineConfig() config.RefineConfig {
	cfg := config.RefineConfig{}
	cfg.SetDefaults()
	return cfg
}

type fakeSiblings struct {
	chunks map[string][]retrieval.Chunk // documentID -> chunks in order
	calls  int
	err    error
}

func (f *fakeSiblings) Siblings(ctx context.Context, dataset retrieval.SourceType, documentID string, ordinal, window int, scope visibility.QueryScope) ([]retrieval.Chunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []retrieval.Chunk
	for _, c := range f.chunks[documentID] {
		if c.Ordinal >= ordinal-window && c.Ordinal <= ordinal+window {
			out = append(out, c)
		}
	}
	return out, nil
}

func chunkAt(doc string, ordinal int, text string) retrieval.Chunk {
	return retrieval.Chunk{
		ID:         retrieval.ChunkID(doc, ordinal),
		DocumentID: doc,
		Dataset:    retrieval.SourceCaseLaw,
		Ordinal:    ordinal,
		Text:       text,
	}
}

func resultAt(doc string, ordinal int, text string) retrieval.Result {
	return retrieval.Result{Chunk: chunkAt(doc, ordinal, text), Score: 1.0}
}

func TestExpandMergesAdjacentSiblingsInOrder(t *testing.T) {
	fetcher := &fakeSiblings{chunks: map[string][]retrieval.Chunk{
		"acordao-1": {
			chunkAt("acordao-1", 0, "Relatório do acórdão."),
			chunkAt("acordao-1", 1, "O dano moral prescinde de prova do prejuízo."),
			chunkAt("acordao-1", 2, "Dispositivo: recurso provido."),
		},
	}}
	r := New(refineConfig(), fetcher, nil)

	out := r.Expand(context.Background(),
		[]retrieval.Result{resultAt("acordao-1", 1, "O dano moral prescinde de prova do prejuízo.")},
		testScope())

	require.Len(t, out, 1)
	assert.True(t, out[0].Expanded)
	lines := strings.Split(out[0].Chunk.Text, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Relatório do acórdão.", lines[0])
	assert.Equal(t, "Dispositivo: recurso provido.", lines[2])
	assert.Equal(t, "0-2", out[0].Chunk.Meta.Extra["expanded_span"])
	assert.Contains(t, out[0].Provenance, "expand")
}

func TestExpandRespectsGlobalExtraBudget(t *testing.T) {
	chunks := map[string][]retrieval.Chunk{}
	var results []retrieval.Result
	for _, doc := range []string{"d1", "d2", "d3"} {
		chunks[doc] = []retrieval.Chunk{
			chunkAt(doc, 0, "antes"),
			chunkAt(doc, 1, "alvo"),
			chunkAt(doc, 2, "depois"),
		}
		results = append(results, resultAt(doc, 1, "alvo"))
	}
	fetcher := &fakeSiblings{chunks: chunks}

	cfg := refineConfig()
	cfg.ExpansionMaxExtra = 3 // d1 takes 2, d2 takes 1, d3 gets none
	r := New(cfg, fetcher, nil)

	out := r.Expand(context.Background(), results, testScope())
	require.Len(t, out, 3)
	assert.True(t, out[0].Expanded)
	assert.True(t, out[1].Expanded)
	assert.False(t, out[2].Expanded)
	assert.Equal(t, 2, fetcher.calls)
}

func TestExpandFetchFailureSkipsResult(t *testing.T) {
	fetcher := &fakeSiblings{err: errors.New("index unreachable")}
	r := New(refineConfig(), fetcher, nil)

	in := []retrieval.Result{resultAt("doc-x", 3, "texto original")}
	out := r.Expand(context.Background(), in, testScope())

	require.Len(t, out, 1)
	assert.False(t, out[0].Expanded)
	assert.Equal(t, "texto original", out[0].Chunk.Text)
}

func TestExpandNilFetcherPassesThrough(t *testing.T) {
	r := New(refineConfig(), nil, nil)
	in := []retrieval.Result{resultAt("doc", 0, "t")}
	assert.Equal(t, in, r.Expand(context.Background(), in, testScope()))
}

func TestExpandWithoutMergeAttachesSiblings(t *testing.T) {
	fetcher := &fakeSiblings{chunks: map[string][]retrieval.Chunk{
		"d": {
			chunkAt("d", 0, "contexto anterior"),
			chunkAt("d", 1, "trecho principal"),
			chunkAt("d", 2, "contexto posterior"),
		},
	}}
	cfg := refineConfig()
	cfg.MergeAdjacent = false
	r := New(cfg, fetcher, nil)

	out := r.Expand(context.Background(), []retrieval.Result{resultAt("d", 1, "trecho principal")}, testScope())
	require.Len(t, out, 1)
	assert.True(t, out[0].Expanded)
	// Anchor text stays as retrieved; the fetched context rides alongside.
	assert.Equal(t, "trecho principal", out[0].Chunk.Text)
	require.Len(t, out[0].Siblings, 2)
	assert.Equal(t, "contexto anterior", out[0].Siblings[0].Text)
	assert.Equal(t, "contexto posterior", out[0].Siblings[1].Text)
	assert.Contains(t, out[0].Provenance, "expand")

	// The prompt bundle surfaces the siblings around the anchor.
	bundle := Bundle(out)
	assert.Contains(t, bundle, "contexto anterior\ntrecho principal\ncontexto posterior")
}

func TestKeywordsFilterShortAndStopwords(t *testing.T) {
	r := New(refineConfig(), nil, nil)

	kws := r.Keywords("Qual o prazo para contestação no procedimento comum do CPC?")
	assert.Contains(t, kws, "prazo")
	assert.Contains(t, kws, "contestação")
	assert.Contains(t, kws, "procedimento")
	assert.Contains(t, kws, "comum")
	assert.NotContains(t, kws, "cpc") // três letras
	assert.NotContains(t, kws, "qual")
	assert.NotContains(t, kws, "para")
}

func TestKeywordsDedupe(t *testing.T) {
	r := New(refineConfig(), nil, nil)
	kws := r.Keywords("dano moral dano moral dano")
	assert.Equal(t, []string{"dano", "moral"}, kws)
}

func TestCompressKeepsKeywordSentences(t *testing.T) {
	cfg := refineConfig()
	cfg.CompressionMaxChars = 120
	r := New(cfg, nil, nil)

	long := "O relator apresentou o relatório completo dos autos. " +
		"A indenização por dano moral independe da prova do prejuízo concreto. " +
		"As custas processuais foram fixadas em dez por cento. " +
		"O dano moral decorre da própria ofensa em si considerada. " +
		"Publique-se e intime-se como de praxe nos autos eletrônicos deste tribunal regional."

	out := r.Compress("indenização por dano moral", []retrieval.Result{resultAt("d", 0, long)})
	require.Len(t, out, 1)
	require.NotEmpty(t, out[0].CompressedText)
	assert.Contains(t, out[0].CompressedText, "dano moral")
	assert.NotContains(t, out[0].CompressedText, "custas processuais")
	// Full text preserved in the chunk.
	assert.Equal(t, long, out[0].Chunk.Text)
	assert.Equal(t, out[0].CompressedText, out[0].EffectiveText())
	assert.Contains(t, out[0].Provenance, "compress")
}

func TestCompressShortTextPassesThrough(t *testing.T) {
	r := New(refineConfig(), nil, nil)
	out := r.Compress("dano moral", []retrieval.Result{resultAt("d", 0, "Texto curto.")})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].CompressedText)
	assert.Equal(t, "Texto curto.", out[0].EffectiveText())
}

func TestCompressNoKeywordHitsKeepsLeadingSentences(t *testing.T) {
	cfg := refineConfig()
	cfg.CompressionMaxChars = 100
	r := New(cfg, nil, nil)

	long := "Primeira frase do documento sob análise detalhada. " +
		"Segunda frase igualmente relevante para o contexto geral. " +
		"Terceira frase que não deve aparecer no resumo. " +
		"Quarta frase de preenchimento adicional para superar o limite."

	out := r.Compress("usucapião extraordinária", []retrieval.Result{resultAt("d", 0, long)})
	require.Len(t, out, 1)
	require.NotEmpty(t, out[0].CompressedText)
	assert.Contains(t, out[0].CompressedText, "Primeira frase")
	assert.Contains(t, out[0].CompressedText, "Segunda frase")
	assert.NotContains(t, out[0].CompressedText, "Terceira frase")
}

func TestCompressWithoutPreserveReplacesText(t *testing.T) {
	cfg := refineConfig()
	cfg.CompressionMaxChars = 100
	cfg.PreserveFullText = false
	r := New(cfg, nil, nil)

	long := strings.Repeat("O contrato de locação prevê multa compensatória. ", 10)
	out := r.Compress("multa compensatória locação", []retrieval.Result{resultAt("d", 0, long)})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].CompressedText)
	assert.Less(t, len(out[0].Chunk.Text), len(long))
}

func TestSplitSentencesKeepsLegalAbbreviations(t *testing.T) {
	got := splitSentences("O pedido atende ao Art. 319 do CPC. A inicial foi recebida às fls. 22 dos autos. Concluso.")
	require.Len(t, got, 3)
	assert.Equal(t, "O pedido atende ao Art. 319 do CPC.", got[0])
	assert.Equal(t, "A inicial foi recebida às fls. 22 dos autos.", got[1])
}

func TestBundleLabelsSources(t *testing.T) {
	r1 := resultAt("lei", 0, "Art. 319. A petição inicial indicará...")
	r1.Chunk.Dataset = retrieval.SourceStatute
	r1.Chunk.Meta.Citation = "CPC, Art. 319"
	r2 := resultAt("julgado", 0, "O STJ firmou tese sobre o tema.")
	r2.Chunk.Meta.Title = "REsp 1.111.111/SP"

	bundle := Bundle([]retrieval.Result{r1, r2})
	assert.Contains(t, bundle, "[statute | CPC, Art. 319]")
	assert.Contains(t, bundle, "[case_law | REsp 1.111.111/SP]")
	assert.Contains(t, bundle, "petição inicial")

	assert.Empty(t, Bundle(nil))
}
