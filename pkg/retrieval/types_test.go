package retrieval

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/visibility"
)

func TestChunkIDIsStable(t *testing.T) {
	a := ChunkID("d-cc-2002", 3)
	b := ChunkID("d-cc-2002", 3)
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)

	assert.NotEqual(t, a, ChunkID("d-cc-2002", 4))
	assert.NotEqual(t, a, ChunkID("d-cdc", 3))

	// The separator keeps (id, ordinal) boundaries unambiguous.
	assert.NotEqual(t, ChunkID("d1", 23), ChunkID("d12", 3))
}

func TestPathUIDOrdersMatter(t *testing.T) {
	ab := PathUID([]string{"art-319-cpc", "resp-1234567"})
	ba := PathUID([]string{"resp-1234567", "art-319-cpc"})

	assert.Len(t, ab, 16)
	assert.NotEqual(t, ab, ba)
	assert.Equal(t, ab, PathUID([]string{"art-319-cpc", "resp-1234567"}))
}

func TestValidSource(t *testing.T) {
	for _, s := range AllSources() {
		assert.True(t, ValidSource(s), "source %s", s)
	}
	assert.False(t, ValidSource("jurisprudencia"))
	assert.False(t, ValidSource(""))
}

func TestGlobalSourcesExcludePrivateTiers(t *testing.T) {
	for _, s := range GlobalSources() {
		assert.NotEqual(t, SourceInternalFiling, s)
		assert.NotEqual(t, SourceLocal, s)
	}
}

func TestEffectiveTextPrefersCompression(t *testing.T) {
	r := Result{Chunk: Chunk{Text: "texto integral do acórdão"}}
	assert.Equal(t, "texto integral do acórdão", r.EffectiveText())

	r.CompressedText = "trecho relevante"
	assert.Equal(t, "trecho relevante", r.EffectiveText())
}

func TestCloneDoesNotAlias(t *testing.T) {
	score := 0.9
	orig := Result{
		Chunk:       Chunk{ID: "c1", Text: "texto"},
		Scores:      map[string]float64{"lexical": 12.5},
		Retrievers:  []string{"lexical"},
		Provenance:  []string{"fusion"},
		Siblings:    []Chunk{{ID: "c0", Text: "anterior"}},
		RerankScore: &score,
	}

	clone := orig.Clone()
	clone.Scores["vector"] = 0.5
	clone.Retrievers = append(clone.Retrievers, "vector")
	clone.Provenance[0] = "rerank"
	clone.Siblings[0].Text = "alterado"
	*clone.RerankScore = 0.1

	assert.NotContains(t, orig.Scores, "vector")
	assert.Equal(t, []string{"lexical"}, orig.Retrievers)
	assert.Equal(t, []string{"fusion"}, orig.Provenance)
	assert.Equal(t, "anterior", orig.Siblings[0].Text)
	assert.Equal(t, 0.9, *orig.RerankScore)
}

func TestQueryValidate(t *testing.T) {
	scope := visibility.QueryScope{TenantID: "t1", AllowGlobal: true}

	valid := Query{Text: "dano moral", TopK: 5, Datasets: []SourceType{SourceCaseLaw}, Scope: scope}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		q    Query
		want string
	}{
		{"empty text", Query{TopK: 5, Scope: scope}, "query text is empty"},
		{"zero top_k", Query{Text: "x", Scope: scope}, "top_k must be positive"},
		{"bad dataset", Query{Text: "x", TopK: 5, Datasets: []SourceType{"tweets"}, Scope: scope}, "unknown dataset"},
		{"no tenant", Query{Text: "x", TopK: 5}, "tenant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStageErrorWrapsSentinels(t *testing.T) {
	err := NewStageError("vector", "search", "store unreachable", ErrUpstreamUnavailable)

	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, ErrTimeout)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "vector", stageErr.Stage)
	assert.Equal(t, "search", stageErr.Operation)

	msg := err.Error()
	assert.Contains(t, msg, "vector/search")
	assert.Contains(t, msg, "store unreachable")
	assert.Contains(t, msg, ErrUpstreamUnavailable.Error())
}

func TestStageErrorWithQueryTruncates(t *testing.T) {
	long := strings.Repeat("responsabilidade ", 20)
	err := NewStageError("lexical", "search", "boom", nil).WithQuery(long)

	msg := err.Error()
	assert.Contains(t, msg, "query:")
	assert.Contains(t, msg, "...")
	assert.Less(t, len(msg), len(long))
}

func TestFatalClassification(t *testing.T) {
	assert.True(t, Fatal(ErrBudgetExceeded))
	assert.True(t, Fatal(ErrCancelled))
	assert.True(t, Fatal(ErrInvalidRequest))
	assert.True(t, Fatal(NewStageError("s", "o", "m", ErrBudgetExceeded)))

	assert.False(t, Fatal(ErrTimeout))
	assert.False(t, Fatal(ErrUpstreamUnavailable))
	assert.False(t, Fatal(ErrNoResults))
	assert.False(t, Fatal(errors.New("anything else")))
	assert.False(t, Fatal(nil))
}

func TestDefaultOptionsMatchStartupDefaults(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.EnableCRAG)
	assert.True(t, opts.EnableRerank)
	assert.True(t, opts.EnableCompression)
	assert.True(t, opts.EnableChunkExpansion)
	assert.True(t, opts.EnableLexicalFirstGating)

	assert.False(t, opts.EnableHyde)
	assert.False(t, opts.EnableMultiQuery)
	assert.False(t, opts.IncludeCandidateEdges)
}
