package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/retrieval"
)

func result(id, text string, score float64) retrieval.Result {
	return retrieval.Result{
		Chunk: retrieval.Chunk{
			ID:         id,
			DocumentID: "doc-" + id,
			Dataset:    retrieval.SourceCaseLaw,
			Text:       text,
		},
		Score: score,
	}
}

func TestFuseSingleList(t *testing.T) {
	f := New(60)
	fused := f.Fuse(RankedList{
		Retriever: "lexical",
		Weight:    1.0,
		Results: []retrieval.Result{
			result("a", "Art. 319 CPC", 12.5),
			result("b", "Art. 320 CPC", 9.1),
		},
	})

	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].Chunk.ID)
	assert.InDelta(t, 1.0/61.0, fused[0].FusedScore, 1e-12)
	assert.InDelta(t, 1.0/62.0, fused[1].FusedScore, 1e-12)
	assert.Equal(t, []string{"lexical"}, fused[0].Retrievers)
}

func TestFuseUnionsRetrieversAndSumsScores(t *testing.T) {
	f := New(60)
	lexical := RankedList{
		Retriever: "lexical",
		Weight:    1.0,
		Results: []retrieval.Result{
			result("shared", "indenização por dano moral", 11.0),
			result("lex-only", "responsabilidade civil objetiva", 8.0),
		},
	}
	vector := RankedList{
		Retriever: "vector",
		Weight:    1.0,
		Results: []retrieval.Result{
			result("vec-only", "nexo de causalidade", 0.91),
			result("shared", "indenização por dano moral", 0.88),
		},
	}

	fused := f.Fuse(lexical, vector)
	require.Len(t, fused, 3)

	// shared appears at rank 1 in lexical and rank 2 in vector:
	// 1/61 + 1/62 beats every single-list contribution.
	assert.Equal(t, "shared", fused[0].Chunk.ID)
	assert.InDelta(t, 1.0/61.0+1.0/62.0, fused[0].FusedScore, 1e-12)
	assert.ElementsMatch(t, []string{"lexical", "vector"}, fused[0].Retrievers)
	assert.Equal(t, 11.0, fused[0].Scores["lexical"])
	assert.Equal(t, 0.88, fused[0].Scores["vector"])
}

func TestFuseFirstOccurrenceWinsCanonicalText(t *testing.T) {
	f := New(60)
	first := result("c1", "texto canônico do acórdão", 10.0)
	first.Chunk.Meta.Citation = "REsp 1.234.567/SP"
	second := result("c1", "corpo divergente vindo do vetor", 0.7)

	fused := f.Fuse(
		RankedList{Retriever: "lexical", Results: []retrieval.Result{first}},
		RankedList{Retriever: "vector", Results: []retrieval.Result{second}},
	)

	require.Len(t, fused, 1)
	assert.Equal(t, "texto canônico do acórdão", fused[0].Chunk.Text)
	assert.Equal(t, "REsp 1.234.567/SP", fused[0].Chunk.Meta.Citation)
}

func TestFuseWeightsShiftOrdering(t *testing.T) {
	lexical := RankedList{
		Retriever: "lexical",
		Weight:    2.0,
		Results:   []retrieval.Result{result("lex", "súmula 377 STJ", 14.0)},
	}
	vector := RankedList{
		Retriever: "vector",
		Weight:    0.5,
		Results:   []retrieval.Result{result("vec", "embargos de declaração", 0.95)},
	}

	fused := New(60).Fuse(lexical, vector)
	require.Len(t, fused, 2)
	assert.Equal(t, "lex", fused[0].Chunk.ID)
	assert.InDelta(t, 2.0/61.0, fused[0].FusedScore, 1e-12)
	assert.InDelta(t, 0.5/61.0, fused[1].FusedScore, 1e-12)
}

func TestFuseTieBreaksOnBestRankThenChunkID(t *testing.T) {
	f := New(60)

	// Both chunks get identical fused mass but "deep" was once ranked first.
	listA := RankedList{Retriever: "lexical", Results: []retrieval.Result{
		result("deep", "a", 1),
		result("flat", "b", 1),
	}}
	listB := RankedList{Retriever: "vector", Results: []retrieval.Result{
		result("flat", "b", 1),
		result("deep", "a", 1),
	}}
	fused := f.Fuse(listA, listB)
	require.Len(t, fused, 2)
	assert.InDelta(t, fused[0].FusedScore, fused[1].FusedScore, 1e-12)
	// Equal best ranks too, so chunk id decides: "deep" < "flat".
	assert.Equal(t, "deep", fused[0].Chunk.ID)

	// Pure id tie-break when ranks are also symmetric.
	listC := RankedList{Retriever: "lexical", Results: []retrieval.Result{result("zz", "z", 1)}}
	listD := RankedList{Retriever: "vector", Results: []retrieval.Result{result("aa", "a", 1)}}
	fused = f.Fuse(listC, listD)
	assert.Equal(t, "aa", fused[0].Chunk.ID)
}

func TestFuseDeterministicAcrossRuns(t *testing.T) {
	lists := []RankedList{
		{Retriever: "lexical", Weight: 1.0, Results: []retrieval.Result{
			result("a", "a", 3), result("b", "b", 2), result("c", "c", 1),
		}},
		{Retriever: "vector", Weight: 1.0, Results: []retrieval.Result{
			result("c", "c", 0.9), result("a", "a", 0.8), result("d", "d", 0.7),
		}},
		{Retriever: "graph", Weight: 1.0, Results: []retrieval.Result{
			result("b", "b", 0.5), result("d", "d", 0.4),
		}},
	}

	f := New(60)
	first := f.Fuse(lists...)
	for i := 0; i < 20; i++ {
		again := f.Fuse(lists...)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Chunk.ID, again[j].Chunk.ID)
			assert.Equal(t, first[j].FusedScore, again[j].FusedScore)
		}
	}
}

func TestFuseVariantsDedupesAcrossVariants(t *testing.T) {
	f := New(60)
	v1 := []retrieval.Result{result("x", "x", 0.9), result("y", "y", 0.8)}
	v2 := []retrieval.Result{result("y", "y", 0.85), result("z", "z", 0.6)}

	fused := f.FuseVariants("vector", 1.0, v1, v2)
	require.Len(t, fused, 3)
	assert.Equal(t, "y", fused[0].Chunk.ID)

	ids := make(map[string]bool)
	for _, r := range fused {
		require.False(t, ids[r.Chunk.ID], "duplicate chunk id in fused output")
		ids[r.Chunk.ID] = true
	}
}

func TestFuseDefaultsZeroK(t *testing.T) {
	f := New(0)
	fused := f.Fuse(RankedList{Retriever: "lexical", Results: []retrieval.Result{result("a", "a", 1)}})
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/float64(DefaultK+1), fused[0].FusedScore, 1e-12)
}

func TestFuseProvenanceMarksStage(t *testing.T) {
	fused := New(60).Fuse(RankedList{Retriever: "lexical", Results: []retrieval.Result{result("a", "a", 1)}})
	require.Len(t, fused, 1)
	assert.Contains(t, fused[0].Provenance, "fusion")
}

func TestFuseAfterVariantMergeStampsProvenanceOnce(t *testing.T) {
	f := New(60)

	// The pipeline path: per-retriever variant merge, then the
	// cross-retriever pass over its output.
	merged := f.FuseVariants("vector", 1.0,
		[]retrieval.Result{result("a", "a", 0.9)},
		[]retrieval.Result{result("a", "a", 0.8)})
	require.Len(t, merged, 1)
	assert.NotContains(t, merged[0].Provenance, "fusion")

	fused := f.Fuse(RankedList{Retriever: "vector", Weight: 1.0, Results: merged})
	require.Len(t, fused, 1)

	marks := 0
	for _, p := range fused[0].Provenance {
		if p == "fusion" {
			marks++
		}
	}
	assert.Equal(t, 1, marks)
}
