package cograg

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

const complexQuestion = "Quais são os requisitos da petição inicial e quais as consequências do seu indeferimento?"

const decompositionJSON = `{"question": "raiz", "complexity": 0.9, "children": [
  {"question": "Quais são os requisitos da petição inicial?", "complexity": 0.2, "children": []},
  {"question": "Quais as consequências do indeferimento da petição inicial?", "complexity": 0.2, "children": []}
]}`

func reasonScope() visibility.QueryScope {
	return visibility.QueryScope{TenantID: "tenant-a", AllowGlobal: true}
}

func reasonConfig() config.CogGRAGConfig {
	cfg := config.CogGRAGConfig{}
	cfg.SetDefaults()
	return cfg
}

func chunkResult(id string, text string) retrieval.Result {
	return retrieval.Result{
		Chunk: retrieval.Chunk{
			ID:         id,
			DocumentID: "doc-" + id,
			Dataset:    retrieval.SourceStatute,
			Ordinal:    1,
			Text:       text,
			Visibility: visibility.DocumentVisibility{Scope: visibility.ScopeGlobal},
		},
		Score:      10,
		FusedScore: 0.03,
	}
}

type fakeSearcher struct {
	mu    sync.Mutex
	fn    func(req pipeline.Request) (*retrieval.PipelineResult, error)
	calls []pipeline.Request
}

func (f *fakeSearcher) Search(ctx context.Context, req pipeline.Request) (*retrieval.PipelineResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn == nil {
		return &retrieval.PipelineResult{Query: req.Query}, nil
	}
	return f.fn(req)
}

func (f *fakeSearcher) requests() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.calls...)
}

// scriptedProvider routes by prompt content so parallel leaf calls stay
// deterministic.
type scriptedProvider struct {
	mu      sync.Mutex
	script  func(prompt string, verifyCalls int) string
	prompts []string
	verifys int
}

func (f *scriptedProvider) Generate(ctx context.Context, req llms.Request) (*llms.Completion, error) {
	prompt := req.Messages[0].Content
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	if strings.Contains(prompt, "Verifique") {
		f.verifys++
	}
	verifyCalls := f.verifys
	f.mu.Unlock()

	text := ""
	if f.script != nil {
		text = f.script(prompt, verifyCalls)
	}
	return &llms.Completion{Text: text, InputTokens: 60, OutputTokens: 40}, nil
}

func (f *scriptedProvider) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *scriptedProvider) ModelName() string { return "fake" }
func (f *scriptedProvider) Close() error      { return nil }

func (f *scriptedProvider) seen(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.prompts {
		if strings.Contains(p, substr) {
			n++
		}
	}
	return n
}

var refRe = regexp.MustCompile(`\[(?:ref|path):[^\[\]\s]+\]`)

// groundedAnswer echoes the first marker offered in the prompt so the
// citation discipline accepts it.
func groundedAnswer(prompt string) string {
	marker := refRe.FindString(prompt)
	if marker == "" {
		return "Evidência insuficiente."
	}
	return "Nos termos do material fornecido, a exigência está descrita no dispositivo indicado " +
		marker + " e orienta a conduta processual da parte autora."
}

// mergedAnswer echoes every distinct marker, the way a synthesis keeps its
// children citations.
func mergedAnswer(prompt string) string {
	seen := map[string]bool{}
	var markers []string
	for _, m := range refRe.FindAllString(prompt, -1) {
		if !seen[m] {
			seen[m] = true
			markers = append(markers, m)
		}
	}
	return "Em síntese, os requisitos e as consequências constam dos dispositivos citados " +
		strings.Join(markers, " ") + " conforme detalhado nas subquestões."
}

func defaultScript(prompt string, verifyCalls int) string {
	switch {
	case strings.Contains(prompt, "Decomponha"):
		return decompositionJSON
	case strings.Contains(prompt, "Sintetize"):
		return mergedAnswer(prompt)
	case strings.Contains(prompt, "Verifique"):
		return `{"verdict": "aprovado", "issues": []}`
	default:
		return groundedAnswer(prompt)
	}
}

func routedSearcher() *fakeSearcher {
	return &fakeSearcher{fn: func(req pipeline.Request) (*retrieval.PipelineResult, error) {
		var res retrieval.Result
		if strings.Contains(strings.ToLower(req.Query), "requisitos") {
			res = chunkResult("chunk-a",
				"A petição inicial indicará o juízo, as partes, os fatos e os fundamentos jurídicos do pedido, o pedido com as suas especificações e o valor da causa.")
		} else {
			res = chunkResult("chunk-b",
				"Verificando o juiz que a petição inicial apresenta defeitos capazes de dificultar o julgamento, determinará a emenda no prazo de quinze dias.")
		}
		return &retrieval.PipelineResult{
			Query:    req.Query,
			Results:  []retrieval.Result{res},
			Evidence: retrieval.EvidenceStrong,
			Graph: retrieval.GraphEvidence{
				Paths: []retrieval.GraphPath{
					{UID: "path-1", Text: "Art. 319 CPC -[CITES]-> REsp 1.111.111/SP", NodeIDs: []string{"a", "b"}, Length: 1},
					{UID: "path-2", Text: "Art. 321 CPC -[CITES]-> REsp 2.222.222/SP", NodeIDs: []string{"c", "d"}, Length: 1},
				},
			},
		}, nil
	}}
}

func newReasoner(t *testing.T, cfg config.CogGRAGConfig, provider llms.Provider, searcher Searcher) *Reasoner {
	t.Helper()
	r, err := New(cfg, budget.Limits{}, Deps{Provider: provider, Searcher: searcher}, nil)
	require.NoError(t, err)
	return r
}

func TestReasonDecomposesAndSynthesizes(t *testing.T) {
	cfg := reasonConfig()
	cfg.GraphEvidenceLimit = 1

	provider := &scriptedProvider{script: defaultScript}
	searcher := routedSearcher()
	r := newReasoner(t, cfg, provider, searcher)

	out, err := r.Reason(context.Background(), Request{
		Question: complexQuestion,
		Scope:    reasonScope(),
		Options:  &config.OptionsConfig{EnableCRAG: true},
	})
	require.NoError(t, err)

	require.NotNil(t, out.MindMap)
	require.Len(t, out.MindMap.Root.Children, 2)
	assert.Equal(t, "q.1", out.MindMap.Root.Children[0].ID)
	assert.Equal(t, StatusVerified, out.VerificationStatus)
	assert.NotEmpty(t, out.Answer)
	assert.Contains(t, out.Answer, "[ref:chunk-a]")
	assert.Contains(t, out.Answer, "[ref:chunk-b]")
	assert.Greater(t, out.Confidence, 0.0)
	require.Len(t, out.SubAnswers, 2)
	for _, sub := range out.SubAnswers {
		assert.NotEmpty(t, sub.Answer)
		assert.NotEmpty(t, sub.Citations)
		assert.Greater(t, sub.Confidence, 0.0)
	}

	// One search per leaf, graph enrichment forced on, paths truncated.
	reqs := searcher.requests()
	require.Len(t, reqs, 2)
	for _, sr := range reqs {
		assert.Equal(t, cfg.PerLeafTopK, sr.TopK)
		assert.Equal(t, "tenant-a", sr.Scope.TenantID)
		require.NotNil(t, sr.Options)
		assert.True(t, sr.Options.EnableGraphEnrich)
		assert.True(t, sr.Options.EnableCRAG)
	}
	for _, leaf := range out.MindMap.Root.Leaves() {
		assert.Len(t, leaf.Graph.Paths, 1)
	}

	require.NotNil(t, out.Trace)
	rec := out.Trace.Snapshot()
	stages := map[string]bool{}
	for _, ev := range rec.Events {
		if ev.Kind == audit.EventStageEnd {
			stages[ev.Stage] = true
		}
	}
	for _, want := range []string{"decompose", "gather", "refine", "reason", "verify"} {
		assert.True(t, stages[want], "missing stage %s", want)
	}
}

func TestReasonSimpleQuestionSkipsDecomposition(t *testing.T) {
	provider := &scriptedProvider{script: defaultScript}
	searcher := routedSearcher()
	r := newReasoner(t, reasonConfig(), provider, searcher)

	out, err := r.Reason(context.Background(), Request{
		Question: "Quais os requisitos da inicial?",
		Scope:    reasonScope(),
	})
	require.NoError(t, err)

	assert.Zero(t, provider.seen("Decomponha"), "simple questions skip the decomposition call")
	assert.True(t, out.MindMap.Root.IsLeaf())
	assert.NotEmpty(t, out.Answer)
	assert.Len(t, searcher.requests(), 1)
	assert.Empty(t, out.SubAnswers)
}

func TestReasonStripsForeignMarkers(t *testing.T) {
	provider := &scriptedProvider{script: func(prompt string, _ int) string {
		if strings.Contains(prompt, "Responda à subquestão") {
			marker := refRe.FindString(prompt)
			return "A exigência está prevista no dispositivo aplicável " + marker +
				" e não no texto inventado [ref:forjado-123], como se demonstra."
		}
		return `{"verdict": "aprovado", "issues": []}`
	}}
	searcher := routedSearcher()
	r := newReasoner(t, reasonConfig(), provider, searcher)

	out, err := r.Reason(context.Background(), Request{
		Question: "Quais os requisitos da inicial?",
		Scope:    reasonScope(),
	})
	require.NoError(t, err)

	assert.Contains(t, out.Answer, "[ref:chunk-a]")
	assert.NotContains(t, out.Answer, "forjado-123")
	root := out.MindMap.Root
	assert.Equal(t, []string{"ref:chunk-a"}, root.Citations)
	assert.Equal(t, 1, root.Stripped)
}

func TestReasonAbstainsOnSparseEvidence(t *testing.T) {
	provider := &scriptedProvider{script: defaultScript}
	searcher := &fakeSearcher{fn: func(req pipeline.Request) (*retrieval.PipelineResult, error) {
		return &retrieval.PipelineResult{Query: req.Query, Evidence: retrieval.EvidenceInsufficient}, nil
	}}
	r := newReasoner(t, reasonConfig(), provider, searcher)

	out, err := r.Reason(context.Background(), Request{
		Question: complexQuestion,
		Scope:    reasonScope(),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusAbstain, out.VerificationStatus)
	assert.Empty(t, out.Answer)
	assert.NotEmpty(t, out.Issues)
	issues := strings.Join(out.Issues, "\n")
	assert.Contains(t, issues, "sem evidência recuperada")

	// Evidence-free leaves abstain locally: the only model call is the
	// decomposition itself.
	assert.Equal(t, 1, provider.seen("Decomponha"))
	assert.Zero(t, provider.seen("Responda à subquestão"))
	assert.Zero(t, provider.seen("Sintetize"))
}

func TestReasonValidatesRequest(t *testing.T) {
	r := newReasoner(t, reasonConfig(), &scriptedProvider{}, &fakeSearcher{})

	_, err := r.Reason(context.Background(), Request{Question: "  ", Scope: reasonScope()})
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)

	_, err = r.Reason(context.Background(), Request{Question: "dano moral"})
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
}

func TestReasonAbortsWhenBudgetExhausted(t *testing.T) {
	cfg := reasonConfig()
	provider := &scriptedProvider{script: defaultScript}
	r, err := New(cfg, budget.Limits{MaxLLMCalls: 1}, Deps{Provider: provider, Searcher: routedSearcher()}, nil)
	require.NoError(t, err)

	// The decomposition call spends the budget; the first leaf answer
	// must refuse the charge and abort the run.
	_, err = r.Reason(context.Background(), Request{
		Question: complexQuestion,
		Scope:    reasonScope(),
	})
	assert.ErrorIs(t, err, retrieval.ErrBudgetExceeded)
}

func TestReasonFatalSearchErrorAborts(t *testing.T) {
	provider := &scriptedProvider{script: defaultScript}
	searcher := &fakeSearcher{fn: func(pipeline.Request) (*retrieval.PipelineResult, error) {
		return nil, retrieval.NewStageError("pipeline", "search", "canceled", retrieval.ErrCancelled)
	}}
	r := newReasoner(t, reasonConfig(), provider, searcher)

	_, err := r.Reason(context.Background(), Request{
		Question: "Quais os requisitos da inicial?",
		Scope:    reasonScope(),
	})
	assert.ErrorIs(t, err, retrieval.ErrCancelled)
}

func TestReasonDegradesWhenSearchFails(t *testing.T) {
	provider := &scriptedProvider{script: defaultScript}
	var n int
	var mu sync.Mutex
	searcher := &fakeSearcher{fn: func(req pipeline.Request) (*retrieval.PipelineResult, error) {
		mu.Lock()
		n++
		first := n == 1
		mu.Unlock()
		if first {
			return nil, retrieval.NewStageError("pipeline", "search", "index down", retrieval.ErrUpstreamUnavailable)
		}
		return routedSearcher().fn(req)
	}}

	cfg := reasonConfig()
	cfg.LLMMaxConcurrency = 1
	r := newReasoner(t, cfg, provider, searcher)

	out, err := r.Reason(context.Background(), Request{
		Question: complexQuestion,
		Scope:    reasonScope(),
	})
	require.NoError(t, err)

	issues := strings.Join(out.Issues, "\n")
	assert.Contains(t, issues, "recuperação de evidência falhou")

	rec := out.Trace.Snapshot()
	var failures int
	for _, ev := range rec.Events {
		if ev.Kind == audit.EventRetrieverError {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestVerifyRethinkLoop(t *testing.T) {
	provider := &scriptedProvider{script: func(prompt string, verifyCalls int) string {
		switch {
		case strings.Contains(prompt, "Verifique"):
			if verifyCalls == 1 {
				return `{"verdict": "revisar", "issues": ["falta fundamento legal expresso"]}`
			}
			return `{"verdict": "aprovado", "issues": []}`
		default:
			return groundedAnswer(prompt)
		}
	}}
	searcher := routedSearcher()
	r := newReasoner(t, reasonConfig(), provider, searcher)

	out, err := r.Reason(context.Background(), Request{
		Question: "Quais os requisitos da inicial?",
		Scope:    reasonScope(),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, out.VerificationStatus)
	assert.Empty(t, out.Issues)
	assert.Equal(t, 1, provider.seen("falta fundamento legal expresso"),
		"the rethink prompt carries the verifier's guidance")
	assert.Equal(t, 2, provider.seen("Verifique"))
}

func TestVerifyExhaustsRethinkBudget(t *testing.T) {
	provider := &scriptedProvider{script: func(prompt string, _ int) string {
		if strings.Contains(prompt, "Verifique") {
			return `{"verdict": "revisar", "issues": ["afirmação sem suporte nos trechos"]}`
		}
		return groundedAnswer(prompt)
	}}
	r := newReasoner(t, reasonConfig(), provider, routedSearcher())

	out, err := r.Reason(context.Background(), Request{
		Question: "Quais os requisitos da inicial?",
		Scope:    reasonScope(),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusUnverified, out.VerificationStatus)
	assert.Contains(t, strings.Join(out.Issues, "\n"), "afirmação sem suporte")
	// One verify per attempt: the initial check plus one after the single
	// allowed rethink.
	assert.Equal(t, 2, provider.seen("Verifique"))
}

func TestConsultMemoryPenalizesRepeats(t *testing.T) {
	cfg := reasonConfig()
	cfg.MemoryEnabled = true

	provider := &scriptedProvider{script: defaultScript}
	r := newReasoner(t, cfg, provider, routedSearcher())

	req := Request{Question: "Quais os requisitos da inicial?", Scope: reasonScope()}

	first, err := r.Reason(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, first.MindMap.Root.Evidence)
	assert.False(t, first.MindMap.Root.Evidence[0].Penalized)
	assert.InDelta(t, 1.0, first.MindMap.Root.Evidence[0].Quality, 1e-9)

	second, err := r.Reason(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, second.MindMap.Root.Evidence)
	assert.True(t, second.MindMap.Root.Evidence[0].Penalized)
	assert.InDelta(t, 1.0-cfg.MemoryPenalty, second.MindMap.Root.Evidence[0].Quality, 1e-9)
}

func TestRefineMergesDuplicateEvidence(t *testing.T) {
	text := "A tutela provisória de urgência exige probabilidade do direito e perigo de dano ou risco ao resultado útil do processo."
	root := &Node{ID: "q", Question: "tutela"}
	a := &Node{ID: "q.1", Depth: 1, Evidence: []EvidenceItem{
		{Result: chunkResult("chunk-a", text)},
		{Result: chunkResult("chunk-a2", text)},
	}}
	b := &Node{ID: "q.2", Depth: 1, Evidence: []EvidenceItem{
		{Result: chunkResult("chunk-b", text)},
	}}
	root.Children = []*Node{a, b}

	r := newReasoner(t, reasonConfig(), &scriptedProvider{}, &fakeSearcher{})
	merged := r.refine(root, "tutela provisória")

	assert.Equal(t, 2, merged)
	require.Len(t, a.Evidence, 1, "same-node duplicate is dropped")
	require.Len(t, b.Evidence, 1)
	assert.Equal(t, "chunk-a", b.Evidence[0].Result.Chunk.ID,
		"cross-node duplicate converges on the canonical chunk")
}

func TestDetectConflictsMarksOpposingStances(t *testing.T) {
	affirm := chunkResult("chunk-a",
		"A penhora do bem de família é admitida na execução de hipoteca sobre o imóvel oferecido como garantia real pela entidade familiar.")
	deny := chunkResult("chunk-b",
		"A penhora do bem de família não é admitida na execução de hipoteca quando a garantia real não beneficiou a entidade familiar.")

	root := &Node{ID: "q"}
	root.Children = []*Node{
		{ID: "q.1", Depth: 1, Evidence: []EvidenceItem{{Result: affirm, Hash: "h1"}}},
		{ID: "q.2", Depth: 1, Evidence: []EvidenceItem{{Result: deny, Hash: "h2"}}},
	}

	conflicts := detectConflicts(root)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflictCross, conflicts[0].Kind)
	assert.Equal(t, "q.1", conflicts[0].NodeA)
	assert.Equal(t, "q.2", conflicts[0].NodeB)

	// The same pair inside one node is an intra conflict.
	root = &Node{ID: "q", Evidence: []EvidenceItem{
		{Result: affirm, Hash: "h1"},
		{Result: deny, Hash: "h2"},
	}}
	conflicts = detectConflicts(root)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflictIntra, conflicts[0].Kind)
}

func TestSanitizeMarkersKeepsAddressableCitations(t *testing.T) {
	allowed := map[string]bool{"chunk-a": true, "path-1": true}
	text := "Conforme [ref:chunk-a] e [path:path-1], aplica-se a regra. O marcador [ref:invent-9] não existe; [ref:chunk-a] repete."

	out, kept, stripped := sanitizeMarkers(text, allowed)
	assert.Equal(t, []string{"ref:chunk-a", "path:path-1"}, kept)
	assert.Equal(t, 1, stripped)
	assert.NotContains(t, out, "invent-9")
	assert.NotContains(t, out, "  ", "marker removal leaves no double spaces")
}

func TestEstimateComplexity(t *testing.T) {
	assert.Less(t, estimateComplexity("O que é dano moral?"), 0.35)
	assert.GreaterOrEqual(t, estimateComplexity(complexQuestion), 0.5)
}

func TestReasonElapsedAndRequestID(t *testing.T) {
	provider := &scriptedProvider{script: defaultScript}
	r := newReasoner(t, reasonConfig(), provider, routedSearcher())

	out, err := r.Reason(context.Background(), Request{
		Question: "Quais os requisitos da inicial?",
		Scope:    reasonScope(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.RequestID)
	assert.Greater(t, out.Elapsed, time.Duration(0))
}
