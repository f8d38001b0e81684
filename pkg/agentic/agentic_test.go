package agentic

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/research"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

const researchGoal = "Exceções à impenhorabilidade do bem de família na execução"

func agentScope() visibility.QueryScope {
	return visibility.QueryScope{TenantID: "tenant-a", AllowGlobal: true}
}

func agentConfig() config.AgentConfig {
	cfg := config.AgentConfig{}
	cfg.SetDefaults()
	return cfg
}

// plannerProvider replays scripted completions in order. When the script
// runs out it falls back to loop, then to a plain final answer.
type plannerProvider struct {
	mu       sync.Mutex
	rounds   []*llms.Completion
	loop     *llms.Completion
	genErr   error
	stream   []string
	streamIn []llms.Request
	requests []llms.Request
}

func (f *plannerProvider) Generate(ctx context.Context, req llms.Request) (*llms.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.genErr != nil {
		return nil, f.genErr
	}
	if len(f.rounds) > 0 {
		next := f.rounds[0]
		f.rounds = f.rounds[1:]
		return next, nil
	}
	if f.loop != nil {
		return f.loop, nil
	}
	return &llms.Completion{Text: "Concluído.", InputTokens: 20, OutputTokens: 10}, nil
}

func (f *plannerProvider) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	f.mu.Lock()
	f.streamIn = append(f.streamIn, req)
	tokens := append([]string(nil), f.stream...)
	f.mu.Unlock()

	ch := make(chan llms.StreamChunk, len(tokens)+2)
	go func() {
		defer close(ch)
		for _, tok := range tokens {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: tok}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkDone, InputTokens: 80, OutputTokens: 40}
	}()
	return ch, nil
}

func (f *plannerProvider) ModelName() string { return "fake" }
func (f *plannerProvider) Close() error      { return nil }

func (f *plannerProvider) seenRequests() []llms.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llms.Request(nil), f.requests...)
}

func toolRound(text string, calls ...llms.ToolCall) *llms.Completion {
	return &llms.Completion{Text: text, ToolCalls: calls, InputTokens: 30, OutputTokens: 15}
}

func textRound(text string) *llms.Completion {
	return &llms.Completion{Text: text, InputTokens: 25, OutputTokens: 12}
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

// fakeResearch replays results in order, repeating the last one.
type fakeResearch struct {
	mu      sync.Mutex
	name    string
	results []*research.Result
	err     error
	queries []string
	opts    []research.Options
}

func (f *fakeResearch) Research(ctx context.Context, query string, opts research.Options) (*research.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return &research.Result{}, nil
	}
	next := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return next, nil
}

func (f *fakeResearch) Name() string { return f.name }

type captureSink struct {
	mu   sync.Mutex
	recs []*audit.Record
}

func (c *captureSink) Write(ctx context.Context, rec *audit.Record) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) Close() error { return nil }

func statuteChunk() retrieval.Result {
	return retrieval.Result{
		Chunk: retrieval.Chunk{
			ID: "chunk-a", DocumentID: "doc-1", Dataset: retrieval.SourceStatute, Ordinal: 1,
			Text:       "É impenhorável o imóvel residencial próprio do casal ou da entidade familiar.",
			Meta:       retrieval.ChunkMeta{Title: "Lei 8.009/1990, art. 1º"},
			Visibility: visibility.DocumentVisibility{Scope: visibility.ScopeGlobal},
		},
		Score: 12, FusedScore: 0.032,
	}
}

func caseLawChunk() retrieval.Result {
	return retrieval.Result{
		Chunk: retrieval.Chunk{
			ID: "chunk-b", DocumentID: "doc-2", Dataset: retrieval.SourceCaseLaw, Ordinal: 1,
			Text:       "É válida a penhora de bem de família pertencente a fiador de contrato de locação.",
			Meta:       retrieval.ChunkMeta{Title: "Súmula 549 do STJ", Citation: "Súmula 549/STJ"},
			Visibility: visibility.DocumentVisibility{Scope: visibility.ScopeGlobal},
		},
		Score: 9, FusedScore: 0.028,
	}
}

func globalSearcher() *fakeSearcher {
	return &fakeSearcher{fn: func(req pipeline.Request) (*retrieval.PipelineResult, error) {
		return &retrieval.PipelineResult{
			Query:    req.Query,
			Results:  []retrieval.Result{statuteChunk(), caseLawChunk()},
			Evidence: retrieval.EvidenceStrong,
		}, nil
	}}
}

func webResult(score float64) *research.Result {
	return &research.Result{
		Text: "A Súmula 549 do STJ admite a penhora do bem de família do fiador de locação.",
		Sources: []research.Source{{
			Title:    "Súmula 549 - STJ",
			URL:      "https://stj.jus.br/sumula/549",
			Content:  "É válida a penhora de bem de família pertencente a fiador de contrato de locação.",
			Type:     research.SourceTypeWeb,
			Provider: "perplexity",
			Score:    score,
		}},
	}
}

func researchRegistry(t *testing.T, providers ...research.Provider) *research.Registry {
	t.Helper()
	reg := research.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(p.Name(), p))
	}
	return reg
}

func newAgent(t *testing.T, cfg config.AgentConfig, limits budget.Limits, deps Deps) *Orchestrator {
	t.Helper()
	o, err := New(cfg, limits, deps, nil)
	require.NoError(t, err)
	return o
}

func drain(ch <-chan Event) []Event {
	var evs []Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs
}

func eventsOf(evs []Event, ty EventType) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type == ty {
			out = append(out, ev)
		}
	}
	return out
}

func toolResult(t *testing.T, evs []Event, tool string) Event {
	t.Helper()
	for _, ev := range eventsOf(evs, EventToolResult) {
		if ev.Tool == tool {
			return ev
		}
	}
	t.Fatalf("no tool_result for %s", tool)
	return Event{}
}

func toolNames(defs []llms.ToolDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

func TestAgentRunStreamsStudy(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("Vou levantar a base interna e a web.",
				llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{
					"query": "impenhorabilidade bem de família", "top_k": float64(2),
				}},
			),
			toolRound("",
				llms.ToolCall{ID: "c2", Name: "search_perplexity", Args: map[string]any{
					"query": "súmula 549 STJ fiador", "deep": true, "max_sources": float64(3),
				}},
			),
			toolRound("",
				llms.ToolCall{ID: "c3", Name: "generate_study_section", Args: map[string]any{
					"title": "Fundamentos", "instructions": "Cite a súmula.",
				}},
			),
			textRound("Estudo concluído."),
		},
		stream: []string{"A impenhorabilidade ", "comporta exceções ", "[ref:chunk-a]."},
	}
	searcher := globalSearcher()
	web := &fakeResearch{name: "perplexity", results: []*research.Result{webResult(0.62)}}

	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{
		Provider: provider,
		Searcher: searcher,
		Research: researchRegistry(t, web),
	})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)
	require.NotEmpty(t, evs)

	// Terminal pair: merged sources, then the assembled study.
	final := evs[len(evs)-1]
	require.Equal(t, EventStudyDone, final.Type)
	assert.Contains(t, final.Text, "## Fundamentos")
	assert.Contains(t, final.Text, "A impenhorabilidade comporta exceções [ref:chunk-a].")
	merge := evs[len(evs)-2]
	require.Equal(t, EventMergeDone, merge.Type)
	require.Len(t, merge.Sources, 3)
	assert.Equal(t, "chunk-a", merge.Sources[0].ChunkID, "statute boost wins the top slot")

	iterations := eventsOf(evs, EventIteration)
	require.Len(t, iterations, 4)
	for i, ev := range iterations {
		assert.Equal(t, i+1, ev.Iteration)
	}
	assert.Equal(t, "Vou levantar a base interna e a web.", eventsOf(evs, EventThinking)[0].Text)

	calls := eventsOf(evs, EventToolCall)
	require.Len(t, calls, 3)
	assert.Equal(t, "search_rag_global", calls[0].Tool)
	assert.Equal(t, "search_perplexity", calls[1].Tool)
	assert.Equal(t, "generate_study_section", calls[2].Tool)

	// Each distinct source surfaces exactly once.
	sources := eventsOf(evs, EventSource)
	require.Len(t, sources, 3)
	assert.Equal(t, "search_rag_global", sources[0].Tool)

	tokens := eventsOf(evs, EventStudyToken)
	require.Len(t, tokens, 3)
	var streamed strings.Builder
	for _, ev := range tokens {
		assert.Equal(t, "Fundamentos", ev.Section)
		streamed.WriteString(ev.Text)
	}
	assert.Equal(t, "A impenhorabilidade comporta exceções [ref:chunk-a].", streamed.String())

	ragResult := toolResult(t, evs, "search_rag_global")
	assert.False(t, ragResult.IsError)
	assert.Contains(t, ragResult.Text, "[ref:chunk-a]")
	assert.Contains(t, ragResult.Text, "nível de evidência strong")
	assert.GreaterOrEqual(t, ragResult.ElapsedMS, int64(0))

	// Global search dropped the case binding and everything local.
	reqs := searcher.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].TopK)
	assert.True(t, reqs[0].Scope.AllowGlobal)
	assert.False(t, reqs[0].Scope.AllowLocal)
	assert.Empty(t, reqs[0].Scope.CaseID)

	require.Len(t, web.opts, 1)
	assert.Equal(t, research.Options{MaxSources: 3, Deep: true}, web.opts[0])
	assert.Equal(t, []string{"súmula 549 STJ fiador"}, web.queries)

	// The planner sees the tool table and the accumulated transcript.
	requests := provider.seenRequests()
	require.Len(t, requests, 4)
	names := toolNames(requests[0].Tools)
	assert.Contains(t, names, "search_perplexity")
	assert.Contains(t, names, "search_rag_global")
	assert.Contains(t, names, "ask_user")
	assert.Contains(t, requests[0].Messages[0].Content, "agente de pesquisa jurídica")
	last := requests[3].Messages[len(requests[3].Messages)-1]
	assert.Equal(t, llms.RoleTool, last.Role)
	assert.Equal(t, "c3", last.ToolCallID)
	assert.Contains(t, last.Content, `Seção "Fundamentos" concluída`)

	// The section prompt carries the ranked sources and the instructions.
	require.Len(t, provider.streamIn, 1)
	prompt := provider.streamIn[0].Messages[0].Content
	assert.Contains(t, prompt, "[ref:chunk-a]")
	assert.Contains(t, prompt, "https://stj.jus.br/sumula/549")
	assert.Contains(t, prompt, "Cite a súmula.")
}

func TestAgentDedupesAndBoostsSources(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("",
				llms.ToolCall{ID: "c1", Name: "search_perplexity", Args: map[string]any{"query": "súmula 549"}},
			),
			toolRound("",
				llms.ToolCall{ID: "c2", Name: "search_perplexity", Args: map[string]any{"query": "fiador locação penhora"}},
			),
			toolRound("",
				llms.ToolCall{ID: "c3", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}},
			),
			textRound("Concluído."),
		},
	}
	web := &fakeResearch{name: "perplexity", results: []*research.Result{
		{Sources: []research.Source{{
			URL: "https://STJ.jus.br/sumula/549/", Type: research.SourceTypeWeb,
			Provider: "perplexity", Score: 0.5,
		}}},
		{Sources: []research.Source{
			{
				Title: "Súmula 549 - STJ", URL: "https://stj.jus.br/sumula/549#texto",
				Type: research.SourceTypeWeb, Provider: "perplexity", Score: 0.62,
			},
			{
				Title: "Comentário doutrinário", URL: "https://outro.example.com/artigo",
				Type: research.SourceTypeWeb, Provider: "perplexity", Score: 0.3,
			},
		}},
	}}

	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{
		Provider: provider,
		Searcher: globalSearcher(),
		Research: researchRegistry(t, web),
	})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	// The trailing slash, host case and fragment variants are one source.
	assert.Len(t, eventsOf(evs, EventSource), 4)

	merge := eventsOf(evs, EventMergeDone)[0]
	require.Len(t, merge.Sources, 4)

	var sumula research.Source
	for _, s := range merge.Sources {
		if strings.Contains(s.URL, "sumula/549") {
			sumula = s
		}
	}
	assert.Equal(t, 0.62, sumula.Score, "duplicate keeps the best score")
	assert.Equal(t, "Súmula 549 - STJ", sumula.Title, "duplicate fills the missing title")

	// Boosted order: statute 1.0+0.15, web 0.62, case_law 0.5+0.10, web 0.3.
	assert.Equal(t, "chunk-a", merge.Sources[0].ChunkID)
	assert.Contains(t, merge.Sources[1].URL, "sumula/549")
	assert.Equal(t, "chunk-b", merge.Sources[2].ChunkID)
	assert.Contains(t, merge.Sources[3].URL, "outro.example.com")
}

func TestAgentLocalSearchScope(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "search_rag_local", Args: map[string]any{"query": "contestação"}}),
			textRound("Sem acesso aos autos."),
		},
	}
	searcher := globalSearcher()
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: searcher})

	// Without a bound case the tool fails without touching the pipeline.
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	res := toolResult(t, evs, "search_rag_local")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "requires a case")
	assert.Empty(t, searcher.requests())
	assert.Empty(t, eventsOf(evs, EventError), "tool failure is not a run failure")
	assert.Equal(t, EventStudyDone, evs[len(evs)-1].Type)

	// With a case the scope narrows to local only.
	provider = &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("",
				llms.ToolCall{ID: "c1", Name: "search_rag_local", Args: map[string]any{"query": "contestação"}},
				llms.ToolCall{ID: "c2", Name: "search_rag_global", Args: map[string]any{"query": "prazo contestação"}},
			),
			textRound("Concluído."),
		},
	}
	searcher = globalSearcher()
	o = newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: searcher})

	scope := agentScope()
	scope.CaseID = "caso-123"
	scope.AllowLocal = true
	ch, err = o.Stream(context.Background(), Request{Goal: researchGoal, Scope: scope})
	require.NoError(t, err)
	drain(ch)

	reqs := searcher.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "caso-123", reqs[0].Scope.CaseID)
	assert.True(t, reqs[0].Scope.AllowLocal)
	assert.False(t, reqs[0].Scope.AllowGlobal)
	assert.Empty(t, reqs[1].Scope.CaseID, "global search drops the case binding")
	assert.True(t, reqs[1].Scope.AllowGlobal)
	assert.False(t, reqs[1].Scope.AllowLocal)
}

func TestAgentAskUserPausesForAnswer(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "ask_user", Args: map[string]any{
				"question": "Limitar a execuções fiscais?",
			}}),
			textRound("Concluído."),
		},
	}
	answers := make(chan string, 1)
	answers <- "Sim, apenas execuções fiscais."

	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher()})
	ch, err := o.Stream(context.Background(), Request{
		Goal: researchGoal, Scope: agentScope(), UserInput: answers,
	})
	require.NoError(t, err)
	evs := drain(ch)

	asks := eventsOf(evs, EventAskUser)
	require.Len(t, asks, 1)
	assert.Equal(t, "Limitar a execuções fiscais?", asks[0].Text)

	res := toolResult(t, evs, "ask_user")
	assert.False(t, res.IsError)
	assert.Equal(t, "Resposta do usuário: Sim, apenas execuções fiscais.", res.Text)

	// The answer reaches the next planner round.
	requests := provider.seenRequests()
	require.Len(t, requests, 2)
	last := requests[1].Messages[len(requests[1].Messages)-1]
	assert.Contains(t, last.Content, "Sim, apenas execuções fiscais.")
}

func TestAgentAskUserWithoutConsumer(t *testing.T) {
	rounds := func() []*llms.Completion {
		return []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "ask_user", Args: map[string]any{"question": "Prosseguir?"}}),
			textRound("Concluído."),
		}
	}

	// Nil channel: the run degrades instead of blocking.
	provider := &plannerProvider{rounds: rounds()}
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher()})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)
	res := toolResult(t, evs, "ask_user")
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text, "Nenhum usuário disponível")

	// Closed channel: same degradation.
	provider = &plannerProvider{rounds: rounds()}
	o = newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher()})
	closed := make(chan string)
	close(closed)
	ch, err = o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope(), UserInput: closed})
	require.NoError(t, err)
	evs = drain(ch)
	res = toolResult(t, evs, "ask_user")
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text, "encerrou o canal")
}

func TestAgentAskUserDisabled(t *testing.T) {
	cfg := agentConfig()
	cfg.AskUser = false

	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "ask_user", Args: map[string]any{"question": "Prosseguir?"}}),
			textRound("Concluído."),
		},
	}
	o := newAgent(t, cfg, budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher()})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	assert.NotContains(t, toolNames(provider.seenRequests()[0].Tools), "ask_user")
	assert.Empty(t, eventsOf(evs, EventAskUser))
	res := toolResult(t, evs, "ask_user")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "unknown tool")
}

func TestAgentBudgetExhaustionKeepsPartialSources(t *testing.T) {
	provider := &plannerProvider{
		loop: toolRound("Continuo pesquisando.",
			llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}}),
	}
	o := newAgent(t, agentConfig(), budget.Limits{MaxLLMCalls: 1}, Deps{
		Provider: provider,
		Searcher: globalSearcher(),
	})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	// The first planner round spends the budget; the second is refused.
	final := evs[len(evs)-1]
	require.Equal(t, EventError, final.Type)
	assert.Contains(t, final.Err, "llm call cap reached")

	merge := evs[len(evs)-2]
	require.Equal(t, EventMergeDone, merge.Type)
	assert.Len(t, merge.Sources, 2, "sources gathered before exhaustion survive")
	assert.Empty(t, eventsOf(evs, EventStudyDone))
}

func TestAgentIterationCapEndsRun(t *testing.T) {
	cfg := agentConfig()
	cfg.MaxIterations = 2

	provider := &plannerProvider{
		loop: toolRound("Continuo pesquisando.",
			llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}}),
	}
	o := newAgent(t, cfg, budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher()})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	assert.Len(t, eventsOf(evs, EventIteration), 2)
	assert.Len(t, provider.seenRequests(), 2)
	assert.Empty(t, eventsOf(evs, EventError))

	final := evs[len(evs)-1]
	require.Equal(t, EventStudyDone, final.Type)
	assert.Equal(t, "Continuo pesquisando.", final.Text,
		"without sections the last planner text stands in for the study")
}

func TestAgentPlannerFailureEmitsError(t *testing.T) {
	provider := &plannerProvider{genErr: errors.New("api indisponível")}
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher()})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	final := evs[len(evs)-1]
	require.Equal(t, EventError, final.Type)
	assert.Contains(t, final.Err, "api indisponível")
	merge := evs[len(evs)-2]
	require.Equal(t, EventMergeDone, merge.Type)
	assert.Empty(t, merge.Sources)
}

func TestAgentToolFailureReturnsToPlanner(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("",
				llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}},
				llms.ToolCall{ID: "c2", Name: "search_bing", Args: map[string]any{"query": "bem de família"}},
			),
			textRound("Concluído."),
		},
	}
	searcher := &fakeSearcher{fn: func(pipeline.Request) (*retrieval.PipelineResult, error) {
		return nil, retrieval.NewStageError("pipeline", "search", "index down", retrieval.ErrUpstreamUnavailable)
	}}
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: searcher})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	ragRes := toolResult(t, evs, "search_rag_global")
	assert.True(t, ragRes.IsError)
	assert.Contains(t, ragRes.Text, "index down")

	unknownRes := toolResult(t, evs, "search_bing")
	assert.True(t, unknownRes.IsError)
	assert.Contains(t, unknownRes.Text, `unknown tool "search_bing"`)

	assert.Empty(t, eventsOf(evs, EventError))
	assert.Equal(t, EventStudyDone, evs[len(evs)-1].Type)

	// Both failures flow back as tool results the planner can react to.
	requests := provider.seenRequests()
	require.Len(t, requests, 2)
	msgs := requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-2].Content, "Erro na ferramenta")
	assert.Contains(t, msgs[len(msgs)-1].Content, "Erro na ferramenta")
}

func TestAgentCancellationAbortsRun(t *testing.T) {
	provider := &plannerProvider{
		loop: toolRound("",
			llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	searcher := &fakeSearcher{fn: func(req pipeline.Request) (*retrieval.PipelineResult, error) {
		cancel()
		return nil, retrieval.NewStageError("pipeline", "search", "canceled", retrieval.ErrCancelled)
	}}

	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: searcher})
	ch, err := o.Stream(ctx, Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	require.NotEmpty(t, evs)
	final := evs[len(evs)-1]
	require.Equal(t, EventError, final.Type)
	assert.Contains(t, final.Err, "cancelled")
	assert.Len(t, searcher.requests(), 1, "cancellation stops further iterations")
}

func TestEmitFinalDropsInsteadOfBlocking(t *testing.T) {
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: &plannerProvider{}, Searcher: globalSearcher()})
	ch := make(chan Event, 1)
	s := &session{o: o, events: ch}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Buffer has room: the final event still lands after cancellation.
	require.True(t, s.emitFinal(ctx, Event{Type: EventMergeDone}))
	// Buffer full and consumer gone: the event is dropped, never blocked on.
	require.False(t, s.emitFinal(ctx, Event{Type: EventError, Err: "late"}))

	ev := <-ch
	assert.Equal(t, EventMergeDone, ev.Type)
}

// haltingProvider cancels the run context from inside the planner call and
// then fails it, leaving the session to finalize against a dead context.
type haltingProvider struct {
	plannerProvider
	cancel context.CancelFunc
}

func (p *haltingProvider) Generate(ctx context.Context, req llms.Request) (*llms.Completion, error) {
	p.cancel()
	return p.plannerProvider.Generate(ctx, req)
}

// signalSink closes done on the first audit write. The error path writes the
// trace only after the merged-sources delivery attempt, so the signal marks a
// finalized run while the consumer has read nothing yet.
type signalSink struct {
	once sync.Once
	done chan struct{}
}

func (s *signalSink) Write(ctx context.Context, rec *audit.Record) error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *signalSink) Close() error { return nil }

func TestAgentStalledConsumerNeverSkipsMergeDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &haltingProvider{cancel: cancel}
	provider.genErr = retrieval.NewStageError("llm", "generate", "canceled", retrieval.ErrCancelled)
	sink := &signalSink{done: make(chan struct{})}

	cfg := agentConfig()
	cfg.EventBuffer = 1
	o := newAgent(t, cfg, budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher(), Sink: sink})

	ch, err := o.Stream(ctx, Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)

	// Read nothing until the run finalizes: the iteration event fills the
	// single-slot buffer, so the merged-sources event cannot be delivered.
	<-sink.done
	evs := drain(ch)

	require.Len(t, evs, 1)
	assert.Equal(t, EventIteration, evs[0].Type)
	// Once the merged-sources event is lost no later terminal event may
	// follow it; the consumer sees a prefix of the closing sequence.
	assert.Empty(t, eventsOf(evs, EventMergeDone))
	assert.Empty(t, eventsOf(evs, EventError))
	assert.Empty(t, eventsOf(evs, EventStudyDone))
}

func TestAgentVerifyCitationsScansStudy(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("",
				llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}},
				llms.ToolCall{ID: "c2", Name: "search_perplexity", Args: map[string]any{"query": "súmula 549"}},
			),
			toolRound("", llms.ToolCall{ID: "c3", Name: "generate_study_section", Args: map[string]any{"title": "Exceções"}}),
			toolRound("", llms.ToolCall{ID: "c4", Name: "verify_citations", Args: map[string]any{}}),
			textRound("Concluído."),
		},
		stream: []string{
			"Conforme [ref:chunk-a] e https://stj.jus.br/sumula/549, ",
			"a exceção vale; já [ref:chunk-zz] e https://naoexiste.example.com/artigo não têm fonte.",
		},
	}
	web := &fakeResearch{name: "perplexity", results: []*research.Result{webResult(0.62)}}
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{
		Provider: provider,
		Searcher: globalSearcher(),
		Research: researchRegistry(t, web),
	})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	res := toolResult(t, evs, "verify_citations")
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text, "Citações sem fonte correspondente (2 de 4)")
	assert.Contains(t, res.Text, "[ref:chunk-zz]")
	assert.Contains(t, res.Text, "https://naoexiste.example.com/artigo")
	assert.NotContains(t, res.Text, "[ref:chunk-a]")
}

func TestAgentAnalyzeResultsDigest(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "analyze_results", Args: map[string]any{}}),
			toolRound("",
				llms.ToolCall{ID: "c2", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}},
				llms.ToolCall{ID: "c3", Name: "search_perplexity", Args: map[string]any{"query": "súmula 549"}},
			),
			toolRound("", llms.ToolCall{ID: "c4", Name: "analyze_results", Args: map[string]any{"top_n": float64(2)}}),
			textRound("Concluído."),
		},
	}
	web := &fakeResearch{name: "perplexity", results: []*research.Result{webResult(0.62)}}
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{
		Provider: provider,
		Searcher: globalSearcher(),
		Research: researchRegistry(t, web),
	})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	digests := eventsOf(evs, EventToolResult)
	var before, after string
	for _, ev := range digests {
		if ev.Tool != "analyze_results" {
			continue
		}
		if before == "" {
			before = ev.Text
		} else {
			after = ev.Text
		}
	}
	assert.Equal(t, "Nenhuma fonte coletada até o momento.", before)
	assert.Contains(t, after, "Fontes coletadas: 3")
	assert.Contains(t, after, "case_law: 1")
	assert.Contains(t, after, "statute: 1")
	assert.Contains(t, after, "web: 1")
	assert.Contains(t, after, "1. (statute) [ref:chunk-a]")
	assert.Contains(t, after, "Seções do estudo já redigidas: 0.")
	assert.NotContains(t, after, "3. ", "top_n bounds the listing")
}

func TestAgentStudySectionRequiresSources(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "generate_study_section", Args: map[string]any{"title": "Fundamentos"}}),
			textRound("Concluído."),
		},
		stream: []string{"nunca gerado"},
	}
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: provider, Searcher: globalSearcher()})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	res := toolResult(t, evs, "generate_study_section")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "no sources collected")
	assert.Empty(t, eventsOf(evs, EventStudyToken))
}

func TestAgentStreamValidatesRequest(t *testing.T) {
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{Provider: &plannerProvider{}, Searcher: &fakeSearcher{}})

	_, err := o.Stream(context.Background(), Request{Goal: "   ", Scope: agentScope()})
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)

	_, err = o.Stream(context.Background(), Request{Goal: researchGoal})
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)

	_, err = o.Stream(context.Background(), Request{
		Goal: researchGoal, Scope: agentScope(),
		Datasets: []retrieval.SourceType{"inexistente"},
	})
	assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
}

func TestAgentNewValidatesDeps(t *testing.T) {
	cfg := agentConfig()

	_, err := New(cfg, budget.Limits{}, Deps{Searcher: &fakeSearcher{}}, nil)
	assert.ErrorContains(t, err, "llm provider is required")

	_, err = New(cfg, budget.Limits{}, Deps{Provider: &plannerProvider{}}, nil)
	assert.ErrorContains(t, err, "searcher is required")

	cfg.Providers = []string{"inexistente"}
	_, err = New(cfg, budget.Limits{}, Deps{
		Provider: &plannerProvider{},
		Searcher: &fakeSearcher{},
		Research: researchRegistry(t, &fakeResearch{name: "perplexity"}),
	}, nil)
	assert.ErrorContains(t, err, `"inexistente"`)

	_, err = New(cfg, budget.Limits{}, Deps{Provider: &plannerProvider{}, Searcher: &fakeSearcher{}}, nil)
	assert.ErrorContains(t, err, "no registry wired")
}

func TestAgentToolTableRespectsProviderFilter(t *testing.T) {
	cfg := agentConfig()
	cfg.Providers = []string{"tavily"}

	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "search_perplexity", Args: map[string]any{"query": "súmula"}}),
			textRound("Concluído."),
		},
	}
	o := newAgent(t, cfg, budget.Limits{}, Deps{
		Provider: provider,
		Searcher: globalSearcher(),
		Research: researchRegistry(t, &fakeResearch{name: "perplexity"}, &fakeResearch{name: "tavily"}),
	})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	names := toolNames(provider.seenRequests()[0].Tools)
	assert.Contains(t, names, "search_tavily")
	assert.NotContains(t, names, "search_perplexity")

	// A disabled provider is not callable even if the planner insists.
	res := toolResult(t, evs, "search_perplexity")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "unknown tool")
}

func TestAgentAuditTrace(t *testing.T) {
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}}),
			textRound("Concluído."),
		},
	}
	sink := &captureSink{}
	o := newAgent(t, agentConfig(), budget.Limits{}, Deps{
		Provider: provider,
		Searcher: globalSearcher(),
		Sink:     sink,
	})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	drain(ch)

	require.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	assert.NotEmpty(t, rec.RequestID)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.Equal(t, researchGoal, rec.Query)

	stages := map[string]int{}
	for _, ev := range rec.Events {
		if ev.Kind == audit.EventStageEnd {
			stages[ev.Stage]++
		}
	}
	assert.Equal(t, 2, stages["plan"])
	assert.Equal(t, 1, stages["tool:search_rag_global"])

	require.Len(t, rec.Attributions, 2)
	assert.Equal(t, "chunk-a", rec.Attributions[0].ChunkID)
	assert.Equal(t, 1, rec.Attributions[0].Rank)
	assert.Equal(t, []string{"search_rag_global"}, rec.Attributions[0].Retrievers)
}

func TestAgentTruncatesToolResults(t *testing.T) {
	cfg := agentConfig()
	cfg.MaxToolResultChars = 40

	long := strings.Repeat("jurisprudência consolidada ", 20)
	provider := &plannerProvider{
		rounds: []*llms.Completion{
			toolRound("", llms.ToolCall{ID: "c1", Name: "search_rag_global", Args: map[string]any{"query": "bem de família"}}),
			textRound("Concluído."),
		},
	}
	searcher := &fakeSearcher{fn: func(req pipeline.Request) (*retrieval.PipelineResult, error) {
		r := statuteChunk()
		r.Chunk.Text = long
		return &retrieval.PipelineResult{
			Query: req.Query, Results: []retrieval.Result{r}, Evidence: retrieval.EvidenceStrong,
		}, nil
	}}
	o := newAgent(t, cfg, budget.Limits{}, Deps{Provider: provider, Searcher: searcher})
	ch, err := o.Stream(context.Background(), Request{Goal: researchGoal, Scope: agentScope()})
	require.NoError(t, err)
	evs := drain(ch)

	res := toolResult(t, evs, "search_rag_global")
	assert.LessOrEqual(t, len([]rune(res.Text)), 41)
	assert.True(t, strings.HasSuffix(res.Text, "…"))

	requests := provider.seenRequests()
	msgs := requests[1].Messages
	assert.Equal(t, res.Text, msgs[len(msgs)-1].Content,
		"the planner sees exactly the truncated summary")
}

func TestRankScoreOrdersByPosition(t *testing.T) {
	assert.Equal(t, 1.0, research.RankScore(0))
	assert.Equal(t, 0.5, research.RankScore(1))
	assert.Greater(t, research.RankScore(1), research.RankScore(2))
}
