package agentic

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/research"
	"github.com/iurislab/relator/pkg/retrieval"
)

const (
	toolSearchRAGGlobal      = "search_rag_global"
	toolSearchRAGLocal       = "search_rag_local"
	toolAnalyzeResults       = "analyze_results"
	toolAskUser              = "ask_user"
	toolGenerateStudySection = "generate_study_section"
	toolVerifyCitations      = "verify_citations"
)

// studyPromptSources caps how many ranked sources feed a section prompt.
const studyPromptSources = 12

func (o *Orchestrator) buildToolDefs() []llms.ToolDefinition {
	queryParam := map[string]any{"type": "string", "description": "Pergunta ou termos de busca."}

	defs := make([]llms.ToolDefinition, 0, len(o.names)+6)
	for _, name := range o.names {
		defs = append(defs, llms.ToolDefinition{
			Name:        "search_" + name,
			Description: fmt.Sprintf("Pesquisa aprofundada na web via %s. Retorna fontes externas com URL.", name),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       queryParam,
					"max_sources": map[string]any{"type": "integer", "description": "Máximo de fontes a retornar."},
					"deep":        map[string]any{"type": "boolean", "description": "Busca mais minuciosa e mais lenta."},
				},
				"required": []string{"query"},
			},
		})
	}

	datasetsParam := map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Restringe a datasets: statute, case_law, internal_filing, model_brief, doctrine, local.",
	}
	defs = append(defs,
		llms.ToolDefinition{
			Name:        toolSearchRAGGlobal,
			Description: "Busca nas bases internas compartilhadas: legislação, jurisprudência, doutrina e modelos.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":    queryParam,
					"top_k":    map[string]any{"type": "integer", "description": "Quantidade de trechos a retornar."},
					"datasets": datasetsParam,
				},
				"required": []string{"query"},
			},
		},
		llms.ToolDefinition{
			Name:        toolSearchRAGLocal,
			Description: "Busca nos autos do caso vinculado à solicitação. Exige um caso vinculado.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": queryParam,
					"top_k": map[string]any{"type": "integer", "description": "Quantidade de trechos a retornar."},
				},
				"required": []string{"query"},
			},
		},
		llms.ToolDefinition{
			Name:        toolAnalyzeResults,
			Description: "Resume as fontes coletadas até aqui: contagem por tipo e principais itens após reordenação.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"top_n": map[string]any{"type": "integer", "description": "Quantas fontes listar."},
				},
			},
		},
		llms.ToolDefinition{
			Name:        toolGenerateStudySection,
			Description: "Redige uma seção do estudo a partir das fontes coletadas, transmitida token a token.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":        map[string]any{"type": "string", "description": "Título da seção."},
					"instructions": map[string]any{"type": "string", "description": "Orientações adicionais de redação."},
				},
				"required": []string{"title"},
			},
		},
		llms.ToolDefinition{
			Name:        toolVerifyCitations,
			Description: "Confere se os marcadores [ref:ID] e URLs citados correspondem a fontes coletadas.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Texto a verificar; vazio verifica o estudo atual."},
				},
			},
		},
	)
	if o.cfg.AskUser {
		defs = append(defs, llms.ToolDefinition{
			Name:        toolAskUser,
			Description: "Faz uma pergunta ao usuário e aguarda a resposta antes de prosseguir.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string", "description": "Pergunta objetiva ao usuário."},
				},
				"required": []string{"question"},
			},
		})
	}
	return defs
}

// runTool executes one call, returning the planner-facing summary and how
// many new sources it contributed.
func (s *session) runTool(ctx context.Context, call llms.ToolCall) (string, int, error) {
	switch call.Name {
	case toolSearchRAGGlobal:
		return s.searchRAG(ctx, call, false)
	case toolSearchRAGLocal:
		return s.searchRAG(ctx, call, true)
	case toolAnalyzeResults:
		return s.analyzeResults(call), 0, nil
	case toolAskUser:
		if !s.o.cfg.AskUser {
			break
		}
		return s.askUser(ctx, call)
	case toolGenerateStudySection:
		return s.generateStudySection(ctx, call)
	case toolVerifyCitations:
		return s.verifyCitations(call), 0, nil
	}
	if name, ok := strings.CutPrefix(call.Name, "search_"); ok {
		if p, ok := s.o.research[name]; ok {
			return s.searchResearch(ctx, call, p)
		}
	}
	return "", 0, fmt.Errorf("unknown tool %q", call.Name)
}

// searchRAG runs the retrieval pipeline under a scope narrowed to one
// visibility tier. Global drops the case binding; local requires one.
func (s *session) searchRAG(ctx context.Context, call llms.ToolCall, local bool) (string, int, error) {
	query := strings.TrimSpace(call.ArgString("query"))
	if query == "" {
		return "", 0, fmt.Errorf("search requires a query argument")
	}

	scope := s.req.Scope
	toolName := toolSearchRAGGlobal
	var datasets []retrieval.SourceType
	if local {
		toolName = toolSearchRAGLocal
		if scope.CaseID == "" {
			return "", 0, fmt.Errorf("local search requires a case bound to the request scope")
		}
		scope.AllowLocal = true
		scope.AllowGlobal = false
	} else {
		scope.AllowGlobal = true
		scope.AllowLocal = false
		scope.CaseID = ""
		var err error
		datasets, err = s.datasets(call)
		if err != nil {
			return "", 0, err
		}
	}

	res, err := s.o.searcher.Search(ctx, pipeline.Request{
		Query:    query,
		TopK:     argInt(call, "top_k", 10),
		Datasets: datasets,
		Scope:    scope,
		Options:  s.req.Options,
	})
	if err != nil {
		return "", 0, err
	}

	lifted := make([]research.Source, 0, len(res.Results))
	for i, r := range res.Results {
		lifted = append(lifted, liftSource(toolName, i, r))
	}
	added, err := s.collect(ctx, toolName, lifted)
	if err != nil {
		return "", added, err
	}
	return ragSummary(res), added, nil
}

func (s *session) searchResearch(ctx context.Context, call llms.ToolCall, p research.Provider) (string, int, error) {
	query := strings.TrimSpace(call.ArgString("query"))
	if query == "" {
		return "", 0, fmt.Errorf("search requires a query argument")
	}
	deep, _ := call.Args["deep"].(bool)

	result, err := p.Research(ctx, query, research.Options{
		MaxSources: argInt(call, "max_sources", 0),
		Deep:       deep,
	})
	if err != nil {
		return "", 0, err
	}
	added, err := s.collect(ctx, "search_"+p.Name(), result.Sources)
	if err != nil {
		return "", added, err
	}
	return researchSummary(result), added, nil
}

// analyzeResults is a local digest, not a model call: counts per source
// type plus the top of the boost-ranked list.
func (s *session) analyzeResults(call llms.ToolCall) string {
	if s.sources.count() == 0 {
		return "Nenhuma fonte coletada até o momento."
	}

	var b strings.Builder
	types, counts := s.sources.countByType()
	fmt.Fprintf(&b, "Fontes coletadas: %d (", s.sources.count())
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %d", t, counts[t])
	}
	b.WriteString(").\n")

	ranked := rankSources(s.sources.snapshot(), s.o.cfg.SourceBoosts)
	topN := argInt(call, "top_n", 5)
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	b.WriteString("Principais fontes após reordenação:\n")
	for i, src := range ranked {
		b.WriteString(sourceLine(i+1, src))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Seções do estudo já redigidas: %d.", s.studySections)
	return b.String()
}

// askUser pauses the run: the question goes out as an event and the tool
// blocks on the request's input channel until an answer, channel close or
// timeout.
func (s *session) askUser(ctx context.Context, call llms.ToolCall) (string, int, error) {
	question := strings.TrimSpace(call.ArgString("question"))
	if question == "" {
		return "", 0, fmt.Errorf("ask_user requires a question argument")
	}
	if err := s.emit(ctx, Event{Type: EventAskUser, Tool: toolAskUser, CallID: call.ID, Text: question}); err != nil {
		return "", 0, err
	}
	if s.req.UserInput == nil {
		return "Nenhum usuário disponível para responder; prossiga com as informações existentes.", 0, nil
	}
	select {
	case answer, ok := <-s.req.UserInput:
		if !ok {
			return "O usuário encerrou o canal de respostas; prossiga com as informações existentes.", 0, nil
		}
		return "Resposta do usuário: " + strings.TrimSpace(answer), 0, nil
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

// generateStudySection streams one section from the model, forwarding each
// text delta as a study_token event and appending the finished section to
// the study.
func (s *session) generateStudySection(ctx context.Context, call llms.ToolCall) (string, int, error) {
	title := strings.TrimSpace(call.ArgString("title"))
	if title == "" {
		return "", 0, fmt.Errorf("generate_study_section requires a title argument")
	}
	if s.sources.count() == 0 {
		return "", 0, fmt.Errorf("no sources collected yet; search before writing")
	}
	if err := s.meter.ChargeCall(); err != nil {
		return "", 0, err
	}

	chunks, err := s.o.provider.GenerateStreaming(ctx, llms.Request{
		Messages:  []llms.Message{llms.User(s.studyPrompt(title, call.ArgString("instructions")))},
		Model:     s.o.cfg.LLM,
		MaxTokens: s.o.cfg.StudySectionMaxTokens,
	})
	if err != nil {
		return "", 0, err
	}

	// An early return must not strand the producer goroutine mid-send.
	finished := false
	defer func() {
		if finished {
			return
		}
		go func() {
			for range chunks {
			}
		}()
	}()

	var section strings.Builder
	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkText:
			section.WriteString(chunk.Text)
			if err := s.emit(ctx, Event{Type: EventStudyToken, Section: title, Text: chunk.Text}); err != nil {
				return "", 0, err
			}
		case llms.ChunkDone:
			if err := s.meter.AddTokens(chunk.InputTokens + chunk.OutputTokens); err != nil {
				s.o.logger.Warn("study section pushed token budget over cap", "section", title)
			}
		case llms.ChunkError:
			return "", 0, chunk.Err
		}
	}
	finished = true

	text := strings.TrimSpace(section.String())
	if text == "" {
		return "", 0, fmt.Errorf("model returned an empty section")
	}
	s.appendSection(title, text)
	return fmt.Sprintf("Seção %q concluída (%d caracteres).", title, len(text)), 0, nil
}

func (s *session) appendSection(title, text string) {
	if s.study.Len() > 0 {
		s.study.WriteString("\n\n")
	}
	s.study.WriteString("## ")
	s.study.WriteString(title)
	s.study.WriteString("\n\n")
	s.study.WriteString(text)
	s.studySections++
}

func (s *session) studyPrompt(title, instructions string) string {
	ranked := rankSources(s.sources.snapshot(), s.o.cfg.SourceBoosts)
	if len(ranked) > studyPromptSources {
		ranked = ranked[:studyPromptSources]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Redija a seção %q de um estudo jurídico sobre: %s\n", title, s.req.Goal)
	b.WriteString("Use exclusivamente as fontes abaixo. Cite documentos internos pelo marcador [ref:ID] " +
		"e páginas da web pelo URL. Não invente fontes.\n\nFontes:\n")
	for _, src := range ranked {
		body := src.Content
		if body == "" {
			body = src.Title
		}
		fmt.Fprintf(&b, "%s (%s) %s\n", sourceLabel(src), src.Type, excerpt(body, 600))
	}
	if strings.TrimSpace(instructions) != "" {
		fmt.Fprintf(&b, "\nInstruções adicionais: %s\n", instructions)
	}
	return b.String()
}

var (
	refMarkerRe = regexp.MustCompile(`\[ref:([^\[\]\s]+)\]`)
	citedURLRe  = regexp.MustCompile(`https?://[^\s)\]"']+`)
)

// verifyCitations checks the given text, or the study so far, against the
// collected sources: [ref:ID] markers must match a lifted chunk and cited
// URLs must match a collected web source.
func (s *session) verifyCitations(call llms.ToolCall) string {
	text := call.ArgString("text")
	if strings.TrimSpace(text) == "" {
		text = s.study.String()
	}
	if strings.TrimSpace(text) == "" {
		return "Nada a verificar: nenhum texto fornecido e nenhuma seção redigida."
	}

	var unknown []string
	seen := map[string]bool{}
	flag := func(citation string) {
		if !seen[citation] {
			seen[citation] = true
			unknown = append(unknown, citation)
		}
	}

	total := 0
	for _, m := range refMarkerRe.FindAllStringSubmatch(text, -1) {
		total++
		if !s.sources.hasChunk(m[1]) {
			flag(m[0])
		}
	}
	for _, raw := range citedURLRe.FindAllString(text, -1) {
		total++
		u := strings.TrimRight(raw, ".,;:")
		if !s.sources.hasKey(research.Source{URL: u}.Key()) {
			flag(u)
		}
	}

	if total == 0 {
		return "Nenhuma citação encontrada no texto."
	}
	if len(unknown) == 0 {
		return fmt.Sprintf("Todas as %d citações conferem com fontes coletadas.", total)
	}
	return fmt.Sprintf("Citações sem fonte correspondente (%d de %d): %s",
		len(unknown), total, strings.Join(unknown, ", "))
}

// datasets resolves the tool's dataset filter, falling back to the request
// default. Unknown names fail the call rather than the run.
func (s *session) datasets(call llms.ToolCall) ([]retrieval.SourceType, error) {
	raw, ok := call.Args["datasets"].([]any)
	if !ok || len(raw) == 0 {
		return s.req.Datasets, nil
	}
	out := make([]retrieval.SourceType, 0, len(raw))
	for _, v := range raw {
		name, _ := v.(string)
		ds := retrieval.SourceType(name)
		if !retrieval.ValidSource(ds) {
			return nil, fmt.Errorf("unknown dataset %q", name)
		}
		out = append(out, ds)
	}
	return out, nil
}

// argInt reads an integer argument, bounding it to what the pipeline
// accepts so a planner mistake cannot abort the run.
func argInt(call llms.ToolCall, key string, def int) int {
	v, ok := call.Args[key]
	if !ok {
		return def
	}
	var n int
	switch t := v.(type) {
	case float64:
		n = int(t)
	case int:
		n = t
	default:
		return def
	}
	if n <= 0 {
		return def
	}
	if n > 50 {
		n = 50
	}
	return n
}

// liftSource adapts one retrieval result into the shared source shape so it
// competes with web sources in dedup and ranking.
func liftSource(tool string, rank int, r retrieval.Result) research.Source {
	title := r.Chunk.Meta.Title
	if title == "" {
		title = r.Chunk.Meta.Citation
	}
	return research.Source{
		Title:     title,
		Content:   r.EffectiveText(),
		Type:      string(r.Chunk.Dataset),
		Provider:  tool,
		Score:     research.RankScore(rank),
		Published: r.Chunk.Meta.Date,
		ChunkID:   r.Chunk.ID,
	}
}

func ragSummary(res *retrieval.PipelineResult) string {
	if len(res.Results) == 0 {
		return "Nenhum resultado admissível. Nível de evidência: insufficient."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d resultados, nível de evidência %s.\n", len(res.Results), res.Evidence)
	for i, r := range res.Results {
		fmt.Fprintf(&b, "%d. [ref:%s] (%s) %s\n", i+1, r.Chunk.ID, r.Chunk.Dataset, excerpt(r.EffectiveText(), 280))
	}
	if len(res.Graph.Paths) > 0 {
		b.WriteString("Caminhos no grafo:\n")
		for _, p := range res.Graph.Paths {
			fmt.Fprintf(&b, "[path:%s] %s\n", p.UID, p.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func researchSummary(result *research.Result) string {
	var b strings.Builder
	if text := strings.TrimSpace(result.Text); text != "" {
		b.WriteString(text)
		b.WriteByte('\n')
	}
	if len(result.Sources) > 0 {
		b.WriteString("Fontes:\n")
		for i, src := range result.Sources {
			b.WriteString(sourceLine(i+1, src))
			b.WriteByte('\n')
		}
	}
	if b.Len() == 0 {
		return "Nenhuma fonte encontrada."
	}
	return strings.TrimRight(b.String(), "\n")
}

func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
