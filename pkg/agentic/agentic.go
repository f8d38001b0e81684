// Package agentic runs the streaming deep-research loop: a planner model
// drives retrieval and web-research tools through bounded iterations while
// typed events flow to the caller over a bounded channel. Sources collected
// anywhere in the run are deduplicated and boost-ranked before the final
// assembly; the study text is generated section by section on the planner's
// command.
package agentic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/observability"
	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/research"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

const plannerSystemPrompt = "Você é um agente de pesquisa jurídica aprofundada. " +
	"Trabalhe em etapas: use as ferramentas de busca para reunir fontes internas e externas, " +
	"consulte analyze_results para avaliar a cobertura e pergunte ao usuário apenas quando indispensável. " +
	"Redija o estudo por seções com generate_study_section, citando cada fonte, " +
	"e confira as citações com verify_citations antes de encerrar. " +
	"Quando o estudo estiver completo, responda com um resumo final sem chamar ferramentas."

// Searcher is the retrieval entry the RAG tools call.
type Searcher interface {
	Search(ctx context.Context, req pipeline.Request) (*retrieval.PipelineResult, error)
}

// Request describes one agent run.
type Request struct {
	// Goal is the research objective the planner pursues.
	Goal string

	// Datasets narrows the RAG tools by default; the planner may override
	// per call.
	Datasets []retrieval.SourceType

	Scope visibility.QueryScope

	// Options overlays pipeline feature toggles onto the RAG tool searches.
	Options *config.OptionsConfig

	// UserInput answers ask_user pauses. A nil channel makes the tool
	// report that no user is available instead of blocking.
	UserInput <-chan string
}

// Deps are the collaborators a run drives. Provider and Searcher are
// required; Research and Sink may be nil.
type Deps struct {
	Provider llms.Provider
	Searcher Searcher
	Research *research.Registry
	Sink     audit.Sink
}

// Orchestrator owns the tool table and configuration shared by runs.
type Orchestrator struct {
	cfg      config.AgentConfig
	limits   budget.Limits
	provider llms.Provider
	searcher Searcher
	research map[string]research.Provider
	names    []string
	defs     []llms.ToolDefinition
	sink     audit.Sink
	logger   *slog.Logger
}

func New(cfg config.AgentConfig, limits budget.Limits, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("agentic: llm provider is required")
	}
	if deps.Searcher == nil {
		return nil, fmt.Errorf("agentic: searcher is required")
	}
	limits.SetDefaults()

	providers := make(map[string]research.Provider)
	var names []string
	if deps.Research != nil {
		enabled := cfg.Providers
		if len(enabled) == 0 {
			enabled = deps.Research.Names()
		}
		for _, name := range enabled {
			p, ok := deps.Research.Get(name)
			if !ok {
				return nil, fmt.Errorf("agentic: research provider %q is not configured", name)
			}
			providers[name] = p
			names = append(names, name)
		}
		sort.Strings(names)
	} else if len(cfg.Providers) > 0 {
		return nil, fmt.Errorf("agentic: research providers enabled but no registry wired")
	}

	o := &Orchestrator{
		cfg:      cfg,
		limits:   limits,
		provider: deps.Provider,
		searcher: deps.Searcher,
		research: providers,
		names:    names,
		sink:     deps.Sink,
		logger:   logger,
	}
	o.defs = o.buildToolDefs()
	return o, nil
}

// Stream starts one run. Validation fails synchronously; after that the
// returned channel carries every event to the terminal one (study_done or
// error) and closes.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, retrieval.NewStageError("agent", "request", "empty goal", retrieval.ErrInvalidRequest)
	}
	if err := req.Scope.Validate(); err != nil {
		return nil, retrieval.NewStageError("agent", "request", err.Error(), retrieval.ErrInvalidRequest)
	}
	for _, ds := range req.Datasets {
		if !retrieval.ValidSource(ds) {
			return nil, retrieval.NewStageError("agent", "request",
				fmt.Sprintf("unknown dataset %q", ds), retrieval.ErrInvalidRequest)
		}
	}

	events := make(chan Event, o.cfg.EventBuffer)
	go o.run(ctx, req, events)
	return events, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, events chan<- Event) {
	defer close(events)

	requestID := uuid.NewString()
	tracer := observability.GetTracer("relator.agentic")
	ctx, span := tracer.Start(ctx, observability.SpanAgentRun,
		trace.WithAttributes(
			attribute.String(observability.AttrRequestID, requestID),
			attribute.String(observability.AttrTenantID, req.Scope.TenantID),
			attribute.Int(observability.AttrQueryLength, len(req.Goal)),
		),
	)
	defer span.End()

	s := &session{
		o:       o,
		req:     req,
		events:  events,
		meter:   budget.NewMeter(o.limits, o.logger),
		tr:      audit.NewTrace(requestID, req.Scope.TenantID, req.Goal),
		sources: newCollector(),
	}

	started := time.Now()
	err := s.loop(ctx)
	observability.GetGlobalMetrics().RecordRequest(ctx, time.Since(started), err)

	// Partial results survive failures: the merged source list always goes
	// out before the terminal event.
	merged := rankSources(s.sources.snapshot(), o.cfg.SourceBoosts)
	s.tr.Attribute(sourceAttributions(merged))
	mergeDelivered := s.emitFinal(ctx, Event{
		Type:    EventMergeDone,
		Sources: merged,
		Text:    fmt.Sprintf("%d fontes consolidadas", len(merged)),
	})

	if err != nil {
		span.RecordError(err)
		s.tr.Failure("agent", "run", err)
		o.sinkWrite(ctx, s.tr)
		o.logger.Error("agent run failed",
			"request_id", requestID,
			"tenant", req.Scope.TenantID,
			"iteration", s.iteration,
			"error", err)
		if mergeDelivered {
			s.emitFinal(ctx, Event{Type: EventError, Err: err.Error()})
		}
		return
	}

	study := strings.TrimSpace(s.study.String())
	if study == "" {
		study = s.finalText
	}
	if mergeDelivered {
		s.emitFinal(ctx, Event{Type: EventStudyDone, Text: study})
	}
	o.sinkWrite(ctx, s.tr)

	span.SetAttributes(
		attribute.Int("agent.iterations", s.iteration),
		attribute.Int("agent.sources", len(merged)),
		attribute.Int("agent.study_sections", s.studySections),
	)
	o.logger.Info("agent run served",
		"request_id", requestID,
		"tenant", req.Scope.TenantID,
		"iterations", s.iteration,
		"sources", len(merged),
		"study_sections", s.studySections,
		"elapsed_ms", time.Since(started).Milliseconds())
}

func (o *Orchestrator) sinkWrite(ctx context.Context, tr *audit.Trace) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Write(ctx, tr.Snapshot()); err != nil {
		o.logger.Warn("audit sink write failed", "error", err)
	}
}

// session is the per-run state. The loop and every tool run inside one
// goroutine; only the event channel crosses it.
type session struct {
	o       *Orchestrator
	req     Request
	events  chan<- Event
	meter   *budget.Meter
	tr      *audit.Trace
	sources *collector

	study         strings.Builder
	studySections int
	iteration     int
	finalText     string
}

// emit sends one event, blocking until the consumer takes it. Context death
// is the only way out of a full channel.
func (s *session) emit(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Iteration == 0 {
		ev.Iteration = s.iteration
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emitFinal delivers terminal events on a best-effort basis: after a
// cancellation the consumer may be gone, and the run goroutine must still
// terminate. Returns whether the event was delivered; once one final event
// is lost, callers must not send later ones, so a consumer always sees a
// prefix of the terminal sequence and merge_done can never be skipped over.
func (s *session) emitFinal(ctx context.Context, ev Event) bool {
	if s.emit(ctx, ev) == nil {
		return true
	}
	if ev.Iteration == 0 {
		ev.Iteration = s.iteration
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *session) loop(ctx context.Context) error {
	transcript := []llms.Message{
		llms.System(plannerSystemPrompt),
		llms.User(s.plannerGoal()),
	}

	for iter := 1; iter <= s.o.cfg.MaxIterations; iter++ {
		s.iteration = iter
		if err := s.meter.CheckWall(); err != nil {
			return err
		}
		if err := s.emit(ctx, Event{Type: EventIteration}); err != nil {
			return retrieval.NewStageError("agent", "stream", "consumer gone", retrieval.ErrCancelled)
		}

		completion, err := s.plan(ctx, transcript)
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(completion.Text); text != "" {
			if err := s.emit(ctx, Event{Type: EventThinking, Text: text}); err != nil {
				return err
			}
		}
		if len(completion.ToolCalls) == 0 {
			s.finalText = strings.TrimSpace(completion.Text)
			return nil
		}

		transcript = append(transcript, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			summary, err := s.dispatch(ctx, call)
			if err != nil {
				return err
			}
			transcript = append(transcript, llms.ToolResult(call.ID, summary))
		}
		s.finalText = strings.TrimSpace(completion.Text)
	}

	s.o.logger.Debug("agent iterations exhausted",
		"request_id", s.tr.RequestID(),
		"max_iterations", s.o.cfg.MaxIterations)
	return nil
}

// plan runs one planner round: a metered completion over the transcript
// with the full tool table attached.
func (s *session) plan(ctx context.Context, transcript []llms.Message) (*llms.Completion, error) {
	if err := s.meter.ChargeCall(); err != nil {
		return nil, err
	}

	end := s.tr.Stage("plan")
	started := time.Now()
	completion, err := s.o.provider.Generate(ctx, llms.Request{
		Messages:  transcript,
		Tools:     s.o.defs,
		Model:     s.o.cfg.LLM,
		MaxTokens: s.o.cfg.PlannerMaxTokens,
	})
	observability.GetGlobalMetrics().RecordStage(ctx, "plan", time.Since(started))
	if err != nil {
		end(audit.CountRecord{})
		s.tr.Failure("agent", "planner", err)
		if ctx.Err() != nil {
			return nil, retrieval.NewStageError("agent", "planner", "run cancelled", retrieval.ErrCancelled)
		}
		return nil, retrieval.NewStageError("agent", "planner", err.Error(), retrieval.ErrUpstreamUnavailable)
	}
	end(audit.CountRecord{Out: len(completion.ToolCalls)})

	if err := s.meter.AddTokens(completion.TotalTokens()); err != nil {
		s.o.logger.Warn("planner pushed token budget over cap")
	}
	return completion, nil
}

// dispatch executes one tool call with its own timeout, emitting the call
// and result events and recording the stage in the trace. Budget exhaustion
// and run cancellation abort the run; every other failure goes back to the
// planner as an error result.
func (s *session) dispatch(ctx context.Context, call llms.ToolCall) (string, error) {
	if err := s.emit(ctx, Event{Type: EventToolCall, Tool: call.Name, CallID: call.ID, Args: call.Args}); err != nil {
		return "", err
	}

	end := s.tr.Stage("tool:" + call.Name)
	toolCtx, cancel := context.WithTimeout(ctx, time.Duration(s.o.cfg.ToolTimeoutSeconds)*time.Second)
	started := time.Now()
	summary, added, err := s.runTool(toolCtx, call)
	cancel()
	elapsed := time.Since(started)
	end(audit.CountRecord{Added: added})
	observability.GetGlobalMetrics().RecordStage(ctx, "tool:"+call.Name, elapsed)

	if err != nil {
		if ctx.Err() != nil {
			return "", retrieval.NewStageError("agent", call.Name, "run cancelled", retrieval.ErrCancelled)
		}
		if errors.Is(err, retrieval.ErrBudgetExceeded) {
			return "", err
		}
		s.tr.Failure("agent", call.Name, err)
		s.o.logger.Warn("agent tool failed", "tool", call.Name, "error", err)
		summary = truncateRunes("Erro na ferramenta: "+err.Error(), s.o.cfg.MaxToolResultChars)
		if err := s.emit(ctx, Event{
			Type: EventToolResult, Tool: call.Name, CallID: call.ID,
			Text: summary, IsError: true, ElapsedMS: elapsed.Milliseconds(),
		}); err != nil {
			return "", err
		}
		return summary, nil
	}

	summary = truncateRunes(summary, s.o.cfg.MaxToolResultChars)
	if err := s.emit(ctx, Event{
		Type: EventToolResult, Tool: call.Name, CallID: call.ID,
		Text: summary, ElapsedMS: elapsed.Milliseconds(),
	}); err != nil {
		return "", err
	}
	return summary, nil
}

func (s *session) plannerGoal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objetivo da pesquisa: %s", s.req.Goal)
	if len(s.req.Datasets) > 0 {
		names := make([]string, len(s.req.Datasets))
		for i, ds := range s.req.Datasets {
			names[i] = string(ds)
		}
		fmt.Fprintf(&b, "\nDatasets prioritários: %s", strings.Join(names, ", "))
	}
	if s.req.Scope.CaseID != "" {
		fmt.Fprintf(&b, "\nCaso vinculado: %s", s.req.Scope.CaseID)
	}
	return b.String()
}

// collect merges newly discovered sources into the run set, surfacing each
// new one as a provider_source event.
func (s *session) collect(ctx context.Context, tool string, sources []research.Source) (int, error) {
	added := 0
	for _, src := range sources {
		if !s.sources.add(src) {
			continue
		}
		added++
		copied := src
		if err := s.emit(ctx, Event{Type: EventSource, Tool: tool, Source: &copied}); err != nil {
			return added, err
		}
	}
	return added, nil
}

func sourceAttributions(sources []research.Source) []audit.Attribution {
	attrs := make([]audit.Attribution, len(sources))
	for i, s := range sources {
		id := s.ChunkID
		if id == "" {
			id = s.URL
		}
		attrs[i] = audit.Attribution{
			ChunkID:    id,
			Dataset:    s.Type,
			Rank:       i + 1,
			Score:      s.Score,
			Retrievers: []string{s.Provider},
		}
	}
	return attrs
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
