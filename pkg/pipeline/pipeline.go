// Package pipeline sequences one retrieval request through rewrite, routing,
// lexical-first gating, expansion, concurrent retrieval, RRF fusion, the
// corrective gate loop, reranking, chunk refinement and graph enrichment.
// A Search call returns the fused result set together with its audit trace.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/cache"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/crag"
	"github.com/iurislab/relator/pkg/expansion"
	"github.com/iurislab/relator/pkg/fusion"
	"github.com/iurislab/relator/pkg/graphrag"
	"github.com/iurislab/relator/pkg/observability"
	"github.com/iurislab/relator/pkg/refine"
	"github.com/iurislab/relator/pkg/rerank"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// maxTopK is the hard upper bound on requested result counts.
const maxTopK = 50

// Request is one retrieval call. Zero TopK takes the configured default.
// Empty Datasets lets routing narrow the list; empty Query is admitted only
// when graph retrieval is enabled, which turns the call into a graph-only
// probe. Options nil runs the configured default toggles.
type Request struct {
	Query    string
	TopK     int
	Datasets []retrieval.SourceType
	Scope    visibility.QueryScope

	// History and Summary give the conversational rewriter its context.
	// Both optional.
	History []string
	Summary string

	Options *config.OptionsConfig
}

// LexicalRetriever is the always-on retriever plus the probe the
// lexical-first gate scores against.
type LexicalRetriever interface {
	retrieval.Retriever
	TopScore(ctx context.Context, q retrieval.Query) (float64, error)
}

// Deps are the stage components Search drives. Lexical is required. Every
// other dependency may be nil; its stage then degrades to a no-op, so a
// deployment without a vector store or a graph still answers queries.
type Deps struct {
	Lexical  LexicalRetriever
	Vector   retrieval.Retriever
	Graph    retrieval.Retriever
	Expander *expansion.Expander
	Rerank   *rerank.Runner
	Refiner  *refine.Refiner
	Enricher *graphrag.Enricher
	Sink     audit.Sink
}

// Orchestrator runs the stage sequence. Safe for concurrent Search calls;
// per-request state lives in the trace and the meter.
type Orchestrator struct {
	cfg    *config.PipelineConfig
	limits budget.Limits
	deps   Deps

	fuser     *fusion.Fuser
	corrector *crag.Corrector
	citations []*regexp.Regexp
	results   *cache.TTLCache[retrieval.PipelineResult]
	logger    *slog.Logger
}

// New wires the orchestrator. The fuser and the corrective loop are built
// here because their knobs live in the pipeline's own config; retrievers and
// the heavier stage components arrive prebuilt through deps.
func New(cfg *config.PipelineConfig, cragCfg config.CRAGConfig, limits budget.Limits, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if deps.Lexical == nil {
		return nil, fmt.Errorf("pipeline: lexical retriever is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limits.SetDefaults()

	citations := make([]*regexp.Regexp, 0, len(cfg.CitationPatterns))
	for _, pat := range cfg.CitationPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("pipeline: citation pattern %q: %w", pat, err)
		}
		citations = append(citations, re)
	}

	var results *cache.TTLCache[retrieval.PipelineResult]
	if cfg.ResultCacheTTLSeconds > 0 && cfg.ResultCacheSize > 0 {
		results = cache.New[retrieval.PipelineResult](
			time.Duration(cfg.ResultCacheTTLSeconds)*time.Second, cfg.ResultCacheSize)
	}

	return &Orchestrator{
		cfg:       cfg,
		limits:    limits,
		deps:      deps,
		fuser:     fusion.New(cfg.RRFK),
		corrector: crag.NewCorrector(cragCfg, logger),
		citations: citations,
		results:   results,
		logger:    logger,
	}, nil
}

// Search runs the full stage sequence for one request.
//
// Retriever failures degrade as long as MinSourcesRequired sources answered;
// budget exhaustion, cancellation and invalid requests abort. The returned
// result carries its trace; the same trace is also written to the sink.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*retrieval.PipelineResult, error) {
	start := time.Now()
	metrics := observability.GetGlobalMetrics()

	opts := o.options(req)
	topK, err := o.validate(req, opts)
	if err != nil {
		metrics.RecordRequest(ctx, time.Since(start), err)
		return nil, err
	}

	if o.cfg.RequestTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.RequestTimeoutSeconds)*time.Second)
		defer cancel()
	}

	requestID := uuid.NewString()
	tracer := observability.GetTracer("relator.pipeline")
	ctx, span := tracer.Start(ctx, observability.SpanRetrieve, trace.WithAttributes(
		attribute.String(observability.AttrRequestID, requestID),
		attribute.String(observability.AttrTenantID, req.Scope.TenantID),
		attribute.Int(observability.AttrQueryLength, len(req.Query)),
	))
	defer span.End()

	key := o.cacheKey(req, opts, topK)
	if o.results != nil {
		if hit, ok := o.results.Get(key); ok {
			out := o.serveCached(ctx, hit, requestID, req)
			metrics.RecordRequest(ctx, time.Since(start), nil)
			return out, nil
		}
	}

	tr := audit.NewTrace(requestID, req.Scope.TenantID, req.Query)
	meter := budget.NewMeter(o.limits, o.logger)

	out, err := o.run(ctx, req, opts, topK, tr, meter)
	metrics.RecordRequest(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		tr.Finish(string(retrieval.EvidenceInsufficient))
		o.sinkWrite(ctx, tr)
		o.logger.Error("pipeline request failed",
			"request_id", requestID, "tenant", req.Scope.TenantID, "error", err)
		return nil, err
	}

	out.RequestID = requestID
	out.Trace = tr
	out.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.String(observability.AttrEvidenceLevel, string(out.Evidence)),
		attribute.Int(observability.AttrResultCount, len(out.Results)),
	)
	o.sinkWrite(ctx, tr)

	if o.results != nil {
		cached := cloneResult(*out)
		cached.Trace = nil
		o.results.Set(key, cached)
	}
	o.logger.Info("pipeline request served",
		"request_id", requestID,
		"tenant", req.Scope.TenantID,
		"results", len(out.Results),
		"evidence", string(out.Evidence),
		"vector_skipped", out.VectorSkipped,
		"elapsed_ms", out.Elapsed.Milliseconds())
	return out, nil
}

// serveCached answers from the result cache. The cached entry holds no
// trace, so the hit gets a fresh one with the attribution list rebuilt;
// audit stays complete even when retrieval never ran.
func (o *Orchestrator) serveCached(ctx context.Context, hit retrieval.PipelineResult, requestID string, req Request) *retrieval.PipelineResult {
	out := cloneResult(hit)
	out.RequestID = requestID

	tr := audit.NewTrace(requestID, req.Scope.TenantID, req.Query)
	tr.Record(audit.StageEvent{Kind: audit.EventStageEnd, Stage: "cache", Note: "served from result cache"})
	tr.Attribute(attributions(out.Results))
	tr.Finish(string(out.Evidence))
	out.Trace = tr
	o.sinkWrite(ctx, tr)

	o.logger.Debug("result cache hit", "request_id", requestID, "tenant", req.Scope.TenantID)
	return &out
}

// options resolves the effective toggles for one request.
func (o *Orchestrator) options(req Request) config.OptionsConfig {
	if req.Options != nil {
		return *req.Options
	}
	return o.cfg.Defaults
}

// validate rejects malformed requests and resolves the effective top_k.
func (o *Orchestrator) validate(req Request, opts config.OptionsConfig) (int, error) {
	topK := req.TopK
	if topK == 0 {
		topK = o.cfg.TopK
	}
	if topK < 1 || topK > maxTopK {
		return 0, retrieval.NewStageError("validate", "request",
			fmt.Sprintf("top_k must be within [1,%d], got %d", maxTopK, req.TopK),
			retrieval.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Query) == "" {
		if !opts.EnableGraphRetrieval || o.deps.Graph == nil {
			return 0, retrieval.NewStageError("validate", "request",
				"empty query is admitted only for graph-only retrieval",
				retrieval.ErrInvalidRequest)
		}
	}
	for _, ds := range req.Datasets {
		if !retrieval.ValidSource(ds) {
			return 0, retrieval.NewStageError("validate", "request",
				fmt.Sprintf("unknown dataset %q", ds), retrieval.ErrInvalidRequest)
		}
	}
	if err := req.Scope.Validate(); err != nil {
		return 0, retrieval.NewStageError("validate", "scope",
			err.Error(), retrieval.ErrInvalidRequest)
	}
	return topK, nil
}

// fetchK resolves the fused-candidate budget for one request.
func (o *Orchestrator) fetchK(opts config.OptionsConfig, topK int) int {
	k := o.cfg.FetchK
	if opts.DenseResearch && o.cfg.DenseResearchMultiplier > 1 {
		k = int(float64(k) * o.cfg.DenseResearchMultiplier)
	}
	if k < topK {
		k = topK
	}
	return k
}

func (o *Orchestrator) sinkWrite(ctx context.Context, tr *audit.Trace) {
	if o.deps.Sink == nil {
		return
	}
	if err := o.deps.Sink.Write(ctx, tr.Snapshot()); err != nil {
		o.logger.Warn("audit sink write failed", "error", err)
	}
}

// cacheKey renders the request identity: query, scope, toggles, datasets,
// top_k and the conversational context the rewriter sees.
func (o *Orchestrator) cacheKey(req Request, opts config.OptionsConfig, topK int) string {
	parts := []string{
		req.Query,
		scopeKey(req.Scope),
		optionsKey(opts),
		datasetsKey(req.Datasets),
		strconv.Itoa(topK),
		strings.Join(req.History, "\n"),
		req.Summary,
	}
	return cache.Key(parts...)
}

func scopeKey(s visibility.QueryScope) string {
	groups := append([]string(nil), s.GroupIDs...)
	sort.Strings(groups)
	return strings.Join([]string{
		s.TenantID,
		s.CaseID,
		strings.Join(groups, ","),
		boolKey(s.AllowGlobal), boolKey(s.AllowGroup), boolKey(s.AllowLocal),
	}, "|")
}

func optionsKey(o config.OptionsConfig) string {
	bits := []bool{
		o.EnableHyde, o.EnableMultiQuery, o.EnableCRAG, o.EnableRerank,
		o.EnableCompression, o.EnableChunkExpansion, o.EnableGraphEnrich,
		o.EnableGraphRetrieval, o.EnableLexicalFirstGating,
		o.EnableContextualEmbeddings, o.EnableCitationGrounding,
		o.DenseResearch, o.IncludeCandidateEdges,
	}
	var b strings.Builder
	for _, bit := range bits {
		b.WriteString(boolKey(bit))
	}
	return b.String()
}

func datasetsKey(datasets []retrieval.SourceType) string {
	if len(datasets) == 0 {
		return ""
	}
	names := make([]string, len(datasets))
	for i, ds := range datasets {
		names[i] = string(ds)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// cloneResult deep-copies the slices a caller or a later cache hit could
// mutate. The trace is intentionally not carried.
func cloneResult(in retrieval.PipelineResult) retrieval.PipelineResult {
	out := in
	out.Results = make([]retrieval.Result, len(in.Results))
	for i, r := range in.Results {
		out.Results[i] = r.Clone()
	}
	out.Corrections = append([]retrieval.CorrectiveAction(nil), in.Corrections...)
	out.Graph.Triples = append([]string(nil), in.Graph.Triples...)
	out.Graph.Paths = make([]retrieval.GraphPath, len(in.Graph.Paths))
	for i, p := range in.Graph.Paths {
		p.NodeIDs = append([]string(nil), p.NodeIDs...)
		out.Graph.Paths[i] = p
	}
	out.Trace = nil
	return out
}

// attributions builds one entry per surfaced result, ranked in final order.
// The recorded score is what decided the ordering: the rerank score when the
// reranker touched the result, the fused score otherwise.
func attributions(results []retrieval.Result) []audit.Attribution {
	attrs := make([]audit.Attribution, len(results))
	for i, r := range results {
		score := r.FusedScore
		if r.RerankScore != nil {
			score = *r.RerankScore
		}
		attrs[i] = audit.Attribution{
			ChunkID:    r.Chunk.ID,
			DocumentID: r.Chunk.DocumentID,
			Dataset:    string(r.Chunk.Dataset),
			Rank:       i + 1,
			Score:      score,
			Retrievers: append([]string(nil), r.Retrievers...),
		}
	}
	return attrs
}
