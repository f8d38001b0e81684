package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/crag"
	"github.com/iurislab/relator/pkg/expansion"
	"github.com/iurislab/relator/pkg/fusion"
	"github.com/iurislab/relator/pkg/graphrag"
	"github.com/iurislab/relator/pkg/graphstore"
	"github.com/iurislab/relator/pkg/observability"
	"github.com/iurislab/relator/pkg/refine"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// minVariantK keeps paraphrase fan-out from starving any single variant.
const minVariantK = 3

// plan carries the knobs one retrieval attempt runs with. The corrective
// loop adjusts a copy per strategy and replays the attempt.
type plan struct {
	query        string
	hypothetical string
	variants     []string
	datasets     []retrieval.SourceType
	scope        visibility.QueryScope
	fetchK       int
	lexW         float64
	vecW         float64
	graphW       float64
	vectorSkip   bool
	useGraph     bool
}

// perVariantK spreads the fetch budget across variants, rounded up.
func (p plan) perVariantK() int {
	n := len(p.variants)
	if n < 1 {
		n = 1
	}
	k := (p.fetchK + n - 1) / n
	if k < minVariantK {
		k = minVariantK
	}
	return k
}

func (o *Orchestrator) run(ctx context.Context, req Request, opts config.OptionsConfig, topK int, tr *audit.Trace, meter *budget.Meter) (*retrieval.PipelineResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return o.graphOnly(ctx, req, opts, topK, tr)
	}

	query := o.rewrite(ctx, meter, tr, req)
	datasets := o.route(tr, query, req.Datasets)
	skip := o.gateVector(ctx, tr, opts, query, datasets, req.Scope)
	hypothetical, variants := o.expand(ctx, meter, tr, opts, query, skip)

	p := plan{
		query:        query,
		hypothetical: hypothetical,
		variants:     variants,
		datasets:     datasets,
		scope:        req.Scope,
		fetchK:       o.fetchK(opts, topK),
		lexW:         o.cfg.LexicalWeight,
		vecW:         o.cfg.VectorWeight,
		graphW:       o.cfg.GraphWeight,
		vectorSkip:   skip,
		useGraph:     opts.EnableGraphRetrieval && o.deps.Graph != nil,
	}

	fused, maxFused, err := o.retrieveAndFuse(ctx, tr, p)
	if err != nil {
		return nil, err
	}

	// The gate classifies evidence even when correction is off; the
	// corrective loop only runs under the toggle.
	var evidence retrieval.EvidenceLevel
	var corrections []retrieval.CorrectiveAction
	if opts.EnableCRAG {
		outcome, err := o.corrector.Run(ctx, tr, fused, maxFused, o.retryFunc(meter, tr, p))
		if err != nil {
			return nil, err
		}
		fused = outcome.Results
		evidence = outcome.Assessment.Evidence
		corrections = outcome.Corrections
	} else {
		a := o.corrector.Gate().Assess(fused, maxFused)
		evidence = a.Evidence
		tr.Record(audit.StageEvent{
			Kind:  audit.EventGateResult,
			Stage: "crag",
			Gate:  &audit.GateRecord{BestScore: a.BestScore, AvgTop3: a.AvgTop3, Evidence: string(a.Evidence)},
		})
		observability.GetGlobalMetrics().RecordGate(ctx, string(a.Evidence))
	}

	if opts.EnableRerank && o.deps.Rerank != nil && len(fused) > 0 {
		done := o.stage(ctx, tr, "rerank")
		in := len(fused)
		fused = o.deps.Rerank.Run(ctx, meter, tr, query, fused)
		done(audit.CountRecord{In: in, Out: len(fused)})
	}

	// The head the caller asked for. Later stages refine text, not order.
	if len(fused) > topK {
		fused = fused[:topK]
	}

	if opts.EnableChunkExpansion && o.deps.Refiner != nil && len(fused) > 0 {
		done := o.stage(ctx, tr, "chunk_expansion")
		in := len(fused)
		fused = o.deps.Refiner.Expand(ctx, fused, req.Scope)
		done(audit.CountRecord{In: in, Out: len(fused)})
	}

	if opts.EnableCompression && o.deps.Refiner != nil && len(fused) > 0 {
		done := o.stage(ctx, tr, "compression")
		in := len(fused)
		fused = o.deps.Refiner.Compress(query, fused)
		done(audit.CountRecord{In: in, Out: len(fused)})
	}

	var graphEv retrieval.GraphEvidence
	if opts.EnableGraphEnrich && o.deps.Enricher != nil {
		graphEv = o.deps.Enricher.Enrich(ctx, tr, query, fused, req.Scope, opts.IncludeCandidateEdges)
	}

	tr.Attribute(attributions(fused))
	tr.Finish(string(evidence))

	return &retrieval.PipelineResult{
		Query:         query,
		Results:       fused,
		Evidence:      evidence,
		ContextBundle: refine.Bundle(fused),
		Graph:         graphEv,
		Corrections:   corrections,
		VectorSkipped: skip,
	}, nil
}

// graphOnly serves an empty-query request: the graph retriever alone.
// Rewrite, expansion, gating, correction and compression all need query
// text and stay off.
func (o *Orchestrator) graphOnly(ctx context.Context, req Request, opts config.OptionsConfig, topK int, tr *audit.Trace) (*retrieval.PipelineResult, error) {
	done := o.stage(ctx, tr, "retrieval")
	res, err := o.searchOne(ctx, o.deps.Graph, retrieval.Query{
		Datasets: req.Datasets,
		TopK:     topK,
		Scope:    req.Scope,
	})
	if err != nil {
		done(audit.CountRecord{})
		tr.Failure("retrieval", o.deps.Graph.Name(), err)
		return nil, err
	}
	done(audit.CountRecord{Out: len(res)})

	fused := o.fuser.Fuse(fusion.RankedList{
		Retriever: o.deps.Graph.Name(), Weight: o.cfg.GraphWeight, Results: res,
	})
	if len(fused) > topK {
		fused = fused[:topK]
	}

	a := o.corrector.Gate().Assess(fused, crag.MaxAttainable(o.cfg.RRFK, o.cfg.GraphWeight))
	tr.Record(audit.StageEvent{
		Kind:  audit.EventGateResult,
		Stage: "crag",
		Gate:  &audit.GateRecord{BestScore: a.BestScore, AvgTop3: a.AvgTop3, Evidence: string(a.Evidence)},
	})

	var graphEv retrieval.GraphEvidence
	if opts.EnableGraphEnrich && o.deps.Enricher != nil {
		graphEv = o.deps.Enricher.Enrich(ctx, tr, "", fused, req.Scope, opts.IncludeCandidateEdges)
	}

	tr.Attribute(attributions(fused))
	tr.Finish(string(a.Evidence))

	return &retrieval.PipelineResult{
		Results:       fused,
		Evidence:      a.Evidence,
		ContextBundle: refine.Bundle(fused),
		Graph:         graphEv,
	}, nil
}

// rewrite folds conversational context into a standalone query. Without
// history the latest turn already is the query. The expander records the
// rewrite event itself.
func (o *Orchestrator) rewrite(ctx context.Context, meter *budget.Meter, tr *audit.Trace, req Request) string {
	if len(req.History) == 0 && req.Summary == "" {
		return req.Query
	}
	if o.deps.Expander == nil {
		return req.Query
	}
	exp, err := o.deps.Expander.Expand(ctx, meter, tr, expansion.Request{
		Query:       req.Query,
		History:     req.History,
		Summary:     req.Summary,
		WantRewrite: true,
	})
	if err != nil || exp.Rewritten == "" {
		return req.Query
	}
	return exp.Rewritten
}

// route narrows the dataset list when the caller pinned nothing and the
// query carries a typed citation. Statute articles read best against
// statutes and commentary, súmulas against precedent, case numbers against
// the tenant's own filings. Mixed or untyped queries keep the full list.
func (o *Orchestrator) route(tr *audit.Trace, query string, pinned []retrieval.SourceType) []retrieval.SourceType {
	if len(pinned) > 0 {
		return pinned
	}

	var statute, sumula, process bool
	for _, seed := range graphrag.Extract(query) {
		switch seed.Type {
		case graphstore.EntityStatuteArticle:
			statute = true
		case graphstore.EntitySumula:
			sumula = true
		case graphstore.EntityProcess:
			process = true
		}
	}

	var routed []retrieval.SourceType
	switch {
	case process:
		routed = []retrieval.SourceType{retrieval.SourceInternalFiling, retrieval.SourceCaseLaw}
	case sumula && !statute:
		routed = []retrieval.SourceType{retrieval.SourceCaseLaw, retrieval.SourceStatute}
	case statute && !sumula:
		routed = []retrieval.SourceType{retrieval.SourceStatute, retrieval.SourceCaseLaw, retrieval.SourceDoctrine}
	default:
		return nil
	}

	names := make([]string, len(routed))
	for i, ds := range routed {
		names[i] = string(ds)
	}
	tr.Record(audit.StageEvent{
		Kind:  audit.EventRouting,
		Stage: "routing",
		Note:  "datasets narrowed to " + strings.Join(names, ","),
	})
	return routed
}

// gateVector decides the vector skip. Two conditions, both required: the
// query is citation-shaped, and a one-hit lexical probe scores at or above
// the strong threshold. A failing probe never blocks the request.
func (o *Orchestrator) gateVector(ctx context.Context, tr *audit.Trace, opts config.OptionsConfig, query string, datasets []retrieval.SourceType, scope visibility.QueryScope) bool {
	if !opts.EnableLexicalFirstGating || o.deps.Vector == nil {
		return false
	}
	if !o.matchesCitation(query) {
		return false
	}

	top, err := o.deps.Lexical.TopScore(ctx, retrieval.Query{
		Text:     query,
		Datasets: datasets,
		TopK:     1,
		Scope:    scope,
	})
	if err != nil {
		o.logger.Debug("gating probe failed", "error", err)
		return false
	}
	if top < o.cfg.LexicalStrongThreshold {
		return false
	}

	tr.Record(audit.StageEvent{
		Kind:  audit.EventVectorSkip,
		Stage: "gating",
		Note:  fmt.Sprintf("lexical top %.2f meets threshold %.2f", top, o.cfg.LexicalStrongThreshold),
	})
	o.logger.Debug("vector search skipped", "top_score", top, "threshold", o.cfg.LexicalStrongThreshold)
	return true
}

func (o *Orchestrator) matchesCitation(query string) bool {
	for _, re := range o.citations {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// expand asks for the hypothetical document and the paraphrase variants in
// one expander call. The original query always heads the variant list. A
// vector skip makes the hypothetical pointless, so it is not requested.
func (o *Orchestrator) expand(ctx context.Context, meter *budget.Meter, tr *audit.Trace, opts config.OptionsConfig, query string, vectorSkip bool) (string, []string) {
	variants := []string{query}

	wantHyde := opts.EnableHyde && !vectorSkip && o.deps.Vector != nil
	wantMulti := opts.EnableMultiQuery && o.cfg.MultiQueryMax > 0
	if o.deps.Expander == nil || (!wantHyde && !wantMulti) {
		return "", variants
	}

	done := o.stage(ctx, tr, "expansion")
	n := 0
	if wantMulti {
		n = o.cfg.MultiQueryMax
	}
	exp, err := o.deps.Expander.Expand(ctx, meter, tr, expansion.Request{
		Query:            query,
		Variants:         n,
		WantHypothetical: wantHyde,
	})
	if err != nil {
		done(audit.CountRecord{In: 1, Out: 1})
		o.logger.Warn("query expansion failed", "error", err)
		return "", variants
	}
	variants = appendVariants(query, exp.Variants)
	done(audit.CountRecord{In: 1, Out: len(variants)})
	return exp.Hypothetical, variants
}

// appendVariants puts the original first and drops paraphrases that only
// echo it.
func appendVariants(query string, paraphrases []string) []string {
	out := []string{query}
	for _, v := range paraphrases {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, query) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// pull collects one retriever's fan-out: one result list and one error slot
// per variant, each written by exactly one goroutine.
type pull struct {
	name     string
	weight   float64
	variants [][]retrieval.Result
	errs     []error
}

// retrieveAndFuse runs the concurrent retriever fan-out and folds the
// answers through RRF. It returns the fused list together with the maximum
// attainable fused score, which normalizes the gate thresholds.
//
// A retriever counts as answered when at least one of its variant queries
// returned without error. Fewer answered sources than MinSourcesRequired
// fails the attempt with ErrNoSources; fatal errors abort immediately.
func (o *Orchestrator) retrieveAndFuse(ctx context.Context, tr *audit.Trace, p plan) ([]retrieval.Result, float64, error) {
	type slot struct {
		r       retrieval.Retriever
		weight  float64
		queries []retrieval.Query
	}

	k := p.perVariantK()
	slots := make([]slot, 0, 3)

	lexQ := make([]retrieval.Query, len(p.variants))
	for i, v := range p.variants {
		lexQ[i] = retrieval.Query{Text: v, Datasets: p.datasets, TopK: k, Scope: p.scope}
	}
	slots = append(slots, slot{r: o.deps.Lexical, weight: p.lexW, queries: lexQ})

	if !p.vectorSkip && o.deps.Vector != nil {
		vecQ := make([]retrieval.Query, len(p.variants))
		for i, v := range p.variants {
			vecQ[i] = retrieval.Query{Text: v, Datasets: p.datasets, TopK: k, Scope: p.scope}
		}
		// The hypothetical document rides on the original only; paraphrase
		// variants embed alone.
		vecQ[0].Hypothetical = p.hypothetical
		slots = append(slots, slot{r: o.deps.Vector, weight: p.vecW, queries: vecQ})
	}

	if p.useGraph {
		// Paraphrasing does not move pattern-extracted seeds; one graph
		// query covers every variant.
		slots = append(slots, slot{r: o.deps.Graph, weight: p.graphW, queries: []retrieval.Query{{
			Text: p.query, Datasets: p.datasets, TopK: k, Scope: p.scope,
		}}})
	}

	done := o.stage(ctx, tr, "retrieval")

	sctx := ctx
	if o.cfg.StageTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.StageTimeoutSeconds)*time.Second)
		defer cancel()
	}

	pulls := make([]pull, len(slots))
	g, gctx := errgroup.WithContext(sctx)
	for i, s := range slots {
		pulls[i] = pull{
			name:     s.r.Name(),
			weight:   s.weight,
			variants: make([][]retrieval.Result, len(s.queries)),
			errs:     make([]error, len(s.queries)),
		}
		for j, q := range s.queries {
			g.Go(func() error {
				res, err := o.searchOne(gctx, s.r, q)
				if err != nil {
					if retrieval.Fatal(err) {
						return err
					}
					tr.Failure("retrieval", s.r.Name(), err)
					o.logger.Warn("retriever failed",
						"retriever", s.r.Name(), "variant", j, "error", err)
					pulls[i].errs[j] = err
					return nil
				}
				pulls[i].variants[j] = res
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		done(audit.CountRecord{})
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		// The request context died, not a single retriever. Everything
		// above recorded failures; the sentinel names the real cause.
		done(audit.CountRecord{})
		sentinel := retrieval.ErrCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			sentinel = retrieval.ErrTimeout
		}
		return nil, 0, retrieval.NewStageError("retrieval", "fanout", err.Error(), sentinel).WithQuery(p.query)
	}
	if sctx.Err() != nil {
		tr.Record(audit.StageEvent{Kind: audit.EventStageTimeout, Stage: "retrieval"})
	}

	lists := make([]fusion.RankedList, 0, len(pulls))
	answered := 0
	in := 0
	for _, pl := range pulls {
		ok := make([][]retrieval.Result, 0, len(pl.variants))
		for j := range pl.variants {
			if pl.errs[j] == nil {
				ok = append(ok, pl.variants[j])
			}
		}
		if len(ok) == 0 {
			continue
		}
		answered++
		merged := ok[0]
		if len(ok) > 1 {
			merged = o.fuser.FuseVariants(pl.name, pl.weight, ok...)
		}
		in += len(merged)
		lists = append(lists, fusion.RankedList{Retriever: pl.name, Weight: pl.weight, Results: merged})
	}

	// A vector skip must not raise the bar above what can still answer.
	required := o.cfg.MinSourcesRequired
	if required > len(slots) {
		required = len(slots)
	}
	if answered < required {
		done(audit.CountRecord{})
		return nil, 0, retrieval.NewStageError("retrieval", "fanout",
			fmt.Sprintf("%d of %d sources answered, %d required", answered, len(slots), required),
			retrieval.ErrNoSources).WithQuery(p.query)
	}
	done(audit.CountRecord{In: in, Out: in})

	// Failed sources stay in the attainable maximum: their silence is
	// missing evidence, and the gate should see it that way.
	weights := make([]float64, len(slots))
	for i, s := range slots {
		weights[i] = s.weight
	}
	maxFused := crag.MaxAttainable(o.cfg.RRFK, weights...)

	fdone := o.stage(ctx, tr, "fusion")
	fused := o.fuser.Fuse(lists...)
	if len(fused) > p.fetchK {
		fused = fused[:p.fetchK]
	}
	fdone(audit.CountRecord{In: in, Out: len(fused)})

	return fused, maxFused, nil
}

// searchOne runs a single retriever query under its own timeout and span.
func (o *Orchestrator) searchOne(ctx context.Context, r retrieval.Retriever, q retrieval.Query) ([]retrieval.Result, error) {
	if t := r.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	tracer := observability.GetTracer("relator.pipeline")
	ctx, span := tracer.Start(ctx, observability.SpanRetriever, trace.WithAttributes(
		attribute.String(observability.AttrRetriever, r.Name()),
	))
	defer span.End()

	start := time.Now()
	res, err := r.Search(ctx, q)
	observability.GetGlobalMetrics().RecordRetriever(ctx, r.Name(), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int(observability.AttrResultCount, len(res)))
	return res, nil
}

// retryFunc replays expansion, retrieval and fusion under the knobs one
// corrective strategy sets. The base plan is copied per attempt, so
// strategies never see each other's adjustments.
func (o *Orchestrator) retryFunc(meter *budget.Meter, tr *audit.Trace, base plan) crag.RetryFunc {
	return func(ctx context.Context, strategy crag.Strategy, params crag.Params) ([]retrieval.Result, float64, error) {
		if err := meter.CheckWall(); err != nil {
			return nil, 0, err
		}

		p := base
		if params.TopKMultiplier > 0 {
			p.fetchK = int(math.Ceil(float64(base.fetchK) * params.TopKMultiplier))
		}
		if params.LexicalWeight > 0 {
			p.lexW = params.LexicalWeight
		}
		if params.VectorWeight > 0 {
			p.vecW = params.VectorWeight
		}
		if params.UseHyDE || params.UseMultiQuery {
			// Escalating into dense territory overrides an earlier skip.
			p.vectorSkip = false
		}
		if params.UseHyDE && p.hypothetical == "" && o.deps.Expander != nil {
			if exp, err := o.deps.Expander.Expand(ctx, meter, tr, expansion.Request{
				Query:            p.query,
				WantHypothetical: true,
			}); err == nil {
				p.hypothetical = exp.Hypothetical
			}
		}
		if params.UseMultiQuery && len(p.variants) <= 1 && o.deps.Expander != nil {
			if exp, err := o.deps.Expander.Expand(ctx, meter, tr, expansion.Request{
				Query:    p.query,
				Variants: o.cfg.MultiQueryMax,
			}); err == nil && len(exp.Variants) > 0 {
				p.variants = appendVariants(p.query, exp.Variants)
			}
		}
		if params.ExpandDatasets {
			p.datasets = admissibleSources(p.scope)
		}

		return o.retrieveAndFuse(ctx, tr, p)
	}
}

// admissibleSources is the widest dataset list a scope can read. Local
// chunks exist only under a case.
func admissibleSources(scope visibility.QueryScope) []retrieval.SourceType {
	sources := append(retrieval.GlobalSources(), retrieval.SourceInternalFiling)
	if scope.AllowLocal && scope.CaseID != "" {
		sources = append(sources, retrieval.SourceLocal)
	}
	return sources
}

// stage brackets one stage in the trace and the metrics.
func (o *Orchestrator) stage(ctx context.Context, tr *audit.Trace, name string) func(audit.CountRecord) {
	start := time.Now()
	done := tr.Stage(name)
	return func(c audit.CountRecord) {
		done(c)
		observability.GetGlobalMetrics().RecordStage(ctx, name, time.Since(start))
	}
}
