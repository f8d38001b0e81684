package cograg

import (
	"context"
	"fmt"
	"log/slog"
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
	"github.com/iurislab/relator/pkg/retrieval"
)

// Deps are the reasoner's collaborators. Provider and Searcher are
// required; the sink is optional.
type Deps struct {
	Provider llms.Provider
	Searcher Searcher
	Sink     audit.Sink
}

// Reasoner runs the decompose-gather-reason loop over the retrieval
// pipeline. Safe for concurrent use; the consult memory is shared across
// runs on purpose.
type Reasoner struct {
	cfg      config.CogGRAGConfig
	limits   budget.Limits
	provider llms.Provider
	searcher Searcher
	sink     audit.Sink
	memory   *consultMemory
	logger   *slog.Logger
}

// New builds a reasoner. The budget limits apply per run.
func New(cfg config.CogGRAGConfig, limits budget.Limits, deps Deps, logger *slog.Logger) (*Reasoner, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("cograg: llm provider is required")
	}
	if deps.Searcher == nil {
		return nil, fmt.Errorf("cograg: searcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limits.SetDefaults()

	r := &Reasoner{
		cfg:      cfg,
		limits:   limits,
		provider: deps.Provider,
		searcher: deps.Searcher,
		sink:     deps.Sink,
		logger:   logger,
	}
	if cfg.MemoryEnabled {
		r.memory = newConsultMemory(cfg.MemorySize)
	}
	return r, nil
}

// Reason answers one question through decomposition, per-leaf retrieval and
// bottom-up synthesis. The returned outcome always carries the mind map and
// the audit trace, including on abstention.
func (r *Reasoner) Reason(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, retrieval.NewStageError("reason", "request",
			"question must not be empty", retrieval.ErrInvalidRequest)
	}
	if err := req.Scope.Validate(); err != nil {
		return nil, retrieval.NewStageError("reason", "request",
			err.Error(), retrieval.ErrInvalidRequest)
	}

	requestID := uuid.NewString()
	ctx, span := observability.GetTracer("relator.cograg").Start(ctx, observability.SpanReason,
		trace.WithAttributes(
			attribute.String(observability.AttrRequestID, requestID),
			attribute.String(observability.AttrTenantID, req.Scope.TenantID),
			attribute.Int(observability.AttrQueryLength, len(req.Question)),
		))
	defer span.End()

	tr := audit.NewTrace(requestID, req.Scope.TenantID, req.Question)
	meter := budget.NewMeter(r.limits, r.logger)
	started := time.Now()

	out, err := r.run(ctx, req, tr, meter, requestID)
	observability.GetGlobalMetrics().RecordRequest(ctx, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		tr.Finish(StatusUnverified)
		r.sinkWrite(ctx, tr)
		r.logger.Error("reasoning run failed",
			"request_id", requestID, "tenant", req.Scope.TenantID, "error", err)
		return nil, err
	}

	out.Elapsed = time.Since(started)
	tr.Finish(out.VerificationStatus)
	r.sinkWrite(ctx, tr)
	span.SetAttributes(attribute.String(observability.AttrEvidenceLevel, out.VerificationStatus))

	r.logger.Info("reasoning run served",
		"request_id", requestID,
		"tenant", req.Scope.TenantID,
		"nodes", countNodes(out.MindMap.Root),
		"confidence", fmt.Sprintf("%.2f", out.Confidence),
		"status", out.VerificationStatus,
		"elapsed_ms", out.Elapsed.Milliseconds())
	return out, nil
}

func (r *Reasoner) run(ctx context.Context, req Request, tr *audit.Trace, meter *budget.Meter, requestID string) (*Outcome, error) {
	done := r.stage(ctx, tr, "decompose")
	root, issues, err := r.decompose(ctx, tr, meter, req.Question)
	if err != nil {
		done(audit.CountRecord{})
		return nil, err
	}
	leaves := root.Leaves()
	done(audit.CountRecord{Out: countNodes(root)})

	done = r.stage(ctx, tr, "gather")
	if err := r.gather(ctx, tr, req, leaves); err != nil {
		done(audit.CountRecord{In: len(leaves)})
		return nil, err
	}
	gathered := 0
	for _, leaf := range leaves {
		gathered += len(leaf.Evidence)
	}
	done(audit.CountRecord{In: len(leaves), Out: gathered})

	done = r.stage(ctx, tr, "refine")
	merged := r.refine(root, req.Question)
	conflicts := detectConflicts(root)
	done(audit.CountRecord{In: gathered, Dropped: merged})

	if err := meter.CheckWall(); err != nil {
		return nil, err
	}

	done = r.stage(ctx, tr, "reason")
	if err := r.answerLeaves(ctx, tr, meter, leaves, conflicts); err != nil {
		done(audit.CountRecord{In: len(leaves)})
		return nil, err
	}

	out := &Outcome{
		RequestID:  requestID,
		Question:   req.Question,
		MindMap:    &MindMap{Question: req.Question, Root: root, Conflicts: conflicts},
		Confidence: avgLeafConfidence(leaves),
		Trace:      tr,
	}

	if r.cfg.AbstainMode && (out.Confidence < r.cfg.AbstainThreshold || validAnswers(leaves) == 0) {
		done(audit.CountRecord{In: len(leaves), Out: validAnswers(leaves)})
		out.VerificationStatus = StatusAbstain
		out.SubAnswers = subAnswers(root)
		out.Issues = append(collectIssues(root), issues...)
		out.Issues = append(out.Issues,
			fmt.Sprintf("confiança média %.2f abaixo do limiar %.2f", out.Confidence, r.cfg.AbstainThreshold))
		r.logger.Debug("reasoning abstained",
			"request_id", requestID, "confidence", out.Confidence)
		return out, nil
	}

	if err := r.synthesize(ctx, tr, meter, root, conflicts, nil); err != nil {
		done(audit.CountRecord{In: len(leaves)})
		return nil, err
	}
	done(audit.CountRecord{In: len(leaves), Out: countAnswered(root)})

	done = r.stage(ctx, tr, "verify")
	status, verifyIssues := r.verify(ctx, tr, meter, root, conflicts)
	done(audit.CountRecord{In: 1})

	out.Answer = root.Answer
	out.SubAnswers = subAnswers(root)
	out.VerificationStatus = status
	out.Issues = append(collectIssues(root), verifyIssues...)
	out.Issues = append(out.Issues, issues...)
	return out, nil
}

// generate is the single model entry: every call is charged to the meter.
// Call metrics are recorded by the provider itself.
func (r *Reasoner) generate(ctx context.Context, meter *budget.Meter, maxTokens int, prompt string, forceJSON bool) (string, error) {
	if err := meter.ChargeCall(); err != nil {
		return "", err
	}

	completion, err := r.provider.Generate(ctx, llms.Request{
		Messages:  []llms.Message{llms.User(prompt)},
		Model:     r.cfg.LLM,
		MaxTokens: maxTokens,
		ForceJSON: forceJSON,
	})
	if err != nil {
		return "", err
	}
	if err := meter.AddTokens(completion.TotalTokens()); err != nil {
		r.logger.Warn("reasoning pushed token budget over cap")
	}
	return completion.Text, nil
}

func (r *Reasoner) stage(ctx context.Context, tr *audit.Trace, name string) func(audit.CountRecord) {
	end := tr.Stage(name)
	started := time.Now()
	return func(counts audit.CountRecord) {
		end(counts)
		observability.GetGlobalMetrics().RecordStage(ctx, name, time.Since(started))
	}
}

func (r *Reasoner) sinkWrite(ctx context.Context, tr *audit.Trace) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Write(ctx, tr.Snapshot()); err != nil {
		r.logger.Warn("audit sink write failed", "error", err)
	}
}

func countAnswered(root *Node) int {
	n := 0
	root.Walk(func(node *Node) {
		if node.Answer != "" {
			n++
		}
	})
	return n
}
