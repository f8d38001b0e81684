// Package expansion rewrites and widens queries before retrieval: LLM query
// rewriting against conversation context, hypothetical-document generation
// (HyDE) and multi-query paraphrasing, with heuristic fallbacks for when the
// model is unavailable or the request budget refuses the calls.
package expansion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/cache"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/llms"
)

// Request asks for some combination of rewrite, hypothetical and variants.
type Request struct {
	Query string

	// History and Summary give the rewriter conversation context. Both
	// optional.
	History []string
	Summary string

	// Variants is how many paraphrases to produce; 0 skips multi-query.
	Variants int

	WantRewrite      bool
	WantHypothetical bool
}

// Expansion is the result. Empty fields mean the step did not run or
// produced nothing usable.
type Expansion struct {
	Rewritten    string   `json:"rewritten,omitempty"`
	Hypothetical string   `json:"hypothetical,omitempty"`
	Variants     []string `json:"variants,omitempty"`

	// Heuristic marks variants produced without the model.
	Heuristic bool `json:"heuristic,omitempty"`
}

// Expander generates expansions through a chat provider, caching by
// normalized input. Nil provider degrades every step to heuristics.
type Expander struct {
	cfg      config.ExpansionConfig
	provider llms.Provider
	cache    *cache.TTLCache[Expansion]
	abbrev   map[string]string
	logger   *slog.Logger
}

// New builds an expander. provider may be nil.
func New(cfg config.ExpansionConfig, provider llms.Provider, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	abbrev := make(map[string]string, len(legalAbbreviations)+len(cfg.Abbreviations))
	for k, v := range legalAbbreviations {
		abbrev[k] = v
	}
	for k, v := range cfg.Abbreviations {
		abbrev[strings.ToLower(k)] = v
	}
	return &Expander{
		cfg:      cfg,
		provider: provider,
		cache:    cache.New[Expansion](time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheSize),
		abbrev:   abbrev,
		logger:   logger,
	}
}

// Expand runs the requested steps. LLM calls charge the meter; when the call
// cap refuses a charge the step is skipped, a budget-skip lands in the trace
// and heuristics stand in for variants. Model failures degrade the same way
// and never fail the stage.
func (e *Expander) Expand(ctx context.Context, meter *budget.Meter, trace *audit.Trace, req Request) (*Expansion, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("expansion: empty query")
	}

	key := e.cacheKey(req)
	if hit, ok := e.cache.Get(key); ok {
		out := hit
		return &out, nil
	}

	if e.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	out := Expansion{}

	if req.WantRewrite {
		if rewritten, ok := e.generate(ctx, meter, trace, "rewrite", func() (string, error) {
			return e.rewrite(ctx, req)
		}); ok {
			if r := strings.TrimSpace(rewritten); r != "" && !strings.EqualFold(r, req.Query) {
				out.Rewritten = r
				if trace != nil {
					trace.Rewrite("rewrite", req.Query, r)
				}
			}
		}
	}

	base := req.Query
	if out.Rewritten != "" {
		base = out.Rewritten
	}

	if req.WantHypothetical {
		if hypo, ok := e.generate(ctx, meter, trace, "hyde", func() (string, error) {
			return e.hypothetical(ctx, base)
		}); ok {
			out.Hypothetical = strings.TrimSpace(hypo)
		}
	}

	if req.Variants > 0 {
		variants, heuristic := e.expandVariants(ctx, meter, trace, base, req.Variants)
		out.Variants = variants
		out.Heuristic = heuristic
	}

	e.cache.Set(key, out)
	result := out
	return &result, nil
}

// generate wraps one optional LLM step: charge, run, degrade on failure.
// The bool reports whether text came back.
func (e *Expander) generate(ctx context.Context, meter *budget.Meter, trace *audit.Trace, step string, call func() (string, error)) (string, bool) {
	if e.provider == nil {
		return "", false
	}
	if !e.charge(meter, trace, step) {
		return "", false
	}
	text, err := call()
	if err != nil {
		e.logger.Warn("expansion step failed", "step", step, "error", err)
		if trace != nil {
			trace.Failure("expansion", step, err)
		}
		return "", false
	}
	return text, true
}

// expandVariants produces paraphrases, falling back to heuristics when the
// model path is closed.
func (e *Expander) expandVariants(ctx context.Context, meter *budget.Meter, trace *audit.Trace, query string, n int) ([]string, bool) {
	if e.provider != nil && e.charge(meter, trace, "multi_query") {
		variants, err := e.variants(ctx, query, n)
		if err == nil && len(variants) > 0 {
			return variants, false
		}
		if err != nil {
			e.logger.Warn("multi-query generation failed", "error", err)
			if trace != nil {
				trace.Failure("expansion", "multi_query", err)
			}
		}
	}
	if !e.cfg.Heuristics {
		return nil, false
	}
	return e.HeuristicVariants(query, n), true
}

// charge reserves one model call. A refused charge records the budget skip.
func (e *Expander) charge(meter *budget.Meter, trace *audit.Trace, step string) bool {
	if meter == nil {
		return true
	}
	if err := meter.ChargeCall(); err != nil {
		e.logger.Debug("expansion skipped by budget", "step", step)
		if trace != nil {
			trace.Record(audit.StageEvent{
				Kind:  audit.EventBudgetSkip,
				Stage: "expansion",
				Note:  step,
			})
		}
		return false
	}
	return true
}

// spend records completion tokens. Overruns surface on the next charge; the
// text already generated stays usable.
func (e *Expander) spend(meter *budget.Meter, c *llms.Completion) {
	if meter == nil || c == nil {
		return
	}
	if err := meter.AddTokens(c.TotalTokens()); err != nil {
		e.logger.Warn("expansion pushed token budget over cap")
	}
}

func (e *Expander) cacheKey(req Request) string {
	parts := []string{
		req.Query,
		req.Summary,
		strings.Join(req.History, "\n"),
		fmt.Sprintf("v=%d r=%t h=%t", req.Variants, req.WantRewrite, req.WantHypothetical),
	}
	return cache.Key(parts...)
}
