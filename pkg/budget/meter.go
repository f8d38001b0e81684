// Package budget enforces the per-request cost caps: LLM calls, output
// tokens and wall time. Every LLM call in the pipeline charges the meter of
// the request it serves; an exceeded cap is fatal for the request.
package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iurislab/relator/pkg/retrieval"
)

// Limits are the hard caps and soft-warn thresholds, fixed at startup.
type Limits struct {
	MaxLLMCalls int           `yaml:"max_llm_calls_per_request"`
	MaxTokens   int           `yaml:"max_tokens_per_request"`
	MaxWallTime time.Duration `yaml:"max_wall_time"`
	WarnPercent int           `yaml:"warn_percent"`
}

// SetDefaults fills the zero fields.
func (l *Limits) SetDefaults() {
	if l.MaxLLMCalls == 0 {
		l.MaxLLMCalls = 20
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 32000
	}
	if l.MaxWallTime == 0 {
		l.MaxWallTime = 120 * time.Second
	}
	if l.WarnPercent == 0 {
		l.WarnPercent = 80
	}
}

// Validate rejects limits that would make every request fail.
func (l *Limits) Validate() error {
	if l.MaxLLMCalls < 0 || l.MaxTokens < 0 {
		return fmt.Errorf("budget limits must be non-negative")
	}
	if l.WarnPercent < 0 || l.WarnPercent > 100 {
		return fmt.Errorf("budget warn_percent must be within [0,100], got %d", l.WarnPercent)
	}
	return nil
}

// Usage is a point-in-time reading of the meter.
type Usage struct {
	LLMCalls int           `json:"llm_calls"`
	Tokens   int           `json:"tokens"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Meter tracks one request. Safe for concurrent charging; CogGRAG reasons
// over leaves in parallel against a single meter.
type Meter struct {
	mu        sync.Mutex
	limits    Limits
	startedAt time.Time
	llmCalls  int
	tokens    int
	warned    bool
	logger    *slog.Logger
}

// NewMeter opens a meter for one request.
func NewMeter(limits Limits, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		limits:    limits,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// ChargeCall reserves one LLM call. It fails before the call is made when
// the cumulative count would surpass the cap.
func (m *Meter) ChargeCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxLLMCalls > 0 && m.llmCalls+1 > m.limits.MaxLLMCalls {
		return retrieval.NewStageError("budget", "charge_call",
			fmt.Sprintf("llm call cap reached (%d)", m.limits.MaxLLMCalls),
			retrieval.ErrBudgetExceeded)
	}
	m.llmCalls++
	m.warnLocked()
	return nil
}

// AddTokens records output tokens after a call completes and reports the
// overrun when the cumulative total crosses the cap.
func (m *Meter) AddTokens(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens += n
	if m.limits.MaxTokens > 0 && m.tokens > m.limits.MaxTokens {
		return retrieval.NewStageError("budget", "add_tokens",
			fmt.Sprintf("token cap reached (%d of %d)", m.tokens, m.limits.MaxTokens),
			retrieval.ErrBudgetExceeded)
	}
	m.warnLocked()
	return nil
}

// CanCall reports whether another LLM call fits. Optional stages check this
// to skip rather than fail.
func (m *Meter) CanCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits.MaxLLMCalls <= 0 || m.llmCalls < m.limits.MaxLLMCalls
}

// CheckWall reports an exceeded wall-time cap.
func (m *Meter) CheckWall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MaxWallTime > 0 && time.Since(m.startedAt) > m.limits.MaxWallTime {
		return retrieval.NewStageError("budget", "check_wall",
			fmt.Sprintf("wall time cap reached (%v)", m.limits.MaxWallTime),
			retrieval.ErrBudgetExceeded)
	}
	return nil
}

// Snapshot returns current usage.
func (m *Meter) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{
		LLMCalls: m.llmCalls,
		Tokens:   m.tokens,
		Elapsed:  time.Since(m.startedAt),
	}
}

// warnLocked logs once when usage crosses the soft threshold.
func (m *Meter) warnLocked() {
	if m.warned || m.limits.WarnPercent <= 0 {
		return
	}
	callPct := 0
	if m.limits.MaxLLMCalls > 0 {
		callPct = m.llmCalls * 100 / m.limits.MaxLLMCalls
	}
	tokenPct := 0
	if m.limits.MaxTokens > 0 {
		tokenPct = m.tokens * 100 / m.limits.MaxTokens
	}
	if callPct >= m.limits.WarnPercent || tokenPct >= m.limits.WarnPercent {
		m.warned = true
		m.logger.Warn("request budget nearing cap",
			"llm_calls", m.llmCalls,
			"max_llm_calls", m.limits.MaxLLMCalls,
			"tokens", m.tokens,
			"max_tokens", m.limits.MaxTokens)
	}
}
