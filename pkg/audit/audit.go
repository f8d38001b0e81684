// Package audit records what the pipeline did: per-stage events, query
// rewrites, corrective actions and the source attributions behind every
// surfaced result. Traces are append-only within a request and serialized
// through a single record shape.
package audit

import (
	"sync"
	"time"
)

// EventKind tags a stage event. The set is closed; downstream consumers of
// the JSONL stream stay loose, the writer does not.
type EventKind string

const (
	EventStageStart     EventKind = "stage_start"
	EventStageEnd       EventKind = "stage_end"
	EventStageTimeout   EventKind = "stage_timeout"
	EventQueryRewrite   EventKind = "query_rewrite"
	EventRouting        EventKind = "routing"
	EventVectorSkip     EventKind = "vector_skip"
	EventBudgetSkip     EventKind = "budget_skip"
	EventGateResult     EventKind = "gate_result"
	EventCorrective     EventKind = "corrective_action"
	EventRetrieverError EventKind = "retriever_error"
	EventRerankFallback EventKind = "rerank_fallback"
	EventGraphEnrich    EventKind = "graph_enrich"
)

// RewriteRecord captures a query transformation: the form it replaced and
// the stage that produced it (rewrite, routing, hyde, multi_query).
type RewriteRecord struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Origin string `json:"origin"`
}

// GateRecord captures one evidence classification.
type GateRecord struct {
	BestScore float64 `json:"best_score"`
	AvgTop3   float64 `json:"avg_top3"`
	Evidence  string  `json:"evidence"`
	Attempt   int     `json:"attempt"`
}

// CorrectiveRecord captures one corrective strategy run.
type CorrectiveRecord struct {
	Strategy    string  `json:"strategy"`
	Params      string  `json:"params,omitempty"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	ResultCount int     `json:"result_count"`
	BestScore   float64 `json:"best_score"`
	Error       string  `json:"error,omitempty"`
}

// FailureRecord captures a recoverable stage failure.
type FailureRecord struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

// CountRecord summarizes a stage's inputs and outputs.
type CountRecord struct {
	In      int `json:"in"`
	Out     int `json:"out"`
	Dropped int `json:"dropped,omitempty"`
	Added   int `json:"added,omitempty"`
}

// StageEvent is one entry in the trace. Kind decides which payload pointer
// is set; unset payloads are omitted from the serialized form.
type StageEvent struct {
	Kind      EventKind `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	At        time.Time `json:"at"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Note      string    `json:"note,omitempty"`

	Rewrite    *RewriteRecord    `json:"rewrite,omitempty"`
	Gate       *GateRecord       `json:"gate,omitempty"`
	Corrective *CorrectiveRecord `json:"corrective,omitempty"`
	Failure    *FailureRecord    `json:"failure,omitempty"`
	Counts     *CountRecord      `json:"counts,omitempty"`
}

// Attribution links one surfaced result back to its origin. Every result
// returned to the caller has exactly one attribution entry.
type Attribution struct {
	ChunkID    string   `json:"chunk_id"`
	DocumentID string   `json:"document_id,omitempty"`
	Dataset    string   `json:"dataset"`
	Rank       int      `json:"rank"`
	Score      float64  `json:"score"`
	Retrievers []string `json:"retrievers,omitempty"`
}

// Record is the persisted per-request shape written by sinks.
type Record struct {
	RequestID    string        `json:"request_id"`
	TenantID     string        `json:"tenant_id,omitempty"`
	Query        string        `json:"query"`
	Rewritten    string        `json:"rewritten,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	ElapsedMS    int64         `json:"elapsed_ms"`
	Evidence     string        `json:"evidence,omitempty"`
	Events       []StageEvent  `json:"events"`
	Attributions []Attribution `json:"attributions"`
}

// Trace accumulates events for one request. Safe for concurrent appends;
// retriever fan-out records failures from worker goroutines.
type Trace struct {
	mu sync.Mutex

	requestID    string
	tenantID     string
	query        string
	rewritten    string
	startedAt    time.Time
	events       []StageEvent
	attributions []Attribution
	evidence     string
}

// NewTrace starts an empty trace for the request.
func NewTrace(requestID, tenantID, query string) *Trace {
	return &Trace{
		requestID: requestID,
		tenantID:  tenantID,
		query:     query,
		startedAt: time.Now(),
	}
}

// RequestID returns the id the trace was opened with.
func (t *Trace) RequestID() string { return t.requestID }

// Record appends one event, stamping it if the caller did not.
func (t *Trace) Record(ev StageEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
}

// Stage records a stage_start event and returns a closure that records the
// matching stage_end with counts.
func (t *Trace) Stage(name string) func(counts CountRecord) {
	start := time.Now()
	t.Record(StageEvent{Kind: EventStageStart, Stage: name, At: start})
	return func(counts CountRecord) {
		c := counts
		t.Record(StageEvent{
			Kind:      EventStageEnd,
			Stage:     name,
			ElapsedMS: time.Since(start).Milliseconds(),
			Counts:    &c,
		})
	}
}

// Rewrite records a query transformation and remembers the latest form.
func (t *Trace) Rewrite(origin, from, to string) {
	t.Record(StageEvent{
		Kind:    EventQueryRewrite,
		Stage:   origin,
		Rewrite: &RewriteRecord{From: from, To: to, Origin: origin},
	})
	t.mu.Lock()
	t.rewritten = to
	t.mu.Unlock()
}

// Failure records a recoverable component failure.
func (t *Trace) Failure(stage, component string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.Record(StageEvent{
		Kind:    EventRetrieverError,
		Stage:   stage,
		Failure: &FailureRecord{Component: component, Error: msg},
	})
}

// Attribute replaces the attribution list. Called once, after the final
// ordering is known.
func (t *Trace) Attribute(attrs []Attribution) {
	t.mu.Lock()
	t.attributions = attrs
	t.mu.Unlock()
}

// Finish stamps the final evidence classification.
func (t *Trace) Finish(evidence string) {
	t.mu.Lock()
	t.evidence = evidence
	t.mu.Unlock()
}

// Snapshot renders the trace as a persistable record. The trace remains
// usable; snapshots are copies.
func (t *Trace) Snapshot() *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &Record{
		RequestID:    t.requestID,
		TenantID:     t.tenantID,
		Query:        t.query,
		Rewritten:    t.rewritten,
		StartedAt:    t.startedAt,
		ElapsedMS:    time.Since(t.startedAt).Milliseconds(),
		Evidence:     t.evidence,
		Events:       append([]StageEvent(nil), t.events...),
		Attributions: append([]Attribution(nil), t.attributions...),
	}
	return rec
}

// Events returns a copy of the events recorded so far.
func (t *Trace) Events() []StageEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StageEvent(nil), t.events...)
}

// Attributions returns a copy of the attribution list.
func (t *Trace) Attributions() []Attribution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Attribution(nil), t.attributions...)
}

// CorrectiveCount reports how many corrective actions the trace holds.
// The gate uses it to decide whether a strategy already ran.
func (t *Trace) CorrectiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ev := range t.events {
		if ev.Kind == EventCorrective {
			n++
		}
	}
	return n
}

// UsedStrategies lists the corrective strategies already recorded.
func (t *Trace) UsedStrategies() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	used := make(map[string]bool)
	for _, ev := range t.events {
		if ev.Kind == EventCorrective && ev.Corrective != nil {
			used[ev.Corrective.Strategy] = true
		}
	}
	return used
}
