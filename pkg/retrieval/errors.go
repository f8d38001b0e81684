package retrieval

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Stages wrap these in a StageError so callers can
// branch on errors.Is while logs keep the stage and operation context.
var (
	// ErrBudgetExceeded means the request budget meter refused a charge.
	// It is fatal for the request; no stage retries past it.
	ErrBudgetExceeded = errors.New("request budget exceeded")

	// ErrTimeout means a stage or retriever exceeded its deadline.
	ErrTimeout = errors.New("stage timed out")

	// ErrUpstreamUnavailable means a store or provider could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCancelled means the caller's context was cancelled.
	ErrCancelled = errors.New("request cancelled")

	// ErrInvalidRequest means the query or scope failed validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoResults means every strategy ran and nothing admissible remained.
	ErrNoResults = errors.New("no results")

	// ErrNoSources means no retriever was reachable for the request.
	ErrNoSources = errors.New("no sources reachable")

	// ErrUnsupported means the store backend cannot express the operation.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// StageError attaches pipeline context to a failure: the stage that failed,
// the operation inside it, and the query being served.
type StageError struct {
	Stage     string
	Operation string
	Message   string
	Query     string
	Err       error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Stage, e.Operation, e.Message)
	if e.Query != "" {
		msg = fmt.Sprintf("%s (query: %q)", msg, truncate(e.Query, 80))
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError builds a StageError wrapping err.
func NewStageError(stage, operation, message string, err error) *StageError {
	return &StageError{Stage: stage, Operation: operation, Message: message, Err: err}
}

// WithQuery attaches the query text for logs. Returns the receiver.
func (e *StageError) WithQuery(q string) *StageError {
	e.Query = q
	return e
}

// Fatal reports whether err must abort the whole request rather than degrade
// a single retriever or strategy.
func Fatal(err error) bool {
	return errors.Is(err, ErrBudgetExceeded) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrInvalidRequest)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
