// Package httpclient is the shared retrying HTTP transport used by every
// remote dependency: the lexical index, LLM and embedding providers, rerank
// services and deep-research APIs. Retry behavior is driven by the response
// status and, when available, provider rate-limit headers.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryStrategy decides how a failed attempt is retried.
type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota

	// ConservativeRetry allows at most two quick retries for transient
	// server errors.
	ConservativeRetry

	// SmartRetry honors rate-limit headers before falling back to
	// exponential backoff with jitter.
	SmartRetry
)

// RateLimitInfo is what a provider's rate-limit headers told us.
type RateLimitInfo struct {
	RetryAfter            time.Duration
	ResetTime             int64
	RequestsRemaining     int
	InputTokensRemaining  int
	OutputTokensRemaining int
	TokensRemaining       int
}

// RateLimitHeaderParser extracts RateLimitInfo from provider headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// RetryStrategyFunc maps a status code to a strategy.
type RetryStrategyFunc func(statusCode int) RetryStrategy

// Client wraps http.Client with bounded, header-aware retries.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = strategyFunc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client with sane defaults: 60s request timeout, 5 retries,
// 2s base delay.
func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   5,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// DefaultRetryStrategy retries rate limits smartly, transient server errors
// conservatively, and nothing else.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request with retries. Requests built with a body must set
// GetBody (http.NewRequest does) so retries can replay it. The request
// context bounds the whole retry loop including backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, retryInfo, err := c.attemptRequest(req)

		if strategy == NoRetry || err == nil {
			return resp, err
		}

		if attempt >= c.maxRetries {
			nextDelay := c.calculateDelay(strategy, attempt, retryInfo)
			return resp, &RetryableError{
				StatusCode: statusOf(resp),
				Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
				RetryAfter: nextDelay,
				Err:        err,
			}
		}

		delay := c.calculateDelay(strategy, attempt, retryInfo)
		if delay <= 0 {
			return resp, err
		}

		drain(resp)
		c.logger.Warn("retrying request",
			"status", statusOf(resp),
			"delay", delay,
			"attempt", attempt+1,
			"max_attempts", c.maxRetries)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return nil, &RetryableError{
		Message:    fmt.Sprintf("max retries exceeded after %d attempts", c.maxRetries),
		RetryAfter: c.baseDelay * 2,
		Err:        fmt.Errorf("max retries exceeded"),
	}
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, RateLimitInfo, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, RateLimitInfo{}, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, RateLimitInfo{}, nil
	}

	var retryInfo RateLimitInfo
	if c.headerParser != nil {
		retryInfo = c.headerParser(resp.Header)
	}
	return resp, c.strategyFunc(resp.StatusCode), retryInfo, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, retryInfo RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if retryInfo.RetryAfter > 0 {
			return retryInfo.RetryAfter
		}
		if retryInfo.ResetTime > 0 {
			if delay := time.Until(time.Unix(retryInfo.ResetTime, 0)); delay > 0 {
				return delay
			}
		}
		exponential := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(rand.Float64() * 0.2 * float64(exponential))
		return exponential + jitter

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}

// DoJSON posts (or gets) a JSON body and decodes the JSON response into out.
// A non-2xx terminal status yields a StatusError carrying the response body.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		if resp != nil {
			drain(resp)
		}
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
