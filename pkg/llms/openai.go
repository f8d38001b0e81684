package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/observability"
)

// OpenAIProvider speaks the OpenAI chat-completions API. It also serves
// any OpenAI-compatible endpoint via config.BaseURL.
type OpenAIProvider struct {
	cfg  *config.LLMConfig
	http *httpclient.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	Stream         bool                  `json:"stream"`
	StreamOptions  *openAIStreamOptions  `json:"stream_options,omitempty"`
	Tools          []openAITool          `json:"tools,omitempty"`
	ToolChoice     string                `json:"tool_choice,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
	Error *apiError   `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *apiError    `json:"error,omitempty"`
}

func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	return &OpenAIProvider{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	tracer := observability.GetTracer("relator.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model(req)),
			attribute.String("llm.provider", "openai"),
			attribute.Bool("llm.streaming", false),
		),
	)
	defer span.End()

	body := p.buildRequest(req, false)

	var resp openAIResponse
	err := p.post(ctx, body, &resp)
	if err == nil && resp.Error != nil {
		err = fmt.Errorf("openai: %w", resp.Error)
	}
	if err == nil && len(resp.Choices) == 0 {
		err = fmt.Errorf("openai: no choices returned")
	}

	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model(req), duration, 0, 0, err)
		return nil, err
	}

	choice := resp.Choices[0]
	completion := &Completion{
		Text:         choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := decodeOpenAIToolCall(tc)
		if err != nil {
			span.RecordError(err)
			return completion, err
		}
		completion.ToolCalls = append(completion.ToolCalls, call)
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", completion.InputTokens),
		attribute.Int("llm.tokens.output", completion.OutputTokens),
		attribute.Int("llm.tool_calls", len(completion.ToolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model(req), duration,
		completion.InputTokens, completion.OutputTokens, nil)

	return completion, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body := p.buildRequest(req, true)
	body.StreamOptions = &openAIStreamOptions{IncludeUsage: true}

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.stream(ctx, body, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgsJSON(),
				},
			})
		}
		messages = append(messages, m)
	}

	body := openAIRequest{
		Model:    p.model(req),
		Messages: messages,
		Stream:   stream,
	}

	if maxTokens := p.maxTokens(req); maxTokens > 0 {
		body.MaxTokens = &maxTokens
	}
	if t := p.temperature(req); t != nil {
		body.Temperature = t
	}
	if req.ForceJSON {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}
	if len(req.Tools) > 0 {
		body.Tools = make([]openAITool, len(req.Tools))
		for i, tool := range req.Tools {
			body.Tools[i] = openAITool{Type: "function", Function: openAIToolFunction(tool)}
		}
		body.ToolChoice = "auto"
	}
	return body
}

func (p *OpenAIProvider) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return p.cfg.MaxTokens
}

func (p *OpenAIProvider) temperature(req Request) *float64 {
	if req.Temperature != nil {
		return req.Temperature
	}
	return p.cfg.Temperature
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}

func (p *OpenAIProvider) post(ctx context.Context, body openAIRequest, out *openAIResponse) error {
	err := p.http.DoJSON(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", p.headers(), body, out)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			if apiErr := decodeAPIError([]byte(statusErr.Body)); apiErr != nil {
				return fmt.Errorf("openai: status %d: %w", statusErr.StatusCode, apiErr)
			}
		}
		return fmt.Errorf("openai: %w", err)
	}
	return nil
}

func (p *OpenAIProvider) stream(ctx context.Context, body openAIRequest, out chan<- StreamChunk) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.http.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			if apiErr := decodeAPIError(raw); apiErr != nil {
				return fmt.Errorf("openai: status %d: %w", resp.StatusCode, apiErr)
			}
			return fmt.Errorf("openai: status %d: %s", resp.StatusCode, raw)
		}
	}
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}

	var usage openAIUsage
	calls := map[int]*openAIToolCall{}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("openai: read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("openai: %w", chunk.Error)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out <- StreamChunk{Type: ChunkText, Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := len(calls)
			if tc.Index != nil {
				idx = *tc.Index
			}
			if existing, ok := calls[idx]; ok {
				existing.Function.Arguments += tc.Function.Arguments
				continue
			}
			copied := tc
			calls[idx] = &copied
		}
	}

	for i := 0; i < len(calls); i++ {
		tc, ok := calls[i]
		if !ok {
			continue
		}
		call, err := decodeOpenAIToolCall(*tc)
		if err != nil {
			return err
		}
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}
	}

	out <- StreamChunk{
		Type:         ChunkDone,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}
	return nil
}

func decodeOpenAIToolCall(tc openAIToolCall) (ToolCall, error) {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return ToolCall{}, fmt.Errorf("openai: parse tool arguments for %s: %w", tc.Function.Name, err)
		}
	}
	return ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}, nil
}

// decodeAPIError extracts the structured error from an OpenAI-style body.
func decodeAPIError(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var wrapper struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return &wrapper.Error
	}
	return nil
}
