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
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/observability"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic messages API.
type AnthropicProvider struct {
	cfg  *config.LLMConfig
	http *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *anthropicError) Error() string {
	return fmt.Sprintf("%s (type: %s)", e.Message, e.Type)
}

// Stream events arrive as typed SSE messages: message_start carries input
// usage, content_block_start opens a text or tool_use block, and
// content_block_delta carries text or partial tool-input JSON.
type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

func NewAnthropicProvider(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	return &AnthropicProvider{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) ModelName() string { return p.cfg.Model }

func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	tracer := observability.GetTracer("relator.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model(req)),
			attribute.String("llm.provider", "anthropic"),
			attribute.Bool("llm.streaming", false),
		),
	)
	defer span.End()

	body := p.buildRequest(req, false)

	var resp anthropicResponse
	err := p.post(ctx, body, &resp)
	if err == nil && resp.Error != nil {
		err = fmt.Errorf("anthropic: %w", resp.Error)
	}

	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model(req), duration, 0, 0, err)
		return nil, err
	}

	completion := &Completion{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	completion.Text = text.String()

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

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body := p.buildRequest(req, true)

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.stream(ctx, body, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

// buildRequest lifts system messages into the top-level system field and
// renders tool results as tool_result content blocks on user turns.
func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	var system strings.Builder
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)

		case RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleAssistant:
			content := []anthropicContent{}
			if msg.Content != "" {
				content = append(content, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Args,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: content})

		default:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})
		}
	}

	maxTokens := p.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := p.cfg.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}

	body := anthropicRequest{
		Model:       p.model(req),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
		System:      system.String(),
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return body
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func (p *AnthropicProvider) post(ctx context.Context, body anthropicRequest, out *anthropicResponse) error {
	err := p.http.DoJSON(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", p.headers(), body, out)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			if apiErr := decodeAnthropicError([]byte(statusErr.Body)); apiErr != nil {
				return fmt.Errorf("anthropic: status %d: %w", statusErr.StatusCode, apiErr)
			}
		}
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}

func (p *AnthropicProvider) stream(ctx context.Context, body anthropicRequest, out chan<- StreamChunk) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.http.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			if apiErr := decodeAnthropicError(raw); apiErr != nil {
				return fmt.Errorf("anthropic: status %d: %w", resp.StatusCode, apiErr)
			}
			return fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, raw)
		}
	}
	if err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}

	var usage anthropicUsage

	// Open tool_use blocks accumulate partial_json until their block stops.
	type openCall struct {
		id, name string
		args     strings.Builder
	}
	open := map[int]*openCall{}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("anthropic: read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal(line[6:], &event); err != nil {
			continue
		}
		if event.Error != nil {
			return fmt.Errorf("anthropic: %w", event.Error)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				open[event.Index] = &openCall{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				out <- StreamChunk{Type: ChunkText, Text: event.Delta.Text}
			case "thinking_delta":
				out <- StreamChunk{Type: ChunkThinking, Text: event.Delta.Text}
			case "input_json_delta":
				if call, ok := open[event.Index]; ok {
					call.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			call, ok := open[event.Index]
			if !ok {
				continue
			}
			delete(open, event.Index)
			args := map[string]any{}
			if raw := call.args.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return fmt.Errorf("anthropic: parse tool arguments for %s: %w", call.name, err)
				}
			}
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
				ID:   call.id,
				Name: call.name,
				Args: args,
			}}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			// Final usage arrives on message_delta before this event.
		}
	}

	out <- StreamChunk{
		Type:         ChunkDone,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	return nil
}

func decodeAnthropicError(body []byte) *anthropicError {
	if len(body) == 0 {
		return nil
	}
	var wrapper struct {
		Error anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return &wrapper.Error
	}
	return nil
}
