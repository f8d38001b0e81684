package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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

// OllamaProvider speaks the local Ollama /api/chat endpoint. Useful for
// keeping case material on-premises.
type OllamaProvider struct {
	cfg  *config.LLMConfig
	http *httpclient.Client
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllamaProvider(cfg *config.LLMConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base url is required")
	}
	return &OllamaProvider{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (p *OllamaProvider) ModelName() string { return p.cfg.Model }

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	tracer := observability.GetTracer("relator.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model(req)),
			attribute.String("llm.provider", "ollama"),
			attribute.Bool("llm.streaming", false),
		),
	)
	defer span.End()

	body := p.buildRequest(req, false)

	var resp ollamaResponse
	err := p.http.DoJSON(ctx, http.MethodPost, p.cfg.BaseURL+"/api/chat", nil, body, &resp)
	if err == nil && resp.Error != "" {
		err = fmt.Errorf("ollama: %s", resp.Error)
	}

	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model(req), duration, 0, 0, err)
		return nil, err
	}

	completion := &Completion{
		Text:         resp.Message.Content,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
	for i, tc := range resp.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			// Ollama omits call IDs; synthesize stable ones per turn.
			ID:   fmt.Sprintf("call_%d", i),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
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

func (p *OllamaProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
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

func (p *OllamaProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) ollamaRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := ollamaMessage{Role: string(msg.Role), Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Args
			m.ToolCalls = append(m.ToolCalls, call)
		}
		messages = append(messages, m)
	}

	body := ollamaRequest{
		Model:    p.model(req),
		Messages: messages,
		Stream:   stream,
	}
	if req.ForceJSON {
		body.Format = "json"
	}

	maxTokens := p.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := p.cfg.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	if maxTokens > 0 || temperature != nil {
		body.Options = &ollamaOptions{Temperature: temperature, NumPredict: maxTokens}
	}

	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, ollamaTool{
			Type:     "function",
			Function: ollamaToolFunction(tool),
		})
	}
	return body
}

// stream reads Ollama's newline-delimited JSON response.
func (p *OllamaProvider) stream(ctx context.Context, body ollamaRequest, out chan<- StreamChunk) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("ollama: status %d: %s", resp.StatusCode, raw)
		}
	}
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}

	var usage struct{ in, out int }
	callSeq := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			out <- StreamChunk{Type: ChunkText, Text: chunk.Message.Content}
		}
		for _, tc := range chunk.Message.ToolCalls {
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
				ID:   fmt.Sprintf("call_%d", callSeq),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}}
			callSeq++
		}

		if chunk.Done {
			usage.in = chunk.PromptEvalCount
			usage.out = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama: read stream: %w", err)
	}

	out <- StreamChunk{Type: ChunkDone, InputTokens: usage.in, OutputTokens: usage.out}
	return nil
}
