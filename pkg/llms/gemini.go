package llms

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/observability"
)

// GeminiProvider wraps the official google.golang.org/genai SDK.
type GeminiProvider struct {
	cfg    *config.LLMConfig
	client *genai.Client
}

func NewGeminiProvider(cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{cfg: cfg, client: client}, nil
}

func (p *GeminiProvider) ModelName() string { return p.cfg.Model }

func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	tracer := observability.GetTracer("relator.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model(req)),
			attribute.String("llm.provider", "gemini"),
			attribute.Bool("llm.streaming", false),
		),
	)
	defer span.End()

	contents, genCfg := p.buildRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, p.model(req), contents, genCfg)
	duration := time.Since(start)
	if err != nil {
		err = fmt.Errorf("gemini: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model(req), duration, 0, 0, err)
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		err = fmt.Errorf("gemini: no candidates returned")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model(req), duration, 0, 0, err)
		return nil, err
	}

	completion := &Completion{}
	if resp.UsageMetadata != nil {
		completion.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		completion.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part.Text != "" && !part.Thought {
				completion.Text += part.Text
			}
			if part.FunctionCall != nil {
				completion.ToolCalls = append(completion.ToolCalls, ToolCall{
					ID:   part.FunctionCall.ID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
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

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	contents, genCfg := p.buildRequest(req)

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)

		var usage struct{ in, out int }
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model(req), contents, genCfg) {
			if err != nil {
				out <- StreamChunk{Type: ChunkError, Err: fmt.Errorf("gemini: %w", err)}
				return
			}
			if resp.UsageMetadata != nil {
				usage.in = int(resp.UsageMetadata.PromptTokenCount)
				usage.out = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					kind := ChunkText
					if part.Thought {
						kind = ChunkThinking
					}
					out <- StreamChunk{Type: kind, Text: part.Text}
				}
				if part.FunctionCall != nil {
					out <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					}}
				}
			}
		}

		out <- StreamChunk{Type: ChunkDone, InputTokens: usage.in, OutputTokens: usage.out}
	}()
	return out, nil
}

func (p *GeminiProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

// buildRequest lifts system messages into SystemInstruction and maps
// assistant turns to the "model" role.
func (p *GeminiProvider) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	var system string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})

		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	genCfg := &genai.GenerateContentConfig{}
	if system != "" {
		genCfg.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: system}},
		}
	}

	maxTokens := p.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(maxTokens)
	}

	temperature := p.cfg.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	if temperature != nil {
		genCfg.Temperature = genai.Ptr(float32(*temperature))
	}

	if req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	for _, tool := range req.Tools {
		genCfg.Tools = append(genCfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGeminiSchema(tool.Parameters),
			}},
		})
	}

	return contents, genCfg
}

// toGeminiSchema converts a JSON schema map to the SDK's typed schema.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
