// Package llms provides chat-completion providers for the pipeline's
// generation stages: query rewriting, hypothetical documents, reranking,
// compression, multi-hop reasoning and the research agent.
package llms

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a chat exchange.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls carries calls issued by the assistant on assistant turns.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// System builds a system-role message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user-role message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant-role message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult builds a tool-role message answering the given call.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolDefinition describes a callable function exposed to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ArgString returns a string argument, or "" when absent or mistyped.
func (tc ToolCall) ArgString(key string) string {
	v, ok := tc.Args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ArgsJSON renders the arguments as compact JSON for transcripts.
func (tc ToolCall) ArgsJSON() string {
	b, err := json.Marshal(tc.Args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Request is one chat-completion call.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition

	// Model overrides the provider's configured model when set.
	Model string

	// MaxTokens overrides the provider's configured limit when positive.
	MaxTokens int

	// Temperature overrides the provider's configured value when set.
	Temperature *float64

	// ForceJSON asks the provider for a JSON-only response where the
	// API supports it; otherwise the prompt must carry the instruction.
	ForceJSON bool
}

// Completion is the provider's answer to a Request.
type Completion struct {
	Text      string
	ToolCalls []ToolCall

	InputTokens  int
	OutputTokens int
}

// TotalTokens is the billed token count for the call.
func (c Completion) TotalTokens() int { return c.InputTokens + c.OutputTokens }

// StreamChunk is one event on a streaming response.
type StreamChunk struct {
	// Type is one of "text", "thinking", "tool_call", "done", "error".
	Type string

	Text     string
	ToolCall *ToolCall

	// Usage fields are populated on the final "done" chunk.
	InputTokens  int
	OutputTokens int

	Err error
}

const (
	ChunkText     = "text"
	ChunkThinking = "thinking"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// Provider is a chat-completion backend.
type Provider interface {
	// Generate performs one blocking completion.
	Generate(ctx context.Context, req Request) (*Completion, error)

	// GenerateStreaming emits chunks as the model produces them. The
	// channel is closed after the final "done" or "error" chunk.
	GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName reports the configured model identifier.
	ModelName() string

	// Close releases provider resources.
	Close() error
}

// apiError is the error payload shape shared by OpenAI-compatible APIs.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (type: %s)", e.Message, e.Type)
	}
	return e.Message
}
