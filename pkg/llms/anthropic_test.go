package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/config"
)

func anthropicTestConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Provider:       config.LLMProviderAnthropic,
		Model:          "claude-sonnet-4-20250514",
		APIKey:         "sk-ant-test",
		BaseURL:        baseURL,
		MaxTokens:      256,
		TimeoutSeconds: 5,
		MaxRetries:     1,
	}
}

func TestAnthropicGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Você é um assistente jurídico.", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		fmt.Fprint(w, `{
			"content": [{"type": "text", "text": "Súmula 331 do TST."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 7}
		}`)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(anthropicTestConfig(server.URL))
	require.NoError(t, err)

	completion, err := provider.Generate(context.Background(), Request{
		Messages: []Message{
			System("Você é um assistente jurídico."),
			User("Qual súmula trata da terceirização?"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Súmula 331 do TST.", completion.Text)
	assert.Equal(t, 20, completion.InputTokens)
	assert.Equal(t, 7, completion.OutputTokens)
}

func TestAnthropicGenerateToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "search_rag_local", req.Tools[0].Name)

		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "Vou pesquisar."},
				{"type": "tool_use", "id": "toolu_1", "name": "search_rag_local",
				 "input": {"query": "contrato de locação", "case_id": "c-77"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 40, "output_tokens": 25}
		}`)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(anthropicTestConfig(server.URL))
	require.NoError(t, err)

	completion, err := provider.Generate(context.Background(), Request{
		Messages: []Message{User("busque no caso c-77")},
		Tools: []ToolDefinition{{
			Name:        "search_rag_local",
			Description: "Busca nos autos do caso.",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Vou pesquisar.", completion.Text)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "toolu_1", completion.ToolCalls[0].ID)
	assert.Equal(t, "contrato de locação", completion.ToolCalls[0].ArgString("query"))
	assert.Equal(t, "c-77", completion.ToolCalls[0].ArgString("case_id"))
}

func TestAnthropicToolResultRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// assistant tool_use turn followed by a user tool_result turn
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "assistant", req.Messages[1].Role)
		assert.Equal(t, "tool_use", req.Messages[1].Content[1].Type)
		assert.Equal(t, "user", req.Messages[2].Role)
		assert.Equal(t, "tool_result", req.Messages[2].Content[0].Type)
		assert.Equal(t, "toolu_1", req.Messages[2].Content[0].ToolUseID)

		fmt.Fprint(w, `{"content": [{"type": "text", "text": "ok"}], "usage": {"input_tokens": 1, "output_tokens": 1}}`)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(anthropicTestConfig(server.URL))
	require.NoError(t, err)

	assistant := Assistant("Vou pesquisar.")
	assistant.ToolCalls = []ToolCall{{ID: "toolu_1", Name: "search_rag_local", Args: map[string]any{"query": "x"}}}

	_, err = provider.Generate(context.Background(), Request{
		Messages: []Message{
			User("busque"),
			assistant,
			ToolResult("toolu_1", "3 resultados encontrados"),
		},
	})
	require.NoError(t, err)
}

func TestAnthropicStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":15}}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"CF art. \"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"5º\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_stop\",\"index\":0}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_2\",\"name\":\"verify_citations\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"text\\\":\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"CF art. 5º\\\"}\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_stop\",\"index\":1}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":9}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(anthropicTestConfig(server.URL))
	require.NoError(t, err)

	chunks, err := provider.GenerateStreaming(context.Background(), Request{
		Messages: []Message{User("cite o artigo")},
	})
	require.NoError(t, err)

	var text string
	var calls []ToolCall
	var done StreamChunk
	for chunk := range chunks {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkToolCall:
			calls = append(calls, *chunk.ToolCall)
		case ChunkDone:
			done = chunk
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}
	assert.Equal(t, "CF art. 5º", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_2", calls[0].ID)
	assert.Equal(t, "CF art. 5º", calls[0].ArgString("text"))
	assert.Equal(t, 15, done.InputTokens)
	assert.Equal(t, 9, done.OutputTokens)
}

func TestAnthropicGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type": "error", "error": {"type": "invalid_request_error", "message": "max_tokens required"}}`)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(anthropicTestConfig(server.URL))
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), Request{Messages: []Message{User("oi")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_tokens required")
}
