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

func openAITestConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Provider:       config.LLMProviderOpenAI,
		Model:          "gpt-4o",
		APIKey:         "sk-test",
		BaseURL:        baseURL,
		MaxTokens:      256,
		TimeoutSeconds: 5,
		MaxRetries:     1,
	}
}

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "ementa resumida"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	completion, err := provider.Generate(context.Background(), Request{
		Messages: []Message{
			System("Você é um assistente jurídico."),
			User("Resuma a ementa."),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ementa resumida", completion.Text)
	assert.Equal(t, 12, completion.InputTokens)
	assert.Equal(t, 4, completion.OutputTokens)
	assert.Equal(t, 16, completion.TotalTokens())
	assert.Empty(t, completion.ToolCalls)
}

func TestOpenAIGenerateToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "search_rag_global", req.Tools[0].Function.Name)
		assert.Equal(t, "auto", req.ToolChoice)

		fmt.Fprint(w, `{
			"choices": [{"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "search_rag_global", "arguments": "{\"query\": \"dano moral\"}"}}]
			}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 10, "total_tokens": 40}
		}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	completion, err := provider.Generate(context.Background(), Request{
		Messages: []Message{User("pesquise dano moral")},
		Tools: []ToolDefinition{{
			Name:        "search_rag_global",
			Description: "Busca nas bases globais.",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "call_1", completion.ToolCalls[0].ID)
	assert.Equal(t, "search_rag_global", completion.ToolCalls[0].Name)
	assert.Equal(t, "dano moral", completion.ToolCalls[0].ArgString("query"))
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid api key", "type": "auth_error"}}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), Request{Messages: []Message{User("oi")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestOpenAIStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Artigo \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"927\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":2,\"total_tokens\":10}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	chunks, err := provider.GenerateStreaming(context.Background(), Request{
		Messages: []Message{User("qual artigo trata da responsabilidade civil?")},
	})
	require.NoError(t, err)

	var text string
	var done StreamChunk
	for chunk := range chunks {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			done = chunk
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}
	assert.Equal(t, "Artigo 927", text)
	assert.Equal(t, 8, done.InputTokens)
	assert.Equal(t, 2, done.OutputTokens)
}

func TestOpenAIStreamingToolCallAccumulation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Arguments arrive split across deltas sharing index 0.
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_9\",\"type\":\"function\",\"function\":{\"name\":\"verify_citations\",\"arguments\":\"{\\\"text\\\": \"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"art. 5\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	chunks, err := provider.GenerateStreaming(context.Background(), Request{
		Messages: []Message{User("verifique")},
	})
	require.NoError(t, err)

	var calls []ToolCall
	for chunk := range chunks {
		if chunk.Type == ChunkToolCall {
			calls = append(calls, *chunk.ToolCall)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "call_9", calls[0].ID)
	assert.Equal(t, "verify_citations", calls[0].Name)
	assert.Equal(t, "art. 5", calls[0].ArgString("text"))
}

func TestOpenAIForceJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "{}"}}], "usage": {}}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), Request{
		Messages:  []Message{User("responda em JSON")},
		ForceJSON: true,
	})
	require.NoError(t, err)
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIProvider(&config.LLMConfig{Provider: config.LLMProviderOpenAI})
	require.Error(t, err)
}
