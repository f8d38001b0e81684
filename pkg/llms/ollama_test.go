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

func ollamaTestConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Provider:       config.LLMProviderOllama,
		Model:          "llama3.2",
		BaseURL:        baseURL,
		MaxTokens:      128,
		TimeoutSeconds: 5,
		MaxRetries:     1,
	}
}

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.False(t, req.Stream)
		require.NotNil(t, req.Options)
		assert.Equal(t, 128, req.Options.NumPredict)

		fmt.Fprint(w, `{
			"message": {"role": "assistant", "content": "Lei 8.078/90."},
			"done": true,
			"prompt_eval_count": 9,
			"eval_count": 5
		}`)
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(ollamaTestConfig(server.URL))
	require.NoError(t, err)

	completion, err := provider.Generate(context.Background(), Request{
		Messages: []Message{User("qual lei institui o CDC?")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Lei 8.078/90.", completion.Text)
	assert.Equal(t, 9, completion.InputTokens)
	assert.Equal(t, 5, completion.OutputTokens)
}

func TestOllamaGenerateError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": "model not found"}`)
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(ollamaTestConfig(server.URL))
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), Request{Messages: []Message{User("oi")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "Código "}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "Civil"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": ""}, "done": true, "prompt_eval_count": 6, "eval_count": 2}`)
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(ollamaTestConfig(server.URL))
	require.NoError(t, err)

	chunks, err := provider.GenerateStreaming(context.Background(), Request{
		Messages: []Message{User("qual código?")},
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
	assert.Equal(t, "Código Civil", text)
	assert.Equal(t, 6, done.InputTokens)
	assert.Equal(t, 2, done.OutputTokens)
}

func TestOllamaForceJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json", req.Format)

		fmt.Fprint(w, `{"message": {"role": "assistant", "content": "{}"}, "done": true}`)
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(ollamaTestConfig(server.URL))
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), Request{
		Messages:  []Message{User("JSON")},
		ForceJSON: true,
	})
	require.NoError(t, err)
}

func TestOllamaRequiresBaseURL(t *testing.T) {
	_, err := NewOllamaProvider(&config.LLMConfig{Provider: config.LLMProviderOllama})
	require.Error(t, err)
}
