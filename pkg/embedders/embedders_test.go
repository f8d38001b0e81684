package embedders

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

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Out-of-order data entries must land at their index.
		fmt.Fprint(w, `{"data": [
			{"index": 1, "embedding": [0.3, 0.4]},
			{"index": 0, "embedding": [0.1, 0.2]}
		]}`)
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(&config.EmbedderConfig{
		Provider:       config.EmbedderProviderOpenAI,
		Model:          "text-embedding-3-small",
		APIKey:         "sk-test",
		BaseURL:        server.URL,
		Dimension:      2,
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)

	vectors, err := embedder.EmbedDocuments(context.Background(), []string{"petição", "sentença"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestOpenAIEmbedderCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": [{"index": 0, "embedding": [0.1]}]}`)
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(&config.EmbedderConfig{
		APIKey: "sk-test", BaseURL: server.URL, Model: "text-embedding-3-small", TimeoutSeconds: 5,
	})
	require.NoError(t, err)

	_, err = embedder.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 embeddings for 2 inputs")
}

func TestCohereEmbedderInputTypes(t *testing.T) {
	var inputTypes []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embed", r.URL.Path)

		var req cohereEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		inputTypes = append(inputTypes, req.InputType)

		embeddings := make([][]float32, len(req.Texts))
		for i := range embeddings {
			embeddings[i] = []float32{0.5}
		}
		require.NoError(t, json.NewEncoder(w).Encode(cohereEmbedResponse{Embeddings: embeddings}))
	}))
	defer server.Close()

	embedder, err := NewCohereEmbedder(&config.EmbedderConfig{
		Provider:       config.EmbedderProviderCohere,
		Model:          "embed-multilingual-v3.0",
		APIKey:         "co-test",
		BaseURL:        server.URL,
		Dimension:      1,
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)

	_, err = embedder.EmbedQuery(context.Background(), "dano moral")
	require.NoError(t, err)

	_, err = embedder.EmbedDocuments(context.Background(), []string{"doc a", "doc b"})
	require.NoError(t, err)

	assert.Equal(t, []string{"search_query", "search_document"}, inputTypes)
}

func TestOllamaEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		fmt.Fprint(w, `{"embeddings": [[0.7, 0.8]]}`)
	}))
	defer server.Close()

	embedder, err := NewOllamaEmbedder(&config.EmbedderConfig{
		Provider:       config.EmbedderProviderOllama,
		Model:          "nomic-embed-text",
		BaseURL:        server.URL,
		Dimension:      2,
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)

	vector, err := embedder.EmbedQuery(context.Background(), "usucapião")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.7, 0.8}, vector)
}

func TestRegistryCreateFromConfig(t *testing.T) {
	reg := NewRegistry()

	embedder, err := reg.CreateFromConfig("default", &config.EmbedderConfig{
		Provider:       config.EmbedderProviderOllama,
		Model:          "nomic-embed-text",
		BaseURL:        "http://localhost:11434",
		Dimension:      768,
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 768, embedder.Dimension())

	_, err = reg.CreateFromConfig("bad", &config.EmbedderConfig{Provider: "bert"})
	require.Error(t, err)
}
