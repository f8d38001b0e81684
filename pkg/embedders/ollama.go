package embedders

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/config"
)

// OllamaEmbedder calls the local Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	cfg  *config.EmbedderConfig
	http *httpclient.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func NewOllamaEmbedder(cfg *config.EmbedderConfig) (*OllamaEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama embedder: base url is required")
	}
	return &OllamaEmbedder{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (e *OllamaEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *OllamaEmbedder) ModelName() string { return e.cfg.Model }

func (e *OllamaEmbedder) Close() error { return nil }

func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OllamaEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, texts)
}

func (e *OllamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := ollamaEmbedRequest{Model: e.cfg.Model, Input: texts}

	var resp ollamaEmbedResponse
	err := e.http.DoJSON(ctx, http.MethodPost, e.cfg.BaseURL+"/api/embed", nil, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama embedder: %s", resp.Error)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}
