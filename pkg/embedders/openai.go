package embedders

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/config"
)

// openAIBatchSize is the per-request input cap; the API allows 2048.
const openAIBatchSize = 512

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	cfg  *config.EmbedderConfig
	http *httpclient.Client
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`

	// Dimensions trims text-embedding-3-* output server-side.
	Dimensions int `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIEmbedder(cfg *config.EmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder: api key is required")
	}
	return &OpenAIEmbedder{
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

func (e *OpenAIEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *OpenAIEmbedder) ModelName() string { return e.cfg.Model }

func (e *OpenAIEmbedder) Close() error { return nil }

func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openAIBatchSize {
		end := min(start+openAIBatchSize, len(texts))
		batch, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := openAIEmbedRequest{Model: e.cfg.Model, Input: texts}

	var resp openAIEmbedResponse
	headers := map[string]string{"Authorization": "Bearer " + e.cfg.APIKey}
	err := e.http.DoJSON(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", headers, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai embedder: %s", resp.Error.Message)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedder: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	// The API documents order by index; honor it rather than assume.
	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("openai embedder: embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
