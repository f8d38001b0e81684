package embedders

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/config"
)

// cohereBatchSize is Cohere's documented per-request texts cap.
const cohereBatchSize = 96

// CohereEmbedder calls the Cohere v1 embed API. Queries and documents are
// encoded with their respective input_type; v3 models require it.
type CohereEmbedder struct {
	cfg  *config.EmbedderConfig
	http *httpclient.Client
}

type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate,omitempty"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Message    string      `json:"message,omitempty"`
}

func NewCohereEmbedder(cfg *config.EmbedderConfig) (*CohereEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere embedder: api key is required")
	}
	return &CohereEmbedder{
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

func (e *CohereEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *CohereEmbedder) ModelName() string { return e.cfg.Model }

func (e *CohereEmbedder) Close() error { return nil }

func (e *CohereEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, "search_query")
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *CohereEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += cohereBatchSize {
		end := min(start+cohereBatchSize, len(texts))
		batch, err := e.embed(ctx, texts[start:end], "search_document")
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *CohereEmbedder) embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	req := cohereEmbedRequest{
		Texts:     texts,
		Model:     e.cfg.Model,
		InputType: inputType,
		Truncate:  "END",
	}

	var resp cohereEmbedResponse
	headers := map[string]string{"Authorization": "Bearer " + e.cfg.APIKey}
	err := e.http.DoJSON(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/embed", headers, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("cohere embedder: %w", err)
	}
	if resp.Message != "" && len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("cohere embedder: %s", resp.Message)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("cohere embedder: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}
