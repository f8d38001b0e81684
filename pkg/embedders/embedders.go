// Package embedders provides dense-vector embedding providers used by the
// vector retriever for queries and by ingestion for chunk text.
package embedders

import (
	"context"
	"fmt"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/registry"
)

// Embedder turns text into dense vectors. EmbedQuery and EmbedDocuments
// are separate so providers with asymmetric models (Cohere input_type)
// can encode each side correctly.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension of produced vectors; collections must match.
	Dimension() int

	ModelName() string
	Close() error
}

// Registry holds named embedder instances built from configuration.
type Registry struct {
	registry.BaseRegistry[Embedder]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: *registry.NewBaseRegistry[Embedder]()}
}

// CreateFromConfig instantiates an embedder and registers it under name.
func (r *Registry) CreateFromConfig(name string, cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder %q: nil config", name)
	}

	var (
		embedder Embedder
		err      error
	)
	switch cfg.Provider {
	case config.EmbedderProviderOpenAI:
		embedder, err = NewOpenAIEmbedder(cfg)
	case config.EmbedderProviderOllama:
		embedder, err = NewOllamaEmbedder(cfg)
	case config.EmbedderProviderCohere:
		embedder, err = NewCohereEmbedder(cfg)
	default:
		return nil, fmt.Errorf("embedder %q: unsupported provider %q", name, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("embedder %q: %w", name, err)
	}

	if err := r.Register(name, embedder); err != nil {
		_ = embedder.Close()
		return nil, err
	}
	return embedder, nil
}
