// Package vector implements dense nearest-neighbor retrieval with optional
// in-store hybrid dense+sparse fusion. Collections are named per dataset;
// every backend compiles the query scope into its native filter, or falls
// back to the reference predicate when it cannot.
package vector

import (
	"context"
	"fmt"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// Point is the unit of storage: one chunk with its precomputed embeddings.
// Embedding happens outside the store so one batch call can serve many points.
type Point struct {
	Chunk  retrieval.Chunk
	Dense  []float32
	Sparse *SparseVector
}

// Match is one scored hit from a store query.
type Match struct {
	Chunk retrieval.Chunk
	Score float64
}

// Request is a single-collection store query. Sparse is set only when hybrid
// querying is enabled; backends without sparse support ignore it.
type Request struct {
	Collection string
	Dense      []float32
	Sparse     *SparseVector
	TopK       int
	Scope      visibility.QueryScope
}

// Store is the backend behind the vector retriever.
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, collection string, dimension int) error

	// Upsert writes points idempotently; a point with a known chunk id
	// replaces the previous version.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Query returns up to TopK admissible matches, best first.
	Query(ctx context.Context, req Request) ([]Match, error)

	Name() string
	Close() error
}

// Option configures backends with needs beyond the shared config.
type Option func(*options)

type options struct {
	resolver visibility.Resolver
}

// WithResolver supplies the document visibility hook for backends that
// cannot compile the scope filter natively.
func WithResolver(r visibility.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// NewStore builds the backend named by cfg.Provider.
func NewStore(cfg *config.VectorConfig, opts ...Option) (Store, error) {
	switch cfg.Provider {
	case config.VectorProviderQdrant:
		return NewQdrantStore(cfg)
	case config.VectorProviderChromem:
		return NewChromemStore(cfg, opts...)
	case config.VectorProviderPinecone:
		return NewPineconeStore(cfg)
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Provider)
	}
}

// CollectionFor maps a dataset to its collection name.
func CollectionFor(cfg *config.VectorConfig, dataset retrieval.SourceType) string {
	return cfg.CollectionPrefix + "-" + string(dataset)
}
