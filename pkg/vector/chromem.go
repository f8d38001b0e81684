package vector

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/visibility"
)

// chromemOverfetch widens the raw query so enough candidates survive the
// client-side scope filter.
const chromemOverfetch = 4

// ChromemStore keeps vectors in-process with optional file persistence.
// chromem's where filter is equality-only, so only the sigilo exclusion runs
// in-store; the rest of the scope check runs on the returned page via the
// reference predicate, optionally tightened by a document visibility hook.
type ChromemStore struct {
	db       *chromem.DB
	resolver visibility.Resolver

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemStore(cfg *config.VectorConfig, opts ...Option) (*ChromemStore, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var db *chromem.DB
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, true)
		if err != nil {
			return nil, fmt.Errorf("open chromem db at %s: %w", cfg.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		db:          db,
		resolver:    o.resolver,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *ChromemStore) Name() string { return "chromem" }

func (s *ChromemStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	_, err := s.getCollection(collection)
	return err
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, chromem.Document{
			ID:        p.Chunk.ID,
			Content:   p.Chunk.Text,
			Metadata:  stringMeta(p.Chunk),
			Embedding: p.Dense,
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert %d documents into %q: %w", len(points), collection, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, req Request) ([]Match, error) {
	col, err := s.getCollection(req.Collection)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	fetch := req.TopK * chromemOverfetch
	if fetch > count {
		fetch = count
	}

	// sigilo is a plain equality, the one filter shape chromem understands.
	where := map[string]string{keySigilo: "false"}
	results, err := col.QueryEmbedding(ctx, req.Dense, fetch, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", req.Collection, err)
	}

	var visible visibility.DocIDPredicate
	if s.resolver != nil {
		visible, err = s.resolver.VisibleDocIDs(req.Scope.TenantID, req.Scope)
		if err != nil {
			return nil, fmt.Errorf("resolve visible documents for tenant %s: %w", req.Scope.TenantID, err)
		}
	}

	now := time.Now()
	matches := make([]Match, 0, req.TopK)
	for _, r := range results {
		chunk := chunkFromStringMeta(r.Metadata)
		if visible != nil && !visible(chunk.DocumentID) {
			continue
		}
		if !req.Scope.AdmitsAt(chunk.Visibility, now) {
			continue
		}
		matches = append(matches, Match{Chunk: chunk, Score: float64(r.Similarity)})
		if len(matches) == req.TopK {
			break
		}
	}
	return matches, nil
}

func (s *ChromemStore) Close() error {
	// Persistent DBs write through on every mutation; nothing to flush.
	return nil
}

func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// rejectEmbedding guards against text-path queries: every vector reaching
// this store is precomputed by the embedder layer.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("chromem store requires precomputed embeddings")
}
