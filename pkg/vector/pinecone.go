package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/visibility"
)

// PineconeStore maps collections onto namespaces of one serverless index.
// Sparse values ride the same query, so the rrf/dbsf fusion selection does
// not apply here: Pinecone blends the two sides inside its dotproduct score.
type PineconeStore struct {
	client *pinecone.Client
	cfg    *config.VectorConfig
}

func NewPineconeStore(cfg *config.VectorConfig) (*PineconeStore, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone requires an api key")
	}
	if cfg.IndexHost == "" {
		return nil, fmt.Errorf("pinecone requires the index host")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone client: %w", err)
	}
	return &PineconeStore{client: client, cfg: cfg}, nil
}

func (s *PineconeStore) Name() string { return "pinecone" }

// EnsureCollection is a no-op: the index is provisioned out of band and
// namespaces materialize on first upsert.
func (s *PineconeStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	return nil
}

func (s *PineconeStore) Upsert(ctx context.Context, collection string, points []Point) error {
	conn, err := s.connect(collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	vectors := make([]*pinecone.Vector, 0, len(points))
	for _, p := range points {
		meta, err := structpb.NewStruct(payload(p.Chunk))
		if err != nil {
			return fmt.Errorf("metadata for chunk %s: %w", p.Chunk.ID, err)
		}
		v := &pinecone.Vector{
			Id:       p.Chunk.ID,
			Values:   p.Dense,
			Metadata: meta,
		}
		if s.cfg.EnableSparse && p.Sparse != nil {
			v.SparseValues = &pinecone.SparseValues{
				Indices: p.Sparse.Indices,
				Values:  p.Sparse.Values,
			}
		}
		vectors = append(vectors, v)
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("upsert %d vectors into namespace %q: %w", len(points), collection, err)
	}
	return nil
}

func (s *PineconeStore) Query(ctx context.Context, req Request) ([]Match, error) {
	conn, err := s.connect(req.Collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	filter, err := structpb.NewStruct(pineconeScopeFilter(req.Scope, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("scope filter: %w", err)
	}

	query := &pinecone.QueryByVectorValuesRequest{
		Vector:          req.Dense,
		TopK:            uint32(req.TopK),
		MetadataFilter:  filter,
		IncludeMetadata: true,
	}
	if s.cfg.EnableSparse && req.Sparse != nil {
		query.SparseValues = &pinecone.SparseValues{
			Indices: req.Sparse.Indices,
			Values:  req.Sparse.Values,
		}
	}

	resp, err := conn.QueryByVectorValues(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query namespace %q: %w", req.Collection, err)
	}

	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m.Vector == nil || m.Vector.Metadata == nil {
			continue
		}
		matches = append(matches, Match{
			Chunk: chunkFromPayload(m.Vector.Metadata.AsMap()),
			Score: float64(m.Score),
		})
	}
	return matches, nil
}

func (s *PineconeStore) Close() error {
	return nil
}

func (s *PineconeStore) connect(namespace string) (*pinecone.IndexConnection, error) {
	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      s.cfg.IndexHost,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to index %s namespace %q: %w", s.cfg.IndexHost, namespace, err)
	}
	return conn, nil
}

// pineconeScopeFilter compiles the query scope into Pinecone's metadata
// filter dialect, admitting exactly what visibility.QueryScope.Admits would.
func pineconeScopeFilter(s visibility.QueryScope, now time.Time) map[string]any {
	eq := func(key string, value any) map[string]any {
		return map[string]any{key: map[string]any{"$eq": value}}
	}

	scopes := []any{
		map[string]any{"$and": []any{
			eq(keyScope, string(visibility.ScopePrivate)),
			eq(keyTenantID, s.TenantID),
		}},
	}
	if s.AllowGlobal {
		scopes = append(scopes, eq(keyScope, string(visibility.ScopeGlobal)))
	}
	if s.AllowGroup && len(s.GroupIDs) > 0 {
		groups := make([]any, len(s.GroupIDs))
		for i, g := range s.GroupIDs {
			groups[i] = g
		}
		scopes = append(scopes, map[string]any{"$and": []any{
			eq(keyScope, string(visibility.ScopeGroup)),
			eq(keyShared, true),
			map[string]any{keyGroupIDs: map[string]any{"$in": groups}},
		}})
	}
	if s.AllowLocal && s.CaseID != "" {
		scopes = append(scopes, map[string]any{"$and": []any{
			eq(keyScope, string(visibility.ScopeLocal)),
			eq(keyTenantID, s.TenantID),
			eq(keyCaseID, s.CaseID),
		}})
	}

	return map[string]any{"$and": []any{
		eq(keySigilo, false),
		map[string]any{"$or": []any{
			map[string]any{keyExpireAt: map[string]any{"$exists": false}},
			map[string]any{keyExpireAt: map[string]any{"$gt": now.Unix()}},
		}},
		map[string]any{"$or": scopes},
	}}
}
