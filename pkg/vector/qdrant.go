package vector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/visibility"
)

// Named vectors inside each collection. Keeping the dense side named even
// without hybrid lets one collection schema serve both modes.
const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// QdrantStore talks to Qdrant over gRPC. Hybrid queries run two prefetch
// arms (dense and sparse) fused in-store by RRF or DBSF.
type QdrantStore struct {
	client *qdrant.Client
	cfg    *config.VectorConfig
}

func NewQdrantStore(cfg *config.VectorConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantStore{client: client, cfg: cfg}, nil
}

func (s *QdrantStore) Name() string { return "qdrant" }

func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", collection, err)
	}
	if exists {
		return nil
	}

	create := &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(dimension),
				Distance: s.distance(),
			},
		}),
	}
	if s.cfg.EnableSparse {
		create.SparseVectorsConfig = &qdrant.SparseVectorConfig{
			Map: map[string]*qdrant.SparseVectorParams{sparseVectorName: {}},
		}
	}
	if err := s.client.CreateCollection(ctx, create); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("create collection %q: %w", collection, err)
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		pl := make(map[string]*qdrant.Value)
		for key, value := range payload(p.Chunk) {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("payload value %q for chunk %s: %w", key, p.Chunk.ID, err)
			}
			pl[key] = val
		}

		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVectorDense(p.Dense),
		}
		if s.cfg.EnableSparse && p.Sparse != nil {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
		}

		structs = append(structs, &qdrant.PointStruct{
			// Qdrant point ids must be numeric or UUID; derive a stable UUID
			// from the chunk id and keep the real id in the payload.
			Id:      qdrant.NewID(pointUUID(p.Chunk.ID)),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: pl,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, req Request) ([]Match, error) {
	filter := qdrantScopeFilter(req.Scope, time.Now())

	query := &qdrant.QueryPoints{
		CollectionName: req.Collection,
		Limit:          qdrant.PtrOf(uint64(req.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if s.cfg.EnableSparse && req.Sparse != nil {
		// The filter rides on each prefetch arm: fusion only reorders what
		// the arms already admitted.
		prefetchLimit := qdrant.PtrOf(uint64(req.TopK * 2))
		query.Prefetch = []*qdrant.PrefetchQuery{
			{
				Query:  qdrant.NewQueryDense(req.Dense),
				Using:  qdrant.PtrOf(denseVectorName),
				Filter: filter,
				Limit:  prefetchLimit,
			},
			{
				Query:  qdrant.NewQuerySparse(req.Sparse.Indices, req.Sparse.Values),
				Using:  qdrant.PtrOf(sparseVectorName),
				Filter: filter,
				Limit:  prefetchLimit,
			},
		}
		query.Query = qdrant.NewQueryFusion(s.fusion())
	} else {
		query.Query = qdrant.NewQueryDense(req.Dense)
		query.Using = qdrant.PtrOf(denseVectorName)
		query.Filter = filter
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", req.Collection, err)
	}

	matches := make([]Match, 0, len(points))
	for _, point := range points {
		matches = append(matches, Match{
			Chunk: chunkFromPayload(payloadToMap(point.Payload)),
			Score: float64(point.Score),
		})
	}
	return matches, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) distance() qdrant.Distance {
	switch s.cfg.Distance {
	case "dot":
		return qdrant.Distance_Dot
	case "euclid":
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

func (s *QdrantStore) fusion() qdrant.Fusion {
	if s.cfg.HybridFusion == "dbsf" {
		return qdrant.Fusion_DBSF
	}
	return qdrant.Fusion_RRF
}

func pointUUID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// qdrantScopeFilter compiles the query scope into a filter that admits
// exactly the points visibility.QueryScope.Admits would.
func qdrantScopeFilter(s visibility.QueryScope, now time.Time) *qdrant.Filter {
	expiry := &qdrant.Filter{Should: []*qdrant.Condition{
		isEmptyCond(keyExpireAt),
		rangeGtCond(keyExpireAt, float64(now.Unix())),
	}}

	scopes := []*qdrant.Condition{
		filterCond(&qdrant.Filter{Must: []*qdrant.Condition{
			keywordCond(keyScope, string(visibility.ScopePrivate)),
			keywordCond(keyTenantID, s.TenantID),
		}}),
	}
	if s.AllowGlobal {
		scopes = append(scopes, keywordCond(keyScope, string(visibility.ScopeGlobal)))
	}
	if s.AllowGroup && len(s.GroupIDs) > 0 {
		scopes = append(scopes, filterCond(&qdrant.Filter{Must: []*qdrant.Condition{
			keywordCond(keyScope, string(visibility.ScopeGroup)),
			boolCond(keyShared, true),
			anyKeywordCond(keyGroupIDs, s.GroupIDs),
		}}))
	}
	if s.AllowLocal && s.CaseID != "" {
		scopes = append(scopes, filterCond(&qdrant.Filter{Must: []*qdrant.Condition{
			keywordCond(keyScope, string(visibility.ScopeLocal)),
			keywordCond(keyTenantID, s.TenantID),
			keywordCond(keyCaseID, s.CaseID),
		}}))
	}

	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			filterCond(expiry),
			filterCond(&qdrant.Filter{Should: scopes}),
		},
		MustNot: []*qdrant.Condition{boolCond(keySigilo, true)},
	}
}

func keywordCond(key, value string) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Field{Field: &qdrant.FieldCondition{
		Key:   key,
		Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
	}}}
}

func anyKeywordCond(key string, values []string) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Field{Field: &qdrant.FieldCondition{
		Key: key,
		Match: &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
			Keywords: &qdrant.RepeatedStrings{Strings: values},
		}},
	}}}
}

func boolCond(key string, value bool) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Field{Field: &qdrant.FieldCondition{
		Key:   key,
		Match: &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: value}},
	}}}
}

func rangeGtCond(key string, gt float64) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Field{Field: &qdrant.FieldCondition{
		Key:   key,
		Range: &qdrant.Range{Gt: &gt},
	}}}
}

func isEmptyCond(key string) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_IsEmpty{
		IsEmpty: &qdrant.IsEmptyCondition{Key: key},
	}}
}

func filterCond(f *qdrant.Filter) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Filter{Filter: f}}
}

// payloadToMap lowers gRPC payload values into plain Go values.
func payloadToMap(pl map[string]*qdrant.Value) map[string]any {
	m := make(map[string]any, len(pl))
	for key, value := range pl {
		m[key] = qdrantValue(value)
	}
	return m
}

func qdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	default:
		return nil
	}
}
