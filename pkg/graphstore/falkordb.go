package graphstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// FalkorStore reads the graph over the redis protocol. It serves the
// traversal surface and the Cypher-expressible analytics; the algorithm
// operations need an engine the server does not ship and answer with
// retrieval.ErrUnsupported.
type FalkorStore struct {
	client  redis.UniversalClient
	graph   string
	timeout time.Duration
}

func NewFalkorStore(cfg *config.GraphConfig) *FalkorStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
	})
	return &FalkorStore{
		client:  client,
		graph:   cfg.GraphName,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (s *FalkorStore) Name() string { return "falkordb" }

func (s *FalkorStore) Close(context.Context) error {
	return s.client.Close()
}

func (s *FalkorStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// falkorReply is the row block of a GRAPH.RO_QUERY response. The server
// replies with either [header, rows, stats] or [rows, stats].
type falkorReply struct {
	header []string
	rows   [][]any
}

func (s *FalkorStore) query(ctx context.Context, q string, params map[string]any) (falkorReply, error) {
	full := q
	if len(params) > 0 {
		full = encodeCypherParams(params) + " " + q
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Do(ctx, "GRAPH.RO_QUERY", s.graph, full).Result()
	if err != nil {
		return falkorReply{}, err
	}
	return parseFalkorReply(res)
}

func parseFalkorReply(res any) (falkorReply, error) {
	reply := falkorReply{}
	blocks, ok := res.([]any)
	if !ok {
		return reply, fmt.Errorf("unexpected graph response type %T", res)
	}

	var rawRows any
	switch len(blocks) {
	case 3:
		if header, ok := blocks[0].([]any); ok {
			reply.header = make([]string, len(header))
			for i, h := range header {
				reply.header[i] = asString(h)
			}
		}
		rawRows = blocks[1]
	case 2:
		rawRows = blocks[0]
	default:
		return reply, fmt.Errorf("unexpected graph response length %d", len(blocks))
	}

	rows, ok := rawRows.([]any)
	if !ok {
		return reply, nil
	}
	reply.rows = make([][]any, 0, len(rows))
	for _, row := range rows {
		if cells, ok := row.([]any); ok {
			reply.rows = append(reply.rows, cells)
		}
	}
	return reply, nil
}

// encodeCypherParams renders the parameter header the server expects in
// front of the query text. Keys are sorted so the rendered query is stable.
func encodeCypherParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("CYPHER")
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(encodeCypherValue(params[k]))
	}
	return b.String()
}

func encodeCypherValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return quoteCypherString(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []string:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = quoteCypherString(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = encodeCypherValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return quoteCypherString(fmt.Sprint(x))
	}
}

func quoteCypherString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func (s *FalkorStore) SeedsByName(ctx context.Context, names []string, scope visibility.QueryScope, limit int) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	params := scopeParams(scope)
	params["names"] = names
	params["limit"] = limit
	reply, err := s.query(ctx, seedsByNameQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("seeds by name: %w", err)
	}
	out := make([]Entity, 0, len(reply.rows))
	for _, row := range reply.rows {
		out = append(out, entityFromColumns(row))
	}
	return out, nil
}

// pathProjection serializes a path as two nested lists, since the redis
// protocol has no path value: node columns in walk order and one
// [type, layer, weight, from, to] tuple per relationship.
func pathProjection() string {
	return fmt.Sprintf(
		"[n IN nodes(p) | [%s]], [r IN relationships(p) | [type(r), coalesce(r.layer, 'verified'), coalesce(r.weight, 1.0), startNode(r).id, endNode(r).id]]",
		entityProjection("n"))
}

func (s *FalkorStore) Neighborhood(ctx context.Context, seedIDs []string, t Traversal) ([]Path, error) {
	if len(seedIDs) == 0 {
		return nil, nil
	}
	fetch := t.MaxPaths * 4
	if fetch <= 0 {
		fetch = 100
	}
	query := compactWhitespace(fmt.Sprintf(
		`MATCH (s:Entity) WHERE s.id IN $seeds
		 MATCH p = (s)-[%s]-(:Entity)
		 WHERE %s AND %s
		 RETURN %s
		 ORDER BY length(p) ASC LIMIT $fetch`,
		hopRange(t.Hops), pathLayerFilter("p", t.IncludeCandidates), pathNodeFilter("p"), pathProjection()))
	params := scopeParams(t.Scope)
	params["seeds"] = seedIDs
	params["fetch"] = fetch
	reply, err := s.query(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("neighborhood: %w", err)
	}
	paths := make([]Path, 0, len(reply.rows))
	for _, row := range reply.rows {
		if len(row) < 2 {
			continue
		}
		paths = append(paths, pathFromLists(row[0], row[1]))
	}
	sortPathsShortestFirst(paths)
	return capPaths(dedupePaths(paths), t.MaxPaths, t.MaxNodes), nil
}

func (s *FalkorStore) ShortestPath(ctx context.Context, fromID, toID string, t Traversal) (*Path, error) {
	query := compactWhitespace(fmt.Sprintf(
		`MATCH p = (a:Entity {id: $from})-[%s]-(b:Entity {id: $to})
		 WHERE %s AND %s
		 RETURN %s
		 ORDER BY length(p) ASC LIMIT 1`,
		hopRange(t.Hops), pathLayerFilter("p", t.IncludeCandidates), pathNodeFilter("p"), pathProjection()))
	params := scopeParams(t.Scope)
	params["from"] = fromID
	params["to"] = toID
	reply, err := s.query(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("shortest path: %w", err)
	}
	if len(reply.rows) == 0 || len(reply.rows[0]) < 2 {
		return nil, nil
	}
	p := pathFromLists(reply.rows[0][0], reply.rows[0][1])
	return &p, nil
}

func (s *FalkorStore) CoMentions(ctx context.Context, entityID string, scope visibility.QueryScope, limit int) ([]Edge, error) {
	params := scopeParams(scope)
	params["id"] = entityID
	params["limit"] = limit
	reply, err := s.query(ctx, coMentionsQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("co-mentions: %w", err)
	}
	out := make([]Edge, 0, len(reply.rows))
	for _, row := range reply.rows {
		if edge, ok := coMentionEdgeFromColumns(entityID, row); ok {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (s *FalkorStore) ChunksForEntities(ctx context.Context, entityIDs []string, scope visibility.QueryScope, limit int) ([]ScoredChunk, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	params := scopeParams(scope)
	params["ids"] = entityIDs
	params["limit"] = limit
	reply, err := s.query(ctx, chunksForEntitiesQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("chunks for entities: %w", err)
	}
	out := make([]ScoredChunk, 0, len(reply.rows))
	for _, row := range reply.rows {
		if sc, ok := scoredChunkFromColumns(row); ok {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *FalkorStore) CoMentionPairs(ctx context.Context, a, b EntityType, minShared, limit int) ([]PairStat, error) {
	params := map[string]any{"ta": string(a), "tb": string(b), "min": minShared, "limit": limit}
	reply, err := s.query(ctx, coMentionPairsQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("co-mention pairs: %w", err)
	}
	out := make([]PairStat, 0, len(reply.rows))
	for _, row := range reply.rows {
		if pair, ok := pairStatFromColumns(row); ok {
			out = append(out, pair)
		}
	}
	return out, nil
}

func (s *FalkorStore) ParticipationCounts(ctx context.Context, edge EdgeType, entity EntityType, min, limit int) ([]EntityStat, error) {
	if !ValidEdgeType(edge) {
		return nil, fmt.Errorf("participation counts: unknown edge type %q", edge)
	}
	params := map[string]any{"type": string(entity), "min": min, "limit": limit}
	reply, err := s.query(ctx, participationCountsQuery(edge), params)
	if err != nil {
		return nil, fmt.Errorf("participation counts: %w", err)
	}
	return entityStatsFromRows(reply.rows), nil
}

func (s *FalkorStore) DegreeHubs(ctx context.Context, entity EntityType, topN int) ([]EntityStat, error) {
	params := map[string]any{"type": string(entity), "limit": topN}
	reply, err := s.query(ctx, degreeHubsQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("degree hubs: %w", err)
	}
	return entityStatsFromRows(reply.rows), nil
}

func (s *FalkorStore) SharedDocuments(ctx context.Context, aID, bID string, limit int) ([]string, error) {
	reply, err := s.query(ctx, sharedDocumentsQuery(), map[string]any{"a": aID, "b": bID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("shared documents: %w", err)
	}
	out := make([]string, 0, len(reply.rows))
	for _, row := range reply.rows {
		if len(row) > 0 {
			out = append(out, asString(row[0]))
		}
	}
	return out, nil
}

func (s *FalkorStore) Components(context.Context, int, int) ([]Component, error) {
	return nil, unsupported("wcc")
}

func (s *FalkorStore) Eigenvector(context.Context, int) ([]EntityStat, error) {
	return nil, unsupported("eigenvector centrality")
}

func (s *FalkorStore) Betweenness(context.Context, int) ([]EntityStat, error) {
	return nil, unsupported("betweenness centrality")
}

func (s *FalkorStore) Communities(context.Context, int) ([]Component, error) {
	return nil, unsupported("leiden")
}

func (s *FalkorStore) SimilarPairs(context.Context, float64, int) ([]PairStat, error) {
	return nil, unsupported("node similarity")
}

func (s *FalkorStore) Triangles(context.Context, int, int) ([]EntityStat, error) {
	return nil, unsupported("triangle count")
}

func (s *FalkorStore) Bridges(context.Context, int) ([]PairStat, error) {
	return nil, unsupported("bridges")
}

func (s *FalkorStore) ArticulationPoints(context.Context, int) ([]EntityStat, error) {
	return nil, unsupported("articulation points")
}

func unsupported(op string) error {
	return fmt.Errorf("%s: falkordb: %w", op, retrieval.ErrUnsupported)
}

func entityStatsFromRows(rows [][]any) []EntityStat {
	out := make([]EntityStat, 0, len(rows))
	for _, row := range rows {
		if stat, ok := entityStatFromColumns(row); ok {
			out = append(out, stat)
		}
	}
	return out
}

func pathFromLists(nodesRaw, relsRaw any) Path {
	p := Path{}
	for _, n := range asSlice(nodesRaw) {
		p.Nodes = append(p.Nodes, entityFromColumns(asSlice(n)))
	}
	for _, r := range asSlice(relsRaw) {
		cols := asSlice(r)
		if len(cols) < 5 {
			continue
		}
		p.Edges = append(p.Edges, Edge{
			Type:   EdgeType(asString(cols[0])),
			Layer:  Layer(asString(cols[1])),
			Weight: asFloat(cols[2]),
			From:   asString(cols[3]),
			To:     asString(cols[4]),
		})
	}
	return p
}
