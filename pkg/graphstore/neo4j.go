package graphstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// scanProjection is the in-memory GDS graph the analytics operations stream
// from. Undirected orientation serves every algorithm in the suite.
const scanProjection = "relator_scan"

// Neo4jStore reads the graph over Bolt. Analytics run through the Graph Data
// Science library; servers without GDS answer those operations with
// retrieval.ErrUnsupported.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration

	projMu    sync.Mutex
	projected bool
}

func NewNeo4jStore(cfg *config.GraphConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver for %s: %w", cfg.URI, err)
	}
	return &Neo4jStore{
		driver:   driver,
		database: cfg.Database,
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, nil
}

func (s *Neo4jStore) Name() string { return "neo4j" }

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Neo4jStore) read(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return neo4j.ExecuteQuery(ctx, s.driver, query, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database),
		neo4j.ExecuteQueryWithReadersRouting())
}

func (s *Neo4jStore) SeedsByName(ctx context.Context, names []string, scope visibility.QueryScope, limit int) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	params := scopeParams(scope)
	params["names"] = names
	params["limit"] = limit
	res, err := s.read(ctx, seedsByNameQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("seeds by name: %w", err)
	}
	out := make([]Entity, 0, len(res.Records))
	for _, rec := range res.Records {
		out = append(out, entityFromColumns(rec.Values))
	}
	return out, nil
}

func (s *Neo4jStore) Neighborhood(ctx context.Context, seedIDs []string, t Traversal) ([]Path, error) {
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
		 RETURN p ORDER BY length(p) ASC LIMIT $fetch`,
		hopRange(t.Hops), pathLayerFilter("p", t.IncludeCandidates), pathNodeFilter("p")))
	params := scopeParams(t.Scope)
	params["seeds"] = seedIDs
	params["fetch"] = fetch
	res, err := s.read(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("neighborhood: %w", err)
	}
	paths := make([]Path, 0, len(res.Records))
	for _, rec := range res.Records {
		raw, ok := rec.Get("p")
		if !ok {
			continue
		}
		dbp, ok := raw.(dbtype.Path)
		if !ok {
			continue
		}
		paths = append(paths, pathFromNeo4j(dbp))
	}
	sortPathsShortestFirst(paths)
	return capPaths(dedupePaths(paths), t.MaxPaths, t.MaxNodes), nil
}

func (s *Neo4jStore) ShortestPath(ctx context.Context, fromID, toID string, t Traversal) (*Path, error) {
	query := compactWhitespace(fmt.Sprintf(
		`MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
		 MATCH p = shortestPath((a)-[%s]-(b))
		 WHERE %s AND %s
		 RETURN p LIMIT 1`,
		hopRange(t.Hops), pathLayerFilter("p", t.IncludeCandidates), pathNodeFilter("p")))
	params := scopeParams(t.Scope)
	params["from"] = fromID
	params["to"] = toID
	res, err := s.read(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("shortest path: %w", err)
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	raw, ok := res.Records[0].Get("p")
	if !ok {
		return nil, nil
	}
	dbp, ok := raw.(dbtype.Path)
	if !ok {
		return nil, nil
	}
	p := pathFromNeo4j(dbp)
	return &p, nil
}

func (s *Neo4jStore) CoMentions(ctx context.Context, entityID string, scope visibility.QueryScope, limit int) ([]Edge, error) {
	params := scopeParams(scope)
	params["id"] = entityID
	params["limit"] = limit
	res, err := s.read(ctx, coMentionsQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("co-mentions: %w", err)
	}
	out := make([]Edge, 0, len(res.Records))
	for _, rec := range res.Records {
		if edge, ok := coMentionEdgeFromColumns(entityID, rec.Values); ok {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (s *Neo4jStore) ChunksForEntities(ctx context.Context, entityIDs []string, scope visibility.QueryScope, limit int) ([]ScoredChunk, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	params := scopeParams(scope)
	params["ids"] = entityIDs
	params["limit"] = limit
	res, err := s.read(ctx, chunksForEntitiesQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("chunks for entities: %w", err)
	}
	out := make([]ScoredChunk, 0, len(res.Records))
	for _, rec := range res.Records {
		if sc, ok := scoredChunkFromColumns(rec.Values); ok {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *Neo4jStore) CoMentionPairs(ctx context.Context, a, b EntityType, minShared, limit int) ([]PairStat, error) {
	params := map[string]any{"ta": string(a), "tb": string(b), "min": minShared, "limit": limit}
	res, err := s.read(ctx, coMentionPairsQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("co-mention pairs: %w", err)
	}
	out := make([]PairStat, 0, len(res.Records))
	for _, rec := range res.Records {
		if pair, ok := pairStatFromColumns(rec.Values); ok {
			out = append(out, pair)
		}
	}
	return out, nil
}

func (s *Neo4jStore) ParticipationCounts(ctx context.Context, edge EdgeType, entity EntityType, min, limit int) ([]EntityStat, error) {
	if !ValidEdgeType(edge) {
		return nil, fmt.Errorf("participation counts: unknown edge type %q", edge)
	}
	params := map[string]any{"type": string(entity), "min": min, "limit": limit}
	res, err := s.read(ctx, participationCountsQuery(edge), params)
	if err != nil {
		return nil, fmt.Errorf("participation counts: %w", err)
	}
	return entityStatsFromRecords(res.Records)
}

func (s *Neo4jStore) DegreeHubs(ctx context.Context, entity EntityType, topN int) ([]EntityStat, error) {
	params := map[string]any{"type": string(entity), "limit": topN}
	res, err := s.read(ctx, degreeHubsQuery(), params)
	if err != nil {
		return nil, fmt.Errorf("degree hubs: %w", err)
	}
	return entityStatsFromRecords(res.Records)
}

func (s *Neo4jStore) Components(ctx context.Context, maxSize, limit int) ([]Component, error) {
	if err := s.ensureProjection(ctx); err != nil {
		return nil, err
	}
	query := compactWhitespace(fmt.Sprintf(
		`CALL gds.wcc.stream($g) YIELD nodeId, componentId
		 WITH componentId, collect(gds.util.asNode(nodeId)) AS ns
		 WHERE size(ns) <= $max
		 RETURN componentId, [n IN ns | [%s]] AS members
		 ORDER BY size(ns) ASC, componentId ASC LIMIT $limit`,
		entityProjection("n")))
	res, err := s.read(ctx, query, map[string]any{"g": scanProjection, "max": maxSize, "limit": limit})
	if err != nil {
		return nil, algoErr("wcc", err)
	}
	return componentsFromRecords(res.Records)
}

func (s *Neo4jStore) Eigenvector(ctx context.Context, topN int) ([]EntityStat, error) {
	return s.centrality(ctx, "gds.eigenvector.stream", topN)
}

func (s *Neo4jStore) Betweenness(ctx context.Context, topN int) ([]EntityStat, error) {
	return s.centrality(ctx, "gds.betweenness.stream", topN)
}

func (s *Neo4jStore) centrality(ctx context.Context, proc string, topN int) ([]EntityStat, error) {
	if err := s.ensureProjection(ctx); err != nil {
		return nil, err
	}
	query := compactWhitespace(fmt.Sprintf(
		`CALL %s($g) YIELD nodeId, score
		 WITH gds.util.asNode(nodeId) AS e, score
		 ORDER BY score DESC LIMIT $limit
		 RETURN %s, score`,
		proc, entityProjection("e")))
	res, err := s.read(ctx, query, map[string]any{"g": scanProjection, "limit": topN})
	if err != nil {
		return nil, algoErr(proc, err)
	}
	return entityStatsFromRecords(res.Records)
}

func (s *Neo4jStore) Communities(ctx context.Context, limit int) ([]Component, error) {
	if err := s.ensureProjection(ctx); err != nil {
		return nil, err
	}
	query := compactWhitespace(fmt.Sprintf(
		`CALL gds.leiden.stream($g) YIELD nodeId, communityId
		 WITH communityId, collect(gds.util.asNode(nodeId)) AS ns
		 RETURN communityId, [n IN ns | [%s]] AS members
		 ORDER BY size(ns) DESC, communityId ASC LIMIT $limit`,
		entityProjection("n")))
	res, err := s.read(ctx, query, map[string]any{"g": scanProjection, "limit": limit})
	if err != nil {
		return nil, algoErr("leiden", err)
	}
	return componentsFromRecords(res.Records)
}

func (s *Neo4jStore) SimilarPairs(ctx context.Context, threshold float64, limit int) ([]PairStat, error) {
	if err := s.ensureProjection(ctx); err != nil {
		return nil, err
	}
	query := compactWhitespace(fmt.Sprintf(
		`CALL gds.nodeSimilarity.stream($g) YIELD node1, node2, similarity
		 WHERE similarity >= $threshold
		 WITH gds.util.asNode(node1) AS a, gds.util.asNode(node2) AS b, similarity
		 WHERE a.id < b.id
		 RETURN %s, %s, similarity
		 ORDER BY similarity DESC, a.id ASC LIMIT $limit`,
		entityProjection("a"), entityProjection("b")))
	res, err := s.read(ctx, query, map[string]any{"g": scanProjection, "threshold": threshold, "limit": limit})
	if err != nil {
		return nil, algoErr("node similarity", err)
	}
	out := make([]PairStat, 0, len(res.Records))
	for _, rec := range res.Records {
		if pair, ok := pairStatFromColumns(rec.Values); ok {
			out = append(out, pair)
		}
	}
	return out, nil
}

func (s *Neo4jStore) Triangles(ctx context.Context, minCount, limit int) ([]EntityStat, error) {
	if err := s.ensureProjection(ctx); err != nil {
		return nil, err
	}
	query := compactWhitespace(fmt.Sprintf(
		`CALL gds.triangleCount.stream($g) YIELD nodeId, triangleCount
		 WHERE triangleCount >= $min
		 WITH gds.util.asNode(nodeId) AS e, triangleCount
		 ORDER BY triangleCount DESC LIMIT $limit
		 RETURN %s, triangleCount`,
		entityProjection("e")))
	res, err := s.read(ctx, query, map[string]any{"g": scanProjection, "min": minCount, "limit": limit})
	if err != nil {
		return nil, algoErr("triangle count", err)
	}
	return entityStatsFromRecords(res.Records)
}

func (s *Neo4jStore) Bridges(ctx context.Context, limit int) ([]PairStat, error) {
	if err := s.ensureProjection(ctx); err != nil {
		return nil, err
	}
	query := compactWhitespace(fmt.Sprintf(
		`CALL gds.bridges.stream($g) YIELD from, to
		 WITH gds.util.asNode(from) AS a, gds.util.asNode(to) AS b
		 RETURN %s, %s LIMIT $limit`,
		entityProjection("a"), entityProjection("b")))
	res, err := s.read(ctx, query, map[string]any{"g": scanProjection, "limit": limit})
	if err != nil {
		return nil, algoErr("bridges", err)
	}
	out := make([]PairStat, 0, len(res.Records))
	for _, rec := range res.Records {
		v := rec.Values
		if len(v) < 14 {
			continue
		}
		out = append(out, orderPair(entityFromColumns(v[:7]), entityFromColumns(v[7:14]), 1))
	}
	return out, nil
}

func (s *Neo4jStore) ArticulationPoints(ctx context.Context, limit int) ([]EntityStat, error) {
	if err := s.ensureProjection(ctx); err != nil {
		return nil, err
	}
	query := compactWhitespace(fmt.Sprintf(
		`CALL gds.articulationPoints.stream($g) YIELD nodeId
		 WITH gds.util.asNode(nodeId) AS e
		 RETURN %s, 1.0 LIMIT $limit`,
		entityProjection("e")))
	res, err := s.read(ctx, query, map[string]any{"g": scanProjection, "limit": limit})
	if err != nil {
		return nil, algoErr("articulation points", err)
	}
	return entityStatsFromRecords(res.Records)
}

func (s *Neo4jStore) SharedDocuments(ctx context.Context, aID, bID string, limit int) ([]string, error) {
	res, err := s.read(ctx, sharedDocumentsQuery(), map[string]any{"a": aID, "b": bID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("shared documents: %w", err)
	}
	out := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		if len(rec.Values) > 0 {
			out = append(out, asString(rec.Values[0]))
		}
	}
	return out, nil
}

// ensureProjection materializes the undirected GDS projection once per
// process. The projection reflects the graph at first use; scan workflows
// that need a fresh view restart the process or drop the projection
// server-side.
func (s *Neo4jStore) ensureProjection(ctx context.Context) error {
	s.projMu.Lock()
	defer s.projMu.Unlock()
	if s.projected {
		return nil
	}
	res, err := s.read(ctx, "CALL gds.graph.exists($g) YIELD exists RETURN exists", map[string]any{"g": scanProjection})
	if err != nil {
		return algoErr("gds projection", err)
	}
	exists := len(res.Records) > 0 && asBool(res.Records[0].Values[0])
	if !exists {
		_, err = s.read(ctx,
			"CALL gds.graph.project($g, 'Entity', {ALL: {type: '*', orientation: 'UNDIRECTED'}})",
			map[string]any{"g": scanProjection})
		if err != nil {
			return algoErr("gds projection", err)
		}
	}
	s.projected = true
	return nil
}

func entityStatsFromRecords(records []*neo4j.Record) ([]EntityStat, error) {
	out := make([]EntityStat, 0, len(records))
	for _, rec := range records {
		if stat, ok := entityStatFromColumns(rec.Values); ok {
			out = append(out, stat)
		}
	}
	return out, nil
}

func componentsFromRecords(records []*neo4j.Record) ([]Component, error) {
	out := make([]Component, 0, len(records))
	for _, rec := range records {
		v := rec.Values
		if len(v) < 2 {
			continue
		}
		comp := Component{ID: asInt(v[0])}
		members, _ := v[1].([]any)
		for _, m := range members {
			cols, _ := m.([]any)
			if len(cols) >= 7 {
				comp.Members = append(comp.Members, entityFromColumns(cols))
			}
		}
		out = append(out, comp)
	}
	return out, nil
}

// pathFromNeo4j walks the Bolt path from its start node, resolving the
// direction of each relationship against the current position.
func pathFromNeo4j(p dbtype.Path) Path {
	if len(p.Nodes) == 0 {
		return Path{}
	}
	byElem := make(map[string]Entity, len(p.Nodes))
	idByElem := make(map[string]string, len(p.Nodes))
	for _, n := range p.Nodes {
		e := entityFromNode(n)
		byElem[n.ElementId] = e
		idByElem[n.ElementId] = e.ID
	}
	out := Path{Nodes: []Entity{byElem[p.Nodes[0].ElementId]}}
	cur := p.Nodes[0].ElementId
	for _, r := range p.Relationships {
		next := r.EndElementId
		if next == cur {
			next = r.StartElementId
		}
		out.Edges = append(out.Edges, Edge{
			From:   idByElem[r.StartElementId],
			To:     idByElem[r.EndElementId],
			Type:   EdgeType(r.Type),
			Layer:  layerFromProps(r.Props),
			Weight: weightFromProps(r.Props),
		})
		out.Nodes = append(out.Nodes, byElem[next])
		cur = next
	}
	return out
}

func entityFromNode(n dbtype.Node) Entity {
	return Entity{
		ID:       propString(n.Props, "id"),
		Type:     EntityType(propString(n.Props, "type")),
		Name:     propString(n.Props, "name"),
		Norm:     propString(n.Props, "norm"),
		TenantID: propString(n.Props, "tenant_id"),
		Scope:    visibility.Scope(propStringOr(n.Props, "scope", string(visibility.ScopeGlobal))),
		CaseID:   propString(n.Props, "case_id"),
	}
}

func layerFromProps(props map[string]any) Layer {
	if l := propString(props, "layer"); l != "" {
		return Layer(l)
	}
	return LayerVerified
}

func weightFromProps(props map[string]any) float64 {
	if w, ok := props["weight"]; ok {
		return asFloat(w)
	}
	return 1
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func propStringOr(props map[string]any, key, fallback string) string {
	if s := propString(props, key); s != "" {
		return s
	}
	return fallback
}

// algoErr maps a missing-procedure failure to ErrUnsupported so the scan
// runner can skip detectors the server cannot serve.
func algoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no procedure") || strings.Contains(msg, "procedurenotfound") {
		return fmt.Errorf("%s: %w", op, retrieval.ErrUnsupported)
	}
	return fmt.Errorf("%s: %w", op, err)
}
