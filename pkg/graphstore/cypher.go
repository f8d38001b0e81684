package graphstore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// nodeFilter compiles the scope frame into a Cypher predicate over one node
// alias. The predicate must agree with visibility.QueryScope.AdmitsAt; the
// reference tests hold both against the same cases.
func nodeFilter(alias string) string {
	return fmt.Sprintf(`NOT coalesce(%[1]s.sigilo, false)
AND (coalesce(%[1]s.expires_at, 0) = 0 OR %[1]s.expires_at > $now)
AND (
  (%[1]s.scope = 'global' AND $allow_global)
  OR (%[1]s.scope = 'private' AND %[1]s.tenant_id = $tenant)
  OR (%[1]s.scope = 'group' AND $allow_group AND coalesce(%[1]s.shared, false)
      AND any(g IN coalesce(%[1]s.group_ids, []) WHERE g IN $groups))
  OR (%[1]s.scope = 'local' AND $allow_local AND $case_id <> ''
      AND %[1]s.tenant_id = $tenant AND %[1]s.case_id = $case_id)
)`, alias)
}

// pathNodeFilter applies nodeFilter to every node on a path variable.
func pathNodeFilter(pathAlias string) string {
	return fmt.Sprintf("all(pn IN nodes(%s) WHERE %s)", pathAlias, nodeFilter("pn"))
}

// pathLayerFilter keeps candidate edges off the path unless the traversal
// opted in. Edges without a layer property count as verified.
func pathLayerFilter(pathAlias string, includeCandidates bool) string {
	if includeCandidates {
		return "true"
	}
	return fmt.Sprintf("all(pr IN relationships(%s) WHERE coalesce(pr.layer, 'verified') = 'verified')", pathAlias)
}

// scopeParams renders the scope frame as query parameters for nodeFilter.
func scopeParams(scope visibility.QueryScope) map[string]any {
	groups := scope.GroupIDs
	if groups == nil {
		groups = []string{}
	}
	return map[string]any{
		"tenant":       scope.TenantID,
		"case_id":      scope.CaseID,
		"groups":       groups,
		"allow_global": scope.AllowGlobal,
		"allow_group":  scope.AllowGroup,
		"allow_local":  scope.AllowLocal,
		"now":          time.Now().Unix(),
	}
}

// hopRange renders the variable-length bound for a pattern. Cypher does not
// parameterize pattern bounds, so the integer is inlined; it comes from
// validated config, never from user input.
func hopRange(hops int) string {
	if hops < 1 {
		hops = 1
	}
	return fmt.Sprintf("*1..%d", hops)
}

// entityProjection lists the node properties every backend returns for an
// entity, in the fixed column order entityFromColumns expects.
func entityProjection(alias string) string {
	return fmt.Sprintf(
		"%[1]s.id, %[1]s.type, %[1]s.name, coalesce(%[1]s.norm, ''), coalesce(%[1]s.tenant_id, ''), coalesce(%[1]s.scope, 'global'), coalesce(%[1]s.case_id, '')",
		alias,
	)
}

// entityFromColumns rebuilds an Entity from the entityProjection column
// order.
func entityFromColumns(cols []any) Entity {
	e := Entity{}
	get := func(i int) string {
		if i < len(cols) {
			if s, ok := cols[i].(string); ok {
				return s
			}
			if cols[i] != nil {
				return fmt.Sprint(cols[i])
			}
		}
		return ""
	}
	e.ID = get(0)
	e.Type = EntityType(get(1))
	e.Name = get(2)
	e.Norm = get(3)
	e.TenantID = get(4)
	e.Scope = visibility.Scope(get(5))
	e.CaseID = get(6)
	return e
}

// orderPair normalizes a pair so A.ID < B.ID, keeping dedupe deterministic
// across backends.
func orderPair(a, b Entity, value float64) PairStat {
	if a.ID > b.ID {
		a, b = b, a
	}
	return PairStat{A: a, B: b, Value: value}
}

// capPaths enforces the traversal bounds client-side: paths are kept in
// order until either the path cap or the distinct-node cap is hit.
func capPaths(paths []Path, maxPaths, maxNodes int) []Path {
	if maxPaths <= 0 && maxNodes <= 0 {
		return paths
	}
	seen := make(map[string]struct{})
	out := make([]Path, 0, len(paths))
	for _, p := range paths {
		if maxPaths > 0 && len(out) >= maxPaths {
			break
		}
		fresh := 0
		for _, n := range p.Nodes {
			if _, ok := seen[n.ID]; !ok {
				fresh++
			}
		}
		if maxNodes > 0 && len(seen)+fresh > maxNodes && len(out) > 0 {
			break
		}
		for _, n := range p.Nodes {
			seen[n.ID] = struct{}{}
		}
		out = append(out, p)
	}
	return out
}

// dedupePaths drops paths whose node sequence was already kept.
func dedupePaths(paths []Path) []Path {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		uid := p.UID()
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, p)
	}
	return out
}

// sortPathsShortestFirst orders paths by length, then by UID for
// deterministic output.
func sortPathsShortestFirst(paths []Path) {
	sort.SliceStable(paths, func(i, j int) bool {
		if len(paths[i].Nodes) != len(paths[j].Nodes) {
			return len(paths[i].Nodes) < len(paths[j].Nodes)
		}
		return paths[i].UID() < paths[j].UID()
	})
}

// compactWhitespace collapses the multi-line filter fragments into single
// lines so logged queries stay readable.
func compactWhitespace(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// The queries below are portable across both backends; anything that needs
// backend-specific syntax (path values, GDS procedures) lives with its
// backend.

func seedsByNameQuery() string {
	return compactWhitespace(fmt.Sprintf(
		"MATCH (e:Entity) WHERE e.norm IN $names AND %s RETURN %s ORDER BY e.id LIMIT $limit",
		nodeFilter("e"), entityProjection("e")))
}

func coMentionsQuery() string {
	return compactWhitespace(fmt.Sprintf(
		`MATCH (a:Entity {id: $id})-[r:CO_MENTIONS]-(b:Entity)
		 WHERE %s
		 RETURN b.id, coalesce(r.layer, 'verified'), coalesce(r.weight, 1.0),
		        coalesce(r.samples, []), coalesce(r.doc_ids, [])
		 ORDER BY coalesce(r.weight, 1.0) DESC, b.id ASC LIMIT $limit`,
		nodeFilter("b")))
}

func chunksForEntitiesQuery() string {
	return compactWhitespace(fmt.Sprintf(
		`MATCH (c:Chunk)-[m:MENTIONS]->(e:Entity)
		 WHERE e.id IN $ids AND %s
		 WITH c, sum(coalesce(m.weight, 1.0)) AS score
		 RETURN c.id, c.document_id, coalesce(c.dataset, ''), coalesce(c.ordinal, 0), c.text,
		        coalesce(c.title, ''), coalesce(c.citation, ''),
		        coalesce(c.tenant_id, ''), coalesce(c.scope, 'global'), coalesce(c.case_id, ''),
		        coalesce(c.group_ids, []), coalesce(c.shared, false), score
		 ORDER BY score DESC, c.id ASC LIMIT $limit`,
		nodeFilter("c")))
}

func coMentionPairsQuery() string {
	return compactWhitespace(fmt.Sprintf(
		`MATCH (a:Entity)-[r:CO_MENTIONS]-(b:Entity)
		 WHERE ($ta = '' OR a.type = $ta) AND ($tb = '' OR b.type = $tb)
		   AND coalesce(r.weight, 1.0) >= $min AND a.id < b.id
		 RETURN %s, %s, coalesce(r.weight, 1.0)
		 ORDER BY coalesce(r.weight, 1.0) DESC, a.id ASC LIMIT $limit`,
		entityProjection("a"), entityProjection("b")))
}

func participationCountsQuery(edge EdgeType) string {
	// The relationship type cannot be a parameter; it is inlined from the
	// closed set the caller validates.
	return compactWhitespace(fmt.Sprintf(
		`MATCH (e:Entity)-[:%s]->(x)
		 WHERE $type = '' OR e.type = $type
		 WITH e, count(DISTINCT x) AS n
		 WHERE n >= $min
		 RETURN %s, n ORDER BY n DESC, e.id ASC LIMIT $limit`,
		edge, entityProjection("e")))
}

func degreeHubsQuery() string {
	return compactWhitespace(fmt.Sprintf(
		`MATCH (e:Entity)-[r]-()
		 WHERE $type = '' OR e.type = $type
		 WITH e, count(r) AS deg
		 RETURN %s, deg ORDER BY deg DESC, e.id ASC LIMIT $limit`,
		entityProjection("e")))
}

func sharedDocumentsQuery() string {
	return compactWhitespace(
		`MATCH (d:Document)-[:HAS_CHUNK]->(:Chunk)-[:MENTIONS]->(:Entity {id: $a})
		 MATCH (d)-[:HAS_CHUNK]->(:Chunk)-[:MENTIONS]->(:Entity {id: $b})
		 RETURN DISTINCT d.id ORDER BY d.id ASC LIMIT $limit`)
}

// Row parsers shared by both backends; column order follows the queries
// above.

func coMentionEdgeFromColumns(entityID string, v []any) (Edge, bool) {
	if len(v) < 5 {
		return Edge{}, false
	}
	return Edge{
		From:    entityID,
		To:      asString(v[0]),
		Type:    EdgeCoMentions,
		Layer:   Layer(asString(v[1])),
		Weight:  asFloat(v[2]),
		Samples: asStrings(v[3]),
		DocIDs:  asStrings(v[4]),
	}, true
}

func scoredChunkFromColumns(v []any) (ScoredChunk, bool) {
	if len(v) < 13 {
		return ScoredChunk{}, false
	}
	return ScoredChunk{
		Chunk: retrieval.Chunk{
			ID:         asString(v[0]),
			DocumentID: asString(v[1]),
			Dataset:    retrieval.SourceType(asString(v[2])),
			Ordinal:    int(asInt(v[3])),
			Text:       asString(v[4]),
			Meta: retrieval.ChunkMeta{
				Title:    asString(v[5]),
				Citation: asString(v[6]),
			},
			Visibility: visibility.DocumentVisibility{
				TenantID: asString(v[7]),
				Scope:    visibility.Scope(asString(v[8])),
				CaseID:   asString(v[9]),
				GroupIDs: asStrings(v[10]),
				Shared:   asBool(v[11]),
			},
		},
		Score: asFloat(v[12]),
	}, true
}

func pairStatFromColumns(v []any) (PairStat, bool) {
	if len(v) < 15 {
		return PairStat{}, false
	}
	return orderPair(entityFromColumns(v[:7]), entityFromColumns(v[7:14]), asFloat(v[14])), true
}

func entityStatFromColumns(v []any) (EntityStat, bool) {
	if len(v) < 8 {
		return EntityStat{}, false
	}
	return EntityStat{Entity: entityFromColumns(v[:7]), Value: asFloat(v[7])}, true
}
