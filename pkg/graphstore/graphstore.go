// Package graphstore reads the legal knowledge graph: entities from a closed
// ontology, typed edges split into verified and candidate layers, and the
// chunks that mention them. The core never writes the graph; ingestion owns
// node and edge lifetime. Backends compile the query scope into the Cypher
// itself so an inadmissible node never leaves the server.
package graphstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// EntityType is the closed legal ontology for graph nodes.
type EntityType string

const (
	EntityStatuteArticle EntityType = "statute_article"
	EntitySumula         EntityType = "sumula"
	EntityCourt          EntityType = "court"
	EntityProcess        EntityType = "process"
	EntityOrganization   EntityType = "organization"
	EntityPerson         EntityType = "person"
	EntityCompany        EntityType = "company"
	EntityPrecedent      EntityType = "precedent"
	EntityClaim          EntityType = "claim"
	EntityEvidence       EntityType = "evidence"
)

// AllEntityTypes lists the ontology in deterministic order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityStatuteArticle,
		EntitySumula,
		EntityCourt,
		EntityProcess,
		EntityOrganization,
		EntityPerson,
		EntityCompany,
		EntityPrecedent,
		EntityClaim,
		EntityEvidence,
	}
}

// ValidEntityType reports whether t belongs to the ontology.
func ValidEntityType(t EntityType) bool {
	for _, known := range AllEntityTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// EdgeType is the closed relationship set. MENTIONS links a chunk to an
// entity and HAS_CHUNK links a document to a chunk; every other type links
// two entities.
type EdgeType string

const (
	EdgeCites          EdgeType = "CITES"
	EdgeRevokes        EdgeType = "REVOKES"
	EdgeAmends         EdgeType = "AMENDS"
	EdgeInterprets     EdgeType = "INTERPRETS"
	EdgeApplies        EdgeType = "APPLIES"
	EdgeRepresents     EdgeType = "REPRESENTS"
	EdgeParticipatesIn EdgeType = "PARTICIPATES_IN"
	EdgeCoMentions     EdgeType = "CO_MENTIONS"
	EdgeSupports       EdgeType = "SUPPORTS"
	EdgeContradicts    EdgeType = "CONTRADICTS"
	EdgeMentions       EdgeType = "MENTIONS"
	EdgeHasChunk       EdgeType = "HAS_CHUNK"
)

// AllEdgeTypes lists the relationship set in deterministic order.
func AllEdgeTypes() []EdgeType {
	return []EdgeType{
		EdgeCites,
		EdgeRevokes,
		EdgeAmends,
		EdgeInterprets,
		EdgeApplies,
		EdgeRepresents,
		EdgeParticipatesIn,
		EdgeCoMentions,
		EdgeSupports,
		EdgeContradicts,
		EdgeMentions,
		EdgeHasChunk,
	}
}

// ValidEdgeType reports whether t belongs to the closed set.
func ValidEdgeType(t EdgeType) bool {
	for _, known := range AllEdgeTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Layer separates edges asserted by ingestion (verified) from edges inferred
// statistically (candidate). Candidate edges join a traversal only when the
// request opts in.
type Layer string

const (
	LayerVerified  Layer = "verified"
	LayerCandidate Layer = "candidate"
)

// Entity is a graph node. Norm holds the lowercase, diacritic-folded name
// that seeds match against; visibility fields mirror the document stamp.
type Entity struct {
	ID       string           `json:"id"`
	Type     EntityType       `json:"type"`
	Name     string           `json:"name"`
	Norm     string           `json:"norm,omitempty"`
	TenantID string           `json:"tenant_id,omitempty"`
	Scope    visibility.Scope `json:"scope,omitempty"`
	CaseID   string           `json:"case_id,omitempty"`
}

// Edge is a typed relationship between two entities. Weight counts the
// supporting evidence for co-mention edges and defaults to 1 elsewhere;
// Samples carries short text previews and DocIDs a capped sample of the
// documents asserting the edge.
type Edge struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Type    EdgeType `json:"type"`
	Layer   Layer    `json:"layer"`
	Weight  float64  `json:"weight,omitempty"`
	Samples []string `json:"samples,omitempty"`
	DocIDs  []string `json:"doc_ids,omitempty"`
}

// Path is one walk through the graph: n nodes joined by n-1 edges, in order.
type Path struct {
	Nodes []Entity `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// UID is the stable identity of the path, derived from its ordered node ids.
func (p Path) UID() string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return retrieval.PathUID(ids)
}

// Render serializes the path as one readable line:
//
//	Art. 319 CPC -[CITES]-> REsp 1.234.567/SP
func (p Path) Render() string {
	if len(p.Nodes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(p.Nodes[0].Name)
	for i, e := range p.Edges {
		if i+1 >= len(p.Nodes) {
			break
		}
		b.WriteString(" -[")
		b.WriteString(string(e.Type))
		b.WriteString("]-> ")
		b.WriteString(p.Nodes[i+1].Name)
	}
	return b.String()
}

// Triples flattens the path into one readable line per hop.
func (p Path) Triples() []string {
	out := make([]string, 0, len(p.Edges))
	for i, e := range p.Edges {
		if i+1 >= len(p.Nodes) {
			break
		}
		out = append(out, fmt.Sprintf("%s -[%s]-> %s", p.Nodes[i].Name, e.Type, p.Nodes[i+1].Name))
	}
	return out
}

// Traversal bounds a graph expansion. Hops limits path length, MaxNodes the
// number of distinct nodes the expansion may touch.
type Traversal struct {
	Hops              int
	MaxNodes          int
	MaxPaths          int
	IncludeCandidates bool
	Scope             visibility.QueryScope
}

// ScoredChunk is a chunk reached through the graph, scored by the summed
// mention weight of the seed entities that led to it.
type ScoredChunk struct {
	Chunk retrieval.Chunk `json:"chunk"`
	Score float64         `json:"score"`
}

// EntityStat scores one entity in an analytics result; Value is a count,
// degree or centrality depending on the operation.
type EntityStat struct {
	Entity Entity  `json:"entity"`
	Value  float64 `json:"value"`
}

// PairStat scores a pair of entities, normalized so A.ID < B.ID.
type PairStat struct {
	A     Entity  `json:"a"`
	B     Entity  `json:"b"`
	Value float64 `json:"value"`
}

// Component is one group of entities: a weakly connected component or a
// community partition.
type Component struct {
	ID      int64    `json:"id"`
	Members []Entity `json:"members"`
}

// Analytics is the scan-suite surface. Backends without a graph algorithm
// engine return retrieval.ErrUnsupported from the algorithm operations and
// keep the Cypher-expressible ones.
type Analytics interface {
	// CoMentionPairs returns pairs of the given types joined by a
	// co-mention edge of weight >= minShared, heaviest first. Empty types
	// match any entity.
	CoMentionPairs(ctx context.Context, a, b EntityType, minShared, limit int) ([]PairStat, error)

	// ParticipationCounts ranks entities of the given type by distinct
	// neighbors over one edge type, keeping counts >= min.
	ParticipationCounts(ctx context.Context, edge EdgeType, entity EntityType, min, limit int) ([]EntityStat, error)

	// DegreeHubs returns the highest-degree entities, optionally limited
	// to one type.
	DegreeHubs(ctx context.Context, entity EntityType, topN int) ([]EntityStat, error)

	// Components runs weakly connected components and returns those with
	// at most maxSize members, smallest first.
	Components(ctx context.Context, maxSize, limit int) ([]Component, error)

	// Eigenvector returns the top entities by eigenvector centrality.
	Eigenvector(ctx context.Context, topN int) ([]EntityStat, error)

	// Betweenness returns the top entities by betweenness centrality.
	Betweenness(ctx context.Context, topN int) ([]EntityStat, error)

	// Communities partitions the graph with Leiden and returns the
	// largest communities first.
	Communities(ctx context.Context, limit int) ([]Component, error)

	// SimilarPairs returns entity pairs whose neighborhoods overlap with
	// Jaccard similarity >= threshold.
	SimilarPairs(ctx context.Context, threshold float64, limit int) ([]PairStat, error)

	// Triangles ranks entities by triangle membership, keeping counts
	// >= minCount.
	Triangles(ctx context.Context, minCount, limit int) ([]EntityStat, error)

	// Bridges returns edges whose removal disconnects the graph.
	Bridges(ctx context.Context, limit int) ([]PairStat, error)

	// ArticulationPoints returns nodes whose removal disconnects the
	// graph.
	ArticulationPoints(ctx context.Context, limit int) ([]EntityStat, error)

	// SharedDocuments samples documents that mention both entities,
	// capped at limit.
	SharedDocuments(ctx context.Context, aID, bID string, limit int) ([]string, error)
}

// Store is the read-side contract over the knowledge graph. Traversal
// operations admit only nodes the scope admits; edges stay on the verified
// layer unless the traversal opts into candidates.
type Store interface {
	// SeedsByName resolves entities whose normalized name matches one of
	// names exactly.
	SeedsByName(ctx context.Context, names []string, scope visibility.QueryScope, limit int) ([]Entity, error)

	// Neighborhood expands the seeds with a bounded breadth-first walk
	// and returns the paths, shortest first.
	Neighborhood(ctx context.Context, seedIDs []string, t Traversal) ([]Path, error)

	// ShortestPath returns one shortest path between two entities within
	// the hop bound, or nil when none exists.
	ShortestPath(ctx context.Context, fromID, toID string, t Traversal) (*Path, error)

	// CoMentions lists co-mention edges touching the entity, heaviest
	// first.
	CoMentions(ctx context.Context, entityID string, scope visibility.QueryScope, limit int) ([]Edge, error)

	// ChunksForEntities returns admissible chunks that mention any of the
	// entities, best connected first.
	ChunksForEntities(ctx context.Context, entityIDs []string, scope visibility.QueryScope, limit int) ([]ScoredChunk, error)

	Analytics

	Name() string
	Close(ctx context.Context) error
}

// NewStore builds the backend named by cfg.Provider.
func NewStore(cfg *config.GraphConfig) (Store, error) {
	switch cfg.Provider {
	case config.GraphProviderNeo4j:
		return NewNeo4jStore(cfg)
	case config.GraphProviderFalkorDB:
		return NewFalkorStore(cfg), nil
	default:
		return nil, fmt.Errorf("unknown graph provider %q", cfg.Provider)
	}
}
