// Package retrieval holds the data model shared by every stage of the
// pipeline: chunks, per-retriever results, fused results, and the final
// pipeline output. Stores and stages depend on this package, never on each
// other's internals.
package retrieval

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/visibility"
)

// SourceType names a logical dataset. The set is closed: stores may shard a
// dataset across collections, but the pipeline only addresses these names.
type SourceType string

const (
	SourceStatute        SourceType = "statute"
	SourceCaseLaw        SourceType = "case_law"
	SourceInternalFiling SourceType = "internal_filing"
	SourceModelBrief     SourceType = "model_brief"
	SourceDoctrine       SourceType = "doctrine"
	SourceLocal          SourceType = "local"
)

// AllSources lists every dataset in deterministic order.
func AllSources() []SourceType {
	return []SourceType{
		SourceStatute,
		SourceCaseLaw,
		SourceInternalFiling,
		SourceModelBrief,
		SourceDoctrine,
		SourceLocal,
	}
}

// ValidSource reports whether s names a known dataset.
func ValidSource(s SourceType) bool {
	switch s {
	case SourceStatute, SourceCaseLaw, SourceInternalFiling,
		SourceModelBrief, SourceDoctrine, SourceLocal:
		return true
	}
	return false
}

// GlobalSources are the shared reference datasets queried when a scope
// enables global visibility.
func GlobalSources() []SourceType {
	return []SourceType{SourceStatute, SourceCaseLaw, SourceDoctrine, SourceModelBrief}
}

// ChunkMeta carries the per-chunk attributes used by boosts, filters and
// citation rendering. Extra holds dataset-specific fields verbatim.
type ChunkMeta struct {
	Title    string            `json:"title,omitempty"`
	Citation string            `json:"citation,omitempty"`
	Court    string            `json:"court,omitempty"`
	Article  string            `json:"article,omitempty"`
	Date     string            `json:"date,omitempty"`
	Page     int               `json:"page,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Chunk is the unit of retrieval: a contiguous span of a document with a
// stable identity and the visibility stamp inherited from its parent.
type Chunk struct {
	ID         string                        `json:"id"`
	DocumentID string                        `json:"document_id"`
	Dataset    SourceType                    `json:"dataset"`
	Ordinal    int                           `json:"ordinal"`
	Text       string                        `json:"text"`
	Meta       ChunkMeta                     `json:"meta,omitempty"`
	Visibility visibility.DocumentVisibility `json:"visibility"`
}

// ChunkID derives the stable chunk identity from document id and ordinal.
// Re-chunking a document with the same splitter yields the same ids.
func ChunkID(documentID string, ordinal int) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s#%d", documentID, ordinal)))
	return hex.EncodeToString(h[:])
}

// DocumentInfo is the document-level record kept alongside chunks so the
// refine stage can expand to siblings without re-reading the source store.
type DocumentInfo struct {
	ID         string                        `json:"id"`
	Dataset    SourceType                    `json:"dataset"`
	Title      string                        `json:"title,omitempty"`
	ChunkCount int                           `json:"chunk_count"`
	Visibility visibility.DocumentVisibility `json:"visibility"`
}

// Result is a chunk plus everything retrieval-time stages attach to it.
// FullText survives compression so downstream consumers can always recover
// the original span.
type Result struct {
	Chunk Chunk `json:"chunk"`

	// Score is the best native score any retriever assigned.
	Score float64 `json:"score"`

	// Scores maps retriever name to that retriever's native score.
	Scores map[string]float64 `json:"scores,omitempty"`

	// Retrievers lists, in first-seen order, the retrievers that produced
	// this chunk.
	Retrievers []string `json:"retrievers,omitempty"`

	FusedScore  float64  `json:"fused_score,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`

	// CompressedText is the keyword-compressed rendering, when the refine
	// stage ran. Empty means the full text stands.
	CompressedText string `json:"compressed_text,omitempty"`

	// Expanded marks results whose text was widened to sibling chunks.
	Expanded bool `json:"expanded,omitempty"`

	// Siblings holds adjacent chunks fetched during expansion but kept
	// separate from the anchor text. Empty when siblings were merged in.
	Siblings []Chunk `json:"siblings,omitempty"`

	// Provenance records, in order, the stages that touched this result.
	Provenance []string `json:"provenance,omitempty"`
}

// EffectiveText returns the compressed text when present, else the chunk text.
func (r Result) EffectiveText() string {
	if r.CompressedText != "" {
		return r.CompressedText
	}
	return r.Chunk.Text
}

// Clone deep-copies the mutable fields so stages can annotate without
// aliasing the inputs of a sibling variant.
func (r Result) Clone() Result {
	out := r
	if r.Scores != nil {
		out.Scores = make(map[string]float64, len(r.Scores))
		for k, v := range r.Scores {
			out.Scores[k] = v
		}
	}
	out.Retrievers = append([]string(nil), r.Retrievers...)
	out.Provenance = append([]string(nil), r.Provenance...)
	out.Siblings = append([]Chunk(nil), r.Siblings...)
	if r.RerankScore != nil {
		v := *r.RerankScore
		out.RerankScore = &v
	}
	return out
}

// EvidenceLevel classifies how well the retrieved set supports the query.
type EvidenceLevel string

const (
	EvidenceStrong       EvidenceLevel = "strong"
	EvidenceModerate     EvidenceLevel = "moderate"
	EvidenceLow          EvidenceLevel = "low"
	EvidenceInsufficient EvidenceLevel = "insufficient"
)

// GraphPath is one bounded walk through the knowledge graph, addressable by
// a stable uid so reasoning output can cite it.
type GraphPath struct {
	UID     string   `json:"uid"`
	Text    string   `json:"text"`
	NodeIDs []string `json:"node_ids"`
	Length  int      `json:"length"`
}

// GraphEvidence bundles the graph enrichment blocks attached to a pipeline
// result: readable paths plus flat subject-predicate-object triples.
type GraphEvidence struct {
	Paths   []GraphPath `json:"paths,omitempty"`
	Triples []string    `json:"triples,omitempty"`
}

// PathUID derives the stable identity of a path from its ordered node ids.
func PathUID(nodeIDs []string) string {
	h := sha1.New()
	for i, id := range nodeIDs {
		if i > 0 {
			h.Write([]byte{'>'})
		}
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// PipelineResult is the output of one full retrieval run.
type PipelineResult struct {
	RequestID string        `json:"request_id"`
	Query     string        `json:"query"`
	Results   []Result      `json:"results"`
	Evidence  EvidenceLevel `json:"evidence"`

	// ContextBundle is the compressed text block prepared for prompt
	// injection, one source-labelled section per result.
	ContextBundle string `json:"context_bundle,omitempty"`

	// Graph carries enrichment evidence when the graph stage ran.
	Graph GraphEvidence `json:"graph,omitempty"`

	// Corrections records each corrective retry the gate triggered.
	Corrections []CorrectiveAction `json:"corrections,omitempty"`

	// VectorSkipped is set when lexical-first gating answered the query
	// without touching the vector stores.
	VectorSkipped bool `json:"vector_skipped,omitempty"`

	// Trace is the append-only per-request audit record.
	Trace *audit.Trace `json:"-"`

	Elapsed time.Duration `json:"elapsed"`
}

// CorrectiveAction records one gate-triggered retry: which strategy ran,
// what it changed, and what evidence level it reached.
type CorrectiveAction struct {
	Strategy string        `json:"strategy"`
	Detail   string        `json:"detail,omitempty"`
	Before   EvidenceLevel `json:"before"`
	After    EvidenceLevel `json:"after"`
	Gained   int           `json:"gained"`
}

// Query is the uniform request every retriever accepts. Hypothetical carries
// HyDE text for retrievers that embed; lexical retrievers ignore it.
type Query struct {
	Text         string
	Hypothetical string
	Datasets     []SourceType
	TopK         int
	Scope        visibility.QueryScope
}

// Validate rejects queries no retriever could serve.
func (q Query) Validate() error {
	if q.Text == "" {
		return fmt.Errorf("query text is empty")
	}
	if q.TopK <= 0 {
		return fmt.Errorf("query top_k must be positive, got %d", q.TopK)
	}
	for _, ds := range q.Datasets {
		if !ValidSource(ds) {
			return fmt.Errorf("unknown dataset %q", ds)
		}
	}
	return q.Scope.Validate()
}

// Retriever is one source of ranked chunks. Implementations apply the scope
// filter server-side whenever the store can express it.
type Retriever interface {
	// Search returns up to q.TopK admissible results, best first.
	Search(ctx context.Context, q Query) ([]Result, error)

	// Name identifies the retriever in scores, fusion weights and traces.
	Name() string

	// Timeout is the per-call budget the orchestrator wraps around Search.
	Timeout() time.Duration
}
