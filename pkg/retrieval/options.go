package retrieval

// Options is the per-request toggle record. Defaults come from the startup
// configuration; callers override individual toggles per request.
type Options struct {
	// EnableHyde expands the query with a hypothetical document before
	// vector search.
	EnableHyde bool `json:"enable_hyde"`

	// EnableMultiQuery fans the query out into paraphrased variants and
	// merges their results by reciprocal rank.
	EnableMultiQuery bool `json:"enable_multi_query"`

	// EnableCRAG applies the corrective gate with bounded retry.
	EnableCRAG bool `json:"enable_crag"`

	// EnableRerank reranks top candidates with the configured provider.
	EnableRerank bool `json:"enable_rerank"`

	// EnableCompression applies keyword-guided sentence compression.
	EnableCompression bool `json:"enable_compression"`

	// EnableChunkExpansion widens results with adjacent sibling chunks.
	EnableChunkExpansion bool `json:"enable_chunk_expansion"`

	// EnableGraphEnrich attaches graph paths and triples as evidence.
	EnableGraphEnrich bool `json:"enable_graph_enrich"`

	// EnableGraphRetrieval adds the graph store as a third fusion source.
	EnableGraphRetrieval bool `json:"enable_graph_retrieval"`

	// EnableLexicalFirstGating skips vector search when the query matches a
	// citation pattern and the lexical top score clears the strong
	// threshold. The citation match is a necessary condition.
	EnableLexicalFirstGating bool `json:"enable_lexical_first_gating"`

	// EnableContextualEmbeddings signals that collections were built with
	// metadata-prefixed embeddings. Read-only here; it only shapes the
	// embedding input for parity with ingest.
	EnableContextualEmbeddings bool `json:"enable_contextual_embeddings"`

	// EnableCitationGrounding exposes the post-generation verification hook
	// to callers.
	EnableCitationGrounding bool `json:"enable_citation_grounding"`

	// DenseResearch raises fetch budgets for breadth-oriented queries.
	DenseResearch bool `json:"dense_research"`

	// IncludeCandidateEdges opts graph traversal into candidate-layer
	// edges. Verified edges only otherwise.
	IncludeCandidateEdges bool `json:"include_candidate_edges"`
}

// DefaultOptions is the baseline the configuration snapshot starts from.
func DefaultOptions() Options {
	return Options{
		EnableCRAG:           true,
		EnableRerank:         true,
		EnableCompression:    true,
		EnableChunkExpansion: true,
		EnableGraphEnrich:    false,
		EnableGraphRetrieval: false,
		EnableHyde:           false,
		EnableMultiQuery:     false,

		EnableLexicalFirstGating: true,
	}
}
