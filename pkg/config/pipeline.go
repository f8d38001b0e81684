package config

import "fmt"

// PipelineConfig tunes the retrieval orchestrator itself: result counts,
// fusion weights, stage deadlines and the lexical-first gate.
type PipelineConfig struct {
	// TopK is the default result count, clamped to [1,50] per request.
	TopK int `yaml:"top_k,omitempty"`

	// FetchK is the per-retriever fetch budget before fusion.
	FetchK int `yaml:"fetch_k,omitempty"`

	// MinSourcesRequired is how many retrievers must succeed before partial
	// results are acceptable.
	MinSourcesRequired int `yaml:"min_sources_required,omitempty"`

	// RequestTimeoutSeconds is the hard deadline for one Retrieve call.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds,omitempty"`

	// StageTimeoutSeconds is the soft per-stage deadline.
	StageTimeoutSeconds int `yaml:"stage_timeout_seconds,omitempty"`

	// Fusion weights per retriever family.
	LexicalWeight float64 `yaml:"lexical_weight,omitempty"`
	VectorWeight  float64 `yaml:"vector_weight,omitempty"`
	GraphWeight   float64 `yaml:"graph_weight,omitempty"`

	// RRFK is the reciprocal-rank constant.
	RRFK int `yaml:"rrf_k,omitempty"`

	// MultiQueryMax caps paraphrase variants per request.
	MultiQueryMax int `yaml:"multi_query_max,omitempty"`

	// LexicalStrongThreshold is the top-score bar for vector-skip gating.
	LexicalStrongThreshold float64 `yaml:"lexical_strong_threshold,omitempty"`

	// CitationPatterns are the regexes whose match is a necessary condition
	// for lexical-first gating.
	CitationPatterns []string `yaml:"citation_patterns,omitempty"`

	// DenseResearchMultiplier scales fetch budgets for breadth queries.
	DenseResearchMultiplier float64 `yaml:"dense_research_multiplier,omitempty"`

	// Result cache bounds.
	ResultCacheTTLSeconds int `yaml:"result_cache_ttl_seconds,omitempty"`
	ResultCacheSize       int `yaml:"result_cache_size,omitempty"`

	// Defaults are the per-request option toggles used when the caller
	// leaves options unset.
	Defaults OptionsConfig `yaml:"defaults,omitempty"`
}

// OptionsConfig mirrors the per-request toggles for the config file.
type OptionsConfig struct {
	EnableHyde                 bool `yaml:"enable_hyde,omitempty"`
	EnableMultiQuery           bool `yaml:"enable_multi_query,omitempty"`
	EnableCRAG                 bool `yaml:"enable_crag,omitempty"`
	EnableRerank               bool `yaml:"enable_rerank,omitempty"`
	EnableCompression          bool `yaml:"enable_compression,omitempty"`
	EnableChunkExpansion       bool `yaml:"enable_chunk_expansion,omitempty"`
	EnableGraphEnrich          bool `yaml:"enable_graph_enrich,omitempty"`
	EnableGraphRetrieval       bool `yaml:"enable_graph_retrieval,omitempty"`
	EnableLexicalFirstGating   bool `yaml:"enable_lexical_first_gating,omitempty"`
	EnableContextualEmbeddings bool `yaml:"enable_contextual_embeddings,omitempty"`
	EnableCitationGrounding    bool `yaml:"enable_citation_grounding,omitempty"`
	DenseResearch              bool `yaml:"dense_research,omitempty"`
	IncludeCandidateEdges      bool `yaml:"include_candidate_edges,omitempty"`
}

// DefaultCitationPatterns match the citation shapes that justify skipping
// vector search: statute articles, súmulas, laws and CNJ case numbers.
func DefaultCitationPatterns() []string {
	return []string{
		`(?i)\bart(?:igo)?\.?\s*\d+`,
		`(?i)\bs[úu]mula\s+(?:vinculante\s+)?n?[ºo.]?\s*\d+`,
		`(?i)\blei\s+(?:n[ºo.]?\s*)?[\d.]+`,
		`(?i)\b(?:c[óo]digo|decreto|cf|cpc|cpp|clt|cdc)\b.*\d`,
		`\d{7}-?\d{2}\.\d{4}\.\d\.\d{2}\.\d{4}`,
	}
}

func (c *PipelineConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 10
	}
	if c.FetchK == 0 {
		c.FetchK = 30
	}
	if c.MinSourcesRequired == 0 {
		c.MinSourcesRequired = 1
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 60
	}
	if c.StageTimeoutSeconds == 0 {
		c.StageTimeoutSeconds = 15
	}
	if c.LexicalWeight == 0 {
		c.LexicalWeight = 1.0
	}
	if c.VectorWeight == 0 {
		c.VectorWeight = 1.0
	}
	if c.GraphWeight == 0 {
		c.GraphWeight = 1.0
	}
	if c.RRFK == 0 {
		c.RRFK = 60
	}
	if c.MultiQueryMax == 0 {
		c.MultiQueryMax = 3
	}
	if c.LexicalStrongThreshold == 0 {
		c.LexicalStrongThreshold = 12.0
	}
	if len(c.CitationPatterns) == 0 {
		c.CitationPatterns = DefaultCitationPatterns()
	}
	if c.DenseResearchMultiplier == 0 {
		c.DenseResearchMultiplier = 2.0
	}
	if c.ResultCacheTTLSeconds == 0 {
		c.ResultCacheTTLSeconds = 300
	}
	if c.ResultCacheSize == 0 {
		c.ResultCacheSize = 512
	}

	d := &c.Defaults
	if !d.EnableCRAG && !d.EnableRerank && !d.EnableCompression &&
		!d.EnableChunkExpansion && !d.EnableLexicalFirstGating {
		// Empty defaults block: enable the standard stages.
		d.EnableCRAG = true
		d.EnableRerank = true
		d.EnableCompression = true
		d.EnableChunkExpansion = true
		d.EnableLexicalFirstGating = true
	}
}

func (c *PipelineConfig) Validate() error {
	if c.TopK < 1 || c.TopK > 50 {
		return fmt.Errorf("top_k must be within [1,50], got %d", c.TopK)
	}
	if c.FetchK < c.TopK {
		return fmt.Errorf("fetch_k (%d) must be >= top_k (%d)", c.FetchK, c.TopK)
	}
	if c.MinSourcesRequired < 1 {
		return fmt.Errorf("min_sources_required must be >= 1, got %d", c.MinSourcesRequired)
	}
	if c.RRFK < 1 {
		return fmt.Errorf("rrf_k must be >= 1, got %d", c.RRFK)
	}
	if c.MultiQueryMax < 1 {
		return fmt.Errorf("multi_query_max must be >= 1, got %d", c.MultiQueryMax)
	}
	if c.LexicalWeight < 0 || c.VectorWeight < 0 || c.GraphWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	if c.DenseResearchMultiplier < 1 {
		return fmt.Errorf("dense_research_multiplier must be >= 1, got %v", c.DenseResearchMultiplier)
	}
	return nil
}
