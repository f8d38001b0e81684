package config

import "fmt"

// ExpansionConfig tunes query rewriting, HyDE and multi-query generation.
type ExpansionConfig struct {
	// LLM names the provider instance used for generation.
	LLM string `yaml:"llm,omitempty"`

	// Heuristics enables the non-LLM variant fallbacks: stopword removal,
	// legal-abbreviation expansion, current-year suffix.
	Heuristics bool `yaml:"heuristics,omitempty"`

	// Abbreviations extends the built-in legal abbreviation table.
	Abbreviations map[string]string `yaml:"abbreviations,omitempty"`

	HydeMaxTokens   int     `yaml:"hyde_max_tokens,omitempty"`
	HydeTemperature float64 `yaml:"hyde_temperature,omitempty"`

	VariantMaxTokens int `yaml:"variant_max_tokens,omitempty"`

	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty"`
	CacheSize       int `yaml:"cache_size,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

func (c *ExpansionConfig) SetDefaults() {
	c.Heuristics = true
	if c.HydeMaxTokens == 0 {
		c.HydeMaxTokens = 256
	}
	if c.HydeTemperature == 0 {
		c.HydeTemperature = 0.3
	}
	if c.VariantMaxTokens == 0 {
		c.VariantMaxTokens = 200
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = 600
	}
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
}

func (c *ExpansionConfig) Validate() error {
	if c.HydeTemperature < 0 || c.HydeTemperature > 2 {
		return fmt.Errorf("hyde_temperature must be within [0,2], got %v", c.HydeTemperature)
	}
	return nil
}

// CRAGConfig holds the evidence thresholds and retry bounds of the
// corrective gate. Thresholds pair best-score with average-top-3.
type CRAGConfig struct {
	StrongBest float64 `yaml:"strong_best,omitempty"`
	StrongAvg  float64 `yaml:"strong_avg,omitempty"`

	ModerateBest float64 `yaml:"moderate_best,omitempty"`
	ModerateAvg  float64 `yaml:"moderate_avg,omitempty"`

	// MaxRetries bounds corrective loops per request.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// ModerateTopKMultiplier widens top_k on a moderate gate result.
	ModerateTopKMultiplier float64 `yaml:"moderate_topk_multiplier,omitempty"`

	// Aggressive strategy parameters.
	AggressiveTopKMultiplier float64 `yaml:"aggressive_topk_multiplier,omitempty"`
	AggressiveLexicalWeight  float64 `yaml:"aggressive_lexical_weight,omitempty"`
	AggressiveVectorWeight   float64 `yaml:"aggressive_vector_weight,omitempty"`
}

func (c *CRAGConfig) SetDefaults() {
	if c.StrongBest == 0 {
		c.StrongBest = 0.80
	}
	if c.StrongAvg == 0 {
		c.StrongAvg = 0.65
	}
	if c.ModerateBest == 0 {
		c.ModerateBest = 0.55
	}
	if c.ModerateAvg == 0 {
		c.ModerateAvg = 0.40
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.ModerateTopKMultiplier == 0 {
		c.ModerateTopKMultiplier = 1.5
	}
	if c.AggressiveTopKMultiplier == 0 {
		c.AggressiveTopKMultiplier = 2.0
	}
	if c.AggressiveLexicalWeight == 0 {
		c.AggressiveLexicalWeight = 1.5
	}
	if c.AggressiveVectorWeight == 0 {
		c.AggressiveVectorWeight = 1.5
	}
}

func (c *CRAGConfig) Validate() error {
	if c.StrongBest <= c.ModerateBest {
		return fmt.Errorf("strong_best (%v) must exceed moderate_best (%v)", c.StrongBest, c.ModerateBest)
	}
	if c.StrongAvg <= c.ModerateAvg {
		return fmt.Errorf("strong_avg (%v) must exceed moderate_avg (%v)", c.StrongAvg, c.ModerateAvg)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 5 {
		return fmt.Errorf("max_retries must be within [0,5], got %d", c.MaxRetries)
	}
	return nil
}

// RerankConfig selects and tunes the reranking provider.
type RerankConfig struct {
	// Provider is one of llm, cohere, colbert, auto. Auto picks llm in
	// development and cohere in production.
	Provider string `yaml:"provider,omitempty"`

	// LLM names the provider instance for llm reranking.
	LLM string `yaml:"llm,omitempty"`

	// Cohere settings.
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`

	// MaxCandidates bounds how many fused results enter the reranker.
	MaxCandidates int `yaml:"max_candidates,omitempty"`

	// BatchSize for providers that score in batches.
	BatchSize int `yaml:"batch_size,omitempty"`

	// LegalBoost is added to rerank scores of statute and case-law chunks.
	LegalBoost float64 `yaml:"legal_boost,omitempty"`

	// FallbackLocal degrades remote failures to the llm reranker.
	FallbackLocal bool `yaml:"fallback_local,omitempty"`

	// ColBERT embedding cache bounds.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty"`
	CacheSize       int `yaml:"cache_size,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

func (c *RerankConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "auto"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.cohere.com"
	}
	if c.Model == "" {
		c.Model = "rerank-multilingual-v3.0"
	}
	if c.MaxCandidates == 0 {
		c.MaxCandidates = 20
	}
	if c.BatchSize == 0 {
		c.BatchSize = 8
	}
	if c.LegalBoost == 0 {
		c.LegalBoost = 0.05
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = 600
	}
	if c.CacheSize == 0 {
		c.CacheSize = 512
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
	c.FallbackLocal = true
}

func (c *RerankConfig) Validate() error {
	switch c.Provider {
	case "llm", "cohere", "colbert", "auto":
	default:
		return fmt.Errorf("invalid rerank provider %q (valid: llm, cohere, colbert, auto)", c.Provider)
	}
	if c.MaxCandidates < 1 {
		return fmt.Errorf("max_candidates must be positive, got %d", c.MaxCandidates)
	}
	return nil
}

// RefineConfig tunes sibling expansion and keyword compression.
type RefineConfig struct {
	// ExpansionWindow is how many siblings each side of a chunk to fetch.
	ExpansionWindow int `yaml:"expansion_window,omitempty"`

	// ExpansionMaxExtra caps extra chunks across the whole result set.
	ExpansionMaxExtra int `yaml:"expansion_max_extra,omitempty"`

	// MergeAdjacent joins touching siblings into one expanded result.
	MergeAdjacent bool `yaml:"merge_adjacent,omitempty"`

	// CompressionMaxChars is the compression trigger and target length.
	CompressionMaxChars int `yaml:"compression_max_chars,omitempty"`

	// PreserveFullText keeps the original text in a side field.
	PreserveFullText bool `yaml:"preserve_full_text,omitempty"`

	// Stopwords extends the built-in Portuguese/English stopword set.
	Stopwords []string `yaml:"stopwords,omitempty"`
}

func (c *RefineConfig) SetDefaults() {
	if c.ExpansionWindow == 0 {
		c.ExpansionWindow = 1
	}
	if c.ExpansionMaxExtra == 0 {
		c.ExpansionMaxExtra = 10
	}
	if c.CompressionMaxChars == 0 {
		c.CompressionMaxChars = 1200
	}
	c.MergeAdjacent = true
	c.PreserveFullText = true
}

func (c *RefineConfig) Validate() error {
	if c.ExpansionWindow < 0 || c.ExpansionWindow > 5 {
		return fmt.Errorf("expansion_window must be within [0,5], got %d", c.ExpansionWindow)
	}
	if c.ExpansionMaxExtra < 0 {
		return fmt.Errorf("expansion_max_extra must be non-negative, got %d", c.ExpansionMaxExtra)
	}
	if c.CompressionMaxChars < 100 {
		return fmt.Errorf("compression_max_chars must be >= 100, got %d", c.CompressionMaxChars)
	}
	return nil
}
