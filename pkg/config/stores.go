package config

import (
	"fmt"
	"regexp"
)

// LexicalConfig configures the BM25 index client. Datasets map to named
// indices by prefix unless overridden per dataset.
type LexicalConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the index HTTP base URL.
	Endpoint string `yaml:"endpoint,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// IndexPrefix names indices as "<prefix>-<dataset>".
	IndexPrefix string `yaml:"index_prefix,omitempty"`

	// Indices overrides the index name for individual datasets.
	Indices map[string]string `yaml:"indices,omitempty"`

	// TimeoutSeconds is the per-dataset search deadline.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	MaxRetries int `yaml:"max_retries,omitempty"`

	// Operator is the default boolean operator for match queries.
	Operator string `yaml:"operator,omitempty"`

	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CACertificate      string `yaml:"ca_certificate,omitempty"`
}

func (c *LexicalConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "http://localhost:9200"
	}
	if c.IndexPrefix == "" {
		c.IndexPrefix = "relator"
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 8
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Operator == "" {
		c.Operator = "or"
	}
}

func (c *LexicalConfig) Validate() error {
	if c.Enabled && c.Endpoint == "" {
		return fmt.Errorf("lexical enabled but endpoint is empty")
	}
	if c.Operator != "or" && c.Operator != "and" {
		return fmt.Errorf("invalid operator %q (valid: or, and)", c.Operator)
	}
	return nil
}

// VectorProvider identifies the vector store backend.
type VectorProvider string

const (
	VectorProviderQdrant   VectorProvider = "qdrant"
	VectorProviderChromem  VectorProvider = "chromem"
	VectorProviderPinecone VectorProvider = "pinecone"
)

// VectorConfig configures dense (and optional sparse) retrieval.
type VectorConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	Provider VectorProvider `yaml:"provider,omitempty"`

	// Qdrant connection.
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`

	// Chromem persistence path; empty means in-memory.
	Path string `yaml:"path,omitempty"`

	// Pinecone index host (serverless endpoint).
	IndexHost string `yaml:"index_host,omitempty"`

	// CollectionPrefix names collections as "<prefix>-<dataset>".
	CollectionPrefix string `yaml:"collection_prefix,omitempty"`

	// Embedder is the named embedder instance used for queries.
	Embedder string `yaml:"embedder,omitempty"`

	Dimension int    `yaml:"dimension,omitempty"`
	Distance  string `yaml:"distance,omitempty"`

	// EnableSparse turns on hybrid dense+sparse querying where the backend
	// supports it.
	EnableSparse bool `yaml:"enable_sparse,omitempty"`

	// HybridFusion selects the in-store fusion: "rrf" or "dbsf".
	HybridFusion string `yaml:"hybrid_fusion,omitempty"`

	// QueryMaxConcurrency caps parallel per-dataset queries per request.
	QueryMaxConcurrency int `yaml:"query_max_concurrency,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = VectorProviderQdrant
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "relator"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Distance == "" {
		c.Distance = "cosine"
	}
	if c.HybridFusion == "" {
		c.HybridFusion = "rrf"
	}
	if c.QueryMaxConcurrency == 0 {
		c.QueryMaxConcurrency = 4
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case VectorProviderQdrant, VectorProviderChromem, VectorProviderPinecone:
	default:
		return fmt.Errorf("invalid vector provider %q (valid: qdrant, chromem, pinecone)", c.Provider)
	}
	if c.Provider == VectorProviderPinecone && c.Enabled {
		if c.APIKey == "" {
			return fmt.Errorf("pinecone requires an api key")
		}
		if c.IndexHost == "" {
			return fmt.Errorf("pinecone requires index_host")
		}
	}
	switch c.HybridFusion {
	case "rrf", "dbsf":
	default:
		return fmt.Errorf("invalid hybrid_fusion %q (valid: rrf, dbsf)", c.HybridFusion)
	}
	if c.Dimension < 1 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if c.QueryMaxConcurrency < 1 {
		return fmt.Errorf("query_max_concurrency must be >= 1, got %d", c.QueryMaxConcurrency)
	}
	return nil
}

// GraphProvider identifies the graph store backend.
type GraphProvider string

const (
	GraphProviderNeo4j    GraphProvider = "neo4j"
	GraphProviderFalkorDB GraphProvider = "falkordb"
)

// GraphConfig configures graph retrieval and enrichment.
type GraphConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	Provider GraphProvider `yaml:"provider,omitempty"`

	// Neo4j connection.
	URI      string `yaml:"uri,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`

	// FalkorDB connection (redis protocol) and graph key.
	Addr      string `yaml:"addr,omitempty"`
	GraphName string `yaml:"graph_name,omitempty"`

	// Traversal bounds.
	Hops     int `yaml:"hops,omitempty"`
	MaxNodes int `yaml:"max_nodes,omitempty"`

	// Evidence caps.
	MaxPaths   int `yaml:"max_paths,omitempty"`
	MaxTriples int `yaml:"max_triples,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

func (c *GraphConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = GraphProviderNeo4j
	}
	if c.URI == "" {
		c.URI = "bolt://localhost:7687"
	}
	if c.Database == "" {
		c.Database = "neo4j"
	}
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.GraphName == "" {
		c.GraphName = "relator"
	}
	if c.Hops == 0 {
		c.Hops = 2
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = 50
	}
	if c.MaxPaths == 0 {
		c.MaxPaths = 20
	}
	if c.MaxTriples == 0 {
		c.MaxTriples = 50
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
}

func (c *GraphConfig) Validate() error {
	switch c.Provider {
	case GraphProviderNeo4j, GraphProviderFalkorDB:
	default:
		return fmt.Errorf("invalid graph provider %q (valid: neo4j, falkordb)", c.Provider)
	}
	if c.Hops < 1 || c.Hops > 4 {
		return fmt.Errorf("hops must be within [1,4], got %d", c.Hops)
	}
	if c.MaxNodes < 1 {
		return fmt.Errorf("max_nodes must be positive, got %d", c.MaxNodes)
	}
	return nil
}

// CompilePatterns compiles the configured citation regexes once at startup.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid citation pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
