// Package config defines the startup configuration surface: every threshold,
// weight, timeout, cache bound and feature flag the pipeline reads. The
// configuration is loaded once into an immutable snapshot; per-request
// options override a subset of it.
package config

import (
	"fmt"
)

// Config is the root configuration document.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
	Budget        BudgetConfig        `yaml:"budget,omitempty"`
	Audit         AuditConfig         `yaml:"audit,omitempty"`

	Pipeline  PipelineConfig  `yaml:"pipeline,omitempty"`
	Lexical   LexicalConfig   `yaml:"lexical,omitempty"`
	Vector    VectorConfig    `yaml:"vector,omitempty"`
	Graph     GraphConfig     `yaml:"graph,omitempty"`
	GraphScan GraphScanConfig `yaml:"graph_scan,omitempty"`
	Expansion ExpansionConfig `yaml:"expansion,omitempty"`
	CRAG      CRAGConfig      `yaml:"crag,omitempty"`
	Rerank    RerankConfig    `yaml:"rerank,omitempty"`
	Refine    RefineConfig    `yaml:"refine,omitempty"`
	CogGRAG   CogGRAGConfig   `yaml:"cograg,omitempty"`
	Agent     AgentConfig     `yaml:"agent,omitempty"`

	// LLMs and Embedders are named provider instances. Components reference
	// them by name; the first registered of each kind is the default.
	LLMs      map[string]*LLMConfig      `yaml:"llms,omitempty"`
	Embedders map[string]*EmbedderConfig `yaml:"embedders,omitempty"`

	// Research holds the deep-research providers exposed to the agent loop.
	Research map[string]*ResearchConfig `yaml:"research,omitempty"`
}

// ProcessConfigPipeline normalizes and validates a freshly decoded config:
// map initialization, defaults, then validation. Returns the same pointer.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: config cannot be nil")
	}

	cfg.PreProcess()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: validation failed: %w", err)
	}

	return cfg, nil
}

// PreProcess initializes nil maps so later passes never nil-check.
func (c *Config) PreProcess() {
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	if c.Embedders == nil {
		c.Embedders = make(map[string]*EmbedderConfig)
	}
	if c.Research == nil {
		c.Research = make(map[string]*ResearchConfig)
	}
}

// SetDefaults applies defaults section by section.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
	c.Budget.SetDefaults()
	c.Audit.SetDefaults()
	c.Pipeline.SetDefaults()
	c.Lexical.SetDefaults()
	c.Vector.SetDefaults()
	c.Graph.SetDefaults()
	c.GraphScan.SetDefaults()
	c.Expansion.SetDefaults()
	c.CRAG.SetDefaults()
	c.Rerank.SetDefaults()
	c.Refine.SetDefaults()
	c.CogGRAG.SetDefaults()
	c.Agent.SetDefaults()

	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
	for _, emb := range c.Embedders {
		emb.SetDefaults()
	}
	for name, r := range c.Research {
		r.SetDefaults(name)
	}
}

// Validate checks startup invariants. A failure here is a ConfigError:
// fatal before any request is served.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"logging", c.Logging.Validate},
		{"observability", c.Observability.Validate},
		{"budget", c.Budget.Validate},
		{"audit", c.Audit.Validate},
		{"pipeline", c.Pipeline.Validate},
		{"lexical", c.Lexical.Validate},
		{"vector", c.Vector.Validate},
		{"graph", c.Graph.Validate},
		{"graph_scan", c.GraphScan.Validate},
		{"expansion", c.Expansion.Validate},
		{"crag", c.CRAG.Validate},
		{"rerank", c.Rerank.Validate},
		{"refine", c.Refine.Validate},
		{"cograg", c.CogGRAG.Validate},
		{"agent", c.Agent.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}

	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llms.%s: %w", name, err)
		}
	}
	for name, emb := range c.Embedders {
		if err := emb.Validate(); err != nil {
			return fmt.Errorf("embedders.%s: %w", name, err)
		}
	}
	for name, r := range c.Research {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("research.%s: %w", name, err)
		}
	}

	return c.crossValidate()
}

// crossValidate checks references between sections.
func (c *Config) crossValidate() error {
	refLLM := func(section, name string) error {
		if name == "" {
			return nil
		}
		if _, ok := c.LLMs[name]; !ok {
			return fmt.Errorf("%s references unknown llm %q", section, name)
		}
		return nil
	}
	if err := refLLM("expansion", c.Expansion.LLM); err != nil {
		return err
	}
	if err := refLLM("rerank", c.Rerank.LLM); err != nil {
		return err
	}
	if err := refLLM("cograg", c.CogGRAG.LLM); err != nil {
		return err
	}
	if err := refLLM("agent", c.Agent.LLM); err != nil {
		return err
	}

	if c.Vector.Enabled && c.Vector.Embedder != "" {
		if _, ok := c.Embedders[c.Vector.Embedder]; !ok {
			return fmt.Errorf("vector references unknown embedder %q", c.Vector.Embedder)
		}
	}
	if c.Rerank.Provider == "cohere" && c.Rerank.APIKey == "" {
		return fmt.Errorf("rerank provider cohere requires an api key")
	}
	return nil
}

// DefaultLLM returns the configured default LLM name: the instance named
// "default" when present, else the lexically first.
func (c *Config) DefaultLLM() string {
	if _, ok := c.LLMs["default"]; ok {
		return "default"
	}
	first := ""
	for name := range c.LLMs {
		if first == "" || name < first {
			first = name
		}
	}
	return first
}

// DefaultEmbedder mirrors DefaultLLM for embedders.
func (c *Config) DefaultEmbedder() string {
	if _, ok := c.Embedders["default"]; ok {
		return "default"
	}
	first := ""
	for name := range c.Embedders {
		if first == "" || name < first {
			first = name
		}
	}
	return first
}
