package config

import "fmt"

// CogGRAGConfig tunes the decompose-gather-reason wrapper.
type CogGRAGConfig struct {
	// LLM names the provider instance used for decompose, reason and verify.
	LLM string `yaml:"llm,omitempty"`

	// Decomposition bounds.
	MaxDepth            int     `yaml:"max_depth,omitempty"`
	MaxChildren         int     `yaml:"max_children,omitempty"`
	ComplexityThreshold float64 `yaml:"complexity_threshold,omitempty"`

	// PerLeafTopK is the retrieval depth per leaf question.
	PerLeafTopK int `yaml:"per_leaf_top_k,omitempty"`

	// Graph evidence bounds per leaf.
	GraphEvidenceMaxHops int `yaml:"graph_evidence_max_hops,omitempty"`
	GraphEvidenceLimit   int `yaml:"graph_evidence_limit,omitempty"`

	// LLMMaxConcurrency bounds parallel reasoning calls.
	LLMMaxConcurrency int `yaml:"llm_max_concurrency,omitempty"`

	// Abstention.
	AbstainMode      bool    `yaml:"abstain_mode,omitempty"`
	AbstainThreshold float64 `yaml:"abstain_threshold,omitempty"`

	// Verification loop.
	EnableVerification bool `yaml:"enable_verification,omitempty"`
	MaxRethinkAttempts int  `yaml:"max_rethink_attempts,omitempty"`

	// Memory penalizes references repeated across near-duplicate
	// consultations.
	MemoryEnabled bool    `yaml:"memory_enabled,omitempty"`
	MemorySize    int     `yaml:"memory_size,omitempty"`
	MemoryPenalty float64 `yaml:"memory_penalty,omitempty"`

	// Generation budgets per call.
	DecomposeMaxTokens int `yaml:"decompose_max_tokens,omitempty"`
	ReasonMaxTokens    int `yaml:"reason_max_tokens,omitempty"`
	VerifyMaxTokens    int `yaml:"verify_max_tokens,omitempty"`
}

func (c *CogGRAGConfig) SetDefaults() {
	if c.MaxDepth == 0 {
		c.MaxDepth = 2
	}
	if c.MaxChildren == 0 {
		c.MaxChildren = 3
	}
	if c.ComplexityThreshold == 0 {
		c.ComplexityThreshold = 0.35
	}
	if c.PerLeafTopK == 0 {
		c.PerLeafTopK = 5
	}
	if c.GraphEvidenceMaxHops == 0 {
		c.GraphEvidenceMaxHops = 2
	}
	if c.GraphEvidenceLimit == 0 {
		c.GraphEvidenceLimit = 10
	}
	if c.LLMMaxConcurrency == 0 {
		c.LLMMaxConcurrency = 4
	}
	c.AbstainMode = true
	if c.AbstainThreshold == 0 {
		c.AbstainThreshold = 0.45
	}
	c.EnableVerification = true
	if c.MaxRethinkAttempts == 0 {
		c.MaxRethinkAttempts = 1
	}
	if c.MemorySize == 0 {
		c.MemorySize = 100
	}
	if c.MemoryPenalty == 0 {
		c.MemoryPenalty = 0.1
	}
	if c.DecomposeMaxTokens == 0 {
		c.DecomposeMaxTokens = 512
	}
	if c.ReasonMaxTokens == 0 {
		c.ReasonMaxTokens = 400
	}
	if c.VerifyMaxTokens == 0 {
		c.VerifyMaxTokens = 300
	}
}

func (c *CogGRAGConfig) Validate() error {
	if c.MaxDepth < 1 || c.MaxDepth > 4 {
		return fmt.Errorf("max_depth must be within [1,4], got %d", c.MaxDepth)
	}
	if c.MaxChildren < 1 || c.MaxChildren > 6 {
		return fmt.Errorf("max_children must be within [1,6], got %d", c.MaxChildren)
	}
	if c.AbstainThreshold < 0 || c.AbstainThreshold > 1 {
		return fmt.Errorf("abstain_threshold must be within [0,1], got %v", c.AbstainThreshold)
	}
	if c.LLMMaxConcurrency < 1 {
		return fmt.Errorf("llm_max_concurrency must be >= 1, got %d", c.LLMMaxConcurrency)
	}
	if c.MaxRethinkAttempts < 0 || c.MaxRethinkAttempts > 3 {
		return fmt.Errorf("max_rethink_attempts must be within [0,3], got %d", c.MaxRethinkAttempts)
	}
	return nil
}
