package config

import "fmt"

// BudgetConfig caps per-request LLM spend. Exceeding a hard cap aborts the
// request.
type BudgetConfig struct {
	// MaxLLMCalls caps LLM calls per request. 0 keeps the default.
	MaxLLMCalls int `yaml:"max_llm_calls_per_request,omitempty"`

	// MaxTokens caps cumulative output tokens per request.
	MaxTokens int `yaml:"max_tokens_per_request,omitempty"`

	// MaxWallSeconds is the hard request deadline.
	MaxWallSeconds int `yaml:"max_wall_seconds,omitempty"`

	// WarnPercent logs a warning when usage crosses this share of a cap.
	WarnPercent int `yaml:"warn_percent,omitempty"`

	// TokenizerModel selects the tiktoken encoding used to count text.
	TokenizerModel string `yaml:"tokenizer_model,omitempty"`
}

func (c *BudgetConfig) SetDefaults() {
	if c.MaxLLMCalls == 0 {
		c.MaxLLMCalls = 20
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 32000
	}
	if c.MaxWallSeconds == 0 {
		c.MaxWallSeconds = 120
	}
	if c.WarnPercent == 0 {
		c.WarnPercent = 80
	}
	if c.TokenizerModel == "" {
		c.TokenizerModel = "gpt-4o"
	}
}

func (c *BudgetConfig) Validate() error {
	if c.MaxLLMCalls < 0 || c.MaxTokens < 0 || c.MaxWallSeconds < 0 {
		return fmt.Errorf("budget caps must be non-negative")
	}
	if c.WarnPercent < 0 || c.WarnPercent > 100 {
		return fmt.Errorf("warn_percent must be within [0,100], got %d", c.WarnPercent)
	}
	return nil
}

// AuditConfig controls where finished traces are persisted.
type AuditConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// TracePath is the JSONL trace log location.
	TracePath string `yaml:"trace_path,omitempty"`

	// SQLDriver optionally mirrors records into a database
	// ("sqlite3" or "postgres"); empty disables the mirror.
	SQLDriver string `yaml:"sql_driver,omitempty"`

	// SQLDSN is the connection string for the SQL mirror.
	SQLDSN string `yaml:"sql_dsn,omitempty"`
}

func (c *AuditConfig) SetDefaults() {
	if c.TracePath == "" {
		c.TracePath = "data/traces.jsonl"
	}
}

func (c *AuditConfig) Validate() error {
	switch c.SQLDriver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid sql_driver %q (valid: sqlite3, postgres)", c.SQLDriver)
	}
	if c.SQLDriver != "" && c.SQLDSN == "" {
		return fmt.Errorf("sql_driver set but sql_dsn is empty")
	}
	return nil
}
