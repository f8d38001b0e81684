package config

import "fmt"

// AgentConfig tunes the streaming deep-research loop.
type AgentConfig struct {
	// LLM names the planner provider instance.
	LLM string `yaml:"llm,omitempty"`

	// MaxIterations bounds planner rounds per run.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// ToolTimeoutSeconds bounds each tool execution.
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds,omitempty"`

	// EventBuffer is the bounded event channel capacity; slow consumers
	// block the producer.
	EventBuffer int `yaml:"event_buffer,omitempty"`

	// MaxToolResultChars truncates tool output fed back to the planner.
	MaxToolResultChars int `yaml:"max_tool_result_chars,omitempty"`

	// Providers enables a subset of the configured research providers;
	// empty enables all.
	Providers []string `yaml:"providers,omitempty"`

	// AskUser exposes the ask_user tool, pausing the stream for input.
	AskUser bool `yaml:"ask_user,omitempty"`

	// SourceBoosts re-rank collected sources by source type at assembly.
	SourceBoosts map[string]float64 `yaml:"source_boosts,omitempty"`

	// StudySectionMaxTokens bounds generate_study_section output.
	StudySectionMaxTokens int `yaml:"study_section_max_tokens,omitempty"`

	// PlannerMaxTokens bounds each planner call.
	PlannerMaxTokens int `yaml:"planner_max_tokens,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 6
	}
	if c.ToolTimeoutSeconds == 0 {
		c.ToolTimeoutSeconds = 30
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.MaxToolResultChars == 0 {
		c.MaxToolResultChars = 4000
	}
	if c.SourceBoosts == nil {
		c.SourceBoosts = map[string]float64{
			"statute":  0.15,
			"case_law": 0.10,
			"doctrine": 0.05,
			"web":      0.0,
		}
	}
	if c.StudySectionMaxTokens == 0 {
		c.StudySectionMaxTokens = 800
	}
	if c.PlannerMaxTokens == 0 {
		c.PlannerMaxTokens = 1024
	}
	c.AskUser = true
}

func (c *AgentConfig) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > 20 {
		return fmt.Errorf("max_iterations must be within [1,20], got %d", c.MaxIterations)
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be >= 1, got %d", c.EventBuffer)
	}
	return nil
}

// ResearchProvider identifies a deep-research backend.
type ResearchProvider string

const (
	ResearchProviderPerplexity ResearchProvider = "perplexity"
	ResearchProviderTavily     ResearchProvider = "tavily"
)

// ResearchConfig configures one deep-research provider instance.
type ResearchConfig struct {
	Provider ResearchProvider `yaml:"provider,omitempty"`

	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`

	// MaxSources caps sources returned per call.
	MaxSources int `yaml:"max_sources,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int `yaml:"max_retries,omitempty"`
}

// SetDefaults fills provider-specific defaults; name is the instance key
// and doubles as provider when unset.
func (c *ResearchConfig) SetDefaults(name string) {
	if c.Provider == "" {
		c.Provider = ResearchProvider(name)
	}
	switch c.Provider {
	case ResearchProviderPerplexity:
		if c.BaseURL == "" {
			c.BaseURL = "https://api.perplexity.ai"
		}
		if c.Model == "" {
			c.Model = "sonar-pro"
		}
	case ResearchProviderTavily:
		if c.BaseURL == "" {
			c.BaseURL = "https://api.tavily.com"
		}
	}
	if c.MaxSources == 0 {
		c.MaxSources = 10
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

func (c *ResearchConfig) Validate() error {
	switch c.Provider {
	case ResearchProviderPerplexity, ResearchProviderTavily:
	default:
		return fmt.Errorf("invalid research provider %q (valid: perplexity, tavily)", c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("research provider %s requires an api key", c.Provider)
	}
	return nil
}
