package config

import (
	"fmt"
	"os"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderGemini    LLMProvider = "gemini"
	LLMProviderOllama    LLMProvider = "ollama"
)

// LLMConfig configures one LLM provider instance.
type LLMConfig struct {
	// Provider type (anthropic, openai, gemini, ollama).
	Provider LLMProvider `yaml:"provider,omitempty"`

	// Model identifier, provider-specific.
	Model string `yaml:"model,omitempty"`

	// APIKey supports ${VAR} expansion; falls back to the provider's
	// conventional environment variable.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature for generation; nil keeps the provider default.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int `yaml:"max_retries,omitempty"`
}

// detectProviderFromEnv keys off which API key is present.
func detectProviderFromEnv() LLMProvider {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderOllama
}

// ProviderAPIKey returns the conventional environment key for a provider.
func ProviderAPIKey(provider LLMProvider) string {
	switch provider {
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case LLMProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case LLMProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}
	if c.Model == "" {
		switch c.Provider {
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		case LLMProviderOllama:
			c.Model = "llama3.2"
		}
	}
	if c.APIKey == "" {
		c.APIKey = ProviderAPIKey(c.Provider)
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case LLMProviderAnthropic:
			c.BaseURL = "https://api.anthropic.com"
		case LLMProviderOpenAI:
			c.BaseURL = "https://api.openai.com/v1"
		case LLMProviderOllama:
			c.BaseURL = "http://localhost:11434"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderAnthropic, LLMProviderOpenAI, LLMProviderGemini, LLMProviderOllama:
	default:
		return fmt.Errorf("invalid llm provider %q (valid: anthropic, openai, gemini, ollama)", c.Provider)
	}
	if c.Provider != LLMProviderOllama && c.APIKey == "" {
		return fmt.Errorf("provider %s requires an api key", c.Provider)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0,2], got %v", *c.Temperature)
	}
	return nil
}

// EmbedderProvider identifies the embedding provider type.
type EmbedderProvider string

const (
	EmbedderProviderOpenAI EmbedderProvider = "openai"
	EmbedderProviderOllama EmbedderProvider = "ollama"
	EmbedderProviderCohere EmbedderProvider = "cohere"
)

// EmbedderConfig configures one embedding provider instance.
type EmbedderConfig struct {
	Provider EmbedderProvider `yaml:"provider,omitempty"`

	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Dimension of produced vectors; must match the collection schema.
	Dimension int `yaml:"dimension,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int `yaml:"max_retries,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = EmbedderProviderOpenAI
	}
	if c.Model == "" {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.Model = "text-embedding-3-small"
		case EmbedderProviderOllama:
			c.Model = "nomic-embed-text"
		case EmbedderProviderCohere:
			c.Model = "embed-multilingual-v3.0"
		}
	}
	if c.APIKey == "" {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		case EmbedderProviderCohere:
			c.APIKey = os.Getenv("COHERE_API_KEY")
		}
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.BaseURL = "https://api.openai.com/v1"
		case EmbedderProviderOllama:
			c.BaseURL = "http://localhost:11434"
		case EmbedderProviderCohere:
			c.BaseURL = "https://api.cohere.com"
		}
	}
	if c.Dimension == 0 {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.Dimension = 1536
		case EmbedderProviderOllama:
			c.Dimension = 768
		case EmbedderProviderCohere:
			c.Dimension = 1024
		}
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case EmbedderProviderOpenAI, EmbedderProviderOllama, EmbedderProviderCohere:
	default:
		return fmt.Errorf("invalid embedder provider %q (valid: openai, ollama, cohere)", c.Provider)
	}
	if c.Provider != EmbedderProviderOllama && c.APIKey == "" {
		return fmt.Errorf("provider %s requires an api key", c.Provider)
	}
	if c.Dimension < 1 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	return nil
}
