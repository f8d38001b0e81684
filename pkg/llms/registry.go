package llms

import (
	"fmt"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/registry"
)

// Registry holds named provider instances built from configuration.
type Registry struct {
	registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: *registry.NewBaseRegistry[Provider]()}
}

// CreateFromConfig instantiates a provider and registers it under name.
func (r *Registry) CreateFromConfig(name string, cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm %q: nil config", name)
	}

	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		provider, err = NewOpenAIProvider(cfg)
	case config.LLMProviderAnthropic:
		provider, err = NewAnthropicProvider(cfg)
	case config.LLMProviderGemini:
		provider, err = NewGeminiProvider(cfg)
	case config.LLMProviderOllama:
		provider, err = NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("llm %q: unsupported provider %q", name, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("llm %q: %w", name, err)
	}

	if err := r.Register(name, provider); err != nil {
		_ = provider.Close()
		return nil, err
	}
	return provider, nil
}

// Close shuts down every registered provider, returning the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
