// Package research wraps the deep-research backends the agent loop exposes
// as search tools. A provider answers a free-text query with web sources
// and, when the backend synthesizes one, a grounded answer text. Sources
// carry a stable dedup key so the orchestrator can collapse the same page
// or passage arriving from different tools.
package research

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/graphrag"
	"github.com/iurislab/relator/pkg/registry"
)

// SourceTypeWeb marks sources fetched from the open web. Sources lifted from
// the retrieval pipeline carry their dataset name instead.
const SourceTypeWeb = "web"

// Source is one evidence item a research call or a RAG tool produced.
type Source struct {
	Title     string  `json:"title,omitempty"`
	URL       string  `json:"url,omitempty"`
	Content   string  `json:"content,omitempty"`
	Type      string  `json:"type"`
	Provider  string  `json:"provider"`
	Score     float64 `json:"score"`
	Published string  `json:"published,omitempty"`

	// ChunkID is set on sources lifted from the retrieval pipeline so study
	// sections can cite them with [ref:] markers.
	ChunkID string `json:"chunk_id,omitempty"`
}

// Key is the identity sources are de-duplicated on: the normalized URL when
// present, else a hash of the normalized content.
func (s Source) Key() string {
	if u := normalizeURL(s.URL); u != "" {
		return u
	}
	sum := sha1.Sum([]byte(graphrag.Normalize(s.Content)))
	return "content:" + hex.EncodeToString(sum[:])
}

// normalizeURL collapses trivially different spellings of the same address:
// case-insensitive scheme and host, no fragment, no trailing slash.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Result is what one research call returned.
type Result struct {
	// Text is the backend's synthesized answer; empty when the backend only
	// returns raw sources.
	Text string `json:"text,omitempty"`

	Sources []Source `json:"sources,omitempty"`

	// ThinkingSteps are the backend's visible reasoning passages, when the
	// model exposes them.
	ThinkingSteps []string `json:"thinking_steps,omitempty"`
}

// Options tunes a single research call.
type Options struct {
	// MaxSources overrides the configured per-call source cap when > 0.
	MaxSources int

	// Deep requests a more thorough, slower search on backends that
	// distinguish depth.
	Deep bool
}

// Provider is a deep-research backend. Implementations cap the source list
// at the configured maximum and return empty results without error.
type Provider interface {
	Research(ctx context.Context, query string, opts Options) (*Result, error)
	Name() string
}

// Registry holds named research provider instances built from configuration.
type Registry struct {
	registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: *registry.NewBaseRegistry[Provider]()}
}

// CreateFromConfig instantiates a provider and registers it under name.
func (r *Registry) CreateFromConfig(name string, cfg *config.ResearchConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("research %q: nil config", name)
	}

	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case config.ResearchProviderPerplexity:
		provider, err = NewPerplexityProvider(cfg, nil)
	case config.ResearchProviderTavily:
		provider, err = NewTavilyProvider(cfg, nil)
	default:
		return nil, fmt.Errorf("research %q: unsupported provider %q", name, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("research %q: %w", name, err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// maxSources resolves the per-call cap: the option when set, else the
// configured default.
func maxSources(cfg *config.ResearchConfig, opts Options) int {
	if opts.MaxSources > 0 {
		return opts.MaxSources
	}
	return cfg.MaxSources
}

// RankScore derives a comparable [0,1] score from list position, for sources
// whose origin ranks but does not score them.
func RankScore(rank int) float64 {
	return 1.0 / float64(1+rank)
}
