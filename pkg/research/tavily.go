package research

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/config"
)

// TavilyProvider calls the Tavily search API: raw ranked web results with
// native relevance scores, plus an optional synthesized answer.
type TavilyProvider struct {
	cfg    *config.ResearchConfig
	apiKey string
	http   *httpclient.Client
}

func NewTavilyProvider(cfg *config.ResearchConfig, logger *slog.Logger) (*TavilyProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("TAVILY_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("tavily: api key is required")
	}
	return &TavilyProvider{
		cfg:    cfg,
		apiKey: apiKey,
		http: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithLogger(logger),
		),
	}, nil
}

func (p *TavilyProvider) Name() string { return "tavily" }

type tavilyRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Research posts the search request. Text is the backend's answer when it
// produced one; sources keep Tavily's own relevance scores.
func (p *TavilyProvider) Research(ctx context.Context, query string, opts Options) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("tavily: empty query")
	}

	depth := "basic"
	if opts.Deep {
		depth = "advanced"
	}

	var resp tavilyResponse
	err := p.http.DoJSON(ctx, http.MethodPost, p.cfg.BaseURL+"/search",
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		tavilyRequest{
			Query:         query,
			SearchDepth:   depth,
			MaxResults:    maxSources(p.cfg, opts),
			IncludeAnswer: true,
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}

	result := &Result{Text: strings.TrimSpace(resp.Answer)}
	limit := maxSources(p.cfg, opts)
	for _, item := range resp.Results {
		if len(result.Sources) == limit {
			break
		}
		result.Sources = append(result.Sources, Source{
			Title:     item.Title,
			URL:       item.URL,
			Content:   item.Content,
			Type:      SourceTypeWeb,
			Provider:  p.Name(),
			Score:     item.Score,
			Published: item.PublishedDate,
		})
	}
	return result, nil
}
