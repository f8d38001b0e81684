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

// perplexitySystemPrompt keeps answers grounded and citable; the planner
// supplies the actual research question.
const perplexitySystemPrompt = "Você é um assistente de pesquisa jurídica. " +
	"Responda com fatos verificáveis, cite as fontes utilizadas e indique " +
	"quando a informação for incerta."

// PerplexityProvider asks the Perplexity sonar API, which synthesizes an
// answer over a live web search and returns the pages it consulted.
type PerplexityProvider struct {
	cfg    *config.ResearchConfig
	apiKey string
	http   *httpclient.Client
}

func NewPerplexityProvider(cfg *config.ResearchConfig, logger *slog.Logger) (*PerplexityProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("PERPLEXITY_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("perplexity: api key is required")
	}
	return &PerplexityProvider{
		cfg:    cfg,
		apiKey: apiKey,
		http: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithLogger(logger),
		),
	}, nil
}

func (p *PerplexityProvider) Name() string { return "perplexity" }

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Date  string `json:"date"`
	} `json:"search_results"`
}

// Research posts the query as a chat turn. The answer text is the model
// output with any visible reasoning block split into ThinkingSteps; sources
// come from search_results, falling back to the bare citation URLs older
// models return.
func (p *PerplexityProvider) Research(ctx context.Context, query string, opts Options) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("perplexity: empty query")
	}

	var resp perplexityResponse
	err := p.http.DoJSON(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		perplexityRequest{
			Model: p.cfg.Model,
			Messages: []perplexityMessage{
				{Role: "system", Content: perplexitySystemPrompt},
				{Role: "user", Content: query},
			},
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("perplexity: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("perplexity: no choices returned")
	}

	text, steps := splitThinking(resp.Choices[0].Message.Content)
	result := &Result{Text: text, ThinkingSteps: steps}

	limit := maxSources(p.cfg, opts)
	for i, sr := range resp.SearchResults {
		if len(result.Sources) == limit {
			break
		}
		result.Sources = append(result.Sources, Source{
			Title:     sr.Title,
			URL:       sr.URL,
			Type:      SourceTypeWeb,
			Provider:  p.Name(),
			Score:     RankScore(i),
			Published: sr.Date,
		})
	}
	if len(result.Sources) == 0 {
		for i, u := range resp.Citations {
			if len(result.Sources) == limit {
				break
			}
			result.Sources = append(result.Sources, Source{
				URL:      u,
				Type:     SourceTypeWeb,
				Provider: p.Name(),
				Score:    RankScore(i),
			})
		}
	}
	return result, nil
}

// splitThinking strips <think> blocks from reasoning-model output, returning
// the remaining answer and the blocks as steps.
func splitThinking(content string) (string, []string) {
	const openTag, closeTag = "<think>", "</think>"

	var steps []string
	var text strings.Builder
	for {
		start := strings.Index(content, openTag)
		if start < 0 {
			text.WriteString(content)
			break
		}
		end := strings.Index(content[start:], closeTag)
		if end < 0 {
			// Unterminated block: treat the opener as literal text.
			text.WriteString(content)
			break
		}
		text.WriteString(content[:start])
		step := strings.TrimSpace(content[start+len(openTag) : start+end])
		if step != "" {
			steps = append(steps, step)
		}
		content = content[start+end+len(closeTag):]
	}
	return strings.TrimSpace(text.String()), steps
}
