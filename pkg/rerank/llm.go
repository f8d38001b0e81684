package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/retrieval"
)

const rerankSystemPrompt = `Você é um sistema de ordenação de resultados de busca jurídica. Dada uma consulta e uma lista de trechos numerados, devolva um array JSON com os identificadores dos trechos ordenados do mais relevante para o menos relevante. Responda apenas com o array JSON.`

// LLMReranker cross-scores candidates with a chat model. The model returns
// an ordering; scores are assigned from final position (1.0, 0.95, ...,
// floor 0.1), so downstream thresholds read "how high did it rank", not
// "how similar is it".
type LLMReranker struct {
	cfg      config.RerankConfig
	provider llms.Provider
	logger   *slog.Logger
}

// NewLLMReranker builds the local reranker.
func NewLLMReranker(cfg config.RerankConfig, provider llms.Provider, logger *slog.Logger) *LLMReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReranker{cfg: cfg, provider: provider, logger: logger}
}

func (r *LLMReranker) Name() string { return "llm" }

// Rerank scores candidates in batches of BatchSize. Batches are ranked
// independently and concatenated in fused order, so cross-batch precedence
// follows fusion while each batch is reordered by the model. IDs the model
// invents are dropped; IDs it omits keep their batch position at the end.
func (r *LLMReranker) Rerank(ctx context.Context, meter *budget.Meter, query string, candidates []retrieval.Result, topK int) ([]retrieval.Result, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 8
	}

	ordered := make([]retrieval.Result, 0, len(candidates))
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		ranked, err := r.rankBatch(ctx, meter, query, batch)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, ranked...)
	}

	for i := range ordered {
		score := positionScore(i)
		res := ordered[i].Clone()
		res.RerankScore = &score
		res.Provenance = append(res.Provenance, "rerank")
		ordered[i] = res
	}

	if len(ordered) > topK {
		ordered = ordered[:topK]
	}
	return ordered, nil
}

// rankBatch asks the model to order one batch and materializes the answer.
func (r *LLMReranker) rankBatch(ctx context.Context, meter *budget.Meter, query string, batch []retrieval.Result) ([]retrieval.Result, error) {
	if len(batch) == 1 {
		return batch, nil
	}
	if meter != nil {
		if err := meter.ChargeCall(); err != nil {
			return nil, err
		}
	}

	completion, err := r.provider.Generate(ctx, llms.Request{
		Messages: []llms.Message{
			llms.System(rerankSystemPrompt),
			llms.User(r.buildPrompt(query, batch)),
		},
		MaxTokens: 256,
		ForceJSON: true,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank batch: %w", err)
	}
	if meter != nil {
		if err := meter.AddTokens(completion.TotalTokens()); err != nil {
			r.logger.Warn("rerank pushed token budget over cap")
		}
	}

	ids, err := parseIDArray(completion.Text)
	if err != nil {
		r.logger.Warn("unparseable rerank response, keeping batch order", "error", err)
		return batch, nil
	}

	byID := make(map[string]retrieval.Result, len(batch))
	for _, res := range batch {
		byID[res.Chunk.ID] = res
	}

	ranked := make([]retrieval.Result, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, id := range ids {
		res, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		ranked = append(ranked, res)
		seen[id] = true
	}
	for _, res := range batch {
		if !seen[res.Chunk.ID] {
			ranked = append(ranked, res)
		}
	}
	return ranked, nil
}

func (r *LLMReranker) buildPrompt(query string, batch []retrieval.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consulta: %s\n\nTrechos:\n\n", sanitize(query))
	for i, res := range batch {
		text := res.EffectiveText()
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Fprintf(&b, "Trecho %d (id: %s) [%s]:\n%s\n\n",
			i+1, res.Chunk.ID, res.Chunk.Dataset, sanitize(text))
	}
	b.WriteString(`Devolva um array JSON com os ids ordenados por relevância. Exemplo: ["id1", "id2"]`)
	return b.String()
}

// parseIDArray decodes the first balanced JSON array of strings in text.
func parseIDArray(text string) ([]string, error) {
	start := strings.IndexByte(text, '[')
	if start == -1 {
		return nil, fmt.Errorf("no JSON array in response")
	}
	depth := 0
	end := -1
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				end = i + 1
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return nil, fmt.Errorf("unterminated JSON array")
	}
	var ids []string
	if err := json.Unmarshal([]byte(text[start:end]), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// sanitize strips prompt-injection vectors from retrieved text before it
// enters the ranking prompt.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "```", "")
	return strings.Join(strings.Fields(s), " ")
}
