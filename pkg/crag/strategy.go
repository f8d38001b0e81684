package crag

import (
	"fmt"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
)

// Strategy names one corrective move. The set is closed and the order below
// is the fixed escalation order.
type Strategy string

const (
	// StrategyExpandTopK widens top_k by the moderate multiplier.
	StrategyExpandTopK Strategy = "expand_topk"

	// StrategyAggressive raises hybrid weights and doubles top_k.
	StrategyAggressive Strategy = "aggressive_hybrid"

	// StrategyMultiQuery retries with paraphrased variants.
	StrategyMultiQuery Strategy = "multi_query"

	// StrategyHyDE retries with a hypothetical-document embedding.
	StrategyHyDE Strategy = "hyde"

	// StrategyCombined runs multi-query and HyDE together.
	StrategyCombined Strategy = "combined"

	// StrategyDatasetExpansion widens the dataset list to every source the
	// scope admits. Last resort.
	StrategyDatasetExpansion Strategy = "dataset_expansion"
)

// escalation is the fixed order strategies are tried in once the gate asks
// for more than a top_k widening.
var escalation = []Strategy{
	StrategyAggressive,
	StrategyMultiQuery,
	StrategyHyDE,
	StrategyCombined,
	StrategyDatasetExpansion,
}

// Params are the retrieval knobs a strategy turns. Zero values mean "keep
// the request's setting".
type Params struct {
	TopKMultiplier float64
	LexicalWeight  float64
	VectorWeight   float64
	UseMultiQuery  bool
	UseHyDE        bool
	ExpandDatasets bool
}

// String renders the non-zero knobs for the corrective audit record.
func (p Params) String() string {
	s := ""
	if p.TopKMultiplier > 0 {
		s += fmt.Sprintf("topk_x=%.1f ", p.TopKMultiplier)
	}
	if p.LexicalWeight > 0 || p.VectorWeight > 0 {
		s += fmt.Sprintf("w_lex=%.1f w_vec=%.1f ", p.LexicalWeight, p.VectorWeight)
	}
	if p.UseMultiQuery {
		s += "multi_query "
	}
	if p.UseHyDE {
		s += "hyde "
	}
	if p.ExpandDatasets {
		s += "expand_datasets "
	}
	if s == "" {
		return ""
	}
	return s[:len(s)-1]
}

// paramsFor maps a strategy to its knob settings under the given config.
func paramsFor(s Strategy, cfg config.CRAGConfig) Params {
	switch s {
	case StrategyExpandTopK:
		return Params{TopKMultiplier: cfg.ModerateTopKMultiplier}
	case StrategyAggressive:
		return Params{
			TopKMultiplier: cfg.AggressiveTopKMultiplier,
			LexicalWeight:  cfg.AggressiveLexicalWeight,
			VectorWeight:   cfg.AggressiveVectorWeight,
		}
	case StrategyMultiQuery:
		return Params{UseMultiQuery: true}
	case StrategyHyDE:
		return Params{UseHyDE: true}
	case StrategyCombined:
		return Params{UseMultiQuery: true, UseHyDE: true}
	case StrategyDatasetExpansion:
		return Params{ExpandDatasets: true, TopKMultiplier: cfg.AggressiveTopKMultiplier}
	}
	return Params{}
}

// Plan returns the ordered strategies for an evidence level, skipping any
// the request already ran. Strong evidence plans nothing.
func Plan(evidence retrieval.EvidenceLevel, used map[string]bool) []Strategy {
	var candidates []Strategy
	switch evidence {
	case retrieval.EvidenceStrong:
		return nil
	case retrieval.EvidenceModerate:
		candidates = []Strategy{StrategyExpandTopK}
	case retrieval.EvidenceLow:
		candidates = escalation[:3]
	default: // insufficient
		candidates = escalation
	}

	out := make([]Strategy, 0, len(candidates))
	for _, s := range candidates {
		if used != nil && used[string(s)] {
			continue
		}
		out = append(out, s)
	}
	return out
}
