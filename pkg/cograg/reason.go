package cograg

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/graphrag"
	"github.com/iurislab/relator/pkg/retrieval"
)

const insufficientAnswer = "Evidência insuficiente."

const leafPromptHeader = `Responda à subquestão jurídica abaixo usando exclusivamente os trechos e caminhos fornecidos. Cite cada afirmação com o marcador do trecho usado, na forma [ref:ID] ou [path:ID]. Não invente marcadores nem use conhecimento externo. Se os trechos não bastarem, responda exatamente: "` + insufficientAnswer + `"

Subquestão: %s
`

const synthesisPromptHeader = `Sintetize uma resposta à questão jurídica abaixo a partir das respostas às subquestões. Preserve os marcadores [ref:ID] e [path:ID] das respostas que utilizar; não invente marcadores novos.

Questão: %s
`

// markerRe matches citation markers in model output.
var markerRe = regexp.MustCompile(`\[(ref|path):([^\[\]\s]+)\]`)

// answerLeaves produces one grounded answer per leaf, in parallel under the
// concurrency limit. Leaves without evidence abstain locally without
// spending a model call.
func (r *Reasoner) answerLeaves(ctx context.Context, tr *audit.Trace, meter *budget.Meter, leaves []*Node, conflicts []Conflict) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LLMMaxConcurrency)

	for _, leaf := range leaves {
		g.Go(func() error {
			if len(leaf.Evidence) == 0 && len(leaf.Graph.Paths) == 0 {
				leaf.Issues = append(leaf.Issues, "sem evidência recuperada")
				return nil
			}

			local := conflictsTouching(leaf.ID, conflicts)
			text, err := r.generate(gctx, meter, r.cfg.ReasonMaxTokens, r.leafPrompt(leaf, local), false)
			if err != nil {
				if retrieval.Fatal(err) {
					return err
				}
				tr.Failure("reason", "llm", err)
				leaf.Issues = append(leaf.Issues, "resposta indisponível: "+err.Error())
				return nil
			}

			answer, kept, stripped := sanitizeMarkers(text, allowedMarkers(leaf))
			leaf.Answer = answer
			leaf.Citations = kept
			leaf.Stripped = stripped
			leaf.Confidence = r.leafConfidence(leaf, len(local))
			return nil
		})
	}
	return g.Wait()
}

// synthesize answers interior nodes bottom-up, deepest level first.
// Sibling synthesis at one level runs in parallel; a level never starts
// before the one below it finished.
func (r *Reasoner) synthesize(ctx context.Context, tr *audit.Trace, meter *budget.Meter, root *Node, conflicts []Conflict, guidance []string) error {
	byDepth := make(map[int][]*Node)
	maxDepth := 0
	root.Walk(func(n *Node) {
		if n.IsLeaf() {
			return
		}
		byDepth[n.Depth] = append(byDepth[n.Depth], n)
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	})

	for depth := maxDepth; depth >= 0; depth-- {
		nodes := byDepth[depth]
		if len(nodes) == 0 {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.LLMMaxConcurrency)
		for _, node := range nodes {
			g.Go(func() error {
				return r.synthesizeNode(gctx, tr, meter, node, conflicts, guidance)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reasoner) synthesizeNode(ctx context.Context, tr *audit.Trace, meter *budget.Meter, node *Node, conflicts []Conflict, guidance []string) error {
	answered := 0
	for _, c := range node.Children {
		if c.Answer != "" {
			answered++
		}
	}
	if answered == 0 {
		node.Issues = append(node.Issues, "nenhuma subquestão respondida")
		return nil
	}

	local := conflictsTouching(node.ID, conflicts)
	text, err := r.generate(ctx, meter, r.cfg.ReasonMaxTokens, r.synthesisPrompt(node, local, guidance), false)
	if err != nil {
		if retrieval.Fatal(err) {
			return err
		}
		tr.Failure("reason", "llm", err)
		node.Issues = append(node.Issues, "síntese indisponível: "+err.Error())
		return nil
	}

	answer, kept, stripped := sanitizeMarkers(text, allowedMarkers(node))
	node.Answer = answer
	node.Citations = kept
	node.Stripped = stripped
	node.Confidence = r.interiorConfidence(node, len(local))
	return nil
}

// leafPrompt lays out the numbered evidence, graph paths and conflict
// warnings for one leaf.
func (r *Reasoner) leafPrompt(leaf *Node, conflicts []Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, leafPromptHeader, leaf.Question)

	if len(leaf.Evidence) > 0 {
		b.WriteString("\nTrechos:\n")
		for _, item := range leaf.Evidence {
			fmt.Fprintf(&b, "[ref:%s] (%s) %s\n",
				item.Result.Chunk.ID, item.Result.Chunk.Dataset, excerpt(item.Result.EffectiveText(), 600))
		}
	}
	if len(leaf.Graph.Paths) > 0 {
		b.WriteString("\nCaminhos no grafo:\n")
		for _, p := range leaf.Graph.Paths {
			fmt.Fprintf(&b, "[path:%s] %s\n", p.UID, p.Text)
		}
	}
	writeConflictWarnings(&b, conflicts)
	return b.String()
}

// synthesisPrompt lays out children answers with their confidences, plus
// verification guidance on rethink passes.
func (r *Reasoner) synthesisPrompt(node *Node, conflicts []Conflict, guidance []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, synthesisPromptHeader, node.Question)

	b.WriteString("\nRespostas às subquestões:\n")
	for _, c := range node.Children {
		if c.Answer == "" {
			continue
		}
		fmt.Fprintf(&b, "Subquestão (confiança %.2f): %s\nResposta: %s\n\n", c.Confidence, c.Question, c.Answer)
	}
	writeConflictWarnings(&b, conflicts)
	if len(guidance) > 0 {
		b.WriteString("\nProblemas apontados na verificação anterior; corrija-os:\n")
		for _, g := range guidance {
			b.WriteString("- " + g + "\n")
		}
	}
	return b.String()
}

func writeConflictWarnings(b *strings.Builder, conflicts []Conflict) {
	if len(conflicts) == 0 {
		return
	}
	b.WriteString("\nAtenção: os trechos abaixo podem divergir; aponte a divergência em vez de escolher um lado silenciosamente.\n")
	for _, c := range conflicts {
		fmt.Fprintf(b, "- [ref:%s] e [ref:%s]\n", c.RefA, c.RefB)
	}
}

// allowedMarkers collects every citable id for a node: its own evidence and
// graph paths plus everything its descendants may cite, since synthesis
// carries children markers upward.
func allowedMarkers(node *Node) map[string]bool {
	out := make(map[string]bool)
	node.Walk(func(n *Node) {
		for _, item := range n.Evidence {
			out[item.Result.Chunk.ID] = true
		}
		for _, p := range n.Graph.Paths {
			out[p.UID] = true
		}
	})
	return out
}

// sanitizeMarkers strips markers that do not address the node's evidence
// and returns the distinct kept markers in first-use order.
func sanitizeMarkers(text string, allowed map[string]bool) (string, []string, int) {
	var kept []string
	seen := make(map[string]bool)
	stripped := 0

	out := markerRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := markerRe.FindStringSubmatch(m)
		if !allowed[sub[2]] {
			stripped++
			return ""
		}
		marker := sub[1] + ":" + sub[2]
		if !seen[marker] {
			seen[marker] = true
			kept = append(kept, marker)
		}
		return m
	})

	out = strings.TrimSpace(squeezeSpaces(out))
	return out, kept, stripped
}

var spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)

func squeezeSpaces(s string) string {
	return spaceRunRe.ReplaceAllString(s, " ")
}

// excerpt truncates prompt blocks at a rune boundary.
func excerpt(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}

// leafConfidence blends evidence quantity, average quality and answer
// substance, minus a penalty per conflict touching the node.
func (r *Reasoner) leafConfidence(leaf *Node, conflictCount int) float64 {
	denom := r.cfg.PerLeafTopK
	if denom < 1 {
		denom = 1
	}
	count := len(leaf.Evidence) + len(leaf.Graph.Paths)
	evidence := math.Min(1, float64(count)/float64(denom))

	var quality float64
	for _, item := range leaf.Evidence {
		quality += item.Quality
	}
	if len(leaf.Evidence) > 0 {
		quality /= float64(len(leaf.Evidence))
	}

	substance := answerSubstance(leaf.Answer, len(leaf.Citations))
	return clamp01(0.3*evidence + 0.3*quality + 0.4*substance - 0.15*float64(conflictCount))
}

// interiorConfidence leans on the children: a synthesis is only as solid as
// what it synthesizes.
func (r *Reasoner) interiorConfidence(node *Node, conflictCount int) float64 {
	var sum float64
	n := 0
	for _, c := range node.Children {
		if c.Answer != "" {
			sum += c.Confidence
			n++
		}
	}
	childMean := 0.0
	if n > 0 {
		childMean = sum / float64(n)
	}
	substance := answerSubstance(node.Answer, len(node.Citations))
	return clamp01(0.7*childMean + 0.3*substance - 0.15*float64(conflictCount))
}

// answerSubstance scores how assertable an answer is: zero for empty or
// explicitly insufficient answers, rising with grounded citations.
func answerSubstance(answer string, citations int) float64 {
	if len(answer) < 40 {
		return 0
	}
	if strings.Contains(graphrag.Normalize(answer), graphrag.Normalize(insufficientAnswer)) {
		return 0
	}
	return math.Min(1, 0.5+0.25*float64(citations))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// avgLeafConfidence is the abstain gate's input.
func avgLeafConfidence(leaves []*Node) float64 {
	if len(leaves) == 0 {
		return 0
	}
	var sum float64
	for _, l := range leaves {
		sum += l.Confidence
	}
	return sum / float64(len(leaves))
}

// validAnswers counts leaves that produced a usable grounded answer.
func validAnswers(leaves []*Node) int {
	n := 0
	for _, l := range leaves {
		if l.Answer != "" && l.Confidence > 0 && answerSubstance(l.Answer, len(l.Citations)) > 0 {
			n++
		}
	}
	return n
}

// subAnswers flattens every answered non-root node in pre-order.
func subAnswers(root *Node) []SubAnswer {
	var out []SubAnswer
	root.Walk(func(n *Node) {
		if n == root || n.Answer == "" {
			return
		}
		out = append(out, SubAnswer{
			NodeID:     n.ID,
			Question:   n.Question,
			Answer:     n.Answer,
			Confidence: n.Confidence,
			Citations:  append([]string(nil), n.Citations...),
		})
	})
	return out
}

// collectIssues aggregates per-node issues with their node ids, in stable
// order.
func collectIssues(root *Node) []string {
	var out []string
	root.Walk(func(n *Node) {
		for _, issue := range n.Issues {
			out = append(out, n.ID+": "+issue)
		}
	})
	sort.Strings(out)
	return out
}
