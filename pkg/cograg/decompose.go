package cograg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/retrieval"
)

const decomposePrompt = `Decomponha a questão jurídica abaixo em uma árvore de subquestões que possam ser pesquisadas separadamente em bases de legislação, jurisprudência e doutrina. Profundidade máxima: %d níveis. No máximo %d subquestões por nível. Atribua a cada nó uma complexidade entre 0.0 e 1.0; questões simples e diretas não precisam de subquestões.

Questão: %s

Responda apenas com JSON no formato:
{"question": "...", "complexity": 0.8, "children": [{"question": "...", "complexity": 0.3, "children": []}]}`

// decomposed is the wire shape the model returns.
type decomposed struct {
	Question   string       `json:"question"`
	Complexity float64      `json:"complexity"`
	Children   []decomposed `json:"children"`
}

// decompose builds the sub-question tree. A question below the complexity
// threshold skips the model entirely; model or parse failures degrade to a
// single-node tree so the run answers the question directly.
func (r *Reasoner) decompose(ctx context.Context, tr *audit.Trace, meter *budget.Meter, question string) (*Node, []string, error) {
	root := &Node{ID: "q", Question: question, Complexity: estimateComplexity(question)}
	if r.cfg.MaxDepth <= 1 || root.Complexity < r.cfg.ComplexityThreshold {
		return root, nil, nil
	}

	prompt := fmt.Sprintf(decomposePrompt, r.cfg.MaxDepth, r.cfg.MaxChildren, question)
	text, err := r.generate(ctx, meter, r.cfg.DecomposeMaxTokens, prompt, true)
	if err != nil {
		if retrieval.Fatal(err) {
			return nil, nil, err
		}
		tr.Failure("decompose", "llm", err)
		return root, []string{"decomposição indisponível; questão respondida diretamente"}, nil
	}

	parsed, err := parseTree(text)
	if err != nil {
		tr.Failure("decompose", "parse", err)
		return root, []string{"árvore de subquestões ilegível; questão respondida diretamente"}, nil
	}

	// The model's root text is discarded: the run answers the caller's
	// question, not the model's paraphrase of it.
	r.graft(root, parsed.Children, 1)
	return root, nil, nil
}

// graft attaches model-proposed children, enforcing depth, branching and
// the complexity stop.
func (r *Reasoner) graft(parent *Node, children []decomposed, depth int) {
	if depth > r.cfg.MaxDepth || parent.Complexity < r.cfg.ComplexityThreshold {
		return
	}
	for _, child := range children {
		q := strings.TrimSpace(child.Question)
		if q == "" {
			continue
		}
		node := &Node{
			ID:         fmt.Sprintf("%s.%d", parent.ID, len(parent.Children)+1),
			Question:   q,
			Depth:      depth,
			Complexity: child.Complexity,
		}
		if node.Complexity == 0 {
			node.Complexity = estimateComplexity(q)
		}
		parent.Children = append(parent.Children, node)
		r.graft(node, child.Children, depth+1)
		if len(parent.Children) == r.cfg.MaxChildren {
			return
		}
	}
}

// parseTree extracts the first balanced JSON object from the model answer.
// Models wrap objects in prose often enough that scanning beats trusting
// the whole body.
func parseTree(text string) (decomposed, error) {
	start, end, depth := -1, -1, 0
	inString, escaped := false, false
	for i, c := range text {
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
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				end = i + 1
			}
		}
		if end != -1 {
			break
		}
	}
	if start == -1 || end == -1 {
		return decomposed{}, fmt.Errorf("no JSON object in response")
	}

	var out decomposed
	if err := json.Unmarshal([]byte(text[start:end]), &out); err != nil {
		return decomposed{}, fmt.Errorf("malformed decomposition: %w", err)
	}
	return out, nil
}

// complexityMarkers are clause joins that signal a compound question.
var complexityMarkers = []string{" e ", " ou ", "; ", " bem como ", " além d", " quando ", " caso "}

// estimateComplexity scores a question locally when the model omits a
// value: length plus clause joins, clamped to [0,1].
func estimateComplexity(question string) float64 {
	words := len(strings.Fields(question))
	c := float64(words) / 20.0
	lower := strings.ToLower(question)
	for _, m := range complexityMarkers {
		c += 0.1 * float64(strings.Count(lower, m))
	}
	if c > 1 {
		c = 1
	}
	return c
}

// countNodes sizes a tree for trace counters.
func countNodes(root *Node) int {
	n := 0
	root.Walk(func(*Node) { n++ })
	return n
}
