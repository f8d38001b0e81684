package cograg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
)

const verifyPrompt = `Verifique se a resposta abaixo é sustentada pelos trechos citados. Aponte afirmações sem suporte, citações incorretas ou contradições ignoradas.

Questão: %s

Resposta:
%s

Trechos citados:
%s

Responda apenas com JSON no formato:
{"verdict": "aprovado" ou "revisar", "issues": ["problema 1", "problema 2"]}`

type verdict struct {
	Verdict string   `json:"verdict"`
	Issues  []string `json:"issues"`
}

// verify checks the final answer against its cited evidence and reruns the
// root synthesis with the verifier's guidance up to the rethink budget.
// Verification never fails the run: model errors and budget exhaustion
// degrade to an unverified status.
func (r *Reasoner) verify(ctx context.Context, tr *audit.Trace, meter *budget.Meter, root *Node, conflicts []Conflict) (string, []string) {
	if !r.cfg.EnableVerification || root.Answer == "" {
		return StatusUnverified, nil
	}

	var issues []string
	for attempt := 0; ; attempt++ {
		if !meter.CanCall() {
			tr.Record(audit.StageEvent{
				Kind:  audit.EventBudgetSkip,
				Stage: "verify",
				Note:  "verificação interrompida pelo orçamento",
			})
			return StatusUnverified, append(issues, "verificação interrompida pelo orçamento")
		}

		v, err := r.checkAnswer(ctx, meter, root)
		if err != nil {
			tr.Failure("verify", "llm", err)
			return StatusUnverified, append(issues, "verificação indisponível: "+err.Error())
		}
		if approved(v.Verdict) {
			return StatusVerified, nil
		}

		issues = v.Issues
		if len(issues) == 0 {
			issues = []string{"verificador reprovou a resposta sem detalhar"}
		}
		if attempt >= r.cfg.MaxRethinkAttempts {
			return StatusUnverified, issues
		}
		if err := r.rethink(ctx, meter, root, conflicts, issues); err != nil {
			tr.Failure("verify", "rethink", err)
			return StatusUnverified, append(issues, "reformulação indisponível: "+err.Error())
		}
	}
}

// checkAnswer asks the verifier model for a verdict over the answer and the
// excerpts it cites.
func (r *Reasoner) checkAnswer(ctx context.Context, meter *budget.Meter, root *Node) (verdict, error) {
	prompt := fmt.Sprintf(verifyPrompt, root.Question, root.Answer, citedDigest(root))
	text, err := r.generate(ctx, meter, r.cfg.VerifyMaxTokens, prompt, true)
	if err != nil {
		return verdict{}, err
	}
	return parseVerdict(text)
}

// rethink rebuilds the final answer with the verifier's issues as guidance.
func (r *Reasoner) rethink(ctx context.Context, meter *budget.Meter, root *Node, conflicts []Conflict, issues []string) error {
	local := conflictsTouching(root.ID, conflicts)

	var prompt string
	if root.IsLeaf() {
		prompt = withGuidance(r.leafPrompt(root, local), issues)
	} else {
		prompt = r.synthesisPrompt(root, local, issues)
	}

	text, err := r.generate(ctx, meter, r.cfg.ReasonMaxTokens, prompt, false)
	if err != nil {
		return err
	}

	answer, kept, stripped := sanitizeMarkers(text, allowedMarkers(root))
	root.Answer = answer
	root.Citations = kept
	root.Stripped = stripped
	if root.IsLeaf() {
		root.Confidence = r.leafConfidence(root, len(local))
	} else {
		root.Confidence = r.interiorConfidence(root, len(local))
	}
	return nil
}

func withGuidance(prompt string, issues []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\nProblemas apontados na verificação anterior; corrija-os:\n")
	for _, issue := range issues {
		b.WriteString("- " + issue + "\n")
	}
	return b.String()
}

// citedDigest renders the excerpts the final answer actually cites, capped
// so the verification prompt stays bounded.
func citedDigest(root *Node) string {
	cited := make(map[string]bool, len(root.Citations))
	for _, marker := range root.Citations {
		if id, ok := strings.CutPrefix(marker, "ref:"); ok {
			cited[id] = true
		}
	}

	const maxBlocks = 8
	var b strings.Builder
	blocks := 0
	root.Walk(func(n *Node) {
		for _, item := range n.Evidence {
			if blocks == maxBlocks || !cited[item.Result.Chunk.ID] {
				continue
			}
			cited[item.Result.Chunk.ID] = false
			fmt.Fprintf(&b, "[ref:%s] %s\n", item.Result.Chunk.ID, excerpt(item.Result.EffectiveText(), 300))
			blocks++
		}
	})
	if blocks == 0 {
		return "(nenhum trecho citado)"
	}
	return b.String()
}

func approved(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "aprovado", "aprovada", "approve", "approved", "ok", "sim":
		return true
	}
	return false
}

// parseVerdict extracts the verifier's JSON verdict, tolerating prose
// around the object.
func parseVerdict(text string) (verdict, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end <= start {
		return verdict{}, fmt.Errorf("no JSON verdict in response")
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return verdict{}, fmt.Errorf("malformed verdict: %w", err)
	}
	return v, nil
}
