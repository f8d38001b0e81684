package expansion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iurislab/relator/pkg/llms"
)

const rewriteSystemPrompt = `Você reescreve consultas jurídicas para busca em bases de legislação, jurisprudência e doutrina. Resolva referências ao contexto da conversa, expanda pronomes e mantenha termos técnicos. Responda apenas com a consulta reescrita, sem explicações.`

const hydePrompt = `Escreva um parágrafo curto (até 120 palavras) como se fosse um trecho de documento jurídico brasileiro que responde diretamente à consulta abaixo. Use terminologia técnica, cite dispositivos legais plausíveis quando natural. Não inclua títulos nem comentários.

Consulta: %s`

const variantsPrompt = `Gere %d variações da consulta jurídica abaixo para busca em bases de legislação e jurisprudência. Cada variação deve usar redação diferente, focar um aspecto distinto e permanecer semanticamente próxima da original.

Consulta original: %s

Responda apenas com um array JSON de strings. Exemplo: ["variação 1", "variação 2"]`

// rewrite resolves the query against conversation context.
func (e *Expander) rewrite(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	if req.Summary != "" {
		b.WriteString("Resumo da conversa:\n")
		b.WriteString(req.Summary)
		b.WriteString("\n\n")
	}
	if len(req.History) > 0 {
		b.WriteString("Últimas mensagens:\n")
		for _, h := range req.History {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Consulta: ")
	b.WriteString(req.Query)

	completion, err := e.provider.Generate(ctx, llms.Request{
		Messages: []llms.Message{
			llms.System(rewriteSystemPrompt),
			llms.User(b.String()),
		},
		MaxTokens: e.cfg.VariantMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// hypothetical generates the HyDE document for the query.
func (e *Expander) hypothetical(ctx context.Context, query string) (string, error) {
	temp := e.cfg.HydeTemperature
	completion, err := e.provider.Generate(ctx, llms.Request{
		Messages:    []llms.Message{llms.User(fmt.Sprintf(hydePrompt, query))},
		MaxTokens:   e.cfg.HydeMaxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// variants asks for n paraphrases and parses the JSON array answer.
func (e *Expander) variants(ctx context.Context, query string, n int) ([]string, error) {
	if n > 5 {
		n = 5
	}
	completion, err := e.provider.Generate(ctx, llms.Request{
		Messages:  []llms.Message{llms.User(fmt.Sprintf(variantsPrompt, n, query))},
		MaxTokens: e.cfg.VariantMaxTokens,
		ForceJSON: true,
	})
	if err != nil {
		return nil, err
	}

	variants, err := parseStringArray(completion.Text)
	if err != nil {
		variants = extractLines(completion.Text)
	}

	out := make([]string, 0, n)
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, query) {
			continue
		}
		out = append(out, v)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// parseStringArray finds the first balanced JSON array in text and decodes
// it. Models wrap arrays in prose often enough that scanning beats trusting
// the whole body.
func parseStringArray(text string) ([]string, error) {
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
		case '[':
			if start == -1 {
				start = i
			}
			depth++
		case ']':
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
		return nil, fmt.Errorf("no JSON array in response")
	}

	var out []string
	if err := json.Unmarshal([]byte(text[start:end]), &out); err != nil {
		return nil, fmt.Errorf("malformed JSON array: %w", err)
	}
	return out, nil
}

// extractLines salvages line-per-variant answers: strips bullets, numbering
// and quotes.
func extractLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		line = strings.Trim(line, `"'`)
		if len(line) < 8 {
			continue
		}
		out = append(out, line)
	}
	return out
}
