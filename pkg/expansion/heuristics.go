package expansion

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// legalAbbreviations is the closed built-in table of Brazilian legal
// shorthand. Config may extend it but never shrinks it.
var legalAbbreviations = map[string]string{
	"cpc":  "Código de Processo Civil",
	"cc":   "Código Civil",
	"cf":   "Constituição Federal",
	"clt":  "Consolidação das Leis do Trabalho",
	"cdc":  "Código de Defesa do Consumidor",
	"ctn":  "Código Tributário Nacional",
	"cp":   "Código Penal",
	"cpp":  "Código de Processo Penal",
	"eca":  "Estatuto da Criança e do Adolescente",
	"stf":  "Supremo Tribunal Federal",
	"stj":  "Superior Tribunal de Justiça",
	"tst":  "Tribunal Superior do Trabalho",
	"resp": "Recurso Especial",
	"adi":  "Ação Direta de Inconstitucionalidade",
	"adc":  "Ação Declaratória de Constitucionalidade",
	"ms":   "Mandado de Segurança",
	"hc":   "Habeas Corpus",
}

// variantStopwords is the compact function-word list the strip heuristic
// removes. Distinct from compression stopwords: only words safe to drop
// without changing the legal meaning.
var variantStopwords = map[string]bool{
	"o": true, "a": true, "os": true, "as": true,
	"um": true, "uma": true, "de": true, "do": true, "da": true,
	"dos": true, "das": true, "em": true, "no": true, "na": true,
	"nos": true, "nas": true, "por": true, "para": true, "com": true,
	"que": true, "qual": true, "quais": true, "como": true,
	"e": true, "ou": true, "se": true, "ao": true, "aos": true,
	"à": true, "às": true, "pelo": true, "pela": true,
	"é": true, "são": true, "sobre": true,
	"the": true, "of": true, "in": true, "for": true,
	"what": true, "which": true, "how": true, "and": true, "or": true,
	"is": true, "are": true, "about": true,
}

// HeuristicVariants derives up to n variants without a model call:
// stopword-stripped form, abbreviation-expanded form, current-year form.
// Variants identical to the query are dropped.
func (e *Expander) HeuristicVariants(query string, n int) []string {
	if n <= 0 {
		return nil
	}

	candidates := []string{
		stripStopwords(query),
		e.expandAbbreviations(query),
		fmt.Sprintf("%s %d", strings.TrimSpace(query), time.Now().Year()),
	}

	seen := map[string]bool{normalize(query): true}
	out := make([]string, 0, n)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		key := normalize(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}

// ExpandAbbreviations is the exported form used by the lexical-first gate to
// widen citation probes.
func (e *Expander) ExpandAbbreviations(query string) string {
	return e.expandAbbreviations(query)
}

func (e *Expander) expandAbbreviations(query string) string {
	fields := strings.Fields(query)
	changed := false
	for i, f := range fields {
		bare := strings.ToLower(strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}))
		if full, ok := e.abbrev[bare]; ok {
			fields[i] = full
			changed = true
		}
	}
	if !changed {
		return query
	}
	return strings.Join(fields, " ")
}

func stripStopwords(query string) string {
	fields := strings.Fields(query)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		bare := strings.ToLower(strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}))
		if variantStopwords[bare] {
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return query
	}
	return strings.Join(out, " ")
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
