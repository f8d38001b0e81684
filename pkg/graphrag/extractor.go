// Package graphrag connects retrieval to the knowledge graph: it extracts
// entity seeds from free text with deterministic patterns, expands them
// through bounded traversals, and renders the walk as addressable evidence.
package graphrag

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/iurislab/relator/pkg/graphstore"
)

// maxSeeds bounds how many distinct seeds one extraction returns; pattern
// matches take the slots before name guesses.
const maxSeeds = 12

// Seed is one entity candidate lifted from text. Norm is the form the graph
// store matches on; Type is advisory and may be empty for plain names.
type Seed struct {
	Name string
	Norm string
	Type graphstore.EntityType
}

var (
	// Art. 319 CPC, artigo 5º da CF, arts. 186 e 927 do CC, art. 14 da Lei 8.078/90.
	statutePattern = regexp.MustCompile(`(?i)\bart(?:igo)?s?\.?\s*(\d+(?:º|o)?(?:-[A-Za-z])?)\s*(?:,?\s*(?:caput|§\s*\d+º?|inc(?:iso)?\.?\s*[IVXLC]+)\s*,?)?\s*(?:(?:do|da|de|dos|das)\s+)?(CPC|CC|CF|CLT|CDC|CTN|CP|CPP|ECA|Lei\s+n?\.?º?\s*[\d.]+(?:/\d{2,4})?)`)

	// Súmula 385 do STJ, súmula vinculante 13, Súmula nº 7/STJ.
	sumulaPattern = regexp.MustCompile(`(?i)\bs[úu]mula\s+(vinculante\s+)?n?\.?º?\s*(\d+)(?:\s*(?:do|da|/)\s*(STF|STJ|TST|TSE|STM))?`)

	// CNJ unified numbering: NNNNNNN-DD.AAAA.J.TR.OOOO, with or without
	// punctuation.
	processPattern = regexp.MustCompile(`\b(\d{7})-?(\d{2})\.?(\d{4})\.?(\d)\.?(\d{2})\.?(\d{4})\b`)
)

// connectives may appear inside a proper name without breaking it.
var connectives = map[string]bool{
	"da": true, "de": true, "do": true, "das": true, "dos": true, "e": true,
}

// Normalize lowercases, folds diacritics and collapses whitespace. Ingestion
// stores entity norms produced the same way, so seed matching is exact.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Extract lifts entity seeds from text: statute articles, súmulas and CNJ
// process numbers by pattern, then capitalized name runs as untyped guesses.
// Seeds are deduplicated by normalized form, first appearance first.
func Extract(text string) []Seed {
	var out []Seed
	seen := make(map[string]struct{})

	add := func(name string, typ graphstore.EntityType) {
		if len(out) >= maxSeeds {
			return
		}
		norm := Normalize(name)
		if norm == "" {
			return
		}
		if _, ok := seen[norm]; ok {
			return
		}
		seen[norm] = struct{}{}
		out = append(out, Seed{Name: name, Norm: norm, Type: typ})
	}

	for _, m := range statutePattern.FindAllStringSubmatch(text, -1) {
		article := strings.TrimSuffix(strings.TrimSuffix(m[1], "º"), "o")
		code := strings.ToUpper(strings.Join(strings.Fields(m[2]), " "))
		add(fmt.Sprintf("Art. %s %s", article, code), graphstore.EntityStatuteArticle)
	}

	for _, m := range sumulaPattern.FindAllStringSubmatch(text, -1) {
		name := "Súmula"
		if m[1] != "" {
			name += " Vinculante"
		}
		name += " " + m[2]
		if m[3] != "" {
			name += " " + strings.ToUpper(m[3])
		}
		add(name, graphstore.EntitySumula)
	}

	for _, m := range processPattern.FindAllStringSubmatch(text, -1) {
		add(fmt.Sprintf("%s-%s.%s.%s.%s.%s", m[1], m[2], m[3], m[4], m[5], m[6]), graphstore.EntityProcess)
	}

	for _, name := range properNames(text) {
		add(name, "")
	}

	return out
}

// ExtractPatterns is Extract without the proper-name fallback, used on
// retrieved chunk text where free-form name guessing is too noisy.
func ExtractPatterns(text string) []Seed {
	var out []Seed
	for _, s := range Extract(text) {
		if s.Type != "" {
			out = append(out, s)
		}
	}
	return out
}

// properNames collects runs of two or more capitalized words, allowing
// Portuguese connectives inside: "Banco Azul S.A.", "Tribunal de Justiça de
// São Paulo".
func properNames(text string) []string {
	words := strings.Fields(text)
	var names []string
	var run []string

	flush := func() {
		// Trailing connectives do not belong to the name.
		for len(run) > 0 && connectives[strings.ToLower(run[len(run)-1])] {
			run = run[:len(run)-1]
		}
		if len(run) >= 2 {
			names = append(names, strings.Join(run, " "))
		}
		run = nil
	}

	for _, w := range words {
		trimmed := strings.Trim(w, ".,;:()[]\"'")
		if trimmed == "" {
			flush()
			continue
		}
		if isCapitalized(trimmed) {
			run = append(run, trimmed)
			continue
		}
		if len(run) > 0 && connectives[strings.ToLower(trimmed)] {
			run = append(run, trimmed)
			continue
		}
		flush()
	}
	flush()
	return names
}

func isCapitalized(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}
