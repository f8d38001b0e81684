package refine

import (
	"strings"
	"unicode"

	"github.com/iurislab/relator/pkg/retrieval"
)

// defaultStopwords covers the Portuguese function words that dominate legal
// queries, plus the English ones that leak in through mixed-language drafts.
var defaultStopwords = []string{
	// Portuguese
	"a", "o", "as", "os", "um", "uma", "uns", "umas",
	"de", "do", "da", "dos", "das", "em", "no", "na", "nos", "nas",
	"por", "para", "com", "sem", "sob", "sobre", "entre",
	"que", "qual", "quais", "quando", "onde", "como", "porque",
	"e", "ou", "mas", "se", "não", "sim",
	"ser", "estar", "ter", "haver", "fazer", "pode", "deve",
	"seu", "sua", "seus", "suas", "este", "esta", "isso", "esse", "essa",
	"ao", "aos", "à", "às", "pelo", "pela", "pelos", "pelas",
	"é", "são", "foi", "foram", "será", "serão",
	"artigo", "sobre", "acerca", "quanto",
	// English
	"the", "a", "an", "of", "in", "on", "for", "with", "about",
	"what", "which", "when", "where", "how", "why",
	"and", "or", "but", "is", "are", "was", "were", "be",
}

// Keywords extracts the compression keywords from a query: lowercase tokens
// of length >= 4 that are not stopwords. Order follows first appearance.
func (r *Refiner) Keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsNumber(c)
	})

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 4 || r.stopword[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Compress rewrites each result's working text to the keyword-bearing
// sentences, stopping once the running length reaches CompressionMaxChars.
// Texts already under the limit pass through. When no sentence carries a
// keyword, the first two sentences stand in. The original text survives in
// the chunk when PreserveFullText is set; otherwise the compressed form
// replaces it.
func (r *Refiner) Compress(query string, results []retrieval.Result) []retrieval.Result {
	keywords := r.Keywords(query)

	out := make([]retrieval.Result, len(results))
	for i, res := range results {
		out[i] = res
		text := res.Chunk.Text
		if len(text) <= r.cfg.CompressionMaxChars {
			continue
		}

		compressed := r.selectSentences(text, keywords)
		if compressed == "" || compressed == text {
			continue
		}

		annotated := res.Clone()
		annotated.CompressedText = compressed
		annotated.Provenance = append(annotated.Provenance, "compress")
		if !r.cfg.PreserveFullText {
			annotated.Chunk.Text = compressed
			annotated.CompressedText = ""
		}
		out[i] = annotated
	}
	return out
}

// selectSentences walks sentences in order, keeping keyword-bearing ones
// until the budget fills. Zero keyword hits fall back to the leading two
// sentences.
func (r *Refiner) selectSentences(text string, keywords []string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	var picked []string
	length := 0
	for _, s := range sentences {
		lower := strings.ToLower(s)
		hit := false
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		picked = append(picked, s)
		length += len(s)
		if length >= r.cfg.CompressionMaxChars {
			break
		}
	}

	if len(picked) == 0 {
		n := 2
		if len(sentences) < n {
			n = len(sentences)
		}
		picked = sentences[:n]
	}
	return strings.TrimSpace(strings.Join(picked, " "))
}

// legalAbbrev holds the dot-terminated abbreviations common in Brazilian
// legal writing; a period right after one never ends a sentence.
var legalAbbrev = map[string]bool{
	"art": true, "arts": true, "fls": true, "inc": true, "par": true,
	"cf": true, "ed": true, "rel": true, "min": true, "des": true,
	"dr": true, "dra": true, "proc": true, "obs": true, "ac": true,
	"n": true, "no": true, "nº": true, "p": true, "pp": true, "j": true,
}

// splitSentences cuts on sentence-final punctuation, keeping the terminator
// with its sentence. Abbreviation dots ("Art. 319", "fls. 22") survive via
// the closed abbreviation list; other boundaries also need following
// whitespace and an upper-case or digit start.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '.' && c != '!' && c != '?' && c != ';' {
			continue
		}
		if c == '.' && legalAbbrev[wordBefore(runes, i)] {
			continue
		}
		// Boundary needs whitespace then a capital or digit.
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 && j < len(runes) {
			continue // no whitespace after the terminator
		}
		if j < len(runes) && !unicode.IsUpper(runes[j]) && !unicode.IsDigit(runes[j]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// wordBefore returns the lowercased letter-run immediately preceding
// position i.
func wordBefore(runes []rune, i int) string {
	end := i
	start := end
	for start > 0 && unicode.IsLetter(runes[start-1]) {
		start--
	}
	return strings.ToLower(string(runes[start:end]))
}

// Bundle renders the results as the prompt-ready context block: one
// source-labelled section per result using each result's effective text.
func Bundle(results []retrieval.Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(string(res.Chunk.Dataset))
		if res.Chunk.Meta.Citation != "" {
			b.WriteString(" | ")
			b.WriteString(res.Chunk.Meta.Citation)
		} else if res.Chunk.Meta.Title != "" {
			b.WriteString(" | ")
			b.WriteString(res.Chunk.Meta.Title)
		}
		b.WriteString("] ")
		b.WriteString(contextualText(res))
	}
	return b.String()
}

// contextualText weaves unmerged siblings around the anchor's effective
// text in document order, so attached context reaches the prompt.
func contextualText(res retrieval.Result) string {
	if len(res.Siblings) == 0 {
		return res.EffectiveText()
	}
	parts := make([]string, 0, len(res.Siblings)+1)
	anchored := false
	for _, s := range res.Siblings {
		if !anchored && s.Ordinal > res.Chunk.Ordinal {
			parts = append(parts, res.EffectiveText())
			anchored = true
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if !anchored {
		parts = append(parts, res.EffectiveText())
	}
	return strings.Join(parts, "\n")
}
