package vector

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

// SparseVector is a hashed term-frequency vector for in-store hybrid
// querying. Indices are unique and ascending.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// EncodeSparse hashes the text's terms into a sparse vector. Terms map to
// indices via FNV-32a; colliding terms accumulate into one dimension. Values
// are sublinear term frequencies (1 + ln tf) so a repeated term does not
// drown the rest of the query. Returns nil when no term survives.
func EncodeSparse(text string) *SparseVector {
	tf := make(map[uint32]int)
	for _, term := range splitTerms(text) {
		h := fnv.New32a()
		h.Write([]byte(term))
		tf[h.Sum32()]++
	}
	if len(tf) == 0 {
		return nil
	}

	indices := make([]uint32, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = float32(1 + math.Log(float64(tf[idx])))
	}
	return &SparseVector{Indices: indices, Values: values}
}

// splitTerms lowercases and splits on anything that is not a letter or digit.
// Single runes are dropped; they carry no lexical signal worth a dimension.
func splitTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			terms = append(terms, f)
		}
	}
	return terms
}
