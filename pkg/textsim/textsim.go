// Package textsim holds the lexical similarity primitives shared by
// deduplication, breadcrumb matching, and heuristic scoring.
package textsim

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "and": {}, "or": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "about": {}, "by": {}, "from": {}, "at": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "what": {}, "which": {},
	"who": {}, "how": {}, "why": {}, "when": {}, "does": {}, "do": {}, "it": {},
	"its": {}, "this": {}, "that": {}, "as": {}, "into": {}, "than": {},
}

// Words splits s into lowercase alphanumeric words, keeping stop words.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Terms returns the content words of s: lowercased, stop words removed.
func Terms(s string) []string {
	words := Words(s)
	out := words[:0]
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// TermSet returns the distinct content words of s.
func TermSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Terms(s) {
		set[t] = struct{}{}
	}
	return set
}

// Normalize joins the content words of s with single spaces.
func Normalize(s string) string {
	return strings.Join(Terms(s), " ")
}

// Jaccard returns |A∩B| / |A∪B| over the content-word sets of a and b.
// Word order and stop words do not affect the result.
func Jaccard(a, b string) float64 {
	setA, setB := TermSet(a), TermSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Coverage returns the fraction of reference content words present in text.
func Coverage(reference, text string) float64 {
	ref := TermSet(reference)
	if len(ref) == 0 {
		return 0
	}
	got := TermSet(text)
	hit := 0
	for t := range ref {
		if _, ok := got[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(ref))
}

// SimHash computes a 64-bit similarity hash over word shingles of s.
func SimHash(s string) uint64 {
	terms := Terms(s)
	if len(terms) == 0 {
		return 0
	}
	var weights [64]int
	add := func(feature string) {
		h := xxhash.Sum64String(feature)
		for i := range 64 {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	if len(terms) < 3 {
		for _, t := range terms {
			add(t)
		}
	} else {
		for i := 0; i+3 <= len(terms); i++ {
			add(strings.Join(terms[i:i+3], " "))
		}
	}
	var out uint64
	for i, w := range weights {
		if w > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// Hamming returns the number of differing bits between two hashes.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
