package product

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	editWeight  = 0.6
	tokenWeight = 0.4
)

// EditSimilarity returns 1 - distance/maxLen over runes, in [0, 1].
func EditSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// TokenSimilarity is the Jaccard index of the whitespace-separated tokens.
func TokenSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	setA := tokenSet(a)
	setB := tokenSet(b)
	var inter int
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Similarity blends edit and token similarity of two normalized names.
func Similarity(a, b string) float64 {
	return editWeight*EditSimilarity(a, b) + tokenWeight*TokenSimilarity(a, b)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(s) {
		set[t] = true
	}
	return set
}
