package product

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxPasses bounds the fixed-point loop in Normalize. Every pass that changes
// its input either shortens it or removes a digit, so real inputs settle in
// two or three passes.
const maxPasses = 8

var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var (
	reParenthetical = regexp.MustCompile(`\([^()]*\)|\[[^\[\]]*\]`)

	// SKU and product codes: a12, a12b34, a12x34, 12a34
	reSKU = regexp.MustCompile(`\b(?:[a-z]\d+x\d+|[a-z]\d+(?:[a-z]\d+)?|\d+[a-z]\d+)\b`)

	// 6x33cl, 4 x 125 g
	reMultiPack = regexp.MustCompile(`\b\d+\s*x\s*\d+(?:[.,]\d+)?\s*(?:ml|cl|l|g|kg)\b`)
	// 1l, 1.5 l, 500g, 12 oz
	reSize = regexp.MustCompile(`\b\d+(?:[.,]\d+)?\s*(?:ml|cl|ltr|l|mg|kg|g|oz|lbs|lb)\b`)
	// 6 packs, 10 pieces, 20 sachets
	rePackCount = regexp.MustCompile(`\b\d+\s*(?:packs?|pk|pieces?|pcs|sachets?)\b`)

	reFiller = regexp.MustCompile(`\b(?:unit|medium|large|small|new|promo|special)\b`)

	reNonAlnum    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	reSpaces      = regexp.MustCompile(`\s+`)
	reOneBetween  = regexp.MustCompile(`([a-z])1([a-z])`)
	reZeroBetween = regexp.MustCompile(`([a-z])0([a-z])`)
	reSuffixIng   = regexp.MustCompile(`1ng\b`)
	reSuffixIon   = regexp.MustCompile(`1on\b`)
	rePrefixIn    = regexp.MustCompile(`\b1n`)
	rePrefixOn    = regexp.MustCompile(`\b0n`)
)

// Normalize cleans up a raw line-item name. It never fails and is
// idempotent: the cleanup pass is repeated until its output stops changing.
func Normalize(raw string) string {
	s := raw
	for i := 0; i < maxPasses; i++ {
		next := normalizePass(s)
		if next == s {
			return next
		}
		s = next
	}
	return s
}

func normalizePass(s string) string {
	s = strings.ToLower(s)
	if out, _, err := transform.String(stripDiacritics, s); err == nil {
		s = out
	}

	s = reParenthetical.ReplaceAllString(s, " ")
	s = reSKU.ReplaceAllString(s, " ")
	s = reMultiPack.ReplaceAllString(s, " ")
	s = reSize.ReplaceAllString(s, " ")
	s = rePackCount.ReplaceAllString(s, " ")
	s = reFiller.ReplaceAllString(s, " ")

	s = reNonAlnum.ReplaceAllString(s, " ")
	s = collapse(s)

	s = fixOCRWords(s)
	for i := 0; i < 2; i++ {
		s = reOneBetween.ReplaceAllString(s, "${1}l${2}")
		s = reZeroBetween.ReplaceAllString(s, "${1}o${2}")
	}
	s = reSuffixIng.ReplaceAllString(s, "ing")
	s = reSuffixIon.ReplaceAllString(s, "ion")
	s = rePrefixIn.ReplaceAllString(s, "in")
	s = rePrefixOn.ReplaceAllString(s, "on")

	return collapse(s)
}

func collapse(s string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}
