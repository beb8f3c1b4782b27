package product

import "strings"

// ocrWordFixes maps whole tokens that OCR commonly garbles to their intended
// spelling. Applied before the generic digit-for-letter rules.
var ocrWordFixes = map[string]string{
	"m1lk":     "milk",
	"mi1k":     "milk",
	"l4it":     "lait",
	"1ait":     "lait",
	"r1ce":     "rice",
	"r1z":      "riz",
	"0il":      "oil",
	"hu1le":    "huile",
	"sug4r":    "sugar",
	"5ugar":    "sugar",
	"sucr3":    "sucre",
	"br3ad":    "bread",
	"wat3r":    "water",
	"ch1cken":  "chicken",
	"p0ulet":   "poulet",
	"b1scuit":  "biscuit",
	"biscu1t":  "biscuit",
	"5oap":     "soap",
	"sav0n":    "savon",
	"t0mato":   "tomato",
	"0nion":    "onion",
	"0ignon":   "oignon",
	"c0ffee":   "coffee",
	"farin3":   "farine",
	"p4ste":    "paste",
	"y0gurt":   "yogurt",
	"ch0colat": "chocolat",
}

func fixOCRWords(s string) string {
	if s == "" {
		return s
	}
	words := strings.Fields(s)
	for i, w := range words {
		if fixed, ok := ocrWordFixes[w]; ok {
			words[i] = fixed
		}
	}
	return strings.Join(words, " ")
}
