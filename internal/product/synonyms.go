package product

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SynonymEntry maps a set of name variants to one canonical key.
type SynonymEntry struct {
	Canonical string   `yaml:"canonical" json:"canonical"`
	Variants  []string `yaml:"variants" json:"variants"`
}

// SynonymTable is an immutable, ordered list of synonym entries plus an
// optional abbreviation dictionary. Entry order is significant: the first
// matching entry wins.
type SynonymTable struct {
	locale        string
	entries       []SynonymEntry
	abbreviations map[string]string
}

type synonymFile struct {
	Locale        string            `yaml:"locale"`
	Entries       []SynonymEntry    `yaml:"entries"`
	Abbreviations map[string]string `yaml:"abbreviations"`
}

// NewSynonymTable builds a table from entries and abbreviations. Variants
// and abbreviations are normalized up front; blank variants are dropped.
func NewSynonymTable(locale string, entries []SynonymEntry, abbreviations map[string]string) *SynonymTable {
	t := &SynonymTable{
		locale:        locale,
		entries:       make([]SynonymEntry, 0, len(entries)),
		abbreviations: make(map[string]string, len(abbreviations)),
	}
	for _, e := range entries {
		canonical := strings.TrimSpace(e.Canonical)
		if canonical == "" {
			continue
		}
		variants := make([]string, 0, len(e.Variants)+1)
		seen := make(map[string]bool)
		for _, v := range append([]string{canonical}, e.Variants...) {
			n := Normalize(v)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			variants = append(variants, n)
		}
		t.entries = append(t.entries, SynonymEntry{Canonical: canonical, Variants: variants})
	}
	for abbr, full := range abbreviations {
		a := Normalize(abbr)
		f := Normalize(full)
		if a == "" || f == "" {
			continue
		}
		t.abbreviations[a] = f
	}
	return t
}

// ParseSynonymTable decodes a YAML synonym table.
func ParseSynonymTable(data []byte) (*SynonymTable, error) {
	var f synonymFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding synonym table: %w", err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("synonym table has no entries")
	}
	return NewSynonymTable(f.Locale, f.Entries, f.Abbreviations), nil
}

// Locale returns the locale tag the table was built for, if any.
func (t *SynonymTable) Locale() string {
	return t.locale
}

// Len returns the number of entries.
func (t *SynonymTable) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the table entries in match order.
func (t *SynonymTable) Entries() []SynonymEntry {
	out := make([]SynonymEntry, len(t.entries))
	for i, e := range t.entries {
		out[i] = SynonymEntry{Canonical: e.Canonical, Variants: append([]string(nil), e.Variants...)}
	}
	return out
}

// expand rewrites abbreviated tokens, trying two-word abbreviations first.
func (t *SynonymTable) expand(normalized string) string {
	if len(t.abbreviations) == 0 || normalized == "" {
		return normalized
	}
	if full, ok := t.abbreviations[normalized]; ok {
		return full
	}
	words := strings.Fields(normalized)
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); i++ {
		if i+1 < len(words) {
			if full, ok := t.abbreviations[words[i]+" "+words[i+1]]; ok {
				out = append(out, full)
				i++
				continue
			}
		}
		if full, ok := t.abbreviations[words[i]]; ok {
			out = append(out, full)
			continue
		}
		out = append(out, words[i])
	}
	return strings.Join(out, " ")
}

// DefaultSynonymTable returns the built-in French/English/Spanish/Lingala
// grocery table. Specific multi-word products come before the generic ones
// they contain ("huile de palme" before "huile", "papier toilette" before
// anything matching "oil").
func DefaultSynonymTable() *SynonymTable {
	return NewSynonymTable("fr-CD", defaultEntries, defaultAbbreviations)
}

var defaultEntries = []SynonymEntry{
	{Canonical: "papier toilette", Variants: []string{"papier hygienique", "toilet paper", "toilet roll", "papel higienico"}},
	{Canonical: "concentre de tomate", Variants: []string{"pate de tomate", "tomato paste", "tomato puree", "pure de tomate"}},
	{Canonical: "huile de palme", Variants: []string{"huile rouge", "palm oil", "red oil", "mafuta ya mbila"}},
	{Canonical: "pomme de terre", Variants: []string{"pommes de terre", "potato", "potatoes", "patate"}},
	{Canonical: "banane plantain", Variants: []string{"plantain", "cooking banana", "platano"}},
	{Canonical: "eau minerale", Variants: []string{"mineral water", "water", "agua mineral"}},
	{Canonical: "salade", Variants: []string{"salade verte", "lettuce", "lechuga"}},
	{Canonical: "lait", Variants: []string{"milk", "leche", "lait entier", "lait en poudre", "nido"}},
	{Canonical: "riz", Variants: []string{"rice", "arroz", "loso"}},
	{Canonical: "sucre", Variants: []string{"sugar", "azucar", "sukali"}},
	{Canonical: "farine", Variants: []string{"flour", "harina", "fufu"}},
	{Canonical: "huile", Variants: []string{"huile vegetale", "vegetable oil", "cooking oil", "aceite", "mafuta"}},
	{Canonical: "pain", Variants: []string{"bread", "baguette"}},
	{Canonical: "poulet", Variants: []string{"chicken", "pollo", "nsusu"}},
	{Canonical: "poisson", Variants: []string{"fish", "pescado", "mbisi", "tilapia"}},
	{Canonical: "boeuf", Variants: []string{"beef", "carne de res", "ngombe"}},
	{Canonical: "oeufs", Variants: []string{"oeuf", "eggs", "huevos"}},
	{Canonical: "sardines", Variants: []string{"sardine", "sardinas"}},
	{Canonical: "tomate", Variants: []string{"tomato", "tomatoes", "tomates"}},
	{Canonical: "oignon", Variants: []string{"onion", "onions", "cebolla"}},
	{Canonical: "banane", Variants: []string{"banana", "bananas", "sweet banana"}},
	{Canonical: "manioc", Variants: []string{"cassava", "kwanga", "yuca"}},
	{Canonical: "haricots", Variants: []string{"haricot", "beans", "frijoles", "madesu"}},
	{Canonical: "arachides", Variants: []string{"cacahuetes", "peanuts", "groundnuts", "nguba"}},
	{Canonical: "beurre", Variants: []string{"butter", "mantequilla"}},
	{Canonical: "fromage", Variants: []string{"cheese", "queso"}},
	{Canonical: "yaourt", Variants: []string{"yogourt", "yogurt", "yoghurt"}},
	{Canonical: "dentifrice", Variants: []string{"toothpaste", "pasta de dientes"}},
	{Canonical: "pates", Variants: []string{"pasta", "spaghetti", "macaroni"}},
	{Canonical: "cafe", Variants: []string{"coffee"}},
	{Canonical: "biere", Variants: []string{"beer", "cerveza", "primus", "skol"}},
	{Canonical: "soda", Variants: []string{"soft drink", "boisson gazeuse", "coca cola", "fanta", "sprite"}},
	{Canonical: "jus", Variants: []string{"juice", "jugo", "jus de fruit"}},
	{Canonical: "savon", Variants: []string{"soap", "jabon", "sabuni"}},
	{Canonical: "detergent", Variants: []string{"washing powder", "omo lessive", "ariel lessive"}},
	{Canonical: "couches", Variants: []string{"diapers", "nappies", "pampers", "huggies"}},
	{Canonical: "mayonnaise", Variants: []string{"mayo", "mayonesa"}},
	{Canonical: "bouillon", Variants: []string{"maggi", "cube maggi", "bouillon cube"}},
}

var defaultAbbreviations = map[string]string{
	"bnn":      "banane",
	"bnn pltn": "banane plantain",
	"pltn":     "plantain",
	"pmdt":     "pomme de terre",
	"pdt":      "pomme de terre",
	"ogn":      "oignon",
	"poul":     "poulet",
	"pssn":     "poisson",
	"hle":      "huile",
	"hle plm":  "huile de palme",
	"hle vgt":  "huile vegetale",
	"fne":      "farine",
	"scr":      "sucre",
	"svn":      "savon",
	"dtrgt":    "detergent",
	"cch":      "couches",
	"pp tlt":   "papier toilette",
	"conc tom": "concentre de tomate",
	"veg oil":  "vegetable oil",
	"plm oil":  "palm oil",
	"tom pst":  "tomato paste",
	"pnts":     "peanuts",
	"chkn":     "chicken",
	"fsh":      "fish",
	"wtr":      "water",
	"tlt ppr":  "toilet paper",
}
