package product

import "strings"

// Resolution is the outcome of canonicalizing one raw name.
type Resolution struct {
	Normalized string
	Key        string
	// Matched reports whether a synonym entry supplied the key.
	Matched bool
}

// Canonicalizer maps raw line-item names to canonical keys using an
// injected synonym table. It is safe for concurrent use.
type Canonicalizer struct {
	table     *SynonymTable
	wholeWord bool
}

// Option configures a Canonicalizer.
type Option func(*Canonicalizer)

// WithWholeWord matches variants as whole token sequences instead of raw
// substrings, so "ail" no longer matches inside "email".
func WithWholeWord() Option {
	return func(c *Canonicalizer) {
		c.wholeWord = true
	}
}

// NewCanonicalizer creates a Canonicalizer. A nil table falls back to
// DefaultSynonymTable.
func NewCanonicalizer(table *SynonymTable, opts ...Option) *Canonicalizer {
	if table == nil {
		table = DefaultSynonymTable()
	}
	c := &Canonicalizer{table: table}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the synonym table in use.
func (c *Canonicalizer) Table() *SynonymTable {
	return c.table
}

// Canonicalize returns the canonical key for raw.
func (c *Canonicalizer) Canonicalize(raw string) string {
	return c.Resolve(raw).Key
}

// Resolve normalizes raw and looks it up in the synonym table. Unknown
// products keep their normalized name as key.
func (c *Canonicalizer) Resolve(raw string) Resolution {
	n := Normalize(raw)
	res := Resolution{Normalized: n, Key: n}
	if n == "" {
		return res
	}
	if canonical, ok := c.lookup(n); ok {
		res.Key, res.Matched = canonical, true
		return res
	}
	if expanded := c.table.expand(n); expanded != n {
		if canonical, ok := c.lookup(expanded); ok {
			res.Key, res.Matched = canonical, true
		}
	}
	return res
}

func (c *Canonicalizer) lookup(n string) (string, bool) {
	for _, e := range c.table.entries {
		for _, v := range e.Variants {
			if c.matches(n, v) {
				return e.Canonical, true
			}
		}
	}
	return "", false
}

func (c *Canonicalizer) matches(n, variant string) bool {
	if c.wholeWord {
		return containsWords(n, variant) || containsWords(variant, n)
	}
	return strings.Contains(n, variant) || strings.Contains(variant, n)
}

// containsWords reports whether the token sequence of sub appears, aligned
// on token boundaries, inside s.
func containsWords(s, sub string) bool {
	return strings.Contains(" "+s+" ", " "+sub+" ")
}
