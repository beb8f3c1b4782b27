package product

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TableDir loads per-locale synonym tables from a directory of
// <locale>.yaml files.
type TableDir struct {
	basePath string
}

// NewTableDir creates a TableDir rooted at basePath. The directory must
// exist.
func NewTableDir(basePath string) (*TableDir, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("opening synonym directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("synonym path is not a directory: %s", basePath)
	}
	return &TableDir{basePath: basePath}, nil
}

// Load reads and parses the table for locale.
func (d *TableDir) Load(locale string) (*SynonymTable, error) {
	name := sanitizeLocale(locale)
	if name == "" {
		return nil, fmt.Errorf("invalid locale: %q", locale)
	}
	data, err := os.ReadFile(filepath.Join(d.basePath, name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading synonym table: %w", err)
	}
	table, err := ParseSynonymTable(data)
	if err != nil {
		return nil, err
	}
	if table.locale == "" {
		table.locale = name
	}
	return table, nil
}

// Locales lists the locales that have a table file.
func (d *TableDir) Locales() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.basePath, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing synonym tables: %w", err)
	}
	locales := make([]string, 0, len(matches))
	for _, m := range matches {
		locales = append(locales, strings.TrimSuffix(filepath.Base(m), ".yaml"))
	}
	return locales, nil
}

// sanitizeLocale keeps locale tags from escaping the directory.
func sanitizeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	var b strings.Builder
	for _, r := range locale {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			return ""
		}
	}
	return b.String()
}
