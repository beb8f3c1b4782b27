package product

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reason explains why a line-item name was rejected. The zero value means
// the name is acceptable.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonEmpty        Reason = "empty"
	ReasonPlaceholder  Reason = "placeholder"
	ReasonTooShort     Reason = "too_short"
	ReasonNumericOnly  Reason = "numeric_only"
	ReasonGarbageRatio Reason = "garbage_ratio"
)

const minNameLength = 3

// placeholderNames are sentinels upstream extraction emits when it could not
// read a name. Compared case-insensitively.
var placeholderNames = []string{
	"unavailable name",
	"name unavailable",
	"nom indisponible",
	"nom non disponible",
}

// Validate returns the rejection reason for a raw name and its normalized
// form, or ReasonNone when the item may be aggregated.
func Validate(raw, normalized string) Reason {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReasonEmpty
	}
	for _, p := range placeholderNames {
		if strings.EqualFold(trimmed, p) {
			return ReasonPlaceholder
		}
	}

	length := utf8.RuneCountInString(normalized)
	if length < minNameLength {
		return ReasonTooShort
	}

	var letters, digits int
	for _, r := range normalized {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	if letters == 0 {
		return ReasonNumericOnly
	}
	if length <= minNameLength && digits > letters {
		return ReasonGarbageRatio
	}
	return ReasonNone
}

// IsValid reports whether Validate accepts the name.
func IsValid(raw, normalized string) bool {
	return Validate(raw, normalized) == ReasonNone
}
