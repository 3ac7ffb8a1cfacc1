package resolver

import (
	"strings"
	"unicode"
)

// Labels that show up in spend ledgers but are not organisations. Compared
// against the normalized name key.
var nonEntityLabels = map[string]struct{}{
	"SALARY":              {},
	"SALARIES":            {},
	"PETTY CASH":          {},
	"REDACTED":            {},
	"VARIOUS":             {},
	"PAYROLL":             {},
	"EXPENSES":            {},
	"STAFF EXPENSES":      {},
	"PERSONAL EXPENSES":   {},
	"NAME WITHHELD":       {},
	"INDIVIDUAL":          {},
	"PRIVATE INDIVIDUAL":  {},
	"FOSTER CARER":        {},
	"CONFIDENTIAL":        {},
	"NOT APPLICABLE":      {},
	"N A":                 {},
	"UNKNOWN":             {},
	"GRANT PAYMENT":       {},
	"PENSION CONTRIBUTION": {},
}

// Personal-title prefixes suggesting a named individual rather than an
// organisation.
var titlePrefixes = []string{"MR ", "MRS ", "MS ", "MISS ", "DR ", "PROF ", "REV "}

// IsNumericName reports whether the name contains no letters at all, which
// marks redacted or reference-number placeholders. These are skipped without
// any network call.
func IsNumericName(name string) bool {
	hasContent := false
	for _, r := range name {
		if unicode.IsLetter(r) {
			return false
		}
		if unicode.IsDigit(r) {
			hasContent = true
		}
	}
	return hasContent
}

// IsNonEntity reports whether a normalized name key is unlikely to be an
// organisation, with a machine-stable reason.
func IsNonEntity(nameKey string) (string, bool) {
	if nameKey == "" {
		return "empty", true
	}
	if IsNumericName(nameKey) {
		return "numeric", true
	}
	if _, ok := nonEntityLabels[nameKey]; ok {
		return "non_entity_label", true
	}
	for _, p := range titlePrefixes {
		if strings.HasPrefix(nameKey, p) {
			return "personal_title", true
		}
	}
	return "", false
}
