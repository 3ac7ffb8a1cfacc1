// Package resolver maps raw spreadsheet organisation names onto canonical
// registry-identified entities. Resolution is a short-circuiting cascade:
// run-scoped cache, local database, non-entity filter, registry search,
// fuzzy match, placeholder synthesis.
package resolver

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Legal-suffix spellings collapsed to a standard abbreviation so registry
// lookups and local matches share one key space. Longest phrases first.
var suffixReplacements = []struct{ from, to string }{
	{"PUBLIC LIMITED COMPANY", "PLC"},
	{"LIMITED LIABILITY PARTNERSHIP", "LLP"},
	{"COMMUNITY INTEREST COMPANY", "CIC"},
	{"LIMITED", "LTD"},
	{"INCORPORATED", "INC"},
	{"AND", "&"},
}

var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NameKey normalizes an organisation name for comparison: diacritics folded,
// uppercased, punctuation stripped, whitespace collapsed, common legal
// suffixes standardized.
func NameKey(name string) string {
	folded, _, err := transform.String(foldTransformer, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		case r == '&':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	key := strings.Join(strings.Fields(b.String()), " ")
	for _, s := range suffixReplacements {
		key = replaceWord(key, s.from, s.to)
	}
	return strings.Join(strings.Fields(key), " ")
}

// replaceWord replaces whole-word occurrences only, so "BAND" is not
// rewritten by the AND rule.
func replaceWord(s, from, to string) string {
	if !strings.Contains(s, from) {
		return s
	}
	words := strings.Split(s, " ")
	fromWords := strings.Split(from, " ")

	var out []string
	for i := 0; i < len(words); {
		if matchesAt(words, i, fromWords) {
			out = append(out, to)
			i += len(fromWords)
			continue
		}
		out = append(out, words[i])
		i++
	}
	return strings.Join(out, " ")
}

func matchesAt(words []string, i int, phrase []string) bool {
	if i+len(phrase) > len(words) {
		return false
	}
	for j, w := range phrase {
		if words[i+j] != w {
			return false
		}
	}
	return true
}
