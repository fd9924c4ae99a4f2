// Package query turns raw query text into normalized text and a prioritized
// keyword set.
package query

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// invisible runes that survive NFKC and break exact matching.
var invisible = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u2060': true, // word joiner
	'\ufeff': true, // BOM
	'\u00ad': true, // soft hyphen
}

// bracketReplacer blanks out bracket punctuation (ASCII and CJK).
var bracketReplacer = strings.NewReplacer(
	"(", " ", ")", " ", "[", " ", "]", " ", "{", " ", "}", " ", "<", " ", ">", " ",
	"「", " ", "」", " ", "『", " ", "』", " ", "【", " ", "】", " ",
	"〈", " ", "〉", " ", "《", " ", "》", " ", "〔", " ", "〕", " ",
	"\"", " ", "“", " ", "”", " ", "‘", " ", "’", " ",
)

// Normalize cleans a query: invisible characters removed, NFKC with width
// folding applied, bracket punctuation stripped and whitespace collapsed.
// Empty or whitespace-only input returns "".
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.Map(func(r rune) rune {
		if invisible[r] {
			return -1
		}
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, raw)

	s = norm.NFKC.String(s)
	s = width.Fold.String(s)
	s = bracketReplacer.Replace(s)

	return strings.Join(strings.Fields(s), " ")
}

// Fold produces the comparison form of document text matched against
// keywords: normalized like a query, then lowercased.
func Fold(s string) string {
	return strings.ToLower(Normalize(s))
}

// bracketTag matches a short bracketed status tag such as 【完了】 or [WIP].
var bracketTag = regexp.MustCompile(`[【\[［(（〔][^】\]］)）〕]{0,12}[】\]］)）〕]`)

// NormalizeTitle produces the comparison form of a document title: bracket
// tags dropped, normalized, lowercased, spaces removed.
func NormalizeTitle(title string) string {
	s := bracketTag.ReplaceAllString(title, " ")
	return strings.ReplaceAll(Fold(s), " ", "")
}

// StripBracketTags removes bracketed status tags, keeping the rest verbatim.
func StripBracketTags(s string) string {
	return bracketTag.ReplaceAllString(s, "")
}
