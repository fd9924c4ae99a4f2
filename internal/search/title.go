package search

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Aman-CERP/amanrag/internal/query"
)

// Title ratio floors and penalty caps.
const (
	domainTermFloor = 0.70

	sequenceFloor      = 0.95
	sequenceMaxPenalty = 0.20
	sequenceMinRatio   = 0.75

	scatteredFloor      = 0.60
	scatteredMaxPenalty = 0.30
)

// TitleMatcher measures how well a document title covers a keyword set.
type TitleMatcher struct {
	fillers []string
}

// NewTitleMatcher creates a matcher that ignores the given filler words when
// counting unrelated title characters.
func NewTitleMatcher(fillers []string) *TitleMatcher {
	fs := make([]string, 0, len(fillers))
	for _, f := range fillers {
		if f = query.NormalizeTitle(f); f != "" {
			fs = append(fs, f)
		}
	}
	// Longest first so that compound fillers are removed before their parts.
	sort.SliceStable(fs, func(i, j int) bool {
		return utf8.RuneCountInString(fs[i]) > utf8.RuneCountInString(fs[j])
	})
	return &TitleMatcher{fillers: fs}
}

// Ratio returns the title match ratio in [0, 1].
//
// The base ratio is the share of keywords found in the normalized title.
// A title covering a query domain term is floored at 0.7. A title containing
// the whole keyword sequence is floored at 0.95 and then penalized for
// leftover non-filler text (at most 20%, never below 0.75). A title holding
// every keyword out of order is floored at 0.6 and penalized for the text
// between the first and last keyword (at most 30%). A title with every
// keyword never scores below one missing a keyword.
func (m *TitleMatcher) Ratio(title string, kw query.Keywords) float64 {
	keywords := kw.All
	if len(keywords) == 0 {
		return 0
	}
	t := query.NormalizeTitle(title)
	if t == "" {
		return 0
	}

	hits := 0
	for _, k := range keywords {
		if strings.Contains(t, k) {
			hits++
		}
	}
	ratio := float64(hits) / float64(len(keywords))

	for _, term := range kw.DomainTerms {
		if strings.Contains(t, query.NormalizeTitle(term)) {
			ratio = math.Max(ratio, domainTermFloor)
			break
		}
	}

	if hits < len(keywords) {
		return ratio
	}

	if seq, ok := containedSequence(t, keywords); ok {
		leftover, total := m.leftover(t, []string{seq})
		r := math.Max(ratio, sequenceFloor) * (1 - sequenceMaxPenalty*share(leftover, total))
		ratio = math.Max(r, sequenceMinRatio)
	} else if len(keywords) > 1 {
		lo, hi := keywordSpan(t, keywords)
		interposed, total := m.leftover(t[lo:hi], keywords)
		r := ratio * (1 - scatteredMaxPenalty*share(interposed, total))
		ratio = math.Max(r, scatteredFloor)
	}

	if n := len(keywords); n > 1 {
		ratio = math.Max(ratio, float64(n-1)/float64(n))
	}
	return math.Min(ratio, 1)
}

// Boost returns the title boost factor for ratio.
func (c Config) Boost(ratio float64) float64 {
	switch {
	case ratio >= c.HighTitleThreshold:
		return 1 + (c.HighTitleBoost-1)*ratio
	case ratio >= c.MidTitleThreshold:
		return 1 + (c.MidTitleBoost-1)*ratio
	default:
		return 1
	}
}

// leftover counts the letters of s that remain once the given parts and the
// filler words are removed, along with the letter count of s.
func (m *TitleMatcher) leftover(s string, parts []string) (rest, total int) {
	total = countLetters(s)
	for _, p := range parts {
		s = strings.ReplaceAll(s, p, " ")
	}
	for _, f := range m.fillers {
		s = strings.ReplaceAll(s, f, " ")
	}
	return countLetters(s), total
}

// containedSequence reports the keyword sequence, joined forward or reversed,
// that appears in t.
func containedSequence(t string, keywords []string) (string, bool) {
	forward := strings.Join(keywords, "")
	if strings.Contains(t, forward) {
		return forward, true
	}
	if len(keywords) < 2 {
		return "", false
	}
	reversed := make([]string, len(keywords))
	for i, k := range keywords {
		reversed[len(keywords)-1-i] = k
	}
	backward := strings.Join(reversed, "")
	if strings.Contains(t, backward) {
		return backward, true
	}
	return "", false
}

// keywordSpan returns the byte range from the first keyword occurrence to
// the end of the last one. Every keyword must be present in t.
func keywordSpan(t string, keywords []string) (lo, hi int) {
	lo, hi = len(t), 0
	for _, k := range keywords {
		i := strings.Index(t, k)
		if i < 0 {
			continue
		}
		lo = min(lo, i)
		hi = max(hi, i+len(k))
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// countLetters counts letters only; digits and punctuation such as page
// numbering prefixes do not count as unrelated text.
func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func share(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}
