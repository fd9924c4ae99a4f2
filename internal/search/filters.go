package search

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Filter names used in Diagnostics.Removed and the filter_removed log event.
const (
	FilterDuplicate  = "duplicate"
	FilterShort      = "short_content"
	FilterMeeting    = "meeting_note"
	FilterDeprecated = "deprecated"
)

// meetingTitlePatterns recognize meeting minutes by title when a document
// has no category.
var meetingTitlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}[-/.年]\d{1,2}[-/.月]\d{1,2}日?.*(議事録|打ち合わせ|定例|ミーティング|(?i:meeting|minutes))`),
	regexp.MustCompile(`(?i)^(meeting|minutes)\b`),
	regexp.MustCompile(`議事録$`),
}

// IsMeetingNote reports whether a document is meeting minutes, by category
// when it has one and by title otherwise.
func IsMeetingNote(category, title string) bool {
	if category != "" {
		return strings.EqualFold(category, "meeting")
	}
	title = strings.TrimSpace(title)
	for _, re := range meetingTitlePatterns {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}

// IsDeprecated reports whether status marks a document as deprecated.
func IsDeprecated(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "deprecated")
}

// filterSet runs the post-scoring filters in order.
type filterSet struct {
	minContent        int
	includeMeeting    bool
	includeDeprecated bool
	logger            *slog.Logger
}

// apply returns the surviving candidates and the number removed per filter.
// Filters never fail; an empty result is valid.
func (f filterSet) apply(cands []*Candidate) ([]*Candidate, map[string]int) {
	removed := make(map[string]int)

	cands = f.keep(cands, FilterDuplicate, removed, firstPerDocument())
	cands = f.keep(cands, FilterShort, removed, func(c *Candidate) bool {
		return utf8.RuneCountInString(strings.TrimSpace(c.Doc.Content)) >= f.minContent
	})
	if !f.includeMeeting {
		cands = f.keep(cands, FilterMeeting, removed, func(c *Candidate) bool {
			return !IsMeetingNote(c.Doc.Category, c.Doc.Title)
		})
	}
	if !f.includeDeprecated {
		cands = f.keep(cands, FilterDeprecated, removed, func(c *Candidate) bool {
			return !IsDeprecated(c.Doc.Status)
		})
	}
	return cands, removed
}

func (f filterSet) keep(cands []*Candidate, name string, removed map[string]int, pred func(*Candidate) bool) []*Candidate {
	kept := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		if pred(c) {
			kept = append(kept, c)
		}
	}
	if n := len(cands) - len(kept); n > 0 {
		removed[name] = n
		f.logger.Debug("filter_removed",
			slog.String("filter", name),
			slog.Int("removed", n),
			slog.Int("kept", len(kept)))
	}
	return kept
}

// firstPerDocument keeps the first candidate seen for each logical document.
// Input is ordered best first, so the best chunk survives.
func firstPerDocument() func(*Candidate) bool {
	seen := make(map[string]struct{})
	return func(c *Candidate) bool {
		if _, dup := seen[c.Doc.LogicalID]; dup {
			return false
		}
		seen[c.Doc.LogicalID] = struct{}{}
		return true
	}
}
