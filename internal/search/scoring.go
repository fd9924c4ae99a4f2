package search

import (
	"strings"

	"github.com/Aman-CERP/amanrag/internal/query"
)

// Keyword score weights. Title matches count three times a body match.
const (
	titleMatchWeight   = 3.0
	contentMatchWeight = 1.0
	labelMatchWeight   = 2.0

	highPriorityWeight = 2.0
	lowPriorityWeight  = 1.0

	keywordScoreFactor = 0.1
	labelScoreFactor   = 0.2

	// firstChunkDiscount favors the opening chunk of a multi-chunk document.
	firstChunkDiscount = 0.95
)

// keywordSignals returns the weighted keyword score of c and the number of
// keywords matched by one of its labels.
func keywordSignals(c *Candidate, kw query.Keywords) (score float64, labelMatches int) {
	if c.Doc == nil || len(kw.All) == 0 {
		return 0, 0
	}
	title := query.NormalizeTitle(c.Doc.Title)
	content := query.Fold(c.Doc.Content)
	labels := make([]string, len(c.Doc.Labels))
	for i, l := range c.Doc.Labels {
		labels[i] = query.Fold(l)
	}

	for _, k := range kw.All {
		weight := lowPriorityWeight
		if kw.IsHigh(k) {
			weight = highPriorityWeight
		}
		var s float64
		if strings.Contains(title, k) {
			s += titleMatchWeight
		}
		if strings.Contains(content, k) {
			s += contentMatchWeight
		}
		for _, l := range labels {
			if strings.Contains(l, k) {
				s += labelMatchWeight
				labelMatches++
				break
			}
		}
		score += weight * s
	}
	return score, labelMatches
}

// hybridScore combines the boosted distance with the keyword and label
// signals. Lower is better.
func hybridScore(c *Candidate) float64 {
	h := c.BoostedDistance / (1 + keywordScoreFactor*c.KeywordScore + labelScoreFactor*float64(c.LabelMatches))
	if c.Doc != nil && c.Doc.ChunkIndex == 0 && c.Doc.ChunkCount > 1 {
		h *= firstChunkDiscount
	}
	return h
}

// score fills the title, keyword and hybrid fields of every candidate.
func (e *Engine) score(cands []*Candidate, kw query.Keywords) {
	for _, c := range cands {
		if c.Doc != nil {
			c.TitleMatchRatio = e.titles.Ratio(c.Doc.Title, kw)
		}
		c.BoostedDistance = float64(c.Distance) / e.cfg.Boost(c.TitleMatchRatio)
		c.KeywordScore, c.LabelMatches = keywordSignals(c, kw)
		c.HybridScore = hybridScore(c)
	}
}
