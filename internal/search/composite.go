package search

import (
	"math"
	"sort"
	"strings"

	"github.com/Aman-CERP/amanrag/internal/query"
)

// compositeScorer gives the leading fused candidates a weighted blend of
// normalized signals and the tail a cheap RRF proxy.
type compositeScorer struct {
	cfg Config

	// maxDistance scales the vector contribution; it is the retrieval
	// distance threshold so the scale does not depend on the result set.
	maxDistance float64
}

// apply scores fused (ordered by RRF) in place and returns it sorted by
// composite score.
func (s compositeScorer) apply(fused []*Candidate, kw query.Keywords) []*Candidate {
	n := min(s.cfg.CompositeTopN, len(fused))
	head, tail := fused[:n], fused[n:]

	var maxLexical float64
	for _, c := range head {
		maxLexical = math.Max(maxLexical, c.LexicalScore)
	}

	for _, c := range head {
		var b ScoreBreakdown
		if c.HasVector && s.maxDistance > 0 {
			b.Vector = s.cfg.Weights.Vector * clamp01(1-float64(c.Distance)/s.maxDistance)
		}
		if maxLexical > 0 {
			b.Lexical = s.cfg.Weights.Lexical * clamp01(c.LexicalScore/maxLexical)
		}
		b.Title = s.cfg.Weights.Title * clamp01(c.TitleMatchRatio)
		if len(kw.All) > 0 {
			b.Label = s.cfg.Weights.Label * clamp01(float64(c.LabelMatches)/float64(len(kw.All)))
		}
		b.Domain = s.domainBoost(c, kw)

		c.Breakdown = b
		c.CompositeScore = b.Vector + b.Lexical + b.Title + b.Label + b.Domain
		c.Simple = false
	}
	for _, c := range tail {
		c.Breakdown = ScoreBreakdown{}
		c.CompositeScore = c.RRFScore * s.cfg.ProxyFactor
		c.Simple = true
	}

	sort.SliceStable(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		if a.RRFScore != b.RRFScore {
			return a.RRFScore > b.RRFScore
		}
		return a.Doc.ID < b.Doc.ID
	})
	return fused
}

// domainBoost rewards titles naming a domain term present in the query.
func (s compositeScorer) domainBoost(c *Candidate, kw query.Keywords) float64 {
	if len(kw.DomainTerms) == 0 || c.Doc == nil {
		return 0
	}
	title := query.NormalizeTitle(c.Doc.Title)
	var boost float64
	for _, term := range kw.DomainTerms {
		if strings.Contains(title, query.NormalizeTitle(term)) {
			boost += s.cfg.DomainBoostPerTerm
		}
	}
	return math.Min(boost, s.cfg.DomainBoostCap)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
