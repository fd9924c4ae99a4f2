package search

import (
	"sort"

	"github.com/Aman-CERP/amanrag/internal/query"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
const DefaultRRFConstant = 60

// RRFFusion combines the vector and lexical candidate lists using
// Reciprocal Rank Fusion.
//
// Algorithm: RRF_score(d) = Σ 1 / (k + rank_i)
//
// Where:
//   - k = smoothing constant (default: 60)
//   - rank_i = position in ranked list i (1-indexed)
//
// A candidate absent from a list gets no contribution from it.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion with smoothing constant k.
// If k <= 0, defaults to 60.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse scores every candidate of both lists and returns them deduplicated by
// (logical id, normalized title), keeping the higher RRF score.
//
// The vector list must be ordered by boosted distance and the lexical list
// by accumulated score; a candidate present in both must be the same pointer.
// Results are sorted by: RRFScore (desc) → HybridScore (asc) → ID (asc)
func (f *RRFFusion) Fuse(vector, lexical []*Candidate) []*Candidate {
	if len(vector) == 0 && len(lexical) == 0 {
		return []*Candidate{}
	}

	seen := make(map[*Candidate]struct{}, len(vector)+len(lexical))
	all := make([]*Candidate, 0, len(vector)+len(lexical))
	collect := func(c *Candidate) {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			c.RRFScore = 0
			all = append(all, c)
		}
	}
	for _, c := range vector {
		collect(c)
	}
	for _, c := range lexical {
		collect(c)
	}

	for rank, c := range vector {
		c.VectorRank = rank + 1
		c.RRFScore += 1 / float64(f.K+rank+1)
	}
	for rank, c := range lexical {
		c.LexicalRank = rank + 1
		c.RRFScore += 1 / float64(f.K+rank+1)
	}

	return f.dedup(all)
}

type dedupKey struct {
	logicalID string
	title     string
}

// dedup keeps the best candidate per (logical id, normalized title).
func (f *RRFFusion) dedup(cands []*Candidate) []*Candidate {
	best := make(map[dedupKey]*Candidate, len(cands))
	order := make([]dedupKey, 0, len(cands))
	for _, c := range cands {
		key := dedupKey{logicalID: c.Doc.LogicalID, title: query.NormalizeTitle(c.Doc.Title)}
		cur, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = c
			continue
		}
		if f.compare(c, cur) {
			best[key] = c
		}
	}

	out := make([]*Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.Slice(out, func(i, j int) bool {
		return f.compare(out[i], out[j])
	})
	return out
}

// compare implements deterministic comparison for sorting.
// Returns true if a should rank before b.
//
// Priority:
//  1. Higher RRF score
//  2. Lower hybrid score
//  3. Lexicographically smaller ID (deterministic)
func (f *RRFFusion) compare(a, b *Candidate) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.HybridScore != b.HybridScore {
		return a.HybridScore < b.HybridScore
	}
	return a.Doc.ID < b.Doc.ID
}
