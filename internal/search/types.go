// Package search ranks documents for a query by fusing vector and lexical
// retrieval. Candidates are title-boosted, fused with Reciprocal Rank Fusion
// (RRF), given a composite score and finally deduplicated and filtered.
package search

import (
	"maps"
	"slices"
	"time"

	"github.com/Aman-CERP/amanrag/internal/store"
)

// SourceType records which retrieval path produced a candidate.
type SourceType string

const (
	SourceVector     SourceType = "vector"
	SourceLexical    SourceType = "lexical"
	SourceHybrid     SourceType = "hybrid"
	SourceTitleExact SourceType = "title-exact"
)

// ScoreBreakdown holds the weighted per-signal contributions of a composite score.
type ScoreBreakdown struct {
	Vector  float64 `json:"vector"`
	Lexical float64 `json:"lexical"`
	Title   float64 `json:"title"`
	Label   float64 `json:"label"`
	Domain  float64 `json:"domain"`
}

// Candidate is one document flowing through a single query's pipeline.
type Candidate struct {
	Doc    *store.Document `json:"document"`
	Source SourceType      `json:"source"`

	// Distance is the raw vector distance (smaller is closer). For candidates
	// without a vector hit it is the configured distance threshold.
	Distance  float32 `json:"distance"`
	HasVector bool    `json:"has_vector"`

	// BoostedDistance is Distance after the title boost.
	BoostedDistance float64 `json:"boosted_distance"`

	LexicalScore    float64  `json:"lexical_score"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`

	KeywordScore    float64 `json:"keyword_score"`
	LabelMatches    int     `json:"label_matches"`
	TitleMatchRatio float64 `json:"title_match_ratio"`

	// HybridScore is lower-is-better.
	HybridScore float64 `json:"hybrid_score"`

	// VectorRank and LexicalRank are 1-indexed, 0 when absent from that list.
	VectorRank  int `json:"vector_rank"`
	LexicalRank int `json:"lexical_rank"`

	RRFScore       float64        `json:"rrf_score"`
	CompositeScore float64        `json:"composite_score"`
	Simple         bool           `json:"simple,omitempty"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
}

// LabelFilters is the caller's label policy. Exclude wins over Include; an
// empty Include admits every label.
type LabelFilters struct {
	Exclude []string `json:"exclude,omitempty"`
	Include []string `json:"include,omitempty"`
}

// Options configures a single search call.
type Options struct {
	LabelFilters LabelFilters

	// UseLexicalIndex enables the lexical retrieval path.
	UseLexicalIndex bool

	// Collection restricts results to one table or collection.
	Collection string

	// ParentID restricts vector results to one parent document. When the
	// restricted search finds nothing the fallback lookups are tried.
	ParentID string

	IncludeMeetingNotes bool
	IncludeDeprecated   bool
}

// DefaultOptions enables the lexical path and excludes archived and meeting labels.
func DefaultOptions() Options {
	return Options{
		LabelFilters:    LabelFilters{Exclude: append([]string(nil), DefaultExcludeLabels...)},
		UseLexicalIndex: true,
	}
}

// DefaultExcludeLabels are excluded by DefaultOptions.
var DefaultExcludeLabels = []string{"archived", "meeting", "議事録"}

// meetingLabels are dropped from the exclusion list when meeting notes are requested.
var meetingLabels = []string{"meeting", "議事録"}

// Diagnostics describes how a response was produced.
type Diagnostics struct {
	RequestID    string         `json:"request_id"`
	CacheHit     bool           `json:"cache_hit"`
	Keywords     []string       `json:"keywords"`
	VectorCount  int            `json:"vector_count"`
	LexicalCount int            `json:"lexical_count"`
	RescuedCount int            `json:"rescued_count"`
	FusedCount   int            `json:"fused_count"`
	Removed      map[string]int `json:"removed,omitempty"`
	Degraded     []string       `json:"degraded,omitempty"`
	Latency      time.Duration  `json:"latency"`
}

// Response is the ranked output of Engine.Search.
type Response struct {
	Results     []*Candidate `json:"results"`
	Diagnostics Diagnostics  `json:"diagnostics"`
}

// clone returns a deep copy, so a caller mutating its results never changes
// what the cache serves next.
func (r *Response) clone() *Response {
	out := &Response{
		Results:     make([]*Candidate, len(r.Results)),
		Diagnostics: r.Diagnostics,
	}
	for i, c := range r.Results {
		cp := *c
		cp.MatchedKeywords = slices.Clone(c.MatchedKeywords)
		if c.Doc != nil {
			doc := *c.Doc
			doc.Labels = slices.Clone(c.Doc.Labels)
			cp.Doc = &doc
		}
		out.Results[i] = &cp
	}
	out.Diagnostics.Keywords = slices.Clone(r.Diagnostics.Keywords)
	out.Diagnostics.Degraded = slices.Clone(r.Diagnostics.Degraded)
	out.Diagnostics.Removed = maps.Clone(r.Diagnostics.Removed)
	return out
}

// Weights are the composite score weights.
type Weights struct {
	Vector  float64 `json:"vector"`
	Lexical float64 `json:"lexical"`
	Title   float64 `json:"title"`
	Label   float64 `json:"label"`
}

// DefaultWeights returns the 30/40/20/10 composite blend.
func DefaultWeights() Weights {
	return Weights{Vector: 0.30, Lexical: 0.40, Title: 0.20, Label: 0.10}
}

// Config holds the ranking tunables. All of them were found by trial and are
// exposed so they can be tuned per corpus.
type Config struct {
	// TopKMax caps the requested result count.
	TopKMax int

	RRFConstant int

	Weights Weights

	// CompositeTopN candidates get the full composite; the rest get
	// RRFScore*ProxyFactor and are flagged Simple.
	CompositeTopN int
	ProxyFactor   float64

	HighTitleThreshold float64
	HighTitleBoost     float64
	MidTitleThreshold  float64
	MidTitleBoost      float64

	// TitleExactDistance is the distance given to rescued title matches.
	TitleExactDistance float32
	TitleCandidateCap  int
	TitleRescueLimit   int
	TitleRescueTimeout time.Duration

	DomainBoostPerTerm float64
	DomainBoostCap     float64

	// MinContentLength is the minimum content length in characters.
	MinContentLength int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		TopKMax:            100,
		RRFConstant:        DefaultRRFConstant,
		Weights:            DefaultWeights(),
		CompositeTopN:      100,
		ProxyFactor:        0.5,
		HighTitleThreshold: 0.66,
		HighTitleBoost:     5,
		MidTitleThreshold:  0.33,
		MidTitleBoost:      3,
		TitleExactDistance: 0.05,
		TitleCandidateCap:  10,
		TitleRescueLimit:   5,
		TitleRescueTimeout: 3 * time.Second,
		DomainBoostPerTerm: 0.05,
		DomainBoostCap:     0.1,
		MinContentLength:   20,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TopKMax <= 0 {
		c.TopKMax = d.TopKMax
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = d.RRFConstant
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.CompositeTopN <= 0 {
		c.CompositeTopN = d.CompositeTopN
	}
	if c.ProxyFactor <= 0 {
		c.ProxyFactor = d.ProxyFactor
	}
	if c.HighTitleThreshold <= 0 {
		c.HighTitleThreshold = d.HighTitleThreshold
	}
	if c.HighTitleBoost <= 0 {
		c.HighTitleBoost = d.HighTitleBoost
	}
	if c.MidTitleThreshold <= 0 {
		c.MidTitleThreshold = d.MidTitleThreshold
	}
	if c.MidTitleBoost <= 0 {
		c.MidTitleBoost = d.MidTitleBoost
	}
	if c.TitleExactDistance <= 0 {
		c.TitleExactDistance = d.TitleExactDistance
	}
	if c.TitleCandidateCap <= 0 {
		c.TitleCandidateCap = d.TitleCandidateCap
	}
	if c.TitleRescueLimit <= 0 {
		c.TitleRescueLimit = d.TitleRescueLimit
	}
	if c.TitleRescueTimeout <= 0 {
		c.TitleRescueTimeout = d.TitleRescueTimeout
	}
	if c.DomainBoostPerTerm < 0 {
		c.DomainBoostPerTerm = 0
	}
	if c.DomainBoostCap < 0 {
		c.DomainBoostCap = 0
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = 1
	}
	return c
}
