// Package validation runs data-driven relevance checks against a search
// engine. Query sets are YAML files with three tiers:
//
//   - tier1: must pass; a failure fails the run
//   - tier2: quality targets, reported but not fatal
//   - negative: must return without error and must not surface the listed
//     documents (for example filtered meeting notes)
//
// Queries can be changed without rebuilding the binary.
package validation

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/amanrag/internal/search"
)

// DefaultTopK is the result depth checked when a query sets none.
const DefaultTopK = 10

// QuerySpec defines a query with expected results.
type QuerySpec struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Query string `yaml:"query"`

	// Expected are logical document IDs; any one in the top TopK passes.
	Expected []string `yaml:"expected"`

	// Forbidden are logical document IDs that must not appear.
	Forbidden []string `yaml:"forbidden"`

	TopK int `yaml:"top_k"`

	// Labels and IncludeMeeting adjust the default search options.
	Labels         []string `yaml:"labels"`
	IncludeMeeting bool     `yaml:"include_meeting"`

	Notes string `yaml:"notes"`
	Tier  int    `yaml:"-"`
}

// QuerySet holds all queries of one file.
type QuerySet struct {
	Tier1    []QuerySpec `yaml:"tier1"`
	Tier2    []QuerySpec `yaml:"tier2"`
	Negative []QuerySpec `yaml:"negative"`
}

// LoadQueries reads and checks a query set.
func LoadQueries(path string) (*QuerySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file %s: %w", path, err)
	}
	return ParseQueries(data)
}

// ParseQueries parses a YAML query set. Every query needs an id and a
// query; tier1 and tier2 queries need at least one expected document.
func ParseQueries(data []byte) (*QuerySet, error) {
	var set QuerySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse queries YAML: %w", err)
	}

	tiers := []struct {
		specs []QuerySpec
		tier  int
	}{{set.Tier1, 1}, {set.Tier2, 2}, {set.Negative, 0}}

	seen := make(map[string]struct{})
	for _, t := range tiers {
		for i := range t.specs {
			spec := &t.specs[i]
			spec.Tier = t.tier
			if spec.ID == "" || spec.Query == "" {
				return nil, fmt.Errorf("query %d of tier %d needs id and query", i+1, t.tier)
			}
			if _, dup := seen[spec.ID]; dup {
				return nil, fmt.Errorf("duplicate query id %q", spec.ID)
			}
			seen[spec.ID] = struct{}{}
			if t.tier > 0 && len(spec.Expected) == 0 {
				return nil, fmt.Errorf("query %s needs expected documents", spec.ID)
			}
		}
	}
	return &set, nil
}

// Total returns the number of queries in the set.
func (s *QuerySet) Total() int {
	return len(s.Tier1) + len(s.Tier2) + len(s.Negative)
}

// Searcher is the engine surface the validator needs.
type Searcher interface {
	Search(ctx context.Context, raw string, topK int, opts search.Options) (*search.Response, error)
}

// TestResult captures the outcome of a single query.
type TestResult struct {
	Spec       QuerySpec     `json:"spec"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration_ns"`
	TopResults []string      `json:"top_results"`
	// MatchedAt is the 1-based rank of the first expected document, 0 if absent.
	MatchedAt int      `json:"matched_at"`
	Degraded  []string `json:"degraded,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// TierSummary counts the passes of one tier.
type TierSummary struct {
	Pass  int `json:"pass"`
	Total int `json:"total"`
}

// Report is the outcome of a full run.
type Report struct {
	Timestamp time.Time    `json:"timestamp"`
	Results   []TestResult `json:"results"`

	Tier1    TierSummary `json:"tier1"`
	Tier2    TierSummary `json:"tier2"`
	Negative TierSummary `json:"negative"`

	// MRR is the mean reciprocal rank over tier1 and tier2 queries.
	MRR float64 `json:"mrr"`
}

// Passed reports whether every tier1 and negative query passed.
func (r *Report) Passed() bool {
	return r.Tier1.Pass == r.Tier1.Total && r.Negative.Pass == r.Negative.Total
}

// Validator runs query sets against a Searcher.
type Validator struct {
	searcher Searcher
	base     search.Options
}

// New creates a validator. base holds the options every query starts from.
func New(s Searcher, base search.Options) *Validator {
	return &Validator{searcher: s, base: base}
}

// RunQuery executes a single query and scores it.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	result := TestResult{Spec: spec}

	topK := spec.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	opts := v.base
	opts.LabelFilters.Include = spec.Labels
	opts.IncludeMeetingNotes = spec.IncludeMeeting

	start := time.Now()
	resp, err := v.searcher.Search(ctx, spec.Query, topK, opts)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Degraded = resp.Diagnostics.Degraded
	result.TopResults = make([]string, len(resp.Results))
	for i, c := range resp.Results {
		result.TopResults[i] = c.Doc.LogicalID
	}

	result.MatchedAt = firstMatch(result.TopResults, spec.Expected)
	forbidden := slices.ContainsFunc(result.TopResults, func(id string) bool {
		return slices.Contains(spec.Forbidden, id)
	})
	result.Passed = !forbidden && (len(spec.Expected) == 0 || result.MatchedAt > 0)
	return result
}

// RunAll executes every query of set in tier order.
func (v *Validator) RunAll(ctx context.Context, set *QuerySet) *Report {
	report := &Report{Timestamp: time.Now()}

	var reciprocal float64
	var ranked int
	run := func(specs []QuerySpec, summary *TierSummary) {
		for _, spec := range specs {
			tr := v.RunQuery(ctx, spec)
			report.Results = append(report.Results, tr)
			summary.Total++
			if tr.Passed {
				summary.Pass++
			}
			if spec.Tier > 0 {
				ranked++
				if tr.MatchedAt > 0 {
					reciprocal += 1 / float64(tr.MatchedAt)
				}
			}
		}
	}
	run(set.Tier1, &report.Tier1)
	run(set.Tier2, &report.Tier2)
	run(set.Negative, &report.Negative)

	if ranked > 0 {
		report.MRR = reciprocal / float64(ranked)
	}
	return report
}

func firstMatch(results, expected []string) int {
	for i, id := range results {
		if slices.Contains(expected, id) {
			return i + 1
		}
	}
	return 0
}
