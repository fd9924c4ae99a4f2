package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// fakeSearcher answers from a fixed query -> logical IDs table.
type fakeSearcher struct {
	answers map[string][]string
	err     error
	calls   []search.Options
	topKs   []int
}

func (f *fakeSearcher) Search(_ context.Context, raw string, topK int, opts search.Options) (*search.Response, error) {
	f.calls = append(f.calls, opts)
	f.topKs = append(f.topKs, topK)
	if f.err != nil {
		return nil, f.err
	}
	resp := &search.Response{}
	for _, id := range f.answers[raw] {
		resp.Results = append(resp.Results, &search.Candidate{Doc: &store.Document{ID: id, LogicalID: id}})
	}
	return resp, nil
}

const sampleYAML = `
tier1:
  - id: T1-1
    name: exact title
    query: 教室の削除方法
    expected: ["164"]
tier2:
  - id: T2-1
    query: ログイン エラー
    expected: ["201", "202"]
    top_k: 3
negative:
  - id: N-1
    query: 議事録
    forbidden: ["m1"]
`

// =============================================================================
// Loading
// =============================================================================

func TestParseQueries_AssignsTiers(t *testing.T) {
	set, err := ParseQueries([]byte(sampleYAML))

	require.NoError(t, err)
	assert.Equal(t, 3, set.Total())
	assert.Equal(t, 1, set.Tier1[0].Tier)
	assert.Equal(t, 2, set.Tier2[0].Tier)
	assert.Equal(t, 0, set.Negative[0].Tier)
	assert.Equal(t, 3, set.Tier2[0].TopK)
}

func TestParseQueries_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing query", "tier1:\n  - id: A\n    expected: [x]\n", "needs id and query"},
		{"missing expected", "tier1:\n  - id: A\n    query: q\n", "needs expected"},
		{"duplicate id", "tier2:\n  - id: A\n    query: q\n    expected: [x]\nnegative:\n  - id: A\n    query: r\n", "duplicate"},
		{"bad yaml", "tier1: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQueries([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadQueries_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	set, err := LoadQueries(path)

	require.NoError(t, err)
	assert.Len(t, set.Tier1, 1)

	_, err = LoadQueries(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// =============================================================================
// Running
// =============================================================================

func TestRunAll_ScoresTiersAndMRR(t *testing.T) {
	// Given: an engine ranking 164 first and 202 second
	set, err := ParseQueries([]byte(sampleYAML))
	require.NoError(t, err)
	s := &fakeSearcher{answers: map[string][]string{
		"教室の削除方法":  {"164", "200"},
		"ログイン エラー": {"300", "202"},
		"議事録":      {"m2"},
	}}

	// When: running the set
	report := New(s, search.DefaultOptions()).RunAll(context.Background(), set)

	// Then: every tier passes and MRR averages 1 and 1/2
	assert.True(t, report.Passed())
	assert.Equal(t, TierSummary{Pass: 1, Total: 1}, report.Tier1)
	assert.Equal(t, TierSummary{Pass: 1, Total: 1}, report.Tier2)
	assert.Equal(t, TierSummary{Pass: 1, Total: 1}, report.Negative)
	assert.InDelta(t, 0.75, report.MRR, 1e-9)
	assert.Equal(t, 2, report.Results[1].MatchedAt)
	assert.Equal(t, []int{DefaultTopK, 3, DefaultTopK}, s.topKs)
}

func TestRunQuery_ForbiddenFails(t *testing.T) {
	s := &fakeSearcher{answers: map[string][]string{"議事録": {"m1"}}}
	v := New(s, search.DefaultOptions())

	tr := v.RunQuery(context.Background(), QuerySpec{ID: "N", Query: "議事録", Forbidden: []string{"m1"}})

	assert.False(t, tr.Passed)
	assert.Equal(t, []string{"m1"}, tr.TopResults)
}

func TestRunQuery_ErrorFails(t *testing.T) {
	s := &fakeSearcher{err: errors.New("boom")}
	v := New(s, search.DefaultOptions())

	tr := v.RunQuery(context.Background(), QuerySpec{ID: "T", Query: "q", Expected: []string{"1"}, Tier: 1})

	assert.False(t, tr.Passed)
	assert.Equal(t, "boom", tr.Error)
}

func TestRunQuery_AppliesPerQueryOptions(t *testing.T) {
	// Given: a base that excludes meeting notes
	s := &fakeSearcher{}
	v := New(s, search.DefaultOptions())

	// When: a query opts into meetings and a label
	v.RunQuery(context.Background(), QuerySpec{ID: "Q", Query: "q", IncludeMeeting: true, Labels: []string{"faq"}})

	// Then: the options carry both and keep the base exclusions
	require.Len(t, s.calls, 1)
	assert.True(t, s.calls[0].IncludeMeetingNotes)
	assert.Equal(t, []string{"faq"}, s.calls[0].LabelFilters.Include)
	assert.Equal(t, search.DefaultExcludeLabels, s.calls[0].LabelFilters.Exclude)
}

func TestReport_FailsOnTier1Miss(t *testing.T) {
	set, err := ParseQueries([]byte(sampleYAML))
	require.NoError(t, err)
	s := &fakeSearcher{answers: map[string][]string{}}

	report := New(s, search.DefaultOptions()).RunAll(context.Background(), set)

	assert.False(t, report.Passed())
	assert.Equal(t, 0, report.Tier1.Pass)
	assert.Zero(t, report.MRR)
}
