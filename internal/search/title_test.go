package search

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/amanrag/internal/query"
)

func kwSet(all ...string) query.Keywords {
	return query.Keywords{Normalized: "q", All: all, High: all, Low: []string{}, DomainTerms: []string{}}
}

// =============================================================================
// Title Ratio Tests
// =============================================================================

func TestTitleMatcher_Ratio(t *testing.T) {
	m := NewTitleMatcher(query.DefaultGenericFillers)
	kw := kwSet("教室", "削除")

	tests := []struct {
		name  string
		title string
		kw    query.Keywords
		want  float64
	}{
		{"full sequence with numbering and filler", "164_教室削除機能", kw, 1.0},
		{"reversed sequence", "削除教室", kw, 1.0},
		{"bracket tag ignored", "【完了】教室削除", kw, 1.0},
		{"half of the keywords", "教室一覧", kw, 0.5},
		{"no keywords in title", "時間割の作成", kw, 0},
		{"no keywords", "教室削除", kwSet(), 0},
		{"empty title", "", kw, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, m.Ratio(tt.title, tt.kw), 1e-9)
		})
	}
}

func TestTitleMatcher_Ratio_SequencePenalty(t *testing.T) {
	m := NewTitleMatcher(query.DefaultGenericFillers)
	kw := kwSet("教室", "削除")

	// Given: a title holding the whole query plus unrelated words
	got := m.Ratio("教室削除と教室復元の手順まとめ", kw)

	// Then: it is demoted but stays above the sequence minimum
	assert.Less(t, got, 1.0)
	assert.GreaterOrEqual(t, got, sequenceMinRatio)
}

func TestTitleMatcher_Ratio_ScatteredKeywords(t *testing.T) {
	m := NewTitleMatcher(query.DefaultGenericFillers)
	kw := kwSet("教室", "削除")

	// Given: every keyword present but separated
	scattered := m.Ratio("教室の一括削除", kw)
	adjacent := m.Ratio("教室削除", kw)

	// Then: the interposed text costs something, within the floor
	assert.Less(t, scattered, adjacent)
	assert.GreaterOrEqual(t, scattered, scatteredFloor)
}

func TestTitleMatcher_Ratio_FillerOnlyGapIsFree(t *testing.T) {
	m := NewTitleMatcher(query.DefaultGenericFillers)
	kw := kwSet("教室", "削除")

	assert.InDelta(t, 1.0, m.Ratio("教室の削除", kw), 1e-9)
}

func TestTitleMatcher_Ratio_DomainTermFloor(t *testing.T) {
	m := NewTitleMatcher(query.DefaultGenericFillers)
	kw := query.Keywords{
		All:         []string{"教室", "管理", "変更"},
		DomainTerms: []string{"教室管理"},
	}

	// Two of three keywords would score 0.67; the domain term lifts it.
	assert.InDelta(t, domainTermFloor, m.Ratio("教室管理マニュアル", kw), 1e-9)
}

func TestTitleMatcher_Ratio_MoreKeywordsNeverScoreLower(t *testing.T) {
	m := NewTitleMatcher(query.DefaultGenericFillers)
	kw := kwSet("教室", "削除", "権限", "設定")

	partial := m.Ratio("教室削除の権限", kw)
	full := m.Ratio("教室削除に関する権限とその他いろいろな設定", kw)

	assert.GreaterOrEqual(t, full, partial)
}

// =============================================================================
// Boost Tests
// =============================================================================

func TestConfig_Boost(t *testing.T) {
	cfg := DefaultConfig()

	assert.InDelta(t, 5.0, cfg.Boost(1.0), 1e-9)
	assert.InDelta(t, 1+4*0.7, cfg.Boost(0.7), 1e-9)
	assert.InDelta(t, 2.0, cfg.Boost(0.5), 1e-9)
	assert.InDelta(t, 1.0, cfg.Boost(0.2), 1e-9)
}

// =============================================================================
// Title Candidate Tests
// =============================================================================

func TestTitleCandidates(t *testing.T) {
	tests := []struct {
		name     string
		keywords []string
		limit    int
		want     []string
	}{
		{"pairs then keywords", []string{"教室", "削除"}, 10, []string{"教室削除", "削除教室", "教室", "削除"}},
		{"single keyword", []string{"教室"}, 10, []string{"教室"}},
		{"capped", []string{"a", "b", "c"}, 4, []string{"ab", "ac", "ba", "bc"}},
		{"no keywords", nil, 10, []string{}},
		{"zero limit", []string{"a"}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, titleCandidates(tt.keywords, tt.limit))
		})
	}
}

func TestTitleCandidates_CapAtTen(t *testing.T) {
	got := titleCandidates([]string{"a", "b", "c", "d", "e"}, 10)
	assert.Len(t, got, 10)
}
