package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/cache"
	"github.com/Aman-CERP/amanrag/internal/embed"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/query"
	"github.com/Aman-CERP/amanrag/internal/retrieval"
	"github.com/Aman-CERP/amanrag/internal/segment"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type fakeVector struct {
	hits []*store.VectorHit
	err  error
}

func (f *fakeVector) Add(context.Context, []*store.Document, [][]float32) error { return nil }

func (f *fakeVector) Search(context.Context, []float32, int, *store.VectorFilter) ([]*store.VectorHit, error) {
	return f.hits, f.err
}

func (f *fakeVector) Count() int      { return len(f.hits) }
func (f *fakeVector) Dimensions() int { return 2 }
func (f *fakeVector) Close() error    { return nil }

type fakeLexical struct {
	ready       bool
	byKeyword   map[string][]*store.LexicalHit
	blockTitles bool
	titleCalls  atomic.Int32
}

func (f *fakeLexical) Index(context.Context, []*store.Document) error { return nil }

func (f *fakeLexical) Search(_ context.Context, keyword string, _ int) ([]*store.LexicalHit, error) {
	return f.byKeyword[keyword], nil
}

func (f *fakeLexical) SearchTitle(ctx context.Context, _ string, _ int) ([]*store.LexicalHit, error) {
	f.titleCalls.Add(1)
	if f.blockTitles {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func (f *fakeLexical) IsReady() bool                    { return f.ready }
func (f *fakeLexical) Initialize(context.Context) error { return nil }
func (f *fakeLexical) Count() int                       { return 0 }
func (f *fakeLexical) Close() error                     { return nil }

// =============================================================================
// Helpers
// =============================================================================

type engineOpts struct {
	vector  store.VectorIndex
	lexical store.LexicalIndex
	docs    []*store.Document
	cfg     Config
	metrics *telemetry.QueryMetrics
}

func newFakeEngine(t *testing.T, o engineOpts) (*Engine, *store.SQLiteMetadata) {
	t.Helper()
	ctx := context.Background()

	meta, err := store.NewSQLiteMetadata(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	require.NoError(t, meta.Put(ctx, o.docs))

	rcfg := retrieval.DefaultConfig()
	rcfg.WarmupBudget = 0
	orch, err := retrieval.New(o.vector, o.lexical, fakeEmbedder{}, rcfg)
	require.NoError(t, err)

	eng, err := NewEngine(Dependencies{
		Orchestrator: orch,
		Lexical:      o.lexical,
		Metadata:     meta,
		Extractor:    query.NewExtractor(),
		ResultCache:  cache.New[*Response](cache.Config{TTL: time.Minute, MaxSize: 50}),
		TitleCache:   cache.New[[]*store.Document](cache.Config{TTL: time.Minute, MaxSize: 50}),
		Metrics:      o.metrics,
	}, o.cfg)
	require.NoError(t, err)
	return eng, meta
}

func page(id, title, content string) *store.Document {
	d := &store.Document{ID: id, Title: title, Content: content}
	d.Canonicalize()
	return d
}

// wikiCorpus is a small classroom-management wiki.
func wikiCorpus() []*store.Document {
	opening := page("164", "164_教室削除機能", "教室を削除する手順です。管理画面から教室を選択し、削除ボタンを押すと教室が削除されます。")
	opening.ChunkCount = 2
	second := &store.Document{
		ID: "164#1", LogicalID: "164", ChunkIndex: 1, ChunkCount: 2,
		Title:   "164_教室削除機能",
		Content: "削除した教室は復元できません。教室に紐づく時間割も削除されるので注意してください。",
	}

	meeting := page("m1", "2024-05-01 定例ミーティング", "教室削除について議論した会議の記録です。次回までに教室削除の仕様を確定する。")
	deprecated := page("old", "旧 教室削除手順", "古い教室削除の手順です。現在は使用しないでください。教室削除は新しい画面で行います。")
	deprecated.Status = "Deprecated"
	archived := page("arc", "教室削除の旧仕様", "アーカイブ済みの教室削除仕様。教室削除の古い設計メモです。")
	archived.Labels = []string{"archived"}

	return []*store.Document{
		opening,
		second,
		page("200", "教室一覧画面", "教室の一覧を表示します。教室名や定員を確認できます。削除済みの教室は表示されません。"),
		page("201", "生徒削除機能", "生徒を削除する方法です。生徒一覧から対象を選び、削除を選択します。"),
		page("202", "教室登録機能", "新しい教室を登録する手順です。教室名と定員を入力して保存します。"),
		page("203", "時間割の作成", "時間割を作成します。教室と先生を割り当てて保存してください。"),
		page("204", "空ページ", ""),
		meeting,
		deprecated,
		archived,
	}
}

// newCorpusEngine indexes docs into real in-memory backends.
func newCorpusEngine(t *testing.T, docs []*store.Document, resultCache *cache.Cache[*Response]) *Engine {
	t.Helper()
	ctx := context.Background()
	seg := segment.Default()
	emb := embed.NewStaticEmbedder(seg, embed.StaticDimensions)

	vec, err := store.NewHNSWIndex(store.HNSWConfig{Dimensions: embed.StaticDimensions})
	require.NoError(t, err)
	lex, err := store.NewLexicalIndex("", store.LexicalBackendBleve, seg)
	require.NoError(t, err)
	meta, err := store.NewSQLiteMetadata(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = vec.Close()
		_ = lex.Close()
		_ = meta.Close()
	})

	records := make([]*store.Record, len(docs))
	for i, d := range docs {
		records[i] = &store.Record{Document: *d}
	}
	builder := &store.Builder{Vector: vec, Lexical: lex, Metadata: meta, Embedder: emb}
	require.NoError(t, builder.Build(ctx, records))

	orch, err := retrieval.New(vec, lex, emb, retrieval.DefaultConfig())
	require.NoError(t, err)

	eng, err := NewEngine(Dependencies{
		Orchestrator: orch,
		Lexical:      lex,
		Metadata:     meta,
		Extractor:    query.NewExtractor(query.WithSegmenter(seg)),
		ResultCache:  resultCache,
		TitleCache:   cache.New[[]*store.Document](cache.Config{TTL: time.Minute, MaxSize: 50}),
	}, DefaultConfig())
	require.NoError(t, err)
	return eng
}

func logicalIDs(cands []*Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Doc.LogicalID
	}
	return out
}

// =============================================================================
// Corpus Scenarios
// =============================================================================

func TestEngine_Search_ClassroomDeletionRanksExactTitle(t *testing.T) {
	eng := newCorpusEngine(t, wikiCorpus(), nil)

	// When: searching for classroom deletion
	resp, err := eng.Search(context.Background(), "教室削除", 10, DefaultOptions())

	// Then: the exact title page is in the top 3
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := logicalIDs(resp.Results[:min(3, len(resp.Results))])
	assert.Contains(t, top, "164")
}

func TestEngine_Search_FiltersAndDedup(t *testing.T) {
	eng := newCorpusEngine(t, wikiCorpus(), nil)

	resp, err := eng.Search(context.Background(), "教室削除", 10, DefaultOptions())
	require.NoError(t, err)

	got := logicalIDs(resp.Results)

	// One result per logical document
	seen := map[string]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "duplicate logical id %s", id)
		seen[id] = true
	}

	// Empty, meeting, deprecated and archived pages never appear
	assert.NotContains(t, got, "204")
	assert.NotContains(t, got, "m1")
	assert.NotContains(t, got, "old")
	assert.NotContains(t, got, "arc")

	for _, c := range resp.Results {
		assert.NotEmpty(t, strings.TrimSpace(c.Doc.Content))
		assert.Greater(t, c.CompositeScore, 0.0)
	}
}

func TestEngine_Search_OptInMeetingAndDeprecated(t *testing.T) {
	eng := newCorpusEngine(t, wikiCorpus(), nil)

	opts := DefaultOptions()
	opts.IncludeMeetingNotes = true
	opts.IncludeDeprecated = true

	resp, err := eng.Search(context.Background(), "教室削除", 10, opts)
	require.NoError(t, err)

	got := logicalIDs(resp.Results)
	assert.Contains(t, got, "m1")
	assert.Contains(t, got, "old")
	assert.NotContains(t, got, "arc")
}

func TestEngine_Search_CachedResponseIsIdentical(t *testing.T) {
	results := cache.New[*Response](cache.Config{TTL: time.Minute, MaxSize: 10})
	eng := newCorpusEngine(t, wikiCorpus(), results)
	ctx := context.Background()

	// Given: a first, uncached search
	first, err := eng.Search(ctx, "教室削除", 10, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, first.Diagnostics.CacheHit)

	// When: repeating it
	second, err := eng.Search(ctx, "教室削除", 10, DefaultOptions())
	require.NoError(t, err)

	// Then: the ranked output is served from the cache unchanged
	assert.True(t, second.Diagnostics.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.NotEqual(t, first.Diagnostics.RequestID, second.Diagnostics.RequestID)

	// And: mutating a returned response does not leak into the cache
	second.Results[0].CompositeScore = -1
	third, err := eng.Search(ctx, "教室削除", 10, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, first.Results[0].CompositeScore, third.Results[0].CompositeScore)
}

func TestResponse_CloneIsDeep(t *testing.T) {
	// Given: a cached response with shared slices, maps and documents
	d := doc("1", "教室削除", "教室を削除する")
	d.Labels = []string{"faq"}
	cached := &Response{
		Results: []*Candidate{{Doc: d, MatchedKeywords: []string{"教室"}}},
		Diagnostics: Diagnostics{
			Keywords: []string{"教室", "削除"},
			Degraded: []string{retrieval.DegradedLexicalDisabled},
			Removed:  map[string]int{"meeting": 1},
		},
	}

	// When: a caller mutates every part of its copy
	out := cached.clone()
	out.Results[0].MatchedKeywords[0] = "x"
	out.Results[0].Doc.Title = "x"
	out.Results[0].Doc.Labels[0] = "x"
	out.Diagnostics.Keywords[0] = "x"
	out.Diagnostics.Degraded[0] = "x"
	out.Diagnostics.Removed["meeting"] = 9

	// Then: the cached response is unchanged
	assert.Equal(t, "教室", cached.Results[0].MatchedKeywords[0])
	assert.Equal(t, "教室削除", cached.Results[0].Doc.Title)
	assert.Equal(t, "faq", cached.Results[0].Doc.Labels[0])
	assert.Equal(t, "教室", cached.Diagnostics.Keywords[0])
	assert.Equal(t, retrieval.DegradedLexicalDisabled, cached.Diagnostics.Degraded[0])
	assert.Equal(t, 1, cached.Diagnostics.Removed["meeting"])
}

func TestEngine_Search_ColdRecomputeSameRanking(t *testing.T) {
	eng := newCorpusEngine(t, wikiCorpus(), nil)
	ctx := context.Background()

	first, err := eng.Search(ctx, "教室削除", 10, DefaultOptions())
	require.NoError(t, err)
	second, err := eng.Search(ctx, "教室削除", 10, DefaultOptions())
	require.NoError(t, err)

	assert.False(t, second.Diagnostics.CacheHit)
	assert.Equal(t, ids(first.Results), ids(second.Results))
}

// =============================================================================
// Fusion & Accumulation
// =============================================================================

func TestEngine_Search_DocumentsMatchingBothKeywordsRankFirst(t *testing.T) {
	// Given: "ログイン" matches 50 pages, "エラー" only the first two
	var docs []*store.Document
	var loginHits, errorHits []*store.LexicalHit
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("L%02d", i)
		content := "この記事では手順を説明します。ログインの画面を開いて操作してください。"
		if i < 2 {
			content = "この記事では手順を説明します。ログインでエラーが出たときの対処をまとめます。"
			errorHits = append(errorHits, &store.LexicalHit{ID: id, Score: 1})
		}
		docs = append(docs, page(id, fmt.Sprintf("記事 %02d", i), content))
		loginHits = append(loginHits, &store.LexicalHit{ID: id, Score: 1})
	}
	lex := &fakeLexical{ready: true, byKeyword: map[string][]*store.LexicalHit{
		"ログイン": loginHits,
		"エラー":  errorHits,
	}}
	eng, _ := newFakeEngine(t, engineOpts{vector: &fakeVector{}, lexical: lex, docs: docs})

	// When: searching both keywords
	resp, err := eng.Search(context.Background(), "ログイン エラー", 10, DefaultOptions())

	// Then: the two pages matched by both keywords lead
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(resp.Results), 3)
	assert.ElementsMatch(t, []string{"L00", "L01"}, ids(resp.Results[:2]))
	assert.Greater(t, resp.Results[1].CompositeScore, resp.Results[2].CompositeScore)
	assert.Equal(t, SourceLexical, resp.Results[0].Source)
	assert.ElementsMatch(t, []string{"ログイン", "エラー"}, resp.Results[0].MatchedKeywords)
}

func TestEngine_Search_FusesEveryRetrievedCandidateOnce(t *testing.T) {
	docs := []*store.Document{
		page("a", "アルファ", strings.Repeat("ログインの説明。", 5)),
		page("b", "ベータ", strings.Repeat("ログインの説明。", 5)),
		page("c", "ガンマ", strings.Repeat("ログインの説明。", 5)),
		page("d", "デルタ", strings.Repeat("ログインの説明。", 5)),
	}
	vec := &fakeVector{hits: []*store.VectorHit{
		{Doc: docs[0], Distance: 0.2},
		{Doc: docs[1], Distance: 0.3},
		{Doc: docs[2], Distance: 0.4},
	}}
	lex := &fakeLexical{ready: true, byKeyword: map[string][]*store.LexicalHit{
		"ログイン": {{ID: "c", Score: 2}, {ID: "d", Score: 1}},
	}}
	eng, _ := newFakeEngine(t, engineOpts{vector: vec, lexical: lex, docs: docs})

	resp, err := eng.Search(context.Background(), "ログイン", 10, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 4, resp.Diagnostics.FusedCount)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ids(resp.Results))
	for _, c := range resp.Results {
		if c.Doc.ID == "c" {
			assert.Equal(t, SourceHybrid, c.Source)
		}
	}
}

func TestEngine_Search_LexicalOnlyRespectsLabelPolicy(t *testing.T) {
	hidden := page("h", "ログイン旧仕様", strings.Repeat("ログインの古い説明。", 4))
	hidden.Labels = []string{"Archived"}
	docs := []*store.Document{hidden, page("v", "ログイン手順", strings.Repeat("ログインの説明。", 5))}
	lex := &fakeLexical{ready: true, byKeyword: map[string][]*store.LexicalHit{
		"ログイン": {{ID: "h", Score: 3}, {ID: "v", Score: 1}},
	}}
	eng, _ := newFakeEngine(t, engineOpts{vector: &fakeVector{}, lexical: lex, docs: docs})

	resp, err := eng.Search(context.Background(), "ログイン", 10, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"v"}, ids(resp.Results))
}

func TestEngine_Search_ParentFallbackStaysInCollection(t *testing.T) {
	// Given: a page under parent P1 in another collection, reachable only
	// through the URL fallback
	foreign := page("x1", "教室削除の手順", strings.Repeat("教室を削除する手順です。", 4))
	foreign.Collection = "other"
	foreign.ParentID = "P1"
	foreign.URL = "https://wiki.example.com/pages/P1/x1"
	eng := newCorpusEngine(t, []*store.Document{foreign}, nil)

	opts := DefaultOptions()
	opts.Collection = "mine"
	opts.ParentID = "P1"

	// When: searching the requested collection
	resp, err := eng.Search(context.Background(), "教室削除", 10, opts)

	// Then: nothing from the other collection comes back
	require.NoError(t, err)
	for _, c := range resp.Results {
		assert.Equal(t, "mine", c.Doc.Collection, "result %s", c.Doc.ID)
	}
	assert.Empty(t, resp.Results)
}

// =============================================================================
// Title Rescue
// =============================================================================

func TestEngine_Search_TitleRescueFallsBackToMetadata(t *testing.T) {
	// Given: no lexical index and a vector index that misses the page
	target := page("164", "164_教室削除機能", "教室を削除する手順です。管理画面から削除します。")
	other := page("300", "お知らせ", "今月のお知らせをまとめたページです。特に変更はありません。")
	vec := &fakeVector{hits: []*store.VectorHit{{Doc: other, Distance: 0.3}}}
	eng, _ := newFakeEngine(t, engineOpts{vector: vec, docs: []*store.Document{target, other}})

	// When: searching the title words
	resp, err := eng.Search(context.Background(), "教室削除", 10, DefaultOptions())

	// Then: the title substring lookup rescues it at the top
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "164", resp.Results[0].Doc.ID)
	assert.Equal(t, SourceTitleExact, resp.Results[0].Source)
	assert.Equal(t, 1, resp.Diagnostics.RescuedCount)
	assert.Contains(t, resp.Diagnostics.Degraded, retrieval.DegradedLexicalDisabled)
}

func TestEngine_Search_TitleRescueUsesTitleCache(t *testing.T) {
	target := page("164", "164_教室削除機能", "教室を削除する手順です。管理画面から削除します。")
	eng, _ := newFakeEngine(t, engineOpts{vector: &fakeVector{}, docs: []*store.Document{target}})
	ctx := context.Background()

	// Different topK values miss the result cache but share title lookups.
	_, err := eng.Search(ctx, "教室削除", 5, DefaultOptions())
	require.NoError(t, err)
	_, err = eng.Search(ctx, "教室削除", 6, DefaultOptions())
	require.NoError(t, err)

	_, titles := eng.CacheStats()
	assert.Greater(t, titles.Hits, int64(0))
}

func TestEngine_Search_TitleRescueTimeoutIsOmitted(t *testing.T) {
	target := page("164", "164_教室削除機能", "教室を削除する手順です。管理画面から削除します。")
	other := page("300", "お知らせ", "今月のお知らせをまとめたページです。特に変更はありません。")
	lex := &fakeLexical{ready: true, blockTitles: true}
	vec := &fakeVector{hits: []*store.VectorHit{{Doc: other, Distance: 0.3}}}
	cfg := DefaultConfig()
	cfg.TitleRescueTimeout = 20 * time.Millisecond
	eng, _ := newFakeEngine(t, engineOpts{vector: vec, lexical: lex, docs: []*store.Document{target, other}, cfg: cfg})

	start := time.Now()
	resp, err := eng.Search(context.Background(), "教室削除", 10, DefaultOptions())

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, resp.Diagnostics.RescuedCount)
	assert.Equal(t, []string{"300"}, ids(resp.Results))
	assert.Positive(t, lex.titleCalls.Load())
}

// =============================================================================
// Degradation & Validation
// =============================================================================

func TestEngine_Search_BothBackendsFailReturnsEmpty(t *testing.T) {
	vec := &fakeVector{err: errors.New("ann down")}
	lex := &fakeLexical{ready: false}
	eng, _ := newFakeEngine(t, engineOpts{vector: vec, lexical: lex})
	ctx := context.Background()

	resp, err := eng.Search(ctx, "教室削除", 10, DefaultOptions())

	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Contains(t, resp.Diagnostics.Degraded, retrieval.DegradedVectorFailed)
	assert.Contains(t, resp.Diagnostics.Degraded, retrieval.DegradedLexicalNotReady)

	// Degraded responses are not cached.
	again, err := eng.Search(ctx, "教室削除", 10, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, again.Diagnostics.CacheHit)
}

func TestEngine_Search_InvalidTopK(t *testing.T) {
	eng, _ := newFakeEngine(t, engineOpts{vector: &fakeVector{}})

	_, err := eng.Search(context.Background(), "教室削除", 0, DefaultOptions())

	require.Error(t, err)
	assert.Equal(t, amanerrors.ErrCodeInvalidTopK, amanerrors.GetCode(err))
}

func TestEngine_Search_EmptyQuery(t *testing.T) {
	eng, _ := newFakeEngine(t, engineOpts{vector: &fakeVector{}})

	resp, err := eng.Search(context.Background(), " \u200b ", 10, DefaultOptions())

	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Diagnostics.RequestID)
}

func TestEngine_Search_RecordsTelemetry(t *testing.T) {
	metrics := telemetry.NewQueryMetrics(nil)
	t.Cleanup(func() { _ = metrics.Close() })
	doc := page("1", "ログイン手順", strings.Repeat("ログインの説明。", 5))
	vec := &fakeVector{hits: []*store.VectorHit{{Doc: doc, Distance: 0.2}}}
	eng, _ := newFakeEngine(t, engineOpts{vector: vec, docs: []*store.Document{doc}, metrics: metrics})
	ctx := context.Background()

	_, err := eng.Search(ctx, "ログイン", 5, DefaultOptions())
	require.NoError(t, err)
	_, err = eng.Search(ctx, "ログイン", 5, DefaultOptions())
	require.NoError(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(2), snap.ModeCounts[telemetry.ModeVectorOnly])
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Dependencies{}, DefaultConfig())
	assert.ErrorIs(t, err, retrieval.ErrNilDependency)
}

func TestEffectiveExcludes(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, DefaultExcludeLabels, effectiveExcludes(opts))

	opts.IncludeMeetingNotes = true
	assert.Equal(t, []string{"archived"}, effectiveExcludes(opts))
}
