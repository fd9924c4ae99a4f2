package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeVector struct {
	mu      sync.Mutex
	calls   atomic.Int32
	limits  []int
	filters []*store.VectorFilter
	err     error
	// hits returns the hits for a filter (nil filter = unfiltered).
	hits func(f *store.VectorFilter) []*store.VectorHit
}

func (f *fakeVector) Add(context.Context, []*store.Document, [][]float32) error { return nil }

func (f *fakeVector) Search(_ context.Context, _ []float32, limit int, filter *store.VectorFilter) ([]*store.VectorHit, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.hits == nil {
		return nil, nil
	}
	return f.hits(filter), nil
}

func (f *fakeVector) Count() int      { return 0 }
func (f *fakeVector) Dimensions() int { return 2 }
func (f *fakeVector) Close() error    { return nil }

type fakeLexical struct {
	mu        sync.Mutex
	ready     atomic.Bool
	initDelay time.Duration
	initCalls atomic.Int32
	limits    []int
	byKeyword map[string][]*store.LexicalHit
	failOn    map[string]error
}

func (f *fakeLexical) Index(context.Context, []*store.Document) error { return nil }

func (f *fakeLexical) Search(_ context.Context, keyword string, limit int) ([]*store.LexicalHit, error) {
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if err := f.failOn[keyword]; err != nil {
		return nil, err
	}
	return f.byKeyword[keyword], nil
}

func (f *fakeLexical) SearchTitle(context.Context, string, int) ([]*store.LexicalHit, error) {
	return nil, nil
}

func (f *fakeLexical) IsReady() bool { return f.ready.Load() }

func (f *fakeLexical) Initialize(context.Context) error {
	f.initCalls.Add(1)
	time.Sleep(f.initDelay)
	f.ready.Store(true)
	return nil
}

func (f *fakeLexical) Count() int   { return 0 }
func (f *fakeLexical) Close() error { return nil }

func readyLexical(byKeyword map[string][]*store.LexicalHit) *fakeLexical {
	f := &fakeLexical{byKeyword: byKeyword}
	f.ready.Store(true)
	return f
}

func hit(id string, distance float32, labels ...string) *store.VectorHit {
	return &store.VectorHit{
		Doc:      &store.Document{ID: id, LogicalID: id, Title: id, Labels: labels},
		Distance: distance,
	}
}

func staticHits(hits ...*store.VectorHit) func(*store.VectorFilter) []*store.VectorHit {
	return func(*store.VectorFilter) []*store.VectorHit { return hits }
}

func newOrchestrator(t *testing.T, vec store.VectorIndex, lex store.LexicalIndex, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(vec, lex, &fakeEmbedder{}, cfg)
	require.NoError(t, err)
	return o
}

// ============================================================================
// Tests
// ============================================================================

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, &fakeEmbedder{}, Config{})
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = New(&fakeVector{}, nil, nil, Config{})
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestRetrieve_FetchLimits(t *testing.T) {
	// Given: topK 10
	vec := &fakeVector{hits: staticHits(hit("a", 0.2))}
	lex := readyLexical(nil)
	o := newOrchestrator(t, vec, lex, Config{})

	// When
	o.Retrieve(context.Background(), Request{EmbedText: "q", Keywords: []string{"x"}, TopK: 10, UseLexical: true})

	// Then: vector over-fetches 30x and lexical uses the 150 floor
	assert.Equal(t, []int{300}, vec.limits)
	assert.Equal(t, []int{150}, lex.limits)

	// And: a large topK lifts the lexical limit above the floor
	lex.limits = nil
	o.Retrieve(context.Background(), Request{EmbedText: "q", Keywords: []string{"x"}, TopK: 100, UseLexical: true})
	assert.Equal(t, []int{250}, lex.limits)
}

func TestRetrieve_LexicalScoresAccumulateAcrossKeywords(t *testing.T) {
	// Given: a common keyword with 50 weak hits and a rare keyword with 2 strong
	// hits, both of which also match the common keyword
	common := make([]*store.LexicalHit, 0, 50)
	for i := 0; i < 50; i++ {
		score := 2.0 - float64(i)*0.01
		common = append(common, &store.LexicalHit{ID: fmt.Sprintf("c%02d", i), Score: score})
	}
	common[40].ID, common[45].ID = "both1", "both2"
	rare := []*store.LexicalHit{
		{ID: "both1", Score: 1.5},
		{ID: "both2", Score: 1.2},
	}

	o := newOrchestrator(t, &fakeVector{}, readyLexical(map[string][]*store.LexicalHit{
		"教室": common,
		"削除": rare,
	}), Config{})

	// When
	res := o.Retrieve(context.Background(), Request{EmbedText: "教室 削除", Keywords: []string{"教室", "削除"}, TopK: 10, UseLexical: true})

	// Then: documents matched by both keywords outrank every single-keyword match
	require.Len(t, res.Lexical, 50)
	assert.Equal(t, "both1", res.Lexical[0].ID)
	assert.Equal(t, "both2", res.Lexical[1].ID)
	assert.ElementsMatch(t, []string{"教室", "削除"}, res.Lexical[0].Keywords)
	assert.InDelta(t, 1.6+1.5, res.Lexical[0].Score, 1e-9)
	assert.Equal(t, []string{"教室"}, res.Lexical[2].Keywords)
}

func TestRetrieve_VectorFailureKeepsLexical(t *testing.T) {
	vec := &fakeVector{err: errors.New("ann down")}
	lex := readyLexical(map[string][]*store.LexicalHit{"x": {{ID: "l1", Score: 1}}})
	o := newOrchestrator(t, vec, lex, Config{})

	res := o.Retrieve(context.Background(), Request{EmbedText: "x", Keywords: []string{"x"}, TopK: 5, UseLexical: true})

	assert.Empty(t, res.Vector)
	require.Len(t, res.Lexical, 1)
	assert.Equal(t, amanerrors.ErrCodeVectorUnavailable, amanerrors.GetCode(res.VectorErr))
	assert.Contains(t, res.Degraded, DegradedVectorFailed)
}

func TestRetrieve_EmbeddingFailureKeepsLexical(t *testing.T) {
	lex := readyLexical(map[string][]*store.LexicalHit{"x": {{ID: "l1", Score: 1}}})
	o, err := New(&fakeVector{}, lex, &fakeEmbedder{err: errors.New("model gone")}, Config{})
	require.NoError(t, err)

	res := o.Retrieve(context.Background(), Request{EmbedText: "x", Keywords: []string{"x"}, TopK: 5, UseLexical: true})

	assert.Equal(t, amanerrors.ErrCodeEmbeddingFailed, amanerrors.GetCode(res.VectorErr))
	assert.Len(t, res.Lexical, 1)
}

func TestRetrieve_BothFailReturnsEmpty(t *testing.T) {
	vec := &fakeVector{err: errors.New("ann down")}
	lex := readyLexical(nil)
	lex.failOn = map[string]error{"x": errors.New("bleve down"), "y": errors.New("bleve down")}
	o := newOrchestrator(t, vec, lex, Config{})

	res := o.Retrieve(context.Background(), Request{EmbedText: "q", Keywords: []string{"x", "y"}, TopK: 5, UseLexical: true})

	assert.Empty(t, res.Vector)
	assert.Empty(t, res.Lexical)
	assert.Equal(t, amanerrors.ErrCodeLexicalUnavailable, amanerrors.GetCode(res.LexicalErr))
	assert.ElementsMatch(t, []string{DegradedVectorFailed, DegradedLexicalFailed}, res.Degraded)
}

func TestRetrieve_PartialKeywordFailure(t *testing.T) {
	lex := readyLexical(map[string][]*store.LexicalHit{"y": {{ID: "l1", Score: 1}}})
	lex.failOn = map[string]error{"x": errors.New("timeout")}
	o := newOrchestrator(t, &fakeVector{}, lex, Config{})

	res := o.Retrieve(context.Background(), Request{EmbedText: "q", Keywords: []string{"x", "y"}, TopK: 5, UseLexical: true})

	assert.NoError(t, res.LexicalErr)
	assert.Len(t, res.Lexical, 1)
}

func TestRetrieve_LexicalNotReadySkipped(t *testing.T) {
	// Given: a lexical index whose warm-up outlasts the budget
	lex := &fakeLexical{initDelay: 500 * time.Millisecond}
	vec := &fakeVector{hits: staticHits(hit("a", 0.1))}
	o := newOrchestrator(t, vec, lex, Config{WarmupBudget: 50 * time.Millisecond, WarmupPoll: 10 * time.Millisecond})

	// When
	start := time.Now()
	res := o.Retrieve(context.Background(), Request{EmbedText: "q", Keywords: []string{"x"}, TopK: 5, UseLexical: true})

	// Then: lexical is skipped, vector results survive, the wait is bounded
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Empty(t, res.Lexical)
	assert.Len(t, res.Vector, 1)
	assert.Contains(t, res.Degraded, DegradedLexicalNotReady)
	assert.Equal(t, int32(1), lex.initCalls.Load())
}

func TestRetrieve_LexicalWarmsUpWithinBudget(t *testing.T) {
	lex := &fakeLexical{
		initDelay: 30 * time.Millisecond,
		byKeyword: map[string][]*store.LexicalHit{"x": {{ID: "l1", Score: 1}}},
	}
	o := newOrchestrator(t, &fakeVector{}, lex, Config{WarmupBudget: 2 * time.Second, WarmupPoll: 5 * time.Millisecond})

	res := o.Retrieve(context.Background(), Request{EmbedText: "q", Keywords: []string{"x"}, TopK: 5, UseLexical: true})

	assert.Len(t, res.Lexical, 1)
	assert.Empty(t, res.Degraded)
}

func TestRetrieve_LexicalOptOut(t *testing.T) {
	lex := readyLexical(map[string][]*store.LexicalHit{"x": {{ID: "l1", Score: 1}}})
	o := newOrchestrator(t, &fakeVector{}, lex, Config{})

	res := o.Retrieve(context.Background(), Request{EmbedText: "q", Keywords: []string{"x"}, TopK: 5})

	assert.Empty(t, res.Lexical)
	assert.Empty(t, res.Degraded)
	assert.Empty(t, lex.limits)
}

func TestRetrieve_VectorThresholdAndLabels(t *testing.T) {
	vec := &fakeVector{hits: staticHits(
		hit("near", 0.2),
		hit("far", 1.4),
		hit("archived", 0.1, "Archived"),
		hit("spec", 0.3, "spec"),
	)}
	o := newOrchestrator(t, vec, nil, Config{})

	res := o.Retrieve(context.Background(), Request{EmbedText: "q", TopK: 5, ExcludeLabels: []string{"archived"}})
	var ids []string
	for _, h := range res.Vector {
		ids = append(ids, h.Doc.ID)
	}
	assert.Equal(t, []string{"near", "spec"}, ids)

	res = o.Retrieve(context.Background(), Request{EmbedText: "q", TopK: 5, IncludeLabels: []string{"SPEC"}})
	require.Len(t, res.Vector, 1)
	assert.Equal(t, "spec", res.Vector[0].Doc.ID)
}

func TestRetrieve_VectorParentFallback(t *testing.T) {
	// Given: the parent filter finds nothing but the parent id appears in a URL
	vec := &fakeVector{hits: func(f *store.VectorFilter) []*store.VectorHit {
		if f != nil && f.URLContains == "12345" {
			return []*store.VectorHit{hit("by-url", 0.3)}
		}
		return nil
	}}
	o := newOrchestrator(t, vec, nil, Config{})

	// When
	res := o.Retrieve(context.Background(), Request{
		EmbedText: "q",
		TopK:      5,
		Filter:    store.VectorFilter{ParentID: "12345"},
	})

	// Then: the URL lookup ran after the parent lookup and won
	require.Len(t, res.Vector, 1)
	assert.Equal(t, "by-url", res.Vector[0].Doc.ID)
	require.Len(t, vec.filters, 2)
	assert.Equal(t, store.VectorFilter{ParentID: "12345"}, *vec.filters[0])
	assert.Equal(t, store.VectorFilter{URLContains: "12345"}, *vec.filters[1])
}

func TestRetrieve_VectorParentFallbackKeepsCollection(t *testing.T) {
	// Given: a parent id that only matches by URL, in two collections
	vec := &fakeVector{hits: func(f *store.VectorFilter) []*store.VectorHit {
		if f == nil || f.URLContains != "P1" {
			return nil
		}
		mine := hit("mine-1", 0.3)
		mine.Doc.Collection = "mine"
		other := hit("other-1", 0.2)
		other.Doc.Collection = "other"
		return []*store.VectorHit{other, mine}
	}}
	o := newOrchestrator(t, vec, nil, Config{})

	// When: searching one collection
	res := o.Retrieve(context.Background(), Request{
		EmbedText: "q",
		TopK:      5,
		Filter:    store.VectorFilter{ParentID: "P1", Collection: "mine"},
	})

	// Then: every attempt is scoped and the other collection is dropped
	require.Len(t, vec.filters, 2)
	for _, f := range vec.filters {
		assert.Equal(t, "mine", f.Collection)
	}
	require.Len(t, res.Vector, 1)
	assert.Equal(t, "mine-1", res.Vector[0].Doc.ID)
}

func TestRetrieve_VectorHitsOutsideCollectionDropped(t *testing.T) {
	// Given: an index that ignores the collection filter
	other := hit("other-1", 0.1)
	other.Doc.Collection = "other"
	mine := hit("mine-1", 0.4)
	mine.Doc.Collection = "mine"
	o := newOrchestrator(t, &fakeVector{hits: staticHits(other, mine)}, nil, Config{})

	res := o.Retrieve(context.Background(), Request{
		EmbedText: "q",
		TopK:      5,
		Filter:    store.VectorFilter{Collection: "mine"},
	})

	require.Len(t, res.Vector, 1)
	assert.Equal(t, "mine-1", res.Vector[0].Doc.ID)
}

func TestRetrieve_VectorFailureIsLoggedWithCode(t *testing.T) {
	// Given: a default logger capturing JSON records
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	o := newOrchestrator(t, &fakeVector{err: errors.New("ann down")}, nil, Config{})

	// When
	o.Retrieve(context.Background(), Request{EmbedText: "q", TopK: 5})

	// Then: the warning carries the error code as an attribute
	assert.Contains(t, buf.String(), `"msg":"vector_path_failed"`)
	assert.Contains(t, buf.String(), amanerrors.ErrCodeVectorUnavailable)
}

func TestRetrieve_NoFallbackWithoutParent(t *testing.T) {
	vec := &fakeVector{}
	o := newOrchestrator(t, vec, nil, Config{})

	res := o.Retrieve(context.Background(), Request{EmbedText: "q", TopK: 5})

	assert.Empty(t, res.Vector)
	assert.Equal(t, int32(1), vec.calls.Load())
	assert.Nil(t, vec.filters[0])
}

func TestRetrieve_CircuitBreakerOpens(t *testing.T) {
	vec := &fakeVector{err: errors.New("ann down")}
	o := newOrchestrator(t, vec, nil, Config{BreakerFailures: 2, BreakerReset: time.Hour})

	for i := 0; i < 4; i++ {
		o.Retrieve(context.Background(), Request{EmbedText: "q", TopK: 5})
	}

	// Two real failures, then the breaker short-circuits
	assert.Equal(t, int32(2), vec.calls.Load())
	res := o.Retrieve(context.Background(), Request{EmbedText: "q", TopK: 5})
	assert.ErrorIs(t, res.VectorErr, amanerrors.ErrCircuitOpen)
}

func TestRetrieve_ZeroTopK(t *testing.T) {
	vec := &fakeVector{}
	o := newOrchestrator(t, vec, nil, Config{})

	res := o.Retrieve(context.Background(), Request{EmbedText: "q"})
	assert.Empty(t, res.Vector)
	assert.Zero(t, vec.calls.Load())
}
