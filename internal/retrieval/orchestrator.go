// Package retrieval fans a query out to the vector and lexical backends and
// collects whatever each returns. A failing backend degrades the result; it
// never fails the query.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// ErrNilDependency is returned when a required backend is missing.
var ErrNilDependency = errors.New("nil dependency")

// Degradation reasons reported in Result.Degraded.
const (
	DegradedVectorFailed    = "vector_failed"
	DegradedLexicalFailed   = "lexical_failed"
	DegradedLexicalNotReady = "lexical_not_ready"
	DegradedLexicalDisabled = "lexical_disabled"
)

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds the orchestrator tunables.
type Config struct {
	// OverfetchFactor multiplies topK for the ANN query.
	OverfetchFactor int

	// DistanceThreshold drops vector hits farther than this (cosine distance).
	DistanceThreshold float32

	// LexicalFloor and LexicalFactor size each per-keyword lexical fetch:
	// max(LexicalFloor, topK*LexicalFactor).
	LexicalFloor  int
	LexicalFactor float64

	// MaxKeywordConcurrency bounds parallel per-keyword lexical queries.
	MaxKeywordConcurrency int

	// WarmupBudget and WarmupPoll bound the wait for a cold lexical index.
	WarmupBudget time.Duration
	WarmupPoll   time.Duration

	// BreakerFailures and BreakerReset configure the per-backend circuit breakers.
	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		OverfetchFactor:       30,
		DistanceThreshold:     1.0,
		LexicalFloor:          150,
		LexicalFactor:         2.5,
		MaxKeywordConcurrency: 4,
		WarmupBudget:          20 * time.Second,
		WarmupPoll:            100 * time.Millisecond,
		BreakerFailures:       5,
		BreakerReset:          30 * time.Second,
	}
}

// Request describes one retrieval.
type Request struct {
	// EmbedText is embedded for the vector path (the synonym-expanded query).
	EmbedText string

	// Keywords are queried one by one on the lexical path.
	Keywords []string

	TopK int

	// Filter is the structural vector filter (parent id, collection).
	Filter store.VectorFilter

	// ExcludeLabels drops vector hits carrying any of these labels;
	// IncludeLabels, when set, keeps only hits carrying one of them.
	ExcludeLabels []string
	IncludeLabels []string

	UseLexical bool
}

// LexicalMatch is a document found on the lexical path, with scores summed
// over every keyword that matched it.
type LexicalMatch struct {
	ID       string
	Title    string
	Score    float64
	Keywords []string
}

// Result is what the orchestrator could retrieve. Errors are informational.
type Result struct {
	Vector  []*store.VectorHit
	Lexical []*LexicalMatch

	// QueryVector is the embedding used on the vector path (nil on failure).
	QueryVector []float32

	VectorErr  error
	LexicalErr error
	Degraded   []string
}

// Orchestrator dispatches retrieval to both backends concurrently.
type Orchestrator struct {
	vector   store.VectorIndex
	lexical  store.LexicalIndex
	embedder Embedder
	cfg      Config

	vectorBreaker  *amanerrors.CircuitBreaker
	lexicalBreaker *amanerrors.CircuitBreaker

	warmOnce sync.Once
}

// New creates an orchestrator. lexical may be nil (vector-only retrieval).
func New(vector store.VectorIndex, lexical store.LexicalIndex, embedder Embedder, cfg Config) (*Orchestrator, error) {
	if vector == nil {
		return nil, fmt.Errorf("%w: vector index", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder", ErrNilDependency)
	}
	def := DefaultConfig()
	if cfg.OverfetchFactor <= 0 {
		cfg.OverfetchFactor = def.OverfetchFactor
	}
	if cfg.DistanceThreshold <= 0 {
		cfg.DistanceThreshold = def.DistanceThreshold
	}
	if cfg.LexicalFloor <= 0 {
		cfg.LexicalFloor = def.LexicalFloor
	}
	if cfg.LexicalFactor <= 0 {
		cfg.LexicalFactor = def.LexicalFactor
	}
	if cfg.MaxKeywordConcurrency <= 0 {
		cfg.MaxKeywordConcurrency = def.MaxKeywordConcurrency
	}
	if cfg.WarmupPoll <= 0 {
		cfg.WarmupPoll = def.WarmupPoll
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = def.BreakerReset
	}

	breaker := func(name string) *amanerrors.CircuitBreaker {
		return amanerrors.NewCircuitBreaker(name,
			amanerrors.WithMaxFailures(cfg.BreakerFailures),
			amanerrors.WithResetTimeout(cfg.BreakerReset))
	}
	return &Orchestrator{
		vector:         vector,
		lexical:        lexical,
		embedder:       embedder,
		cfg:            cfg,
		vectorBreaker:  breaker("vector"),
		lexicalBreaker: breaker("lexical"),
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// VectorLimit is the ANN fetch size for topK.
func (o *Orchestrator) VectorLimit(topK int) int {
	return topK * o.cfg.OverfetchFactor
}

// LexicalLimit is the per-keyword lexical fetch size for topK.
func (o *Orchestrator) LexicalLimit(topK int) int {
	return max(o.cfg.LexicalFloor, int(math.Ceil(float64(topK)*o.cfg.LexicalFactor)))
}

// Warmup starts lexical index initialization in the background. It is safe
// to call repeatedly; only the first call starts work.
func (o *Orchestrator) Warmup() {
	if o.lexical == nil {
		return
	}
	o.warmOnce.Do(func() {
		go func() {
			start := time.Now()
			// Detached from any request so a cancelled query cannot abort warm-up.
			if err := o.lexical.Initialize(context.Background()); err != nil {
				slog.Warn("lexical_warmup_failed", slog.String("error", err.Error()))
				return
			}
			slog.Info("lexical_warmup_done",
				slog.Int("documents", o.lexical.Count()),
				slog.Duration("duration", time.Since(start)))
		}()
	})
}

// Retrieve runs both paths concurrently and waits for both to settle.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) *Result {
	res := &Result{}
	if req.TopK <= 0 {
		return res
	}

	var g errgroup.Group

	g.Go(func() error {
		hits, vec, err := o.vectorPath(ctx, req)
		res.Vector, res.QueryVector, res.VectorErr = hits, vec, err
		return nil
	})

	var lexicalDegraded string
	g.Go(func() error {
		matches, reason, err := o.lexicalPath(ctx, req)
		res.Lexical, res.LexicalErr, lexicalDegraded = matches, err, reason
		return nil
	})

	_ = g.Wait()

	if res.VectorErr != nil {
		res.Degraded = append(res.Degraded, DegradedVectorFailed)
		slog.LogAttrs(ctx, slog.LevelWarn, "vector_path_failed", amanerrors.LogAttrs(res.VectorErr)...)
	}
	if lexicalDegraded != "" {
		res.Degraded = append(res.Degraded, lexicalDegraded)
	}
	if res.LexicalErr != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "lexical_path_failed", amanerrors.LogAttrs(res.LexicalErr)...)
	}
	return res
}

// vectorPath embeds the query, over-fetches from the ANN index and applies
// the distance threshold and label policy. With a parent filter and no hits
// it retries with the parent filter alone, then with the parent id as a URL
// fragment. Every attempt keeps the collection scope.
func (o *Orchestrator) vectorPath(ctx context.Context, req Request) ([]*store.VectorHit, []float32, error) {
	vec, err := o.embedder.Embed(ctx, req.EmbedText)
	if err != nil {
		return nil, nil, amanerrors.BackendError(amanerrors.ErrCodeEmbeddingFailed, "embedder", err)
	}

	limit := o.VectorLimit(req.TopK)
	attempts := []store.VectorFilter{req.Filter}
	if parent, collection := req.Filter.ParentID, req.Filter.Collection; parent != "" {
		for _, f := range []store.VectorFilter{
			{ParentID: parent, Collection: collection},
			{URLContains: parent, Collection: collection},
		} {
			if !slices.Contains(attempts, f) {
				attempts = append(attempts, f)
			}
		}
	}

	for i, filter := range attempts {
		hits, err := amanerrors.Call(o.vectorBreaker, func() ([]*store.VectorHit, error) {
			var f *store.VectorFilter
			if !filter.IsZero() {
				f = &filter
			}
			return o.vector.Search(ctx, vec, limit, f)
		})
		if err != nil {
			return nil, vec, amanerrors.BackendError(amanerrors.ErrCodeVectorUnavailable, "vector", err)
		}

		kept := o.filterVectorHits(hits, req)
		if len(kept) > 0 || i == len(attempts)-1 {
			if i > 0 {
				slog.Debug("vector_fallback_used",
					slog.Int("attempt", i),
					slog.Int("hits", len(kept)))
			}
			return kept, vec, nil
		}
	}
	return nil, vec, nil
}

func (o *Orchestrator) filterVectorHits(hits []*store.VectorHit, req Request) []*store.VectorHit {
	kept := make([]*store.VectorHit, 0, len(hits))
	var tooFar, excluded, scoped int
	for _, h := range hits {
		if h.Distance > o.cfg.DistanceThreshold {
			tooFar++
			continue
		}
		if c := req.Filter.Collection; c != "" && h.Doc.Collection != c {
			scoped++
			continue
		}
		if !LabelsAllowed(h.Doc, req.ExcludeLabels, req.IncludeLabels) {
			excluded++
			continue
		}
		kept = append(kept, h)
	}
	if tooFar > 0 || excluded > 0 || scoped > 0 {
		slog.Debug("vector_hits_filtered",
			slog.Int("distance", tooFar),
			slog.Int("labels", excluded),
			slog.Int("collection", scoped),
			slog.Int("kept", len(kept)))
	}
	return kept
}

// LabelsAllowed applies the caller's label policy to doc.
func LabelsAllowed(doc *store.Document, exclude, include []string) bool {
	for _, l := range exclude {
		if doc.HasLabel(l) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, l := range include {
		if doc.HasLabel(l) {
			return true
		}
	}
	return false
}

// lexicalPath queries each keyword separately and sums the scores of
// documents matched by several keywords.
func (o *Orchestrator) lexicalPath(ctx context.Context, req Request) ([]*LexicalMatch, string, error) {
	if !req.UseLexical {
		return nil, "", nil
	}
	if o.lexical == nil {
		return nil, DegradedLexicalDisabled, nil
	}
	keywords := uniqueNonEmpty(req.Keywords)
	if len(keywords) == 0 {
		return nil, "", nil
	}
	if !o.awaitLexical(ctx) {
		return nil, DegradedLexicalNotReady,
			amanerrors.New(amanerrors.ErrCodeLexicalNotReady, "lexical index not ready, skipping", nil)
	}

	limit := o.LexicalLimit(req.TopK)
	perKeyword := make([][]*store.LexicalHit, len(keywords))
	errs := make([]error, len(keywords))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxKeywordConcurrency)
	for i, kw := range keywords {
		g.Go(func() error {
			perKeyword[i], errs[i] = amanerrors.Call(o.lexicalBreaker, func() ([]*store.LexicalHit, error) {
				return o.lexical.Search(ctx, kw, limit)
			})
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			slog.Debug("lexical_keyword_failed",
				slog.String("keyword", keywords[i]),
				slog.String("error", err.Error()))
		}
	}
	if failed == len(keywords) {
		return nil, DegradedLexicalFailed,
			amanerrors.BackendError(amanerrors.ErrCodeLexicalUnavailable, "lexical", errors.Join(errs...))
	}

	return accumulate(keywords, perKeyword), "", nil
}

// awaitLexical starts warm-up if needed and polls readiness within the
// configured budget.
func (o *Orchestrator) awaitLexical(ctx context.Context) bool {
	if o.lexical.IsReady() {
		return true
	}
	o.Warmup()
	if o.cfg.WarmupBudget <= 0 {
		return false
	}

	start := time.Now()
	err := amanerrors.Retry(ctx, amanerrors.PollConfig(o.cfg.WarmupPoll, o.cfg.WarmupBudget), func() error {
		if o.lexical.IsReady() {
			return nil
		}
		return amanerrors.New(amanerrors.ErrCodeLexicalNotReady, "lexical index warming up", nil)
	})
	if err != nil {
		slog.Warn("lexical_not_ready",
			slog.Duration("waited", time.Since(start)))
		return false
	}
	return true
}

// accumulate merges per-keyword hit lists by id, summing scores and recording
// which keywords matched. Output is sorted by score descending, then id.
func accumulate(keywords []string, perKeyword [][]*store.LexicalHit) []*LexicalMatch {
	byID := make(map[string]*LexicalMatch)
	for i, hits := range perKeyword {
		for _, h := range hits {
			m, ok := byID[h.ID]
			if !ok {
				m = &LexicalMatch{ID: h.ID, Title: h.Title}
				byID[h.ID] = m
			}
			m.Score += h.Score
			m.Keywords = append(m.Keywords, keywords[i])
		}
	}

	matches := make([]*LexicalMatch, 0, len(byID))
	for _, m := range byID {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}

func uniqueNonEmpty(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
