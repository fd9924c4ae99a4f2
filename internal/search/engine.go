package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/amanrag/internal/cache"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/query"
	"github.com/Aman-CERP/amanrag/internal/retrieval"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// Dependencies are the collaborators of an Engine. Orchestrator, Metadata and
// Extractor are required. Lexical serves title lookups and may be nil. Nil
// caches disable caching; a nil Metrics disables telemetry.
type Dependencies struct {
	Orchestrator *retrieval.Orchestrator
	Lexical      store.LexicalIndex
	Metadata     store.MetadataStore
	Extractor    *query.Extractor

	ResultCache *cache.Cache[*Response]
	TitleCache  *cache.Cache[[]*store.Document]

	Metrics *telemetry.QueryMetrics
	Logger  *slog.Logger
}

// Engine answers ranked search queries. It is safe for concurrent use; the
// caches are its only shared mutable state.
type Engine struct {
	orch      *retrieval.Orchestrator
	lexical   store.LexicalIndex
	metadata  store.MetadataStore
	extractor *query.Extractor
	titles    *TitleMatcher
	fusion    *RRFFusion

	results    *cache.Cache[*Response]
	titleCache *cache.Cache[[]*store.Document]

	metrics *telemetry.QueryMetrics
	logger  *slog.Logger
	cfg     Config
}

// NewEngine creates an engine. Zero fields of cfg take their defaults.
func NewEngine(deps Dependencies, cfg Config) (*Engine, error) {
	switch {
	case deps.Orchestrator == nil:
		return nil, fmt.Errorf("%w: orchestrator", retrieval.ErrNilDependency)
	case deps.Metadata == nil:
		return nil, fmt.Errorf("%w: metadata store", retrieval.ErrNilDependency)
	case deps.Extractor == nil:
		return nil, fmt.Errorf("%w: keyword extractor", retrieval.ErrNilDependency)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Engine{
		orch:       deps.Orchestrator,
		lexical:    deps.Lexical,
		metadata:   deps.Metadata,
		extractor:  deps.Extractor,
		titles:     NewTitleMatcher(deps.Extractor.GenericFillers()),
		fusion:     NewRRFFusion(cfg.RRFConstant),
		results:    deps.ResultCache,
		titleCache: deps.TitleCache,
		metrics:    deps.Metrics,
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Warmup starts lexical index initialization in the background.
func (e *Engine) Warmup() {
	e.orch.Warmup()
}

// CacheStats returns the result and title cache statistics.
func (e *Engine) CacheStats() (results, titles cache.Stats) {
	if e.results != nil {
		results = e.results.Stats()
	}
	if e.titleCache != nil {
		titles = e.titleCache.Stats()
	}
	return results, titles
}

// Search returns up to topK ranked documents for raw.
//
// Backend failures never surface as errors: the response is empty or partial
// and Diagnostics.Degraded names what failed. The only error is an invalid
// topK. topK above Config.TopKMax is clamped.
func (e *Engine) Search(ctx context.Context, raw string, topK int, opts Options) (*Response, error) {
	start := time.Now()
	if topK <= 0 {
		return nil, amanerrors.New(amanerrors.ErrCodeInvalidTopK,
			fmt.Sprintf("topK must be positive, got %d", topK), nil).
			WithSuggestion("Request at least one result")
	}
	topK = min(topK, e.cfg.TopKMax)

	requestID := uuid.NewString()
	logger := e.logger.With(slog.String("request_id", requestID))

	kw := e.extractor.Extract(raw)
	if kw.Normalized == "" {
		resp := &Response{Results: []*Candidate{}, Diagnostics: Diagnostics{
			RequestID: requestID,
			Keywords:  []string{},
			Latency:   time.Since(start),
		}}
		e.record(raw, resp)
		return resp, nil
	}

	exclude := effectiveExcludes(opts)
	key := cacheKey(kw.Normalized, topK, exclude, opts)

	if e.results != nil {
		if cached, ok := e.results.Get(key); ok {
			resp := cached.clone()
			resp.Diagnostics.RequestID = requestID
			resp.Diagnostics.CacheHit = true
			resp.Diagnostics.Latency = time.Since(start)
			logger.Debug("cache_hit",
				slog.String("query", kw.Normalized),
				slog.Int("results", len(resp.Results)))
			e.record(raw, resp)
			return resp, nil
		}
	}

	logger.Debug("search_started",
		slog.String("query", kw.Normalized),
		slog.Int("top_k", topK),
		slog.Any("keywords", kw.All))

	resp := e.run(ctx, kw, topK, exclude, opts, logger)
	resp.Diagnostics.RequestID = requestID
	resp.Diagnostics.Latency = time.Since(start)

	// Degraded responses are not cached so a recovered backend is used on
	// the next identical query.
	if e.results != nil && cacheable(resp) {
		e.results.Set(key, resp.clone())
	}

	logger.Info("search_completed",
		slog.Int("results", len(resp.Results)),
		slog.Int("vector", resp.Diagnostics.VectorCount),
		slog.Int("lexical", resp.Diagnostics.LexicalCount),
		slog.Int("rescued", resp.Diagnostics.RescuedCount),
		slog.Any("degraded", resp.Diagnostics.Degraded),
		slog.Duration("latency", resp.Diagnostics.Latency))

	e.record(raw, resp)
	return resp, nil
}

// run executes the uncached pipeline: retrieve, rescue, score, fuse,
// composite, filter.
func (e *Engine) run(ctx context.Context, kw query.Keywords, topK int, exclude []string, opts Options, logger *slog.Logger) *Response {
	diag := Diagnostics{Keywords: kw.All}

	retrieved := e.orch.Retrieve(ctx, retrieval.Request{
		EmbedText:     kw.Expanded,
		Keywords:      kw.All,
		TopK:          topK,
		Filter:        store.VectorFilter{ParentID: opts.ParentID, Collection: opts.Collection},
		ExcludeLabels: exclude,
		IncludeLabels: opts.LabelFilters.Include,
		UseLexical:    opts.UseLexicalIndex,
	})
	diag.VectorCount = len(retrieved.Vector)
	diag.LexicalCount = len(retrieved.Lexical)
	diag.Degraded = retrieved.Degraded

	policy := docPolicy{exclude: exclude, include: opts.LabelFilters.Include, collection: opts.Collection}
	set := e.collect(ctx, retrieved, policy, logger)

	if !kw.Empty() {
		rescuer := &titleRescuer{
			lexical:  e.lexical,
			metadata: e.metadata,
			cache:    e.titleCache,
			cfg:      e.cfg,
			logger:   logger,
		}
		docs := rescuer.rescue(ctx, titleCandidates(kw.All, e.cfg.TitleCandidateCap), opts.Collection)
		diag.RescuedCount = set.addRescued(docs, e.cfg.TitleExactDistance, policy)
	}

	e.score(set.all, kw)
	sortByBoostedDistance(set.vector)

	fused := e.fusion.Fuse(set.vector, set.lexical)
	diag.FusedCount = len(fused)

	scorer := compositeScorer{cfg: e.cfg, maxDistance: float64(e.orch.Config().DistanceThreshold)}
	ranked := scorer.apply(fused, kw)

	filters := filterSet{
		minContent:        e.cfg.MinContentLength,
		includeMeeting:    opts.IncludeMeetingNotes,
		includeDeprecated: opts.IncludeDeprecated,
		logger:            logger,
	}
	ranked, removed := filters.apply(ranked)
	if len(removed) > 0 {
		diag.Removed = removed
	}

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return &Response{Results: ranked, Diagnostics: diag}
}

// docPolicy decides whether a retrieved or rescued document may become a
// candidate.
type docPolicy struct {
	exclude    []string
	include    []string
	collection string
}

func (p docPolicy) allows(d *store.Document) bool {
	if d == nil {
		return false
	}
	if p.collection != "" && d.Collection != p.collection {
		return false
	}
	return retrieval.LabelsAllowed(d, p.exclude, p.include)
}

// candidateSet holds the per-query candidates and the two ranked lists fed
// to fusion. A candidate found by both paths is shared by both lists.
type candidateSet struct {
	byID    map[string]*Candidate
	all     []*Candidate
	vector  []*Candidate
	lexical []*Candidate
	missing float32
}

func (s *candidateSet) add(c *Candidate) {
	s.byID[c.Doc.ID] = c
	s.all = append(s.all, c)
}

// collect turns the retrieval result into candidates, enriching lexical
// matches with their metadata.
func (e *Engine) collect(ctx context.Context, r *retrieval.Result, policy docPolicy, logger *slog.Logger) *candidateSet {
	set := &candidateSet{
		byID:    make(map[string]*Candidate, len(r.Vector)+len(r.Lexical)),
		missing: e.orch.Config().DistanceThreshold,
	}

	for _, h := range r.Vector {
		if _, dup := set.byID[h.Doc.ID]; dup || !policy.allows(h.Doc) {
			continue
		}
		c := &Candidate{Doc: h.Doc, Source: SourceVector, Distance: h.Distance, HasVector: true}
		set.add(c)
		set.vector = append(set.vector, c)
	}

	if len(r.Lexical) == 0 {
		return set
	}

	var ids []string
	for _, m := range r.Lexical {
		if _, ok := set.byID[m.ID]; !ok {
			ids = append(ids, m.ID)
		}
	}
	docs := make(map[string]*store.Document, len(ids))
	if len(ids) > 0 {
		fetched, err := e.metadata.BatchGet(ctx, ids)
		if err != nil {
			logger.Warn("metadata_lookup_failed",
				slog.Int("ids", len(ids)),
				slog.String("error", err.Error()))
		}
		for _, d := range fetched {
			docs[d.ID] = d
		}
	}

	for _, m := range r.Lexical {
		c, ok := set.byID[m.ID]
		if ok {
			if c.Source == SourceVector {
				c.Source = SourceHybrid
			}
		} else {
			d := docs[m.ID]
			if !policy.allows(d) {
				continue
			}
			c = &Candidate{Doc: d, Source: SourceLexical, Distance: set.missing}
			set.add(c)
		}
		c.LexicalScore = m.Score
		c.MatchedKeywords = m.Keywords
		set.lexical = append(set.lexical, c)
	}
	return set
}

// addRescued merges title matches not already present and returns how many
// were added. They join the vector list at the given distance.
func (s *candidateSet) addRescued(docs []*store.Document, distance float32, policy docPolicy) int {
	added := 0
	for _, d := range docs {
		if _, ok := s.byID[d.ID]; ok || !policy.allows(d) {
			continue
		}
		c := &Candidate{Doc: d, Source: SourceTitleExact, Distance: distance, HasVector: true}
		s.add(c)
		s.vector = append(s.vector, c)
		added++
	}
	return added
}

func sortByBoostedDistance(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].BoostedDistance != cands[j].BoostedDistance {
			return cands[i].BoostedDistance < cands[j].BoostedDistance
		}
		return cands[i].Doc.ID < cands[j].Doc.ID
	})
}

// effectiveExcludes drops the meeting labels from the exclusion list when
// meeting notes are requested.
func effectiveExcludes(opts Options) []string {
	if !opts.IncludeMeetingNotes {
		return opts.LabelFilters.Exclude
	}
	out := make([]string, 0, len(opts.LabelFilters.Exclude))
	for _, l := range opts.LabelFilters.Exclude {
		if !slices.ContainsFunc(meetingLabels, func(m string) bool { return strings.EqualFold(m, l) }) {
			out = append(out, l)
		}
	}
	return out
}

// cacheKey covers every input that changes the ranked output.
func cacheKey(normalized string, topK int, exclude []string, opts Options) string {
	return cache.Key(
		normalized,
		topK,
		sortedJoin(exclude),
		sortedJoin(opts.LabelFilters.Include),
		opts.UseLexicalIndex,
		opts.Collection,
		opts.ParentID,
		opts.IncludeMeetingNotes,
		opts.IncludeDeprecated,
	)
}

func sortedJoin(labels []string) string {
	s := make([]string, len(labels))
	for i, l := range labels {
		s[i] = strings.ToLower(l)
	}
	sort.Strings(s)
	return strings.Join(s, ",")
}

func cacheable(resp *Response) bool {
	for _, d := range resp.Diagnostics.Degraded {
		if d != retrieval.DegradedLexicalDisabled {
			return false
		}
	}
	return true
}

func (e *Engine) record(raw string, resp *Response) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(telemetry.QueryEvent{
		Query:       raw,
		Mode:        retrievalMode(resp.Diagnostics),
		ResultCount: len(resp.Results),
		Latency:     resp.Diagnostics.Latency,
		CacheHit:    resp.Diagnostics.CacheHit,
		Degraded:    resp.Diagnostics.Degraded,
		Timestamp:   time.Now(),
	})
}

func retrievalMode(d Diagnostics) telemetry.RetrievalMode {
	switch {
	case d.VectorCount > 0 && d.LexicalCount > 0:
		return telemetry.ModeHybrid
	case d.VectorCount > 0:
		return telemetry.ModeVectorOnly
	case d.LexicalCount > 0:
		return telemetry.ModeLexicalOnly
	default:
		return telemetry.ModeEmpty
	}
}
