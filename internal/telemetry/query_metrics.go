// Package telemetry records local search telemetry: how queries were served,
// how fast, and which ones found nothing. Nothing is reported externally.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Retrieval Modes
// =============================================================================

// RetrievalMode classifies which retrieval paths contributed to a query.
type RetrievalMode string

const (
	ModeHybrid      RetrievalMode = "hybrid"
	ModeVectorOnly  RetrievalMode = "vector_only"
	ModeLexicalOnly RetrievalMode = "lexical_only"
	ModeEmpty       RetrievalMode = "empty"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// =============================================================================
// Query Event
// =============================================================================

// QueryEvent is one answered search.
type QueryEvent struct {
	Query       string
	Mode        RetrievalMode
	ResultCount int
	Latency     time.Duration
	CacheHit    bool
	Degraded    []string
	Timestamp   time.Time
}

// IsZeroResult returns true if this query returned no results.
func (e QueryEvent) IsZeroResult() bool {
	return e.ResultCount == 0
}

// Counter names shared by the in-memory aggregates and the store.
const (
	CounterQueries     = "queries"
	CounterCacheHits   = "cache_hits"
	CounterZeroResults = "zero_results"
	CounterDegraded    = "degraded"

	modePrefix     = "mode:"
	degradedPrefix = "degraded:"
)

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in the buffer in FIFO order (oldest first).
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.size)
	start := (b.head - b.size + b.capacity) % b.capacity
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(start+i)%b.capacity])
	}
	return out
}

// Size returns the number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// =============================================================================
// Term Extraction
// =============================================================================

// ExtractTerms splits a query into lowercased whitespace-separated terms of
// at least two characters. CJK queries without spaces yield a single term.
func ExtractTerms(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var terms []string
	for _, w := range strings.Fields(query) {
		if utf8.RuneCountInString(w) >= 2 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount represents a term and its frequency count.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// =============================================================================
// Snapshot
// =============================================================================

// QueryMetricsSnapshot is an immutable snapshot of query metrics.
type QueryMetricsSnapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	CacheHits           int64                   `json:"cache_hits"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	DegradedCount       int64                   `json:"degraded_count"`
	ModeCounts          map[RetrievalMode]int64 `json:"mode_counts"`
	DegradedReasons     map[string]int64        `json:"degraded_reasons"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	Since               time.Time               `json:"since"`
}

// CacheHitRate returns the share of queries served from the result cache.
func (s *QueryMetricsSnapshot) CacheHitRate() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.TotalQueries)
}

// ZeroResultPercentage returns the percentage of zero-result queries.
func (s *QueryMetricsSnapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// =============================================================================
// Store
// =============================================================================

// QueryMetricsStore persists flushed metrics across processes.
type QueryMetricsStore interface {
	// SaveCounters adds counts to the daily counters.
	SaveCounters(date string, counts map[string]int64) error

	// GetCounters sums counters over a date range.
	GetCounters(from, to string) (map[string]int64, error)

	// UpsertTermCounts adds to term frequency counts.
	UpsertTermCounts(terms map[string]int64) error

	// GetTopTerms retrieves the top N terms by frequency.
	GetTopTerms(limit int) ([]TermCount, error)

	// AddZeroResultQuery adds a query to the bounded zero-result log.
	AddZeroResultQuery(query string, timestamp time.Time) error

	// GetZeroResultQueries retrieves recent zero-result queries, newest first.
	GetZeroResultQueries(limit int) ([]string, error)

	// SaveLatencyCounts adds to the daily latency histogram.
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error

	// GetLatencyCounts sums the latency histogram over a date range.
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)

	Close() error
}

// =============================================================================
// Query Metrics
// =============================================================================

// QueryMetricsConfig configures the query metrics collector.
type QueryMetricsConfig struct {
	TopTermsCapacity      int           // Max terms to track (default: 100)
	ZeroResultsCapacity   int           // Max zero-result queries to keep (default: 100)
	RecentQueriesCapacity int           // Max query hashes for repeat detection (default: 500)
	FlushInterval         time.Duration // Auto-flush period, 0 disables (default: 0)
}

// DefaultQueryMetricsConfig returns sensible defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopTermsCapacity:      100,
		ZeroResultsCapacity:   100,
		RecentQueriesCapacity: 500,
	}
}

// QueryMetrics collects query telemetry. Thread-safe for concurrent access.
type QueryMetrics struct {
	mu sync.Mutex

	counters    map[string]int64
	latencies   map[LatencyBucket]int64
	topTerms    *lru.Cache[string, int64]
	zeroResults *CircularBuffer[string]
	recent      *lru.Cache[string, struct{}]
	repeats     int64
	startTime   time.Time

	// Deltas since the last flush.
	pendingCounters  map[string]int64
	pendingLatencies map[LatencyBucket]int64
	pendingTerms     map[string]int64
	pendingZero      []QueryEvent

	store       QueryMetricsStore
	config      QueryMetricsConfig
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closed      bool
}

// NewQueryMetrics creates a collector with default configuration.
// If store is nil, metrics are only kept in memory.
func NewQueryMetrics(store QueryMetricsStore) *QueryMetrics {
	return NewQueryMetricsWithConfig(store, DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector with custom configuration.
func NewQueryMetricsWithConfig(store QueryMetricsStore, cfg QueryMetricsConfig) *QueryMetrics {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = 500
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	m := &QueryMetrics{
		counters:         make(map[string]int64),
		latencies:        make(map[LatencyBucket]int64),
		topTerms:         topTerms,
		zeroResults:      NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		recent:           recent,
		startTime:        time.Now(),
		pendingCounters:  make(map[string]int64),
		pendingLatencies: make(map[LatencyBucket]int64),
		pendingTerms:     make(map[string]int64),
		store:            store,
		config:           cfg,
		stopCh:           make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && store != nil {
		m.flushTicker = time.NewTicker(cfg.FlushInterval)
		go m.flushLoop()
	}
	return m
}

func (m *QueryMetrics) flushLoop() {
	for {
		select {
		case <-m.flushTicker.C:
			_ = m.Flush()
		case <-m.stopCh:
			return
		}
	}
}

// Record captures one query. Safe to call on a nil collector.
func (m *QueryMetrics) Record(event QueryEvent) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.incr(CounterQueries)
	if event.Mode != "" {
		m.incr(modePrefix + string(event.Mode))
	}
	if event.CacheHit {
		m.incr(CounterCacheHits)
	}
	if len(event.Degraded) > 0 {
		m.incr(CounterDegraded)
		for _, d := range event.Degraded {
			m.incr(degradedPrefix + d)
		}
	}

	for _, term := range ExtractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
		m.pendingTerms[term]++
	}

	if event.IsZeroResult() {
		m.incr(CounterZeroResults)
		m.zeroResults.Add(event.Query)
		m.pendingZero = append(m.pendingZero, event)
	}

	bucket := LatencyToBucket(event.Latency)
	m.latencies[bucket]++
	m.pendingLatencies[bucket]++

	h := hashQuery(event.Query)
	if _, seen := m.recent.Get(h); seen {
		m.repeats++
	}
	m.recent.Add(h, struct{}{})
}

// incr must be called with mu held.
func (m *QueryMetrics) incr(name string) {
	m.counters[name]++
	m.pendingCounters[name]++
}

// hashQuery normalizes and hashes a query for repetition detection.
func hashQuery(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:16])
}

// Snapshot returns the in-process metrics.
func (m *QueryMetrics) Snapshot() *QueryMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &QueryMetricsSnapshot{
		TotalQueries:        m.counters[CounterQueries],
		CacheHits:           m.counters[CounterCacheHits],
		ZeroResultCount:     m.counters[CounterZeroResults],
		DegradedCount:       m.counters[CounterDegraded],
		ModeCounts:          make(map[RetrievalMode]int64),
		DegradedReasons:     make(map[string]int64),
		ZeroResultQueries:   m.zeroResults.Items(),
		LatencyDistribution: make(map[LatencyBucket]int64, len(m.latencies)),
		ExactRepeatCount:    m.repeats,
		Since:               m.startTime,
	}
	splitCounters(m.counters, snap)
	for k, v := range m.latencies {
		snap.LatencyDistribution[k] = v
	}
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			snap.TopTerms = append(snap.TopTerms, TermCount{Term: key, Count: count})
		}
	}
	sortTerms(snap.TopTerms)
	return snap
}

// Flush writes the counts recorded since the previous flush to the store.
// Safe to call even if no store is configured.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	counters, latencies, terms, zero := m.pendingCounters, m.pendingLatencies, m.pendingTerms, m.pendingZero
	m.pendingCounters = make(map[string]int64)
	m.pendingLatencies = make(map[LatencyBucket]int64)
	m.pendingTerms = make(map[string]int64)
	m.pendingZero = nil
	m.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if err := m.store.SaveCounters(today, counters); err != nil {
		return err
	}
	if err := m.store.UpsertTermCounts(terms); err != nil {
		return err
	}
	if err := m.store.SaveLatencyCounts(today, latencies); err != nil {
		return err
	}
	for _, e := range zero {
		if err := m.store.AddZeroResultQuery(e.Query, e.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// Close stops auto-flush and flushes once more. The store is not closed.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.flushTicker != nil {
		m.flushTicker.Stop()
		close(m.stopCh)
	}
	return m.Flush()
}

// History reads the persisted metrics for the last days days (today included).
func History(store QueryMetricsStore, days int, topTerms, zeroResults int) (*QueryMetricsSnapshot, error) {
	if days <= 0 {
		days = 1
	}
	now := time.Now()
	from := now.AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	to := now.Format("2006-01-02")

	counters, err := store.GetCounters(from, to)
	if err != nil {
		return nil, err
	}
	latencies, err := store.GetLatencyCounts(from, to)
	if err != nil {
		return nil, err
	}
	terms, err := store.GetTopTerms(topTerms)
	if err != nil {
		return nil, err
	}
	zero, err := store.GetZeroResultQueries(zeroResults)
	if err != nil {
		return nil, err
	}

	snap := &QueryMetricsSnapshot{
		TotalQueries:        counters[CounterQueries],
		CacheHits:           counters[CounterCacheHits],
		ZeroResultCount:     counters[CounterZeroResults],
		DegradedCount:       counters[CounterDegraded],
		ModeCounts:          make(map[RetrievalMode]int64),
		DegradedReasons:     make(map[string]int64),
		TopTerms:            terms,
		ZeroResultQueries:   zero,
		LatencyDistribution: latencies,
		Since:               now.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour),
	}
	splitCounters(counters, snap)
	return snap, nil
}

func splitCounters(counters map[string]int64, snap *QueryMetricsSnapshot) {
	for name, v := range counters {
		switch {
		case strings.HasPrefix(name, modePrefix):
			snap.ModeCounts[RetrievalMode(strings.TrimPrefix(name, modePrefix))] = v
		case strings.HasPrefix(name, degradedPrefix):
			snap.DegradedReasons[strings.TrimPrefix(name, degradedPrefix)] = v
		}
	}
}

func sortTerms(terms []TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}
