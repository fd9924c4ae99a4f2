// Package cache provides the TTL result cache shared across search requests.
//
// Two instances are normally constructed per process: one for complete search
// responses and one for title-rescue lookups. Both are safe for concurrent use.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Policy selects which entry is evicted when the cache is full.
type Policy string

const (
	// PolicyLRU evicts the entry minimizing createdAt + hits*WeightPerHit.
	// Recency is measured from insertion, frequency from successful gets.
	PolicyLRU Policy = "lru"
	// PolicyFIFO evicts the oldest inserted key.
	PolicyFIFO Policy = "fifo"
	// PolicyLFU evicts the entry with the fewest hits.
	PolicyLFU Policy = "lfu"
)

// DefaultWeightPerHit is how much a single hit postpones LRU eviction.
const DefaultWeightPerHit = time.Minute

// Config configures a Cache.
type Config struct {
	// TTL is the maximum age of an entry. Zero disables expiry.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// MaxSize is the maximum number of entries (minimum 1).
	MaxSize int `yaml:"max_size" json:"max_size"`

	// Policy is the eviction policy (default: lru).
	Policy Policy `yaml:"policy" json:"policy"`

	// WeightPerHit tunes the LRU composite (default: 1 minute per hit).
	WeightPerHit time.Duration `yaml:"weight_per_hit" json:"weight_per_hit"`
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Size      int     `json:"size"`
	AvgHits   float64 `json:"avg_hits"`
	HitRate   float64 `json:"hit_rate"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	hits      int
	seq       uint64
}

// Cache is a TTL cache with a pluggable eviction policy.
type Cache[V any] struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry[V]
	nextSeq uint64
	now     func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the time source. Tests use it to age entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a cache. Invalid settings fall back to defaults.
func New[V any](cfg Config, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	switch cfg.Policy {
	case PolicyLRU, PolicyFIFO, PolicyLFU:
	default:
		cfg.Policy = PolicyLRU
	}
	if cfg.WeightPerHit <= 0 {
		cfg.WeightPerHit = DefaultWeightPerHit
	}

	return &Cache[V]{
		cfg:     cfg,
		entries: make(map[string]*entry[V], cfg.MaxSize),
		now:     o.now,
	}
}

// Get returns the value for key if present and not expired.
// A successful get increments the entry's hit counter.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}

	e.hits++
	c.hits++
	return e.value, true
}

// Has reports whether key is present and not expired without counting a hit.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.lookup(key)
	return ok
}

// Set stores value under key, evicting one entry first when a new key
// arrives at a full cache.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.createdAt = now
		return
	}

	if len(c.entries) >= c.cfg.MaxSize {
		c.evictOne(now)
	}

	c.nextSeq++
	c.entries[key] = &entry[V]{value: value, createdAt: now, seq: c.nextSeq}
}

// Delete removes key. Returns true if it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear removes all entries and resets counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V], c.cfg.MaxSize)
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the number of stored entries, including ones not yet purged.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns usage statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}

	if len(c.entries) > 0 {
		total := 0
		for _, e := range c.entries {
			total += e.hits
		}
		s.AvgHits = float64(total) / float64(len(c.entries))
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
	}
	return s
}

// Config returns the effective configuration.
func (c *Cache[V]) Config() Config {
	return c.cfg
}

// lookup must be called with mu held. Expired entries are removed.
func (c *Cache[V]) lookup(key string) (*entry[V], bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(e, c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.createdAt) > c.cfg.TTL
}

// evictOne must be called with mu held. An expired entry is always the first
// victim; otherwise the configured policy decides.
func (c *Cache[V]) evictOne(now time.Time) {
	var victim string
	var best *entry[V]

	for key, e := range c.entries {
		if c.expired(e, now) {
			victim, best = key, e
			break
		}
		if best == nil || c.before(e, best) {
			victim, best = key, e
		}
	}

	if best != nil {
		delete(c.entries, victim)
		c.evictions++
	}
}

// before reports whether a should be evicted ahead of b.
// Insertion order breaks ties so eviction is deterministic.
func (c *Cache[V]) before(a, b *entry[V]) bool {
	switch c.cfg.Policy {
	case PolicyFIFO:
		return a.seq < b.seq
	case PolicyLFU:
		if a.hits != b.hits {
			return a.hits < b.hits
		}
	default:
		sa, sb := c.lruScore(a), c.lruScore(b)
		if sa != sb {
			return sa < sb
		}
	}
	return a.seq < b.seq
}

func (c *Cache[V]) lruScore(e *entry[V]) int64 {
	return e.createdAt.UnixMilli() + int64(e.hits)*c.cfg.WeightPerHit.Milliseconds()
}

// Key builds a deterministic cache key from its parts.
func Key(parts ...any) string {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = fmt.Sprint(p)
	}
	sum := sha256.Sum256([]byte(strings.Join(strs, "\x00")))
	return hex.EncodeToString(sum[:])
}
