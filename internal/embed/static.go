package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"github.com/Aman-CERP/amanrag/internal/query"
	"github.com/Aman-CERP/amanrag/internal/segment"
)

const (
	wordWeight   = 0.7
	bigramWeight = 0.3
)

// StaticEmbedder hashes segmented words and character bigrams into a fixed
// number of buckets. It needs no model and is deterministic, which makes it
// the offline default and the embedder used in tests.
type StaticEmbedder struct {
	seg  segment.Segmenter
	dims int

	mu     sync.RWMutex
	closed bool
}

// NewStaticEmbedder creates a static embedder. dims <= 0 uses StaticDimensions;
// a nil segmenter uses segment.Default.
func NewStaticEmbedder(seg segment.Segmenter, dims int) *StaticEmbedder {
	if seg == nil {
		seg = segment.Default()
	}
	if dims <= 0 {
		dims = StaticDimensions
	}
	return &StaticEmbedder{seg: seg, dims: dims}
}

// Embed generates the embedding for a single text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return normalizeVector(e.generateVector(text)), nil
}

func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, e.dims)
	normalized := strings.ToLower(query.Normalize(text))

	for _, word := range segment.Words(e.seg, normalized) {
		vector[hashToIndex("w:"+word, e.dims)] += wordWeight
	}
	for _, gram := range bigrams(normalized) {
		vector[hashToIndex("g:"+gram, e.dims)] += bigramWeight
	}

	// Text without any word-like content still gets a valid direction so
	// cosine distance stays defined.
	if isZero(vector) {
		vector[0] = 1
	}
	return vector
}

// bigrams returns overlapping character bigrams within each run of letters
// or digits. A single-rune run yields itself.
func bigrams(text string) []string {
	var grams []string
	var run []rune
	flush := func() {
		switch {
		case len(run) == 1:
			grams = append(grams, string(run))
		case len(run) > 1:
			for i := 0; i+1 < len(run); i++ {
				grams = append(grams, string(run[i:i+2]))
			}
		}
		run = run[:0]
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == 'ー' {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return grams
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// Dimensions returns the embedding width.
func (e *StaticEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return fmt.Sprintf("static-%d", e.dims)
}

// Available reports whether the embedder is open.
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ Embedder = (*StaticEmbedder)(nil)
