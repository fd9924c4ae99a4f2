package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// ErrDimensionMismatch indicates a vector of the wrong width.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// HNSWConfig configures an HNSWIndex.
type HNSWConfig struct {
	Dimensions int
	M          int
	EfSearch   int
}

// HNSWIndex is a VectorIndex backed by coder/hnsw. Each node carries its
// document payload so filtered search needs no second lookup.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	// id -> key; replaced ids leave orphaned nodes in the graph
	idMap   map[string]uint64
	entries map[uint64]*hnswEntry
	nextKey uint64

	closed bool
}

type hnswEntry struct {
	Doc    *Document
	Vector []float32
}

// hnswMetadata is the gob sidecar written next to the exported graph.
type hnswMetadata struct {
	IDMap   map[string]uint64
	Entries map[uint64]*hnswEntry
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWIndex creates an empty cosine-distance index.
func NewHNSWIndex(cfg HNSWConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnsw: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}
	return &HNSWIndex{
		graph:   newGraph(cfg),
		config:  cfg,
		idMap:   make(map[string]uint64),
		entries: make(map[uint64]*hnswEntry),
	}, nil
}

func newGraph(cfg HNSWConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

// Add inserts documents with their embeddings. Existing ids are replaced.
func (s *HNSWIndex) Add(ctx context.Context, docs []*Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return fmt.Errorf("docs and vectors length mismatch: %d vs %d", len(docs), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Lazy deletion: coder/hnsw misbehaves when the last node is deleted.
		if existing, ok := s.idMap[doc.ID]; ok {
			delete(s.entries, existing)
			delete(s.idMap, doc.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[doc.ID] = key
		s.entries[key] = &hnswEntry{Doc: doc, Vector: vec}
	}
	return nil
}

// Search returns up to limit nearest documents. With a non-empty filter the
// matching payloads are scored exactly instead of walking the graph, so a
// restrictive filter never starves the result set.
func (s *HNSWIndex) Search(ctx context.Context, query []float32, limit int, filter *VectorFilter) ([]*VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if limit <= 0 || len(s.entries) == 0 {
		return []*VectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	if filter != nil && !filter.IsZero() {
		return s.searchFiltered(ctx, q, limit, *filter)
	}

	// Orphaned nodes are skipped, so ask the graph for a few extra.
	k := limit + (s.graph.Len() - len(s.entries))
	nodes := s.graph.Search(q, k)

	hits := make([]*VectorHit, 0, min(limit, len(nodes)))
	for _, node := range nodes {
		entry, ok := s.entries[node.Key]
		if !ok {
			continue
		}
		hits = append(hits, &VectorHit{Doc: entry.Doc, Distance: s.graph.Distance(q, node.Value)})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// searchFiltered must be called with mu held.
func (s *HNSWIndex) searchFiltered(ctx context.Context, q []float32, limit int, filter VectorFilter) ([]*VectorHit, error) {
	var hits []*VectorHit
	for _, entry := range s.entries {
		if !filter.Matches(entry.Doc) {
			continue
		}
		hits = append(hits, &VectorHit{Doc: entry.Doc, Distance: hnsw.CosineDistance(q, entry.Vector)})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Doc.ID < hits[j].Doc.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of live documents.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Dimensions returns the configured vector width.
func (s *HNSWIndex) Dimensions() int {
	return s.config.Dimensions
}

// Save persists the graph and a gob sidecar (path + ".meta") atomically.
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	err := writeAtomic(path, func(f *os.File) error {
		return s.graph.Export(f)
	})
	if err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}

	meta := hnswMetadata{
		IDMap:   s.idMap,
		Entries: s.entries,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	err = writeAtomic(path+".meta", func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	})
	if err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// LoadHNSWIndex reads an index written by Save.
func LoadHNSWIndex(path string) (*HNSWIndex, error) {
	meta, err := readHNSWMetadata(path + ".meta")
	if err != nil {
		return nil, err
	}

	s, err := NewHNSWIndex(meta.Config)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, fmt.Errorf("failed to import graph: %w", err)
	}

	s.idMap = meta.IDMap
	s.entries = meta.Entries
	s.nextKey = meta.NextKey
	if s.idMap == nil {
		s.idMap = make(map[string]uint64)
	}
	if s.entries == nil {
		s.entries = make(map[uint64]*hnswEntry)
	}
	return s, nil
}

func readHNSWMetadata(path string) (*hnswMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode hnsw metadata: %w", err)
	}
	return &meta, nil
}

// Close releases resources.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	s.entries = nil
	return nil
}

var _ VectorIndex = (*HNSWIndex)(nil)

// writeAtomic writes to path via a temp file and rename.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
