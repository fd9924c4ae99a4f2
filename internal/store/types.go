// Package store defines the document model and the retrieval backends the
// search core reads from: an ANN vector index, a lexical (BM25) index and a
// metadata store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a closed index or store.
var ErrClosed = errors.New("store is closed")

// Document is one retrievable chunk of a logical document (a wiki page or
// ticket). All chunks of a page share LogicalID.
type Document struct {
	ID          string    `json:"id"`
	LogicalID   string    `json:"logical_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	ChunkIndex  int       `json:"chunk_index"`
	ChunkCount  int       `json:"chunk_count,omitempty"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Labels      []string  `json:"labels,omitempty"`
	URL         string    `json:"url,omitempty"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
	Collection  string    `json:"collection,omitempty"`

	// Optional taxonomy fields.
	Category   string  `json:"category,omitempty"`
	Status     string  `json:"status,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Validate checks the fields every backend relies on.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if d.ChunkIndex < 0 {
		return fmt.Errorf("document %s: chunk_index must be non-negative", d.ID)
	}
	return nil
}

// Canonicalize fills derived fields so the search core never needs fallbacks:
// LogicalID defaults to ID and ChunkCount to 1.
func (d *Document) Canonicalize() {
	if d.LogicalID == "" {
		d.LogicalID = d.ID
	}
	if d.ChunkCount < d.ChunkIndex+1 {
		d.ChunkCount = d.ChunkIndex + 1
	}
	d.Title = strings.TrimSpace(d.Title)
	if len(d.Labels) == 0 {
		d.Labels = nil
	}
}

// HasLabel reports whether the document carries label (case-insensitive).
func (d *Document) HasLabel(label string) bool {
	for _, l := range d.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// VectorFilter restricts vector results by payload fields. Empty fields match
// everything.
type VectorFilter struct {
	ParentID    string
	Collection  string
	URLContains string
}

// IsZero reports whether the filter matches every document.
func (f VectorFilter) IsZero() bool {
	return f == VectorFilter{}
}

// Matches reports whether doc passes the filter.
func (f VectorFilter) Matches(doc *Document) bool {
	if doc == nil {
		return false
	}
	if f.ParentID != "" && doc.ParentID != f.ParentID {
		return false
	}
	if f.Collection != "" && doc.Collection != f.Collection {
		return false
	}
	if f.URLContains != "" && !strings.Contains(doc.URL, f.URLContains) {
		return false
	}
	return true
}

// VectorHit is a vector search result. Distance is cosine distance
// (0 identical, 2 opposite); smaller is closer.
type VectorHit struct {
	Doc      *Document
	Distance float32
}

// LexicalHit is a lexical search result. Score is BM25 (larger is better,
// unbounded). Only the id and title are stored in the lexical index; other
// fields come from the MetadataStore.
type LexicalHit struct {
	ID           string
	Title        string
	Score        float64
	MatchedTerms []string
}

// VectorIndex is an approximate nearest neighbor index over chunk embeddings.
type VectorIndex interface {
	// Add inserts or replaces documents with their embeddings.
	Add(ctx context.Context, docs []*Document, vectors [][]float32) error

	// Search returns up to limit nearest documents passing filter (nil = all).
	Search(ctx context.Context, query []float32, limit int, filter *VectorFilter) ([]*VectorHit, error)

	Count() int
	Dimensions() int
	Close() error
}

// LexicalIndex is a BM25-style inverted index over title, content and labels.
type LexicalIndex interface {
	// Index adds or replaces documents.
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching a single keyword.
	Search(ctx context.Context, keyword string, limit int) ([]*LexicalHit, error)

	// SearchTitle returns documents whose title matches title as a phrase.
	SearchTitle(ctx context.Context, title string, limit int) ([]*LexicalHit, error)

	// IsReady reports whether the index has finished warming up.
	IsReady() bool

	// Initialize warms the index up. It is safe to call concurrently and
	// repeatedly; later calls return the first call's result.
	Initialize(ctx context.Context) error

	Count() int
	Close() error
}

// MetadataStore holds full document payloads keyed by id.
type MetadataStore interface {
	// Put adds or replaces documents.
	Put(ctx context.Context, docs []*Document) error

	// BatchGet returns the documents for ids in the same order, skipping
	// unknown ids.
	BatchGet(ctx context.Context, ids []string) ([]*Document, error)

	// FindByTitleSubstring returns documents whose title contains substr.
	FindByTitleSubstring(ctx context.Context, substr string, limit int) ([]*Document, error)

	Count(ctx context.Context) (int, error)
	Close() error
}
