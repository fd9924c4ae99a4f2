package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Aman-CERP/amanrag/internal/segment"
)

// Lexical backend names accepted by NewLexicalIndex.
const (
	LexicalBackendBleve  = "bleve"
	LexicalBackendSQLite = "sqlite"
)

// Field weights applied by both lexical backends.
const (
	titleFieldBoost   = 5.0
	labelFieldBoost   = 2.0
	contentFieldBoost = 1.0
)

// NewLexicalIndex creates a lexical index of the given backend under dir.
// An empty dir creates an in-memory index. The index is not warmed up;
// call Initialize (or Index, which initializes on demand).
func NewLexicalIndex(dir, backend string, seg segment.Segmenter) (LexicalIndex, error) {
	if seg == nil {
		seg = segment.Default()
	}
	switch backend {
	case LexicalBackendSQLite:
		path := ""
		if dir != "" {
			path = filepath.Join(dir, "lexical.db")
		}
		return NewSQLiteIndex(path, seg), nil
	case LexicalBackendBleve, "":
		path := ""
		if dir != "" {
			path = filepath.Join(dir, "lexical.bleve")
		}
		// bleve analyzes with the registered tokenizer (segment.Default).
		return NewBleveIndex(path), nil
	default:
		return nil, fmt.Errorf("unknown lexical backend %q (expected %s or %s)",
			backend, LexicalBackendBleve, LexicalBackendSQLite)
	}
}

// warmup runs an index's open function once and publishes readiness.
type warmup struct {
	once  sync.Once
	ready atomic.Bool
	err   error
}

func (w *warmup) run(ctx context.Context, open func(context.Context) error) error {
	w.once.Do(func() {
		w.err = open(ctx)
		if w.err == nil {
			w.ready.Store(true)
		}
	})
	return w.err
}

func (w *warmup) isReady() bool {
	return w.ready.Load()
}

// lexicalTerms lowercases and de-duplicates the word-like terms of keyword.
func lexicalTerms(seg segment.Segmenter, keyword string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, t := range segment.Terms(seg, keyword) {
		t = strings.ToLower(t)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}
