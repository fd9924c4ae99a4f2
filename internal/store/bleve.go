package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/amanrag/internal/segment"
)

const (
	// WikiTokenizerName is the registered name of the segmenting tokenizer.
	WikiTokenizerName = "wiki_tokenizer"

	// WikiAnalyzerName is the analyzer used for every text field.
	WikiAnalyzerName = "wiki"
)

func init() {
	_ = registry.RegisterTokenizer(WikiTokenizerName, wikiTokenizerConstructor)
}

// BleveIndex is a LexicalIndex backed by bleve. Titles, content and labels
// are indexed as separate fields; titles weigh most.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
	warm   warmup
}

// bleveDocument is the indexed shape of a Document.
type bleveDocument struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Labels  string `json:"labels"`
}

// NewBleveIndex returns an index at path (in memory when path is empty).
// The index is opened by Initialize.
func NewBleveIndex(path string) *BleveIndex {
	return &BleveIndex{path: path}
}

// Initialize opens or creates the underlying index.
func (b *BleveIndex) Initialize(ctx context.Context) error {
	return b.warm.run(ctx, b.open)
}

// IsReady reports whether Initialize has completed successfully.
func (b *BleveIndex) IsReady() bool {
	return b.warm.isReady()
}

func (b *BleveIndex) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	indexMapping, err := createIndexMapping()
	if err != nil {
		return fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if b.path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		idx, err = openOrCreateBleve(b.path, indexMapping)
	}
	if err != nil {
		return fmt.Errorf("failed to create/open index: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = idx.Close()
		return ErrClosed
	}
	b.index = idx
	return nil
}

func openOrCreateBleve(path string, indexMapping mapping.IndexMapping) (bleve.Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if validErr := validateIndexIntegrity(path); validErr != nil {
		slog.Warn("lexical_index_corrupted",
			slog.String("path", path),
			slog.String("error", validErr.Error()))
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w", path, err)
		}
	}

	idx, err := bleve.Open(path)
	switch {
	case err == bleve.ErrorIndexPathDoesNotExist:
		return bleve.New(path, indexMapping)
	case err != nil && isCorruptionError(err):
		slog.Warn("lexical_index_open_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w (original: %v)", removeErr, err)
		}
		return bleve.New(path, indexMapping)
	}
	return idx, err
}

// validateIndexIntegrity checks that an on-disk index has a parseable
// index_meta.json. A missing directory is valid (it will be created).
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return err == bleve.ErrorIndexMetaCorrupt ||
		strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(WikiAnalyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": WikiTokenizerName,
		"token_filters": []string{
			cjk.WidthName,
			lowercase.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = WikiAnalyzerName

	textField := func(store bool) *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = WikiAnalyzerName
		fm.Store = store
		fm.IncludeTermVectors = true
		return fm
	}

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", textField(true))
	doc.AddFieldMappingsAt("content", textField(false))
	doc.AddFieldMappingsAt("labels", textField(false))
	indexMapping.DefaultMapping = doc

	return indexMapping, nil
}

// Index adds or replaces documents, initializing the index if needed.
func (b *BleveIndex) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := b.Initialize(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		bd := bleveDocument{
			Title:   doc.Title,
			Content: doc.Content,
			Labels:  strings.Join(doc.Labels, " "),
		}
		if err := batch.Index(doc.ID, bd); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search matches keyword against title, content and labels. All terms of a
// multi-term keyword must match within a field.
func (b *BleveIndex) Search(ctx context.Context, keyword string, limit int) ([]*LexicalHit, error) {
	if strings.TrimSpace(keyword) == "" || limit <= 0 {
		return []*LexicalHit{}, nil
	}

	fieldQuery := func(field string, boost float64) query.Query {
		q := bleve.NewMatchQuery(keyword)
		q.SetField(field)
		q.SetBoost(boost)
		q.SetOperator(query.MatchQueryOperatorAnd)
		return q
	}
	q := bleve.NewDisjunctionQuery(
		fieldQuery("title", titleFieldBoost),
		fieldQuery("content", contentFieldBoost),
		fieldQuery("labels", labelFieldBoost),
	)
	return b.run(ctx, q, limit)
}

// SearchTitle matches title as a phrase against the title field only.
func (b *BleveIndex) SearchTitle(ctx context.Context, title string, limit int) ([]*LexicalHit, error) {
	if strings.TrimSpace(title) == "" || limit <= 0 {
		return []*LexicalHit{}, nil
	}
	q := bleve.NewMatchPhraseQuery(title)
	q.SetField("title")
	return b.run(ctx, q, limit)
}

func (b *BleveIndex) run(ctx context.Context, q query.Query, limit int) ([]*LexicalHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.index == nil {
		return nil, fmt.Errorf("lexical index not initialized")
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"title"}
	req.IncludeLocations = true

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]*LexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		title, _ := hit.Fields["title"].(string)
		hits = append(hits, &LexicalHit{
			ID:           hit.ID,
			Title:        title,
			Score:        hit.Score,
			MatchedTerms: extractMatchedTerms(hit),
		})
	}
	return hits, nil
}

// Count returns the number of indexed documents (0 before Initialize).
func (b *BleveIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed || b.index == nil {
		return 0
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

var _ LexicalIndex = (*BleveIndex)(nil)

// extractMatchedTerms collects the distinct terms that matched in any field.
func extractMatchedTerms(hit *search.DocumentMatch) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, locations := range hit.Locations {
		for term := range locations {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			terms = append(terms, term)
		}
	}
	return terms
}

func wikiTokenizerConstructor(config map[string]any, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &wikiTokenizer{seg: segment.Default()}, nil
}

// wikiTokenizer emits the word-like segments of the input with byte offsets.
type wikiTokenizer struct {
	seg segment.Segmenter
}

// Tokenize implements analysis.Tokenizer.
func (t *wikiTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	terms := segment.Terms(t.seg, text)

	stream := make(analysis.TokenStream, 0, len(terms))
	offset := 0
	for i, term := range terms {
		start := strings.Index(text[offset:], term)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(term)
		if end > len(text) {
			end = len(text)
		}

		stream = append(stream, &analysis.Token{
			Term:     []byte(term),
			Start:    start,
			End:      end,
			Position: i + 1,
			Type:     tokenType(term),
		})
		offset = end
	}
	return stream
}

func tokenType(term string) analysis.TokenType {
	for _, r := range term {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) {
			return analysis.Ideographic
		}
	}
	return analysis.AlphaNumeric
}
