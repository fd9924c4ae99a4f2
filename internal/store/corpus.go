package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// Record is one line of a JSONL corpus: a document chunk plus an optional
// precomputed embedding.
type Record struct {
	Document
	Embedding []float32 `json:"embedding,omitempty"`
}

// maxLineBytes bounds a single corpus line.
const maxLineBytes = 16 << 20

// LoadCorpus reads a JSONL corpus file.
func LoadCorpus(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, amanerrors.New(amanerrors.ErrCodeCorpusNotFound, "corpus not found: "+path, err).
				WithSuggestion("Pass an existing JSONL file to 'amanrag index'")
		}
		return nil, amanerrors.Wrap(amanerrors.ErrCodeCorpusNotFound, err)
	}
	defer f.Close()

	return ReadCorpus(f)
}

// ReadCorpus parses JSONL records. Blank lines are skipped; a malformed line
// or a record failing validation aborts with its line number.
func ReadCorpus(r io.Reader) ([]*Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var records []*Record
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, amanerrors.New(amanerrors.ErrCodeCorpusMalformed,
				fmt.Sprintf("line %d: invalid JSON", line), err)
		}
		if err := rec.Validate(); err != nil {
			return nil, amanerrors.New(amanerrors.ErrCodeCorpusMalformed,
				fmt.Sprintf("line %d: %v", line, err), err)
		}
		rec.Canonicalize()
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, amanerrors.New(amanerrors.ErrCodeCorpusMalformed, "failed to read corpus", err)
	}
	return records, nil
}

// Embedder turns texts into vectors for indexing.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Builder writes corpus records into all three backends.
type Builder struct {
	Vector    VectorIndex
	Lexical   LexicalIndex
	Metadata  MetadataStore
	Embedder  Embedder
	BatchSize int
}

// EmbeddingText is the text embedded for a document chunk.
func EmbeddingText(d *Document) string {
	if d.Title == "" {
		return d.Content
	}
	return d.Title + "\n" + d.Content
}

// Build indexes records in batches. Records carrying an embedding skip the
// embedder.
func (b *Builder) Build(ctx context.Context, records []*Record) error {
	size := b.BatchSize
	if size <= 0 {
		size = 64
	}

	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		if err := b.buildBatch(ctx, records[start:end]); err != nil {
			return err
		}
		slog.Debug("index_batch_done",
			slog.Int("done", end),
			slog.Int("total", len(records)))
	}
	return nil
}

func (b *Builder) buildBatch(ctx context.Context, batch []*Record) error {
	docs := make([]*Document, len(batch))
	vectors := make([][]float32, len(batch))
	var missing []int
	for i, rec := range batch {
		docs[i] = &rec.Document
		if len(rec.Embedding) > 0 {
			vectors[i] = rec.Embedding
		} else {
			missing = append(missing, i)
		}
	}

	if len(missing) > 0 {
		if b.Embedder == nil {
			return amanerrors.New(amanerrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("document %s has no embedding and no embedder is configured", docs[missing[0]].ID), nil)
		}
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = EmbeddingText(docs[i])
		}
		embedded, err := b.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return amanerrors.BackendError(amanerrors.ErrCodeEmbeddingFailed, "embedder", err)
		}
		for j, i := range missing {
			vectors[i] = embedded[j]
		}
	}

	if err := b.Metadata.Put(ctx, docs); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if err := b.Vector.Add(ctx, docs, vectors); err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	if err := b.Lexical.Index(ctx, docs); err != nil {
		return fmt.Errorf("lexical index: %w", err)
	}
	return nil
}
