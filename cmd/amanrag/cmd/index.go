package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/embed"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/profiling"
	"github.com/Aman-CERP/amanrag/internal/segment"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// progressChunk is the number of records indexed between progress updates.
const progressChunk = 256

func newIndexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index <corpus.jsonl>",
		Short: "Build the search index from a JSONL corpus",
		Long: `Build the vector, lexical and metadata indexes from a JSONL corpus.

Each line is one document chunk (id, title, content, labels, ...) with an
optional precomputed "embedding". Chunks without one are embedded with the
configured embedder.

Any existing index in the data directory is replaced, which also resets
the stored query statistics.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			return runIndex(cmd.Context(), cmd, cfg, args[0])
		},
	}
}

func runIndex(ctx context.Context, cmd *cobra.Command, cfg *config.Config, corpusPath string) error {
	out := output.New(cmd.OutOrStdout())
	start := time.Now()

	records, err := store.LoadCorpus(corpusPath)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return amanerrors.New(amanerrors.ErrCodeCorpusMalformed, "corpus is empty: "+corpusPath, nil)
	}
	out.Statusf("📂", "Loaded %d documents from %s", len(records), corpusPath)

	seg := segment.Default()
	var embedder embed.Embedder
	needsEmbedding := slices.ContainsFunc(records, func(r *store.Record) bool { return len(r.Embedding) == 0 })
	if needsEmbedding {
		embedder, err = embed.New(ctx, cfg.EmbedOptions(seg))
		if err != nil {
			return amanerrors.BackendError(amanerrors.ErrCodeEmbeddingFailed, "embedder", err)
		}
		defer func() { _ = embedder.Close() }()
	}
	dims := indexDimensions(records, embedder)

	if err := removeIndex(cfg); err != nil {
		return err
	}

	metadata, err := store.NewSQLiteMetadata(ctx, metadataPath(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = metadata.Close() }()

	vector, err := store.NewHNSWIndex(store.HNSWConfig{Dimensions: dims})
	if err != nil {
		return err
	}
	defer func() { _ = vector.Close() }()

	lexical, err := store.NewLexicalIndex(cfg.DataDir, cfg.Lexical.Backend, seg)
	if err != nil {
		return amanerrors.ConfigError(err.Error(), err)
	}
	defer func() { _ = lexical.Close() }()

	builder := &store.Builder{
		Vector:    vector,
		Lexical:   lexical,
		Metadata:  metadata,
		Embedder:  embedder,
		BatchSize: cfg.Embeddings.BatchSize,
	}
	for i := 0; i < len(records); i += progressChunk {
		end := min(i+progressChunk, len(records))
		if err := builder.Build(ctx, records[i:end]); err != nil {
			return err
		}
		out.Progress(end, len(records), "Indexing")
	}

	if err := vector.Save(vectorPath(cfg)); err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}

	elapsed := time.Since(start)
	slog.Info("index_complete",
		slog.Int("documents", len(records)),
		slog.Int("dimensions", dims),
		slog.String("lexical_backend", cfg.Lexical.Backend),
		slog.Duration("duration", elapsed),
		slog.String("heap_in_use", profiling.FormatBytes(profiling.HeapInUse())))

	out.Successf("Indexed %d documents in %s", len(records), elapsed.Round(time.Millisecond))
	out.KeyValue("data dir", cfg.DataDir)
	out.KeyValue("dimensions", dims)
	out.KeyValue("lexical backend", cfg.Lexical.Backend)
	return nil
}

// indexDimensions is the width of the first precomputed embedding, or the
// embedder's width when no record carries one.
func indexDimensions(records []*store.Record, embedder embed.Embedder) int {
	for _, r := range records {
		if len(r.Embedding) > 0 {
			return len(r.Embedding)
		}
	}
	if embedder != nil {
		return embedder.Dimensions()
	}
	return embed.StaticDimensions
}

// removeIndex deletes the index files of the data directory, keeping
// anything else stored there.
func removeIndex(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	names := []string{
		metadataFile, metadataFile + "-wal", metadataFile + "-shm",
		vectorFile, vectorFile + ".meta",
		"lexical.bleve",
		"lexical.db", "lexical.db-wal", "lexical.db-shm",
	}
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(cfg.DataDir, name)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}
