package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Aman-CERP/amanrag/internal/cache"
	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/embed"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/query"
	"github.com/Aman-CERP/amanrag/internal/retrieval"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/segment"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// Files under the data directory. The lexical index names its own file
// (lexical.bleve or lexical.db).
const (
	metadataFile = "metadata.db"
	vectorFile   = "vectors.hnsw"
)

// backends holds the opened index of one data directory.
type backends struct {
	cfg      *config.Config
	seg      segment.Segmenter
	metadata *store.SQLiteMetadata
	vector   *store.HNSWIndex
	lexical  store.LexicalIndex
	embedder embed.Embedder
	metrics  *telemetry.QueryMetrics
}

func metadataPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, metadataFile)
}

func vectorPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, vectorFile)
}

func indexNotFound(cfg *config.Config) error {
	return amanerrors.New(amanerrors.ErrCodeIndexNotFound, "no index found in "+cfg.DataDir, nil).
		WithSuggestion("Run 'amanrag index <corpus.jsonl>' first")
}

// openMetadata opens the metadata database of an existing index.
func openMetadata(ctx context.Context, cfg *config.Config) (*store.SQLiteMetadata, error) {
	path := metadataPath(cfg)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, indexNotFound(cfg)
	}
	return store.NewSQLiteMetadata(ctx, path)
}

// openBackends opens an index written by 'amanrag index' and checks that the
// configured embedder matches its vector width.
func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{cfg: cfg, seg: segment.Default()}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	b.metadata, err = openMetadata(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b.vector, err = store.LoadHNSWIndex(vectorPath(cfg))
	if err != nil {
		return nil, amanerrors.New(amanerrors.ErrCodeCorruptIndex, "failed to load vector index", err).
			WithSuggestion("Rebuild the index with 'amanrag index'")
	}

	b.lexical, err = store.NewLexicalIndex(cfg.DataDir, cfg.Lexical.Backend, b.seg)
	if err != nil {
		return nil, amanerrors.ConfigError(err.Error(), err)
	}

	b.embedder, err = embed.New(ctx, cfg.EmbedOptions(b.seg))
	if err != nil {
		return nil, amanerrors.BackendError(amanerrors.ErrCodeEmbeddingFailed, "embedder", err)
	}

	if got, want := b.embedder.Dimensions(), b.vector.Dimensions(); got != want {
		return nil, amanerrors.New(amanerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("embedder produces %d dimensions but the index holds %d", got, want), nil).
			WithDetail("model", b.embedder.ModelName()).
			WithSuggestion("Use the embedder the index was built with, or rebuild the index")
	}

	slog.Debug("index_opened",
		slog.String("data_dir", cfg.DataDir),
		slog.Int("vectors", b.vector.Count()),
		slog.String("lexical_backend", cfg.Lexical.Backend))
	return b, nil
}

// Engine wires a search engine over the backends with caches and telemetry
// persisted in the metadata database.
func (b *backends) Engine() (*search.Engine, error) {
	orch, err := retrieval.New(b.vector, b.lexical, b.embedder, b.cfg.RetrievalConfig())
	if err != nil {
		return nil, err
	}

	db := b.metadata.DB()
	if err := telemetry.InitTelemetrySchema(db); err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	metricsStore, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		return nil, err
	}
	b.metrics = telemetry.NewQueryMetrics(metricsStore)

	resultsCfg, titlesCfg := b.cfg.CacheConfigs()
	engine, err := search.NewEngine(search.Dependencies{
		Orchestrator: orch,
		Lexical:      b.lexical,
		Metadata:     b.metadata,
		Extractor:    query.NewExtractor(b.cfg.ExtractorOptions(b.seg)...),
		ResultCache:  cache.New[*search.Response](resultsCfg),
		TitleCache:   cache.New[[]*store.Document](titlesCfg),
		Metrics:      b.metrics,
		Logger:       slog.Default(),
	}, b.cfg.SearchConfig())
	if err != nil {
		return nil, err
	}
	engine.Warmup()
	return engine, nil
}

// Close flushes telemetry and closes every opened backend.
func (b *backends) Close() {
	if b.metrics != nil {
		if err := b.metrics.Close(); err != nil {
			slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
		}
	}
	if b.embedder != nil {
		_ = b.embedder.Close()
	}
	if b.lexical != nil {
		_ = b.lexical.Close()
	}
	if b.vector != nil {
		_ = b.vector.Close()
	}
	if b.metadata != nil {
		_ = b.metadata.Close()
	}
}
