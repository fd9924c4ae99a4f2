package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aman-CERP/amanrag/internal/segment"
)

// Provider names an embedding backend.
type Provider string

const (
	// ProviderStatic uses hash-based embeddings (no model, deterministic).
	ProviderStatic Provider = "static"

	// ProviderOllama uses a local Ollama server.
	ProviderOllama Provider = "ollama"
)

// Options selects and configures an embedder.
type Options struct {
	Provider   Provider
	Model      string
	Host       string
	Dimensions int
	BatchSize  int
	CacheSize  int // 0 = DefaultEmbeddingCacheSize, < 0 = no cache
	Segmenter  segment.Segmenter
}

// New builds the embedder named by opts.Provider wrapped in a CachedEmbedder.
func New(ctx context.Context, opts Options) (Embedder, error) {
	var (
		inner Embedder
		err   error
	)
	switch Provider(strings.ToLower(string(opts.Provider))) {
	case ProviderOllama:
		inner, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       opts.Host,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			BatchSize:  opts.BatchSize,
		})
	case ProviderStatic, "":
		inner = NewStaticEmbedder(opts.Segmenter, opts.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", opts.Provider)
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("embedder_ready",
		slog.String("model", inner.ModelName()),
		slog.Int("dimensions", inner.Dimensions()))

	if opts.CacheSize < 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, opts.CacheSize), nil
}
