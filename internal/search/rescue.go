package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanrag/internal/cache"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// titleCandidates builds the title lookup strings: every ordered pair of
// keywords concatenated, then the keywords themselves, capped at limit.
func titleCandidates(keywords []string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, limit)
	add := func(s string) bool {
		if s == "" {
			return len(out) < limit
		}
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
		return len(out) < limit
	}

	for i, a := range keywords {
		for j, b := range keywords {
			if i == j {
				continue
			}
			if !add(a + b) {
				return out
			}
		}
	}
	for _, k := range keywords {
		if !add(k) {
			return out
		}
	}
	return out
}

// titleRescuer runs the title lookups for one query.
type titleRescuer struct {
	lexical  store.LexicalIndex
	metadata store.MetadataStore
	cache    *cache.Cache[[]*store.Document]
	cfg      Config
	logger   *slog.Logger
}

// rescue looks up every candidate string concurrently and returns the
// documents found, deduplicated by ID in candidate order. A lookup that fails
// or times out is logged and omitted.
func (r *titleRescuer) rescue(ctx context.Context, candidates []string, collection string) []*store.Document {
	if len(candidates) == 0 || r.metadata == nil {
		return nil
	}

	found := make([][]*store.Document, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, cand := range candidates {
		g.Go(func() error {
			docs, err := r.lookup(gctx, cand, collection)
			if err != nil {
				event := "title_rescue_failed"
				if errors.Is(err, context.DeadlineExceeded) {
					event = "title_rescue_timeout"
				}
				r.logger.Debug(event,
					slog.String("candidate", cand),
					slog.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			found[i] = docs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var out []*store.Document
	for _, docs := range found {
		for _, d := range docs {
			if _, dup := seen[d.ID]; dup {
				continue
			}
			seen[d.ID] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// lookup resolves one candidate through the title cache. Failed lookups are
// not cached.
func (r *titleRescuer) lookup(ctx context.Context, cand, collection string) ([]*store.Document, error) {
	key := cache.Key("title", cand, collection, r.cfg.TitleRescueLimit)
	if r.cache != nil {
		if docs, ok := r.cache.Get(key); ok {
			return docs, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TitleRescueTimeout)
	defer cancel()

	docs, err := r.search(ctx, cand)
	if err != nil {
		return nil, err
	}
	if collection != "" {
		kept := docs[:0]
		for _, d := range docs {
			if d.Collection == collection {
				kept = append(kept, d)
			}
		}
		docs = kept
	}

	if r.cache != nil {
		r.cache.Set(key, docs)
	}
	return docs, nil
}

// search uses the lexical title index when it is ready and falls back to a
// literal substring scan of the metadata store otherwise.
func (r *titleRescuer) search(ctx context.Context, cand string) ([]*store.Document, error) {
	if r.lexical != nil && r.lexical.IsReady() {
		hits, err := r.lexical.SearchTitle(ctx, cand, r.cfg.TitleRescueLimit)
		if err == nil {
			ids := make([]string, len(hits))
			for i, h := range hits {
				ids[i] = h.ID
			}
			return r.metadata.BatchGet(ctx, ids)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Debug("title_lookup_fallback",
			slog.String("candidate", cand),
			slog.String("error", err.Error()))
	}
	return r.metadata.FindByTitleSubstring(ctx, cand, r.cfg.TitleRescueLimit)
}
