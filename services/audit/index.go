// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/search"
)

// NewIndex builds the similarity index selected by cfg.Backend.
//
// Embeddings go through a badger cache at cfg.CachePath (in memory when
// empty). The returned close function releases the cache; it is non-nil
// whenever err is nil. Backend "none" returns a nil index.
func NewIndex(ctx context.Context, cfg config.SearchConfig, logger *slog.Logger) (search.Index, func() error, error) {
	noop := func() error { return nil }
	if cfg.Backend == config.SearchNone || cfg.Backend == "" {
		return nil, noop, nil
	}

	embedder, err := search.NewOpenAIEmbedder(search.OpenAIEmbedderConfig{
		APIKey:     cfg.EmbeddingAPIKey,
		BaseURL:    cfg.EmbeddingURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.Dimensions,
	})
	if err != nil {
		return nil, nil, err
	}

	db, err := search.OpenCache(search.CacheConfig{
		Path:     cfg.CachePath,
		InMemory: cfg.CachePath == "",
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	cached := search.NewCachedEmbedder(embedder, db, embedder.Model(), logger)

	switch cfg.Backend {
	case config.SearchMemory:
		return search.NewMemoryIndex(cached, cfg.IndexWorkers, logger), db.Close, nil
	case config.SearchWeaviate:
		idx, err := search.NewWeaviateIndex(cfg.Weaviate, cached, cfg.IndexWorkers, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := idx.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return idx, db.Close, nil
	default:
		_ = db.Close()
		return nil, nil, fmt.Errorf("unknown search backend %q", cfg.Backend)
	}
}
