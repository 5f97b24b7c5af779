// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search finds functions similar to a piece of code by embedding
// similarity. Functions are indexed per project; searches are scoped to
// one project.
package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

var (
	// ErrEmptyQuery is returned by Search for an empty query.
	ErrEmptyQuery = errors.New("empty query")

	// ErrDimensionMismatch is returned when vectors of different sizes meet.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Match is one search hit.
type Match struct {
	Name         string  `json:"name"`
	Content      string  `json:"content"`
	ContractName string  `json:"contract_name"`
	Score        float64 `json:"score"`
}

// BareName returns the function name without its contract prefix.
func (m Match) BareName() string {
	return ast.BareName(m.Name)
}

// SimilaritySearch returns the k functions most similar to query.
type SimilaritySearch interface {
	Search(ctx context.Context, query string, k int) ([]Match, error)
}

// Indexer stores function embeddings for a project.
type Indexer interface {
	Index(ctx context.Context, projectID string, funcs []*ast.Function) error
}

// Index is an Indexer whose contents can be searched per project.
type Index interface {
	Indexer
	Scoped(projectID string) SimilaritySearch
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embedAll embeds texts with up to workers concurrent calls. A failed
// embedding becomes a nil vector and is logged; only cancellation is
// returned as an error.
func embedAll(ctx context.Context, emb Embedder, texts []string, workers int, logger *slog.Logger) ([][]float32, error) {
	if workers < 1 {
		workers = 1
	}
	vectors := make([][]float32, len(texts))
	var mu sync.Mutex
	failed := 0

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, text := range texts {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			v, err := emb.Embed(egCtx, text)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				logger.Warn("Embedding failed", slog.Int("item", i), slog.String("error", err.Error()))
				return nil
			}
			vectors[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if failed > 0 {
		logger.Warn("Some embeddings failed", slog.Int("failed", failed), slog.Int("total", len(texts)))
	}
	return vectors, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
