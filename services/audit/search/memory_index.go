// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

type memoryEntry struct {
	match  Match
	vector []float32
}

// MemoryIndex is an exact cosine-similarity index held in memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryIndex struct {
	embedder Embedder
	workers  int
	logger   *slog.Logger

	mu       sync.RWMutex
	projects map[string][]memoryEntry
}

// NewMemoryIndex creates an empty index. workers bounds concurrent
// embedding calls during Index.
func NewMemoryIndex(embedder Embedder, workers int, logger *slog.Logger) *MemoryIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryIndex{embedder: embedder, workers: workers, logger: logger, projects: map[string][]memoryEntry{}}
}

// Index implements Indexer. It replaces any previous entries of projectID.
// Functions whose embedding fails are left out.
func (m *MemoryIndex) Index(ctx context.Context, projectID string, funcs []*ast.Function) error {
	texts := make([]string, len(funcs))
	for i, f := range funcs {
		texts[i] = f.Content
	}
	vectors, err := embedAll(ctx, m.embedder, texts, m.workers, m.logger)
	if err != nil {
		return fmt.Errorf("index %s: %w", projectID, err)
	}

	entries := make([]memoryEntry, 0, len(funcs))
	for i, f := range funcs {
		if len(vectors[i]) == 0 || isZero(vectors[i]) {
			continue
		}
		entries = append(entries, memoryEntry{
			match:  Match{Name: f.Name, Content: f.Content, ContractName: f.ContractName},
			vector: vectors[i],
		})
	}

	m.mu.Lock()
	m.projects[projectID] = entries
	m.mu.Unlock()
	m.logger.Info("Indexed functions", slog.String("project", projectID), slog.Int("count", len(entries)))
	return nil
}

// Scoped implements Index.
func (m *MemoryIndex) Scoped(projectID string) SimilaritySearch {
	return &memoryScope{index: m, project: projectID}
}

type memoryScope struct {
	index   *MemoryIndex
	project string
}

func (s *memoryScope) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}
	q, err := s.index.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.index.mu.RLock()
	entries := s.index.projects[s.project]
	s.index.mu.RUnlock()

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		score, err := Cosine(q, e.vector)
		if err != nil {
			return nil, err
		}
		m := e.match
		m.Score = score
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
