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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

// FunctionClassName is the Weaviate class holding indexed functions.
const FunctionClassName = "AuditFunction"

// batchSize caps objects per batch request.
const batchSize = 100

var functionNamespace = uuid.MustParse("5b0f3c2e-8d1a-4f6b-9a57-2c1e7d4a9b30")

// WeaviateConfig holds connection settings for a WeaviateIndex.
type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
}

// WeaviateIndex stores function vectors in Weaviate. Vectors are computed
// by the Embedder; the class uses no server-side vectorizer.
type WeaviateIndex struct {
	client   *weaviate.Client
	embedder Embedder
	workers  int
	logger   *slog.Logger
}

// NewWeaviateIndex connects to Weaviate. It does not create the schema;
// call EnsureSchema before indexing.
func NewWeaviateIndex(cfg WeaviateConfig, embedder Embedder, workers int, logger *slog.Logger) (*WeaviateIndex, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, embedder: embedder, workers: workers, logger: logger}, nil
}

// FunctionSchema returns the class definition for indexed functions.
func FunctionSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       FunctionClassName,
		Description: "Smart contract functions indexed for similarity search",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "name", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "content", DataType: []string{"text"}},
			{Name: "contractName", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "projectId", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
		},
	}
}

// EnsureSchema creates the function class if it does not exist.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(FunctionClassName).Do(ctx); err == nil {
		w.logger.Debug("Function schema already exists")
		return nil
	}
	w.logger.Info("Creating function schema", slog.String("class", FunctionClassName))
	if err := w.client.Schema().ClassCreator().WithClass(FunctionSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", FunctionClassName, err)
	}
	return nil
}

// Index implements Indexer. Existing objects of projectID are deleted
// first. Object ids derive from project, name and content, so identical
// functions collapse into one object.
func (w *WeaviateIndex) Index(ctx context.Context, projectID string, funcs []*ast.Function) error {
	texts := make([]string, len(funcs))
	for i, f := range funcs {
		texts[i] = f.Content
	}
	vectors, err := embedAll(ctx, w.embedder, texts, w.workers, w.logger)
	if err != nil {
		return fmt.Errorf("index %s: %w", projectID, err)
	}

	if _, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(FunctionClassName).
		WithOutput("minimal").
		WithWhere(projectFilter(projectID)).
		Do(ctx); err != nil {
		w.logger.Warn("Failed to clear previous project objects",
			slog.String("project", projectID), slog.String("error", err.Error()))
	}

	objects := make([]*models.Object, 0, len(funcs))
	for i, f := range funcs {
		if len(vectors[i]) == 0 || isZero(vectors[i]) {
			continue
		}
		id := uuid.NewSHA1(functionNamespace, []byte(projectID+"\x00"+f.Name+"\x00"+f.Content))
		objects = append(objects, &models.Object{
			Class:  FunctionClassName,
			ID:     strfmt.UUID(id.String()),
			Vector: vectors[i],
			Properties: map[string]interface{}{
				"name":         f.Name,
				"content":      f.Content,
				"contractName": f.ContractName,
				"projectId":    projectID,
			},
		})
	}

	stored := 0
	for start := 0; start < len(objects); start += batchSize {
		end := min(start+batchSize, len(objects))
		resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects[start:end]...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch import to weaviate: %w", err)
		}
		for _, item := range resp {
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				stored++
				continue
			}
			if item.Result != nil && item.Result.Errors != nil {
				for _, e := range item.Result.Errors.Error {
					w.logger.Warn("Error in Weaviate batch item", slog.String("error", e.Message))
				}
			}
		}
	}
	w.logger.Info("Indexed functions",
		slog.String("project", projectID),
		slog.Int("stored", stored),
		slog.Int("total", len(funcs)))
	return nil
}

// Scoped implements Index.
func (w *WeaviateIndex) Scoped(projectID string) SimilaritySearch {
	return &weaviateScope{index: w, project: projectID}
}

func projectFilter(projectID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"projectId"}).
		WithOperator(filters.Equal).
		WithValueString(projectID)
}

type weaviateScope struct {
	index   *WeaviateIndex
	project string
}

type functionHit struct {
	Name         string `json:"name"`
	Content      string `json:"content"`
	ContractName string `json:"contractName"`
	Additional   struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

func (s *weaviateScope) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}
	vector, err := s.index.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	client := s.index.client
	result, err := client.GraphQL().Get().
		WithClassName(FunctionClassName).
		WithFields(
			graphql.Field{Name: "name"},
			graphql.Field{Name: "content"},
			graphql.Field{Name: "contractName"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithWhere(projectFilter(s.project)).
		WithNearVector(client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("similarity search: %s", result.Errors[0].Message)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal search response: %w", err)
	}
	var parsed struct {
		Get map[string][]functionHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	hits := parsed.Get[FunctionClassName]
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, Match{
			Name:         h.Name,
			Content:      h.Content,
			ContractName: h.ContractName,
			Score:        h.Additional.Certainty,
		})
	}
	return matches, nil
}
