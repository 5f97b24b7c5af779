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
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/textsplitter"
)

// DefaultMaxChars bounds the text sent to the embedding endpoint.
const DefaultMaxChars = 24000

// OpenAIEmbedderConfig configures OpenAIEmbedder.
type OpenAIEmbedderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	MaxChars   int
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
//
// Inputs longer than MaxChars are cut to the first chunk of a recursive
// character split, so the cut lands on a line or word boundary.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	splitter   textsplitter.RecursiveCharacter
	maxChars   int
}

// NewOpenAIEmbedder creates an embedder. Model defaults to
// text-embedding-3-large.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder: missing API key")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.LargeEmbedding3)
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: cfg.Dimensions,
		maxChars:   maxChars,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(maxChars),
			textsplitter.WithChunkOverlap(0),
		),
	}, nil
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	input := e.truncate(text)
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyQuery
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{input},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create embedding: no data returned")
	}
	return resp.Data[0].Embedding, nil
}

func (e *OpenAIEmbedder) truncate(text string) string {
	if len(text) <= e.maxChars {
		return text
	}
	chunks, err := e.splitter.SplitText(text)
	if err != nil || len(chunks) == 0 {
		return text[:e.maxChars]
	}
	return chunks[0]
}
