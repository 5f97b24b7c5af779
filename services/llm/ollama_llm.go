// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.llm.ollama")

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	BaseURL      string
	Model        string
	SystemPrompt string
	Params       GenerationParams
}

// OllamaClient calls /api/generate on an Ollama server.
type OllamaClient struct {
	httpClient   *http.Client
	baseURL      string
	model        string
	systemPrompt string
	params       GenerationParams
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Format  string                 `json:"format,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base URL not set")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		baseURL:      baseURL,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		params:       cfg.Params,
	}, nil
}

// Name implements Client.
func (o *OllamaClient) Name() string {
	return "ollama:" + o.model
}

// Ask implements Client.
func (o *OllamaClient) Ask(ctx context.Context, prompt string) (Completion, error) {
	return o.generate(ctx, prompt, "")
}

// AskForJSON implements Client with format=json.
func (o *OllamaClient) AskForJSON(ctx context.Context, prompt string) (Completion, error) {
	return o.generate(ctx, prompt, "json")
}

func (o *OllamaClient) options() map[string]interface{} {
	options := map[string]interface{}{
		"temperature": float32(0.2),
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if o.params.Temperature != nil {
		options["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		options["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		options["num_predict"] = *o.params.MaxTokens
	}
	if len(o.params.Stop) > 0 {
		options["stop"] = o.params.Stop
	}
	return options
}

func (o *OllamaClient) generate(ctx context.Context, prompt, format string) (Completion, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.String("llm.format", format))

	fail := func(err error) (Completion, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Completion{}, err
	}

	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  o.systemPrompt,
		Format:  format,
		Stream:  false,
		Options: o.options(),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal request to Ollama: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return fail(fmt.Errorf("failed to create request to Ollama: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("ollama API call failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("failed to read response body from Ollama: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &errResp) == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				return fail(fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model))
			}
		}
		return fail(fmt.Errorf("ollama failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return fail(fmt.Errorf("failed to parse Ollama response: %w", err))
	}
	usage := Usage{PromptTokens: ollamaResp.PromptEvalCount, CompletionTokens: ollamaResp.EvalCount, Calls: 1}
	span.SetAttributes(attribute.Int("llm.prompt_tokens", usage.PromptTokens), attribute.Int("llm.completion_tokens", usage.CompletionTokens))
	if ollamaResp.Response == "" {
		return Completion{Usage: usage}, fmt.Errorf("ollama: %w", ErrEmptyResponse)
	}
	return Completion{Text: ollamaResp.Response, Usage: usage}, nil
}
