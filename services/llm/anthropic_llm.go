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
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultAnthropicURL = "https://api.anthropic.com/v1/messages"
	defaultClaudeModel  = "claude-3-5-sonnet-20240620"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicConfig configures the Claude messages backend.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string // full messages endpoint; empty for the public API
	Model        string
	SystemPrompt string
	Params       GenerationParams
	Timeout      time.Duration
}

// AnthropicClient calls the Anthropic messages API over plain HTTP.
type AnthropicClient struct {
	httpClient   *http.Client
	url          string
	apiKey       string
	model        string
	systemPrompt string
	params       GenerationParams
}

// NewAnthropicClient creates a Claude client.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = defaultClaudeModel
		slog.Info("Claude model not set, defaulting", "model", model)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AnthropicClient{
		httpClient:   &http.Client{Timeout: timeout},
		url:          orDefault(cfg.BaseURL, defaultAnthropicURL),
		apiKey:       cfg.APIKey,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		params:       cfg.Params,
	}, nil
}

// Name implements Client.
func (a *AnthropicClient) Name() string {
	return "anthropic:" + a.model
}

// Ask implements Client.
func (a *AnthropicClient) Ask(ctx context.Context, prompt string) (Completion, error) {
	return a.send(ctx, a.systemPrompt, prompt)
}

// AskForJSON implements Client. The messages API has no JSON mode, so the
// constraint goes into the system prompt.
func (a *AnthropicClient) AskForJSON(ctx context.Context, prompt string) (Completion, error) {
	return a.send(ctx, strings.TrimSpace(a.systemPrompt+"\n"+jsonInstruction), prompt)
}

func (a *AnthropicClient) send(ctx context.Context, system, prompt string) (Completion, error) {
	var systemBlocks []systemBlock
	if system != "" {
		block := systemBlock{Type: "text", Text: system}
		if len(system) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	reqPayload := anthropicRequest{
		Model:       a.model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		System:      systemBlocks,
		MaxTokens:   4096,
		Temperature: a.params.Temperature,
		TopP:        a.params.TopP,
		StopSeqs:    a.params.Stop,
	}
	if a.params.MaxTokens != nil {
		reqPayload.MaxTokens = *a.params.MaxTokens
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	slog.Debug("Sending REST request to Anthropic", "model", a.model)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Completion{}, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return Completion{}, fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	usage := Usage{
		PromptTokens:     apiResp.Usage.InputTokens,
		CompletionTokens: apiResp.Usage.OutputTokens,
		Calls:            1,
	}
	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{Usage: usage}, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return Completion{Text: text.String(), Usage: usage}, nil
}
