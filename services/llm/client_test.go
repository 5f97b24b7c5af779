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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// decodeBody reads a JSON request body into a generic map.
func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

// =============================================================================
// OpenAI
// =============================================================================

func TestOpenAIClient_AskAndJSON(t *testing.T) {
	var sawJSONFormat atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body := decodeBody(t, r)
		if rf, ok := body["response_format"].(map[string]any); ok && rf["type"] == "json_object" {
			sawJSONFormat.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "x", "object": "chat.completion", "model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"result\": \"yes\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 4, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL, Model: "gpt-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-test", client.Name())

	c, err := client.Ask(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"result": "yes"}`, c.Text)
	assert.Equal(t, Usage{PromptTokens: 11, CompletionTokens: 4, Calls: 1}, c.Usage)
	assert.False(t, sawJSONFormat.Load())

	_, err = client.AskForJSON(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, sawJSONFormat.Load())
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [], "usage": {"prompt_tokens": 3}}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)
	c, err := client.Ask(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, 3, c.Usage.PromptTokens)
}

func TestOpenAIClient_MissingKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewAzureClient(AzureConfig{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewAzureClient(AzureConfig{APIKey: "k"})
	assert.Error(t, err)
}

func TestAzureClient_Name(t *testing.T) {
	client, err := NewAzureClient(AzureConfig{APIKey: "k", Endpoint: "https://example.openai.azure.com", Deployment: "gpt4-prod"})
	require.NoError(t, err)
	assert.Equal(t, "azure:gpt4-prod", client.Name())
}

// =============================================================================
// Anthropic
// =============================================================================

func TestAnthropicClient_Ask(t *testing.T) {
	var system atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		body := decodeBody(t, r)
		if blocks, ok := body["system"].([]any); ok && len(blocks) > 0 {
			system.Store(blocks[0].(map[string]any)["text"])
		}
		_, _ = w.Write([]byte(`{
			"id": "msg", "type": "message", "role": "assistant",
			"content": [{"type": "text", "text": "part one "}, {"type": "text", "text": "part two"}],
			"usage": {"input_tokens": 20, "output_tokens": 7}
		}`))
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicConfig{APIKey: "key", BaseURL: server.URL, Model: "claude-test"})
	require.NoError(t, err)

	c, err := client.Ask(context.Background(), "analyze")
	require.NoError(t, err)
	assert.Equal(t, "part one part two", c.Text)
	assert.Equal(t, 20, c.Usage.PromptTokens)
	assert.Equal(t, 7, c.Usage.CompletionTokens)

	_, err = client.AskForJSON(context.Background(), "analyze")
	require.NoError(t, err)
	assert.Equal(t, jsonInstruction, system.Load())
}

func TestAnthropicClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		empty  bool
	}{
		{"http error", http.StatusTooManyRequests, `{"error": {"type": "rate_limit", "message": "slow down"}}`, false},
		{"api error", http.StatusOK, `{"error": {"type": "overloaded", "message": "busy"}}`, false},
		{"bad json", http.StatusOK, `not json`, false},
		{"no text", http.StatusOK, `{"content": [], "usage": {"input_tokens": 1}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewAnthropicClient(AnthropicConfig{APIKey: "key", BaseURL: server.URL})
			require.NoError(t, err)
			_, err = client.Ask(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.empty, errors.Is(err, ErrEmptyResponse))
		})
	}
}

// =============================================================================
// Ollama
// =============================================================================

func TestOllamaClient_FormatAndUsage(t *testing.T) {
	var format atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		body := decodeBody(t, r)
		f, _ := body["format"].(string)
		format.Store(f)
		assert.Equal(t, false, body["stream"])
		_, _ = w.Write([]byte(`{"model": "m", "response": "ok", "done": true, "prompt_eval_count": 5, "eval_count": 2}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL + "/", Model: "m"})
	require.NoError(t, err)

	c, err := client.Ask(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Text)
	assert.Equal(t, "", format.Load())
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 2, Calls: 1}, c.Usage)

	_, err = client.AskForJSON(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "json", format.Load())
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "model 'm' not found"}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "m"})
	require.NoError(t, err)
	_, err = client.Ask(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull m")
}

func TestNewOllamaClient_NoURL(t *testing.T) {
	_, err := NewOllamaClient(OllamaConfig{})
	assert.Error(t, err)
}

// =============================================================================
// Wrappers and factory
// =============================================================================

type countingClient struct {
	calls atomic.Int32
}

func (c *countingClient) Name() string { return "counting" }

func (c *countingClient) Ask(ctx context.Context, prompt string) (Completion, error) {
	c.calls.Add(1)
	return Completion{Text: prompt, Usage: Usage{Calls: 1}}, nil
}

func (c *countingClient) AskForJSON(ctx context.Context, prompt string) (Completion, error) {
	return c.Ask(ctx, prompt)
}

func TestNewRateLimited_Disabled(t *testing.T) {
	inner := &countingClient{}
	assert.Same(t, Client(inner), NewRateLimited(inner, 0, 0))
}

func TestRateLimited_CancelledWait(t *testing.T) {
	inner := &countingClient{}
	limited := NewRateLimited(inner, 0.001, 1)

	_, err := limited.Ask(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.AskForJSON(ctx, "second")
	assert.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestInstrumented_PassesThrough(t *testing.T) {
	inner := &countingClient{}
	c, err := NewInstrumented(inner).AskForJSON(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "p", c.Text)
	assert.Equal(t, "counting", NewInstrumented(inner).Name())
}

func TestNew(t *testing.T) {
	_, err := New(Config{Provider: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = New(Config{Provider: ProviderOpenAI})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	c, err := New(Config{Provider: ProviderAnthropic, APIKey: "k", Model: "claude-x"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic:claude-x", c.Name())

	c, err = New(Config{Provider: ProviderOllama, BaseURL: "http://localhost:11434", RatePerSecond: 2})
	require.NoError(t, err)
	_, limited := c.(*RateLimited)
	assert.True(t, limited)
}

func TestUsage_Add(t *testing.T) {
	u := Usage{PromptTokens: 1, CompletionTokens: 2, Calls: 1}.Add(Usage{PromptTokens: 10, CompletionTokens: 20, Calls: 2})
	assert.Equal(t, Usage{PromptTokens: 11, CompletionTokens: 22, Calls: 3}, u)
	assert.Equal(t, 33, u.Total())
}
