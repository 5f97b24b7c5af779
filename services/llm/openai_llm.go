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
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are a helpful assistant."

// OpenAIConfig configures an OpenAI-compatible chat backend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // empty for api.openai.com
	Model        string
	SystemPrompt string
	Params       GenerationParams
}

// AzureConfig configures an Azure OpenAI deployment.
type AzureConfig struct {
	APIKey       string
	Endpoint     string
	APIVersion   string
	Deployment   string
	SystemPrompt string
	Params       GenerationParams
}

// OpenAIClient talks to OpenAI or Azure OpenAI through go-openai.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	name         string
	systemPrompt string
	params       GenerationParams
	logger       *slog.Logger
}

// NewOpenAIClient creates a client for api.openai.com or any endpoint
// speaking its chat-completions protocol.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting", "model", model)
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(config),
		model:        model,
		name:         "openai:" + model,
		systemPrompt: orDefault(cfg.SystemPrompt, defaultSystemPrompt),
		params:       cfg.Params,
		logger:       slog.Default(),
	}, nil
}

// NewAzureClient creates a client for an Azure OpenAI deployment.
func NewAzureClient(cfg AzureConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("azure: %w", ErrMissingAPIKey)
	}
	if cfg.Endpoint == "" || cfg.Deployment == "" {
		return nil, fmt.Errorf("azure: endpoint and deployment are required")
	}
	config := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	if cfg.APIVersion != "" {
		config.APIVersion = cfg.APIVersion
	}
	deployment := cfg.Deployment
	config.AzureModelMapperFunc = func(string) string { return deployment }

	slog.Info("Initializing Azure OpenAI client", "deployment", deployment, "api_version", config.APIVersion)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(config),
		model:        deployment,
		name:         "azure:" + deployment,
		systemPrompt: orDefault(cfg.SystemPrompt, defaultSystemPrompt),
		params:       cfg.Params,
		logger:       slog.Default(),
	}, nil
}

// Name implements Client.
func (o *OpenAIClient) Name() string {
	return o.name
}

// Ask implements Client.
func (o *OpenAIClient) Ask(ctx context.Context, prompt string) (Completion, error) {
	return o.complete(ctx, o.systemPrompt, prompt, nil)
}

// AskForJSON implements Client using the JSON object response format.
func (o *OpenAIClient) AskForJSON(ctx context.Context, prompt string) (Completion, error) {
	format := &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	return o.complete(ctx, o.systemPrompt+" "+jsonInstruction, prompt, format)
}

func (o *OpenAIClient) complete(ctx context.Context, system, prompt string, format *openai.ChatCompletionResponseFormat) (Completion, error) {
	o.logger.Debug("Generating text via OpenAI", "model", o.model, "json", format != nil)
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: format,
	}
	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.MaxTokens != nil {
		req.MaxCompletionTokens = *o.params.MaxTokens
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if len(o.params.Stop) > 0 {
		req.Stop = o.params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("openai chat completion: %w", err)
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Calls:            1,
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Completion{Usage: usage}, fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	o.logger.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return Completion{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
