// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides chat-completion backends behind one Client
// interface: OpenAI, Azure OpenAI, Anthropic and Ollama.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrMissingAPIKey is returned by constructors when no key is configured.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrEmptyResponse is returned when a backend answers without text.
	ErrEmptyResponse = errors.New("empty response")

	// ErrUnknownProvider is returned by New for an unsupported provider.
	ErrUnknownProvider = errors.New("unknown LLM provider")
)

// GenerationParams are optional sampling overrides.
type GenerationParams struct {
	Temperature *float32 `json:"temperature" yaml:"temperature"`
	TopP        *float32 `json:"top_p" yaml:"top_p"`
	MaxTokens   *int     `json:"max_tokens" yaml:"max_tokens"`
	Stop        []string `json:"stop" yaml:"stop"`
}

// Usage counts tokens consumed by one or more calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Calls            int `json:"calls"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		Calls:            u.Calls + other.Calls,
	}
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Completion is the text of one answer and what it cost.
type Completion struct {
	Text  string
	Usage Usage
}

// Client defines the interface every LLM backend implements.
//
// Description:
//
//	Ask returns a free-form answer. AskForJSON asks the backend to answer
//	with a JSON object where it supports that (OpenAI response_format,
//	Ollama format=json) and otherwise instructs it through the system
//	prompt. The answer is still raw text; callers parse it leniently.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Client interface {
	Ask(ctx context.Context, prompt string) (Completion, error)
	AskForJSON(ctx context.Context, prompt string) (Completion, error)

	// Name identifies the backend and model in logs and metrics.
	Name() string
}

const jsonInstruction = "You must respond with a single valid JSON object and nothing else."
