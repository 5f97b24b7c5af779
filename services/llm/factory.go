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
	"fmt"
	"time"
)

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Config selects and configures one backend.
type Config struct {
	Provider     string           `yaml:"provider" validate:"required,oneof=openai azure anthropic ollama"`
	Model        string           `yaml:"model"`
	APIKey       string           `yaml:"api_key"`
	BaseURL      string           `yaml:"base_url"`
	APIVersion   string           `yaml:"api_version"`
	Deployment   string           `yaml:"deployment"`
	SystemPrompt string           `yaml:"system_prompt"`
	Params       GenerationParams `yaml:"params"`
	Timeout      time.Duration    `yaml:"timeout"`

	// RatePerSecond caps call starts per second; 0 disables throttling.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"gte=0"`
}

// New builds the configured backend, wrapped with metrics and, when
// RatePerSecond is set, a rate limiter.
func New(cfg Config) (Client, error) {
	var (
		base Client
		err  error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		base, err = NewOpenAIClient(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Params:       cfg.Params,
		})
	case ProviderAzure:
		base, err = NewAzureClient(AzureConfig{
			APIKey:       cfg.APIKey,
			Endpoint:     cfg.BaseURL,
			APIVersion:   cfg.APIVersion,
			Deployment:   orDefault(cfg.Deployment, cfg.Model),
			SystemPrompt: cfg.SystemPrompt,
			Params:       cfg.Params,
		})
	case ProviderAnthropic:
		base, err = NewAnthropicClient(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Params:       cfg.Params,
			Timeout:      cfg.Timeout,
		})
	case ProviderOllama:
		base, err = NewOllamaClient(OllamaConfig{
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Params:       cfg.Params,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewRateLimited(NewInstrumented(base), cfg.RatePerSecond, cfg.Burst), nil
}
