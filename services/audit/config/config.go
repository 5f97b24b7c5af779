// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads audit settings from YAML and the environment.
//
// Precedence, lowest first: DefaultConfig, the YAML file, environment
// variables, command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAudit/services/audit/search"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// Search backends.
const (
	SearchNone     = "none"
	SearchMemory   = "memory"
	SearchWeaviate = "weaviate"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// =============================================================================
// Shared Validator Instance
// =============================================================================

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// =============================================================================
// Types
// =============================================================================

// Config is the complete audit configuration.
type Config struct {
	ProjectID   string `yaml:"project_id"`
	ProjectPath string `yaml:"project_path"`
	Output      string `yaml:"output"`

	// DatabaseURL is a SQLite path or a postgres:// URL.
	DatabaseURL string `yaml:"database_url" validate:"required"`

	IgnoreFolders  []string `yaml:"ignore_folders"`
	WhiteFiles     []string `yaml:"white_files"`
	WhiteFunctions []string `yaml:"white_functions"`

	// ScanList restricts business-flow extraction to these contracts.
	ScanList []string `yaml:"scan_list"`

	LLM       LLMConfig       `yaml:"llm"`
	Scan      ScanConfig      `yaml:"scan"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Search    SearchConfig    `yaml:"search"`
	Report    ReportConfig    `yaml:"report"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig assigns a backend to each pipeline role.
type LLMConfig struct {
	// Detection writes scan results.
	Detection llm.Config `yaml:"detection"`
	// BusinessFlow extracts call chains as JSON.
	BusinessFlow llm.Config `yaml:"business_flow"`
	// Confirmation writes free-form re-analyses.
	Confirmation llm.Config `yaml:"confirmation"`
	// Verdict turns re-analyses into JSON verdicts.
	Verdict llm.Config `yaml:"verdict"`

	// Redact scrubs credentials from every prompt.
	Redact bool `yaml:"redact"`
}

// ScanConfig configures planning and detection.
type ScanConfig struct {
	Workers          int  `yaml:"workers" validate:"min=1"`
	FlowWorkers      int  `yaml:"flow_workers" validate:"min=1"`
	BusinessFlowScan bool `yaml:"business_flow_scan"`
	FunctionScan     bool `yaml:"function_scan"`
	RepeatCount      int  `yaml:"repeat_count" validate:"min=1"`
}

// ConfirmConfig configures the confirmation phase.
type ConfirmConfig struct {
	Workers          int  `yaml:"workers" validate:"min=1"`
	ExpansionWorkers int  `yaml:"expansion_workers" validate:"min=1"`
	SearchK          int  `yaml:"search_k" validate:"min=1"`
	Depth            int  `yaml:"depth" validate:"min=1"`
	MaxAttempts      int  `yaml:"max_attempts" validate:"min=1"`
	StateVariables   bool `yaml:"state_variables"`
}

// SearchConfig configures the similarity index used for context expansion.
type SearchConfig struct {
	Backend         string                `yaml:"backend" validate:"oneof=none memory weaviate"`
	Weaviate        search.WeaviateConfig `yaml:"weaviate"`
	EmbeddingModel  string                `yaml:"embedding_model"`
	EmbeddingAPIKey string                `yaml:"embedding_api_key"`
	EmbeddingURL    string                `yaml:"embedding_base_url"`
	Dimensions      int                   `yaml:"dimensions" validate:"gte=0"`
	IndexWorkers    int                   `yaml:"index_workers" validate:"min=1"`

	// CachePath holds the embedding cache. Empty keeps it in memory.
	CachePath string `yaml:"cache_path"`
}

// ReportConfig configures report filtering and upload.
type ReportConfig struct {
	Verdicts        []string `yaml:"verdicts"`
	Threshold       float64  `yaml:"threshold" validate:"gte=0,lte=1"`
	CredentialsFile string   `yaml:"credentials_file"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() *Config {
	openai := func(model string) llm.Config {
		return llm.Config{Provider: llm.ProviderOpenAI, Model: model}
	}
	return &Config{
		DatabaseURL:   "audit.db",
		Output:        "output.json",
		IgnoreFolders: []string{"node_modules", "test", "tests", "lib", "mocks"},
		LLM: LLMConfig{
			Detection:    openai("gpt-4o"),
			BusinessFlow: openai("gpt-4o-mini"),
			Confirmation: openai("gpt-4o"),
			Verdict:      openai("gpt-4o-mini"),
			Redact:       true,
		},
		Scan: ScanConfig{
			Workers:          3,
			FlowWorkers:      3,
			BusinessFlowScan: true,
			FunctionScan:     false,
			RepeatCount:      1,
		},
		Confirm: ConfirmConfig{
			Workers:          10,
			ExpansionWorkers: 4,
			SearchK:          3,
			Depth:            3,
			MaxAttempts:      3,
			StateVariables:   true,
		},
		Search: SearchConfig{
			Backend:      SearchMemory,
			Weaviate:     search.WeaviateConfig{Host: "localhost:8080", Scheme: "http"},
			IndexWorkers: 4,
		},
		Report: ReportConfig{
			Verdicts:  []string{"yes"},
			Threshold: 0.82,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads path (optional) over the defaults, applies the process
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints, including each LLM role.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
