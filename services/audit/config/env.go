// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg from environment variables.
//
// Recognised variables:
//
//	OPENAI_API_KEY, OPENAI_API_BASE      openai roles and embeddings
//	AZURE_OR_OPENAI=AZURE                switch openai roles to Azure
//	AZURE_API_KEY, AZURE_API_BASE,
//	AZURE_API_VERSION, AZURE_DEPLOYMENT_NAME
//	ANTHROPIC_API_KEY or CLAUDE_API_KEY, CLAUDE_MODEL
//	VUL_MODEL_ID                         detection model
//	BUSINESS_FLOW_MODEL_ID               business-flow model
//	DATABASE_URL
//	SWITCH_BUSINESS_CODE, SWITCH_FUNCTION_CODE  task families (bool)
//	BUSINESS_FLOW_COUNT                  repeat count
//	IGNORE_FOLDERS                       comma-separated
//	WEAVIATE_URL                         selects the Weaviate backend
//	PRE_TRAIN_MODEL                      embedding model
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("AZURE_OR_OPENAI"); ok && strings.EqualFold(v, "azure") {
		cfg.eachLLM(func(c *llm.Config) {
			if c.Provider == llm.ProviderOpenAI {
				c.Provider = llm.ProviderAzure
			}
		})
	}
	if v, ok := get("VUL_MODEL_ID"); ok {
		cfg.LLM.Detection.Model = v
	}
	if v, ok := get("BUSINESS_FLOW_MODEL_ID"); ok {
		cfg.LLM.BusinessFlow.Model = v
	}

	openAIKey, hasOpenAIKey := get("OPENAI_API_KEY")
	openAIBase, hasOpenAIBase := get("OPENAI_API_BASE")
	azureKey, hasAzureKey := get("AZURE_API_KEY")
	azureBase, hasAzureBase := get("AZURE_API_BASE")
	azureVersion, hasAzureVersion := get("AZURE_API_VERSION")
	azureDeployment, hasAzureDeployment := get("AZURE_DEPLOYMENT_NAME")
	claudeKey, hasClaudeKey := get("ANTHROPIC_API_KEY")
	if !hasClaudeKey {
		claudeKey, hasClaudeKey = get("CLAUDE_API_KEY")
	}
	claudeModel, hasClaudeModel := get("CLAUDE_MODEL")

	cfg.eachLLM(func(c *llm.Config) {
		switch c.Provider {
		case llm.ProviderOpenAI:
			if hasOpenAIKey {
				c.APIKey = openAIKey
			}
			if hasOpenAIBase {
				c.BaseURL = openAIBase
			}
		case llm.ProviderAzure:
			if hasAzureKey {
				c.APIKey = azureKey
			}
			if hasAzureBase {
				c.BaseURL = azureBase
			}
			if hasAzureVersion {
				c.APIVersion = azureVersion
			}
			if hasAzureDeployment {
				c.Deployment = azureDeployment
			}
		case llm.ProviderAnthropic:
			if hasClaudeKey {
				c.APIKey = claudeKey
			}
			if hasClaudeModel {
				c.Model = claudeModel
			}
		}
	})
	if hasOpenAIKey && cfg.Search.EmbeddingAPIKey == "" {
		cfg.Search.EmbeddingAPIKey = openAIKey
	}
	if hasOpenAIBase && cfg.Search.EmbeddingURL == "" {
		cfg.Search.EmbeddingURL = openAIBase
	}

	if v, ok := get("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := get("SWITCH_BUSINESS_CODE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SWITCH_BUSINESS_CODE: %w", err)
		}
		cfg.Scan.BusinessFlowScan = b
	}
	if v, ok := get("SWITCH_FUNCTION_CODE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SWITCH_FUNCTION_CODE: %w", err)
		}
		cfg.Scan.FunctionScan = b
	}
	if v, ok := get("BUSINESS_FLOW_COUNT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BUSINESS_FLOW_COUNT: %w", err)
		}
		cfg.Scan.RepeatCount = n
	}
	if v, ok := get("IGNORE_FOLDERS"); ok {
		cfg.IgnoreFolders = splitList(v)
	}
	if v, ok := get("WEAVIATE_URL"); ok {
		u, err := url.Parse(v)
		if err != nil || u.Host == "" {
			return fmt.Errorf("WEAVIATE_URL: invalid URL %q", v)
		}
		cfg.Search.Backend = SearchWeaviate
		cfg.Search.Weaviate.Host = u.Host
		cfg.Search.Weaviate.Scheme = u.Scheme
	}
	if v, ok := get("PRE_TRAIN_MODEL"); ok {
		cfg.Search.EmbeddingModel = v
	}
	return nil
}

func (c *Config) eachLLM(fn func(*llm.Config)) {
	fn(&c.LLM.Detection)
	fn(&c.LLM.BusinessFlow)
	fn(&c.LLM.Confirmation)
	fn(&c.LLM.Verdict)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
