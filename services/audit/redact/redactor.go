// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact removes credentials from source code before it is sent
// to a remote model.
//
// Contract repositories often carry deployment scripts and configs with
// signing keys, seed phrases and provider tokens. The built-in rules are
// compiled into the binary from patterns.yaml.
package redact

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/llm"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var builtinPatterns []byte

// Redactor scans and rewrites text against compiled rules.
//
// Thread Safety: Safe for concurrent use after construction.
type Redactor struct {
	classifications []Classification
}

// New returns a Redactor over the built-in rules.
func New() (*Redactor, error) {
	return NewFromYAML(builtinPatterns)
}

// NewFromYAML parses, compiles and priority-sorts a pattern file.
func NewFromYAML(data []byte) (*Redactor, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the pattern file: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	file.sortByPriority()
	return &Redactor{classifications: file.Classifications}, nil
}

// Classify returns the name of the highest priority classification that
// matches text, or "public".
func (r *Redactor) Classify(text string) string {
	for _, c := range r.classifications {
		for _, p := range c.Patterns {
			if p.compiled.MatchString(text) {
				return c.Name
			}
		}
	}
	return "public"
}

// Scan reports every match with its 1-based line.
//
// Description:
//
//	Patterns run over the whole text, so multi-line secrets such as PEM
//	blocks are found. A match is reported at the line it starts on.
//	Matched text is never included in findings.
func (r *Redactor) Scan(text string) []Finding {
	var findings []Finding
	for _, c := range r.classifications {
		for _, p := range c.Patterns {
			for _, loc := range p.compiled.FindAllStringIndex(text, -1) {
				findings = append(findings, Finding{
					Line:           strings.Count(text[:loc[0]], "\n") + 1,
					Classification: c.Name,
					PatternID:      p.ID,
					Confidence:     p.Confidence,
				})
			}
		}
	}
	return findings
}

// Redact replaces every match with "[REDACTED:<pattern id>]" and returns
// the rewritten text and the number of replacements.
func (r *Redactor) Redact(text string) (string, int) {
	total := 0
	for _, c := range r.classifications {
		for _, p := range c.Patterns {
			n := len(p.compiled.FindAllStringIndex(text, -1))
			if n == 0 {
				continue
			}
			total += n
			text = p.compiled.ReplaceAllLiteralString(text, "[REDACTED:"+p.ID+"]")
		}
	}
	return text, total
}

// =============================================================================
// LLM client wrapper
// =============================================================================

// Client redacts prompts before delegating to the wrapped llm.Client.
type Client struct {
	next     llm.Client
	redactor *Redactor
	logger   *slog.Logger
}

// Wrap returns next with prompt redaction. A nil logger uses slog.Default.
func Wrap(next llm.Client, r *Redactor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{next: next, redactor: r, logger: logger}
}

// Name implements llm.Client.
func (c *Client) Name() string {
	return c.next.Name()
}

// Ask implements llm.Client.
func (c *Client) Ask(ctx context.Context, prompt string) (llm.Completion, error) {
	return c.next.Ask(ctx, c.scrub(prompt))
}

// AskForJSON implements llm.Client.
func (c *Client) AskForJSON(ctx context.Context, prompt string) (llm.Completion, error) {
	return c.next.AskForJSON(ctx, c.scrub(prompt))
}

func (c *Client) scrub(prompt string) string {
	out, n := c.redactor.Redact(prompt)
	if n > 0 {
		c.logger.Warn("Redacted secrets from prompt",
			slog.String("client", c.next.Name()),
			slog.Int("matches", n))
	}
	return out
}
