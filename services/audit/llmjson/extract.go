// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llmjson extracts JSON objects from free-form model output.
//
// Models asked for JSON still wrap it in prose, markdown fences or
// trailing commentary. The functions here never fail: text with no
// decodable object yields nothing, and callers treat that as an
// unparseable answer.
package llmjson

import (
	"encoding/json"
	"strings"
)

// Objects returns every top-level JSON object found in text, in order.
//
// Candidates are balanced {...} spans (braces inside JSON strings are
// respected). Spans that do not decode are skipped, and scanning resumes
// just after their opening brace so nested valid objects are still found.
func Objects(text string) []map[string]any {
	var out []map[string]any
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := balancedEnd(text, i)
		if end < 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(text[i:end+1]), &obj); err == nil {
			out = append(out, obj)
			i = end
		}
	}
	return out
}

// First returns the first JSON object in text.
func First(text string) (map[string]any, bool) {
	objs := Objects(text)
	if len(objs) == 0 {
		return nil, false
	}
	return objs[0], true
}

// String returns obj[key] when it is a string.
func String(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings flattens obj[key] into strings. Arrays contribute their string
// elements; a bare string contributes itself.
func Strings(obj map[string]any, key string) []string {
	switch v := obj[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// balancedEnd returns the index of the '}' matching the '{' at start,
// or -1.
func balancedEnd(text string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Unfence returns the body of the first markdown code fence in text, or
// text unchanged when it has no fence. An unterminated fence runs to the
// end of text.
func Unfence(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return text
	}
	body = body[nl+1:]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
