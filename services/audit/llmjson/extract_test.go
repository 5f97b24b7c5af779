// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llmjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjects(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"bare object", `{"result": "yes"}`, 1},
		{"wrapped in prose", "Sure! Here it is:\n```json\n{\"result\": \"no\"}\n```\nHope that helps.", 1},
		{"two objects", `{"a": 1} and {"b": 2}`, 2},
		{"brace in string", `{"code": "if (x) { y }"}`, 1},
		{"malformed", `{"result": yes}`, 0},
		{"unbalanced", `{"result": "yes"`, 0},
		{"empty", ``, 0},
		{"nested valid inside invalid", `{ broken {"result": "not sure"} }`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, Objects(tt.text), tt.want)
		})
	}
}

func TestFirst(t *testing.T) {
	obj, ok := First("verdict: {\"result\": \"yes\", \"reason\": \"x\"}")
	require.True(t, ok)
	s, ok := String(obj, "result")
	assert.True(t, ok)
	assert.Equal(t, "yes", s)

	_, ok = First("no json here")
	assert.False(t, ok)
}

func TestStrings(t *testing.T) {
	obj, ok := First(`{"deposit": ["_credit", 3, "_log"], "single": "x"}`)
	require.True(t, ok)

	assert.Equal(t, []string{"_credit", "_log"}, Strings(obj, "deposit"))
	assert.Equal(t, []string{"x"}, Strings(obj, "single"))
	assert.Nil(t, Strings(obj, "missing"))
}

func TestString_WrongType(t *testing.T) {
	_, ok := String(map[string]any{"result": 1.0}, "result")
	assert.False(t, ok)
}

func TestUnfence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, Unfence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "plain", Unfence("plain"))
	assert.Equal(t, `{"a":2}`, Unfence("Answer below.\n```\n{\"a\":2}\n```\nDone."))
	assert.Equal(t, `{"a":3}`, Unfence("```json\n{\"a\":3}"), "unterminated fence")
	assert.Equal(t, "inline ``` only", Unfence("inline ``` only"))
}
