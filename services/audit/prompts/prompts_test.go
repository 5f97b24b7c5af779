// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

func TestDetection_StartsWithCodeAndRole(t *testing.T) {
	p := Detection("function f() {}", ast.LanguageRust)
	assert.True(t, strings.HasPrefix(p, "function f() {}\n"))
	assert.Contains(t, p, RoleLine(ast.LanguageRust))
	assert.Contains(t, p, "only one exploitable")
}

func TestRoleLine_Fallback(t *testing.T) {
	assert.Contains(t, RoleLine(ast.LanguageSolidity), "solidity")
	assert.Contains(t, RoleLine(ast.Language("cobol")), "blockchain")
}

func TestBusinessFlow(t *testing.T) {
	p := BusinessFlow("contract C {}", "deposit")
	assert.Contains(t, p, "contract C {}")
	assert.Contains(t, p, `{"deposit":[function1,function2,function3....]}`)
	assert.Contains(t, p, "must start from deposit")
}

func TestConfirmationAndVerdict(t *testing.T) {
	c := Confirmation("code", "reentrancy in withdraw")
	assert.True(t, strings.HasPrefix(c, "code\nreentrancy in withdraw\n"))
	assert.Contains(t, c, "step by step")

	v := Verdict("the analysis")
	assert.True(t, strings.HasPrefix(v, "the analysis"))
	assert.Contains(t, v, `"result": "not sure"`)
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Price manipulation", ExtractTitle(`{"title": "Price manipulation", "x": 1}`))
	assert.Equal(t, DefaultTitle, ExtractTitle("no title"))
}
