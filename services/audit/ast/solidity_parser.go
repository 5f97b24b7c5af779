// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"regexp"
	"strings"
)

var (
	solContractRe = regexp.MustCompile(`(?m)^[ \t]*(?:abstract\s+)?(contract|library|interface)\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	solFunctionRe = regexp.MustCompile(`\b(?:function\s+([A-Za-z_$][A-Za-z0-9_$]*)|(constructor|receive|fallback))\s*\(`)
	solIdentRe    = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)
)

// solKeywords are signature words that are never modifier names.
var solKeywords = map[string]bool{
	"public": true, "external": true, "internal": true, "private": true,
	"pure": true, "view": true, "payable": true, "constant": true,
	"virtual": true, "override": true, "returns": true,
}

// SolidityParser extracts functions from Solidity source.
//
// Description:
//
//	A brace-matching scanner, not a grammar: it finds contract, library and
//	interface bodies, then every function, constructor, receive and
//	fallback with a body inside them. Declarations without a body
//	(interface members, abstract functions) are skipped. Visibility,
//	mutability and modifiers are read from the signature text.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SolidityParser struct {
	maxFileSize int64
}

// NewSolidityParser creates a SolidityParser with the default size limit.
func NewSolidityParser() *SolidityParser {
	return &SolidityParser{maxFileSize: DefaultMaxFileSize}
}

// Language implements Parser.
func (p *SolidityParser) Language() Language { return LanguageSolidity }

// Parse implements Parser.
func (p *SolidityParser) Parse(ctx context.Context, content []byte, filePath string) ([]*Function, error) {
	if err := checkInput(ctx, content, p.maxFileSize); err != nil {
		return nil, err
	}

	lines := newLineIndex(content)
	code := cStyle.mask(content)
	var out []*Function

	for _, m := range solContractRe.FindAllSubmatchIndex(code, -1) {
		name := string(code[m[4]:m[5]])
		open := indexAnyFrom(code, m[1], "{;")
		if open < 0 || code[open] != '{' {
			continue
		}
		close := matchBrace(code, open)
		if close < 0 {
			continue
		}
		contractCode := strings.TrimSpace(string(content[m[0] : close+1]))

		for pos := open + 1; pos < close; {
			fm := solFunctionRe.FindSubmatchIndex(code[pos:close])
			if fm == nil {
				break
			}
			start := pos + fm[0]
			var fnName string
			if fm[2] >= 0 {
				fnName = string(code[pos+fm[2] : pos+fm[3]])
			} else {
				fnName = string(code[pos+fm[4] : pos+fm[5]])
			}

			bodyOpen := indexAnyFrom(code, pos+fm[1], "{;")
			if bodyOpen < 0 || bodyOpen >= close {
				break
			}
			if code[bodyOpen] == ';' {
				pos = bodyOpen + 1
				continue
			}
			bodyClose := matchBrace(code, bodyOpen)
			if bodyClose < 0 || bodyClose > close {
				break
			}

			signature := string(code[start:bodyOpen])
			vis, mut, mods := parseSoliditySignature(signature, fnName)
			out = append(out, &Function{
				Name:            QualifiedName(name, fnName),
				Content:         string(content[start : bodyClose+1]),
				ContractName:    name,
				ContractCode:    contractCode,
				StartLine:       lines.line(start),
				EndLine:         lines.line(bodyClose),
				Visibility:      vis,
				StateMutability: mut,
				Modifiers:       mods,
				Language:        LanguageSolidity,
			})
			pos = bodyClose + 1
		}
	}
	return out, nil
}

// parseSoliditySignature reads visibility, mutability and modifier names
// from the text between the function keyword and its opening brace.
func parseSoliditySignature(signature, fnName string) (Visibility, string, []string) {
	vis := VisibilityDefault
	switch fnName {
	case "receive", "fallback":
		vis = VisibilityExternal
	case "constructor":
		vis = VisibilityPublic
	}
	mut := ""

	// Skip the parameter list.
	rest := signature
	if i := strings.Index(rest, "("); i >= 0 {
		if j := matchParen(rest, i); j > 0 {
			rest = rest[j+1:]
		}
	}
	// Drop the returns clause.
	if i := strings.Index(rest, "returns"); i >= 0 {
		rest = rest[:i]
	}

	var mods []string
	for i := 0; i < len(rest); {
		loc := solIdentRe.FindStringIndex(rest[i:])
		if loc == nil {
			break
		}
		word := rest[i+loc[0] : i+loc[1]]
		end := i + loc[1]
		switch word {
		case "public", "external", "internal", "private":
			vis = Visibility(word)
		case "pure", "view", "payable", "constant":
			mut = word
		default:
			if !solKeywords[word] {
				mods = append(mods, word)
			}
		}
		// Skip modifier or override arguments.
		trimmed := strings.TrimLeft(rest[end:], " \t\r\n")
		if strings.HasPrefix(trimmed, "(") {
			open := end + (len(rest[end:]) - len(trimmed))
			if j := matchParen(rest, open); j > 0 {
				end = j + 1
			}
		}
		i = end
	}
	return vis, mut, mods
}

// matchParen returns the index of the ')' closing the '(' at open, or -1.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
