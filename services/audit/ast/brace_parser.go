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
	"fmt"
	"regexp"
	"strings"
)

// braceDialect is the per-language table driving BraceParser.
type braceDialect struct {
	style commentStyle

	// container matches a named block opener ending in '{'; group 1 is
	// the name. Nil when the language has no containers.
	container *regexp.Regexp

	// function matches a function header up to its parameter list. The
	// name is taken from the first non-empty named group "name" or
	// "special".
	function *regexp.Regexp

	visibility func(signature, name string) Visibility
}

var braceDialects = map[Language]braceDialect{
	LanguageMove: {
		style:     cStyle,
		container: regexp.MustCompile(`\bmodule\s+(?:[\w]+::)?(\w+)\s*\{`),
		function:  regexp.MustCompile(`(?m)^[ \t]*(?:(?:public(?:\s*\(\s*\w+\s*\))?|entry|native|inline)\s+)*fun\s+(?P<name>[A-Za-z_]\w*)\s*(?:<[^>]*>)?\s*\(`),
		visibility: func(sig, _ string) Visibility {
			if strings.Contains(sig, "entry") || strings.Contains(sig, "public") {
				return VisibilityPublic
			}
			return VisibilityPrivate
		},
	},
	LanguageCairo: {
		style:     cStyle,
		container: regexp.MustCompile(`\b(?:mod|impl|trait)\s+(\w+)[^{;]*\{`),
		function:  regexp.MustCompile(`(?m)^[ \t]*(?:pub(?:\s*\(\s*\w+\s*\))?\s+)?fn\s+(?P<name>[A-Za-z_]\w*)\s*(?:<[^>]*>)?\s*\(`),
		visibility: func(sig, _ string) Visibility {
			if strings.HasPrefix(strings.TrimSpace(sig), "pub") {
				return VisibilityPublic
			}
			return VisibilityPrivate
		},
	},
	LanguageTact: {
		style:     cStyle,
		container: regexp.MustCompile(`\b(?:contract|trait)\s+(\w+)[^{;]*\{`),
		function:  regexp.MustCompile(`(?m)^[ \t]*(?:(?:get|override|virtual|abstract|inline|extends|mutates)\s+)*(?:fun\s+(?P<name>[A-Za-z_]\w*)|(?P<special>receive|external|bounced|init))\s*\(`),
		visibility: func(sig, name string) Visibility {
			switch {
			case name == "receive" || name == "external" || name == "bounced":
				return VisibilityExternal
			case name == "init" || strings.Contains(sig, "get "):
				return VisibilityPublic
			}
			return VisibilityInternal
		},
	},
	LanguageFunC: {
		style:    funcStyle,
		function: regexp.MustCompile(`(?m)^[ \t]*(?:forall\s*<[^>]*>\s*->\s*)?(?:\([^()]*\)|[A-Za-z_][\w]*)\s+(?P<name>[A-Za-z_~$][\w?!'$]*)\s*\(`),
		visibility: func(sig, name string) Visibility {
			switch {
			case name == "recv_internal" || name == "recv_external" || name == "run_ticktock":
				return VisibilityExternal
			case strings.Contains(sig, "method_id"):
				return VisibilityPublic
			}
			return VisibilityInternal
		},
	},
}

// BraceParser extracts functions from brace-delimited languages without a
// bundled grammar: Move, Cairo, Tact and FunC.
//
// Description:
//
//	Comments and string literals are masked out first, then the dialect's
//	function pattern is matched sequentially. Each match is extended to
//	its balanced body; matches inside a body already consumed are never
//	considered, which keeps call expressions from being mistaken for
//	declarations. Functions are attributed to the innermost container
//	(module, impl, contract, trait) or, failing that, the file name.
//
// Thread Safety:
//
//	Safe for concurrent use.
type BraceParser struct {
	lang        Language
	dialect     braceDialect
	maxFileSize int64
}

// NewBraceParser creates a parser for lang.
//
// Panics if lang is not one of Move, Cairo, Tact or FunC.
func NewBraceParser(lang Language) *BraceParser {
	d, ok := braceDialects[lang]
	if !ok {
		panic(fmt.Sprintf("ast: no brace dialect for %q", lang))
	}
	return &BraceParser{lang: lang, dialect: d, maxFileSize: DefaultMaxFileSize}
}

// Language implements Parser.
func (p *BraceParser) Language() Language { return p.lang }

type span struct {
	name       string
	start, end int
}

// Parse implements Parser.
func (p *BraceParser) Parse(ctx context.Context, content []byte, filePath string) ([]*Function, error) {
	if err := checkInput(ctx, content, p.maxFileSize); err != nil {
		return nil, err
	}

	code := p.dialect.style.mask(content)
	lines := newLineIndex(content)
	containers := p.containers(code)
	fileName := fileContract(filePath) + p.lang.Tag()
	seen := make(map[string]int)
	nameIdx := p.dialect.function.SubexpIndex("name")
	specialIdx := p.dialect.function.SubexpIndex("special")

	var out []*Function
	for pos := 0; pos < len(code); {
		m := p.dialect.function.FindSubmatchIndex(code[pos:])
		if m == nil {
			break
		}
		start := pos + m[0]
		name := ""
		if nameIdx >= 0 && m[2*nameIdx] >= 0 {
			name = string(code[pos+m[2*nameIdx] : pos+m[2*nameIdx+1]])
		} else if specialIdx >= 0 && m[2*specialIdx] >= 0 {
			name = string(code[pos+m[2*specialIdx] : pos+m[2*specialIdx+1]])
		}

		bodyOpen := indexAnyFrom(code, pos+m[1], "{;")
		if bodyOpen < 0 {
			break
		}
		if code[bodyOpen] == ';' || name == "" {
			pos = bodyOpen + 1
			continue
		}
		bodyClose := matchBrace(code, bodyOpen)
		if bodyClose < 0 {
			break
		}

		contract, contractCode := fileName, string(content)
		if c, ok := innermost(containers, start); ok {
			contract = c.name + p.lang.Tag()
			contractCode = string(content[c.start : c.end+1])
		}

		signature := strings.TrimSpace(string(code[start:bodyOpen]))
		out = append(out, &Function{
			Name:         uniqueName(seen, QualifiedName(contract, name)),
			Content:      string(content[start : bodyClose+1]),
			ContractName: contract,
			ContractCode: contractCode,
			StartLine:    lines.line(start),
			EndLine:      lines.line(bodyClose),
			Visibility:   p.dialect.visibility(signature, name),
			Language:     p.lang,
		})
		pos = bodyClose + 1
	}
	return out, nil
}

// containers returns every container span in masked code.
func (p *BraceParser) containers(code []byte) []span {
	if p.dialect.container == nil {
		return nil
	}
	var spans []span
	for _, m := range p.dialect.container.FindAllSubmatchIndex(code, -1) {
		open := m[1] - 1
		close := matchBrace(code, open)
		if close < 0 {
			continue
		}
		spans = append(spans, span{name: string(code[m[2]:m[3]]), start: m[0], end: close})
	}
	return spans
}

// innermost returns the smallest span containing offset.
func innermost(spans []span, offset int) (span, bool) {
	best, found := span{}, false
	for _, s := range spans {
		if offset < s.start || offset > s.end {
			continue
		}
		if !found || s.end-s.start < best.end-best.start {
			best, found = s, true
		}
	}
	return best, found
}
