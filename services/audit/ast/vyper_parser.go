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
	vyDefRe       = regexp.MustCompile(`^(\s*)def\s+([A-Za-z_]\w*)\s*\(`)
	vyDecoratorRe = regexp.MustCompile(`^\s*@(\w+)`)
)

// VyperParser extracts functions from Vyper source by indentation.
//
// A Vyper file is one contract, named after the file. A function spans its
// decorators, the def line and every following line indented deeper than
// the def (blank and comment lines included).
type VyperParser struct {
	maxFileSize int64
}

// NewVyperParser creates a VyperParser with the default size limit.
func NewVyperParser() *VyperParser {
	return &VyperParser{maxFileSize: DefaultMaxFileSize}
}

// Language implements Parser.
func (p *VyperParser) Language() Language { return LanguageVyper }

// Parse implements Parser.
func (p *VyperParser) Parse(ctx context.Context, content []byte, filePath string) ([]*Function, error) {
	if err := checkInput(ctx, content, p.maxFileSize); err != nil {
		return nil, err
	}

	src := string(content)
	lines := strings.Split(src, "\n")
	contract := fileContract(filePath) + LanguageVyper.Tag()
	seen := make(map[string]int)

	var out []*Function
	for i := 0; i < len(lines); i++ {
		m := vyDefRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		indent := len(m[1])
		name := m[2]

		// Decorators directly above the def belong to the function.
		first := i
		var decorators []string
		for first > 0 {
			dm := vyDecoratorRe.FindStringSubmatch(lines[first-1])
			if dm == nil {
				break
			}
			decorators = append([]string{dm[1]}, decorators...)
			first--
		}

		last := i
		for j := i + 1; j < len(lines); j++ {
			trimmed := strings.TrimSpace(lines[j])
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if leadingSpace(lines[j]) <= indent {
				break
			}
			last = j
		}

		vis, mut := vyperAttributes(decorators)
		out = append(out, &Function{
			Name:            uniqueName(seen, QualifiedName(contract, name)),
			Content:         strings.Join(lines[first:last+1], "\n"),
			ContractName:    contract,
			ContractCode:    src,
			StartLine:       first + 1,
			EndLine:         last + 1,
			Visibility:      vis,
			StateMutability: mut,
			Modifiers:       decorators,
			Language:        LanguageVyper,
		})
		i = last
	}
	return out, nil
}

func vyperAttributes(decorators []string) (Visibility, string) {
	vis, mut := VisibilityInternal, ""
	for _, d := range decorators {
		switch d {
		case "external":
			vis = VisibilityExternal
		case "internal":
			vis = VisibilityInternal
		case "view", "pure", "payable", "nonpayable":
			mut = d
		}
	}
	return vis, mut
}

func leadingSpace(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}
