// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

// ContractGroup is the set of checkable functions of one contract.
type ContractGroup struct {
	Name      string
	Language  ast.Language
	Functions []*ast.Function

	// Code is the comment-stripped concatenation of the functions' bodies.
	Code string
}

// GroupByContract groups functions by contract name, in order of each
// contract's first appearance.
func GroupByContract(funcs []*ast.Function) []ContractGroup {
	var groups []ContractGroup
	pos := make(map[string]int)
	for _, f := range funcs {
		i, ok := pos[f.ContractName]
		if !ok {
			i = len(groups)
			pos[f.ContractName] = i
			groups = append(groups, ContractGroup{Name: f.ContractName, Language: ast.LanguageOf(f.ContractName)})
		}
		groups[i].Functions = append(groups[i].Functions, f)
	}

	for i := range groups {
		var b strings.Builder
		for _, f := range groups[i].Functions {
			b.WriteString(ast.StripComments(f.Content, groups[i].Language))
			b.WriteString("\n")
		}
		groups[i].Code = strings.TrimSpace(b.String())
	}
	return groups
}

var entryKeywordRe = regexp.MustCompile(`\b(public|external)\b`)

// EntryPoints returns the bare names of the functions a business flow may
// start from.
//
// Language-tagged contracts use every function. Solidity uses the
// functions whose signature text, everything before the body, mentions
// public or external.
func EntryPoints(g ContractGroup) []string {
	var names []string
	tagged := ast.IsTagged(g.Name)
	for _, f := range g.Functions {
		if tagged || entryKeywordRe.MatchString(signature(f.Content)) {
			names = append(names, f.BareName())
		}
	}
	return names
}

func signature(content string) string {
	if i := strings.Index(content, "{"); i >= 0 {
		return content[:i]
	}
	return content
}

// Context holds a function's calls across contract boundaries.
type Context struct {
	// SubCalls are functions in other contracts whose bare name appears in
	// this function's body.
	SubCalls []*ast.Function

	// ParentCalls are functions in other contracts whose body mentions this
	// function's bare name.
	ParentCalls []*ast.Function
}

// Code concatenates parent calls then sub calls.
func (c Context) Code() string {
	var b strings.Builder
	for _, f := range c.ParentCalls {
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	for _, f := range c.SubCalls {
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// IdentifyContexts finds, for every function, the functions of other
// contracts that call it or that it calls, by plain substring containment.
// The result is keyed by qualified name. It is O(n²).
func IdentifyContexts(funcs []*ast.Function) map[string]Context {
	contexts := make(map[string]Context, len(funcs))
	for _, f := range funcs {
		c := contexts[f.Name]
		bare := f.BareName()
		for _, g := range funcs {
			if f.ContractName == g.ContractName {
				continue
			}
			if strings.Contains(g.Content, bare) {
				c.ParentCalls = appendUnique(c.ParentCalls, g)
			}
			if strings.Contains(f.Content, g.BareName()) {
				c.SubCalls = appendUnique(c.SubCalls, g)
			}
		}
		contexts[f.Name] = c
	}
	return contexts
}

func appendUnique(list []*ast.Function, f *ast.Function) []*ast.Function {
	for _, existing := range list {
		if existing.Name == f.Name && existing.Content == f.Content {
			return list
		}
	}
	return append(list, f)
}
