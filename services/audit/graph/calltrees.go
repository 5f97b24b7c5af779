// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

// CallTree pairs a function with its upstream and downstream trees.
type CallTree struct {
	Function       *ast.Function
	Upstream       *Tree
	Downstream     *Tree
	StateVariables []string
}

// CallTrees caches one CallTree per function for an audit run.
//
// Thread Safety:
//
//	Immutable once returned by BuildCallTrees; safe for concurrent reads.
type CallTrees struct {
	trees  []CallTree
	byName map[string]int
	byBare map[string][]int
}

// BuildCallTrees builds both trees for every function.
//
// Must complete before any concurrent phase reads from the result.
func BuildCallTrees(funcs []*ast.Function, rel *Relations, index map[string]int) *CallTrees {
	ct := &CallTrees{
		trees:  make([]CallTree, 0, len(funcs)),
		byName: make(map[string]int, len(funcs)),
		byBare: make(map[string][]int),
	}
	stateVars := make(map[string][]string)

	for _, fn := range funcs {
		if _, dup := ct.byName[fn.Name]; dup {
			continue
		}
		vars, ok := stateVars[fn.ContractName]
		if !ok {
			vars = ExtractStateVariables(fn.ContractCode)
			stateVars[fn.ContractName] = vars
		}
		ct.byName[fn.Name] = len(ct.trees)
		ct.byBare[fn.BareName()] = append(ct.byBare[fn.BareName()], len(ct.trees))
		ct.trees = append(ct.trees, CallTree{
			Function:       fn,
			Upstream:       BuildTree(fn.Name, rel, Upstream, index, funcs, nil),
			Downstream:     BuildTree(fn.Name, rel, Downstream, index, funcs, nil),
			StateVariables: vars,
		})
	}
	return ct
}

// Len returns the number of cached trees.
func (c *CallTrees) Len() int {
	return len(c.trees)
}

// Lookup returns the trees of a function by qualified name.
func (c *CallTrees) Lookup(name string) (*CallTree, bool) {
	i, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return &c.trees[i], true
}

// LookupBare returns the trees of every function with the bare name.
func (c *CallTrees) LookupBare(bare string) []*CallTree {
	idx := c.byBare[bare]
	out := make([]*CallTree, len(idx))
	for i, j := range idx {
		out[i] = &c.trees[j]
	}
	return out
}

// RelatedFunctions collects the functions within depth of each named
// function, in both directions.
//
// Description:
//
//	Bare names resolve to every function sharing the name. For each, the
//	upstream tree then the downstream tree are walked to depth (the root
//	is depth 0), keeping resolved nodes only, followed by the function
//	itself. Results are deduplicated by name and content hash, first
//	occurrence wins. Unknown names are ignored.
func (c *CallTrees) RelatedFunctions(bareNames []string, depth int) []*ast.Function {
	seen := make(map[string]bool)
	var out []*ast.Function
	add := func(fn *ast.Function) {
		if fn == nil {
			return
		}
		key := fn.Name + "\x00" + contentHash(fn.Content)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, fn)
	}

	for _, bare := range bareNames {
		for _, tree := range c.LookupBare(bare) {
			for _, t := range []*Tree{tree.Upstream, tree.Downstream} {
				t.Walk(depth, func(n *Node, _ int) { add(n.Function) })
			}
			add(tree.Function)
		}
	}
	return out
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

var (
	stateVarRe = regexp.MustCompile(`(?s)^(?:mapping\s*\(.*\)|[A-Za-z_][\w.]*(?:\s*\[[^\]]*\])*)(?:\s+(?:public|private|internal|constant|immutable|override|transient))*\s+[A-Za-z_$][\w$]*\s*(?:=.*)?$`)
	nonStateRe = regexp.MustCompile(`^(?:using|event|error|function|modifier|return|emit|import|pragma|struct|enum)\b`)
)

// ExtractStateVariables returns the contract-level variable declarations
// of a Solidity-style contract, one trimmed statement each, in source
// order. Declarations inside functions, structs and modifiers are not
// reported. Code without such declarations yields nil.
func ExtractStateVariables(contractCode string) []string {
	code := ast.StripComments(contractCode, ast.LanguageSolidity)

	var out []string
	var stmt strings.Builder
	depth := 0
	for _, r := range code {
		switch r {
		case '{':
			depth++
			stmt.Reset()
			continue
		case '}':
			depth--
			stmt.Reset()
			continue
		case ';':
			if depth == 1 {
				decl := strings.Join(strings.Fields(stmt.String()), " ")
				if stateVarRe.MatchString(decl) && !nonStateRe.MatchString(decl) {
					out = append(out, decl+";")
				}
			}
			stmt.Reset()
			continue
		}
		if depth == 1 {
			stmt.WriteRune(r)
		}
	}
	return out
}
