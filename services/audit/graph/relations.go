// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph builds syntactic call relationships and call trees over
// parsed functions.
//
// # Call Detection
//
// A function g is considered called by f when g's bare name occurs in f's
// source as a whole identifier, case-insensitively. No scope or type resolution
// is attempted, so names in comments and strings count as calls and calls
// through a base type are missed. Callers downstream (business flows,
// context expansion) rely on this over-inclusive matching; do not replace
// it with symbol resolution without revisiting them.
//
// # Lifecycle
//
//  1. Analyze(funcs) once per audit run
//  2. BuildCallTrees(funcs, rel, index) once
//  3. Read-only queries from any number of goroutines
package graph

import (
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

// Direction selects callers or callees.
type Direction int

const (
	// Upstream follows callers.
	Upstream Direction = iota

	// Downstream follows callees.
	Downstream
)

// String returns "upstream" or "downstream".
func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Neighbors holds one function's callers and callees by qualified name.
type Neighbors struct {
	Upstream   map[string]struct{}
	Downstream map[string]struct{}
}

func newNeighbors() *Neighbors {
	return &Neighbors{
		Upstream:   make(map[string]struct{}),
		Downstream: make(map[string]struct{}),
	}
}

// Relations is the call relationship over one set of functions.
//
// Thread Safety:
//
//	Immutable once returned by Analyze; safe for concurrent reads.
type Relations struct {
	byName map[string]*Neighbors
}

// Len returns the number of functions with an entry.
func (r *Relations) Len() int {
	return len(r.byName)
}

// Get returns the neighbor sets of a function.
func (r *Relations) Get(name string) (*Neighbors, bool) {
	n, ok := r.byName[name]
	return n, ok
}

// Neighbors returns the sorted qualified names adjacent to name in dir.
func (r *Relations) Neighbors(name string, dir Direction) []string {
	n, ok := r.byName[name]
	if !ok {
		return nil
	}
	set := n.Downstream
	if dir == Upstream {
		set = n.Upstream
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// link records that caller calls callee, updating both sides.
func (r *Relations) link(caller, callee string) {
	r.byName[caller].Downstream[callee] = struct{}{}
	r.byName[callee].Upstream[caller] = struct{}{}
}

// Analyze builds the call relationship among funcs.
//
// Description:
//
//	For every ordered pair (f, g) with f != g, g is recorded as a callee
//	of f when g's bare name occurs in f's content as a whole identifier,
//	case-insensitively. Both sides are updated in the same step, so
//	g ∈ Downstream(f) exactly when f ∈ Upstream(g). Runs in O(n²) regex
//	matches.
//
// Inputs:
//   - funcs: Parsed functions. May be empty.
//
// Outputs:
//   - *Relations: Every function has an entry, possibly with empty sets.
//   - map[string]int: Qualified name to position in funcs. The first
//     occurrence wins for duplicate names.
func Analyze(funcs []*ast.Function) (*Relations, map[string]int) {
	rel := &Relations{byName: make(map[string]*Neighbors, len(funcs))}
	index := make(map[string]int, len(funcs))

	for i, fn := range funcs {
		if _, ok := index[fn.Name]; !ok {
			index[fn.Name] = i
		}
		if _, ok := rel.byName[fn.Name]; !ok {
			rel.byName[fn.Name] = newNeighbors()
		}
	}

	patterns := make([]*regexp.Regexp, len(funcs))
	for i, fn := range funcs {
		patterns[i] = wordPattern(fn.BareName())
	}

	for i, f := range funcs {
		for j, g := range funcs {
			if i == j || f.Name == g.Name {
				continue
			}
			if patterns[j] != nil && patterns[j].MatchString(f.Content) {
				rel.link(f.Name, g.Name)
			}
		}
	}
	return rel, index
}

// Identifier boundaries. FunC names may carry ~ up front and ?, ! or ' at
// the end, and Solidity names may contain $, so \b is not enough.
const (
	identBefore = `(?:^|[^A-Za-z0-9_$~])`
	identAfter  = `(?:$|[^A-Za-z0-9_$?!'])`
)

// wordPattern returns a case-insensitive whole-identifier matcher for
// name, or nil for an empty name. A name led by ~ is its own left
// boundary, as in FunC's ds~load_data().
func wordPattern(name string) *regexp.Regexp {
	if name == "" {
		return nil
	}
	before := identBefore
	if strings.HasPrefix(name, "~") {
		before = ""
	}
	return regexp.MustCompile(`(?i)` + before + regexp.QuoteMeta(name) + identAfter)
}
