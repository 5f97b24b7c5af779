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
	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

// Node is one call-tree node stored in a Tree's arena.
type Node struct {
	// Name is the qualified function name.
	Name string

	// Index is the position in the function list, or -1 when the name
	// could not be resolved.
	Index int

	// Function is the resolved record, or nil.
	Function *ast.Function

	// Children are arena indices into Tree.Nodes.
	Children []int
}

// Tree is a call tree rooted at Nodes[0].
//
// Nodes reference children by index rather than pointer, so a tree is a
// flat slice with no cycles to manage.
type Tree struct {
	Direction Direction
	Nodes     []Node
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return &t.Nodes[0]
}

// Walk visits nodes depth-first, root at depth 0, down to maxDepth
// inclusive. A negative maxDepth visits the whole tree.
func (t *Tree) Walk(maxDepth int, visit func(n *Node, depth int)) {
	if t == nil || len(t.Nodes) == 0 {
		return
	}
	var walk func(idx, depth int)
	walk = func(idx, depth int) {
		n := &t.Nodes[idx]
		visit(n, depth)
		if maxDepth >= 0 && depth >= maxDepth {
			return
		}
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(0, 0)
}

// Depth returns the number of levels below the root.
func (t *Tree) Depth() int {
	deepest := 0
	t.Walk(-1, func(_ *Node, d int) {
		if d > deepest {
			deepest = d
		}
	})
	return deepest
}

// BuildTree materializes the call tree of root in one direction.
//
// Description:
//
//	Returns nil when root is already in visited. Otherwise every neighbor
//	of root is expanded with its own copy of visited ∪ {root}, so sibling
//	subtrees never prune each other: a function revisited on a different
//	branch is expanded again. A name repeated on one root-to-leaf path
//	ends that branch, which breaks cycles at their first repeat.
//
//	Because of the per-branch copies, dense graphs can produce trees
//	exponential in the number of functions. That cost is accepted; it is
//	bounded by project size and avoids under-exploring shared callees.
//
// Inputs:
//   - root: Qualified name to start from.
//   - rel: Relationship built by Analyze.
//   - dir: Upstream (callers) or Downstream (callees).
//   - index: Qualified name to position in funcs.
//   - funcs: Function list used to resolve Node.Function.
//   - visited: Names already on the path. May be nil. Not modified.
func BuildTree(root string, rel *Relations, dir Direction, index map[string]int, funcs []*ast.Function, visited map[string]bool) *Tree {
	if visited[root] {
		return nil
	}
	t := &Tree{Direction: dir}
	t.expand(root, rel, index, funcs, visited)
	return t
}

// expand appends name and its subtree to the arena and returns its index.
func (t *Tree) expand(name string, rel *Relations, index map[string]int, funcs []*ast.Function, visited map[string]bool) int {
	node := Node{Name: name, Index: -1}
	if i, ok := index[name]; ok && i < len(funcs) {
		node.Index = i
		node.Function = funcs[i]
	}
	self := len(t.Nodes)
	t.Nodes = append(t.Nodes, node)

	for _, next := range rel.Neighbors(name, t.Direction) {
		branch := make(map[string]bool, len(visited)+1)
		for k := range visited {
			branch[k] = true
		}
		branch[name] = true
		if branch[next] {
			continue
		}
		child := t.expand(next, rel, index, funcs, branch)
		t.Nodes[self].Children = append(t.Nodes[self].Children, child)
	}
	return self
}
