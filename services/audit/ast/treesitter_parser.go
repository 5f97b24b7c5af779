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
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
)

// grammar describes which tree-sitter nodes are functions and which are
// containers for one language.
type grammar struct {
	language func() *sitter.Language

	// functions maps function node types to true.
	functions map[string]bool

	// containers maps container node types to the field holding their name.
	containers map[string]string

	// visibility derives a Visibility from a function node.
	visibility func(fn *sitter.Node, content []byte, name string) Visibility
}

var grammars = map[Language]grammar{
	LanguagePython: {
		language:   python.GetLanguage,
		functions:  map[string]bool{"function_definition": true},
		containers: map[string]string{"class_definition": "name"},
		visibility: func(_ *sitter.Node, _ []byte, name string) Visibility {
			if strings.HasPrefix(name, "_") && !strings.HasSuffix(name, "__") {
				return VisibilityPrivate
			}
			return VisibilityPublic
		},
	},
	LanguageRust: {
		language:  rust.GetLanguage,
		functions: map[string]bool{"function_item": true},
		containers: map[string]string{
			"impl_item":  "type",
			"mod_item":   "name",
			"trait_item": "name",
		},
		visibility: func(fn *sitter.Node, _ []byte, _ string) Visibility {
			for i := 0; i < int(fn.ChildCount()); i++ {
				if fn.Child(i).Type() == "visibility_modifier" {
					return VisibilityPublic
				}
			}
			return VisibilityPrivate
		},
	},
	LanguageJava: {
		language: java.GetLanguage,
		functions: map[string]bool{
			"method_declaration":      true,
			"constructor_declaration": true,
		},
		containers: map[string]string{
			"class_declaration":     "name",
			"interface_declaration": "name",
			"enum_declaration":      "name",
			"record_declaration":    "name",
		},
		visibility: func(fn *sitter.Node, content []byte, _ string) Visibility {
			for i := 0; i < int(fn.ChildCount()); i++ {
				child := fn.Child(i)
				if child.Type() != "modifiers" {
					continue
				}
				mods := string(content[child.StartByte():child.EndByte()])
				switch {
				case strings.Contains(mods, "public"):
					return VisibilityPublic
				case strings.Contains(mods, "private"):
					return VisibilityPrivate
				case strings.Contains(mods, "protected"):
					return VisibilityInternal
				}
			}
			return VisibilityDefault
		},
	},
}

// TreeSitterParser extracts functions from Python, Rust and Java source
// using tree-sitter grammars.
//
// Description:
//
//	Functions are attributed to their innermost enclosing container
//	(class, impl block, module, trait). Top-level functions are attributed
//	to the file's base name. Container names carry the language tag.
//	Nested functions are not reported separately; they stay inside their
//	parent's content.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Parse call creates its own tree-sitter
//	parser instance.
type TreeSitterParser struct {
	lang        Language
	grammar     grammar
	maxFileSize int64
}

// NewTreeSitterParser creates a parser for lang.
//
// Panics if lang has no registered grammar; only LanguagePython,
// LanguageRust and LanguageJava are supported.
func NewTreeSitterParser(lang Language) *TreeSitterParser {
	g, ok := grammars[lang]
	if !ok {
		panic(fmt.Sprintf("ast: no tree-sitter grammar for %q", lang))
	}
	return &TreeSitterParser{lang: lang, grammar: g, maxFileSize: DefaultMaxFileSize}
}

// Language implements Parser.
func (p *TreeSitterParser) Language() Language { return p.lang }

// Parse implements Parser.
func (p *TreeSitterParser) Parse(ctx context.Context, content []byte, filePath string) ([]*Function, error) {
	if err := checkInput(ctx, content, p.maxFileSize); err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(p.grammar.language())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s parse canceled after tree-sitter: %w", p.lang, err)
	}

	w := &tsWalker{
		parser:  p,
		content: content,
		file:    fileContract(filePath) + p.lang.Tag(),
		names:   make(map[string]int),
	}
	w.walk(tree.RootNode(), w.file, string(content))
	return w.out, nil
}

type tsWalker struct {
	parser  *TreeSitterParser
	content []byte
	file    string
	names   map[string]int
	out     []*Function
}

func (w *tsWalker) walk(node *sitter.Node, contract, contractCode string) {
	if node == nil {
		return
	}
	nodeType := node.Type()

	if field, ok := w.parser.grammar.containers[nodeType]; ok {
		if nameNode := node.ChildByFieldName(field); nameNode != nil {
			contract = w.text(nameNode) + w.parser.lang.Tag()
			contractCode = w.text(node)
		}
	}

	if w.parser.grammar.functions[nodeType] {
		w.emit(node, contract, contractCode)
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i), contract, contractCode)
	}
}

func (w *tsWalker) emit(node *sitter.Node, contract, contractCode string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	if node.ChildByFieldName("body") == nil {
		return
	}
	name := w.text(nameNode)
	qualified := uniqueName(w.names, QualifiedName(contract, name))

	w.out = append(w.out, &Function{
		Name:         qualified,
		Content:      w.text(node),
		ContractName: contract,
		ContractCode: contractCode,
		StartLine:    int(node.StartPoint().Row + 1),
		EndLine:      int(node.EndPoint().Row + 1),
		Visibility:   w.parser.grammar.visibility(node, w.content, name),
		Language:     w.parser.lang,
	})
}

func (w *tsWalker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

// fileContract derives a contract name from a file path ("pool.py" → "pool").
func fileContract(filePath string) string {
	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// uniqueName returns name, or name with a numeric suffix when it was
// already used (overloads, repeated receive handlers).
func uniqueName(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n)
}
