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
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultMaxFileSize is the largest source file a parser accepts (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// Parser extracts functions from one source file.
//
// Description:
//
//	Implementations fill every Function field except RelativeFilePath and
//	AbsoluteFilePath, which the project walker sets. Parsers are
//	error-tolerant: syntactically broken code yields whatever functions
//	could be recovered rather than an error.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Parser interface {
	// Parse returns the functions declared in content.
	Parse(ctx context.Context, content []byte, filePath string) ([]*Function, error)

	// Language returns the language the parser handles.
	Language() Language
}

// Registry maps file extensions to parsers.
type Registry struct {
	byExt map[string]Parser
}

// NewRegistry returns a registry with no parsers.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Parser)}
}

// DefaultRegistry returns a registry with every built-in parser registered.
//
// Extensions:
//
//	.sol            Solidity
//	.rs             Rust (tree-sitter)
//	.py             Python (tree-sitter)
//	.java           Java (tree-sitter)
//	.move           Move
//	.cairo          Cairo
//	.tact           Tact
//	.fc .func       FunC
//	.vy             Vyper
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewSolidityParser(), ".sol")
	r.Register(NewTreeSitterParser(LanguageRust), ".rs")
	r.Register(NewTreeSitterParser(LanguagePython), ".py")
	r.Register(NewTreeSitterParser(LanguageJava), ".java")
	r.Register(NewBraceParser(LanguageMove), ".move")
	r.Register(NewBraceParser(LanguageCairo), ".cairo")
	r.Register(NewBraceParser(LanguageTact), ".tact")
	r.Register(NewBraceParser(LanguageFunC), ".fc", ".func")
	r.Register(NewVyperParser(), ".vy")
	return r
}

// Register binds the parser to one or more extensions (with leading dot).
func (r *Registry) Register(p Parser, exts ...string) {
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// ForFile returns the parser for the file's extension.
func (r *Registry) ForFile(path string) (Parser, bool) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Parse dispatches to the parser registered for filePath.
func (r *Registry) Parse(ctx context.Context, content []byte, filePath string) ([]*Function, error) {
	p, ok := r.ForFile(filePath)
	if !ok {
		return nil, fmt.Errorf("%s: %w", filePath, ErrUnsupportedLanguage)
	}
	return p.Parse(ctx, content, filePath)
}

// checkInput applies the shared preconditions every parser enforces.
func checkInput(ctx context.Context, content []byte, maxSize int64) error {
	if ctx == nil {
		return fmt.Errorf("parse: nil context")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("parse canceled: %w", err)
	}
	if int64(len(content)) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, len(content), maxSize)
	}
	if !utf8.Valid(content) {
		return ErrInvalidContent
	}
	return nil
}

// =============================================================================
// Source scanning helpers
// =============================================================================

// lineIndex converts byte offsets into 1-indexed line numbers.
type lineIndex []int

func newLineIndex(src []byte) lineIndex {
	idx := lineIndex{0}
	for i, b := range src {
		if b == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

// line returns the 1-indexed line containing offset.
func (l lineIndex) line(offset int) int {
	return sort.Search(len(l), func(i int) bool { return l[i] > offset })
}

// commentStyle describes a language's comment syntax.
type commentStyle struct {
	line       []string // line comment openers
	blockOpen  string
	blockClose string
	quotes     string // string literal delimiters
}

var (
	cStyle    = commentStyle{line: []string{"//"}, blockOpen: "/*", blockClose: "*/", quotes: `"'`}
	funcStyle = commentStyle{line: []string{";;"}, blockOpen: "{-", blockClose: "-}", quotes: `"`}
)

// trivia calls fn for every comment and string literal in src, in order.
func (cs commentStyle) trivia(src []byte, fn func(start, end int, comment bool)) {
	for i := 0; i < len(src); {
		end := i
		comment := true
		switch {
		case cs.lineCommentAt(src, i):
			for end < len(src) && src[end] != '\n' {
				end++
			}
		case cs.blockOpen != "" && hasPrefixAt(src, i, cs.blockOpen):
			close := indexFrom(src, i+len(cs.blockOpen), cs.blockClose)
			if close < 0 {
				end = len(src)
			} else {
				end = close + len(cs.blockClose)
			}
		case strings.IndexByte(cs.quotes, src[i]) >= 0:
			comment = false
			quote := src[i]
			end = i + 1
			for end < len(src) && src[end] != quote && src[end] != '\n' {
				if src[end] == '\\' {
					end++
				}
				end++
			}
			end++
		default:
			i++
			continue
		}
		if end > len(src) {
			end = len(src)
		}
		fn(i, end, comment)
		i = end
	}
}

// mask returns a copy of src with every comment and string literal byte
// replaced by a space. Newlines survive, so offsets and line numbers in
// the masked copy match the original.
func (cs commentStyle) mask(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)
	cs.trivia(src, func(start, end int, _ bool) {
		for k := start; k < end; k++ {
			if out[k] != '\n' {
				out[k] = ' '
			}
		}
	})
	return out
}

// strip returns src without its comments. String literals are kept.
func (cs commentStyle) strip(src []byte) []byte {
	out := make([]byte, 0, len(src))
	last := 0
	cs.trivia(src, func(start, end int, comment bool) {
		if comment {
			out = append(out, src[last:start]...)
			last = end
		}
	})
	return append(out, src[last:]...)
}

var hashStyle = commentStyle{line: []string{"#"}, quotes: `"'`}

// StripComments removes comments from code written in lang.
func StripComments(code string, lang Language) string {
	cs := cStyle
	switch lang {
	case LanguageFunC:
		cs = funcStyle
	case LanguagePython, LanguageVyper:
		cs = hashStyle
	}
	return string(cs.strip([]byte(code)))
}

func (cs commentStyle) lineCommentAt(src []byte, i int) bool {
	for _, lc := range cs.line {
		if hasPrefixAt(src, i, lc) {
			return true
		}
	}
	return false
}

// matchBrace returns the offset of the '}' closing the '{' at open in
// masked source, or -1.
func matchBrace(code []byte, open int) int {
	depth := 0
	for i := open; i < len(code); i++ {
		switch code[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// indexAnyFrom returns the offset of the first byte in set at or after i,
// or -1.
func indexAnyFrom(code []byte, i int, set string) int {
	if i >= len(code) {
		return -1
	}
	j := strings.IndexAny(string(code[i:]), set)
	if j < 0 {
		return -1
	}
	return i + j
}

func hasPrefixAt(src []byte, i int, prefix string) bool {
	return len(src)-i >= len(prefix) && string(src[i:i+len(prefix)]) == prefix
}

func indexFrom(src []byte, from int, sub string) int {
	if from >= len(src) {
		return -1
	}
	j := strings.Index(string(src[from:]), sub)
	if j < 0 {
		return -1
	}
	return from + j
}
