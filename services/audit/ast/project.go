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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// Filter selects which files and functions of a project are audited.
//
// The zero value audits every parseable file and every function that
// passes the contract rules.
type Filter struct {
	// IgnoreFolders are directory base names skipped during the walk.
	// ".git" is always skipped.
	IgnoreFolders []string

	// WhiteFiles, when non-empty, restricts parsing to files whose base
	// name appears in one of the entries.
	WhiteFiles []string

	// WhiteFunctions, when non-empty, restricts the checkable set to these
	// qualified names.
	WhiteFunctions []string
}

// ProjectOption configures ParseProject.
type ProjectOption func(*projectOptions)

type projectOptions struct {
	registry *Registry
	logger   *slog.Logger
}

// WithRegistry replaces DefaultRegistry().
func WithRegistry(r *Registry) ProjectOption {
	return func(o *projectOptions) { o.registry = r }
}

// WithLogger sets the logger used for per-file progress.
func WithLogger(l *slog.Logger) ProjectOption {
	return func(o *projectOptions) { o.logger = l }
}

// ParseProject walks root and parses every supported source file.
//
// Description:
//
//	Returns two slices over the same records: all holds every parsed
//	function and is what relationship analysis runs on; toCheck is the
//	subset that passes the contract and function filters and is what
//	planning turns into tasks. A file that fails to parse is logged and
//	skipped.
//
// Inputs:
//   - ctx: Checked between files.
//   - root: Project directory.
//   - filter: File and function selection.
//
// Outputs:
//   - all: Every parsed function, in walk order.
//   - toCheck: Functions eligible for auditing.
//   - error: ErrInvalidRoot, or a context error.
func ParseProject(ctx context.Context, root string, filter Filter, opts ...ProjectOption) (all, toCheck []*Function, err error) {
	o := projectOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, nil, fmt.Errorf("%s: %w", root, ErrInvalidRoot)
	}

	ignore := map[string]bool{".git": true}
	for _, d := range filter.IgnoreFolders {
		if d = strings.TrimSpace(d); d != "" {
			ignore[d] = true
		}
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			o.logger.Warn("walk error", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && ignore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if skipFile(o.registry, d.Name(), filter) {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			o.logger.Warn("read failed", slog.String("path", path), slog.String("error", readErr.Error()))
			return nil
		}
		funcs, parseErr := o.registry.Parse(ctx, content, path)
		if parseErr != nil {
			if errors.Is(parseErr, context.Canceled) || errors.Is(parseErr, context.DeadlineExceeded) {
				return parseErr
			}
			o.logger.Warn("parse failed", slog.String("path", path), slog.String("error", parseErr.Error()))
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			abs = path
		}
		for _, fn := range funcs {
			fn.RelativeFilePath = filepath.ToSlash(rel)
			fn.AbsoluteFilePath = abs
		}
		o.logger.Debug("parsed file", slog.String("path", rel), slog.Int("functions", len(funcs)))
		all = append(all, funcs...)
		return nil
	})
	if walkErr != nil {
		return nil, nil, fmt.Errorf("walk project: %w", walkErr)
	}

	for _, fn := range all {
		if SkipContract(fn) || skipFunction(fn, filter) {
			continue
		}
		toCheck = append(toCheck, fn)
	}
	return all, toCheck, nil
}

func skipFile(r *Registry, name string, filter Filter) bool {
	if strings.HasSuffix(name, ".t.sol") {
		return true
	}
	if _, ok := r.ForFile(name); !ok {
		return true
	}
	if len(filter.WhiteFiles) > 0 {
		return !slices.ContainsFunc(filter.WhiteFiles, func(w string) bool {
			return strings.Contains(w, name)
		})
	}
	return false
}

func skipFunction(fn *Function, filter Filter) bool {
	if len(filter.WhiteFunctions) == 0 {
		return false
	}
	return !slices.Contains(filter.WhiteFunctions, fn.Name)
}

// SkipContract reports whether a function is excluded from auditing by
// the contract rules.
//
// Language-tagged functions are never excluded. For Solidity, functions
// of interface contracts (I followed by an upper-case letter), functions
// whose name contains "test", and constructors, initializers, receive and
// fallback handlers are excluded.
func SkipContract(fn *Function) bool {
	if IsTagged(fn.ContractName) {
		return false
	}
	if isInterfaceName(fn.ContractName) {
		return true
	}
	if strings.Contains(strings.ToLower(fn.Name), "test") {
		return true
	}
	switch fn.BareName() {
	case "constructor", "receive", "fallback":
		return true
	}
	content := strings.ToLower(fn.Content)
	for _, marker := range []string{"function init", "constructor(", "receive()", "fallback()"} {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

func isInterfaceName(name string) bool {
	r := []rune(name)
	return len(r) > 1 && r[0] == 'I' && unicode.IsUpper(r[1])
}
