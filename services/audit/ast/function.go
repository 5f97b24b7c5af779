// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast extracts function records from smart-contract source trees.
//
// Every supported language is reduced to the same flat record, Function,
// which carries the function's own source, its enclosing contract (or
// module, impl block, class) and its location on disk. Downstream
// packages never look at language-specific syntax again except through
// the contract-name language tag.
//
// # Language Tags
//
// Solidity contract names are kept verbatim. Every other language appends
// a tag to the contract name ("Vault_rust", "pool_python"), which is how
// later stages distinguish Solidity from everything else:
//
//	ContractName  = "Vault" + LanguageRust.Tag()  // "Vault_rust"
//	Name          = "Vault_rust.withdraw"
//
// # Thread Safety
//
// Function values are immutable after parsing and safe to share.
// Parsers are stateless and safe for concurrent use.
package ast

import (
	"strings"
)

// Language identifies the source language of a parsed function.
type Language string

const (
	LanguageSolidity Language = "solidity"
	LanguageRust     Language = "rust"
	LanguagePython   Language = "python"
	LanguageMove     Language = "move"
	LanguageCairo    Language = "cairo"
	LanguageTact     Language = "tact"
	LanguageFunC     Language = "func"
	LanguageJava     Language = "java"
	LanguageVyper    Language = "vyper"
)

// taggedLanguages lists every language whose contract names carry a tag.
var taggedLanguages = []Language{
	LanguageRust, LanguagePython, LanguageMove, LanguageCairo,
	LanguageTact, LanguageFunC, LanguageJava, LanguageVyper,
}

// Tag returns the contract-name suffix for the language, or "" for Solidity.
func (l Language) Tag() string {
	if l == LanguageSolidity || l == "" {
		return ""
	}
	return "_" + string(l)
}

// LanguageOf recovers the language from a contract name.
//
// Names without a recognised tag are Solidity.
func LanguageOf(contractName string) Language {
	for _, lang := range taggedLanguages {
		if strings.Contains(contractName, lang.Tag()) {
			return lang
		}
	}
	return LanguageSolidity
}

// IsTagged reports whether the contract name carries a non-Solidity tag.
func IsTagged(contractName string) bool {
	return LanguageOf(contractName) != LanguageSolidity
}

// Visibility is the declared visibility of a function.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityExternal Visibility = "external"
	VisibilityInternal Visibility = "internal"
	VisibilityPrivate  Visibility = "private"
	VisibilityDefault  Visibility = "default"
)

// Function is one parsed function or method.
//
// Name is qualified as "<ContractName>.<function>" and is unique within a
// single parse run. ContractCode holds the whole enclosing contract so that
// prompts and state-variable extraction can see sibling declarations.
type Function struct {
	Name             string     `json:"name"`
	Content          string     `json:"content"`
	ContractName     string     `json:"contract_name"`
	ContractCode     string     `json:"contract_code"`
	StartLine        int        `json:"start_line"`
	EndLine          int        `json:"end_line"`
	RelativeFilePath string     `json:"relative_file_path"`
	AbsoluteFilePath string     `json:"absolute_file_path"`
	Visibility       Visibility `json:"visibility"`
	StateMutability  string     `json:"state_mutability,omitempty"`
	Modifiers        []string   `json:"modifiers,omitempty"`
	Language         Language   `json:"language"`
}

// BareName returns the text after the last "." in the qualified name.
func (f *Function) BareName() string {
	return BareName(f.Name)
}

// IsEntryVisible reports whether the function is callable from outside
// its contract.
func (f *Function) IsEntryVisible() bool {
	return f.Visibility == VisibilityPublic || f.Visibility == VisibilityExternal
}

// BareName strips everything up to and including the last "." of name.
func BareName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// QualifiedName joins a contract and function name.
func QualifiedName(contract, fn string) string {
	return contract + "." + fn
}
