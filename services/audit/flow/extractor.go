// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flow derives business flows: for each public or external entry
// function of a contract, the code of the intra-contract call chain a model
// enumerates from it, plus the cross-contract code around that chain.
package flow

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
	"github.com/AleutianAI/AleutianAudit/services/audit/llmjson"
	"github.com/AleutianAI/AleutianAudit/services/audit/prompts"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// Asker is the model call the extractor needs.
type Asker interface {
	AskForJSON(ctx context.Context, prompt string) (llm.Completion, error)
}

// Entry is the business flow rooted at one entry function.
type Entry struct {
	// Functions are the bare names in the chain, entry first, deduplicated
	// in the order the model listed them.
	Functions []string

	// Code concatenates the resolved functions' bodies in chain order.
	Code string

	// Lines are the resolved functions' line spans in chain order.
	Lines []store.LineRange

	// Context concatenates cross-contract parent and sub calls of every
	// function in the chain.
	Context string
}

// Flows maps contract name to entry bare name to its flow.
type Flows map[string]map[string]Entry

// Lookup returns the flow of entry in contract.
func (f Flows) Lookup(contract, entry string) (Entry, bool) {
	e, ok := f[contract][entry]
	return e, ok
}

// Len counts entries across contracts.
func (f Flows) Len() int {
	n := 0
	for _, entries := range f {
		n += len(entries)
	}
	return n
}

// Extractor builds Flows with one model call per entry function.
//
// # Thread Safety
//
// Extract may be called concurrently; each call has its own state.
type Extractor struct {
	asker    Asker
	scanList map[string]bool
	workers  int
	logger   *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithScanList restricts extraction to the named contracts. Empty means
// every contract.
func WithScanList(contracts []string) Option {
	return func(e *Extractor) {
		if len(contracts) == 0 {
			return
		}
		e.scanList = make(map[string]bool, len(contracts))
		for _, c := range contracts {
			e.scanList[c] = true
		}
	}
}

// WithWorkers sets how many model calls run at once. Default 1.
func WithWorkers(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExtractor creates an Extractor that asks asker for call chains.
func NewExtractor(asker Asker, opts ...Option) *Extractor {
	e := &Extractor{asker: asker, workers: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type job struct {
	group *ContractGroup
	entry string
	chain []string
}

// Extract derives the business flows of funcs.
//
// Description:
//
//	Functions are grouped by contract and each group's entry points are
//	sent, one per call, with the group's comment-stripped code. A reply
//	that is empty, fails, or has no JSON object drops that entry. Names
//	the model lists that do not resolve to a function of the contract are
//	dropped silently. A Python contract with a single function gets its
//	trivial flow without a model call.
//
// Inputs:
//   - ctx: Cancels outstanding model calls.
//   - funcs: The checkable functions.
//
// Outputs:
//   - Flows: Every contract seen has a map, possibly empty.
//   - llm.Usage: Tokens spent on the calls.
func (e *Extractor) Extract(ctx context.Context, funcs []*ast.Function) (Flows, llm.Usage) {
	groups := GroupByContract(funcs)
	contexts := IdentifyContexts(funcs)
	flows := make(Flows, len(groups))

	var jobs []*job
	for i := range groups {
		g := &groups[i]
		flows[g.Name] = map[string]Entry{}
		if e.scanList != nil && !e.scanList[g.Name] {
			continue
		}
		entries := EntryPoints(*g)
		e.logger.Debug("Contract entry points", slog.String("contract", g.Name), slog.Int("count", len(entries)))
		for _, name := range entries {
			j := &job{group: g, entry: name}
			if g.Language == ast.LanguagePython && len(entries) == 1 {
				j.chain = []string{name}
			}
			jobs = append(jobs, j)
		}
	}

	var (
		mu    sync.Mutex
		usage llm.Usage
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for _, j := range jobs {
		if j.chain != nil {
			continue
		}
		eg.Go(func() error {
			chain, u := e.ask(egCtx, j.group, j.entry)
			mu.Lock()
			usage = usage.Add(u)
			mu.Unlock()
			j.chain = chain
			return nil
		})
	}
	_ = eg.Wait()

	for _, j := range jobs {
		if len(j.chain) == 0 {
			continue
		}
		flows[j.group.Name][j.entry] = assemble(j.group, j.chain, contexts)
	}
	e.logger.Info("Business flows extracted",
		slog.Int("contracts", len(groups)),
		slog.Int("entries", len(jobs)),
		slog.Int("flows", flows.Len()))
	return flows, usage
}

func (e *Extractor) ask(ctx context.Context, g *ContractGroup, entry string) ([]string, llm.Usage) {
	c, err := e.asker.AskForJSON(ctx, prompts.BusinessFlow(g.Code, entry))
	if err != nil {
		e.logger.Warn("Business flow request failed",
			slog.String("contract", g.Name), slog.String("entry", entry), slog.String("error", err.Error()))
		return nil, c.Usage
	}
	chain := ParseChain(c.Text)
	if len(chain) == 0 {
		e.logger.Warn("Business flow reply had no chain",
			slog.String("contract", g.Name), slog.String("entry", entry))
	}
	return chain, c.Usage
}

// ParseChain reads {"entry": [fn1, fn2, ...]} objects out of a model reply
// and returns their keys and listed names, deduplicated in order. Keys of
// one object are taken in sorted order. Qualified names are reduced to
// their bare name and "-1" placeholders are dropped.
func ParseChain(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = ast.BareName(strings.TrimSpace(name))
		if name == "" || name == "-1" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, obj := range llmjson.Objects(text) {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k)
			for _, name := range llmjson.Strings(obj, k) {
				add(name)
			}
		}
	}
	return out
}

func assemble(g *ContractGroup, chain []string, contexts map[string]Context) Entry {
	byName := make(map[string]*ast.Function, len(g.Functions))
	for _, f := range g.Functions {
		if _, dup := byName[f.Name]; !dup {
			byName[f.Name] = f
		}
	}

	entry := Entry{Functions: chain}
	var code, ctxCode strings.Builder
	for _, name := range chain {
		qualified := ast.QualifiedName(g.Name, name)
		if f, ok := byName[qualified]; ok {
			code.WriteString(f.Content)
			code.WriteString("\n")
			entry.Lines = append(entry.Lines, store.LineRange{f.StartLine, f.EndLine})
		}
		ctxCode.WriteString(contexts[qualified].Code())
	}
	entry.Code = strings.TrimSpace(code.String())
	entry.Context = strings.TrimSpace(ctxCode.String())
	return entry
}
