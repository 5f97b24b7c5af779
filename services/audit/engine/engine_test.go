// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
	"github.com/AleutianAI/AleutianAudit/services/audit/graph"
	"github.com/AleutianAI/AleutianAudit/services/audit/prompts"
	"github.com/AleutianAI/AleutianAudit/services/audit/search"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// scriptedClient replays canned replies in order. An exhausted script
// repeats its last reply.
type scriptedClient struct {
	mu        sync.Mutex
	asks      []string
	jsons     []string
	askErr    error
	askCalls  int
	jsonCalls int
	prompts   []string
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) Ask(_ context.Context, prompt string) (llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.askCalls++
	s.prompts = append(s.prompts, prompt)
	if s.askErr != nil {
		return llm.Completion{}, s.askErr
	}
	return llm.Completion{Text: next(s.asks, s.askCalls), Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, Calls: 1}}, nil
}

func (s *scriptedClient) AskForJSON(_ context.Context, _ string) (llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jsonCalls++
	return llm.Completion{Text: next(s.jsons, s.jsonCalls), Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 2, Calls: 1}}, nil
}

func (s *scriptedClient) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.askCalls, s.jsonCalls
}

func next(script []string, call int) string {
	if len(script) == 0 {
		return ""
	}
	if call > len(script) {
		return script[len(script)-1]
	}
	return script[call-1]
}

func verdicts(results ...string) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = `{"analysis": "checked", "result": "` + r + `"}`
	}
	return out
}

type fakeSearcher struct {
	matches []search.Match
	err     error
	calls   atomic.Int32
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ int) ([]search.Match, error) {
	f.calls.Add(1)
	return f.matches, f.err
}

func openStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addTask(t *testing.T, st store.TaskStore, task *store.Task) *store.Task {
	t.Helper()
	if task.ProjectID == "" {
		task.ProjectID = "p"
	}
	require.NoError(t, st.AddTask(context.Background(), task))
	return task
}

func getTask(t *testing.T, st store.TaskStore, id int64) *store.Task {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func newConfirmer(t *testing.T, st store.TaskStore, client llm.Client, opts ConfirmOptions) *ConfirmationEngine {
	t.Helper()
	e, err := NewConfirmationEngine(st, client, client, nil, nil, opts, nil)
	require.NoError(t, err)
	return e
}

// =============================================================================
// Verdicts
// =============================================================================

func TestClassifyVerdict(t *testing.T) {
	tests := []struct {
		raw  string
		want Verdict
	}{
		{`{"result": "yes"}`, VerdictYes},
		{`{"result": "YES"}`, VerdictYes},
		{`{"result": "no"}`, VerdictNo},
		{`{"result": "not sure"}`, VerdictNotSure},
		{"```json\n{\"result\": \"Not Sure\"}\n```", VerdictNotSure},
		{"Use the format {\"result\": \"yes\"}.\n```json\n{\"result\": \"no\"}\n```", VerdictNo},
		{"```solidity\nbalance -= amount;\n```\n{\"result\": \"yes\"}", VerdictYes},
		{`{"result": "maybe"}`, VerdictUnparseable},
		{`{"result": 1}`, VerdictUnparseable},
		{`{"analysis": "x"}`, VerdictUnparseable},
		{`result: yes`, VerdictUnparseable},
		{``, VerdictUnparseable},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyVerdict(tt.raw))
		})
	}
}

func TestTally(t *testing.T) {
	tests := []struct {
		name     string
		votes    []Verdict
		want     Verdict
		attempts int
	}{
		{"no exits early", []Verdict{VerdictNo, VerdictYes, VerdictYes}, VerdictNo, 1},
		{"no on last attempt", []Verdict{VerdictYes, VerdictYes, VerdictNo}, VerdictNo, 3},
		{"two yes", []Verdict{VerdictYes, VerdictYes, VerdictNotSure}, VerdictYes, 3},
		{"one yes two not sure", []Verdict{VerdictNotSure, VerdictYes, VerdictNotSure}, VerdictNotSure, 3},
		{"all not sure", []Verdict{VerdictNotSure, VerdictNotSure, VerdictNotSure}, VerdictNotSure, 3},
		{"unparseable counts for nothing", []Verdict{VerdictYes, VerdictUnparseable, VerdictYes}, VerdictYes, 3},
		{"all unparseable never resolves to no", []Verdict{VerdictUnparseable, VerdictUnparseable, VerdictUnparseable}, VerdictNotSure, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tally := NewTally(3)
			for _, v := range tt.votes {
				if tally.Record(v) {
					break
				}
			}
			assert.True(t, tally.Done())
			assert.Equal(t, tt.want, tally.Final())
			assert.Equal(t, tt.attempts, tally.Attempts())
		})
	}
}

func TestTally_Ordering(t *testing.T) {
	tally := NewTally(3)
	require.False(t, tally.Record(VerdictYes))
	require.False(t, tally.Record(VerdictYes))
	assert.Equal(t, VerdictYes, tally.Final(), "majority already reached")
	require.True(t, tally.Record(VerdictNo))
	assert.Equal(t, VerdictNo, tally.Final())
	assert.True(t, tally.Record(VerdictYes), "records after completion are ignored")
	assert.Equal(t, 3, tally.Attempts())
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "yes", VerdictYes.String())
	assert.Equal(t, "no", VerdictNo.String())
	assert.Equal(t, "not sure", VerdictNotSure.String())
	assert.Equal(t, "unparseable", VerdictUnparseable.String())
}

// =============================================================================
// Confirmation
// =============================================================================

func TestConfirm_EarlyExitOnNo(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}", Result: "reentrancy in f"})
	client := &scriptedClient{asks: []string{"analysis"}, jsons: verdicts("no", "yes", "yes")}

	stats, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)

	asks, jsons := client.calls()
	assert.Equal(t, 1, asks)
	assert.Equal(t, 1, jsons)
	assert.Equal(t, 1, stats.Verdicts[VerdictNo])

	got := getTask(t, st, task.ID)
	assert.Equal(t, "no", got.Confirmation)
	assert.Equal(t, "reentrancy in f", got.Result)
	assert.True(t, strings.HasPrefix(got.Category, "Attempt 1: analysis+"))
	assert.NotContains(t, got.Category, "Attempt 2")
}

func TestConfirm_MajorityVote(t *testing.T) {
	tests := []struct {
		name  string
		votes []string
		want  string
	}{
		{"yes yes not sure", []string{"yes", "yes", "not sure"}, "yes"},
		{"not sure yes not sure", []string{"not sure", "yes", "not sure"}, "not sure"},
		{"all not sure", []string{"not sure", "not sure", "not sure"}, "not sure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := openStore(t)
			task := addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}", Result: "overflow"})
			client := &scriptedClient{asks: []string{"a1", "a2", "a3"}, jsons: verdicts(tt.votes...)}

			_, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
			require.NoError(t, err)

			asks, jsons := client.calls()
			assert.Equal(t, 3, asks)
			assert.Equal(t, 3, jsons)
			got := getTask(t, st, task.ID)
			assert.Equal(t, tt.want, got.Confirmation)
			assert.Contains(t, got.Category, "Attempt 1: a1+")
			assert.Contains(t, got.Category, "Attempt 3: a3+")
		})
	}
}

func TestConfirm_TerminalTaskUntouched(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{
		Name:         "C.f",
		Content:      "function f() {}",
		Result:       "overflow",
		Confirmation: "yes",
		Category:     "Attempt 1: earlier run",
	})
	before := getTask(t, st, task.ID)
	client := &scriptedClient{asks: []string{"analysis"}, jsons: verdicts("no")}
	searcher := &fakeSearcher{}
	e, err := NewConfirmationEngine(st, client, client, searcher, graph.BuildCallTrees(nil, nil, nil), ConfirmOptions{}, nil)
	require.NoError(t, err)

	stats, err := e.Confirm(context.Background(), "p")
	require.NoError(t, err)

	asks, jsons := client.calls()
	assert.Zero(t, asks)
	assert.Zero(t, jsons)
	assert.Zero(t, searcher.calls.Load())
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, before, getTask(t, st, task.ID))
}

func TestConfirm_EmptyAnalysisAborts(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}", Result: "overflow"})
	before := getTask(t, st, task.ID)
	client := &scriptedClient{asks: []string{""}, jsons: verdicts("yes")}

	stats, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)

	asks, jsons := client.calls()
	assert.Equal(t, 1, asks)
	assert.Zero(t, jsons)
	assert.Equal(t, 1, stats.Aborted)
	assert.Equal(t, before, getTask(t, st, task.ID))
}

func TestConfirm_AnalysisErrorAbortsLaterAttempt(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}", Result: "overflow"})
	client := &scriptedClient{asks: []string{"a1", ""}, jsons: verdicts("yes")}

	stats, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Aborted)

	got := getTask(t, st, task.ID)
	assert.Empty(t, got.Confirmation, "no partial transcript is written")
	assert.Empty(t, got.Category)
}

func TestConfirm_ClientErrorAborts(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}", Result: "overflow"})
	client := &scriptedClient{askErr: errors.New("connection reset")}

	stats, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Aborted)
	assert.Empty(t, getTask(t, st, task.ID).Confirmation)
}

func TestConfirm_UnparseableVerdicts(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}", Result: "overflow"})
	client := &scriptedClient{asks: []string{"looks fine"}, jsons: []string{"I think no"}}

	_, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)

	asks, _ := client.calls()
	assert.Equal(t, 3, asks, "unparseable replies never trigger the early exit")
	assert.Equal(t, "not sure", getTask(t, st, task.ID).Confirmation)
}

func TestConfirm_SkipsTasksWithoutFinding(t *testing.T) {
	st := openStore(t)
	addTask(t, st, &store.Task{Name: "C.a", Content: "a"})
	addTask(t, st, &store.Task{Name: "C.b", Content: "b", Result: store.NoVulnerability})
	addTask(t, st, &store.Task{Name: "C.c", Content: "c", Result: "no"})
	client := &scriptedClient{asks: []string{"x"}, jsons: verdicts("yes")}

	stats, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	asks, _ := client.calls()
	assert.Zero(t, asks)
}

func TestConfirm_EmptyProject(t *testing.T) {
	st := openStore(t)
	client := &scriptedClient{}

	stats, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	asks, jsons := client.calls()
	assert.Zero(t, asks+jsons)
}

func TestConfirm_UsesFlowCodeAndContext(t *testing.T) {
	st := openStore(t)
	addTask(t, st, &store.Task{
		Name:                "C.f",
		Content:             "function f() {}",
		Result:              "overflow",
		IfBusinessFlowScan:  store.FlowScan,
		BusinessFlowCode:    "function f() { g(); }\nfunction g() {}",
		BusinessFlowContext: "function caller() { f(); }",
	})
	client := &scriptedClient{asks: []string{"x"}, jsons: verdicts("no")}

	_, err := newConfirmer(t, st, client, ConfirmOptions{}).Confirm(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "function g() {}\nfunction caller() { f(); }")
	assert.Contains(t, client.prompts[0], "overflow")
}

func TestConfirm_ManyTasksConcurrently(t *testing.T) {
	st := openStore(t)
	for i := 0; i < 12; i++ {
		addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}", Result: "overflow"})
	}
	client := &scriptedClient{asks: []string{"x"}, jsons: verdicts("yes")}

	stats, err := newConfirmer(t, st, client, ConfirmOptions{Workers: 4}).Confirm(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Confirmed)
	assert.Equal(t, 12, stats.Verdicts[VerdictYes])
	assert.Equal(t, 72, stats.Usage.Calls)

	tasks, err := st.ListTasks(context.Background(), "p")
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, "yes", task.Confirmation)
	}
}

func TestNewConfirmationEngine_Validation(t *testing.T) {
	client := &scriptedClient{}
	_, err := NewConfirmationEngine(nil, client, client, nil, nil, ConfirmOptions{}, nil)
	assert.ErrorIs(t, err, ErrNilStore)
	_, err = NewConfirmationEngine(openStore(t), nil, client, nil, nil, ConfirmOptions{}, nil)
	assert.ErrorIs(t, err, ErrNilClient)
}

// =============================================================================
// Context expansion
// =============================================================================

func expansionTrees() *graph.CallTrees {
	code := "contract C { uint256 public total; function deposit() external {} }"
	mk := func(name, content string) *ast.Function {
		return &ast.Function{Name: name, Content: content, ContractName: "C", ContractCode: code}
	}
	funcs := []*ast.Function{
		mk("C.deposit", "function deposit() external { _credit(msg.sender); }"),
		mk("C._credit", "function _credit(address a) internal { total += 1; }"),
		mk("C.unrelated", "function unrelated() external { }"),
	}
	rel, index := graph.Analyze(funcs)
	return graph.BuildCallTrees(funcs, rel, index)
}

func TestExpandContexts(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.deposit", Content: "function deposit() external { _credit(msg.sender); }", Result: "overflow"})
	searcher := &fakeSearcher{matches: []search.Match{{Name: "C._credit"}}}
	client := &scriptedClient{asks: []string{"x"}, jsons: verdicts("no")}
	e, err := NewConfirmationEngine(st, client, client, searcher, expansionTrees(),
		ConfirmOptions{StateVariables: true}, nil)
	require.NoError(t, err)

	stats, err := e.Confirm(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expanded)

	got := getTask(t, st, task.ID)
	assert.Equal(t, store.ContextExpanded, got.Score)
	assert.Contains(t, got.BusinessFlowContext, "uint256 public total")
	assert.Contains(t, got.BusinessFlowContext, "function _credit(address a)")
	assert.Contains(t, got.BusinessFlowContext, "function deposit() external")
	assert.NotContains(t, got.BusinessFlowContext, "unrelated")
	assert.Equal(t, int32(1), searcher.calls.Load())

	n, err := e.ExpandContexts(context.Background(), []*store.Task{got})
	require.NoError(t, err)
	assert.Zero(t, n, "expansion runs at most once per task")
	assert.Equal(t, int32(1), searcher.calls.Load())
}

func TestExpandContexts_SearchFailureDefersExpansion(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.deposit", Content: "x", Result: "overflow", BusinessFlowContext: "cross-contract planned context"})
	searcher := &fakeSearcher{err: errors.New("index offline")}
	client := &scriptedClient{}
	e, err := NewConfirmationEngine(st, client, client, searcher, expansionTrees(), ConfirmOptions{}, nil)
	require.NoError(t, err)

	n, err := e.ExpandContexts(context.Background(), []*store.Task{task})
	require.NoError(t, err)
	assert.Zero(t, n)

	got := getTask(t, st, task.ID)
	assert.Equal(t, "cross-contract planned context", got.BusinessFlowContext)
	assert.Empty(t, got.Score)

	searcher.err = nil
	n, err = e.ExpandContexts(context.Background(), []*store.Task{got})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a later run retries the deferred task")
	assert.Equal(t, store.ContextExpanded, getTask(t, st, task.ID).Score)
}

func TestExpandContexts_Disabled(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.f", Content: "x", Result: "overflow", BusinessFlowContext: "planned"})
	client := &scriptedClient{}

	n, err := newConfirmer(t, st, client, ConfirmOptions{}).ExpandContexts(context.Background(), []*store.Task{task})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "planned", getTask(t, st, task.ID).BusinessFlowContext)
}

// =============================================================================
// Scan
// =============================================================================

func TestScan(t *testing.T) {
	st := openStore(t)
	fresh := addTask(t, st, &store.Task{Name: "Vault.withdraw", Content: "function withdraw() {}"})
	rescan := addTask(t, st, &store.Task{Name: "Vault.deposit", Content: "function deposit() {}", Result: store.NoVulnerability})
	done := addTask(t, st, &store.Task{Name: "Vault.owner", Content: "function owner() {}", Result: "already found"})
	flowTask := addTask(t, st, &store.Task{
		Name:               "Vault.flow",
		Content:            "function flow() {}",
		IfBusinessFlowScan: store.FlowScan,
		BusinessFlowCode:   "function flow() { step(); }\nfunction step() {}",
	})
	client := &scriptedClient{asks: []string{`{"title": "Reentrancy", "detail": "..."}`}}

	e, err := NewScanEngine(st, client, 2, nil)
	require.NoError(t, err)
	stats, err := e.Scan(context.Background(), "p", nil)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 3, stats.Usage.Calls)

	for _, id := range []int64{fresh.ID, rescan.ID, flowTask.ID} {
		assert.Contains(t, getTask(t, st, id).Result, "Reentrancy")
	}
	assert.Equal(t, "already found", getTask(t, st, done.ID).Result)

	joined := strings.Join(client.prompts, "\n---\n")
	assert.Contains(t, joined, "function step() {}", "flow tasks send the flow code")
	assert.NotContains(t, joined, "function owner() {}")
}

func TestScan_EmptyReplyStoresNo(t *testing.T) {
	st := openStore(t)
	task := addTask(t, st, &store.Task{Name: "C.f", Content: "function f() {}"})
	client := &scriptedClient{askErr: errors.New("timeout")}

	e, err := NewScanEngine(st, client, 1, nil)
	require.NoError(t, err)
	stats, err := e.Scan(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Empty)

	got := getTask(t, st, task.ID)
	assert.Equal(t, "no", got.Result)
	assert.True(t, got.Scanned(), "an empty detection is terminal")
}

func TestScan_Filter(t *testing.T) {
	st := openStore(t)
	keep := addTask(t, st, &store.Task{Name: "C.keep", Content: "keep"})
	drop := addTask(t, st, &store.Task{Name: "C.drop", Content: "drop"})
	client := &scriptedClient{asks: []string{"finding"}}

	e, err := NewScanEngine(st, client, 1, nil)
	require.NoError(t, err)
	stats, err := e.Scan(context.Background(), "p", func(t *store.Task) bool { return t.Name == "C.keep" })
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Filtered)
	assert.Equal(t, "finding", getTask(t, st, keep.ID).Result)
	assert.Empty(t, getTask(t, st, drop.ID).Result)
}

func TestScan_EmptyProject(t *testing.T) {
	st := openStore(t)
	client := &scriptedClient{}
	e, err := NewScanEngine(st, client, 0, nil)
	require.NoError(t, err)

	stats, err := e.Scan(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	asks, _ := client.calls()
	assert.Zero(t, asks)
}

func TestScan_LanguageRole(t *testing.T) {
	st := openStore(t)
	addTask(t, st, &store.Task{Name: "vault_rust.withdraw", Content: "fn withdraw() {}"})
	client := &scriptedClient{asks: []string{"x"}}
	e, err := NewScanEngine(st, client, 1, nil)
	require.NoError(t, err)

	_, err = e.Scan(context.Background(), "p", nil)
	require.NoError(t, err)
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "fn withdraw() {}")
	assert.Contains(t, client.prompts[0], prompts.RoleLine(ast.LanguageRust))
}

func TestContractOf(t *testing.T) {
	assert.Equal(t, "Vault", contractOf("Vault.withdraw"))
	assert.Equal(t, "pkg.Vault", contractOf("pkg.Vault.withdraw"))
	assert.Equal(t, "", contractOf("withdraw"))
}
