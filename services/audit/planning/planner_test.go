// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planning

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
	"github.com/AleutianAI/AleutianAudit/services/audit/flow"
	"github.com/AleutianAI/AleutianAudit/services/audit/store"
)

func openStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "plan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixture() ([]*ast.Function, flow.Flows) {
	funcs := []*ast.Function{
		{Name: "Vault.deposit", ContractName: "Vault", Content: "function deposit() external {}", StartLine: 1, EndLine: 1},
		{Name: "Vault.helper", ContractName: "Vault", Content: "function helper() internal {}", StartLine: 2, EndLine: 2},
		{Name: "Vault.testDeposit", ContractName: "Vault", Content: "function testDeposit() public {}", StartLine: 3, EndLine: 3},
	}
	flows := flow.Flows{
		"Vault": {
			"deposit":     {Code: "FLOW", Lines: []store.LineRange{{1, 1}, {2, 2}}, Context: "CTX"},
			"testDeposit": {Code: "TESTFLOW"},
		},
	}
	return funcs, flows
}

func TestPlan_BusinessFlowOnly(t *testing.T) {
	st := openStore(t)
	funcs, flows := fixture()
	p := NewPlanner(st, Options{BusinessFlowScan: true}, nil)

	n, err := p.Plan(context.Background(), "proj", funcs, flows)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err := st.ListTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "Vault.deposit", task.Name)
	assert.Equal(t, store.FlowScan, task.IfBusinessFlowScan)
	assert.Equal(t, "FLOW\nfunction deposit() external {}", task.BusinessFlowCode)
	assert.Equal(t, "CTX", task.BusinessFlowContext)
	assert.Equal(t, "[[1,1],[2,2]]", task.BusinessFlowLines)
	assert.NotEmpty(t, task.Key)
}

func TestPlan_BothFamiliesWithRepeat(t *testing.T) {
	st := openStore(t)
	funcs, flows := fixture()
	p := NewPlanner(st, Options{BusinessFlowScan: true, FunctionScan: true, RepeatCount: 2}, nil)

	n, err := p.Plan(context.Background(), "proj", funcs, flows)
	require.NoError(t, err)
	// deposit: 2 flow + 2 function; helper: 2 function; testDeposit dropped.
	assert.Equal(t, 6, n)

	tasks, err := st.ListTasks(context.Background(), "proj")
	require.NoError(t, err)
	flowTasks := 0
	for _, task := range tasks {
		assert.NotContains(t, task.Name, "test")
		if task.IsFlowScan() {
			flowTasks++
		} else {
			assert.Empty(t, task.BusinessFlowCode)
		}
	}
	assert.Equal(t, 2, flowTasks)
}

func TestPlan_Idempotent(t *testing.T) {
	st := openStore(t)
	funcs, flows := fixture()
	p := NewPlanner(st, Options{BusinessFlowScan: true, FunctionScan: true}, nil)
	ctx := context.Background()

	first, err := p.Plan(ctx, "proj", funcs, flows)
	require.NoError(t, err)
	second, err := p.Plan(ctx, "proj", funcs, flows)
	require.NoError(t, err)
	assert.Zero(t, second)

	n, err := st.CountTasks(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, first, n)

	needed, err := p.NeedsPlanning(ctx, "proj")
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestPlan_Empty(t *testing.T) {
	st := openStore(t)
	p := NewPlanner(st, Options{BusinessFlowScan: true, FunctionScan: true}, nil)
	n, err := p.Plan(context.Background(), "proj", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
