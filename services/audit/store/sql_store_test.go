// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyDSN)
}

func TestDialectOf(t *testing.T) {
	assert.Equal(t, DialectPostgres, DialectOf("postgres://u:p@localhost/audit"))
	assert.Equal(t, DialectPostgres, DialectOf("postgresql://localhost/audit"))
	assert.Equal(t, DialectSQLite, DialectOf("./audit.db"))
	assert.Equal(t, DialectSQLite, DialectOf(":memory:"))
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.AddTask(ctx, &Task{ProjectID: "p", Name: "C.f"}))
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	n, err := s2.CountTasks(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore_AddAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	score := 0.9

	first := &Task{
		ProjectID:          "proj",
		Name:               "Vault.withdraw",
		Content:            "function withdraw() {}",
		BusinessFlowLines:  EncodeLines([]LineRange{{10, 20}, {30, 35}}),
		IfBusinessFlowScan: FlowScan,
		SimilarityWithRule: &score,
		StartLine:          10,
		EndLine:            20,
	}
	require.NoError(t, s.AddTask(ctx, first))
	assert.NotZero(t, first.ID)

	batch := []*Task{
		{ProjectID: "proj", Name: "Vault.deposit", IfBusinessFlowScan: FunctionScan},
		{ProjectID: "other", Name: "Pool.swap"},
	}
	require.NoError(t, s.AddTasks(ctx, batch))
	assert.Greater(t, batch[1].ID, batch[0].ID)

	tasks, err := s.ListTasks(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Vault.withdraw", tasks[0].Name)
	assert.True(t, tasks[0].IsFlowScan())
	require.NotNil(t, tasks[0].SimilarityWithRule)
	assert.InDelta(t, 0.9, *tasks[0].SimilarityWithRule, 1e-9)
	assert.Nil(t, tasks[1].SimilarityWithRule)

	lines, err := tasks[0].Lines()
	require.NoError(t, err)
	assert.Equal(t, []LineRange{{10, 20}, {30, 35}}, lines)

	n, err := s.CountTasks(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLStore_Updates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{ProjectID: "p", Name: "C.f"}
	require.NoError(t, s.AddTask(ctx, task))

	require.NoError(t, s.UpdateResult(ctx, task.ID, "reentrancy", "yes", "Attempt 1: ..."))
	require.NoError(t, s.UpdateBusinessFlowContext(ctx, task.ID, "function g() {}"))
	require.NoError(t, s.UpdateScore(ctx, task.ID, ContextExpanded))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "reentrancy", got.Result)
	assert.Equal(t, "yes", got.Confirmation)
	assert.Equal(t, "Attempt 1: ...", got.Category)
	assert.Equal(t, "function g() {}", got.BusinessFlowContext)
	assert.Equal(t, ContextExpanded, got.Score)
	assert.True(t, got.Confirmed())
}

func TestSQLStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetTask(ctx, 42)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.UpdateScore(ctx, 42, "1"), ErrTaskNotFound)
	assert.ErrorIs(t, s.AddTask(ctx, nil), ErrNilTask)
}

func TestSQLStore_ConcurrentUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tasks := make([]*Task, 20)
	for i := range tasks {
		tasks[i] = &Task{ProjectID: "p", Name: "C.f"}
	}
	require.NoError(t, s.AddTasks(ctx, tasks))

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, s.UpdateResult(ctx, id, "r", "no", "c"))
		}(task.ID)
	}
	wg.Wait()

	got, err := s.ListTasks(ctx, "p")
	require.NoError(t, err)
	for _, task := range got {
		assert.Equal(t, "no", task.Confirmation)
	}
}

func TestTask_Predicates(t *testing.T) {
	task := &Task{Content: "fn", BusinessFlowCode: "flow"}
	assert.Equal(t, "fn", task.CodeUnderTest())
	task.IfBusinessFlowScan = FlowScan
	assert.Equal(t, "flow", task.CodeUnderTest())

	assert.False(t, task.Scanned())
	task.Result = NoVulnerability
	assert.False(t, task.Scanned())
	task.Result = "overflow"
	assert.True(t, task.Scanned())

	task.Confirmation = "yes"
	assert.False(t, task.Confirmed(), "a verdict without a transcript is not terminal")
	task.Category = "Attempt 1"
	assert.True(t, task.Confirmed())
}

func TestEncodeLines(t *testing.T) {
	assert.Equal(t, "[]", EncodeLines(nil))
	assert.Equal(t, "[[1,2]]", EncodeLines([]LineRange{{1, 2}}))

	bad := &Task{BusinessFlowLines: "not json"}
	_, err := bad.Lines()
	assert.Error(t, err)
}
