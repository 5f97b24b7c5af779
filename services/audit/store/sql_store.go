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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// TaskStore is the persistence contract used by planning, scanning,
// confirmation and reporting.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Each method is a
//	single read or a single-row write.
type TaskStore interface {
	// ListTasks returns every task of a project ordered by id.
	ListTasks(ctx context.Context, projectID string) ([]*Task, error)

	// CountTasks returns the number of tasks of a project.
	CountTasks(ctx context.Context, projectID string) (int, error)

	// GetTask returns one task or ErrTaskNotFound.
	GetTask(ctx context.Context, id int64) (*Task, error)

	// AddTask inserts a task and sets its ID.
	AddTask(ctx context.Context, task *Task) error

	// AddTasks inserts tasks in one transaction and sets their IDs.
	AddTasks(ctx context.Context, tasks []*Task) error

	// UpdateResult writes the detection result, the confirmation verdict
	// and the attempt transcript of one task.
	UpdateResult(ctx context.Context, id int64, result, confirmation, category string) error

	// UpdateBusinessFlowContext replaces the context code of one task.
	UpdateBusinessFlowContext(ctx context.Context, id int64, flowContext string) error

	// UpdateScore replaces the score flag of one task.
	UpdateScore(ctx context.Context, id int64, score string) error

	// Close releases the underlying connection pool.
	Close() error
}

// Dialect names the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectOf picks the backend from a data source name: postgres:// and
// postgresql:// URLs use PostgreSQL, anything else is a SQLite path.
func DialectOf(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// migrations are applied in order; %s is replaced by the dialect's
// auto-increment primary key type.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS project_task (
    id                    %s,
    task_key              TEXT NOT NULL DEFAULT '',
    project_id            TEXT NOT NULL,
    name                  TEXT NOT NULL DEFAULT '',
    content               TEXT NOT NULL DEFAULT '',
    keyword               TEXT NOT NULL DEFAULT '',
    business_type         TEXT NOT NULL DEFAULT '',
    sub_business_type     TEXT NOT NULL DEFAULT '',
    function_type         TEXT NOT NULL DEFAULT '',
    rule                  TEXT NOT NULL DEFAULT '',
    result                TEXT NOT NULL DEFAULT '',
    confirmation          TEXT NOT NULL DEFAULT '',
    score                 TEXT NOT NULL DEFAULT '',
    category              TEXT NOT NULL DEFAULT '',
    contract_code         TEXT NOT NULL DEFAULT '',
    risklevel             TEXT NOT NULL DEFAULT '',
    similarity_with_rule  %s,
    description           TEXT NOT NULL DEFAULT '',
    start_line            INTEGER NOT NULL DEFAULT 0,
    end_line              INTEGER NOT NULL DEFAULT 0,
    relative_file_path    TEXT NOT NULL DEFAULT '',
    absolute_file_path    TEXT NOT NULL DEFAULT '',
    recommendation        TEXT NOT NULL DEFAULT '',
    title                 TEXT NOT NULL DEFAULT '',
    business_flow_code    TEXT NOT NULL DEFAULT '',
    business_flow_lines   TEXT NOT NULL DEFAULT '',
    business_flow_context TEXT NOT NULL DEFAULT '',
    if_business_flow_scan TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_project_task_project_id ON project_task(project_id);`,
	},
}

const taskColumns = `task_key, project_id, name, content, keyword, business_type,
    sub_business_type, function_type, rule, result, confirmation, score, category,
    contract_code, risklevel, similarity_with_rule, description, start_line, end_line,
    relative_file_path, absolute_file_path, recommendation, title, business_flow_code,
    business_flow_lines, business_flow_context, if_business_flow_scan`

const taskValues = `:task_key, :project_id, :name, :content, :keyword, :business_type,
    :sub_business_type, :function_type, :rule, :result, :confirmation, :score, :category,
    :contract_code, :risklevel, :similarity_with_rule, :description, :start_line, :end_line,
    :relative_file_path, :absolute_file_path, :recommendation, :title, :business_flow_code,
    :business_flow_lines, :business_flow_context, :if_business_flow_scan`

// SQLStore implements TaskStore on SQLite (modernc) or PostgreSQL (lib/pq)
// through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
}

// Open connects to dsn and applies pending migrations.
//
// Description:
//
//	A postgres:// URL connects through lib/pq with a pooled connection
//	set. Anything else is a SQLite file path (":memory:" for a private
//	in-memory database); SQLite uses a single connection with WAL and a
//	busy timeout, so concurrent workers serialize on writes instead of
//	failing with SQLITE_BUSY.
//
// Inputs:
//   - ctx: Bounds connection and migration.
//   - dsn: Data source name. Must not be empty.
//
// Outputs:
//   - *SQLStore: Ready store. Close when done.
//   - error: ErrEmptyDSN, or a wrapped driver or migration error.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	dialect := DialectOf(dsn)

	db, err := sqlx.ConnectContext(ctx, string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
			}
		}
	case DialectPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Dialect returns the backend in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	idType, floatType := "INTEGER PRIMARY KEY AUTOINCREMENT", "REAL"
	if s.dialect == DialectPostgres {
		idType, floatType = "BIGSERIAL PRIMARY KEY", "DOUBLE PRECISION"
	}

	for _, m := range migrations {
		var count int
		if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(m.sql, idType, floatType)); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close implements TaskStore.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ListTasks implements TaskStore.
func (s *SQLStore) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	var tasks []*Task
	q := s.db.Rebind(`SELECT * FROM project_task WHERE project_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &tasks, q, projectID); err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", projectID, err)
	}
	return tasks, nil
}

// CountTasks implements TaskStore.
func (s *SQLStore) CountTasks(ctx context.Context, projectID string) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM project_task WHERE project_id = ?`)
	if err := s.db.GetContext(ctx, &n, q, projectID); err != nil {
		return 0, fmt.Errorf("count tasks of %s: %w", projectID, err)
	}
	return n, nil
}

// GetTask implements TaskStore.
func (s *SQLStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	q := s.db.Rebind(`SELECT * FROM project_task WHERE id = ?`)
	if err := s.db.GetContext(ctx, &t, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// AddTask implements TaskStore.
func (s *SQLStore) AddTask(ctx context.Context, task *Task) error {
	return s.insert(ctx, s.db, task)
}

// AddTasks implements TaskStore.
func (s *SQLStore) AddTasks(ctx context.Context, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add tasks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tasks {
		if err := s.insert(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add tasks: %w", err)
	}
	return nil
}

// namedQueryer is satisfied by *sqlx.DB and *sqlx.Tx.
type namedQueryer interface {
	BindNamed(query string, arg interface{}) (string, []interface{}, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

func (s *SQLStore) insert(ctx context.Context, q namedQueryer, task *Task) error {
	if task == nil {
		return ErrNilTask
	}
	query, args, err := q.BindNamed(`INSERT INTO project_task (`+taskColumns+`) VALUES (`+taskValues+`) RETURNING id`, task)
	if err != nil {
		return fmt.Errorf("bind task %s: %w", task.Name, err)
	}
	if err := q.QueryRowxContext(ctx, query, args...).Scan(&task.ID); err != nil {
		return fmt.Errorf("insert task %s: %w", task.Name, err)
	}
	return nil
}

// UpdateResult implements TaskStore.
func (s *SQLStore) UpdateResult(ctx context.Context, id int64, result, confirmation, category string) error {
	return s.update(ctx, id, `UPDATE project_task SET result = ?, confirmation = ?, category = ? WHERE id = ?`,
		result, confirmation, category, id)
}

// UpdateBusinessFlowContext implements TaskStore.
func (s *SQLStore) UpdateBusinessFlowContext(ctx context.Context, id int64, flowContext string) error {
	return s.update(ctx, id, `UPDATE project_task SET business_flow_context = ? WHERE id = ?`, flowContext, id)
}

// UpdateScore implements TaskStore.
func (s *SQLStore) UpdateScore(ctx context.Context, id int64, score string) error {
	return s.update(ctx, id, `UPDATE project_task SET score = ? WHERE id = ?`, score, id)
}

func (s *SQLStore) update(ctx context.Context, id int64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %d: %w", id, ErrTaskNotFound)
	}
	return nil
}
