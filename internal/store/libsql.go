package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/crmflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/crmflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, tenant_id, name, description, entity_type, status, version, definition,
	execution_count, success_count, failure_count, last_executed_at, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, name, description, entity_type, status, version, definition, has_date_triggers, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, wf.Name, nullStr(wf.Description), wf.EntityType, string(wf.Status),
		wf.Version, string(def), boolInt(wf.Definition.HasDateTriggers()), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && isConstraint(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.EntityType != nil {
		sets = append(sets, "entity_type = ?")
		args = append(args, *update.EntityType)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Definition != nil {
		def, err := json.Marshal(update.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?", "has_date_triggers = ?", "version = version + 1")
		args = append(args, string(def), boolInt(update.Definition.HasDateTriggers()))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DateTriggersOnly {
		where = append(where, "has_date_triggers = 1")
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// GetActiveWorkflows returns the tenant's active workflows for one entity type.
func (s *LibSQLStore) GetActiveWorkflows(ctx context.Context, tenantID, entityType string) ([]*Workflow, error) {
	active := schema.WorkflowStatusActive
	return s.ListWorkflows(ctx, WorkflowFilter{TenantID: tenantID, EntityType: entityType, Status: &active})
}

// GetActiveWorkflowsWithDateTriggers returns active workflows of every tenant
// that declare at least one date-based trigger.
func (s *LibSQLStore) GetActiveWorkflowsWithDateTriggers(ctx context.Context) ([]*Workflow, error) {
	active := schema.WorkflowStatusActive
	return s.ListWorkflows(ctx, WorkflowFilter{Status: &active, DateTriggersOnly: true})
}

// RecordExecution bumps the run counters of a workflow. Waiting and Skipped
// runs count as executions only. An outcome carrying an ExecutionID is
// applied at most once for that execution.
func (s *LibSQLStore) RecordExecution(ctx context.Context, o ExecutionOutcome) error {
	var success, failure int
	switch o.Status {
	case schema.ExecutionSucceeded:
		success = 1
	case schema.ExecutionFailed, schema.ExecutionPartiallyFailed:
		failure = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if o.ExecutionID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO execution_counts (execution_id, counted_at) VALUES (?, ?)`,
			o.ExecutionID, timeOrNow(o.At))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET execution_count = execution_count + 1,
			success_count = success_count + ?, failure_count = failure_count + ?, last_executed_at = ?
		 WHERE id = ?`,
		success, failure, timeOrNow(o.At), o.WorkflowID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", o.WorkflowID); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		desc         sql.NullString
		defJSON      string
		status       string
		lastExecuted sql.NullTime
	)
	if err := r.Scan(&wf.ID, &wf.TenantID, &wf.Name, &desc, &wf.EntityType, &status, &wf.Version, &defJSON,
		&wf.ExecutionCount, &wf.SuccessCount, &wf.FailureCount, &lastExecuted, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if lastExecuted.Valid {
		t := lastExecuted.Time
		wf.LastExecutedAt = &t
	}
	return wf, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
