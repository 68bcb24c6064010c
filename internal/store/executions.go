package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/crmflow/pkg/schema"
)

// SaveExecutionLog upserts the log and its action logs in one transaction.
// Saving the same log again after a resumed segment replaces the header and
// appends or updates action logs by order.
func (s *LibSQLStore) SaveExecutionLog(ctx context.Context, log *ExecutionLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	log.StartedAt = timeOrNow(log.StartedAt)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_logs (id, tenant_id, workflow_id, entity_id, entity_type, trigger_type, trigger_event,
			conditions_evaluated, conditions_passed, status, error_message, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			conditions_evaluated=excluded.conditions_evaluated, conditions_passed=excluded.conditions_passed,
			status=excluded.status, error_message=excluded.error_message,
			completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		log.ID, log.TenantID, log.WorkflowID, log.EntityID, log.EntityType, string(log.TriggerType), nullStr(log.TriggerEvent),
		boolInt(log.ConditionsEvaluated), boolInt(log.ConditionsPassed), string(log.Status), nullStr(log.ErrorMessage),
		log.StartedAt, nullTime(log.CompletedAt), log.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("upsert execution log: %w", err)
	}

	for _, a := range log.ActionLogs {
		a.ExecutionID = log.ID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO action_logs (execution_id, action_order, action_type, action_node_id, status, error_message, output, started_at, completed_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(execution_id, action_order) DO UPDATE SET
				status=excluded.status, error_message=excluded.error_message, output=excluded.output,
				completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
			log.ID, a.Order, a.ActionType, a.ActionNodeID, string(a.Status), nullStr(a.ErrorMessage), nullRaw(a.Output),
			timeOrNow(a.StartedAt), timeOrNow(a.CompletedAt), a.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("upsert action log %d: %w", a.Order, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution log: %w", err)
	}
	return nil
}

const executionColumns = `id, tenant_id, workflow_id, entity_id, entity_type, trigger_type, trigger_event,
	conditions_evaluated, conditions_passed, status, error_message, started_at, completed_at, duration_ms`

// GetExecutionLog loads a log with its action logs ordered by execution order.
func (s *LibSQLStore) GetExecutionLog(ctx context.Context, id string) (*ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_logs WHERE id = ?`, id)
	log, err := scanExecutionLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution log", id)
	}
	if err != nil {
		return nil, err
	}
	if log.ActionLogs, err = s.listActionLogs(ctx, id); err != nil {
		return nil, err
	}
	return log, nil
}

// ListExecutionLogs returns logs newest first, each with its action logs.
func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, filter ExecutionFilter) ([]*ExecutionLog, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT " + executionColumns + " FROM execution_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var logs []*ExecutionLog
	for rows.Next() {
		log, err := scanExecutionLog(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Single-connection pool: action logs are read after the cursor closes.
	for _, log := range logs {
		if log.ActionLogs, err = s.listActionLogs(ctx, log.ID); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

func (s *LibSQLStore) listActionLogs(ctx context.Context, executionID string) ([]*ActionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, action_order, action_type, action_node_id, status, error_message, output, started_at, completed_at, duration_ms
		 FROM action_logs WHERE execution_id = ? ORDER BY action_order ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionLog
	for rows.Next() {
		a := &ActionLog{}
		var status string
		var errMsg, output sql.NullString
		if err := rows.Scan(&a.ExecutionID, &a.Order, &a.ActionType, &a.ActionNodeID, &status, &errMsg, &output,
			&a.StartedAt, &a.CompletedAt, &a.DurationMs); err != nil {
			return nil, err
		}
		a.Status = schema.ActionStatus(status)
		a.ErrorMessage = errMsg.String
		a.Output = rawOrNil(output)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanExecutionLog(r rowScanner) (*ExecutionLog, error) {
	log := &ExecutionLog{}
	var (
		triggerType, status  string
		triggerEvent, errMsg sql.NullString
		evaluated, passed    int
		completedAt          sql.NullTime
	)
	if err := r.Scan(&log.ID, &log.TenantID, &log.WorkflowID, &log.EntityID, &log.EntityType, &triggerType, &triggerEvent,
		&evaluated, &passed, &status, &errMsg, &log.StartedAt, &completedAt, &log.DurationMs); err != nil {
		return nil, err
	}
	log.TriggerType = schema.TriggerType(triggerType)
	log.TriggerEvent = triggerEvent.String
	log.ConditionsEvaluated = evaluated == 1
	log.ConditionsPassed = passed == 1
	log.Status = schema.ExecutionStatus(status)
	log.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		log.CompletedAt = &t
	}
	return log, nil
}
