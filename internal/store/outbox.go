package store

import (
	"context"
	"database/sql"
	"strings"
)

func (s *LibSQLStore) CreateNotification(ctx context.Context, n *Notification) error {
	n.CreatedAt = timeOrNow(n.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, tenant_id, user_id, title, message, entity_type, entity_id, workflow_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.TenantID, n.UserID, n.Title, n.Message, n.EntityType, n.EntityID, n.WorkflowID, n.CreatedAt)
	return err
}

func (s *LibSQLStore) CreateTask(ctx context.Context, t *Task) error {
	t.CreatedAt = timeOrNow(t.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, tenant_id, subject, description, assignee_id, priority, due_at, entity_type, entity_id, workflow_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Subject, nullStr(t.Description), nullStr(t.AssigneeID), nullStr(t.Priority), nullTime(t.DueAt),
		t.EntityType, t.EntityID, t.WorkflowID, t.CreatedAt)
	return err
}

func (s *LibSQLStore) CreateEmail(ctx context.Context, e *Email) error {
	e.CreatedAt = timeOrNow(e.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO emails (id, tenant_id, recipient, subject, body, entity_type, entity_id, workflow_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.To, e.Subject, e.Body, e.EntityType, e.EntityID, e.WorkflowID, e.CreatedAt)
	return err
}

// EnrollInSequence is idempotent per (tenant, sequence, entity). It reports
// whether a new enrollment was created.
func (s *LibSQLStore) EnrollInSequence(ctx context.Context, en *SequenceEnrollment) (bool, error) {
	en.EnrolledAt = timeOrNow(en.EnrolledAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sequence_enrollments (tenant_id, sequence_id, entity_type, entity_id, workflow_id, enrolled_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		en.TenantID, en.SequenceID, en.EntityType, en.EntityID, en.WorkflowID, en.EnrolledAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func outboxWhere(f OutboxFilter) (string, []any) {
	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, filter OutboxFilter) ([]*Notification, error) {
	where, args := outboxWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, title, message, entity_type, entity_id, workflow_id, created_at FROM notifications`+
			where+` ORDER BY created_at ASC`+limitClause(filter.Limit, 0), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Title, &n.Message, &n.EntityType, &n.EntityID, &n.WorkflowID, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter OutboxFilter) ([]*Task, error) {
	where, args := outboxWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, subject, description, assignee_id, priority, due_at, entity_type, entity_id, workflow_id, created_at FROM tasks`+
			where+` ORDER BY created_at ASC`+limitClause(filter.Limit, 0), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		var desc, assignee, priority sql.NullString
		var due sql.NullTime
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Subject, &desc, &assignee, &priority, &due,
			&t.EntityType, &t.EntityID, &t.WorkflowID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.AssigneeID = assignee.String
		t.Priority = priority.String
		if due.Valid {
			d := due.Time
			t.DueAt = &d
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListEmails(ctx context.Context, filter OutboxFilter) ([]*Email, error) {
	where, args := outboxWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, recipient, subject, body, entity_type, entity_id, workflow_id, created_at FROM emails`+
			where+` ORDER BY created_at ASC`+limitClause(filter.Limit, 0), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Email
	for rows.Next() {
		e := &Email{}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.To, &e.Subject, &e.Body, &e.EntityType, &e.EntityID, &e.WorkflowID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Store = (*LibSQLStore)(nil)
