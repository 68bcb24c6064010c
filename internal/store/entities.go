package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar-day form date fields are compared in.
const DateLayout = "2006-01-02"

// UpsertEntity inserts or replaces an entity's data.
func (s *LibSQLStore) UpsertEntity(ctx context.Context, e *Entity) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal entity data: %w", err)
	}
	if e.Data == nil {
		data = []byte("{}")
	}
	now := time.Now().UTC()
	e.CreatedAt = timeOrNow(e.CreatedAt)
	e.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (entity_type, id, tenant_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, entity_type, id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		e.EntityType, e.ID, e.TenantID, string(data), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// GetEntity loads one of a tenant's entities. Ids are unique per tenant.
func (s *LibSQLStore) GetEntity(ctx context.Context, tenantID, entityType, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_type, id, tenant_id, data, created_at, updated_at FROM entities
		 WHERE tenant_id = ? AND entity_type = ? AND id = ?`,
		tenantID, entityType, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(entityType, id)
	}
	return e, err
}

func (s *LibSQLStore) DeleteEntity(ctx context.Context, tenantID, entityType, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE tenant_id = ? AND entity_type = ? AND id = ?`, tenantID, entityType, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, entityType, id)
}

// FindEntitiesByDate returns the tenant's entities whose field holds a value
// on the given calendar day. Both "2006-01-02" and RFC 3339 values match.
func (s *LibSQLStore) FindEntitiesByDate(ctx context.Context, tenantID, entityType, field string, date time.Time) ([]*Entity, error) {
	path := fmt.Sprintf(`$."%s"`, field)
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, id, tenant_id, data, created_at, updated_at FROM entities
		 WHERE tenant_id = ? AND entity_type = ? AND substr(json_extract(data, ?), 1, 10) = ?
		 ORDER BY id ASC`,
		tenantID, entityType, path, date.Format(DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDateTriggerFired records that a date trigger fired for an entity on a
// calendar day. It returns false when that firing was already recorded.
func (s *LibSQLStore) MarkDateTriggerFired(ctx context.Context, workflowID, entityID string, triggerIndex int, date time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO date_trigger_fires (workflow_id, entity_id, trigger_index, fire_date, fired_at) VALUES (?, ?, ?, ?, ?)`,
		workflowID, entityID, triggerIndex, date.Format(DateLayout), time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanEntity(r rowScanner) (*Entity, error) {
	e := &Entity{}
	var data string
	if err := r.Scan(&e.EntityType, &e.ID, &e.TenantID, &data, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
		return nil, fmt.Errorf("unmarshal entity data: %w", err)
	}
	return e, nil
}
