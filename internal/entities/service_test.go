package entities

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*store.Entity
	writes  int
	failErr error
}

func newMemStore() *memStore { return &memStore{records: map[string]*store.Entity{}} }

func key(tenantID, entityType, id string) string { return tenantID + "|" + entityType + "|" + id }

func (m *memStore) UpsertEntity(_ context.Context, e *store.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.writes++
	cp := *e
	cp.Data = map[string]any{}
	for k, v := range e.Data {
		cp.Data[k] = v
	}
	m.records[key(e.TenantID, e.EntityType, e.ID)] = &cp
	return nil
}

func (m *memStore) GetEntity(_ context.Context, tenantID, entityType, id string) (*store.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[key(tenantID, entityType, id)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", entityType, id)
	}
	cp := *e
	cp.Data = map[string]any{}
	for k, v := range e.Data {
		cp.Data[k] = v
	}
	return &cp, nil
}

func (m *memStore) DeleteEntity(_ context.Context, tenantID, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key(tenantID, entityType, id)]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", entityType, id)
	}
	delete(m.records, key(tenantID, entityType, id))
	return nil
}

type recordingSink struct {
	events []schema.EntityEvent
}

func (r *recordingSink) OnEntityEvent(_ context.Context, ev schema.EntityEvent) int {
	r.events = append(r.events, ev)
	return 1
}

func newService(t *testing.T) (*Service, *memStore, *recordingSink) {
	t.Helper()
	s := newMemStore()
	sink := &recordingSink{}
	return New(s, sink, nil), s, sink
}

func TestCreate(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open"})
	require.NoError(t, err)
	assert.Equal(t, "deal-1", e.ID)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, schema.EventCreated, ev.Kind)
	assert.Equal(t, "Deal", ev.EntityType)
	assert.Equal(t, "deal-1", ev.EntityID)
	assert.Nil(t, ev.ChangedProperties)
	assert.False(t, ev.OccurredAt.IsZero())

	_, err = svc.Create(ctx, "t1", "Deal", "deal-1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Len(t, sink.events, 1)
}

func TestCreate_GeneratesID(t *testing.T) {
	svc, _, _ := newService(t)
	e, err := svc.Create(context.Background(), "t1", "Contact", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.NotNil(t, e.Data)
}

func TestCreate_RequiresTenantAndType(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Create(context.Background(), "", "Deal", "x", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = svc.Create(context.Background(), "t1", "", "x", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestUpdate_ReportsOnlyChangedFields(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open", "Amount": 100})
	require.NoError(t, err)

	e, err := svc.Update(ctx, "t1", "Deal", "deal-1", map[string]any{
		"Stage":  "Won",
		"Amount": 100.0,
		"Owner":  "ana",
	})
	require.NoError(t, err)
	assert.Equal(t, "Won", e.Data["Stage"])

	require.Len(t, sink.events, 2)
	ev := sink.events[1]
	assert.Equal(t, schema.EventUpdated, ev.Kind)
	assert.Equal(t, map[string]any{"Stage": "Won", "Owner": "ana"}, ev.ChangedProperties)
	assert.Equal(t, map[string]any{"Stage": "Open", "Owner": nil}, ev.OldPropertyValues)
}

func TestUpdate_NoChangeNoEvent(t *testing.T) {
	svc, s, sink := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open"})
	require.NoError(t, err)
	writes := s.writes

	_, err = svc.Update(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open"})
	require.NoError(t, err)
	assert.Len(t, sink.events, 1)
	assert.Equal(t, writes, s.writes)
}

func TestUpdate_TenantIsolation(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", nil)
	require.NoError(t, err)

	_, err = svc.Update(ctx, "t2", "Deal", "deal-1", map[string]any{"Stage": "Won"})
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(svc.Delete(ctx, "t2", "Deal", "deal-1")))
	assert.Len(t, sink.events, 1)
}

func TestCreate_SameIDInAnotherTenant(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open"})
	require.NoError(t, err)

	e, err := svc.Create(ctx, "t2", "Deal", "deal-1", map[string]any{"Stage": "Won"})
	require.NoError(t, err, "ids are unique per tenant")
	assert.Equal(t, "t2", e.TenantID)

	mine, err := svc.Get(ctx, "t1", "Deal", "deal-1")
	require.NoError(t, err)
	assert.Equal(t, "Open", mine.Data["Stage"])
	assert.Len(t, sink.events, 2)
}

func TestUpdate_StoreFailure(t *testing.T) {
	svc, s, sink := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", nil)
	require.NoError(t, err)

	s.failErr = errors.New("disk full")
	_, err = svc.Update(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Won"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Len(t, sink.events, 1, "failed writes publish nothing")
}

func TestUpdateEntityField(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateEntityField(ctx, "t1", "Deal", "deal-1", "Stage", "Lost"))
	require.Len(t, sink.events, 2)
	assert.Equal(t, map[string]any{"Stage": "Lost"}, sink.events[1].ChangedProperties)

	err = svc.UpdateEntityField(ctx, "t1", "Deal", "missing", "Stage", "Lost")
	assert.True(t, schema.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "t1", "Deal", "deal-1"))
	require.Len(t, sink.events, 2)
	assert.Equal(t, schema.EventDeleted, sink.events[1].Kind)

	assert.True(t, schema.IsNotFound(svc.Delete(ctx, "t1", "Deal", "deal-1")))
}

func TestLoadEntityData(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	data, err := svc.LoadEntityData(ctx, "t1", "Deal", "missing")
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = svc.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open"})
	require.NoError(t, err)
	data, err = svc.LoadEntityData(ctx, "t1", "Deal", "deal-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Stage": "Open"}, data)

	data, err = svc.LoadEntityData(ctx, "t2", "Deal", "deal-1")
	require.NoError(t, err)
	assert.Nil(t, data, "another tenant's record is invisible")
}

func TestSetSink(t *testing.T) {
	s := newMemStore()
	svc := New(s, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "t1", "Deal", "deal-1", nil)
	require.NoError(t, err, "no sink is fine")

	sink := &recordingSink{}
	svc.SetSink(sink)
	require.NoError(t, svc.Delete(ctx, "t1", "Deal", "deal-1"))
	assert.Len(t, sink.events, 1)
}
