// Package entities is the write path for CRM records. Every successful write
// is published to the trigger matcher as an EntityEvent, which is how
// workflows see record changes, including the ones their own actions make.
package entities

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Store is the slice of store.Store the service needs.
type Store interface {
	UpsertEntity(ctx context.Context, e *store.Entity) error
	GetEntity(ctx context.Context, tenantID, entityType, id string) (*store.Entity, error)
	DeleteEntity(ctx context.Context, tenantID, entityType, id string) error
}

// EventSink receives entity events. *trigger.Matcher implements it.
type EventSink interface {
	OnEntityEvent(ctx context.Context, ev schema.EntityEvent) int
}

// Service creates, updates and deletes entities and publishes their events.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	sink EventSink
}

// New creates a Service. sink may be nil and installed later with SetSink,
// since the matcher is usually built after the actions that write through
// this service.
func New(s Store, sink EventSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, sink: sink, logger: logger, now: time.Now}
}

// SetSink installs the event sink.
func (s *Service) SetSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Get returns a tenant's entity. Other tenants' records are never visible,
// even under the same id.
func (s *Service) Get(ctx context.Context, tenantID, entityType, id string) (*store.Entity, error) {
	return s.store.GetEntity(ctx, tenantID, entityType, id)
}

// Create stores a new entity and publishes a Created event. An empty id is
// generated.
func (s *Service) Create(ctx context.Context, tenantID, entityType, id string, data map[string]any) (*store.Entity, error) {
	if tenantID == "" || entityType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id and entity_type are required")
	}
	if id == "" {
		id = uuid.NewString()
	} else if _, err := s.store.GetEntity(ctx, tenantID, entityType, id); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", entityType, id)
	} else if !schema.IsNotFound(err) {
		return nil, err
	}

	e := &store.Entity{
		TenantID:   tenantID,
		EntityType: entityType,
		ID:         id,
		Data:       maps.Clone(data),
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if err := s.store.UpsertEntity(ctx, e); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create entity").WithCause(err)
	}

	s.publish(ctx, schema.EntityEvent{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   id,
		Kind:       schema.EventCreated,
	})
	return e, nil
}

// Update merges patch into the entity and publishes an Updated event with
// the fields whose values actually changed. A patch that changes nothing is
// not written and publishes nothing.
func (s *Service) Update(ctx context.Context, tenantID, entityType, id string, patch map[string]any) (*store.Entity, error) {
	e, err := s.Get(ctx, tenantID, entityType, id)
	if err != nil {
		return nil, err
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}

	changed := map[string]any{}
	old := map[string]any{}
	for k, v := range patch {
		prev, had := e.Data[k]
		if had && sameValue(prev, v) {
			continue
		}
		changed[k] = v
		old[k] = prev
		e.Data[k] = v
	}
	if len(changed) == 0 {
		return e, nil
	}

	if err := s.store.UpsertEntity(ctx, e); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "update entity").WithCause(err)
	}

	s.publish(ctx, schema.EntityEvent{
		TenantID:          tenantID,
		EntityType:        entityType,
		EntityID:          id,
		Kind:              schema.EventUpdated,
		ChangedProperties: changed,
		OldPropertyValues: old,
	})
	return e, nil
}

// UpdateEntityField sets one field. It is the write path of the update_field
// action, so the event it publishes can cascade into further workflows.
func (s *Service) UpdateEntityField(ctx context.Context, tenantID, entityType, entityID, field string, value any) error {
	_, err := s.Update(ctx, tenantID, entityType, entityID, map[string]any{field: value})
	return err
}

// Delete removes the entity and publishes a Deleted event.
func (s *Service) Delete(ctx context.Context, tenantID, entityType, id string) error {
	if _, err := s.Get(ctx, tenantID, entityType, id); err != nil {
		return err
	}
	if err := s.store.DeleteEntity(ctx, tenantID, entityType, id); err != nil {
		if schema.IsNotFound(err) {
			return err
		}
		return schema.NewError(schema.ErrCodeStore, "delete entity").WithCause(err)
	}

	s.publish(ctx, schema.EntityEvent{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   id,
		Kind:       schema.EventDeleted,
	})
	return nil
}

// LoadEntityData returns a copy of the entity's fields, or nil, nil when the
// entity does not exist. It is the engine's snapshot loader.
func (s *Service) LoadEntityData(ctx context.Context, tenantID, entityType, entityID string) (map[string]any, error) {
	e, err := s.store.GetEntity(ctx, tenantID, entityType, entityID)
	if schema.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data := maps.Clone(e.Data)
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func (s *Service) publish(ctx context.Context, ev schema.EntityEvent) {
	ev.OccurredAt = s.now().UTC()

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return
	}
	n := sink.OnEntityEvent(ctx, ev)
	s.logger.DebugContext(ctx, "entity event published",
		slog.String("entity_type", ev.EntityType),
		slog.String("entity_id", ev.EntityID),
		slog.String("kind", string(ev.Kind)),
		slog.Int("matched", n))
}

// sameValue compares values by their JSON form, so 3 and 3.0 are the same
// value, as they are once stored.
func sameValue(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
