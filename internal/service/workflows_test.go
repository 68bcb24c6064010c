package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

type memStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	logs      map[string]*store.ExecutionLog
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{workflows: map[string]*store.Workflow{}, logs: map[string]*store.ExecutionLog{}}
}

func (m *memStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	wf.Version = 1
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *memStore) UpdateWorkflow(_ context.Context, id string, u store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	if u.Name != nil {
		wf.Name = *u.Name
	}
	if u.Description != nil {
		wf.Description = *u.Description
	}
	if u.EntityType != nil {
		wf.EntityType = *u.EntityType
	}
	if u.Status != nil {
		wf.Status = *u.Status
	}
	if u.Definition != nil {
		wf.Definition = *u.Definition
		wf.Version++
	}
	return nil
}

func (m *memStore) ListWorkflows(_ context.Context, f store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if wf.TenantID != f.TenantID {
			continue
		}
		if f.Status != nil && wf.Status != *f.Status {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *memStore) GetExecutionLog(_ context.Context, id string) (*store.ExecutionLog, error) {
	l, ok := m.logs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution log %q not found", id)
	}
	return l, nil
}

func (m *memStore) ListExecutionLogs(_ context.Context, f store.ExecutionFilter) ([]*store.ExecutionLog, error) {
	var out []*store.ExecutionLog
	for _, l := range m.logs {
		if l.TenantID == f.TenantID && (f.WorkflowID == "" || l.WorkflowID == f.WorkflowID) {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeValidator struct {
	err   error
	calls int
}

func (v *fakeValidator) ValidateDefinition(*schema.WorkflowDefinition) error {
	v.calls++
	return v.err
}

type fakeCache struct {
	invalidated []string
}

func (c *fakeCache) Invalidate(tenantID string) { c.invalidated = append(c.invalidated, tenantID) }

type fixture struct {
	svc       *WorkflowService
	store     *memStore
	validator *fakeValidator
	cache     *fakeCache
}

func newFixture() *fixture {
	f := &fixture{store: newMemStore(), validator: &fakeValidator{}, cache: &fakeCache{}}
	f.svc = NewWorkflowService(f.store, f.validator, f.cache, []string{"Deal", "Contact"}, nil)
	return f
}

func request() CreateRequest {
	return CreateRequest{
		TenantID:   "t1",
		Name:       "Won deal follow-up",
		EntityType: "Deal",
		Definition: schema.WorkflowDefinition{
			Triggers: []schema.Trigger{{Type: schema.TriggerRecordUpdated}},
		},
	}
}

func (f *fixture) create(t *testing.T) *store.Workflow {
	t.Helper()
	wf, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)
	return wf
}

func TestCreate(t *testing.T) {
	f := newFixture()
	wf := f.create(t)

	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, schema.WorkflowStatusDraft, wf.Status)
	assert.Equal(t, 1, f.validator.calls)
	assert.Equal(t, []string{"t1"}, f.cache.invalidated)

	stored, err := f.svc.Get(context.Background(), "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "Won deal follow-up", stored.Name)
}

func TestCreate_Rejects(t *testing.T) {
	cases := map[string]func(r *CreateRequest){
		"no tenant":       func(r *CreateRequest) { r.TenantID = "" },
		"no name":         func(r *CreateRequest) { r.Name = "  " },
		"no entity type":  func(r *CreateRequest) { r.EntityType = "" },
		"ineligible type": func(r *CreateRequest) { r.EntityType = "Invoice" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			req := request()
			mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
			assert.Empty(t, f.cache.invalidated)
		})
	}
}

func TestCreate_InvalidDefinition(t *testing.T) {
	f := newFixture()
	f.validator.err = schema.NewError(schema.ErrCodeValidation, "triggers: at least one trigger is required")

	_, err := f.svc.Create(context.Background(), request())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Empty(t, f.store.workflows)
}

func TestCreate_DuplicateID(t *testing.T) {
	f := newFixture()
	req := request()
	req.ID = "wf-1"
	_, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), req)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestGet_OtherTenant(t *testing.T) {
	f := newFixture()
	wf := f.create(t)
	_, err := f.svc.Get(context.Background(), "t2", wf.ID)
	assert.True(t, schema.IsNotFound(err))
}

func TestUpdate(t *testing.T) {
	f := newFixture()
	wf := f.create(t)
	ctx := context.Background()

	name := "Renamed"
	def := schema.WorkflowDefinition{Triggers: []schema.Trigger{{Type: schema.TriggerRecordCreated}}}
	got, err := f.svc.Update(ctx, "t1", wf.ID, UpdateRequest{Name: &name, Definition: &def})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 2, f.validator.calls)
	assert.Len(t, f.cache.invalidated, 2)

	empty := ""
	_, err = f.svc.Update(ctx, "t1", wf.ID, UpdateRequest{Name: &empty})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	f.validator.err = schema.NewError(schema.ErrCodeValidation, "bad")
	_, err = f.svc.Update(ctx, "t1", wf.ID, UpdateRequest{Definition: &def})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Len(t, f.cache.invalidated, 2)
}

func TestLifecycle(t *testing.T) {
	f := newFixture()
	wf := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Deactivate(ctx, "t1", wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "drafts cannot be deactivated")

	got, err := f.svc.Activate(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)

	calls := f.validator.calls
	_, err = f.svc.Activate(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, calls, f.validator.calls, "activating an active workflow is a no-op")

	got, err = f.svc.Deactivate(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusInactive, got.Status)

	got, err = f.svc.Activate(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)
	assert.Equal(t, []string{"t1", "t1", "t1", "t1"}, f.cache.invalidated)
}

func TestActivate_RevalidatesDefinition(t *testing.T) {
	f := newFixture()
	wf := f.create(t)
	f.validator.err = schema.NewError(schema.ErrCodeActionUnavailable, "action type \"sms\" is not registered")

	_, err := f.svc.Activate(context.Background(), "t1", wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionUnavailable))

	stored, err := f.svc.Get(context.Background(), "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusDraft, stored.Status)
}

func TestActivate_StoreFailure(t *testing.T) {
	f := newFixture()
	wf := f.create(t)
	f.store.updateErr = errors.New("database is locked")

	_, err := f.svc.Activate(context.Background(), "t1", wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestDelete(t *testing.T) {
	f := newFixture()
	wf := f.create(t)
	ctx := context.Background()

	assert.True(t, schema.IsNotFound(f.svc.Delete(ctx, "t2", wf.ID)))
	require.NoError(t, f.svc.Delete(ctx, "t1", wf.ID))
	_, err := f.svc.Get(ctx, "t1", wf.ID)
	assert.True(t, schema.IsNotFound(err))
	assert.Len(t, f.cache.invalidated, 2)
}

func TestList(t *testing.T) {
	f := newFixture()
	f.create(t)
	other := request()
	other.TenantID = "t2"
	_, err := f.svc.Create(context.Background(), other)
	require.NoError(t, err)

	wfs, err := f.svc.List(context.Background(), store.WorkflowFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, wfs, 1)

	_, err = f.svc.List(context.Background(), store.WorkflowFilter{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExecutions(t *testing.T) {
	f := newFixture()
	f.store.logs["log-1"] = &store.ExecutionLog{ID: "log-1", TenantID: "t1", WorkflowID: "wf-1", Status: schema.ExecutionSucceeded}
	f.store.logs["log-2"] = &store.ExecutionLog{ID: "log-2", TenantID: "t2", WorkflowID: "wf-2"}
	ctx := context.Background()

	logs, err := f.svc.Executions(ctx, store.ExecutionFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "log-1", logs[0].ID)

	got, err := f.svc.Execution(ctx, "t1", "log-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSucceeded, got.Status)

	_, err = f.svc.Execution(ctx, "t1", "log-2")
	assert.True(t, schema.IsNotFound(err))
}
