package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/loopguard"
	"github.com/rendis/crmflow/internal/queue"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// --- fakes ---

type fakeSource struct {
	mu        sync.Mutex
	workflows map[string][]*store.Workflow // key: tenant|type
	calls     int
	err       error
}

func newFakeSource() *fakeSource {
	return &fakeSource{workflows: map[string][]*store.Workflow{}}
}

func (f *fakeSource) add(tenant, entityType string, wf *store.Workflow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenant + "|" + entityType
	f.workflows[key] = append(f.workflows[key], wf)
}

func (f *fakeSource) GetActiveWorkflows(_ context.Context, tenantID, entityType string) ([]*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.workflows[tenantID+"|"+entityType], nil
}

type failingQueue struct{ *queue.MemoryQueue }

func (q *failingQueue) Enqueue(ctx context.Context, job queue.Job) error {
	tc, _ := job.TriggerContext()
	if tc.WorkflowID == "wf-bad" {
		return errors.New("queue unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, job)
}

func workflow(id string, triggers ...schema.Trigger) *store.Workflow {
	return &store.Workflow{
		ID:         id,
		TenantID:   "t1",
		EntityType: "Deal",
		Status:     schema.WorkflowStatusActive,
		Definition: schema.WorkflowDefinition{Triggers: triggers},
	}
}

func updateEvent(changes, old map[string]any) schema.EntityEvent {
	return schema.EntityEvent{
		TenantID:          "t1",
		EntityType:        "Deal",
		EntityID:          "deal-1",
		Kind:              schema.EventUpdated,
		ChangedProperties: changes,
		OldPropertyValues: old,
	}
}

func newMatcher(src *fakeSource, q queue.Queue) *Matcher {
	return NewMatcher(NewCache(src, time.Minute), q, loopguard.New(5), nil, Config{}, nil)
}

func contexts(t *testing.T, q *queue.MemoryQueue) []schema.TriggerContext {
	t.Helper()
	var out []schema.TriggerContext
	for _, j := range q.Jobs() {
		tc, err := j.TriggerContext()
		require.NoError(t, err)
		out = append(out, tc)
	}
	return out
}

// --- Matching ---

func TestOnEntityEvent_KindTriggers(t *testing.T) {
	src := newFakeSource()
	src.add("t1", "Deal", workflow("wf-create", schema.Trigger{Type: schema.TriggerRecordCreated}))
	src.add("t1", "Deal", workflow("wf-update", schema.Trigger{Type: schema.TriggerRecordUpdated}))
	src.add("t1", "Deal", workflow("wf-delete", schema.Trigger{Type: schema.TriggerRecordDeleted}))
	src.add("t1", "Deal", workflow("wf-date", schema.Trigger{Type: schema.TriggerDateBased, Field: "CloseDate"}))
	q := queue.NewMemoryQueue(nil)
	m := newMatcher(src, q)
	ctx := context.Background()

	assert.Equal(t, 1, m.OnEntityEvent(ctx, schema.EntityEvent{TenantID: "t1", EntityType: "Deal", EntityID: "d", Kind: schema.EventCreated}))
	assert.Equal(t, 1, m.OnEntityEvent(ctx, schema.EntityEvent{TenantID: "t1", EntityType: "Deal", EntityID: "d", Kind: schema.EventDeleted}))

	got := contexts(t, q)
	require.Len(t, got, 2)
	assert.Equal(t, "wf-create", got[0].WorkflowID)
	assert.Equal(t, schema.TriggerRecordCreated, got[0].TriggerType)
	assert.Empty(t, got[0].ChangedProperties, "created events carry no change set")
	assert.Equal(t, "wf-delete", got[1].WorkflowID)
}

func TestOnEntityEvent_FieldChanged(t *testing.T) {
	src := newFakeSource()
	src.add("t1", "Deal", workflow("wf-stage", schema.Trigger{Type: schema.TriggerFieldChanged, Field: "Stage"}))
	src.add("t1", "Deal", workflow("wf-won", schema.Trigger{
		Type: schema.TriggerFieldChanged, Field: "Stage", Operator: schema.OpChangedTo, Value: "won",
	}))
	q := queue.NewMemoryQueue(nil)
	m := newMatcher(src, q)
	ctx := context.Background()

	assert.Equal(t, 0, m.OnEntityEvent(ctx, updateEvent(map[string]any{"Amount": 5.0}, map[string]any{"Amount": 1.0})))
	assert.Equal(t, 1, m.OnEntityEvent(ctx, updateEvent(map[string]any{"Stage": "Lost"}, map[string]any{"Stage": "Open"})))
	assert.Equal(t, 2, m.OnEntityEvent(ctx, updateEvent(map[string]any{"Stage": "Won"}, map[string]any{"Stage": "Open"})))

	got := contexts(t, q)
	require.Len(t, got, 3)
	assert.Equal(t, "Won", got[2].Changes()["Stage"])
	assert.Equal(t, "Open", got[2].Previous()["Stage"])
	assert.Equal(t, schema.EventUpdated, got[2].EventType)

	// FieldChanged never matches a create, even with the field set.
	assert.Equal(t, 0, m.OnEntityEvent(ctx, schema.EntityEvent{
		TenantID: "t1", EntityType: "Deal", EntityID: "d", Kind: schema.EventCreated,
		ChangedProperties: map[string]any{"Stage": "Won"},
	}))
}

func TestOnEntityEvent_Filters(t *testing.T) {
	src := newFakeSource()
	src.add("t1", "Invoice", workflow("wf-inv", schema.Trigger{Type: schema.TriggerRecordCreated}))
	src.add("t1", "Deal", workflow("wf-1", schema.Trigger{Type: schema.TriggerRecordCreated}))
	q := queue.NewMemoryQueue(nil)
	m := newMatcher(src, q)
	ctx := context.Background()

	assert.Zero(t, m.OnEntityEvent(ctx, schema.EntityEvent{TenantID: "t1", EntityType: "Invoice", Kind: schema.EventCreated}),
		"ineligible entity type")
	assert.Zero(t, m.OnEntityEvent(ctx, schema.EntityEvent{EntityType: "Deal", Kind: schema.EventCreated}),
		"no tenant")
	assert.Zero(t, src.calls, "filtered events never reach the store")

	chain := loopguard.NewChain(5)
	chain.SetDepth(5)
	deep := loopguard.WithChain(ctx, chain)
	assert.Zero(t, m.OnEntityEvent(deep, schema.EntityEvent{TenantID: "t1", EntityType: "Deal", Kind: schema.EventCreated}),
		"depth ceiling")
	assert.Empty(t, q.Jobs())
}

func TestOnEntityEvent_StampsChainDepth(t *testing.T) {
	src := newFakeSource()
	src.add("t1", "Deal", workflow("wf-1", schema.Trigger{Type: schema.TriggerRecordUpdated}))
	q := queue.NewMemoryQueue(nil)
	m := newMatcher(src, q)

	chain := loopguard.NewChain(5)
	chain.SetDepth(3)
	m.OnEntityEvent(loopguard.WithChain(context.Background(), chain), updateEvent(map[string]any{"X": "1"}, nil))

	got := contexts(t, q)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].CurrentDepth)
}

func TestOnEntityEvent_IsolatesWorkflowFailures(t *testing.T) {
	src := newFakeSource()
	src.add("t1", "Deal", workflow("wf-bad", schema.Trigger{Type: schema.TriggerRecordCreated}))
	src.add("t1", "Deal", workflow("wf-good", schema.Trigger{Type: schema.TriggerRecordCreated}))
	q := &failingQueue{MemoryQueue: queue.NewMemoryQueue(nil)}
	m := newMatcher(src, q)

	n := m.OnEntityEvent(context.Background(), schema.EntityEvent{TenantID: "t1", EntityType: "Deal", EntityID: "d", Kind: schema.EventCreated})
	assert.Equal(t, 1, n)
	got := contexts(t, q.MemoryQueue)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-good", got[0].WorkflowID)

	src.err = errors.New("db down")
	m.Cache().InvalidateAll()
	assert.Zero(t, m.OnEntityEvent(context.Background(), schema.EntityEvent{TenantID: "t1", EntityType: "Deal", Kind: schema.EventCreated}))
}

// --- Cache ---

func TestCache_TTLAndInvalidate(t *testing.T) {
	src := newFakeSource()
	src.add("t1", "Deal", workflow("wf-1"))
	src.add("t2", "Deal", workflow("wf-2"))
	c := NewCache(src, 30*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	wfs, err := c.Get(ctx, "t1", "Deal")
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	_, _ = c.Get(ctx, "t1", "Deal")
	_, _ = c.Get(ctx, "t2", "Deal")
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 2, c.Len())

	now = now.Add(31 * time.Second)
	_, _ = c.Get(ctx, "t1", "Deal")
	assert.Equal(t, 3, src.calls, "expired entry reloads")

	src.add("t1", "Deal", workflow("wf-3"))
	c.Invalidate("t1")
	assert.Equal(t, 1, c.Len(), "other tenants stay cached")
	wfs, _ = c.Get(ctx, "t1", "Deal")
	assert.Len(t, wfs, 2)

	c.InvalidateAll()
	assert.Zero(t, c.Len())
}

type blockingSource struct {
	*fakeSource
	started chan struct{}
	release chan struct{}
}

func (b *blockingSource) GetActiveWorkflows(ctx context.Context, tenantID, entityType string) ([]*store.Workflow, error) {
	wfs, err := b.fakeSource.GetActiveWorkflows(ctx, tenantID, entityType)
	close(b.started)
	<-b.release
	return wfs, err
}

func TestCache_InvalidateDuringLoadDropsStaleResult(t *testing.T) {
	src := &blockingSource{fakeSource: newFakeSource(), started: make(chan struct{}), release: make(chan struct{})}
	src.add("t1", "Deal", workflow("wf-old"))
	c := NewCache(src, time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), "t1", "Deal")
	}()
	<-src.started
	c.Invalidate("t1")
	close(src.release)
	<-done

	assert.Zero(t, c.Len(), "a load that raced with Invalidate is not cached")
}
