package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/service"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "crmflow.db")
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })
	return a
}

func wonDealWorkflow() service.CreateRequest {
	return service.CreateRequest{
		TenantID:   "t1",
		Name:       "Won deal follow-up",
		EntityType: "Deal",
		Definition: schema.WorkflowDefinition{
			Triggers: []schema.Trigger{{Type: schema.TriggerFieldChanged, Field: "Stage"}},
			Conditions: []schema.ConditionGroup{{Conditions: []schema.Condition{
				{Field: "Stage", Operator: schema.OpEquals, Value: "Won"},
			}}},
			Actions: []schema.ActionConfig{
				{NodeID: "notify", ActionType: schema.ActionSendNotification, Params: map[string]any{
					"user_id": "owner-1",
					"title":   "Deal won",
				}},
				{NodeID: "mark", ActionType: schema.ActionUpdateField, Params: map[string]any{
					"field": "FollowUp",
					"value": "scheduled",
				}},
			},
		},
	}
}

func TestApp_EntityUpdateRunsWorkflow(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	wf, err := a.workflows.Create(ctx, wonDealWorkflow())
	require.NoError(t, err)
	_, err = a.workflows.Activate(ctx, "t1", wf.ID)
	require.NoError(t, err)

	_, err = a.entities.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open", "Amount": 500})
	require.NoError(t, err)
	_, err = a.entities.Update(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Won"})
	require.NoError(t, err)

	n, err := a.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the Stage change matches the trigger")

	logs, err := a.workflows.Executions(ctx, store.ExecutionFilter{TenantID: "t1", WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, schema.ExecutionSucceeded, logs[0].Status)
	assert.Len(t, logs[0].ActionLogs, 2)

	notes, err := a.store.ListNotifications(ctx, store.OutboxFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Deal won", notes[0].Title)

	deal, err := a.entities.Get(ctx, "t1", "Deal", "deal-1")
	require.NoError(t, err)
	assert.Equal(t, "scheduled", deal.Data["FollowUp"])

	// The FollowUp write is itself an event, but it does not touch Stage.
	n, err = a.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := a.workflows.Get(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ExecutionCount)
	assert.EqualValues(t, 1, got.SuccessCount)
}

func TestApp_DraftWorkflowsDoNotRun(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	_, err := a.workflows.Create(ctx, wonDealWorkflow())
	require.NoError(t, err)
	_, err = a.entities.Create(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Open"})
	require.NoError(t, err)
	_, err = a.entities.Update(ctx, "t1", "Deal", "deal-1", map[string]any{"Stage": "Won"})
	require.NoError(t, err)

	n, err := a.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApp_RejectsUnknownAction(t *testing.T) {
	a := newTestApp(t)
	req := wonDealWorkflow()
	req.Definition.Actions[0].ActionType = "send_sms"

	_, err := a.workflows.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
