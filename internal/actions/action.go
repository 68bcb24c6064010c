package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/pkg/schema"
)

// Action is one side-effecting operation a workflow action node can run.
type Action interface {
	Type() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(actionType string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the parameter contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params  map[string]any        `json:"params"`
	Record  map[string]any        `json:"record,omitempty"`
	Trigger schema.TriggerContext `json:"trigger"`
}

// Env returns the expression environment for this input: the entity snapshot
// under "record", the change set under "changes", old values under
// "previous", and the trigger context under "trigger".
func (in ActionInput) Env() map[string]any {
	return expressions.Env(in.Record, in.Trigger.Changes(), in.Trigger.Previous(), triggerMap(in.Trigger))
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func triggerMap(tc schema.TriggerContext) map[string]any {
	return map[string]any{
		"workflow_id":  tc.WorkflowID,
		"entity_id":    tc.EntityID,
		"entity_type":  tc.EntityType,
		"tenant_id":    tc.TenantID,
		"trigger_type": string(tc.TriggerType),
		"event_type":   string(tc.EventType),
		"depth":        tc.CurrentDepth,
	}
}

func output(v any) (*ActionOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "marshal action output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}
