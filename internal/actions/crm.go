package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// --- JSON Schemas ---

const updateFieldInputSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string", "minLength": 1},
    "value": {},
    "value_expression": {"type": "string", "minLength": 1}
  },
  "required": ["field"],
  "anyOf": [{"required": ["value"]}, {"required": ["value_expression"]}]
}`

const notificationInputSchema = `{
  "type": "object",
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1},
    "message": {"type": "string"}
  },
  "required": ["user_id", "title"]
}`

const taskInputSchema = `{
  "type": "object",
  "properties": {
    "subject": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "assignee_id": {"type": "string"},
    "priority": {"type": "string", "enum": ["low", "normal", "high"], "default": "normal"},
    "due_in_days": {"type": "integer", "minimum": 0}
  },
  "required": ["subject"]
}`

const emailInputSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "minLength": 1},
    "subject": {"type": "string", "minLength": 1},
    "body": {"type": "string"}
  },
  "required": ["to", "subject"]
}`

const enrollInputSchema = `{
  "type": "object",
  "properties": {
    "sequence_id": {"type": "string", "minLength": 1}
  },
  "required": ["sequence_id"]
}`

func requireParams(actionType string, params map[string]any, keys ...string) error {
	for _, k := range keys {
		if stringParam(params, k, "") == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param '%s'", actionType, k)
		}
	}
	return nil
}

func outboxFailed(actionType string, err error) error {
	return schema.NewErrorf(schema.ErrCodeActionFailed, "%s: %s", actionType, err).WithCause(err)
}

// --- UpdateFieldAction ---

// UpdateFieldAction sets one field on the triggering entity. The new value is
// either the literal "value" param or the result of "value_expression"
// evaluated with expr over the snapshot.
type UpdateFieldAction struct {
	writer EntityWriter
	expr   *expressions.ExprEngine
}

func (a *UpdateFieldAction) Type() string { return schema.ActionUpdateField }

func (a *UpdateFieldAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Set a field on the triggering record to a literal or computed value.",
		InputSchema: json.RawMessage(updateFieldInputSchema),
	}
}

func (a *UpdateFieldAction) Validate(params map[string]any) error {
	if err := requireParams(a.Type(), params, "field"); err != nil {
		return err
	}
	_, hasValue := params["value"]
	if !hasValue && stringParam(params, "value_expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "update_field: one of 'value' or 'value_expression' is required")
	}
	return nil
}

func (a *UpdateFieldAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	if a.writer == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "update_field: no entity writer configured")
	}
	field := stringParam(in.Params, "field", "")
	value := in.Params["value"]
	if src := stringParam(in.Params, "value_expression", ""); src != "" {
		v, err := a.expr.Evaluate(ctx, src, in.Env())
		if err != nil {
			return nil, err
		}
		value = v
	}

	tc := in.Trigger
	if err := a.writer.UpdateEntityField(ctx, tc.TenantID, tc.EntityType, tc.EntityID, field, value); err != nil {
		return nil, outboxFailed(a.Type(), err)
	}
	return output(map[string]any{"field": field, "value": value})
}

// --- NotificationAction ---

// NotificationAction records an in-app notification for a user. Title and
// message are templates over the snapshot.
type NotificationAction struct {
	outbox Outbox
}

func (a *NotificationAction) Type() string { return schema.ActionSendNotification }

func (a *NotificationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Notify a user about the triggering record.",
		InputSchema: json.RawMessage(notificationInputSchema),
	}
}

func (a *NotificationAction) Validate(params map[string]any) error {
	return requireParams(a.Type(), params, "user_id", "title")
}

func (a *NotificationAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	env := in.Env()
	r := renderer{env: env}
	n := &store.Notification{
		ID:         uuid.NewString(),
		TenantID:   in.Trigger.TenantID,
		UserID:     r.param(in.Params, "user_id"),
		Title:      r.param(in.Params, "title"),
		Message:    r.param(in.Params, "message"),
		EntityType: in.Trigger.EntityType,
		EntityID:   in.Trigger.EntityID,
		WorkflowID: in.Trigger.WorkflowID,
	}
	if r.err != nil {
		return nil, r.err
	}
	if n.UserID == "" {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "send_notification: recipient resolved to empty")
	}
	if err := a.outbox.CreateNotification(ctx, n); err != nil {
		return nil, outboxFailed(a.Type(), err)
	}
	return output(map[string]any{"notification_id": n.ID, "user_id": n.UserID})
}

// --- TaskAction ---

// TaskAction creates a follow-up task linked to the triggering record.
type TaskAction struct {
	outbox Outbox
	now    func() time.Time
}

func (a *TaskAction) Type() string { return schema.ActionCreateTask }

func (a *TaskAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Create a follow-up task, optionally due N days from now.",
		InputSchema: json.RawMessage(taskInputSchema),
	}
}

func (a *TaskAction) Validate(params map[string]any) error {
	if err := requireParams(a.Type(), params, "subject"); err != nil {
		return err
	}
	switch stringParam(params, "priority", "normal") {
	case "low", "normal", "high":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "create_task: invalid priority %q", params["priority"])
	}
	if intParam(params, "due_in_days", 0) < 0 {
		return schema.NewError(schema.ErrCodeValidation, "create_task: due_in_days must be >= 0")
	}
	return nil
}

func (a *TaskAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	r := renderer{env: in.Env()}
	t := &store.Task{
		ID:          uuid.NewString(),
		TenantID:    in.Trigger.TenantID,
		Subject:     r.param(in.Params, "subject"),
		Description: r.param(in.Params, "description"),
		AssigneeID:  r.param(in.Params, "assignee_id"),
		Priority:    stringParam(in.Params, "priority", "normal"),
		EntityType:  in.Trigger.EntityType,
		EntityID:    in.Trigger.EntityID,
		WorkflowID:  in.Trigger.WorkflowID,
	}
	if r.err != nil {
		return nil, r.err
	}
	if _, ok := in.Params["due_in_days"]; ok {
		due := a.now().UTC().AddDate(0, 0, intParam(in.Params, "due_in_days", 0))
		t.DueAt = &due
	}
	if err := a.outbox.CreateTask(ctx, t); err != nil {
		return nil, outboxFailed(a.Type(), err)
	}
	return output(map[string]any{"task_id": t.ID, "due_at": t.DueAt})
}

// --- EmailAction ---

// EmailAction renders an email from templates and queues it in the email
// outbox.
type EmailAction struct {
	outbox Outbox
}

func (a *EmailAction) Type() string { return schema.ActionSendEmail }

func (a *EmailAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Render a templated email over the record and queue it for delivery.",
		InputSchema: json.RawMessage(emailInputSchema),
	}
}

func (a *EmailAction) Validate(params map[string]any) error {
	return requireParams(a.Type(), params, "to", "subject")
}

func (a *EmailAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	r := renderer{env: in.Env()}
	e := &store.Email{
		ID:         uuid.NewString(),
		TenantID:   in.Trigger.TenantID,
		To:         r.param(in.Params, "to"),
		Subject:    r.param(in.Params, "subject"),
		Body:       r.param(in.Params, "body"),
		EntityType: in.Trigger.EntityType,
		EntityID:   in.Trigger.EntityID,
		WorkflowID: in.Trigger.WorkflowID,
	}
	if r.err != nil {
		return nil, r.err
	}
	if e.To == "" {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "send_email: recipient resolved to empty")
	}
	if err := a.outbox.CreateEmail(ctx, e); err != nil {
		return nil, outboxFailed(a.Type(), err)
	}
	return output(map[string]any{"email_id": e.ID, "to": e.To})
}

// --- EnrollAction ---

// EnrollAction enrolls the triggering record in an outreach sequence. An
// existing enrollment is a success.
type EnrollAction struct {
	outbox Outbox
}

func (a *EnrollAction) Type() string { return schema.ActionEnrollInSequence }

func (a *EnrollAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Enroll the record in an outreach sequence.",
		InputSchema: json.RawMessage(enrollInputSchema),
	}
}

func (a *EnrollAction) Validate(params map[string]any) error {
	return requireParams(a.Type(), params, "sequence_id")
}

func (a *EnrollAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	seq := stringParam(in.Params, "sequence_id", "")
	created, err := a.outbox.EnrollInSequence(ctx, &store.SequenceEnrollment{
		TenantID:   in.Trigger.TenantID,
		SequenceID: seq,
		EntityType: in.Trigger.EntityType,
		EntityID:   in.Trigger.EntityID,
		WorkflowID: in.Trigger.WorkflowID,
	})
	if err != nil {
		return nil, outboxFailed(a.Type(), err)
	}
	return output(map[string]any{"sequence_id": seq, "enrolled": created})
}

// renderer renders several params and keeps the first error.
type renderer struct {
	env map[string]any
	err error
}

func (r *renderer) param(params map[string]any, key string) string {
	if r.err != nil {
		return ""
	}
	s, err := render(stringParam(params, key, ""), r.env)
	if err != nil {
		r.err = err
		return ""
	}
	return s
}
