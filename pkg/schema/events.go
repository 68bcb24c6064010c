package schema

import (
	"encoding/json"
	"time"
)

// EventKind is the lifecycle kind of an entity change.
type EventKind string

const (
	EventCreated EventKind = "Created"
	EventUpdated EventKind = "Updated"
	EventDeleted EventKind = "Deleted"
)

// EntityEvent is published by the domain event source after a successful
// entity write. ChangedProperties and OldPropertyValues are set only for
// updates.
type EntityEvent struct {
	TenantID          string         `json:"tenant_id"`
	EntityType        string         `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	Kind              EventKind      `json:"kind"`
	ChangedProperties map[string]any `json:"changed_properties,omitempty"`
	OldPropertyValues map[string]any `json:"old_property_values,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
}

// TriggerContext is the unit of work handed to the job queue. It carries no
// live references: property maps travel JSON-encoded and the cascade depth
// travels as a plain integer.
type TriggerContext struct {
	WorkflowID        string      `json:"workflow_id"`
	EntityID          string      `json:"entity_id"`
	EntityType        string      `json:"entity_type"`
	TenantID          string      `json:"tenant_id"`
	TriggerType       TriggerType `json:"trigger_type"`
	EventType         EventKind   `json:"event_type,omitempty"`
	ChangedProperties string      `json:"changed_properties,omitempty"`
	OldPropertyValues string      `json:"old_property_values,omitempty"`
	CurrentDepth      int         `json:"current_depth"`
}

// Changes decodes ChangedProperties. A missing or malformed payload yields nil.
func (c TriggerContext) Changes() map[string]any {
	return DecodeProperties(c.ChangedProperties)
}

// Previous decodes OldPropertyValues. A missing or malformed payload yields nil.
func (c TriggerContext) Previous() map[string]any {
	return DecodeProperties(c.OldPropertyValues)
}

// EncodeProperties renders a property map into the context's string form.
// Empty maps encode to "".
func EncodeProperties(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeProperties is the inverse of EncodeProperties.
func DecodeProperties(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// ExecutionStatus is the outcome of one workflow run.
type ExecutionStatus string

const (
	ExecutionSucceeded       ExecutionStatus = "Succeeded"
	ExecutionPartiallyFailed ExecutionStatus = "PartiallyFailed"
	ExecutionFailed          ExecutionStatus = "Failed"
	ExecutionSkipped         ExecutionStatus = "Skipped"
	// ExecutionWaiting marks a log whose traversal is suspended at a wait node.
	ExecutionWaiting ExecutionStatus = "Waiting"
)

// ActionStatus is the outcome of one action node.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "Succeeded"
	ActionFailed    ActionStatus = "Failed"
)
