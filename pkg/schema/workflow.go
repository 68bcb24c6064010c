package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowDefinition is the immutable, versioned body of a workflow.
// It is loaded and evaluated as one unit.
type WorkflowDefinition struct {
	Triggers    []Trigger        `json:"triggers"`
	Conditions  []ConditionGroup `json:"conditions,omitempty"`
	Nodes       []Node           `json:"nodes,omitempty"`
	Connections []Connection     `json:"connections,omitempty"`
	Actions     []ActionConfig   `json:"actions,omitempty"`
}

// HasDateTriggers reports whether any trigger is date based.
func (d *WorkflowDefinition) HasDateTriggers() bool {
	for _, t := range d.Triggers {
		if t.Type == TriggerDateBased {
			return true
		}
	}
	return false
}

// WorkflowStatus is the authoring lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
)

// TriggerType enumerates the trigger variants.
type TriggerType string

const (
	TriggerRecordCreated TriggerType = "RecordCreated"
	TriggerRecordUpdated TriggerType = "RecordUpdated"
	TriggerRecordDeleted TriggerType = "RecordDeleted"
	TriggerFieldChanged  TriggerType = "FieldChanged"
	TriggerDateBased     TriggerType = "DateBased"
)

// Trigger is a tagged variant keyed by Type. Field, Operator, Value and
// FromValue apply to FieldChanged; Field, OffsetDays and PreferredTime apply
// to DateBased.
type Trigger struct {
	Type          TriggerType `json:"type"`
	Field         string      `json:"field,omitempty"`
	Operator      Operator    `json:"operator,omitempty"`
	Value         string      `json:"value,omitempty"`
	FromValue     *string     `json:"from_value,omitempty"`
	OffsetDays    int         `json:"offset_days,omitempty"`
	PreferredTime string      `json:"preferred_time,omitempty"` // HH:MM
}

// PreferredClock parses PreferredTime into minutes after midnight.
// ok is false when no preferred time is configured.
func (t Trigger) PreferredClock() (minutes int, ok bool, err error) {
	if t.PreferredTime == "" {
		return 0, false, nil
	}
	pt, err := time.Parse("15:04", t.PreferredTime)
	if err != nil {
		return 0, false, fmt.Errorf("invalid preferred_time %q: %w", t.PreferredTime, err)
	}
	return pt.Hour()*60 + pt.Minute(), true, nil
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals        Operator = "equals"
	OpNotEquals     Operator = "not_equals"
	OpGreaterThan   Operator = "gt"
	OpGreaterEqual  Operator = "gte"
	OpLessThan      Operator = "lt"
	OpLessEqual     Operator = "lte"
	OpContains      Operator = "contains"
	OpChangedTo     Operator = "changed_to"
	OpChangedFromTo Operator = "changed_from_to"
	OpIsNull        Operator = "is_null"
	OpIsNotNull     Operator = "is_not_null"
	OpExpression    Operator = "expression" // CEL predicate held in Value
)

// KnownOperators lists every operator the condition evaluator understands.
var KnownOperators = []Operator{
	OpEquals, OpNotEquals, OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual,
	OpContains, OpChangedTo, OpChangedFromTo, OpIsNull, OpIsNotNull, OpExpression,
}

// Condition is a single field-level predicate.
type Condition struct {
	Field     string   `json:"field,omitempty"`
	Operator  Operator `json:"operator"`
	Value     string   `json:"value,omitempty"`
	FromValue *string  `json:"from_value,omitempty"`
}

// ConditionGroup holds conditions combined with AND. Groups combine with OR.
type ConditionGroup struct {
	Conditions []Condition `json:"conditions"`
}

// NodeType enumerates graph node kinds.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeBranch    NodeType = "branch"
	NodeTypeWait      NodeType = "wait"
	NodeTypeCondition NodeType = "condition"
)

// Node is a vertex of the action graph. Config is decoded according to Type:
// BranchConfig for branch, WaitConfig for wait, ActionConfig for action nodes
// that are not listed in WorkflowDefinition.Actions.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Branch outputs.
const (
	OutputYes = "yes"
	OutputNo  = "no"
)

// Connection is a directed edge. SourceOutput is set only on branch edges.
type Connection struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	SourceOutput string `json:"source_output,omitempty"`
}

// Action types understood by the action executor.
const (
	ActionUpdateField      = "update_field"
	ActionSendNotification = "send_notification"
	ActionCreateTask       = "create_task"
	ActionSendEmail        = "send_email"
	ActionWebhook          = "webhook"
	ActionEnrollInSequence = "enroll_in_sequence"
)

// ActionConfig configures one action node.
type ActionConfig struct {
	NodeID          string         `json:"node_id"`
	ActionType      string         `json:"action_type"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

// BranchConfig is the config block for branch nodes.
// No condition groups means the "yes" output is taken.
type BranchConfig struct {
	ConditionGroups []ConditionGroup `json:"condition_groups,omitempty"`
}

// WaitConfig is the config block for wait nodes. Components are summed.
type WaitConfig struct {
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Days    int `json:"days,omitempty"`
}

// Delay returns the total wait duration.
func (w WaitConfig) Delay() time.Duration {
	return time.Duration(w.Minutes)*time.Minute +
		time.Duration(w.Hours)*time.Hour +
		time.Duration(w.Days)*24*time.Hour
}
