package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

// Workflow is the persisted representation of an authored workflow.
type Workflow struct {
	ID             string                    `json:"id"`
	TenantID       string                    `json:"tenant_id"`
	Name           string                    `json:"name"`
	Description    string                    `json:"description,omitempty"`
	EntityType     string                    `json:"entity_type"`
	Status         schema.WorkflowStatus     `json:"status"`
	Version        int                       `json:"version"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	ExecutionCount int64                     `json:"execution_count"`
	SuccessCount   int64                     `json:"success_count"`
	FailureCount   int64                     `json:"failure_count"`
	LastExecutedAt *time.Time                `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// IsActive reports whether the workflow accepts new runs.
func (w *Workflow) IsActive() bool {
	return w != nil && w.Status == schema.WorkflowStatusActive
}

// WorkflowUpdate specifies mutable fields of a workflow. Definition changes
// bump Version.
type WorkflowUpdate struct {
	Name        *string
	Description *string
	EntityType  *string
	Status      *schema.WorkflowStatus
	Definition  *schema.WorkflowDefinition
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TenantID         string
	EntityType       string
	Status           *schema.WorkflowStatus
	DateTriggersOnly bool
	Limit            int
	Offset           int
}

// ExecutionLog is the audit record of one logical workflow run. A run that
// passes through a wait node is saved once per segment under the same ID.
type ExecutionLog struct {
	ID                  string                 `json:"id"`
	TenantID            string                 `json:"tenant_id"`
	WorkflowID          string                 `json:"workflow_id"`
	EntityID            string                 `json:"entity_id"`
	EntityType          string                 `json:"entity_type"`
	TriggerType         schema.TriggerType     `json:"trigger_type"`
	TriggerEvent        string                 `json:"trigger_event,omitempty"`
	ConditionsEvaluated bool                   `json:"conditions_evaluated"`
	ConditionsPassed    bool                   `json:"conditions_passed"`
	Status              schema.ExecutionStatus `json:"status"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	StartedAt           time.Time              `json:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	DurationMs          int64                  `json:"duration_ms"`
	ActionLogs          []*ActionLog           `json:"action_logs,omitempty"`
}

// NextOrder returns the order number for the next action log.
func (l *ExecutionLog) NextOrder() int {
	next := 1
	for _, a := range l.ActionLogs {
		if a.Order >= next {
			next = a.Order + 1
		}
	}
	return next
}

// ActionLog records one executed action node.
type ActionLog struct {
	ExecutionID  string              `json:"execution_id"`
	ActionType   string              `json:"action_type"`
	ActionNodeID string              `json:"action_node_id"`
	Order        int                 `json:"order"`
	Status       schema.ActionStatus `json:"status"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Output       json.RawMessage     `json:"output,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  time.Time           `json:"completed_at"`
	DurationMs   int64               `json:"duration_ms"`
}

// ExecutionFilter specifies criteria for listing execution logs.
type ExecutionFilter struct {
	TenantID   string
	WorkflowID string
	EntityID   string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// ExecutionOutcome is applied to a workflow's run counters.
type ExecutionOutcome struct {
	WorkflowID  string
	ExecutionID string
	Status      schema.ExecutionStatus
	At          time.Time
}

// Entity is a CRM record held as a flat JSON document.
type Entity struct {
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// Job is a durable unit of work. Payload is opaque to the store.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	RunAt     time.Time       `json:"run_at"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Kind   string
	Status *JobStatus
	Limit  int
}

// Notification is an in-app notification produced by a workflow.
type Notification struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	WorkflowID string    `json:"workflow_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is a follow-up activity created by a workflow.
type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	WorkflowID  string     `json:"workflow_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Email is a rendered outbound email awaiting delivery.
type Email struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	WorkflowID string    `json:"workflow_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// SequenceEnrollment places an entity in an outreach sequence.
type SequenceEnrollment struct {
	TenantID   string    `json:"tenant_id"`
	SequenceID string    `json:"sequence_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	WorkflowID string    `json:"workflow_id"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// OutboxFilter narrows outbox listings to one entity.
type OutboxFilter struct {
	TenantID string
	EntityID string
	Limit    int
}
