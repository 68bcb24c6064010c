package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	GetActiveWorkflows(ctx context.Context, tenantID, entityType string) ([]*Workflow, error)
	GetActiveWorkflowsWithDateTriggers(ctx context.Context) ([]*Workflow, error)
	RecordExecution(ctx context.Context, outcome ExecutionOutcome) error

	// Execution history
	SaveExecutionLog(ctx context.Context, log *ExecutionLog) error
	GetExecutionLog(ctx context.Context, id string) (*ExecutionLog, error)
	ListExecutionLogs(ctx context.Context, filter ExecutionFilter) ([]*ExecutionLog, error)

	// Entities
	UpsertEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, tenantID, entityType, id string) (*Entity, error)
	DeleteEntity(ctx context.Context, tenantID, entityType, id string) error
	FindEntitiesByDate(ctx context.Context, tenantID, entityType, field string, date time.Time) ([]*Entity, error)
	MarkDateTriggerFired(ctx context.Context, workflowID, entityID string, triggerIndex int, date time.Time) (bool, error)

	// Jobs
	EnqueueJob(ctx context.Context, job *Job) error
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id string, lastErr string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// Action outboxes
	CreateNotification(ctx context.Context, n *Notification) error
	CreateTask(ctx context.Context, t *Task) error
	CreateEmail(ctx context.Context, e *Email) error
	EnrollInSequence(ctx context.Context, en *SequenceEnrollment) (bool, error)
	ListNotifications(ctx context.Context, filter OutboxFilter) ([]*Notification, error)
	ListTasks(ctx context.Context, filter OutboxFilter) ([]*Task, error)
	ListEmails(ctx context.Context, filter OutboxFilter) ([]*Email, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
