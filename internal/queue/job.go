// Package queue carries workflow runs across process boundaries: a Job is a
// serializable unit of work, a Queue accepts jobs now or after a delay, and a
// Dispatcher drains the durable queue through a bounded worker pool.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crmflow/pkg/schema"
)

// Job kinds.
const (
	KindExecute  = "execute_workflow"
	KindContinue = "continue_workflow"
)

// Job is a unit of work. Payload holds a schema.TriggerContext for
// KindExecute and a ContinuePayload for KindContinue.
type Job struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	RunAt    time.Time       `json:"run_at"`
	Attempts int             `json:"attempts"`
}

// ContinuePayload resumes a suspended run at NodeID.
type ContinuePayload struct {
	Context        schema.TriggerContext `json:"context"`
	ExecutionLogID string                `json:"execution_log_id"`
	NodeID         string                `json:"node_id"`
}

// NewExecuteJob wraps a trigger context into an execute job.
func NewExecuteJob(tc schema.TriggerContext) (Job, error) {
	return newJob(KindExecute, tc)
}

// NewContinueJob builds the re-entry job scheduled by a wait node.
func NewContinueJob(tc schema.TriggerContext, executionLogID, nodeID string) (Job, error) {
	return newJob(KindContinue, ContinuePayload{Context: tc, ExecutionLogID: executionLogID, NodeID: nodeID})
}

func newJob(kind string, payload any) (Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, schema.NewErrorf(schema.ErrCodeQueue, "encode %s payload: %s", kind, err).WithCause(err)
	}
	return Job{ID: uuid.NewString(), Kind: kind, Payload: b}, nil
}

// TriggerContext decodes an execute job's payload.
func (j Job) TriggerContext() (schema.TriggerContext, error) {
	var tc schema.TriggerContext
	if j.Kind != KindExecute {
		return tc, schema.NewErrorf(schema.ErrCodeValidation, "job %s is %s, not %s", j.ID, j.Kind, KindExecute)
	}
	if err := json.Unmarshal(j.Payload, &tc); err != nil {
		return tc, schema.NewErrorf(schema.ErrCodeValidation, "decode trigger context: %s", err).WithCause(err)
	}
	return tc, nil
}

// Continuation decodes a continue job's payload.
func (j Job) Continuation() (ContinuePayload, error) {
	var p ContinuePayload
	if j.Kind != KindContinue {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "job %s is %s, not %s", j.ID, j.Kind, KindContinue)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "decode continuation: %s", err).WithCause(err)
	}
	return p, nil
}

// Queue accepts jobs for at-least-once delivery. No ordering is guaranteed
// between distinct jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Schedule(ctx context.Context, job Job, delay time.Duration) error
}

// Handler processes one job. A non-nil error requests redelivery when the
// error is retryable.
type Handler func(ctx context.Context, job Job) error
