package queue

import (
	"context"
	"time"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// JobStore is the slice of store.Store the durable queue needs.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *store.Job) error
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*store.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id string, lastErr string) error
}

// StoreQueue persists jobs in the jobs table. A Dispatcher drains it.
type StoreQueue struct {
	store JobStore
	now   func() time.Time
}

// NewStoreQueue creates a durable queue over s.
func NewStoreQueue(s JobStore) *StoreQueue {
	return &StoreQueue{store: s, now: time.Now}
}

func (q *StoreQueue) Enqueue(ctx context.Context, job Job) error {
	return q.Schedule(ctx, job, 0)
}

func (q *StoreQueue) Schedule(ctx context.Context, job Job, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	rec := &store.Job{
		ID:      job.ID,
		Kind:    job.Kind,
		Payload: job.Payload,
		RunAt:   q.now().UTC().Add(delay),
	}
	if err := q.store.EnqueueJob(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "enqueue %s job %s: %s", job.Kind, job.ID, err).WithCause(err)
	}
	return nil
}

var _ Queue = (*StoreQueue)(nil)

func fromRecord(r *store.Job) Job {
	return Job{ID: r.ID, Kind: r.Kind, Payload: r.Payload, RunAt: r.RunAt, Attempts: r.Attempts}
}
