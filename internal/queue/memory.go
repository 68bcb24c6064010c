package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. Every accepted job is recorded. With a
// handler set, Enqueue runs the handler synchronously on the caller's context
// so that chain-scoped state in ctx carries through nested runs. Scheduled
// jobs are held until RunDue is called.
type MemoryQueue struct {
	mu      sync.Mutex
	handler Handler
	now     func() time.Time
	jobs    []Job
	pending []Job
}

// NewMemoryQueue creates an empty queue. handler may be nil.
func NewMemoryQueue(handler Handler) *MemoryQueue {
	return &MemoryQueue{handler: handler, now: time.Now}
}

// SetHandler installs the inline handler.
func (q *MemoryQueue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	job.RunAt = q.now()
	q.jobs = append(q.jobs, job)
	h := q.handler
	q.mu.Unlock()

	if h != nil {
		return h(ctx, job)
	}
	return nil
}

func (q *MemoryQueue) Schedule(_ context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.RunAt = q.now().Add(delay)
	q.jobs = append(q.jobs, job)
	q.pending = append(q.pending, job)
	return nil
}

// Jobs returns a copy of every job accepted so far, in arrival order.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

// Pending returns the scheduled jobs RunDue has not run yet.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.pending...)
}

// RunDue runs every pending job due at or before now, earliest first. Each
// job runs on a fresh context, as it would after crossing a real queue.
func (q *MemoryQueue) RunDue(ctx context.Context, now time.Time) error {
	q.mu.Lock()
	h := q.handler
	var due, rest []Job
	for _, j := range q.pending {
		if j.RunAt.After(now) {
			rest = append(rest, j)
		} else {
			due = append(due, j)
		}
	}
	q.pending = rest
	q.mu.Unlock()

	if h == nil {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	for _, j := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(context.Background(), j); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every recorded job.
func (q *MemoryQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
	q.pending = nil
}

var _ Queue = (*MemoryQueue)(nil)
