package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolShutdown is returned when a job is offered to a stopped pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// KindStats counts finished jobs of one kind.
type KindStats struct {
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}

// SettleFunc receives the outcome of a job run by the pool. A handler panic
// arrives as an error.
type SettleFunc func(ctx context.Context, job Job, err error)

// WorkerPool runs claimed jobs on at most Size goroutines.
type WorkerPool struct {
	slots   chan struct{}
	running sync.WaitGroup
	stop    chan struct{}

	mu      sync.Mutex
	stopped bool
	stats   map[string]*KindStats
}

// NewWorkerPool creates a pool running at most size jobs at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		stop:  make(chan struct{}),
		stats: map[string]*KindStats{},
	}
}

// Size returns the concurrency limit.
func (p *WorkerPool) Size() int { return cap(p.slots) }

// Idle returns the number of free slots, i.e. how many jobs to claim next.
func (p *WorkerPool) Idle() int { return cap(p.slots) - len(p.slots) }

// Run starts h on job in a pool goroutine and hands the outcome to settle.
// It blocks while every slot is taken and gives up when ctx is cancelled or
// the pool shuts down; settle is not called in that case.
func (p *WorkerPool) Run(ctx context.Context, job Job, h Handler, settle SettleFunc) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	st := p.kind(job.Kind)
	st.Running++
	p.mu.Unlock()

	go func() {
		defer func() {
			<-p.slots
			p.running.Done()
		}()

		err, panicked := p.call(ctx, job, h)

		p.mu.Lock()
		st.Running--
		switch {
		case panicked:
			st.Panicked++
			st.Failed++
		case err != nil:
			st.Failed++
		default:
			st.Succeeded++
		}
		p.mu.Unlock()

		if settle != nil {
			settle(ctx, job, err)
		}
	}()
	return nil
}

func (p *WorkerPool) call(ctx context.Context, job Job, h Handler) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
			panicked = true
		}
	}()
	return h(ctx, job), false
}

// kind returns the stats entry for a job kind. Caller holds mu.
func (p *WorkerPool) kind(k string) *KindStats {
	st, ok := p.stats[k]
	if !ok {
		st = &KindStats{}
		p.stats[k] = st
	}
	return st
}

// Wait blocks until every started job has settled.
func (p *WorkerPool) Wait() {
	p.running.Wait()
}

// Shutdown refuses new jobs and waits for running ones.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	p.mu.Unlock()

	p.running.Wait()
}

// Stats returns a copy of the per-kind counters.
func (p *WorkerPool) Stats() map[string]KindStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]KindStats, len(p.stats))
	for k, st := range p.stats {
		out[k] = *st
	}
	return out
}
