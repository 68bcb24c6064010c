package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

// DispatcherConfig tunes a Dispatcher. Zero values select defaults.
type DispatcherConfig struct {
	PoolSize     int           // concurrent jobs, default 4
	PollInterval time.Duration // default 1s
	MaxRetries   int           // redeliveries after the first attempt, default 2, negative disables
	BaseBackoff  time.Duration // default 5s, doubled per attempt
	MaxBackoff   time.Duration // default 5m
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Dispatcher polls the durable queue and runs due jobs on a worker pool.
// Failed jobs are retried with exponential backoff up to MaxRetries, then
// parked as dead.
type Dispatcher struct {
	store   JobStore
	handler Handler
	pool    *WorkerPool
	cfg     DispatcherConfig
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin polling.
func NewDispatcher(s JobStore, h Handler, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   s,
		handler: h,
		pool:    NewWorkerPool(cfg.PoolSize),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the polling loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return fmt.Errorf("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.pool = NewWorkerPool(d.cfg.PoolSize)
	d.done = make(chan struct{})
	go d.loop(loopCtx)
	d.logger.Info("dispatcher started",
		slog.Int("pool_size", d.cfg.PoolSize),
		slog.Duration("poll_interval", d.cfg.PollInterval))
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.dispatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("claim jobs failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels polling and waits for in-flight jobs.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.done
	d.pool.Shutdown()
	d.cancel = nil
	d.done = nil
	d.logger.Info("dispatcher stopped")
	return nil
}

// DispatchOnce claims and runs one batch of due jobs, waiting for them to
// finish. It returns the number of jobs run.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	n, err := d.dispatch(ctx)
	d.pool.Wait()
	return n, err
}

func (d *Dispatcher) dispatch(ctx context.Context) (int, error) {
	free := d.pool.Idle()
	if free == 0 {
		return 0, nil
	}
	claimed, err := d.store.ClaimDueJobs(ctx, d.now().UTC(), free)
	if err != nil {
		return 0, err
	}
	for _, rec := range claimed {
		job := fromRecord(rec)
		if err := d.pool.Run(ctx, job, d.handle, d.settle); err != nil {
			// The lease expires and the job is claimed again later.
			d.logger.Warn("job not started", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	return len(claimed), nil
}

// handle runs the job handler. Runs are never cancelled mid-flight.
func (d *Dispatcher) handle(ctx context.Context, job Job) error {
	return d.handler(context.WithoutCancel(ctx), job)
}

// Stats returns per-kind job counters since the last Start.
func (d *Dispatcher) Stats() map[string]KindStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pool.Stats()
}

func (d *Dispatcher) settle(ctx context.Context, job Job, runErr error) {
	ctx = context.WithoutCancel(ctx)
	log := d.logger.With(slog.String("job_id", job.ID), slog.String("kind", job.Kind), slog.Int("attempt", job.Attempts))

	if runErr == nil {
		if err := d.store.CompleteJob(ctx, job.ID); err != nil {
			log.Error("complete job failed", slog.String("error", err.Error()))
		}
		return
	}

	if IsRetryableError(runErr) && job.Attempts <= d.cfg.MaxRetries {
		delay := ComputeBackoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, job.Attempts-1)
		log.Warn("job failed, retrying", slog.String("error", runErr.Error()), slog.Duration("backoff", delay))
		if err := d.store.RetryJob(ctx, job.ID, d.now().UTC().Add(delay), runErr.Error()); err != nil {
			log.Error("reschedule job failed", slog.String("error", err.Error()))
		}
		return
	}

	log.Error("job failed permanently", slog.String("error", runErr.Error()))
	if err := d.store.FailJob(ctx, job.ID, runErr.Error()); err != nil {
		log.Error("park job failed", slog.String("error", err.Error()))
	}
}

// IsRetryableError classifies whether a failed job should be redelivered.
// FlowErrors decide by code and cancellation is final. Anything else,
// network faults included, is retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}

// ComputeBackoff returns base * 2^attempt, capped at max.
func ComputeBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
