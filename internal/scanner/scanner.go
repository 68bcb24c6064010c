// Package scanner fires date-based triggers. On every tick of its cron
// schedule it looks for entities whose configured date field falls on the
// trigger's target day and enqueues an execution job per match.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/internal/queue"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// DefaultSchedule runs the scan at the top of every hour.
const DefaultSchedule = "@hourly"

// PreferredWindow is how far a scan may be from a trigger's preferred time
// of day and still fire it.
const PreferredWindow = 30 * time.Minute

// Store is the slice of store.Store the scanner needs.
type Store interface {
	GetActiveWorkflowsWithDateTriggers(ctx context.Context) ([]*store.Workflow, error)
	FindEntitiesByDate(ctx context.Context, tenantID, entityType, field string, date time.Time) ([]*store.Entity, error)
	MarkDateTriggerFired(ctx context.Context, workflowID, entityID string, triggerIndex int, date time.Time) (bool, error)
}

// Config tunes a Scanner.
type Config struct {
	Schedule string         // cron spec or descriptor, default DefaultSchedule
	Location *time.Location // defines "today" and preferred times, default UTC
}

// Result summarizes one scan.
type Result struct {
	Workflows  int // workflows with date triggers inspected
	Matched    int // entities on a target day
	Enqueued   int
	Duplicates int // already fired for that day
	Errors     int
}

// Scanner is the periodic date trigger sweep.
type Scanner struct {
	store    Store
	queue    queue.Queue
	schedule cron.Schedule
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	scanMu sync.Mutex // one scan at a time
}

// New creates a Scanner. It fails when the schedule does not parse.
func New(s Store, q queue.Queue, cfg Config, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse scan schedule %q: %s", spec, err).WithCause(err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scanner{
		store:    s,
		queue:    q,
		schedule: schedule,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// NextRun returns the first scheduled scan after from.
func (s *Scanner) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the background loop. It returns an error if already started.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scanner already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("date trigger scanner started", slog.Time("next_run", s.NextRun(s.now())))
	return nil
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.now()
		timer := time.NewTimer(s.NextRun(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	res, err := s.Scan(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "date trigger scan failed", slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "date trigger scan finished",
		slog.Int("workflows", res.Workflows),
		slog.Int("matched", res.Matched),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("errors", res.Errors))
}

// Stop cancels the loop and waits for an in-flight scan to return.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("date trigger scanner stopped")
	return nil
}

// Scan runs one sweep as of now. Each date trigger fires at most once per
// entity per target day. A failure for one workflow or trigger is logged and
// counted; only failing to list workflows aborts the scan.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (Result, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	var res Result
	workflows, err := s.store.GetActiveWorkflowsWithDateTriggers(ctx)
	if err != nil {
		return res, schema.NewError(schema.ErrCodeStore, "list workflows with date triggers").WithCause(err)
	}

	local := now.In(s.loc)
	for _, wf := range workflows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Workflows++
		s.scanWorkflow(logging.WithTenantID(logging.WithWorkflowID(ctx, wf.ID), wf.TenantID), wf, local, &res)
	}
	return res, nil
}

func (s *Scanner) scanWorkflow(ctx context.Context, wf *store.Workflow, now time.Time, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Errors++
			s.logger.ErrorContext(ctx, "date trigger scan panicked", slog.Any("panic", r))
		}
	}()

	for i, trig := range wf.Definition.Triggers {
		if trig.Type != schema.TriggerDateBased || trig.Field == "" {
			continue
		}
		ok, err := InWindow(trig, now)
		if err != nil {
			res.Errors++
			s.logger.WarnContext(ctx, "date trigger skipped", slog.Int("trigger", i), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}

		target := TargetDate(now, trig.OffsetDays)
		entities, err := s.store.FindEntitiesByDate(ctx, wf.TenantID, wf.EntityType, trig.Field, target)
		if err != nil {
			res.Errors++
			s.logger.ErrorContext(ctx, "find entities by date failed",
				slog.String("field", trig.Field),
				slog.String("date", target.Format(store.DateLayout)),
				slog.String("error", err.Error()))
			continue
		}

		for _, ent := range entities {
			res.Matched++
			s.fire(logging.WithEntityID(ctx, ent.ID), wf, ent, i, target, res)
		}
	}
}

func (s *Scanner) fire(ctx context.Context, wf *store.Workflow, ent *store.Entity, triggerIndex int, target time.Time, res *Result) {
	first, err := s.store.MarkDateTriggerFired(ctx, wf.ID, ent.ID, triggerIndex, target)
	if err != nil {
		res.Errors++
		s.logger.ErrorContext(ctx, "record date trigger firing failed", slog.String("error", err.Error()))
		return
	}
	if !first {
		res.Duplicates++
		return
	}

	job, err := queue.NewExecuteJob(schema.TriggerContext{
		WorkflowID:  wf.ID,
		EntityID:    ent.ID,
		EntityType:  wf.EntityType,
		TenantID:    wf.TenantID,
		TriggerType: schema.TriggerDateBased,
	})
	if err == nil {
		err = s.queue.Enqueue(ctx, job)
	}
	if err != nil {
		res.Errors++
		s.logger.ErrorContext(ctx, "enqueue date triggered execution failed", slog.String("error", err.Error()))
		return
	}
	res.Enqueued++
	s.logger.DebugContext(ctx, "date trigger fired", slog.String("date", target.Format(store.DateLayout)))
}

// TargetDate is the calendar day an entity's date field must hold for a
// trigger with offsetDays to fire on now's day: offsetDays before the
// field's date, or after it when negative.
func TargetDate(now time.Time, offsetDays int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+offsetDays, 0, 0, 0, 0, time.UTC)
}

// InWindow reports whether now is within PreferredWindow of the trigger's
// preferred time of day, wrapping around midnight. Triggers without a
// preferred time are always in window.
func InWindow(t schema.Trigger, now time.Time) (bool, error) {
	preferred, ok, err := t.PreferredClock()
	if err != nil || !ok {
		return err == nil, err
	}
	const day = 24 * 60
	current := now.Hour()*60 + now.Minute()
	diff := current - preferred
	if diff < 0 {
		diff = -diff
	}
	if day-diff < diff {
		diff = day - diff
	}
	return diff <= int(PreferredWindow/time.Minute), nil
}
