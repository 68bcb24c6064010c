// Package engine runs workflows: it gates on top-level conditions, walks the
// action graph breadth-first, suspends at wait nodes by scheduling a resume
// job, and records one ExecutionLog per logical run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/crmflow/internal/actions"
	"github.com/rendis/crmflow/internal/conditions"
	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/internal/loopguard"
	"github.com/rendis/crmflow/internal/queue"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Store is the slice of store.Store the engine needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	SaveExecutionLog(ctx context.Context, log *store.ExecutionLog) error
	GetExecutionLog(ctx context.Context, id string) (*store.ExecutionLog, error)
	RecordExecution(ctx context.Context, outcome store.ExecutionOutcome) error
}

// SnapshotLoader loads the flat key/value state of an entity. It returns
// nil, nil when the entity does not exist.
type SnapshotLoader interface {
	LoadEntityData(ctx context.Context, tenantID, entityType, entityID string) (map[string]any, error)
}

// ActionRunner executes one action node. actions.Executor implements it.
type ActionRunner interface {
	Execute(ctx context.Context, cfg schema.ActionConfig, record map[string]any, tc schema.TriggerContext) actions.Result
}

// Engine executes workflow runs. It is safe for concurrent use; all per-run
// state lives in a run value and the loop guard chain in ctx.
type Engine struct {
	store     Store
	entities  SnapshotLoader
	runner    ActionRunner
	evaluator *conditions.Evaluator
	queue     queue.Queue
	guard     *loopguard.Guard
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Engine. guard may be nil for the default depth ceiling.
func New(s Store, entities SnapshotLoader, runner ActionRunner, evaluator *conditions.Evaluator, q queue.Queue, guard *loopguard.Guard, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = loopguard.New(loopguard.DefaultMaxDepth)
	}
	if evaluator == nil {
		evaluator = conditions.NewEvaluator(nil, logger)
	}
	return &Engine{
		store:     s,
		entities:  entities,
		runner:    runner,
		evaluator: evaluator,
		queue:     q,
		guard:     guard,
		logger:    logger,
		now:       time.Now,
	}
}

// run is the mutable state of one Execute or ContinueFromNode call.
type run struct {
	wf      *store.Workflow
	tc      schema.TriggerContext
	log     *store.ExecutionLog
	record  map[string]any
	input   conditions.Input
	started time.Time
	resumed bool   // continuing after a wait
	counted bool   // a sibling resume already finalized the run
	waiting bool   // suspended at a wait node
	failure string // run-level failure, forces status Failed
}

func (r *run) fail(msg string) {
	if r.failure == "" {
		r.failure = msg
	}
}

// Execute runs the workflow named by tc against its entity. It returns the
// persisted ExecutionLog, or nil when the run was skipped before a log was
// started: the pair was already processed in this chain, or the workflow is
// missing or inactive. Business failures are recorded in the log; only
// infrastructure faults while loading or persisting are returned.
func (e *Engine) Execute(ctx context.Context, tc schema.TriggerContext) (*store.ExecutionLog, error) {
	ctx, release := e.enter(ctx, tc)
	defer release()

	chain := loopguard.FromContext(ctx)
	if !chain.TryMarkProcessed(tc.WorkflowID, tc.EntityID) {
		e.logger.DebugContext(ctx, "workflow already processed in this chain")
		return nil, nil
	}

	wf, err := e.activeWorkflow(ctx, tc.WorkflowID)
	if err != nil || wf == nil {
		return nil, err
	}

	now := e.now().UTC()
	r := &run{
		wf:      wf,
		tc:      tc,
		started: now,
		log: &store.ExecutionLog{
			ID:           uuid.NewString(),
			TenantID:     tc.TenantID,
			WorkflowID:   tc.WorkflowID,
			EntityID:     tc.EntityID,
			EntityType:   tc.EntityType,
			TriggerType:  tc.TriggerType,
			TriggerEvent: string(tc.EventType),
			StartedAt:    now,
		},
	}
	ctx = logging.WithExecutionID(ctx, r.log.ID)

	e.protect(ctx, r, func() { e.execute(ctx, r) })
	return r.log, e.finish(ctx, r)
}

func (e *Engine) execute(ctx context.Context, r *run) {
	if !e.loadSnapshot(ctx, r) {
		return
	}

	def := &r.wf.Definition
	r.log.ConditionsEvaluated = len(def.Conditions) > 0
	r.log.ConditionsPassed = e.evaluator.Evaluate(ctx, def.Conditions, r.input)
	if !r.log.ConditionsPassed {
		e.logger.DebugContext(ctx, "workflow conditions not met")
		return
	}

	g, err := ParseGraph(def)
	if err != nil {
		r.fail(err.Error())
		return
	}
	if g.IsLinear() {
		e.runLinear(ctx, r, g.Linear)
		return
	}
	e.traverse(ctx, r, g, g.StartNodes())
}

// ContinueFromNode resumes a run suspended at a wait node. The entity
// snapshot is re-read so nodes after the wait see current data. The log is
// reloaded by id and extended, or re-created under the same id when it is
// gone.
func (e *Engine) ContinueFromNode(ctx context.Context, tc schema.TriggerContext, executionLogID, nodeID string) (*store.ExecutionLog, error) {
	ctx, release := e.enter(ctx, tc)
	defer release()
	ctx = logging.WithNodeID(logging.WithExecutionID(ctx, executionLogID), nodeID)

	wf, err := e.activeWorkflow(ctx, tc.WorkflowID)
	if err != nil {
		return nil, err
	}

	log, err := e.store.GetExecutionLog(ctx, executionLogID)
	if err != nil && !schema.IsNotFound(err) {
		return nil, err
	}
	if log == nil {
		e.logger.WarnContext(ctx, "execution log missing at resume, starting a new segment")
		log = &store.ExecutionLog{
			ID:               executionLogID,
			TenantID:         tc.TenantID,
			WorkflowID:       tc.WorkflowID,
			EntityID:         tc.EntityID,
			EntityType:       tc.EntityType,
			TriggerType:      tc.TriggerType,
			TriggerEvent:     string(tc.EventType),
			ConditionsPassed: true,
			StartedAt:        e.now().UTC(),
		}
	}

	r := &run{wf: wf, tc: tc, log: log, started: log.StartedAt, resumed: true,
		counted: log.Status != "" && log.Status != schema.ExecutionWaiting}
	if wf == nil {
		// Deactivated or deleted during the wait: close the log out with
		// what already ran.
		r.fail("workflow is no longer active")
		return r.log, e.finish(ctx, r)
	}

	e.protect(ctx, r, func() {
		if !e.loadSnapshot(ctx, r) {
			return
		}
		g, err := ParseGraph(&wf.Definition)
		if err != nil {
			r.fail(err.Error())
			return
		}
		if _, ok := g.Nodes[nodeID]; !ok {
			r.fail(fmt.Sprintf("resume node %q not found in workflow", nodeID))
			return
		}
		e.traverse(ctx, r, g, []string{nodeID})
	})
	return r.log, e.finish(ctx, r)
}

// HandleJob is the queue.Handler for engine jobs.
func (e *Engine) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindExecute:
		tc, err := job.TriggerContext()
		if err != nil {
			return err
		}
		_, err = e.Execute(ctx, tc)
		return err
	case queue.KindContinue:
		p, err := job.Continuation()
		if err != nil {
			return err
		}
		_, err = e.ContinueFromNode(ctx, p.Context, p.ExecutionLogID, p.NodeID)
		return err
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown job kind %q", job.Kind)
	}
}

// enter scopes ctx to the run and the loop guard chain: the depth carried in
// tc is restored, then incremented until release is called.
func (e *Engine) enter(ctx context.Context, tc schema.TriggerContext) (context.Context, func()) {
	ctx = logging.WithRun(ctx, tc.TenantID, tc.WorkflowID, tc.EntityID)
	ctx, chain := e.guard.Ensure(ctx)
	chain.SetDepth(tc.CurrentDepth)
	return ctx, chain.IncrementDepth()
}

// activeWorkflow returns nil, nil for a missing or inactive workflow.
func (e *Engine) activeWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if schema.IsNotFound(err) {
		e.logger.InfoContext(ctx, "workflow not found, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !wf.IsActive() {
		e.logger.InfoContext(ctx, "workflow not active, skipping", slog.String("status", string(wf.Status)))
		return nil, nil
	}
	return wf, nil
}

// loadSnapshot fills r.record and r.input. It reports false when the run
// cannot proceed.
func (e *Engine) loadSnapshot(ctx context.Context, r *run) bool {
	record, err := e.entities.LoadEntityData(ctx, r.tc.TenantID, r.tc.EntityType, r.tc.EntityID)
	if err != nil {
		r.fail(fmt.Sprintf("load entity snapshot: %s", err))
		return false
	}
	if record == nil {
		if r.resumed && r.tc.EventType != schema.EventDeleted {
			r.fail("entity no longer exists")
			return false
		}
		if r.tc.EventType != schema.EventDeleted {
			e.logger.InfoContext(ctx, "entity not found, skipping")
			r.log.ConditionsPassed = false
			r.log.ErrorMessage = "entity not found"
			return false
		}
		// Deleted entities have no current state; run with an empty snapshot.
		record = map[string]any{}
	}
	r.record = record
	r.input = conditions.Input{
		Data:     record,
		Changes:  r.tc.Changes(),
		Previous: r.tc.Previous(),
		IsUpdate: r.tc.EventType == schema.EventUpdated,
	}
	return true
}

// traverse walks the graph breadth-first from start. A visited set scoped to
// this call stops malformed cyclic graphs from looping.
func (e *Engine) traverse(ctx context.Context, r *run, g *Graph, start []string) {
	visited := make(map[string]bool, len(g.Nodes))
	pending := append([]string(nil), start...)

	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := g.Nodes[id]
		if !ok {
			e.logger.WarnContext(ctx, "connection to unknown node ignored", slog.String("node_id", id))
			continue
		}
		nctx := logging.WithNodeID(ctx, id)

		switch node.Type {
		case schema.NodeTypeAction:
			cfg, ok := g.Action(id)
			if !ok {
				cfg = schema.ActionConfig{NodeID: id}
			}
			if !e.runAction(nctx, r, cfg) && !cfg.ContinueOnError {
				return
			}
			pending = append(pending, g.Next(id, "")...)

		case schema.NodeTypeBranch:
			out := schema.OutputYes
			if !e.evaluator.Evaluate(nctx, g.Branches[id].ConditionGroups, r.input) {
				out = schema.OutputNo
			}
			e.logger.DebugContext(nctx, "branch evaluated", slog.String("output", out))
			pending = append(pending, g.Next(id, out)...)

		case schema.NodeTypeWait:
			delay := g.Waits[id].Delay()
			next := g.Next(id, "")
			if delay <= 0 || len(next) == 0 {
				pending = append(pending, next...)
				continue
			}
			e.suspend(nctx, r, delay, next)
			return

		default:
			// trigger, condition and unknown node types pass through.
			pending = append(pending, g.Next(id, "")...)
		}
	}
}

// runLinear executes the declared actions in order for workflows without
// trigger nodes.
func (e *Engine) runLinear(ctx context.Context, r *run, cfgs []schema.ActionConfig) {
	for _, cfg := range cfgs {
		if !e.runAction(logging.WithNodeID(ctx, cfg.NodeID), r, cfg) && !cfg.ContinueOnError {
			return
		}
	}
}

// runAction executes one action and appends its ActionLog.
func (e *Engine) runAction(ctx context.Context, r *run, cfg schema.ActionConfig) bool {
	started := e.now().UTC()
	var res actions.Result
	if cfg.ActionType == "" {
		res = actions.Result{Error: "action node has no action config"}
	} else {
		res = e.runner.Execute(ctx, cfg, r.record, r.tc)
	}
	completed := e.now().UTC()

	al := &store.ActionLog{
		ExecutionID:  r.log.ID,
		ActionType:   cfg.ActionType,
		ActionNodeID: cfg.NodeID,
		Order:        r.log.NextOrder(),
		Status:       schema.ActionSucceeded,
		Output:       res.Output,
		StartedAt:    started,
		CompletedAt:  completed,
		DurationMs:   completed.Sub(started).Milliseconds(),
	}
	if !res.Success {
		al.Status = schema.ActionFailed
		al.ErrorMessage = res.Error
		e.logger.WarnContext(ctx, "action failed",
			slog.String("action_type", cfg.ActionType),
			slog.Bool("continue_on_error", cfg.ContinueOnError),
			slog.String("error", res.Error))
	}
	r.log.ActionLogs = append(r.log.ActionLogs, al)
	return res.Success
}

// suspend schedules one resume job per successor of a wait node.
func (e *Engine) suspend(ctx context.Context, r *run, delay time.Duration, next []string) {
	for _, target := range next {
		job, err := queue.NewContinueJob(r.tc, r.log.ID, target)
		if err == nil {
			err = e.queue.Schedule(ctx, job, delay)
		}
		if err != nil {
			r.fail(fmt.Sprintf("schedule resume at %s: %s", target, err))
			return
		}
	}
	r.waiting = true
	e.logger.InfoContext(ctx, "run suspended at wait node",
		slog.Duration("delay", delay),
		slog.Int("resume_jobs", len(next)))
}

// protect runs fn, converting a panic into a run-level failure.
func (e *Engine) protect(ctx context.Context, r *run, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.ErrorContext(ctx, "workflow run panicked", slog.Any("panic", rec))
			r.fail(fmt.Sprintf("panic: %v", rec))
		}
	}()
	fn()
}

// finish computes the status, persists the log and, for finished runs,
// bumps the workflow counters.
func (e *Engine) finish(ctx context.Context, r *run) error {
	log := r.log
	now := e.now().UTC()

	switch {
	case r.failure != "":
		log.Status = schema.ExecutionFailed
		log.ErrorMessage = r.failure
	case r.waiting:
		log.Status = schema.ExecutionWaiting
	default:
		log.Status = Status(log)
	}

	if log.Status == schema.ExecutionWaiting {
		log.CompletedAt = nil
	} else {
		log.CompletedAt = &now
	}
	log.DurationMs = now.Sub(r.started).Milliseconds()

	// Persistence must not be cut short by a cancelled caller.
	ctx = context.WithoutCancel(ctx)
	if err := e.store.SaveExecutionLog(ctx, log); err != nil {
		e.logger.ErrorContext(ctx, "save execution log failed", slog.String("error", err.Error()))
		return schema.NewError(schema.ErrCodeStore, "save execution log").WithCause(err)
	}
	if log.Status == schema.ExecutionWaiting {
		return nil
	}
	if r.counted {
		e.logger.InfoContext(ctx, "resumed branch finished, run already counted",
			slog.String("status", string(log.Status)))
		return nil
	}
	if err := e.store.RecordExecution(ctx, store.ExecutionOutcome{
		WorkflowID:  log.WorkflowID,
		ExecutionID: log.ID,
		Status:      log.Status,
		At:          now,
	}); err != nil {
		// The log is saved; a lost counter bump is not worth a redelivery.
		e.logger.ErrorContext(ctx, "record execution counters failed", slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "workflow run finished",
		slog.String("status", string(log.Status)),
		slog.Int("actions", len(log.ActionLogs)),
		slog.Int64("duration_ms", log.DurationMs))
	return nil
}

// Status derives the overall status from the action logs: conditions not
// met is Skipped; no failures (including no actions) is Succeeded; no
// successes is Failed; anything else is PartiallyFailed.
func Status(log *store.ExecutionLog) schema.ExecutionStatus {
	if !log.ConditionsPassed {
		return schema.ExecutionSkipped
	}
	var ok, failed int
	for _, a := range log.ActionLogs {
		if a.Status == schema.ActionSucceeded {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return schema.ExecutionSucceeded
	case ok == 0:
		return schema.ExecutionFailed
	default:
		return schema.ExecutionPartiallyFailed
	}
}
