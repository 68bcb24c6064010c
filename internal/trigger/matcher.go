// Package trigger matches entity lifecycle events against the triggers of a
// tenant's active workflows and enqueues one execution job per match.
package trigger

import (
	"context"
	"log/slog"

	"github.com/rendis/crmflow/internal/conditions"
	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/internal/loopguard"
	"github.com/rendis/crmflow/internal/queue"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// DefaultEligibleTypes are the entity types workflows can be attached to.
var DefaultEligibleTypes = []string{"Contact", "Company", "Deal", "Lead", "Task"}

// Config tunes a Matcher.
type Config struct {
	EligibleTypes []string // default DefaultEligibleTypes
}

// Matcher is called synchronously after every entity write. It does only a
// cache lookup, in-memory matching and an enqueue per match.
type Matcher struct {
	cache     *Cache
	queue     queue.Queue
	guard     *loopguard.Guard
	evaluator *conditions.Evaluator
	eligible  map[string]bool
	logger    *slog.Logger
}

// NewMatcher creates a matcher. evaluator checks the optional operator of
// FieldChanged triggers and may be nil.
func NewMatcher(cache *Cache, q queue.Queue, guard *loopguard.Guard, evaluator *conditions.Evaluator, cfg Config, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = loopguard.New(loopguard.DefaultMaxDepth)
	}
	if evaluator == nil {
		evaluator = conditions.NewEvaluator(nil, logger)
	}
	types := cfg.EligibleTypes
	if len(types) == 0 {
		types = DefaultEligibleTypes
	}
	eligible := make(map[string]bool, len(types))
	for _, t := range types {
		eligible[t] = true
	}
	return &Matcher{
		cache:     cache,
		queue:     q,
		guard:     guard,
		evaluator: evaluator,
		eligible:  eligible,
		logger:    logger,
	}
}

// Cache returns the matcher's workflow cache so CRUD paths can invalidate it.
func (m *Matcher) Cache() *Cache { return m.cache }

// OnEntityEvent matches ev against the tenant's active workflows and returns
// the number of jobs enqueued. It never panics and never fails the caller.
func (m *Matcher) OnEntityEvent(ctx context.Context, ev schema.EntityEvent) (enqueued int) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "trigger matcher panicked",
				slog.String("entity_type", ev.EntityType),
				slog.String("entity_id", ev.EntityID),
				slog.Any("panic", r))
		}
	}()

	if !m.eligible[ev.EntityType] {
		return 0
	}
	if ev.TenantID == "" {
		return 0
	}

	ctx, chain := m.guard.Ensure(ctx)
	ctx = logging.WithTenantID(logging.WithEntityID(ctx, ev.EntityID), ev.TenantID)
	if !chain.CanExecute() {
		m.logger.WarnContext(ctx, "cascade depth limit reached, event not matched",
			slog.String("entity_type", ev.EntityType),
			slog.Int("depth", chain.Depth()),
			slog.Int("max_depth", chain.MaxDepth()))
		return 0
	}

	workflows, err := m.cache.Get(ctx, ev.TenantID, ev.EntityType)
	if err != nil {
		m.logger.ErrorContext(ctx, "load active workflows failed", slog.String("error", err.Error()))
		return 0
	}

	for _, wf := range workflows {
		if m.matchOne(ctx, wf, ev, chain.Depth()) {
			enqueued++
		}
	}
	return enqueued
}

// matchOne isolates one workflow so that its failure cannot stop the rest.
func (m *Matcher) matchOne(ctx context.Context, wf *store.Workflow, ev schema.EntityEvent, depth int) (ok bool) {
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "trigger match panicked", slog.Any("panic", r))
			ok = false
		}
	}()

	trig, matched := m.Match(ctx, wf.Definition.Triggers, ev)
	if !matched {
		return false
	}

	tc := schema.TriggerContext{
		WorkflowID:   wf.ID,
		EntityID:     ev.EntityID,
		EntityType:   ev.EntityType,
		TenantID:     ev.TenantID,
		TriggerType:  trig.Type,
		EventType:    ev.Kind,
		CurrentDepth: depth,
	}
	if ev.Kind == schema.EventUpdated {
		tc.ChangedProperties = schema.EncodeProperties(ev.ChangedProperties)
		tc.OldPropertyValues = schema.EncodeProperties(ev.OldPropertyValues)
	}

	job, err := queue.NewExecuteJob(tc)
	if err == nil {
		err = m.queue.Enqueue(ctx, job)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "enqueue workflow execution failed", slog.String("error", err.Error()))
		return false
	}
	m.logger.DebugContext(ctx, "workflow triggered",
		slog.String("trigger_type", string(trig.Type)),
		slog.String("event", string(ev.Kind)),
		slog.Int("depth", depth))
	return true
}

// Match returns the first trigger in triggers that fires for ev.
func (m *Matcher) Match(ctx context.Context, triggers []schema.Trigger, ev schema.EntityEvent) (schema.Trigger, bool) {
	for _, t := range triggers {
		if m.matches(ctx, t, ev) {
			return t, true
		}
	}
	return schema.Trigger{}, false
}

func (m *Matcher) matches(ctx context.Context, t schema.Trigger, ev schema.EntityEvent) bool {
	switch t.Type {
	case schema.TriggerRecordCreated:
		return ev.Kind == schema.EventCreated
	case schema.TriggerRecordUpdated:
		return ev.Kind == schema.EventUpdated
	case schema.TriggerRecordDeleted:
		return ev.Kind == schema.EventDeleted
	case schema.TriggerFieldChanged:
		if ev.Kind != schema.EventUpdated || t.Field == "" {
			return false
		}
		if _, changed := ev.ChangedProperties[t.Field]; !changed {
			return false
		}
		if t.Operator == "" {
			return true
		}
		// The operator narrows the match, e.g. Stage changed_to "Won".
		cond := schema.Condition{Field: t.Field, Operator: t.Operator, Value: t.Value, FromValue: t.FromValue}
		return m.evaluator.Evaluate(ctx, []schema.ConditionGroup{{Conditions: []schema.Condition{cond}}}, conditions.Input{
			Data:     ev.ChangedProperties,
			Changes:  ev.ChangedProperties,
			Previous: ev.OldPropertyValues,
			IsUpdate: true,
		})
	case schema.TriggerDateBased:
		// Fired by the date scanner only.
		return false
	default:
		return false
	}
}
