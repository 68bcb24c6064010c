// Package conditions evaluates condition groups against an entity snapshot
// and, for update events, its change-set.
package conditions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/pkg/schema"
)

// Input is the data a condition set is evaluated against.
type Input struct {
	// Data is the current entity snapshot. Values may be nested maps.
	Data map[string]any
	// Changes holds new values of changed fields. Only set for update events.
	Changes map[string]any
	// Previous holds old values of changed fields. Only set for update events.
	Previous map[string]any
	// IsUpdate is true when the triggering event was an update.
	IsUpdate bool
}

// Evaluator evaluates condition groups: OR across groups, AND within a group.
// It never returns an error; a condition that cannot be evaluated is false.
type Evaluator struct {
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. cel may be nil, in which case
// "expression" conditions always evaluate to false.
func NewEvaluator(cel *expressions.CELEngine, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{cel: cel, logger: logger}
}

// Evaluate reports whether any group has all of its conditions true.
// An empty group list is unconditionally true.
func (e *Evaluator) Evaluate(ctx context.Context, groups []schema.ConditionGroup, in Input) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if e.groupPasses(ctx, g, in) {
			return true
		}
	}
	return false
}

func (e *Evaluator) groupPasses(ctx context.Context, g schema.ConditionGroup, in Input) bool {
	for _, c := range g.Conditions {
		if !e.safeEval(ctx, c, in) {
			return false
		}
	}
	return true
}

// safeEval evaluates one condition, treating panics as false.
func (e *Evaluator) safeEval(ctx context.Context, c schema.Condition, in Input) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WarnContext(ctx, "condition evaluation panicked",
				"field", c.Field, "operator", string(c.Operator), "panic", fmt.Sprint(r))
			result = false
		}
	}()
	return e.eval(ctx, c, in)
}

func (e *Evaluator) eval(ctx context.Context, c schema.Condition, in Input) bool {
	switch c.Operator {
	case schema.OpEquals:
		v, ok := Resolve(in.Data, c.Field)
		return ok && strings.EqualFold(v, c.Value)
	case schema.OpNotEquals:
		v, _ := Resolve(in.Data, c.Field)
		return !strings.EqualFold(v, c.Value)
	case schema.OpContains:
		v, ok := Resolve(in.Data, c.Field)
		return ok && strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case schema.OpGreaterThan, schema.OpGreaterEqual, schema.OpLessThan, schema.OpLessEqual:
		v, _ := Resolve(in.Data, c.Field)
		return compareNumeric(c.Operator, v, c.Value)
	case schema.OpIsNull:
		v, ok := Resolve(in.Data, c.Field)
		return !ok || v == ""
	case schema.OpIsNotNull:
		v, ok := Resolve(in.Data, c.Field)
		return ok && v != ""
	case schema.OpChangedTo:
		return changedTo(c, in)
	case schema.OpChangedFromTo:
		if !changedTo(c, in) {
			return false
		}
		if c.FromValue == nil {
			return true
		}
		old, _ := Resolve(in.Previous, c.Field)
		return strings.EqualFold(old, *c.FromValue)
	case schema.OpExpression:
		return e.expression(ctx, c, in)
	default:
		e.logger.DebugContext(ctx, "unknown condition operator", "operator", string(c.Operator))
		return false
	}
}

func changedTo(c schema.Condition, in Input) bool {
	if !in.IsUpdate || in.Changes == nil {
		return false
	}
	if _, present := in.Changes[c.Field]; !present {
		return false
	}
	v, _ := Resolve(in.Changes, c.Field)
	return strings.EqualFold(v, c.Value)
}

func (e *Evaluator) expression(ctx context.Context, c schema.Condition, in Input) bool {
	if e.cel == nil {
		return false
	}
	ok, err := e.cel.Predicate(ctx, c.Value, expressions.Env(in.Data, in.Changes, in.Previous, nil))
	if err != nil {
		e.logger.DebugContext(ctx, "expression condition failed", "expression", c.Value, "error", err)
		return false
	}
	return ok
}

// compareNumeric parses both sides as decimals. An unparsable side makes the
// comparison false.
func compareNumeric(op schema.Operator, left, right string) bool {
	l, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
	if err != nil {
		return false
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if err != nil {
		return false
	}
	switch op {
	case schema.OpGreaterThan:
		return l > r
	case schema.OpGreaterEqual:
		return l >= r
	case schema.OpLessThan:
		return l < r
	case schema.OpLessEqual:
		return l <= r
	}
	return false
}

// Resolve looks up field in data and renders it as a string. A field is
// first matched literally; failing that, "parent.child" is resolved one level
// deep. ok is false when the value is absent or nil.
func Resolve(data map[string]any, field string) (string, bool) {
	if data == nil || field == "" {
		return "", false
	}
	if v, found := data[field]; found {
		return Stringify(v)
	}
	parent, child, nested := strings.Cut(field, ".")
	if !nested {
		return "", false
	}
	inner, ok := data[parent].(map[string]any)
	if !ok {
		return "", false
	}
	return Stringify(inner[child])
}

// Stringify renders a snapshot value the way conditions compare it.
func Stringify(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case time.Time:
		return val.Format(time.RFC3339), true
	case fmt.Stringer:
		return val.String(), true
	default:
		return fmt.Sprint(val), true
	}
}
