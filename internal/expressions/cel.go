package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/crmflow/pkg/schema"
)

// CELEngine evaluates CEL predicates used by the "expression" condition
// operator. Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment exposes:
//   - record:   the entity snapshot
//   - changes:  changed properties (updates only)
//   - previous: old property values (updates only)
//   - trigger:  trigger metadata (trigger_type, event_type, entity_type)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable(KeyRecord, mapType),
		cel.Variable(KeyChanges, mapType),
		cel.Variable(KeyPrevious, mapType),
		cel.Variable(KeyTrigger, mapType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile checks an expression without evaluating it. Used at save time.
func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	_, err := e.cache.get(expression, e.compile)
	return err
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, withDefaults(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// Predicate evaluates expression and requires a boolean result.
func (e *CELEngine) Predicate(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
