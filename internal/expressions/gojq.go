package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/crmflow/pkg/schema"
)

// jqVariables are bound from the "trigger" section of the data, so a
// payload can say {id: $entity_id} instead of {id: .trigger.entity_id}.
var jqVariables = []string{"$workflow_id", "$tenant_id", "$entity_type", "$entity_id"}

// GoJQEngine shapes webhook payloads with jq programs run over the action
// environment (record, changes, previous, trigger).
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine with an empty program cache.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program. One output is returned as is, several are
// collected into a []any, none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.cache.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	env := withDefaults(data)
	input, err := normalizeForJQ(env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jq input for %q: %s", expression, err).WithCause(err)
	}

	iter := code.RunWithContext(ctx, input, variableValues(env)...)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jq evaluation failed for %q: %s", expression, err).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Compile checks a jq program without running it.
func (e *GoJQEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	_, err := e.cache.get(expression, compileJQ)
	return err
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err).WithCause(err)
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables(jqVariables),
		// $ENV stays empty.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err).WithCause(err)
	}
	return code, nil
}

// variableValues returns the values for jqVariables, in order.
func variableValues(env map[string]any) []any {
	trigger, _ := env[KeyTrigger].(map[string]any)
	values := make([]any, len(jqVariables))
	for i, name := range jqVariables {
		if v, ok := trigger[name[1:]].(string); ok {
			values[i] = v
		}
	}
	return values
}

// normalizeForJQ round-trips v through JSON. gojq only accepts JSON-shaped
// values: float64 numbers, map[string]any, []any. Snapshots can hold ints,
// times and typed slices.
func normalizeForJQ(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)
