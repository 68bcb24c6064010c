package conditions

import (
	"context"
	"testing"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewEvaluator(cel, nil)
}

func group(conds ...schema.Condition) schema.ConditionGroup {
	return schema.ConditionGroup{Conditions: conds}
}

func strPtr(s string) *string { return &s }

func TestEvaluate_EmptyGroupsPass(t *testing.T) {
	e := newEvaluator(t)
	assert.True(t, e.Evaluate(context.Background(), nil, Input{}))
	assert.True(t, e.Evaluate(context.Background(), []schema.ConditionGroup{}, Input{Data: map[string]any{"x": 1}}))
}

func TestEvaluate_OrAcrossGroupsAndWithin(t *testing.T) {
	e := newEvaluator(t)
	in := Input{Data: map[string]any{"Stage": "Won", "Amount": 500.0}}

	isTrue := schema.Condition{Field: "Stage", Operator: schema.OpEquals, Value: "won"}
	isFalse := schema.Condition{Field: "Amount", Operator: schema.OpGreaterThan, Value: "1000"}

	assert.False(t, e.Evaluate(context.Background(), []schema.ConditionGroup{group(isTrue, isFalse)}, in))
	assert.True(t, e.Evaluate(context.Background(), []schema.ConditionGroup{group(isTrue, isTrue)}, in))
	assert.True(t, e.Evaluate(context.Background(),
		[]schema.ConditionGroup{group(isTrue, isFalse), group(isTrue)}, in))
}

func TestEvaluate_Operators(t *testing.T) {
	e := newEvaluator(t)
	data := map[string]any{
		"Name":    "Acme Corporation",
		"Amount":  1500.5,
		"Count":   3,
		"Empty":   "",
		"Active":  true,
		"company": map[string]any{"name": "Globex"},
	}

	tests := []struct {
		name string
		cond schema.Condition
		want bool
	}{
		{"equals case-insensitive", schema.Condition{Field: "Name", Operator: schema.OpEquals, Value: "acme corporation"}, true},
		{"equals mismatch", schema.Condition{Field: "Name", Operator: schema.OpEquals, Value: "acme"}, false},
		{"equals on missing field", schema.Condition{Field: "Nope", Operator: schema.OpEquals, Value: ""}, false},
		{"not_equals", schema.Condition{Field: "Name", Operator: schema.OpNotEquals, Value: "Initech"}, true},
		{"not_equals same value", schema.Condition{Field: "Name", Operator: schema.OpNotEquals, Value: "ACME CORPORATION"}, false},
		{"contains", schema.Condition{Field: "Name", Operator: schema.OpContains, Value: "CORP"}, true},
		{"gt", schema.Condition{Field: "Amount", Operator: schema.OpGreaterThan, Value: "1500"}, true},
		{"gte equal", schema.Condition{Field: "Amount", Operator: schema.OpGreaterEqual, Value: "1500.5"}, true},
		{"lt int field", schema.Condition{Field: "Count", Operator: schema.OpLessThan, Value: "4"}, true},
		{"lte false", schema.Condition{Field: "Count", Operator: schema.OpLessEqual, Value: "2"}, false},
		{"gt unparsable field", schema.Condition{Field: "Name", Operator: schema.OpGreaterThan, Value: "1"}, false},
		{"lt unparsable target", schema.Condition{Field: "Amount", Operator: schema.OpLessThan, Value: "lots"}, false},
		{"gt missing field", schema.Condition{Field: "Nope", Operator: schema.OpGreaterThan, Value: "0"}, false},
		{"is_null missing", schema.Condition{Field: "Nope", Operator: schema.OpIsNull}, true},
		{"is_null empty string", schema.Condition{Field: "Empty", Operator: schema.OpIsNull}, true},
		{"is_null present", schema.Condition{Field: "Name", Operator: schema.OpIsNull}, false},
		{"is_not_null", schema.Condition{Field: "Active", Operator: schema.OpIsNotNull}, true},
		{"is_not_null empty", schema.Condition{Field: "Empty", Operator: schema.OpIsNotNull}, false},
		{"dot notation", schema.Condition{Field: "company.name", Operator: schema.OpEquals, Value: "globex"}, true},
		{"dot notation unresolvable", schema.Condition{Field: "company.size", Operator: schema.OpIsNull}, true},
		{"dot on scalar parent", schema.Condition{Field: "Name.first", Operator: schema.OpIsNull}, true},
		{"bool value", schema.Condition{Field: "Active", Operator: schema.OpEquals, Value: "TRUE"}, true},
		{"unknown operator", schema.Condition{Field: "Name", Operator: "matches"}, false},
		{"cel expression", schema.Condition{Operator: schema.OpExpression, Value: `record.Amount > 1000.0 && record.company.name == "Globex"`}, true},
		{"cel compile error", schema.Condition{Operator: schema.OpExpression, Value: `record.Amount >`}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Evaluate(context.Background(), []schema.ConditionGroup{group(tt.cond)}, Input{Data: data})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_ChangedTo(t *testing.T) {
	e := newEvaluator(t)
	cond := schema.Condition{Field: "Stage", Operator: schema.OpChangedTo, Value: "Won"}
	groups := []schema.ConditionGroup{group(cond)}

	t.Run("created event never matches", func(t *testing.T) {
		in := Input{Data: map[string]any{"Stage": "Won"}}
		assert.False(t, e.Evaluate(context.Background(), groups, in))
	})

	t.Run("update with matching change", func(t *testing.T) {
		in := Input{
			Data:     map[string]any{"Stage": "Won"},
			Changes:  map[string]any{"Stage": "won"},
			Previous: map[string]any{"Stage": "Lost"},
			IsUpdate: true,
		}
		assert.True(t, e.Evaluate(context.Background(), groups, in))
	})

	t.Run("update where field did not change", func(t *testing.T) {
		in := Input{
			Data:     map[string]any{"Stage": "Won"},
			Changes:  map[string]any{"Amount": 10.0},
			IsUpdate: true,
		}
		assert.False(t, e.Evaluate(context.Background(), groups, in))
	})
}

func TestEvaluate_ChangedFromTo(t *testing.T) {
	e := newEvaluator(t)
	in := Input{
		Data:     map[string]any{"Stage": "Won"},
		Changes:  map[string]any{"Stage": "Won"},
		Previous: map[string]any{"Stage": "Negotiation"},
		IsUpdate: true,
	}

	t.Run("from matches", func(t *testing.T) {
		c := schema.Condition{Field: "Stage", Operator: schema.OpChangedFromTo, Value: "Won", FromValue: strPtr("negotiation")}
		assert.True(t, e.Evaluate(context.Background(), []schema.ConditionGroup{group(c)}, in))
	})

	t.Run("from mismatches", func(t *testing.T) {
		c := schema.Condition{Field: "Stage", Operator: schema.OpChangedFromTo, Value: "Won", FromValue: strPtr("Lead")}
		assert.False(t, e.Evaluate(context.Background(), []schema.ConditionGroup{group(c)}, in))
	})

	t.Run("nil from behaves like changed_to", func(t *testing.T) {
		fromTo := schema.Condition{Field: "Stage", Operator: schema.OpChangedFromTo, Value: "Won"}
		to := schema.Condition{Field: "Stage", Operator: schema.OpChangedTo, Value: "Won"}
		for _, input := range []Input{in, {Data: in.Data}, {Data: in.Data, Changes: map[string]any{"Stage": "Lost"}, IsUpdate: true}} {
			assert.Equal(t,
				e.Evaluate(context.Background(), []schema.ConditionGroup{group(to)}, input),
				e.Evaluate(context.Background(), []schema.ConditionGroup{group(fromTo)}, input))
		}
	})
}

func TestEvaluate_NilCELEngine(t *testing.T) {
	e := NewEvaluator(nil, nil)
	c := schema.Condition{Operator: schema.OpExpression, Value: "true"}
	assert.False(t, e.Evaluate(context.Background(), []schema.ConditionGroup{group(c)}, Input{}))
}

func TestResolve(t *testing.T) {
	data := map[string]any{
		"a.b":   "literal",
		"a":     map[string]any{"b": "nested"},
		"n":     nil,
		"float": 2.0,
	}

	v, ok := Resolve(data, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "literal", v, "literal key wins over nesting")

	_, ok = Resolve(data, "n")
	assert.False(t, ok)

	v, ok = Resolve(data, "float")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = Resolve(nil, "a")
	assert.False(t, ok)
}
