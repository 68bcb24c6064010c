package validation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/crmflow/internal/actions"
	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/pkg/schema"
)

// ActionLookup resolves registered actions. *actions.Registry implements it.
type ActionLookup interface {
	Get(actionType string) (actions.Action, error)
}

// Compilers check embedded expressions at save time. Nil engines skip their
// checks.
type Compilers struct {
	CEL  *expressions.CELEngine  // condition operator "expression"
	Expr *expressions.ExprEngine // update_field value_expression
	JQ   *expressions.GoJQEngine // webhook payload_jq
}

// semantic holds what the semantic stage needs besides the definition.
type semantic struct {
	lookup    ActionLookup
	params    *JSONSchemaValidator
	compilers Compilers
}

// validate performs the checks JSON Schema cannot express: trigger and
// condition operands, compiled expressions, action registration and params,
// and the action graph.
func (s *semantic) validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i, t := range def.Triggers {
		s.validateTrigger(t, fmt.Sprintf("triggers[%d]", i), result)
	}
	s.validateGroups(def.Conditions, "conditions", result)

	g, err := engine.ParseGraph(def)
	if err != nil {
		result.AddError("nodes", schema.ErrCodeValidation, flowMessage(err))
		return result
	}

	for i, a := range def.Actions {
		s.validateAction(a, fmt.Sprintf("actions[%d]", i), result)
	}
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch n.Type {
		case schema.NodeTypeAction:
			if declared := declaredAction(def, n.ID); !declared {
				cfg, _ := g.Action(n.ID)
				s.validateAction(cfg, path+".config", result)
			}
		case schema.NodeTypeBranch:
			s.validateGroups(g.Branches[n.ID].ConditionGroups, path+".config.condition_groups", result)
		}
	}

	validateGraph(def, g, result)
	return result
}

func (s *semantic) validateTrigger(t schema.Trigger, path string, result *schema.ValidationResult) {
	switch t.Type {
	case schema.TriggerFieldChanged:
		if t.Operator == "" {
			return
		}
		switch t.Operator {
		case schema.OpChangedTo, schema.OpChangedFromTo, schema.OpEquals, schema.OpNotEquals,
			schema.OpContains, schema.OpIsNull, schema.OpIsNotNull,
			schema.OpGreaterThan, schema.OpGreaterEqual, schema.OpLessThan, schema.OpLessEqual:
		default:
			result.AddError(path+".operator", schema.ErrCodeValidation,
				fmt.Sprintf("operator %q is not supported on field_changed triggers", t.Operator))
		}
	case schema.TriggerDateBased:
		if _, _, err := t.PreferredClock(); err != nil {
			result.AddError(path+".preferred_time", schema.ErrCodeValidation, err.Error())
		}
	default:
		if t.Field != "" || t.Operator != "" {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("field and operator are ignored on %s triggers", t.Type))
		}
	}
}

func (s *semantic) validateGroups(groups []schema.ConditionGroup, path string, result *schema.ValidationResult) {
	for gi, g := range groups {
		for ci, c := range g.Conditions {
			s.validateCondition(c, fmt.Sprintf("%s[%d].conditions[%d]", path, gi, ci), result)
		}
	}
}

func (s *semantic) validateCondition(c schema.Condition, path string, result *schema.ValidationResult) {
	if !slices.Contains(schema.KnownOperators, c.Operator) {
		result.AddError(path+".operator", schema.ErrCodeValidation, fmt.Sprintf("unknown operator %q", c.Operator))
		return
	}
	if c.Operator == schema.OpExpression {
		if s.compilers.CEL != nil {
			if err := s.compilers.CEL.Compile(c.Value); err != nil {
				result.AddError(path+".value", schema.ErrCodeValidation, flowMessage(err))
			}
		}
		return
	}
	if c.Field == "" {
		result.AddError(path+".field", schema.ErrCodeValidation, "field is required")
	}
	if c.Operator == schema.OpChangedFromTo && c.FromValue == nil {
		result.AddWarning(path+".from_value", schema.ErrCodeValidation,
			"changed_from_to without from_value behaves like changed_to")
	}
}

func (s *semantic) validateAction(cfg schema.ActionConfig, path string, result *schema.ValidationResult) {
	if s.lookup == nil {
		return
	}
	action, err := s.lookup.Get(cfg.ActionType)
	if err != nil {
		result.AddError(path+".action_type", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("action %q not registered", cfg.ActionType))
		return
	}

	if in := action.Schema().InputSchema; len(in) > 0 && s.params != nil {
		if err := s.params.ValidateInput(cfg.Params, in); err != nil {
			result.AddError(path+".params", schema.ErrCodeValidation, flowMessage(err))
			return
		}
	}
	if err := action.Validate(cfg.Params); err != nil {
		result.AddError(path+".params", schema.ErrCodeValidation, flowMessage(err))
	}

	for key, v := range cfg.Params {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ppath := path + ".params." + key
		switch {
		case key == "value_expression" && s.compilers.Expr != nil:
			if err := s.compilers.Expr.Compile(str); err != nil {
				result.AddError(ppath, schema.ErrCodeValidation, flowMessage(err))
			}
		case key == "payload_jq" && s.compilers.JQ != nil:
			if err := s.compilers.JQ.Compile(str); err != nil {
				result.AddError(ppath, schema.ErrCodeValidation, flowMessage(err))
			}
		case strings.Contains(str, "{{"):
			if err := actions.CheckTemplate(str); err != nil {
				result.AddError(ppath, schema.ErrCodeValidation, flowMessage(err))
			}
		}
	}
}

func declaredAction(def *schema.WorkflowDefinition, nodeID string) bool {
	for _, a := range def.Actions {
		if a.NodeID == nodeID {
			return true
		}
	}
	return false
}

// flowMessage strips the code prefix from FlowErrors so issues read cleanly
// next to their own code.
func flowMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
