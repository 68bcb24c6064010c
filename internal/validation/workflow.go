package validation

import "github.com/rendis/crmflow/pkg/schema"

// WorkflowValidator runs the save-time validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (triggers, conditions, expressions, actions and their params)
// 3. Graph (references, reachability, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   *semantic
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip action checks.
func NewWorkflowValidator(lookup ActionLookup, compilers Compilers) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		semantic:   &semantic{lookup: lookup, params: jsv, compilers: compilers},
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(wv.semantic.validate(def))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}
	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
