package validation

import "github.com/rendis/crmflow/pkg/schema"

// Validator checks workflow definitions at save time.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
