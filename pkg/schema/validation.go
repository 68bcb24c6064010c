package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity tells blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. Path points
// into the definition, e.g. "triggers[0].field" or "nodes[3].config".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// Section returns the top-level definition key the issue belongs to
// ("triggers", "conditions", "nodes", "connections", "actions"), or "" for
// issues about the definition as a whole.
func (i ValidationIssue) Section() string {
	p := strings.TrimPrefix(i.Path, "/")
	if end := strings.IndexAny(p, "[./"); end >= 0 {
		p = p[:end]
	}
	return p
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found while saving a workflow.
// Warnings never block activation.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether there are no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// maxListedIssues caps how many errors ToError spells out in its message.
const maxListedIssues = 3

// ToError returns nil when valid, otherwise a VALIDATION_ERROR FlowError.
// A single error becomes the message; several are summarized and listed,
// and every issue travels in Details with per-section error counts.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		listed := make([]string, 0, maxListedIssues)
		for _, e := range r.Errors[:min(n, maxListedIssues)] {
			listed = append(listed, e.String())
		}
		msg = fmt.Sprintf("%d errors: %s", n, strings.Join(listed, "; "))
		if n > maxListedIssues {
			msg += fmt.Sprintf("; and %d more", n-maxListedIssues)
		}
	}

	sections := map[string]int{}
	for _, e := range r.Errors {
		if s := e.Section(); s != "" {
			sections[s]++
		}
	}

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"sections":      sections,
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
