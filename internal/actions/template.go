package actions

import (
	"strings"
	"sync"
	"text/template"

	"github.com/rendis/crmflow/pkg/schema"
)

var templates sync.Map // source -> *template.Template

// render expands a text/template over the action environment, e.g.
// "Deal {{.record.Name}} moved to {{.changes.Stage}}". Missing keys render
// as empty strings. Strings without actions are returned unchanged.
func render(src string, data map[string]any) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	var tmpl *template.Template
	if cached, ok := templates.Load(src); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("action").Option("missingkey=zero").Parse(src)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid template %q: %s", src, err).WithCause(err)
		}
		templates.Store(src, parsed)
		tmpl = parsed
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeActionFailed, "render template: %s", err).WithCause(err)
	}
	return strings.ReplaceAll(b.String(), "<no value>", ""), nil
}

// CheckTemplate reports whether src parses as a template.
func CheckTemplate(src string) error {
	if !strings.Contains(src, "{{") {
		return nil
	}
	if _, err := template.New("check").Parse(src); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid template %q: %s", src, err).WithCause(err)
	}
	return nil
}
