package expressions

import (
	"context"
	"sync"
)

// Engine evaluates expressions against a workflow run's data.
// Three implementations: CEL (condition predicates), Expr (computed field
// values), GoJQ (webhook payload shaping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Data keys every engine receives. Missing keys are filled with empty maps.
const (
	KeyRecord   = "record"
	KeyChanges  = "changes"
	KeyPrevious = "previous"
	KeyTrigger  = "trigger"
)

var dataKeys = []string{KeyRecord, KeyChanges, KeyPrevious, KeyTrigger}

// Env builds the data map for one run.
func Env(record, changes, previous, trigger map[string]any) map[string]any {
	return map[string]any{
		KeyRecord:   record,
		KeyChanges:  changes,
		KeyPrevious: previous,
		KeyTrigger:  trigger,
	}
}

// withDefaults copies data, defaulting every well-known key to an empty map.
func withDefaults(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(dataKeys))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range dataKeys {
		if v, ok := out[k]; !ok || isNilMap(v) {
			out[k] = map[string]any{}
		}
	}
	return out
}

func isNilMap(v any) bool {
	if v == nil {
		return true
	}
	m, ok := v.(map[string]any)
	return ok && m == nil
}

// programCache memoizes compiled programs by source text.
// Safe for concurrent use.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		return p, err
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}
