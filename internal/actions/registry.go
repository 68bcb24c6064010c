package actions

import (
	"sort"
	"sync"

	"github.com/rendis/crmflow/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate type.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	typ := action.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", typ)
	}
	r.actions[typ] = action
	return nil
}

// Replace registers action, overwriting any action of the same type.
// Tests use it to swap a built-in for a stub.
func (r *Registry) Replace(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.Type()] = action
}

// Get retrieves an action by type.
func (r *Registry) Get(actionType string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[actionType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", actionType)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by type.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{
			Type:        a.Type(),
			Description: a.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Has checks if an action type is registered.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[actionType]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

var _ ActionRegistry = (*Registry)(nil)
