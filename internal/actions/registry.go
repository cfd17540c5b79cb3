package actions

import (
	"sort"
	"sync"

	"github.com/flexli/flexli/pkg/schema"
)

// Registry maps CoreV1 action types to their handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Builtin
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Builtin),
	}
}

// Register adds a handler. Returns error on a nil handler, a type outside
// the CoreV1 namespace or a duplicate.
func (r *Registry) Register(b Builtin) error {
	if b == nil {
		return schema.NewError(schema.ErrCodeValidation, "builtin is nil")
	}
	typ := b.Type()
	if !schema.IsCoreV1(typ) {
		return schema.NewErrorf(schema.ErrCodeValidation, "builtin type %q is not a CoreV1 type", typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "builtin %q already registered", typ)
	}
	r.builtins[typ] = b
	return nil
}

// Get returns the handler for typ.
func (r *Registry) Get(typ string) (Builtin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.builtins[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction, "unsupported action type %q", typ)
	}
	return b, nil
}

// Has checks if a handler is registered for typ.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builtins[typ]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builtins)
}

// List returns all registered handlers, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.builtins))
	for _, b := range r.builtins {
		infos = append(infos, Info{Type: b.Type(), Description: b.Description()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Validate fails if any declared CoreV1 action type has no handler.
func (r *Registry) Validate() error {
	var missing []string
	for _, typ := range schema.CoreV1Actions {
		if !r.Has(typ) {
			missing = append(missing, typ)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeUnsupportedAction, "no handler for %d CoreV1 action types", len(missing)).
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}
