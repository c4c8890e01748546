// Package registry implements the in-memory component registry: the
// authoritative mapping from component id to descriptor and from action
// type to component id. It is the resolver every other component goes
// through to turn a predicted action into something preloadable.
package registry

import (
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/predictlib/corelib/internal/core"
)

// Registry is the mutex-guarded implementation of
// core.ComponentRegistry (C3). One instance is shared by the tracker,
// the prediction engine, and the preloader; it is created once at
// initialization and passed by reference, never held in package state.
type Registry struct {
	mu         sync.RWMutex
	components map[string]core.ComponentDescriptor
	order      []string          // component ids in registration order
	bindings   map[string]string // actionType -> componentId

	validate *validator.Validate
	log      *slog.Logger
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		components: make(map[string]core.ComponentDescriptor),
		bindings:   make(map[string]string),
		validate:   validator.New(),
		log:        log,
	}
}

// TrackComponent registers a preloadable component. Re-registering an
// existing id is a no-op: the original descriptor is kept, a warning is
// logged, and ErrComponentAlreadyTracked is returned so callers can
// distinguish the case without treating it as fatal.
func (r *Registry) TrackComponent(id, typ string, metadata map[string]any) error {
	desc := core.ComponentDescriptor{ID: id, Type: typ, Metadata: metadata}
	if err := r.validate.Struct(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[id]; exists {
		r.log.Warn("component already tracked, ignoring re-registration", "component_id", id)
		return core.ErrComponentAlreadyTracked
	}
	r.components[id] = desc
	r.order = append(r.order, id)
	return nil
}

// AssociateActionWithComponent binds an action type to a tracked
// component. Binding to an untracked component is rejected. Re-binding
// an action overwrites the previous binding.
func (r *Registry) AssociateActionWithComponent(actionType, componentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[componentID]; !exists {
		r.log.Warn("cannot bind action to untracked component",
			"action_type", actionType, "component_id", componentID)
		return core.ErrComponentNotTracked
	}
	r.bindings[actionType] = componentID
	return nil
}

// GetComponentByAction resolves an action type to its bound component
// id. Unknown actions fail softly with found=false.
func (r *Registry) GetComponentByAction(actionType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bindings[actionType]
	return id, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []core.ComponentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ComponentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.components[id])
	}
	return out
}

var _ core.ComponentRegistry = (*Registry)(nil)
