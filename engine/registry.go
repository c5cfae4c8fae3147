// Package engine is the processing side of the protocol: the
// authoritative parameter registry and the request dispatcher serving
// control surfaces over embedded or networked transports.
package engine

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/param"
)

// Registry holds the authoritative parameter set. Every write is
// clamped to the declared range here; clients only ever learn applied
// values through read-back. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	params map[string]param.Info
	order  []string

	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]func(param.ChangeEvent)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		params:    make(map[string]param.Info),
		listeners: make(map[int]func(param.ChangeEvent)),
	}
}

// Define registers a parameter. The initial value is clamped into
// [Min, Max]; duplicate ids and inverted ranges are rejected.
func (r *Registry) Define(info param.Info) error {
	if info.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("parameter id must not be empty"),
			"Registry", "Define", "validate parameter")
	}
	if info.Min > info.Max {
		return errors.WrapInvalid(
			fmt.Errorf("parameter %s: min %v exceeds max %v", info.ID, info.Min, info.Max),
			"Registry", "Define", "validate range")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.params[info.ID]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("parameter %s already defined", info.ID),
			"Registry", "Define", "register parameter")
	}
	info.Value = r.applyConstraints(info, info.Value)
	info.Default = r.applyConstraints(info, info.Default)
	r.params[info.ID] = info
	r.order = append(r.order, info.ID)
	return nil
}

// Get returns one parameter.
func (r *Registry) Get(id string) (param.Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.params[id]
	if !ok {
		return param.Info{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrParameterNotFound, id),
			"Registry", "Get", "look up parameter")
	}
	return info, nil
}

// Value returns a parameter's current value, or its zero when unknown.
func (r *Registry) Value(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params[id].Value
}

// Set applies a value: finite values are clamped into [Min, Max] and
// boolean parameters snap to exactly 0 or 1. Non-finite values are
// rejected as out of range. Returns the applied Info and notifies
// change listeners when the value actually moved.
func (r *Registry) Set(id string, value float64) (param.Info, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return param.Info{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s rejects non-finite value", errors.ErrValueOutOfRange, id),
			"Registry", "Set", "validate value")
	}

	r.mu.Lock()
	info, ok := r.params[id]
	if !ok {
		r.mu.Unlock()
		return param.Info{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrParameterNotFound, id),
			"Registry", "Set", "look up parameter")
	}

	applied := r.applyConstraints(info, value)
	changed := applied != info.Value
	info.Value = applied
	r.params[id] = info
	r.mu.Unlock()

	if changed {
		r.notify(param.ChangeEvent{ID: id, Value: applied})
	}
	return info, nil
}

// List returns all parameters in definition order.
func (r *Registry) List() []param.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]param.Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.params[id])
	}
	return out
}

// ListSorted returns all parameters sorted by id.
func (r *Registry) ListSorted() []param.Info {
	out := r.List()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnChange subscribes to applied-value changes. The returned unsubscribe
// function is idempotent.
func (r *Registry) OnChange(fn func(param.ChangeEvent)) func() {
	r.listenerMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.listenerMu.Lock()
			delete(r.listeners, id)
			r.listenerMu.Unlock()
		})
	}
}

func (r *Registry) notify(ev param.ChangeEvent) {
	r.listenerMu.Lock()
	fns := make([]func(param.ChangeEvent), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenerMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// applyConstraints clamps into [Min, Max] and snaps booleans to 0/1.
func (r *Registry) applyConstraints(info param.Info, value float64) float64 {
	if value < info.Min {
		value = info.Min
	}
	if value > info.Max {
		value = info.Max
	}
	if info.Type == param.TypeBool {
		if value >= 0.5 {
			return 1
		}
		return 0
	}
	return value
}
