// Package reconcile turns successive keyed snapshots into minimal render operations.
package reconcile

import (
	"sort"
	"sync"
)

// Op is the kind of a render operation.
type Op string

const (
	// OpReset tells the renderer to drop everything it holds for the scope.
	OpReset  Op = "reset"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Operation is one render instruction. Payload is nil for reset and remove.
type Operation struct {
	Op      Op     `json:"op"`
	Scope   string `json:"scope"`
	Key     string `json:"key,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Renderer consumes reconciliation batches.
type Renderer interface {
	Apply(ops []Operation)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ops []Operation)

// Apply calls f.
func (f RendererFunc) Apply(ops []Operation) {
	f(ops)
}

// Renderers fans a batch out to every renderer in order.
type Renderers []Renderer

// Apply forwards ops to each renderer.
func (rs Renderers) Apply(ops []Operation) {
	for _, r := range rs {
		if r != nil {
			r.Apply(ops)
		}
	}
}

// View holds the last rendered state of one scope.
type View[T any] struct {
	mu       sync.Mutex
	scope    string
	key      func(T) string
	equal    func(a, b T) bool
	renderer Renderer
	prior    map[string]T
	primed   bool
}

// ViewOption customizes a View.
type ViewOption[T any] func(*View[T])

// WithEqual skips updates for keys whose value did not change.
func WithEqual[T any](equal func(a, b T) bool) ViewOption[T] {
	return func(v *View[T]) { v.equal = equal }
}

// NewView creates a view for scope. key extracts the identity of an item.
func NewView[T any](scope string, key func(T) string, renderer Renderer, opts ...ViewOption[T]) *View[T] {
	v := &View[T]{scope: scope, key: key, renderer: renderer}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Scope returns the scope name.
func (v *View[T]) Scope() string {
	return v.scope
}

// Diff computes the batch that turns the prior state into fresh and records fresh as prior.
func (v *View[T]) Diff(fresh []T) []Operation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.diffLocked(fresh)
}

// Sync diffs fresh and applies the batch while holding the view lock, so batches of one
// view reach the renderer in order.
func (v *View[T]) Sync(fresh []T) []Operation {
	v.mu.Lock()
	defer v.mu.Unlock()
	ops := v.diffLocked(fresh)
	if len(ops) > 0 && v.renderer != nil {
		v.renderer.Apply(ops)
	}
	return ops
}

// Clear removes every item, and is equivalent to Sync(nil).
func (v *View[T]) Clear() []Operation {
	return v.Sync(nil)
}

// Invalidate forgets the prior state so the next batch is a full replace.
func (v *View[T]) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prior = nil
	v.primed = false
}

// Len returns the number of items in the prior state.
func (v *View[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.prior)
}

func (v *View[T]) diffLocked(fresh []T) []Operation {
	order, values := dedupe(fresh, v.key)
	defer func() {
		v.prior = values
		v.primed = true
	}()

	if !v.primed {
		ops := make([]Operation, 0, len(order)+1)
		ops = append(ops, Operation{Op: OpReset, Scope: v.scope})
		for _, k := range order {
			ops = append(ops, v.op(OpCreate, k, values[k]))
		}
		return ops
	}

	var removed []string
	for k := range v.prior {
		if _, ok := values[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)

	ops := make([]Operation, 0, len(removed)+len(order))
	for _, k := range removed {
		ops = append(ops, Operation{Op: OpRemove, Scope: v.scope, Key: k})
	}
	for _, k := range order {
		old, ok := v.prior[k]
		if !ok {
			continue
		}
		if v.equal != nil && v.equal(old, values[k]) {
			continue
		}
		ops = append(ops, v.op(OpUpdate, k, values[k]))
	}
	for _, k := range order {
		if _, ok := v.prior[k]; !ok {
			ops = append(ops, v.op(OpCreate, k, values[k]))
		}
	}
	return ops
}

func (v *View[T]) op(op Op, key string, payload T) Operation {
	return Operation{Op: op, Scope: v.scope, Key: key, Payload: payload}
}

// dedupe keeps the first position of each key and the value of its last occurrence.
func dedupe[T any](items []T, key func(T) string) ([]string, map[string]T) {
	order := make([]string, 0, len(items))
	values := make(map[string]T, len(items))
	for _, item := range items {
		k := key(item)
		if _, seen := values[k]; !seen {
			order = append(order, k)
		}
		values[k] = item
	}
	return order, values
}
