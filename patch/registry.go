package patch

import (
	"errors"
	"io"
	"reflect"
	"slices"
)

// ErrDuplicate occurs when the same value is added twice.
var ErrDuplicate = errors.New("transform already registered")

// Registration binds a transform to its targets.
type Registration struct {
	*Transform
}

// Registry is the ordered set of transforms of one run, plus the hooks and the
// extension libraries whose code they live in.
type Registry struct {
	regs         []Registration
	initializers []func()
	finalizers   []func()
	owned        []io.Closer
	added        []any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return new(Registry)
}

// Register a transform and its hooks, registration order is apply order.
func (r *Registry) Register(t *Transform, h Hooks) {
	r.regs = append(r.regs, Registration{t})
	if h.Initialize != nil {
		r.initializers = append(r.initializers, h.Initialize)
	}
	if h.Finish != nil {
		r.finalizers = append(r.finalizers, h.Finish)
	}
}

// Add probes v and registers it when it is a transform. A comparable value
// equal to one already added is rejected with ErrDuplicate.
func (r *Registry) Add(source string, v any) (ok bool, err error) {
	cmp := v != nil && reflect.ValueOf(v).Comparable()
	if cmp && slices.Contains(r.added, v) {
		return false, ErrDuplicate
	}
	var t *Transform
	var h Hooks
	if t, h, ok, err = Probe(source, v); ok {
		r.Register(t, h)
		if cmp {
			r.added = append(r.added, v)
		}
	}
	return
}

// Registrations in registration order.
func (r *Registry) Registrations() []Registration {
	return r.regs
}

// Len is the count of registrations.
func (r *Registry) Len() int {
	return len(r.regs)
}

// Own keeps c open until Close.
func (r *Registry) Own(c io.Closer) {
	r.owned = append(r.owned, c)
}

// Initialize runs the initializer hooks in registration order, at most once.
func (r *Registry) Initialize() {
	hooks := r.initializers
	r.initializers = nil
	for _, f := range hooks {
		f()
	}
}

// Finish runs the finalizer hooks in registration order, at most once.
func (r *Registry) Finish() {
	hooks := r.finalizers
	r.finalizers = nil
	for _, f := range hooks {
		f()
	}
}

// Close the owned libraries in reverse order, returning the first failure.
func (r *Registry) Close() (err error) {
	for i := len(r.owned) - 1; i >= 0; i-- {
		if e := r.owned[i].Close(); e != nil && err == nil {
			err = e
		}
	}
	r.owned = nil
	return
}
