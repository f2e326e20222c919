// Package host is the managed execution environment modules are committed to.
//
// A Runtime keeps the resident modules and their exported symbols, accepts new
// modules only when every reference they make is already resident, and runs
// static initializers on demand.
package host

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/charmbracelet/log"

	"github.com/ZenLiuCN/preloader/module"
)

// MaxDepth of nested calls.
const MaxDepth = 256

var (
	ErrNotResident  = errors.New("module not resident")
	ErrMissingType  = errors.New("type not found")
	ErrMissingSym   = errors.New("symbol not found")
	ErrTooDeep      = errors.New("call depth exceeded")
	ErrAlreadyExist = errors.New("module already resident")
)

// RejectError is returned by Load when a module cannot be made resident.
type RejectError struct {
	Module string
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reject %s: %s: %v", e.Module, e.Reason, e.Err)
	}
	return fmt.Sprintf("reject %s: %s", e.Module, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

type entry struct {
	module  *module.Module
	routine *module.Routine
}

// Runtime is safe for concurrent use.
type Runtime struct {
	sync.RWMutex
	resident    map[string]*module.Module
	Loaded      []*module.Module
	symbols     map[string]entry
	natives     map[string]func()
	initialized map[string]bool
	logger      *log.Logger
}

// NewRuntime creates an empty runtime.
func NewRuntime(logger *log.Logger) *Runtime {
	return &Runtime{
		resident:    make(map[string]*module.Module),
		symbols:     make(map[string]entry),
		natives:     make(map[string]func()),
		initialized: make(map[string]bool),
		logger:      logger,
	}
}

// RegisterNative binds a symbol to Go code, it takes precedence over a routine of the same symbol.
func (r *Runtime) RegisterNative(ref module.SymbolRef, f func()) {
	r.Lock()
	defer r.Unlock()
	r.natives[ref.String()] = f
}

// Preload makes m resident without checking it, for modules the process already carries.
func (r *Runtime) Preload(m *module.Module) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.resident[m.Identity.Name]; ok {
		return ErrAlreadyExist
	}
	r.register(m)
	return nil
}

// Load decodes and checks a module then makes it resident.
func (r *Runtime) Load(b []byte) (err error) {
	var m *module.Module
	if m, err = module.Decode("", b); err != nil {
		return &RejectError{Reason: "undecodable", Err: err}
	}
	r.Lock()
	defer r.Unlock()
	if err = r.check(m); err != nil {
		return
	}
	r.register(m)
	r.logger.Debug("module resident", "module", m.Identity)
	return
}

func (r *Runtime) check(m *module.Module) error {
	id := m.Identity.String()
	reject := func(reason string, err error) error {
		return &RejectError{Module: id, Reason: reason, Err: err}
	}
	if _, ok := r.resident[m.Identity.Name]; ok {
		return reject("duplicate", ErrAlreadyExist)
	}
	for _, ref := range m.References {
		d, ok := r.resident[ref.Name]
		if !ok || d.Identity != ref {
			return reject("missing dependency "+ref.String(), ErrNotResident)
		}
	}
	for _, imp := range m.Imports {
		if _, ok := r.natives[imp.String()]; ok {
			continue
		}
		e, ok := r.symbols[imp.String()]
		if !ok || !e.routine.Exported {
			return reject("unresolved import "+imp.String(), ErrMissingSym)
		}
	}
	for _, t := range m.Types {
		for _, rt := range t.Routines {
			for _, ins := range rt.Body {
				if ins.Op != module.OpCall {
					continue
				}
				if ins.Target == nil {
					return reject(fmt.Sprintf("call without target in %s.%s", t.Name, rt.Name), nil)
				}
				tgt := *ins.Target
				switch {
				case tgt.Module == "" || tgt.Module == m.Identity.Name:
					if m.Lookup(tgt.Type, tgt.Routine) == nil {
						return reject("unknown local call "+tgt.String(), ErrMissingSym)
					}
				case !m.Imported(tgt):
					return reject("call to undeclared import "+tgt.String(), ErrMissingSym)
				}
			}
		}
	}
	return nil
}

func (r *Runtime) register(m *module.Module) {
	r.resident[m.Identity.Name] = m
	r.Loaded = append(r.Loaded, m)
	for _, t := range m.Types {
		for _, rt := range t.Routines {
			ref := module.SymbolRef{Module: m.Identity.Name, Type: t.Name, Routine: rt.Name}
			r.symbols[ref.String()] = entry{module: m, routine: rt}
		}
	}
}

// Resident finds a resident module by name.
func (r *Runtime) Resident(name string) (*module.Module, bool) {
	r.RLock()
	defer r.RUnlock()
	m, ok := r.resident[name]
	return m, ok
}

// Modules names the resident modules, sorted.
func (r *Runtime) Modules() []string {
	r.RLock()
	defer r.RUnlock()
	s := fn.MapKeys(r.resident)
	slices.Sort(s)
	return s
}

// Symbols dump symbol names of the runtime, sorted.
func (r *Runtime) Symbols() []string {
	r.RLock()
	defer r.RUnlock()
	s := append(fn.MapKeys(r.symbols), fn.MapKeys(r.natives)...)
	slices.Sort(s)
	return slices.Compact(s)
}

// Initialize runs the static initializer of a type the first time it is asked for.
func (r *Runtime) Initialize(moduleName, typeName string) error {
	r.Lock()
	key := moduleName + ":" + typeName
	if r.initialized[key] {
		r.Unlock()
		return nil
	}
	m, ok := r.resident[moduleName]
	if !ok {
		r.Unlock()
		return fmt.Errorf("%w: %s", ErrNotResident, moduleName)
	}
	t := m.Type(typeName)
	if t == nil {
		r.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrMissingType, typeName, moduleName)
	}
	r.initialized[key] = true
	r.Unlock()
	if si := t.StaticInitializer(); si != nil {
		r.logger.Debug("static initializer", "module", moduleName, "type", typeName)
		return r.exec(m, si, 0)
	}
	return nil
}

// Invoke a resident routine or a native.
func (r *Runtime) Invoke(ref module.SymbolRef) error {
	return r.invoke(ref, 0)
}

func (r *Runtime) invoke(ref module.SymbolRef, depth int) error {
	if depth > MaxDepth {
		return ErrTooDeep
	}
	r.RLock()
	native, isNative := r.natives[ref.String()]
	e, isRoutine := r.symbols[ref.String()]
	r.RUnlock()
	switch {
	case isNative:
		native()
		return nil
	case isRoutine:
		return r.exec(e.module, e.routine, depth)
	default:
		return fmt.Errorf("%w: %s", ErrMissingSym, ref)
	}
}

func (r *Runtime) exec(m *module.Module, rt *module.Routine, depth int) error {
	for _, ins := range rt.Body {
		switch ins.Op {
		case module.OpRet:
			return nil
		case module.OpCall:
			if ins.Target == nil {
				return fmt.Errorf("%w: call without target in %s", ErrMissingSym, rt.Name)
			}
			if err := r.invoke(ins.Target.In(m.Identity.Name), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
