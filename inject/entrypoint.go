// Package inject holds the built-in transform that wires the bootstrap routine
// into the static initializer of the host's lifecycle type.
package inject

import (
	"fmt"

	"github.com/ZenLiuCN/preloader/module"
)

// Config names the target module, its lifecycle type and the bootstrap routine.
type Config struct {
	// Target filename of the module defining the lifecycle type.
	Target           string
	LifecycleType    string
	BootstrapModule  string
	BootstrapType    string
	BootstrapRoutine string
}

// Default configuration.
func Default() Config {
	return Config{
		Target:           "Engine.mdl",
		LifecycleType:    "Application",
		BootstrapModule:  "bootstrap",
		BootstrapType:    "Entry",
		BootstrapRoutine: "Start",
	}
}

// Resolver finds modules already resident in the host.
type Resolver interface {
	Resident(name string) (*module.Module, bool)
}

// BootstrapInjectionError is fatal to a run.
type BootstrapInjectionError struct {
	Target string
	Reason string
}

func (e *BootstrapInjectionError) Error() string {
	return fmt.Sprintf("inject bootstrap into %s: %s", e.Target, e.Reason)
}

// Injector is a patch.Patcher.
type Injector struct {
	resolver Resolver
	cfg      Config
}

// New injector resolving the bootstrap module with r.
func New(r Resolver, cfg Config) *Injector {
	return &Injector{resolver: r, cfg: cfg}
}

func (i *Injector) Name() string {
	return "entrypoint"
}

func (i *Injector) Targets() []string {
	return []string{i.cfg.Target}
}

// Patch adds a static initializer calling the bootstrap routine to the lifecycle type.
// An existing initializer gets the call as its first instruction.
func (i *Injector) Patch(m *module.Module) (*module.Module, error) {
	fail := func(format string, args ...any) error {
		return &BootstrapInjectionError{Target: m.File(), Reason: fmt.Sprintf(format, args...)}
	}
	c := i.cfg
	boot, ok := i.resolver.Resident(c.BootstrapModule)
	if !ok {
		return nil, fail("bootstrap module %s not resident", c.BootstrapModule)
	}
	rt := boot.Lookup(c.BootstrapType, c.BootstrapRoutine)
	switch {
	case rt == nil:
		return nil, fail("routine %s.%s not found in %s", c.BootstrapType, c.BootstrapRoutine, boot.Identity)
	case !rt.Static || !rt.Exported:
		return nil, fail("routine %s.%s must be static and exported", c.BootstrapType, c.BootstrapRoutine)
	}
	lt := m.Type(c.LifecycleType)
	if lt == nil {
		return nil, fail("lifecycle type %s not found", c.LifecycleType)
	}
	ref := m.Import(module.SymbolRef{Type: c.BootstrapType, Routine: c.BootstrapRoutine}, boot.Identity)
	if si := lt.StaticInitializer(); si != nil {
		si.Prepend(module.Call(ref))
		return m, nil
	}
	if err := lt.AddRoutine(&module.Routine{
		Name:   module.StaticInit,
		Static: true,
		Body:   []module.Instruction{module.Call(ref), module.Ret()},
	}); err != nil {
		return nil, fail("%v", err)
	}
	return m, nil
}
