package patch

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ZenLiuCN/preloader/module"
)

// ErrNilModule occurs when a transform returns no module.
var ErrNilModule = errors.New("transform returned no module")

// TransformFailure occurs when a transform fails on a target, the run must not commit after it.
type TransformFailure struct {
	Transform string
	Source    string
	Target    string
	Err       error
}

func (e *TransformFailure) Error() string {
	return fmt.Sprintf("transform %s (%s) failed on %s: %v", e.Transform, e.Source, e.Target, e.Err)
}

func (e *TransformFailure) Unwrap() error {
	return e.Err
}

// Engine applies registrations to candidate modules.
type Engine struct {
	logger *log.Logger
}

// NewEngine creates an engine.
func NewEngine(logger *log.Logger) *Engine {
	return &Engine{logger: logger}
}

// Apply walks the registrations once, in order, and threads every targeted
// candidate through each transform naming it. candidates is keyed by filename and
// receives the values the transforms return. The filenames touched at least once
// are returned. The first failure stops everything.
func (e *Engine) Apply(reg *Registry, candidates map[string]*module.Module) (modified map[string]bool, err error) {
	modified = make(map[string]bool)
	for _, r := range reg.Registrations() {
		for _, target := range r.Targets {
			m, ok := candidates[target]
			if !ok {
				e.logger.Debug("target not a candidate", "transform", r.Name, "target", target)
				continue
			}
			var out *module.Module
			if out, err = e.apply(r.Transform, m); err != nil {
				return modified, &TransformFailure{Transform: r.Name, Source: r.Source, Target: target, Err: err}
			}
			if out != m {
				out.SetFile(target)
				m.Release()
			}
			candidates[target] = out
			modified[target] = true
			e.logger.Info("patched", "transform", r.Name, "target", target)
		}
	}
	return
}

func (e *Engine) apply(t *Transform, m *module.Module) (out *module.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	if out, err = t.Apply(m); err == nil && out == nil {
		err = ErrNilModule
	}
	return
}
