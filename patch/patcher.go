// Package patch discovers transforms, keeps them in a run-scoped registry and
// applies them to their target modules.
//
// # Contract
//
// An extension exposes values; a value is a transform when it implements
// [Targeter] and one of [Patcher] or [InPlacePatcher]. It may also implement
// [Namer], [Initializer] and [Finisher]. Values implementing neither apply form
// are ignored, so an extension may export anything else next to its patchers.
package patch

import (
	"fmt"
	"slices"

	"github.com/ZenLiuCN/preloader/module"
)

type (
	// Targeter names the module files a transform wants to receive.
	Targeter interface {
		Targets() []string
	}
	// Patcher returns the module to keep, the received one or a replacement.
	Patcher interface {
		Targeter
		Patch(m *module.Module) (*module.Module, error)
	}
	// InPlacePatcher edits the received module.
	InPlacePatcher interface {
		Targeter
		PatchInPlace(m *module.Module) error
	}
	// Namer gives a transform a readable identity.
	Namer interface {
		Name() string
	}
	// Initializer runs once before any module is loaded.
	Initializer interface {
		Initialize()
	}
	// Finisher runs once after the commit, or after the run aborted.
	Finisher interface {
		Finish()
	}
)

// Builtin is the source of transforms compiled into the program.
const Builtin = "builtin"

// Transform is a probed patcher.
type Transform struct {
	Name    string
	Targets []string
	Apply   func(*module.Module) (*module.Module, error)
	Source  string
}

// Hooks found next to a transform, nil when absent.
type Hooks struct {
	Initialize func()
	Finish     func()
}

// ContractProbeError occurs when inspecting an exported value fails.
type ContractProbeError struct {
	Source string
	Value  string
	Err    error
}

func (e *ContractProbeError) Error() string {
	return fmt.Sprintf("probe %s from %s: %v", e.Value, e.Source, e.Err)
}

func (e *ContractProbeError) Unwrap() error {
	return e.Err
}

// Probe checks v against the contract. A value not shaped as a transform gives
// ok false and no error.
func Probe(source string, v any) (t *Transform, h Hooks, ok bool, err error) {
	name := fmt.Sprintf("%T", v)
	defer func() {
		if r := recover(); r != nil {
			t, h, ok = nil, Hooks{}, false
			err = &ContractProbeError{Source: source, Value: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	tg, isTarget := v.(Targeter)
	if !isTarget {
		return
	}
	t = &Transform{Source: source}
	switch p := v.(type) {
	case Patcher:
		t.Apply = p.Patch
	case InPlacePatcher:
		t.Apply = func(m *module.Module) (*module.Module, error) {
			return m, p.PatchInPlace(m)
		}
	default:
		return nil, Hooks{}, false, nil
	}
	if n, is := v.(Namer); is {
		name = n.Name()
	}
	t.Name = name
	t.Targets = dedupe(tg.Targets())
	if i, is := v.(Initializer); is {
		h.Initialize = i.Initialize
	}
	if f, is := v.(Finisher); is {
		h.Finish = f.Finish
	}
	ok = true
	return
}

func dedupe(targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, s := range targets {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
