package module

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrDuplicateRoutine occurs when adding a routine whose name already exists in the type.
	ErrDuplicateRoutine = errors.New("duplicate routine")
	// ErrDuplicateType occurs when adding a type whose name already exists in the module.
	ErrDuplicateType = errors.New("duplicate type")
)

// Type finds a type by name.
func (m *Module) Type(name string) *Type {
	for _, t := range m.Types {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// AddType appends a type.
func (m *Module) AddType(t *Type) error {
	if m.Type(t.Name) != nil {
		return fmt.Errorf("%w %s in %s", ErrDuplicateType, t.Name, m.Identity)
	}
	m.Types = append(m.Types, t)
	return nil
}

// Lookup a local routine.
func (m *Module) Lookup(typ, routine string) *Routine {
	t := m.Type(typ)
	if t == nil {
		return nil
	}
	return t.Routine(routine)
}

// Import records a reference to a routine of another module and makes the
// module reference its owner. It returns the recorded reference.
// Importing the same routine twice records it once.
func (m *Module) Import(ref SymbolRef, owner Identity) SymbolRef {
	ref.Module = owner.Name
	if !slices.Contains(m.Imports, ref) {
		m.Imports = append(m.Imports, ref)
	}
	if !slices.ContainsFunc(m.References, func(i Identity) bool { return i.Name == owner.Name }) {
		m.References = append(m.References, owner)
	}
	return ref
}

// Imported reports whether ref is declared in the module's imports.
func (m *Module) Imported(ref SymbolRef) bool {
	return slices.Contains(m.Imports, ref)
}

// Routine finds a routine by name.
func (t *Type) Routine(name string) *Routine {
	for _, r := range t.Routines {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// AddRoutine appends a routine.
func (t *Type) AddRoutine(r *Routine) error {
	if t.Routine(r.Name) != nil {
		return fmt.Errorf("%w %s.%s", ErrDuplicateRoutine, t.Name, r.Name)
	}
	t.Routines = append(t.Routines, r)
	return nil
}

// StaticInitializer of the type, nil if it has none.
func (t *Type) StaticInitializer() *Routine {
	r := t.Routine(StaticInit)
	if r == nil || !r.Static {
		return nil
	}
	return r
}

// Prepend instructions to the body.
func (r *Routine) Prepend(ins ...Instruction) {
	r.Body = append(slices.Clone(ins), r.Body...)
}

// Append instructions to the body, in front of a trailing ret if there is one.
func (r *Routine) Append(ins ...Instruction) {
	n := len(r.Body)
	if n > 0 && r.Body[n-1].Op == OpRet {
		r.Body = slices.Insert(r.Body, n-1, ins...)
		return
	}
	r.Body = append(r.Body, ins...)
}

// Clone deep copies the module, the copy shares nothing with m and carries no raw buffer.
func (m *Module) Clone() *Module {
	c := &Module{
		Identity:   m.Identity,
		References: slices.Clone(m.References),
		Imports:    slices.Clone(m.Imports),
		file:       m.file,
	}
	if m.Types != nil {
		c.Types = make([]*Type, len(m.Types))
		for i, t := range m.Types {
			ct := &Type{Name: t.Name, Exported: t.Exported}
			if t.Routines != nil {
				ct.Routines = make([]*Routine, len(t.Routines))
				for j, r := range t.Routines {
					cr := *r
					if r.Body != nil {
						cr.Body = make([]Instruction, len(r.Body))
						for k, ins := range r.Body {
							if ins.Target != nil {
								x := *ins.Target
								ins.Target = &x
							}
							cr.Body[k] = ins
						}
					}
					ct.Routines[j] = &cr
				}
			}
			c.Types[i] = ct
		}
	}
	return c
}
