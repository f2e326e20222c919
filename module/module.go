// Package module is the in-memory form of a binary code module: an identity, the
// identities it references, imported cross-module routine references, and a tree
// of types holding routines.
//
// A module file is the 4 byte magic "PLMD", one format version byte and a msgpack
// body. Encoding is deterministic, so a file produced by [Encode] decodes and
// re-encodes to the same bytes.
package module

import (
	"fmt"
	"strings"
)

const (
	// Ext is the extension of module files inside a module directory.
	Ext = ".mdl"
	// StaticInit is the name of a type's static initialization routine.
	StaticInit = "init"
)

type (
	// Identity of a module. Two identities are equal only if name and version are equal.
	Identity struct {
		Name    string `msgpack:"name"`
		Version string `msgpack:"version,omitempty"`
	}
	// SymbolRef is a reference to a routine. An empty Module means the referencing module itself.
	SymbolRef struct {
		Module  string `msgpack:"module,omitempty"`
		Type    string `msgpack:"type"`
		Routine string `msgpack:"routine"`
	}
	// Op of an Instruction.
	Op uint8
	// Instruction of a routine body.
	Instruction struct {
		Op     Op         `msgpack:"op,omitempty"`
		Target *SymbolRef `msgpack:"target,omitempty"`
	}
	Routine struct {
		Name     string        `msgpack:"name"`
		Static   bool          `msgpack:"static,omitempty"`
		Exported bool          `msgpack:"exported,omitempty"`
		Body     []Instruction `msgpack:"body,omitempty"`
	}
	Type struct {
		Name     string     `msgpack:"name"`
		Exported bool       `msgpack:"exported,omitempty"`
		Routines []*Routine `msgpack:"routines,omitempty"`
	}
	// Module is exclusively owned by whoever loaded it until it is released.
	Module struct {
		Identity   Identity    `msgpack:"identity"`
		References []Identity  `msgpack:"references,omitempty"`
		Imports    []SymbolRef `msgpack:"imports,omitempty"`
		Types      []*Type     `msgpack:"types,omitempty"`

		file     string
		raw      []byte
		released bool
	}
)

const (
	OpNop Op = iota
	OpCall
	OpRet
)

func (o Op) String() string {
	switch o {
	case OpNop:
		return "nop"
	case OpCall:
		return "call"
	case OpRet:
		return "ret"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func (i Identity) String() string {
	if i.Version == "" {
		return i.Name
	}
	return i.Name + "@" + i.Version
}

func (r SymbolRef) String() string {
	if r.Module == "" {
		return r.Type + "." + r.Routine
	}
	return r.Module + ":" + r.Type + "." + r.Routine
}

// In qualifies a local reference with the module name.
func (r SymbolRef) In(module string) SymbolRef {
	if r.Module == "" {
		r.Module = module
	}
	return r
}

func (i Instruction) String() string {
	if i.Target == nil {
		return i.Op.String()
	}
	return i.Op.String() + " " + i.Target.String()
}

// Call to a routine.
func Call(ref SymbolRef) Instruction {
	return Instruction{Op: OpCall, Target: &ref}
}

// Ret from a routine.
func Ret() Instruction {
	return Instruction{Op: OpRet}
}

// New creates an empty module with the identity and the file it will be stored as.
func New(file string, id Identity) *Module {
	return &Module{Identity: id, file: file}
}

// File is the filename the module was loaded from, transforms target modules by it.
func (m *Module) File() string {
	return m.file
}

// SetFile changes the filename.
func (m *Module) SetFile(file string) {
	m.file = file
}

// Raw returns the buffer the module was decoded from, nil once released or for built modules.
func (m *Module) Raw() []byte {
	return m.raw
}

// Release drops the buffer the module was decoded from. The module must not be committed again.
func (m *Module) Release() {
	m.raw = nil
	m.released = true
}

// Released reports whether Release was called.
func (m *Module) Released() bool {
	return m.released
}

func (m *Module) String() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "module %s", m.Identity)
	if m.file != "" {
		fmt.Fprintf(b, " (%s)", m.file)
	}
	return b.String()
}
