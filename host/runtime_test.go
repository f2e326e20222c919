package host

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/preloader/module"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	r := NewRuntime(log.New(io.Discard))
	bootstrap := module.New("", module.Identity{Name: "bootstrap", Version: "1"})
	require.NoError(t, bootstrap.AddType(&module.Type{Name: "Lifecycle", Exported: true, Routines: []*module.Routine{
		{Name: "Start", Static: true, Exported: true, Body: []module.Instruction{module.Ret()}},
		{Name: "hidden", Static: true, Body: []module.Instruction{module.Ret()}},
	}}))
	require.NoError(t, r.Preload(bootstrap))
	return r
}

func encode(t *testing.T, m *module.Module) []byte {
	t.Helper()
	b, err := module.Encode(m)
	require.NoError(t, err)
	return b
}

func TestLoad(t *testing.T) {
	r := newRuntime(t)
	start := module.SymbolRef{Type: "Lifecycle", Routine: "Start"}
	m := module.New("", module.Identity{Name: "app"})
	ref := m.Import(start, module.Identity{Name: "bootstrap", Version: "1"})
	require.NoError(t, m.AddType(&module.Type{Name: "Main", Routines: []*module.Routine{
		{Name: module.StaticInit, Static: true, Body: []module.Instruction{module.Call(ref), module.Ret()}},
	}}))
	require.NoError(t, r.Load(encode(t, m)))
	res, ok := r.Resident("app")
	require.True(t, ok)
	assert.Equal(t, "app", res.Identity.Name)
	assert.Contains(t, r.Symbols(), "app:Main.init")
	assert.Len(t, r.Loaded, 2)
	assert.Equal(t, []string{"app", "bootstrap"}, r.Modules())

	var re *RejectError
	err := r.Load(encode(t, m))
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrAlreadyExist)
}

func TestLoad_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		build func(m *module.Module)
		err   error
	}{
		{"missing reference", func(m *module.Module) {
			m.References = append(m.References, module.Identity{Name: "absent"})
		}, ErrNotResident},
		{"version mismatch", func(m *module.Module) {
			m.References = append(m.References, module.Identity{Name: "bootstrap", Version: "2"})
		}, ErrNotResident},
		{"unversioned reference", func(m *module.Module) {
			m.References = append(m.References, module.Identity{Name: "bootstrap"})
		}, ErrNotResident},
		{"unexported import", func(m *module.Module) {
			m.Import(module.SymbolRef{Type: "Lifecycle", Routine: "hidden"}, module.Identity{Name: "bootstrap", Version: "1"})
		}, ErrMissingSym},
		{"undeclared import", func(m *module.Module) {
			m.Types = append(m.Types, &module.Type{Name: "Main", Routines: []*module.Routine{
				{Name: "run", Body: []module.Instruction{module.Call(module.SymbolRef{Module: "bootstrap", Type: "Lifecycle", Routine: "Start"})}},
			}})
		}, ErrMissingSym},
		{"unknown local call", func(m *module.Module) {
			m.Types = append(m.Types, &module.Type{Name: "Main", Routines: []*module.Routine{
				{Name: "run", Body: []module.Instruction{module.Call(module.SymbolRef{Type: "Main", Routine: "absent"})}},
			}})
		}, ErrMissingSym},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := newRuntime(t)
			m := module.New("", module.Identity{Name: "app"})
			c.build(m)
			err := r.Load(encode(t, m))
			var re *RejectError
			require.ErrorAs(t, err, &re)
			assert.ErrorIs(t, err, c.err)
			_, ok := r.Resident("app")
			assert.False(t, ok)
		})
	}
}

func TestLoad_Undecodable(t *testing.T) {
	r := newRuntime(t)
	err := r.Load([]byte("garbage"))
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, module.ErrCorrupt)
}

func TestInitialize(t *testing.T) {
	r := newRuntime(t)
	start := module.SymbolRef{Module: "bootstrap", Type: "Lifecycle", Routine: "Start"}
	calls := 0
	r.RegisterNative(start, func() { calls++ })
	m := module.New("", module.Identity{Name: "app"})
	ref := m.Import(start, module.Identity{Name: "bootstrap", Version: "1"})
	require.NoError(t, m.AddType(&module.Type{Name: "Main", Routines: []*module.Routine{
		{Name: module.StaticInit, Static: true, Body: []module.Instruction{module.Call(ref), module.Ret()}},
	}}))
	require.NoError(t, r.Load(encode(t, m)))
	require.NoError(t, r.Initialize("app", "Main"))
	require.NoError(t, r.Initialize("app", "Main"))
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, r.Initialize("absent", "Main"), ErrNotResident)
	assert.ErrorIs(t, r.Initialize("app", "Absent"), ErrMissingType)
}

func TestInvoke(t *testing.T) {
	r := newRuntime(t)
	m := module.New("", module.Identity{Name: "loop"})
	require.NoError(t, m.AddType(&module.Type{Name: "T", Routines: []*module.Routine{
		{Name: "f", Body: []module.Instruction{module.Call(module.SymbolRef{Type: "T", Routine: "f"})}},
	}}))
	require.NoError(t, r.Load(encode(t, m)))
	assert.ErrorIs(t, r.Invoke(module.SymbolRef{Module: "loop", Type: "T", Routine: "f"}), ErrTooDeep)
	assert.ErrorIs(t, r.Invoke(module.SymbolRef{Module: "loop", Type: "T", Routine: "g"}), ErrMissingSym)
	assert.NoError(t, r.Invoke(module.SymbolRef{Module: "bootstrap", Type: "Lifecycle", Routine: "Start"}))
}
