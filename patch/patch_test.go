package patch

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/preloader/module"
)

var quiet = log.New(io.Discard)

type (
	// adds a routine to type Main
	adder struct {
		targets []string
		routine string
		calls   *[]string
	}
	// replaces the module by a clone
	replacer struct{ targets []string }
	failing  struct{}
	panicky  struct{}
	hooked   struct {
		adder
		events *[]string
	}
	targetsOnly struct{}
	broken      struct{}
)

func (a adder) Name() string      { return "adder-" + a.routine }
func (a adder) Targets() []string { return a.targets }
func (a adder) PatchInPlace(m *module.Module) error {
	if a.calls != nil {
		*a.calls = append(*a.calls, a.routine+"@"+m.File())
	}
	t := m.Type("Main")
	if t == nil {
		t = &module.Type{Name: "Main", Exported: true}
		if err := m.AddType(t); err != nil {
			return err
		}
	}
	return t.AddRoutine(&module.Routine{Name: a.routine, Exported: true, Body: []module.Instruction{module.Ret()}})
}

func (r replacer) Targets() []string { return r.targets }
func (r replacer) Patch(m *module.Module) (*module.Module, error) {
	c := m.Clone()
	c.Identity.Version = "patched"
	return c, nil
}

func (failing) Targets() []string { return []string{"a.mdl"} }
func (failing) Patch(*module.Module) (*module.Module, error) {
	return nil, errors.New("boom")
}

func (panicky) Targets() []string { return []string{"a.mdl"} }
func (panicky) PatchInPlace(*module.Module) error {
	panic("bad edit")
}

func (h hooked) Initialize() { *h.events = append(*h.events, "init") }
func (h hooked) Finish()     { *h.events = append(*h.events, "finish") }

func (targetsOnly) Targets() []string { return []string{"a.mdl"} }

func (broken) Targets() []string { panic("no targets") }
func (broken) PatchInPlace(*module.Module) error {
	return nil
}

func candidates(names ...string) map[string]*module.Module {
	c := make(map[string]*module.Module, len(names))
	for _, n := range names {
		c[n] = module.New(n, module.Identity{Name: n})
	}
	return c
}

func TestProbe(t *testing.T) {
	tr, h, ok, err := Probe("x.o", adder{targets: []string{"a.mdl", "a.mdl", "", "b.mdl"}, routine: "X"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "adder-X", tr.Name)
	assert.Equal(t, []string{"a.mdl", "b.mdl"}, tr.Targets)
	assert.Equal(t, "x.o", tr.Source)
	assert.Nil(t, h.Initialize)

	tr, _, ok, err = Probe("x.o", replacer{targets: []string{"a.mdl"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "patch.replacer", tr.Name)

	for _, v := range []any{targetsOnly{}, 42, "text", nil} {
		_, _, ok, err = Probe("x.o", v)
		assert.NoError(t, err)
		assert.False(t, ok, "%T", v)
	}

	_, _, ok, err = Probe("x.o", broken{})
	var pe *ContractProbeError
	require.ErrorAs(t, err, &pe)
	assert.False(t, ok)
	assert.Equal(t, "patch.broken", pe.Value)
}

func TestRegistryHooks(t *testing.T) {
	var events []string
	reg := NewRegistry()
	ok, err := reg.Add(Builtin, hooked{adder: adder{routine: "X"}, events: &events})
	require.NoError(t, err)
	require.True(t, ok)
	reg.Initialize()
	reg.Initialize()
	reg.Finish()
	reg.Finish()
	assert.Equal(t, []string{"init", "finish"}, events)
}

func TestEngine_RegistryOrder(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	for _, v := range []any{
		adder{targets: []string{"b.mdl", "a.mdl"}, routine: "X", calls: &calls},
		adder{targets: []string{"a.mdl", "a.mdl"}, routine: "Y", calls: &calls},
	} {
		_, err := reg.Add("ext.o", v)
		require.NoError(t, err)
	}
	c := candidates("a.mdl", "b.mdl", "c.mdl")
	modified, err := NewEngine(quiet).Apply(reg, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"X@b.mdl", "X@a.mdl", "Y@a.mdl"}, calls)
	assert.Equal(t, map[string]bool{"a.mdl": true, "b.mdl": true}, modified)
	assert.NotNil(t, c["a.mdl"].Lookup("Main", "X"))
	assert.NotNil(t, c["a.mdl"].Lookup("Main", "Y"))
}

func TestRegistry_DuplicateValue(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	a := &adder{targets: []string{"a.mdl"}, routine: "X", calls: &calls}
	ok, err := reg.Add("ext.o", a)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = reg.Add("ext.o", a)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.False(t, ok)
	ok, err = reg.Add("ext.o", &adder{targets: []string{"a.mdl"}, routine: "Y", calls: &calls})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = NewEngine(quiet).Apply(reg, candidates("a.mdl"))
	require.NoError(t, err)
	assert.Equal(t, []string{"X@a.mdl", "Y@a.mdl"}, calls)
}

func TestEngine_ReplaceSemantics(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	_, _ = reg.Add("ext.o", replacer{targets: []string{"a.mdl"}})
	_, _ = reg.Add("ext.o", adder{targets: []string{"a.mdl"}, routine: "X", calls: &calls})
	c := candidates("a.mdl")
	before := c["a.mdl"]
	_, err := NewEngine(quiet).Apply(reg, c)
	require.NoError(t, err)
	after := c["a.mdl"]
	assert.NotSame(t, before, after)
	assert.True(t, before.Released())
	assert.Equal(t, "patched", after.Identity.Version)
	assert.Equal(t, "a.mdl", after.File())
	assert.NotNil(t, after.Lookup("Main", "X"))
}

func TestEngine_SkipsNonCandidates(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	_, _ = reg.Add("ext.o", adder{targets: []string{"runtime.mdl"}, routine: "X", calls: &calls})
	modified, err := NewEngine(quiet).Apply(reg, candidates("a.mdl"))
	require.NoError(t, err)
	assert.Empty(t, calls)
	assert.Empty(t, modified)
}

func TestEngine_FailureAborts(t *testing.T) {
	for name, v := range map[string]any{"error": failing{}, "panic": panicky{}} {
		t.Run(name, func(t *testing.T) {
			var calls []string
			reg := NewRegistry()
			_, _ = reg.Add("ext.o", v)
			_, _ = reg.Add("ext.o", adder{targets: []string{"a.mdl"}, routine: "X", calls: &calls})
			_, err := NewEngine(quiet).Apply(reg, candidates("a.mdl"))
			var tf *TransformFailure
			require.ErrorAs(t, err, &tf)
			assert.Equal(t, "a.mdl", tf.Target)
			assert.Empty(t, calls)
		})
	}
}

func TestEngine_NilModule(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Transform{Name: "nil", Targets: []string{"a.mdl"}, Apply: func(*module.Module) (*module.Module, error) {
		return nil, nil
	}}, Hooks{})
	_, err := NewEngine(quiet).Apply(reg, candidates("a.mdl"))
	assert.ErrorIs(t, err, ErrNilModule)
}

type (
	fakeOpener map[string]Library
	fakeLib    struct {
		values []any
		err    error
		closed *int
	}
)

func (f fakeOpener) Open(path string) (Library, error) {
	if l, ok := f[filepath.Base(path)]; ok {
		return l, nil
	}
	return nil, errors.New("not a loadable library")
}

func (l fakeLib) Exports() ([]any, error) { return l.values, l.err }
func (l fakeLib) Close() error {
	*l.closed++
	return nil
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "b.o", "a.o", "garbage.o", "sub/c.a", "empty.linkable", "readme.md")
	var closed int
	opener := fakeOpener{
		"a.o":            fakeLib{values: []any{adder{targets: []string{"m.mdl"}, routine: "A"}, "not a patcher", broken{}}, closed: &closed},
		"b.o":            fakeLib{values: []any{adder{targets: []string{"m.mdl"}, routine: "B"}}, closed: &closed},
		"c.a":            fakeLib{err: errors.New("missing symbol"), closed: &closed},
		"empty.linkable": fakeLib{values: []any{1, 2}, closed: &closed},
	}
	reg := NewRegistry()
	rep, err := NewDiscovery(opener, quiet).Discover(dir, reg)
	require.NoError(t, err)

	assert.Len(t, rep.Files, 5)
	assert.Equal(t, []string{"adder-A", "adder-B"}, rep.Registered)
	require.Len(t, rep.Errors, 3)
	var le *ExtensionLoadError
	var pe *ContractProbeError
	assert.ErrorAs(t, rep.Errors[0], &pe)
	assert.ErrorAs(t, rep.Errors[1], &le)
	assert.Equal(t, filepath.Join(dir, "garbage.o"), le.Path)
	assert.ErrorAs(t, rep.Errors[2], &le)
	assert.Equal(t, filepath.Join(dir, "sub", "c.a"), le.Path)
	// c.a and empty.linkable closed at once, a.o and b.o owned until the run ends
	assert.Equal(t, 2, closed)
	require.NoError(t, reg.Close())
	assert.Equal(t, 4, closed)
}

func TestDiscover_MissingDir(t *testing.T) {
	reg := NewRegistry()
	rep, err := NewDiscovery(fakeOpener{}, quiet).Discover(filepath.Join(t.TempDir(), "none"), reg)
	require.NoError(t, err)
	assert.Empty(t, rep.Files)
	assert.Zero(t, reg.Len())
}
