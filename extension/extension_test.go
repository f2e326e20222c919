package extension

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func answer() int { return 42 }

func TestAs(t *testing.T) {
	c := new(uintptr)
	*c = reflect.ValueOf(answer).Pointer()
	f := As[func() int](Sym(unsafe.Pointer(c)))
	assert.Equal(t, 42, f())
}

func TestCheckPackage(t *testing.T) {
	assert.Equal(t, "main.Patchers", checkPackage("main", "Patchers"))
	assert.Equal(t, "ext.Patchers", checkPackage("main", "ext.Patchers"))
}

func TestFetchBeforeLink(t *testing.T) {
	l := newLibrary("x.o", "", DefaultSymbol, nil, log.New(io.Discard))
	_, ok := l.Fetch("Patchers")
	assert.False(t, ok)
	_, err := l.Exports()
	assert.ErrorIs(t, err, ErrMissingSymbol)
	assert.ErrorIs(t, l.link(), ErrUninitialized)
	assert.ErrorIs(t, l.Serialize(new(bytes.Buffer)), ErrUninitialized)
	assert.NoError(t, l.Close())
}

func TestOpenMissing(t *testing.T) {
	_, err := NewOpener(log.New(io.Discard)).Open(filepath.Join(t.TempDir(), "none.o"))
	require.Error(t, err)
}

func TestPackMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := NewOpener(log.New(io.Discard)).Pack(filepath.Join(dir, "none.o"))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "none.linkable"))
	assert.True(t, os.IsNotExist(err))
}
