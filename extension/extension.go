// Package extension opens extension binaries with [goloader]: relocatable Go
// object files (.o), go archives (.a) or serialized linkers (.linkable) are linked
// into the running process and the exported function <pkg>.Patchers, of type
// func() []any, provides the values probed as transforms.
//
// # Notes
//
//  1. The host types an extension uses must be registered before linking, the
//     opener registers the contract interfaces and the module model.
//  2. A library must stay open while any value it exported is in use.
//  3. Only exported functions can be fetched.
//
// [goloader]: https://github.com/pkujhd/goloader
package extension

import (
	"errors"
	"io"
	"maps"
	"os"
	"strings"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/charmbracelet/log"
	"github.com/pkujhd/goloader"

	"github.com/ZenLiuCN/preloader/module"
	"github.com/ZenLiuCN/preloader/patch"
)

type (
	//Sym is a simple alias of uintptr.
	Sym uintptr
	// Symbols resolved by the host, shared by what is linked against them.
	Symbols map[string]uintptr
	// Library is one linked extension binary.
	Library struct {
		file    string
		pkg     string
		symbol  string
		symbols Symbols
		linker  *goloader.Linker
		module  *goloader.CodeModule
		keep    []*uintptr
		logger  *log.Logger
	}
)

var (
	// ErrMissingSymbol occurs when can't found a symbol.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrAlreadyInitialized occurs when a Library reinitializing.
	ErrAlreadyInitialized = errors.New("already initialized library")
	// ErrLinked occurs when a Library relinking.
	ErrLinked = errors.New("already linked")
	// ErrUninitialized occurs use or link a Library before initialized.
	ErrUninitialized = errors.New("library not initialized")
)

var host Symbols

// NewSymbols create a Symbols with the symbols of the running executable.
func NewSymbols() (Symbols, error) {
	if host == nil {
		s := make(Symbols)
		if err := goloader.RegSymbol(s); err != nil {
			return nil, err
		}
		host = s
	}
	return maps.Clone(host), nil
}

// ContractTypes are registered for every extension.
func ContractTypes() []any {
	return []any{
		new(patch.Targeter),
		new(patch.Patcher),
		new(patch.InPlacePatcher),
		new(patch.Namer),
		new(patch.Initializer),
		new(patch.Finisher),
		new(module.Module),
		new(module.Type),
		new(module.Routine),
		new(module.Instruction),
		new(module.SymbolRef),
		new(module.Identity),
	}
}

func newLibrary(file, pkg, symbol string, sym Symbols, logger *log.Logger) *Library {
	if pkg == "" {
		pkg = "main"
	}
	return &Library{file: file, pkg: pkg, symbol: symbol, symbols: sym, logger: logger}
}

func (l *Library) initialize(types ...any) (err error) {
	if l.linker != nil {
		return ErrAlreadyInitialized
	}
	if len(types) > 0 {
		l.logger.Debug("register types", "count", len(types))
		goloader.RegTypes(l.symbols, types...)
	}
	if strings.HasSuffix(l.file, ".linkable") {
		var f *os.File
		if f, err = os.Open(l.file); err != nil {
			return
		}
		defer fn.IgnoreClose(f)
		l.linker, err = goloader.UnSerialize(f)
	} else {
		l.linker, err = goloader.ReadObj(l.file, l.pkg)
	}
	if err != nil {
		return
	}
	l.logger.Debug("create linker", "file", l.file, "pkg", l.pkg)
	return
}

func (l *Library) link() (err error) {
	if l.linker == nil {
		return ErrUninitialized
	}
	if l.module != nil {
		return ErrLinked
	}
	if l.module, err = goloader.Load(l.linker, l.symbols); err != nil {
		return
	}
	l.logger.Debug("create module", "file", l.file)
	return
}

// Fetch a symbol, which can convert to the desired type by As.
func (l *Library) Fetch(sym string) (u Sym, ok bool) {
	if l.module == nil {
		return
	}
	sym = checkPackage(l.pkg, sym)
	var p uintptr
	if p, ok = l.module.Syms[sym]; !ok {
		return
	}
	l.logger.Debug("found symbol", "symbol", sym, "addr", p)
	c := new(uintptr)
	*c = p
	l.keep = append(l.keep, c)
	return Sym(unsafe.Pointer(c)), true
}

func checkPackage(pkg, sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return pkg + "." + sym
	}
	return sym
}

// Exports calls the contract function of the library.
func (l *Library) Exports() ([]any, error) {
	s, ok := l.Fetch(l.symbol)
	if !ok {
		return nil, ErrMissingSymbol
	}
	return As[func() []any](s)(), nil
}

// MissingSymbols the library needs but the host does not provide.
func (l *Library) MissingSymbols() []string {
	if l.linker == nil {
		return nil
	}
	return goloader.UnresolvedSymbols(l.linker, l.symbols)
}

// Serialize the linker, the output can be opened as a .linkable file.
func (l *Library) Serialize(out io.Writer) error {
	if l.linker == nil {
		return ErrUninitialized
	}
	return goloader.Serialize(l.linker, out)
}

// Close unloads the code.
func (l *Library) Close() error {
	if l.linker == nil {
		return nil
	}
	l.logger.Debug("free library", "file", l.file)
	if l.module != nil {
		_ = os.Stdout.Sync()
		l.module.Unload()
		l.module = nil
	}
	l.symbols = nil
	l.linker = nil
	l.keep = nil
	return nil
}

// As convert fetched Sym to contract type
func As[T any](ptr Sym) (x T) {
	px := (*T)(unsafe.Pointer(&ptr))
	x = *px
	return
}

// Inspect display symbols inside an object file
func Inspect(file, pkg string) ([]string, error) {
	if pkg == "" {
		pkg = "main"
	}
	return goloader.Parse(file, pkg)
}
