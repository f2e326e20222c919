package extension

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/charmbracelet/log"

	"github.com/ZenLiuCN/preloader/patch"
)

const (
	// DefaultPackage of an extension compiled as a main package.
	DefaultPackage = "main"
	// DefaultSymbol is the exported contract function.
	DefaultSymbol = "Patchers"
)

// Opener links extension binaries for discovery.
type Opener struct {
	Package string
	Symbol  string
	// Types registered on top of ContractTypes.
	Types  []any
	logger *log.Logger
}

// NewOpener with the default package and symbol.
func NewOpener(logger *log.Logger) *Opener {
	return &Opener{Package: DefaultPackage, Symbol: DefaultSymbol, logger: logger}
}

// Open reads and links the binary at path.
func (o *Opener) Open(path string) (lib patch.Library, err error) {
	if _, err = os.Stat(path); err != nil {
		return
	}
	var sym Symbols
	if sym, err = NewSymbols(); err != nil {
		return nil, fmt.Errorf("host symbols: %w", err)
	}
	l := newLibrary(path, o.Package, o.Symbol, sym, o.logger)
	if err = o.link(l); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func (o *Opener) link(l *Library) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("link %s: panic: %v", l.file, r)
		}
	}()
	if err = l.initialize(append(ContractTypes(), o.Types...)...); err != nil {
		return fmt.Errorf("read %s: %w", l.file, err)
	}
	if missing := l.MissingSymbols(); len(missing) > 0 {
		o.logger.Warn("unresolved symbols", "file", l.file, "symbols", missing)
	}
	if err = l.link(); err != nil {
		return fmt.Errorf("link %s: %w", l.file, err)
	}
	return
}

// Pack reads the object file and serializes its linker next to it as a .linkable file,
// which links without reading the object again.
func (o *Opener) Pack(obj string) (out string, err error) {
	if _, err = os.Stat(obj); err != nil {
		return
	}
	var sym Symbols
	if sym, err = NewSymbols(); err != nil {
		return "", fmt.Errorf("host symbols: %w", err)
	}
	l := newLibrary(obj, o.Package, o.Symbol, sym, o.logger)
	defer fn.IgnoreClose(l)
	if err = l.initialize(append(ContractTypes(), o.Types...)...); err != nil {
		return "", fmt.Errorf("read %s: %w", obj, err)
	}
	out = strings.TrimSuffix(obj, filepath.Ext(obj)) + ".linkable"
	var f *os.File
	if f, err = os.Create(out); err != nil {
		return "", err
	}
	defer fn.IgnoreClose(f)
	if err = l.Serialize(f); err != nil {
		return "", fmt.Errorf("serialize %s: %w", obj, err)
	}
	o.logger.Debug("packed", "object", obj, "linkable", out)
	return
}
