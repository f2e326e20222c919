package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ZenLiuCN/preloader/module"
)

type (
	// Library is an opened extension binary.
	Library interface {
		// Exports the values to probe.
		Exports() ([]any, error)
		// Close releases the library, its values must not be used afterwards.
		Close() error
	}
	// Opener opens extension binaries.
	Opener interface {
		Open(path string) (Library, error)
	}
)

// DefaultExtensions are the file extensions of extension binaries.
var DefaultExtensions = []string{".o", ".a", ".linkable"}

// ExtensionLoadError occurs when an extension binary cannot be opened or its exports cannot be read.
type ExtensionLoadError struct {
	Path string
	Err  error
}

func (e *ExtensionLoadError) Error() string {
	return fmt.Sprintf("load extension %s: %v", e.Path, e.Err)
}

func (e *ExtensionLoadError) Unwrap() error {
	return e.Err
}

// Report of one discovery.
type Report struct {
	Files      []string
	Registered []string
	Errors     []error
}

// Discovery finds transforms in a directory of extension binaries.
type Discovery struct {
	Opener     Opener
	Extensions []string
	logger     *log.Logger
}

// NewDiscovery over opener with the default extensions.
func NewDiscovery(opener Opener, logger *log.Logger) *Discovery {
	return &Discovery{Opener: opener, Extensions: DefaultExtensions, logger: logger}
}

// Discover registers the transforms of every extension binary under dir, in
// lexical path order. A binary that cannot be loaded, or a value that cannot be
// probed, is logged and skipped. Only failing to walk dir is returned.
func (d *Discovery) Discover(dir string, reg *Registry) (rep Report, err error) {
	if rep.Files, err = d.scan(dir); err != nil {
		return
	}
	for _, path := range rep.Files {
		names, errs := d.load(path, reg)
		rep.Registered = append(rep.Registered, names...)
		rep.Errors = append(rep.Errors, errs...)
	}
	d.logger.Info("discovery done", "extensions", len(rep.Files), "transforms", len(rep.Registered), "errors", len(rep.Errors))
	return
}

func (d *Discovery) scan(dir string) (files []string, err error) {
	if dir == "" {
		return
	}
	err = filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() && slices.Contains(d.Extensions, strings.ToLower(filepath.Ext(path))) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("extension directory missing", "dir", dir)
			return nil, nil
		}
		return nil, &module.IOError{Op: "scan", Path: dir, Err: err}
	}
	slices.Sort(files)
	return
}

func (d *Discovery) load(path string, reg *Registry) (names []string, errs []error) {
	lib, err := d.Opener.Open(path)
	if err != nil {
		err = &ExtensionLoadError{Path: path, Err: err}
		d.logger.Error("skip extension", "path", path, "err", err)
		return nil, []error{err}
	}
	values, err := exports(lib)
	if err != nil {
		err = &ExtensionLoadError{Path: path, Err: err}
		d.logger.Error("skip extension", "path", path, "err", err)
		d.close(path, lib)
		return nil, []error{err}
	}
	for _, v := range values {
		ok, err := reg.Add(path, v)
		switch {
		case err != nil:
			d.logger.Error("skip exported value", "path", path, "err", err)
			errs = append(errs, err)
		case ok:
			t := reg.Registrations()[reg.Len()-1]
			d.logger.Info("transform registered", "name", t.Name, "targets", t.Targets, "path", path)
			names = append(names, t.Name)
		default:
			d.logger.Debug("not a transform", "path", path, "type", fmt.Sprintf("%T", v))
		}
	}
	if len(names) > 0 {
		reg.Own(lib)
	} else {
		d.close(path, lib)
	}
	return
}

func (d *Discovery) close(path string, lib Library) {
	if err := lib.Close(); err != nil {
		d.logger.Warn("close extension", "path", path, "err", err)
	}
}

func exports(lib Library) (values []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			values, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return lib.Exports()
}

// Values is a Library over values compiled into the program.
type Values []any

func (v Values) Exports() ([]any, error) { return v, nil }
func (v Values) Close() error            { return nil }
