package module

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
)

// Protected modules are resident in every host process and are never read,
// patched or committed again.
var Protected = []string{"runtime", "bootstrap", "preloader"}

// Store loads the candidate modules of a directory.
type Store struct {
	dir     string
	exclude map[string]struct{}
	logger  *log.Logger
}

// NewStore over dir, protected modules are excluded.
func NewStore(dir string, logger *log.Logger) *Store {
	s := &Store{dir: dir, exclude: make(map[string]struct{}), logger: logger}
	s.Exclude(Protected...)
	return s
}

// Exclude more modules by name, compared case-insensitively with the filename
// without extension and with the identity name of what is read.
func (s *Store) Exclude(names ...string) {
	for _, n := range names {
		s.exclude[strings.ToLower(strings.TrimSuffix(n, Ext))] = struct{}{}
	}
}

// Excluded reports whether the file is kept out of the candidate set.
func (s *Store) Excluded(file string) bool {
	_, ok := s.exclude[strings.ToLower(strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))]
	return ok
}

// Load decodes every module file of the directory in filename order.
// Excluded files are not read, a file whose identity is excluded is released.
// Any unreadable or corrupt file fails the whole load.
func (s *Store) Load() (mods []*Module, err error) {
	var entries []os.DirEntry
	if entries, err = os.ReadDir(s.dir); err != nil {
		return nil, &IOError{Op: "read dir", Path: s.dir, Err: err}
	}
	slices.SortFunc(entries, func(a, b os.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Ext) {
			continue
		}
		if s.Excluded(e.Name()) {
			s.logger.Debug("skip protected module", "file", e.Name())
			continue
		}
		var m *Module
		if m, err = Read(filepath.Join(s.dir, e.Name())); err != nil {
			return nil, err
		}
		if _, ok := s.exclude[strings.ToLower(m.Identity.Name)]; ok {
			s.logger.Debug("skip protected identity", "file", e.Name(), "identity", m.Identity)
			m.Release()
			continue
		}
		s.logger.Debug("module loaded", "file", e.Name(), "identity", m.Identity)
		mods = append(mods, m)
	}
	return
}
