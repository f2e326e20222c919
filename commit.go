package preloader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZenLiuCN/preloader/module"
)

// commit loads the plan into the host, dependencies first. A module is released
// once the host has its bytes.
func (r *run) commit() (err error) {
	r.phase = "commit"
	for _, planned := range r.plan {
		file := planned.File()
		m := r.candidates[file]
		var b []byte
		if b, err = r.encode(m); err != nil {
			return fmt.Errorf("encode %s: %w", file, err)
		}
		if r.cfg.DumpEnabled && r.modified[file] {
			if err = r.dump(file, b); err != nil {
				return
			}
		}
		if err = r.host.Load(b); err != nil {
			return &LoadRejectedError{File: file, Identity: m.Identity, Err: err}
		}
		m.Release()
		r.committed = append(r.committed, file)
		r.logger.Info("committed", "module", m.Identity.String(), "file", file, "modified", r.modified[file])
	}
	return
}

// encode reuses the buffer of an untouched module.
func (r *run) encode(m *module.Module) ([]byte, error) {
	if raw := m.Raw(); raw != nil && !r.modified[m.File()] {
		return raw, nil
	}
	return module.Encode(m)
}

func (r *run) dump(file string, b []byte) error {
	if err := os.MkdirAll(r.cfg.DumpDir, 0o755); err != nil {
		return &module.IOError{Op: "create dump dir", Path: r.cfg.DumpDir, Err: err}
	}
	path := filepath.Join(r.cfg.DumpDir, file)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return &module.IOError{Op: "dump", Path: path, Err: err}
	}
	r.logger.Debug("dumped", "path", path)
	return nil
}
