package module

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const formatVersion byte = 1

var magic = []byte("PLMD")

var (
	// ErrCorrupt is wrapped by every CorruptModuleError.
	ErrCorrupt = errors.New("corrupt module")
)

type (
	// CorruptModuleError occurs when a file cannot be parsed as a module.
	CorruptModuleError struct {
		File   string
		Reason string
		Err    error
	}
	// IOError occurs when a module or directory cannot be read or written.
	IOError struct {
		Op   string
		Path string
		Err  error
	}
)

func (e *CorruptModuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt module %s: %s: %v", e.File, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt module %s: %s", e.File, e.Reason)
}

func (e *CorruptModuleError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorrupt, e.Err}
	}
	return []error{ErrCorrupt}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Encode serializes the module.
func Encode(m *Module) ([]byte, error) {
	b := new(bytes.Buffer)
	b.Write(magic)
	b.WriteByte(formatVersion)
	if err := msgpack.NewEncoder(b).Encode(m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Identity, err)
	}
	return b.Bytes(), nil
}

// Decode parses a module, file only names the source in errors.
// The returned module keeps b as its raw buffer.
func Decode(file string, b []byte) (m *Module, err error) {
	h := len(magic) + 1
	if len(b) < h || !bytes.Equal(b[:len(magic)], magic) {
		return nil, &CorruptModuleError{File: file, Reason: "bad magic"}
	}
	if b[len(magic)] != formatVersion {
		return nil, &CorruptModuleError{File: file, Reason: fmt.Sprintf("unsupported format version %d", b[len(magic)])}
	}
	m = new(Module)
	if err = msgpack.Unmarshal(b[h:], m); err != nil {
		return nil, &CorruptModuleError{File: file, Reason: "bad body", Err: err}
	}
	if m.Identity.Name == "" {
		return nil, &CorruptModuleError{File: file, Reason: "missing identity"}
	}
	m.file = file
	m.raw = b
	return
}

// Read a module file.
func Read(path string) (*Module, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return Decode(filepath.Base(path), b)
}

// Write a module into dir under its filename.
func Write(dir string, m *Module) (path string, err error) {
	var b []byte
	if b, err = Encode(m); err != nil {
		return
	}
	path = filepath.Join(dir, m.file)
	if err = os.WriteFile(path, b, 0o644); err != nil {
		err = &IOError{Op: "write", Path: path, Err: err}
	}
	return
}
