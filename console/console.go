// Package console surfaces preloader diagnostics on the terminal of the host process.
package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// UTF8 code page.
const UTF8 = 65001

var (
	ErrNotTerminal         = errors.New("output is not a terminal")
	ErrDetached            = errors.New("console detached")
	ErrUnsupportedEncoding = errors.New("unsupported code page")
)

// Console used around a run.
type Console interface {
	Attach() error
	Detach() error
	SetTitle(title string) error
	SetEncoding(codepage int) error
	// Writer receives log output, it discards while detached.
	Writer() io.Writer
}

// Terminal is a Console over a terminal file.
type Terminal struct {
	sync.Mutex
	out      *os.File
	attached bool
}

// NewTerminal over out, usually os.Stderr.
func NewTerminal(out *os.File) *Terminal {
	return &Terminal{out: out}
}

func (t *Terminal) Attach() error {
	t.Lock()
	defer t.Unlock()
	fd := t.out.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("%w: %s", ErrNotTerminal, t.out.Name())
	}
	t.attached = true
	return nil
}

func (t *Terminal) Detach() error {
	t.Lock()
	defer t.Unlock()
	t.attached = false
	return nil
}

// SetTitle with the xterm title sequence.
func (t *Terminal) SetTitle(title string) error {
	t.Lock()
	defer t.Unlock()
	if !t.attached {
		return ErrDetached
	}
	title = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
	_, err := fmt.Fprintf(t.out, "\x1b]0;%s\x07", title)
	return err
}

// SetEncoding accepts UTF-8 only, terminals outside Windows have no code page to switch.
func (t *Terminal) SetEncoding(codepage int) error {
	if codepage != UTF8 {
		return fmt.Errorf("%w: %d", ErrUnsupportedEncoding, codepage)
	}
	return nil
}

func (t *Terminal) Writer() io.Writer {
	return writer{t}
}

type writer struct {
	t *Terminal
}

func (w writer) Write(p []byte) (int, error) {
	w.t.Lock()
	defer w.t.Unlock()
	if !w.t.attached {
		return len(p), nil
	}
	return w.t.out.Write(p)
}
