package extension

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/charmbracelet/log"
)

// Compile an object file output to working directory
func Compile(logger *log.Logger, args []string) (err error) {
	cmd := exec.Command("go", append([]string{"tool", "compile", "-importcfg", "importcfg"}, args...)...)
	logger.Debug("execute", "args", cmd.Args)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err = cmd.Run(); err == nil {
		err = os.Remove("importcfg")
	}
	return
}

// Imports generate import cfg as importcfg file in current working directory.
func Imports(logger *log.Logger, sources []string) (err error) {
	logger.Debug("sources", "files", sources)
	var cfg *os.File
	if cfg, err = os.OpenFile("importcfg", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644); err != nil {
		return
	}
	defer fn.IgnoreClose(cfg)
	cmd := exec.Command("go", append([]string{"list", "-export", "-f", "{{.Imports}}"}, sources...)...)
	logger.Debug("execute", "args", cmd.Args)
	var out []byte
	if out, err = cmd.Output(); err != nil {
		return fmt.Errorf("inspect imports: %w\nerr:%s\nout:%s", err, stderr(err), string(out))
	}
	s := strings.TrimSpace(string(out))
	if s != "" && s[0] == '[' {
		s = s[1 : len(s)-1]
	}
	deps := strings.Fields(s)
	logger.Debug("dependencies", "packages", deps)
	cmd = exec.Command("go", append([]string{"list", "-export", "-f", "{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}, deps...)...)
	logger.Debug("execute", "args", cmd.Args)
	if out, err = cmd.Output(); err != nil {
		return fmt.Errorf("inspect dependencies: %w\nerr:%s\nout:%s", err, stderr(err), string(out))
	}
	_, err = cfg.Write(out)
	return
}

func stderr(err error) []byte {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.Stderr
	}
	return nil
}
