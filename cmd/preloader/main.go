package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"

	"github.com/ZenLiuCN/preloader"
	"github.com/ZenLiuCN/preloader/config"
	"github.com/ZenLiuCN/preloader/console"
	"github.com/ZenLiuCN/preloader/extension"
	"github.com/ZenLiuCN/preloader/host"
	"github.com/ZenLiuCN/preloader/module"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "preloader"})

func main() {
	app := cli.NewApp()
	app.Name = "preloader"
	app.Usage = "patch and commit binary modules"
	app.Description = "preloader loads the modules of a directory, applies the transforms of extension objects and commits them into a host runtime"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "preloader.yaml", Usage: "configuration file, optional"},
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool("debug") {
			logger.SetLevel(log.DebugLevel)
		}
		return nil
	}
	app.Action = run
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Action: run,
			Usage:  "run the pipeline once",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "modules", Aliases: []string{"m"}, Usage: "module directory"},
				&cli.StringFlag{Name: "extensions", Aliases: []string{"e"}, Usage: "extension directory"},
				&cli.StringFlag{Name: "dump", Usage: "dump modified modules into the directory"},
			},
		},
		{
			Name:   "inspect",
			Action: inspect,
			Usage:  "display module files",
			Args:   true,
		},
		{
			Name:   "symbols",
			Action: symbols,
			Usage:  "display symbols of an extension object",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{
			Name:   "compile",
			Action: compile,
			Usage:  "compile go sources into an extension object. the arguments can be list of go sources or '.' for lookup at working directory.",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "linkable", Aliases: []string{"l"}, Usage: "also serialize the object into a .linkable file"},
			},
			Args: true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal("failure", "err", err)
	}
}

func run(ctx *cli.Context) (err error) {
	var s *config.Service
	if s, err = config.Load(ctx.String("config")); err != nil {
		return
	}
	for flag, key := range map[string]string{"modules": config.PathModules, "extensions": config.PathExtensions, "dump": config.PathDump} {
		if v := ctx.String(flag); v != "" {
			if err = s.Set(key, v); err != nil {
				return
			}
		}
	}
	if ctx.String("dump") != "" {
		if err = s.Set(config.DumpEnabled, "true"); err != nil {
			return
		}
	}
	cfg := s.Preloader()

	var out io.Writer = os.Stderr
	if s.Bool(config.ConsoleEnabled, false) {
		c := console.NewTerminal(os.Stderr)
		if err := c.Attach(); err != nil {
			logger.Warn("console", "err", err)
		} else {
			defer func() { _ = c.Detach() }()
			_ = c.SetTitle("preloader")
			_ = c.SetEncoding(console.UTF8)
			if s.Bool(config.ConsoleLog, false) {
				out = c.Writer()
			}
		}
	}
	l := log.NewWithOptions(out, log.Options{Prefix: "preloader", ReportTimestamp: true, Level: s.Level()})
	if ctx.Bool("debug") {
		l.SetLevel(log.DebugLevel)
	}

	rt := host.NewRuntime(l.WithPrefix("host"))
	if err = resident(rt, cfg.ModuleDir, l); err != nil {
		return
	}
	op := extension.NewOpener(l.WithPrefix("extension"))
	op.Package = s.Get(config.ExtensionPackage, op.Package)
	op.Symbol = s.Get(config.ExtensionSymbol, op.Symbol)
	if err = preloader.New(cfg, rt, preloader.WithLogger(l), preloader.WithOpener(op)).Run(); err != nil {
		return
	}
	if e := cfg.EntryPoint; e.Target != "" {
		name := strings.TrimSuffix(e.Target, module.Ext)
		if _, ok := rt.Resident(name); ok {
			if err = rt.Initialize(name, e.LifecycleType); err != nil {
				return
			}
		}
	}
	l.Debug("resident symbols", "symbols", rt.Symbols())
	return
}

// resident preloads the protected modules of the directory, they stand for what the process already carries.
func resident(rt *host.Runtime, dir string, l *log.Logger) error {
	for _, name := range module.Protected {
		m, err := module.Read(filepath.Join(dir, name+module.Ext))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err = rt.Preload(m); err != nil {
			return fmt.Errorf("preload %s: %w", name, err)
		}
		l.Debug("resident", "module", m.Identity.String())
	}
	return nil
}

func inspect(ctx *cli.Context) (err error) {
	for _, f := range ctx.Args().Slice() {
		var m *module.Module
		if m, err = module.Read(f); err != nil {
			return
		}
		fmt.Println(m)
		for _, r := range m.References {
			fmt.Printf("  reference %s\n", r)
		}
		for _, i := range m.Imports {
			fmt.Printf("  import %s\n", i)
		}
		for _, t := range m.Types {
			fmt.Printf("  type %s exported=%t\n", t.Name, t.Exported)
			for _, r := range t.Routines {
				fmt.Printf("    routine %s static=%t exported=%t\n", r.Name, r.Static, r.Exported)
				for _, ins := range r.Body {
					fmt.Printf("      %s\n", ins)
				}
			}
		}
	}
	return
}

func symbols(ctx *cli.Context) (err error) {
	for _, f := range ctx.Args().Slice() {
		var s []string
		if s, err = extension.Inspect(f, ctx.String("pkg")); err != nil {
			return
		}
		fmt.Printf("%s:\n", f)
		for _, v := range s {
			fmt.Printf("  %s\n", v)
		}
	}
	return
}

func compile(ctx *cli.Context) (err error) {
	o := ctx.Args().Slice()
	if len(o) == 0 {
		return fmt.Errorf("missing target sources list")
	}
	if len(o) == 1 && o[0] == "." {
		if o, err = lookup(); err != nil {
			return
		}
		logger.Info("found go sources at working directory", "sources", o)
	}
	if _, err = exec.LookPath("go"); err != nil {
		return fmt.Errorf("missing go sdk: %w ", err)
	}
	if err = extension.Imports(logger, o); err != nil {
		return fmt.Errorf("generate importcfg : %w ", err)
	}
	if err = extension.Compile(logger, o); err != nil || !ctx.Bool("linkable") {
		return
	}
	var out string
	if out, err = extension.NewOpener(logger).Pack(object(o)); err != nil {
		return
	}
	logger.Info("serialized linker", "file", out)
	return
}

// object is the file go tool compile writes for the sources.
func object(sources []string) string {
	return strings.TrimSuffix(filepath.Base(sources[0]), ".go") + ".o"
}

func lookup() (v []string, err error) {
	var e []os.DirEntry
	if e, err = os.ReadDir("."); err != nil {
		return
	}
	for _, entry := range e {
		n := entry.Name()
		if !entry.IsDir() && strings.HasSuffix(n, ".go") && !strings.HasSuffix(n, "_test.go") {
			v = append(v, n)
		}
	}
	return
}
