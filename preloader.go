package preloader

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ZenLiuCN/preloader/extension"
	"github.com/ZenLiuCN/preloader/graph"
	"github.com/ZenLiuCN/preloader/inject"
	"github.com/ZenLiuCN/preloader/module"
	"github.com/ZenLiuCN/preloader/patch"
)

type (
	// Host is the module loading facility modules are committed to.
	Host interface {
		// Load makes the encoded module resident, or rejects it.
		Load(b []byte) error
	}
	// Config of a Preloader.
	Config struct {
		ModuleDir    string
		ExtensionDir string
		DumpDir      string
		// RootDir receives post-mortem files, none are written when empty.
		RootDir     string
		DumpEnabled bool
		CyclePolicy graph.CyclePolicy
		// EntryPoint injection is disabled by an empty target.
		EntryPoint inject.Config
	}
	Option func(*Preloader)
	// Preloader runs the pipeline, each Run is independent.
	Preloader struct {
		cfg      Config
		host     Host
		opener   patch.Opener
		patchers []any
		resolver inject.Resolver
		exclude  []string
		logger   *log.Logger
		now      func() time.Time
	}
)

// ErrPanic wraps a panic recovered by Run.
var ErrPanic = errors.New("preloader panic")

// LoadRejectedError occurs when the host refuses a committed module.
type LoadRejectedError struct {
	File     string
	Identity module.Identity
	Err      error
}

func (e *LoadRejectedError) Error() string {
	return fmt.Sprintf("host rejected %s (%s): %v", e.Identity, e.File, e.Err)
}

func (e *LoadRejectedError) Unwrap() error {
	return e.Err
}

// DefaultConfig with directories relative to the working directory.
func DefaultConfig() Config {
	return Config{
		ModuleDir:    "modules",
		ExtensionDir: "extensions",
		DumpDir:      "dump",
		RootDir:      ".",
		EntryPoint:   inject.Default(),
	}
}

// WithOpener replaces the goloader extension opener.
func WithOpener(o patch.Opener) Option {
	return func(p *Preloader) {
		p.opener = o
	}
}

// WithPatchers registers values after the discovered transforms.
func WithPatchers(v ...any) Option {
	return func(p *Preloader) {
		p.patchers = append(p.patchers, v...)
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Preloader) {
		p.logger = l
	}
}

// WithResolver sets where the entry-point injector finds the bootstrap module,
// the host is used when it is a resolver.
func WithResolver(r inject.Resolver) Option {
	return func(p *Preloader) {
		p.resolver = r
	}
}

// WithExclude keeps modules out of the candidates in addition to the protected ones.
func WithExclude(names ...string) Option {
	return func(p *Preloader) {
		p.exclude = append(p.exclude, names...)
	}
}

// New preloader committing to host.
func New(cfg Config, host Host, opts ...Option) *Preloader {
	p := &Preloader{cfg: cfg, host: host, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "preloader", ReportTimestamp: true})
	}
	if p.opener == nil {
		p.opener = extension.NewOpener(p.logger.WithPrefix("extension"))
	}
	if p.resolver == nil {
		if r, ok := host.(inject.Resolver); ok {
			p.resolver = r
		} else {
			p.resolver = nobody{}
		}
	}
	return p
}

type nobody struct{}

func (nobody) Resident(string) (*module.Module, bool) { return nil, false }

// run is the state of one Run.
type run struct {
	*Preloader
	phase      string
	reg        *patch.Registry
	report     patch.Report
	candidates map[string]*module.Module
	plan       []*module.Module
	modified   map[string]bool
	committed  []string
}

// Run the pipeline once. Every failure is logged and returned, nothing is left
// to the caller to clean.
func (p *Preloader) Run() (err error) {
	r := &run{Preloader: p, reg: patch.NewRegistry()}
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, v)
		}
		r.finish()
		if err != nil {
			p.logger.Error("preload aborted", "phase", r.phase, "err", err)
			if e := r.postmortem(err); e != nil {
				p.logger.Warn("post-mortem not written", "err", e)
			}
		}
	}()
	if err = r.discover(); err != nil {
		return
	}
	r.phase = "initialize"
	r.reg.Initialize()
	if err = r.load(); err != nil {
		return
	}
	if err = r.sort(); err != nil {
		return
	}
	r.phase = "patch"
	if r.modified, err = patch.NewEngine(p.logger.WithPrefix("patch")).Apply(r.reg, r.candidates); err != nil {
		return
	}
	if err = r.commit(); err != nil {
		return
	}
	p.logger.Info("preload done", "committed", len(r.committed), "modified", len(r.modified))
	return
}

func (r *run) discover() (err error) {
	r.phase = "discover"
	if r.cfg.EntryPoint.Target != "" {
		if _, err = r.reg.Add(patch.Builtin, inject.New(r.resolver, r.cfg.EntryPoint)); err != nil {
			return
		}
	}
	if r.cfg.ExtensionDir != "" {
		d := patch.NewDiscovery(r.opener, r.logger.WithPrefix("discovery"))
		if r.report, err = d.Discover(r.cfg.ExtensionDir, r.reg); err != nil {
			return
		}
	}
	for _, v := range r.patchers {
		ok, e := r.reg.Add(patch.Builtin, v)
		switch {
		case e != nil:
			r.logger.Warn("patcher skipped", "err", e)
		case !ok:
			r.logger.Warn("not a patcher", "type", fmt.Sprintf("%T", v))
		}
	}
	r.logger.Debug("registry ready", "transforms", r.reg.Len())
	return
}

func (r *run) load() (err error) {
	r.phase = "load"
	s := module.NewStore(r.cfg.ModuleDir, r.logger.WithPrefix("store"))
	s.Exclude(r.exclude...)
	if h, ok := r.host.(interface{ Modules() []string }); ok {
		s.Exclude(h.Modules()...)
	}
	var mods []*module.Module
	if mods, err = s.Load(); err != nil {
		return
	}
	r.candidates = make(map[string]*module.Module, len(mods))
	for _, m := range mods {
		r.candidates[m.File()] = m
	}
	r.plan = mods
	return
}

func (r *run) sort() (err error) {
	r.phase = "sort"
	sorter := graph.Sorter[*module.Module]{
		Policy: r.cfg.CyclePolicy,
		OnCycle: func(m *module.Module, skipped []*module.Module) {
			ids := make([]string, len(skipped))
			for i, s := range skipped {
				ids[i] = s.Identity.String()
			}
			r.logger.Warn("dependency cycle broken", "module", m.Identity.String(), "skipped", ids)
		},
	}
	if r.plan, err = graph.Plan(r.plan, sorter); err != nil {
		return
	}
	r.logger.Debug("load plan", "modules", r.planned())
	return
}

func (r *run) planned() []string {
	s := make([]string, len(r.plan))
	for i, m := range r.plan {
		s[i] = m.File()
	}
	return s
}

func (r *run) finish() {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("finalizer panic", "err", v)
		}
		if err := r.reg.Close(); err != nil {
			r.logger.Warn("release extensions", "err", err)
		}
		for _, m := range r.candidates {
			if !m.Released() {
				m.Release()
			}
		}
	}()
	r.reg.Finish()
}

func (r *run) transforms() []string {
	var s []string
	for _, g := range r.reg.Registrations() {
		s = append(s, fmt.Sprintf("%s (%s) -> %v", g.Name, g.Source, g.Targets))
	}
	return s
}
