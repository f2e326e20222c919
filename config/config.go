// Package config reads the preloader settings from an optional YAML file and
// the environment. Environment variables use the prefix PRELOADER_ and a double
// underscore between key segments, PRELOADER_DUMP__ENABLED sets dump.enabled.
package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ZenLiuCN/preloader"
	"github.com/ZenLiuCN/preloader/graph"
)

const EnvPrefix = "PRELOADER_"

const (
	PathModules        = "paths.modules"
	PathExtensions     = "paths.extensions"
	PathDump           = "paths.dump"
	PathRoot           = "paths.root"
	DumpEnabled        = "dump.enabled"
	ConsoleEnabled     = "console.enabled"
	ConsoleLog         = "console.log"
	LogLevel           = "log.level"
	GraphCycles        = "graph.cycles"
	EntryTarget        = "entrypoint.target"
	EntryType          = "entrypoint.type"
	EntryModule        = "entrypoint.module"
	EntryBootstrapType = "entrypoint.bootstrap_type"
	EntryRoutine       = "entrypoint.routine"
	ExtensionPackage   = "extension.package"
	ExtensionSymbol    = "extension.symbol"
)

// Service answers get(key, default).
type Service struct {
	k *koanf.Koanf
}

// New empty service.
func New() *Service {
	return &Service{k: koanf.New(".")}
}

// Load the file at path, when it exists, then the environment over it.
func Load(path string) (*Service, error) {
	s := New()
	if path != "" {
		if err := s.k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if err := s.k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}
	return s, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Get the value of key as string, def when it is not set.
func (s *Service) Get(key, def string) string {
	if !s.k.Exists(key) {
		return def
	}
	return s.k.String(key)
}

// Bool of key, def when it is not set or not a boolean.
func (s *Service) Bool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(s.Get(key, "")))
	if err != nil {
		return def
	}
	return v
}

// Set overrides a key.
func (s *Service) Set(key, value string) error {
	return s.k.Set(key, value)
}

// Level of the logger, info when unset or invalid.
func (s *Service) Level() log.Level {
	l, err := log.ParseLevel(s.Get(LogLevel, "info"))
	if err != nil {
		return log.InfoLevel
	}
	return l
}

// Preloader configuration, unset keys keep the defaults.
func (s *Service) Preloader() preloader.Config {
	c := preloader.DefaultConfig()
	c.ModuleDir = s.Get(PathModules, c.ModuleDir)
	c.ExtensionDir = s.Get(PathExtensions, c.ExtensionDir)
	c.DumpDir = s.Get(PathDump, c.DumpDir)
	c.RootDir = s.Get(PathRoot, c.RootDir)
	c.DumpEnabled = s.Bool(DumpEnabled, c.DumpEnabled)
	c.CyclePolicy = graph.ParseCyclePolicy(s.Get(GraphCycles, "break"))
	e := &c.EntryPoint
	e.Target = s.Get(EntryTarget, e.Target)
	e.LifecycleType = s.Get(EntryType, e.LifecycleType)
	e.BootstrapModule = s.Get(EntryModule, e.BootstrapModule)
	e.BootstrapType = s.Get(EntryBootstrapType, e.BootstrapType)
	e.BootstrapRoutine = s.Get(EntryRoutine, e.BootstrapRoutine)
	return c
}
