package main

import (
	"log"

	"github.com/ZenLiuCN/preloader/module"
)

//go:generate preloader compile tracer.go

type tracer struct{}

func (tracer) Name() string      { return "tracer" }
func (tracer) Targets() []string { return []string{"Engine.mdl"} }

func (tracer) PatchInPlace(m *module.Module) error {
	log.Printf("patching %s with %d types", m.Identity, len(m.Types))
	return nil
}

func (tracer) Initialize() { log.Println("tracer ready") }
func (tracer) Finish()     { log.Println("tracer done") }

// Patchers is looked up by the preloader after linking.
func Patchers() []any {
	return []any{tracer{}}
}
