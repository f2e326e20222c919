package graph

import (
	"github.com/ZenLiuCN/preloader/module"
)

// Edge from a module to one of its dependencies.
type Edge struct {
	Dependent  *module.Module
	Dependency *module.Module
}

// Edges among the candidates. A reference yields an edge only when its identity
// equals a candidate's identity, references to anything else are assumed satisfied.
func Edges(mods []*module.Module) (edges []Edge) {
	byID := make(map[module.Identity]*module.Module, len(mods))
	for _, m := range mods {
		if _, ok := byID[m.Identity]; !ok {
			byID[m.Identity] = m
		}
	}
	for _, m := range mods {
		for _, ref := range m.References {
			if d, ok := byID[ref]; ok {
				edges = append(edges, Edge{Dependent: m, Dependency: d})
			}
		}
	}
	return
}

// Dependencies returns the lookup of each candidate's dependencies, in reference order.
func Dependencies(edges []Edge) func(*module.Module) []*module.Module {
	deps := make(map[*module.Module][]*module.Module)
	for _, e := range edges {
		deps[e.Dependent] = append(deps[e.Dependent], e.Dependency)
	}
	return func(m *module.Module) []*module.Module {
		return deps[m]
	}
}

// Plan orders the candidates for commit.
func Plan(mods []*module.Module, sorter Sorter[*module.Module]) ([]*module.Module, error) {
	return sorter.Sort(mods, Dependencies(Edges(mods)))
}
