// Package graph derives the dependency edges among candidate modules and orders
// them so that every dependency is committed before its dependents.
package graph

import (
	"fmt"
	"strings"
)

// CyclePolicy decides what Sort does when the dependencies contain a cycle.
type CyclePolicy int

const (
	// BreakCycles skips the back-edges of a cycle, reports them to OnCycle and continues.
	BreakCycles CyclePolicy = iota
	// FailOnCycle returns a CycleError.
	FailOnCycle
)

// ParseCyclePolicy accepts "break" and "fail", anything else is BreakCycles.
func ParseCyclePolicy(s string) CyclePolicy {
	if strings.EqualFold(strings.TrimSpace(s), "fail") {
		return FailOnCycle
	}
	return BreakCycles
}

// CycleError indicates that the nodes could not be ordered under FailOnCycle.
type CycleError struct {
	// Unordered holds the nodes left unordered in input order, the cycle members
	// and the nodes depending on them.
	Unordered []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle, unordered: %s", strings.Join(e.Unordered, ", "))
}

// Sorter is a deterministic topological sorter.
type Sorter[T comparable] struct {
	Policy CyclePolicy
	// OnCycle receives the node emitted despite pending dependencies, and those dependencies.
	OnCycle func(node T, skipped []T)
}

// Sort orders nodes so that every node follows the nodes deps returns for it.
//
// At each step the earliest node, in input order, whose dependencies are all
// emitted is emitted next: independent nodes keep their input order and the same
// input always gives the same output. Repeated nodes count once and dependencies
// outside nodes are ignored.
func (s Sorter[T]) Sort(nodes []T, deps func(T) []T) ([]T, error) {
	index := make(map[T]int, len(nodes))
	uniq := make([]T, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := index[n]; ok {
			continue
		}
		index[n] = len(uniq)
		uniq = append(uniq, n)
	}
	pending := make([][]int, len(uniq))
	for i, n := range uniq {
		for _, d := range deps(n) {
			j, ok := index[d]
			if !ok {
				continue
			}
			if j == i {
				s.cycle(n, []T{n})
				continue
			}
			pending[i] = append(pending[i], j)
		}
	}

	emitted := make([]bool, len(uniq))
	out := make([]T, 0, len(uniq))
	ready := func(i int) bool {
		for _, j := range pending[i] {
			if !emitted[j] {
				return false
			}
		}
		return true
	}
	for len(out) < len(uniq) {
		next := -1
		for i := range uniq {
			if !emitted[i] && ready(i) {
				next = i
				break
			}
		}
		if next < 0 {
			if s.Policy == FailOnCycle {
				e := new(CycleError)
				for i, n := range uniq {
					if !emitted[i] {
						e.Unordered = append(e.Unordered, fmt.Sprint(n))
					}
				}
				return nil, e
			}
			next = breakable(pending, emitted)
			var skipped []T
			for _, j := range pending[next] {
				if !emitted[j] {
					skipped = append(skipped, uniq[j])
				}
			}
			s.cycle(uniq[next], skipped)
		}
		emitted[next] = true
		out = append(out, uniq[next])
	}
	return out, nil
}

func (s Sorter[T]) cycle(node T, skipped []T) {
	if s.OnCycle != nil {
		s.OnCycle(node, skipped)
	}
}

// breakable finds the earliest unemitted node whose pending dependencies can all
// reach it back, so only edges lying on a cycle are skipped.
// A stuck graph always has one: any node of a strongly connected set that has no
// pending dependency outside itself.
func breakable(pending [][]int, emitted []bool) int {
	reaches := func(from, to int) bool {
		seen := make([]bool, len(pending))
		stack := []int{from}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if n == to {
				return true
			}
			if seen[n] {
				continue
			}
			seen[n] = true
			for _, d := range pending[n] {
				if !emitted[d] && !seen[d] {
					stack = append(stack, d)
				}
			}
		}
		return false
	}
	first := -1
	for i := range pending {
		if emitted[i] {
			continue
		}
		if first < 0 {
			first = i
		}
		ok := true
		for _, d := range pending[i] {
			if !emitted[d] && !reaches(d, i) {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return first
}
