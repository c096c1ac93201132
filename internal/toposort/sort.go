// Package toposort implements spec.md §4.4: flatten a dependency forest
// produced by internal/resolver into a deterministic linear post-order
// suitable for dlopen(), with dependencies always preceding dependents.
//
// Grounded on src/modloader.cpp's to_sorted_mods DFS
// (_examples/original_source), rewritten from the original's in-place
// recursive mutation of a shared visited set to a small struct carrying
// that state explicitly, in the style the teacher favors for its own
// small stateful walks (see internal/engine/wazevo's frontend SSA
// builder visited-block tracking, staged as _teacher_ref/wazevo_arm64).
package toposort

import (
	"sort"

	"github.com/sc2ad/scotland2/api"
)

// Sort accepts a forest of DependencyResult (as produced by one or more
// resolver.Resolve calls) and returns a deduplicated, dependency-first
// post-order of the Dependency nodes it resolves to. Missing entries are
// filtered out per spec.md §4.4 step 1.
func Sort(forest []api.DependencyResult) []api.Dependency {
	deps := make([]api.Dependency, 0, len(forest))
	for _, r := range forest {
		if r.IsResolved() {
			deps = append(deps, r.Dependency())
		}
	}
	return SortDependencies(deps)
}

// SortDependencies is Sort's entry point for callers that already hold
// plain Dependency values (spec.md §4.4 step 1's other accepted input
// shape).
func SortDependencies(forest []api.Dependency) []api.Dependency {
	s := &sorter{visited: make(map[string]bool)}
	for _, d := range sortedByReverseLexicalPath(forest) {
		s.visit(d)
	}
	return s.out
}

type sorter struct {
	visited map[string]bool
	out     []api.Dependency
}

func (s *sorter) visit(d api.Dependency) {
	if s.visited[d.Object.Path] {
		return
	}
	s.visited[d.Object.Path] = true

	children := make([]api.Dependency, 0, len(d.Dependencies))
	for _, c := range d.Dependencies {
		if c.IsResolved() {
			children = append(children, c.Dependency())
		}
	}
	for _, child := range sortedByReverseLexicalPath(children) {
		s.visit(child)
	}
	s.out = append(s.out, d)
}

// sortedByReverseLexicalPath stably sorts siblings by path, descending,
// per spec.md §4.4 step 2's determinism requirement.
func sortedByReverseLexicalPath(deps []api.Dependency) []api.Dependency {
	out := make([]api.Dependency, len(deps))
	copy(out, deps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Object.Path > out[j].Object.Path
	})
	return out
}
