// Package resolver implements spec.md §4.3: for a SharedObject and a
// starting LoadPhase, produce the tree of Dependency/Missing nodes that
// the topological sorter and phase pipeline consume.
//
// Grounded on src/modloader.cpp's get_dependencies/resolve walk
// (_examples/original_source) and, for its memoization-map-as-cycle-guard
// technique, on the teacher's own internal/filecache content-addressed
// cache (staged as _teacher_ref/filecache), which resolves the same
// "insert a placeholder before recursing so a cycle sees an empty
// in-progress entry" shape for a different cache.
package resolver

import (
	"os"
	"path/filepath"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/elf"
	"github.com/sc2ad/scotland2/internal/logging"
)

var log = logging.New("resolver")

// Resolver resolves dependency trees against a root staging directory,
// memoizing by absolute path so repeated references to the same shared
// object are resolved once.
type Resolver struct {
	root string
	memo map[string][]api.DependencyResult
}

// New constructs a Resolver rooted at root, the directory containing the
// per-phase subdirectories (libs/early_mods/mods).
func New(root string) *Resolver {
	return &Resolver{root: root, memo: make(map[string][]api.DependencyResult)}
}

// Resolve produces the dependency tree for so, searching from phase
// backwards toward api.PhaseLibs per spec.md §4.3 step 4.
func (r *Resolver) Resolve(so api.SharedObject, phase api.LoadPhase) []api.DependencyResult {
	if cached, ok := r.memo[so.Path]; ok {
		return cached
	}
	// Insert an empty placeholder before recursing: a dependency cycle
	// that loops back to so.Path sees this empty slice rather than
	// re-entering Resolve, per spec.md §4.3 step 7.
	r.memo[so.Path] = nil

	names := r.neededNames(so.Path)
	results := make([]api.DependencyResult, 0, len(names))
	for _, name := range names {
		results = append(results, r.resolveOne(name, phase))
	}

	r.memo[so.Path] = results
	return results
}

func (r *Resolver) neededNames(path string) []string {
	f, err := elf.Open(path)
	if err != nil {
		log.Warn("open %s for dependency scan: %v", path, err)
		return nil
	}
	defer f.Close()
	return f.NeededDependencies()
}

// resolveOne searches phase directories in reverse load order, starting
// at phase and walking down to api.PhaseLibs, for a file named name.
func (r *Resolver) resolveOne(name string, phase api.LoadPhase) api.DependencyResult {
	for p := phase; p >= api.PhaseLibs; p-- {
		candidate := filepath.Join(r.root, p.DirName(), name)
		if fileExists(candidate) {
			child := api.SharedObject{Path: candidate}
			deps := r.Resolve(child, p)
			return api.Resolved(api.Dependency{Object: child, Dependencies: deps})
		}
	}
	return api.Missing(api.SharedObject{Path: name})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Reset discards all memoized results, for callers (the phase pipeline)
// that resolve across more than one copy_all generation.
func (r *Resolver) Reset() {
	r.memo = make(map[string][]api.DependencyResult)
}
