// Package pipeline is the phase-ordered loading pipeline of spec.md
// §4.6: copy_all → open_libs → open_early_mods → [host hook] →
// load_early_mods → [host hook] → open_mods → load_mods → close_all.
// It owns the three phase collections, the skip_load set, and the
// current-phase state machine spec.md §9 asks to be made an explicit
// enum rather than ambient globals.
//
// Grounded on src/modloader.cpp's global pipeline functions
// (_examples/original_source) and, for the "small stateful engine with
// one designated owner goroutine" shape, on the teacher's own
// internal/wasm/store construction (staged as _teacher_ref/root during
// this port). State still serializes every method on its own mutex.
package pipeline

import (
	"sync"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/logging"
	"github.com/sc2ad/scotland2/internal/resolver"
	"github.com/sc2ad/scotland2/internal/trampoline"
)

var log = logging.New("pipeline")

// State is the pipeline's process-global state, per spec.md §5's
// "process-global, single writer" shared-resource policy. Callers
// (the root scotland2 package) own exactly one State for the process
// lifetime.
type State struct {
	mu sync.Mutex

	root         string // the staging directory containing libs/, early_mods/, mods/
	failed       bool
	currentPhase api.LoadPhase

	loadedLibs      []api.LoadResult
	loadedEarlyMods []api.LoadResult
	loadedMods      []api.LoadResult
	skipLoad        map[string]bool

	resolver *resolver.Resolver
	pool     *trampoline.Pool
}

// New constructs a State rooted at root (the staging directory) sharing
// trampoline pool with the rest of the loader (the hook orchestrator
// allocates from the same pool for its two engine hooks).
func New(root string, pool *trampoline.Pool) *State {
	return &State{
		root:     root,
		resolver: resolver.New(root),
		pool:     pool,
		skipLoad: make(map[string]bool),
	}
}

// Failed reports whether a prior copy_all failure latched the
// no-op-everything flag spec.md §4.6 describes.
func (s *State) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// CurrentPhase returns the phase the pipeline is presently executing,
// api.PhaseNone before Load is first called.
func (s *State) CurrentPhase() api.LoadPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPhase
}

func (s *State) setPhase(p api.LoadPhase) {
	s.currentPhase = p
}

func (s *State) collectionFor(phase api.LoadPhase) *[]api.LoadResult {
	switch phase {
	case api.PhaseLibs:
		return &s.loadedLibs
	case api.PhaseEarlyMods:
		return &s.loadedEarlyMods
	case api.PhaseMods:
		return &s.loadedMods
	default:
		return nil
	}
}
