package pipeline

import (
	"path/filepath"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/dlopen"
	"github.com/sc2ad/scotland2/internal/platform"
	"github.com/sc2ad/scotland2/internal/toposort"
)

const (
	symSetup    = "setup"
	symLoad     = "load"
	symLateLoad = "late_load"
	symUnload   = "unload"
)

// LoadMods implements spec.md §4.6's load_mods: for each object not in
// skip_load, resolve and topologically sort its dependency tree, open
// every not-yet-opened dependency, then open the mod itself. Every
// opened path (dependency or mod) is added to skip_load as it resolves,
// per the "never dlopen twice" invariant.
func (s *State) LoadMods(objects []api.SharedObject, phase api.LoadPhase) []api.LoadResult {
	var results []api.LoadResult

	for _, mod := range objects {
		if s.isSkipped(mod.Path) {
			continue
		}

		deps := s.resolver.Resolve(mod, phase)
		for _, dep := range toposort.Sort(deps) {
			if s.isSkipped(dep.Object.Path) {
				continue
			}
			results = append(results, s.openOne(dep.Object, phase))
			s.markSkipped(dep.Object.Path)
		}

		results = append(results, s.openOne(mod, phase))
		s.markSkipped(mod.Path)
	}
	return results
}

func (s *State) isSkipped(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipLoad[path]
}

func (s *State) markSkipped(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipLoad[path] = true
}

// openOne dlopens so with "local, immediate binding" flags; a failure
// yields a FailedMod, a success yields a LoadedMod with default
// ModInfo and symbol-bound callbacks (spec.md §4.6 step 2/3).
func (s *State) openOne(so api.SharedObject, phase api.LoadPhase) api.LoadResult {
	h, err := dlopen.Open(so.Path)
	if err != nil {
		log.Warn("dlopen %s: %v", so.Path, err)
		return api.FailedResult(api.FailedMod{
			Object:       so,
			Failure:      err.Error(),
			Dependencies: s.resolver.Resolve(so, phase),
		})
	}

	lm := &api.LoadedMod{
		ModInfo: api.DefaultModInfo(so),
		Object:  so,
		Phase:   phase,
		Handle:  uintptr(h),
	}
	lm.Callbacks = bindCallbacks(h, so.Path)
	log.Debug("opened %s in phase %s", so.Path, phase)
	return api.LoadedResult(lm)
}

// bindCallbacks resolves each of setup/load/late_load/unload in h by
// name, rejecting (per spec.md §4.6's "Symbol binding") any symbol
// whose containing mapped file differs from ownPath — the defense
// against an earlier-opened library's export leaking through as if it
// belonged to this mod.
func bindCallbacks(h dlopen.Handle, ownPath string) api.Callbacks {
	resolve := func(name string) uintptr {
		addr, ok := dlopen.Sym(h, name)
		if !ok {
			return 0
		}
		owner, ok := platform.ModuleForAddress(uintptr(addr))
		if !ok || filepath.Base(owner) != filepath.Base(ownPath) {
			log.Warn("rejecting symbol %s: resolved into %q, not %q", name, owner, ownPath)
			return 0
		}
		return addr
	}
	return api.Callbacks{
		Setup:    resolve(symSetup),
		Load:     resolve(symLoad),
		LateLoad: resolve(symLateLoad),
		Unload:   resolve(symUnload),
	}
}
