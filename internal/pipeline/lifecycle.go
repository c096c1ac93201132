package pipeline

import (
	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/dlopen"
)

// DispatchSetup invokes the setup callback of every not-yet-inited
// LoadedMod in the given phase's collection and latches Inited, per
// spec.md §4.6: "invoked by open_early_mods/open_mods immediately after
// dlopen." openPhase calls it for every phase, libs included, right
// after appending that phase's LoadMods results.
func (s *State) DispatchSetup(phase api.LoadPhase) {
	s.mu.Lock()
	coll := s.collectionFor(phase)
	s.mu.Unlock()
	if coll == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range *coll {
		lm := (*coll)[i].Loaded()
		if lm == nil || lm.Inited || lm.Callbacks.Setup == 0 {
			if lm != nil {
				lm.Inited = true
			}
			continue
		}
		lm.ModInfo = invokeSetup(lm.Callbacks.Setup, lm.ModInfo)
		lm.Inited = true
	}
}

// DispatchLoad invokes load() on every not-yet-called LoadedMod in
// phase, fired from the IL2CPP-init hook per spec.md §4.7.
func (s *State) DispatchLoad(phase api.LoadPhase) {
	s.dispatchVoid(phase, func(lm *api.LoadedMod) bool { return lm.LoadCalled },
		func(lm *api.LoadedMod) { lm.LoadCalled = true },
		func(lm *api.LoadedMod) uintptr { return lm.Callbacks.Load })
}

// DispatchLateLoad invokes late_load(), fired from the object-
// destruction hook per spec.md §4.7.
func (s *State) DispatchLateLoad(phase api.LoadPhase) {
	s.dispatchVoid(phase, func(lm *api.LoadedMod) bool { return lm.LateLoadCalled },
		func(lm *api.LoadedMod) { lm.LateLoadCalled = true },
		func(lm *api.LoadedMod) uintptr { return lm.Callbacks.LateLoad })
}

func (s *State) dispatchVoid(phase api.LoadPhase, already func(*api.LoadedMod) bool, latch func(*api.LoadedMod), pick func(*api.LoadedMod) uintptr) {
	s.mu.Lock()
	coll := s.collectionFor(phase)
	s.mu.Unlock()
	if coll == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range *coll {
		lm := (*coll)[i].Loaded()
		if lm == nil || already(lm) {
			continue
		}
		if fn := pick(lm); fn != 0 {
			dlopen.CallVoid(fn)
		}
		latch(lm)
	}
}

// closeOne runs unload() (if present and not yet called) then
// dlclose()s the handle, per LoadedMod's close() lifecycle (spec.md §3).
func closeOne(lm *api.LoadedMod) error {
	if !lm.Unloaded {
		if lm.Callbacks.Unload != 0 {
			dlopen.CallVoid(lm.Callbacks.Unload)
		}
		lm.Unloaded = true
	}
	return dlopen.Close(dlopen.Handle(lm.Handle))
}

// CloseAll implements spec.md §4.6's close_all: close() every LoadedMod
// across all three collections (errors are logged, not propagated),
// then clear the collections.
func (s *State) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, coll := range [][]api.LoadResult{s.loadedMods, s.loadedEarlyMods, s.loadedLibs} {
		for _, r := range coll {
			if lm := r.Loaded(); lm != nil {
				if err := closeOne(lm); err != nil {
					log.Warn("close_all: %s: %v", lm.Object.Path, err)
				}
			}
		}
	}
	s.loadedLibs = nil
	s.loadedEarlyMods = nil
	s.loadedMods = nil
	s.skipLoad = make(map[string]bool)
}

// ForceUnload implements spec.md §4.6's force_unload: search
// loaded_mods then loaded_early_mods (never loaded_libs) for the first
// entry matching info under match, close and remove it if LoadedMod, or
// just remove it if FailedMod. Returns true if the entry was absent or
// unloaded cleanly.
func (s *State) ForceUnload(info api.ModInfo, match api.MatchType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, collPtr := range []*[]api.LoadResult{&s.loadedMods, &s.loadedEarlyMods} {
		for i, r := range *collPtr {
			if lm := r.Loaded(); lm != nil && lm.Matches(info, match) {
				err := closeOne(lm)
				*collPtr = append((*collPtr)[:i], (*collPtr)[i+1:]...)
				delete(s.skipLoad, lm.Object.Path)
				return err == nil
			}
			if f := r.Failed(); f != nil && (&api.LoadedMod{ModInfo: api.DefaultModInfo(f.Object), Object: f.Object}).Matches(info, match) {
				*collPtr = append((*collPtr)[:i], (*collPtr)[i+1:]...)
				delete(s.skipLoad, f.Object.Path)
				return true
			}
		}
	}
	return true
}

// GetMod returns the first LoadedMod across all three collections
// matching info under match.
func (s *State) GetMod(info api.ModInfo, match api.MatchType) *api.LoadedMod {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, coll := range [][]api.LoadResult{s.loadedLibs, s.loadedEarlyMods, s.loadedMods} {
		for _, r := range coll {
			if lm := r.Loaded(); lm != nil && lm.Matches(info, match) {
				cp := *lm
				return &cp
			}
		}
	}
	return nil
}

// GetAll returns a read-only snapshot of every LoadResult across all
// three collections, in phase order.
func (s *State) GetAll() []api.LoadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.LoadResult, 0, len(s.loadedLibs)+len(s.loadedEarlyMods)+len(s.loadedMods))
	out = append(out, s.loadedLibs...)
	out = append(out, s.loadedEarlyMods...)
	out = append(out, s.loadedMods...)
	return out
}

// GetFor returns a read-only snapshot of a single phase's collection.
func (s *State) GetFor(phase api.LoadPhase) []api.LoadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collectionFor(phase)
	if coll == nil {
		return nil
	}
	out := make([]api.LoadResult, len(*coll))
	copy(out, *coll)
	return out
}
