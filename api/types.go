// Package api holds the plain value types shared by every layer of the mod
// loader: phases, shared objects, dependency trees, load results and the
// mod info record mods may overwrite from their setup callback.
//
// None of these types carry behavior beyond simple equality/formatting
// helpers; the engine packages under internal/ own every algorithm that
// operates on them.
package api

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can match with errors.Is instead of string
// comparison.
var (
	// ErrMissingDependency marks a DT_NEEDED entry that resolved to no
	// on-disk candidate in any phase directory. It is not itself fatal:
	// dlopen is still attempted, since the system linker may resolve it.
	ErrMissingDependency = errors.New("scotland2: dependency not found in any phase directory")

	// ErrSymbolLeakage names the case where a dlsym lookup for a
	// lifecycle callback resolved to an address outside the mod's own
	// mapped image. The pipeline does not return it: it logs a warning
	// and treats such a callback as absent.
	ErrSymbolLeakage = errors.New("scotland2: symbol resolved outside of its own module")

	// ErrHookSiteNotFound marks a failed xref trace: a step in the
	// chain of disassembly queries did not find its target.
	ErrHookSiteNotFound = errors.New("scotland2: hook site not found")

	// ErrTrampolineExhausted is returned when no trampoline pool region
	// within branch range of a hook site could be allocated.
	ErrTrampolineExhausted = errors.New("scotland2: no trampoline region within branch range")

	// ErrAlreadyInstalled names a repeated install or uninstall of the
	// same hook. The trampoline package does not return it: a repeat
	// Handle.Uninstall returns nil.
	ErrAlreadyInstalled = errors.New("scotland2: hook already installed or already removed")

	// ErrStagingFailed marks the sticky failure flag set when copy_all
	// could not complete; every later pipeline stage becomes a no-op
	// once this is set.
	ErrStagingFailed = errors.New("scotland2: staging failed, pipeline disabled")
)

// LoadPhase is one of the three (plus None) ordered staging/timing
// buckets a shared object belongs to. Libs < EarlyMods < Mods defines
// both on-disk precedence (search order) and dlopen timing.
type LoadPhase int

const (
	// PhaseNone is the zero value; never a valid search/staging phase.
	PhaseNone LoadPhase = iota
	PhaseLibs
	PhaseEarlyMods
	PhaseMods
)

// String returns the human-readable phase name, used in log lines.
func (p LoadPhase) String() string {
	switch p {
	case PhaseLibs:
		return "libs"
	case PhaseEarlyMods:
		return "early_mods"
	case PhaseMods:
		return "mods"
	default:
		return "none"
	}
}

// DirName returns the on-disk subdirectory name for a non-None phase. It
// panics on PhaseNone since that phase has no directory; callers never
// stage or search PhaseNone.
func (p LoadPhase) DirName() string {
	switch p {
	case PhaseLibs:
		return "libs"
	case PhaseEarlyMods:
		return "early_mods"
	case PhaseMods:
		return "mods"
	default:
		panic("scotland2: PhaseNone has no on-disk directory")
	}
}

// Phases lists the three real phases in ascending (earliest-first) order.
func Phases() []LoadPhase {
	return []LoadPhase{PhaseLibs, PhaseEarlyMods, PhaseMods}
}

// SharedObject is a filesystem path to a candidate .so file. It is
// immutable and cheap to copy; it owns no OS handle.
type SharedObject struct {
	Path string
}

// Name returns the base file name, e.g. "libmymod.so".
func (s SharedObject) Name() string {
	i := len(s.Path) - 1
	for i >= 0 && s.Path[i] != '/' {
		i--
	}
	return s.Path[i+1:]
}

func (s SharedObject) String() string { return s.Path }

// Dependency is one node of a dependency forest: a shared object plus the
// resolved/missing results of its own DT_NEEDED entries.
type Dependency struct {
	Object       SharedObject
	Dependencies []DependencyResult
}

// DependencyResult is the tagged union produced by the resolver for each
// DT_NEEDED name: either it was found on disk (Resolved) or it was not
// (Missing, left for the system linker to resolve at dlopen time).
type DependencyResult struct {
	resolved *Dependency
	missing  *SharedObject
}

// Resolved constructs a DependencyResult wrapping a found dependency.
func Resolved(d Dependency) DependencyResult { return DependencyResult{resolved: &d} }

// Missing constructs a DependencyResult for a name found nowhere.
func Missing(so SharedObject) DependencyResult { return DependencyResult{missing: &so} }

// IsResolved reports whether this result found an on-disk candidate.
func (r DependencyResult) IsResolved() bool { return r.resolved != nil }

// Dependency returns the resolved dependency node; it panics if
// !IsResolved(). Callers should guard with IsResolved first.
func (r DependencyResult) Dependency() Dependency {
	if r.resolved == nil {
		panic("scotland2: DependencyResult.Dependency on a Missing result")
	}
	return *r.resolved
}

// MissingObject returns the unresolved name; it panics if IsResolved().
func (r DependencyResult) MissingObject() SharedObject {
	if r.missing == nil {
		panic("scotland2: DependencyResult.MissingObject on a Resolved result")
	}
	return *r.missing
}

// ModInfo identifies a loaded mod by id, version string and a numeric
// version. id/version default to the mod's binary path and "0.0.0"/0; a
// mod's setup callback may overwrite them.
type ModInfo struct {
	ID          string
	Version     string
	VersionLong uint64
}

// DefaultModInfo returns the ModInfo defaults for a shared object before
// setup() has had a chance to run.
func DefaultModInfo(so SharedObject) ModInfo {
	return ModInfo{ID: so.Path, Version: "0.0.0", VersionLong: 0}
}

func (m ModInfo) String() string {
	return fmt.Sprintf("%s v%s (%d)", m.ID, m.Version, m.VersionLong)
}

// Tag is the logging tag convention: "<mod_id>|v<mod_version>".
func (m ModInfo) Tag() string {
	return fmt.Sprintf("%s|v%s", m.ID, m.Version)
}

// MatchType selects which subset of ModInfo fields two records must
// agree on for lookup/force-unload purposes.
type MatchType int

const (
	MatchStrict MatchType = iota
	MatchIDOnly
	MatchIDVersion
	MatchIDVersionLong
	MatchObjectName
)

// Equals reports whether m matches other under the given MatchType.
// MatchObjectName is evaluated by the caller against SharedObject.Name,
// not against ModInfo, since ModInfo carries no path; LoadedMod.Matches
// handles that case.
func (m ModInfo) Equals(other ModInfo, match MatchType) bool {
	switch match {
	case MatchIDOnly:
		return m.ID == other.ID
	case MatchIDVersion:
		return m.ID == other.ID && m.Version == other.Version
	case MatchIDVersionLong:
		return m.ID == other.ID && m.VersionLong == other.VersionLong
	case MatchStrict:
		return m.ID == other.ID && m.Version == other.Version && m.VersionLong == other.VersionLong
	default:
		return false
	}
}

// Callbacks holds the (possibly nil) function pointers looked up in a
// mod's dlopen handle: setup, load, late_load, unload. They are opaque
// addresses; internal/dlopen knows how to invoke each signature.
type Callbacks struct {
	Setup     uintptr // void setup(CModInfo*)
	Load      uintptr // void load()
	LateLoad  uintptr // void late_load()
	Unload    uintptr // void unload()
}

// LoadedMod is the record of a successful dlopen. The four latch fields
// guarantee each callback fires at most once; the pipeline's close path
// runs unload() only while Unloaded is false, then sets it.
type LoadedMod struct {
	ModInfo      ModInfo
	Object       SharedObject
	Phase        LoadPhase
	Callbacks    Callbacks
	Handle       uintptr
	Inited       bool
	LoadCalled   bool
	LateLoadCalled bool
	Unloaded     bool
}

// Matches reports whether this mod satisfies match against info, with
// MatchObjectName compared against the mod's own SharedObject name.
func (l *LoadedMod) Matches(info ModInfo, match MatchType) bool {
	if match == MatchObjectName {
		return l.Object.Name() == info.ID
	}
	return l.ModInfo.Equals(info, match)
}

// FailedMod is retained for diagnostics whenever dlopen returned an
// error; it never invokes lifecycle callbacks and is never retried.
type FailedMod struct {
	Object       SharedObject
	Failure      string
	Dependencies []DependencyResult
}

// LoadResult is the tagged union stored in each of the three phase
// collections: either nothing happened (Empty, used as a zero value),
// a FailedMod, or a LoadedMod.
type LoadResult struct {
	failed *FailedMod
	loaded *LoadedMod
}

func EmptyResult() LoadResult               { return LoadResult{} }
func FailedResult(f FailedMod) LoadResult   { return LoadResult{failed: &f} }
func LoadedResult(l *LoadedMod) LoadResult  { return LoadResult{loaded: l} }

func (r LoadResult) IsEmpty() bool  { return r.failed == nil && r.loaded == nil }
func (r LoadResult) IsFailed() bool { return r.failed != nil }
func (r LoadResult) IsLoaded() bool { return r.loaded != nil }

func (r LoadResult) Failed() *FailedMod { return r.failed }
func (r LoadResult) Loaded() *LoadedMod { return r.loaded }

// ObjectPath returns the path of whichever shared object this result
// refers to, used to populate the skip_load set. It returns "" for an
// Empty result.
func (r LoadResult) ObjectPath() string {
	switch {
	case r.loaded != nil:
		return r.loaded.Object.Path
	case r.failed != nil:
		return r.failed.Object.Path
	default:
		return ""
	}
}
