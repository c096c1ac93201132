// Package cabi is the mechanical C-ABI mirror of the root scotland2
// package's public surface, matching spec.md §6's "Public C ABI"
// section exactly: accessors returning pointers to internally-owned
// strings, modloader_get_all/modloader_free_results for a heap-owned
// result snapshot, and the force_unload/require_mod/add_ld_library_path
// action entry points.
//
// This is a marshaling boundary only — it owns no algorithm of its own,
// it just widens/narrows between Go's api.* value types and flat,
// cgo-export-friendly C structs, the same separation
// internal/pipeline/modinfo_abi.go draws between itself and this
// package: that file marshals *into* a mod's native setup() callback,
// this one marshals *out of* the loader's own public API for a native
// host to call via cgo or purego.NewCallback.
package cabi

import (
	"unsafe"

	"github.com/sc2ad/scotland2/api"
)

// CModInfo mirrors the host-visible ModInfo shape: owned, NUL-terminated
// heap strings plus the plain version-long field.
type CModInfo struct {
	ID          *byte
	Version     *byte
	VersionLong uint64
}

// CModResult mirrors one LoadResult: Failed is 0 for a LoadedMod entry,
// 1 for a FailedMod entry; Path/Failure are owned heap strings (Failure
// is nil for a successful entry).
type CModResult struct {
	Info    CModInfo
	Path    *byte
	Failure *byte
	Phase   int32
	Failed  int32
}

// CModResults is the heap-allocated array modloader_get_all returns;
// the caller must pass it to FreeResults exactly once.
type CModResults struct {
	Items []CModResult
}

// Status is the return enum for modloader_force_unload and
// modloader_require_mod.
type Status int32

const (
	StatusOK Status = iota
	StatusNotFound
	StatusError
)

func cString(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}

func modInfoToC(info api.ModInfo) CModInfo {
	return CModInfo{ID: cString(info.ID), Version: cString(info.Version), VersionLong: info.VersionLong}
}

func resultToC(r api.LoadResult) CModResult {
	if lm := r.Loaded(); lm != nil {
		return CModResult{
			Info:   modInfoToC(lm.ModInfo),
			Path:   cString(lm.Object.Path),
			Phase:  int32(lm.Phase),
			Failed: 0,
		}
	}
	f := r.Failed()
	return CModResult{
		Info:    modInfoToC(api.DefaultModInfo(f.Object)),
		Path:    cString(f.Object.Path),
		Failure: cString(f.Failure),
		Failed:  1,
	}
}

// GetAll marshals results (from Loader.GetAll) into a fresh CModResults,
// matching modloader_get_all's "caller frees via modloader_free_results"
// contract.
func GetAll(results []api.LoadResult) *CModResults {
	out := &CModResults{Items: make([]CModResult, len(results))}
	for i, r := range results {
		out.Items[i] = resultToC(r)
	}
	return out
}

// FreeResults releases a CModResults produced by GetAll. Since this
// package allocates through the Go heap (no cgo malloc involved), this
// is a no-op beyond dropping the reference; it exists to preserve the
// host-visible free/alloc symmetry spec.md §6 names.
func FreeResults(r *CModResults) {
	if r != nil {
		r.Items = nil
	}
}

// ForceUnload marshals a CModInfo/match_type pair into the Go API,
// calls fn, and returns the status enum spec.md §6's
// modloader_force_unload names.
func ForceUnload(fn func(api.ModInfo, api.MatchType) bool, info CModInfo, match api.MatchType) Status {
	goInfo := api.ModInfo{ID: readCString(info.ID), Version: readCString(info.Version), VersionLong: info.VersionLong}
	if fn(goInfo, match) {
		return StatusOK
	}
	return StatusError
}

// RequireMod marshals a lookup through fn (Loader.GetMod), returning
// StatusNotFound when the mod is absent rather than loaded.
func RequireMod(fn func(api.ModInfo, api.MatchType) *api.LoadedMod, info CModInfo, match api.MatchType) Status {
	goInfo := api.ModInfo{ID: readCString(info.ID), Version: readCString(info.Version), VersionLong: info.VersionLong}
	if fn(goInfo, match) == nil {
		return StatusNotFound
	}
	return StatusOK
}

func readCString(p *byte) string {
	if p == nil {
		return ""
	}
	var b []byte
	addr := uintptr(unsafe.Pointer(p))
	for i := 0; ; i++ {
		c := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
		if c == 0 {
			break
		}
		b = append(b, c)
		if len(b) > 4096 {
			break
		}
	}
	return string(b)
}
