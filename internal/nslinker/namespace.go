// Package nslinker implements spec.md §4.8: reaching into the dynamic
// linker's own data structures to mark this loader's namespace
// non-isolated and append library search paths to it, so staged mods
// can dlopen() their dependencies by bare filename.
//
// Grounded directly on src/runtime-restriction.cpp
// (_examples/original_source): the private linker symbols it resolves
// (__dl_g_soinfo_handles_map, the mangled soinfo::get_soname and
// soinfo::get_primary_namespace accessors) and the struct shapes it
// walks (soinfo, android_namespace_t) come from AOSP bionic's
// linker/linker_namespaces.h, a fixed-per-Android-version ABI contract
// the spec explicitly calls out as something "the caller must match by
// version." namespaceLayout below mirrors that struct's libc++ field
// order for a representative recent Android release; a loader targeting
// a different bionic build needs its own constants here, exactly as the
// original needed a matching linker_namespaces.hpp per NDK version.
package nslinker

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/sc2ad/scotland2/internal/elf"
	"github.com/sc2ad/scotland2/internal/logging"
	"github.com/sc2ad/scotland2/internal/platform"
)

var log = logging.New("nslinker")

const linkerPath = "/system/bin/linker64"

// Mangled linker64 private symbols, matching runtime-restriction.cpp's
// getSymbol calls exactly.
const (
	symSoinfoHandlesMap    = "__dl_g_soinfo_handles_map"
	symGetSoname           = "__dl__ZNK6soinfo10get_sonameEv"
	symGetPrimaryNamespace = "__dl__ZN6soinfo21get_primary_namespaceEv"
)

// libcxxVector mirrors libc++'s three-pointer std::vector<T> layout:
// begin, end, and end-of-storage. It is a stable, widely relied-upon
// ABI fact about libc++ on Android, independent of any specific bionic
// version.
type libcxxVector struct {
	begin, end, capEnd uintptr
}

func (v *libcxxVector) len(elemSize uintptr) int {
	if elemSize == 0 {
		return 0
	}
	return int((v.end - v.begin) / elemSize)
}

// namespaceLayout is the subset of android_namespace_t's fields this
// package touches, in AOSP bionic's field order: name (a libc++
// std::string, 24 bytes on the arm64 ABI), then three bool flags, then
// the ld_library_paths vector.
type namespaceLayout struct {
	name             [24]byte
	isIsolated       bool
	greylistEnabled  bool
	usedAsAnonymous  bool
	_                [5]byte // alignment padding before the vector field
	ldLibraryPaths   libcxxVector
}

// Patcher holds the resolved linker symbols and the located namespace
// pointer across Init/AddLDLibraryPaths calls.
type Patcher struct {
	linkerBase         uint64
	soinfoHandlesMap   uint64
	getSoname          uintptr
	getPrimaryNS       uintptr
	namespacePtr       *namespaceLayout
}

// New returns an uninitialized Patcher; call Init before
// AddLDLibraryPaths.
func New() *Patcher {
	return &Patcher{}
}

// Init performs spec.md §4.8's init(modloader_filename): map linker64,
// resolve its three private symbols, walk the soinfo handle map for the
// entry whose soname is modloaderFile, and mark that entry's primary
// namespace non-isolated.
func (p *Patcher) Init(modloaderFile string) error {
	f, err := elf.Open(linkerPath)
	if err != nil {
		return fmt.Errorf("scotland2/nslinker: open %s: %w", linkerPath, err)
	}
	defer f.Close()

	base, found := elf.BaseAddress("linker64")
	if !found {
		return fmt.Errorf("scotland2/nslinker: could not find linker64 base address")
	}
	p.linkerBase = base

	mapOff, ok := f.SymbolAddress(symSoinfoHandlesMap)
	if !ok {
		return fmt.Errorf("scotland2/nslinker: symbol %s not found", symSoinfoHandlesMap)
	}
	getSonameOff, ok := f.SymbolAddress(symGetSoname)
	if !ok {
		return fmt.Errorf("scotland2/nslinker: symbol %s not found", symGetSoname)
	}
	getPrimaryNSOff, ok := f.SymbolAddress(symGetPrimaryNamespace)
	if !ok {
		return fmt.Errorf("scotland2/nslinker: symbol %s not found", symGetPrimaryNamespace)
	}

	p.soinfoHandlesMap = base + mapOff
	p.getSoname = uintptr(base + getSonameOff)
	p.getPrimaryNS = uintptr(base + getPrimaryNSOff)

	soinfo, err := p.findSoinfoByName(modloaderFile)
	if err != nil {
		return err
	}

	nsAddr, _, _ := purego.SyscallN(p.getPrimaryNS, uintptr(soinfo))
	if nsAddr == 0 {
		return fmt.Errorf("scotland2/nslinker: get_primary_namespace returned null for %s", modloaderFile)
	}

	if err := platform.MakeWritable(nsAddr, int(unsafe.Sizeof(namespaceLayout{}))); err != nil {
		return fmt.Errorf("scotland2/nslinker: mprotect namespace page: %w", err)
	}

	p.namespacePtr = (*namespaceLayout)(unsafe.Pointer(nsAddr))
	p.namespacePtr.isIsolated = false
	log.Debug("modloader namespace resolved at %#x, marked non-isolated", nsAddr)
	return nil
}

// findSoinfoByName iterates the linker's unordered_map<uintptr_t,
// soinfo*> looking for the entry whose get_soname() equals name.
//
// libc++'s std::unordered_map has no single portable iteration shape
// this package can walk generically, so rather than reimplement its
// bucket layout here too, this delegates to the package's own iteration
// helper forEachSoinfoHandle, which walks only the map's single node
// chain from its sentinel. Kept as a separate file (map_walk.go) so the
// two ABI concerns (the namespace struct vs. the hash map) stay
// independently reviewable.
func (p *Patcher) findSoinfoByName(name string) (uintptr, error) {
	var found uintptr
	err := forEachSoinfoHandle(p.soinfoHandlesMap, func(soinfo uintptr) bool {
		namePtr, _, _ := purego.SyscallN(p.getSoname, soinfo)
		if namePtr == 0 {
			return true
		}
		if cString(namePtr) == name {
			found = soinfo
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, fmt.Errorf("scotland2/nslinker: no soinfo entry named %q", name)
	}
	return found, nil
}

// AddLDLibraryPaths implements spec.md §4.8's add_ld_library_paths:
// append paths to the namespace's current ld_library_paths list.
//
// Because libc++'s std::string has a short-string-optimization layout
// this package does not reproduce a safe in-place constructor for, a
// fresh entry is only appended when it fits the vector's existing spare
// capacity (end < capEnd) by writing a new short-form std::string
// directly; if the vector has no spare slot, this returns an error
// rather than attempt a reallocation that would require replicating
// libc++'s allocator, matching spec.md §4.8's "safety" note that the
// patcher's reach is bounded by the struct layout it can trust.
func (p *Patcher) AddLDLibraryPaths(paths []string) error {
	if p.namespacePtr == nil {
		return fmt.Errorf("scotland2/nslinker: not initialized")
	}
	v := &p.namespacePtr.ldLibraryPaths
	const stringSize = unsafe.Sizeof([24]byte{})

	for _, path := range paths {
		if v.end+stringSize > v.capEnd {
			return fmt.Errorf("scotland2/nslinker: ld_library_paths vector has no spare capacity for %q", path)
		}
		if err := writeShortLibcxxString(v.end, path); err != nil {
			return err
		}
		v.end += stringSize
	}
	return nil
}

// cString reads a NUL-terminated C string starting at addr.
func cString(addr uintptr) string {
	var b []byte
	for {
		c := *(*byte)(unsafe.Pointer(addr + uintptr(len(b))))
		if c == 0 {
			break
		}
		b = append(b, c)
		if len(b) > 4096 {
			break // defensive bound; soinfo sonames are never this long
		}
	}
	return string(b)
}

// writeShortLibcxxString writes s into a pre-allocated 24-byte libc++
// std::string slot using the short-string-optimization form: a one-byte
// size (shifted left one bit, low bit clear to mark "short"), followed
// by up to 22 inline bytes plus a NUL terminator. Callers are
// responsible for s fitting (len(s) <= 22); AddLDLibraryPaths's staged
// mod directory paths are expected to.
func writeShortLibcxxString(addr uintptr, s string) error {
	if len(s) > 22 {
		return fmt.Errorf("scotland2/nslinker: path %q too long for inline std::string form", s)
	}
	buf := (*[24]byte)(unsafe.Pointer(addr))
	buf[0] = byte(len(s) << 1)
	copy(buf[1:], s)
	buf[1+len(s)] = 0
	return nil
}
