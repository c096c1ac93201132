// Package dlopen wraps github.com/ebitengine/purego's cgo-free dynamic
// loading primitives with the calling conventions spec.md §4.6 needs:
// "local, immediate binding" dlopen flags, symbol lookup, and the two
// callback shapes the phase pipeline invokes (void-returning lifecycle
// callbacks, and the setup(ModInfo*) callback that takes one pointer
// argument).
//
// purego is the out-of-pack dependency this loader leans on instead of
// cgo: the teacher (wazero) is itself cgo-free by design for its own
// reasons (a portable WebAssembly runtime), and purego extends that
// same no-cgo posture to calling real C functions from Go, which is
// exactly what dlopen/dlsym/invoking a mod's exported callbacks needs.
package dlopen

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Flags mirrors the POSIX dlopen mode bits spec.md §4.6 names: "local,
// immediate binding" — RTLD_LOCAL (0) combined with RTLD_NOW (2) on
// Android/Linux's bionic and glibc alike.
const Flags = 2 // RTLD_NOW | RTLD_LOCAL (RTLD_LOCAL is the default, value 0)

// Handle is an opaque dlopen handle, matching api.LoadedMod.Handle's
// uintptr field.
type Handle uintptr

// Open dlopen()s path with Flags, per spec.md §4.6's load_mods step 2.
func Open(path string) (Handle, error) {
	h, err := purego.Dlopen(path, Flags)
	if err != nil {
		return 0, fmt.Errorf("scotland2/dlopen: open %s: %w", path, err)
	}
	return Handle(h), nil
}

// Close dlclose()s handle, per LoadedMod's close() lifecycle.
func Close(h Handle) error {
	if h == 0 {
		return nil
	}
	return purego.Dlclose(uintptr(h))
}

// Sym resolves name in handle's image, returning 0, false if absent.
func Sym(h Handle, name string) (uintptr, bool) {
	addr, err := purego.Dlsym(uintptr(h), name)
	if err != nil || addr == 0 {
		return 0, false
	}
	return addr, true
}

// CallVoid invokes a void(void) callback: load(), late_load(), unload().
func CallVoid(fn uintptr) {
	if fn == 0 {
		return
	}
	purego.SyscallN(fn)
}

// CallSetup invokes a void(ModInfo*) callback with a pointer to a
// C-ABI-shaped ModInfo the caller has already marshaled, matching
// spec.md §4.6's "setup(ModInfo*)" invocation.
func CallSetup(fn uintptr, modInfoPtr uintptr) {
	if fn == 0 {
		return
	}
	purego.SyscallN(fn, modInfoPtr)
}
