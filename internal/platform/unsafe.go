package platform

import "unsafe"

// unsafeBytes reinterprets a raw address/length pair (e.g. a page
// containing a hook site, discovered from /proc/self/maps or pointer
// arithmetic) as a byte slice so it can be passed to unix.Mprotect,
// which operates on []byte. The caller is responsible for the address
// actually being mapped and the length being within that mapping.
func unsafeBytes(addr uintptr, length int) []byte {
	if length <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// unsafeAddr returns the address of a byte slice's backing array.
func unsafeAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Addr is unsafeAddr's exported form, for packages outside platform
// (the trampoline allocator and hook installer) that need the address
// of a region they already hold as a []byte.
func Addr(b []byte) uintptr {
	return unsafeAddr(b)
}
