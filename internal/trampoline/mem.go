package trampoline

import (
	"encoding/binary"
	"unsafe"
)

// readRegion reinterprets a live address range as a byte slice. Every
// use in this package targets memory that is already known-mapped: the
// hook site itself (discovered via the ELF reader/resolver before
// InstallHook is ever called) or a trampoline slot this package
// allocated.
func readRegion(addr uintptr, length int) []byte {
	if length <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

func readWord(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(readRegion(uintptr(addr), 4))
}

func readBytes(addr uint64, length int) []byte {
	out := make([]byte, length)
	copy(out, readRegion(uintptr(addr), length))
	return out
}

func writeWords(addr uint64, words []uint32) {
	dst := readRegion(uintptr(addr), len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(dst[i*4:], w)
	}
}

func writeBytes(addr uint64, data []byte) {
	dst := readRegion(uintptr(addr), len(data))
	copy(dst, data)
}
