package pipeline

import (
	"unsafe"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/dlopen"
)

// cModInfo is the C-ABI shape setup(ModInfo*) callbacks exported by a
// mod's shared object operate on: owned, NUL-terminated heap strings
// plus the plain version-long field, matching spec.md §3's "The C-ABI
// variant stores pointers the loader must marshal across the boundary
// with owned heap copies." This is the native-callback marshaling
// boundary, distinct from (but shaped identically to) the cabi
// package's mirror of this loader's own public Go API.
type cModInfo struct {
	id          uintptr
	version     uintptr
	versionLong uint64
}

// invokeSetup calls fn(&info) where info is built from current, reads
// back whatever the callback wrote, and returns the updated ModInfo.
// The backing byte buffers are kept alive in this function's own stack
// frame for the duration of the (synchronous) call.
func invokeSetup(fn uintptr, current api.ModInfo) api.ModInfo {
	idBuf := cString(current.ID)
	versionBuf := cString(current.Version)

	info := cModInfo{
		id:          addrOf(idBuf),
		version:     addrOf(versionBuf),
		versionLong: current.VersionLong,
	}

	dlopen.CallSetup(fn, uintptr(unsafe.Pointer(&info)))

	return api.ModInfo{
		ID:          readCString(info.id),
		Version:     readCString(info.version),
		VersionLong: info.versionLong,
	}
}

func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func readCString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	var b []byte
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
