package hookorch

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/sc2ad/scotland2/internal/arm64asm"
	"github.com/sc2ad/scotland2/internal/dlopen"
)

func buildCode(words ...uint32) (base uint64, code []byte) {
	code = make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(code[i*4:], w)
	}
	return uint64(uintptr(unsafe.Pointer(&code[0]))), code
}

func TestIcallHandle_fallsBackToIL2CPPWhenUnityHandleUnset(t *testing.T) {
	o := New(nil, nil, dlopen.Handle(0x1234), dlopen.Handle(0))
	require.Equal(t, dlopen.Handle(0x1234), o.icallHandle())
}

func TestIcallHandle_prefersDedicatedUnityHandle(t *testing.T) {
	o := New(nil, nil, dlopen.Handle(0x1234), dlopen.Handle(0x5678))
	require.Equal(t, dlopen.Handle(0x5678), o.icallHandle())
}

func cStr(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func TestFindNativeMethodByName_locatesMatchingEntryAndSkipsOthers(t *testing.T) {
	otherName := cStr("otherMethod")
	wantName := cStr("nativeRender")

	methods := []jniNativeMethod{
		{name: addrOfBytes(otherName), signature: 0, fnPtr: 0xAAAA},
		{name: addrOfBytes(wantName), signature: 0, fnPtr: 0xBEEF},
	}

	fn, ok := findNativeMethodByName(uint64(uintptr(unsafe.Pointer(&methods[0]))), len(methods), "nativeRender")
	require.True(t, ok)
	require.Equal(t, uint64(0xBEEF), fn)
}

func TestFindNativeMethodByName_noMatchReturnsFalse(t *testing.T) {
	only := cStr("somethingElse")
	methods := []jniNativeMethod{{name: addrOfBytes(only), fnPtr: 0xCAFE}}

	_, ok := findNativeMethodByName(uint64(uintptr(unsafe.Pointer(&methods[0]))), len(methods), "nativeRender")
	require.False(t, ok)
}

func TestFindNativeMethodByName_rejectsAbsurdCount(t *testing.T) {
	_, ok := findNativeMethodByName(0x1000, 1<<20, "nativeRender")
	require.False(t, ok)
}

func addrOfBytes(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestChainHopFollow_BLWalksToTarget(t *testing.T) {
	base, code := buildCode(0, 0)
	site := base + 4
	word, err := arm64asm.EncodeBL(site, site+0x80)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(code[4:], word)

	hop := chainHop{kind: hopBL, n: 1}
	target, ok := hop.follow(base, defaultChainScanBudget, -1)
	require.True(t, ok)
	require.Equal(t, site+0x80, target)
}

// encodeTBZ hand-packs a TBZ instruction testing bit 3 of X0, matching
// the ARMv8 bit layout: b5 at bit 31, fixed 011011 at bits 30-25, op at
// bit 24 (0 for TBZ), b40 at bits 23-19, imm14 at 18-5, Rt at 4-0.
func encodeTBZ(site, target uint64, bit uint8) uint32 {
	imm14 := uint32((int64(target)-int64(site))/4) & 0x3FFF
	b5 := uint32(bit>>5) & 1
	b40 := uint32(bit) & 0x1F
	return b5<<31 | 0b011011<<25 | b40<<19 | imm14<<5
}

func TestChainHopFollow_TBZWalksToTarget(t *testing.T) {
	base, code := buildCode(0)
	word := encodeTBZ(base, base+0x40, 3)
	binary.LittleEndian.PutUint32(code[0:], word)

	hop := chainHop{kind: hopTBZ, n: 1}
	target, ok := hop.follow(base, defaultChainScanBudget, -1)
	require.True(t, ok)
	require.Equal(t, base+0x40, target)
}
