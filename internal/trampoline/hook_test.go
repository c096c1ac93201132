//go:build arm64

package trampoline

import (
	"encoding/binary"
	"testing"

	"github.com/ebitengine/purego"
	"github.com/stretchr/testify/require"

	"github.com/sc2ad/scotland2/internal/arm64asm"
	"github.com/sc2ad/scotland2/internal/platform"
)

// buildReturnsConstant assembles a tiny AArch64 function: MOVZ X0, #n ;
// RET, padded with NOPs out to at least displacedBytes+4 so the hook
// installer's four-instruction prologue touch never overlaps the RET
// it must leave reachable via the trampoline's callback jump.
func buildReturnsConstant(t *testing.T, n uint16) []byte {
	t.Helper()
	region, err := platform.AllocateExecutable(32)
	require.NoError(t, err)
	t.Cleanup(func() { platform.FreeExecutable(region) })

	movz := uint32(0b1_10_100101_00<<21) | uint32(n)<<5 // MOVZ X0, #n, LSL #0
	const ret = 0xD65F03C0
	const nop = 0xD503201F
	words := []uint32{movz, ret, nop, nop, nop, nop, nop, nop}
	for i, w := range words {
		binary.LittleEndian.PutUint32(region[i*4:], w)
	}
	require.NoError(t, platform.MakeExecutable(region))
	require.NoError(t, platform.FlushInstructionCache(region))
	return region
}

// buildHookReturning7CallsOriginal assembles a replacement function:
// BL <original> ; MOVZ X0, #7 ; RET — calls through to whatever address
// is patched into its BL immediate at link time, discards the result,
// and returns 7, matching spec.md §8 scenario 6's "calls the original."
func buildHookReturning7CallsOriginal(t *testing.T, original uintptr) []byte {
	t.Helper()
	region, err := platform.AllocateExecutable(16)
	require.NoError(t, err)
	t.Cleanup(func() { platform.FreeExecutable(region) })

	site := uint64(platform.Addr(region))
	blWord, err := arm64asm.EncodeBL(site, uint64(original))
	require.NoError(t, err)

	const movz7 = uint32(0b1_10_100101_00<<21) | uint32(7)<<5
	const ret = 0xD65F03C0
	binary.LittleEndian.PutUint32(region[0:], blWord)
	binary.LittleEndian.PutUint32(region[4:], movz7)
	binary.LittleEndian.PutUint32(region[8:], ret)

	require.NoError(t, platform.MakeExecutable(region))
	require.NoError(t, platform.FlushInstructionCache(region))
	return region
}

func TestInstallHook_replacesAndUninstallRestores(t *testing.T) {
	target := buildReturnsConstant(t, 42)
	targetAddr := platform.Addr(target)

	call := func(fn uintptr) uintptr {
		r, _, _ := purego.SyscallN(fn)
		return r
	}
	require.EqualValues(t, 42, call(targetAddr))

	snapshot := make([]byte, displacedBytes)
	copy(snapshot, target[:displacedBytes])

	replacement := buildHookReturning7CallsOriginal(t, targetAddr)
	pool := NewPool()

	handle, err := InstallHook(pool, targetAddr, platform.Addr(replacement))
	require.NoError(t, err)

	require.EqualValues(t, 7, call(targetAddr))
	require.EqualValues(t, 42, call(handle.TrampolineAddress()))

	require.NoError(t, handle.Uninstall())
	require.EqualValues(t, 42, call(targetAddr))
	require.Equal(t, snapshot, target[:displacedBytes])
}
