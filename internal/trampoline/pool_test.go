package trampoline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlloc_roundsUpToMinInstructions(t *testing.T) {
	pool := NewPool()
	var hookSite uintptr = 0x400000
	tr, err := pool.Alloc(hookSite, 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(tr.region), MinInstructions*instructionSize)
}

func TestAlloc_subsequentAllocationsReuseRegion(t *testing.T) {
	pool := NewPool()
	var hookSite uintptr = 0x400000

	first, err := pool.Alloc(hookSite, MinInstructions)
	require.NoError(t, err)
	second, err := pool.Alloc(hookSite, MinInstructions)
	require.NoError(t, err)

	require.Len(t, pool.regions, 1, "two small allocations near the same site should share one grown region")
	require.NotEqual(t, first.Address(), second.Address())
}

func TestAlloc_staysWithinBranchRange(t *testing.T) {
	pool := NewPool()
	var hookSite uintptr = 0x10000000

	tr, err := pool.Alloc(hookSite, MinInstructions)
	require.NoError(t, err)
	require.True(t, withinBranchRange(hookSite, tr.Address()))
}
