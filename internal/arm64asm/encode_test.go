package arm64asm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm64/arm64asm"
)

func TestEncodeB_roundTrips(t *testing.T) {
	site := uint64(0x1000)
	target := uint64(0x1040)
	word, err := EncodeB(site, target)
	require.NoError(t, err)

	inst, err := arm64asm.Decode(leBytes(word))
	require.NoError(t, err)
	require.Equal(t, arm64asm.B, inst.Op)

	got, ok := branchTarget(site, inst)
	require.True(t, ok)
	require.Equal(t, target, got)
}

func TestEncodeBL_roundTrips(t *testing.T) {
	site := uint64(0x2000)
	target := site - 0x800
	word, err := EncodeBL(site, target)
	require.NoError(t, err)

	inst, err := arm64asm.Decode(leBytes(word))
	require.NoError(t, err)
	require.Equal(t, arm64asm.BL, inst.Op)

	got, ok := branchTarget(site, inst)
	require.True(t, ok)
	require.Equal(t, target, got)
}

func TestEncodeB_rejectsMisaligned(t *testing.T) {
	_, err := EncodeB(0x1000, 0x1001)
	require.Error(t, err)
}

func TestEncodeB_rejectsOutOfRange(t *testing.T) {
	_, err := EncodeB(0, 1<<28)
	require.Error(t, err)
}

func TestEncodeBR(t *testing.T) {
	word := EncodeBR(arm64asm.X9)
	inst, err := arm64asm.Decode(leBytes(word))
	require.NoError(t, err)
	require.Equal(t, arm64asm.BR, inst.Op)
	reg, ok := regArg(inst.Args[0])
	require.True(t, ok)
	require.Equal(t, arm64asm.X9, reg)
}

func TestEncodeLDRBRSequence_layout(t *testing.T) {
	words := EncodeLDRBRSequence(arm64asm.X16, 0x7F0011223344)

	ldrInst, err := arm64asm.Decode(leBytes(words[0]))
	require.NoError(t, err)
	require.Equal(t, arm64asm.LDR, ldrInst.Op)

	brInst, err := arm64asm.Decode(leBytes(words[1]))
	require.NoError(t, err)
	require.Equal(t, arm64asm.BR, brInst.Op)

	lo := words[2]
	hi := words[3]
	reassembled := uint64(hi)<<32 | uint64(lo)
	require.Equal(t, uint64(0x7F0011223344), reassembled)
}

func TestRelocatable(t *testing.T) {
	require.True(t, Relocatable(arm64asm.B))
	require.True(t, Relocatable(arm64asm.BL))
	require.True(t, Relocatable(arm64asm.ADRP))
	require.True(t, Relocatable(arm64asm.ADR))
	require.True(t, Relocatable(arm64asm.CBZ))
	require.True(t, Relocatable(arm64asm.TBNZ))
	require.True(t, Relocatable(arm64asm.BEQ))
	require.False(t, Relocatable(arm64asm.ADD))
	require.False(t, Relocatable(arm64asm.RET))
}

func TestRelocateInstruction_nonRelocatableCopiedVerbatim(t *testing.T) {
	nop := EncodeNOP()
	got, err := RelocateInstruction(0x1000, 0x9000, nop)
	require.NoError(t, err)
	require.Equal(t, nop, got)
}

func TestRelocateInstruction_branch(t *testing.T) {
	oldSite := uint64(0x1000)
	target := uint64(0x1200)
	word, err := EncodeB(oldSite, target)
	require.NoError(t, err)

	newSite := uint64(0x50000)
	relocated, err := RelocateInstruction(oldSite, newSite, word)
	require.NoError(t, err)

	inst, err := arm64asm.Decode(leBytes(relocated))
	require.NoError(t, err)
	got, ok := branchTarget(newSite, inst)
	require.True(t, ok)
	require.Equal(t, target, got)
}
