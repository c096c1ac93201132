package arm64asm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// This file is the encode side of the package: emitting and relocating
// AArch64 instruction words for the trampoline allocator and inline hook
// installer (internal/trampoline). Where internal/engine/wazevo's own
// ARM64 backend (instr_encoding.go, staged as
// _teacher_ref/wazevo_arm64/instr_encoding.go during this port) hand-packs
// bits for the full instruction set it needs to JIT-compile WebAssembly,
// this package only ever needs to emit/relocate the half-dozen forms a
// relocated function prologue and a jump-back trampoline can contain —
// the same bit-packing technique, applied to a much smaller surface.

// EncodeB encodes an unconditional branch from site to target. Both must
// be 4-byte aligned and within ±128MiB of each other; callers (the
// trampoline/hook installer) are responsible for checking branch range
// before calling this and falling back to EncodeLDRBRSequence otherwise.
func EncodeB(site, target uint64) (uint32, error) {
	imm, err := branchImm26(site, target)
	if err != nil {
		return 0, err
	}
	return 0b000101<<26 | imm, nil
}

// EncodeBL encodes a branch-with-link from site to target, same range
// constraints as EncodeB.
func EncodeBL(site, target uint64) (uint32, error) {
	imm, err := branchImm26(site, target)
	if err != nil {
		return 0, err
	}
	return 0b100101<<26 | imm, nil
}

func branchImm26(site, target uint64) (uint32, error) {
	delta := int64(target) - int64(site)
	if delta%4 != 0 {
		return 0, fmt.Errorf("scotland2/arm64asm: branch target not 4-byte aligned: %#x -> %#x", site, target)
	}
	const maxRange = 1 << 27 // ±128MiB measured in bytes == ±2^25 instructions == imm26 range
	if delta >= maxRange || delta < -maxRange {
		return 0, fmt.Errorf("scotland2/arm64asm: branch out of ±128MiB range: %#x -> %#x", site, target)
	}
	return uint32(delta/4) & 0x03FFFFFF, nil
}

// EncodeBR encodes BR Xn (branch to register, no link).
func EncodeBR(reg arm64asm.Reg) uint32 {
	return 0xD61F0000 | uint32(regNum(reg))<<5
}

// EncodeNOP encodes a NOP, used to pad relocated prologues out to a
// fixed instruction count when a displaced instruction needed more than
// one relocated replacement (not currently needed by any of the six
// recognized forms, but kept for trampoline size bookkeeping).
func EncodeNOP() uint32 { return 0xD503201F }

// EncodeLDRBRSequence emits the absolute-address jump form: LDR Xn, #8 ;
// BR Xn ; <64-bit addr>, used whenever a direct branch is out of range,
// or unconditionally by write_ldr_br_data per spec.md §4.5. It writes
// four 32-bit words (16 bytes): the LDR, the BR, and the address split
// across two words.
func EncodeLDRBRSequence(reg arm64asm.Reg, addr uint64) [4]uint32 {
	// LDR Xt, literal: opc=01 (64-bit), V=0, imm19=2 (2 words = 8 bytes
	// ahead, past the BR that follows this instruction), Rt=reg.
	const imm19For2Words = 2
	ldr := uint32(0b01_011_0_00)<<24 | uint32(imm19For2Words&0x7FFFF)<<5 | uint32(regNum(reg))
	br := EncodeBR(reg)
	lo := uint32(addr & 0xFFFFFFFF)
	hi := uint32(addr >> 32)
	return [4]uint32{ldr, br, lo, hi}
}

// regNum extracts the 0-31 register number a Reg constant encodes.
// arm64asm.Reg values for X0..X30/XZR and W0..W30/WZR are laid out as
// small contiguous integer ranges; this is purely cosmetic "decode the
// constant back to a number" arithmetic since arm64asm itself doesn't
// export one, so it is isolated into one function other code can trust.
func regNum(r arm64asm.Reg) uint8 {
	switch {
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return uint8(r - arm64asm.X0)
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return uint8(r - arm64asm.W0)
	default:
		return 0
	}
}

// PutUint32LE writes a little-endian instruction word into dst,
// matching AArch64's fixed little-endian instruction encoding on
// Android.
func PutUint32LE(dst []byte, word uint32) {
	binary.LittleEndian.PutUint32(dst, word)
}

// Relocatable reports whether an opcode's encoding is PC-relative and
// therefore needs fixing up when copied to a new address (ADR, ADRP, B,
// BL, B.cond, CBZ, CBNZ, TBZ, TBNZ, LDR-literal), per spec.md §4.5's
// write_hook_fixups.
func Relocatable(op arm64asm.Op) bool {
	switch op {
	case arm64asm.ADR, arm64asm.ADRP, arm64asm.B, arm64asm.BL,
		arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ,
		arm64asm.LDR:
		return true
	}
	_, isCond := reverseCondOps[op]
	return isCond
}

var reverseCondOps = func() map[arm64asm.Op]Cond {
	m := make(map[arm64asm.Op]Cond, len(condOps))
	for c, op := range condOps {
		m[op] = c
	}
	return m
}()

// RelocateInstruction rewrites a single PC-relative instruction word
// that originally lived at oldSite so that, now living at newSite, its
// effective target is unchanged. Non-relocatable opcodes (anything
// Relocatable reports false for) are returned byte-identical.
//
// ADR is rewritten to the equivalent ADRP+ADD pair is NOT attempted
// here: the hook installer only ever relocates up to four instructions
// of a prologue and, per spec.md §4.5, only needs to preserve effective
// address, which a same-opcode re-encode with a recomputed immediate
// achieves for every one of the forms spec.md lists except plain ADR
// materializing an address further than ±1MiB away — a case logged and
// rejected by the caller rather than silently mis-relocated.
func RelocateInstruction(oldSite, newSite uint64, raw uint32) (uint32, error) {
	inst, err := arm64asm.Decode(leBytes(raw))
	if err != nil {
		return raw, nil // not a recognized instruction at all: copy verbatim
	}
	if !Relocatable(inst.Op) {
		return raw, nil
	}

	oldTarget, ok := instructionTarget(oldSite, inst)
	if !ok {
		if inst.Op == arm64asm.LDR {
			return raw, nil // register-based LDR: not PC-relative, copy verbatim
		}
		return 0, fmt.Errorf("scotland2/arm64asm: could not compute relocation target for %v at %#x", inst.Op, oldSite)
	}

	switch inst.Op {
	case arm64asm.B:
		return EncodeB(newSite, oldTarget)
	case arm64asm.BL:
		return EncodeBL(newSite, oldTarget)
	case arm64asm.ADRP:
		return encodeADRP(newSite, oldTarget, inst)
	case arm64asm.ADR:
		return encodeADR(newSite, oldTarget, inst)
	default:
		if _, isCond := reverseCondOps[inst.Op]; isCond {
			return encodeBCond(newSite, oldTarget, inst.Op)
		}
		return encodeCompareBranch(newSite, oldTarget, inst)
	}
}

func instructionTarget(site uint64, inst arm64asm.Inst) (uint64, bool) {
	if t, ok := branchTarget(site, inst); ok {
		return t, true
	}
	return pcRelArg(site, inst)
}

func leBytes(word uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, word)
	return b
}

func encodeADRP(site, target uint64, orig arm64asm.Inst) (uint32, error) {
	reg, ok := regArg(orig.Args[0])
	if !ok {
		return 0, fmt.Errorf("scotland2/arm64asm: ADRP missing destination register")
	}
	delta := int64(target&^0xFFF) - int64(site&^0xFFF)
	pages := delta >> 12
	if pages >= 1<<20 || pages < -(1<<20) {
		return 0, fmt.Errorf("scotland2/arm64asm: ADRP relocation out of ±1MiB*4K page range")
	}
	imm := uint32(pages) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := (imm >> 2) & 0x7FFFF
	word := uint32(0b1)<<31 | immlo<<29 | 0b10000<<24 | immhi<<5 | uint32(regNum(reg))
	return word, nil
}

func encodeADR(site, target uint64, orig arm64asm.Inst) (uint32, error) {
	reg, ok := regArg(orig.Args[0])
	if !ok {
		return 0, fmt.Errorf("scotland2/arm64asm: ADR missing destination register")
	}
	delta := int64(target) - int64(site)
	if delta >= 1<<20 || delta < -(1<<20) {
		return 0, fmt.Errorf("scotland2/arm64asm: ADR relocation out of ±1MiB range")
	}
	imm := uint32(delta) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := (imm >> 2) & 0x7FFFF
	word := immlo<<29 | 0b10000<<24 | immhi<<5 | uint32(regNum(reg))
	return word, nil
}

func encodeBCond(site, target uint64, op arm64asm.Op) (uint32, error) {
	delta := int64(target) - int64(site)
	if delta%4 != 0 || delta >= 1<<20 || delta < -(1<<20) {
		return 0, fmt.Errorf("scotland2/arm64asm: B.cond relocation out of ±1MiB range")
	}
	imm19 := uint32(delta/4) & 0x7FFFF
	cond := uint32(reverseCondOps[op])
	return 0b01010100<<24 | imm19<<5 | cond, nil
}

func encodeCompareBranch(site, target uint64, inst arm64asm.Inst) (uint32, error) {
	delta := int64(target) - int64(site)
	if delta%4 != 0 {
		return 0, fmt.Errorf("scotland2/arm64asm: compare-branch relocation misaligned")
	}
	switch inst.Op {
	case arm64asm.CBZ, arm64asm.CBNZ:
		if delta >= 1<<20 || delta < -(1<<20) {
			return 0, fmt.Errorf("scotland2/arm64asm: CBZ/CBNZ relocation out of ±1MiB range")
		}
		reg, _ := regArg(inst.Args[0])
		imm19 := uint32(delta/4) & 0x7FFFF
		opBit := uint32(0)
		if inst.Op == arm64asm.CBNZ {
			opBit = 1
		}
		sf := uint32(0)
		if reg >= arm64asm.X0 && reg <= arm64asm.X30 {
			sf = 1
		}
		return sf<<31 | 0b011010<<25 | opBit<<24 | imm19<<5 | uint32(regNum(reg)), nil
	case arm64asm.TBZ, arm64asm.TBNZ:
		if delta >= 1<<15 || delta < -(1<<15) {
			return 0, fmt.Errorf("scotland2/arm64asm: TBZ/TBNZ relocation out of ±32KiB range")
		}
		reg, _ := regArg(inst.Args[0])
		bit, _ := immArg(inst.Args[1])
		imm14 := uint32(delta/4) & 0x3FFF
		opBit := uint32(0)
		if inst.Op == arm64asm.TBNZ {
			opBit = 1
		}
		b5 := uint32(bit>>5) & 0x1
		b40 := uint32(bit) & 0x1F
		return 0b011011<<25 | opBit<<24 | b5<<31 | b40<<19 | imm14<<5 | uint32(regNum(reg)), nil
	case arm64asm.LDR:
		if delta%4 != 0 || delta >= 1<<20 || delta < -(1<<20) {
			return 0, fmt.Errorf("scotland2/arm64asm: LDR-literal relocation out of ±1MiB range")
		}
		reg, _ := regArg(inst.Args[0])
		imm19 := uint32(delta/4) & 0x7FFFF
		return 0b01011000<<24 | imm19<<5 | uint32(regNum(reg)), nil
	default:
		return 0, fmt.Errorf("scotland2/arm64asm: unsupported relocatable op %v", inst.Op)
	}
}
