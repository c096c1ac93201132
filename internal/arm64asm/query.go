// Package arm64asm is the thin query layer over an AArch64 instruction
// decoder that the hook orchestrator uses to trace cross-references
// through the engine's shared libraries: locate the n-th BL/B, the n-th
// PC-relative address materialization, the n-th conditional branch for a
// given condition, decode MOVZ immediates, follow TBZ/TBNZ targets, and
// walk jump tables.
//
// This is a direct port of include/capstone-utils.hpp's findNth template
// family (_examples/original_source), generalized from a C++ template
// over match/skip predicates to a Go generic function of the same
// shape. Decoding itself is delegated to golang.org/x/arch/arm64/arm64asm
// (the ecosystem AArch64 disassembler) rather than re-implemented, the
// way the original delegates to Capstone.
package arm64asm

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
)

// Cond is an AArch64 condition code, used by FindNthBCond.
type Cond int

const (
	EQ Cond = iota
	NE
	CS
	CC
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

// condOps maps a Cond to the arm64asm.Op the decoder reports for a B.cond
// instruction carrying that condition.
var condOps = map[Cond]arm64asm.Op{
	EQ: arm64asm.BEQ, NE: arm64asm.BNE, CS: arm64asm.BCS, CC: arm64asm.BCC,
	MI: arm64asm.BMI, PL: arm64asm.BPL, VS: arm64asm.BVS, VC: arm64asm.BVC,
	HI: arm64asm.BHI, LS: arm64asm.BLS, GE: arm64asm.BGE, LT: arm64asm.BLT,
	GT: arm64asm.BGT, LE: arm64asm.BLE, AL: arm64asm.BAL,
}

// readAt reinterprets a live address as a byte slice the decoder can
// read from. Every query in this package inspects already-mapped
// process memory (engine shared libraries, already dlopen'd); it never
// mutates the bytes it reads, matching spec.md §4.1's purity contract.
func readAt(addr uint64, n int) []byte {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// decodeOne decodes the 4-byte instruction at addr. A1 decode failure
// (malformed or unrecognized encoding) is reported via ok=false; callers
// skip 4 bytes and continue, never panicking on malformed bytes.
func decodeOne(addr uint64) (inst arm64asm.Inst, ok bool) {
	buf := readAt(addr, 4)
	if buf == nil {
		return arm64asm.Inst{}, false
	}
	inst, err := arm64asm.Decode(buf)
	if err != nil {
		return arm64asm.Inst{}, false
	}
	return inst, true
}

// match converts a decoded instruction at addr into a caller-typed
// result, or reports no-match. skip reports whether an instruction that
// did not match should still count against nToReturnOn (used when a
// near-relative of the desired instruction — e.g. BLR where BL was
// sought — would otherwise confuse the search).
type match[T any] func(addr uint64, inst arm64asm.Inst) (T, bool)
type skip func(inst arm64asm.Inst) bool

// findNth is the generalized query primitive spec.md §4.1 names: walk
// instruction-by-instruction from start for up to maxBytes, stopping
// early after retCount RET instructions (retCount < 0 means unlimited),
// and returning the nToReturnOn-th match (1-indexed).
func findNth[T any](start uint64, maxBytes int, retCount int, nToReturnOn int, m match[T], sk skip) (T, bool) {
	var zero T
	if nToReturnOn < 1 {
		return zero, false
	}
	addr := start
	remaining := maxBytes
	rets := retCount
	n := nToReturnOn

	for remaining > 0 {
		inst, ok := decodeOne(addr)
		if !ok {
			addr += 4
			remaining -= 4
			continue
		}

		if inst.Op == arm64asm.RET {
			if rets == 0 {
				return zero, false
			}
			if rets > 0 {
				rets--
			}
		} else if res, matched := m(addr, inst); matched {
			n--
			if n == 0 {
				return res, true
			}
		} else if sk != nil && sk(inst) {
			n--
			if n == 0 {
				// The n-th occurrence was a skip-only relative
				// (e.g. BLR when BL was sought): no destination can
				// be computed for it.
				return zero, false
			}
		}

		addr += 4
		remaining -= 4
	}
	return zero, false
}

// FindNthBL returns the branch target of the n-th BL instruction
// starting at start within maxBytes. If includeBLR is true, BLR
// instructions are counted toward n (as a skip) without being matchable
// themselves, since their target is a register value unknown at trace
// time.
func FindNthBL(start uint64, maxBytes int, n int, includeBLR bool, retCount int) (target uint64, found bool) {
	matchBL := func(addr uint64, inst arm64asm.Inst) (uint64, bool) {
		if inst.Op != arm64asm.BL {
			return 0, false
		}
		return branchTarget(addr, inst)
	}
	var sk skip
	if includeBLR {
		sk = func(inst arm64asm.Inst) bool { return inst.Op == arm64asm.BLR }
	}
	return findNth(start, maxBytes, retCount, n, matchBL, sk)
}

// FindNthB returns the branch target of the n-th unconditional B
// instruction. includeBR behaves like FindNthBL's includeBLR, for BR.
func FindNthB(start uint64, maxBytes int, n int, includeBR bool, retCount int) (target uint64, found bool) {
	matchB := func(addr uint64, inst arm64asm.Inst) (uint64, bool) {
		if inst.Op != arm64asm.B {
			return 0, false
		}
		return branchTarget(addr, inst)
	}
	var sk skip
	if includeBR {
		sk = func(inst arm64asm.Inst) bool { return inst.Op == arm64asm.BR }
	}
	return findNth(start, maxBytes, retCount, n, matchB, sk)
}

// PCRelResult is the (site, destination register, computed value) tuple
// FindNthADRP and FindNthRegUse report.
type PCRelResult struct {
	Site  uint64
	Reg   arm64asm.Reg
	Value uint64
}

// FindNthADRP returns the n-th ADR or ADRP instruction's site, target
// register, and the page/absolute address it materializes.
func FindNthADRP(start uint64, maxBytes int, n int, retCount int) (PCRelResult, bool) {
	m := func(addr uint64, inst arm64asm.Inst) (PCRelResult, bool) {
		if inst.Op != arm64asm.ADR && inst.Op != arm64asm.ADRP {
			return PCRelResult{}, false
		}
		reg, ok := regArg(inst.Args[0])
		if !ok {
			return PCRelResult{}, false
		}
		val, ok := pcRelArg(addr, inst)
		if !ok {
			return PCRelResult{}, false
		}
		return PCRelResult{Site: addr, Reg: reg, Value: val}, true
	}
	return findNth(start, maxBytes, retCount, n, m, nil)
}

// RegUseResult is the (site, destination register, displacement) tuple
// FindNthRegUse reports for an instruction consuming a given source
// register.
type RegUseResult struct {
	Site         uint64
	DstReg       arm64asm.Reg
	Displacement int64
}

// FindNthRegUse returns the n-th instruction whose source register
// equals reg, recognizing ADD (immediate) and LDR (immediate offset),
// the two forms the original's regMatchConv handles.
func FindNthRegUse(start uint64, maxBytes int, n int, reg arm64asm.Reg, retCount int) (RegUseResult, bool) {
	m := func(addr uint64, inst arm64asm.Inst) (RegUseResult, bool) {
		return regUseMatch(addr, inst, reg)
	}
	return findNth(start, maxBytes, retCount, n, m, nil)
}

// TBZResult is the (site, encoded bit offset, branch target) tuple
// FindNthTBZ reports.
type TBZResult struct {
	Site   uint64
	Bit    uint8
	Target uint64
}

// FindNthTBZ returns the n-th TBZ (test-bit-zero) instruction's site,
// tested bit index, and branch target. TBNZ is treated identically
// (same operand shape); the result does not say which of the two was
// found, so callers that need to distinguish decode the word at Site
// themselves.
func FindNthTBZ(start uint64, maxBytes int, n int, retCount int) (TBZResult, bool) {
	m := func(addr uint64, inst arm64asm.Inst) (TBZResult, bool) {
		if inst.Op != arm64asm.TBZ && inst.Op != arm64asm.TBNZ {
			return TBZResult{}, false
		}
		bit, ok := immArg(inst.Args[1])
		if !ok {
			return TBZResult{}, false
		}
		target, ok := branchTarget(addr, inst)
		if !ok {
			return TBZResult{}, false
		}
		return TBZResult{Site: addr, Bit: uint8(bit), Target: target}, true
	}
	return findNth(start, maxBytes, retCount, n, m, nil)
}

// BCondResult is the (site, offset, target) tuple FindNthBCond reports.
type BCondResult struct {
	Site   uint64
	Offset int64
	Target uint64
}

// FindNthBCond returns the n-th B.cond instruction matching cond.
func FindNthBCond(start uint64, maxBytes int, n int, cond Cond, retCount int) (BCondResult, bool) {
	wantOp, ok := condOps[cond]
	if !ok {
		return BCondResult{}, false
	}
	m := func(addr uint64, inst arm64asm.Inst) (BCondResult, bool) {
		if inst.Op != wantOp {
			return BCondResult{}, false
		}
		target, ok := branchTarget(addr, inst)
		if !ok {
			return BCondResult{}, false
		}
		return BCondResult{Site: addr, Offset: int64(target) - int64(addr), Target: target}, true
	}
	return findNth(start, maxBytes, retCount, n, m, nil)
}

// MOVZResult is the (site, value) pair FindNthMOVZ reports; value is
// already shifted by hw*16 as the instruction encodes.
type MOVZResult struct {
	Site  uint64
	Value uint64
}

// FindNthMOVZ returns the n-th MOVZ instruction's site and its immediate
// value shifted into place.
func FindNthMOVZ(start uint64, maxBytes int, n int, retCount int) (MOVZResult, bool) {
	m := func(addr uint64, inst arm64asm.Inst) (MOVZResult, bool) {
		if inst.Op != arm64asm.MOVZ {
			return MOVZResult{}, false
		}
		val, ok := decodeMOVZImmediate(addr)
		if !ok {
			return MOVZResult{}, false
		}
		return MOVZResult{Site: addr, Value: val}, true
	}
	return findNth(start, maxBytes, retCount, n, m, nil)
}

// decodeMOVZImmediate reads the MOVZ instruction word at addr and
// extracts its immediate pre-shifted into place, straight from the
// encoding: bits [22:21] carry hw, bits [20:5] carry imm16, value =
// imm16 << (hw*16). x/arch's arm64asm.ImmShift carries these same two
// fields but keeps them unexported with no accessor, so this recovers
// them from the raw word instead of going through the decoded Arg.
func decodeMOVZImmediate(addr uint64) (uint64, bool) {
	buf := readAt(addr, 4)
	if buf == nil {
		return 0, false
	}
	word := binary.LittleEndian.Uint32(buf)
	hw := (word >> 21) & 0x3
	imm16 := uint64((word >> 5) & 0xFFFF)
	return imm16 << (hw * 16), true
}

// FindRET returns the address of the first RET instruction starting at
// start within maxBytes, per spec.md §4.7's "scan forward up to 100
// instructions ... for the first RET; call this the method end."
func FindRET(start uint64, maxBytes int) (addr uint64, found bool) {
	cur := start
	remaining := maxBytes
	for remaining > 0 {
		if inst, ok := decodeOne(cur); ok && inst.Op == arm64asm.RET {
			return cur, true
		}
		cur += 4
		remaining -= 4
	}
	return 0, false
}

// FindLastBL returns the branch target of the last BL instruction in
// [start, end), per spec.md §4.7's "walk backwards from that RET to
// find the last BL within the method." A forward scan keeping the final
// match is equivalent to a backward search for the last occurrence and
// needs no separate reverse decoder.
func FindLastBL(start, end uint64) (target uint64, found bool) {
	for addr := start; addr < end; addr += 4 {
		inst, ok := decodeOne(addr)
		if !ok || inst.Op != arm64asm.BL {
			continue
		}
		if t, ok := branchTarget(addr, inst); ok {
			target, found = t, true
		}
	}
	return target, found
}

// GetPCAddr chains an ADRP and a subsequent register-using instruction
// into the full (site, reg, final target) of a page-relative address
// materialization — the getpcaddr<nToRetOn, nImmOff> composition from
// capstone-utils.hpp.
func GetPCAddr(start uint64, maxBytes int, nADRP int, nRegUse int) (PCRelResult, bool) {
	pcrel, ok := FindNthADRP(start, maxBytes, nADRP, -1)
	if !ok {
		return PCRelResult{}, false
	}
	reguse, ok := FindNthRegUse(pcrel.Site, maxBytes, nRegUse, pcrel.Reg, -1)
	if !ok {
		return PCRelResult{}, false
	}
	return PCRelResult{
		Site:  reguse.Site,
		Reg:   reguse.DstReg,
		Value: pcrel.Value + uint64(reguse.Displacement),
	}, true
}

// EvalSwitch dereferences a jump table at the address GetPCAddr
// materializes, reading an i32 offset relative to the table base at
// caseIndex (1-indexed, matching the original's evalswitch). readMem
// lets callers substitute a test double for live-process memory.
func EvalSwitch(start uint64, maxBytes int, nADRP int, nRegUse int, caseIndex int, readMem func(addr uint64, n int) []byte) (uint64, bool) {
	if readMem == nil {
		readMem = readAt
	}
	pc, ok := GetPCAddr(start, maxBytes, nADRP, nRegUse)
	if !ok {
		return 0, false
	}
	entry := readMem(pc.Value+uint64((caseIndex-1)*4), 4)
	if len(entry) != 4 {
		return 0, false
	}
	offset := int32(uint32(entry[0]) | uint32(entry[1])<<8 | uint32(entry[2])<<16 | uint32(entry[3])<<24)
	return uint64(int64(pc.Value) + int64(offset)), true
}
