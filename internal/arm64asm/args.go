package arm64asm

import (
	"regexp"
	"strconv"

	"golang.org/x/arch/arm64/arm64asm"
)

// branchTarget resolves a B/BL/B.cond/TBZ/TBNZ instruction's destination
// to an absolute address. arm64asm reports branch/compare-and-branch
// targets as a arm64asm.PCRel (a signed word offset already scaled by
// the instruction's implicit *4 or *1 factor); the absolute target is
// simply the site address plus that offset.
func branchTarget(addr uint64, inst arm64asm.Inst) (uint64, bool) {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if rel, ok := a.(arm64asm.PCRel); ok {
			return uint64(int64(addr) + int64(rel)), true
		}
	}
	return 0, false
}

// regArg returns a as a register operand.
func regArg(a arm64asm.Arg) (arm64asm.Reg, bool) {
	r, ok := a.(arm64asm.Reg)
	return r, ok
}

// immArg returns the plain signed immediate carried by a. arm64asm.Imm's
// field is an exported uint32, so the conversion to this package's int64
// result is explicit.
func immArg(a arm64asm.Arg) (int64, bool) {
	switch v := a.(type) {
	case arm64asm.Imm:
		return int64(v.Imm), true
	case arm64asm.Imm64:
		return int64(v.Imm), true
	default:
		return 0, false
	}
}

// pcRelArg computes the absolute address an ADR/ADRP instruction
// materializes into its destination register. ADR's operand is a
// straightforward PC + imm; ADRP's is (PC & ^0xFFF) + (imm << 12). The
// x/arch decoder reports both already shaped as a page/byte-granular
// arm64asm.PCRel value appropriate to the opcode, so resolution is
// shared with branchTarget's offset arithmetic.
func pcRelArg(addr uint64, inst arm64asm.Inst) (uint64, bool) {
	for _, a := range inst.Args[1:] {
		if a == nil {
			continue
		}
		switch v := a.(type) {
		case arm64asm.PCRel:
			base := addr
			if inst.Op == arm64asm.ADRP {
				base = addr &^ 0xFFF
			}
			return uint64(int64(base) + int64(v)), true
		}
	}
	return 0, false
}

// regUseMatch implements the original's regMatchConv: recognize ADD
// (immediate) and LDR (immediate offset) instructions whose source
// register equals reg, returning the site, destination register, and
// displacement.
func regUseMatch(addr uint64, inst arm64asm.Inst, reg arm64asm.Reg) (RegUseResult, bool) {
	switch inst.Op {
	case arm64asm.ADD:
		// Args: Rd, Rn, imm12[, shift]
		dst, ok := regArg(inst.Args[0])
		if !ok {
			return RegUseResult{}, false
		}
		src, ok := regArg(inst.Args[1])
		if !ok || src != reg {
			return RegUseResult{}, false
		}
		imm, ok := immArg(inst.Args[2])
		if !ok {
			return RegUseResult{}, false
		}
		return RegUseResult{Site: addr, DstReg: dst, Displacement: imm}, true

	case arm64asm.LDR:
		// Args: Rt, MemImmediate{Base, Imm}
		dst, ok := regArg(inst.Args[0])
		if !ok {
			return RegUseResult{}, false
		}
		mem, ok := inst.Args[1].(arm64asm.MemImmediate)
		if !ok {
			return RegUseResult{}, false
		}
		base, ok := memBaseReg(mem)
		if !ok || base != reg {
			return RegUseResult{}, false
		}
		return RegUseResult{Site: addr, DstReg: dst, Displacement: memDisplacement(mem)}, true

	default:
		return RegUseResult{}, false
	}
}

// memBaseReg and memDisplacement isolate the two fields this package
// needs from arm64asm.MemImmediate, kept separate so a future change to
// that type's exact shape only needs to touch these two functions.
//
// mem.Base is an arm64asm.RegSP, a defined type distinct from
// arm64asm.Reg (it differs only in how X31/W31 stringify, as SP/WSP
// rather than XZR/WZR); converting it to Reg here keeps every caller of
// memBaseReg comparing against the same Reg-typed values regUseMatch
// already works with.
func memBaseReg(mem arm64asm.MemImmediate) (arm64asm.Reg, bool) {
	return arm64asm.Reg(mem.Base), true
}

// memImmPattern extracts a MemImmediate's signed displacement out of its
// own String() rendering. x/arch keeps MemImmediate's imm field
// unexported with no accessor; String() is the only place the package
// exposes it, printed as "#<decimal>" (optionally prefixed with '-')
// inside the bracketed operand, e.g. "[X0,#16]" or "[X0,#-8]!". A plain
// "[X0]" (AddrOffset with a zero displacement omitted entirely) has no
// match, which correctly yields a displacement of 0.
var memImmPattern = regexp.MustCompile(`#(-?[0-9]+)`)

func memDisplacement(mem arm64asm.MemImmediate) int64 {
	m := memImmPattern.FindStringSubmatch(mem.String())
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
