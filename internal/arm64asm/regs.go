package arm64asm

import "golang.org/x/arch/arm64/arm64asm"

// Xn returns the 64-bit general-purpose register constant for n (0-30).
// Exported for the trampoline/hook installer, which picks a scratch
// register (X17) by number rather than importing the decoder's constant
// table directly.
func Xn(n int) arm64asm.Reg {
	return arm64asm.X0 + arm64asm.Reg(n)
}
