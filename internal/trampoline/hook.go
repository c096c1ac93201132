package trampoline

import (
	"fmt"
	"sync"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/arm64asm"
	"github.com/sc2ad/scotland2/internal/platform"
)

// instructionsDisplaced is fixed at four, matching spec.md §4.5's
// "relocated copies of up to four displaced instructions": every
// install relocates exactly this many instructions' worth of prologue,
// never fewer, regardless of what those instructions decode to.
const instructionsDisplaced = 4
const displacedBytes = instructionsDisplaced * instructionSize

// WriteHookFixups copies and relocates the first four instructions at
// target into the trampoline, per spec.md §4.5. Each relocatable
// instruction (ADR/ADRP/B/BL/B.cond/CBZ/CBNZ/TBZ/TBNZ/LDR-literal) is
// re-encoded so its effective address is unchanged; everything else is
// copied byte-for-byte.
func (t *Trampoline) WriteHookFixups(target uintptr) error {
	if t.done {
		return fmt.Errorf("scotland2/trampoline: write to finished trampoline")
	}
	for i := 0; i < instructionsDisplaced; i++ {
		oldSite := uint64(target) + uint64(i*instructionSize)
		newSite := uint64(platformAddr(t.region)) + uint64(t.cursor)
		word := readWord(oldSite)

		relocated, err := arm64asm.RelocateInstruction(oldSite, newSite, word)
		if err != nil {
			return fmt.Errorf("scotland2/trampoline: relocate instruction %d at %#x: %w", i, oldSite, err)
		}
		arm64asm.PutUint32LE(t.region[t.cursor:], relocated)
		t.cursor += instructionSize
	}
	return nil
}

// WriteCallback emits a jump from the trampoline's current write cursor
// to addr: a direct B when in branch range, otherwise the absolute
// LDR/BR/literal form.
func (t *Trampoline) WriteCallback(addr uintptr) error {
	if t.done {
		return fmt.Errorf("scotland2/trampoline: write to finished trampoline")
	}
	site := uint64(platformAddr(t.region)) + uint64(t.cursor)
	if word, err := arm64asm.EncodeB(site, uint64(addr)); err == nil {
		arm64asm.PutUint32LE(t.region[t.cursor:], word)
		t.cursor += instructionSize
		return nil
	}
	return t.WriteLDRBRData(addr)
}

// WriteLDRBRData always emits the absolute LDR/BR/literal form,
// regardless of whether a direct branch would have reached, per
// spec.md §4.5's "used when fixup range must not be assumed."
func (t *Trampoline) WriteLDRBRData(addr uintptr) error {
	if t.done {
		return fmt.Errorf("scotland2/trampoline: write to finished trampoline")
	}
	const scratchReg = 17 // X17/IP1, an intra-procedure-call scratch register safe to clobber here
	words := arm64asm.EncodeLDRBRSequence(arm64asm.Xn(scratchReg), uint64(addr))
	if t.cursor+len(words)*instructionSize > len(t.region) {
		return fmt.Errorf("scotland2/trampoline: slot too small for LDR/BR sequence")
	}
	for _, w := range words {
		arm64asm.PutUint32LE(t.region[t.cursor:], w)
		t.cursor += instructionSize
	}
	return nil
}

// Finish marks the trampoline's region executable and flushes the
// instruction cache over the bytes written. Per spec.md §4.5's
// invariant, this must happen before the hook site itself is
// overwritten.
func (t *Trampoline) Finish() error {
	if t.done {
		return nil
	}
	if err := platform.MakeExecutable(t.region); err != nil {
		return fmt.Errorf("scotland2/trampoline: finish: %w", err)
	}
	if err := platform.FlushInstructionCache(t.region); err != nil {
		return fmt.Errorf("scotland2/trampoline: finish: %w", err)
	}
	t.done = true
	return nil
}

// Handle is the reversible record of one installed hook, per spec.md
// §4.5 step 6: {target, trampoline, saved_instructions}.
type Handle struct {
	mu          sync.Mutex
	target      uintptr
	trampoline  *Trampoline
	saved       [displacedBytes]byte
	installed   bool
	uninstalled bool
}

// Target returns the hooked site's address.
func (h *Handle) Target() uintptr { return h.target }

// TrampolineAddress returns the address mods call to invoke the
// original, pre-hook behavior of Target.
func (h *Handle) TrampolineAddress() uintptr { return h.trampoline.Address() }

// InstallHook installs an inline hook at target, redirecting it to
// replacement, and returns a Handle that can later Uninstall it. It
// implements the six-step protocol of spec.md §4.5 exactly.
func InstallHook(pool *Pool, target, replacement uintptr) (*Handle, error) {
	trampoline, err := pool.Alloc(target, pool.SlotInstructions())
	if err != nil {
		pool.log.Fatal("install hook at %#x: %v", target, err)
		return nil, err
	}

	if err := trampoline.WriteHookFixups(target); err != nil {
		return nil, err
	}
	if err := trampoline.WriteCallback(target + displacedBytes); err != nil {
		return nil, err
	}
	if err := trampoline.Finish(); err != nil {
		return nil, err
	}

	if err := platform.MakeWritable(target, displacedBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrStagingFailed, err)
	}

	h := &Handle{target: target, trampoline: trampoline}
	copy(h.saved[:], readBytes(uint64(target), displacedBytes))

	branchWord, err := arm64asm.EncodeB(uint64(target), uint64(replacement))
	if err != nil {
		// Out of direct-branch range: overwrite with the absolute form
		// instead, consuming all four displaced-instruction slots.
		words := arm64asm.EncodeLDRBRSequence(arm64asm.Xn(17), uint64(replacement))
		if len(words)*instructionSize > displacedBytes {
			return nil, fmt.Errorf("%w: absolute hook sequence does not fit in %d displaced bytes", api.ErrHookSiteNotFound, displacedBytes)
		}
		writeWords(uint64(target), words[:])
	} else {
		writeWords(uint64(target), []uint32{branchWord})
	}
	if err := platform.FlushInstructionCache(readRegion(target, displacedBytes)); err != nil {
		return nil, err
	}

	h.installed = true
	return h, nil
}

// Uninstall reverses a previously installed hook: restores the saved
// prologue bytes over Target and cache-flushes. Safe to call at most
// once; a second call is a no-op returning api.ErrAlreadyInstalled is
// not applicable here (that error guards re-install), so a repeat
// Uninstall simply returns nil.
func (h *Handle) Uninstall() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.uninstalled {
		return nil
	}
	if err := platform.MakeWritable(h.target, displacedBytes); err != nil {
		return fmt.Errorf("%w: %v", api.ErrStagingFailed, err)
	}
	writeBytes(uint64(h.target), h.saved[:])
	if err := platform.FlushInstructionCache(readRegion(h.target, displacedBytes)); err != nil {
		return err
	}
	h.uninstalled = true
	return nil
}
