// Package trampoline is the allocator and inline hook installer of
// spec.md §4.5: it carves small executable regions within branch range
// of a hook site, relocates a displaced prologue into them, and
// installs/uninstalls the branch that redirects the original site.
//
// It is grounded on the teacher's internal/platform executable-memory
// layer (staged as _teacher_ref/platform during this port) generalized
// from "map one big region per compiled wasm.Module" to "grow a pool of
// small, hint-placed regions, each shared by the hooks within branch
// range of it," and on
// include/_config.h / src/trampoline-allocator.hpp's fixed-size-slot
// pool design (_examples/original_source).
package trampoline

import (
	"fmt"
	"sync"

	"github.com/sc2ad/scotland2/api"
	"github.com/sc2ad/scotland2/internal/logging"
	"github.com/sc2ad/scotland2/internal/platform"
)

// MinInstructions is the minimum size, in 4-byte AArch64 instructions,
// of any single allocation, per spec.md §9's Open Question resolution:
// the pool permits growth but no per-allocation free, and every slot is
// at least large enough for a four-instruction relocated prologue plus
// a worst-case LDR/BR/addr jump-back (4 words, 8 in all), rounded up to 16
// for headroom matching the original's typical usage.
const MinInstructions = 16

const instructionSize = 4

// regionBytes is the size of one pool growth chunk: large enough to
// hold many trampolines without mmap'ing a new region per hook.
const regionBytes = 64 * 1024

// maxBranchDistance is ±128MiB, the reach of a single AArch64 B/BL
// instruction's 26-bit word-granular immediate.
const maxBranchDistance = 128 * 1024 * 1024

// Trampoline is one fixed-size slot reserved for a single hook's
// relocated prologue and jump-back. Address is stable for the lifetime
// of the process; the pool never moves or frees individual slots.
type Trampoline struct {
	region []byte // the slot, still writable until Finish
	cursor int    // next unwritten byte offset within region
	done   bool
}

// Address returns the slot's base address.
func (t *Trampoline) Address() uintptr {
	return platformAddr(t.region)
}

// Pool is the process-global trampoline allocator. Per spec.md §9,
// allocation is single-threaded by design (the phase pipeline's single
// writer goroutine); the mutex exists to make that explicit rather than
// to support real concurrent callers.
type Pool struct {
	mu          sync.Mutex
	regions     [][]byte
	cursor      int // byte offset of the next free slot in regions[len-1]
	log         logging.Logger
	minInstrs   int
}

// PoolOption configures a Pool at construction.
type PoolOption func(*Pool)

// WithMinInstructions overrides the pool's default per-slot instruction
// count (floor MinInstructions), letting callers trade pool memory for
// headroom when a host's hook sites need relocating more than the usual
// four-plus-jump-back instructions. Configured via the root package's
// Config/WithTrampolineInstructions option.
func WithMinInstructions(n int) PoolOption {
	return func(p *Pool) {
		if n > MinInstructions {
			p.minInstrs = n
		}
	}
}

// NewPool constructs an empty pool. Call Alloc to reserve trampolines;
// regions are grown lazily on first use and whenever a region fills.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{log: logging.New("trampoline"), minInstrs: MinInstructions}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SlotInstructions returns the minimum instruction count this pool
// reserves per allocation, per-pool override of the package default
// MinInstructions.
func (p *Pool) SlotInstructions() int {
	return p.minInstrs
}

// Alloc reserves a Trampoline of at least instructions 4-byte slots,
// placed within maxBranchDistance of hookSite so a direct branch from
// hookSite can always reach it. instructions is rounded up to the
// pool's configured minimum.
func (p *Pool) Alloc(hookSite uintptr, instructions int) (*Trampoline, error) {
	if instructions < p.minInstrs {
		instructions = p.minInstrs
	}
	size := instructions * instructionSize

	p.mu.Lock()
	defer p.mu.Unlock()

	if region, ok := p.fitInCurrentRegion(hookSite, size); ok {
		return &Trampoline{region: region}, nil
	}

	region, err := p.growRegionNear(hookSite)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrTrampolineExhausted, err)
	}
	if len(region) < size {
		return nil, fmt.Errorf("%w: grown region smaller than requested slot", api.ErrTrampolineExhausted)
	}
	slot := region[:size]
	p.cursor = size
	return &Trampoline{region: slot}, nil
}

// fitInCurrentRegion returns a size-byte slice of the most recently
// grown region if it has room left and still falls within branch range
// of hookSite.
func (p *Pool) fitInCurrentRegion(hookSite uintptr, size int) ([]byte, bool) {
	if len(p.regions) == 0 {
		return nil, false
	}
	last := p.regions[len(p.regions)-1]
	if p.cursor+size > len(last) {
		return nil, false
	}
	candidate := last[p.cursor : p.cursor+size]
	if !withinBranchRange(hookSite, platformAddr(candidate)) {
		return nil, false
	}
	p.cursor += size
	return candidate, true
}

func (p *Pool) growRegionNear(hookSite uintptr) ([]byte, error) {
	region, err := platform.AllocateExecutableNear(hookSite, regionBytes, maxBranchDistance-regionBytes)
	if err != nil {
		return nil, err
	}
	p.regions = append(p.regions, region)
	p.log.Debug("grew trampoline pool: %d bytes at %#x (hook site %#x)", len(region), platformAddr(region), hookSite)
	return region, nil
}

func withinBranchRange(site, candidate uintptr) bool {
	var delta int64
	if candidate >= site {
		delta = int64(candidate - site)
	} else {
		delta = int64(site - candidate)
	}
	return delta < maxBranchDistance
}

func platformAddr(b []byte) uintptr {
	return platform.Addr(b)
}
