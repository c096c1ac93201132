// Package platform wraps the raw Linux/Android syscalls the engine
// needs: executable-memory allocation for trampolines, page-level
// mprotect around hook sites, instruction-cache flushing, and
// /proc/self/maps parsing. It is the Go analogue of the teacher's own
// internal/platform package (MmapCodeSegment/MunmapCodeSegment), adapted
// from "map pages to hold JIT-compiled WebAssembly" to "map pages to
// hold a relocated function prologue plus a jump back."
package platform

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// AllocateExecutable mmaps a zeroed, anonymous, read+write region of at
// least size bytes rounded up to a page boundary. The region starts out
// writable-but-not-executable; call MakeExecutable once its contents are
// finalized, matching the hook installer's "trampoline is finalized,
// cache-flushed before any instruction at the target is overwritten"
// invariant (spec.md §4.5).
func AllocateExecutable(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("scotland2/platform: invalid allocation size %d", size)
	}
	rounded := roundUpPage(size)
	data, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("scotland2/platform: mmap %d bytes: %w", rounded, err)
	}
	return data, nil
}

// AllocateExecutableNear mmaps a zeroed, anonymous, read+write region of
// at least size bytes as close to hint as the kernel will place it
// without clobbering an existing mapping, searching outward in
// page-sized steps until either a free address is found or maxDistance
// is exceeded in both directions. It is the trampoline pool's primitive
// for spec.md §4.5's "within ±128MiB of the hook site" allocation
// constraint: MAP_FIXED_NOREPLACE lets the kernel tell us a candidate
// page is already spoken for (EEXIST) instead of silently mapping
// somewhere unrelated.
func AllocateExecutableNear(hint uintptr, size int, maxDistance uintptr) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("scotland2/platform: invalid allocation size %d", size)
	}
	rounded := roundUpPage(size)
	base := hint &^ (pageSize - 1)

	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE

	tried := map[uintptr]bool{}
	for step := uintptr(0); step <= maxDistance; step += pageSize {
		for _, candidate := range []uintptr{base + step, base - step} {
			if tried[candidate] {
				continue
			}
			tried[candidate] = true

			addr, _, errno := unix.Syscall6(unix.SYS_MMAP, candidate, uintptr(rounded),
				uintptr(prot), uintptr(flags), ^uintptr(0), 0)
			if errno == 0 {
				return unsafeBytes(addr, rounded), nil
			}
		}
	}
	return nil, fmt.Errorf("scotland2/platform: no free page found within %#x of %#x", maxDistance, hint)
}

// FreeExecutable unmaps a region previously returned by
// AllocateExecutable. Per spec.md §9 the trampoline pool itself never
// frees individual allocations at runtime; this exists for the pool's
// own teardown path and for tests.
func FreeExecutable(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	return unix.Munmap(region)
}

// MakeExecutable mprotects region to PROT_READ|PROT_EXEC. Callers must
// have finished writing instruction bytes into it first.
func MakeExecutable(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("scotland2/platform: mprotect exec: %w", err)
	}
	return nil
}

// MakeWritable mprotects the page(s) containing addr..addr+size to
// PROT_READ|PROT_WRITE|PROT_EXEC so a hook site's prologue can be
// overwritten in place. Per spec.md §5/§9, the page is intentionally
// left RWX afterward; the design does not assume a strict round-trip
// back to R-X.
func MakeWritable(addr uintptr, size int) error {
	pageAddr := addr &^ (pageSize - 1)
	span := int(addr-pageAddr) + size
	pages := roundUpPage(span)

	region := unsafeBytes(pageAddr, pages)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("scotland2/platform: mprotect rwx at 0x%x: %w", pageAddr, err)
	}
	return nil
}

func roundUpPage(n int) int {
	if n%pageSize == 0 {
		return n
	}
	return (n/pageSize + 1) * pageSize
}

// MapRegion describes one line of /proc/self/maps.
type MapRegion struct {
	Start, End uintptr
	Perms      string // e.g. "r-xp"
	Path       string // may be empty (anonymous mapping)
}

// Readable, Writable, Executable report the corresponding permission
// bit from Perms.
func (m MapRegion) Readable() bool   { return len(m.Perms) > 0 && m.Perms[0] == 'r' }
func (m MapRegion) Writable() bool   { return len(m.Perms) > 1 && m.Perms[1] == 'w' }
func (m MapRegion) Executable() bool { return len(m.Perms) > 2 && m.Perms[2] == 'x' }

// ReadSelfMaps parses /proc/self/maps into a slice of MapRegion, in file
// order. Malformed lines are skipped (logged by the caller if it cares);
// this never returns a partial-line parse error, matching the original's
// tolerant line-by-line scan in include/protect.hpp.
func ReadSelfMaps() ([]MapRegion, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("scotland2/platform: open /proc/self/maps: %w", err)
	}
	defer f.Close()

	var regions []MapRegion
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r, ok := parseMapsLine(scanner.Text())
		if ok {
			regions = append(regions, r)
		}
	}
	return regions, scanner.Err()
}

func parseMapsLine(line string) (MapRegion, bool) {
	// Format: "start-end perms offset dev inode [path]"
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return MapRegion{}, false
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return MapRegion{}, false
	}
	start, err1 := strconv.ParseUint(rng[0], 16, 64)
	end, err2 := strconv.ParseUint(rng[1], 16, 64)
	if err1 != nil || err2 != nil {
		return MapRegion{}, false
	}
	region := MapRegion{Start: uintptr(start), End: uintptr(end), Perms: fields[1]}
	if len(fields) >= 6 {
		region.Path = fields[5]
	}
	return region, true
}

// ModuleForAddress returns the Path of the /proc/self/maps mapping that
// contains addr, used by the phase pipeline's symbol-leakage check
// (spec.md §4.6): a dlsym'd callback must live inside its own mod's
// mapped image, not one an earlier-opened library happened to export
// too.
func ModuleForAddress(addr uintptr) (path string, ok bool) {
	regions, err := ReadSelfMaps()
	if err != nil {
		return "", false
	}
	for _, r := range regions {
		if addr >= r.Start && addr < r.End {
			return r.Path, r.Path != ""
		}
	}
	return "", false
}

// ProtectExecutableOnlyMappings re-protects every mapping that is
// executable, not readable and not writable to PROT_READ|PROT_EXEC. It
// is the direct port of include/protect.hpp's protect(): AcceptUnityHandle
// calls this once, after dlopen'ing libil2cpp, before installing the
// IL2CPP-init hook, to undo whatever execute-only protection the engine
// set up on its own code pages so later disassembly reads succeed.
func ProtectExecutableOnlyMappings() error {
	regions, err := ReadSelfMaps()
	if err != nil {
		return err
	}
	var firstErr error
	for _, r := range regions {
		if r.Executable() && !r.Readable() && !r.Writable() {
			region := unsafeBytes(r.Start, int(r.End-r.Start))
			if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("scotland2/platform: protect 0x%x-0x%x: %w", r.Start, r.End, err)
			}
		}
	}
	return firstErr
}

// FlushInstructionCache flushes the I-cache for a freshly written code
// range so the CPU does not execute stale fetched instructions. On
// arm64 Linux this is exposed via cacheflush-equivalent behavior through
// the runtime's own memory barriers combined with an explicit syscall;
// this implementation issues the membarrier-style approach via
// unix.Syscall to __ARM_NR_cacheflush (a Linux/arm64 convention shared
// with Android's bionic libc).
func FlushInstructionCache(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	start := uintptr(unsafeAddr(region))
	end := start + uintptr(len(region))
	const armNRCacheflush = 0xF0002
	_, _, errno := unix.Syscall(armNRCacheflush, start, end, 0)
	if errno != 0 {
		return fmt.Errorf("scotland2/platform: cacheflush: %w", errno)
	}
	return nil
}
