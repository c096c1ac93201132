// Package elf parses a 64-bit little-endian ELF shared object directly
// over a memory-mapped byte span, the way the original loader does
// (src/elf-utils.cpp, src/main.cpp's inline getToLoad walk) rather than
// through the standard library's higher-level debug/elf.File, which
// copies section contents and hides the raw offset arithmetic the
// linker-namespace patcher needs later. See SPEC_FULL.md's Domain Stack
// table for why debug/elf is deliberately not used here.
package elf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sc2ad/scotland2/internal/platform"
)

// Fixed ELF64 constants used by the walks below.
const (
	etIdentSize = 16

	shtDynamic = 6
	shtSymtab  = 2
	shtStrtab  = 3

	dtNull   = 0
	dtNeeded = 1
	dtStrtab = 5
)

// File is a memory-mapped ELF64 shared object. Callers must call Close
// when done; reads are never allowed to mutate the underlying bytes.
type File struct {
	data []byte
	raw  []byte // the full mmap'd region, for Close's Munmap
}

// Open memory-maps path read-only and returns a File over it. A failure
// here (open/stat/mmap) is non-fatal to callers per spec.md §4.3/§7: the
// caller still attempts to dlopen the mod and the system linker may yet
// resolve its dependencies.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scotland2/elf: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("scotland2/elf: stat %s: %w", path, err)
	}
	size := st.Size()
	if size < int64(etIdentSize) {
		return nil, fmt.Errorf("scotland2/elf: %s too small to be ELF", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("scotland2/elf: mmap %s: %w", path, err)
	}
	return &File{data: data, raw: data}, nil
}

// Close unmaps the file. A second call is a no-op that returns nil; an
// munmap error from the first call is returned for the caller to log,
// per spec.md §7's "uninstall error: logged, process continues" pattern
// applied to resource cleanup in general.
func (f *File) Close() error {
	if f.raw == nil {
		return nil
	}
	err := unix.Munmap(f.raw)
	f.raw = nil
	f.data = nil
	return err
}

type ehdr struct {
	shoff     uint64
	shentsize uint16
	shnum     uint16
}

func (f *File) readEhdr() (ehdr, error) {
	if len(f.data) < 64 {
		return ehdr{}, errors.New("scotland2/elf: truncated ELF header")
	}
	// e_shoff at offset 0x28, e_shentsize at 0x3A, e_shnum at 0x3C in a
	// 64-bit ELF header.
	return ehdr{
		shoff:     binary.LittleEndian.Uint64(f.data[0x28:0x30]),
		shentsize: binary.LittleEndian.Uint16(f.data[0x3A:0x3C]),
		shnum:     binary.LittleEndian.Uint16(f.data[0x3C:0x3E]),
	}, nil
}

type shdr struct {
	typ     uint32
	link    uint32
	offset  uint64
	size    uint64
	entsize uint64
}

func (f *File) readShdr(idx int, eh ehdr) (shdr, error) {
	off := int(eh.shoff) + idx*int(eh.shentsize)
	if off+64 > len(f.data) {
		return shdr{}, errors.New("scotland2/elf: section header out of range")
	}
	b := f.data[off:]
	return shdr{
		typ:     binary.LittleEndian.Uint32(b[4:8]),
		link:    binary.LittleEndian.Uint32(b[40:44]),
		offset:  binary.LittleEndian.Uint64(b[24:32]),
		size:    binary.LittleEndian.Uint64(b[32:40]),
		entsize: binary.LittleEndian.Uint64(b[56:64]),
	}, nil
}

func (f *File) cstringAt(offset uint64) (string, bool) {
	if offset >= uint64(len(f.data)) {
		return "", false
	}
	end := offset
	for end < uint64(len(f.data)) && f.data[end] != 0 {
		end++
	}
	if end >= uint64(len(f.data)) {
		return "", false
	}
	return string(f.data[offset:end]), true
}

// NeededDependencies walks the SHT_DYNAMIC section, following its
// DT_STRTAB entry for the associated string table, and returns the
// DT_NEEDED names in ELF order. It stops at the first DT_NULL tag, per
// spec.md §4.2 and the corrected (non-buggy) walk spec.md §9 calls out:
// the loop bound is sh_size/sh_entsize, not sh_entsize/sh_shnum.
//
// A missing DT_STRTAB, a zero-length dynamic section, or any malformed
// section table yields an empty list rather than an error — this is the
// tolerant behavior spec.md §4.3's edge cases require.
func (f *File) NeededDependencies() []string {
	eh, err := f.readEhdr()
	if err != nil {
		return nil
	}

	for i := 0; i < int(eh.shnum); i++ {
		sh, err := f.readShdr(i, eh)
		if err != nil || sh.typ != shtDynamic || sh.entsize == 0 {
			continue
		}

		strtabOff, neededOffsets, ok := f.walkDynamic(sh)
		if !ok {
			return nil
		}

		names := make([]string, 0, len(neededOffsets))
		for _, rel := range neededOffsets {
			if name, ok := f.cstringAt(strtabOff + rel); ok {
				names = append(names, name)
			}
		}
		return names
	}
	return nil
}

// walkDynamic scans one SHT_DYNAMIC section for its DT_STRTAB value and
// every DT_NEEDED entry's string-table-relative offset, stopping at the
// first DT_NULL. ok is false only if DT_STRTAB was never found.
func (f *File) walkDynamic(sh shdr) (strtabOff uint64, neededRel []uint64, ok bool) {
	count := int(sh.size / sh.entsize)
	haveStrtab := false
	for i := 0; i < count; i++ {
		off := sh.offset + uint64(i)*sh.entsize
		if off+16 > uint64(len(f.data)) {
			break
		}
		tag := int64(binary.LittleEndian.Uint64(f.data[off : off+8]))
		val := binary.LittleEndian.Uint64(f.data[off+8 : off+16])

		if tag == dtNull {
			break
		}
		switch tag {
		case dtStrtab:
			strtabOff = val
			haveStrtab = true
		case dtNeeded:
			neededRel = append(neededRel, val)
		}
	}
	if !haveStrtab {
		return 0, nil, false
	}
	return strtabOff, neededRel, true
}

// SymbolAddress walks SHT_SYMTAB, resolving names via its associated
// (sh_link) string table, and returns the st_value of the first symbol
// named symbolName. It returns found=false if no such symbol exists or
// the section table is malformed.
func (f *File) SymbolAddress(symbolName string) (addr uint64, found bool) {
	eh, err := f.readEhdr()
	if err != nil {
		return 0, false
	}

	for i := 0; i < int(eh.shnum); i++ {
		sh, err := f.readShdr(i, eh)
		if err != nil || sh.typ != shtSymtab || sh.entsize == 0 {
			continue
		}
		strSh, err := f.readShdr(int(sh.link), eh)
		if err != nil {
			continue
		}

		count := int(sh.size / sh.entsize)
		for j := 0; j < count; j++ {
			off := sh.offset + uint64(j)*sh.entsize
			if off+24 > uint64(len(f.data)) {
				break
			}
			nameOff := binary.LittleEndian.Uint32(f.data[off : off+4])
			value := binary.LittleEndian.Uint64(f.data[off+8 : off+16])

			name, ok := f.cstringAt(strSh.offset + uint64(nameOff))
			if ok && name == symbolName {
				return value, true
			}
		}
	}
	return 0, false
}

// BaseAddress iterates the process's loaded-library table, returning the
// load bias of the first mapping whose path contains sonameSubstring. It
// returns found=false if no such mapping exists. This mirrors
// dl_iterate_phdr on glibc/bionic by reading /proc/self/maps directly,
// which avoids a cgo dependency (see DESIGN.md, internal/platform).
func BaseAddress(sonameSubstring string) (addr uint64, found bool) {
	regions, err := platform.ReadSelfMaps()
	if err != nil {
		return 0, false
	}
	for _, r := range regions {
		if r.Path != "" && strings.Contains(r.Path, sonameSubstring) {
			return r.Start, true
		}
	}
	return 0, false
}
