// Package elf32 parses little-endian, 32-bit-class ELF executables.
// Only the subset needed to load a statically linked user program is
// implemented: the file header, section headers (with their names
// resolved through the section-header string table), and program
// headers. No relocation or dynamic-linking support exists.
package elf32

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"nachos/mem"
	"nachos/util"
)

/// ErrBadFormat is returned when the input is not a well-formed 32-bit
/// little-endian ELF executable.
var ErrBadFormat = fmt.Errorf("elf32: bad format")

const headerSize = 52

/// SectionType is the closed set of section types this kernel recognizes.
type SectionType uint32

const (
	SHT_NULL     SectionType = 0
	SHT_PROGBITS SectionType = 1
	SHT_SYMTAB   SectionType = 2
	SHT_STRTAB   SectionType = 3
	SHT_RELA     SectionType = 4
	SHT_HASH     SectionType = 5
	SHT_DYNAMIC  SectionType = 6
	SHT_NOTE     SectionType = 7
	SHT_NOBITS   SectionType = 8
	SHT_REL      SectionType = 9
	SHT_SHLIB    SectionType = 10
	SHT_DYNSYM   SectionType = 11
)

/// Section flag bits.
type SectionFlags uint32

const (
	SHF_WRITE     SectionFlags = 1 << 0
	SHF_ALLOC     SectionFlags = 1 << 1
	SHF_EXECINSTR SectionFlags = 1 << 2
)

/// ProgramType identifies a program-header segment type. Only PT_LOAD is
/// consulted by this kernel.
type ProgramType uint32

const PT_LOAD ProgramType = 1

/// Section describes one ELF32 section header, plus the page-derived
/// fields the loader needs.
type Section struct {
	Name      string
	Type      SectionType
	Flags     SectionFlags
	Vaddr     uint32
	Offset    uint32
	Size      uint32
	Align     uint32
	EntSize   uint32
	FirstVPN  int // valid iff Loadable()
	NumPages  int // valid iff Loadable()

	r *Reader
}

/// Loadable reports whether this section occupies virtual memory
/// (SHF_ALLOC set).
func (s *Section) Loadable() bool {
	return s.Flags&SHF_ALLOC != 0
}

/// ReadOnly reports whether user writes through this section's mapping
/// must trap (ALLOC set, WRITE clear).
func (s *Section) ReadOnly() bool {
	return s.Loadable() && s.Flags&SHF_WRITE == 0
}

/// LoadPage copies one PageSize page (spn counts pages from the start of
/// the section) into dst:
///   - SHT_NOBITS: the entire page is zero-filled (.bss).
///   - otherwise: min(PageSize, remainingSectionBytes) bytes are copied
///     from the file at Offset+spn*PageSize; the rest of dst is zeroed.
///
/// A section whose size is an exact multiple of PageSize fills its last
/// page fully: spn ranges over [0, NumPages), and remainingSectionBytes
/// is computed from Size directly, never from a (size % PageSize == 0)
/// short-circuit that would zero the final page.
func (s *Section) LoadPage(spn int, dst []byte) error {
	if len(dst) != mem.PageSize {
		panic("elf32: LoadPage destination must be exactly one page")
	}
	for i := range dst {
		dst[i] = 0
	}
	if s.Type == SHT_NOBITS {
		return nil
	}
	pageStart := spn * mem.PageSize
	if pageStart >= int(s.Size) {
		return nil
	}
	remaining := int(s.Size) - pageStart
	n := remaining
	if n > mem.PageSize {
		n = mem.PageSize
	}
	fileOff := int(s.Offset) + pageStart
	if fileOff+n > len(s.r.data) {
		return fmt.Errorf("elf32: section %q page %d reads past end of file", s.Name, spn)
	}
	copy(dst[:n], s.r.data[fileOff:fileOff+n])
	return nil
}

/// ProgramHeader is one ELF32 program header entry.
type ProgramHeader struct {
	Type   ProgramType
	Offset uint32
	Vaddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

/// Reader parses an ELF32 file, keeping it memory-mapped for the lifetime
/// of the handle so LoadPage never re-opens the file.
type Reader struct {
	f    *os.File
	mm   mmap.MMap
	data []byte

	Entry    uint32
	Sections []*Section
	Programs []*ProgramHeader
}

/// Open parses filename as an ELF32 executable. The returned Reader keeps
/// the file open (memory-mapped) until Close is called.
func Open(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	r := &Reader{f: f, mm: mm, data: []byte(mm)}
	if err := r.parse(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

/// Close unmaps and closes the underlying file.
func (r *Reader) Close() error {
	var err error
	if r.mm != nil {
		err = r.mm.Unmap()
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Reader) parse() error {
	d := r.data
	if len(d) < headerSize {
		return ErrBadFormat
	}
	if d[0] != 0x7F || d[1] != 'E' || d[2] != 'L' || d[3] != 'F' {
		return ErrBadFormat
	}
	const ELFCLASS32 = 1
	const ELFDATA2LSB = 1
	if d[4] != ELFCLASS32 {
		return ErrBadFormat
	}
	if d[5] != ELFDATA2LSB {
		return ErrBadFormat
	}
	// e_ehsize, e_phentsize, e_phnum, e_shentsize, e_shnum, e_shstrndx are
	// Elf32_Half (2 bytes); half-words zero-extend to 32-bit.
	ehsize := uint32(util.Readn(d, 2, 40))
	if ehsize < headerSize {
		return ErrBadFormat
	}

	r.Entry = util.Readn32(d, 24)
	phoff := util.Readn32(d, 28)
	shoff := util.Readn32(d, 32)
	phentsize := uint32(util.Readn(d, 2, 42))
	phnum := uint32(util.Readn(d, 2, 44))
	shentsize := uint32(util.Readn(d, 2, 46))
	shnum := uint32(util.Readn(d, 2, 48))
	shstrndx := uint32(util.Readn(d, 2, 50))

	if shnum > 0 {
		if int(shstrndx) >= int(shnum) {
			return ErrBadFormat
		}
		strtabOff := shoff + shstrndx*shentsize
		strtabFileOff := util.Readn32(d, int(strtabOff)+16)

		for i := uint32(1); i < shnum; i++ { // skip index 0, the reserved NULL section
			base := int(shoff + i*shentsize)
			if base+int(shentsize) > len(d) {
				return ErrBadFormat
			}
			nameOff := util.Readn32(d, base+0)
			sec := &Section{
				r:       r,
				Name:    cstr(d, int(strtabFileOff+nameOff)),
				Type:    SectionType(util.Readn32(d, base+4)),
				Flags:   SectionFlags(util.Readn32(d, base+8)),
				Vaddr:   util.Readn32(d, base+12),
				Offset:  util.Readn32(d, base+16),
				Size:    util.Readn32(d, base+20),
				Align:   util.Readn32(d, base+32),
				EntSize: util.Readn32(d, base+36),
			}
			if sec.Loadable() {
				sec.FirstVPN = int(sec.Vaddr) / mem.PageSize
				sec.NumPages = (int(sec.Size) + mem.PageSize - 1) / mem.PageSize
			}
			r.Sections = append(r.Sections, sec)
		}
	}

	for i := uint32(0); i < phnum; i++ {
		base := int(phoff + i*phentsize)
		if base+int(phentsize) > len(d) {
			return ErrBadFormat
		}
		r.Programs = append(r.Programs, &ProgramHeader{
			Type:   ProgramType(util.Readn32(d, base+0)),
			Offset: util.Readn32(d, base+4),
			Vaddr:  util.Readn32(d, base+8),
			Filesz: util.Readn32(d, base+16),
			Memsz:  util.Readn32(d, base+20),
			Flags:  util.Readn32(d, base+24),
			Align:  util.Readn32(d, base+28),
		})
	}
	return nil
}

/// ProgramEntryForType returns the first program header of the given type.
/// vm.Load sizes the image from the section table and does not consult
/// program headers.
func (r *Reader) ProgramEntryForType(pt ProgramType) (*ProgramHeader, bool) {
	for _, p := range r.Programs {
		if p.Type == pt {
			return p, true
		}
	}
	return nil, false
}

/// SectionForVPN returns the loadable section containing virtual page
/// vpn, used by the demand-paging fault handler to lazily load executable
/// pages.
func (r *Reader) SectionForVPN(vpn int) (*Section, bool) {
	for _, s := range r.Sections {
		if !s.Loadable() {
			continue
		}
		if vpn >= s.FirstVPN && vpn < s.FirstVPN+s.NumPages {
			return s, true
		}
	}
	return nil, false
}

func cstr(d []byte, off int) string {
	if off < 0 || off >= len(d) {
		return ""
	}
	end := off
	for end < len(d) && d[end] != 0 {
		end++
	}
	return string(d[off:end])
}
