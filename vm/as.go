// Package vm implements the per-process address space: page table
// construction from an ELF32 binary, and the readVM/writeVM/readVMString
// transfer primitives used by the syscall dispatcher. The paging kernel
// builds on the same TranslationEntry table but leaves every entry invalid
// until the fault handler in package paging fills it in.
package vm

import (
	"fmt"
	"sync"

	"nachos/defs"
	"nachos/elf32"
	"nachos/mem"
	"nachos/util"
)

/// StackPages is the fixed number of pages reserved for the user stack,
/// immediately below the argv page.
const StackPages = 8

/// TranslationEntry is one row of a process's page table.
type TranslationEntry struct {
	Ppn      mem.Pa
	Valid    bool
	ReadOnly bool
	Used     bool
	Dirty    bool
}

/// AddrSpace is a process's private virtual address space: a dense page
/// table indexed by vpn, plus the bookkeeping load() produces.
type AddrSpace struct {
	mu sync.Mutex

	Pid defs.Pid_t
	Elf *elf32.Reader

	pages []TranslationEntry

	mm    *mem.Memory
	alloc *mem.Allocator

	Argc      int
	Argv      uint32
	InitialPC uint32
	InitialSP uint32
}

var (
	ErrFragmented    = fmt.Errorf("vm: loadable sections not contiguous from vpn 0")
	ErrArgsTooLong   = fmt.Errorf("vm: argv exceeds one page")
	ErrOutOfMemory   = fmt.Errorf("vm: insufficient physical frames")
	ErrNotTerminated = fmt.Errorf("vm: string not NUL-terminated within window")
)

/// Load parses the ELF binary named by filename and eagerly reserves and
/// populates every frame the image needs: the non-paging kernel's
/// allocation strategy. The paging kernel instead builds an AddrSpace with
/// NewLazy and lets package paging fill pages in on fault.
func Load(pid defs.Pid_t, alloc *mem.Allocator, mm *mem.Memory, filename string, argv []string) (*AddrSpace, error) {
	r, err := elf32.Open(filename)
	if err != nil {
		return nil, err
	}

	running := 0
	for _, s := range r.Sections {
		if !s.Loadable() {
			continue
		}
		if s.FirstVPN != running {
			r.Close()
			return nil, ErrFragmented
		}
		running += s.NumPages
	}
	numPages := running + StackPages + 1

	argvBytes := 0
	for _, a := range argv {
		argvBytes += 4 + len(a) + 1
	}
	if argvBytes > mem.PageSize {
		r.Close()
		return nil, ErrArgsTooLong
	}

	frames, ok := alloc.Allocate(pid, numPages)
	if !ok {
		r.Close()
		return nil, ErrOutOfMemory
	}

	as := &AddrSpace{
		Pid:   pid,
		Elf:   r,
		pages: make([]TranslationEntry, numPages),
		mm:    mm,
		alloc: alloc,
	}

	for _, s := range r.Sections {
		if !s.Loadable() {
			continue
		}
		for spn := 0; spn < s.NumPages; spn++ {
			vpn := s.FirstVPN + spn
			ppn := frames[vpn]
			if err := s.LoadPage(spn, mm.Frame(ppn)); err != nil {
				alloc.FreeAll(pid)
				r.Close()
				return nil, err
			}
			as.pages[vpn] = TranslationEntry{Ppn: ppn, Valid: true, ReadOnly: s.ReadOnly()}
		}
	}

	// Stack pages and the argv page are anonymous: zero-filled, writable.
	for vpn := running; vpn < numPages; vpn++ {
		ppn := frames[vpn]
		fr := mm.Frame(ppn)
		clear(fr)
		as.pages[vpn] = TranslationEntry{Ppn: ppn, Valid: true}
	}

	argvVPN := numPages - 1
	argvVaddr := uint32(argvVPN * mem.PageSize)
	argvFrame := mm.Frame(as.pages[argvVPN].Ppn)
	dataOff := 4 * len(argv)
	for i, a := range argv {
		ptr := argvVaddr + uint32(dataOff)
		util.Writen(argvFrame, 4, i*4, int(ptr))
		copy(argvFrame[dataOff:], a)
		argvFrame[dataOff+len(a)] = 0
		dataOff += len(a) + 1
	}

	as.Argc = len(argv)
	as.Argv = argvVaddr
	as.InitialPC = r.Entry
	as.InitialSP = uint32(numPages * mem.PageSize)

	return as, nil
}

/// NewLazy builds an AddrSpace whose pages start out entirely invalid,
/// sized the same way Load would size it, but allocates no frames. Used by
/// the paging kernel, which fills entries in on demand via SetTranslation
/// from its page-fault handler.
func NewLazy(pid defs.Pid_t, alloc *mem.Allocator, mm *mem.Memory, filename string, argv []string) (*AddrSpace, error) {
	r, err := elf32.Open(filename)
	if err != nil {
		return nil, err
	}

	running := 0
	for _, s := range r.Sections {
		if !s.Loadable() {
			continue
		}
		if s.FirstVPN != running {
			r.Close()
			return nil, ErrFragmented
		}
		running += s.NumPages
	}
	numPages := running + StackPages + 1

	argvBytes := 0
	for _, a := range argv {
		argvBytes += 4 + len(a) + 1
	}
	if argvBytes > mem.PageSize {
		r.Close()
		return nil, ErrArgsTooLong
	}

	as := &AddrSpace{
		Pid:   pid,
		Elf:   r,
		pages: make([]TranslationEntry, numPages),
		mm:    mm,
		alloc: alloc,
	}
	as.Argc = len(argv)
	as.Argv = uint32((numPages - 1) * mem.PageSize)
	as.InitialPC = r.Entry
	as.InitialSP = uint32(numPages * mem.PageSize)
	return as, nil
}

/// NumPages reports the size of the page table.
func (as *AddrSpace) NumPages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pages)
}

/// Entry returns a copy of the translation entry for vpn, and whether vpn is
/// within range.
func (as *AddrSpace) Entry(vpn int) (TranslationEntry, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if vpn < 0 || vpn >= len(as.pages) {
		return TranslationEntry{}, false
	}
	return as.pages[vpn], true
}

/// SetTranslation installs or updates the translation for vpn. Used by the
/// paging kernel's fault handler and by context-switch resynchronization.
func (as *AddrSpace) SetTranslation(vpn int, te TranslationEntry) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pages[vpn] = te
}

/// Invalidate marks vpn's translation invalid without discarding the rest of
/// its bookkeeping, used when resynchronizing from the inverted page table.
func (as *AddrSpace) Invalidate(vpn int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if vpn >= 0 && vpn < len(as.pages) {
		as.pages[vpn].Valid = false
	}
}

/// ReadVM copies len bytes starting at vaddr in this address space into
/// buf[off:off+len]. Returns the number of bytes actually transferred,
/// which is short of len only when the transfer runs past the end of the
/// page table or reaches an invalid entry; never panics on a bad user
/// address.
func (as *AddrSpace) ReadVM(vaddr uint32, buf []byte, off, n int) int {
	if off < 0 || n < 0 || off+n > len(buf) {
		panic("vm: ReadVM out of bounds")
	}
	return as.transfer(vaddr, buf[off:off+n], false)
}

/// WriteVM copies buf[off:off+len] into this address space starting at
/// vaddr. A page whose entry is readOnly transfers nothing for that page;
/// the caller's trap handler is expected to have fired separately for the
/// user-initiated case.
func (as *AddrSpace) WriteVM(vaddr uint32, buf []byte, off, n int) int {
	if off < 0 || n < 0 || off+n > len(buf) {
		panic("vm: WriteVM out of bounds")
	}
	return as.transfer(vaddr, buf[off:off+n], true)
}

func (as *AddrSpace) transfer(vaddr uint32, buf []byte, write bool) int {
	as.mu.Lock()
	defer as.mu.Unlock()

	done := 0
	for done < len(buf) {
		va := vaddr + uint32(done)
		vpn := int(va) / mem.PageSize
		voff := int(va) % mem.PageSize
		if vpn >= len(as.pages) {
			break
		}
		te := as.pages[vpn]
		if !te.Valid {
			break
		}
		if write && te.ReadOnly {
			break
		}
		frame := as.mm.Frame(te.Ppn)
		n := util.Min(len(buf)-done, mem.PageSize-voff)
		if write {
			copy(frame[voff:voff+n], buf[done:done+n])
			as.pages[vpn].Dirty = true
		} else {
			copy(buf[done:done+n], frame[voff:voff+n])
		}
		as.pages[vpn].Used = true
		done += n
	}
	return done
}

/// ReadVMString reads up to maxLen+1 bytes looking for a NUL terminator and
/// returns the string up to (excluding) the first NUL, or ErrNotTerminated
/// if none is found within the window.
func (as *AddrSpace) ReadVMString(vaddr uint32, maxLen int) (string, error) {
	window := make([]byte, maxLen+1)
	n := as.ReadVM(vaddr, window, 0, len(window))
	for i := 0; i < n; i++ {
		if window[i] == 0 {
			return string(window[:i]), nil
		}
	}
	return "", ErrNotTerminated
}

/// Unload returns all frames owned by this process to the allocator and
/// closes the ELF handle.
func (as *AddrSpace) Unload() {
	as.alloc.FreeAll(as.Pid)
	if as.Elf != nil {
		as.Elf.Close()
	}
}
