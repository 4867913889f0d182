// Package paging implements the demand-paging kernel extension: the
// inverted page table, the swap-slot table, the pin set, and the
// page-fault/eviction logic that replaces eager frame allocation. It
// builds directly on vm.AddrSpace, the same dense TranslationEntry table
// the basic kernel uses, except every entry starts invalid and is filled
// in lazily by Fault.
package paging

import (
	"math/rand"
	"sync"
	"time"

	"nachos/defs"
	"nachos/elf32"
	"nachos/hostfs"
	"nachos/mem"
	"nachos/vm"
)

/// Key identifies one resident or swapped-out page by owning process and
/// virtual page number.
type Key struct {
	Pid defs.Pid_t
	Vpn int
}

/// InvertedTable maps (pid, vpn) to its TranslationEntry and, in the other
/// direction, each physical frame back to the (pid, vpn) it backs; the
/// second direction is what the eviction scanner walks.
type InvertedTable struct {
	mu         sync.Mutex
	byKey      map[Key]vm.TranslationEntry
	byFrame    []Key
	frameValid []bool
}

/// NewInvertedTable returns an empty table sized for numFrames physical
/// frames.
func NewInvertedTable(numFrames int) *InvertedTable {
	return &InvertedTable{
		byKey:      make(map[Key]vm.TranslationEntry),
		byFrame:    make([]Key, numFrames),
		frameValid: make([]bool, numFrames),
	}
}

/// Set installs or updates the resident mapping for key, keyed both by
/// (pid,vpn) and by the frame it now occupies.
func (t *InvertedTable) Set(key Key, te vm.TranslationEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[key] = te
	t.byFrame[te.Ppn] = key
	t.frameValid[te.Ppn] = true
}

/// Lookup returns the resident translation for key, if any.
func (t *InvertedTable) Lookup(key Key) (vm.TranslationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	te, ok := t.byKey[key]
	return te, ok
}

/// LookupByFrame returns the (pid,vpn) key currently occupying ppn, used by
/// the eviction scanner.
func (t *InvertedTable) LookupByFrame(ppn mem.Pa) (Key, vm.TranslationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ppn) >= len(t.frameValid) || !t.frameValid[ppn] {
		return Key{}, vm.TranslationEntry{}, false
	}
	key := t.byFrame[ppn]
	return key, t.byKey[key], true
}

/// Invalidate removes whatever (pid,vpn) mapping currently occupies ppn.
func (t *InvertedTable) Invalidate(ppn mem.Pa) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ppn) >= len(t.frameValid) || !t.frameValid[ppn] {
		return
	}
	key := t.byFrame[ppn]
	delete(t.byKey, key)
	t.frameValid[ppn] = false
}

/// SwapSlotTable is the free-list-of-indices binding (pid,vpn) pairs to
/// slots of the backing swap file, the same free-list idiom mem.Allocator
/// uses for frames.
type SwapSlotTable struct {
	mu        sync.Mutex
	free      []int
	bound     map[Key]int
	slotOwner map[int]Key
}

/// NewSwapSlotTable returns a table with numSlots free slots.
func NewSwapSlotTable(numSlots int) *SwapSlotTable {
	free := make([]int, numSlots)
	for i := range free {
		free[i] = numSlots - 1 - i
	}
	return &SwapSlotTable{
		free:      free,
		bound:     make(map[Key]int),
		slotOwner: make(map[int]Key),
	}
}

/// Lookup reports the slot currently holding key's contents, if any.
func (s *SwapSlotTable) Lookup(key Key) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.bound[key]
	return slot, ok
}

/// Allocate binds a free slot to key, or ok=false if the swap file is full.
func (s *SwapSlotTable) Allocate(key Key) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return 0, false
	}
	slot := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.bound[key] = slot
	s.slotOwner[slot] = key
	return slot, true
}

/// Free returns slot to the free pool; slots are reused after swap-in.
func (s *SwapSlotTable) Free(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.slotOwner[slot]
	if !ok {
		return
	}
	delete(s.bound, key)
	delete(s.slotOwner, slot)
	s.free = append(s.free, slot)
}

/// FreeAll releases every slot bound to pid, used during process teardown.
func (s *SwapSlotTable) FreeAll(pid defs.Pid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, slot := range s.bound {
		if key.Pid == pid {
			delete(s.bound, key)
			delete(s.slotOwner, slot)
			s.free = append(s.free, slot)
		}
	}
}

/// PinSet is a reference-counted multiset of frames a kernel-driven memory
/// transfer is currently touching; pinned frames are excluded from
/// eviction.
type PinSet struct {
	mu   sync.Mutex
	refs map[mem.Pa]int
}

/// NewPinSet returns an empty pin set.
func NewPinSet() *PinSet {
	return &PinSet{refs: make(map[mem.Pa]int)}
}

/// Pin increments ppn's pin count.
func (p *PinSet) Pin(ppn mem.Pa) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[ppn]++
}

/// Unpin decrements ppn's pin count, removing it once it reaches zero.
func (p *PinSet) Unpin(ppn mem.Pa) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[ppn] <= 1 {
		delete(p.refs, ppn)
		return
	}
	p.refs[ppn]--
}

/// Pinned reports whether ppn currently participates in any in-flight
/// transfer.
func (p *PinSet) Pinned(ppn mem.Pa) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[ppn] > 0
}

/// Kernel is the demand-paging extension over a shared frame allocator,
/// physical memory, and swap file. One Kernel serves every process in
/// the machine; per-process state is the AddrSpace each process already
/// owns (registered via RegisterProcess).
type Kernel struct {
	Alloc *mem.Allocator
	Mem   *mem.Memory
	Swap  *hostfs.SwapFile
	Inv   *InvertedTable
	Pins  *PinSet
	Slots *SwapSlotTable

	mu    sync.Mutex
	spaces map[defs.Pid_t]*vm.AddrSpace

	handMu sync.Mutex
	hand   int
}

/// NewKernel builds a paging kernel over the given frame allocator, memory,
/// and swap file. The clock hand starts at a randomized offset and then
/// rotates monotonically across Fault calls, the classic clock/second-chance
/// policy.
func NewKernel(alloc *mem.Allocator, mm *mem.Memory, swap *hostfs.SwapFile, numSwapSlots int) *Kernel {
	n := mm.NumFrames()
	start := 0
	if n > 0 {
		start = rand.New(rand.NewSource(time.Now().UnixNano())).Intn(n)
	}
	return &Kernel{
		Alloc:  alloc,
		Mem:    mm,
		Swap:   swap,
		Inv:    NewInvertedTable(n),
		Pins:   NewPinSet(),
		Slots:  NewSwapSlotTable(numSwapSlots),
		spaces: make(map[defs.Pid_t]*vm.AddrSpace),
		hand:   start,
	}
}

/// RegisterProcess associates pid's lazily-built AddrSpace with this
/// kernel; as.Elf (opened by vm.NewLazy) supplies the section table Fault
/// consults to lazily load executable/data pages.
func (k *Kernel) RegisterProcess(pid defs.Pid_t, as *vm.AddrSpace) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.spaces[pid] = as
}

/// UnregisterProcess releases every frame and swap slot pid owns and drops
/// its AddrSpace from this kernel, mirroring vm.AddrSpace.Unload's role in
/// the basic kernel.
func (k *Kernel) UnregisterProcess(pid defs.Pid_t) {
	owners := k.Alloc.Snapshot()
	for ppn, owner := range owners {
		if owner == pid {
			k.Inv.Invalidate(mem.Pa(ppn))
		}
	}
	k.Alloc.FreeAll(pid)
	k.Slots.FreeAll(pid)
	k.mu.Lock()
	delete(k.spaces, pid)
	k.mu.Unlock()
}

func (k *Kernel) addrSpace(pid defs.Pid_t) *vm.AddrSpace {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.spaces[pid]
}

/// Fault is the page-fault handler: if vpn is out of range the caller
/// must terminate the process (signaled by EFAULT); otherwise the page is
/// swapped in if a slot holds it, or newly allocated, loaded from the
/// ELF section it belongs to if one covers it, zero-filled otherwise
/// (stack/argv pages).
func (k *Kernel) Fault(pid defs.Pid_t, vpn int) defs.Err_t {
	as := k.addrSpace(pid)
	if as == nil || vpn < 0 || vpn >= as.NumPages() {
		return defs.EFAULT
	}
	key := Key{Pid: pid, Vpn: vpn}

	if slot, ok := k.Slots.Lookup(key); ok {
		ppn := k.obtainFrame(pid)
		if err := k.Swap.ReadSlot(slot, k.Mem.Frame(ppn)); err != nil {
			panic("paging: swap-in read failed: " + err.Error())
		}
		k.Slots.Free(slot)
		prev, _ := as.Entry(vpn)
		te := vm.TranslationEntry{Ppn: ppn, Valid: true, ReadOnly: prev.ReadOnly}
		as.SetTranslation(vpn, te)
		k.Inv.Set(key, te)
		return 0
	}

	ppn := k.obtainFrame(pid)
	readOnly := false
	if sec, ok := as.Elf.SectionForVPN(vpn); ok {
		spn := vpn - sec.FirstVPN
		if err := sec.LoadPage(spn, k.Mem.Frame(ppn)); err != nil {
			panic("paging: lazy section load failed: " + err.Error())
		}
		readOnly = sec.ReadOnly()
	} else {
		clear(k.Mem.Frame(ppn))
	}
	te := vm.TranslationEntry{Ppn: ppn, Valid: true, ReadOnly: readOnly}
	as.SetTranslation(vpn, te)
	k.Inv.Set(key, te)
	return 0
}

// obtainFrame returns a free frame for pid, evicting victims until the
// allocator can satisfy the request.
func (k *Kernel) obtainFrame(pid defs.Pid_t) mem.Pa {
	for {
		frames, ok := k.Alloc.Allocate(pid, 1)
		if ok {
			return frames[0]
		}
		k.evictOne()
	}
}

// evictOne scans frames starting at the hand in two tiers: the first
// sweep takes only a clean, unused frame (Dirty=false, Used=false),
// giving used frames a second chance by clearing Used as it passes over
// them; a second sweep, only run if the first finds nothing, relaxes the
// requirement to Used=false regardless of Dirty. Pinned frames are
// skipped in both sweeps. Two full sweeps without a victim means every
// frame is pinned or permanently busy, which is kernel-fatal.
func (k *Kernel) evictOne() {
	k.handMu.Lock()
	defer k.handMu.Unlock()

	n := k.Mem.NumFrames()
	if n == 0 {
		panic("paging: no physical frames configured")
	}

	candidate := func(ppn mem.Pa, requireClean bool) (Key, vm.TranslationEntry, *vm.AddrSpace, bool) {
		if k.Pins.Pinned(ppn) {
			return Key{}, vm.TranslationEntry{}, nil, false
		}
		key, _, ok := k.Inv.LookupByFrame(ppn)
		if !ok {
			return Key{}, vm.TranslationEntry{}, nil, false
		}
		// Used/Dirty live on the owning AddrSpace, not the inverted
		// table's cached copy: transfer() updates them on every VM access
		// without going through Set, so the table's copy would go stale
		// the instant a page is touched after being faulted in.
		as := k.addrSpace(key.Pid)
		if as == nil {
			return Key{}, vm.TranslationEntry{}, nil, false
		}
		te, ok := as.Entry(key.Vpn)
		if !ok || !te.Valid {
			return Key{}, vm.TranslationEntry{}, nil, false
		}
		if te.Used {
			te.Used = false
			as.SetTranslation(key.Vpn, te)
			return Key{}, vm.TranslationEntry{}, nil, false
		}
		if requireClean && te.Dirty {
			return Key{}, vm.TranslationEntry{}, nil, false
		}
		return key, te, as, true
	}

	for i := 0; i < n; i++ {
		ppn := mem.Pa(k.hand)
		k.hand = (k.hand + 1) % n
		if key, te, _, ok := candidate(ppn, true); ok {
			k.evictVictim(key, ppn, te)
			return
		}
	}
	for i := 0; i < n; i++ {
		ppn := mem.Pa(k.hand)
		k.hand = (k.hand + 1) % n
		if key, te, _, ok := candidate(ppn, false); ok {
			k.evictVictim(key, ppn, te)
			return
		}
	}
	panic("paging: eviction scan found no victim (all frames pinned or busy)")
}

func (k *Kernel) evictVictim(key Key, ppn mem.Pa, te vm.TranslationEntry) {
	if te.ReadOnly && k.isExecutablePage(key.Pid, key.Vpn) {
		// Discardable: the page can be re-read from the ELF file, so it
		// never needs a swap slot.
	} else {
		slot, ok := k.Slots.Allocate(key)
		if !ok {
			panic("paging: swap file exhausted")
		}
		if err := k.Swap.WriteSlot(slot, k.Mem.Frame(ppn)); err != nil {
			panic("paging: swap-out write failed: " + err.Error())
		}
	}
	k.Inv.Invalidate(ppn)
	if as := k.addrSpace(key.Pid); as != nil {
		as.Invalidate(key.Vpn)
	}
	k.Alloc.Free(key.Pid, ppn)
}

func (k *Kernel) isExecutablePage(pid defs.Pid_t, vpn int) bool {
	as := k.addrSpace(pid)
	if as == nil || as.Elf == nil {
		return false
	}
	sec, ok := as.Elf.SectionForVPN(vpn)
	if !ok {
		return false
	}
	return sec.ReadOnly() && sec.Flags&elf32.SHF_EXECINSTR != 0
}

/// Resync is the context-switch resynchronization step: the inverted
/// table is authoritative, so entries absent or invalid there become
/// invalid in the process's own page table.
func (k *Kernel) Resync(pid defs.Pid_t) {
	as := k.addrSpace(pid)
	if as == nil {
		return
	}
	n := as.NumPages()
	for vpn := 0; vpn < n; vpn++ {
		te, ok := k.Inv.Lookup(Key{Pid: pid, Vpn: vpn})
		if !ok {
			as.Invalidate(vpn)
			continue
		}
		as.SetTranslation(vpn, te)
	}
}

// ensureResident faults in every page covering [vaddr, vaddr+n).
func (k *Kernel) ensureResident(as *vm.AddrSpace, pid defs.Pid_t, vaddr uint32, n int) defs.Err_t {
	if n <= 0 {
		return 0
	}
	first := int(vaddr) / mem.PageSize
	last := int(vaddr+uint32(n)-1) / mem.PageSize
	for vpn := first; vpn <= last; vpn++ {
		if te, ok := as.Entry(vpn); ok && te.Valid {
			continue
		}
		if err := k.Fault(pid, vpn); err != 0 {
			return err
		}
	}
	return 0
}

func (k *Kernel) pinRange(as *vm.AddrSpace, vaddr uint32, n int) []mem.Pa {
	if n <= 0 {
		return nil
	}
	first := int(vaddr) / mem.PageSize
	last := int(vaddr+uint32(n)-1) / mem.PageSize
	var pinned []mem.Pa
	for vpn := first; vpn <= last; vpn++ {
		if te, ok := as.Entry(vpn); ok && te.Valid {
			k.Pins.Pin(te.Ppn)
			pinned = append(pinned, te.Ppn)
		}
	}
	return pinned
}

func (k *Kernel) unpinAll(frames []mem.Pa) {
	for _, ppn := range frames {
		k.Pins.Unpin(ppn)
	}
}

/// ReadVM is the demand-paging-aware counterpart of vm.AddrSpace.ReadVM: it
/// faults in any invalid page the transfer touches, pins every resident
/// destination frame for the duration of the copy so a concurrent fault on
/// a sibling thread cannot steal it mid-transfer, then delegates to the
/// plain VM transfer.
func (k *Kernel) ReadVM(pid defs.Pid_t, vaddr uint32, buf []byte, off, n int) (int, defs.Err_t) {
	as := k.addrSpace(pid)
	if as == nil {
		return 0, defs.EFAULT
	}
	if err := k.ensureResident(as, pid, vaddr, n); err != 0 {
		return 0, err
	}
	pinned := k.pinRange(as, vaddr, n)
	defer k.unpinAll(pinned)
	return as.ReadVM(vaddr, buf, off, n), 0
}

/// WriteVM is the demand-paging-aware counterpart of vm.AddrSpace.WriteVM.
func (k *Kernel) WriteVM(pid defs.Pid_t, vaddr uint32, buf []byte, off, n int) (int, defs.Err_t) {
	as := k.addrSpace(pid)
	if as == nil {
		return 0, defs.EFAULT
	}
	if err := k.ensureResident(as, pid, vaddr, n); err != 0 {
		return 0, err
	}
	pinned := k.pinRange(as, vaddr, n)
	defer k.unpinAll(pinned)
	return as.WriteVM(vaddr, buf, off, n), 0
}
