// Package mem implements the kernel-global physical frame allocator.
// Every physical frame is free or owned by exactly one process; ownership
// is tracked per frame so a stray free() cannot corrupt another process's
// memory.
package mem

import (
	"sync"

	"nachos/defs"
)

/// PageSize is the fixed page size in bytes.
const PageSize = 1024

/// Pa is a physical frame number: 0 <= Pa < NumPhysFrames.
type Pa uint32

/// NoOwner marks a free frame's owner slot.
const NoOwner defs.Pid_t = 0

/// Allocator owns every physical frame. Construct with NewAllocator.
type Allocator struct {
	mu      sync.Mutex
	owner   []defs.Pid_t // owner[ppn] == NoOwner iff free
	free    []Pa         // stack of free frame numbers, popped from the end; initially lowest ppn on top
	numFree int
}

/// OomCh is notified whenever Allocate fails to find enough frames. A
/// best-effort signal for a reclaimer to listen on.
var OomCh = make(chan OomMsg, 1)

/// OomMsg describes an out-of-memory event.
type OomMsg struct {
	Requested int
}

func notifyOom(n int) {
	select {
	case OomCh <- OomMsg{Requested: n}:
	default:
	}
}

/// NewAllocator creates an allocator owning frames [0, numFrames).
func NewAllocator(numFrames int) *Allocator {
	a := &Allocator{
		owner:   make([]defs.Pid_t, numFrames),
		free:    make([]Pa, numFrames),
		numFree: numFrames,
	}
	for i := 0; i < numFrames; i++ {
		// pop order is deterministic: lowest ppn allocated first.
		a.free[i] = Pa(numFrames - 1 - i)
	}
	return a
}

/// NumFrames returns the total frame count this allocator manages.
func (a *Allocator) NumFrames() int {
	return len(a.owner)
}

/// FreeCount returns the count of currently unowned frames.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numFree
}

/// Allocate atomically reserves n frames for process pid, returning them
/// in deterministic (ascending ppn) order, or ok=false if fewer than n
/// frames are free, in which case the free set is left unchanged.
func (a *Allocator) Allocate(pid defs.Pid_t, n int) ([]Pa, bool) {
	if pid == NoOwner {
		panic("mem: allocate for NoOwner pid")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.numFree < n {
		notifyOom(n)
		return nil, false
	}
	ret := make([]Pa, n)
	for i := 0; i < n; i++ {
		ppn := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.numFree--
		a.owner[ppn] = pid
		ret[i] = ppn
	}
	// deterministic ascending order, independent of free-stack layout.
	for i := 1; i < len(ret); i++ {
		for j := i; j > 0 && ret[j] < ret[j-1]; j-- {
			ret[j], ret[j-1] = ret[j-1], ret[j]
		}
	}
	return ret, true
}

/// Free returns ppn to the free set iff pid owns it. A mismatched or
/// double free is logged and ignored; it must never corrupt another
/// process's ownership record.
func (a *Allocator) Free(pid defs.Pid_t, ppn Pa) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(pid, ppn)
}

func (a *Allocator) freeLocked(pid defs.Pid_t, ppn Pa) {
	if int(ppn) >= len(a.owner) {
		defs.Logf("mem: free of out-of-range frame %d by pid %d\n", ppn, pid)
		return
	}
	if a.owner[ppn] != pid {
		defs.Logf("mem: pid %d freed frame %d it does not own (owner=%d)\n", pid, ppn, a.owner[ppn])
		return
	}
	a.owner[ppn] = NoOwner
	a.free = append(a.free, ppn)
	a.numFree++
}

/// FreeAll releases every frame owned by pid. Used by vm.AddrSpace.Unload
/// and by the paging kernel's per-process teardown.
func (a *Allocator) FreeAll(pid defs.Pid_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ppn, owner := range a.owner {
		if owner == pid {
			a.freeLocked(pid, Pa(ppn))
		}
	}
}

/// Owner reports which pid owns ppn, or NoOwner if it is free. Exposed
/// for diag and for frame-conservation checks in tests.
func (a *Allocator) Owner(ppn Pa) defs.Pid_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(ppn) >= len(a.owner) {
		return NoOwner
	}
	return a.owner[ppn]
}

/// Snapshot returns a copy of the owner table, for diagnostics and for
/// tests asserting frame conservation.
func (a *Allocator) Snapshot() []defs.Pid_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]defs.Pid_t, len(a.owner))
	copy(out, a.owner)
	return out
}
