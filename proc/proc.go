// Package proc implements the process table and process lifecycle: PID
// assignment, exec/exit/join, abnormal termination, and parent/child
// bookkeeping.
package proc

import (
	"context"
	"sync"

	"nachos/defs"
	"nachos/fd"
	"nachos/ksync"
	"nachos/mem"
	"nachos/vm"
)

/// Process is one live (or zombied) user process.
type Process struct {
	mu sync.Mutex // per-process lock: serializes Fds/AS mutation

	Pid    defs.Pid_t
	Parent defs.Pid_t // 0 if none

	AS  *vm.AddrSpace
	Fds *fd.Table

	children map[defs.Pid_t]*Process

	exited   bool
	exitCode int
	abnormal bool
	exitSem  *ksync.ExitSem
	joinedBy defs.Pid_t // 0 if no parent currently blocked in Join on this process
}

func newProcess(pid, parent defs.Pid_t, as *vm.AddrSpace, fds *fd.Table) *Process {
	return &Process{
		Pid:      pid,
		Parent:   parent,
		AS:       as,
		Fds:      fds,
		children: make(map[defs.Pid_t]*Process),
		exitSem:  ksync.NewExitSem(),
	}
}

/// AddChild records child as a child of p, used by Exec right after a new
/// process registers successfully.
func (p *Process) AddChild(child *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children[child.Pid] = child
}

/// IsChild reports whether pid is (or was) one of p's children.
func (p *Process) IsChild(pid defs.Pid_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.children[pid]
	return ok
}

/// Joined reports whether some parent is currently blocked in Join on p.
/// Exposed for diagnostics and for tests synchronizing against Join.
func (p *Process) Joined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joinedBy != 0
}

/// ExitCode returns p's recorded exit status, whether the termination was
/// abnormal, and whether it has exited yet.
/// Exposed for diagnostics (package diag).
func (p *Process) ExitCode() (code int, abnormal, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.abnormal, p.exited
}

/// Table is the kernel-global process table.
type Table struct {
	mu       sync.Mutex
	procs    map[defs.Pid_t]*Process
	next     defs.Pid_t
	free     []defs.Pid_t
	live     int
	OnHalt   func()
}

/// NewTable returns an empty process table. onHalt is invoked
/// synchronously each time a termination drops the live count to zero.
func NewTable(onHalt func()) *Table {
	return &Table{
		procs:  make(map[defs.Pid_t]*Process),
		next:   1,
		OnHalt: onHalt,
	}
}

/// ErrPidExhausted is returned by assign when the PID space (an unsigned
/// monotonic counter plus a dense free list) has no more ids to hand out.
var ErrPidExhausted = defs.Err_t(8)

// assign returns the next unused positive PID. Freed PIDs are reused
// before the monotonic cursor advances, so the cursor only grows while
// PIDs remain outstanding, never wrapping silently to a negative or
// reused-while-live value.
func (t *Table) assign() (defs.Pid_t, defs.Err_t) {
	if n := len(t.free); n > 0 {
		pid := t.free[n-1]
		t.free = t.free[:n-1]
		return pid, 0
	}
	if t.next == 0 { // wrapped past the uint32 range: truly exhausted
		return 0, ErrPidExhausted
	}
	pid := t.next
	t.next++
	return pid, 0
}

// register inserts p into the table under the lock and bumps live.
func (t *Table) register(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.Pid] = p
	t.live++
}

// unregister removes pid, returns its PID to the free list, and runs
// OnHalt if no live process remains.
func (t *Table) unregister(pid defs.Pid_t) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.free = append(t.free, pid)
	t.live--
	halt := t.live == 0
	t.mu.Unlock()
	if halt && t.OnHalt != nil {
		t.OnHalt()
	}
}

/// Lookup returns the process registered under pid, if any.
func (t *Table) Lookup(pid defs.Pid_t) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

/// LiveCount reports the number of registered (not yet reaped) processes.
func (t *Table) LiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

/// Pids returns every currently registered PID, in no particular order.
/// Exposed for diagnostics (package diag), which has no other way to
/// enumerate the table short of guessing PIDs.
func (t *Table) Pids() []defs.Pid_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]defs.Pid_t, 0, len(t.procs))
	for pid := range t.procs {
		out = append(out, pid)
	}
	return out
}

/// Exec assigns a PID, loads the binary eagerly via vm.Load, pre-opens
/// stdin/stdout, registers the process and (if parent is non-zero) records
/// it as parent's child. Returns the child process, or a nil process and
/// an error code on any failure.
func Exec(t *Table, alloc *mem.Allocator, mm *mem.Memory, parent defs.Pid_t, consoleIn, consoleOut fd.OpenFile, filename string, argv []string) (*Process, defs.Err_t) {
	pid, err := t.assign()
	if err != 0 {
		return nil, err
	}

	as, loadErr := vm.Load(pid, alloc, mm, filename, argv)
	if loadErr != nil {
		t.mu.Lock()
		t.free = append(t.free, pid)
		t.mu.Unlock()
		return nil, defs.EFAULT
	}

	fds := fd.New(consoleIn, consoleOut)
	p := newProcess(pid, parent, as, fds)
	t.register(p)

	if parent != 0 {
		if pp, ok := t.Lookup(parent); ok {
			pp.AddChild(p)
		}
	}
	return p, 0
}

/// Exit idempotent-closes every fd, releases the page table, records
/// status, and signals a parent blocked in Join. unregister (which may
/// halt the machine) happens last, after resources are released.
func Exit(t *Table, p *Process, status int, abnormal bool) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = status
	p.abnormal = abnormal
	p.mu.Unlock()

	p.Fds.CloseAll()
	p.AS.Unload()

	p.exitSem.Signal()
	t.unregister(p.Pid)
}

/// Join rejects if childPid is not a child of caller or caller is already
/// joined on it, otherwise blocks until the child signals exit and
/// returns its status.
func Join(t *Table, caller *Process, childPid defs.Pid_t) (status int, clean bool, err defs.Err_t) {
	caller.mu.Lock()
	child, isChild := caller.children[childPid]
	caller.mu.Unlock()
	if !isChild {
		return 0, false, defs.ECHILD
	}

	child.mu.Lock()
	if child.joinedBy != 0 {
		child.mu.Unlock()
		return 0, false, defs.EALREADY
	}
	child.joinedBy = caller.Pid
	child.mu.Unlock()

	child.exitSem.Wait(context.Background())

	child.mu.Lock()
	status = child.exitCode
	abnormal := child.abnormal
	child.mu.Unlock()

	return status, !abnormal, 0
}
