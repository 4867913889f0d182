// Package syscall implements the syscall dispatcher and the trap-routing
// half of process lifecycle: it decodes the trap cause a simulated
// Processor reports, and for a syscall trap decodes
// v0/a0..a3, invokes the matching handler, writes the return value to v0,
// and advances the program counter by one instruction.
package syscall

import (
	"encoding/binary"

	"nachos/defs"
	"nachos/fd"
	"nachos/hostfs"
	"nachos/mem"
	"nachos/proc"
	"nachos/ustr"
)

/// Register numbering this kernel's Processor implementation uses for the
/// syscall-relevant registers (standard MIPS o32 calling convention for
/// v0/a0-a3; PC is register 34, past the 32 general-purpose registers plus
/// hi/lo).
const (
	RegV0 = 2
	RegA0 = 4
	RegA1 = 5
	RegA2 = 6
	RegA3 = 7
	RegPC = 34
)

/// MaxStringLen bounds every string read out of user memory.
const MaxStringLen = 256

/// MaxArgv bounds the number of exec argv entries this kernel will read,
/// guarding against a corrupt or hostile argc value driving an unbounded
/// pointer walk.
const MaxArgv = 64

/// Dispatcher routes traps for one kernel instance: syscalls through
/// Dispatch, abnormal-termination traps through Exit, everything else is
/// kernel-fatal.
type Dispatcher struct {
	Table   *proc.Table
	Alloc   *mem.Allocator
	Mem     *mem.Memory
	FS      hostfs.FileSystem
	Console hostfs.Console

	// Halt is invoked when PID 1 issues the halt syscall.
	// Any other PID's halt is a silent no-op returning 0.
	Halt func()
}

/// New constructs a Dispatcher bound to one kernel's shared components.
func New(t *proc.Table, alloc *mem.Allocator, mm *mem.Memory, fs hostfs.FileSystem, console hostfs.Console, halt func()) *Dispatcher {
	return &Dispatcher{Table: t, Alloc: alloc, Mem: mm, FS: fs, Console: console, Halt: halt}
}

/// HandleTrap routes traps beyond syscall: ReadOnly, BusError,
/// AddressError, and IllegalInstruction mark abnormal termination and tear
/// the process down; any other cause, including TrapTLBMiss (this
/// dispatcher does not route page faults), is an assertion failure.
func (d *Dispatcher) HandleTrap(cause defs.TrapCause, p *proc.Process, cpu hostfs.Processor) {
	if cause == defs.TrapSyscall {
		d.Dispatch(p, cpu)
		return
	}
	if cause.Abnormal() {
		proc.Exit(d.Table, p, 0, true)
		return
	}
	panic("syscall: unrecognized trap cause " + cause.String())
}

/// Dispatch reads v0 and a0..a3, invokes the handler for the decoded
/// syscall number, writes the result back to v0, and advances pc by one
/// instruction. exit never returns to user code, so it skips the register
/// writeback.
func (d *Dispatcher) Dispatch(p *proc.Process, cpu hostfs.Processor) {
	num := defs.Syscall(cpu.ReadReg(RegV0))
	a0 := cpu.ReadReg(RegA0)
	a1 := cpu.ReadReg(RegA1)
	a2 := cpu.ReadReg(RegA2)

	var ret int

	switch num {
	case defs.SysHalt:
		ret = d.sysHalt(p)
	case defs.SysExit:
		proc.Exit(d.Table, p, int(int32(a0)), false)
		return
	case defs.SysExec:
		ret = d.sysExec(p, a0, a1, a2)
	case defs.SysJoin:
		ret = d.sysJoin(p, defs.Pid_t(a0), a1)
	case defs.SysCreat:
		ret = d.sysOpen(p, a0, true)
	case defs.SysOpen:
		ret = d.sysOpen(p, a0, false)
	case defs.SysRead:
		ret = d.sysRead(p, int(a0), a1, int(int32(a2)))
	case defs.SysWrite:
		ret = d.sysWrite(p, int(a0), a1, int(int32(a2)))
	case defs.SysClose:
		ret = d.sysClose(p, int(a0))
	case defs.SysUnlink:
		ret = d.sysUnlink(p, a0)
	default:
		panic("syscall: unrecognized syscall number")
	}

	cpu.WriteReg(RegV0, uint32(int32(ret)))
	cpu.WriteReg(RegPC, cpu.ReadReg(RegPC)+4)
}

func (d *Dispatcher) sysHalt(p *proc.Process) int {
	if p.Pid != 1 {
		return 0
	}
	if d.Halt != nil {
		d.Halt()
	}
	return 0
}

func (d *Dispatcher) sysExec(p *proc.Process, namePtr, argcVal, argvPtr uint32) int {
	name, err := p.AS.ReadVMString(namePtr, MaxStringLen)
	if err != nil {
		return -1
	}
	argc := int(int32(argcVal))
	if argc < 0 || argc > MaxArgv {
		return -1
	}

	argv := make([]string, argc)
	ptrBuf := make([]byte, 4)
	for i := 0; i < argc; i++ {
		if n := p.AS.ReadVM(argvPtr+uint32(i*4), ptrBuf, 0, 4); n != 4 {
			return -1
		}
		strAddr := binary.LittleEndian.Uint32(ptrBuf)
		s, serr := p.AS.ReadVMString(strAddr, MaxStringLen)
		if serr != nil {
			return -1
		}
		argv[i] = s
	}

	defs.Logf("exec: pid=%d name=%q argc=%d\n", p.Pid, ustr.MkUstrSlice([]byte(name)).Sanitize(), argc)

	consoleIn := d.Console.OpenForReading()
	consoleOut := d.Console.OpenForWriting()
	child, cerr := proc.Exec(d.Table, d.Alloc, d.Mem, p.Pid, consoleIn, consoleOut, name, argv)
	if cerr != 0 {
		return -1
	}
	return int(child.Pid)
}

func (d *Dispatcher) sysJoin(p *proc.Process, childPid defs.Pid_t, statusPtr uint32) int {
	status, clean, err := proc.Join(d.Table, p, childPid)
	if err != 0 {
		return -1
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(status)))
	p.AS.WriteVM(statusPtr, buf, 0, 4)
	if clean {
		return 1
	}
	return 0
}

func (d *Dispatcher) sysOpen(p *proc.Process, namePtr uint32, create bool) int {
	name, err := p.AS.ReadVMString(namePtr, MaxStringLen)
	if err != nil {
		return -1
	}
	f, ok := d.FS.Open(name, create)
	if !ok {
		return -1
	}
	fdnum, ferr := p.Fds.Allocate(f, fd.PermRead|fd.PermWrite)
	if ferr != 0 {
		f.Close()
		return -1
	}
	return fdnum
}

func (d *Dispatcher) sysRead(p *proc.Process, fdnum int, bufPtr uint32, count int) int {
	if count < 0 {
		return -1
	}
	tmp := make([]byte, count)
	n := p.Fds.ReadFd(fdnum, tmp)
	if n < 0 {
		return -1
	}
	return p.AS.WriteVM(bufPtr, tmp, 0, n)
}

func (d *Dispatcher) sysWrite(p *proc.Process, fdnum int, bufPtr uint32, count int) int {
	if count < 0 {
		return -1
	}
	tmp := make([]byte, count)
	n := p.AS.ReadVM(bufPtr, tmp, 0, count)
	written := p.Fds.WriteFd(fdnum, tmp[:n])
	if written < 0 {
		return -1
	}
	return written
}

func (d *Dispatcher) sysClose(p *proc.Process, fdnum int) int {
	if err := p.Fds.Close(fdnum); err != 0 {
		return -1
	}
	return 0
}

func (d *Dispatcher) sysUnlink(p *proc.Process, namePtr uint32) int {
	name, err := p.AS.ReadVMString(namePtr, MaxStringLen)
	if err != nil {
		return -1
	}
	if !d.FS.Remove(name) {
		return -1
	}
	return 0
}
