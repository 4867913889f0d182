package syscall

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nachos/defs"
	"nachos/hostfs"
	"nachos/mem"
	"nachos/proc"
)

// writeMinimalELF writes a valid ELF32 header with no sections or program
// headers, enough for proc.Exec/vm.Load to succeed with only stack+argv
// pages, which is all these dispatcher tests need.
func writeMinimalELF(t *testing.T, dir string, name string) string {
	t.Helper()
	le32 := binary.LittleEndian.PutUint32
	le16 := binary.LittleEndian.PutUint16
	const headerSz = 52
	buf := make([]byte, headerSz)
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4], buf[5] = 1, 1
	le32(buf[24:], 0x1000)
	le16(buf[40:], headerSz)
	le16(buf[44:], 0)
	le16(buf[48:], 0)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeCPU is a minimal hostfs.Processor: a flat register file plus the two
// installer hooks the contract requires, neither of which this dispatcher
// test exercises (no MIPS interpreter is driven here).
type fakeCPU struct {
	regs [48]uint32
}

func (c *fakeCPU) ReadReg(n int) uint32      { return c.regs[n] }
func (c *fakeCPU) WriteReg(n int, v uint32)  { c.regs[n] = v }
func (c *fakeCPU) SetPageTable(table any)    {}
func (c *fakeCPU) SetExceptionHandler(func()) {}

func issue(cpu *fakeCPU, num defs.Syscall, a0, a1, a2, a3 uint32) {
	cpu.WriteReg(RegV0, uint32(num))
	cpu.WriteReg(RegA0, a0)
	cpu.WriteReg(RegA1, a1)
	cpu.WriteReg(RegA2, a2)
	cpu.WriteReg(RegA3, a3)
}

func newKernel(t *testing.T) (*Dispatcher, *proc.Table, *mem.Allocator, *mem.Memory) {
	t.Helper()
	alloc := mem.NewAllocator(512)
	mm := mem.NewMemory(512)
	tbl := proc.NewTable(nil)
	fs := hostfs.NewDirFileSystem(t.TempDir())
	console := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{})
	d := New(tbl, alloc, mm, fs, console, nil)
	return d, tbl, alloc, mm
}

func TestHaltOnlyPid1(t *testing.T) {
	d, tbl, alloc, mm := newKernel(t)
	dir := t.TempDir()
	path := writeMinimalELF(t, dir, "a.elf")
	in, out := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForReading(), hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForWriting()
	p1, err := proc.Exec(tbl, alloc, mm, 0, in, out, path, nil)
	if err != 0 {
		t.Fatal(err)
	}

	halted := false
	d.Halt = func() { halted = true }
	cpu := &fakeCPU{}
	issue(cpu, defs.SysHalt, 0, 0, 0, 0)
	d.Dispatch(p1, cpu)
	if !halted {
		t.Fatal("pid 1 halt did not invoke Halt")
	}
	if cpu.ReadReg(RegV0) != 0 {
		t.Fatalf("halt return = %d, want 0", cpu.ReadReg(RegV0))
	}

	p2, _ := proc.Exec(tbl, alloc, mm, 0, in, out, path, nil)
	halted = false
	issue(cpu, defs.SysHalt, 0, 0, 0, 0)
	d.Dispatch(p2, cpu)
	if halted {
		t.Fatal("non-pid-1 halt must be a no-op")
	}
}

func TestExitTerminatesProcess(t *testing.T) {
	d, tbl, alloc, mm := newKernel(t)
	dir := t.TempDir()
	path := writeMinimalELF(t, dir, "a.elf")
	in := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForReading()
	out := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForWriting()
	p, _ := proc.Exec(tbl, alloc, mm, 0, in, out, path, nil)

	cpu := &fakeCPU{}
	issue(cpu, defs.SysExit, 9, 0, 0, 0)
	d.Dispatch(p, cpu)

	if _, ok := tbl.Lookup(p.Pid); ok {
		t.Fatal("process still registered after exit syscall")
	}
}

func TestExecJoinRoundTrip(t *testing.T) {
	d, tbl, alloc, mm := newKernel(t)
	dir := t.TempDir()
	parentPath := writeMinimalELF(t, dir, "parent.elf")
	childPath := writeMinimalELF(t, dir, "child.elf")
	in := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForReading()
	out := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForWriting()
	parent, err := proc.Exec(tbl, alloc, mm, 0, in, out, parentPath, nil)
	if err != 0 {
		t.Fatal(err)
	}

	// Write the child's path into the parent's own VM so exec can read it
	// as a user-supplied filename string.
	nameVaddr := uint32(1 * mem.PageSize) // second stack page (no loadable sections)
	nameBytes := append([]byte(childPath), 0)
	if n := parent.AS.WriteVM(nameVaddr, nameBytes, 0, len(nameBytes)); n != len(nameBytes) {
		t.Fatalf("WriteVM name = %d, want %d", n, len(nameBytes))
	}

	cpu := &fakeCPU{}
	issue(cpu, defs.SysExec, nameVaddr, 0, 0, 0)
	d.Dispatch(parent, cpu)
	childPid := int32(cpu.ReadReg(RegV0))
	if childPid <= 0 {
		t.Fatalf("exec returned %d, want positive pid", childPid)
	}

	child, ok := tbl.Lookup(defs.Pid_t(childPid))
	if !ok {
		t.Fatal("child not registered")
	}

	issue(cpu, defs.SysExit, 7, 0, 0, 0)
	d.Dispatch(child, cpu)

	statusVaddr := uint32(2 * mem.PageSize)
	issue(cpu, defs.SysJoin, uint32(childPid), statusVaddr, 0, 0)
	d.Dispatch(parent, cpu)
	if ret := int32(cpu.ReadReg(RegV0)); ret != 1 {
		t.Fatalf("join return = %d, want 1", ret)
	}
	statusBuf := make([]byte, 4)
	parent.AS.ReadVM(statusVaddr, statusBuf, 0, 4)
	if status := int32(binary.LittleEndian.Uint32(statusBuf)); status != 7 {
		t.Fatalf("joined status = %d, want 7", status)
	}
}

func TestJoinRejectsNonChild(t *testing.T) {
	d, tbl, alloc, mm := newKernel(t)
	dir := t.TempDir()
	path := writeMinimalELF(t, dir, "a.elf")
	in := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForReading()
	out := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForWriting()
	a, _ := proc.Exec(tbl, alloc, mm, 0, in, out, path, nil)
	b, _ := proc.Exec(tbl, alloc, mm, 0, in, out, path, nil)

	cpu := &fakeCPU{}
	issue(cpu, defs.SysJoin, uint32(b.Pid), 0, 0, 0)
	d.Dispatch(a, cpu)
	if ret := int32(cpu.ReadReg(RegV0)); ret != -1 {
		t.Fatalf("join non-child = %d, want -1", ret)
	}
}

func TestFileRoundtripCreatWriteCloseOpenRead(t *testing.T) {
	d, tbl, alloc, mm := newKernel(t)
	dir := t.TempDir()
	path := writeMinimalELF(t, dir, "a.elf")
	in := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForReading()
	out := hostfs.NewStdioConsole(strings.NewReader(""), &bytes.Buffer{}).OpenForWriting()
	p, _ := proc.Exec(tbl, alloc, mm, 0, in, out, path, nil)

	nameVaddr := uint32(1 * mem.PageSize)
	name := append([]byte("f"), 0)
	p.AS.WriteVM(nameVaddr, name, 0, len(name))

	cpu := &fakeCPU{}
	issue(cpu, defs.SysCreat, nameVaddr, 0, 0, 0)
	d.Dispatch(p, cpu)
	newFd := int32(cpu.ReadReg(RegV0))
	if newFd < 2 {
		t.Fatalf("creat returned %d, want >= 2", newFd)
	}

	dataVaddr := uint32(2 * mem.PageSize)
	data := []byte("abcdef")
	p.AS.WriteVM(dataVaddr, data, 0, len(data))
	issue(cpu, defs.SysWrite, uint32(newFd), dataVaddr, uint32(len(data)), 0)
	d.Dispatch(p, cpu)
	if n := int32(cpu.ReadReg(RegV0)); n != int32(len(data)) {
		t.Fatalf("write returned %d, want %d", n, len(data))
	}

	issue(cpu, defs.SysClose, uint32(newFd), 0, 0, 0)
	d.Dispatch(p, cpu)

	issue(cpu, defs.SysOpen, nameVaddr, 0, 0, 0)
	d.Dispatch(p, cpu)
	reopenFd := int32(cpu.ReadReg(RegV0))
	if reopenFd < 2 {
		t.Fatalf("open returned %d, want >= 2", reopenFd)
	}

	readVaddr := uint32(3 * mem.PageSize)
	issue(cpu, defs.SysRead, uint32(reopenFd), readVaddr, uint32(len(data)), 0)
	d.Dispatch(p, cpu)
	if n := int32(cpu.ReadReg(RegV0)); n != int32(len(data)) {
		t.Fatalf("read returned %d, want %d", n, len(data))
	}
	readBuf := make([]byte, len(data))
	p.AS.ReadVM(readVaddr, readBuf, 0, len(readBuf))
	if readBuf[0] != 'a' {
		t.Fatalf("first byte read = %q, want 'a'", readBuf[0])
	}
	if string(readBuf) != "abcdef" {
		t.Fatalf("read content = %q, want abcdef", readBuf)
	}
}

func TestEchoConsoleRoundTrip(t *testing.T) {
	alloc := mem.NewAllocator(512)
	mm := mem.NewMemory(512)
	tbl := proc.NewTable(nil)
	dir := t.TempDir()
	fs := hostfs.NewDirFileSystem(dir)
	var out bytes.Buffer
	console := hostfs.NewStdioConsole(strings.NewReader("hello\n"), &out)
	d := New(tbl, alloc, mm, fs, console, nil)

	path := writeMinimalELF(t, dir, "echo.elf")
	p, err := proc.Exec(tbl, alloc, mm, 1, console.OpenForReading(), console.OpenForWriting(), path, nil)
	if err != 0 {
		t.Fatal(err)
	}

	bufVaddr := uint32(1 * mem.PageSize)
	cpu := &fakeCPU{}
	issue(cpu, defs.SysRead, 0, bufVaddr, 8, 0)
	d.Dispatch(p, cpu)
	n := int32(cpu.ReadReg(RegV0))
	if n != 6 {
		t.Fatalf("console read = %d, want 6", n)
	}

	issue(cpu, defs.SysWrite, 1, bufVaddr, uint32(n), 0)
	d.Dispatch(p, cpu)
	if int32(cpu.ReadReg(RegV0)) != 6 {
		t.Fatalf("console write = %d, want 6", cpu.ReadReg(RegV0))
	}
	if out.String() != "hello\n" {
		t.Fatalf("console output = %q, want %q", out.String(), "hello\n")
	}
}
