// Package hostfs implements the host-side collaborators the kernel
// configures but does not itself implement: the simulated Processor,
// Timer, Console, and FileSystem. Only the contracts and a concrete
// host-backed FileSystem/Console/swap-file implementation live here; no
// MIPS interpreter is part of this package.
package hostfs

import "nachos/fd"

/// Processor is the simulated MIPS CPU the kernel configures but never
/// drives: registers and the two entry points the kernel installs. The
/// physical memory buffer is mem.Memory, not part of this interface, and
/// the interface has no TLB methods.
type Processor interface {
	ReadReg(n int) uint32
	WriteReg(n int, v uint32)
	SetPageTable(table any)
	SetExceptionHandler(h func())
}

/// Timer is the periodic interrupt source.
type Timer interface {
	GetTime() uint64
	SetInterruptHandler(h func())
}

/// Console is the synchronized terminal device; fd 0 and fd 1 are preopened
/// against its read/write ends.
type Console interface {
	OpenForReading() fd.OpenFile
	OpenForWriting() fd.OpenFile
}

/// FileSystem is the host-side backing store the creat/open/unlink
/// syscalls drive.
type FileSystem interface {
	Open(name string, create bool) (fd.OpenFile, bool)
	Remove(name string) bool
}
