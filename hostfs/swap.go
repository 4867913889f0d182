package hostfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"nachos/mem"
)

/// SwapFile is the paging kernel's backing store: a file named
/// nachos.swp, pre-allocated to NumSwapSlots*PageSize zero bytes at
/// kernel init and removed at kernel termination. Slot k occupies bytes
/// [k*PageSize, (k+1)*PageSize).
type SwapFile struct {
	f    *os.File
	path string
}

/// NewSwapFile creates (or truncates) dir/nachos.swp and pre-allocates it
/// to numSlots*PageSize zero bytes.
func NewSwapFile(dir string, numSlots int) (*SwapFile, error) {
	path := dir + "/nachos.swp"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	size := int64(numSlots) * int64(mem.PageSize)
	if err := unix.Ftruncate(int(f.Fd()), size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("hostfs: preallocate swap file: %w", err)
	}
	return &SwapFile{f: f, path: path}, nil
}

/// ReadSlot reads slot k's PageSize bytes into dst.
func (s *SwapFile) ReadSlot(k int, dst []byte) error {
	if len(dst) != mem.PageSize {
		panic("hostfs: ReadSlot destination must be exactly one page")
	}
	n, err := unix.Pread(int(s.f.Fd()), dst, int64(k)*int64(mem.PageSize))
	if err != nil {
		return err
	}
	if n != mem.PageSize {
		return fmt.Errorf("hostfs: short read from swap slot %d: %d bytes", k, n)
	}
	return nil
}

/// WriteSlot writes src's PageSize bytes into slot k.
func (s *SwapFile) WriteSlot(k int, src []byte) error {
	if len(src) != mem.PageSize {
		panic("hostfs: WriteSlot source must be exactly one page")
	}
	n, err := unix.Pwrite(int(s.f.Fd()), src, int64(k)*int64(mem.PageSize))
	if err != nil {
		return err
	}
	if n != mem.PageSize {
		return fmt.Errorf("hostfs: short write to swap slot %d: %d bytes", k, n)
	}
	return nil
}

/// Close removes the swap file.
func (s *SwapFile) Close() error {
	cerr := s.f.Close()
	rerr := os.Remove(s.path)
	if cerr != nil {
		return cerr
	}
	return rerr
}
