// Package util holds small integer and byte-order helpers shared by the
// ELF loader, the address-space translator, and the syscall dispatcher.
package util

/// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

/// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

/// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

/// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

/// Readn reads n little-endian bytes from a starting at off and returns the
/// zero-extended value. It panics if the requested region is out of bounds
/// or n is negative; this is a programmer-error check, not a condition.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || n < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	var ret uint64
	for i := n - 1; i >= 0; i-- {
		ret = ret<<8 | uint64(a[off+i])
	}
	return int(ret)
}

/// Writen writes val using sz little-endian bytes into a starting at off.
/// It panics if the destination is out of bounds.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || sz < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	v := uint64(val)
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(v)
		v >>= 8
	}
}

/// Readn32 reads a little-endian uint32 at off, zero-extended to uint32.
func Readn32(a []uint8, off int) uint32 {
	return uint32(Readn(a, 4, off))
}
