// Package ustr provides the byte-string type used for ELF section names,
// argv entries, and filenames read out of user memory. These values come
// from an untrusted address space, so the only guarantee is "a byte slice
// terminated somewhere"; nothing assumes valid UTF-8 until Sanitize runs.
package ustr

import (
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"unicode"
)

/// Ustr is an immutable byte string.
type Ustr []uint8

/// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

/// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

/// MkUstrSlice truncates buf at the first NUL byte. Used when a
/// NUL-terminated region has already been copied out of user memory.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

/// String converts the Ustr to a Go string without any sanitization.
/// Callers that only pass it to the host FileSystem (which treats it as
/// an opaque byte key) should use this; callers that log it should use
/// Sanitize instead.
func (us Ustr) String() string {
	return string(us)
}

var sanitizer = transform.Chain(
	runes.Remove(runes.Predicate(func(r rune) bool {
		return r == unicode.ReplacementChar || !unicode.IsPrint(r) && r != ' '
	})),
)

/// Sanitize returns a printable, valid-UTF-8 rendering of an untrusted
/// user-memory string, safe to pass to a logger. Invalid encodings and
/// control characters are dropped rather than causing a panic or feeding
/// unprintable bytes into log output.
func (us Ustr) Sanitize() string {
	out, _, err := transform.String(sanitizer, string(us))
	if err != nil {
		return "<unprintable>"
	}
	return out
}
