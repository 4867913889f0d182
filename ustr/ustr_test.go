package ustr

import "testing"

func TestMkUstrSlice(t *testing.T) {
	buf := []byte("hello\x00garbage")
	s := MkUstrSlice(buf)
	if s.String() != "hello" {
		t.Fatalf("got %q", s.String())
	}
}

func TestEq(t *testing.T) {
	if !Ustr("abc").Eq(Ustr("abc")) {
		t.Fatal("expected equal")
	}
	if Ustr("abc").Eq(Ustr("abd")) {
		t.Fatal("expected not equal")
	}
}

func TestSanitizeDropsInvalidBytes(t *testing.T) {
	bad := Ustr([]byte{'o', 'k', 0xff, 0xfe, 'a', 'y'})
	got := bad.Sanitize()
	if got != "okay" {
		t.Fatalf("got %q", got)
	}
}
