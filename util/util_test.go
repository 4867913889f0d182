package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ v, b, up, down int }{
		{0, 1024, 0, 0},
		{1, 1024, 1024, 0},
		{1024, 1024, 1024, 1024},
		{1025, 1024, 2048, 1024},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 8)
	Writen(buf, 4, 2, 0x01020304)
	if got := Readn(buf, 4, 2); got != 0x01020304 {
		t.Fatalf("got %#x", got)
	}
	if buf[2] != 0x04 || buf[5] != 0x01 {
		t.Fatalf("not little-endian: %v", buf)
	}
}

func TestReadnWritenBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-bounds access")
		}
	}()
	Readn(make([]uint8, 2), 4, 0)
}

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 || Min(5, 3) != 3 {
		t.Fatal("Min wrong")
	}
}
