package xor

import "testing"

func TestCommonPrefixLen(t *testing.T) {
	var a, b Name

	if got := a.CommonPrefixLen(b); got != NameLen*8 {
		t.Fatalf("identical names should share %d bits, got %d", NameLen*8, got)
	}

	b[0] = 0x80
	if got := a.CommonPrefixLen(b); got != 0 {
		t.Fatalf("names differing in first bit should share 0 bits, got %d", got)
	}

	b[0] = 0x01
	if got := a.CommonPrefixLen(b); got != 7 {
		t.Fatalf("expected 7 shared bits, got %d", got)
	}
}

func TestCloserTo(t *testing.T) {
	var target, near, far Name
	near[31] = 0x01
	far[0] = 0x80

	if !near.CloserTo(target, far) {
		t.Fatal("near should be closer to target than far")
	}
	if far.CloserTo(target, near) {
		t.Fatal("far should not be closer to target than near")
	}
	if near.CloserTo(target, near) {
		t.Fatal("CloserTo should be strict")
	}
}

func TestBit(t *testing.T) {
	var n Name
	n[0] = 0xA0 // 10100000

	want := []uint8{1, 0, 1, 0}
	for i, w := range want {
		if got := n.Bit(i); got != w {
			t.Fatalf("bit %d: got %d, want %d", i, got, w)
		}
	}
}

func TestParseNameRoundTrip(t *testing.T) {
	var n Name
	n[0], n[31] = 0xAB, 0xCD

	parsed, err := ParseName(n.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != n {
		t.Fatal("ParseName(Hex()) should round-trip")
	}

	if _, err := ParseName("zz"); err == nil {
		t.Fatal("ParseName should reject invalid hex")
	}
}
