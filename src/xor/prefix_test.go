package xor

import "testing"

func mustPrefix(t *testing.T, s string) Prefix {
	t.Helper()
	p, err := ParsePrefix(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPrefixMatches(t *testing.T) {
	var name Name
	name[0] = 0x40 // 01000000...

	if !(Prefix{}).Matches(name) {
		t.Fatal("root prefix should match every name")
	}

	p01 := mustPrefix(t, "01")
	if !p01.Matches(name) {
		t.Fatalf("prefix %s should match name starting 0100", p01)
	}

	p11 := mustPrefix(t, "11")
	if p11.Matches(name) {
		t.Fatalf("prefix %s should not match name starting 0100", p11)
	}
}

func TestPrefixAlgebra(t *testing.T) {
	p0 := mustPrefix(t, "0")

	if c := p0.Child(1); c.String() != "01" {
		t.Fatalf("child(1) of 0 should be 01, not %s", c)
	}
	if c := p0.Child(0); c.String() != "00" {
		t.Fatalf("child(0) of 0 should be 00, not %s", c)
	}

	p01 := mustPrefix(t, "01")
	if p01.Parent() != p0 {
		t.Fatalf("parent of 01 should be 0, not %s", p01.Parent())
	}
	if p01.Sibling().String() != "00" {
		t.Fatalf("sibling of 01 should be 00, not %s", p01.Sibling())
	}
	if !p01.IsSiblingOf(mustPrefix(t, "00")) {
		t.Fatal("01 and 00 should be siblings")
	}
	if p01.IsSiblingOf(mustPrefix(t, "11")) {
		t.Fatal("01 and 11 should not be siblings")
	}

	if !p0.IsAncestorOf(p01) {
		t.Fatal("0 should be an ancestor of 01")
	}
	if p01.IsAncestorOf(p0) {
		t.Fatal("01 should not be an ancestor of 0")
	}
}

func TestPrefixChildrenPartitionParent(t *testing.T) {
	p := mustPrefix(t, "101")
	c0, c1 := p.Child(0), p.Child(1)

	var name Name
	name[0] = 0xB5 // 10110101...

	if !p.Matches(name) {
		t.Fatal("parent should match name")
	}
	in0, in1 := c0.Matches(name), c1.Matches(name)
	if in0 == in1 {
		t.Fatalf("exactly one child should match: c0=%v c1=%v", in0, in1)
	}
}

func TestPartitioned(t *testing.T) {
	cases := []struct {
		prefixes []string
		want     bool
	}{
		{[]string{""}, true},
		{[]string{"0", "1"}, true},
		{[]string{"00", "01", "1"}, true},
		{[]string{"00", "01", "10", "11"}, true},
		{[]string{"0"}, false},                 // gap
		{[]string{"0", "1", "11"}, false},      // overlap
		{[]string{"00", "1"}, false},           // gap
		{[]string{"", "0"}, false},             // root overlaps everything
		{[]string{"000", "001", "01", "1"}, true},
	}

	for _, c := range cases {
		prefixes := []Prefix{}
		for _, s := range c.prefixes {
			p, err := ParsePrefix(s)
			if err != nil {
				t.Fatal(err)
			}
			prefixes = append(prefixes, p)
		}
		if got := Partitioned(prefixes); got != c.want {
			t.Fatalf("Partitioned(%v) = %v, want %v", c.prefixes, got, c.want)
		}
	}
}
