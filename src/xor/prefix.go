package xor

import (
	"fmt"
	"strings"
)

// Prefix designates the region of the address space whose names start with a
// given bit pattern. The zero value is the root prefix, covering the whole
// space. Bits of Pattern beyond Len are always zero, so prefixes can be
// compared with == and used as map keys.
type Prefix struct {
	Pattern Name
	Len     int
}

// NewPrefix builds a Prefix of the given bit length, zeroing the pattern's
// trailing bits.
func NewPrefix(pattern Name, length int) Prefix {
	p := Prefix{Len: length}
	for i := 0; i < length; i++ {
		if pattern.Bit(i) == 1 {
			p.Pattern[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return p
}

// ParsePrefix reads a prefix from its bit-string representation, eg. "01".
// The empty string and "-" both denote the root prefix.
func ParsePrefix(s string) (Prefix, error) {
	if s == "-" {
		return Prefix{}, nil
	}
	var pattern Name
	for i, c := range s {
		switch c {
		case '1':
			pattern[i/8] |= 1 << (7 - uint(i%8))
		case '0':
		default:
			return Prefix{}, fmt.Errorf("invalid character %q in prefix %q", c, s)
		}
	}
	return Prefix{Pattern: pattern, Len: len(s)}, nil
}

// Matches reports whether the name falls within the prefix's region.
func (p Prefix) Matches(name Name) bool {
	return p.Pattern.CommonPrefixLen(name) >= p.Len
}

// Child returns the child prefix obtained by appending the given bit.
func (p Prefix) Child(bit uint8) Prefix {
	child := Prefix{Pattern: p.Pattern, Len: p.Len + 1}
	if bit == 1 {
		child.Pattern[p.Len/8] |= 1 << (7 - uint(p.Len%8))
	}
	return child
}

// Parent returns the prefix one bit shorter. The parent of the root prefix is
// the root prefix.
func (p Prefix) Parent() Prefix {
	if p.Len == 0 {
		return p
	}
	return NewPrefix(p.Pattern, p.Len-1)
}

// Sibling returns the prefix covering the other half of the parent's region.
func (p Prefix) Sibling() Prefix {
	if p.Len == 0 {
		return p
	}
	sib := p
	sib.Pattern[(p.Len-1)/8] ^= 1 << (7 - uint((p.Len-1)%8))
	return sib
}

// IsSiblingOf reports whether two prefixes share a parent.
func (p Prefix) IsSiblingOf(other Prefix) bool {
	return p.Len > 0 && p.Sibling() == other
}

// IsAncestorOf reports whether p's region contains other's region. A prefix
// is an ancestor of itself.
func (p Prefix) IsAncestorOf(other Prefix) bool {
	return p.Len <= other.Len && p.Matches(other.Pattern)
}

// String returns the bit-string representation of the prefix, or "-" for the
// root prefix.
func (p Prefix) String() string {
	if p.Len == 0 {
		return "-"
	}
	var b strings.Builder
	for i := 0; i < p.Len; i++ {
		if p.Pattern.Bit(i) == 1 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Partitioned reports whether the given prefixes form an exact partition of
// the address space: every name matches exactly one of them. The check is
// structural, it does not enumerate names.
func Partitioned(prefixes []Prefix) bool {
	// no prefix may contain another, and the total covered fraction must be 1
	for i, a := range prefixes {
		for j, b := range prefixes {
			if i != j && a.IsAncestorOf(b) {
				return false
			}
		}
	}

	// each prefix of length L covers 1/2^L of the space. Sum the coverage in
	// units of 1/2^maxLen.
	maxLen := 0
	for _, p := range prefixes {
		if p.Len > maxLen {
			maxLen = p.Len
		}
	}
	if maxLen > 62 {
		return false
	}
	var covered uint64
	for _, p := range prefixes {
		covered += uint64(1) << uint(maxLen-p.Len)
	}
	return covered == uint64(1)<<uint(maxLen)
}
