package xor

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/sectornet/routing/src/crypto"
)

// NameLen is the size, in bytes, of an XOR-space name.
const NameLen = 32

// Name is a fixed-length identifier in the XOR address space. Node names are
// derived from public keys; message destinations are arbitrary names.
type Name [NameLen]byte

// NameFromBytes copies up to NameLen bytes of b into a Name.
func NameFromBytes(b []byte) Name {
	var n Name
	copy(n[:], b)
	return n
}

// NameFromPubKey derives a node's name from the uncompressed form of its
// public key.
func NameFromPubKey(pubBytes []byte) Name {
	return NameFromBytes(crypto.SHA256(pubBytes))
}

// ParseName decodes a 64-character hex string into a Name.
func ParseName(s string) (Name, error) {
	var n Name
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, err
	}
	if len(b) != NameLen {
		return n, fmt.Errorf("wrong name length: got %d bytes, want %d", len(b), NameLen)
	}
	copy(n[:], b)
	return n, nil
}

// Xor returns the bitwise XOR of two names, which is the distance metric of
// the address space.
func (n Name) Xor(other Name) Name {
	var res Name
	for i := 0; i < NameLen; i++ {
		res[i] = n[i] ^ other[i]
	}
	return res
}

// Bit returns the i-th bit of the name, most significant first.
func (n Name) Bit(i int) uint8 {
	return (n[i/8] >> (7 - uint(i%8))) & 1
}

// CommonPrefixLen returns the number of leading bits shared by two names.
func (n Name) CommonPrefixLen(other Name) int {
	for i := 0; i < NameLen; i++ {
		x := n[i] ^ other[i]
		if x != 0 {
			bits := 0
			for x&0x80 == 0 {
				x <<= 1
				bits++
			}
			return i*8 + bits
		}
	}
	return NameLen * 8
}

// CloserTo reports whether n is strictly closer to target than other is, in
// XOR distance.
func (n Name) CloserTo(target, other Name) bool {
	a := n.Xor(target)
	b := other.Xor(target)
	return bytes.Compare(a[:], b[:]) < 0
}

// Hex returns the full lowercase hex encoding of the name.
func (n Name) Hex() string {
	return hex.EncodeToString(n[:])
}

// String returns an abbreviated form of the name, suitable for log fields.
func (n Name) String() string {
	return hex.EncodeToString(n[:3]) + ".."
}
