package crypto

import (
	"crypto/sha256"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// SimpleHashFromTwoHashes returns the SHA256 hash of the concatenation of the
// left and right hashes. It is the combining step of chained digests, like the
// elder-set hash.
func SimpleHashFromTwoHashes(left []byte, right []byte) []byte {
	hasher := sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}
