// Package keys implements the public key cryptography used throughout the
// routing core.
//
// Every node owns a long-term cryptographic key-pair that it uses to sign and
// verify votes, blocks, and message signature shares. The private key is
// secret but the public key is known to other nodes, which use it to verify
// anything signed with the private key.
//
// We use elliptic curve cryptography (ECDSA) with the secp256k1 curve, via
// btcsuite's Go implementation.
package keys
