package wire

import (
	"crypto/ecdsa"

	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/crypto"
	"github.com/sectornet/routing/src/crypto/keys"
)

// Kind tags the content of an Envelope.
type Kind uint8

const (
	// KindVote carries a chain.Vote proposed by an elder.
	KindVote Kind = iota
	// KindBlock carries a finalized chain.Block, gossiped between sections.
	KindBlock
	// KindShare carries a routed message signature share.
	KindShare
	// KindBootstrapRequest asks an elder for a verifiable chain suffix.
	KindBootstrapRequest
	// KindBootstrapResponse carries a chain suffix and table snapshot.
	KindBootstrapResponse
	// KindBlockSignature carries one elder's signature over a pending block.
	KindBlockSignature
	// KindProbe is a liveness probe.
	KindProbe
	// KindProbeAck answers a liveness probe.
	KindProbeAck
)

// String ...
func (k Kind) String() string {
	switch k {
	case KindVote:
		return "Vote"
	case KindBlock:
		return "Block"
	case KindShare:
		return "Share"
	case KindBootstrapRequest:
		return "BootstrapRequest"
	case KindBootstrapResponse:
		return "BootstrapResponse"
	case KindBlockSignature:
		return "BlockSignature"
	case KindProbe:
		return "Probe"
	case KindProbeAck:
		return "ProbeAck"
	default:
		return "Unknown"
	}
}

// Envelope is the structurally-typed unit of the wire format: every vote,
// block, and routed message travels in one. Seq is a per-signer monotonic
// counter used by the validation filter to reject replays. The signature
// covers the canonical encoding of everything but itself.
type Envelope struct {
	Kind         Kind
	Seq          uint64
	Payload      []byte
	SignerPubKey string
	Signature    string
}

type envelopeBody struct {
	Kind         Kind
	Seq          uint64
	Payload      []byte
	SignerPubKey string
}

// SigningBytes returns the SHA256 digest of the canonical encoding of the
// envelope without its signature.
func (e *Envelope) SigningBytes() ([]byte, error) {
	body := envelopeBody{
		Kind:         e.Kind,
		Seq:          e.Seq,
		Payload:      e.Payload,
		SignerPubKey: e.SignerPubKey,
	}
	raw, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(raw), nil
}

// Sign sets SignerPubKey and Signature from the private key.
func (e *Envelope) Sign(privKey *ecdsa.PrivateKey) error {
	e.SignerPubKey = keys.PublicKeyHex(&privKey.PublicKey)

	signBytes, err := e.SigningBytes()
	if err != nil {
		return err
	}

	R, S, err := keys.Sign(privKey, signBytes)
	if err != nil {
		return err
	}

	e.Signature = keys.EncodeSignature(R, S)

	return nil
}

// Verify checks the signature against the claimed signer's public key.
func (e *Envelope) Verify() (bool, error) {
	pubBytes, err := common.DecodeFromString(e.SignerPubKey)
	if err != nil {
		return false, err
	}
	pubKey := keys.ToPublicKey(pubBytes)

	signBytes, err := e.SigningBytes()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(e.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Marshal returns the canonical encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return Marshal(e)
}

// Unmarshal decodes an envelope.
func (e *Envelope) Unmarshal(data []byte) error {
	return Unmarshal(data, e)
}
