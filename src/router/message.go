package router

import (
	"crypto/ecdsa"

	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/crypto"
	"github.com/sectornet/routing/src/crypto/keys"
	"github.com/sectornet/routing/src/wire"
	"github.com/sectornet/routing/src/xor"
)

// MessageKind distinguishes payloads the node consumes itself from payloads
// surfaced to the application.
type MessageKind uint8

const (
	// MessageUser is an application payload, delivered upwards.
	MessageUser MessageKind = iota
	// MessageRelocate carries a relocated peer, one age older, to the section
	// owning its name.
	MessageRelocate
)

// Message is a section-to-section message. It carries no authority of its
// own: a message only counts as spoken by its source section once a quorum of
// that section's elders have signed its digest.
type Message struct {
	Kind    MessageKind
	Src     string //bit-string prefix of the source section
	Dest    string //hex name of the destination
	Payload []byte

	//cached values
	digest    []byte
	digestHex string
}

// NewMessage builds an application message.
func NewMessage(src string, dest xor.Name, payload []byte) *Message {
	return &Message{
		Kind:    MessageUser,
		Src:     src,
		Dest:    dest.Hex(),
		Payload: payload,
	}
}

// DestName parses the destination name.
func (m *Message) DestName() (xor.Name, error) {
	return xor.ParseName(m.Dest)
}

// Marshal returns the canonical encoding of the message.
func (m *Message) Marshal() ([]byte, error) {
	return wire.Marshal(m)
}

// Unmarshal ...
func (m *Message) Unmarshal(data []byte) error {
	return wire.Unmarshal(data, m)
}

// Digest returns the SHA256 of the message's canonical encoding; this is what
// source elders sign and what the accumulator keys on.
func (m *Message) Digest() ([]byte, error) {
	if len(m.digest) == 0 {
		raw, err := wire.Marshal(messageBody{Kind: m.Kind, Src: m.Src, Dest: m.Dest, Payload: m.Payload})
		if err != nil {
			return nil, err
		}
		m.digest = crypto.SHA256(raw)
	}
	return m.digest, nil
}

// DigestHex ...
func (m *Message) DigestHex() string {
	if m.digestHex == "" {
		digest, err := m.Digest()
		if err != nil {
			return ""
		}
		m.digestHex = common.EncodeToString(digest)
	}
	return m.digestHex
}

// messageBody pins down the digest input independently of cached fields.
type messageBody struct {
	Kind    MessageKind
	Src     string
	Dest    string
	Payload []byte
}

// Share is one source elder's signature over a message digest. Shares from
// distinct elders accumulate at the destination until they reach the source
// section's quorum.
type Share struct {
	Message      *Message
	SignerPubKey string
	Signature    string
}

// NewShare signs the message with a source elder's key.
func NewShare(message *Message, privKey *ecdsa.PrivateKey) (*Share, error) {
	digest, err := message.Digest()
	if err != nil {
		return nil, err
	}

	R, S, err := keys.Sign(privKey, digest)
	if err != nil {
		return nil, err
	}

	return &Share{
		Message:      message,
		SignerPubKey: keys.PublicKeyHex(&privKey.PublicKey),
		Signature:    keys.EncodeSignature(R, S),
	}, nil
}

// Verify checks the share's signature against its claimed signer.
func (s *Share) Verify() (bool, error) {
	pubBytes, err := common.DecodeFromString(s.SignerPubKey)
	if err != nil {
		return false, err
	}
	pubKey := keys.ToPublicKey(pubBytes)

	digest, err := s.Message.Digest()
	if err != nil {
		return false, err
	}

	r, sg, err := keys.DecodeSignature(s.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, digest, r, sg), nil
}

// Marshal ...
func (s *Share) Marshal() ([]byte, error) {
	return wire.Marshal(s)
}

// Unmarshal ...
func (s *Share) Unmarshal(data []byte) error {
	return wire.Unmarshal(data, s)
}

// Delivered is a message that accumulated a quorum of source-elder shares: the
// point at which the destination accepts it as spoken by the source section.
type Delivered struct {
	Message *Message
	Proof   map[string]string //signer pub key => signature
}
