package chain

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/crypto"
	"github.com/sectornet/routing/src/crypto/keys"
	"github.com/sectornet/routing/src/peers"
	"github.com/sectornet/routing/src/wire"
)

// VoteKind identifies the fact a vote proposes.
type VoteKind uint8

const (
	// VoteOnline proposes that a peer joined the section.
	VoteOnline VoteKind = iota
	// VoteOffline proposes that a peer left, voluntarily or by timeout.
	VoteOffline
	// VoteRelocate proposes moving a peer out of the section; the peer lands
	// one age older. Splits and merges are not voted on: they are derived
	// deterministically from the roster the agreed votes produce.
	VoteRelocate
)

// String ...
func (k VoteKind) String() string {
	switch k {
	case VoteOnline:
		return "Online"
	case VoteOffline:
		return "Offline"
	case VoteRelocate:
		return "Relocate"
	default:
		return "Unknown"
	}
}

// Reason qualifies an Offline or Relocate vote. The data model makes no other
// distinction between a voluntary leave and a timeout.
type Reason uint8

const (
	// ReasonNone ...
	ReasonNone Reason = iota
	// ReasonVoluntary means the peer announced its departure.
	ReasonVoluntary
	// ReasonUnresponsive means the peer failed liveness probes.
	ReasonUnresponsive
	// ReasonRelocated means the peer was moved to another section.
	ReasonRelocated
)

// VoteBody is the signed content of a Vote: one proposed membership fact
// about one section.
type VoteBody struct {
	Kind   VoteKind
	Prefix string      //bit-string of the section the fact concerns
	Peer   *peers.Peer `json:",omitempty"` //subject of Online/Offline/Relocate
	Reason Reason
	Target string `json:",omitempty"` //destination prefix of a Relocate
}

// Marshal returns the canonical encoding of the body.
func (vb *VoteBody) Marshal() ([]byte, error) {
	return wire.Marshal(vb)
}

// Hash returns the SHA256 hash of the body's canonical encoding. Votes for
// the same fact from different elders share the same body hash.
func (vb *VoteBody) Hash() ([]byte, error) {
	raw, err := vb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(raw), nil
}

// Vote is a proposed fact signed by one elder. Many votes for the same fact,
// from different elders, are the input to consensus.
type Vote struct {
	Body         VoteBody
	SignerPubKey string
	Signature    string
}

// NewVote ...
func NewVote(body VoteBody) *Vote {
	return &Vote{Body: body}
}

// Sign signs the body hash and records the signer's public key.
func (v *Vote) Sign(privKey *ecdsa.PrivateKey) error {
	signBytes, err := v.Body.Hash()
	if err != nil {
		return err
	}

	R, S, err := keys.Sign(privKey, signBytes)
	if err != nil {
		return err
	}

	v.SignerPubKey = keys.PublicKeyHex(&privKey.PublicKey)
	v.Signature = keys.EncodeSignature(R, S)

	return nil
}

// Verify checks the vote's signature against its claimed signer.
func (v *Vote) Verify() (bool, error) {
	pubBytes, err := common.DecodeFromString(v.SignerPubKey)
	if err != nil {
		return false, err
	}
	pubKey := keys.ToPublicKey(pubBytes)

	signBytes, err := v.Body.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(v.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Key identifies a (fact, signer) pair. The filter and the consensus adapter
// use it to deduplicate votes: a second vote with the same key is absorbed
// silently.
func (v *Vote) Key() string {
	hash, _ := v.Body.Hash()
	return fmt.Sprintf("%s-%s", common.EncodeToString(hash), v.SignerPubKey)
}

// FactKey identifies the fact alone, across signers.
func (v *Vote) FactKey() string {
	hash, _ := v.Body.Hash()
	return common.EncodeToString(hash)
}

// Marshal ...
func (v *Vote) Marshal() ([]byte, error) {
	return wire.Marshal(v)
}

// Unmarshal ...
func (v *Vote) Unmarshal(data []byte) error {
	return wire.Unmarshal(data, v)
}
