package peers

import (
	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/xor"
)

// Peer is the immutable identity of a node: an XOR-space name derived from
// its public key, the public key itself, a network address, and an age
// counter. The age increases every time the peer survives a relocation; it
// never changes in place, a relocation mints a new Peer value.
type Peer struct {
	NetAddr   string `json:"NetAddr"`
	PubKeyHex string `json:"PubKeyHex"`
	Moniker   string `json:"Moniker,omitempty"`
	Age       uint8  `json:"Age"`

	//cached values
	id       uint32
	name     *xor.Name
	pubBytes []byte
}

// NewPeer instantiates a Peer.
func NewPeer(pubKeyHex, netAddr, moniker string) *Peer {
	peer := &Peer{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		Moniker:   moniker,
	}

	return peer
}

// PubKeyBytes returns the decoded public key.
func (p *Peer) PubKeyBytes() []byte {
	if p.pubBytes == nil {
		b, err := common.DecodeFromString(p.PubKeyHex)
		if err != nil {
			return nil
		}
		p.pubBytes = b
	}
	return p.pubBytes
}

// PubKeyString returns the hex representation of the public key, which is the
// canonical string identifier of a peer.
func (p *Peer) PubKeyString() string {
	return p.PubKeyHex
}

// ID returns a compact numeric identifier derived from the public key. It is
// used in log fields and map keys, never for authentication.
func (p *Peer) ID() uint32 {
	if p.id == 0 {
		p.id = common.Hash32(p.PubKeyBytes())
	}
	return p.id
}

// Name returns the peer's XOR-space name, the SHA256 of its public key.
func (p *Peer) Name() xor.Name {
	if p.name == nil {
		n := xor.NameFromPubKey(p.PubKeyBytes())
		p.name = &n
	}
	return *p.name
}

// WithAge returns a copy of the peer with the given age. Used when a
// relocation is agreed: the relocated peer re-joins its destination section
// one age older.
func (p *Peer) WithAge(age uint8) *Peer {
	return &Peer{
		NetAddr:   p.NetAddr,
		PubKeyHex: p.PubKeyHex,
		Moniker:   p.Moniker,
		Age:       age,
	}
}
