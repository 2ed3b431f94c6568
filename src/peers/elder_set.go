package peers

import (
	"bytes"
	"encoding/json"

	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/crypto"
)

// ElderSet is the set of peers currently authorized to vote and sign on
// behalf of a section. It is immutable: membership changes produce a new
// ElderSet through WithNewPeer / WithRemovedPeer.
type ElderSet struct {
	Elders   []*Peer          `json:"elders"`
	ByPubKey map[string]*Peer `json:"-"`
	ByID     map[uint32]*Peer `json:"-"`

	//cached values
	hash   []byte
	hex    string
	quorum *int
}

/* Constructors */

// NewElderSet creates a new ElderSet from a list of Peers
func NewElderSet(elders []*Peer) *ElderSet {
	elderSet := &ElderSet{
		ByPubKey: make(map[string]*Peer),
		ByID:     make(map[uint32]*Peer),
	}

	for _, peer := range elders {
		elderSet.ByPubKey[peer.PubKeyString()] = peer
		elderSet.ByID[peer.ID()] = peer
	}

	elderSet.Elders = elders

	return elderSet
}

// NewElderSetFromBytes creates a new ElderSet from a JSON-encoded peer slice.
func NewElderSetFromBytes(peerSliceBytes []byte) (*ElderSet, error) {
	elders := []*Peer{}

	b := bytes.NewBuffer(peerSliceBytes)
	dec := json.NewDecoder(b) //will read from b

	err := dec.Decode(&elders)
	if err != nil {
		return nil, err
	}

	return NewElderSet(elders), nil
}

// WithNewPeer returns a new ElderSet including the given peer.
func (es *ElderSet) WithNewPeer(peer *Peer) *ElderSet {
	elders := es.Elders

	//don't add it if it already exists
	if _, ok := es.ByPubKey[peer.PubKeyString()]; !ok {
		elders = append(elders, peer)
	}

	return NewElderSet(elders)
}

// WithRemovedPeer returns a new ElderSet excluding the given peer.
func (es *ElderSet) WithRemovedPeer(peer *Peer) *ElderSet {
	elders := []*Peer{}
	for _, p := range es.Elders {
		if p.PubKeyHex != peer.PubKeyHex {
			elders = append(elders, p)
		}
	}
	return NewElderSet(elders)
}

/* Utilities */

// Contains reports whether the set holds an elder with the given public key.
func (es *ElderSet) Contains(pubKeyHex string) bool {
	_, ok := es.ByPubKey[pubKeyHex]
	return ok
}

// PubKeys returns the ElderSet's slice of public keys
func (es *ElderSet) PubKeys() []string {
	res := []string{}

	for _, peer := range es.Elders {
		res = append(res, peer.PubKeyString())
	}

	return res
}

// Len returns the number of elders in the set
func (es *ElderSet) Len() int {
	return len(es.ByPubKey)
}

// Hash uniquely identifies an ElderSet. It is computed by hashing (SHA256)
// the elders' public keys together, one by one.
func (es *ElderSet) Hash() ([]byte, error) {
	if len(es.hash) == 0 {
		hash := []byte{}
		for _, p := range es.Elders {
			pk := p.PubKeyBytes()
			hash = crypto.SimpleHashFromTwoHashes(hash, pk)
		}
		es.hash = hash
	}
	return es.hash, nil
}

// Hex is the hexadecimal representation of Hash
func (es *ElderSet) Hex() string {
	if len(es.hex) == 0 {
		hash, _ := es.Hash()
		es.hex = common.EncodeToString(hash)
	}
	return es.hex
}

// Marshal marshals the elder slice
func (es *ElderSet) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(es.Elders); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Quorum is the number of elder signatures required to finalize a block or
// deliver an accumulated message: the set size minus the number of tolerated
// Byzantine members (floor(N/3)).
func (es *ElderSet) Quorum() int {
	if es.quorum == nil {
		val := es.Len() - es.Len()/3
		es.quorum = &val
	}
	return *es.quorum
}
