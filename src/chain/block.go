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

// BlockKind identifies the section-state delta a block carries.
type BlockKind uint8

const (
	// BlockGenesis seeds a chain; it is the trust anchor and carries no
	// authorizing signatures from a previous elder set.
	BlockGenesis BlockKind = iota
	// BlockUpdate changes the section's elder set in place.
	BlockUpdate
	// BlockSplit replaces the section with its two children.
	BlockSplit
	// BlockMerge replaces the section and its sibling with their parent.
	BlockMerge
)

// String ...
func (k BlockKind) String() string {
	switch k {
	case BlockGenesis:
		return "Genesis"
	case BlockUpdate:
		return "Update"
	case BlockSplit:
		return "Split"
	case BlockMerge:
		return "Merge"
	default:
		return "Unknown"
	}
}

// BlockBody is the signed content of a Block: the consensus-agreed outcome of
// one or more votes, and the resulting section state.
type BlockBody struct {
	Index  int
	Prefix string //bit-string of the section this block belongs to
	Kind   BlockKind

	// Elders is the resulting elder set for Update, Merge and Genesis blocks.
	Elders []*peers.Peer `json:",omitempty"`

	// ZeroElders and OneElders are the resulting child elder sets of a Split
	// block, for the 0-child and 1-child prefixes respectively.
	ZeroElders []*peers.Peer `json:",omitempty"`
	OneElders  []*peers.Peer `json:",omitempty"`

	// VoteHashes are the body hashes of the agreed votes this block enacts;
	// the audit trail back to individual proposals.
	VoteHashes [][]byte `json:",omitempty"`
}

// Marshal returns the canonical encoding of the body.
func (bb *BlockBody) Marshal() ([]byte, error) {
	return wire.Marshal(bb)
}

// Hash returns the SHA256 hash of the body's canonical encoding; this is what
// elders sign.
func (bb *BlockBody) Hash() ([]byte, error) {
	raw, err := bb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(raw), nil
}

// BlockSignature is one elder's signature over a block body.
type BlockSignature struct {
	Validator []byte
	Index     int //Block Index
	Signature string
}

// ValidatorHex ...
func (bs *BlockSignature) ValidatorHex() string {
	return common.EncodeToString(bs.Validator)
}

// Block is a finalized membership-change record: a body plus the threshold
// set of elder signatures that authorizes it. The signatures must be drawn
// from the elder set established by the previous block in the chain; that
// cross-reference is what makes a chain verifiable from genesis without any
// other state.
type Block struct {
	Body       BlockBody
	Signatures map[string]string // [validator hex] => signature

	//cached values
	hash []byte
	hex  string
}

// NewBlock ...
func NewBlock(body BlockBody) *Block {
	return &Block{
		Body:       body,
		Signatures: make(map[string]string),
	}
}

// Index ...
func (b *Block) Index() int {
	return b.Body.Index
}

// Prefix ...
func (b *Block) Prefix() string {
	return b.Body.Prefix
}

// Kind ...
func (b *Block) Kind() BlockKind {
	return b.Body.Kind
}

// GetSignatures returns the block's signatures as a slice.
func (b *Block) GetSignatures() []BlockSignature {
	res := make([]BlockSignature, 0, len(b.Signatures))
	for val, sig := range b.Signatures {
		validatorBytes, _ := common.DecodeFromString(val)
		res = append(res, BlockSignature{
			Validator: validatorBytes,
			Index:     b.Index(),
			Signature: sig,
		})
	}
	return res
}

// Sign produces the local elder's signature over the block body. It does not
// attach it; call SetSignature with the result.
func (b *Block) Sign(privKey *ecdsa.PrivateKey) (bs BlockSignature, err error) {
	signBytes, err := b.Body.Hash()
	if err != nil {
		return bs, err
	}
	R, S, err := keys.Sign(privKey, signBytes)
	if err != nil {
		return bs, err
	}

	return BlockSignature{
		Validator: keys.FromPublicKey(&privKey.PublicKey),
		Index:     b.Index(),
		Signature: keys.EncodeSignature(R, S),
	}, nil
}

// SetSignature attaches a signature to the block. A later signature from the
// same validator replaces the earlier one.
func (b *Block) SetSignature(bs BlockSignature) error {
	if bs.Index != b.Index() {
		return fmt.Errorf("signature index %d does not match block index %d", bs.Index, b.Index())
	}
	b.Signatures[bs.ValidatorHex()] = bs.Signature
	return nil
}

// Verify checks one signature against the block body.
func (b *Block) Verify(sig BlockSignature) (bool, error) {
	signBytes, err := b.Body.Hash()
	if err != nil {
		return false, err
	}

	pubKey := keys.ToPublicKey(sig.Validator)

	r, s, err := keys.DecodeSignature(sig.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Marshal ...
func (b *Block) Marshal() ([]byte, error) {
	return wire.Marshal(b)
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	return wire.Unmarshal(data, b)
}

// Hash returns the SHA256 of the block's canonical encoding, signatures
// included.
func (b *Block) Hash() ([]byte, error) {
	if len(b.hash) == 0 {
		raw, err := b.Marshal()
		if err != nil {
			return nil, err
		}
		b.hash = crypto.SHA256(raw)
	}
	return b.hash, nil
}

// Hex ...
func (b *Block) Hex() string {
	if b.hex == "" {
		hash, _ := b.Hash()
		b.hex = common.EncodeToString(hash)
	}
	return b.hex
}

// ResultingElders returns the elder set this block establishes for the given
// prefix. For a Split block the answer depends on which child asks.
func (b *Block) ResultingElders(prefix string) (*peers.ElderSet, error) {
	switch b.Body.Kind {
	case BlockSplit:
		switch prefix {
		case b.Body.Prefix + "0":
			return peers.NewElderSet(b.Body.ZeroElders), nil
		case b.Body.Prefix + "1":
			return peers.NewElderSet(b.Body.OneElders), nil
		default:
			return nil, fmt.Errorf("prefix %s is not a child of split block prefix %s", prefix, b.Body.Prefix)
		}
	default:
		return peers.NewElderSet(b.Body.Elders), nil
	}
}
