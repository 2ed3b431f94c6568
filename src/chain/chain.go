package chain

import (
	"github.com/sectornet/routing/src/peers"
	"github.com/sirupsen/logrus"
)

// ProofChain is the append-only, cryptographically linked sequence of agreed
// membership-change blocks of one section. Block[n]'s authorizing signatures
// must reach the quorum of the elder set established by Block[n-1]; once a
// block is appended the chain never forks.
//
// A ProofChain is single-writer: it is owned by its Section and only mutated
// from the node's routing loop.
type ProofChain struct {
	prefix string
	store  Store
	head   *Block
	elders *peers.ElderSet //established by head for this prefix; nil until genesis

	logger *logrus.Entry
}

// NewProofChain creates an empty chain for a section. The first block
// appended must be a genesis block: the trust anchor accepted without
// authorizing signatures.
func NewProofChain(prefix string, store Store, logger *logrus.Entry) *ProofChain {
	return &ProofChain{
		prefix: prefix,
		store:  store,
		logger: logger.WithField("prefix", displayPrefix(prefix)),
	}
}

// newChildChain continues a parent chain past a split block. The split block
// becomes the child chain's head, and the child's elder set is the one the
// split block establishes for the child prefix.
func newChildChain(prefix string, split *Block, store Store, logger *logrus.Entry) (*ProofChain, error) {
	elders, err := split.ResultingElders(prefix)
	if err != nil {
		return nil, err
	}
	return &ProofChain{
		prefix: prefix,
		store:  store,
		head:   split,
		elders: elders,
		logger: logger.WithField("prefix", displayPrefix(prefix)),
	}, nil
}

// newMergedChain starts the parent chain after a merge block.
func newMergedChain(prefix string, merge *Block, store Store, logger *logrus.Entry) *ProofChain {
	return &ProofChain{
		prefix: prefix,
		store:  store,
		head:   merge,
		elders: peers.NewElderSet(merge.Body.Elders),
		logger: logger.WithField("prefix", displayPrefix(prefix)),
	}
}

// Head returns the last appended block, or nil for an empty chain.
func (c *ProofChain) Head() *Block {
	return c.head
}

// Elders returns the elder set established by the chain head for this
// section, or nil for an empty chain.
func (c *ProofChain) Elders() *peers.ElderSet {
	return c.elders
}

// Prefix ...
func (c *ProofChain) Prefix() string {
	return c.prefix
}

// Append verifies a block against the chain head and persists it.
//
// It fails with StaleSequence if the block's index is not greater than the
// head's, SkippedSequence if it would leave a gap, BadSignature if an
// attached signature does not verify, and BrokenLink if the signatures are
// not drawn from, or do not reach the quorum of, the head's resulting elder
// set. All of these are recoverable; the caller re-derives from the new head.
func (c *ProofChain) Append(block *Block) error {
	if c.head == nil {
		if block.Kind() != BlockGenesis {
			return NewChainErr(BrokenLink, "first block of chain %s must be genesis, got %s",
				displayPrefix(c.prefix), block.Kind())
		}
		if block.Prefix() != c.prefix {
			return NewChainErr(UnknownPrefix, "genesis block prefix %s does not match chain %s",
				displayPrefix(block.Prefix()), displayPrefix(c.prefix))
		}
		return c.commit(block)
	}

	if block.Index() <= c.head.Index() {
		return NewChainErr(StaleSequence, "block index %d <= head index %d",
			block.Index(), c.head.Index())
	}
	if block.Index() > c.head.Index()+1 {
		return NewChainErr(SkippedSequence, "block index %d skips head index %d",
			block.Index(), c.head.Index())
	}

	if err := c.verifySignatures(block, c.elders); err != nil {
		return err
	}

	return c.commit(block)
}

// verifySignatures checks that the block carries a quorum of valid signatures
// from the given elder set, and nothing from outside it.
func (c *ProofChain) verifySignatures(block *Block, elders *peers.ElderSet) error {
	valid := 0
	for _, sig := range block.GetSignatures() {
		if !elders.Contains(sig.ValidatorHex()) {
			return NewChainErr(BrokenLink, "block %d signed by %.10s which is not in the authorizing elder set",
				block.Index(), sig.ValidatorHex())
		}

		ok, err := block.Verify(sig)
		if err != nil {
			return NewChainErr(BadSignature, "block %d signature from %.10s: %v",
				block.Index(), sig.ValidatorHex(), err)
		}
		if !ok {
			return NewChainErr(BadSignature, "block %d carries an invalid signature from %.10s",
				block.Index(), sig.ValidatorHex())
		}

		valid++
	}

	if valid < elders.Quorum() {
		return NewChainErr(BrokenLink, "block %d has %d valid signatures, quorum is %d",
			block.Index(), valid, elders.Quorum())
	}

	return nil
}

func (c *ProofChain) commit(block *Block) error {
	if err := c.store.SetBlock(block); err != nil {
		return err
	}

	c.head = block

	switch block.Kind() {
	case BlockSplit:
		//the section is superseded by its children; the table swaps this
		//chain out for two child chains
		c.elders = nil
	default:
		c.elders = peers.NewElderSet(block.Body.Elders)
	}

	c.logger.WithFields(logrus.Fields{
		"index": block.Index(),
		"kind":  block.Kind().String(),
	}).Debug("Appended block")

	return nil
}

// BlocksSince returns the lineage ending at the head, restricted to blocks
// with index strictly greater than skipIndex, in order. Blocks minted before
// a split or merge are stored under the prefix they were minted at, so the
// walk follows each block's own prefix backwards, mirroring the transitions
// VerifySuffix follows forwards. It is finite and restartable: a catching-up
// peer calls it repeatedly with the last index it verified. Pass -1 to replay
// from genesis.
func (c *ProofChain) BlocksSince(skipIndex int) ([]*Block, error) {
	if c.head == nil || c.head.Index() <= skipIndex {
		return []*Block{}, nil
	}

	lineage := []*Block{c.head}
	for block := c.head; block.Index() > skipIndex+1 && block.Kind() != BlockGenesis; {
		prev, err := c.previousBlock(block)
		if err != nil {
			return nil, err
		}
		lineage = append(lineage, prev)
		block = prev
	}

	for i, j := 0, len(lineage)-1; i < j; i, j = i+1, j-1 {
		lineage[i], lineage[j] = lineage[j], lineage[i]
	}
	return lineage, nil
}

// previousBlock returns the stored block that authorized the given one. The
// predecessor of a merge block lives under one of the child prefixes, the
// predecessor of a block heading a child chain is the split block at the
// parent prefix, and everything else continues its own prefix.
func (c *ProofChain) previousBlock(block *Block) (*Block, error) {
	index := block.Index() - 1

	candidates := []string{}
	if block.Kind() == BlockMerge {
		candidates = append(candidates, block.Prefix()+"0", block.Prefix()+"1")
	} else {
		candidates = append(candidates, block.Prefix())
		if p := block.Prefix(); len(p) > 0 {
			candidates = append(candidates, p[:len(p)-1])
		}
	}

	for _, prefix := range candidates {
		prev, err := c.store.GetBlock(prefix, index)
		if err != nil {
			continue
		}
		if !validTransition(prev, block) {
			continue
		}
		if block.Kind() == BlockMerge {
			//the lineage must verify forwards through this sibling
			elders, err := prev.ResultingElders(block.Prefix())
			if err != nil || verifyMergeWithin(block, elders) != nil {
				continue
			}
		}
		return prev, nil
	}

	return nil, NewChainErr(BrokenLink, "no stored block authorizes block %d at %s",
		block.Index(), displayPrefix(block.Prefix()))
}

// VerifySuffix checks a replayed chain suffix link by link: each block's
// signatures must reach the quorum of the elder set established by its
// predecessor, following prefix transitions across splits and merges. The
// first block must either be a genesis block or match the trusted block the
// verifier already holds. Used by joining peers, who start with zero state
// beyond the genesis block.
func VerifySuffix(trusted *Block, blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	prev := trusted
	start := 0

	if prev == nil {
		if blocks[0].Kind() != BlockGenesis {
			return NewChainErr(BrokenLink, "suffix must start with a genesis block, got %s",
				blocks[0].Kind())
		}
		prev = blocks[0]
		start = 1
	}

	for _, block := range blocks[start:] {
		if block.Index() != prev.Index()+1 {
			return NewChainErr(SkippedSequence, "block index %d does not follow %d",
				block.Index(), prev.Index())
		}

		if !validTransition(prev, block) {
			return NewChainErr(BrokenLink, "prefix %s does not follow from %s block at prefix %s",
				displayPrefix(block.Prefix()), prev.Kind(), displayPrefix(prev.Prefix()))
		}

		elders, err := prev.ResultingElders(block.Prefix())
		if err != nil {
			return NewChainErr(BrokenLink, "%v", err)
		}

		//a merge block carries the sibling quorum too; a verifier walking
		//one lineage only holds one side's elder set, so it counts the
		//signatures from that side and ignores the rest
		if block.Kind() == BlockMerge {
			if err := verifyMergeWithin(block, elders); err != nil {
				return err
			}
		} else {
			verifier := &ProofChain{prefix: block.Prefix()}
			if err := verifier.verifySignatures(block, elders); err != nil {
				return err
			}
		}

		prev = block
	}

	return nil
}

// verifyMergeWithin checks that a merge block carries a quorum of valid
// signatures from the given sibling elder set. Signatures from outside the
// set belong to the other sibling and are not counted.
func verifyMergeWithin(block *Block, elders *peers.ElderSet) error {
	valid := 0
	for _, sig := range block.GetSignatures() {
		if !elders.Contains(sig.ValidatorHex()) {
			continue
		}

		ok, err := block.Verify(sig)
		if err != nil {
			return NewChainErr(BadSignature, "merge block %d signature from %.10s: %v",
				block.Index(), sig.ValidatorHex(), err)
		}
		if !ok {
			return NewChainErr(BadSignature, "merge block %d carries an invalid signature from %.10s",
				block.Index(), sig.ValidatorHex())
		}

		valid++
	}

	if valid < elders.Quorum() {
		return NewChainErr(BrokenLink, "merge block %d has %d valid signatures from the lineage side, quorum is %d",
			block.Index(), valid, elders.Quorum())
	}

	return nil
}

// validTransition reports whether next's prefix can legally follow prev.
func validTransition(prev, next *Block) bool {
	switch prev.Kind() {
	case BlockSplit:
		return next.Prefix() == prev.Prefix()+"0" || next.Prefix() == prev.Prefix()+"1"
	default:
		if next.Kind() == BlockMerge {
			//the merge block lives at the parent prefix
			return len(prev.Prefix()) > 0 && next.Prefix() == prev.Prefix()[:len(prev.Prefix())-1]
		}
		return next.Prefix() == prev.Prefix()
	}
}

// displayPrefix renders the root prefix as "-" in logs and errors.
func displayPrefix(p string) string {
	if p == "" {
		return "-"
	}
	return p
}
