package chain

import (
	"github.com/sectornet/routing/src/peers"
	"github.com/sectornet/routing/src/xor"
	"github.com/sirupsen/logrus"
)

// Section owns one prefix of the address space and the proof chain that
// records its membership history.
type Section struct {
	Prefix xor.Prefix
	Chain  *ProofChain
}

// Elders returns the section's current elder set.
func (s *Section) Elders() *peers.ElderSet {
	return s.Chain.Elders()
}

// SectionEntry is one row of a table snapshot, as served to joining peers.
type SectionEntry struct {
	Prefix string
	Elders []*peers.Peer
}

// SectionTable maps address-space prefixes to sections. It maintains the
// invariant that the live prefixes exactly partition the name space: a split
// atomically replaces one entry with its two children, a merge replaces two
// siblings with their parent. The table is single-writer, owned by the node's
// routing loop.
type SectionTable struct {
	sections map[xor.Prefix]*Section
	store    Store

	//notified after a split or merge so routing tables can be recomputed
	onChange []func(xor.Prefix)

	logger *logrus.Entry
}

// NewSectionTable ...
func NewSectionTable(store Store, logger *logrus.Entry) *SectionTable {
	return &SectionTable{
		sections: make(map[xor.Prefix]*Section),
		store:    store,
		logger:   logger.WithField("prefix", "table"),
	}
}

// OnChange registers a callback invoked with every prefix whose entry was
// created or replaced by a block.
func (t *SectionTable) OnChange(cb func(xor.Prefix)) {
	t.onChange = append(t.onChange, cb)
}

func (t *SectionTable) notify(prefixes ...xor.Prefix) {
	for _, p := range prefixes {
		for _, cb := range t.onChange {
			cb(p)
		}
	}
}

// Bootstrap seeds the table with a genesis block for a section. It is the
// only way a section appears other than through split/merge blocks.
func (t *SectionTable) Bootstrap(genesis *Block) error {
	prefix, err := xor.ParsePrefix(genesis.Prefix())
	if err != nil {
		return NewChainErr(UnknownPrefix, "%v", err)
	}

	chain := NewProofChain(genesis.Prefix(), t.store, t.logger)
	if err := chain.Append(genesis); err != nil {
		return err
	}

	t.sections[prefix] = &Section{Prefix: prefix, Chain: chain}
	t.notify(prefix)

	return nil
}

// LookupSection returns the section owning the most specific live prefix that
// matches the name. The partition invariant guarantees exactly one match when
// the table is non-empty.
func (t *SectionTable) LookupSection(name xor.Name) (*Section, bool) {
	var best *Section
	for _, s := range t.sections {
		if !s.Prefix.Matches(name) {
			continue
		}
		if best == nil || s.Prefix.Len > best.Prefix.Len {
			best = s
		}
	}
	return best, best != nil
}

// Section returns the section owning exactly the given prefix.
func (t *SectionTable) Section(prefix xor.Prefix) (*Section, bool) {
	s, ok := t.sections[prefix]
	return s, ok
}

// Sections returns all live sections.
func (t *SectionTable) Sections() []*Section {
	res := []*Section{}
	for _, s := range t.sections {
		res = append(res, s)
	}
	return res
}

// Prefixes returns the live prefixes.
func (t *SectionTable) Prefixes() []xor.Prefix {
	res := []xor.Prefix{}
	for p := range t.sections {
		res = append(res, p)
	}
	return res
}

// Partitioned reports whether the live prefixes exactly partition the name
// space. It must hold after every accepted block.
func (t *SectionTable) Partitioned() bool {
	return xor.Partitioned(t.Prefixes())
}

// Snapshot returns the table's current state, served to joining peers
// together with a verifiable chain suffix.
func (t *SectionTable) Snapshot() []SectionEntry {
	res := []SectionEntry{}
	for _, s := range t.sections {
		elders := []*peers.Peer{}
		if es := s.Elders(); es != nil {
			elders = es.Elders
		}
		res = append(res, SectionEntry{
			Prefix: s.Chain.Prefix(),
			Elders: elders,
		})
	}
	return res
}

// ApplyBlock routes a block to the section it names and updates the table on
// success. A rejected block mutates nothing. On a split, the parent entry is
// atomically replaced by its two children; on a merge, the two siblings are
// replaced by their parent.
func (t *SectionTable) ApplyBlock(block *Block) error {
	switch block.Kind() {
	case BlockMerge:
		return t.applyMerge(block)
	default:
		return t.applyToSection(block)
	}
}

func (t *SectionTable) applyToSection(block *Block) error {
	prefix, err := xor.ParsePrefix(block.Prefix())
	if err != nil {
		return NewChainErr(UnknownPrefix, "%v", err)
	}

	section, ok := t.sections[prefix]
	if !ok {
		return NewChainErr(UnknownPrefix, "no live section owns prefix %s",
			displayPrefix(block.Prefix()))
	}

	if err := section.Chain.Append(block); err != nil {
		return err
	}

	if block.Kind() == BlockSplit {
		return t.splitSection(section, block)
	}

	t.notify(prefix)
	return nil
}

// splitSection replaces a section entry with its two children. The split
// block was already verified and appended by the parent chain.
func (t *SectionTable) splitSection(parent *Section, split *Block) error {
	zeroChain, err := newChildChain(split.Prefix()+"0", split, t.store, t.logger)
	if err != nil {
		return err
	}
	oneChain, err := newChildChain(split.Prefix()+"1", split, t.store, t.logger)
	if err != nil {
		return err
	}

	zeroPrefix := parent.Prefix.Child(0)
	onePrefix := parent.Prefix.Child(1)

	delete(t.sections, parent.Prefix)
	t.sections[zeroPrefix] = &Section{Prefix: zeroPrefix, Chain: zeroChain}
	t.sections[onePrefix] = &Section{Prefix: onePrefix, Chain: oneChain}

	t.logger.WithFields(logrus.Fields{
		"parent": parent.Prefix.String(),
		"index":  split.Index(),
	}).Info("Section split")

	t.notify(zeroPrefix, onePrefix)
	return nil
}

// applyMerge verifies a merge block against the union of the two sibling
// elder sets and replaces both entries with the parent. The union quorum
// guards the transition: neither sibling can merge the pair on its own.
func (t *SectionTable) applyMerge(block *Block) error {
	parentPrefix, err := xor.ParsePrefix(block.Prefix())
	if err != nil {
		return NewChainErr(UnknownPrefix, "%v", err)
	}

	zero, okZero := t.sections[parentPrefix.Child(0)]
	one, okOne := t.sections[parentPrefix.Child(1)]
	if !okZero || !okOne {
		return NewChainErr(NoSibling, "merge at %s requires both children to be live",
			displayPrefix(block.Prefix()))
	}

	maxIndex := zero.Chain.Head().Index()
	if i := one.Chain.Head().Index(); i > maxIndex {
		maxIndex = i
	}
	if block.Index() <= maxIndex {
		return NewChainErr(StaleSequence, "merge block index %d <= sibling head index %d",
			block.Index(), maxIndex)
	}
	if block.Index() > maxIndex+1 {
		return NewChainErr(SkippedSequence, "merge block index %d skips sibling head index %d",
			block.Index(), maxIndex)
	}

	union := zero.Elders()
	for _, p := range one.Elders().Elders {
		union = union.WithNewPeer(p)
	}

	verifier := &ProofChain{prefix: block.Prefix()}
	if err := verifier.verifySignatures(block, union); err != nil {
		return err
	}

	if err := t.store.SetBlock(block); err != nil {
		return err
	}

	delete(t.sections, zero.Prefix)
	delete(t.sections, one.Prefix)

	merged := newMergedChain(block.Prefix(), block, t.store, t.logger)
	t.sections[parentPrefix] = &Section{Prefix: parentPrefix, Chain: merged}

	t.logger.WithFields(logrus.Fields{
		"parent": parentPrefix.String(),
		"index":  block.Index(),
	}).Info("Sections merged")

	t.notify(parentPrefix)
	return nil
}
