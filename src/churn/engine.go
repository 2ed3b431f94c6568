package churn

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/consensus"
	"github.com/sectornet/routing/src/peers"
	"github.com/sirupsen/logrus"
)

// Engine drives one section's membership changes: it proposes churn votes,
// tallies the votes that come out of agreement, deterministically derives the
// next elder set when a fact reaches quorum, and shepherds the resulting
// block through signature collection into the proof chain.
//
// Every elder of the section runs the same engine over the same agreed vote
// stream, so every elder builds bit-identical blocks; only signatures need to
// travel between them.
//
// The engine is single-writer, driven from the node's routing loop.
type Engine struct {
	state

	elderCount  int
	splitBuffer int
	probeRounds int

	table   *chain.SectionTable
	adapter *consensus.Adapter

	key       *ecdsa.PrivateKey
	localPeer *peers.Peer

	//members is the section's full roster, elders included, keyed by public
	//key. Kept in lockstep with agreed votes.
	members map[string]*peers.Peer

	//tally accumulates agreed votes per fact until the fact reaches the
	//quorum of the current elder set: fact key => signer => vote.
	tally   map[string]map[string]*chain.Vote
	enacted map[string]bool

	//pending is the block currently collecting signatures, pendingVote the
	//fact it enacts and pendingTally its agreed votes, kept aside so a
	//rejected block gives the fact back to the tally; earlySigs holds
	//signatures that arrived before we built the block.
	pending      *chain.Block
	pendingVote  *chain.Vote
	pendingTally map[string]*chain.Vote
	earlySigs    map[int][]chain.BlockSignature

	//relocations queued by committed Relocate facts, drained by the node to
	//land the aged peers at their destination
	relocations []Relocation

	//consecutive failed liveness probes per member public key
	probeMisses map[string]int

	logger *logrus.Entry
}

// NewEngine ...
func NewEngine(
	elderCount int,
	splitBuffer int,
	probeRounds int,
	table *chain.SectionTable,
	adapter *consensus.Adapter,
	key *ecdsa.PrivateKey,
	localPeer *peers.Peer,
	logger *logrus.Entry) *Engine {

	return &Engine{
		elderCount:  elderCount,
		splitBuffer: splitBuffer,
		probeRounds: probeRounds,
		table:       table,
		adapter:     adapter,
		key:         key,
		localPeer:   localPeer,
		members:     make(map[string]*peers.Peer),
		tally:       make(map[string]map[string]*chain.Vote),
		enacted:     make(map[string]bool),
		earlySigs:   make(map[int][]chain.BlockSignature),
		probeMisses: make(map[string]int),
		logger:      logger.WithField("prefix", "churn"),
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	return e.getState()
}

// SetMembers seeds the section roster, typically from the genesis elder set
// or a bootstrap snapshot.
func (e *Engine) SetMembers(members []*peers.Peer) {
	e.members = make(map[string]*peers.Peer)
	for _, p := range members {
		e.members[p.PubKeyString()] = p
	}
}

// Members returns the section roster.
func (e *Engine) Members() []*peers.Peer {
	res := make([]*peers.Peer, 0, len(e.members))
	for _, p := range e.members {
		res = append(res, p)
	}
	return res
}

// Member returns the roster entry for a public key.
func (e *Engine) Member(pubKey string) (*peers.Peer, bool) {
	p, ok := e.members[pubKey]
	return p, ok
}

// section returns the live section owning the local node's name.
func (e *Engine) section() (*chain.Section, error) {
	section, ok := e.table.LookupSection(e.localPeer.Name())
	if !ok {
		return nil, fmt.Errorf("no live section owns the local name")
	}
	return section, nil
}

/*******************************************************************************
Proposals
*******************************************************************************/

// Propose signs a vote body with the local key and submits it for agreement.
// The returned vote is also handed to the caller for broadcast to fellow
// elders.
func (e *Engine) Propose(body chain.VoteBody) (*chain.Vote, error) {
	section, err := e.section()
	if err != nil {
		return nil, err
	}
	body.Prefix = section.Chain.Prefix()

	vote := chain.NewVote(body)
	if err := vote.Sign(e.key); err != nil {
		return nil, err
	}

	if err := e.adapter.SubmitVote(vote); err != nil {
		return nil, err
	}

	if e.getState() == Stable {
		e.setState(Electing)
	}

	e.logger.WithFields(logrus.Fields{
		"kind": body.Kind.String(),
	}).Debug("Proposed vote")

	return vote, nil
}

// ProposeOnline proposes that a peer joined the section.
func (e *Engine) ProposeOnline(peer *peers.Peer) (*chain.Vote, error) {
	return e.Propose(chain.VoteBody{Kind: chain.VoteOnline, Peer: peer})
}

// ProposeOffline proposes that a peer left the section.
func (e *Engine) ProposeOffline(peer *peers.Peer, reason chain.Reason) (*chain.Vote, error) {
	return e.Propose(chain.VoteBody{Kind: chain.VoteOffline, Peer: peer, Reason: reason})
}

// ProposeRelocate proposes moving a peer out of the section. When the fact
// commits, the peer leaves the roster and a Relocation carrying the peer one
// age older is queued for the landing.
func (e *Engine) ProposeRelocate(peer *peers.Peer, target string) (*chain.Vote, error) {
	return e.Propose(chain.VoteBody{
		Kind:   chain.VoteRelocate,
		Peer:   peer,
		Reason: chain.ReasonRelocated,
		Target: target,
	})
}

// Relocation is a committed Relocate fact awaiting its landing: the aged peer
// re-joins the section owning its name.
type Relocation struct {
	Peer   *peers.Peer
	Target string
}

// TakeRelocations returns the relocations committed since the last call and
// clears the queue.
func (e *Engine) TakeRelocations() []Relocation {
	res := e.relocations
	e.relocations = nil
	return res
}

// Submit feeds a fellow elder's vote, received off the wire, into agreement.
// Duplicates are absorbed by the adapter.
func (e *Engine) Submit(vote *chain.Vote) error {
	return e.adapter.SubmitVote(vote)
}

/*******************************************************************************
Liveness probes
*******************************************************************************/

// ProbeOK records a successful liveness probe.
func (e *Engine) ProbeOK(pubKey string) {
	delete(e.probeMisses, pubKey)
}

// ProbeMissed records a failed liveness probe. When a member misses
// probeRounds consecutive probes, an Offline vote with ReasonUnresponsive is
// proposed and returned for broadcast; otherwise it returns nil.
func (e *Engine) ProbeMissed(pubKey string) (*chain.Vote, error) {
	member, ok := e.members[pubKey]
	if !ok {
		return nil, nil
	}

	e.probeMisses[pubKey]++
	if e.probeMisses[pubKey] < e.probeRounds {
		return nil, nil
	}
	delete(e.probeMisses, pubKey)

	e.logger.WithField("peer", member.Name().String()).
		Warning("Member failed liveness probes")

	return e.ProposeOffline(member, chain.ReasonUnresponsive)
}

/*******************************************************************************
Agreed votes
*******************************************************************************/

// HandleAgreed tallies one vote from the agreement stream. Votes from signers
// outside the current elder set do not count towards quorum; they were
// ordered, but they authorize nothing.
func (e *Engine) HandleAgreed(ev consensus.AgreedEvent) error {
	vote := ev.Vote

	section, err := e.section()
	if err != nil {
		return err
	}

	if !section.Elders().Contains(vote.SignerPubKey) {
		e.logger.WithField("signer", vote.SignerPubKey[:10]).
			Debug("Ignoring agreed vote from non-elder")
		return nil
	}

	fact := vote.FactKey()
	if e.enacted[fact] {
		return nil
	}

	if _, ok := e.tally[fact]; !ok {
		e.tally[fact] = make(map[string]*chain.Vote)
	}
	e.tally[fact][vote.SignerPubKey] = vote

	if e.getState() == Stable {
		e.setState(Electing)
	}

	return nil
}

// Flush builds the next block if some fact has reached quorum and no block is
// already in flight. It returns the local signature over the new block, for
// broadcast to fellow elders, or nil when there is nothing to do.
func (e *Engine) Flush() (*chain.BlockSignature, error) {
	if e.pending != nil {
		return nil, nil
	}

	section, err := e.section()
	if err != nil {
		return nil, err
	}
	quorum := section.Elders().Quorum()

	fact := e.quorumedFact(quorum)
	if fact == "" {
		return nil, nil
	}

	var sample *chain.Vote
	for _, v := range e.tally[fact] {
		sample = v
		break
	}

	block, err := e.buildBlock(section, sample)
	if err != nil {
		return nil, err
	}

	sig, err := block.Sign(e.key)
	if err != nil {
		return nil, err
	}
	if err := block.SetSignature(sig); err != nil {
		return nil, err
	}

	e.pending = block
	e.pendingVote = sample
	e.pendingTally = e.tally[fact]
	e.enacted[fact] = true
	delete(e.tally, fact)
	e.setState(Transitioning)

	e.logger.WithFields(logrus.Fields{
		"index": block.Index(),
		"kind":  block.Kind().String(),
	}).Debug("Built block")

	//a single-elder section commits on its own signature
	if len(block.Signatures) >= e.authorizingElders(section).Quorum() {
		return &sig, e.commitPending()
	}

	//signatures that raced ahead of us
	for _, early := range e.earlySigs[block.Index()] {
		if _, err := e.HandleBlockSignature(early); err != nil {
			return nil, err
		}
	}
	delete(e.earlySigs, block.Index())

	return &sig, nil
}

// quorumedFact returns a deterministically chosen fact whose tally reached
// quorum, or "". Agreement order already serialized the votes, so every elder
// sees the same tallies; picking the smallest key keeps the choice identical
// everywhere.
func (e *Engine) quorumedFact(quorum int) string {
	best := ""
	for fact, votes := range e.tally {
		if len(votes) < quorum {
			continue
		}
		if best == "" || fact < best {
			best = fact
		}
	}
	return best
}

/*******************************************************************************
Block construction
*******************************************************************************/

// buildBlock derives the section's next state from one agreed fact. The
// derivation is a pure function of the current section state and the fact, so
// every elder builds the same block.
func (e *Engine) buildBlock(section *chain.Section, vote *chain.Vote) (*chain.Block, error) {
	next := e.nextMembers(vote)
	factHash, err := vote.Body.Hash()
	if err != nil {
		return nil, err
	}

	prefixStr := section.Chain.Prefix()
	prefixLen := len(prefixStr)
	headIndex := section.Chain.Head().Index()

	//split when both children would hold a full elder set plus buffer
	zero, one := splitByBit(next, prefixLen)
	if len(zero) >= e.elderCount+e.splitBuffer && len(one) >= e.elderCount+e.splitBuffer {
		return chain.NewBlock(chain.BlockBody{
			Index:      headIndex + 1,
			Prefix:     prefixStr,
			Kind:       chain.BlockSplit,
			ZeroElders: peers.RankElders(zero, e.elderCount),
			OneElders:  peers.RankElders(one, e.elderCount),
			VoteHashes: [][]byte{factHash},
		}), nil
	}

	//merge when the section dropped below a full elder set and the sibling
	//is live
	if len(next) < e.elderCount && prefixLen > 0 {
		parentStr := prefixStr[:prefixLen-1]
		if sibling, ok := e.siblingSection(section); ok {
			union := append([]*peers.Peer{}, next...)
			union = append(union, sibling.Elders().Elders...)

			index := headIndex
			if i := sibling.Chain.Head().Index(); i > index {
				index = i
			}

			return chain.NewBlock(chain.BlockBody{
				Index:      index + 1,
				Prefix:     parentStr,
				Kind:       chain.BlockMerge,
				Elders:     peers.RankElders(union, e.elderCount),
				VoteHashes: [][]byte{factHash},
			}), nil
		}
	}

	return chain.NewBlock(chain.BlockBody{
		Index:      headIndex + 1,
		Prefix:     prefixStr,
		Kind:       chain.BlockUpdate,
		Elders:     peers.RankElders(next, e.elderCount),
		VoteHashes: [][]byte{factHash},
	}), nil
}

// nextMembers applies one agreed fact to the roster and returns the resulting
// member list. The roster itself is only updated once the block commits.
func (e *Engine) nextMembers(vote *chain.Vote) []*peers.Peer {
	next := make(map[string]*peers.Peer, len(e.members))
	for k, v := range e.members {
		next[k] = v
	}

	switch vote.Body.Kind {
	case chain.VoteOnline:
		next[vote.Body.Peer.PubKeyString()] = vote.Body.Peer
	case chain.VoteOffline, chain.VoteRelocate:
		delete(next, vote.Body.Peer.PubKeyString())
	}

	res := make([]*peers.Peer, 0, len(next))
	for _, p := range next {
		res = append(res, p)
	}
	return res
}

// splitByBit partitions members by the name bit just past the section prefix.
func splitByBit(members []*peers.Peer, bit int) (zero, one []*peers.Peer) {
	for _, p := range members {
		if p.Name().Bit(bit) == 0 {
			zero = append(zero, p)
		} else {
			one = append(one, p)
		}
	}
	return zero, one
}

func (e *Engine) siblingSection(section *chain.Section) (*chain.Section, bool) {
	return e.table.Section(section.Prefix.Sibling())
}

/*******************************************************************************
Signature collection and commit
*******************************************************************************/

// HandleBlockSignature attaches a fellow elder's signature to the pending
// block. When the block reaches quorum it is committed to the section table;
// the return value reports whether a commit happened.
//
// A rejected block is expected under concurrency: another quorum formed
// first. The proposal is discarded and the engine re-derives from the new
// head.
func (e *Engine) HandleBlockSignature(bs chain.BlockSignature) (bool, error) {
	if e.pending == nil || bs.Index != e.pending.Index() {
		if e.pending == nil || bs.Index > e.pending.Index() {
			e.earlySigs[bs.Index] = append(e.earlySigs[bs.Index], bs)
		}
		return false, nil
	}

	section, err := e.section()
	if err != nil {
		return false, err
	}

	//only signatures from the authorizing elder set count; anything else
	//would poison the pending block and get it rejected by the chain
	if !e.authorizingElders(section).Contains(bs.ValidatorHex()) {
		e.logger.WithField("validator", bs.ValidatorHex()[:10]).
			Warning("Dropping block signature from non-elder")
		return false, nil
	}

	ok, err := e.pending.Verify(bs)
	if err != nil || !ok {
		e.logger.WithField("validator", bs.ValidatorHex()[:10]).
			Warning("Dropping invalid block signature")
		return false, nil
	}

	if err := e.pending.SetSignature(bs); err != nil {
		return false, err
	}

	if len(e.pending.Signatures) < e.authorizingElders(section).Quorum() {
		return false, nil
	}

	return true, e.commitPending()
}

// authorizingElders is the set whose signatures can finalize the pending
// block: the current elder set, or the union across both siblings for a
// merge.
func (e *Engine) authorizingElders(section *chain.Section) *peers.ElderSet {
	elders := section.Elders()
	if e.pending == nil || e.pending.Kind() != chain.BlockMerge {
		return elders
	}

	if sibling, ok := e.siblingSection(section); ok {
		for _, p := range sibling.Elders().Elders {
			elders = elders.WithNewPeer(p)
		}
	}
	return elders
}

func (e *Engine) commitPending() error {
	block, vote, votes := e.pending, e.pendingVote, e.pendingTally
	e.pending, e.pendingVote, e.pendingTally = nil, nil, nil

	if err := e.table.ApplyBlock(block); err != nil {
		e.logger.WithError(err).WithField("index", block.Index()).
			Debug("Block rejected, re-deriving from new head")

		//the fact was agreed; give it back to the tally so the next Flush
		//re-derives it from the new head
		if vote != nil {
			fact := vote.FactKey()
			delete(e.enacted, fact)
			e.tally[fact] = votes
		}

		if len(e.tally) > 0 {
			e.setState(Electing)
		} else {
			e.setState(Stable)
		}
		return nil
	}

	return e.postCommit(block, vote)
}

// postCommit updates the roster for the new section shape and re-keys the
// agreement instance to the new elder set, resubmitting our own votes that
// were in flight and still apply.
func (e *Engine) postCommit(block *chain.Block, vote *chain.Vote) error {
	if vote != nil && vote.Body.Peer != nil {
		switch vote.Body.Kind {
		case chain.VoteOnline:
			e.members[vote.Body.Peer.PubKeyString()] = vote.Body.Peer
		case chain.VoteOffline:
			delete(e.members, vote.Body.Peer.PubKeyString())
		case chain.VoteRelocate:
			delete(e.members, vote.Body.Peer.PubKeyString())
			//the peer survived the relocation; it lands one age older
			e.relocations = append(e.relocations, Relocation{
				Peer:   vote.Body.Peer.WithAge(vote.Body.Peer.Age + 1),
				Target: vote.Body.Target,
			})
		}
	}

	section, err := e.section()
	if err != nil {
		return err
	}

	switch block.Kind() {
	case chain.BlockSplit:
		//only members on our side of the split remain in the roster
		for k, p := range e.members {
			if !section.Prefix.Matches(p.Name()) {
				delete(e.members, k)
			}
		}
	case chain.BlockMerge:
		//adopt the merged elder set; the rest of the sibling roster will be
		//learned through subsequent votes
		for _, p := range section.Elders().Elders {
			e.members[p.PubKeyString()] = p
		}
	}

	own, err := e.adapter.Rekey(section.Elders())
	if err != nil {
		return err
	}
	for _, vote := range own {
		if vote.Body.Prefix != section.Chain.Prefix() {
			continue
		}
		if err := e.adapter.SubmitVote(vote); err != nil {
			return err
		}
	}

	e.earlySigs = make(map[int][]chain.BlockSignature)
	e.setState(Stable)

	e.logger.WithFields(logrus.Fields{
		"index":  block.Index(),
		"kind":   block.Kind().String(),
		"elders": section.Elders().Len(),
	}).Info("Committed block")

	return nil
}
