package churn

import (
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/consensus"
	"github.com/sectornet/routing/src/crypto/keys"
	"github.com/sectornet/routing/src/peers"
	"github.com/sirupsen/logrus"
)

type testNode struct {
	key    *ecdsa.PrivateKey
	peer   *peers.Peer
	table  *chain.SectionTable
	engine *Engine
}

func newTestPeer(t *testing.T, i int) (*ecdsa.PrivateKey, *peers.Peer) {
	t.Helper()
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	peer := peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), fmt.Sprintf("127.0.0.1:%d", i), fmt.Sprintf("node%d", i))
	peer.Age = uint8(20 - i)
	return key, peer
}

// newTestPeerWithBit draws keys until the peer's name starts with the wanted
// bit.
func newTestPeerWithBit(t *testing.T, i int, bit uint8) (*ecdsa.PrivateKey, *peers.Peer) {
	t.Helper()
	for attempt := 0; attempt < 100; attempt++ {
		key, peer := newTestPeer(t, i)
		if peer.Name().Bit(0) == bit {
			return key, peer
		}
	}
	t.Fatal("could not draw a key with the wanted name bit")
	return nil, nil
}

// newTestSection builds one engine-backed node per elder, all bootstrapped
// from the same genesis block and sharing one agreement hub.
func newTestSection(t *testing.T, elderCount, splitBuffer int, n int) []*testNode {
	t.Helper()

	hub := consensus.NewInmemHub()
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	members := []*peers.Peer{}
	nodes := []*testNode{}
	for i := 0; i < n; i++ {
		key, peer := newTestPeer(t, i)
		members = append(members, peer)
		nodes = append(nodes, &testNode{key: key, peer: peer})
	}

	genesis := chain.NewBlock(chain.BlockBody{
		Index:  0,
		Prefix: "",
		Kind:   chain.BlockGenesis,
		Elders: members,
	})

	for _, node := range nodes {
		node.table = chain.NewSectionTable(chain.NewInmemStore(100), logger)
		if err := node.table.Bootstrap(genesis); err != nil {
			t.Fatal(err)
		}
		adapter := consensus.NewAdapter(hub.Join(), node.peer.PubKeyString(), logger)
		node.engine = NewEngine(elderCount, splitBuffer, 3, node.table, adapter, node.key, node.peer, logger)
		node.engine.SetMembers(members)
	}

	return nodes
}

// pump drains agreement, flushes blocks and exchanges block signatures until
// every engine settles.
func pump(t *testing.T, nodes []*testNode) {
	t.Helper()

	for round := 0; round < 10; round++ {
		sigs := []chain.BlockSignature{}

		for _, node := range nodes {
			for _, ev := range node.engine.adapter.PollAgreed() {
				if err := node.engine.HandleAgreed(ev); err != nil {
					t.Fatal(err)
				}
			}
			sig, err := node.engine.Flush()
			if err != nil {
				t.Fatal(err)
			}
			if sig != nil {
				sigs = append(sigs, *sig)
			}
		}

		for _, sig := range sigs {
			for _, node := range nodes {
				if _, err := node.engine.HandleBlockSignature(sig); err != nil {
					t.Fatal(err)
				}
			}
		}

		settled := true
		for _, node := range nodes {
			if node.engine.State() != Stable {
				settled = false
			}
		}
		if settled && len(sigs) == 0 && round > 0 {
			return
		}
	}
}

func TestEngineOnlineUpdate(t *testing.T) {
	nodes := newTestSection(t, 7, 3, 4)
	_, joiner := newTestPeer(t, 50)

	for _, node := range nodes {
		if _, err := node.engine.ProposeOnline(joiner); err != nil {
			t.Fatal(err)
		}
	}

	pump(t, nodes)

	for i, node := range nodes {
		section, err := node.engine.section()
		if err != nil {
			t.Fatal(err)
		}
		if section.Chain.Head().Index() != 1 {
			t.Fatalf("node %d head index is %d, want 1", i, section.Chain.Head().Index())
		}
		if section.Elders().Len() != 5 {
			t.Fatalf("node %d elder set has %d members, want 5", i, section.Elders().Len())
		}
		if !section.Elders().Contains(joiner.PubKeyString()) {
			t.Fatalf("node %d elder set is missing the joiner", i)
		}
		if node.engine.State() != Stable {
			t.Fatalf("node %d is %s, want Stable", i, node.engine.State())
		}
		if len(node.engine.Members()) != 5 {
			t.Fatalf("node %d roster has %d members, want 5", i, len(node.engine.Members()))
		}
	}
}

func TestEngineOfflineUpdate(t *testing.T) {
	nodes := newTestSection(t, 7, 3, 5)
	leaver := nodes[4].peer

	for _, node := range nodes[:4] {
		if _, err := node.engine.ProposeOffline(leaver, chain.ReasonVoluntary); err != nil {
			t.Fatal(err)
		}
	}

	pump(t, nodes[:4])

	for i, node := range nodes[:4] {
		section, err := node.engine.section()
		if err != nil {
			t.Fatal(err)
		}
		if section.Elders().Len() != 4 {
			t.Fatalf("node %d elder set has %d members, want 4", i, section.Elders().Len())
		}
		if section.Elders().Contains(leaver.PubKeyString()) {
			t.Fatalf("node %d elder set still contains the leaver", i)
		}
	}
}

func TestEngineDuplicateVotesAbsorbed(t *testing.T) {
	nodes := newTestSection(t, 7, 3, 4)
	_, joiner := newTestPeer(t, 50)

	//every elder proposes the same fact twice
	for _, node := range nodes {
		vote, err := node.engine.ProposeOnline(joiner)
		if err != nil {
			t.Fatal(err)
		}
		if err := node.engine.Submit(vote); err != nil {
			t.Fatal(err)
		}
	}

	pump(t, nodes)

	for i, node := range nodes {
		section, err := node.engine.section()
		if err != nil {
			t.Fatal(err)
		}
		if section.Chain.Head().Index() != 1 {
			t.Fatalf("node %d head index is %d, want exactly 1 block", i, section.Chain.Head().Index())
		}
	}
}

func TestEngineSplit(t *testing.T) {
	//10 members and a low split threshold: the next join tips the section
	//over when both halves hold at least elderCount+splitBuffer members
	nodes := newTestSection(t, 2, 1, 10)

	zero, one := 0, 0
	for _, node := range nodes {
		if node.peer.Name().Bit(0) == 0 {
			zero++
		} else {
			one++
		}
	}
	if zero < 3 || one < 2 {
		t.Skip("degenerate key draw: the halves cannot both reach the split threshold")
	}

	_, joiner := newTestPeerWithBit(t, 50, 1)

	for _, node := range nodes {
		if _, err := node.engine.ProposeOnline(joiner); err != nil {
			t.Fatal(err)
		}
	}

	pump(t, nodes)

	for i, node := range nodes {
		if len(node.table.Sections()) != 2 {
			t.Fatalf("node %d has %d sections, want 2", i, len(node.table.Sections()))
		}
		if !node.table.Partitioned() {
			t.Fatalf("node %d table broke the partition invariant", i)
		}

		section, err := node.engine.section()
		if err != nil {
			t.Fatal(err)
		}
		if section.Prefix.Len != 1 {
			t.Fatalf("node %d is in prefix %s, want a child section", i, section.Prefix.String())
		}
		for _, m := range node.engine.Members() {
			if !section.Prefix.Matches(m.Name()) {
				t.Fatalf("node %d roster kept %s from the other half", i, m.Name().String())
			}
		}
	}
}

func TestEngineMerge(t *testing.T) {
	//zero side: local a, fellow elder b, and departing member x; one side:
	//elders c and d. When x goes offline the zero side drops below a full
	//elder set and proposes the merge.
	keyA, a := newTestPeerWithBit(t, 0, 0)
	keyB, b := newTestPeerWithBit(t, 1, 0)
	_, x := newTestPeerWithBit(t, 2, 0)
	keyC, c := newTestPeerWithBit(t, 3, 1)
	keyD, d := newTestPeerWithBit(t, 4, 1)

	all := []*peers.Peer{a, b, x, c, d}
	allKeys := []*ecdsa.PrivateKey{keyA, keyB, nil, keyC, keyD}

	logger := common.NewTestEntry(t, logrus.DebugLevel)
	table := chain.NewSectionTable(chain.NewInmemStore(100), logger)

	genesis := chain.NewBlock(chain.BlockBody{Index: 0, Prefix: "", Kind: chain.BlockGenesis, Elders: all})
	if err := table.Bootstrap(genesis); err != nil {
		t.Fatal(err)
	}

	split := chain.NewBlock(chain.BlockBody{
		Index:      1,
		Prefix:     "",
		Kind:       chain.BlockSplit,
		ZeroElders: []*peers.Peer{a, b, x},
		OneElders:  []*peers.Peer{c, d},
	})
	for _, key := range allKeys {
		if key == nil {
			continue
		}
		sig, err := split.Sign(key)
		if err != nil {
			t.Fatal(err)
		}
		if err := split.SetSignature(sig); err != nil {
			t.Fatal(err)
		}
	}
	if err := table.ApplyBlock(split); err != nil {
		t.Fatal(err)
	}

	hub := consensus.NewInmemHub()
	adapter := consensus.NewAdapter(hub.Join(), a.PubKeyString(), logger)
	engine := NewEngine(3, 1, 3, table, adapter, keyA, a, logger)
	engine.SetMembers([]*peers.Peer{a, b, x})

	//a and b both vote x offline
	vote, err := engine.ProposeOffline(x, chain.ReasonUnresponsive)
	if err != nil {
		t.Fatal(err)
	}
	peerVote := chain.NewVote(vote.Body)
	if err := peerVote.Sign(keyB); err != nil {
		t.Fatal(err)
	}
	if err := engine.Submit(peerVote); err != nil {
		t.Fatal(err)
	}

	for _, ev := range adapter.PollAgreed() {
		if err := engine.HandleAgreed(ev); err != nil {
			t.Fatal(err)
		}
	}
	sig, err := engine.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil {
		t.Fatal("expected a merge block to be built")
	}
	if engine.pending == nil || engine.pending.Kind() != chain.BlockMerge {
		t.Fatal("pending block should be a merge")
	}

	//b, c and d countersign; the merge quorum spans both siblings
	for _, key := range []*ecdsa.PrivateKey{keyB, keyC, keyD} {
		bs, err := engine.pending.Sign(key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := engine.HandleBlockSignature(bs); err != nil {
			t.Fatal(err)
		}
	}

	if len(table.Sections()) != 1 {
		t.Fatalf("expected 1 section after merge, got %d", len(table.Sections()))
	}
	if !table.Partitioned() {
		t.Fatal("merge broke the partition invariant")
	}

	section, err := engine.section()
	if err != nil {
		t.Fatal(err)
	}
	if section.Prefix.Len != 0 {
		t.Fatalf("local node should land in the root section, got %s", section.Prefix.String())
	}
	if section.Elders().Contains(x.PubKeyString()) {
		t.Fatal("departed member should not be in the merged elder set")
	}
	if engine.State() != Stable {
		t.Fatalf("engine is %s, want Stable", engine.State())
	}
}

func TestEngineStrangerSignatureIgnored(t *testing.T) {
	//a signature from outside the elder set must not count towards the
	//block's quorum, nor poison the block
	nodes := newTestSection(t, 7, 3, 4)
	_, joiner := newTestPeer(t, 50)

	for _, node := range nodes {
		if _, err := node.engine.ProposeOnline(joiner); err != nil {
			t.Fatal(err)
		}
	}

	engine := nodes[0].engine
	for _, ev := range engine.adapter.PollAgreed() {
		if err := engine.HandleAgreed(ev); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := engine.Flush(); err != nil {
		t.Fatal(err)
	}
	if engine.pending == nil {
		t.Fatal("expected a pending block")
	}

	strangerKey, _ := newTestPeer(t, 60)
	strangerSig, err := engine.pending.Sign(strangerKey)
	if err != nil {
		t.Fatal(err)
	}
	committed, err := engine.HandleBlockSignature(strangerSig)
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Fatal("a stranger signature must not commit the block")
	}
	if len(engine.pending.Signatures) != 1 {
		t.Fatalf("pending block carries %d signatures, want only the local one", len(engine.pending.Signatures))
	}

	//honest elder signatures still commit the block
	for _, node := range nodes[1:3] {
		bs, err := engine.pending.Sign(node.key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := engine.HandleBlockSignature(bs); err != nil {
			t.Fatal(err)
		}
	}

	section, err := engine.section()
	if err != nil {
		t.Fatal(err)
	}
	if section.Chain.Head().Index() != 1 {
		t.Fatalf("head index is %d, want 1", section.Chain.Head().Index())
	}
	if !section.Elders().Contains(joiner.PubKeyString()) {
		t.Fatal("elder set is missing the joiner")
	}
}

func TestEngineRederivesRejectedBlock(t *testing.T) {
	//when another quorum commits first, the engine's own proposal is
	//rejected by the chain; the agreed fact goes back to the tally and is
	//rebuilt on top of the new head
	nodes := newTestSection(t, 7, 3, 4)
	_, joiner := newTestPeer(t, 50)

	for _, node := range nodes {
		if _, err := node.engine.ProposeOnline(joiner); err != nil {
			t.Fatal(err)
		}
	}

	engine := nodes[0].engine
	for _, ev := range engine.adapter.PollAgreed() {
		if err := engine.HandleAgreed(ev); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := engine.Flush(); err != nil {
		t.Fatal(err)
	}
	if engine.pending == nil {
		t.Fatal("expected a pending block")
	}

	//a competing block wins the race to index 1
	members := []*peers.Peer{}
	for _, node := range nodes {
		members = append(members, node.peer)
	}
	rival := chain.NewBlock(chain.BlockBody{
		Index:  1,
		Prefix: "",
		Kind:   chain.BlockUpdate,
		Elders: peers.RankElders(members, 7),
	})
	for _, node := range nodes[:3] {
		sig, err := rival.Sign(node.key)
		if err != nil {
			t.Fatal(err)
		}
		if err := rival.SetSignature(sig); err != nil {
			t.Fatal(err)
		}
	}
	if err := nodes[0].table.ApplyBlock(rival); err != nil {
		t.Fatal(err)
	}

	//honest signatures complete the stale proposal, which the chain rejects
	for _, node := range nodes[1:3] {
		bs, err := engine.pending.Sign(node.key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := engine.HandleBlockSignature(bs); err != nil {
			t.Fatal(err)
		}
	}
	if engine.pending != nil {
		t.Fatal("rejected proposal should be discarded")
	}
	if engine.State() != Electing {
		t.Fatalf("engine is %s, want Electing with the fact back in the tally", engine.State())
	}

	//the next flush rebuilds the fact on top of the rival block
	if _, err := engine.Flush(); err != nil {
		t.Fatal(err)
	}
	if engine.pending == nil || engine.pending.Index() != 2 {
		t.Fatal("expected the fact to be rebuilt at index 2")
	}
	for _, node := range nodes[1:3] {
		bs, err := engine.pending.Sign(node.key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := engine.HandleBlockSignature(bs); err != nil {
			t.Fatal(err)
		}
	}

	section, err := engine.section()
	if err != nil {
		t.Fatal(err)
	}
	if section.Chain.Head().Index() != 2 {
		t.Fatalf("head index is %d, want 2", section.Chain.Head().Index())
	}
	if !section.Elders().Contains(joiner.PubKeyString()) {
		t.Fatal("the agreed join must survive the rejected block")
	}
}

func TestEngineRelocate(t *testing.T) {
	nodes := newTestSection(t, 7, 3, 4)
	relocatee := nodes[3].peer

	for _, node := range nodes {
		if _, err := node.engine.ProposeRelocate(relocatee, ""); err != nil {
			t.Fatal(err)
		}
	}

	pump(t, nodes)

	for i, node := range nodes {
		section, err := node.engine.section()
		if err != nil {
			t.Fatal(err)
		}
		if section.Chain.Head().Index() != 1 {
			t.Fatalf("node %d head index is %d, want 1", i, section.Chain.Head().Index())
		}
		if section.Elders().Contains(relocatee.PubKeyString()) {
			t.Fatalf("node %d elder set still contains the relocated peer", i)
		}
	}

	rels := nodes[0].engine.TakeRelocations()
	if len(rels) != 1 {
		t.Fatalf("expected 1 queued relocation, got %d", len(rels))
	}
	if rels[0].Peer.PubKeyString() != relocatee.PubKeyString() {
		t.Fatal("relocation carries the wrong peer")
	}
	if rels[0].Peer.Age != relocatee.Age+1 {
		t.Fatalf("relocated peer has age %d, want %d", rels[0].Peer.Age, relocatee.Age+1)
	}
	if len(nodes[0].engine.TakeRelocations()) != 0 {
		t.Fatal("the relocation queue should drain on take")
	}
}

func TestEngineProbeThreshold(t *testing.T) {
	nodes := newTestSection(t, 7, 3, 4)
	engine := nodes[0].engine
	target := nodes[1].peer.PubKeyString()

	for i := 0; i < 2; i++ {
		vote, err := engine.ProbeMissed(target)
		if err != nil {
			t.Fatal(err)
		}
		if vote != nil {
			t.Fatalf("probe miss %d should not trigger a vote", i+1)
		}
	}

	vote, err := engine.ProbeMissed(target)
	if err != nil {
		t.Fatal(err)
	}
	if vote == nil {
		t.Fatal("third consecutive miss should trigger an offline vote")
	}
	if vote.Body.Kind != chain.VoteOffline || vote.Body.Reason != chain.ReasonUnresponsive {
		t.Fatal("probe vote should be Offline with ReasonUnresponsive")
	}

	//a successful probe resets the count
	other := nodes[2].peer.PubKeyString()
	if _, err := engine.ProbeMissed(other); err != nil {
		t.Fatal(err)
	}
	engine.ProbeOK(other)
	v, err := engine.ProbeMissed(other)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatal("probe count should reset after a successful probe")
	}

	//unknown members are ignored
	if v, _ := engine.ProbeMissed("deadbeef"); v != nil {
		t.Fatal("probes for unknown members should be ignored")
	}
}
