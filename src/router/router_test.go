package router

import (
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/crypto/keys"
	"github.com/sectornet/routing/src/peers"
	"github.com/sirupsen/logrus"
)

func newTestElder(t *testing.T, i int) (*ecdsa.PrivateKey, *peers.Peer) {
	t.Helper()
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	peer := peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), fmt.Sprintf("127.0.0.1:%d", i), fmt.Sprintf("elder%d", i))
	peer.Age = uint8(10 - i)
	return key, peer
}

func testAccumulator(t *testing.T, ttl time.Duration) *Accumulator {
	t.Helper()
	acc, err := NewAccumulator(ttl, 100, common.NewTestEntry(t, logrus.DebugLevel))
	if err != nil {
		t.Fatal(err)
	}
	return acc
}

func TestAccumulatorThreshold(t *testing.T) {
	//4 source elders, quorum 3: the third share delivers, the fourth is
	//rejected
	elderKeys := []*ecdsa.PrivateKey{}
	for i := 0; i < 4; i++ {
		key, _ := newTestElder(t, i)
		elderKeys = append(elderKeys, key)
	}

	_, destPeer := newTestElder(t, 10)
	message := NewMessage("0", destPeer.Name(), []byte("payload"))

	acc := testAccumulator(t, time.Minute)

	for i := 0; i < 2; i++ {
		share, err := NewShare(message, elderKeys[i])
		if err != nil {
			t.Fatal(err)
		}
		delivered, err := acc.AddShare(share, 3)
		if err != nil {
			t.Fatal(err)
		}
		if delivered != nil {
			t.Fatalf("share %d should not deliver", i+1)
		}
	}

	third, err := NewShare(message, elderKeys[2])
	if err != nil {
		t.Fatal(err)
	}
	delivered, err := acc.AddShare(third, 3)
	if err != nil {
		t.Fatal(err)
	}
	if delivered == nil {
		t.Fatal("third share should deliver the message")
	}
	if string(delivered.Message.Payload) != "payload" {
		t.Fatal("delivered message carries the wrong payload")
	}
	if len(delivered.Proof) != 3 {
		t.Fatalf("proof should carry 3 shares, got %d", len(delivered.Proof))
	}

	//the straggler share is rejected, not delivered again
	fourth, err := NewShare(message, elderKeys[3])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acc.AddShare(fourth, 3); err != ErrAlreadyComplete {
		t.Fatalf("expected ErrAlreadyComplete, got %v", err)
	}
	if acc.Pending() != 0 {
		t.Fatalf("no slots should remain, got %d", acc.Pending())
	}
}

func TestAccumulatorDuplicateAndReplacedShares(t *testing.T) {
	key, _ := newTestElder(t, 0)
	_, destPeer := newTestElder(t, 10)
	message := NewMessage("0", destPeer.Name(), []byte("payload"))

	acc := testAccumulator(t, time.Minute)

	share, err := NewShare(message, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acc.AddShare(share, 3); err != nil {
		t.Fatal(err)
	}

	//an identical resend is absorbed
	if _, err := acc.AddShare(share, 3); err != nil {
		t.Fatalf("identical resend should be absorbed, got %v", err)
	}

	//a different signature from the same signer is rejected
	forged := &Share{Message: message, SignerPubKey: share.SignerPubKey, Signature: "00deadbeef"}
	if _, err := acc.AddShare(forged, 3); err != ErrShareReplaced {
		t.Fatalf("expected ErrShareReplaced, got %v", err)
	}
}

func TestAccumulatorSweep(t *testing.T) {
	key, _ := newTestElder(t, 0)
	_, destPeer := newTestElder(t, 10)
	message := NewMessage("0", destPeer.Name(), []byte("payload"))

	acc := testAccumulator(t, 30*time.Second)

	share, err := NewShare(message, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acc.AddShare(share, 3); err != nil {
		t.Fatal(err)
	}

	if expired := acc.Sweep(time.Now()); len(expired) != 0 {
		t.Fatal("fresh slots should not expire")
	}

	expired := acc.Sweep(time.Now().Add(time.Minute))
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired digest, got %d", len(expired))
	}
	if expired[0] != message.DigestHex() {
		t.Fatal("sweep returned the wrong digest")
	}
	if acc.Pending() != 0 {
		t.Fatal("expired slots should be removed")
	}
}

func TestAccumulatorReset(t *testing.T) {
	keyA, peerA := newTestElder(t, 0)
	_, peerB := newTestElder(t, 1)
	keyC, _ := newTestElder(t, 2)
	_, destPeer := newTestElder(t, 10)

	fromZero := NewMessage("0", destPeer.Name(), []byte("zero"))
	fromOne := NewMessage("1", destPeer.Name(), []byte("one"))

	acc := testAccumulator(t, time.Minute)

	for _, key := range []*ecdsa.PrivateKey{keyA, keyC} {
		share, err := NewShare(fromZero, key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := acc.AddShare(share, 3); err != nil {
			t.Fatal(err)
		}
	}
	otherShare, err := NewShare(fromOne, keyC)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acc.AddShare(otherShare, 3); err != nil {
		t.Fatal(err)
	}

	//section "0" re-keys to {A, B}: C's share for it is dropped, the slot
	//for section "1" is untouched
	acc.Reset("0", peers.NewElderSet([]*peers.Peer{peerA, peerB}))
	if acc.Pending() != 2 {
		t.Fatalf("expected 2 slots to survive, got %d", acc.Pending())
	}

	//re-keying "0" away from A as well empties and drops its slot
	acc.Reset("0", peers.NewElderSet([]*peers.Peer{peerB}))
	if acc.Pending() != 1 {
		t.Fatalf("expected only the section-1 slot to survive, got %d", acc.Pending())
	}

	share, err := NewShare(fromOne, keyA)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acc.AddShare(share, 3); err != nil {
		t.Fatal(err)
	}
}

func TestShareVerify(t *testing.T) {
	key, _ := newTestElder(t, 0)
	_, destPeer := newTestElder(t, 10)
	message := NewMessage("0", destPeer.Name(), []byte("payload"))

	share, err := NewShare(message, key)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := share.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("share signature should verify")
	}

	share.Message.Payload = []byte("tampered")
	share.Message = NewMessage(share.Message.Src, destPeer.Name(), share.Message.Payload)
	ok, err = share.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("tampered share should not verify")
	}
}

func testTable(t *testing.T, elders []*peers.Peer) *chain.SectionTable {
	t.Helper()
	table := chain.NewSectionTable(chain.NewInmemStore(100), common.NewTestEntry(t, logrus.DebugLevel))
	genesis := chain.NewBlock(chain.BlockBody{Index: 0, Prefix: "", Kind: chain.BlockGenesis, Elders: elders})
	if err := table.Bootstrap(genesis); err != nil {
		t.Fatal(err)
	}
	return table
}

func TestRouterNextHop(t *testing.T) {
	elderList := []*peers.Peer{}
	for i := 0; i < 4; i++ {
		_, peer := newTestElder(t, i)
		elderList = append(elderList, peer)
	}

	table := testTable(t, elderList)
	router := NewRouter(table, elderList[0], common.NewTestEntry(t, logrus.DebugLevel))

	_, dest := newTestElder(t, 10)

	hops, ok := router.NextHop(dest.Name())
	if !ok {
		t.Fatal("a bootstrapped table should always yield a hop")
	}
	if len(hops) != 3 {
		t.Fatalf("expected 3 hops (local node excluded), got %d", len(hops))
	}
	for _, hop := range hops {
		if hop.PubKeyString() == elderList[0].PubKeyString() {
			t.Fatal("next hops must exclude the local node")
		}
	}

	//with a single root section every destination is local
	if !router.Local(dest.Name()) {
		t.Fatal("destinations in the local section should be local")
	}
}

func TestRouterRecomputeOnSplit(t *testing.T) {
	elderList := []*peers.Peer{}
	elderKeys := []*ecdsa.PrivateKey{}
	for i := 0; i < 10; i++ {
		key, peer := newTestElder(t, i)
		elderList = append(elderList, peer)
		elderKeys = append(elderKeys, key)
	}

	zero := []*peers.Peer{}
	one := []*peers.Peer{}
	for _, p := range elderList {
		if p.Name().Bit(0) == 0 {
			zero = append(zero, p)
		} else {
			one = append(one, p)
		}
	}
	if len(zero) == 0 || len(one) == 0 {
		t.Skip("degenerate key draw: all names share their first bit")
	}

	table := testTable(t, elderList)
	local := zero[0]
	router := NewRouter(table, local, common.NewTestEntry(t, logrus.DebugLevel))

	//prime the route cache
	if _, ok := router.NextHop(one[0].Name()); !ok {
		t.Fatal("expected a hop before the split")
	}

	split := chain.NewBlock(chain.BlockBody{
		Index:      1,
		Prefix:     "",
		Kind:       chain.BlockSplit,
		ZeroElders: zero,
		OneElders:  one,
	})
	for i := 0; i < 8; i++ {
		sig, err := split.Sign(elderKeys[i])
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

	//after the split, a destination on the other side routes to the other
	//child's elders and is no longer local
	hops, ok := router.NextHop(one[0].Name())
	if !ok {
		t.Fatal("expected a hop after the split")
	}
	if len(hops) != len(one) {
		t.Fatalf("expected %d hops to the 1-child, got %d", len(one), len(hops))
	}
	if router.Local(one[0].Name()) {
		t.Fatal("the other half of the split should not be local")
	}
	if !router.Local(local.Name()) {
		t.Fatal("the local node's own name should stay local")
	}
}
