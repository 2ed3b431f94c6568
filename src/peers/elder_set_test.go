package peers

import (
	"fmt"
	"testing"

	"github.com/sectornet/routing/src/crypto/keys"
)

func newTestPeer(t *testing.T, age uint8) *Peer {
	t.Helper()
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	p := NewPeer(keys.PublicKeyHex(&key.PublicKey), "127.0.0.1:0", fmt.Sprintf("peer-%d", age))
	p.Age = age
	return p
}

func TestElderSetQuorum(t *testing.T) {
	cases := []struct {
		n      int
		quorum int
	}{
		{1, 1},
		{3, 2},
		{4, 3},
		{7, 5},
		{10, 7},
	}

	for _, c := range cases {
		elders := []*Peer{}
		for i := 0; i < c.n; i++ {
			elders = append(elders, newTestPeer(t, 1))
		}
		es := NewElderSet(elders)
		if got := es.Quorum(); got != c.quorum {
			t.Fatalf("Quorum of %d elders: got %d, want %d", c.n, got, c.quorum)
		}
	}
}

func TestElderSetMembership(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)

	es := NewElderSet([]*Peer{a})
	if !es.Contains(a.PubKeyString()) {
		t.Fatal("set should contain a")
	}
	if es.Contains(b.PubKeyString()) {
		t.Fatal("set should not contain b")
	}

	es2 := es.WithNewPeer(b)
	if es2.Len() != 2 {
		t.Fatalf("expected 2 elders, got %d", es2.Len())
	}
	//adding twice is a no-op
	if es2.WithNewPeer(b).Len() != 2 {
		t.Fatal("adding an existing peer should not grow the set")
	}

	es3 := es2.WithRemovedPeer(a)
	if es3.Len() != 1 || es3.Contains(a.PubKeyString()) {
		t.Fatal("a should have been removed")
	}

	//the original sets are unchanged
	if es.Len() != 1 || es2.Len() != 2 {
		t.Fatal("ElderSet should be immutable")
	}
}

func TestElderSetHashChangesWithMembership(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)

	es := NewElderSet([]*Peer{a})
	es2 := es.WithNewPeer(b)

	if es.Hex() == es2.Hex() {
		t.Fatal("elder sets with different members should have different hashes")
	}

	//same members, same hash
	es3 := NewElderSet([]*Peer{a})
	if es.Hex() != es3.Hex() {
		t.Fatal("elder sets with identical members should have identical hashes")
	}
}

func TestRankElders(t *testing.T) {
	old := newTestPeer(t, 9)
	mid := newTestPeer(t, 5)
	young := newTestPeer(t, 1)

	ranked := RankElders([]*Peer{young, old, mid}, 2)

	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked elders, got %d", len(ranked))
	}
	if ranked[0] != old || ranked[1] != mid {
		t.Fatal("elders should be ranked by age descending")
	}
}

func TestRankEldersDeterministic(t *testing.T) {
	//same age, ties broken by name
	a := newTestPeer(t, 3)
	b := newTestPeer(t, 3)
	c := newTestPeer(t, 3)

	r1 := RankElders([]*Peer{a, b, c}, 3)
	r2 := RankElders([]*Peer{c, a, b}, 3)
	r3 := RankElders([]*Peer{b, c, a}, 3)

	for i := range r1 {
		if r1[i] != r2[i] || r1[i] != r3[i] {
			t.Fatal("ranking should not depend on input order")
		}
	}
}
