package wire

import (
	"testing"

	"github.com/sectornet/routing/src/crypto/keys"
)

func TestEnvelopeSignVerify(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	e := &Envelope{
		Kind:    KindVote,
		Seq:     42,
		Payload: []byte("payload"),
	}

	if err := e.Sign(key); err != nil {
		t.Fatal(err)
	}

	ok, err := e.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature should verify")
	}

	//tamper with the payload
	e.Payload = []byte("tampered")
	ok, err = e.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature of tampered envelope should not verify")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	e := &Envelope{
		Kind:    KindShare,
		Seq:     7,
		Payload: []byte{1, 2, 3},
	}
	if err := e.Sign(key); err != nil {
		t.Fatal(err)
	}

	raw, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var decoded Envelope
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if decoded.Kind != e.Kind || decoded.Seq != e.Seq || decoded.SignerPubKey != e.SignerPubKey {
		t.Fatal("decoded envelope does not match original")
	}

	ok, err := decoded.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("decoded envelope signature should verify")
	}
}

func TestCanonicalEncodingIsStable(t *testing.T) {
	type payload struct {
		B map[string]int
		A string
	}
	v := payload{A: "x", B: map[string]int{"k2": 2, "k1": 1, "k3": 3}}

	first, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		next, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if string(next) != string(first) {
			t.Fatal("canonical encoding should be byte-stable across calls")
		}
	}
}
