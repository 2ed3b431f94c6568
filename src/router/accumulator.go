package router

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sectornet/routing/src/peers"
	"github.com/sirupsen/logrus"
)

var (
	//ErrAlreadyComplete is returned for shares of a message that was already
	//delivered.
	ErrAlreadyComplete = errors.New("message already delivered")

	//ErrShareReplaced is returned when a signer sends a second, different
	//share for the same message.
	ErrShareReplaced = errors.New("conflicting share from same signer")
)

type slot struct {
	message *Message
	shares  map[string]string //signer pub key => signature
	created time.Time
}

// Accumulator collects signature shares for inbound messages, keyed by
// message digest. A message is delivered exactly once, on the transition
// where its share count first reaches the source section's quorum; later
// shares for it are dropped. Slots that never complete expire after the TTL,
// which is a delivery failure, never a fault.
//
// The accumulator is single-writer, owned by the node's routing loop.
type Accumulator struct {
	slots     map[string]*slot
	delivered *lru.Cache //rolling window of delivered digests
	ttl       time.Duration

	logger *logrus.Entry
}

// NewAccumulator ...
func NewAccumulator(ttl time.Duration, windowSize int, logger *logrus.Entry) (*Accumulator, error) {
	delivered, err := lru.New(windowSize)
	if err != nil {
		return nil, err
	}

	return &Accumulator{
		slots:     make(map[string]*slot),
		delivered: delivered,
		ttl:       ttl,
		logger:    logger.WithField("prefix", "accumulator"),
	}, nil
}

// AddShare records one share. quorum is the source section's signature
// threshold for this message. On the completing share the accumulated message
// is returned; every other call returns nil.
func (a *Accumulator) AddShare(share *Share, quorum int) (*Delivered, error) {
	digest := share.Message.DigestHex()

	if a.delivered.Contains(digest) {
		return nil, ErrAlreadyComplete
	}

	sl, ok := a.slots[digest]
	if !ok {
		sl = &slot{
			message: share.Message,
			shares:  make(map[string]string),
			created: time.Now(),
		}
		a.slots[digest] = sl
	}

	if prev, ok := sl.shares[share.SignerPubKey]; ok {
		if prev != share.Signature {
			return nil, ErrShareReplaced
		}
		return nil, nil
	}
	sl.shares[share.SignerPubKey] = share.Signature

	if len(sl.shares) < quorum {
		return nil, nil
	}

	delete(a.slots, digest)
	a.delivered.Add(digest, true)

	a.logger.WithFields(logrus.Fields{
		"digest": digest[:10],
		"shares": len(sl.shares),
	}).Debug("Accumulated message")

	return &Delivered{Message: sl.message, Proof: sl.shares}, nil
}

// Sweep expires slots older than the TTL and returns their digests.
func (a *Accumulator) Sweep(now time.Time) []string {
	expired := []string{}
	for digest, sl := range a.slots {
		if now.Sub(sl.created) < a.ttl {
			continue
		}
		delete(a.slots, digest)
		expired = append(expired, digest)

		a.logger.WithFields(logrus.Fields{
			"digest": digest[:10],
			"shares": len(sl.shares),
		}).Warning("Accumulation timed out")
	}
	return expired
}

// Reset drops shares from the given source section whose signers are no
// longer in its elder set. Called when a source section re-keys: the old
// shares can never combine with new ones into a valid quorum. Slots left
// empty are discarded.
func (a *Accumulator) Reset(srcPrefix string, elders *peers.ElderSet) {
	for digest, sl := range a.slots {
		if sl.message.Src != srcPrefix {
			continue
		}
		for signer := range sl.shares {
			if !elders.Contains(signer) {
				delete(sl.shares, signer)
			}
		}
		if len(sl.shares) == 0 {
			delete(a.slots, digest)
		}
	}
}

// Pending returns the number of incomplete slots.
func (a *Accumulator) Pending() int {
	return len(a.slots)
}
