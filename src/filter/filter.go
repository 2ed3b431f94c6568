package filter

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/router"
	"github.com/sectornet/routing/src/wire"
	"github.com/sectornet/routing/src/xor"
	"github.com/sirupsen/logrus"
)

// Filter screens everything that comes off the wire before the node acts on
// it. Invalid traffic is never fatal: it is logged, counted against the
// sender, and dropped. The strike counts feed eventual exclusion decisions.
//
// The filter is single-writer, owned by the node's routing loop.
type Filter struct {
	table *chain.SectionTable

	//highest envelope sequence number seen per signer
	seqs map[string]uint64

	//recently seen (signer, seq) pairs; exact resends are absorbed without
	//a strike, the network duplicates frames on its own
	seen *lru.Cache

	strikes map[string]int

	logger *logrus.Entry
}

// NewFilter ...
func NewFilter(table *chain.SectionTable, cacheSize int, logger *logrus.Entry) (*Filter, error) {
	seen, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	return &Filter{
		table:   table,
		seqs:    make(map[string]uint64),
		seen:    seen,
		strikes: make(map[string]int),
		logger:  logger.WithField("prefix", "filter"),
	}, nil
}

// Strikes returns the violation count recorded against a public key.
func (f *Filter) Strikes(pubKey string) int {
	return f.strikes[pubKey]
}

func (f *Filter) strike(pubKey string, reason string) {
	f.strikes[pubKey]++
	f.logger.WithFields(logrus.Fields{
		"signer":  pubKey[:min(len(pubKey), 10)],
		"reason":  reason,
		"strikes": f.strikes[pubKey],
	}).Warning("Filter violation")
}

// CheckEnvelope validates an envelope's structure, signature, and sequence
// number. It returns false for anything that should be dropped.
func (f *Filter) CheckEnvelope(env *wire.Envelope) bool {
	if env.SignerPubKey == "" || env.Signature == "" {
		f.logger.Warning("Dropping unsigned envelope")
		return false
	}
	if env.Kind > wire.KindProbeAck {
		f.strike(env.SignerPubKey, "unknown envelope kind")
		return false
	}

	seenKey := env.SignerPubKey + "-" + strconv.FormatUint(env.Seq, 10)
	if f.seen.Contains(seenKey) {
		return false
	}

	if last, ok := f.seqs[env.SignerPubKey]; ok && env.Seq <= last {
		f.strike(env.SignerPubKey, "stale sequence number")
		return false
	}

	ok, err := env.Verify()
	if err != nil || !ok {
		f.strike(env.SignerPubKey, "bad envelope signature")
		return false
	}

	f.seqs[env.SignerPubKey] = env.Seq
	f.seen.Add(seenKey, true)

	return true
}

// CheckVote validates a vote against the section table: the signature must
// verify, the claimed prefix must be live, and the signer must be one of its
// elders.
func (f *Filter) CheckVote(vote *chain.Vote) bool {
	ok, err := vote.Verify()
	if err != nil || !ok {
		f.strike(vote.SignerPubKey, "bad vote signature")
		return false
	}

	prefix, err := xor.ParsePrefix(vote.Body.Prefix)
	if err != nil {
		f.strike(vote.SignerPubKey, "malformed vote prefix")
		return false
	}

	section, live := f.table.Section(prefix)
	if !live {
		//not malicious on its own: the sender may not have seen a split yet
		f.logger.WithField("prefix", prefix.String()).
			Debug("Dropping vote for dead prefix")
		return false
	}

	if !section.Elders().Contains(vote.SignerPubKey) {
		f.strike(vote.SignerPubKey, "vote from non-elder")
		return false
	}

	return true
}

// CheckShare validates a routed message share: the signature must verify and
// the declared source section must contain the signer.
func (f *Filter) CheckShare(share *router.Share) bool {
	ok, err := share.Verify()
	if err != nil || !ok {
		f.strike(share.SignerPubKey, "bad share signature")
		return false
	}

	prefix, err := xor.ParsePrefix(share.Message.Src)
	if err != nil {
		f.strike(share.SignerPubKey, "malformed share source")
		return false
	}

	section, live := f.table.Section(prefix)
	if !live {
		f.logger.WithField("prefix", prefix.String()).
			Debug("Dropping share from dead prefix")
		return false
	}

	if !section.Elders().Contains(share.SignerPubKey) {
		f.strike(share.SignerPubKey, "share from non-elder of declared source")
		return false
	}

	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
