package consensus

import (
	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/peers"
	"github.com/sirupsen/logrus"
)

// AgreedEvent is one vote that came out of agreement. Every correct elder of
// the section observes the same events in the same order.
type AgreedEvent struct {
	Vote *chain.Vote
}

// Adapter bridges the section's membership votes and the black-box Agreement
// primitive. It deduplicates submissions, decodes agreed facts back into
// votes, and carries the section across re-keying: when the elder set changes,
// the old agreement instance dies with its in-flight facts, and the adapter
// hands back the caller's own un-agreed votes so they can be re-voted under
// the new instance. Votes signed by other elders are their problem to
// resubmit.
//
// An Adapter is single-writer, owned by the section's churn engine.
type Adapter struct {
	agreement   Agreement
	localPubKey string

	submitted map[string]bool        //vote key => submitted to the current instance
	delivered map[string]bool        //vote key => already polled out
	inFlight  map[string]*chain.Vote //own votes submitted but not yet agreed

	logger *logrus.Entry
}

// NewAdapter ...
func NewAdapter(agreement Agreement, localPubKey string, logger *logrus.Entry) *Adapter {
	return &Adapter{
		agreement:   agreement,
		localPubKey: localPubKey,
		submitted:   make(map[string]bool),
		delivered:   make(map[string]bool),
		inFlight:    make(map[string]*chain.Vote),
		logger:      logger.WithField("prefix", "consensus"),
	}
}

// SubmitVote proposes a vote for agreement. A vote already submitted to the
// current instance, or already agreed, is absorbed silently; proposing the
// same fact twice is normal under churn, not an error.
func (a *Adapter) SubmitVote(vote *chain.Vote) error {
	key := vote.Key()

	if a.submitted[key] || a.delivered[key] {
		return nil
	}

	raw, err := vote.Marshal()
	if err != nil {
		return err
	}

	if err := a.agreement.Submit(raw); err != nil {
		return err
	}

	a.submitted[key] = true
	if vote.SignerPubKey == a.localPubKey {
		a.inFlight[key] = vote
	}

	a.logger.WithFields(logrus.Fields{
		"kind": vote.Body.Kind.String(),
		"key":  key[:10],
	}).Debug("Submitted vote")

	return nil
}

// PollAgreed returns the votes agreed since the last call, in agreement
// order. Finite and restartable; it never blocks. Facts that fail to decode
// or verify are dropped with a warning: the primitive ordered them, but they
// carry nothing this section can act on.
func (a *Adapter) PollAgreed() []AgreedEvent {
	events := []AgreedEvent{}

	for _, raw := range a.agreement.Poll() {
		vote := new(chain.Vote)
		if err := vote.Unmarshal(raw); err != nil {
			a.logger.WithError(err).Warning("Discarding undecodable agreed fact")
			continue
		}

		if ok, err := vote.Verify(); err != nil || !ok {
			a.logger.WithField("signer", vote.SignerPubKey).
				Warning("Discarding agreed vote with bad signature")
			continue
		}

		key := vote.Key()
		if a.delivered[key] {
			continue
		}
		a.delivered[key] = true
		delete(a.inFlight, key)

		events = append(events, AgreedEvent{Vote: vote})
	}

	return events
}

// Rekey retires the current agreement instance and seeds a new one keyed to
// the given elder set. It returns the caller's own votes that were submitted
// but never agreed; the caller resubmits the ones that still apply. Everything
// else in flight is discarded.
func (a *Adapter) Rekey(elders *peers.ElderSet) ([]*chain.Vote, error) {
	if err := a.agreement.Reset(elders.PubKeys()); err != nil {
		return nil, err
	}

	own := make([]*chain.Vote, 0, len(a.inFlight))
	for _, vote := range a.inFlight {
		own = append(own, vote)
	}

	a.submitted = make(map[string]bool)
	a.inFlight = make(map[string]*chain.Vote)

	a.logger.WithFields(logrus.Fields{
		"elders":   elders.Len(),
		"resubmit": len(own),
	}).Debug("Re-keyed agreement")

	return own, nil
}

// Close ...
func (a *Adapter) Close() error {
	return a.agreement.Close()
}
