package consensus

// Agreement is the external byzantine agreement primitive the routing core
// delegates to. It is a black box: facts go in from every participant, and the
// same facts come out of every correct participant's Poll, in the same total
// order. The routing core never inspects how agreement is reached.
//
// An Agreement instance is keyed to one participant set. When the section's
// elder set changes, the instance is retired and a fresh one is seeded with
// Reset; facts in flight at that point are lost and must be resubmitted by
// their proposers.
type Agreement interface {
	// Submit proposes a fact. Best-effort: an error means the fact was not
	// accepted locally, not that agreement failed.
	Submit(fact []byte) error

	// Poll returns the facts agreed since the last call, in agreement order.
	// It never blocks.
	Poll() [][]byte

	// Reset retires the current participant set and seeds a new instance.
	// Pending facts are discarded.
	Reset(participants []string) error

	// Close releases underlying resources.
	Close() error
}
