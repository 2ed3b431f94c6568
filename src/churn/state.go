package churn

import (
	"sync/atomic"
)

// State captures the phase of a section's churn engine: Stable, Electing, or
// Transitioning.
type State uint32

const (
	//Stable means no membership change is in progress.
	Stable State = iota
	//Electing means votes are in flight but no block has been built yet.
	Electing
	//Transitioning means a block was built and is collecting signatures.
	Transitioning
)

// String ...
func (s State) String() string {
	switch s {
	case Stable:
		return "Stable"
	case Electing:
		return "Electing"
	case Transitioning:
		return "Transitioning"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}
