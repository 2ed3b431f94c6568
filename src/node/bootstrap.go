package node

import (
	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/wire"
)

// BootstrapRequest asks an elder for the chain suffix of the section owning
// the requester's name, starting after FromIndex. Pass -1 to replay from
// genesis. FromAddr is the requester's listen address; transports do not
// expose a usable return address, so the response goes there.
type BootstrapRequest struct {
	FromIndex int
	FromAddr  string
}

// Marshal ...
func (r *BootstrapRequest) Marshal() ([]byte, error) {
	return wire.Marshal(r)
}

// Unmarshal ...
func (r *BootstrapRequest) Unmarshal(data []byte) error {
	return wire.Unmarshal(data, r)
}

// BootstrapResponse carries a verifiable chain suffix plus a snapshot of the
// responder's section table. The suffix is what the joiner trusts, after
// verifying it link-by-link from its genesis block; the snapshot is advisory
// routing information.
type BootstrapResponse struct {
	Blocks   []*chain.Block
	Snapshot []chain.SectionEntry
}

// Marshal ...
func (r *BootstrapResponse) Marshal() ([]byte, error) {
	return wire.Marshal(r)
}

// Unmarshal ...
func (r *BootstrapResponse) Unmarshal(data []byte) error {
	return wire.Unmarshal(data, r)
}
