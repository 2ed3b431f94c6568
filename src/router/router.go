package router

import (
	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/peers"
	"github.com/sectornet/routing/src/xor"
	"github.com/sirupsen/logrus"
)

// Router decides where a message goes next. Routing is greedy over the
// section table: the partition invariant guarantees exactly one live prefix
// matches any destination name, and that prefix is the XOR-closest one. A
// destination inside the local section terminates at the accumulator instead
// of taking another hop.
type Router struct {
	table     *chain.SectionTable
	localPeer *peers.Peer

	//per-prefix route cache, invalidated by table change notifications
	routes map[xor.Prefix][]*peers.Peer

	logger *logrus.Entry
}

// NewRouter creates a router over the table and registers for its change
// notifications.
func NewRouter(table *chain.SectionTable, localPeer *peers.Peer, logger *logrus.Entry) *Router {
	r := &Router{
		table:     table,
		localPeer: localPeer,
		routes:    make(map[xor.Prefix][]*peers.Peer),
		logger:    logger.WithField("prefix", "router"),
	}
	table.OnChange(r.Recompute)
	return r
}

// Local reports whether the destination falls inside the local section.
func (r *Router) Local(dest xor.Name) bool {
	section, ok := r.table.LookupSection(dest)
	if !ok {
		return false
	}
	return section.Prefix.Matches(r.localPeer.Name())
}

// NextHop returns the peers to forward a message for dest to: the elders of
// the section owning dest, excluding the local node. The second return is
// false when no live section owns the destination, which only happens on an
// empty table.
func (r *Router) NextHop(dest xor.Name) ([]*peers.Peer, bool) {
	section, ok := r.table.LookupSection(dest)
	if !ok {
		return nil, false
	}

	if cached, ok := r.routes[section.Prefix]; ok {
		return cached, true
	}

	hops := []*peers.Peer{}
	for _, p := range section.Elders().Elders {
		if p.PubKeyString() == r.localPeer.PubKeyString() {
			continue
		}
		hops = append(hops, p)
	}

	r.routes[section.Prefix] = hops
	return hops, true
}

// Recompute invalidates the cached route for a prefix. Registered with the
// section table, which calls it on every split, merge and elder change.
func (r *Router) Recompute(prefix xor.Prefix) {
	//the prefix itself may have been replaced by children or a parent, so
	//drop every cached route it overlaps
	for cached := range r.routes {
		if prefix.IsAncestorOf(cached) || cached.IsAncestorOf(prefix) {
			delete(r.routes, cached)
		}
	}

	r.logger.WithField("changed", prefix.String()).Debug("Recomputed routes")
}
