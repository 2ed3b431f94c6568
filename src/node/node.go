package node

import (
	"fmt"
	"time"

	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/churn"
	"github.com/sectornet/routing/src/common"
	"github.com/sectornet/routing/src/config"
	"github.com/sectornet/routing/src/consensus"
	"github.com/sectornet/routing/src/filter"
	"github.com/sectornet/routing/src/net"
	"github.com/sectornet/routing/src/peers"
	"github.com/sectornet/routing/src/router"
	"github.com/sectornet/routing/src/wire"
	"github.com/sectornet/routing/src/xor"
	"github.com/sirupsen/logrus"
)

//agreement poll frequency of the routing loop
const pollInterval = 50 * time.Millisecond

// Node ties the routing core together: one logical routing loop owns the
// section table, churn engine, router, accumulator and filter, and consumes
// one event at a time, so none of them need locks. Agreed votes flow through
// a bounded backlog between the agreement poller and the churn engine, which
// throttles block application under load while frames keep draining.
//
// No network condition crashes a node: invalid traffic is filtered, rejected
// blocks are re-derived, and failed sends are logged and forgotten.
type Node struct {
	state

	conf      *config.Config
	validator *Validator
	localPeer *peers.Peer

	table   *chain.SectionTable
	adapter *consensus.Adapter
	engine  *churn.Engine
	rtr     *router.Router
	acc     *router.Accumulator
	fltr    *filter.Filter
	trans   net.Transport
	store   chain.Store

	genesis *chain.Block

	//sequence numbers start from the wall clock so a restarted node does
	//not replay into the filter's high-water mark
	seq uint64

	agreedCh    chan consensus.AgreedEvent
	deliveredCh chan router.Delivered
	cmdCh       chan func()
	shutdownCh  chan struct{}

	//liveness probes awaiting an ack, by member public key
	awaitingAck map[string]bool

	listening bool

	logger *logrus.Entry
}

// NewNode instantiates a routing node around a genesis trust anchor, a
// transport, and an agreement primitive. Call Init or Join, then Run.
func NewNode(
	conf *config.Config,
	validator *Validator,
	genesis *chain.Block,
	trans net.Transport,
	agreement consensus.Agreement) (*Node, error) {

	logger := conf.Logger()

	var store chain.Store
	var err error
	if conf.Store {
		store, err = chain.NewBadgerStore(conf.CacheSize, conf.DatabaseDir)
		if err != nil {
			return nil, err
		}
	} else {
		store = chain.NewInmemStore(conf.CacheSize)
	}

	localPeer := validator.Peer(trans.LocalAddr())

	table := chain.NewSectionTable(store, logger)
	adapter := consensus.NewAdapter(agreement, validator.PublicKeyHex(), logger)
	engine := churn.NewEngine(
		conf.ElderCount,
		conf.SplitBuffer,
		conf.ProbeRounds,
		table,
		adapter,
		validator.Key,
		localPeer,
		logger,
	)

	acc, err := router.NewAccumulator(conf.AccumulatorTTL, conf.CacheSize, logger)
	if err != nil {
		return nil, err
	}
	fltr, err := filter.NewFilter(table, conf.CacheSize, logger)
	if err != nil {
		return nil, err
	}

	node := &Node{
		conf:        conf,
		validator:   validator,
		localPeer:   localPeer,
		table:       table,
		adapter:     adapter,
		engine:      engine,
		rtr:         router.NewRouter(table, localPeer, logger),
		acc:         acc,
		fltr:        fltr,
		trans:       trans,
		store:       store,
		genesis:     genesis,
		seq:         uint64(time.Now().UnixNano()),
		agreedCh:    make(chan consensus.AgreedEvent, conf.AgreedBacklog),
		deliveredCh: make(chan router.Delivered, conf.AgreedBacklog),
		cmdCh:       make(chan func(), 16),
		shutdownCh:  make(chan struct{}),
		awaitingAck: make(map[string]bool),
		logger:      logger,
	}

	//when a tracked section re-keys, shares signed by its old elders can
	//never complete
	table.OnChange(func(p xor.Prefix) {
		if section, ok := table.Section(p); ok {
			node.acc.Reset(section.Chain.Prefix(), section.Elders())
		}
	})

	return node, nil
}

// Init seeds the node directly from its genesis block: the path taken by
// founding members of a network.
func (n *Node) Init() error {
	if err := n.table.Bootstrap(n.genesis); err != nil {
		return err
	}
	n.engine.SetMembers(n.genesis.Body.Elders)
	return nil
}

// Join catches up from an existing node instead: it requests a chain suffix,
// verifies it link-by-link starting from the genesis trust anchor, and only
// then seeds the table.
func (n *Node) Join(target string, timeout time.Duration) error {
	n.listen()

	req := BootstrapRequest{FromIndex: -1, FromAddr: n.trans.LocalAddr()}
	raw, err := req.Marshal()
	if err != nil {
		return err
	}
	if err := n.send(wire.KindBootstrapRequest, raw, target); err != nil {
		return err
	}

	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-n.trans.Consumer():
			if !ok {
				return fmt.Errorf("transport closed during join")
			}
			env := new(wire.Envelope)
			if err := env.Unmarshal(frame.Data); err != nil {
				continue
			}
			if env.Kind != wire.KindBootstrapResponse || !n.fltr.CheckEnvelope(env) {
				continue
			}

			resp := new(BootstrapResponse)
			if err := resp.Unmarshal(env.Payload); err != nil {
				return err
			}
			return n.catchUp(resp)
		case <-deadline:
			return fmt.Errorf("join timed out after %v", timeout)
		case <-n.shutdownCh:
			return fmt.Errorf("node is shutting down")
		}
	}
}

func (n *Node) catchUp(resp *BootstrapResponse) error {
	if len(resp.Blocks) == 0 {
		return fmt.Errorf("bootstrap response carries no blocks")
	}
	if resp.Blocks[0].Hex() != n.genesis.Hex() {
		return fmt.Errorf("bootstrap response is rooted in a foreign genesis")
	}
	if err := chain.VerifySuffix(nil, resp.Blocks); err != nil {
		return err
	}

	if err := n.table.Bootstrap(resp.Blocks[0]); err != nil {
		return err
	}
	for _, block := range resp.Blocks[1:] {
		if err := n.table.ApplyBlock(block); err != nil {
			return err
		}
	}

	section, ok := n.table.LookupSection(n.localPeer.Name())
	if !ok {
		return fmt.Errorf("no live section owns the local name after catch-up")
	}
	n.engine.SetMembers(section.Elders().Elders)

	n.logger.WithFields(logrus.Fields{
		"blocks": len(resp.Blocks),
		"prefix": section.Prefix.String(),
	}).Info("Caught up")

	return nil
}

// Run starts the transport and the routing loop.
func (n *Node) Run() {
	n.setState(Routing)
	n.listen()
	n.goFunc(n.routingLoop)
}

func (n *Node) listen() {
	if !n.listening {
		n.listening = true
		n.trans.Listen()
	}
}

// Delivered is the upward surface: every message that accumulated a quorum of
// source-elder shares comes out of this channel, exactly once.
func (n *Node) Delivered() <-chan router.Delivered {
	return n.deliveredCh
}

// GetState returns the node's current state.
func (n *Node) GetState() State {
	return n.getState()
}

// Table exposes the section table for inspection.
func (n *Node) Table() *chain.SectionTable {
	return n.table
}

// Engine exposes the churn engine for inspection.
func (n *Node) Engine() *churn.Engine {
	return n.engine
}

// Stats returns a snapshot of operational counters, read on the routing loop.
func (n *Node) Stats() map[string]string {
	stats := map[string]string{
		"state":   n.GetState().String(),
		"moniker": n.validator.Moniker,
		"addr":    n.trans.LocalAddr(),
	}
	err := n.inspect(func() {
		stats["num_sections"] = fmt.Sprint(len(n.table.Sections()))
		stats["roster_size"] = fmt.Sprint(len(n.engine.Members()))
		if section, ok := n.table.LookupSection(n.localPeer.Name()); ok {
			stats["prefix"] = section.Prefix.String()
			stats["head_index"] = fmt.Sprint(section.Chain.Head().Index())
			stats["num_elders"] = fmt.Sprint(section.Elders().Len())
		}
	})
	if err != nil {
		return map[string]string{"state": Shutdown.String()}
	}
	return stats
}

// Snapshot returns the current section table entries.
func (n *Node) Snapshot() []chain.SectionEntry {
	var entries []chain.SectionEntry
	n.inspect(func() {
		entries = n.table.Snapshot()
	})
	return entries
}

// GetBlock retrieves a block of the local section's chain by index.
func (n *Node) GetBlock(index int) (*chain.Block, error) {
	var block *chain.Block
	var err error
	inspectErr := n.inspect(func() {
		section, ok := n.table.LookupSection(n.localPeer.Name())
		if !ok {
			err = fmt.Errorf("no local section")
			return
		}
		block, err = n.store.GetBlock(section.Chain.Prefix(), index)
	})
	if inspectErr != nil {
		return nil, inspectErr
	}
	return block, err
}

// GetElders returns the local section's current elders.
func (n *Node) GetElders() []*peers.Peer {
	var elders []*peers.Peer
	n.inspect(func() {
		if section, ok := n.table.LookupSection(n.localPeer.Name()); ok {
			elders = section.Elders().Elders
		}
	})
	return elders
}

// GetGenesisElders returns the founding elder set.
func (n *Node) GetGenesisElders() []*peers.Peer {
	return n.genesis.Body.Elders
}

// inspect runs f on the routing loop and waits for it to complete.
func (n *Node) inspect(f func()) error {
	done := make(chan struct{})
	if err := n.runInLoop(func() {
		f()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
	case <-n.shutdownCh:
		return fmt.Errorf("node is shutting down")
	}
	return nil
}

// Shutdown stops the routing loop and releases resources. Idempotent.
func (n *Node) Shutdown() {
	if n.getState() == Shutdown {
		return
	}
	n.logger.Debug("Shutdown")
	n.setState(Shutdown)

	close(n.shutdownCh)
	n.trans.Close()
	n.waitRoutines()

	n.adapter.Close()
	n.store.Close()
}

/*******************************************************************************
Public operations, marshalled onto the routing loop
*******************************************************************************/

// runInLoop hands a closure to the routing loop, which executes it between
// events. This is how calls from other goroutines touch loop-owned state.
func (n *Node) runInLoop(f func()) error {
	if n.getState() == Shutdown {
		return fmt.Errorf("node is shutting down")
	}
	select {
	case n.cmdCh <- f:
		return nil
	case <-n.shutdownCh:
		return fmt.Errorf("node is shutting down")
	}
}

// Route originates a section-sourced message towards dest. The local share
// is one of the quorum the destination needs; fellow elders originate theirs
// independently.
func (n *Node) Route(dest xor.Name, payload []byte) error {
	return n.runInLoop(func() {
		section, ok := n.table.LookupSection(n.localPeer.Name())
		if !ok {
			n.logger.Error("No local section to source a message from")
			return
		}

		message := router.NewMessage(section.Chain.Prefix(), dest, payload)
		share, err := router.NewShare(message, n.validator.Key)
		if err != nil {
			n.logger.WithError(err).Error("Failed to sign share")
			return
		}

		n.dispatchShare(share)
	})
}

// ProposeOnline proposes that a peer joined the local section.
func (n *Node) ProposeOnline(peer *peers.Peer) error {
	return n.runInLoop(func() {
		vote, err := n.engine.ProposeOnline(peer)
		if err != nil {
			n.logger.WithError(err).Error("Failed to propose online vote")
			return
		}
		n.broadcastVote(vote)
	})
}

// ProposeOffline proposes that a peer left the local section.
func (n *Node) ProposeOffline(peer *peers.Peer, reason chain.Reason) error {
	return n.runInLoop(func() {
		vote, err := n.engine.ProposeOffline(peer, reason)
		if err != nil {
			n.logger.WithError(err).Error("Failed to propose offline vote")
			return
		}
		n.broadcastVote(vote)
	})
}

// ProposeRelocate proposes moving a peer out of the local section. Once the
// departure commits, the elders route the peer, one age older, to the section
// owning its name, where it rejoins through the normal online path.
func (n *Node) ProposeRelocate(peer *peers.Peer, target string) error {
	return n.runInLoop(func() {
		vote, err := n.engine.ProposeRelocate(peer, target)
		if err != nil {
			n.logger.WithError(err).Error("Failed to propose relocate vote")
			return
		}
		n.broadcastVote(vote)
	})
}

/*******************************************************************************
Routing loop
*******************************************************************************/

func (n *Node) routingLoop() {
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(n.conf.SweepInterval)
	defer sweepTicker.Stop()
	probeTicker := time.NewTicker(n.conf.ProbeInterval)
	defer probeTicker.Stop()

	for {
		select {
		case frame, ok := <-n.trans.Consumer():
			if !ok {
				return
			}
			n.handleFrame(frame)
		case ev := <-n.agreedCh:
			n.handleAgreed(ev)
		case <-pollTicker.C:
			n.pollAgreement()
		case <-sweepTicker.C:
			n.acc.Sweep(time.Now())
		case <-probeTicker.C:
			n.probeMembers()
		case f := <-n.cmdCh:
			f()
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) handleAgreed(ev consensus.AgreedEvent) {
	if err := n.engine.HandleAgreed(ev); err != nil {
		n.logger.WithError(err).Warning("Failed to process agreed vote")
		return
	}
	n.flushEngine()
}

// pollAgreement drains newly agreed votes into the backlog. When the backlog
// is full, the oldest event is applied inline to make room: agreed votes are
// never dropped, block application just slows frame processing down.
func (n *Node) pollAgreement() {
	for _, ev := range n.adapter.PollAgreed() {
		for {
			select {
			case n.agreedCh <- ev:
			default:
				n.handleAgreed(<-n.agreedCh)
				continue
			}
			break
		}
	}
}

func (n *Node) flushEngine() {
	sig, err := n.engine.Flush()
	if err != nil {
		n.logger.WithError(err).Warning("Failed to build block")
		return
	}
	if sig == nil {
		return
	}

	raw, err := wire.Marshal(sig)
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode block signature")
		return
	}
	n.broadcastToElders(wire.KindBlockSignature, raw)

	n.dispatchRelocations()
}

// dispatchRelocations routes committed relocations towards the sections that
// own the departed peers' names. The landing rides the regular share
// machinery, so the destination only acts on a source-quorum of signatures.
func (n *Node) dispatchRelocations() {
	for _, rel := range n.engine.TakeRelocations() {
		section, ok := n.table.LookupSection(n.localPeer.Name())
		if !ok {
			n.logger.Error("No local section to source a relocation from")
			return
		}

		raw, err := wire.Marshal(rel.Peer)
		if err != nil {
			n.logger.WithError(err).Error("Failed to encode relocated peer")
			continue
		}

		message := router.NewMessage(section.Chain.Prefix(), rel.Peer.Name(), raw)
		message.Kind = router.MessageRelocate

		share, err := router.NewShare(message, n.validator.Key)
		if err != nil {
			n.logger.WithError(err).Error("Failed to sign relocation share")
			continue
		}
		n.dispatchShare(share)
	}
}

func (n *Node) handleFrame(frame net.Frame) {
	env := new(wire.Envelope)
	if err := env.Unmarshal(frame.Data); err != nil {
		n.logger.WithError(err).Debug("Dropping undecodable frame")
		return
	}

	if !n.fltr.CheckEnvelope(env) {
		return
	}

	switch env.Kind {
	case wire.KindVote:
		n.handleVote(env)
	case wire.KindBlockSignature:
		n.handleBlockSignature(env)
	case wire.KindShare:
		n.handleShare(env, frame.Data)
	case wire.KindBootstrapRequest:
		n.handleBootstrapRequest(env)
	case wire.KindProbe:
		n.ackProbe(env)
	case wire.KindProbeAck:
		n.engine.ProbeOK(env.SignerPubKey)
		delete(n.awaitingAck, env.SignerPubKey)
	default:
		//bootstrap responses outside of Join are stale
	}
}

func (n *Node) handleVote(env *wire.Envelope) {
	vote := new(chain.Vote)
	if err := vote.Unmarshal(env.Payload); err != nil {
		n.logger.WithError(err).Debug("Dropping undecodable vote")
		return
	}
	if !n.fltr.CheckVote(vote) {
		return
	}
	if err := n.engine.Submit(vote); err != nil {
		n.logger.WithError(err).Warning("Failed to submit vote")
	}
}

func (n *Node) handleBlockSignature(env *wire.Envelope) {
	bs := new(chain.BlockSignature)
	if err := wire.Unmarshal(env.Payload, bs); err != nil {
		n.logger.WithError(err).Debug("Dropping undecodable block signature")
		return
	}

	committed, err := n.engine.HandleBlockSignature(*bs)
	if err != nil {
		n.logger.WithError(err).Warning("Failed to process block signature")
		return
	}
	if committed {
		n.dispatchRelocations()
		//the next quorumed fact, if any, can be built immediately
		n.flushEngine()
	}
}

func (n *Node) handleShare(env *wire.Envelope, raw []byte) {
	share := new(router.Share)
	if err := share.Unmarshal(env.Payload); err != nil {
		n.logger.WithError(err).Debug("Dropping undecodable share")
		return
	}
	if !n.fltr.CheckShare(share) {
		return
	}

	dest, err := share.Message.DestName()
	if err != nil {
		n.logger.WithError(err).Debug("Dropping share with malformed destination")
		return
	}

	if n.rtr.Local(dest) {
		n.accumulate(share)
		return
	}

	//forward the original frame greedily towards the destination
	hops, ok := n.rtr.NextHop(dest)
	if !ok {
		n.logger.Debug("No route for share")
		return
	}
	for _, hop := range hops {
		if err := n.trans.Send(hop.NetAddr, raw); err != nil {
			n.logger.WithError(err).WithField("target", hop.NetAddr).
				Debug("Failed to forward share")
		}
	}
}

func (n *Node) dispatchShare(share *router.Share) {
	dest, err := share.Message.DestName()
	if err != nil {
		n.logger.WithError(err).Error("Malformed destination")
		return
	}

	if n.rtr.Local(dest) {
		n.accumulate(share)
		//fellow elders of the local section accumulate it too
	}

	raw, err := share.Marshal()
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode share")
		return
	}

	hops, ok := n.rtr.NextHop(dest)
	if !ok {
		n.logger.Debug("No route for message")
		return
	}

	n.seq++
	env := &wire.Envelope{Kind: wire.KindShare, Seq: n.seq, Payload: raw}
	if err := env.Sign(n.validator.Key); err != nil {
		n.logger.WithError(err).Error("Failed to sign envelope")
		return
	}
	envRaw, err := env.Marshal()
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode envelope")
		return
	}

	for _, hop := range hops {
		if err := n.trans.Send(hop.NetAddr, envRaw); err != nil {
			n.logger.WithError(err).WithField("target", hop.NetAddr).
				Debug("Failed to send share")
		}
	}
}

func (n *Node) accumulate(share *router.Share) {
	srcPrefix, err := xor.ParsePrefix(share.Message.Src)
	if err != nil {
		return
	}
	source, ok := n.table.Section(srcPrefix)
	if !ok {
		return
	}

	delivered, err := n.acc.AddShare(share, source.Elders().Quorum())
	if err != nil {
		n.logger.WithError(err).WithField("digest", share.Message.DigestHex()[:10]).
			Debug("Share not accumulated")
		return
	}
	if delivered == nil {
		return
	}

	if delivered.Message.Kind == router.MessageRelocate {
		n.landRelocation(delivered)
		return
	}

	select {
	case n.deliveredCh <- *delivered:
	default:
		n.logger.WithField("digest", share.Message.DigestHex()[:10]).
			Warning("Delivery channel full, dropping message")
	}
}

// landRelocation completes a relocation at the destination: the carried peer,
// already one age older, re-enters through the regular online path. The
// quorum of source-elder shares behind the delivery is what vouches for the
// age increment.
func (n *Node) landRelocation(delivered *router.Delivered) {
	peer := new(peers.Peer)
	if err := wire.Unmarshal(delivered.Message.Payload, peer); err != nil {
		n.logger.WithError(err).Warning("Dropping undecodable relocation")
		return
	}
	if delivered.Message.Dest != peer.Name().Hex() {
		n.logger.Warning("Dropping relocation not addressed to the peer's name")
		return
	}

	vote, err := n.engine.ProposeOnline(peer)
	if err != nil {
		n.logger.WithError(err).Warning("Failed to propose relocated peer online")
		return
	}
	n.broadcastVote(vote)

	n.logger.WithFields(logrus.Fields{
		"peer": peer.Moniker,
		"age":  peer.Age,
	}).Debug("Relocation landed")
}

// ackProbe answers a liveness probe. Frame source addresses are not usable as
// reply targets, so the prober must be a known roster member with an
// advertised address.
func (n *Node) ackProbe(env *wire.Envelope) {
	member, ok := n.engine.Member(env.SignerPubKey)
	if !ok {
		n.logger.Debug("Dropping probe from unknown member")
		return
	}
	if err := n.send(wire.KindProbeAck, nil, member.NetAddr); err != nil {
		n.logger.WithError(err).Debug("Failed to ack probe")
	}
}

func (n *Node) handleBootstrapRequest(env *wire.Envelope) {
	req := new(BootstrapRequest)
	if err := req.Unmarshal(env.Payload); err != nil {
		n.logger.WithError(err).Debug("Dropping undecodable bootstrap request")
		return
	}
	if req.FromAddr == "" {
		n.logger.Debug("Dropping bootstrap request without a return address")
		return
	}

	pubBytes, err := common.DecodeFromString(env.SignerPubKey)
	if err != nil {
		return
	}
	requester := xor.NameFromPubKey(pubBytes)

	section, ok := n.table.LookupSection(requester)
	if !ok {
		return
	}
	blocks, err := section.Chain.BlocksSince(req.FromIndex)
	if err != nil {
		n.logger.WithError(err).Warning("Cannot serve bootstrap request")
		return
	}

	resp := BootstrapResponse{Blocks: blocks, Snapshot: n.table.Snapshot()}
	raw, err := resp.Marshal()
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode bootstrap response")
		return
	}
	if err := n.send(wire.KindBootstrapResponse, raw, req.FromAddr); err != nil {
		n.logger.WithError(err).Debug("Failed to send bootstrap response")
	}
}

/*******************************************************************************
Liveness probes
*******************************************************************************/

func (n *Node) probeMembers() {
	for _, member := range n.engine.Members() {
		pub := member.PubKeyString()
		if pub == n.validator.PublicKeyHex() {
			continue
		}

		if n.awaitingAck[pub] {
			vote, err := n.engine.ProbeMissed(pub)
			if err != nil {
				n.logger.WithError(err).Warning("Failed to process missed probe")
			}
			if vote != nil {
				n.broadcastVote(vote)
			}
		}

		n.awaitingAck[pub] = true
		if err := n.send(wire.KindProbe, nil, member.NetAddr); err != nil {
			n.logger.WithError(err).WithField("target", member.NetAddr).
				Debug("Failed to send probe")
		}
	}
}

/*******************************************************************************
Wire helpers
*******************************************************************************/

func (n *Node) send(kind wire.Kind, payload []byte, target string) error {
	n.seq++
	env := &wire.Envelope{Kind: kind, Seq: n.seq, Payload: payload}
	if err := env.Sign(n.validator.Key); err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return n.trans.Send(target, raw)
}

func (n *Node) broadcastToElders(kind wire.Kind, payload []byte) {
	section, ok := n.table.LookupSection(n.localPeer.Name())
	if !ok {
		return
	}
	for _, elder := range section.Elders().Elders {
		if elder.PubKeyString() == n.validator.PublicKeyHex() {
			continue
		}
		if err := n.send(kind, payload, elder.NetAddr); err != nil {
			n.logger.WithError(err).WithField("target", elder.NetAddr).
				Debug("Failed to send to elder")
		}
	}
}

func (n *Node) broadcastVote(vote *chain.Vote) {
	raw, err := vote.Marshal()
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode vote")
		return
	}
	n.broadcastToElders(wire.KindVote, raw)
}
