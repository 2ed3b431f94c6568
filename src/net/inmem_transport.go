package net

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// NewInmemAddr returns a new in-memory addr with a randomly generated UUID as
// the ID.
func NewInmemAddr() string {
	return generateUUID()
}

// generateUUID is used to generate a random UUID.
func generateUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

// InmemNetwork connects a group of InmemTransports so nodes can be tested
// in-memory without going over a network. It supports cutting and restoring
// individual links to simulate partitions.
type InmemNetwork struct {
	sync.RWMutex
	transports map[string]*InmemTransport
	cut        map[string]bool //"from|to" => link is down
}

// NewInmemNetwork ...
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		transports: make(map[string]*InmemTransport),
		cut:        make(map[string]bool),
	}
}

// NewTransport creates a transport attached to the network. An empty addr
// gets a random one.
func (n *InmemNetwork) NewTransport(addr string) *InmemTransport {
	if addr == "" {
		addr = NewInmemAddr()
	}

	trans := &InmemTransport{
		network:    n,
		consumerCh: make(chan Frame, 256),
		localAddr:  addr,
	}

	n.Lock()
	defer n.Unlock()
	n.transports[addr] = trans

	return trans
}

// Disconnect cuts the links between two addresses, both directions.
func (n *InmemNetwork) Disconnect(a, b string) {
	n.Lock()
	defer n.Unlock()
	n.cut[a+"|"+b] = true
	n.cut[b+"|"+a] = true
}

// Reconnect restores the links between two addresses.
func (n *InmemNetwork) Reconnect(a, b string) {
	n.Lock()
	defer n.Unlock()
	delete(n.cut, a+"|"+b)
	delete(n.cut, b+"|"+a)
}

func (n *InmemNetwork) deliver(from, to string, data []byte) error {
	n.RLock()
	target, ok := n.transports[to]
	down := n.cut[from+"|"+to]
	n.RUnlock()

	if !ok {
		return fmt.Errorf("failed to connect to peer: %v", to)
	}
	if down {
		//a cut link swallows frames silently, like a real network
		return nil
	}

	target.deliver(Frame{From: from, Data: data})
	return nil
}

func (n *InmemNetwork) remove(addr string) {
	n.Lock()
	defer n.Unlock()
	delete(n.transports, addr)
}

// InmemTransport implements the Transport interface against an InmemNetwork.
type InmemTransport struct {
	sync.RWMutex
	network    *InmemNetwork
	consumerCh chan Frame
	localAddr  string
	closed     bool
}

// Listen implements the Transport interface. There is no deferred
// initialisation for the in-memory service.
func (i *InmemTransport) Listen() {
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan Frame {
	return i.consumerCh
}

// Send implements the Transport interface.
func (i *InmemTransport) Send(target string, data []byte) error {
	i.RLock()
	closed := i.closed
	i.RUnlock()

	if closed {
		return fmt.Errorf("transport is closed")
	}

	return i.network.deliver(i.localAddr, target, data)
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

func (i *InmemTransport) deliver(frame Frame) {
	i.RLock()
	defer i.RUnlock()

	if i.closed {
		return
	}

	//drop instead of blocking when the consumer lags
	select {
	case i.consumerCh <- frame:
	default:
	}
}

// Close implements the Transport interface.
func (i *InmemTransport) Close() error {
	i.Lock()
	defer i.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	i.network.remove(i.localAddr)
	close(i.consumerCh)

	return nil
}
